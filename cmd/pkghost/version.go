package main

import (
	"github.com/spf13/cobra"

	apihttp "github.com/artpar/pkghost/adapters/http"
)

var (
	// Set via ldflags at build time
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		printf(out, "pkghost %s\n", version)
		printf(out, "  commit:  %s\n", commit)
		printf(out, "  built:   %s\n", buildDate)
	},
}

func init() {
	apihttp.BuildVersion = version
	rootCmd.AddCommand(versionCmd)
}
