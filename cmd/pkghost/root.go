package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/artpar/pkghost/bootstrap"
)

var (
	// Global flags
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "pkghost",
	Short: "Storage package composition and lifecycle host",
	Long: `pkghost loads storage packages in dependency order, wires their
control and I/O entry points into each other, and tears them down in
reverse order.

Quick start:
  pkghost plan      # Show activation order and wiring
  pkghost validate  # Probe every package's exported symbols
  pkghost up        # Bring up the composition and hold until a signal

History:
  pkghost history   # Past bring-ups and teardowns from the journal`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "pkghost.yaml", "config file path")
}

// newApp builds the host for a command. Logs go to stderr so command
// output stays clean.
func newApp(cmd *cobra.Command, opts bootstrap.Options) (*bootstrap.App, error) {
	opts.ConfigPath = cfgFile
	if opts.LogOutput == nil {
		opts.LogOutput = cmd.ErrOrStderr()
	}
	return bootstrap.New(opts)
}

const (
	checkMark = "\033[32m✓\033[0m"
	crossMark = "\033[31m✗\033[0m"
)

func mark(ok bool) string {
	if ok {
		return checkMark
	}
	return crossMark
}

func printf(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, format, args...)
}
