package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/artpar/pkghost/bootstrap"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration and probe every package",
	Long: `Validate the pkghost configuration and the packages it names.

Checks:
  - YAML syntax is valid
  - The composition resolves against the descriptor catalog
  - Every package loads and exports the symbols its descriptor declares

Packages are loaded and unloaded again; nothing is initialized.

Examples:
  pkghost validate
  pkghost validate --config /etc/pkghost/pkghost.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	printf(out, "Validating %s...\n\n", cfgFile)

	app, err := newApp(cmd, bootstrap.Options{})
	if err != nil {
		printf(out, "  %s Config valid\n", crossMark)
		return fmt.Errorf("config error: %w", err)
	}
	defer app.Shutdown()
	printf(out, "  %s Config valid (loader: %s)\n", checkMark, app.Config.Get().Loader.Kind)

	plan, err := app.Plan()
	if err != nil {
		printf(out, "  %s Composition resolves\n", crossMark)
		return fmt.Errorf("plan error: %w", err)
	}
	printf(out, "  %s Composition resolves: %s\n", checkMark, strings.Join(plan.Names(), ", "))

	results, probeErr := app.Probe(cmd.Context())
	for _, r := range results {
		printf(out, "  %s Package %s\n", mark(r.OK()), r.Module)
		if r.LoadErr != nil {
			printf(out, "      Error: %v\n", r.LoadErr)
		}
		for _, f := range r.Fatal {
			printf(out, "      Fatal: %s\n", f)
		}
		if len(r.Missing) > 0 {
			printf(out, "      Missing: %s\n", strings.Join(r.Missing, ", "))
		}
	}
	if probeErr != nil {
		return probeErr
	}

	printf(out, "\nConfiguration is valid.\n")
	return nil
}
