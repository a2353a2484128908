package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/artpar/pkghost/bootstrap"
)

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Bring up the composition and hold until a signal",
	Long: `Bring up every configured package in activation order, then hold
until SIGINT or SIGTERM and tear down in reverse order. SIGHUP reloads
the configuration; composition changes apply to the next bring-up.

With --once the composition is brought up, reported, and torn down
immediately.

Examples:
  pkghost up
  pkghost up --once
  pkghost up --config /etc/pkghost/pkghost.yaml`,
	RunE: runUp,
}

var upOnce bool

func init() {
	rootCmd.AddCommand(upCmd)

	upCmd.Flags().BoolVar(&upOnce, "once", false, "bring up, report and tear down without holding")
}

func runUp(cmd *cobra.Command, args []string) error {
	app, err := newApp(cmd, bootstrap.Options{})
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}

	ctx := cmd.Context()

	if !upOnce {
		return app.Run(ctx)
	}

	defer app.Shutdown()
	out := cmd.OutOrStdout()

	s, err := app.Up(ctx)
	if err != nil {
		return fmt.Errorf("bring-up: %w", err)
	}
	printf(out, "Session %s\n", s.ID())
	for _, name := range s.Plan().Names() {
		state := s.ModuleState(name)
		printf(out, "  %s %-10s %s\n", mark(s.IsActive(name)), name, state)
	}
	absent := s.Absent()
	for _, name := range s.AbsentNames() {
		printf(out, "      %s: %v\n", name, absent[name])
	}

	report, err := app.Down(ctx)
	printf(out, "\nTeardown:\n")
	for _, st := range report.Statuses {
		printf(out, "  %s %-10s %s\n", mark(st.OK()), st.Module, st.Duration)
	}
	if err != nil {
		return fmt.Errorf("teardown: %w", err)
	}
	return nil
}
