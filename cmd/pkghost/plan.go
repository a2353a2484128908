package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/artpar/pkghost/bootstrap"
	"github.com/artpar/pkghost/core/descriptor"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show activation order and wiring",
	Long: `Resolve the configured composition and print, for each package in
activation order, the entry points it receives and publishes.

Examples:
  pkghost plan
  pkghost plan --yaml`,
	RunE: runPlan,
}

var planYAML bool

func init() {
	rootCmd.AddCommand(planCmd)

	planCmd.Flags().BoolVar(&planYAML, "yaml", false, "print the plan as YAML")
}

type wiringView struct {
	From     string `yaml:"from"`
	Kind     string `yaml:"kind"`
	Setter   string `yaml:"setter"`
	Optional bool   `yaml:"optional,omitempty"`
}

type publishView struct {
	Kind   string `yaml:"kind"`
	Getter string `yaml:"getter"`
}

type moduleView struct {
	Name      string        `yaml:"name"`
	Required  bool          `yaml:"required"`
	Receives  []wiringView  `yaml:"receives,omitempty"`
	Publishes []publishView `yaml:"publishes,omitempty"`
}

type planView struct {
	Activation []moduleView `yaml:"activation"`
	Teardown   []string     `yaml:"teardown"`
}

func buildPlanView(plan descriptor.Plan) planView {
	var v planView
	for _, e := range plan.Entries {
		m := moduleView{Name: e.Name(), Required: e.Required}
		for _, dep := range e.Descriptor.Requires {
			m.Receives = append(m.Receives, wiringView{
				From:     dep.Module,
				Kind:     string(dep.Kind),
				Setter:   dep.SetterSymbol(),
				Optional: dep.Optional,
			})
		}
		for _, pub := range e.Descriptor.Publishes {
			m.Publishes = append(m.Publishes, publishView{
				Kind:   string(pub.Kind),
				Getter: pub.GetterSymbol(),
			})
		}
		v.Activation = append(v.Activation, m)
	}
	names := plan.Names()
	for i := len(names) - 1; i >= 0; i-- {
		v.Teardown = append(v.Teardown, names[i])
	}
	return v
}

func runPlan(cmd *cobra.Command, args []string) error {
	app, err := newApp(cmd, bootstrap.Options{})
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer app.Shutdown()

	plan, err := app.Plan()
	if err != nil {
		return err
	}
	view := buildPlanView(plan)
	out := cmd.OutOrStdout()

	if planYAML {
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(view)
	}

	printf(out, "Activation order:\n")
	for i, m := range view.Activation {
		req := "optional"
		if m.Required {
			req = "required"
		}
		printf(out, "  %d. %s (%s)\n", i+1, m.Name, req)
		for _, w := range m.Receives {
			opt := ""
			if w.Optional {
				opt = " [optional]"
			}
			printf(out, "       <- %s.%s via %s%s\n", w.From, w.Kind, w.Setter, opt)
		}
		for _, p := range m.Publishes {
			printf(out, "       -> %s via %s\n", p.Kind, p.Getter)
		}
	}
	printf(out, "\nTeardown order: %v\n", view.Teardown)
	return nil
}
