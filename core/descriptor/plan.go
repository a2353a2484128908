package descriptor

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPlan is wrapped by every Plan.Validate failure.
var ErrInvalidPlan = errors.New("invalid composition plan")

// PlanEntry is one package in a composition, with the per-scenario policy.
type PlanEntry struct {
	Descriptor Descriptor

	// Required packages abort the bring-up when they fail to activate.
	Required bool

	// Params is passed to the package's Init verbatim.
	Params []byte
}

// Name returns the package name.
func (e PlanEntry) Name() string {
	return e.Descriptor.Name
}

// Plan is an ordered composition. Order is activation order; teardown runs
// in reverse.
type Plan struct {
	Entries []PlanEntry
}

// DefaultPlan returns every catalog package in DefaultOrder. The physical
// and extent packages are required, the services optional.
func DefaultPlan(cat *Catalog) Plan {
	var p Plan
	for _, name := range DefaultOrder {
		d, ok := cat.Get(name)
		if !ok {
			continue
		}
		p.Entries = append(p.Entries, PlanEntry{
			Descriptor: d,
			Required:   name == Physical || name == Extent,
		})
	}
	return p
}

// Names returns the package names in activation order.
func (p Plan) Names() []string {
	names := make([]string, len(p.Entries))
	for i, e := range p.Entries {
		names[i] = e.Name()
	}
	return names
}

// Entry returns the plan entry for name.
func (p Plan) Entry(name string) (PlanEntry, bool) {
	for _, e := range p.Entries {
		if e.Name() == name {
			return e, true
		}
	}
	return PlanEntry{}, false
}

// Len returns the number of entries.
func (p Plan) Len() int {
	return len(p.Entries)
}

// Subset returns the entries whose names are listed, keeping plan order.
func (p Plan) Subset(names ...string) Plan {
	want := toSet(names)
	var out Plan
	for _, e := range p.Entries {
		if want[e.Name()] {
			out.Entries = append(out.Entries, e)
		}
	}
	return out
}

// Without returns the plan minus the listed names, keeping plan order.
func (p Plan) Without(names ...string) Plan {
	drop := toSet(names)
	var out Plan
	for _, e := range p.Entries {
		if !drop[e.Name()] {
			out.Entries = append(out.Entries, e)
		}
	}
	return out
}

// Validate checks the plan as a whole against cat. Load order encodes the
// dependency graph, so a package may only depend on packages before it.
//
// A required dependency on a package that is missing from the plan is an
// error. An optional one is not: that package simply stays absent. Packages
// listed in external are treated as already active (used when attaching to
// a live session).
func (p Plan) Validate(cat *Catalog, external ...string) error {
	var errs []string

	seen := toSet(external)
	inPlan := make(map[string]bool, len(p.Entries))
	for _, e := range p.Entries {
		inPlan[e.Name()] = true
	}

	for i, e := range p.Entries {
		name := e.Name()
		if err := e.Descriptor.Validate(); err != nil {
			errs = append(errs, err.Error())
			continue
		}
		if cat != nil {
			if _, ok := cat.Get(name); !ok {
				errs = append(errs, fmt.Sprintf("entries[%d]: unknown package %q", i, name))
			}
		}
		if seen[name] {
			errs = append(errs, fmt.Sprintf("entries[%d]: duplicate package %q", i, name))
			continue
		}

		for _, dep := range e.Descriptor.Requires {
			switch {
			case seen[dep.Module]:
				// Activated earlier.
			case inPlan[dep.Module]:
				errs = append(errs, fmt.Sprintf("%s: depends on %s which is activated later", name, dep.Module))
			case !dep.Optional:
				errs = append(errs, fmt.Sprintf("%s: required dependency %s is not in the plan", name, dep.Module))
			}
		}
		seen[name] = true
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidPlan, strings.Join(errs, "\n  - "))
	}
	return nil
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}
