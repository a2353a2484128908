// Package descriptor defines the static metadata for each storage package:
// which entry points it must receive from packages loaded before it, which
// entry points it publishes, and whether each dependency is optional.
//
// The required/optional matrix is data, not control flow. Built-in
// descriptors cover the known package set; YAML overrides let a deployment
// adjust the matrix and validate it against the real modules.
package descriptor

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/artpar/pkghost/core/entry"
	"github.com/artpar/pkghost/core/symbol"
)

// Dependency is one entry point a package must receive from another.
type Dependency struct {
	// Module is the package that publishes the entry.
	Module string `yaml:"module" json:"module"`

	// Kind is the entry kind to inject.
	Kind entry.Kind `yaml:"kind" json:"kind"`

	// Setter is the symbol that receives the entry. Derived from Module and
	// Kind when empty.
	Setter string `yaml:"setter,omitempty" json:"setter"`

	// Optional dependencies degrade functionality when absent instead of
	// failing the dependent's activation.
	Optional bool `yaml:"optional,omitempty" json:"optional"`
}

// SetterSymbol returns the setter symbol, deriving the default name.
func (d Dependency) SetterSymbol() string {
	if d.Setter != "" {
		return d.Setter
	}
	return symbol.SetterName(d.Module, d.Kind)
}

// Publication is one entry point a package publishes.
type Publication struct {
	// Kind is the entry kind.
	Kind entry.Kind `yaml:"kind" json:"kind"`

	// Getter is the symbol that returns the entry. Derived from Kind when empty.
	Getter string `yaml:"getter,omitempty" json:"getter"`
}

// GetterSymbol returns the getter symbol, deriving the default name.
func (p Publication) GetterSymbol() string {
	if p.Getter != "" {
		return p.Getter
	}
	return symbol.Getter(p.Kind)
}

// Descriptor is the immutable metadata of one package.
type Descriptor struct {
	// Name is the load name of the package.
	Name string `yaml:"name" json:"name"`

	// Description for listings.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Requires lists injected entries in setter call order.
	Requires []Dependency `yaml:"requires,omitempty" json:"requires"`

	// Publishes lists published entries in getter call order.
	Publishes []Publication `yaml:"publishes,omitempty" json:"publishes"`
}

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Validate checks the descriptor on its own; cross-package checks are done
// by Plan.Validate.
func (d Descriptor) Validate() error {
	var errs []string

	if d.Name == "" {
		errs = append(errs, "name is required")
	} else if !namePattern.MatchString(d.Name) {
		errs = append(errs, fmt.Sprintf("name %q is not a valid identifier", d.Name))
	}

	type depKey struct {
		module string
		kind   entry.Kind
	}
	seenDeps := make(map[depKey]bool)
	for i, dep := range d.Requires {
		if dep.Module == "" {
			errs = append(errs, fmt.Sprintf("requires[%d]: module is required", i))
			continue
		}
		if dep.Module == d.Name {
			errs = append(errs, fmt.Sprintf("requires[%d]: package cannot depend on itself", i))
		}
		if !dep.Kind.IsValid() {
			errs = append(errs, fmt.Sprintf("requires[%d]: invalid kind %q", i, dep.Kind))
		}
		k := depKey{dep.Module, dep.Kind}
		if seenDeps[k] {
			errs = append(errs, fmt.Sprintf("requires[%d]: duplicate %s %s dependency", i, dep.Module, dep.Kind))
		}
		seenDeps[k] = true
	}

	seenPubs := make(map[entry.Kind]bool)
	for i, pub := range d.Publishes {
		if !pub.Kind.IsValid() {
			errs = append(errs, fmt.Sprintf("publishes[%d]: invalid kind %q", i, pub.Kind))
			continue
		}
		if seenPubs[pub.Kind] {
			errs = append(errs, fmt.Sprintf("publishes[%d]: duplicate %s publication", i, pub.Kind))
		}
		seenPubs[pub.Kind] = true
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid descriptor %q: %s", d.Name, strings.Join(errs, ", "))
	}
	return nil
}

// PublishesKind reports whether the descriptor declares an entry of kind.
func (d Descriptor) PublishesKind(kind entry.Kind) bool {
	for _, p := range d.Publishes {
		if p.Kind == kind {
			return true
		}
	}
	return false
}

// DependsOn reports whether the descriptor requires any entry of module,
// and whether every such dependency is optional.
func (d Descriptor) DependsOn(module string) (depends bool, allOptional bool) {
	allOptional = true
	for _, dep := range d.Requires {
		if dep.Module != module {
			continue
		}
		depends = true
		if !dep.Optional {
			allOptional = false
		}
	}
	if !depends {
		allOptional = false
	}
	return depends, allOptional
}

// Clone returns a deep copy so overrides never alias the built-in catalog.
func (d Descriptor) Clone() Descriptor {
	out := d
	out.Requires = append([]Dependency(nil), d.Requires...)
	out.Publishes = append([]Publication(nil), d.Publishes...)
	return out
}
