package descriptor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseFile parses a package descriptor from a YAML file.
func ParseFile(path string) (Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("read file %s: %w", path, err)
	}

	return Parse(data)
}

// Parse parses a package descriptor from YAML bytes.
func Parse(data []byte) (Descriptor, error) {
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return Descriptor{}, fmt.Errorf("parse yaml: %w", err)
	}

	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}

	return d, nil
}

// ParseDir parses every *.yaml / *.yml descriptor in dir. Subdirectories are
// not descended.
func ParseDir(dir string) ([]Descriptor, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}

	var descs []Descriptor
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			continue
		}
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		d, err := ParseFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		descs = append(descs, d)
	}

	return descs, nil
}

// ModuleSpec is a configured composition entry. Nil Requires or Publishes
// keep the catalog descriptor's lists.
type ModuleSpec struct {
	Name      string
	Required  bool
	Params    []byte
	Requires  []Dependency
	Publishes []Publication
}

// BuildPlan resolves specs against cat into a plan, applying per-entry
// overrides, and validates the result.
func BuildPlan(cat *Catalog, specs []ModuleSpec) (Plan, error) {
	var p Plan
	for i, s := range specs {
		d, ok := cat.Get(s.Name)
		if !ok {
			return Plan{}, fmt.Errorf("%w: modules[%d]: unknown package %q", ErrInvalidPlan, i, s.Name)
		}
		if s.Requires != nil {
			d.Requires = append([]Dependency(nil), s.Requires...)
		}
		if s.Publishes != nil {
			d.Publishes = append([]Publication(nil), s.Publishes...)
		}
		p.Entries = append(p.Entries, PlanEntry{
			Descriptor: d,
			Required:   s.Required,
			Params:     s.Params,
		})
	}

	if err := p.Validate(cat); err != nil {
		return Plan{}, err
	}
	return p, nil
}
