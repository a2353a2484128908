package descriptor

import (
	"fmt"
	"sort"
	"sync"

	"github.com/artpar/pkghost/core/entry"
)

// Known package names.
const (
	Physical    = "physical" // hardware-facing physical package
	Extent      = "sep"      // storage extent / RAID package
	Environment = "esp"      // environment monitoring service
	Exerciser   = "neit"     // I/O exerciser (rdgen) service
	KeyManager  = "kms"      // key management service
)

// DefaultOrder is the activation order of the full package set.
var DefaultOrder = []string{Physical, Extent, Environment, Exerciser, KeyManager}

// Builtin returns the descriptors of the known package set.
func Builtin() []Descriptor {
	return []Descriptor{
		{
			Name:        Physical,
			Description: "Physical package: ports, enclosures and drives",
			Publishes: []Publication{
				{Kind: entry.KindControl},
				{Kind: entry.KindIO},
			},
		},
		{
			Name:        Extent,
			Description: "Storage extent package: RAID groups and LUNs",
			Requires: []Dependency{
				{Module: Physical, Kind: entry.KindControl},
				{Module: Physical, Kind: entry.KindIO},
			},
			Publishes: []Publication{
				{Kind: entry.KindControl},
				{Kind: entry.KindIO},
			},
		},
		{
			Name:        Environment,
			Description: "Environment service: enclosure, power and cooling status",
			Requires: []Dependency{
				{Module: Physical, Kind: entry.KindControl},
				{Module: Extent, Kind: entry.KindControl, Optional: true},
			},
			Publishes: []Publication{
				{Kind: entry.KindControl},
			},
		},
		{
			Name:        Exerciser,
			Description: "I/O exerciser: generates and verifies block I/O",
			Requires: []Dependency{
				{Module: Physical, Kind: entry.KindControl},
				{Module: Physical, Kind: entry.KindIO},
				{Module: Extent, Kind: entry.KindControl, Optional: true},
				{Module: Extent, Kind: entry.KindIO, Optional: true},
			},
			Publishes: []Publication{
				{Kind: entry.KindControl},
			},
		},
		{
			Name:        KeyManager,
			Description: "Key management service: per-object encryption keys",
			Requires: []Dependency{
				{Module: Extent, Kind: entry.KindControl},
				{Module: Environment, Kind: entry.KindControl, Optional: true},
			},
			Publishes: []Publication{
				{Kind: entry.KindControl},
			},
		},
	}
}

// Catalog is a set of descriptors indexed by name.
// Thread-safe for concurrent access.
type Catalog struct {
	mu          sync.RWMutex
	descriptors map[string]Descriptor
}

// NewCatalog builds a catalog from descriptors. Duplicate or invalid
// descriptors are an error.
func NewCatalog(descs ...Descriptor) (*Catalog, error) {
	c := &Catalog{descriptors: make(map[string]Descriptor, len(descs))}
	for _, d := range descs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, exists := c.descriptors[d.Name]; exists {
			return nil, fmt.Errorf("descriptor %q already in catalog", d.Name)
		}
		c.descriptors[d.Name] = d.Clone()
	}
	return c, nil
}

// BuiltinCatalog returns a catalog of the known package set.
func BuiltinCatalog() *Catalog {
	c, err := NewCatalog(Builtin()...)
	if err != nil {
		// The built-in descriptors are static; failing here is a programmer error.
		panic(err)
	}
	return c
}

// Get returns a copy of the descriptor for name.
func (c *Catalog) Get(name string) (Descriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d, ok := c.descriptors[name]
	if !ok {
		return Descriptor{}, false
	}
	return d.Clone(), true
}

// Override replaces (or adds) a descriptor.
func (c *Catalog) Override(d Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.descriptors[d.Name] = d.Clone()
	return nil
}

// Names returns all descriptor names, sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.descriptors))
	for name := range c.descriptors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
