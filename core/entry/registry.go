package entry

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps each active package's published entry points by kind.
//
// The registry holds lookup-only references: the callable behind every entry
// belongs to the package that published it. Retract must complete before the
// package is destroyed so no consumer can be handed a stale entry.
//
// Thread-safe for concurrent access; publish and retract take the write lock.
type Registry struct {
	mu sync.RWMutex

	// entries maps module name -> kind -> entry (Control or IO)
	entries map[string]map[Kind]any

	// order keeps modules in first-publish order for listing
	order []string
}

// NewRegistry creates an empty entry-point registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]map[Kind]any),
	}
}

// Publish records an entry point for a module.
// Returns an error if the value does not match the kind or the module already
// published an entry of this kind.
func (r *Registry) Publish(module string, kind Kind, ep any) error {
	if module == "" {
		return fmt.Errorf("publish: module name is required")
	}
	switch kind {
	case KindControl:
		if _, ok := ep.(Control); !ok {
			return fmt.Errorf("publish %s: %T is not a control entry", module, ep)
		}
	case KindIO:
		if _, ok := ep.(IO); !ok {
			return fmt.Errorf("publish %s: %T is not an io entry", module, ep)
		}
	default:
		return fmt.Errorf("publish %s: unknown entry kind %q", module, kind)
	}
	if IsAbsent(ep) {
		return fmt.Errorf("publish %s %s: %w", module, kind, ErrEntryAbsent)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	kinds, ok := r.entries[module]
	if !ok {
		kinds = make(map[Kind]any)
		r.entries[module] = kinds
		r.order = append(r.order, module)
	}
	if _, exists := kinds[kind]; exists {
		return fmt.Errorf("publish %s: %s entry already published", module, kind)
	}
	kinds[kind] = ep
	return nil
}

// Lookup returns the entry a module published for kind, or ErrEntryAbsent.
func (r *Registry) Lookup(module string, kind Kind) (any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ep, ok := r.entries[module][kind]
	if !ok {
		return nil, fmt.Errorf("%s %s entry: %w", module, kind, ErrEntryAbsent)
	}
	return ep, nil
}

// LookupControl returns a module's control entry.
func (r *Registry) LookupControl(module string) (Control, error) {
	ep, err := r.Lookup(module, KindControl)
	if err != nil {
		return nil, err
	}
	return ep.(Control), nil
}

// LookupIO returns a module's I/O entry.
func (r *Registry) LookupIO(module string) (IO, error) {
	ep, err := r.Lookup(module, KindIO)
	if err != nil {
		return nil, err
	}
	return ep.(IO), nil
}

// Kinds returns the kinds a module currently publishes, sorted.
func (r *Registry) Kinds(module string) []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]Kind, 0, len(r.entries[module]))
	for k := range r.entries[module] {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Retract removes every entry a module published. Once Retract returns, no
// lookup can observe the module's entries. Retracting a module that never
// published anything is a no-op.
func (r *Registry) Retract(module string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[module]; !ok {
		return
	}
	delete(r.entries, module)
	r.order = removeFromSlice(r.order, module)
}

// Modules returns the modules with at least one published entry, in first
// publish order.
func (r *Registry) Modules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]string, len(r.order))
	copy(result, r.order)
	return result
}

// Len returns the total number of published entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, kinds := range r.entries {
		n += len(kinds)
	}
	return n
}

// Helper to remove an element from a slice
func removeFromSlice(slice []string, item string) []string {
	result := make([]string, 0, len(slice))
	for _, s := range slice {
		if s != item {
			result = append(result, s)
		}
	}
	return result
}
