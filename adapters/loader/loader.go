// Package loader provides ModuleLoader implementations: Static for packages
// compiled into the binary and Plugin for Go plugins on disk.
//
// Both keep a per-name reference count. Every value returned by Load must
// be passed to Unload exactly once; unloading an unknown or already
// released value is an error and never drives a count below zero.
package loader

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/artpar/pkghost/core/symbol"
)

var (
	// ErrLoadFailed is wrapped by every Load failure.
	ErrLoadFailed = errors.New("load failed")

	// ErrUnknownModule is returned when no package is known under a name.
	ErrUnknownModule = errors.New("unknown module")

	// ErrNotLoaded is returned when unloading a value that is not loaded.
	ErrNotLoaded = errors.New("module not loaded")
)

// Exports is an in-process symbol table. It implements symbol.Native.
type Exports struct {
	name    string
	symbols map[string]any
}

// NewExports wraps a symbol table for the named package.
func NewExports(name string, symbols map[string]any) *Exports {
	return &Exports{name: name, symbols: symbols}
}

// Name returns the package name.
func (e *Exports) Name() string {
	return e.name
}

// Lookup returns the named symbol.
func (e *Exports) Lookup(name string) (any, bool) {
	v, ok := e.symbols[name]
	return v, ok
}

// Symbols returns the exported symbol names, sorted.
func (e *Exports) Symbols() []string {
	names := make([]string, 0, len(e.symbols))
	for name := range e.symbols {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// refTable tracks live natives by identity. Natives must be comparable
// (pointers), which every loader here guarantees.
type refTable struct {
	mu     sync.Mutex
	live   map[symbol.Native]string
	counts map[string]int
}

func newRefTable() *refTable {
	return &refTable{
		live:   make(map[symbol.Native]string),
		counts: make(map[string]int),
	}
}

func (t *refTable) add(name string, n symbol.Native) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.live[n] = name
	t.counts[name]++
}

// remove drops n and returns its name.
func (t *refTable) remove(n symbol.Native) (string, error) {
	if n == nil {
		return "", fmt.Errorf("unload nil module: %w", ErrNotLoaded)
	}
	if !reflect.TypeOf(n).Comparable() {
		return "", fmt.Errorf("unload %T: %w", n, ErrNotLoaded)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	name, ok := t.live[n]
	if !ok {
		return "", fmt.Errorf("unload %T: %w", n, ErrNotLoaded)
	}
	delete(t.live, n)
	t.counts[name]--
	if t.counts[name] == 0 {
		delete(t.counts, name)
	}
	return name, nil
}

func (t *refTable) total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.live)
}

func (t *refTable) count(name string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[name]
}
