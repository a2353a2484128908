package loader

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/artpar/pkghost/core/symbol"
	"github.com/artpar/pkghost/ports"
)

// Factory creates a fresh symbol table for one activation of a package.
type Factory func() map[string]any

// Static loads packages compiled into the binary. Each Load calls the
// package's factory, so every activation gets fresh package state.
type Static struct {
	mu        sync.RWMutex
	factories map[string]Factory
	faults    map[string]error
	refs      *refTable
}

// NewStatic creates an empty static loader.
func NewStatic() *Static {
	return &Static{
		factories: make(map[string]Factory),
		faults:    make(map[string]error),
		refs:      newRefTable(),
	}
}

// Register adds a package. Registering a name twice replaces the factory.
func (s *Static) Register(name string, f Factory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.factories[name] = f
}

// FailLoad makes every Load of name fail with err until cleared with a nil
// err.
func (s *Static) FailLoad(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.faults, name)
		return
	}
	s.faults[name] = err
}

// Names returns the registered package names, sorted.
func (s *Static) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.factories))
	for name := range s.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load creates a fresh instance of the named package.
func (s *Static) Load(ctx context.Context, name string) (symbol.Native, error) {
	s.mu.RLock()
	f, ok := s.factories[name]
	fault := s.faults[name]
	s.mu.RUnlock()

	if fault != nil {
		return nil, fmt.Errorf("load %s: %w: %w", name, ErrLoadFailed, fault)
	}
	if !ok {
		return nil, fmt.Errorf("load %s: %w: %w", name, ErrLoadFailed, ErrUnknownModule)
	}

	symbols := f()
	if symbols == nil {
		return nil, fmt.Errorf("load %s: %w: factory returned no symbols", name, ErrLoadFailed)
	}

	exp := NewExports(name, symbols)
	s.refs.add(name, exp)
	return exp, nil
}

// Unload releases a value returned by Load.
func (s *Static) Unload(native symbol.Native) error {
	_, err := s.refs.remove(native)
	return err
}

// Refs returns the number of live loaded values.
func (s *Static) Refs() int {
	return s.refs.total()
}

// RefsOf returns the number of live loaded values of name.
func (s *Static) RefsOf(name string) int {
	return s.refs.count(name)
}

var _ ports.ModuleLoader = (*Static)(nil)
