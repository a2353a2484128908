// Package symbol provides module handles and typed symbol resolution.
//
// A loader produces a Native value for each loaded package; a Handle wraps it
// for the lifetime of one activation. Symbols are looked up by name and
// asserted to the signature the caller expects, so "might not exist" is an
// explicit error rather than a nil function.
//
// Fixed symbol roles every package may export:
//
//	Init                 func(ctx context.Context, params []byte) error
//	Destroy              func(ctx context.Context) error
//	GetControlEntry      func() (entry.Control, error)
//	GetIOEntry           func() (entry.IO, error)
//	Set<Dep>ControlEntry func(entry.Control) error
//	Set<Dep>IOEntry      func(entry.IO) error
package symbol

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/artpar/pkghost/core/entry"
)

var (
	// ErrSymbolNotFound is returned when a loaded package does not export a symbol.
	ErrSymbolNotFound = errors.New("symbol not found")

	// ErrSymbolType is returned when a symbol exists with an unexpected signature.
	ErrSymbolType = errors.New("symbol has unexpected type")
)

// Fixed symbol names.
const (
	Init            = "Init"
	Destroy         = "Destroy"
	GetControlEntry = "GetControlEntry"
	GetIOEntry      = "GetIOEntry"
)

// Symbol signatures. These are aliases so that values exported by a native
// plugin (which carry unnamed function types) assert cleanly.
type (
	InitFunc      = func(ctx context.Context, params []byte) error
	DestroyFunc   = func(ctx context.Context) error
	ControlGetter = func() (entry.Control, error)
	IOGetter      = func() (entry.IO, error)
	ControlSetter = func(entry.Control) error
	IOSetter      = func(entry.IO) error
)

// Native is what a loader returns for a loaded package.
type Native interface {
	// Lookup returns the exported symbol with the given name.
	Lookup(name string) (any, bool)
}

// Getter returns the conventional getter symbol for an entry kind.
func Getter(kind entry.Kind) string {
	if kind == entry.KindIO {
		return GetIOEntry
	}
	return GetControlEntry
}

// SetterName returns the conventional setter symbol a package exports to
// receive dep's entry of the given kind, e.g. SetPhysicalControlEntry.
func SetterName(dep string, kind entry.Kind) string {
	suffix := "ControlEntry"
	if kind == entry.KindIO {
		suffix = "IOEntry"
	}
	return "Set" + exportedName(dep) + suffix
}

// exportedName turns a module name like "rdgen_neit" into "RdgenNeit".
func exportedName(name string) string {
	var b strings.Builder
	upper := true
	for _, r := range name {
		if r == '_' || r == '-' || r == '.' {
			upper = true
			continue
		}
		if upper {
			b.WriteRune(unicode.ToUpper(r))
			upper = false
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Handle is a loaded package for the duration of one activation.
// A Handle is either fully loaded or released; there is no partial state.
type Handle struct {
	loadName string
	native   Native
	loaded   bool
}

// NewHandle wraps a freshly loaded native package.
func NewHandle(loadName string, native Native) *Handle {
	return &Handle{
		loadName: loadName,
		native:   native,
		loaded:   native != nil,
	}
}

// LoadName returns the name the package was loaded under.
func (h *Handle) LoadName() string {
	return h.loadName
}

// Native returns the loader's value for this package, for unloading.
func (h *Handle) Native() Native {
	return h.native
}

// Loaded reports whether the handle has not been released.
func (h *Handle) Loaded() bool {
	return h.loaded
}

// Release marks the handle unloaded. Resolving through a released handle
// is a programming error.
func (h *Handle) Release() {
	h.loaded = false
	h.native = nil
}

// Resolve looks up name in the handle's package and asserts it to T.
// Returns ErrSymbolNotFound or ErrSymbolType; never panics on a missing
// symbol. Panics if the handle has been released.
func Resolve[T any](h *Handle, name string) (T, error) {
	var zero T
	if !h.loaded {
		panic(fmt.Sprintf("symbol: resolve %q through released handle %q", name, h.loadName))
	}

	raw, ok := h.native.Lookup(name)
	if !ok || raw == nil {
		return zero, fmt.Errorf("%s.%s: %w", h.loadName, name, ErrSymbolNotFound)
	}

	typed, ok := raw.(T)
	if !ok {
		return zero, fmt.Errorf("%s.%s is %T, want %T: %w", h.loadName, name, raw, zero, ErrSymbolType)
	}
	return typed, nil
}

// Has reports whether the package exports name, regardless of its type.
func Has(h *Handle, name string) bool {
	if !h.loaded {
		panic(fmt.Sprintf("symbol: lookup %q through released handle %q", name, h.loadName))
	}
	raw, ok := h.native.Lookup(name)
	return ok && raw != nil
}
