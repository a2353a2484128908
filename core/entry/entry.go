// Package entry defines the entry points packages publish to each other.
//
// An entry point is the only way one package may call into another. There
// are two kinds:
//
//   - control: synchronous management and configuration requests
//   - io: data-path requests
//
// A package publishes its entry points through its getter symbols; the
// composition host injects them into dependent packages through setter
// symbols. Packages never link against each other directly.
package entry

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrEntryAbsent is returned when an entry point is not available, either
// because its package was never activated or because it has been retracted.
var ErrEntryAbsent = errors.New("entry point absent")

// Kind identifies the kind of entry point.
type Kind string

const (
	// KindControl is a synchronous management/configuration entry.
	KindControl Kind = "control"
	// KindIO is a data-path entry.
	KindIO Kind = "io"
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	return string(k)
}

// IsValid reports whether k is a known kind.
func (k Kind) IsValid() bool {
	return k == KindControl || k == KindIO
}

// ParseKind parses a kind name. "i/o" and "io" are both accepted.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "control", "ctrl":
		return KindControl, nil
	case "io", "i/o":
		return KindIO, nil
	default:
		return "", fmt.Errorf("unknown entry kind %q", s)
	}
}

// UnmarshalText lets Kind be decoded from YAML and JSON strings.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Packet is the request carried through an entry point. Code selects the
// operation inside the target package; Payload and Result are opaque to
// everything but the two packages talking.
type Packet struct {
	Code    uint32
	Payload []byte
	Result  []byte
}

// Control is a package's control entry point.
type Control interface {
	SendControl(ctx context.Context, p *Packet) error
}

// IO is a package's I/O entry point.
type IO interface {
	SendIO(ctx context.Context, p *Packet) error
}

// ControlFunc adapts a function to the Control interface.
type ControlFunc func(ctx context.Context, p *Packet) error

// SendControl calls f(ctx, p).
func (f ControlFunc) SendControl(ctx context.Context, p *Packet) error {
	return f(ctx, p)
}

// IOFunc adapts a function to the IO interface.
type IOFunc func(ctx context.Context, p *Packet) error

// SendIO calls f(ctx, p).
func (f IOFunc) SendIO(ctx context.Context, p *Packet) error {
	return f(ctx, p)
}

// absentEntry stands in for an entry point whose package is unavailable.
// It satisfies both Control and IO and fails every call.
type absentEntry struct {
	module string
	kind   Kind
}

func (a absentEntry) SendControl(ctx context.Context, p *Packet) error {
	return fmt.Errorf("%s %s entry: %w", a.module, a.kind, ErrEntryAbsent)
}

func (a absentEntry) SendIO(ctx context.Context, p *Packet) error {
	return fmt.Errorf("%s %s entry: %w", a.module, a.kind, ErrEntryAbsent)
}

// Absent returns the well-defined stand-in for an unavailable entry of the
// given module and kind. The returned value implements both Control and IO.
func Absent(module string, kind Kind) interface {
	Control
	IO
} {
	return absentEntry{module: module, kind: kind}
}

// IsAbsent reports whether v is an absent stand-in (or nil).
func IsAbsent(v any) bool {
	if v == nil {
		return true
	}
	_, ok := v.(absentEntry)
	return ok
}
