// Package testing provides a recording fake storage package for lifecycle
// tests. Fakes are registered with a loader.Static and record every call the
// host makes into a shared Log, so tests can assert exact ordering across
// packages.
//
// Usage:
//
//	log := &testing.Log{}
//	sep := testing.FromDescriptor(desc, log).FailInit(errBoom)
//	static.Register("sep", sep.Exports)
//
//	// bring up, tear down ...
//
//	log.Modules("destroy") // ["sep", "physical"]
package testing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/artpar/pkghost/core/descriptor"
	"github.com/artpar/pkghost/core/entry"
	"github.com/artpar/pkghost/core/symbol"
)

// ErrDestroyed is returned by a fake's entry points after its Destroy.
var ErrDestroyed = errors.New("fake package destroyed")

// Recorded operations.
const (
	OpInit    = "init"
	OpDestroy = "destroy"
	OpSet     = "set"
	OpGet     = "get"
	OpCall    = "call"
)

// =============================================================================
// Call Log
// =============================================================================

// Call is one recorded call into a fake package.
type Call struct {
	Module string
	Op     string
	Arg    string
}

func (c Call) String() string {
	if c.Arg == "" {
		return c.Op + ":" + c.Module
	}
	return c.Op + ":" + c.Module + ":" + c.Arg
}

// Log is an ordered record of calls, shared by several fakes.
type Log struct {
	mu    sync.Mutex
	calls []Call
}

func (l *Log) add(module, op, arg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, Call{Module: module, Op: op, Arg: arg})
}

// Calls returns every recorded call.
func (l *Log) Calls() []Call {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Call(nil), l.calls...)
}

// Modules returns, in call order, the module of every call with op.
func (l *Log) Modules(op string) []string {
	var out []string
	for _, c := range l.Calls() {
		if c.Op == op {
			out = append(out, c.Module)
		}
	}
	return out
}

// Count returns how many times op was called on module.
func (l *Log) Count(module, op string) int {
	n := 0
	for _, c := range l.Calls() {
		if c.Module == module && c.Op == op {
			n++
		}
	}
	return n
}

// Reset clears the log.
func (l *Log) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = nil
}

// String renders the log as "op:module[:arg]" separated by spaces.
func (l *Log) String() string {
	calls := l.Calls()
	parts := make([]string, len(calls))
	for i, c := range calls {
		parts[i] = c.String()
	}
	return strings.Join(parts, " ")
}

// =============================================================================
// Fake Package
// =============================================================================

// Package is a fake storage package exposing the fixed symbol table.
type Package struct {
	name string
	log  *Log

	mu sync.Mutex

	// Exported symbols
	publishes []entry.Kind
	accepts   []string
	omit      map[string]bool
	wrongType map[string]bool

	// Error injection
	initErr    error
	destroyErr error
	setterErr  map[string]error
	getterErr  map[entry.Kind]error

	// Hooks
	onDestroy func(module string)

	// State
	received    map[string]any
	params      []byte
	activations int
	destroyed   bool
	deadline    bool
}

// NewPackage creates a fake that exports only Init and Destroy.
func NewPackage(name string, log *Log) *Package {
	if log == nil {
		log = &Log{}
	}
	return &Package{
		name:      name,
		log:       log,
		omit:      make(map[string]bool),
		wrongType: make(map[string]bool),
		setterErr: make(map[string]error),
		getterErr: make(map[entry.Kind]error),
		received:  make(map[string]any),
	}
}

// FromDescriptor creates a fake that exports every getter and setter d
// declares.
func FromDescriptor(d descriptor.Descriptor, log *Log) *Package {
	p := NewPackage(d.Name, log)
	for _, pub := range d.Publishes {
		p.publishes = append(p.publishes, pub.Kind)
	}
	for _, dep := range d.Requires {
		p.accepts = append(p.accepts, dep.SetterSymbol())
	}
	return p
}

// Name returns the package name.
func (p *Package) Name() string { return p.name }

// Publishes adds getters for kinds.
func (p *Package) Publishes(kinds ...entry.Kind) *Package {
	p.publishes = append(p.publishes, kinds...)
	return p
}

// Accepts adds setter symbols.
func (p *Package) Accepts(setters ...string) *Package {
	p.accepts = append(p.accepts, setters...)
	return p
}

// Omit removes symbols from the export table.
func (p *Package) Omit(symbols ...string) *Package {
	for _, s := range symbols {
		p.omit[s] = true
	}
	return p
}

// WrongType exports symbol with a signature the host does not expect.
func (p *Package) WrongType(symbols ...string) *Package {
	for _, s := range symbols {
		p.wrongType[s] = true
	}
	return p
}

// FailInit makes Init return err.
func (p *Package) FailInit(err error) *Package {
	p.initErr = err
	return p
}

// FailDestroy makes Destroy return err.
func (p *Package) FailDestroy(err error) *Package {
	p.destroyErr = err
	return p
}

// FailSetter makes the setter symbol return err.
func (p *Package) FailSetter(setter string, err error) *Package {
	p.setterErr[setter] = err
	return p
}

// FailGetter makes the getter for kind return err.
func (p *Package) FailGetter(kind entry.Kind, err error) *Package {
	p.getterErr[kind] = err
	return p
}

// OnDestroy registers a hook called at the start of Destroy.
func (p *Package) OnDestroy(fn func(module string)) *Package {
	p.onDestroy = fn
	return p
}

// Exports builds the symbol table. It has the loader.Factory signature.
func (p *Package) Exports() map[string]any {
	syms := map[string]any{
		symbol.Init:    symbol.InitFunc(p.init),
		symbol.Destroy: symbol.DestroyFunc(p.destroy),
	}

	for _, kind := range p.publishes {
		kind := kind
		if kind == entry.KindIO {
			syms[symbol.GetIOEntry] = symbol.IOGetter(func() (entry.IO, error) {
				p.log.add(p.name, OpGet, kind.String())
				if err := p.getterErr[kind]; err != nil {
					return nil, err
				}
				return entry.IOFunc(p.serve), nil
			})
			continue
		}
		syms[symbol.GetControlEntry] = symbol.ControlGetter(func() (entry.Control, error) {
			p.log.add(p.name, OpGet, kind.String())
			if err := p.getterErr[kind]; err != nil {
				return nil, err
			}
			return entry.ControlFunc(p.serve), nil
		})
	}

	for _, setter := range p.accepts {
		setter := setter
		if strings.HasSuffix(setter, "IOEntry") {
			syms[setter] = symbol.IOSetter(func(io entry.IO) error {
				return p.set(setter, io)
			})
			continue
		}
		syms[setter] = symbol.ControlSetter(func(c entry.Control) error {
			return p.set(setter, c)
		})
	}

	for name := range p.wrongType {
		syms[name] = func() {}
	}
	for name := range p.omit {
		delete(syms, name)
	}
	return syms
}

func (p *Package) init(ctx context.Context, params []byte) error {
	p.log.add(p.name, OpInit, "")

	p.mu.Lock()
	defer p.mu.Unlock()
	p.params = append([]byte(nil), params...)
	p.activations++
	p.destroyed = false
	return p.initErr
}

func (p *Package) destroy(ctx context.Context) error {
	if p.onDestroy != nil {
		p.onDestroy(p.name)
	}
	p.log.add(p.name, OpDestroy, "")

	p.mu.Lock()
	defer p.mu.Unlock()
	p.destroyed = true
	_, p.deadline = ctx.Deadline()
	p.received = make(map[string]any)
	return p.destroyErr
}

func (p *Package) set(setter string, ep any) error {
	arg := setter
	if entry.IsAbsent(ep) {
		arg += "=absent"
	}
	p.log.add(p.name, OpSet, arg)

	if err := p.setterErr[setter]; err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.received[setter] = ep
	return nil
}

func (p *Package) serve(ctx context.Context, pkt *entry.Packet) error {
	p.log.add(p.name, OpCall, fmt.Sprintf("%d", pkt.Code))

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return fmt.Errorf("%s: %w", p.name, ErrDestroyed)
	}
	pkt.Result = append([]byte(p.name+":"), pkt.Payload...)
	return nil
}

// Received returns the entry last injected through setter, or nil.
func (p *Package) Received(setter string) any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.received[setter]
}

// Params returns the parameters of the last Init.
func (p *Package) Params() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.params
}

// Activations returns how many times Init was called.
func (p *Package) Activations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activations
}

// DestroyDeadline reports whether the last Destroy context carried a
// deadline.
func (p *Package) DestroyDeadline() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deadline
}

// Destroyed reports whether Destroy ran after the last Init.
func (p *Package) Destroyed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyed
}
