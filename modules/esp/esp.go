// Package esp is the simulated environment service: enclosure, power and
// cooling status assembled from the physical package and, when it is
// available, the extent package.
package esp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/artpar/pkghost/core/entry"
	"github.com/artpar/pkghost/core/symbol"
	"github.com/artpar/pkghost/modules/blockio"
	"github.com/artpar/pkghost/modules/physical"
	"github.com/artpar/pkghost/modules/sep"
)

// Control codes.
const (
	// CodeStatus returns a YAML encoded Status.
	CodeStatus uint32 = 1
	// CodeRaiseFault takes a component name and records a fault against it.
	CodeRaiseFault uint32 = 2
	// CodeClearFaults clears every recorded fault.
	CodeClearFaults uint32 = 3
)

// ErrNotRunning is returned by entries of a package that is not initialized.
var ErrNotRunning = errors.New("environment service not running")

// Params are the Init parameters.
type Params struct {
	Enclosures int `yaml:"enclosures"`
	PSUs       int `yaml:"psus"` // per enclosure
	Fans       int `yaml:"fans"` // per enclosure
}

// Status is the environment report. LUNs is -1 when the extent package is
// not wired.
type Status struct {
	Enclosures int      `yaml:"enclosures"`
	Drives     int      `yaml:"drives"`
	PSUs       int      `yaml:"psus"`
	Fans       int      `yaml:"fans"`
	LUNs       int      `yaml:"luns"`
	Faults     []string `yaml:"faults,omitempty"`
}

// Package is one activation of the environment service.
type Package struct {
	mu      sync.RWMutex
	phyCtrl entry.Control
	sepCtrl entry.Control
	params  Params
	faults  map[string]bool
	running bool
}

// New creates an uninitialized package.
func New() *Package {
	return &Package{}
}

// Exports returns a fresh package's symbol table.
func Exports() map[string]any {
	return New().Symbols()
}

// Symbols returns the package's symbol table.
func (p *Package) Symbols() map[string]any {
	return map[string]any{
		symbol.Init:               symbol.InitFunc(p.Init),
		symbol.Destroy:            symbol.DestroyFunc(p.Destroy),
		symbol.GetControlEntry:    symbol.ControlGetter(p.ControlEntry),
		"SetPhysicalControlEntry": symbol.ControlSetter(p.SetPhysicalControl),
		"SetSepControlEntry":      symbol.ControlSetter(p.SetSepControl),
	}
}

// SetPhysicalControl receives the physical package's control entry.
func (p *Package) SetPhysicalControl(c entry.Control) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.phyCtrl = c
	return nil
}

// SetSepControl receives the extent package's control entry. It may be
// called again on a running package when the extent package comes or goes.
func (p *Package) SetSepControl(c entry.Control) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sepCtrl = c
	return nil
}

// Init applies params.
func (p *Package) Init(ctx context.Context, raw []byte) error {
	var params Params
	if err := yaml.Unmarshal(raw, &params); err != nil {
		return fmt.Errorf("parse params: %w", err)
	}
	if params.Enclosures == 0 {
		params.Enclosures = 1
	}
	if params.PSUs == 0 {
		params.PSUs = 2
	}
	if params.Fans == 0 {
		params.Fans = 4
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.phyCtrl == nil || entry.IsAbsent(p.phyCtrl) {
		return errors.New("physical control entry not injected")
	}
	p.params = params
	p.faults = make(map[string]bool)
	p.running = true
	return nil
}

// Destroy stops the service. Safe to call more than once.
func (p *Package) Destroy(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = false
	p.faults = nil
	p.phyCtrl = nil
	p.sepCtrl = nil
	return nil
}

// ControlEntry returns the control entry.
func (p *Package) ControlEntry() (entry.Control, error) {
	return entry.ControlFunc(p.control), nil
}

func (p *Package) control(ctx context.Context, pkt *entry.Packet) error {
	switch pkt.Code {
	case CodeStatus:
		st, err := p.Status(ctx)
		if err != nil {
			return err
		}
		out, err := yaml.Marshal(st)
		if err != nil {
			return err
		}
		pkt.Result = out
		return nil
	case CodeRaiseFault, CodeClearFaults:
		p.mu.Lock()
		defer p.mu.Unlock()
		if !p.running {
			return ErrNotRunning
		}
		if pkt.Code == CodeClearFaults {
			p.faults = make(map[string]bool)
			return nil
		}
		if len(pkt.Payload) == 0 {
			return errors.New("fault needs a component name")
		}
		p.faults[string(pkt.Payload)] = true
		return nil
	default:
		return fmt.Errorf("esp: unknown control code %d", pkt.Code)
	}
}

// Status assembles the current environment report.
func (p *Package) Status(ctx context.Context) (Status, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		return Status{}, ErrNotRunning
	}

	drives, err := query(ctx, p.phyCtrl, physical.CodeDriveCount, nil)
	if err != nil {
		return Status{}, fmt.Errorf("query drives: %w", err)
	}

	st := Status{
		Enclosures: p.params.Enclosures,
		Drives:     int(drives),
		PSUs:       p.params.Enclosures * p.params.PSUs,
		Fans:       p.params.Enclosures * p.params.Fans,
		LUNs:       -1,
	}
	if p.sepCtrl != nil && !entry.IsAbsent(p.sepCtrl) {
		luns, err := query(ctx, p.sepCtrl, sep.CodeLUNCount, nil)
		if err != nil {
			return Status{}, fmt.Errorf("query luns: %w", err)
		}
		st.LUNs = int(luns)
	}
	for f := range p.faults {
		st.Faults = append(st.Faults, f)
	}
	sort.Strings(st.Faults)
	return st, nil
}

func query(ctx context.Context, c entry.Control, code uint32, payload []byte) (uint32, error) {
	pkt := &entry.Packet{Code: code, Payload: payload}
	if err := c.SendControl(ctx, pkt); err != nil {
		return 0, err
	}
	return blockio.ParseUint32(pkt.Result)
}
