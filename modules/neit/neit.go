// Package neit is the simulated I/O exerciser. Each pass writes a block
// pattern, reads it back and verifies it, through the extent package's I/O
// entry when one is wired and straight to the physical package otherwise.
package neit

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/artpar/pkghost/core/entry"
	"github.com/artpar/pkghost/core/symbol"
	"github.com/artpar/pkghost/modules/blockio"
)

// Control codes.
const (
	// CodeRun runs passes and returns a YAML encoded Report. The payload is
	// an optional uint32 pass count overriding the configured one.
	CodeRun uint32 = 1
	// CodeStats returns the cumulative YAML encoded Report.
	CodeStats uint32 = 2
)

// Targets for Report.Via.
const (
	ViaExtent   = "sep"
	ViaPhysical = "physical"
)

var (
	// ErrNotRunning is returned by entries of a package that is not initialized.
	ErrNotRunning = errors.New("exerciser not running")

	// ErrMiscompare is returned when a read does not match what was written.
	ErrMiscompare = errors.New("data miscompare")
)

// Params are the Init parameters.
type Params struct {
	Target uint32 `yaml:"target"` // LUN index, or drive index without sep
	Blocks uint32 `yaml:"blocks"` // blocks per pass
	Passes int    `yaml:"passes"`
	Seed   uint32 `yaml:"seed"`
}

// Report summarizes exerciser passes.
type Report struct {
	Via         string `yaml:"via"`
	Passes      int    `yaml:"passes"`
	Blocks      uint64 `yaml:"blocks"`
	Miscompares int    `yaml:"miscompares"`
}

// Package is one activation of the exerciser.
type Package struct {
	mu      sync.Mutex
	phyCtrl entry.Control
	phyIO   entry.IO
	sepCtrl entry.Control
	sepIO   entry.IO
	params  Params
	total   Report
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
		"SetPhysicalIOEntry":      symbol.IOSetter(p.SetPhysicalIO),
		"SetSepControlEntry":      symbol.ControlSetter(p.SetSepControl),
		"SetSepIOEntry":           symbol.IOSetter(p.SetSepIO),
	}
}

// SetPhysicalControl receives the physical package's control entry.
func (p *Package) SetPhysicalControl(c entry.Control) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.phyCtrl = c
	return nil
}

// SetPhysicalIO receives the physical package's I/O entry.
func (p *Package) SetPhysicalIO(io entry.IO) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.phyIO = io
	return nil
}

// SetSepControl receives the extent package's control entry, or its absent
// stand-in.
func (p *Package) SetSepControl(c entry.Control) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sepCtrl = c
	return nil
}

// SetSepIO receives the extent package's I/O entry, or its absent stand-in.
// Later runs switch target accordingly.
func (p *Package) SetSepIO(io entry.IO) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sepIO = io
	return nil
}

// Init applies params.
func (p *Package) Init(ctx context.Context, raw []byte) error {
	var params Params
	if err := yaml.Unmarshal(raw, &params); err != nil {
		return fmt.Errorf("parse params: %w", err)
	}
	if params.Blocks == 0 {
		params.Blocks = 16
	}
	if params.Passes == 0 {
		params.Passes = 1
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.phyIO == nil || entry.IsAbsent(p.phyIO) {
		return errors.New("physical I/O entry not injected")
	}
	p.params = params
	p.total = Report{}
	p.running = true
	return nil
}

// Destroy stops the exerciser. Safe to call more than once.
func (p *Package) Destroy(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = false
	p.phyCtrl, p.phyIO = nil, nil
	p.sepCtrl, p.sepIO = nil, nil
	return nil
}

// ControlEntry returns the control entry.
func (p *Package) ControlEntry() (entry.Control, error) {
	return entry.ControlFunc(p.control), nil
}

func (p *Package) control(ctx context.Context, pkt *entry.Packet) error {
	var rep Report
	switch pkt.Code {
	case CodeRun:
		passes := 0
		if len(pkt.Payload) > 0 {
			n, err := blockio.ParseUint32(pkt.Payload)
			if err != nil {
				return err
			}
			passes = int(n)
		}
		r, err := p.Run(ctx, passes)
		if err != nil {
			return err
		}
		rep = r
	case CodeStats:
		p.mu.Lock()
		if !p.running {
			p.mu.Unlock()
			return ErrNotRunning
		}
		rep = p.total
		p.mu.Unlock()
	default:
		return fmt.Errorf("neit: unknown control code %d", pkt.Code)
	}

	out, err := yaml.Marshal(rep)
	if err != nil {
		return err
	}
	pkt.Result = out
	return nil
}

// Run executes passes write/read/verify passes, or the configured count
// when passes is zero. A miscompare is counted and returned as
// ErrMiscompare after the remaining passes finish.
func (p *Package) Run(ctx context.Context, passes int) (Report, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return Report{}, ErrNotRunning
	}
	if passes <= 0 {
		passes = p.params.Passes
	}

	io, via := p.target()
	rep := Report{Via: via}
	for pass := 0; pass < passes; pass++ {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		ok, err := p.pass(ctx, io, uint32(pass))
		if err != nil {
			return rep, fmt.Errorf("pass %d via %s: %w", pass, via, err)
		}
		rep.Passes++
		rep.Blocks += uint64(p.params.Blocks)
		if !ok {
			rep.Miscompares++
		}
	}

	p.total.Via = via
	p.total.Passes += rep.Passes
	p.total.Blocks += rep.Blocks
	p.total.Miscompares += rep.Miscompares
	if rep.Miscompares > 0 {
		return rep, fmt.Errorf("%d of %d passes: %w", rep.Miscompares, rep.Passes, ErrMiscompare)
	}
	return rep, nil
}

// target picks the extent I/O entry when wired.
func (p *Package) target() (entry.IO, string) {
	if p.sepIO != nil && !entry.IsAbsent(p.sepIO) {
		return p.sepIO, ViaExtent
	}
	return p.phyIO, ViaPhysical
}

func (p *Package) pass(ctx context.Context, io entry.IO, pass uint32) (bool, error) {
	want := pattern(p.params.Seed+pass, p.params.Blocks)
	req := blockio.Request{Target: p.params.Target, Count: p.params.Blocks, Data: want}

	if err := io.SendIO(ctx, &entry.Packet{Code: blockio.OpWrite, Payload: req.Encode()}); err != nil {
		return false, fmt.Errorf("write: %w", err)
	}

	req.Data = nil
	read := &entry.Packet{Code: blockio.OpRead, Payload: req.Encode()}
	if err := io.SendIO(ctx, read); err != nil {
		return false, fmt.Errorf("read: %w", err)
	}
	return bytes.Equal(read.Result, want), nil
}

// pattern stamps each block with the seed and its index.
func pattern(seed, blocks uint32) []byte {
	buf := make([]byte, int(blocks)*blockio.BlockSize)
	for b := uint32(0); b < blocks; b++ {
		block := buf[int(b)*blockio.BlockSize : int(b+1)*blockio.BlockSize]
		for off := 0; off < len(block); off += 8 {
			binary.BigEndian.PutUint32(block[off:], seed)
			binary.BigEndian.PutUint32(block[off+4:], b)
		}
	}
	return buf
}
