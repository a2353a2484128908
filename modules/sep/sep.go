// Package sep is the simulated storage extent package. It stripes LUNs
// across the drives of the physical package, reached only through the
// physical entries injected before Init.
package sep

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/artpar/pkghost/core/entry"
	"github.com/artpar/pkghost/core/symbol"
	"github.com/artpar/pkghost/modules/blockio"
	"github.com/artpar/pkghost/modules/physical"
)

// Control codes.
const (
	// CodeLUNCount returns the number of LUNs as a uint32.
	CodeLUNCount uint32 = 1
	// CodeLUNBlocks takes a uint32 LUN index and returns its size in blocks.
	CodeLUNBlocks uint32 = 2
	// CodeLUNByName takes a LUN name and returns its uint32 index.
	CodeLUNByName uint32 = 3
)

var (
	// ErrNotRunning is returned by entries of a package that is not initialized.
	ErrNotRunning = errors.New("extent package not running")

	// ErrNoLUN is returned for an unknown LUN.
	ErrNoLUN = errors.New("no such LUN")
)

// LUNSpec is one configured LUN.
type LUNSpec struct {
	Name   string `yaml:"name"`
	Blocks uint32 `yaml:"blocks"`
}

// Params are the Init parameters.
type Params struct {
	Stripe uint32    `yaml:"stripe"` // blocks per stripe element
	LUNs   []LUNSpec `yaml:"luns"`
}

// ParseParams decodes Init parameters and applies defaults: an 8-block
// stripe and a single 256-block LUN.
func ParseParams(raw []byte) (Params, error) {
	var params Params
	if err := yaml.Unmarshal(raw, &params); err != nil {
		return Params{}, fmt.Errorf("parse params: %w", err)
	}
	if params.Stripe == 0 {
		params.Stripe = 8
	}
	if len(params.LUNs) == 0 {
		params.LUNs = []LUNSpec{{Name: "lun0", Blocks: 256}}
	}
	return params, nil
}

type lun struct {
	name   string
	start  uint64
	blocks uint32
}

// Package is one activation of the extent package.
type Package struct {
	mu       sync.RWMutex
	phyCtrl  entry.Control
	phyIO    entry.IO
	stripe   uint64
	drives   uint64
	capacity uint64
	luns     []lun
	running  bool
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
		symbol.GetIOEntry:         symbol.IOGetter(p.IOEntry),
		"SetPhysicalControlEntry": symbol.ControlSetter(p.SetPhysicalControl),
		"SetPhysicalIOEntry":      symbol.IOSetter(p.SetPhysicalIO),
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

// Init queries the physical geometry and lays out the configured LUNs.
func (p *Package) Init(ctx context.Context, raw []byte) error {
	params, err := ParseParams(raw)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.phyCtrl == nil || entry.IsAbsent(p.phyCtrl) || p.phyIO == nil || entry.IsAbsent(p.phyIO) {
		return errors.New("physical entries not injected")
	}

	drives, err := query(ctx, p.phyCtrl, physical.CodeDriveCount)
	if err != nil {
		return fmt.Errorf("query drive count: %w", err)
	}
	blocks, err := query(ctx, p.phyCtrl, physical.CodeDriveBlocks)
	if err != nil {
		return fmt.Errorf("query drive size: %w", err)
	}
	if drives == 0 {
		return errors.New("no drives")
	}

	p.stripe = uint64(params.Stripe)
	p.drives = uint64(drives)
	// Whole stripe rows only.
	rows := uint64(blocks) / p.stripe
	p.capacity = rows * p.stripe * p.drives

	var next uint64
	p.luns = p.luns[:0]
	for _, spec := range params.LUNs {
		if next+uint64(spec.Blocks) > p.capacity {
			return fmt.Errorf("lun %s: %d blocks exceed remaining capacity %d", spec.Name, spec.Blocks, p.capacity-next)
		}
		p.luns = append(p.luns, lun{name: spec.Name, start: next, blocks: spec.Blocks})
		next += uint64(spec.Blocks)
	}
	p.running = true
	return nil
}

// Destroy drops the layout and the physical entries. Safe to call more
// than once.
func (p *Package) Destroy(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = false
	p.luns = nil
	p.phyCtrl = nil
	p.phyIO = nil
	return nil
}

// ControlEntry returns the control entry.
func (p *Package) ControlEntry() (entry.Control, error) {
	return entry.ControlFunc(p.control), nil
}

// IOEntry returns the I/O entry.
func (p *Package) IOEntry() (entry.IO, error) {
	return entry.IOFunc(p.io), nil
}

func (p *Package) control(ctx context.Context, pkt *entry.Packet) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		return ErrNotRunning
	}

	switch pkt.Code {
	case CodeLUNCount:
		pkt.Result = blockio.Uint32(uint32(len(p.luns)))
	case CodeLUNBlocks:
		idx, err := blockio.ParseUint32(pkt.Payload)
		if err != nil {
			return err
		}
		if int(idx) >= len(p.luns) {
			return fmt.Errorf("lun %d: %w", idx, ErrNoLUN)
		}
		pkt.Result = blockio.Uint32(p.luns[idx].blocks)
	case CodeLUNByName:
		for i, l := range p.luns {
			if l.name == string(pkt.Payload) {
				pkt.Result = blockio.Uint32(uint32(i))
				return nil
			}
		}
		return fmt.Errorf("lun %q: %w", pkt.Payload, ErrNoLUN)
	default:
		return fmt.Errorf("sep: unknown control code %d", pkt.Code)
	}
	return nil
}

// io maps each LUN block onto its drive and forwards it to the physical
// package.
func (p *Package) io(ctx context.Context, pkt *entry.Packet) error {
	req, err := blockio.Decode(pkt.Payload)
	if err != nil {
		return err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		return ErrNotRunning
	}
	if int(req.Target) >= len(p.luns) {
		return fmt.Errorf("lun %d: %w", req.Target, ErrNoLUN)
	}
	l := p.luns[req.Target]
	if req.LBA+uint64(req.Count) > uint64(l.blocks) {
		return fmt.Errorf("lun %s lba %d+%d: %w", l.name, req.LBA, req.Count, blockio.ErrOutOfRange)
	}

	var out []byte
	for i := uint64(0); i < uint64(req.Count); i++ {
		drive, lba := p.locate(l.start + req.LBA + i)
		sub := blockio.Request{Target: drive, LBA: lba, Count: 1}
		if pkt.Code == blockio.OpWrite {
			off := i * blockio.BlockSize
			if off+blockio.BlockSize > uint64(len(req.Data)) {
				return fmt.Errorf("write of %d blocks carries %d bytes", req.Count, len(req.Data))
			}
			sub.Data = req.Data[off : off+blockio.BlockSize]
		}

		phy := &entry.Packet{Code: pkt.Code, Payload: sub.Encode()}
		if err := p.phyIO.SendIO(ctx, phy); err != nil {
			return fmt.Errorf("lun %s block %d: %w", l.name, req.LBA+i, err)
		}
		out = append(out, phy.Result...)
	}
	pkt.Result = out
	return nil
}

// locate maps an address in the striped space to (drive, drive LBA).
func (p *Package) locate(addr uint64) (uint32, uint64) {
	element := addr / p.stripe
	drive := element % p.drives
	row := element / p.drives
	return uint32(drive), row*p.stripe + addr%p.stripe
}

func query(ctx context.Context, c entry.Control, code uint32) (uint32, error) {
	pkt := &entry.Packet{Code: code}
	if err := c.SendControl(ctx, pkt); err != nil {
		return 0, err
	}
	return blockio.ParseUint32(pkt.Result)
}
