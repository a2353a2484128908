// Package physical is the simulated physical package: a table of
// in-memory drives reachable through its control and I/O entries.
package physical

import (
	"context"
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
	// CodeDriveCount returns the number of drives as a uint32.
	CodeDriveCount uint32 = 1
	// CodeDriveBlocks returns the capacity in blocks of every drive as a uint32.
	CodeDriveBlocks uint32 = 2
)

// ErrNotRunning is returned by entries of a package that is not initialized.
var ErrNotRunning = errors.New("physical package not running")

// Params are the Init parameters.
type Params struct {
	Drives int    `yaml:"drives"`
	Blocks uint32 `yaml:"blocks"` // per drive
}

func (p *Params) setDefaults() {
	if p.Drives == 0 {
		p.Drives = 4
	}
	if p.Blocks == 0 {
		p.Blocks = 1024
	}
}

// Package is one activation of the physical package.
type Package struct {
	mu      sync.RWMutex
	params  Params
	drives  []map[uint64][]byte
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
		symbol.Init:            symbol.InitFunc(p.Init),
		symbol.Destroy:         symbol.DestroyFunc(p.Destroy),
		symbol.GetControlEntry: symbol.ControlGetter(p.ControlEntry),
		symbol.GetIOEntry:      symbol.IOGetter(p.IOEntry),
	}
}

// Init builds the drive table from YAML params.
func (p *Package) Init(ctx context.Context, raw []byte) error {
	var params Params
	if err := yaml.Unmarshal(raw, &params); err != nil {
		return fmt.Errorf("parse params: %w", err)
	}
	params.setDefaults()
	if params.Drives < 0 {
		return fmt.Errorf("drives must be positive, got %d", params.Drives)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.params = params
	p.drives = make([]map[uint64][]byte, params.Drives)
	for i := range p.drives {
		p.drives[i] = make(map[uint64][]byte)
	}
	p.running = true
	return nil
}

// Destroy drops the drive table. Safe to call more than once.
func (p *Package) Destroy(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = false
	p.drives = nil
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
	case CodeDriveCount:
		pkt.Result = blockio.Uint32(uint32(len(p.drives)))
	case CodeDriveBlocks:
		pkt.Result = blockio.Uint32(p.params.Blocks)
	default:
		return fmt.Errorf("physical: unknown control code %d", pkt.Code)
	}
	return nil
}

func (p *Package) io(ctx context.Context, pkt *entry.Packet) error {
	req, err := blockio.Decode(pkt.Payload)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return ErrNotRunning
	}
	if int(req.Target) >= len(p.drives) {
		return fmt.Errorf("drive %d: %w", req.Target, blockio.ErrOutOfRange)
	}
	if req.LBA+uint64(req.Count) > uint64(p.params.Blocks) {
		return fmt.Errorf("drive %d lba %d+%d: %w", req.Target, req.LBA, req.Count, blockio.ErrOutOfRange)
	}
	drive := p.drives[req.Target]

	switch pkt.Code {
	case blockio.OpRead:
		out := make([]byte, 0, int(req.Count)*blockio.BlockSize)
		for i := uint64(0); i < uint64(req.Count); i++ {
			block, ok := drive[req.LBA+i]
			if !ok {
				block = make([]byte, blockio.BlockSize)
			}
			out = append(out, block...)
		}
		pkt.Result = out
	case blockio.OpWrite:
		if len(req.Data) != int(req.Count)*blockio.BlockSize {
			return fmt.Errorf("write of %d blocks carries %d bytes", req.Count, len(req.Data))
		}
		for i := uint64(0); i < uint64(req.Count); i++ {
			off := i * blockio.BlockSize
			drive[req.LBA+i] = append([]byte(nil), req.Data[off:off+blockio.BlockSize]...)
		}
	default:
		return fmt.Errorf("physical: unknown I/O op %d", pkt.Code)
	}
	return nil
}
