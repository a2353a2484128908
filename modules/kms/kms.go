// Package kms is the simulated key management service. It derives one
// key per object from a master secret with HKDF-SHA256 and checks the
// extent and environment packages before handing keys out.
package kms

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
	"gopkg.in/yaml.v3"

	"github.com/artpar/pkghost/core/entry"
	"github.com/artpar/pkghost/core/symbol"
	"github.com/artpar/pkghost/modules/blockio"
	"github.com/artpar/pkghost/modules/esp"
	"github.com/artpar/pkghost/modules/sep"
)

// Control codes.
const (
	// CodeDeriveKey takes an object name and returns its key.
	CodeDeriveKey uint32 = 1
	// CodeKeyCount returns the number of distinct keys handed out as a uint32.
	CodeKeyCount uint32 = 2
	// CodeHealth returns "ok" or "degraded".
	CodeHealth uint32 = 3
)

// KeySize is the length of every derived key.
const KeySize = 32

var (
	// ErrNotRunning is returned by entries of a package that is not initialized.
	ErrNotRunning = errors.New("key service not running")

	// ErrNoObject is returned when a key is requested without an object name.
	ErrNoObject = errors.New("object name required")
)

// Params are the Init parameters.
type Params struct {
	MasterKey string `yaml:"master_key"` // hex; random when empty
	Salt      string `yaml:"salt"`
}

// Package is one activation of the key service.
type Package struct {
	mu      sync.Mutex
	sepCtrl entry.Control
	espCtrl entry.Control
	master  []byte
	salt    []byte
	issued  map[string]bool
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
		"SetSepControlEntry":   symbol.ControlSetter(p.SetSepControl),
		"SetEspControlEntry":   symbol.ControlSetter(p.SetEspControl),
	}
}

// SetSepControl receives the extent package's control entry.
func (p *Package) SetSepControl(c entry.Control) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sepCtrl = c
	return nil
}

// SetEspControl receives the environment service's control entry, or its
// absent stand-in.
func (p *Package) SetEspControl(c entry.Control) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.espCtrl = c
	return nil
}

// Init loads the master secret and checks the extent package is serving.
func (p *Package) Init(ctx context.Context, raw []byte) error {
	var params Params
	if err := yaml.Unmarshal(raw, &params); err != nil {
		return fmt.Errorf("parse params: %w", err)
	}

	master := make([]byte, KeySize)
	if params.MasterKey == "" {
		if _, err := rand.Read(master); err != nil {
			return fmt.Errorf("generate master key: %w", err)
		}
	} else {
		decoded, err := hex.DecodeString(params.MasterKey)
		if err != nil {
			return fmt.Errorf("master_key: %w", err)
		}
		if len(decoded) < 16 {
			return fmt.Errorf("master_key: %d bytes, want at least 16", len(decoded))
		}
		master = decoded
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sepCtrl == nil || entry.IsAbsent(p.sepCtrl) {
		return errors.New("extent control entry not injected")
	}
	pkt := &entry.Packet{Code: sep.CodeLUNCount}
	if err := p.sepCtrl.SendControl(ctx, pkt); err != nil {
		return fmt.Errorf("query luns: %w", err)
	}
	if _, err := blockio.ParseUint32(pkt.Result); err != nil {
		return fmt.Errorf("query luns: %w", err)
	}

	p.master = master
	p.salt = []byte(params.Salt)
	p.issued = make(map[string]bool)
	p.running = true
	return nil
}

// Destroy wipes the master secret. Safe to call more than once.
func (p *Package) Destroy(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.master {
		p.master[i] = 0
	}
	p.master = nil
	p.issued = nil
	p.running = false
	p.sepCtrl, p.espCtrl = nil, nil
	return nil
}

// ControlEntry returns the control entry.
func (p *Package) ControlEntry() (entry.Control, error) {
	return entry.ControlFunc(p.control), nil
}

func (p *Package) control(ctx context.Context, pkt *entry.Packet) error {
	switch pkt.Code {
	case CodeDeriveKey:
		key, err := p.DeriveKey(string(pkt.Payload))
		if err != nil {
			return err
		}
		pkt.Result = key
	case CodeKeyCount:
		p.mu.Lock()
		defer p.mu.Unlock()
		if !p.running {
			return ErrNotRunning
		}
		pkt.Result = blockio.Uint32(uint32(len(p.issued)))
	case CodeHealth:
		health, err := p.Health(ctx)
		if err != nil {
			return err
		}
		pkt.Result = []byte(health)
	default:
		return fmt.Errorf("kms: unknown control code %d", pkt.Code)
	}
	return nil
}

// DeriveKey returns the key for object. The same object always gets the
// same key for one master secret and salt.
func (p *Package) DeriveKey(object string) ([]byte, error) {
	if object == "" {
		return nil, ErrNoObject
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return nil, ErrNotRunning
	}

	key := make([]byte, KeySize)
	r := hkdf.New(sha256.New, p.master, p.salt, []byte("pkghost/kms/"+object))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	p.issued[object] = true
	return key, nil
}

// Health reports "degraded" when the environment service reports faults,
// and "ok" otherwise, including when no environment service is wired.
func (p *Package) Health(ctx context.Context) (string, error) {
	p.mu.Lock()
	ctrl := p.espCtrl
	running := p.running
	p.mu.Unlock()

	if !running {
		return "", ErrNotRunning
	}
	if ctrl == nil || entry.IsAbsent(ctrl) {
		return "ok", nil
	}

	pkt := &entry.Packet{Code: esp.CodeStatus}
	if err := ctrl.SendControl(ctx, pkt); err != nil {
		return "", fmt.Errorf("environment status: %w", err)
	}
	var st esp.Status
	if err := yaml.Unmarshal(pkt.Result, &st); err != nil {
		return "", fmt.Errorf("environment status: %w", err)
	}
	if len(st.Faults) > 0 {
		return "degraded", nil
	}
	return "ok", nil
}
