package loader

import (
	"context"
	"fmt"
	"path/filepath"
	"plugin"
	"sync"

	"github.com/rs/zerolog"

	"github.com/artpar/pkghost/core/symbol"
	"github.com/artpar/pkghost/ports"
)

// DefaultSuffix is the file suffix of Go plugins.
const DefaultSuffix = ".so"

// Plugin loads packages built with -buildmode=plugin from a directory.
//
// The runtime never unmaps a plugin, so Unload only drops the reference;
// the package's Destroy is what releases its state. Package globals
// survive a destroy/load cycle.
type Plugin struct {
	dir    string
	suffix string
	logger zerolog.Logger

	mu     sync.Mutex
	opened map[string]*plugin.Plugin
	refs   *refTable
}

// NewPlugin creates a loader for <dir>/<name><suffix>.
func NewPlugin(dir, suffix string, logger zerolog.Logger) *Plugin {
	if suffix == "" {
		suffix = DefaultSuffix
	}
	return &Plugin{
		dir:    dir,
		suffix: suffix,
		logger: logger.With().Str("component", "plugin_loader").Logger(),
		opened: make(map[string]*plugin.Plugin),
		refs:   newRefTable(),
	}
}

// Path returns the file a package is loaded from.
func (p *Plugin) Path(name string) string {
	return filepath.Join(p.dir, name+p.suffix)
}

// Load opens the package's plugin file, or reuses it if already open.
func (p *Plugin) Load(ctx context.Context, name string) (symbol.Native, error) {
	p.mu.Lock()
	plug, ok := p.opened[name]
	p.mu.Unlock()

	if !ok {
		path := p.Path(name)
		opened, err := plugin.Open(path)
		if err != nil {
			return nil, fmt.Errorf("load %s from %s: %w: %w", name, path, ErrLoadFailed, err)
		}
		p.logger.Debug().Str("module", name).Str("path", path).Msg("plugin opened")

		p.mu.Lock()
		p.opened[name] = opened
		p.mu.Unlock()
		plug = opened
	}

	n := &pluginNative{name: name, plug: plug}
	p.refs.add(name, n)
	return n, nil
}

// Unload releases a value returned by Load.
func (p *Plugin) Unload(native symbol.Native) error {
	name, err := p.refs.remove(native)
	if err != nil {
		return err
	}
	p.logger.Debug().Str("module", name).Int("refs", p.refs.count(name)).Msg("plugin released")
	return nil
}

// Refs returns the number of live loaded values.
func (p *Plugin) Refs() int {
	return p.refs.total()
}

var _ ports.ModuleLoader = (*Plugin)(nil)

// pluginNative is one activation's view of an opened plugin.
type pluginNative struct {
	name string
	plug *plugin.Plugin
}

// Lookup returns an exported function or variable. Exported functions
// come back as func values; variables as pointers.
func (n *pluginNative) Lookup(name string) (any, bool) {
	sym, err := n.plug.Lookup(name)
	if err != nil {
		return nil, false
	}
	return sym, true
}
