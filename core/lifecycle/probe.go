package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/artpar/pkghost/core/descriptor"
	"github.com/artpar/pkghost/core/entry"
	"github.com/artpar/pkghost/core/symbol"
)

// ProbeResult describes how one package's exports match its descriptor.
type ProbeResult struct {
	Module string

	// LoadErr is set when the package could not be loaded at all.
	LoadErr error

	// Missing lists declared symbols the package does not export.
	Missing []string

	// WrongType lists symbols exported with an unexpected signature.
	WrongType []string

	// Fatal lists the problems that would fail a bring-up of the plan.
	Fatal []string
}

// OK reports whether nothing fatal was found.
func (r ProbeResult) OK() bool {
	return r.LoadErr == nil && len(r.Fatal) == 0
}

// Probe loads every package of plan, checks its exports against the
// descriptor, and unloads it again. Nothing is initialized or wired.
//
// Missing Init or Destroy, wrong signatures, missing required setters, and
// missing getters that another package requires are fatal; the returned
// error wraps ErrProbeFailed when any result is not OK.
func (m *Manager) Probe(ctx context.Context, plan descriptor.Plan) ([]ProbeResult, error) {
	consumed := requiredEntries(plan)

	results := make([]ProbeResult, 0, plan.Len())
	var errs []error
	for _, pe := range plan.Entries {
		r := m.probeOne(ctx, pe.Descriptor, consumed)
		if !r.OK() {
			msg := strings.Join(r.Fatal, ", ")
			if r.LoadErr != nil {
				msg = r.LoadErr.Error()
			}
			errs = append(errs, fmt.Errorf("%s: %s", r.Module, msg))
		}
		results = append(results, r)
	}

	if len(errs) > 0 {
		return results, fmt.Errorf("%w: %w", ErrProbeFailed, errors.Join(errs...))
	}
	return results, nil
}

func (m *Manager) probeOne(ctx context.Context, d descriptor.Descriptor, consumed map[string]map[entry.Kind]bool) ProbeResult {
	r := ProbeResult{Module: d.Name}
	log := m.logger.With().Str("module", d.Name).Logger()

	native, err := m.loader.Load(ctx, d.Name)
	if err != nil {
		r.LoadErr = err
		return r
	}
	h := symbol.NewHandle(d.Name, native)
	defer func() {
		n := h.Native()
		h.Release()
		if err := m.loader.Unload(n); err != nil {
			log.Error().Err(err).Msg("unload after probe")
		}
	}()

	check := func(name string, err error, fatal bool) {
		switch {
		case err == nil:
			return
		case errors.Is(err, symbol.ErrSymbolType):
			r.WrongType = append(r.WrongType, name)
			r.Fatal = append(r.Fatal, name+" has wrong type")
		case errors.Is(err, symbol.ErrSymbolNotFound):
			r.Missing = append(r.Missing, name)
			if fatal {
				r.Fatal = append(r.Fatal, name+" missing")
			}
		}
	}

	_, err = symbol.Resolve[symbol.InitFunc](h, symbol.Init)
	check(symbol.Init, err, true)
	_, err = symbol.Resolve[symbol.DestroyFunc](h, symbol.Destroy)
	check(symbol.Destroy, err, true)

	for _, dep := range d.Requires {
		setter := dep.SetterSymbol()
		if dep.Kind == entry.KindIO {
			_, err = symbol.Resolve[symbol.IOSetter](h, setter)
		} else {
			_, err = symbol.Resolve[symbol.ControlSetter](h, setter)
		}
		check(setter, err, !dep.Optional)
	}

	for _, pub := range d.Publishes {
		getter := pub.GetterSymbol()
		if pub.Kind == entry.KindIO {
			_, err = symbol.Resolve[symbol.IOGetter](h, getter)
		} else {
			_, err = symbol.Resolve[symbol.ControlGetter](h, getter)
		}
		check(getter, err, consumed[d.Name][pub.Kind])
	}

	log.Debug().Strs("missing", r.Missing).Bool("ok", r.OK()).Msg("package probed")
	return r
}

// requiredEntries returns, per package, the entry kinds some other package
// of the plan requires.
func requiredEntries(plan descriptor.Plan) map[string]map[entry.Kind]bool {
	out := make(map[string]map[entry.Kind]bool)
	for _, pe := range plan.Entries {
		for _, dep := range pe.Descriptor.Requires {
			if dep.Optional {
				continue
			}
			if out[dep.Module] == nil {
				out[dep.Module] = make(map[entry.Kind]bool)
			}
			out[dep.Module][dep.Kind] = true
		}
	}
	return out
}
