package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/artpar/pkghost/core/descriptor"
	"github.com/artpar/pkghost/core/entry"
	"github.com/artpar/pkghost/core/events"
	"github.com/artpar/pkghost/core/symbol"
)

// activateAll activates entries in order. Optional failures are recorded
// as absent. The first required failure stops the loop and is returned
// with the package name; packages activated so far stay in the list for
// the caller to tear down.
func (s *Session) activateAll(ctx context.Context, entries []descriptor.PlanEntry) (string, error) {
	for _, pe := range entries {
		a, err := s.activate(ctx, pe)
		if err == nil {
			s.appendActivation(a)
			continue
		}

		name := pe.Name()
		stage := ""
		var me *ModuleError
		if errors.As(err, &me) {
			stage = me.Stage
		}

		if !pe.Required {
			s.markAbsent(name, err)
			s.logger.Warn().Err(err).Str("module", name).Msg("optional package absent")
			s.m.publish(ctx, events.Event{
				Name:    events.ModuleAbsent,
				Session: s.id,
				Module:  name,
				Err:     err,
				Data:    map[string]any{"stage": stage},
			})
			continue
		}

		s.markFailed(name)
		s.logger.Error().Err(err).Str("module", name).Msg("required package failed")
		s.m.publish(ctx, events.Event{
			Name:    events.ModuleFailed,
			Session: s.id,
			Module:  name,
			Err:     err,
			Data:    map[string]any{"stage": stage},
		})
		return name, err
	}
	return "", nil
}

// activate runs load, wire, init and publish for one package. On error no
// handle is left loaded and nothing is published.
func (s *Session) activate(ctx context.Context, pe descriptor.PlanEntry) (*activation, error) {
	name := pe.Name()
	d := pe.Descriptor
	log := s.logger.With().Str("module", name).Logger()
	start := s.m.clock.Now()

	if err := s.precheck(d); err != nil {
		return nil, err
	}

	// Load
	s.setModuleState(name, StateLoading)
	native, err := s.m.loader.Load(ctx, name)
	if err != nil {
		return nil, stageError(name, StageLoad, ErrLoadFailed, err)
	}
	h := symbol.NewHandle(name, native)
	log.Debug().Int("refs", s.m.loader.Refs()).Msg("package loaded")
	s.m.publish(ctx, events.Event{Name: events.ModuleLoaded, Session: s.id, Module: name})

	destroy, err := symbol.Resolve[symbol.DestroyFunc](h, symbol.Destroy)
	if err != nil {
		return nil, s.abandon(h, &ModuleError{Module: name, Stage: StageResolve, Err: err})
	}
	initFn, err := symbol.Resolve[symbol.InitFunc](h, symbol.Init)
	if err != nil {
		return nil, s.abandon(h, &ModuleError{Module: name, Stage: StageResolve, Err: err})
	}

	// Wire
	s.setModuleState(name, StateWiring)
	wired, err := s.wire(h, d, log)
	if err != nil {
		return nil, s.abandon(h, err)
	}

	// Init
	if err := initFn(ctx, pe.Params); err != nil {
		mErr := stageError(name, StageInit, ErrInitFailed, err)
		if derr := destroy(ctx); derr != nil {
			log.Warn().Err(derr).Msg("destroy after failed init")
		}
		return nil, s.abandon(h, mErr)
	}
	s.setModuleState(name, StateInitialized)

	// Publish
	if err := s.publishEntries(h, d, log); err != nil {
		s.registry.Retract(name)
		if derr := destroy(ctx); derr != nil {
			log.Warn().Err(derr).Msg("destroy after failed publish")
		}
		return nil, s.abandon(h, err)
	}

	elapsed := s.m.clock.Now().Sub(start)
	log.Info().
		Strs("publishes", kindNames(s.registry.Kinds(name))).
		Dur("duration", elapsed).
		Msg("package active")
	s.m.publish(ctx, events.Event{
		Name:     events.ModuleActivated,
		Session:  s.id,
		Module:   name,
		Duration: elapsed,
	})

	return &activation{
		entry:       pe,
		handle:      h,
		destroy:     destroy,
		wired:       wired,
		activatedAt: s.m.clock.Now(),
	}, nil
}

// precheck fails a package whose required dependencies are not active or
// do not publish the needed entry. Such a package is never loaded.
func (s *Session) precheck(d descriptor.Descriptor) error {
	for _, dep := range d.Requires {
		if dep.Optional {
			continue
		}
		if st := s.ModuleState(dep.Module); st != StateActive {
			return &ModuleError{
				Module: d.Name,
				Stage:  StagePrecheck,
				Err:    fmt.Errorf("%w: %s is %s", ErrRequiredMissing, dep.Module, st),
			}
		}
		if _, err := s.registry.Lookup(dep.Module, dep.Kind); err != nil {
			return &ModuleError{
				Module: d.Name,
				Stage:  StagePrecheck,
				Err:    fmt.Errorf("%w: %w", ErrRequiredMissing, err),
			}
		}
	}
	return nil
}

// wire injects every declared dependency. An optional dependency that is
// not active gets an absent stand-in; an optional setter that is missing
// or fails is logged and skipped. Wrong setter signatures are always fatal.
func (s *Session) wire(h *symbol.Handle, d descriptor.Descriptor, log zerolog.Logger) ([]*wiring, error) {
	wired := make([]*wiring, 0, len(d.Requires))

	for _, dep := range d.Requires {
		setter := dep.SetterSymbol()
		w := &wiring{dep: dep}

		ep, err := s.registry.Lookup(dep.Module, dep.Kind)
		if err != nil {
			if !dep.Optional {
				return nil, &ModuleError{Module: d.Name, Stage: StageWire, Err: fmt.Errorf("%w: %w", ErrRequiredMissing, err)}
			}
			ep = entry.Absent(dep.Module, dep.Kind)
			w.absent = true
		}

		if err := inject(h, setter, dep.Kind, ep); err != nil {
			if dep.Optional && !errors.Is(err, symbol.ErrSymbolType) {
				log.Warn().
					Err(err).
					Str("dependency", dep.Module).
					Str("kind", dep.Kind.String()).
					Str("setter", setter).
					Msg("optional dependency not wired")
				w.skipped = true
				wired = append(wired, w)
				continue
			}
			return nil, stageError(d.Name, StageWire, ErrWiringFailed, err)
		}

		if w.absent {
			log.Warn().
				Str("dependency", dep.Module).
				Str("kind", dep.Kind.String()).
				Msg("optional dependency absent")
		} else {
			log.Debug().
				Str("dependency", dep.Module).
				Str("kind", dep.Kind.String()).
				Msg("dependency wired")
		}
		wired = append(wired, w)
	}
	return wired, nil
}

// inject resolves setter and hands it ep.
func inject(h *symbol.Handle, setter string, kind entry.Kind, ep any) error {
	if kind == entry.KindIO {
		set, err := symbol.Resolve[symbol.IOSetter](h, setter)
		if err != nil {
			return err
		}
		io, ok := ep.(entry.IO)
		if !ok {
			return fmt.Errorf("%s: entry %T is not an I/O entry", setter, ep)
		}
		return set(io)
	}

	set, err := symbol.Resolve[symbol.ControlSetter](h, setter)
	if err != nil {
		return err
	}
	ctrl, ok := ep.(entry.Control)
	if !ok {
		return fmt.Errorf("%s: entry %T is not a control entry", setter, ep)
	}
	return set(ctrl)
}

// publishEntries calls the declared getters and publishes what they
// return. A missing or failing getter leaves that entry absent; dependents
// that require it fail their own precheck.
func (s *Session) publishEntries(h *symbol.Handle, d descriptor.Descriptor, log zerolog.Logger) error {
	for _, pub := range d.Publishes {
		getter := pub.GetterSymbol()
		ep, err := fetch(h, getter, pub.Kind)
		if err != nil {
			if errors.Is(err, symbol.ErrSymbolType) {
				return stageError(d.Name, StagePublish, ErrPublishFailed, err)
			}
			if errors.Is(err, symbol.ErrSymbolNotFound) {
				log.Debug().Str("getter", getter).Msg("entry not exported")
			} else {
				log.Warn().Err(err).Str("getter", getter).Msg("entry getter failed")
			}
			continue
		}
		if entry.IsAbsent(ep) {
			log.Debug().Str("getter", getter).Msg("getter returned no entry")
			continue
		}
		if err := s.registry.Publish(d.Name, pub.Kind, ep); err != nil {
			return stageError(d.Name, StagePublish, ErrPublishFailed, err)
		}
	}
	return nil
}

func fetch(h *symbol.Handle, getter string, kind entry.Kind) (any, error) {
	if kind == entry.KindIO {
		get, err := symbol.Resolve[symbol.IOGetter](h, getter)
		if err != nil {
			return nil, err
		}
		io, err := get()
		if err != nil || io == nil {
			return nil, err
		}
		return io, nil
	}

	get, err := symbol.Resolve[symbol.ControlGetter](h, getter)
	if err != nil {
		return nil, err
	}
	ctrl, err := get()
	if err != nil || ctrl == nil {
		return nil, err
	}
	return ctrl, nil
}

// abandon unloads a package that never became active and returns err,
// joined with any unload failure.
func (s *Session) abandon(h *symbol.Handle, err error) error {
	name := h.LoadName()
	native := h.Native()
	h.Release()
	if uerr := s.m.loader.Unload(native); uerr != nil {
		s.logger.Error().Err(uerr).Str("module", name).Msg("unload of failed package")
		return errors.Join(err, stageError(name, StageUnload, ErrUnloadFailed, uerr))
	}
	return err
}

func kindNames(kinds []entry.Kind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = k.String()
	}
	return out
}
