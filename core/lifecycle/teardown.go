package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/artpar/pkghost/core/entry"
	"github.com/artpar/pkghost/core/events"
)

// DestroyStatus is the outcome of tearing down one package.
type DestroyStatus struct {
	Module string

	// Destroyed is true when Destroy returned success.
	Destroyed  bool
	DestroyErr error

	// Unloaded is true when the loader released the package.
	Unloaded  bool
	UnloadErr error

	Duration time.Duration
}

// OK reports whether both destroy and unload succeeded.
func (st DestroyStatus) OK() bool {
	return st.Destroyed && st.Unloaded
}

// TeardownReport records one teardown, in teardown order.
type TeardownReport struct {
	Statuses []DestroyStatus
}

// Order returns the packages in the order they were torn down.
func (r *TeardownReport) Order() []string {
	names := make([]string, len(r.Statuses))
	for i, st := range r.Statuses {
		names[i] = st.Module
	}
	return names
}

// Status returns the outcome for one package.
func (r *TeardownReport) Status(module string) (DestroyStatus, bool) {
	for _, st := range r.Statuses {
		if st.Module == module {
			return st, true
		}
	}
	return DestroyStatus{}, false
}

// OK reports whether every package was destroyed and unloaded.
func (r *TeardownReport) OK() bool {
	for _, st := range r.Statuses {
		if !st.OK() {
			return false
		}
	}
	return true
}

// Err returns a *TeardownError listing every failure, or nil.
func (r *TeardownReport) Err() error {
	var failures []*ModuleError
	for _, st := range r.Statuses {
		if st.DestroyErr != nil {
			failures = append(failures, stageError(st.Module, StageDestroy, ErrDestroyFailed, st.DestroyErr))
		}
		if st.UnloadErr != nil {
			failures = append(failures, stageError(st.Module, StageUnload, ErrUnloadFailed, st.UnloadErr))
		}
	}
	if len(failures) == 0 {
		return nil
	}
	return &TeardownError{Failures: failures}
}

// Down tears down every active package in reverse activation order. A
// destroy failure never stops the teardown; all failures are returned in a
// *TeardownError alongside the full report.
func (s *Session) Down(ctx context.Context) (*TeardownReport, error) {
	s.op.Lock()
	defer s.op.Unlock()

	if st := s.State(); st != StateActive {
		return nil, fmt.Errorf("down session %s (%s): %w", s.id, st, ErrNotActive)
	}

	start := s.m.clock.Now()
	s.setState(StateTearingDown)
	s.logger.Info().Strs("order", reverseNames(s.snapshot())).Msg("teardown started")

	report := s.teardown(ctx, s.snapshot())
	s.setState(StateEmpty)

	err := report.Err()
	ev := s.logger.Info()
	if err != nil {
		ev = s.logger.Error().Err(err)
	}
	ev.Strs("order", report.Order()).Msg("teardown complete")

	s.m.publish(ctx, events.Event{
		Name:     events.SessionDown,
		Session:  s.id,
		Err:      err,
		Duration: s.m.clock.Now().Sub(start),
		Data:     map[string]any{"order": report.Order()},
	})
	return report, err
}

// teardown destroys acts in reverse order.
func (s *Session) teardown(ctx context.Context, acts []*activation) *TeardownReport {
	report := &TeardownReport{Statuses: make([]DestroyStatus, 0, len(acts))}
	for i := len(acts) - 1; i >= 0; i-- {
		report.Statuses = append(report.Statuses, s.destroyOne(ctx, acts[i]))
	}
	return report
}

// destroyOne retracts, destroys, waits and unloads one package. Unload is
// attempted exactly once, even when Destroy failed.
func (s *Session) destroyOne(ctx context.Context, a *activation) DestroyStatus {
	name := a.name()
	log := s.logger.With().Str("module", name).Logger()
	start := s.m.clock.Now()
	st := DestroyStatus{Module: name}

	s.setModuleState(name, StateTearingDown)
	s.registry.Retract(name)

	if err := a.destroy(ctx); err != nil {
		st.DestroyErr = err
		log.Error().Err(err).Msg("destroy failed")
	} else {
		st.Destroyed = true
	}

	if s.m.quiesce > 0 {
		if err := s.m.clock.Sleep(ctx, s.m.quiesce); err != nil {
			log.Warn().Err(err).Dur("quiesce", s.m.quiesce).Msg("quiesce wait interrupted")
		}
	}

	native := a.handle.Native()
	a.handle.Release()
	if err := s.m.loader.Unload(native); err != nil {
		st.UnloadErr = err
		log.Error().Err(err).Msg("unload failed")
	} else {
		st.Unloaded = true
	}

	s.removeActivation(a)
	s.setModuleState(name, StateDestroyed)
	st.Duration = s.m.clock.Now().Sub(start)

	log.Debug().Bool("ok", st.OK()).Int("refs", s.m.loader.Refs()).Msg("package torn down")
	s.m.publish(ctx, events.Event{
		Name:     events.ModuleDestroyed,
		Session:  s.id,
		Module:   name,
		Err:      errors.Join(st.DestroyErr, st.UnloadErr),
		Duration: st.Duration,
	})
	return st
}

// Detach tears down the named packages while the rest of the session stays
// active. Packages are destroyed in reverse activation order. Detach
// refuses with ErrInUse if an active package outside the set requires one
// inside it; optional dependents are first rewired to absent stand-ins.
func (s *Session) Detach(ctx context.Context, names ...string) (*TeardownReport, error) {
	s.op.Lock()
	defer s.op.Unlock()

	if st := s.State(); st != StateActive {
		return nil, fmt.Errorf("detach from session %s (%s): %w", s.id, st, ErrNotActive)
	}

	set := make(map[string]bool, len(names))
	for _, name := range names {
		if !s.IsActive(name) {
			return nil, fmt.Errorf("detach %s (%s): %w", name, s.ModuleState(name), ErrNotActive)
		}
		set[name] = true
	}

	var selected, remaining []*activation
	for _, a := range s.snapshot() {
		if set[a.name()] {
			selected = append(selected, a)
		} else {
			remaining = append(remaining, a)
		}
	}

	for _, a := range remaining {
		for _, w := range a.wired {
			if set[w.dep.Module] && !w.dep.Optional {
				return nil, fmt.Errorf("detach %s: %s requires it: %w", w.dep.Module, a.name(), ErrInUse)
			}
		}
	}

	if err := s.unwire(remaining, set); err != nil {
		return nil, err
	}

	s.logger.Info().Strs("order", reverseNames(selected)).Msg("detach started")
	report := s.teardown(ctx, selected)
	err := report.Err()
	if err != nil {
		s.logger.Error().Err(err).Msg("detach completed with failures")
	}
	return report, err
}

// unwire replaces every entry acts received from a package in set with an
// absent stand-in. If a setter refuses, the entries already swapped are
// restored and the error is returned wrapped in ErrInUse; nothing in set
// may be destroyed while a dependent still holds its real entry.
func (s *Session) unwire(acts []*activation, set map[string]bool) error {
	type swap struct {
		a *activation
		w *wiring
	}
	var done []swap

	for _, a := range acts {
		for _, w := range a.wired {
			if !set[w.dep.Module] || w.absent || w.skipped {
				continue
			}
			setter := w.dep.SetterSymbol()
			if err := inject(a.handle, setter, w.dep.Kind, entry.Absent(w.dep.Module, w.dep.Kind)); err != nil {
				s.logger.Error().Err(err).Str("module", a.name()).Str("setter", setter).Msg("unwire failed, restoring entries")
				for i := len(done) - 1; i >= 0; i-- {
					s.restore(done[i].a, done[i].w)
				}
				return fmt.Errorf("detach %s: %s refused absent entry: %w", w.dep.Module, a.name(), errors.Join(ErrInUse, err))
			}
			w.absent = true
			done = append(done, swap{a, w})
		}
	}
	return nil
}

// restore injects the real published entry back into a after a failed
// unwire.
func (s *Session) restore(a *activation, w *wiring) {
	ep, err := s.registry.Lookup(w.dep.Module, w.dep.Kind)
	if err == nil {
		err = inject(a.handle, w.dep.SetterSymbol(), w.dep.Kind, ep)
	}
	if err != nil {
		s.logger.Error().Err(err).Str("module", a.name()).Str("dependency", w.dep.Module).Msg("restore failed")
		return
	}
	w.absent = false
}

func reverseNames(acts []*activation) []string {
	names := make([]string, len(acts))
	for i, a := range acts {
		names[len(acts)-1-i] = a.name()
	}
	return names
}
