// Package lifecycle composes storage packages into a running session.
//
// A Manager brings up a descriptor.Plan in order: for each package it
// loads the native module, injects the entry points of packages already
// active, calls Init, and publishes the package's own entry points. Required
// packages that fail abort the bring-up and everything activated so far is
// torn down; optional packages that fail are recorded as absent and their
// dependents receive absent stand-ins instead.
//
// Teardown runs in exact reverse activation order. For every package the
// entries are retracted before Destroy is called, and the native module is
// unloaded exactly once whether or not Destroy succeeded.
//
// Bring-up and teardown are sequential. The read-only Session view may be
// queried from other goroutines.
package lifecycle

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/artpar/pkghost/core/descriptor"
	"github.com/artpar/pkghost/core/events"
	"github.com/artpar/pkghost/ports"
)

// Config configures a Manager.
type Config struct {
	// Logger for lifecycle steps.
	Logger zerolog.Logger

	// Bus receives lifecycle events (optional).
	Bus *events.Bus

	// Clock for timestamps and quiesce waits. Defaults to the system clock.
	Clock ports.Clock

	// IDs generates session IDs. Defaults to random UUIDs.
	IDs ports.IDGenerator

	// Quiesce is the grace period after each Destroy before unload.
	// Zero disables the wait.
	Quiesce time.Duration
}

// Manager drives bring-up and teardown of packages through a loader.
type Manager struct {
	loader  ports.ModuleLoader
	logger  zerolog.Logger
	bus     *events.Bus
	clock   ports.Clock
	ids     ports.IDGenerator
	quiesce time.Duration
}

// New creates a manager.
func New(loader ports.ModuleLoader, cfg Config) *Manager {
	m := &Manager{
		loader:  loader,
		logger:  cfg.Logger.With().Str("component", "lifecycle").Logger(),
		bus:     cfg.Bus,
		clock:   cfg.Clock,
		ids:     cfg.IDs,
		quiesce: cfg.Quiesce,
	}
	if m.clock == nil {
		m.clock = systemClock{}
	}
	if m.ids == nil {
		m.ids = uuidGen{}
	}
	return m
}

// Loader returns the manager's loader.
func (m *Manager) Loader() ports.ModuleLoader {
	return m.loader
}

// Up brings up plan and returns the active session.
//
// On a required package failure Up tears down everything it activated and
// returns a *BringUpError; no session survives. Optional failures are
// logged, recorded in Session.Absent, and never fail Up.
func (m *Manager) Up(ctx context.Context, plan descriptor.Plan) (*Session, error) {
	if err := plan.Validate(nil); err != nil {
		return nil, err
	}

	s := newSession(m, plan)
	start := m.clock.Now()

	s.logger.Info().Strs("plan", plan.Names()).Msg("bring-up started")
	m.publish(ctx, events.Event{
		Name:    events.SessionStart,
		Session: s.id,
		Data:    map[string]any{"plan": plan.Names()},
	})

	s.setState(StateLoading)
	if failed, err := s.activateAll(ctx, plan.Entries); err != nil {
		s.setState(StateTearingDown)
		report := s.teardown(ctx, s.snapshot())
		s.setState(StateEmpty)

		bErr := &BringUpError{SessionID: s.id, Module: failed, Err: err, Teardown: report}
		s.logger.Error().Err(bErr).Str("module", failed).Msg("bring-up failed")
		m.publish(ctx, events.Event{
			Name:     events.SessionDown,
			Session:  s.id,
			Err:      bErr,
			Duration: m.clock.Now().Sub(start),
		})
		return nil, bErr
	}

	s.setState(StateActive)
	elapsed := m.clock.Now().Sub(start)
	s.logger.Info().
		Strs("active", s.Active()).
		Strs("absent", s.AbsentNames()).
		Dur("duration", elapsed).
		Msg("bring-up complete")
	m.publish(ctx, events.Event{
		Name:     events.SessionUp,
		Session:  s.id,
		Duration: elapsed,
		Data:     map[string]any{"active": s.Active(), "absent": s.AbsentNames()},
	})
	return s, nil
}

func (m *Manager) publish(ctx context.Context, ev events.Event) {
	if m.bus == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = m.clock.Now()
	}
	m.bus.Publish(ctx, ev)
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type uuidGen struct{}

func (uuidGen) New() string { return uuid.NewString() }
