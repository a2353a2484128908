package lifecycle

import (
	"context"
	"fmt"

	"github.com/artpar/pkghost/core/descriptor"
)

// Attach brings up further packages in a live session, wired against the
// entries already published. Active packages holding absent stand-ins for
// an attached package are rewired to its real entries.
//
// A required failure tears down only the packages this call attached and
// returns a *BringUpError; the rest of the session stays active.
func (s *Session) Attach(ctx context.Context, plan descriptor.Plan) error {
	s.op.Lock()
	defer s.op.Unlock()

	if st := s.State(); st != StateActive {
		return fmt.Errorf("attach to session %s (%s): %w", s.id, st, ErrNotActive)
	}

	existing := s.snapshot()
	names := make([]string, len(existing))
	for i, a := range existing {
		names[i] = a.name()
	}
	if err := plan.Validate(nil, names...); err != nil {
		return err
	}

	s.extendPlan(plan)
	s.logger.Info().Strs("attach", plan.Names()).Msg("attach started")

	failed, err := s.activateAll(ctx, plan.Entries)
	attached := s.snapshot()[len(existing):]

	if err != nil {
		report := s.teardown(ctx, attached)
		bErr := &BringUpError{SessionID: s.id, Module: failed, Err: err, Teardown: report}
		s.logger.Error().Err(bErr).Msg("attach failed")
		return bErr
	}

	set := make(map[string]bool, len(attached))
	for _, a := range attached {
		set[a.name()] = true
	}
	s.rewire(existing, set)

	s.logger.Info().Strs("active", s.Active()).Msg("attach complete")
	return nil
}

// rewire injects real entries of packages in set into acts wherever they
// currently hold absent stand-ins.
func (s *Session) rewire(acts []*activation, set map[string]bool) {
	for _, a := range acts {
		for _, w := range a.wired {
			if !set[w.dep.Module] || !w.absent {
				continue
			}
			ep, err := s.registry.Lookup(w.dep.Module, w.dep.Kind)
			if err != nil {
				continue
			}
			setter := w.dep.SetterSymbol()
			if err := inject(a.handle, setter, w.dep.Kind, ep); err != nil {
				s.logger.Warn().Err(err).Str("module", a.name()).Str("setter", setter).Msg("rewire failed")
				continue
			}
			w.absent = false
			s.logger.Debug().Str("module", a.name()).Str("dependency", w.dep.Module).Msg("dependency rewired")
		}
	}
}
