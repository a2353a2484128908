package lifecycle

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/pkghost/core/descriptor"
	"github.com/artpar/pkghost/core/entry"
	"github.com/artpar/pkghost/core/symbol"
)

// activation is one active package. Only activations appear in the
// session's ordered list, so only they are torn down.
type activation struct {
	entry       descriptor.PlanEntry
	handle      *symbol.Handle
	destroy     symbol.DestroyFunc
	wired       []*wiring
	activatedAt time.Time
}

func (a *activation) name() string {
	return a.entry.Name()
}

// wiring is one dependency injected into an active package.
type wiring struct {
	dep descriptor.Dependency

	// absent is set when an absent stand-in was injected.
	absent bool

	// skipped is set when the optional setter could not be called at all.
	skipped bool
}

// Session is one composition: the packages activated by a bring-up, in
// order, and the registry of their published entries.
type Session struct {
	id       string
	m        *Manager
	logger   zerolog.Logger
	registry *entry.Registry

	// op serializes Down, Detach and Attach.
	op sync.Mutex

	mu      sync.RWMutex
	state   State
	plan    descriptor.Plan
	active  []*activation
	modules map[string]State
	absent  map[string]error
	started time.Time
}

func newSession(m *Manager, plan descriptor.Plan) *Session {
	id := m.ids.New()
	s := &Session{
		id:       id,
		m:        m,
		logger:   m.logger.With().Str("session", id).Logger(),
		registry: entry.NewRegistry(),
		state:    StateEmpty,
		plan:     descriptor.Plan{Entries: append([]descriptor.PlanEntry(nil), plan.Entries...)},
		modules:  make(map[string]State, plan.Len()),
		absent:   make(map[string]error),
		started:  m.clock.Now(),
	}
	for _, name := range plan.Names() {
		s.modules[name] = StateEmpty
	}
	return s
}

// =============================================================================
// Read-only view
// =============================================================================

// ID returns the session ID.
func (s *Session) ID() string {
	return s.id
}

// StartedAt returns when bring-up began.
func (s *Session) StartedAt() time.Time {
	return s.started
}

// State returns the session state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Plan returns every package the session has been asked to compose,
// including attached ones.
func (s *Session) Plan() descriptor.Plan {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return descriptor.Plan{Entries: append([]descriptor.PlanEntry(nil), s.plan.Entries...)}
}

// Active returns the active packages in activation order.
func (s *Session) Active() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, len(s.active))
	for i, a := range s.active {
		names[i] = a.name()
	}
	return names
}

// IsActive reports whether name is active.
func (s *Session) IsActive(name string) bool {
	return s.ModuleState(name) == StateActive
}

// ModuleState returns a package's state. Packages the session never saw
// are StateEmpty.
func (s *Session) ModuleState(name string) State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.modules[name]
}

// Modules returns every package's state.
func (s *Session) Modules() map[string]State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]State, len(s.modules))
	for name, st := range s.modules {
		out[name] = st
	}
	return out
}

// Absent returns the optional packages that failed to activate, and why.
func (s *Session) Absent() map[string]error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]error, len(s.absent))
	for name, err := range s.absent {
		out[name] = err
	}
	return out
}

// AbsentNames returns the absent packages, sorted.
func (s *Session) AbsentNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.absent))
	for name := range s.absent {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns a published entry point, or an error wrapping
// entry.ErrEntryAbsent.
func (s *Session) Lookup(module string, kind entry.Kind) (any, error) {
	return s.registry.Lookup(module, kind)
}

// LookupControl returns a published control entry.
func (s *Session) LookupControl(module string) (entry.Control, error) {
	return s.registry.LookupControl(module)
}

// LookupIO returns a published I/O entry.
func (s *Session) LookupIO(module string) (entry.IO, error) {
	return s.registry.LookupIO(module)
}

// Published returns the entry kinds a package currently publishes.
func (s *Session) Published(module string) []entry.Kind {
	return s.registry.Kinds(module)
}

// Entries returns the number of published entries.
func (s *Session) Entries() int {
	return s.registry.Len()
}

// =============================================================================
// Internal state changes
// =============================================================================

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.logger.Debug().Stringer("state", st).Msg("session state")
}

// setModuleState records a package step. During bring-up the session
// follows the package being activated through loading, wiring and
// initialized; a live session keeps its state while packages attach.
func (s *Session) setModuleState(name string, st State) {
	s.mu.Lock()
	s.modules[name] = st
	follow := bringingUp(s.state) && bringingUp(st) && s.state != st
	if follow {
		s.state = st
	}
	s.mu.Unlock()
	if follow {
		s.logger.Debug().Stringer("state", st).Msg("session state")
	}
}

func bringingUp(st State) bool {
	return st == StateLoading || st == StateWiring || st == StateInitialized
}

func (s *Session) markAbsent(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modules[name] = StateAbsent
	s.absent[name] = err
}

func (s *Session) markFailed(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modules[name] = StateFailed
}

func (s *Session) appendActivation(a *activation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = append(s.active, a)
	s.modules[a.name()] = StateActive
	delete(s.absent, a.name())
}

func (s *Session) removeActivation(a *activation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cur := range s.active {
		if cur == a {
			s.active = append(s.active[:i], s.active[i+1:]...)
			return
		}
	}
}

// snapshot returns the ordered activation list.
func (s *Session) snapshot() []*activation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*activation(nil), s.active...)
}

func (s *Session) extendPlan(p descriptor.Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
next:
	for _, e := range p.Entries {
		for i, cur := range s.plan.Entries {
			if cur.Name() == e.Name() {
				s.plan.Entries[i] = e
				continue next
			}
		}
		s.plan.Entries = append(s.plan.Entries, e)
	}
	for _, name := range p.Names() {
		if !s.modules[name].Live() {
			s.modules[name] = StateEmpty
		}
	}
}
