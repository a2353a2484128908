package lifecycle_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/pkghost/adapters/clock"
	"github.com/artpar/pkghost/adapters/idgen"
	"github.com/artpar/pkghost/adapters/loader"
	loadertest "github.com/artpar/pkghost/adapters/loader/testing"
	"github.com/artpar/pkghost/core/descriptor"
	"github.com/artpar/pkghost/core/entry"
	"github.com/artpar/pkghost/core/events"
	"github.com/artpar/pkghost/core/lifecycle"
	"github.com/artpar/pkghost/core/symbol"
)

var errNoFile = errors.New("no such file")

// fixture is a static loader populated with recording fakes for the
// built-in package set.
type fixture struct {
	log    *loadertest.Log
	static *loader.Static
	pkgs   map[string]*loadertest.Package
	cat    *descriptor.Catalog
	clock  *clock.Fake
	bus    *events.Bus

	mu     sync.Mutex
	events []events.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		log:    &loadertest.Log{},
		static: loader.NewStatic(),
		pkgs:   make(map[string]*loadertest.Package),
		cat:    descriptor.BuiltinCatalog(),
		clock:  clock.NewFake(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)),
		bus:    events.NewBus(zerolog.Nop()),
	}
	for _, d := range descriptor.Builtin() {
		p := loadertest.FromDescriptor(d, f.log)
		f.pkgs[d.Name] = p
		f.static.Register(d.Name, p.Exports)
	}
	f.bus.Subscribe("*", func(ctx context.Context, ev events.Event) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.events = append(f.events, ev)
		return nil
	})
	return f
}

func (f *fixture) manager(quiesce time.Duration) *lifecycle.Manager {
	return lifecycle.New(f.static, lifecycle.Config{
		Logger:  zerolog.Nop(),
		Bus:     f.bus,
		Clock:   f.clock,
		IDs:     idgen.NewSequential("session-"),
		Quiesce: quiesce,
	})
}

// plan returns the default plan restricted to names.
func (f *fixture) plan(names ...string) descriptor.Plan {
	p := descriptor.DefaultPlan(f.cat)
	if len(names) == 0 {
		return p
	}
	return p.Subset(names...)
}

func (f *fixture) eventNames(module string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []string
	for _, ev := range f.events {
		if module == "" || ev.Module == module {
			out = append(out, ev.Name)
		}
	}
	return out
}

func (f *fixture) up(t *testing.T, plan descriptor.Plan) *lifecycle.Session {
	t.Helper()
	s, err := f.manager(0).Up(context.Background(), plan)
	if err != nil {
		t.Fatalf("Up() error = %v", err)
	}
	return s
}

func join(names []string) string {
	return strings.Join(names, ",")
}

func reversed(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[len(names)-1-i] = n
	}
	return out
}

// =============================================================================
// Bring-up
// =============================================================================

func TestUp_FullSetRoundTrip(t *testing.T) {
	f := newFixture(t)
	refsBefore := f.static.Refs()

	s := f.up(t, f.plan())

	if s.State() != lifecycle.StateActive {
		t.Fatalf("State() = %v, want active", s.State())
	}
	if got, want := join(s.Active()), "physical,sep,esp,neit,kms"; got != want {
		t.Errorf("Active() = %s, want %s", got, want)
	}
	if got := s.Entries(); got != 7 {
		t.Errorf("Entries() = %d, want 7", got)
	}
	if got := f.static.Refs(); got != refsBefore+5 {
		t.Errorf("Refs() = %d, want %d", got, refsBefore+5)
	}
	if len(s.Absent()) != 0 {
		t.Errorf("Absent() = %v, want none", s.Absent())
	}

	report, err := s.Down(context.Background())
	if err != nil {
		t.Fatalf("Down() error = %v", err)
	}
	if got, want := join(report.Order()), "kms,neit,esp,sep,physical"; got != want {
		t.Errorf("teardown order = %s, want %s", got, want)
	}
	if !report.OK() {
		t.Errorf("report.OK() = false: %+v", report.Statuses)
	}
	if got := s.Entries(); got != 0 {
		t.Errorf("Entries() after Down = %d, want 0", got)
	}
	if got := f.static.Refs(); got != refsBefore {
		t.Errorf("Refs() after Down = %d, want %d", got, refsBefore)
	}
	if s.State() != lifecycle.StateEmpty {
		t.Errorf("State() after Down = %v, want empty", s.State())
	}
	for name := range f.pkgs {
		if got := f.log.Count(name, loadertest.OpDestroy); got != 1 {
			t.Errorf("%s destroyed %d times, want 1", name, got)
		}
		if got := s.ModuleState(name); got != lifecycle.StateDestroyed {
			t.Errorf("ModuleState(%s) = %v, want destroyed", name, got)
		}
	}
}

func TestUp_WiresPublishedEntries(t *testing.T) {
	f := newFixture(t)
	s := f.up(t, f.plan())
	defer s.Down(context.Background())

	for _, setter := range []string{"SetPhysicalControlEntry", "SetPhysicalIOEntry"} {
		got := f.pkgs["sep"].Received(setter)
		if got == nil || entry.IsAbsent(got) {
			t.Errorf("sep.%s received %v, want a real entry", setter, got)
		}
	}

	ctrl, ok := f.pkgs["kms"].Received("SetSepControlEntry").(entry.Control)
	if !ok {
		t.Fatal("kms did not receive sep's control entry")
	}
	pkt := &entry.Packet{Code: 7, Payload: []byte("lun0")}
	if err := ctrl.SendControl(context.Background(), pkt); err != nil {
		t.Fatalf("SendControl() error = %v", err)
	}
	if string(pkt.Result) != "sep:lun0" {
		t.Errorf("Result = %q, want sep:lun0", pkt.Result)
	}
}

func TestUp_SetterCallOrderFollowsDescriptor(t *testing.T) {
	f := newFixture(t)
	s := f.up(t, f.plan("physical", "sep", "neit"))
	defer s.Down(context.Background())

	var setters []string
	for _, c := range f.log.Calls() {
		if c.Module == "neit" && c.Op == loadertest.OpSet {
			setters = append(setters, c.Arg)
		}
	}
	want := "SetPhysicalControlEntry,SetPhysicalIOEntry,SetSepControlEntry,SetSepIOEntry"
	if got := join(setters); got != want {
		t.Errorf("neit setters = %s, want %s", got, want)
	}

	// Setters run before Init.
	calls := f.log.Calls()
	lastSet, initAt := -1, -1
	for i, c := range calls {
		if c.Module != "neit" {
			continue
		}
		if c.Op == loadertest.OpSet {
			lastSet = i
		}
		if c.Op == loadertest.OpInit {
			initAt = i
		}
	}
	if initAt < lastSet {
		t.Errorf("neit init at %d, before last setter at %d", initAt, lastSet)
	}
}

func TestUp_ParamsPassedVerbatim(t *testing.T) {
	f := newFixture(t)
	plan := f.plan("physical")
	plan.Entries[0].Params = []byte("drives: 12\nport: \"0\"\n")

	s := f.up(t, plan)
	defer s.Down(context.Background())

	if got := string(f.pkgs["physical"].Params()); got != "drives: 12\nport: \"0\"\n" {
		t.Errorf("Params() = %q, want verbatim", got)
	}
}

func TestUp_InvalidPlan(t *testing.T) {
	f := newFixture(t)
	p := f.plan()
	bad := descriptor.Plan{Entries: []descriptor.PlanEntry{p.Entries[1], p.Entries[0]}}

	_, err := f.manager(0).Up(context.Background(), bad)
	if !errors.Is(err, descriptor.ErrInvalidPlan) {
		t.Fatalf("Up() error = %v, want ErrInvalidPlan", err)
	}
	if len(f.log.Calls()) != 0 {
		t.Errorf("calls = %s, want none", f.log)
	}
}

// =============================================================================
// Optional and required failures
// =============================================================================

// Optional environment service fails to load: the extent service stays
// active and unaffected, and teardown never destroys the environment service.
func TestScenario_OptionalEnvironmentLoadFailure(t *testing.T) {
	f := newFixture(t)
	f.static.FailLoad("esp", errNoFile)

	s := f.up(t, f.plan("physical", "sep", "esp"))

	if got := s.ModuleState("sep"); got != lifecycle.StateActive {
		t.Errorf("ModuleState(sep) = %v, want active", got)
	}
	if got := s.ModuleState("esp"); got != lifecycle.StateAbsent {
		t.Errorf("ModuleState(esp) = %v, want absent", got)
	}
	absent := s.Absent()
	if err, ok := absent["esp"]; !ok || !errors.Is(err, lifecycle.ErrLoadFailed) {
		t.Errorf("Absent()[esp] = %v, want ErrLoadFailed", err)
	}
	if _, err := s.LookupControl("esp"); !errors.Is(err, entry.ErrEntryAbsent) {
		t.Errorf("LookupControl(esp) error = %v, want ErrEntryAbsent", err)
	}
	if _, err := s.LookupControl("sep"); err != nil {
		t.Errorf("LookupControl(sep) error = %v", err)
	}

	if _, err := s.Down(context.Background()); err != nil {
		t.Fatalf("Down() error = %v", err)
	}
	if got := join(f.log.Modules(loadertest.OpDestroy)); got != "sep,physical" {
		t.Errorf("destroy order = %s, want sep,physical", got)
	}
	if got := f.log.Count("esp", loadertest.OpDestroy); got != 0 {
		t.Errorf("esp destroyed %d times, want 0", got)
	}
	if got := f.static.Refs(); got != 0 {
		t.Errorf("Refs() = %d, want 0", got)
	}
}

// Required physical package fails to load: the extent service is never
// loaded and no destroy function is called.
func TestScenario_RequiredPhysicalLoadFailure(t *testing.T) {
	f := newFixture(t)
	f.static.FailLoad("physical", errNoFile)

	s, err := f.manager(0).Up(context.Background(), f.plan("physical", "sep"))
	if s != nil {
		t.Error("Up() returned a session on failure")
	}

	var bErr *lifecycle.BringUpError
	if !errors.As(err, &bErr) {
		t.Fatalf("Up() error = %v, want *BringUpError", err)
	}
	if bErr.Module != "physical" {
		t.Errorf("BringUpError.Module = %s, want physical", bErr.Module)
	}
	if !errors.Is(err, lifecycle.ErrLoadFailed) || !errors.Is(err, errNoFile) {
		t.Errorf("Up() error = %v, want ErrLoadFailed wrapping the loader error", err)
	}
	if len(bErr.Teardown.Statuses) != 0 {
		t.Errorf("teardown = %v, want nothing to tear down", bErr.Teardown.Order())
	}

	if got := f.eventNames("sep"); len(got) != 0 {
		t.Errorf("sep events = %v, want none (never loaded)", got)
	}
	if got := len(f.log.Calls()); got != 0 {
		t.Errorf("package calls = %s, want none", f.log)
	}
	if got := f.static.Refs(); got != 0 {
		t.Errorf("Refs() = %d, want 0", got)
	}
}

func TestUp_OptionalPhysicalFailureCascades(t *testing.T) {
	f := newFixture(t)
	f.static.FailLoad("physical", errNoFile)
	plan := f.plan("physical", "sep")
	plan.Entries[0].Required = false

	_, err := f.manager(0).Up(context.Background(), plan)

	var bErr *lifecycle.BringUpError
	if !errors.As(err, &bErr) || bErr.Module != "sep" {
		t.Fatalf("Up() error = %v, want bring-up failure at sep", err)
	}
	if !errors.Is(err, lifecycle.ErrRequiredMissing) {
		t.Errorf("Up() error = %v, want ErrRequiredMissing", err)
	}
	if got := f.eventNames("sep"); join(got) != events.ModuleFailed {
		t.Errorf("sep events = %v, want only module.failed", got)
	}
}

func TestUp_OptionalDependencyGetsAbsentEntry(t *testing.T) {
	f := newFixture(t)
	f.static.FailLoad("esp", errNoFile)

	s := f.up(t, f.plan("physical", "sep", "esp", "kms"))
	defer s.Down(context.Background())

	if got := s.ModuleState("kms"); got != lifecycle.StateActive {
		t.Fatalf("ModuleState(kms) = %v, want active", got)
	}

	got := f.pkgs["kms"].Received("SetEspControlEntry")
	if !entry.IsAbsent(got) {
		t.Fatalf("kms received %v for esp, want absent stand-in", got)
	}
	err := got.(entry.Control).SendControl(context.Background(), &entry.Packet{})
	if !errors.Is(err, entry.ErrEntryAbsent) {
		t.Errorf("SendControl() on absent esp error = %v, want ErrEntryAbsent", err)
	}
}

func TestUp_RequiredInitFailureTearsDownEarlier(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("raid metadata corrupt")
	f.pkgs["sep"].FailInit(boom)

	_, err := f.manager(0).Up(context.Background(), f.plan())

	var bErr *lifecycle.BringUpError
	if !errors.As(err, &bErr) {
		t.Fatalf("Up() error = %v, want *BringUpError", err)
	}
	if !errors.Is(err, lifecycle.ErrInitFailed) || !errors.Is(err, boom) {
		t.Errorf("Up() error = %v, want ErrInitFailed wrapping init error", err)
	}
	if got := join(bErr.Teardown.Order()); got != "physical" {
		t.Errorf("teardown order = %s, want physical", got)
	}
	// sep gets its idempotent destroy for the partial init, then physical.
	if got := join(f.log.Modules(loadertest.OpDestroy)); got != "sep,physical" {
		t.Errorf("destroy calls = %s, want sep,physical", got)
	}
	if got := f.log.Count("esp", loadertest.OpInit); got != 0 {
		t.Errorf("esp init calls = %d, want 0", got)
	}
	if got := f.static.Refs(); got != 0 {
		t.Errorf("Refs() = %d, want 0", got)
	}
}

func TestUp_OptionalInitFailure(t *testing.T) {
	f := newFixture(t)
	f.pkgs["neit"].FailInit(errors.New("rdgen threads"))

	s := f.up(t, f.plan())
	defer s.Down(context.Background())

	if got := s.ModuleState("neit"); got != lifecycle.StateAbsent {
		t.Errorf("ModuleState(neit) = %v, want absent", got)
	}
	if got := join(s.Active()); got != "physical,sep,esp,kms" {
		t.Errorf("Active() = %s, want physical,sep,esp,kms", got)
	}
	if got := f.static.Refs(); got != 4 {
		t.Errorf("Refs() = %d, want 4", got)
	}
}

func TestUp_MissingRequiredSetter(t *testing.T) {
	f := newFixture(t)
	f.pkgs["sep"].Omit("SetPhysicalIOEntry")

	_, err := f.manager(0).Up(context.Background(), f.plan("physical", "sep"))

	if !errors.Is(err, lifecycle.ErrWiringFailed) || !errors.Is(err, symbol.ErrSymbolNotFound) {
		t.Fatalf("Up() error = %v, want ErrWiringFailed wrapping ErrSymbolNotFound", err)
	}
	if got := f.log.Count("sep", loadertest.OpInit); got != 0 {
		t.Errorf("sep init calls = %d, want 0", got)
	}
	if got := f.static.Refs(); got != 0 {
		t.Errorf("Refs() = %d, want 0", got)
	}
}

func TestUp_MissingOptionalSetter(t *testing.T) {
	f := newFixture(t)
	f.pkgs["neit"].Omit("SetSepIOEntry")

	s := f.up(t, f.plan("physical", "sep", "neit"))
	defer s.Down(context.Background())

	if got := s.ModuleState("neit"); got != lifecycle.StateActive {
		t.Errorf("ModuleState(neit) = %v, want active", got)
	}
	if f.pkgs["neit"].Received("SetSepControlEntry") == nil {
		t.Error("neit should still receive sep's control entry")
	}
}

func TestUp_OptionalSetterError(t *testing.T) {
	f := newFixture(t)
	f.pkgs["esp"].FailSetter("SetSepControlEntry", errors.New("not ready"))

	s := f.up(t, f.plan("physical", "sep", "esp"))
	defer s.Down(context.Background())

	if got := s.ModuleState("esp"); got != lifecycle.StateActive {
		t.Errorf("ModuleState(esp) = %v, want active", got)
	}
}

func TestUp_WrongSetterTypeIsFatal(t *testing.T) {
	f := newFixture(t)
	f.pkgs["esp"].WrongType("SetSepControlEntry")

	s := f.up(t, f.plan("physical", "sep", "esp"))
	defer s.Down(context.Background())

	err, ok := s.Absent()["esp"]
	if !ok {
		t.Fatal("esp should be absent after a setter type mismatch")
	}
	if !errors.Is(err, symbol.ErrSymbolType) {
		t.Errorf("Absent()[esp] = %v, want ErrSymbolType", err)
	}
}

func TestUp_MissingDestroyNeverInits(t *testing.T) {
	f := newFixture(t)
	f.pkgs["esp"].Omit(symbol.Destroy)

	s := f.up(t, f.plan("physical", "esp"))
	defer s.Down(context.Background())

	if got := f.log.Count("esp", loadertest.OpInit); got != 0 {
		t.Errorf("esp init calls = %d, want 0", got)
	}
	if !errors.Is(s.Absent()["esp"], symbol.ErrSymbolNotFound) {
		t.Errorf("Absent()[esp] = %v, want ErrSymbolNotFound", s.Absent()["esp"])
	}
}

func TestUp_MissingOptionalGetter(t *testing.T) {
	f := newFixture(t)
	f.pkgs["esp"].Omit(symbol.GetControlEntry)

	s := f.up(t, f.plan("physical", "sep", "esp", "kms"))
	defer s.Down(context.Background())

	if got := s.ModuleState("esp"); got != lifecycle.StateActive {
		t.Errorf("ModuleState(esp) = %v, want active", got)
	}
	if kinds := s.Published("esp"); len(kinds) != 0 {
		t.Errorf("Published(esp) = %v, want none", kinds)
	}
	if got := s.ModuleState("kms"); got != lifecycle.StateActive {
		t.Errorf("ModuleState(kms) = %v, want active", got)
	}
	if !entry.IsAbsent(f.pkgs["kms"].Received("SetEspControlEntry")) {
		t.Error("kms should receive an absent esp control entry")
	}
}

func TestUp_GetterErrorLeavesEntryAbsent(t *testing.T) {
	f := newFixture(t)
	f.pkgs["physical"].FailGetter(entry.KindIO, errors.New("no backend"))

	_, err := f.manager(0).Up(context.Background(), f.plan("physical", "sep"))
	if !errors.Is(err, lifecycle.ErrRequiredMissing) {
		t.Fatalf("Up() error = %v, want ErrRequiredMissing for sep", err)
	}
	if got := join(f.log.Modules(loadertest.OpDestroy)); got != "physical" {
		t.Errorf("destroy calls = %s, want physical", got)
	}
}

func TestUp_EventSequence(t *testing.T) {
	f := newFixture(t)
	s := f.up(t, f.plan("physical"))
	if _, err := s.Down(context.Background()); err != nil {
		t.Fatal(err)
	}

	want := []string{
		events.SessionStart,
		events.ModuleLoaded,
		events.ModuleActivated,
		events.SessionUp,
		events.ModuleDestroyed,
		events.SessionDown,
	}
	if got := f.eventNames(""); join(got) != join(want) {
		t.Errorf("events = %v, want %v", got, want)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range f.events {
		if ev.Session != s.ID() {
			t.Errorf("%s session = %q, want %q", ev.Name, ev.Session, s.ID())
		}
	}
}

// Teardown order is the reverse of activation order whichever optional
// packages failed.
func TestProperty_TeardownReversesActivation(t *testing.T) {
	optional := []string{"esp", "neit", "kms"}

	for mask := 0; mask < 1<<len(optional); mask++ {
		f := newFixture(t)
		var failed []string
		for i, name := range optional {
			if mask&(1<<i) != 0 {
				f.static.FailLoad(name, errNoFile)
				failed = append(failed, name)
			}
		}

		t.Run("fail="+join(failed), func(t *testing.T) {
			s := f.up(t, f.plan())
			activated := s.Active()

			report, err := s.Down(context.Background())
			if err != nil {
				t.Fatalf("Down() error = %v", err)
			}
			if got, want := join(report.Order()), join(reversed(activated)); got != want {
				t.Errorf("teardown order = %s, want %s", got, want)
			}
			if got, want := join(f.log.Modules(loadertest.OpDestroy)), join(reversed(activated)); got != want {
				t.Errorf("destroy calls = %s, want %s", got, want)
			}
			if got := f.static.Refs(); got != 0 {
				t.Errorf("Refs() = %d, want 0", got)
			}
		})
	}
}

// =============================================================================
// Session states
// =============================================================================

// sessionStates returns the session state changes logged to buf.
func sessionStates(t *testing.T, buf *bytes.Buffer) string {
	t.Helper()
	var states []string
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var rec struct {
			Message string `json:"message"`
			State   string `json:"state"`
		}
		if err := json.Unmarshal(line, &rec); err != nil {
			t.Fatalf("decode log line %q: %v", line, err)
		}
		if rec.Message == "session state" {
			states = append(states, rec.State)
		}
	}
	return join(states)
}

func (f *fixture) loggingManager(buf *bytes.Buffer) *lifecycle.Manager {
	return lifecycle.New(f.static, lifecycle.Config{
		Logger: zerolog.New(buf).Level(zerolog.DebugLevel),
		Bus:    f.bus,
		Clock:  f.clock,
		IDs:    idgen.NewSequential("session-"),
	})
}

func TestSessionState_BringUpAndDown(t *testing.T) {
	f := newFixture(t)
	var buf bytes.Buffer

	s, err := f.loggingManager(&buf).Up(context.Background(), f.plan("physical", "sep"))
	if err != nil {
		t.Fatalf("Up() error = %v", err)
	}
	if _, err := s.Down(context.Background()); err != nil {
		t.Fatalf("Down() error = %v", err)
	}

	want := "loading,wiring,initialized,loading,wiring,initialized,active,tearing_down,empty"
	if got := sessionStates(t, &buf); got != want {
		t.Errorf("session states = %s, want %s", got, want)
	}
}

func TestSessionState_RequiredFailureTearsDown(t *testing.T) {
	f := newFixture(t)
	f.pkgs["sep"].FailInit(errors.New("no raid groups"))
	plan := f.plan("physical", "sep")
	for i := range plan.Entries {
		plan.Entries[i].Required = true
	}

	var buf bytes.Buffer
	if _, err := f.loggingManager(&buf).Up(context.Background(), plan); err == nil {
		t.Fatal("Up() should fail when required sep fails init")
	}

	want := "loading,wiring,initialized,loading,wiring,tearing_down,empty"
	if got := sessionStates(t, &buf); got != want {
		t.Errorf("session states = %s, want %s", got, want)
	}
	if got := f.pkgs["physical"].Activations(); got != 1 || !f.pkgs["physical"].Destroyed() {
		t.Errorf("physical activations = %d destroyed = %v, want torn down once", got, f.pkgs["physical"].Destroyed())
	}
}
