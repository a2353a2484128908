package sqlite_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/pkghost/adapters/clock"
	"github.com/artpar/pkghost/adapters/idgen"
	"github.com/artpar/pkghost/adapters/sqlite"
	"github.com/artpar/pkghost/core/descriptor"
	"github.com/artpar/pkghost/core/events"
	"github.com/artpar/pkghost/core/lifecycle"
	"github.com/artpar/pkghost/domain/journal"
	"github.com/artpar/pkghost/modules"
)

func setupTestDB(t *testing.T) (*sqlite.DB, func()) {
	t.Helper()

	// Create temp file for test database
	f, err := os.CreateTemp("", "pkghost-test-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	path := f.Name()
	f.Close()

	db, err := sqlite.Open(path)
	if err != nil {
		os.Remove(path)
		t.Fatalf("open database: %v", err)
	}

	if err := db.Migrate(); err != nil {
		db.Close()
		os.Remove(path)
		t.Fatalf("migrate: %v", err)
	}

	cleanup := func() {
		db.Close()
		os.Remove(path)
	}

	return db, cleanup
}

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// -----------------------------------------------------------------------------
// Migrations
// -----------------------------------------------------------------------------

func TestMigrate_Idempotent(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	if err := db.Migrate(); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
	applied, err := db.Applied()
	if err != nil {
		t.Fatalf("Applied() error = %v", err)
	}
	if len(applied) != 1 || applied[0] != "001_journal" {
		t.Errorf("Applied() = %v, want [001_journal]", applied)
	}
}

// -----------------------------------------------------------------------------
// JournalStore Tests
// -----------------------------------------------------------------------------

func TestJournalStore_SessionLifecycle(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := sqlite.NewJournalStore(db)
	ctx := context.Background()

	sess := journal.Session{ID: "s-1", Plan: []string{"physical", "sep"}, StartedAt: t0}
	if err := store.StartSession(ctx, sess); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}

	got, err := store.Get(ctx, "s-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Outcome != journal.OutcomeActive || len(got.Plan) != 2 || !got.EndedAt.IsZero() {
		t.Errorf("Get() = %+v, want active session with two packages", got)
	}

	if err := store.EndSession(ctx, "s-1", journal.OutcomeDegraded, "sep: flush timeout", t0.Add(time.Minute)); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	got, _ = store.Get(ctx, "s-1")
	if got.Outcome != journal.OutcomeDegraded || got.Error != "sep: flush timeout" {
		t.Errorf("Get() after end = %+v", got)
	}
	if !got.EndedAt.Equal(t0.Add(time.Minute)) {
		t.Errorf("EndedAt = %v, want %v", got.EndedAt, t0.Add(time.Minute))
	}
}

func TestJournalStore_NotFound(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := sqlite.NewJournalStore(db)
	ctx := context.Background()

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, sqlite.ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
	if err := store.EndSession(ctx, "missing", journal.OutcomeTornDown, "", t0); !errors.Is(err, sqlite.ErrNotFound) {
		t.Errorf("EndSession() error = %v, want ErrNotFound", err)
	}
}

func TestJournalStore_SessionsNewestFirst(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := sqlite.NewJournalStore(db)
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		if err := store.StartSession(ctx, journal.Session{ID: id, StartedAt: t0.Add(time.Duration(i) * time.Hour)}); err != nil {
			t.Fatal(err)
		}
	}

	sessions, err := store.Sessions(ctx, 2)
	if err != nil {
		t.Fatalf("Sessions() error = %v", err)
	}
	if len(sessions) != 2 || sessions[0].ID != "c" || sessions[1].ID != "b" {
		t.Errorf("Sessions(2) = %+v, want c then b", sessions)
	}
}

func TestJournalStore_Entries(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	store := sqlite.NewJournalStore(db)
	ctx := context.Background()

	store.StartSession(ctx, journal.Session{ID: "s-1", StartedAt: t0})
	for _, mod := range []string{"physical", "sep"} {
		if err := store.Append(ctx, journal.Entry{SessionID: "s-1", Event: events.ModuleActivated, Module: mod, DurationMs: 3, At: t0}); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	entries, err := store.Entries(ctx, "s-1")
	if err != nil {
		t.Fatalf("Entries() error = %v", err)
	}
	if len(entries) != 2 || entries[0].Module != "physical" || entries[1].Module != "sep" {
		t.Errorf("Entries() = %+v, want physical then sep", entries)
	}
	if entries[0].ID >= entries[1].ID || entries[0].DurationMs != 3 {
		t.Errorf("Entries() = %+v, want increasing IDs and recorded durations", entries)
	}

	// Events must belong to a recorded session.
	if err := store.Append(ctx, journal.Entry{SessionID: "ghost", Event: events.ModuleLoaded, At: t0}); err == nil {
		t.Error("Append() for unknown session should fail")
	}
}

// -----------------------------------------------------------------------------
// Recorder Tests
// -----------------------------------------------------------------------------

func recordedManager(t *testing.T, store *sqlite.JournalStore, failLoad ...string) *lifecycle.Manager {
	t.Helper()
	bus := events.NewBus(zerolog.Nop())
	sqlite.NewRecorder(store, zerolog.Nop()).Subscribe(bus)

	static := modules.NewStatic()
	for _, name := range failLoad {
		static.FailLoad(name, errors.New("not installed"))
	}
	return lifecycle.New(static, lifecycle.Config{
		Logger: zerolog.Nop(),
		Bus:    bus,
		Clock:  clock.NewFake(t0),
		IDs:    idgen.NewSequential("session-"),
	})
}

func TestRecorder_UpAndDown(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	store := sqlite.NewJournalStore(db)
	ctx := context.Background()

	m := recordedManager(t, store, descriptor.Environment)
	s, err := m.Up(ctx, descriptor.DefaultPlan(descriptor.BuiltinCatalog()))
	if err != nil {
		t.Fatalf("Up() error = %v", err)
	}
	if _, err := s.Down(ctx); err != nil {
		t.Fatalf("Down() error = %v", err)
	}

	sess, err := store.Get(ctx, s.ID())
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if sess.Outcome != journal.OutcomeTornDown || len(sess.Plan) != 5 {
		t.Errorf("session = %+v, want torn down five-package plan", sess)
	}

	entries, err := store.Entries(ctx, s.ID())
	if err != nil {
		t.Fatal(err)
	}
	sum := journal.Summarize(s.ID(), entries)
	if len(sum.Absent) != 1 || sum.Absent[0] != descriptor.Environment {
		t.Errorf("Absent = %v, want [esp]", sum.Absent)
	}
	if len(sum.Activated) != 4 || !sum.Symmetric() {
		t.Errorf("summary = %+v, want four packages torn down in reverse", sum)
	}
}

func TestRecorder_FailedBringUp(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	store := sqlite.NewJournalStore(db)
	ctx := context.Background()

	m := recordedManager(t, store, descriptor.Extent)
	if _, err := m.Up(ctx, descriptor.DefaultPlan(descriptor.BuiltinCatalog())); err == nil {
		t.Fatal("Up() without sep should fail")
	}

	sessions, err := store.Sessions(ctx, 1)
	if err != nil || len(sessions) != 1 {
		t.Fatalf("Sessions() = %v, %v", sessions, err)
	}
	if sessions[0].Outcome != journal.OutcomeFailed || sessions[0].Error == "" {
		t.Errorf("session = %+v, want failed with error", sessions[0])
	}

	entries, _ := store.Entries(ctx, sessions[0].ID)
	sum := journal.Summarize(sessions[0].ID, entries)
	if len(sum.Failed) != 1 || sum.Failed[0] != descriptor.Extent {
		t.Errorf("Failed = %v, want [sep]", sum.Failed)
	}
	if !sum.Symmetric() {
		t.Errorf("summary = %+v, want physical rolled back", sum)
	}
}
