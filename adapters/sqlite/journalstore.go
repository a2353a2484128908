package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/pkghost/core/events"
	"github.com/artpar/pkghost/core/lifecycle"
	"github.com/artpar/pkghost/domain/journal"
	"github.com/artpar/pkghost/ports"
)

// JournalStore implements ports.Journal using SQLite.
type JournalStore struct {
	db *DB
}

// NewJournalStore creates a new SQLite journal.
func NewJournalStore(db *DB) *JournalStore {
	return &JournalStore{db: db}
}

// StartSession records a new session.
func (s *JournalStore) StartSession(ctx context.Context, sess journal.Session) error {
	outcome := sess.Outcome
	if outcome == "" {
		outcome = journal.OutcomeActive
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, plan, outcome, error, started_at)
		VALUES (?, ?, ?, ?, ?)
	`, sess.ID, strings.Join(sess.Plan, ","), outcome, sess.Error, sess.StartedAt.UTC())
	return err
}

// EndSession records a session's outcome.
func (s *JournalStore) EndSession(ctx context.Context, id string, outcome journal.Outcome, errMsg string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET outcome = ?, error = ?, ended_at = ?
		WHERE id = ?
	`, outcome, errMsg, at.UTC(), id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Append records one lifecycle event.
func (s *JournalStore) Append(ctx context.Context, e journal.Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_events (session_id, event, module, error, duration_ms, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.SessionID, e.Event, e.Module, e.Error, e.DurationMs, e.At.UTC())
	return err
}

// Get retrieves a session by ID.
func (s *JournalStore) Get(ctx context.Context, id string) (journal.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, plan, outcome, error, started_at, ended_at
		FROM sessions
		WHERE id = ?
	`, id)
	return scanJournalSession(row)
}

// Sessions lists the most recent sessions, newest first.
func (s *JournalStore) Sessions(ctx context.Context, limit int) ([]journal.Session, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, plan, outcome, error, started_at, ended_at
		FROM sessions
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []journal.Session
	for rows.Next() {
		sess, err := scanJournalSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Entries lists a session's events in recording order.
func (s *JournalStore) Entries(ctx context.Context, sessionID string) ([]journal.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, event, module, error, duration_ms, at
		FROM session_events
		WHERE session_id = ?
		ORDER BY id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []journal.Entry
	for rows.Next() {
		var e journal.Entry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Event, &e.Module, &e.Error, &e.DurationMs, &e.At); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJournalSession(row scanner) (journal.Session, error) {
	var sess journal.Session
	var plan string
	var outcome string
	var ended sql.NullTime

	err := row.Scan(&sess.ID, &plan, &outcome, &sess.Error, &sess.StartedAt, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return journal.Session{}, ErrNotFound
	}
	if err != nil {
		return journal.Session{}, err
	}

	if plan != "" {
		sess.Plan = strings.Split(plan, ",")
	}
	sess.Outcome = journal.Outcome(outcome)
	if ended.Valid {
		sess.EndedAt = ended.Time
	}
	return sess, nil
}

// Ensure interface compliance.
var _ ports.Journal = (*JournalStore)(nil)

// =============================================================================
// Event recorder
// =============================================================================

// Recorder writes lifecycle events from a bus into a journal.
type Recorder struct {
	journal ports.Journal
	logger  zerolog.Logger
}

// NewRecorder creates a recorder for j.
func NewRecorder(j ports.Journal, logger zerolog.Logger) *Recorder {
	return &Recorder{
		journal: j,
		logger:  logger.With().Str("component", "journal").Logger(),
	}
}

// Subscribe starts recording session and module events from bus.
func (r *Recorder) Subscribe(bus *events.Bus) {
	bus.Subscribe("session.*", r.onSession)
	bus.Subscribe("module.*", r.onModule)
}

func (r *Recorder) onSession(ctx context.Context, ev events.Event) error {
	switch ev.Name {
	case events.SessionStart:
		plan, _ := ev.Data["plan"].([]string)
		return r.journal.StartSession(ctx, journal.Session{
			ID:        ev.Session,
			Plan:      plan,
			Outcome:   journal.OutcomeActive,
			StartedAt: ev.Time,
		})

	case events.SessionUp:
		return r.append(ctx, ev)

	case events.SessionDown:
		if err := r.append(ctx, ev); err != nil {
			return err
		}
		outcome := journal.OutcomeTornDown
		msg := ""
		if ev.Err != nil {
			msg = ev.Err.Error()
			outcome = journal.OutcomeDegraded
			var bErr *lifecycle.BringUpError
			if errors.As(ev.Err, &bErr) {
				outcome = journal.OutcomeFailed
			}
		}
		if err := r.journal.EndSession(ctx, ev.Session, outcome, msg, ev.Time); err != nil {
			return fmt.Errorf("end session %s: %w", ev.Session, err)
		}
		r.logger.Debug().Str("session", ev.Session).Str("outcome", string(outcome)).Msg("session recorded")
	}
	return nil
}

func (r *Recorder) onModule(ctx context.Context, ev events.Event) error {
	return r.append(ctx, ev)
}

func (r *Recorder) append(ctx context.Context, ev events.Event) error {
	e := journal.Entry{
		SessionID:  ev.Session,
		Event:      ev.Name,
		Module:     ev.Module,
		DurationMs: ev.Duration.Milliseconds(),
		At:         ev.Time,
	}
	if ev.Err != nil {
		e.Error = ev.Err.Error()
	}
	return r.journal.Append(ctx, e)
}
