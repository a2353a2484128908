// Package journal defines the records of the host's session audit trail.
package journal

import (
	"sort"
	"time"
)

// Outcome is how a session or step ended.
type Outcome string

const (
	OutcomeActive   Outcome = "active"
	OutcomeFailed   Outcome = "failed"
	OutcomeTornDown Outcome = "torn_down"
	OutcomeDegraded Outcome = "degraded" // torn down with destroy failures
)

// Session is one bring-up/teardown cycle.
type Session struct {
	ID        string
	Plan      []string // package names in activation order
	Outcome   Outcome
	Error     string
	StartedAt time.Time
	EndedAt   time.Time // zero while active
}

// Entry is one lifecycle event within a session.
type Entry struct {
	ID         int64
	SessionID  string
	Event      string
	Module     string
	Error      string
	DurationMs int64
	At         time.Time
}

// Summary aggregates a session's entries.
type Summary struct {
	SessionID string
	Activated []string // activation order
	Absent    []string
	Failed    []string
	Destroyed []string // teardown order
	Errors    int
}

// Summarize folds entries into a summary. Entries are processed by ID so
// order fields reflect what was recorded.
// This is a PURE function.
func Summarize(sessionID string, entries []Entry) Summary {
	sorted := append([]Entry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	s := Summary{SessionID: sessionID}
	for _, e := range sorted {
		if e.SessionID != sessionID {
			continue
		}
		if e.Error != "" {
			s.Errors++
		}
		switch e.Event {
		case "module.activated":
			s.Activated = append(s.Activated, e.Module)
		case "module.absent":
			s.Absent = append(s.Absent, e.Module)
		case "module.failed":
			s.Failed = append(s.Failed, e.Module)
		case "module.destroyed":
			s.Destroyed = append(s.Destroyed, e.Module)
		}
	}
	return s
}

// Symmetric reports whether every activated package was destroyed, in
// exact reverse activation order.
// This is a PURE function.
func (s Summary) Symmetric() bool {
	if len(s.Activated) != len(s.Destroyed) {
		return false
	}
	n := len(s.Activated)
	for i := range s.Activated {
		if s.Activated[i] != s.Destroyed[n-1-i] {
			return false
		}
	}
	return true
}
