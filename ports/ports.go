// Package ports defines interfaces (contracts) between layers.
// These interfaces enable dependency injection and testability.
// Implementations live in adapters/.
package ports

import (
	"context"
	"time"

	"github.com/artpar/pkghost/core/symbol"
	"github.com/artpar/pkghost/domain/journal"
)

// -----------------------------------------------------------------------------
// Infrastructure Ports
// -----------------------------------------------------------------------------

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time

	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the
	// latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

// IDGenerator generates unique identifiers.
type IDGenerator interface {
	New() string
}

// -----------------------------------------------------------------------------
// Module Ports
// -----------------------------------------------------------------------------

// ModuleLoader loads native packages by name.
type ModuleLoader interface {
	// Load loads the named package. All-or-nothing: on error no native
	// value exists and the reference count is unchanged.
	Load(ctx context.Context, name string) (symbol.Native, error)

	// Unload releases a value returned by Load. Unloading a value twice,
	// or one this loader never produced, is an error.
	Unload(native symbol.Native) error

	// Refs returns the number of loaded, not yet unloaded values.
	Refs() int
}

// -----------------------------------------------------------------------------
// Data Store Ports
// -----------------------------------------------------------------------------

// Journal persists the session audit trail.
type Journal interface {
	// StartSession records a new session.
	StartSession(ctx context.Context, s journal.Session) error

	// EndSession records a session's outcome.
	EndSession(ctx context.Context, id string, outcome journal.Outcome, errMsg string, at time.Time) error

	// Append records one lifecycle event.
	Append(ctx context.Context, e journal.Entry) error

	// Sessions lists the most recent sessions, newest first.
	Sessions(ctx context.Context, limit int) ([]journal.Session, error)

	// Entries lists a session's events in recording order.
	Entries(ctx context.Context, sessionID string) ([]journal.Entry, error)
}
