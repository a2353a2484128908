// Package events carries lifecycle notifications from the composition host
// to observers such as metrics and the session journal.
package events

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Lifecycle event names.
const (
	ModuleLoaded    = "module.loaded"
	ModuleAbsent    = "module.absent"
	ModuleActivated = "module.activated"
	ModuleFailed    = "module.failed"
	ModuleDestroyed = "module.destroyed"
	SessionStart    = "session.start"
	SessionUp       = "session.up"
	SessionDown     = "session.down"
	ConfigReloaded  = "config.reloaded"
)

// Event is one lifecycle notification.
type Event struct {
	// Name is the event name (e.g. "module.activated").
	Name string

	// Session is the ID of the composition session, if any.
	Session string

	// Module is the package the event concerns; empty for session events.
	Module string

	// Err is the failure for module.failed, module.absent and failed
	// module.destroyed events.
	Err error

	// Duration is the step duration where one applies (bring-up, destroy).
	Duration time.Duration

	// Time is when the event happened.
	Time time.Time

	// Data carries event-specific details.
	Data map[string]any
}

// Handler processes an event.
type Handler func(ctx context.Context, event Event) error

// Bus is a synchronous publish/subscribe bus.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   zerolog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[string][]Handler),
		logger:   logger,
	}
}

// Subscribe registers a handler. Patterns:
//   - "module.activated" - exact match
//   - "module.*" - every module event
//   - "*" - every event
func (b *Bus) Subscribe(pattern string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[pattern] = append(b.handlers[pattern], handler)
}

// Publish calls every matching handler in registration order, exact
// matches first. Handler errors are logged and never stop delivery.
// Handlers run after the bus lock is released, so they may subscribe.
func (b *Bus) Publish(ctx context.Context, event Event) {
	if b == nil {
		return
	}

	matched := b.match(event.Name)

	b.logger.Debug().
		Str("event", event.Name).
		Str("session", event.Session).
		Str("module", event.Module).
		Int("handlers", len(matched)).
		Msg("event published")

	for _, h := range matched {
		if err := h(ctx, event); err != nil {
			b.logger.Error().
				Err(err).
				Str("event", event.Name).
				Str("module", event.Module).
				Msg("event handler error")
		}
	}
}

// HasSubscribers reports whether any handler matches name.
func (b *Bus) HasSubscribers(name string) bool {
	return len(b.match(name)) > 0
}

func (b *Bus) match(name string) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var matched []Handler
	matched = append(matched, b.handlers[name]...)
	if prefix, _, ok := strings.Cut(name, "."); ok {
		matched = append(matched, b.handlers[prefix+".*"]...)
	}
	matched = append(matched, b.handlers["*"]...)
	return matched
}
