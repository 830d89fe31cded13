package store

import "context"

// Journal persists the execution history of sessions. Events are append-only
// and returned in the order they were recorded.
type Journal interface {
	// CreateSession registers a new session with status active.
	CreateSession(ctx context.Context, id string) error

	// SetSessionStatus updates the status of a session.
	SetSessionStatus(ctx context.Context, id, status string) error

	// ListSessions returns all sessions, most recently modified first.
	ListSessions(ctx context.Context) ([]SessionInfo, error)

	// Record appends an event to its session. A missing ID or Timestamp is
	// filled in. Returns ErrSessionNotFound for unknown sessions.
	Record(ctx context.Context, e *Event) error

	// Events returns every event of a session in order.
	Events(ctx context.Context, sessionID string) ([]Event, error)

	// EventsAfter returns the events recorded after the event with the given
	// ID. An unknown or empty afterID returns every event.
	EventsAfter(ctx context.Context, sessionID, afterID string) ([]Event, error)

	// Subscribe returns a channel that emits session IDs whenever an event
	// is recorded. Slow subscribers miss notifications rather than block.
	Subscribe() <-chan string

	// Close releases the journal's resources.
	Close() error
}
