package store

import (
	"errors"
	"time"
)

// ErrSessionNotFound is returned when an operation names an unknown session.
var ErrSessionNotFound = errors.New("session not found")

// EventType defines the kind of journal event.
type EventType string

const (
	// EventSubmitted records a code action submitted for remote execution.
	EventSubmitted EventType = "submitted"
	// EventStatePushed records a shared-state push.
	EventStatePushed EventType = "state_pushed"
	// EventIntercepted records a capability call reported by the sandbox.
	EventIntercepted EventType = "intercepted"
	// EventResumed records the rewritten code submitted after a hand-off.
	EventResumed EventType = "resumed"
	// EventCompleted records a run that finished normally.
	EventCompleted EventType = "completed"
	// EventFailed records a run that ended with an error.
	EventFailed EventType = "failed"
)

// Session statuses.
const (
	SessionStatusActive = "active"
	SessionStatusEnded  = "ended"
)

// Event is one record in a session's journal. Only the fields relevant to
// Type are set.
type Event struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// Code is the submitted code (submitted, resumed).
	Code string `json:"code,omitempty"`
	// Capability and Line identify an intercepted call.
	Capability string `json:"capability,omitempty"`
	Line       int    `json:"line,omitempty"`
	// Keys lists the pushed state variables (state_pushed).
	Keys []string `json:"keys,omitempty"`
	// Output is the rendered result (completed) or the capability result
	// literal (resumed).
	Output string `json:"output,omitempty"`
	// Error is the failure message (failed).
	Error       string `json:"error,omitempty"`
	FinalAnswer bool   `json:"final_answer,omitempty"`
}

// SessionInfo contains metadata about a journaled session.
type SessionInfo struct {
	ID       string    `json:"id"`
	Status   string    `json:"status"`
	Created  time.Time `json:"created"`
	Modified time.Time `json:"modified"`
	Events   int       `json:"events"`
}
