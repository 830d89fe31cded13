// Package session manages sandbox sessions: one sandbox and one runner per
// session ID.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mariozechner/coding-agent/remoteexec/pkg/runner"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/sandbox"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/statesync"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/store"
)

var (
	// ErrNotFound is returned for unknown or closed session IDs.
	ErrNotFound = errors.New("session not found")
	// ErrManagerClosed is returned by Create after Shutdown.
	ErrManagerClosed = errors.New("session manager closed")
)

// Session is one live sandbox with its runner.
type Session struct {
	id      string
	created time.Time
	runner  *runner.Runner
}

// Info describes a live session.
type Info struct {
	ID            string    `json:"id"`
	Created       time.Time `json:"created"`
	Capabilities  []string  `json:"capabilities"`
	IsFinalAnswer bool      `json:"is_final_answer"`
}

func (s *Session) ID() string             { return s.id }
func (s *Session) Created() time.Time     { return s.created }
func (s *Session) Runner() *runner.Runner { return s.runner }

// Run executes code in the session's sandbox.
func (s *Session) Run(ctx context.Context, code string, state statesync.Bundle) (*runner.Output, error) {
	return s.runner.Run(ctx, code, state)
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	return Info{
		ID:            s.id,
		Created:       s.created,
		Capabilities:  s.runner.Capabilities(),
		IsFinalAnswer: s.runner.IsFinalAnswer(),
	}
}

// Manager creates and tracks sessions. It is safe for concurrent use.
type Manager struct {
	sandboxes sandbox.Manager
	template  runner.Config

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

// NewManager returns a Manager that starts sandboxes with sandboxes and
// configures every runner from template. template.Sandbox is ignored.
func NewManager(sandboxes sandbox.Manager, template runner.Config) *Manager {
	return &Manager{
		sandboxes: sandboxes,
		template:  template,
		sessions:  make(map[string]*Session),
	}
}

// Create starts a sandbox for a new session and sets up its runner.
func (m *Manager) Create(ctx context.Context) (*Session, error) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, ErrManagerClosed
	}

	id := uuid.New().String()
	sb, err := m.sandboxes.Start(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("starting sandbox: %w", err)
	}

	if journal := m.template.Journal; journal != nil {
		if err := journal.CreateSession(ctx, id); err != nil {
			m.stopSandbox(id)
			return nil, fmt.Errorf("creating journal session: %w", err)
		}
	}

	cfg := m.template
	cfg.Sandbox = sb
	r, err := runner.New(ctx, cfg)
	if err != nil {
		m.stopSandbox(id)
		m.endJournal(id)
		return nil, err
	}

	sess := &Session{id: id, created: time.Now(), runner: r}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.stopSandbox(id)
		m.endJournal(id)
		return nil, ErrManagerClosed
	}
	m.sessions[id] = sess
	m.mu.Unlock()

	slog.Info("Session created", "session", id)
	return sess, nil
}

// Get returns a live session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sess, nil
}

// List returns the live sessions, oldest first.
func (m *Manager) List() []Info {
	m.mu.RLock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Info())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].ID < out[j].ID
		}
		return out[i].Created.Before(out[j].Created)
	})
	return out
}

// Close tears down a session. Nothing in its sandbox survives.
func (m *Manager) Close(ctx context.Context, id string) error {
	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	m.endJournal(id)
	if err := m.sandboxes.Stop(ctx, id); err != nil {
		return fmt.Errorf("stopping sandbox for %s: %w", id, err)
	}
	slog.Info("Session closed", "session", id)
	return nil
}

// Shutdown closes every session and refuses new ones.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := m.Close(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) stopSandbox(id string) {
	if err := m.sandboxes.Stop(context.Background(), id); err != nil {
		slog.Warn("Failed to stop sandbox", "session", id, "error", err)
	}
}

func (m *Manager) endJournal(id string) {
	if m.template.Journal == nil {
		return
	}
	if err := m.template.Journal.SetSessionStatus(context.Background(), id, store.SessionStatusEnded); err != nil {
		slog.Warn("Failed to end journal session", "session", id, "error", err)
	}
}
