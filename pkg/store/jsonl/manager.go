// Package jsonl implements store.Journal with one append-only JSONL file per
// session and an index.json holding session metadata.
package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mariozechner/coding-agent/remoteexec/pkg/store"
)

// Manager implements the store.Journal interface using JSONL files.
type Manager struct {
	sessDir   string
	eventChan chan string

	mu      sync.RWMutex
	subs    []chan string
	handles map[string]*os.File
	closed  bool
}

// Verify interface compliance.
var _ store.Journal = (*Manager)(nil)

// Index represents the index.json structure
type Index struct {
	Sessions []SessionMeta `json:"sessions"`
}

type SessionMeta struct {
	ID       string    `json:"id"`
	Path     string    `json:"path"`
	Status   string    `json:"status"`
	Created  time.Time `json:"created"`
	Modified time.Time `json:"modified"`
	Events   int       `json:"events"`
}

// NewManager opens a journal rooted at rootDir, creating it if needed.
func NewManager(rootDir string) (*Manager, error) {
	m := &Manager{
		sessDir:   filepath.Join(rootDir, "sessions"),
		eventChan: make(chan string, 100),
		handles:   make(map[string]*os.File),
	}
	if err := os.MkdirAll(m.sessDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	go m.broadcastLoop()
	return m, nil
}

func (m *Manager) CreateSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, err := m.readIndex()
	if err != nil {
		return err
	}
	for _, s := range idx.Sessions {
		if s.ID == id {
			return fmt.Errorf("session %s already exists", id)
		}
	}

	path := m.sessionPath(id)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create session file: %w", err)
	}
	m.handles[id] = f

	now := time.Now().UTC()
	idx.Sessions = append(idx.Sessions, SessionMeta{
		ID:       id,
		Path:     path,
		Status:   store.SessionStatusActive,
		Created:  now,
		Modified: now,
	})
	return m.writeIndex(idx)
}

func (m *Manager) SetSessionStatus(ctx context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, err := m.readIndex()
	if err != nil {
		return err
	}
	meta := idx.find(id)
	if meta == nil {
		return fmt.Errorf("%w: %s", store.ErrSessionNotFound, id)
	}
	meta.Status = status
	meta.Modified = time.Now().UTC()
	if err := m.writeIndex(idx); err != nil {
		return err
	}

	if status == store.SessionStatusEnded {
		if f, ok := m.handles[id]; ok {
			f.Close()
			delete(m.handles, id)
		}
	}
	return nil
}

func (m *Manager) ListSessions(ctx context.Context) ([]store.SessionInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx, err := m.readIndex()
	if err != nil {
		return nil, err
	}

	infos := make([]store.SessionInfo, 0, len(idx.Sessions))
	for _, meta := range idx.Sessions {
		infos = append(infos, store.SessionInfo{
			ID:       meta.ID,
			Status:   meta.Status,
			Created:  meta.Created,
			Modified: meta.Modified,
			Events:   meta.Events,
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Modified.After(infos[j].Modified)
	})
	return infos, nil
}

func (m *Manager) Record(ctx context.Context, e *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, err := m.readIndex()
	if err != nil {
		return err
	}
	meta := idx.find(e.SessionID)
	if meta == nil {
		return fmt.Errorf("%w: %s", store.ErrSessionNotFound, e.SessionID)
	}

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	f, err := m.handle(e.SessionID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	meta.Events++
	meta.Modified = e.Timestamp
	if err := m.writeIndex(idx); err != nil {
		slog.Error("Failed to update session index", "error", err)
	}

	m.publish(e.SessionID)
	return nil
}

func (m *Manager) Events(ctx context.Context, sessionID string) ([]store.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadEvents(sessionID)
}

func (m *Manager) EventsAfter(ctx context.Context, sessionID, afterID string) ([]store.Event, error) {
	events, err := m.Events(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if afterID == "" {
		return events, nil
	}
	for i, e := range events {
		if e.ID == afterID {
			return events[i+1:], nil
		}
	}
	return events, nil
}

func (m *Manager) Subscribe() <-chan string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan string, 10)
	m.subs = append(m.subs, ch)
	return ch
}

// Close closes open session files and stops notifications.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	var firstErr error
	for id, f := range m.handles {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.handles, id)
	}
	close(m.eventChan)
	return firstErr
}

// --- internal helpers ---

func (m *Manager) sessionPath(id string) string {
	return filepath.Join(m.sessDir, id+".jsonl")
}

// handle returns the append handle for a session. Callers hold m.mu.
func (m *Manager) handle(id string) (*os.File, error) {
	if f, ok := m.handles[id]; ok {
		return f, nil
	}
	f, err := os.OpenFile(m.sessionPath(id), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open session file: %w", err)
	}
	m.handles[id] = f
	return f, nil
}

func (m *Manager) loadEvents(sessionID string) ([]store.Event, error) {
	f, err := os.Open(m.sessionPath(sessionID))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", store.ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []store.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var e store.Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			slog.Warn("Skipping malformed journal line", "session", sessionID, "error", err)
			continue
		}
		events = append(events, e)
	}
	return events, scanner.Err()
}

func (idx *Index) find(id string) *SessionMeta {
	for i := range idx.Sessions {
		if idx.Sessions[i].ID == id {
			return &idx.Sessions[i]
		}
	}
	return nil
}

func (m *Manager) readIndex() (*Index, error) {
	indexPath := filepath.Join(m.sessDir, "index.json")
	data, err := os.ReadFile(indexPath)
	if os.IsNotExist(err) {
		return &Index{}, nil
	}
	if err != nil {
		return nil, err
	}
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("failed to parse session index: %w", err)
	}
	return &idx, nil
}

func (m *Manager) writeIndex(idx *Index) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(m.sessDir, "index.json"), data, 0644)
}

func (m *Manager) broadcastLoop() {
	for id := range m.eventChan {
		m.mu.RLock()
		for _, sub := range m.subs {
			// Non-blocking send
			select {
			case sub <- id:
			default:
			}
		}
		m.mu.RUnlock()
	}
}

// publish queues a notification. Callers hold m.mu.
func (m *Manager) publish(id string) {
	if m.closed {
		return
	}
	select {
	case m.eventChan <- id:
	default:
	}
}
