// Package sqlite implements store.Journal on a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/mariozechner/coding-agent/remoteexec/pkg/store"
)

// Store implements store.Journal using SQLite.
type Store struct {
	db          *sql.DB
	subscribers []chan string
	mu          sync.RWMutex
}

// Verify interface compliance at compile time.
var _ store.Journal = (*Store)(nil)

// New opens (or creates) a SQLite database at the given path and runs migrations.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'active',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		type TEXT NOT NULL,
		code TEXT NOT NULL DEFAULT '',
		capability TEXT NOT NULL DEFAULT '',
		line INTEGER NOT NULL DEFAULT 0,
		keys TEXT NOT NULL DEFAULT '[]',
		output TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		final_answer INTEGER NOT NULL DEFAULT 0,
		timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		seq INTEGER NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_events_session_seq ON events(session_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- sessions ---

func (s *Store) CreateSession(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, status, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		id, store.SessionStatusActive, now, now,
	)
	if err != nil {
		return fmt.Errorf("create session %s: %w", id, err)
	}
	return nil
}

func (s *Store) SetSessionStatus(ctx context.Context, id, status string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status=?, updated_at=? WHERE id=?`,
		status, time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", store.ErrSessionNotFound, id)
	}
	return nil
}

func (s *Store) ListSessions(ctx context.Context) ([]store.SessionInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.status, s.created_at, s.updated_at,
		        (SELECT COUNT(*) FROM events e WHERE e.session_id = s.id)
		 FROM sessions s ORDER BY s.updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var infos []store.SessionInfo
	for rows.Next() {
		var info store.SessionInfo
		if err := rows.Scan(&info.ID, &info.Status, &info.Created, &info.Modified, &info.Events); err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// --- events ---

func (s *Store) Record(ctx context.Context, e *store.Event) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	keys, err := json.Marshal(e.Keys)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id=?`, e.SessionID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", store.ErrSessionNotFound, e.SessionID)
	}
	if err != nil {
		return err
	}

	// Get next sequence number.
	var maxSeq int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM events WHERE session_id=?`, e.SessionID,
	).Scan(&maxSeq); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (id, session_id, type, code, capability, line, keys, output, error, final_answer, timestamp, seq)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, e.Type, e.Code, e.Capability, e.Line, string(keys),
		e.Output, e.Error, e.FinalAnswer, e.Timestamp, maxSeq+1,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at=? WHERE id=?`, e.Timestamp, e.SessionID,
	); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	// Notify subscribers.
	s.notifySubscribers(e.SessionID)
	return nil
}

func (s *Store) Events(ctx context.Context, sessionID string) ([]store.Event, error) {
	return s.EventsAfter(ctx, sessionID, "")
}

func (s *Store) EventsAfter(ctx context.Context, sessionID, afterID string) ([]store.Event, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id=?`, sessionID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, err
	}

	// Find the seq of the afterID entry.
	var afterSeq int
	if afterID != "" {
		err := s.db.QueryRowContext(ctx,
			`SELECT seq FROM events WHERE id=? AND session_id=?`, afterID, sessionID,
		).Scan(&afterSeq)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, type, code, capability, line, keys, output, error, final_answer, timestamp
		 FROM events WHERE session_id=? AND seq > ? ORDER BY seq ASC`,
		sessionID, afterSeq,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.Event
	for rows.Next() {
		var (
			e    store.Event
			keys string
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &e.Code, &e.Capability, &e.Line,
			&keys, &e.Output, &e.Error, &e.FinalAnswer, &e.Timestamp); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(keys), &e.Keys); err != nil {
			return nil, fmt.Errorf("decode keys of event %s: %w", e.ID, err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *Store) Subscribe() <-chan string {
	ch := make(chan string, 64)
	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()
	return ch
}

func (s *Store) notifySubscribers(sessionID string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- sessionID:
		default:
			// Drop if subscriber is not consuming fast enough.
		}
	}
}
