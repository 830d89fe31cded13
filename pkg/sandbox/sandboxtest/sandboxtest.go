// Package sandboxtest provides an in-memory sandbox.Sandbox for tests.
package sandboxtest

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/mariozechner/coding-agent/remoteexec/pkg/sandbox"
)

// Fake is a scripted sandbox. Every RunCode call is recorded and answered by
// OnRun; WriteFile stores content in Files; RunCommand is answered by
// OnCommand. The zero value answers every call with an empty success.
type Fake struct {
	// SessionID is returned by ID. Defaults to "fake".
	SessionID string
	// OnRun produces the execution for a submitted code string.
	OnRun func(code string) (*sandbox.Execution, error)
	// OnCommand produces the result for a shell command.
	OnCommand func(cmd string) (*sandbox.CommandResult, error)
	// OnWrite, when set, can fail a file write.
	OnWrite func(path string, data []byte) error

	mu       sync.Mutex
	codes    []string
	commands []string
	files    map[string][]byte
	writes   []Write
	closed   bool
}

// Write records one WriteFile call.
type Write struct {
	Path string
	Data []byte
}

var _ sandbox.Sandbox = (*Fake)(nil)

// ID implements sandbox.Sandbox.
func (f *Fake) ID() string {
	if f.SessionID == "" {
		return "fake"
	}
	return f.SessionID
}

// RunCode implements sandbox.Sandbox.
func (f *Fake) RunCode(ctx context.Context, code string) (*sandbox.Execution, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, sandbox.ErrNotRunning
	}
	f.codes = append(f.codes, code)
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.OnRun == nil {
		return &sandbox.Execution{}, nil
	}
	return f.OnRun(code)
}

// WriteFile implements sandbox.Sandbox.
func (f *Fake) WriteFile(ctx context.Context, path string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if f.OnWrite != nil {
		if err := f.OnWrite(path, data); err != nil {
			return err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.files == nil {
		f.files = make(map[string][]byte)
	}
	f.files[path] = data
	f.writes = append(f.writes, Write{Path: path, Data: data})
	return nil
}

// ReadFile implements sandbox.Sandbox.
func (f *Fake) ReadFile(ctx context.Context, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[path]
	if !ok {
		return nil, fmt.Errorf("no such file: %s", path)
	}
	return data, nil
}

// RunCommand implements sandbox.Sandbox.
func (f *Fake) RunCommand(ctx context.Context, cmd string) (*sandbox.CommandResult, error) {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	f.mu.Unlock()

	if f.OnCommand == nil {
		return &sandbox.CommandResult{}, nil
	}
	return f.OnCommand(cmd)
}

// Close implements sandbox.Sandbox.
func (f *Fake) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Codes returns every code string submitted so far, in order.
func (f *Fake) Codes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.codes...)
}

// Commands returns every command run so far, in order.
func (f *Fake) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

// Writes returns every file write so far, in order.
func (f *Fake) Writes() []Write {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Write(nil), f.writes...)
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Manager hands out one Fake per session.
type Manager struct {
	// New builds the fake for a session. Defaults to an empty Fake.
	New func(sessionID string) *Fake
	// StartErr, if set, fails every Start.
	StartErr error

	mu        sync.Mutex
	sandboxes map[string]*Fake
}

var _ sandbox.Manager = (*Manager)(nil)

// Start implements sandbox.Manager.
func (m *Manager) Start(ctx context.Context, sessionID string) (sandbox.Sandbox, error) {
	if m.StartErr != nil {
		return nil, m.StartErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sandboxes == nil {
		m.sandboxes = make(map[string]*Fake)
	}
	if f, ok := m.sandboxes[sessionID]; ok {
		return f, nil
	}
	f := &Fake{}
	if m.New != nil {
		f = m.New(sessionID)
	}
	if f.SessionID == "" {
		f.SessionID = sessionID
	}
	m.sandboxes[sessionID] = f
	return f, nil
}

// Stop implements sandbox.Manager.
func (m *Manager) Stop(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	f, ok := m.sandboxes[sessionID]
	delete(m.sandboxes, sessionID)
	m.mu.Unlock()
	if ok {
		return f.Close(ctx)
	}
	return nil
}

// Close implements sandbox.Manager.
func (m *Manager) Close() error { return nil }

// Get returns the fake started for a session, if any.
func (m *Manager) Get(sessionID string) (*Fake, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.sandboxes[sessionID]
	return f, ok
}
