package sandbox

import (
	"context"
	"errors"
	"io"
	"strings"
)

// ErrNotRunning is returned when an operation targets a sandbox that has
// been closed or whose container is not running.
var ErrNotRunning = errors.New("sandbox not running")

// Execution is the outcome of one remote code submission.
type Execution struct {
	// Logs holds the stdout and stderr lines produced by the run.
	Logs Logs `json:"logs"`
	// Results holds the display artifacts produced by the run.
	Results []Result `json:"results,omitempty"`
	// Error is set when the submitted code raised inside the sandbox.
	Error *ExecutionError `json:"error,omitempty"`
}

// Lines returns stdout followed by stderr.
func (e *Execution) Lines() []string {
	if e == nil {
		return nil
	}
	lines := make([]string, 0, len(e.Logs.Stdout)+len(e.Logs.Stderr))
	lines = append(lines, e.Logs.Stdout...)
	return append(lines, e.Logs.Stderr...)
}

// Stdout joins the stdout lines of the execution.
func (e *Execution) Stdout() string {
	if e == nil {
		return ""
	}
	return strings.Join(e.Logs.Stdout, "\n")
}

// Logs are the captured output streams of an execution.
type Logs struct {
	Stdout []string `json:"stdout,omitempty"`
	Stderr []string `json:"stderr,omitempty"`
}

// ExecutionError describes an exception raised by submitted code.
type ExecutionError struct {
	// Name is the exception type name (e.g. "ValueError").
	Name string `json:"name"`
	// Value is the exception message.
	Value string `json:"value"`
	// Traceback is the formatted traceback.
	Traceback string `json:"traceback"`
}

func (e *ExecutionError) Error() string {
	if e.Value == "" {
		return e.Name
	}
	return e.Name + ": " + e.Value
}

// Result is a single display artifact of an execution. Binary formats
// (png, jpeg) are base64 encoded in transit.
type Result struct {
	IsMainResult bool `json:"is_main_result"`

	Text       string         `json:"text,omitempty"`
	HTML       string         `json:"html,omitempty"`
	Markdown   string         `json:"markdown,omitempty"`
	SVG        string         `json:"svg,omitempty"`
	PNG        string         `json:"png,omitempty"`
	JPEG       string         `json:"jpeg,omitempty"`
	PDF        string         `json:"pdf,omitempty"`
	LaTeX      string         `json:"latex,omitempty"`
	JSON       map[string]any `json:"json,omitempty"`
	JavaScript string         `json:"javascript,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Chart      map[string]any `json:"chart,omitempty"`
}

// CommandResult is the outcome of a shell command run inside the sandbox.
type CommandResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

// Sandbox is an isolated remote execution environment bound to one session.
// Callers must not issue concurrent RunCode calls on the same Sandbox.
type Sandbox interface {
	// ID returns the session ID the sandbox belongs to.
	ID() string

	// RunCode executes code in the sandbox's persistent interpreter. An
	// exception raised by the code is reported in Execution.Error, not as
	// a Go error; the Go error is reserved for transport failures.
	RunCode(ctx context.Context, code string) (*Execution, error)

	// WriteFile stages the contents of r at an absolute path in the sandbox.
	WriteFile(ctx context.Context, path string, r io.Reader) error

	// ReadFile returns the contents of an absolute path in the sandbox.
	ReadFile(ctx context.Context, path string) ([]byte, error)

	// RunCommand runs a shell command in the sandbox and waits for it.
	RunCommand(ctx context.Context, cmd string) (*CommandResult, error)

	// Close releases the sandbox. The environment is disposable; nothing
	// in it survives Close.
	Close(ctx context.Context) error
}

// Manager provisions sandboxes, one per session.
type Manager interface {
	// Start returns a running sandbox for the given session, creating it
	// if needed.
	Start(ctx context.Context, sessionID string) (Sandbox, error)

	// Stop terminates the sandbox for the given session.
	Stop(ctx context.Context, sessionID string) error

	// Close releases any resources held by the manager (e.g. docker client).
	Close() error
}
