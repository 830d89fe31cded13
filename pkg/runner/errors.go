package runner

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for error classification.
var (
	// ErrConfiguration indicates an invalid or incomplete runner configuration.
	ErrConfiguration = errors.New("configuration error")

	// ErrTooManyHandoffs indicates a run exceeded Config.MaxHandoffs
	// intercepted capability calls.
	ErrTooManyHandoffs = errors.New("too many capability hand-offs")
)

// SetupError is returned by New when the sandbox cannot be prepared.
type SetupError struct {
	// Step names the failed setup phase: "config", "install" or "prelude".
	Step string
	Err  error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("sandbox setup failed (%s): %v", e.Step, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// RemoteExecutionError means submitted code raised inside the sandbox for a
// reason other than a capability call.
type RemoteExecutionError struct {
	// Logs is the stdout of the failed submission.
	Logs      string
	Name      string
	Value     string
	Traceback string
}

func (e *RemoteExecutionError) Error() string {
	var b strings.Builder
	b.WriteString("executing code yielded an error:")
	if e.Logs != "" {
		b.WriteString("\n")
		b.WriteString(e.Logs)
	}
	fmt.Fprintf(&b, "\n%s: %s", e.Name, e.Value)
	if e.Traceback != "" {
		b.WriteString("\n")
		b.WriteString(e.Traceback)
	}
	return b.String()
}

// UnsupportedCallSiteError means an intercepted call is not of the form
// `target = capability(...)` on a single unindented line.
type UnsupportedCallSiteError struct {
	Line   int
	Text   string
	Reason string
}

func (e *UnsupportedCallSiteError) Error() string {
	return fmt.Sprintf("unsupported capability call site at line %d (%s): %q", e.Line, e.Reason, e.Text)
}

// CapabilityError wraps a failure of a locally executed capability.
type CapabilityError struct {
	Name string
	Err  error
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("capability %s failed: %v", e.Name, e.Err)
}

func (e *CapabilityError) Unwrap() error { return e.Err }

// RunError is returned for every failed Run. Logs holds the output gathered
// from all submissions of the run before it failed.
type RunError struct {
	Logs string
	Err  error
}

func (e *RunError) Error() string { return e.Err.Error() }

func (e *RunError) Unwrap() error { return e.Err }
