// Package callstub generates the remote stand-ins for locally executed
// capabilities and decodes the reports they raise.
//
// A stub never runs capability logic. Calling it raises SignalName carrying a
// JSON payload with the capability name, the call arguments and the 1-based
// line of the call site in the submitted code. The remote run stops there and
// the controller picks the call up from the execution error.
package callstub

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mariozechner/coding-agent/remoteexec/pkg/pyrepr"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/sandbox"
)

// SignalName is the Python exception class raised by every stub.
const SignalName = "CapabilityCallInterruption"

var reserved = map[string]bool{
	SignalName:  true,
	"_rx_json":  true,
	"_rx_sys":   true,
	"Tool":      true,
	"json":      true,
	"sys":       true,
	"globals":   true,
	"print":     true,
	"Exception": true,
}

// Report describes one intercepted capability call.
type Report struct {
	Name   string         `json:"name"`
	Args   []any          `json:"args"`
	Kwargs map[string]any `json:"kwargs"`
	// Line is the 1-based line of the call within the submitted code.
	Line int `json:"line"`
}

// InterceptionProtocolError means an interception report could not be acted
// upon: the payload was malformed, the line was out of range, or the named
// capability is unknown.
type InterceptionProtocolError struct {
	Reason string
	Err    error
}

func (e *InterceptionProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("interception protocol error: %s: %v", e.Reason, e.Err)
	}
	return "interception protocol error: " + e.Reason
}

func (e *InterceptionProtocolError) Unwrap() error { return e.Err }

// CheckName reports whether name can be installed as a stub.
func CheckName(name string) error {
	if !pyrepr.IsIdentifier(name) {
		return fmt.Errorf("capability name %q is not a valid identifier", name)
	}
	if reserved[name] {
		return fmt.Errorf("capability name %q is reserved", name)
	}
	return nil
}

// Definitions returns the Python source that defines the signal exception and
// one stub per name. Names are emitted in sorted order.
func Definitions(names []string) (string, error) {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	var b strings.Builder
	b.WriteString("import json as _rx_json\n")
	b.WriteString("import sys as _rx_sys\n\n")
	fmt.Fprintf(&b, "class %s(Exception):\n    pass\n", SignalName)

	seen := make(map[string]bool, len(sorted))
	for _, name := range sorted {
		if err := CheckName(name); err != nil {
			return "", err
		}
		if seen[name] {
			return "", fmt.Errorf("duplicate capability name %q", name)
		}
		seen[name] = true

		fmt.Fprintf(&b, "\ndef %s(*args, **kwargs):\n", name)
		fmt.Fprintf(&b, "    raise %s(_rx_json.dumps({\"name\": %q, \"args\": list(args), \"kwargs\": kwargs, \"line\": _rx_sys._getframe(1).f_lineno}, default=repr))\n",
			SignalName, name)
	}
	return b.String(), nil
}

// FromError inspects a remote execution error. It returns ok=false for
// ordinary errors. For the signal exception it decodes the report; a payload
// that cannot be decoded is an InterceptionProtocolError. Numbers in the
// arguments are kept as json.Number so ints stay ints.
func FromError(e *sandbox.ExecutionError) (*Report, bool, error) {
	if e == nil || e.Name != SignalName {
		return nil, false, nil
	}

	var r Report
	dec := json.NewDecoder(strings.NewReader(strings.TrimSpace(e.Value)))
	dec.UseNumber()
	if err := dec.Decode(&r); err != nil {
		return nil, true, &InterceptionProtocolError{Reason: "malformed report payload", Err: err}
	}
	if r.Name == "" {
		return nil, true, &InterceptionProtocolError{Reason: "report without capability name"}
	}
	if r.Kwargs == nil {
		r.Kwargs = map[string]any{}
	}
	return &r, true, nil
}
