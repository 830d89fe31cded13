// Package statesync pushes controller-side variables into a sandbox's global
// namespace.
package statesync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/mariozechner/coding-agent/remoteexec/pkg/pyrepr"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/sandbox"
)

// DefaultPath is where the bundle is staged inside the sandbox.
const DefaultPath = "/home/user/state.json"

// Bundle maps remote variable names to their values.
type Bundle map[string]any

// Clone returns a shallow copy of b.
func (b Bundle) Clone() Bundle {
	out := make(Bundle, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

// SerializationError reports a bundle entry that cannot be transported.
type SerializationError struct {
	Key string
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("cannot transport shared state %q: %v", e.Key, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// Channel stages bundles through a sandbox.
type Channel struct {
	Sandbox sandbox.Sandbox
	// Path is the staging path inside the sandbox.
	Path string
	// AfterLoad is optional code run in the same submission as the loader.
	AfterLoad string
}

// New returns a Channel staging at DefaultPath.
func New(sb sandbox.Sandbox) *Channel {
	return &Channel{Sandbox: sb, Path: DefaultPath}
}

// Push binds every key of bundle as a global in the sandbox. Existing globals
// with the same names are overwritten. The returned lines are the output of
// the loader submission.
func (c *Channel) Push(ctx context.Context, bundle Bundle) ([]string, error) {
	data, err := Encode(bundle)
	if err != nil {
		return nil, err
	}

	path := c.Path
	if path == "" {
		path = DefaultPath
	}
	if err := c.Sandbox.WriteFile(ctx, path, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("staging shared state: %w", err)
	}

	exec, err := c.Sandbox.RunCode(ctx, loader(path, c.AfterLoad))
	if err != nil {
		return nil, fmt.Errorf("loading shared state: %w", err)
	}
	lines := exec.Lines()
	if exec.Error != nil {
		return lines, fmt.Errorf("loading shared state: %w", exec.Error)
	}

	slog.Debug("Pushed shared state", "sandbox", c.Sandbox.ID(), "keys", len(bundle), "bytes", len(data))
	return lines, nil
}

// Encode validates and serializes a bundle. Keys must be Python identifiers
// and values must be JSON encodable. Values load remotely with the same types
// their pyrepr literals have.
func Encode(bundle Bundle) ([]byte, error) {
	keys := make([]string, 0, len(bundle))
	for k := range bundle {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	staged := make(map[string]any, len(bundle))
	for _, k := range keys {
		if !pyrepr.IsIdentifier(k) {
			return nil, &SerializationError{Key: k, Err: fmt.Errorf("not a valid identifier")}
		}
		v, err := pyrepr.JSONValue(bundle[k])
		if err != nil {
			return nil, &SerializationError{Key: k, Err: err}
		}
		if _, err := json.Marshal(v); err != nil {
			return nil, &SerializationError{Key: k, Err: err}
		}
		staged[k] = v
	}

	data, err := json.Marshal(staged)
	if err != nil {
		return nil, &SerializationError{Err: err}
	}
	return data, nil
}

func loader(path, afterLoad string) string {
	quoted, _ := pyrepr.Encode(path)

	var b strings.Builder
	b.WriteString("import json as _rx_json\n")
	b.WriteString("import os as _rx_os\n")
	fmt.Fprintf(&b, "_rx_state_path = %s\n", quoted)
	b.WriteString("with open(_rx_state_path) as _rx_f:\n")
	b.WriteString("    globals().update(_rx_json.load(_rx_f))\n")
	b.WriteString("print(\"Loaded shared state (%d bytes)\" % _rx_os.path.getsize(_rx_state_path))\n")
	if afterLoad != "" {
		b.WriteString(afterLoad)
		if !strings.HasSuffix(afterLoad, "\n") {
			b.WriteByte('\n')
		}
	}
	return b.String()
}
