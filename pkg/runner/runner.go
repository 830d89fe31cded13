// Package runner executes code in a sandbox and resolves capability calls on
// the controller.
//
// A Run submits code and loops. When the code reaches a capability stub the
// sandbox stops with an interception report; the runner calls the capability
// locally, pushes the result into the shared state, replaces the call line
// with `target = <literal>` and submits the rest of the code. When the code
// completes the main result is extracted.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mariozechner/coding-agent/remoteexec/pkg/callstub"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/result"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/sandbox"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/statesync"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/store"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/tools"
)

const (
	// DefaultFinalAnswerCall is the function whose call marks a final answer.
	DefaultFinalAnswerCall = "final_answer"
	// DefaultMaxHandoffs bounds the capability calls resolved in one Run.
	DefaultMaxHandoffs = 64
)

// Config configures a Runner.
type Config struct {
	// Sandbox is the remote environment. Required.
	Sandbox sandbox.Sandbox
	// Capabilities are executed locally when sandboxed code calls them.
	Capabilities *tools.Registry
	// Tools are defined inside the sandbox during setup.
	Tools []tools.Source
	// AdditionalImports are packages pip-installed during setup.
	AdditionalImports []string
	// FinalAnswerCall names the terminal function. Defaults to
	// DefaultFinalAnswerCall.
	FinalAnswerCall string
	// StatePath is the sandbox path used to stage shared state.
	StatePath string
	// MaxHandoffs bounds hand-offs per Run. Zero means DefaultMaxHandoffs.
	MaxHandoffs int
	// Journal, if set, receives an event for every step of every Run.
	Journal store.Journal
}

// Output is the outcome of a successful Run.
type Output struct {
	// Result is nil when the code produced no main result.
	Result *result.Output `json:"result"`
	// Logs is the output of every submission made by the run.
	Logs          string `json:"logs"`
	IsFinalAnswer bool   `json:"is_final_answer"`
}

// Runner owns one sandbox session. Runs are serialized.
type Runner struct {
	sb           sandbox.Sandbox
	capabilities *tools.Registry
	names        []string
	channel      *statesync.Channel
	finishCall   *regexp.Regexp
	maxHandoffs  int
	journal      store.Journal

	mu    sync.Mutex
	state statesync.Bundle

	finalAnswer atomic.Bool
}

// New validates cfg, installs packages and evaluates the setup prelude in the
// sandbox. Every failure is a *SetupError.
func New(ctx context.Context, cfg Config) (*Runner, error) {
	if err := cfg.validate(); err != nil {
		return nil, &SetupError{Step: "config", Err: err}
	}
	if cfg.FinalAnswerCall == "" {
		cfg.FinalAnswerCall = DefaultFinalAnswerCall
	}
	if cfg.MaxHandoffs == 0 {
		cfg.MaxHandoffs = DefaultMaxHandoffs
	}

	names := cfg.Capabilities.Names()
	stubs, err := callstub.Definitions(names)
	if err != nil {
		return nil, &SetupError{Step: "config", Err: fmt.Errorf("%w: %v", ErrConfiguration, err)}
	}

	channel := statesync.New(cfg.Sandbox)
	if cfg.StatePath != "" {
		channel.Path = cfg.StatePath
	}
	// Re-bind the stubs after every push so state keys named after a
	// capability cannot shadow it.
	channel.AfterLoad = stubs

	r := &Runner{
		sb:           cfg.Sandbox,
		capabilities: cfg.Capabilities,
		names:        names,
		channel:      channel,
		finishCall:   regexp.MustCompile(regexp.QuoteMeta(cfg.FinalAnswerCall) + `\((.*?)\)`),
		maxHandoffs:  cfg.MaxHandoffs,
		journal:      cfg.Journal,
		state:        statesync.Bundle{},
	}

	if err := r.install(ctx, cfg.AdditionalImports); err != nil {
		return nil, &SetupError{Step: "install", Err: err}
	}

	exec, err := r.sb.RunCode(ctx, prelude(cfg.Tools, stubs))
	if err != nil {
		return nil, &SetupError{Step: "prelude", Err: err}
	}
	if exec.Error != nil {
		return nil, &SetupError{Step: "prelude", Err: exec.Error}
	}

	slog.Info("Sandbox ready", "sandbox", r.sb.ID(), "capabilities", names, "tools", len(cfg.Tools))
	return r, nil
}

// SessionID returns the ID of the sandbox session.
func (r *Runner) SessionID() string { return r.sb.ID() }

// Capabilities returns the names of the locally executed capabilities.
func (r *Runner) Capabilities() []string {
	return append([]string(nil), r.names...)
}

// IsFinalAnswer reports whether any submitted code has called the final
// answer function. Once set it stays set.
func (r *Runner) IsFinalAnswer() bool { return r.finalAnswer.Load() }

// State returns a copy of the shared state last pushed to the sandbox.
func (r *Runner) State() statesync.Bundle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Clone()
}

// Run executes code. Entries of state are merged into the session's shared
// state and pushed before the code runs. Every failure is a *RunError whose
// Err is one of the package's error types or a sandbox transport error.
func (r *Runner) Run(ctx context.Context, code string, state statesync.Bundle) (*Output, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rs := &runState{runner: r}
	out, err := rs.run(ctx, code, state)
	logs := strings.Join(rs.logs, "\n")
	if err != nil {
		r.record(ctx, &store.Event{Type: store.EventFailed, Error: err.Error(), FinalAnswer: r.IsFinalAnswer()})
		return nil, &RunError{Logs: logs, Err: err}
	}

	out.Logs = logs
	r.record(ctx, &store.Event{Type: store.EventCompleted, Output: out.Result.Text(), FinalAnswer: out.IsFinalAnswer})
	return out, nil
}

// push merges entries into the session state and pushes all of it.
func (r *Runner) push(ctx context.Context, entries statesync.Bundle) ([]string, error) {
	next := r.state.Clone()
	for k, v := range entries {
		next[k] = v
	}

	lines, err := r.channel.Push(ctx, next)
	if err != nil {
		return lines, err
	}
	r.state = next

	keys := make([]string, 0, len(next))
	for k := range next {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	r.record(ctx, &store.Event{Type: store.EventStatePushed, Keys: keys})
	return lines, nil
}

// record appends an event to the journal. Journal failures never fail a run.
func (r *Runner) record(ctx context.Context, e *store.Event) {
	if r.journal == nil {
		return
	}
	e.SessionID = r.sb.ID()
	if err := r.journal.Record(context.WithoutCancel(ctx), e); err != nil {
		slog.Warn("Failed to record journal event", "session", e.SessionID, "type", e.Type, "error", err)
	}
}
