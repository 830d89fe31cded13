package runner

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mariozechner/coding-agent/remoteexec/pkg/callstub"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/result"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/sandbox"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/sandbox/sandboxtest"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/statesync"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/store"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/store/jsonl"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/tools"
)

// scriptedSandbox answers code actions from a script. Setup and state-loader
// submissions are recognized and answered with an empty success.
type scriptedSandbox struct {
	*sandboxtest.Fake

	mu      sync.Mutex
	steps   []func(code string) *sandbox.Execution
	actions []string
	loads   []string
}

func newScripted(steps ...func(code string) *sandbox.Execution) *scriptedSandbox {
	s := &scriptedSandbox{steps: steps}
	s.Fake = &sandboxtest.Fake{OnRun: s.answer}
	return s
}

func (s *scriptedSandbox) answer(code string) (*sandbox.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case strings.Contains(code, "class Tool:"):
		return &sandbox.Execution{}, nil
	case strings.Contains(code, "globals().update("):
		s.loads = append(s.loads, code)
		return &sandbox.Execution{Logs: sandbox.Logs{Stdout: []string{"Loaded shared state"}}}, nil
	}

	s.actions = append(s.actions, code)
	i := len(s.actions) - 1
	if i >= len(s.steps) {
		return nil, errors.New("unexpected submission")
	}
	return s.steps[i](code), nil
}

// Actions returns the code actions submitted, excluding setup and loaders.
func (s *scriptedSandbox) Actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.actions...)
}

func (s *scriptedSandbox) Loads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.loads)
}

func intercepted(name string, line int, args ...any) func(string) *sandbox.Execution {
	return func(string) *sandbox.Execution {
		payload, _ := json.Marshal(map[string]any{"name": name, "args": args, "kwargs": map[string]any{}, "line": line})
		return &sandbox.Execution{Error: &sandbox.ExecutionError{Name: callstub.SignalName, Value: string(payload)}}
	}
}

func completed(stdout string, results ...sandbox.Result) func(string) *sandbox.Execution {
	return func(string) *sandbox.Execution {
		exec := &sandbox.Execution{Results: results}
		if stdout != "" {
			exec.Logs.Stdout = []string{stdout}
		}
		return exec
	}
}

func mainText(s string) sandbox.Result {
	return sandbox.Result{IsMainResult: true, Text: s}
}

// recordingCapability records its calls and returns a fixed value.
type recordingCapability struct {
	name  string
	value any
	err   error

	mu    sync.Mutex
	calls [][]any
}

func (c *recordingCapability) Name() string        { return c.name }
func (c *recordingCapability) Description() string { return "test capability" }

func (c *recordingCapability) Call(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, args)
	return c.value, c.err
}

func (c *recordingCapability) Calls() [][]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]any(nil), c.calls...)
}

func newRunner(t *testing.T, sb sandbox.Sandbox, caps ...tools.Capability) *Runner {
	t.Helper()
	reg := tools.NewRegistry()
	for _, c := range caps {
		require.NoError(t, reg.Register(c))
	}
	r, err := New(context.Background(), Config{Sandbox: sb, Capabilities: reg})
	require.NoError(t, err)
	return r
}

func TestRun_NoCapabilityCall(t *testing.T) {
	sb := newScripted(completed("hello", mainText("3")))
	r := newRunner(t, sb)

	out, err := r.Run(context.Background(), "print('hello')\n1 + 2", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"print('hello')\n1 + 2"}, sb.Actions(), "one submission, no rewriting")
	assert.Equal(t, 0, sb.Loads())
	require.NotNil(t, out.Result)
	assert.Equal(t, result.KindText, out.Result.Kind)
	assert.Equal(t, "3", out.Result.Value)
	assert.Equal(t, "hello", out.Logs)
	assert.False(t, out.IsFinalAnswer)
}

func TestRun_SingleHandoff(t *testing.T) {
	search := &recordingCapability{name: "web_search", value: "Paris is sunny"}
	sb := newScripted(
		intercepted("web_search", 2, "weather in Paris", 3),
		completed("Paris is sunny", mainText("done")),
	)
	r := newRunner(t, sb, search)

	code := "city = 'Paris'\nreport = web_search('weather in Paris', 3)\nprint(report)\nfinal_answer(report)"
	out, err := r.Run(context.Background(), code, nil)
	require.NoError(t, err)

	actions := sb.Actions()
	require.Len(t, actions, 2, "submit, intercept, resubmit")
	assert.Equal(t, code, actions[0])
	assert.Equal(t, "report = \"Paris is sunny\"\nprint(report)\nfinal_answer(report)", actions[1])

	assert.Equal(t, [][]any{{"weather in Paris", json.Number("3")}}, search.Calls(), "ints reach the capability as ints")
	assert.Equal(t, 1, sb.Loads())
	assert.Equal(t, statesync.Bundle{"web_search": "Paris is sunny"}, r.State())

	assert.True(t, out.IsFinalAnswer)
	assert.Equal(t, "done", out.Result.Value)
	assert.Equal(t, "Loaded shared state\nParis is sunny", out.Logs)
}

func TestRun_HandoffLiteralMatchesStagedState(t *testing.T) {
	search := &recordingCapability{name: "web_search", value: map[string]any{"ratio": float64(2), "count": 3}}
	sb := newScripted(
		intercepted("web_search", 1),
		completed(""),
	)
	r := newRunner(t, sb, search)

	_, err := r.Run(context.Background(), "x = web_search()\nprint(x)", nil)
	require.NoError(t, err)

	actions := sb.Actions()
	require.Len(t, actions, 2)
	assert.Equal(t, "x = {\"count\": 3, \"ratio\": 2.0}\nprint(x)", actions[1])

	writes := sb.Writes()
	require.Len(t, writes, 1)
	assert.JSONEq(t, `{"web_search": {"count": 3, "ratio": 2.0}}`, string(writes[0].Data))
	assert.Contains(t, string(writes[0].Data), `"ratio":2.0`, "whole floats stay floats remotely")
	assert.Contains(t, string(writes[0].Data), `"count":3`)
}

func TestRun_HandoffRebindsStubsAfterPush(t *testing.T) {
	search := &recordingCapability{name: "web_search", value: "r"}
	sb := newScripted(intercepted("web_search", 1), completed(""))
	r := newRunner(t, sb, search)

	_, err := r.Run(context.Background(), "x = web_search()", nil)
	require.NoError(t, err)

	var loader string
	for _, code := range sb.Codes() {
		if strings.Contains(code, "globals().update(") {
			loader = code
		}
	}
	require.NotEmpty(t, loader)
	assert.Greater(t, strings.Index(loader, "def web_search("), strings.Index(loader, "globals().update("))
}

func TestRun_MultipleHandoffs(t *testing.T) {
	search := &recordingCapability{name: "web_search", value: []any{"a", "b"}}
	expert := &recordingCapability{name: "ask_expert", value: map[string]any{"answer": 42}}
	sb := newScripted(
		intercepted("web_search", 1, "q"),
		intercepted("ask_expert", 3, "why"),
		completed("", mainText("ok")),
	)
	r := newRunner(t, sb, search, expert)

	code := "hits = web_search('q')\nn = len(hits)\nreply = ask_expert('why')\nprint(reply)"
	out, err := r.Run(context.Background(), code, nil)
	require.NoError(t, err)

	actions := sb.Actions()
	require.Len(t, actions, 3)
	assert.Equal(t, "hits = [\"a\", \"b\"]\nn = len(hits)\nreply = ask_expert('why')\nprint(reply)", actions[1])
	assert.Equal(t, "reply = {\"answer\": 42}\nprint(reply)", actions[2])
	assert.Equal(t, "ok", out.Result.Value)
	assert.Equal(t, 2, sb.Loads())
	assert.Equal(t, statesync.Bundle{"web_search": []any{"a", "b"}, "ask_expert": map[string]any{"answer": 42}}, r.State())
}

func TestRun_InterceptLineOutOfRange(t *testing.T) {
	for _, line := range []int{0, -1, 4} {
		search := &recordingCapability{name: "web_search", value: "x"}
		sb := newScripted(intercepted("web_search", line))
		r := newRunner(t, sb, search)

		_, err := r.Run(context.Background(), "a = 1\nx = web_search()\nprint(x)", nil)

		var protoErr *callstub.InterceptionProtocolError
		require.ErrorAs(t, err, &protoErr, "line %d", line)
		assert.Len(t, sb.Actions(), 1, "no resubmission for line %d", line)
		assert.Empty(t, search.Calls())
		assert.Equal(t, 0, sb.Loads())
	}
}

func TestRun_UnsupportedCallSites(t *testing.T) {
	tests := []struct {
		name string
		code string
		line int
	}{
		{"no assignment", "web_search('q')", 1},
		{"inline argument", "print(web_search('q'))", 1},
		{"indented", "if True:\n    x = web_search('q')", 2},
		{"multi-line call", "x = web_search(\n    'q')", 1},
		{"two calls", "x = web_search('a') + web_search('b')", 1},
		{"augmented assignment", "x += web_search('q')", 1},
		{"wrapped in call", "x = len(web_search('q'))", 1},
		{"trailing operator", "x = web_search('q') + 1", 1},
		{"method chain", "x = web_search('q').upper()", 1},
		{"statement after semicolon", "x = web_search('q'); print('side effect')", 1},
		{"chained assignment", "x = y = web_search('q')", 1},
		{"conditional expression", "x = web_search('q') if flag else None", 1},
		{"comprehension", "x = [web_search(q) for q in ['a']]", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			search := &recordingCapability{name: "web_search", value: "x"}
			sb := newScripted(intercepted("web_search", tt.line))
			r := newRunner(t, sb, search)

			_, err := r.Run(context.Background(), tt.code, nil)
			var siteErr *UnsupportedCallSiteError
			require.ErrorAs(t, err, &siteErr)
			assert.Equal(t, tt.line, siteErr.Line)
			assert.Empty(t, search.Calls())
			assert.Len(t, sb.Actions(), 1)
		})
	}
}

func TestRun_UnknownCapability(t *testing.T) {
	sb := newScripted(intercepted("ghost", 1))
	r := newRunner(t, sb, &recordingCapability{name: "web_search"})

	_, err := r.Run(context.Background(), "x = ghost()", nil)
	var protoErr *callstub.InterceptionProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Contains(t, err.Error(), "ghost")
}

func TestRun_CapabilityFails(t *testing.T) {
	boom := errors.New("quota exceeded")
	search := &recordingCapability{name: "web_search", err: boom}
	sb := newScripted(intercepted("web_search", 1))
	r := newRunner(t, sb, search)

	_, err := r.Run(context.Background(), "x = web_search()", nil)
	var capErr *CapabilityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, "web_search", capErr.Name)
	assert.ErrorIs(t, err, boom)
}

func TestRun_CapabilityResultNotTransportable(t *testing.T) {
	search := &recordingCapability{name: "web_search", value: func() {}}
	sb := newScripted(intercepted("web_search", 1))
	r := newRunner(t, sb, search)

	_, err := r.Run(context.Background(), "x = web_search()", nil)
	var serr *statesync.SerializationError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "web_search", serr.Key)
	assert.Len(t, sb.Actions(), 1)
}

func TestRun_RemoteError(t *testing.T) {
	sb := newScripted(func(string) *sandbox.Execution {
		return &sandbox.Execution{
			Logs: sandbox.Logs{Stdout: []string{"step 1"}},
			Error: &sandbox.ExecutionError{
				Name:      "ZeroDivisionError",
				Value:     "division by zero",
				Traceback: "Traceback ...",
			},
		}
	})
	r := newRunner(t, sb)

	_, err := r.Run(context.Background(), "print('step 1')\n1/0", nil)

	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, "step 1", runErr.Logs)

	var remoteErr *RemoteExecutionError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, "ZeroDivisionError", remoteErr.Name)
	assert.Equal(t, "division by zero", remoteErr.Value)
	assert.Equal(t, "step 1", remoteErr.Logs)
	assert.Contains(t, err.Error(), "Traceback ...")
}

func TestRun_TransportError(t *testing.T) {
	sb := &sandboxtest.Fake{}
	r := newRunner(t, sb)
	require.NoError(t, sb.Close(context.Background()))

	_, err := r.Run(context.Background(), "1", nil)
	require.ErrorIs(t, err, sandbox.ErrNotRunning)
}

func TestRun_NoResult(t *testing.T) {
	sb := newScripted(completed("side effect"))
	r := newRunner(t, sb)

	out, err := r.Run(context.Background(), "print('side effect')", nil)
	require.NoError(t, err)
	assert.Nil(t, out.Result)
	assert.Equal(t, "side effect", out.Logs)
}

func TestRun_FinalAnswerRequiresResult(t *testing.T) {
	sb := newScripted(completed("", sandbox.Result{Text: "secondary only"}))
	r := newRunner(t, sb)

	_, err := r.Run(context.Background(), "final_answer(x)", nil)
	var missing *result.MissingFinalResultError
	require.ErrorAs(t, err, &missing)
	assert.True(t, r.IsFinalAnswer())
}

func TestRun_FinalAnswerIsMonotonic(t *testing.T) {
	sb := newScripted(
		completed("", mainText("a")),
		completed("", mainText("b")),
	)
	r := newRunner(t, sb)
	ctx := context.Background()

	out, err := r.Run(ctx, "final_answer('a')", nil)
	require.NoError(t, err)
	assert.True(t, out.IsFinalAnswer)

	out, err = r.Run(ctx, "'b'", nil)
	require.NoError(t, err)
	assert.True(t, out.IsFinalAnswer, "final-answer mode stays on for the session")
}

func TestRun_FinalAnswerCallMustHaveParens(t *testing.T) {
	sb := newScripted(completed("", mainText("a")))
	r := newRunner(t, sb)

	out, err := r.Run(context.Background(), "f = final_answer", nil)
	require.NoError(t, err)
	assert.False(t, out.IsFinalAnswer)
}

func TestRun_PushesStateFirst(t *testing.T) {
	sb := newScripted(completed("", mainText("ok")))
	r := newRunner(t, sb)

	_, err := r.Run(context.Background(), "print(city)", statesync.Bundle{"city": "Paris"})
	require.NoError(t, err)

	codes := sb.Codes()
	require.Len(t, codes, 3, "prelude, loader, code")
	assert.Contains(t, codes[1], "globals().update(")
	assert.Equal(t, "print(city)", codes[2])

	writes := sb.Writes()
	require.Len(t, writes, 1)
	assert.JSONEq(t, `{"city": "Paris"}`, string(writes[0].Data))
}

func TestRun_StateIsFullyRepushed(t *testing.T) {
	search := &recordingCapability{name: "web_search", value: "r"}
	sb := newScripted(intercepted("web_search", 1), completed(""))
	r := newRunner(t, sb, search)

	_, err := r.Run(context.Background(), "x = web_search()", statesync.Bundle{"city": "Paris"})
	require.NoError(t, err)

	writes := sb.Writes()
	require.Len(t, writes, 2)
	assert.JSONEq(t, `{"city": "Paris"}`, string(writes[0].Data))
	assert.JSONEq(t, `{"city": "Paris", "web_search": "r"}`, string(writes[1].Data))
}

func TestRun_NonTransportableState(t *testing.T) {
	sb := newScripted(completed(""))
	r := newRunner(t, sb)

	_, err := r.Run(context.Background(), "1", statesync.Bundle{"conn": make(chan int)})
	var serr *statesync.SerializationError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "conn", serr.Key)
	assert.Empty(t, sb.Actions())
	assert.Empty(t, r.State(), "failed pushes leave the session state untouched")
}

func TestRun_TooManyHandoffs(t *testing.T) {
	search := &recordingCapability{name: "web_search", value: 1}
	sb := newScripted(
		intercepted("web_search", 1),
		intercepted("web_search", 2),
		intercepted("web_search", 2),
	)
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(search))
	r, err := New(context.Background(), Config{Sandbox: sb, Capabilities: reg, MaxHandoffs: 2})
	require.NoError(t, err)

	_, err = r.Run(context.Background(), "a = web_search()\nb = web_search()\nc = web_search()", nil)
	require.ErrorIs(t, err, ErrTooManyHandoffs)
	assert.Len(t, search.Calls(), 2)
}

func TestRun_CancelledContext(t *testing.T) {
	sb := newScripted(completed(""))
	r := newRunner(t, sb)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Run(ctx, "1", nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, sb.Actions())
}

func TestRun_Journal(t *testing.T) {
	journal, err := jsonl.NewManager(t.TempDir())
	require.NoError(t, err)
	defer journal.Close()
	ctx := context.Background()

	search := &recordingCapability{name: "web_search", value: "r"}
	sb := newScripted(intercepted("web_search", 1), completed("", mainText("ok")))
	require.NoError(t, journal.CreateSession(ctx, sb.ID()))

	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(search))
	r, err := New(ctx, Config{Sandbox: sb, Capabilities: reg, Journal: journal})
	require.NoError(t, err)

	_, err = r.Run(ctx, "x = web_search()\nx", nil)
	require.NoError(t, err)

	events, err := journal.Events(ctx, sb.ID())
	require.NoError(t, err)
	var types []store.EventType
	for _, e := range events {
		types = append(types, e.Type)
	}
	assert.Equal(t, []store.EventType{
		store.EventSubmitted,
		store.EventIntercepted,
		store.EventStatePushed,
		store.EventResumed,
		store.EventCompleted,
	}, types)
	assert.Equal(t, "x = \"r\"\nx", events[3].Code)
	assert.Equal(t, "ok", events[4].Output)
}

func TestRun_Serialized(t *testing.T) {
	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	fake := &sandboxtest.Fake{OnRun: func(code string) (*sandbox.Execution, error) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		defer func() {
			mu.Lock()
			inFlight--
			mu.Unlock()
		}()
		return &sandbox.Execution{}, nil
	}}
	r := newRunner(t, fake)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Run(context.Background(), "1", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxInFlight)
}
