package session

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mariozechner/coding-agent/remoteexec/pkg/runner"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/sandbox"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/sandbox/sandboxtest"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/store"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/store/jsonl"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/tools"
)

func newJournal(t *testing.T) store.Journal {
	t.Helper()
	j, err := jsonl.NewManager(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func textResult(text string) *sandbox.Execution {
	return &sandbox.Execution{Results: []sandbox.Result{{IsMainResult: true, Text: text}}}
}

func TestManager_CreateRunClose(t *testing.T) {
	ctx := context.Background()
	sandboxes := &sandboxtest.Manager{New: func(id string) *sandboxtest.Fake {
		return &sandboxtest.Fake{OnRun: func(code string) (*sandbox.Execution, error) {
			if code == "1 + 1" {
				return textResult("2"), nil
			}
			return &sandbox.Execution{}, nil
		}}
	}}
	journal := newJournal(t)
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(tools.NewFunc("web_search", "", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return nil, nil
	})))

	m := NewManager(sandboxes, runner.Config{Capabilities: reg, Journal: journal})

	sess, err := m.Create(ctx)
	require.NoError(t, err)
	assert.Len(t, sess.ID(), 36)
	assert.Equal(t, sess.ID(), sess.Runner().SessionID(), "runner is bound to the session's sandbox")

	got, err := m.Get(sess.ID())
	require.NoError(t, err)
	assert.Same(t, sess, got)

	infos := m.List()
	require.Len(t, infos, 1)
	assert.Equal(t, []string{"web_search"}, infos[0].Capabilities)

	out, err := sess.Run(ctx, "1 + 1", nil)
	require.NoError(t, err)
	assert.Equal(t, "2", out.Result.Text())

	events, err := journal.Events(ctx, sess.ID())
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, store.EventSubmitted, events[0].Type)

	require.NoError(t, m.Close(ctx, sess.ID()))
	_, err = m.Get(sess.ID())
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, m.Close(ctx, sess.ID()), ErrNotFound)

	_, running := sandboxes.Get(sess.ID())
	assert.False(t, running, "sandbox is stopped on close")

	list, err := journal.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, store.SessionStatusEnded, list[0].Status)
}

func TestManager_StartFails(t *testing.T) {
	m := NewManager(&sandboxtest.Manager{StartErr: errors.New("docker unavailable")}, runner.Config{})
	_, err := m.Create(context.Background())
	assert.ErrorContains(t, err, "docker unavailable")
	assert.Empty(t, m.List())
}

func TestManager_SetupFailsStopsSandbox(t *testing.T) {
	var fake *sandboxtest.Fake
	sandboxes := &sandboxtest.Manager{New: func(id string) *sandboxtest.Fake {
		fake = &sandboxtest.Fake{OnRun: func(string) (*sandbox.Execution, error) {
			return &sandbox.Execution{Error: &sandbox.ExecutionError{Name: "ImportError"}}, nil
		}}
		return fake
	}}
	journal := newJournal(t)
	m := NewManager(sandboxes, runner.Config{Journal: journal})

	_, err := m.Create(context.Background())
	var setupErr *runner.SetupError
	require.ErrorAs(t, err, &setupErr)
	assert.Equal(t, "prelude", setupErr.Step)

	require.NotNil(t, fake)
	assert.True(t, fake.Closed())
	assert.Empty(t, m.List())

	list, err := journal.ListSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, store.SessionStatusEnded, list[0].Status)
}

func TestManager_Shutdown(t *testing.T) {
	ctx := context.Background()
	sandboxes := &sandboxtest.Manager{}
	m := NewManager(sandboxes, runner.Config{})

	a, err := m.Create(ctx)
	require.NoError(t, err)
	b, err := m.Create(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID())

	require.NoError(t, m.Shutdown(ctx))
	assert.Empty(t, m.List())

	_, err = m.Create(ctx)
	assert.ErrorIs(t, err, ErrManagerClosed)
}

func TestManager_ConcurrentSessions(t *testing.T) {
	ctx := context.Background()
	m := NewManager(&sandboxtest.Manager{New: func(id string) *sandboxtest.Fake {
		return &sandboxtest.Fake{OnRun: func(code string) (*sandbox.Execution, error) {
			return textResult(code), nil
		}}
	}}, runner.Config{})

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, err := m.Create(ctx)
			if err != nil {
				errs <- err
				return
			}
			if _, err := sess.Run(ctx, "x", nil); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Len(t, m.List(), n)
}
