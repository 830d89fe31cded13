package statesync

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mariozechner/coding-agent/remoteexec/pkg/sandbox"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/sandbox/sandboxtest"
)

func TestPush_StagesAndLoads(t *testing.T) {
	fake := &sandboxtest.Fake{
		OnRun: func(code string) (*sandbox.Execution, error) {
			return &sandbox.Execution{Logs: sandbox.Logs{Stdout: []string{"Loaded shared state (23 bytes)"}}}, nil
		},
	}
	ch := New(fake)

	logs, err := ch.Push(context.Background(), Bundle{"city": "Paris", "n": 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"Loaded shared state (23 bytes)"}, logs)

	writes := fake.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, DefaultPath, writes[0].Path)
	var staged map[string]any
	require.NoError(t, json.Unmarshal(writes[0].Data, &staged))
	assert.Equal(t, map[string]any{"city": "Paris", "n": float64(3)}, staged)

	codes := fake.Codes()
	require.Len(t, codes, 1)
	assert.Contains(t, codes[0], `_rx_state_path = "/home/user/state.json"`)
	assert.Contains(t, codes[0], "globals().update(")
	assert.Contains(t, codes[0], "getsize(_rx_state_path)")
}

func TestPush_AfterLoadRunsInSameSubmission(t *testing.T) {
	fake := &sandboxtest.Fake{}
	ch := &Channel{Sandbox: fake, Path: "/tmp/s.json", AfterLoad: "def f(*a):\n    pass"}

	_, err := ch.Push(context.Background(), Bundle{"x": 1})
	require.NoError(t, err)

	codes := fake.Codes()
	require.Len(t, codes, 1)
	assert.Contains(t, codes[0], `"/tmp/s.json"`)
	assert.Contains(t, codes[0], "def f(*a):\n    pass\n")
	assert.Equal(t, "/tmp/s.json", fake.Writes()[0].Path)
}

func TestPush_LastPushWins(t *testing.T) {
	fake := &sandboxtest.Fake{}
	ch := New(fake)
	ctx := context.Background()

	_, err := ch.Push(ctx, Bundle{"answer": 1})
	require.NoError(t, err)
	_, err = ch.Push(ctx, Bundle{"answer": 2})
	require.NoError(t, err)

	writes := fake.Writes()
	require.Len(t, writes, 2)
	data, err := fake.ReadFile(ctx, DefaultPath)
	require.NoError(t, err)
	assert.JSONEq(t, `{"answer": 2}`, string(data))
	assert.Len(t, fake.Codes(), 2)
}

func TestPush_EmptyBundle(t *testing.T) {
	fake := &sandboxtest.Fake{}
	_, err := New(fake).Push(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(fake.Writes()[0].Data))
}

func TestPush_NonTransportableValue(t *testing.T) {
	fake := &sandboxtest.Fake{}
	ch := New(fake)

	for name, bundle := range map[string]Bundle{
		"func":    {"ok": 1, "handler": func() {}},
		"channel": {"c": make(chan int)},
		"nan":     {"x": math.NaN()},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ch.Push(context.Background(), bundle)
			var serr *SerializationError
			require.ErrorAs(t, err, &serr)
			assert.NotEqual(t, "ok", serr.Key)
		})
	}
	assert.Empty(t, fake.Writes(), "nothing is staged on serialization failure")
	assert.Empty(t, fake.Codes())
}

func TestPush_InvalidKey(t *testing.T) {
	fake := &sandboxtest.Fake{}
	_, err := New(fake).Push(context.Background(), Bundle{"not-an-identifier": 1})
	var serr *SerializationError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "not-an-identifier", serr.Key)
	assert.Empty(t, fake.Writes())
}

func TestPush_StagingFailure(t *testing.T) {
	fake := &sandboxtest.Fake{
		OnWrite: func(string, []byte) error { return errors.New("disk full") },
	}
	_, err := New(fake).Push(context.Background(), Bundle{"x": 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Empty(t, fake.Codes())
}

func TestPush_LoaderRaises(t *testing.T) {
	fake := &sandboxtest.Fake{
		OnRun: func(string) (*sandbox.Execution, error) {
			return &sandbox.Execution{
				Logs:  sandbox.Logs{Stderr: []string{"oops"}},
				Error: &sandbox.ExecutionError{Name: "FileNotFoundError", Value: "state.json"},
			}, nil
		},
	}
	logs, err := New(fake).Push(context.Background(), Bundle{"x": 1})
	require.Error(t, err)
	assert.Equal(t, []string{"oops"}, logs)

	var execErr *sandbox.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "FileNotFoundError", execErr.Name)
}

func TestPush_WholeFloatsStayFloats(t *testing.T) {
	fake := &sandboxtest.Fake{}
	ch := New(fake)

	_, err := ch.Push(context.Background(), Bundle{"ratio": float64(2), "count": 2})
	require.NoError(t, err)

	writes := fake.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, `{"count":2,"ratio":2.0}`, string(writes[0].Data))
}
