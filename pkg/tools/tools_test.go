package tools

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	echo := NewFunc("echo", "returns its first argument", func(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
		return args[0], nil
	})
	require.NoError(t, r.Register(echo))
	for _, c := range FileTools(t.TempDir()) {
		require.NoError(t, r.Register(c))
	}

	assert.Equal(t, []string{"echo", "ls", "read_file", "write_file"}, r.Names())
	assert.Len(t, r.List(), 4)

	got, ok := r.Get("echo")
	require.True(t, ok)
	v, err := got.Call(context.Background(), []any{"hi"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "hi", v)

	_, ok = r.Get("Echo")
	assert.False(t, ok, "lookup is by exact name")

	assert.Error(t, r.Register(echo), "duplicate names are rejected")
	assert.Error(t, r.Register(nil))

	var nilRegistry *Registry
	_, ok = nilRegistry.Get("echo")
	assert.False(t, ok)
	assert.Nil(t, nilRegistry.List())
}

func TestBind(t *testing.T) {
	params := []string{"path", "content"}

	input, err := Bind("write_file", params, []any{"a.txt"}, map[string]any{"content": "x"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"path": "a.txt", "content": "x"}, input)

	_, err = Bind("write_file", params, []any{"a", "b", "c"}, nil)
	assert.ErrorContains(t, err, "takes 2 positional arguments but 3 were given")

	_, err = Bind("write_file", params, []any{"a"}, map[string]any{"path": "b"})
	assert.ErrorContains(t, err, "multiple values for argument 'path'")

	_, err = Bind("write_file", params, nil, map[string]any{"mode": "w"})
	assert.ErrorContains(t, err, "unexpected keyword argument 'mode'")
}

func TestFileTools(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	caps := map[string]Capability{}
	for _, c := range FileTools(root) {
		caps[c.Name()] = c
	}

	res, err := caps["write_file"].Call(ctx, []any{"sub/notes.txt", "hello"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "success", res)

	data, err := os.ReadFile(filepath.Join(root, "sub", "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	res, err = caps["read_file"].Call(ctx, nil, map[string]any{"path": "sub/notes.txt"})
	require.NoError(t, err)
	assert.Equal(t, "hello", res)

	res, err = caps["ls"].Call(ctx, []any{"."}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"sub/"}, res)

	_, err = caps["read_file"].Call(ctx, []any{42}, nil)
	assert.ErrorContains(t, err, "must be a string")

	_, err = caps["read_file"].Call(ctx, []any{"missing.txt"}, nil)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestFileTools_ConfinedToRoot(t *testing.T) {
	root := t.TempDir()
	caps := FileTools(root)

	_, err := caps[2].Call(context.Background(), []any{"../../escape.txt", "x"}, nil)
	require.NoError(t, err)
	_, statErr := os.Stat(filepath.Join(root, "escape.txt"))
	assert.NoError(t, statErr, "parent references are clamped to the root")
}
