package tools

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileTools returns the ls, read_file and write_file capabilities confined to
// root. An empty root means the process working directory.
func FileTools(root string) []Capability {
	fs := fsRoot(root)
	return []Capability{
		FromTool(&ListFilesTool{root: fs}),
		FromTool(&ReadFileTool{root: fs}),
		FromTool(&WriteFileTool{root: fs}),
	}
}

type fsRoot string

// resolve maps a caller path into the root, rejecting paths that escape it.
func (r fsRoot) resolve(path string) (string, error) {
	base := string(r)
	if base == "" {
		base = "."
	}
	base, err := filepath.Abs(base)
	if err != nil {
		return "", err
	}
	full := filepath.Join(base, filepath.Clean("/"+path))
	if full != base && !strings.HasPrefix(full, base+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes %s", path, base)
	}
	return full, nil
}

func stringArg(input map[string]any, name string) (string, error) {
	v, ok := input[name].(string)
	if !ok {
		return "", fmt.Errorf("argument '%s' is required and must be a string", name)
	}
	return v, nil
}

// --- List Files Tool ---

type ListFilesTool struct{ root fsRoot }

func (t *ListFilesTool) Name() string { return "ls" }

func (t *ListFilesTool) Description() string {
	return "List files in a directory. Arguments: path (string)."
}

func (t *ListFilesTool) Parameters() []string { return []string{"path"} }

func (t *ListFilesTool) Execute(ctx context.Context, input map[string]any) (any, error) {
	path, err := stringArg(input, "path")
	if err != nil {
		return nil, err
	}
	full, err := t.root.resolve(path)
	if err != nil {
		return nil, err
	}

	slog.Info("Listing files", "path", full)
	entries, err := os.ReadDir(full)
	if err != nil {
		return nil, fmt.Errorf("failed to list directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		suffix := ""
		if e.IsDir() {
			suffix = "/"
		}
		names = append(names, e.Name()+suffix)
	}
	sort.Strings(names)
	return names, nil
}

// --- Read File Tool ---

type ReadFileTool struct{ root fsRoot }

func (t *ReadFileTool) Name() string { return "read_file" }

func (t *ReadFileTool) Description() string {
	return "Read the contents of a file. Arguments: path (string)."
}

func (t *ReadFileTool) Parameters() []string { return []string{"path"} }

func (t *ReadFileTool) Execute(ctx context.Context, input map[string]any) (any, error) {
	path, err := stringArg(input, "path")
	if err != nil {
		return nil, err
	}
	full, err := t.root.resolve(path)
	if err != nil {
		return nil, err
	}

	slog.Info("Reading file", "path", full)
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return string(data), nil
}

// --- Write File Tool ---

type WriteFileTool struct{ root fsRoot }

func (t *WriteFileTool) Name() string { return "write_file" }

func (t *WriteFileTool) Description() string {
	return "Write content to a file. Arguments: path (string), content (string)."
}

func (t *WriteFileTool) Parameters() []string { return []string{"path", "content"} }

func (t *WriteFileTool) Execute(ctx context.Context, input map[string]any) (any, error) {
	path, err := stringArg(input, "path")
	if err != nil {
		return nil, err
	}
	content, err := stringArg(input, "content")
	if err != nil {
		return nil, err
	}
	full, err := t.root.resolve(path)
	if err != nil {
		return nil, err
	}

	slog.Info("Writing file", "path", full, "size", len(content))

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		return nil, fmt.Errorf("failed to write file: %w", err)
	}
	return "success", nil
}
