package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/mariozechner/coding-agent/remoteexec/pkg/sandbox"
)

// Sandbox is a running session container.
type Sandbox struct {
	manager     *Manager
	sessionID   string
	containerID string
	kernel      *kernelClient

	mu     sync.Mutex
	dirs   map[string]bool
	closed bool
}

var _ sandbox.Sandbox = (*Sandbox)(nil)

func newSandbox(m *Manager, sessionID, containerID, port string) *Sandbox {
	return &Sandbox{
		manager:     m,
		sessionID:   sessionID,
		containerID: containerID,
		kernel:      newKernelClient(fmt.Sprintf("ws://127.0.0.1:%s/execute", port)),
		dirs:        make(map[string]bool),
	}
}

// ID returns the session ID.
func (s *Sandbox) ID() string { return s.sessionID }

// RunCode executes code in the container's kernel.
func (s *Sandbox) RunCode(ctx context.Context, code string) (*sandbox.Execution, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.kernel.execute(ctx, code)
}

// WriteFile copies the contents of r into the container at dst, creating
// the parent directory if needed.
func (s *Sandbox) WriteFile(ctx context.Context, dst string, r io.Reader) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if !path.IsAbs(dst) {
		return fmt.Errorf("sandbox path must be absolute: %s", dst)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading staged content: %w", err)
	}

	dir := path.Dir(dst)
	if err := s.ensureDir(ctx, dir); err != nil {
		return err
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:    path.Base(dst),
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing tar header: %w", err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("writing tar body: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("closing tar: %w", err)
	}

	if err := s.manager.client.CopyToContainer(ctx, s.containerID, dir, &buf, types.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copying %s into sandbox: %w", dst, err)
	}
	return nil
}

// ReadFile copies a single file out of the container.
func (s *Sandbox) ReadFile(ctx context.Context, src string) ([]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rc, stat, err := s.manager.client.CopyFromContainer(ctx, s.containerID, src)
	if err != nil {
		return nil, fmt.Errorf("copying %s from sandbox: %w", src, err)
	}
	defer rc.Close()

	if stat.Mode.IsDir() {
		return nil, fmt.Errorf("sandbox path is a directory: %s", src)
	}

	tr := tar.NewReader(rc)
	if _, err := tr.Next(); err != nil {
		return nil, fmt.Errorf("reading archive for %s: %w", src, err)
	}
	return io.ReadAll(tr)
}

// RunCommand runs cmd with sh -c through docker exec.
func (s *Sandbox) RunCommand(ctx context.Context, cmd string) (*sandbox.CommandResult, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	created, err := s.manager.client.ContainerExecCreate(ctx, s.containerID, types.ExecConfig{
		Cmd:          []string{"sh", "-c", cmd},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating exec: %w", err)
	}

	attach, err := s.manager.client.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return nil, fmt.Errorf("attaching exec: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return nil, fmt.Errorf("reading exec output: %w", err)
	}

	inspect, err := s.manager.client.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("inspecting exec: %w", err)
	}

	return &sandbox.CommandResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// Close stops and removes the session container.
func (s *Sandbox) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.manager.Stop(ctx, s.sessionID)
}

func (s *Sandbox) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("session %s: %w", s.sessionID, sandbox.ErrNotRunning)
	}
	return nil
}

func (s *Sandbox) ensureDir(ctx context.Context, dir string) error {
	s.mu.Lock()
	done := s.dirs[dir]
	s.mu.Unlock()
	if done {
		return nil
	}

	res, err := s.RunCommand(ctx, "mkdir -p '"+dir+"'")
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("creating %s in sandbox: exit %d: %s", dir, res.ExitCode, res.Stderr)
	}

	s.mu.Lock()
	s.dirs[dir] = true
	s.mu.Unlock()
	return nil
}
