// Package docker implements sandbox.Manager with one Docker container per
// session.
//
// The container image is expected to run a kernel server on ServerPort that
// exposes:
//
//	GET  /healthz   200 once the interpreter is ready
//	WS   /execute   one execution per connection (see kernel.go)
//
// Files are staged with the Docker archive API and shell commands run through
// docker exec, so the kernel server only has to implement code execution.
package docker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/mariozechner/coding-agent/remoteexec/pkg/sandbox"
)

const (
	// LabelManager is the label used to identify containers managed by this system.
	LabelManager = "manager"
	// LabelManagerValue is the value of the manager label.
	LabelManagerValue = "remoteexec"
	// LabelSessionID is the label used to identify which session a container belongs to.
	LabelSessionID = "session-id"
	// DefaultImage is the default sandbox container image.
	DefaultImage = "sandbox-python:latest"
	// ServerPort is the kernel server port exposed by the sandbox container.
	ServerPort = "8000"
	// DefaultStartupTimeout bounds how long Start waits for the kernel to be healthy.
	DefaultStartupTimeout = 120 * time.Second
)

// Config configures a Manager.
type Config struct {
	// Image is the sandbox container image. Defaults to DefaultImage.
	Image string
	// StartupTimeout bounds the health wait after a container starts.
	StartupTimeout time.Duration
	// Env is passed to the container as environment variables (KEY=VALUE).
	Env []string
}

// Manager implements sandbox.Manager using Docker containers.
type Manager struct {
	client         *client.Client
	image          string
	startupTimeout time.Duration
	env            []string

	mu        sync.Mutex
	sandboxes map[string]*Sandbox
}

// Verify interface compliance.
var _ sandbox.Manager = (*Manager)(nil)

// New creates a new Docker sandbox manager.
func New(cfg Config) (*Manager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	if cfg.Image == "" {
		cfg.Image = DefaultImage
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = DefaultStartupTimeout
	}
	return &Manager{
		client:         cli,
		image:          cfg.Image,
		startupTimeout: cfg.StartupTimeout,
		env:            cfg.Env,
		sandboxes:      make(map[string]*Sandbox),
	}, nil
}

// Start returns the running sandbox for the session, creating and starting
// its container if it does not exist yet.
func (m *Manager) Start(ctx context.Context, sessionID string) (sandbox.Sandbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sb, ok := m.sandboxes[sessionID]; ok {
		return sb, nil
	}

	containerID, port, err := m.ensureRunning(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	sb := newSandbox(m, sessionID, containerID, port)
	m.sandboxes[sessionID] = sb
	return sb, nil
}

// Stop stops and removes the container for the given session.
func (m *Manager) Stop(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	delete(m.sandboxes, sessionID)
	m.mu.Unlock()

	containers, err := m.listContainers(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("listing containers for session %s: %w", sessionID, err)
	}
	for _, c := range containers {
		timeout := 10
		if err := m.client.ContainerStop(ctx, c.ID, container.StopOptions{Timeout: &timeout}); err != nil {
			slog.Warn("Failed to stop container", "id", c.ID, "error", err)
		}
		if err := m.client.ContainerRemove(ctx, c.ID, types.ContainerRemoveOptions{Force: true}); err != nil {
			return fmt.Errorf("removing container %s: %w", c.ID, err)
		}
	}
	slog.Info("Sandbox stopped", "sessionID", sessionID)
	return nil
}

// Close releases the Docker client resources. Running containers are left
// alone; call Stop for each session first.
func (m *Manager) Close() error {
	return m.client.Close()
}

// --- internal helpers ---

// ensureRunning returns the container ID and host port of the session's
// container, creating or starting it as needed.
func (m *Manager) ensureRunning(ctx context.Context, sessionID string) (string, string, error) {
	name := m.containerName(sessionID)

	c, err := m.client.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return m.createAndStart(ctx, sessionID)
		}
		return "", "", fmt.Errorf("inspecting container: %w", err)
	}

	if !c.State.Running {
		if err := m.client.ContainerStart(ctx, c.ID, types.ContainerStartOptions{}); err != nil {
			return "", "", fmt.Errorf("starting container: %w", err)
		}
		c, err = m.client.ContainerInspect(ctx, c.ID)
		if err != nil {
			return "", "", err
		}
	}

	port, err := m.getPort(c)
	if err != nil {
		return "", "", err
	}
	if err := m.waitForHealth(ctx, port); err != nil {
		return "", "", err
	}
	return c.ID, port, nil
}

// createAndStart creates a new sandbox container and starts it.
func (m *Manager) createAndStart(ctx context.Context, sessionID string) (string, string, error) {
	if _, _, err := m.client.ImageInspectWithRaw(ctx, m.image); err != nil {
		return "", "", fmt.Errorf("sandbox image '%s' not found, run 'make build-sandbox': %w", m.image, err)
	}

	cfg := &container.Config{
		Image: m.image,
		Env:   m.env,
		Labels: map[string]string{
			LabelManager:   LabelManagerValue,
			LabelSessionID: sessionID,
		},
		ExposedPorts: nat.PortSet{
			nat.Port(ServerPort + "/tcp"): {},
		},
	}

	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			nat.Port(ServerPort + "/tcp"): []nat.PortBinding{
				{
					HostIP:   "127.0.0.1",
					HostPort: "0", // Dynamically assigned port.
				},
			},
		},
	}

	resp, err := m.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, m.containerName(sessionID))
	if err != nil {
		return "", "", fmt.Errorf("creating container: %w", err)
	}

	if err := m.client.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return "", "", fmt.Errorf("starting container: %w", err)
	}

	c, err := m.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return "", "", err
	}
	port, err := m.getPort(c)
	if err != nil {
		return "", "", err
	}

	if err := m.waitForHealth(ctx, port); err != nil {
		return "", "", err
	}
	slog.Info("Sandbox started", "sessionID", sessionID, "port", port)
	return resp.ID, port, nil
}

func (m *Manager) containerName(sessionID string) string {
	return "remoteexec-sandbox-" + sessionID
}

func (m *Manager) getPort(c types.ContainerJSON) (string, error) {
	ports := c.NetworkSettings.Ports[nat.Port(ServerPort+"/tcp")]
	if len(ports) > 0 {
		return ports[0].HostPort, nil
	}
	return "", fmt.Errorf("container running but port not mapped")
}

func (m *Manager) waitForHealth(ctx context.Context, port string) error {
	url := fmt.Sprintf("http://127.0.0.1:%s/healthz", port)

	// Initial startup can be slow due to interpreter warmup.
	timeoutCtx, cancel := context.WithTimeout(ctx, m.startupTimeout)
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-timeoutCtx.Done():
			return fmt.Errorf("timeout waiting for sandbox health")
		case <-ticker.C:
			req, err := http.NewRequestWithContext(timeoutCtx, http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				continue
			}
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
	}
}

func (m *Manager) listContainers(ctx context.Context, sessionID string) ([]types.Container, error) {
	return m.client.ContainerList(ctx, types.ContainerListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", LabelManager+"="+LabelManagerValue),
			filters.Arg("label", LabelSessionID+"="+sessionID),
		),
	})
}
