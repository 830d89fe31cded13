// Package app assembles the runtime from a config: journal, capabilities,
// sandbox manager and session manager.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mariozechner/coding-agent/remoteexec/pkg/agents"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/config"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/models"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/models/gemini"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/runner"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/sandbox"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/sandbox/docker"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/session"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/store"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/store/jsonl"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/store/sqlite"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/tools"
)

// App is the assembled runtime.
type App struct {
	Config       *config.Config
	Capabilities *tools.Registry
	Journal      store.Journal
	Sessions     *session.Manager

	closers []func() error
}

// New builds an App backed by Docker sandboxes and, when agents are
// configured, the Gemini provider.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	var provider models.ModelProvider
	var closers []func() error
	if len(cfg.Agents) > 0 {
		gm, err := gemini.New(ctx, cfg.Gemini.APIKey)
		if err != nil {
			return nil, err
		}
		provider = gm
		closers = append(closers, func() error { gm.Close(); return nil })
	}

	sandboxes, err := docker.New(docker.Config{
		Image:          cfg.Sandbox.Image,
		StartupTimeout: cfg.Sandbox.StartupTimeout,
		Env:            cfg.Sandbox.Env,
	})
	if err != nil {
		runClosers(closers)
		return nil, err
	}
	closers = append(closers, sandboxes.Close)

	a, err := Assemble(cfg, sandboxes, provider)
	if err != nil {
		runClosers(closers)
		return nil, err
	}
	a.closers = append(a.closers, closers...)
	return a, nil
}

// Assemble builds an App from explicit dependencies. provider may be nil
// when no agents are configured.
func Assemble(cfg *config.Config, sandboxes sandbox.Manager, provider models.ModelProvider) (*App, error) {
	reg, err := Capabilities(cfg, provider)
	if err != nil {
		return nil, err
	}

	journal, err := OpenJournal(cfg.Journal)
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:       cfg,
		Capabilities: reg,
		Journal:      journal,
	}
	if journal != nil {
		a.closers = append(a.closers, journal.Close)
	}

	a.Sessions = session.NewManager(sandboxes, runner.Config{
		Capabilities:      reg,
		AdditionalImports: cfg.Runner.AdditionalImports,
		FinalAnswerCall:   cfg.Runner.FinalAnswerCall,
		StatePath:         cfg.Runner.StatePath,
		MaxHandoffs:       cfg.Runner.MaxHandoffs,
		Journal:           journal,
	})
	return a, nil
}

// Capabilities registers the file tools (when a root is configured) and one
// model agent per configured agent.
func Capabilities(cfg *config.Config, provider models.ModelProvider) (*tools.Registry, error) {
	reg := tools.NewRegistry()
	if cfg.Files.Root != "" {
		for _, c := range tools.FileTools(cfg.Files.Root) {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}

	if len(cfg.Agents) > 0 && provider == nil {
		return nil, errors.New("agents are configured but no model provider is available")
	}
	for _, ac := range cfg.Agents {
		model := ac.Model
		if model == "" {
			model = cfg.Gemini.Model
		}
		if err := reg.Register(agents.New(provider, ac.Name, ac.Description, model, ac.Instructions)); err != nil {
			return nil, fmt.Errorf("agent %s: %w", ac.Name, err)
		}
	}
	slog.Debug("Capabilities registered", "names", reg.Names())
	return reg, nil
}

// OpenJournal opens the configured journal. Driver "none" returns nil.
func OpenJournal(cfg config.Journal) (store.Journal, error) {
	switch cfg.Driver {
	case "none":
		return nil, nil
	case "jsonl":
		j, err := jsonl.NewManager(cfg.Path)
		if err != nil {
			return nil, err
		}
		return j, nil
	case "sqlite":
		j, err := sqlite.New(cfg.Path)
		if err != nil {
			return nil, err
		}
		return j, nil
	}
	return nil, fmt.Errorf("unknown journal driver %q", cfg.Driver)
}

// Close shuts down every session and releases the journal and clients.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Sessions != nil {
		errs = append(errs, a.Sessions.Shutdown(ctx))
	}
	errs = append(errs, runClosers(a.closers))
	return errors.Join(errs...)
}

func runClosers(closers []func() error) error {
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		errs = append(errs, closers[i]())
	}
	return errors.Join(errs...)
}
