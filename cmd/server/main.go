package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mariozechner/coding-agent/remoteexec/pkg/app"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/config"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/logging"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/runner"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/server"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/statesync"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "remoteexec",
		Short: "Run code in sandboxes with local capability hand-off",
		Long: `remoteexec runs generated Python code inside Docker sandboxes. Calls to
capabilities (file tools, model-backed sub-agents) are intercepted, executed
on this machine and their results spliced back into the sandbox.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultConfigFile, "Path to the YAML config file")

	rootCmd.AddCommand(newServeCommand(&configPath))
	rootCmd.AddCommand(newRunCommand(&configPath))
	return rootCmd
}

// setup loads the config and installs the logger.
func setup(configPath string) (*config.Config, func(), error) {
	cfg, err := config.LoadFrom(configPath)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = os.Stderr
	cleanup := func() {}
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		w = f
		cleanup = func() { f.Close() }
	}
	if err := logging.Setup(w, cfg.Logging.Level, cfg.Logging.Format); err != nil {
		cleanup()
		return nil, nil, err
	}
	return cfg, cleanup, nil
}

func newServeCommand(configPath *string) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the session API over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cleanup, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()
			if addr != "" {
				cfg.Server.Addr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}

			srv := server.New(a.Sessions, a.Capabilities, a.Journal)
			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start(cfg.Server.Addr) }()

			select {
			case err = <-errCh:
			case <-ctx.Done():
				slog.Info("Shutting down")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return errors.Join(err, srv.Shutdown(shutdownCtx), a.Close(shutdownCtx))
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	return cmd
}

func newRunCommand(configPath *string) *cobra.Command {
	var statePath string

	cmd := &cobra.Command{
		Use:   "run <file>",
		Short: "Run a Python file in a fresh sandbox and print its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var state statesync.Bundle
			if statePath != "" {
				data, err := os.ReadFile(statePath)
				if err != nil {
					return err
				}
				if err := json.Unmarshal(data, &state); err != nil {
					return fmt.Errorf("parsing %s: %w", statePath, err)
				}
			}

			cfg, cleanup, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			sess, err := a.Sessions.Create(ctx)
			if err != nil {
				return err
			}

			out, err := sess.Run(ctx, string(code), state)
			w := cmd.OutOrStdout()
			if err != nil {
				var runErr *runner.RunError
				if errors.As(err, &runErr) && runErr.Logs != "" {
					fmt.Fprintln(cmd.ErrOrStderr(), runErr.Logs)
				}
				return err
			}
			if out.Logs != "" {
				fmt.Fprintln(cmd.ErrOrStderr(), out.Logs)
			}
			if out.Result != nil {
				fmt.Fprintln(w, out.Result.Text())
			}
			if out.IsFinalAnswer {
				slog.Info("Final answer reached", "session", sess.ID())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&statePath, "state", "", "JSON file with shared state variables to push before running")
	return cmd
}
