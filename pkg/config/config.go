// Package config loads the remoteexec configuration.
package config

import "time"

// Config holds all service configuration.
type Config struct {
	Sandbox Sandbox `yaml:"sandbox"`
	Runner  Runner  `yaml:"runner"`
	Journal Journal `yaml:"journal"`
	Server  Server  `yaml:"server"`
	Logging Logging `yaml:"logging"`
	Gemini  Gemini  `yaml:"gemini"`
	Files   Files   `yaml:"files"`
	Agents  []Agent `yaml:"agents"`
}

// Sandbox configures the docker sandbox manager.
type Sandbox struct {
	Image          string        `yaml:"image"`
	StartupTimeout time.Duration `yaml:"startup_timeout"`
	Env            []string      `yaml:"env"`
}

// Runner configures every session's runner.
type Runner struct {
	FinalAnswerCall   string   `yaml:"final_answer_call"`
	AdditionalImports []string `yaml:"additional_imports"`
	MaxHandoffs       int      `yaml:"max_handoffs"`
	StatePath         string   `yaml:"state_path"`
}

// Journal selects the event journal backend.
type Journal struct {
	// Driver is "jsonl", "sqlite" or "none".
	Driver string `yaml:"driver"`
	// Path is the jsonl directory or the sqlite database file.
	Path string `yaml:"path"`
}

// Server configures the HTTP API.
type Server struct {
	Addr string `yaml:"addr"`
}

// Logging configures the default slog logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// File, if set, receives the log output instead of stderr.
	File string `yaml:"file"`
}

// Gemini configures the model provider behind sub-agents.
type Gemini struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// Files exposes a local directory to sandboxed code through the ls,
// read_file and write_file capabilities. Empty Root disables them.
type Files struct {
	Root string `yaml:"root"`
}

// Agent declares a model-backed capability.
type Agent struct {
	Name         string `yaml:"name"`
	Description  string `yaml:"description"`
	Model        string `yaml:"model"`
	Instructions string `yaml:"instructions"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() Config {
	return Config{
		Sandbox: Sandbox{
			Image:          "sandbox-python:latest",
			StartupTimeout: 120 * time.Second,
		},
		Runner: Runner{
			FinalAnswerCall: "final_answer",
			MaxHandoffs:     64,
			StatePath:       "/home/user/state.json",
		},
		Journal: Journal{
			Driver: "jsonl",
			Path:   "./journal",
		},
		Server: Server{
			Addr: ":8080",
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
		Gemini: Gemini{
			Model: "gemini-2.0-flash",
		},
	}
}
