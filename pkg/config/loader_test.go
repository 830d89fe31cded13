package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "remoteexec.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, "sandbox-python:latest", cfg.Sandbox.Image)
	assert.Equal(t, 120*time.Second, cfg.Sandbox.StartupTimeout)
	assert.Equal(t, "final_answer", cfg.Runner.FinalAnswerCall)
	assert.Equal(t, 64, cfg.Runner.MaxHandoffs)
	assert.Equal(t, "jsonl", cfg.Journal.Driver)
	require.NoError(t, validate(&cfg))
}

func TestLoadFrom_MissingFile(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestLoadFrom_YAMLOverride(t *testing.T) {
	path := writeYAML(t, `
sandbox:
  image: "my-sandbox:1"
  startup_timeout: 30s
runner:
  additional_imports: [pandas, numpy]
  max_handoffs: 8
journal:
  driver: sqlite
  path: /tmp/journal.db
gemini:
  api_key: yaml-key
agents:
  - name: ask_expert
    model: gemini-2.0-flash
    instructions: You are an expert.
`)
	cfg, err := LoadFrom(path)
	require.NoError(t, err)

	assert.Equal(t, "my-sandbox:1", cfg.Sandbox.Image)
	assert.Equal(t, 30*time.Second, cfg.Sandbox.StartupTimeout)
	assert.Equal(t, []string{"pandas", "numpy"}, cfg.Runner.AdditionalImports)
	assert.Equal(t, 8, cfg.Runner.MaxHandoffs)
	assert.Equal(t, "final_answer", cfg.Runner.FinalAnswerCall, "unset keys keep defaults")
	assert.Equal(t, "sqlite", cfg.Journal.Driver)
	require.Len(t, cfg.Agents, 1)
	assert.Equal(t, "ask_expert", cfg.Agents[0].Name)
}

func TestLoadFrom_EnvOverridesYAML(t *testing.T) {
	path := writeYAML(t, `
server:
  addr: ":9090"
logging:
  level: debug
`)
	t.Setenv("REMOTEEXEC_ADDR", ":7070")
	t.Setenv("REMOTEEXEC_ADDITIONAL_IMPORTS", "requests, , bs4")
	t.Setenv("REMOTEEXEC_MAX_HANDOFFS", "not-a-number")
	t.Setenv("GEMINI_API_KEY", "env-key")

	cfg, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, []string{"requests", "bs4"}, cfg.Runner.AdditionalImports)
	assert.Equal(t, 64, cfg.Runner.MaxHandoffs, "unparsable env values are ignored")
	assert.Equal(t, "env-key", cfg.Gemini.APIKey)
}

func TestLoadFrom_InvalidYAML(t *testing.T) {
	_, err := LoadFrom(writeYAML(t, "sandbox: [unclosed"))
	assert.ErrorContains(t, err, "config yaml")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty image", func(c *Config) { c.Sandbox.Image = "" }, "sandbox.image"},
		{"negative handoffs", func(c *Config) { c.Runner.MaxHandoffs = -1 }, "max_handoffs"},
		{"bad final answer call", func(c *Config) { c.Runner.FinalAnswerCall = "final answer" }, "final_answer_call"},
		{"unknown driver", func(c *Config) { c.Journal.Driver = "postgres" }, "journal.driver"},
		{"missing journal path", func(c *Config) { c.Journal.Path = "" }, "journal.path"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad agent name", func(c *Config) {
			c.Gemini.APIKey = "k"
			c.Agents = []Agent{{Name: "ask-expert"}}
		}, "agents[0].name"},
		{"duplicate agent", func(c *Config) {
			c.Gemini.APIKey = "k"
			c.Agents = []Agent{{Name: "a"}, {Name: "a"}}
		}, "duplicated"},
		{"agents without key", func(c *Config) { c.Agents = []Agent{{Name: "a"}} }, "gemini.api_key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			assert.ErrorContains(t, validate(&cfg), tt.want)
		})
	}

	cfg := Defaults()
	cfg.Journal = Journal{Driver: "none"}
	assert.NoError(t, validate(&cfg))
}
