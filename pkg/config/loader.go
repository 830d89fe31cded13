package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mariozechner/coding-agent/remoteexec/pkg/logging"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/pyrepr"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "remoteexec.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// The YAML file is optional; a missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Sandbox.Image, "REMOTEEXEC_SANDBOX_IMAGE")
	setDuration(&cfg.Sandbox.StartupTimeout, "REMOTEEXEC_SANDBOX_STARTUP_TIMEOUT")

	setString(&cfg.Runner.FinalAnswerCall, "REMOTEEXEC_FINAL_ANSWER_CALL")
	setList(&cfg.Runner.AdditionalImports, "REMOTEEXEC_ADDITIONAL_IMPORTS")
	setInt(&cfg.Runner.MaxHandoffs, "REMOTEEXEC_MAX_HANDOFFS")
	setString(&cfg.Runner.StatePath, "REMOTEEXEC_STATE_PATH")

	setString(&cfg.Journal.Driver, "REMOTEEXEC_JOURNAL_DRIVER")
	setString(&cfg.Journal.Path, "REMOTEEXEC_JOURNAL_PATH")

	setString(&cfg.Server.Addr, "REMOTEEXEC_ADDR")

	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setString(&cfg.Logging.Format, "REMOTEEXEC_LOG_FORMAT")
	setString(&cfg.Logging.File, "REMOTEEXEC_LOG_FILE")

	setString(&cfg.Gemini.APIKey, "GEMINI_API_KEY")
	setString(&cfg.Gemini.Model, "GEMINI_MODEL")

	setString(&cfg.Files.Root, "REMOTEEXEC_FILES_ROOT")
}

// validate checks that required fields are set and consistent.
func validate(cfg *Config) error {
	if cfg.Sandbox.Image == "" {
		return errors.New("sandbox.image is required")
	}
	if cfg.Runner.MaxHandoffs < 0 {
		return errors.New("runner.max_handoffs must be >= 0")
	}
	if cfg.Runner.FinalAnswerCall != "" && !pyrepr.IsIdentifier(cfg.Runner.FinalAnswerCall) {
		return fmt.Errorf("runner.final_answer_call %q is not an identifier", cfg.Runner.FinalAnswerCall)
	}
	switch cfg.Journal.Driver {
	case "none":
	case "jsonl", "sqlite":
		if cfg.Journal.Path == "" {
			return fmt.Errorf("journal.path is required for driver %q", cfg.Journal.Driver)
		}
	default:
		return fmt.Errorf("journal.driver %q is not one of jsonl, sqlite, none", cfg.Journal.Driver)
	}
	if _, err := logging.ParseLevel(cfg.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	seen := make(map[string]bool, len(cfg.Agents))
	for i, a := range cfg.Agents {
		if !pyrepr.IsIdentifier(a.Name) {
			return fmt.Errorf("agents[%d].name %q is not an identifier", i, a.Name)
		}
		if seen[a.Name] {
			return fmt.Errorf("agents[%d].name %q is duplicated", i, a.Name)
		}
		seen[a.Name] = true
	}
	if len(cfg.Agents) > 0 && cfg.Gemini.APIKey == "" {
		return errors.New("gemini.api_key is required when agents are configured")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// setList splits a comma separated value.
func setList(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}
