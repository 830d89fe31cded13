package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/mariozechner/coding-agent/remoteexec/pkg/callstub"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/pyrepr"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/tools"
)

// basePrelude is evaluated before any tool definition.
const basePrelude = `import json
import sys
from typing import Any, Dict, List, Optional


class Tool:
    name = ""
    description = ""

    def __call__(self, *args, **kwargs):
        return self.forward(*args, **kwargs)

    def forward(self, *args, **kwargs):
        raise NotImplementedError(self.name)
`

// validate checks the configuration before anything touches the sandbox.
func (c *Config) validate() error {
	var missing []string
	if c.Sandbox == nil {
		missing = append(missing, "Sandbox")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing required fields: %s", ErrConfiguration, strings.Join(missing, ", "))
	}
	if c.MaxHandoffs < 0 {
		return fmt.Errorf("%w: MaxHandoffs must not be negative", ErrConfiguration)
	}

	names := make(map[string]string)
	for _, name := range c.Capabilities.Names() {
		if err := callstub.CheckName(name); err != nil {
			return fmt.Errorf("%w: %v", ErrConfiguration, err)
		}
		names[name] = "capability"
	}
	for _, src := range c.Tools {
		if !pyrepr.IsIdentifier(src.Name) || !pyrepr.IsIdentifier(src.ClassName) {
			return fmt.Errorf("%w: tool %q has an invalid name or class name %q", ErrConfiguration, src.Name, src.ClassName)
		}
		if kind, dup := names[src.Name]; dup {
			return fmt.Errorf("%w: tool %q collides with a %s of the same name", ErrConfiguration, src.Name, kind)
		}
		names[src.Name] = "tool"
	}
	return nil
}

// install pip-installs the configured packages.
func (r *Runner) install(ctx context.Context, packages []string) error {
	pkgs := dedupe(packages)
	if len(pkgs) == 0 {
		return nil
	}

	quoted := make([]string, len(pkgs))
	for i, p := range pkgs {
		quoted[i] = shellQuote(p)
	}
	cmd := "pip install " + strings.Join(quoted, " ")

	slog.Info("Installing sandbox packages", "sandbox", r.sb.ID(), "packages", pkgs)
	res, err := r.sb.RunCommand(ctx, cmd)
	if err != nil {
		return fmt.Errorf("running %q: %w", cmd, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%q exited with code %d: %s", cmd, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// prelude returns the setup code: base imports, the Tool base class, tool
// definitions with their instances and the capability stubs.
func prelude(sources []tools.Source, stubs string) string {
	var b strings.Builder
	b.WriteString(basePrelude)
	for _, src := range sources {
		b.WriteString("\n")
		b.WriteString(strings.TrimRight(src.Code, "\n"))
		fmt.Fprintf(&b, "\n\n%s = %s()\n", src.Name, src.ClassName)
	}
	b.WriteString("\n")
	b.WriteString(stubs)
	return b.String()
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	var out []string
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	sort.Strings(out)
	return out
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
