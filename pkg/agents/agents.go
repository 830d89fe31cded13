// Package agents exposes language model sub-agents as capabilities that
// sandboxed code can call like ordinary functions.
package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/mariozechner/coding-agent/remoteexec/pkg/models"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/tools"
)

// ErrEmptyTask is returned when a sub-agent is called without a task.
var ErrEmptyTask = errors.New("task must be a non-empty string")

var params = []string{"task", "additional_args"}

// ModelAgent is a capability backed by one model of a provider.
type ModelAgent struct {
	Provider     models.ModelProvider
	AgentName    string
	Desc         string
	Model        string
	Instructions string
}

var _ tools.Capability = (*ModelAgent)(nil)

// New returns a ModelAgent.
func New(provider models.ModelProvider, name, description, model, instructions string) *ModelAgent {
	return &ModelAgent{
		Provider:     provider,
		AgentName:    name,
		Desc:         description,
		Model:        model,
		Instructions: instructions,
	}
}

func (a *ModelAgent) Name() string { return a.AgentName }

func (a *ModelAgent) Description() string {
	if a.Desc != "" {
		return a.Desc
	}
	return fmt.Sprintf("Sub-agent %s backed by %s. Call it as %s(task, additional_args=None).", a.AgentName, a.Model, a.AgentName)
}

// Call sends the task to the model and returns the reply text. The task is
// the first positional argument or the task keyword; additional_args, if
// given, is a dict rendered into the prompt.
func (a *ModelAgent) Call(ctx context.Context, args []any, kwargs map[string]any) (any, error) {
	bound, err := tools.Bind(a.AgentName, params, args, kwargs)
	if err != nil {
		return nil, err
	}
	task, _ := bound["task"].(string)
	if strings.TrimSpace(task) == "" {
		return nil, ErrEmptyTask
	}
	var extra map[string]any
	if v, ok := bound["additional_args"]; ok && v != nil {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("additional_args must be a dict, got %T", v)
		}
		extra = m
	}

	prompt, err := a.prompt(task, extra)
	if err != nil {
		return nil, err
	}
	var messages []models.Message
	if a.Instructions != "" {
		messages = append(messages, models.Message{Role: models.RoleSystem, Text: a.Instructions})
	}
	messages = append(messages, models.Message{Role: models.RoleUser, Text: prompt})

	slog.Debug("Calling sub-agent", "agent", a.AgentName, "model", a.Model, "taskLength", len(task))
	stream, err := a.Provider.Stream(ctx, a.Model, messages)
	if err != nil {
		return nil, fmt.Errorf("starting %s: %w", a.AgentName, err)
	}
	defer stream.Close()

	msg, err := stream.FullMessage()
	if err != nil {
		return nil, fmt.Errorf("reading %s reply: %w", a.AgentName, err)
	}
	return msg.Text, nil
}

func (a *ModelAgent) prompt(task string, extra map[string]any) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "You're a helpful agent named '%s'.\nYou have been submitted this task by your manager.\n---\nTask:\n%s\n---\n", a.AgentName, task)
	if len(extra) == 0 {
		return b.String(), nil
	}

	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b.WriteString("You have been provided with these additional arguments:\n")
	for _, k := range keys {
		v, err := json.Marshal(extra[k])
		if err != nil {
			return "", fmt.Errorf("additional_args[%q]: %w", k, err)
		}
		fmt.Fprintf(&b, "- %s: %s\n", k, v)
	}
	return b.String(), nil
}
