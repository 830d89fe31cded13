package gemini

import (
	"testing"

	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mariozechner/coding-agent/remoteexec/pkg/models"
)

func TestToContents(t *testing.T) {
	system, history := toContents([]models.Message{
		{Role: models.RoleSystem, Text: "be brief"},
		{Role: models.RoleUser, Text: "first"},
		{Role: models.RoleUser, Text: "second"},
		{Role: models.RoleAssistant, Text: "reply"},
		{Role: models.RoleAssistant, Text: ""},
		{Role: models.RoleUser, Text: "third"},
	})

	require.NotNil(t, system)
	assert.Equal(t, []genai.Part{genai.Text("be brief")}, system.Parts)

	require.Len(t, history, 3)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, []genai.Part{genai.Text("first"), genai.Text("second")}, history[0].Parts)
	assert.Equal(t, "model", history[1].Role)
	assert.Equal(t, "user", history[2].Role)
}

func TestToContents_SystemOnly(t *testing.T) {
	system, history := toContents([]models.Message{{Role: models.RoleSystem, Text: "x"}})
	assert.NotNil(t, system)
	assert.Empty(t, history)
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "key=[REDACTED]", redact("key=secret", "secret"))
	assert.Equal(t, "key=secret", redact("key=secret", ""))
}
