// Package gemini implements models.ModelProvider on the Google Gemini API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/mariozechner/coding-agent/remoteexec/pkg/logging"
	"github.com/mariozechner/coding-agent/remoteexec/pkg/models"
)

// ErrNoMessages is returned by Stream when the conversation is empty or only
// holds system messages.
var ErrNoMessages = errors.New("gemini: no user or assistant messages")

// GeminiModel implements models.ModelProvider using the Google Gemini API.
type GeminiModel struct {
	client *genai.Client
}

// New creates a new GeminiModel.
func New(ctx context.Context, apiKey string) (*GeminiModel, error) {
	httpClient := &http.Client{
		Transport: &loggingTransport{
			base:   http.DefaultTransport,
			apiKey: apiKey,
		},
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey), option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &GeminiModel{client: client}, nil
}

type loggingTransport struct {
	base   http.RoundTripper
	apiKey string
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// A custom http.Client bypasses the library's API key injection.
	if t.apiKey != "" && req.Header.Get("x-goog-api-key") == "" && req.URL.Query().Get("key") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("x-goog-api-key", t.apiKey)
	}

	if !slog.Default().Enabled(req.Context(), logging.LevelTrace) {
		return t.base.RoundTrip(req)
	}

	reqDump, err := httputil.DumpRequestOut(req, true)
	if err != nil {
		slog.Debug("Failed to dump Gemini request", "error", err)
	} else {
		slog.Log(req.Context(), logging.LevelTrace, "Gemini REST Request", "url", req.URL.String(), "dump", redact(string(reqDump), t.apiKey))
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	// Streaming bodies are not dumped so they are not consumed.
	isStream := strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") ||
		strings.Contains(req.URL.Query().Get("alt"), "sse")

	respDump, err := httputil.DumpResponse(resp, !isStream)
	if err != nil {
		slog.Debug("Failed to dump Gemini response", "error", err)
	} else {
		slog.Log(req.Context(), logging.LevelTrace, "Gemini REST Response", "isStream", isStream, "dump", string(respDump))
	}

	return resp, nil
}

func redact(s, secret string) string {
	if secret == "" {
		return s
	}
	return strings.ReplaceAll(s, secret, "[REDACTED]")
}

// Close releases resources.
func (m *GeminiModel) Close() {
	m.client.Close()
}

// List returns available models.
func (m *GeminiModel) List(ctx context.Context) ([]string, error) {
	iter := m.client.ListModels(ctx)
	var names []string
	for {
		model, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		slog.Debug("Found Gemini model", "name", model.Name)
		names = append(names, model.Name)
	}
	return names, nil
}

// Stream sends the conversation to the model and returns a stream of the
// reply. System messages become the system instruction.
func (m *GeminiModel) Stream(ctx context.Context, modelName string, messages []models.Message) (models.ModelStream, error) {
	slog.Debug("Gemini.Stream: Request Parameters", "model", modelName, "messageCount", len(messages))

	system, history := toContents(messages)
	if len(history) == 0 {
		return nil, ErrNoMessages
	}

	gm := m.client.GenerativeModel(modelName)
	if system != nil {
		gm.SystemInstruction = system
	}

	cs := gm.StartChat()
	cs.History = history[:len(history)-1]
	last := history[len(history)-1]

	iter := cs.SendMessageStream(ctx, last.Parts...)
	return &geminiStream{iter: iter}, nil
}

// toContents splits messages into the system instruction and the chat
// history. Adjacent messages of the same role are merged.
func toContents(messages []models.Message) (*genai.Content, []*genai.Content) {
	var system *genai.Content
	var history []*genai.Content
	for _, msg := range messages {
		if msg.Text == "" {
			continue
		}
		if msg.Role == models.RoleSystem {
			if system == nil {
				system = &genai.Content{}
			}
			system.Parts = append(system.Parts, genai.Text(msg.Text))
			continue
		}

		role := "user"
		if msg.Role == models.RoleAssistant {
			role = "model"
		}
		if n := len(history); n > 0 && history[n-1].Role == role {
			history[n-1].Parts = append(history[n-1].Parts, genai.Text(msg.Text))
			continue
		}
		history = append(history, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(msg.Text)}})
	}
	return system, history
}

type geminiStream struct {
	iter *genai.GenerateContentResponseIterator
}

func (s *geminiStream) FullMessage() (models.Message, error) {
	var fullText strings.Builder

	slog.Debug("Aggregating Gemini response stream")

	for {
		resp, err := s.iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return models.Message{}, err
		}

		for _, cand := range resp.Candidates {
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				if txt, ok := part.(genai.Text); ok {
					fullText.WriteString(string(txt))
				}
			}
		}
	}

	return models.Message{Role: models.RoleAssistant, Text: fullText.String()}, nil
}

func (s *geminiStream) Close() error {
	return nil
}
