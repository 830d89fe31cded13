// Package models abstracts the language model providers behind model-backed
// capabilities.
package models

import (
	"context"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a model conversation.
type Message struct {
	Role Role
	Text string
}

// ModelProvider represents a service that provides LLMs (e.g. Gemini, OpenAI).
type ModelProvider interface {
	// List returns the names of available models.
	List(ctx context.Context) ([]string, error)

	// Stream sends a conversation to the model and returns a stream of the
	// reply.
	Stream(ctx context.Context, modelName string, messages []Message) (ModelStream, error)
}

// ModelStream abstracts the stream of responses from the model.
type ModelStream interface {
	// FullMessage blocks until the full message is available.
	FullMessage() (Message, error)
	Close() error
}
