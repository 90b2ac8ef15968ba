// Package ai wraps the generative model used by the BOM generator and the
// chat assistant.
package ai

import (
	"context"
	"errors"
)

// Role of a conversation turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Message is one prior turn of a conversation.
type Message struct {
	Role Role
	Text string
}

// Image is an inline image sent with a prompt.
type Image struct {
	Data     []byte
	MIMEType string
}

// Request is a single generation call.
type Request struct {
	// Operation labels the call in logs and metrics, e.g. "bom" or "chat".
	Operation string
	System    string
	History   []Message
	Prompt    string
	Images    []Image
	// JSON asks the model for an application/json response.
	JSON        bool
	Temperature float32
	MaxTokens   int32
}

// Model generates text from a request.
type Model interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// ModelFunc adapts a function to Model.
type ModelFunc func(ctx context.Context, req Request) (string, error)

func (f ModelFunc) Generate(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

var (
	// ErrNotConfigured is returned when no API key is set.
	ErrNotConfigured = errors.New("ai model is not configured")
	// ErrEmptyResponse means the model returned no text, e.g. when the
	// reply was blocked by safety filters.
	ErrEmptyResponse = errors.New("ai model returned an empty response")
)

// Disabled is the Model used when no API key is configured.
type Disabled struct{}

func (Disabled) Generate(context.Context, Request) (string, error) {
	return "", ErrNotConfigured
}
