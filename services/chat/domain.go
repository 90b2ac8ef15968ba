// Package chat implements the home-improvement assistant.
package chat

import (
	"context"
	"errors"
	"time"
)

// Message roles as stored.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Conversation groups a user's messages.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one stored turn.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// Reply is the result of Send.
type Reply struct {
	ConversationID string  `json:"conversation_id"`
	Title          string  `json:"title"`
	Message        Message `json:"message"`
}

// Store persists conversations.
type Store interface {
	CreateConversation(ctx context.Context, c *Conversation) error
	// GetConversation returns ErrConversationNotFound for missing or
	// foreign conversations.
	GetConversation(ctx context.Context, userID, id string) (*Conversation, error)
	ListConversations(ctx context.Context, userID string, limit int) ([]Conversation, error)
	// RecentMessages returns the last limit messages, oldest first.
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)
	AddMessages(ctx context.Context, msgs []Message) error
	TouchConversation(ctx context.Context, id string, at time.Time) error
}

var ErrConversationNotFound = errors.New("conversation not found")
