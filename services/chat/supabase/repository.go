// Package supabase stores assistant conversations through the Supabase
// REST API.
package supabase

import (
	"context"
	"fmt"
	"time"

	"github.com/tradeloft/marketplace/services/chat"
	"github.com/tradeloft/marketplace/supabase/client"
)

const (
	tableConversations = "chat_conversations"
	tableMessages      = "chat_messages"
)

// Ensure Repository implements chat.Store
var _ chat.Store = (*Repository)(nil)

// Repository provides conversation data access.
type Repository struct {
	client *client.Client
}

// NewRepository creates a new chat repository.
func NewRepository(c *client.Client) *Repository {
	return &Repository{client: c}
}

// CreateConversation inserts a conversation.
func (r *Repository) CreateConversation(ctx context.Context, c *chat.Conversation) error {
	resp, err := r.client.From(tableConversations).ExecuteInsert(ctx, c)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	if err := resp.Error(); err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

// GetConversation fetches a conversation owned by userID.
func (r *Repository) GetConversation(ctx context.Context, userID, id string) (*chat.Conversation, error) {
	resp, err := r.client.From(tableConversations).
		Select("*").
		Eq("id", id).
		Eq("user_id", userID).
		Limit(1).
		Execute(ctx)
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}

	var rows []chat.Conversation
	if err := resp.Decode(&rows); err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	if len(rows) == 0 {
		return nil, chat.ErrConversationNotFound
	}
	return &rows[0], nil
}

// ListConversations lists a user's conversations, most recently active first.
func (r *Repository) ListConversations(ctx context.Context, userID string, limit int) ([]chat.Conversation, error) {
	resp, err := r.client.From(tableConversations).
		Select("*").
		Eq("user_id", userID).
		Order("updated_at", false).
		Limit(limit).
		Execute(ctx)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	var rows []chat.Conversation
	if err := resp.Decode(&rows); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return rows, nil
}

// RecentMessages returns the newest limit messages in chronological order.
func (r *Repository) RecentMessages(ctx context.Context, conversationID string, limit int) ([]chat.Message, error) {
	resp, err := r.client.From(tableMessages).
		Select("*").
		Eq("conversation_id", conversationID).
		Order("created_at", false).
		Order("id", false).
		Limit(limit).
		Execute(ctx)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}

	var rows []chat.Message
	if err := resp.Decode(&rows); err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows, nil
}

// AddMessages bulk-inserts messages.
func (r *Repository) AddMessages(ctx context.Context, msgs []chat.Message) error {
	resp, err := r.client.From(tableMessages).ExecuteInsert(ctx, msgs)
	if err != nil {
		return fmt.Errorf("add messages: %w", err)
	}
	if err := resp.Error(); err != nil {
		return fmt.Errorf("add messages: %w", err)
	}
	return nil
}

// TouchConversation bumps updated_at.
func (r *Repository) TouchConversation(ctx context.Context, id string, at time.Time) error {
	resp, err := r.client.From(tableConversations).
		Eq("id", id).
		ExecuteUpdate(ctx, map[string]time.Time{"updated_at": at})
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	if err := resp.Error(); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}
