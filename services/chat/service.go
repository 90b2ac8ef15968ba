package chat

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/tradeloft/marketplace/internal/ai"
	"github.com/tradeloft/marketplace/internal/config"
	svcerrors "github.com/tradeloft/marketplace/internal/errors"
	"github.com/tradeloft/marketplace/internal/logging"
	"github.com/tradeloft/marketplace/internal/middleware"
)

const (
	titleRunes            = 60
	maxConversations      = 50
	maxTranscriptMessages = 500
	replyMaxTokens        = 2048
)

const systemInstruction = `You are Tradeloft's home improvement assistant.
Help homeowners plan repairs and renovations: scope the work, explain options and trade-offs, give rough cost and time ranges, and say which trade to hire.
Flag work that needs a permit or a licensed professional (electrical, gas, structural, asbestos or lead).
Be concise and practical. If you are unsure, say so rather than guessing.`

// Service runs assistant conversations.
type Service struct {
	model   ai.Model
	store   Store
	policy  config.ChatPolicy
	limiter *middleware.RateLimiter
	logger  *logging.Logger
	now     func() time.Time
	newID   func() string
}

// NewService creates the chat service.
func NewService(model ai.Model, store Store, policy config.ChatPolicy, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Discard()
	}
	if model == nil {
		model = ai.Disabled{}
	}
	return &Service{
		model:   model,
		store:   store,
		policy:  policy,
		limiter: middleware.NewPerMinuteRateLimiter("chat", policy.RatePerMinute, policy.Burst, logger),
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   func() string { return uuid.NewString() },
	}
}

// Limiter exposes the per-user message limiter for periodic cleanup.
func (s *Service) Limiter() *middleware.RateLimiter { return s.limiter }

// Send posts a user message and returns the assistant's reply. An empty
// conversationID starts a new conversation.
func (s *Service) Send(ctx context.Context, userID, conversationID, text string) (*Reply, error) {
	if userID == "" {
		return nil, svcerrors.Unauthorized("")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, svcerrors.Validation("message", "message is required")
	}
	if utf8.RuneCountInString(text) > s.policy.MaxMessageChars {
		return nil, svcerrors.Validation("message", "message is too long")
	}
	if err := s.limiter.Check(userID); err != nil {
		return nil, err
	}

	var conv *Conversation
	var history []ai.Message
	if conversationID != "" {
		var err error
		if conv, err = s.conversation(ctx, userID, conversationID); err != nil {
			return nil, err
		}
		if history, err = s.history(ctx, conv.ID); err != nil {
			return nil, err
		}
	}

	answer, err := s.model.Generate(ctx, ai.Request{
		Operation:   "chat",
		System:      systemInstruction,
		History:     history,
		Prompt:      text,
		Temperature: 0.7,
		MaxTokens:   replyMaxTokens,
	})
	if err != nil {
		if errors.Is(err, ai.ErrNotConfigured) {
			return nil, svcerrors.Unavailable("assistant is not configured")
		}
		return nil, svcerrors.Upstream("ai", err)
	}
	answer = strings.TrimSpace(answer)

	now := s.now()
	if conv == nil {
		conv = &Conversation{
			ID:        s.newID(),
			UserID:    userID,
			Title:     Title(text),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.store.CreateConversation(ctx, conv); err != nil {
			return nil, svcerrors.Upstream("database", err)
		}
	}

	userMsg := Message{ID: s.newID(), ConversationID: conv.ID, Role: RoleUser, Content: text, CreatedAt: now}
	reply := Message{ID: s.newID(), ConversationID: conv.ID, Role: RoleAssistant, Content: answer, CreatedAt: now.Add(time.Millisecond)}
	if err := s.store.AddMessages(ctx, []Message{userMsg, reply}); err != nil {
		return nil, svcerrors.Upstream("database", err)
	}
	if err := s.store.TouchConversation(ctx, conv.ID, reply.CreatedAt); err != nil {
		s.logger.WithContext(ctx).WithError(err).WithField("conversation_id", conv.ID).Warn("conversation timestamp not updated")
	}

	return &Reply{ConversationID: conv.ID, Title: conv.Title, Message: reply}, nil
}

func (s *Service) conversation(ctx context.Context, userID, id string) (*Conversation, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, svcerrors.NotFound("conversation")
	}
	conv, err := s.store.GetConversation(ctx, userID, id)
	if errors.Is(err, ErrConversationNotFound) {
		return nil, svcerrors.NotFound("conversation")
	}
	if err != nil {
		return nil, svcerrors.Upstream("database", err)
	}
	return conv, nil
}

func (s *Service) history(ctx context.Context, conversationID string) ([]ai.Message, error) {
	if s.policy.HistoryLimit == 0 {
		return nil, nil
	}
	msgs, err := s.store.RecentMessages(ctx, conversationID, s.policy.HistoryLimit)
	if err != nil {
		return nil, svcerrors.Upstream("database", err)
	}
	out := make([]ai.Message, 0, len(msgs))
	for _, m := range msgs {
		role := ai.RoleUser
		if m.Role == RoleAssistant {
			role = ai.RoleModel
		}
		out = append(out, ai.Message{Role: role, Text: m.Content})
	}
	return out, nil
}

// Title derives a conversation title from its first message.
func Title(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= titleRunes {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:titleRunes]))
}

// Conversations lists the user's conversations, most recent first.
func (s *Service) Conversations(ctx context.Context, userID string) ([]Conversation, error) {
	if userID == "" {
		return nil, svcerrors.Unauthorized("")
	}
	list, err := s.store.ListConversations(ctx, userID, maxConversations)
	if err != nil {
		return nil, svcerrors.Upstream("database", err)
	}
	if list == nil {
		list = []Conversation{}
	}
	return list, nil
}

// Messages returns a conversation's transcript, oldest first.
func (s *Service) Messages(ctx context.Context, userID, conversationID string) (*Conversation, []Message, error) {
	conv, err := s.conversation(ctx, userID, conversationID)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := s.store.RecentMessages(ctx, conv.ID, maxTranscriptMessages)
	if err != nil {
		return nil, nil, svcerrors.Upstream("database", err)
	}
	if msgs == nil {
		msgs = []Message{}
	}
	return conv, msgs, nil
}
