package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeloft/marketplace/internal/ai"
	"github.com/tradeloft/marketplace/internal/config"
	svcerrors "github.com/tradeloft/marketplace/internal/errors"
	"github.com/tradeloft/marketplace/internal/logging"
)

const (
	alice = "aaaaaaaa-0000-0000-0000-000000000001"
	bob   = "bbbbbbbb-0000-0000-0000-000000000002"
)

type memStore struct {
	mu       sync.Mutex
	convs    map[string]Conversation
	msgs     []Message
	failAdds bool
}

func newMemStore() *memStore { return &memStore{convs: map[string]Conversation{}} }

func (m *memStore) CreateConversation(_ context.Context, c *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.convs[c.ID] = *c
	return nil
}

func (m *memStore) GetConversation(_ context.Context, userID, id string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok || c.UserID != userID {
		return nil, ErrConversationNotFound
	}
	return &c, nil
}

func (m *memStore) ListConversations(_ context.Context, userID string, limit int) ([]Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Conversation
	for _, c := range m.convs {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) RecentMessages(_ context.Context, conversationID string, limit int) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Message
	for _, msg := range m.msgs {
		if msg.ConversationID == conversationID {
			out = append(out, msg)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *memStore) AddMessages(_ context.Context, msgs []Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAdds {
		return errors.New("insert failed")
	}
	m.msgs = append(m.msgs, msgs...)
	return nil
}

func (m *memStore) TouchConversation(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.convs[id]
	c.UpdatedAt = at
	m.convs[id] = c
	return nil
}

type echoModel struct {
	mu   sync.Mutex
	last ai.Request
	err  error
}

func (e *echoModel) Generate(_ context.Context, req ai.Request) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.last = req
	if e.err != nil {
		return "", e.err
	}
	return "  reply to: " + req.Prompt + "\n", nil
}

func newTestService(policy config.ChatPolicy) (*Service, *memStore, *echoModel) {
	store := newMemStore()
	model := &echoModel{}
	svc := NewService(model, store, policy, nil)
	clock := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return svc, store, model
}

func roomyPolicy() config.ChatPolicy {
	p := config.DefaultPolicy().Chat
	p.RatePerMinute = 600
	p.Burst = 100
	return p
}

func TestSend_NewConversation(t *testing.T) {
	svc, store, model := newTestService(roomyPolicy())

	reply, err := svc.Send(context.Background(), alice, "", "  How do I fix a squeaky floor?  ")
	require.NoError(t, err)

	assert.Equal(t, "How do I fix a squeaky floor?", reply.Title)
	assert.Equal(t, RoleAssistant, reply.Message.Role)
	assert.Equal(t, "reply to: How do I fix a squeaky floor?", reply.Message.Content)
	assert.Empty(t, model.last.History)
	assert.Equal(t, "chat", model.last.Operation)
	assert.NotEmpty(t, model.last.System)

	require.Contains(t, store.convs, reply.ConversationID)
	require.Len(t, store.msgs, 2)
	assert.Equal(t, RoleUser, store.msgs[0].Role)
	assert.True(t, store.msgs[1].CreatedAt.After(store.msgs[0].CreatedAt))
	assert.Equal(t, store.msgs[1].CreatedAt, store.convs[reply.ConversationID].UpdatedAt)
}

func TestSend_ContinuesWithHistory(t *testing.T) {
	policy := roomyPolicy()
	policy.HistoryLimit = 3
	svc, store, model := newTestService(policy)
	ctx := context.Background()

	first, err := svc.Send(ctx, alice, "", "first")
	require.NoError(t, err)
	_, err = svc.Send(ctx, alice, first.ConversationID, "second")
	require.NoError(t, err)
	_, err = svc.Send(ctx, alice, first.ConversationID, "third")
	require.NoError(t, err)

	require.Len(t, model.last.History, 3)
	assert.Equal(t, ai.RoleModel, model.last.History[0].Role)
	assert.Equal(t, "reply to: first", model.last.History[0].Text)
	assert.Equal(t, ai.RoleUser, model.last.History[1].Role)
	assert.Equal(t, "second", model.last.History[1].Text)
	assert.Len(t, store.convs, 1)
	assert.Len(t, store.msgs, 6)
}

func TestSend_ForeignConversation(t *testing.T) {
	svc, _, _ := newTestService(roomyPolicy())
	ctx := context.Background()

	first, err := svc.Send(ctx, alice, "", "hello")
	require.NoError(t, err)

	_, err = svc.Send(ctx, bob, first.ConversationID, "let me in")
	assert.Equal(t, svcerrors.CodeNotFound, svcerrors.GetServiceError(err).Code)

	_, err = svc.Send(ctx, alice, "not-a-uuid", "hi")
	assert.Equal(t, svcerrors.CodeNotFound, svcerrors.GetServiceError(err).Code)
}

func TestSend_Validation(t *testing.T) {
	svc, store, _ := newTestService(roomyPolicy())

	_, err := svc.Send(context.Background(), alice, "", "   ")
	assert.Equal(t, svcerrors.CodeValidation, svcerrors.GetServiceError(err).Code)

	_, err = svc.Send(context.Background(), alice, "", strings.Repeat("é", 4001))
	assert.Equal(t, svcerrors.CodeValidation, svcerrors.GetServiceError(err).Code)

	_, err = svc.Send(context.Background(), alice, "", strings.Repeat("é", 4000))
	assert.NoError(t, err)

	_, err = svc.Send(context.Background(), "", "", "hi")
	assert.Equal(t, http.StatusUnauthorized, svcerrors.HTTPStatus(err))
	assert.Len(t, store.convs, 1)
}

func TestSend_ModelFailureStoresNothing(t *testing.T) {
	svc, store, model := newTestService(roomyPolicy())
	model.err = errors.New("overloaded")

	_, err := svc.Send(context.Background(), alice, "", "hi")
	assert.Equal(t, http.StatusBadGateway, svcerrors.HTTPStatus(err))
	assert.Empty(t, store.convs)
	assert.Empty(t, store.msgs)

	model.err = ai.ErrNotConfigured
	_, err = svc.Send(context.Background(), alice, "", "hi")
	assert.Equal(t, http.StatusServiceUnavailable, svcerrors.HTTPStatus(err))
}

func TestSend_StoreFailure(t *testing.T) {
	svc, store, _ := newTestService(roomyPolicy())
	store.failAdds = true

	_, err := svc.Send(context.Background(), alice, "", "hi")
	assert.Equal(t, http.StatusBadGateway, svcerrors.HTTPStatus(err))
}

func TestSend_RateLimited(t *testing.T) {
	svc, _, _ := newTestService(config.DefaultPolicy().Chat)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := svc.Send(ctx, alice, "", "hi")
		require.NoError(t, err, "message %d", i)
	}
	_, err := svc.Send(ctx, alice, "", "hi")
	assert.Equal(t, http.StatusTooManyRequests, svcerrors.HTTPStatus(err))

	_, err = svc.Send(ctx, bob, "", "hi")
	assert.NoError(t, err)
}

func TestTitle(t *testing.T) {
	testCases := []struct {
		in, want string
	}{
		{"short", "short"},
		{"multi\n  line\ttext", "multi line text"},
		{strings.Repeat("a", 70), strings.Repeat("a", 60)},
		{strings.Repeat("ü", 61), strings.Repeat("ü", 60)},
		{strings.Repeat("x", 59) + " tail", strings.Repeat("x", 59)},
	}
	for _, tc := range testCases {
		if got := Title(tc.in); got != tc.want {
			t.Errorf("Title(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestConversationsAndMessages(t *testing.T) {
	svc, _, _ := newTestService(roomyPolicy())
	ctx := context.Background()

	a, err := svc.Send(ctx, alice, "", "kitchen")
	require.NoError(t, err)
	b, err := svc.Send(ctx, alice, "", "bathroom")
	require.NoError(t, err)
	_, err = svc.Send(ctx, bob, "", "garage")
	require.NoError(t, err)

	list, err := svc.Conversations(ctx, alice)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, b.ConversationID, list[0].ID)

	conv, msgs, err := svc.Messages(ctx, alice, a.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, "kitchen", conv.Title)
	require.Len(t, msgs, 2)
	assert.Equal(t, "kitchen", msgs[0].Content)

	_, _, err = svc.Messages(ctx, bob, a.ConversationID)
	assert.Equal(t, svcerrors.CodeNotFound, svcerrors.GetServiceError(err).Code)

	empty, err := svc.Conversations(ctx, uuid.NewString())
	require.NoError(t, err)
	assert.NotNil(t, empty)
}

func TestHandlers(t *testing.T) {
	svc, _, _ := newTestService(roomyPolicy())
	r := mux.NewRouter()
	svc.RegisterRoutes(r.PathPrefix("/api/v1").Subrouter())

	do := func(method, path, body, user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
		if user != "" {
			req = req.WithContext(logging.WithUser(req.Context(), user, "homeowner"))
		}
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, req)
		return rr
	}

	assert.Equal(t, http.StatusUnauthorized, do(http.MethodPost, "/api/v1/chat", `{"message":"hi"}`, "").Code)
	assert.Equal(t, http.StatusBadRequest, do(http.MethodPost, "/api/v1/chat", `{"msg":"hi"}`, alice).Code)

	rr := do(http.MethodPost, "/api/v1/chat", `{"message":"Should I tile over linoleum?"}`, alice)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var reply Reply
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &reply))
	assert.NotEmpty(t, reply.ConversationID)

	rr = do(http.MethodGet, "/api/v1/chat/conversations", "", alice)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), reply.ConversationID)

	rr = do(http.MethodGet, "/api/v1/chat/conversations/"+reply.ConversationID, "", alice)
	require.Equal(t, http.StatusOK, rr.Code)
	var transcript struct {
		Messages []Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &transcript))
	assert.Len(t, transcript.Messages, 2)

	assert.Equal(t, http.StatusNotFound, do(http.MethodGet, "/api/v1/chat/conversations/"+reply.ConversationID, "", bob).Code)
}
