package supabase

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeloft/marketplace/services/chat"
	"github.com/tradeloft/marketplace/supabase/client"
)

func newRepoWithHandler(t *testing.T, handler http.HandlerFunc) *Repository {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c, err := client.New(client.Config{URL: server.URL, APIKey: "service-key"})
	require.NoError(t, err)
	return NewRepository(c)
}

func TestRecentMessages_Chronological(t *testing.T) {
	repo := newRepoWithHandler(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "/rest/v1/chat_messages", r.URL.Path)
		assert.Equal(t, "eq.c1", q.Get("conversation_id"))
		assert.Equal(t, "created_at.desc,id.desc", q.Get("order"))
		assert.Equal(t, "3", q.Get("limit"))
		_, _ = w.Write([]byte(`[
			{"id":"m3","conversation_id":"c1","role":"assistant","content":"three","created_at":"2026-05-01T09:00:03Z"},
			{"id":"m2","conversation_id":"c1","role":"user","content":"two","created_at":"2026-05-01T09:00:02Z"},
			{"id":"m1","conversation_id":"c1","role":"assistant","content":"one","created_at":"2026-05-01T09:00:01Z"}
		]`))
	})

	msgs, err := repo.RecentMessages(context.Background(), "c1", 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"one", "two", "three"}, []string{msgs[0].Content, msgs[1].Content, msgs[2].Content})
}

func TestAddMessagesBulkInsert(t *testing.T) {
	var rows []map[string]any
	repo := newRepoWithHandler(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		data, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(data, &rows))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`[]`))
	})

	err := repo.AddMessages(context.Background(), []chat.Message{
		{ID: "m1", ConversationID: "c1", Role: chat.RoleUser, Content: "hi"},
		{ID: "m2", ConversationID: "c1", Role: chat.RoleAssistant, Content: "hello"},
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "assistant", rows[1]["role"])
}

func TestGetConversation(t *testing.T) {
	repo := newRepoWithHandler(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("id") == "eq.c1" && q.Get("user_id") == "eq.u1" {
			_, _ = w.Write([]byte(`[{"id":"c1","user_id":"u1","title":"Deck stain"}]`))
			return
		}
		_, _ = w.Write([]byte(`[]`))
	})

	conv, err := repo.GetConversation(context.Background(), "u1", "c1")
	require.NoError(t, err)
	assert.Equal(t, "Deck stain", conv.Title)

	_, err = repo.GetConversation(context.Background(), "u2", "c1")
	assert.ErrorIs(t, err, chat.ErrConversationNotFound)
}

func TestTouchConversation(t *testing.T) {
	var method, idFilter string
	var body map[string]string
	repo := newRepoWithHandler(t, func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		idFilter = r.URL.Query().Get("id")
		data, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(data, &body))
		_, _ = w.Write([]byte(`[]`))
	})

	at := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
	require.NoError(t, repo.TouchConversation(context.Background(), "c1", at))
	assert.Equal(t, http.MethodPatch, method)
	assert.Equal(t, "eq.c1", idFilter)
	assert.Equal(t, "2026-05-01T09:30:00Z", body["updated_at"])
}
