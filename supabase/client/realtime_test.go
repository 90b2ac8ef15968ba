package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRealtimeClientURL(t *testing.T) {
	rc := NewRealtimeClient("https://abc.supabase.co/", "k y", nil)
	assert.Equal(t, "wss://abc.supabase.co/realtime/v1/websocket?apikey=k+y&vsn=1.0.0", rc.url)

	rc = NewRealtimeClient("http://localhost:54321", "k", nil)
	assert.True(t, strings.HasPrefix(rc.url, "ws://localhost:54321/realtime/v1/websocket"))
}

func TestSubscribeToPostgresChanges(t *testing.T) {
	upgrader := websocket.Upgrader{}
	joins := make(chan map[string]any, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var join map[string]any
		if err := conn.ReadJSON(&join); err != nil {
			return
		}
		joins <- join

		topic := join["topic"]
		_ = conn.WriteJSON(map[string]any{
			"topic": topic, "event": "phx_reply", "ref": join["ref"],
			"payload": map[string]any{"status": "ok", "response": map[string]any{}},
		})
		_ = conn.WriteJSON(map[string]any{
			"topic": "realtime:public:other", "event": "postgres_changes",
			"payload": map[string]any{"data": map[string]any{"table": "other"}},
		})
		_ = conn.WriteJSON(map[string]any{
			"topic": topic, "event": "postgres_changes",
			"payload": map[string]any{"data": map[string]any{
				"schema": "public", "table": "catalog_prices", "type": "UPDATE",
				"record":     map[string]any{"sku": "TILE-1", "unit_price": 4.5},
				"old_record": map[string]any{"sku": "TILE-1"},
			}},
		})

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	rc := NewRealtimeClient(server.URL, "anon", logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events := make(chan ChangeEvent, 4)
	done := make(chan error, 1)
	go func() {
		done <- rc.SubscribeToPostgresChanges(ctx, "public", "catalog_prices", func(ev ChangeEvent) {
			events <- ev
		})
	}()

	join := <-joins
	assert.Equal(t, "realtime:public:catalog_prices", join["topic"])
	assert.Equal(t, "phx_join", join["event"])

	select {
	case ev := <-events:
		assert.Equal(t, ChangeJoined, ev.Type)
		assert.Equal(t, "catalog_prices", ev.Table)
	case <-ctx.Done():
		t.Fatal("no join event received")
	}

	select {
	case ev := <-events:
		assert.Equal(t, "catalog_prices", ev.Table)
		assert.Equal(t, "UPDATE", ev.Type)
		assert.Equal(t, "TILE-1", ev.Record["sku"])
		assert.Equal(t, "TILE-1", ev.OldRecord["sku"])
	case <-ctx.Done():
		t.Fatal("no change event received")
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not stop after cancel")
	}
	assert.Empty(t, events)
}

func TestSubscribeSignalsEveryRejoin(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var conns atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := conns.Add(1)

		var join map[string]any
		if err := conn.ReadJSON(&join); err != nil {
			return
		}
		_ = conn.WriteJSON(map[string]any{
			"topic": join["topic"], "event": "phx_reply", "ref": join["ref"],
			"payload": map[string]any{"status": "ok", "response": map[string]any{}},
		})
		if n == 1 {
			// Drop the first connection right after the join.
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	rc := NewRealtimeClient(server.URL, "anon", logger)
	rc.reconnectDelay = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events := make(chan ChangeEvent, 4)
	done := make(chan error, 1)
	go func() {
		done <- rc.SubscribeToPostgresChanges(ctx, "public", "catalog_prices", func(ev ChangeEvent) {
			events <- ev
		})
	}()

	for i := 0; i < 2; i++ {
		select {
		case ev := <-events:
			assert.Equal(t, ChangeJoined, ev.Type)
		case <-ctx.Done():
			t.Fatalf("join %d not signalled", i+1)
		}
	}
	assert.GreaterOrEqual(t, conns.Load(), int32(2))

	cancel()
	require.NoError(t, <-done)
}
