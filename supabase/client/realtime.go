package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// ChangeJoined is the Type of the event delivered after every successful
// channel join, including rejoins after a reconnect. Changes committed while
// the socket was down are not replayed, so handlers that cache table state
// should treat it as "anything may have changed".
const ChangeJoined = "JOINED"

// ChangeEvent is a row change delivered over Supabase Realtime.
type ChangeEvent struct {
	Schema    string
	Table     string
	Type      string // INSERT, UPDATE, DELETE or ChangeJoined
	Record    map[string]any
	OldRecord map[string]any
}

// ChangeHandler handles a row change.
type ChangeHandler func(ChangeEvent)

// RealtimeClient subscribes to Postgres change feeds over the Realtime
// Phoenix-channel websocket.
type RealtimeClient struct {
	url            string
	heartbeat      time.Duration
	reconnectDelay time.Duration
	maxDelay       time.Duration
	logger         logrus.FieldLogger
	dialer         *websocket.Dialer
}

// phoenixMessage is a Phoenix channel frame.
type phoenixMessage struct {
	Topic   string `json:"topic"`
	Event   string `json:"event"`
	Payload any    `json:"payload"`
	Ref     string `json:"ref"`
}

// NewRealtimeClient creates a realtime client for the project at supabaseURL.
func NewRealtimeClient(supabaseURL, apiKey string, logger logrus.FieldLogger) *RealtimeClient {
	wsURL := strings.TrimSuffix(supabaseURL, "/")
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}
	wsURL += "/realtime/v1/websocket?apikey=" + url.QueryEscape(apiKey) + "&vsn=1.0.0"

	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &RealtimeClient{
		url:            wsURL,
		heartbeat:      30 * time.Second,
		reconnectDelay: time.Second,
		maxDelay:       time.Minute,
		logger:         logger,
		dialer:         &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// SubscribeToPostgresChanges streams changes on schema.table to handler,
// reconnecting with backoff until ctx is cancelled.
func (r *RealtimeClient) SubscribeToPostgresChanges(ctx context.Context, schema, table string, handler ChangeHandler) error {
	topic := fmt.Sprintf("realtime:%s:%s", schema, table)
	delay := r.reconnectDelay

	for {
		connected, err := r.runOnce(ctx, topic, schema, table, handler)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			delay = r.reconnectDelay
		}
		r.logger.WithError(err).WithFields(logrus.Fields{
			"topic": topic,
			"retry": delay.String(),
		}).Warn("realtime subscription dropped")

		if err := sleepContext(ctx, delay); err != nil {
			return nil
		}
		delay *= 2
		if delay > r.maxDelay {
			delay = r.maxDelay
		}
	}
}

func (r *RealtimeClient) runOnce(ctx context.Context, topic, schema, table string, handler ChangeHandler) (bool, error) {
	conn, _, err := r.dialer.DialContext(ctx, r.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial realtime: %w", err)
	}
	defer conn.Close()

	var writeMu sync.Mutex
	ref := 0
	send := func(msg phoenixMessage) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		ref++
		msg.Ref = strconv.Itoa(ref)
		return conn.WriteJSON(msg)
	}

	join := phoenixMessage{
		Topic: topic,
		Event: "phx_join",
		Payload: map[string]any{
			"config": map[string]any{
				"postgres_changes": []map[string]string{
					{"event": "*", "schema": schema, "table": table},
				},
			},
		},
	}
	if err := send(join); err != nil {
		return false, fmt.Errorf("join %s: %w", topic, err)
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(r.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				// Unblock ReadMessage.
				_ = conn.Close()
				return
			case <-ticker.C:
				if err := send(phoenixMessage{Topic: "phoenix", Event: "heartbeat", Payload: map[string]any{}}); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()

	joined := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return joined, err
		}

		msg := gjson.ParseBytes(data)
		if msg.Get("topic").String() != topic {
			continue
		}

		switch msg.Get("event").String() {
		case "phx_reply":
			if msg.Get("payload.status").String() != "ok" {
				return joined, fmt.Errorf("join %s rejected: %s", topic, msg.Get("payload.response").Raw)
			}
			if !joined {
				joined = true
				r.logger.WithField("topic", topic).Info("realtime subscription joined")
				handler(ChangeEvent{Schema: schema, Table: table, Type: ChangeJoined})
			}
		case "phx_error", "phx_close":
			return joined, fmt.Errorf("channel %s closed: %s", topic, msg.Get("event").String())
		case "postgres_changes":
			change := msg.Get("payload.data")
			handler(ChangeEvent{
				Schema:    change.Get("schema").String(),
				Table:     change.Get("table").String(),
				Type:      change.Get("type").String(),
				Record:    objectOf(change.Get("record")),
				OldRecord: objectOf(change.Get("old_record")),
			})
		}
	}
}

func objectOf(v gjson.Result) map[string]any {
	if !v.IsObject() {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(v.Raw), &out); err != nil {
		return nil
	}
	return out
}
