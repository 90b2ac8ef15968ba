package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeloft/marketplace/internal/logging"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c, err := New(Config{URL: server.URL + "/", APIKey: "service-key"})
	require.NoError(t, err)
	return c
}

func TestNewRequiresURLAndKey(t *testing.T) {
	_, err := New(Config{APIKey: "k"})
	assert.Error(t, err)
	_, err = New(Config{URL: "https://x.supabase.co"})
	assert.Error(t, err)
}

func TestQueryBuilderEncodesFilters(t *testing.T) {
	var got *http.Request
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r
		w.Header().Set("Content-Range", "0-1/42")
		_, _ = w.Write([]byte(`[{"id":"a"},{"id":"b"}]`))
	})

	ctx := logging.WithTraceID(context.Background(), "trace-1")
	resp, err := c.From("designer_orders").
		Select("*").
		Eq("status", "delivered").
		Lt("delivered_at", "2026-01-01").
		Order("created_at", false).
		Order("id", true).
		Limit(2).
		Offset(4).
		Count("exact").
		Execute(ctx)
	require.NoError(t, err)

	q := got.URL.Query()
	assert.Equal(t, "/rest/v1/designer_orders", got.URL.Path)
	assert.Equal(t, "eq.delivered", q.Get("status"))
	assert.Equal(t, "lt.2026-01-01", q.Get("delivered_at"))
	assert.Equal(t, "created_at.desc,id.asc", q.Get("order"))
	assert.Equal(t, "2", q.Get("limit"))
	assert.Equal(t, "4", q.Get("offset"))
	assert.Equal(t, "count=exact", got.Header.Get("Prefer"))
	assert.Equal(t, "service-key", got.Header.Get("apikey"))
	assert.Equal(t, "Bearer service-key", got.Header.Get("Authorization"))
	assert.Equal(t, "trace-1", got.Header.Get("X-Request-ID"))

	var rows []struct{ ID string }
	require.NoError(t, resp.Decode(&rows))
	assert.Len(t, rows, 2)
	assert.Equal(t, 42, resp.Count())
}

func TestWithAccessTokenOverridesBearer(t *testing.T) {
	var auth string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`[]`))
	})

	_, err := c.WithAccessToken("user-jwt").From("boms").Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer user-jwt", auth)

	_, err = c.From("boms").Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer service-key", auth)
}

func TestSingleNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/vnd.pgrst.object+json", r.Header.Get("Accept"))
		w.WriteHeader(http.StatusNotAcceptable)
		_, _ = w.Write([]byte(`{"code":"PGRST116","message":"JSON object requested, multiple (or no) rows returned","details":"The result contains 0 rows"}`))
	})

	resp, err := c.From("profiles").Eq("id", "u1").Single().Execute(context.Background())
	require.NoError(t, err)

	var row map[string]any
	err = resp.Decode(&row)
	assert.True(t, errors.Is(err, ErrNotFound), "err = %v", err)
}

func TestAPIErrorParsed(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"code":"23505","message":"duplicate key","hint":"check id"}`))
	})

	resp, err := c.From("boms").ExecuteInsert(context.Background(), map[string]string{"id": "x"})
	require.NoError(t, err)

	var apiErr *APIError
	require.True(t, errors.As(resp.Error(), &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "23505", apiErr.Code)
	assert.Equal(t, "check id", apiErr.Hint)
	assert.Contains(t, apiErr.Error(), "duplicate key")
}

func TestUpsertSetsConflictTarget(t *testing.T) {
	var got *http.Request
	var body []byte
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`[{"id":"p1"}]`))
	})

	_, err := c.From("profiles").OnConflict("id").ExecuteInsert(context.Background(), map[string]string{"id": "p1"})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "id", got.URL.Query().Get("on_conflict"))
	assert.Equal(t, "resolution=merge-duplicates,return=representation", got.Header.Get("Prefer"))
	assert.JSONEq(t, `{"id":"p1"}`, string(body))
}

func TestUpdateAndDeleteUseFilters(t *testing.T) {
	var methods []string
	var statusFilters []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method)
		statusFilters = append(statusFilters, r.URL.Query().Get("status"))
		_, _ = w.Write([]byte(`[]`))
	})

	ctx := context.Background()
	_, err := c.From("designer_orders").Eq("id", "o1").Eq("status", "requested").ExecuteUpdate(ctx, map[string]string{"status": "accepted"})
	require.NoError(t, err)
	_, err = c.From("designer_orders").Eq("status", "cancelled").ExecuteDelete(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{http.MethodPatch, http.MethodDelete}, methods)
	assert.Equal(t, []string{"eq.requested", "eq.cancelled"}, statusFilters)
}

func TestRPC(t *testing.T) {
	var path string
	var body []byte
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		body, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte(`[{"id":"c1","distance_km":3.2}]`))
	})

	resp, err := c.RPC(context.Background(), "search_contractors_nearby", map[string]float64{"lat": 40.1})
	require.NoError(t, err)

	assert.Equal(t, "/rest/v1/rpc/search_contractors_nearby", path)
	assert.JSONEq(t, `{"lat":40.1}`, string(body))
	var rows []map[string]any
	require.NoError(t, resp.JSON(&rows))
	assert.Len(t, rows, 1)
}

func TestStorageUpload(t *testing.T) {
	var got *http.Request
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r
		_, _ = w.Write([]byte(`{"Key":"bom-images/u1/a.png"}`))
	})

	bucket := c.Storage("bom-images")
	err := bucket.Upload(context.Background(), "/u1/a.png", []byte{1, 2, 3}, "image/png")
	require.NoError(t, err)

	assert.Equal(t, "/storage/v1/object/bom-images/u1/a.png", got.URL.Path)
	assert.Equal(t, "image/png", got.Header.Get("Content-Type"))
	assert.Equal(t, "true", got.Header.Get("x-upsert"))
	assert.Equal(t, c.BaseURL()+"/storage/v1/object/public/bom-images/u1/a.png", bucket.PublicURL("u1/a.png"))
}

func TestResponseCountWithoutHeader(t *testing.T) {
	resp := &Response{Headers: http.Header{}}
	assert.Equal(t, -1, resp.Count())
	resp.Headers.Set("Content-Range", "*/0")
	assert.Equal(t, 0, resp.Count())
}
