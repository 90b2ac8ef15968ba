package supabase

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeloft/marketplace/services/contractors"
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

func TestSearchNearby(t *testing.T) {
	var bodies []map[string]any
	repo := newRepoWithHandler(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/v1/rpc/search_contractors_nearby", r.URL.Path)
		data, _ := io.ReadAll(r.Body)
		var body map[string]any
		assert.NoError(t, json.Unmarshal(data, &body))
		bodies = append(bodies, body)
		_, _ = w.Write([]byte(`[{"id":"c1","business_name":"Ace","trades":["tile","flooring"],"rating":4.8,"review_count":31,"verified":true,"distance_km":2.4}]`))
	})

	center := contractors.Location{Lat: 37.7, Lng: -122.4}
	got, err := repo.SearchNearby(context.Background(), center, 25, "tile")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []string{"tile", "flooring"}, got[0].Trades)
	assert.Equal(t, 2.4, got[0].DistanceKm)
	assert.True(t, got[0].Verified)

	_, err = repo.SearchNearby(context.Background(), center, 25, "")
	require.NoError(t, err)

	require.Len(t, bodies, 2)
	assert.Equal(t, map[string]any{"p_lat": 37.7, "p_lng": -122.4, "p_radius_km": 25.0, "p_trade": "tile"}, bodies[0])
	assert.Nil(t, bodies[1]["p_trade"])
	assert.Contains(t, bodies[1], "p_trade")
}

func TestGetContractor(t *testing.T) {
	repo := newRepoWithHandler(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("id") == "eq.c1" {
			_, _ = w.Write([]byte(`[{"id":"c1","bio":"Family run since 1998"}]`))
			return
		}
		_, _ = w.Write([]byte(`[]`))
	})

	raw, err := repo.GetContractor(context.Background(), "c1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"c1","bio":"Family run since 1998"}`, string(raw))

	_, err = repo.GetContractor(context.Background(), "c2")
	assert.ErrorIs(t, err, contractors.ErrContractorNotFound)
}
