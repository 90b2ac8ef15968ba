package supabase

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeloft/marketplace/services/profiles"
	"github.com/tradeloft/marketplace/supabase/client"
)

func TestGetProfile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/v1/profiles", r.URL.Path)
		if r.URL.Query().Get("id") == "eq.u1" {
			_, _ = w.Write([]byte(`{"id":"u1","email":"u1@example.com","full_name":"Uma","role":"contractor","avatar_url":null}`))
			return
		}
		w.WriteHeader(http.StatusNotAcceptable)
		_, _ = w.Write([]byte(`{"code":"PGRST116","message":"JSON object requested, multiple (or no) rows returned","details":"The result contains 0 rows"}`))
	}))
	defer server.Close()

	c, err := client.New(client.Config{URL: server.URL, APIKey: "k"})
	require.NoError(t, err)
	repo := NewRepository(c)

	p, err := repo.GetProfile(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, profiles.RoleContractor, p.Role)
	assert.Nil(t, p.AvatarURL)

	_, err = repo.GetProfile(context.Background(), "u2")
	assert.ErrorIs(t, err, profiles.ErrProfileNotFound)
}
