package contractors

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeloft/marketplace/internal/cache"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestMapsGeocoder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/geocode/json", r.URL.Path)
		assert.Equal(t, "maps-key", r.URL.Query().Get("key"))
		switch r.URL.Query().Get("address") {
		case "1 Market St, San Francisco":
			_, _ = w.Write([]byte(`{"status":"OK","results":[{"geometry":{"location":{"lat":37.7936,"lng":-122.3958}}}]}`))
		case "denied":
			_, _ = w.Write([]byte(`{"status":"REQUEST_DENIED","error_message":"bad key","results":[]}`))
		default:
			_, _ = w.Write([]byte(`{"status":"ZERO_RESULTS","results":[]}`))
		}
	}))
	defer server.Close()

	g := NewMapsGeocoder(server.URL, "maps-key", quietLogger())

	loc, err := g.Geocode(context.Background(), "1 Market St, San Francisco")
	require.NoError(t, err)
	assert.Equal(t, Location{Lat: 37.7936, Lng: -122.3958}, loc)

	_, err = g.Geocode(context.Background(), "atlantis")
	assert.ErrorIs(t, err, ErrAddressNotFound)

	_, err = g.Geocode(context.Background(), "denied")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REQUEST_DENIED")
}

func TestCachedGeocoder(t *testing.T) {
	inner := &fakeGeocoder{loc: Location{Lat: 1, Lng: 2}}
	g := NewCachedGeocoder(inner, cache.NewMemory(), quietLogger())
	ctx := context.Background()

	for _, addr := range []string{"Portland,  OR", "portland, or", " PORTLAND, OR "} {
		loc, err := g.Geocode(ctx, addr)
		require.NoError(t, err)
		assert.Equal(t, Location{Lat: 1, Lng: 2}, loc)
	}
	assert.Equal(t, 1, inner.calls)

	inner.err = ErrAddressNotFound
	_, err := g.Geocode(ctx, "elsewhere")
	assert.ErrorIs(t, err, ErrAddressNotFound)
	_, err = g.Geocode(ctx, "elsewhere")
	assert.ErrorIs(t, err, ErrAddressNotFound)
	assert.Equal(t, 3, inner.calls, "misses are not cached")
}
