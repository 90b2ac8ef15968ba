package contractors

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/tradeloft/marketplace/internal/cache"
	"github.com/tradeloft/marketplace/internal/httputil"
	"github.com/tradeloft/marketplace/supabase/client"
)

const (
	geocodeKeyPrefix = "geocode:"
	geocodeTTL       = 24 * time.Hour
)

// MapsGeocoder calls the maps geocoding API.
type MapsGeocoder struct {
	api *httputil.APIClient
}

// NewMapsGeocoder creates a geocoder for the maps API at baseURL.
func NewMapsGeocoder(baseURL, apiKey string, logger logrus.FieldLogger) *MapsGeocoder {
	return &MapsGeocoder{api: httputil.NewAPIClient(httputil.APIClientConfig{
		BaseURL:    baseURL,
		QueryKey:   apiKey,
		HTTPClient: client.NewResilientHTTPClient("maps", 10*time.Second, logger),
	})}
}

// Geocode returns the first match for address.
func (g *MapsGeocoder) Geocode(ctx context.Context, address string) (Location, error) {
	resp, err := g.api.Get(ctx, "/geocode/json", url.Values{"address": {address}})
	if err != nil {
		return Location{}, fmt.Errorf("geocode: %w", err)
	}
	var body []byte
	if err := httputil.DecodeResponse(resp, &body); err != nil {
		return Location{}, fmt.Errorf("geocode: %w", err)
	}

	doc := gjson.ParseBytes(body)
	switch status := doc.Get("status").String(); status {
	case "OK":
	case "ZERO_RESULTS":
		return Location{}, ErrAddressNotFound
	default:
		return Location{}, fmt.Errorf("geocode: status %s: %s", status, doc.Get("error_message").String())
	}

	loc := doc.Get("results.0.geometry.location")
	if !loc.Get("lat").Exists() || !loc.Get("lng").Exists() {
		return Location{}, ErrAddressNotFound
	}
	return Location{Lat: loc.Get("lat").Float(), Lng: loc.Get("lng").Float()}, nil
}

// CachedGeocoder memoizes another geocoder.
type CachedGeocoder struct {
	next   Geocoder
	cache  cache.Cache
	logger logrus.FieldLogger
}

// NewCachedGeocoder wraps next with c.
func NewCachedGeocoder(next Geocoder, c cache.Cache, logger logrus.FieldLogger) *CachedGeocoder {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &CachedGeocoder{next: next, cache: c, logger: logger}
}

func (g *CachedGeocoder) Geocode(ctx context.Context, address string) (Location, error) {
	key := geocodeKeyPrefix + strings.ToLower(strings.Join(strings.Fields(address), " "))

	var loc Location
	hit, err := cache.GetJSON(ctx, g.cache, key, &loc)
	if err != nil {
		g.logger.WithError(err).Warn("geocode cache read failed")
	}
	if hit {
		return loc, nil
	}

	loc, err = g.next.Geocode(ctx, address)
	if err != nil {
		return Location{}, err
	}
	if err := cache.SetJSON(ctx, g.cache, key, loc, geocodeTTL); err != nil {
		g.logger.WithError(err).Warn("geocode cache write failed")
	}
	return loc, nil
}
