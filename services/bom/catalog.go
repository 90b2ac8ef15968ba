package bom

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tradeloft/marketplace/internal/cache"
	"github.com/tradeloft/marketplace/supabase/client"
)

const (
	catalogKeyPrefix = "catalog:"
	catalogHitTTL    = 6 * time.Hour
	catalogMissTTL   = 30 * time.Minute
)

// cachedPrice is what the cache holds per normalized name. Found is false
// for names the catalog does not carry.
type cachedPrice struct {
	Found bool         `json:"found"`
	Price CatalogPrice `json:"price,omitempty"`
}

// ChangeSubscriber streams row changes for a table.
type ChangeSubscriber interface {
	SubscribeToPostgresChanges(ctx context.Context, schema, table string, handler client.ChangeHandler) error
}

// Catalog matches item names to supplier prices through a cache.
type Catalog struct {
	source CatalogSource
	cache  cache.Cache
	logger logrus.FieldLogger
}

// NewCatalog creates a cached catalog over source.
func NewCatalog(source CatalogSource, c cache.Cache, logger logrus.FieldLogger) *Catalog {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Catalog{source: source, cache: c, logger: logger}
}

// Match returns catalog prices keyed by normalized name. Names already in
// the cache are not sent to the database.
func (c *Catalog) Match(ctx context.Context, names []string) (map[string]CatalogPrice, error) {
	out := make(map[string]CatalogPrice)
	var missing []string
	seen := make(map[string]bool)

	for _, name := range names {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true

		var entry cachedPrice
		hit, err := cache.GetJSON(ctx, c.cache, catalogKeyPrefix+name, &entry)
		if err != nil {
			c.logger.WithError(err).Warn("catalog cache read failed")
		}
		if !hit {
			missing = append(missing, name)
			continue
		}
		if entry.Found {
			out[name] = entry.Price
		}
	}

	if len(missing) == 0 {
		return out, nil
	}

	prices, err := c.source.MatchCatalogPrices(ctx, missing)
	if err != nil {
		return out, err
	}

	found := make(map[string]CatalogPrice, len(prices))
	for _, p := range prices {
		found[p.NormalizedName] = p
	}
	for _, name := range missing {
		p, ok := found[name]
		entry := cachedPrice{Found: ok, Price: p}
		ttl := catalogMissTTL
		if ok {
			out[name] = p
			ttl = catalogHitTTL
		}
		if err := cache.SetJSON(ctx, c.cache, catalogKeyPrefix+name, entry, ttl); err != nil {
			c.logger.WithError(err).Warn("catalog cache write failed")
		}
	}
	return out, nil
}

// Invalidate drops every cached catalog entry.
func (c *Catalog) Invalidate(ctx context.Context) error {
	return c.cache.DeletePrefix(ctx, catalogKeyPrefix)
}

// Watch invalidates the cache whenever catalog_prices changes, and on every
// (re)join since changes made while disconnected are never delivered. It
// blocks until ctx is cancelled.
func (c *Catalog) Watch(ctx context.Context, sub ChangeSubscriber) error {
	return sub.SubscribeToPostgresChanges(ctx, "public", "catalog_prices", func(ev client.ChangeEvent) {
		if err := c.Invalidate(ctx); err != nil {
			c.logger.WithError(err).Warn("catalog cache invalidation failed")
			return
		}
		c.logger.WithField("change", ev.Type).Debug("catalog cache invalidated")
	})
}
