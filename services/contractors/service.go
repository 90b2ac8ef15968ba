package contractors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"

	"github.com/tradeloft/marketplace/internal/cache"
	"github.com/tradeloft/marketplace/internal/config"
	svcerrors "github.com/tradeloft/marketplace/internal/errors"
	"github.com/tradeloft/marketplace/internal/logging"
)

const searchKeyPrefix = "search:"

// Service answers contractor searches.
type Service struct {
	store    Store
	geocoder Geocoder
	cache    cache.Cache
	policy   config.SearchPolicy
	logger   *logging.Logger
}

// NewService creates the search service. geocoder may be nil, in which case
// address searches are rejected.
func NewService(store Store, geocoder Geocoder, c cache.Cache, policy config.SearchPolicy, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Discard()
	}
	if c == nil {
		c = cache.NewMemory()
	}
	return &Service{store: store, geocoder: geocoder, cache: c, policy: policy, logger: logger}
}

// Search returns one page of contractors near the query point.
func (s *Service) Search(ctx context.Context, q Query) (*Page, error) {
	if err := s.normalize(&q); err != nil {
		return nil, err
	}

	center, err := s.resolve(ctx, q)
	if err != nil {
		return nil, err
	}

	all, err := s.nearby(ctx, center, q.RadiusKm, q.Trade)
	if err != nil {
		return nil, err
	}

	filtered := all
	if q.MinRating > 0 {
		filtered = make([]Contractor, 0, len(all))
		for _, c := range all {
			if c.Rating >= q.MinRating {
				filtered = append(filtered, c)
			}
		}
	}

	return paginate(filtered, q.Page, q.PageSize, center, q.RadiusKm), nil
}

func (s *Service) normalize(q *Query) error {
	q.Address = strings.TrimSpace(q.Address)
	q.Trade = strings.ToLower(strings.TrimSpace(q.Trade))

	if q.Location == nil && q.Address == "" {
		return svcerrors.Validation("location", "lat and lng or address is required")
	}
	if q.Location != nil {
		if !finite(q.Location.Lat) {
			return svcerrors.Validation("lat", "lat must be a number")
		}
		if !finite(q.Location.Lng) {
			return svcerrors.Validation("lng", "lng must be a number")
		}
		if q.Location.Lat < -90 || q.Location.Lat > 90 {
			return svcerrors.Validation("lat", "lat must be between -90 and 90")
		}
		if q.Location.Lng < -180 || q.Location.Lng > 180 {
			return svcerrors.Validation("lng", "lng must be between -180 and 180")
		}
	}

	switch {
	case q.RadiusKm == 0:
		q.RadiusKm = s.policy.DefaultRadiusKm
	case q.RadiusKm < 0 || math.IsNaN(q.RadiusKm):
		return svcerrors.Validation("radius_km", "radius_km must be positive")
	case q.RadiusKm > s.policy.MaxRadiusKm:
		q.RadiusKm = s.policy.MaxRadiusKm
	}

	if q.MinRating < 0 || q.MinRating > 5 || math.IsNaN(q.MinRating) {
		return svcerrors.Validation("min_rating", "min_rating must be between 0 and 5")
	}

	if q.Page == 0 {
		q.Page = 1
	}
	if q.Page < 1 {
		return svcerrors.Validation("page", "page must be at least 1")
	}
	switch {
	case q.PageSize == 0:
		q.PageSize = s.policy.DefaultPageSize
	case q.PageSize < 0:
		return svcerrors.Validation("page_size", "page_size must be positive")
	case q.PageSize > s.policy.MaxPageSize:
		q.PageSize = s.policy.MaxPageSize
	}
	return nil
}

func (s *Service) resolve(ctx context.Context, q Query) (Location, error) {
	if q.Location != nil {
		return *q.Location, nil
	}
	if s.geocoder == nil {
		return Location{}, svcerrors.Unavailable("address search is not configured")
	}
	loc, err := s.geocoder.Geocode(ctx, q.Address)
	if errors.Is(err, ErrAddressNotFound) {
		return Location{}, svcerrors.Validation("address", "address could not be located")
	}
	if err != nil {
		return Location{}, svcerrors.Upstream("maps", err)
	}
	return loc, nil
}

// nearby returns every match for the area, served from cache when a search
// for the same rounded point, radius and trade ran recently.
func (s *Service) nearby(ctx context.Context, center Location, radiusKm float64, trade string) ([]Contractor, error) {
	key := searchKey(center, radiusKm, trade)

	var cached []Contractor
	hit, err := cache.GetJSON(ctx, s.cache, key, &cached)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Warn("search cache read failed")
	}
	if hit {
		return cached, nil
	}

	list, err := s.store.SearchNearby(ctx, center, radiusKm, trade)
	if err != nil {
		return nil, svcerrors.Upstream("database", err)
	}
	if list == nil {
		list = []Contractor{}
	}
	if err := cache.SetJSON(ctx, s.cache, key, list, s.policy.CacheTTL); err != nil {
		s.logger.WithContext(ctx).WithError(err).Warn("search cache write failed")
	}
	return list, nil
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// searchKey rounds coordinates to three decimals, roughly 100 m.
func searchKey(center Location, radiusKm float64, trade string) string {
	return fmt.Sprintf("%s%.3f:%.3f:%g:%s", searchKeyPrefix, center.Lat, center.Lng, radiusKm, trade)
}

func paginate(all []Contractor, page, pageSize int, center Location, radiusKm float64) *Page {
	total := len(all)
	totalPages := (total + pageSize - 1) / pageSize

	start := total
	if page-1 < totalPages {
		start = (page - 1) * pageSize
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	results := make([]Contractor, end-start)
	copy(results, all[start:end])

	return &Page{
		Results:    results,
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
		HasMore:    end < total,
		Center:     center,
		RadiusKm:   radiusKm,
	}
}

// Get returns a contractor's profile.
func (s *Service) Get(ctx context.Context, id string) (json.RawMessage, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, svcerrors.NotFound("contractor")
	}
	raw, err := s.store.GetContractor(ctx, id)
	if errors.Is(err, ErrContractorNotFound) {
		return nil, svcerrors.NotFound("contractor")
	}
	if err != nil {
		return nil, svcerrors.Upstream("database", err)
	}
	return raw, nil
}
