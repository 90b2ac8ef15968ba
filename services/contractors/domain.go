// Package contractors implements the radius search over contractor
// listings.
package contractors

import (
	"context"
	"encoding/json"
	"errors"
)

// Contractor is a search hit.
type Contractor struct {
	ID           string   `json:"id"`
	BusinessName string   `json:"business_name"`
	Trades       []string `json:"trades"`
	City         string   `json:"city"`
	State        string   `json:"state"`
	Lat          float64  `json:"lat"`
	Lng          float64  `json:"lng"`
	Rating       float64  `json:"rating"`
	ReviewCount  int      `json:"review_count"`
	Verified     bool     `json:"verified"`
	DistanceKm   float64  `json:"distance_km"`
}

// Location is a geographic point.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Query is a radius search request. Either Location or Address is set.
type Query struct {
	Location  *Location
	Address   string
	RadiusKm  float64
	Trade     string
	MinRating float64
	Page      int
	PageSize  int
}

// Page is one page of search results.
type Page struct {
	Results    []Contractor `json:"results"`
	Page       int          `json:"page"`
	PageSize   int          `json:"page_size"`
	Total      int          `json:"total"`
	TotalPages int          `json:"total_pages"`
	HasMore    bool         `json:"has_more"`
	Center     Location     `json:"center"`
	RadiusKm   float64      `json:"radius_km"`
}

// Store reads contractor listings.
type Store interface {
	// SearchNearby returns every contractor within radiusKm of center,
	// nearest first. An empty trade matches all trades.
	SearchNearby(ctx context.Context, center Location, radiusKm float64, trade string) ([]Contractor, error)
	// GetContractor returns the raw profile row.
	GetContractor(ctx context.Context, id string) (json.RawMessage, error)
}

// Geocoder resolves a free-form address.
type Geocoder interface {
	Geocode(ctx context.Context, address string) (Location, error)
}

var (
	ErrContractorNotFound = errors.New("contractor not found")
	ErrAddressNotFound    = errors.New("address not found")
)
