// Package supabase reads contractor listings through the Supabase REST API.
package supabase

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tradeloft/marketplace/services/contractors"
	"github.com/tradeloft/marketplace/supabase/client"
)

const (
	tableContractors = "contractors"
	fnSearchNearby   = "search_contractors_nearby"
)

// Ensure Repository implements contractors.Store
var _ contractors.Store = (*Repository)(nil)

// Repository provides contractor data access.
type Repository struct {
	client *client.Client
}

// NewRepository creates a new contractor repository.
func NewRepository(c *client.Client) *Repository {
	return &Repository{client: c}
}

type searchParams struct {
	Lat      float64 `json:"p_lat"`
	Lng      float64 `json:"p_lng"`
	RadiusKm float64 `json:"p_radius_km"`
	Trade    *string `json:"p_trade"`
}

// SearchNearby calls the radius search function.
func (r *Repository) SearchNearby(ctx context.Context, center contractors.Location, radiusKm float64, trade string) ([]contractors.Contractor, error) {
	params := searchParams{Lat: center.Lat, Lng: center.Lng, RadiusKm: radiusKm}
	if trade != "" {
		params.Trade = &trade
	}

	resp, err := r.client.RPC(ctx, fnSearchNearby, params)
	if err != nil {
		return nil, fmt.Errorf("search contractors: %w", err)
	}

	var rows []contractors.Contractor
	if err := resp.Decode(&rows); err != nil {
		return nil, fmt.Errorf("search contractors: %w", err)
	}
	return rows, nil
}

// GetContractor fetches a contractor row as stored.
func (r *Repository) GetContractor(ctx context.Context, id string) (json.RawMessage, error) {
	resp, err := r.client.From(tableContractors).
		Select("*").
		Eq("id", id).
		Limit(1).
		Execute(ctx)
	if err != nil {
		return nil, fmt.Errorf("get contractor: %w", err)
	}

	var rows []json.RawMessage
	if err := resp.Decode(&rows); err != nil {
		return nil, fmt.Errorf("get contractor: %w", err)
	}
	if len(rows) == 0 {
		return nil, contractors.ErrContractorNotFound
	}
	return rows[0], nil
}
