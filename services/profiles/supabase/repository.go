// Package supabase reads profiles through the Supabase REST API.
package supabase

import (
	"context"
	"errors"
	"fmt"

	"github.com/tradeloft/marketplace/services/profiles"
	"github.com/tradeloft/marketplace/supabase/client"
)

const tableProfiles = "profiles"

// Ensure Repository implements profiles.Store
var _ profiles.Store = (*Repository)(nil)

// Repository provides profile data access.
type Repository struct {
	client *client.Client
}

// NewRepository creates a new profile repository.
func NewRepository(c *client.Client) *Repository {
	return &Repository{client: c}
}

// GetProfile fetches a profile by user id.
func (r *Repository) GetProfile(ctx context.Context, id string) (*profiles.Profile, error) {
	resp, err := r.client.From(tableProfiles).
		Select("id,email,full_name,role,avatar_url,created_at,updated_at").
		Eq("id", id).
		Single().
		Execute(ctx)
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}

	var p profiles.Profile
	if err := resp.Decode(&p); err != nil {
		if errors.Is(err, client.ErrNotFound) {
			return nil, profiles.ErrProfileNotFound
		}
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return &p, nil
}
