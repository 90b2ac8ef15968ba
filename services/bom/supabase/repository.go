// Package supabase stores BOMs and reads catalog prices through the
// Supabase REST API.
package supabase

import (
	"context"
	"fmt"

	"github.com/tradeloft/marketplace/services/bom"
	"github.com/tradeloft/marketplace/supabase/client"
)

const (
	tableBOMs         = "boms"
	fnMatchCatalog    = "match_catalog_prices"
	imageBucket       = "bom-images"
	listSelectColumns = "id,user_id,project_type,budget_tier,zip_code,materials_subtotal,contingency,total,currency,confidence,created_at"
)

// Ensure Repository implements the bom interfaces
var (
	_ bom.Store         = (*Repository)(nil)
	_ bom.CatalogSource = (*Repository)(nil)
)

// Repository provides BOM data access.
type Repository struct {
	client *client.Client
}

// NewRepository creates a new BOM repository.
func NewRepository(c *client.Client) *Repository {
	return &Repository{client: c}
}

// Images returns the storage bucket BOM photos are uploaded to.
func (r *Repository) Images() *client.BucketClient {
	return r.client.Storage(imageBucket)
}

// bomRow is a BOM as stored. The outer Saved field shadows the embedded
// one so the response-only flag is not sent as a column.
type bomRow struct {
	*bom.BOM
	Saved *bool `json:"saved,omitempty"`
}

// SaveBOM inserts a generated BOM.
func (r *Repository) SaveBOM(ctx context.Context, b *bom.BOM) error {
	resp, err := r.client.From(tableBOMs).ExecuteInsert(ctx, bomRow{BOM: b})
	if err != nil {
		return fmt.Errorf("save bom: %w", err)
	}
	if err := resp.Error(); err != nil {
		return fmt.Errorf("save bom: %w", err)
	}
	return nil
}

// ListBOMs lists a user's BOMs newest first, without item detail.
func (r *Repository) ListBOMs(ctx context.Context, userID string, limit, offset int) ([]bom.BOM, error) {
	resp, err := r.client.From(tableBOMs).
		Select(listSelectColumns).
		Eq("user_id", userID).
		Order("created_at", false).
		Limit(limit).
		Offset(offset).
		Execute(ctx)
	if err != nil {
		return nil, fmt.Errorf("list boms: %w", err)
	}

	var rows []bom.BOM
	if err := resp.Decode(&rows); err != nil {
		return nil, fmt.Errorf("list boms: %w", err)
	}
	return rows, nil
}

// GetBOM fetches one BOM owned by userID.
func (r *Repository) GetBOM(ctx context.Context, userID, id string) (*bom.BOM, error) {
	resp, err := r.client.From(tableBOMs).
		Select("*").
		Eq("id", id).
		Eq("user_id", userID).
		Limit(1).
		Execute(ctx)
	if err != nil {
		return nil, fmt.Errorf("get bom: %w", err)
	}

	var rows []bom.BOM
	if err := resp.Decode(&rows); err != nil {
		return nil, fmt.Errorf("get bom: %w", err)
	}
	if len(rows) == 0 {
		return nil, bom.ErrBOMNotFound
	}
	return &rows[0], nil
}

// MatchCatalogPrices calls the catalog matching function.
func (r *Repository) MatchCatalogPrices(ctx context.Context, names []string) ([]bom.CatalogPrice, error) {
	resp, err := r.client.RPC(ctx, fnMatchCatalog, map[string]any{"p_names": names})
	if err != nil {
		return nil, fmt.Errorf("match catalog prices: %w", err)
	}

	var rows []bom.CatalogPrice
	if err := resp.Decode(&rows); err != nil {
		return nil, fmt.Errorf("match catalog prices: %w", err)
	}
	return rows, nil
}
