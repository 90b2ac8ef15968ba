// Package bom generates bills of materials from project photos and a short
// description, pricing items from the supplier catalog where possible.
package bom

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"
	"unicode"
)

// BudgetTier steers the finish level the model assumes.
type BudgetTier string

const (
	TierEconomy  BudgetTier = "economy"
	TierStandard BudgetTier = "standard"
	TierPremium  BudgetTier = "premium"
)

// Valid reports whether t is a known tier.
func (t BudgetTier) Valid() bool {
	switch t {
	case TierEconomy, TierStandard, TierPremium:
		return true
	}
	return false
}

// Price sources.
const (
	SourceCatalog  = "catalog"
	SourceEstimate = "estimate"
)

// Image is one validated upload.
type Image struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Input is a validated generation request.
type Input struct {
	ProjectType string
	Description string
	Dimensions  string
	BudgetTier  BudgetTier
	ZipCode     string
	Images      []Image
}

// Item is one line of a bill of materials.
type Item struct {
	Name        string  `json:"name"`
	Category    string  `json:"category"`
	Quantity    float64 `json:"quantity"`
	Unit        string  `json:"unit"`
	UnitPrice   float64 `json:"unit_price"`
	LineTotal   float64 `json:"line_total"`
	PriceSource string  `json:"price_source"`
	SKU         string  `json:"sku,omitempty"`
	Supplier    string  `json:"supplier,omitempty"`
	Notes       string  `json:"notes,omitempty"`
}

// BOM is a generated bill of materials.
type BOM struct {
	ID                string    `json:"id"`
	UserID            string    `json:"user_id"`
	ProjectType       string    `json:"project_type"`
	Description       string    `json:"description"`
	Dimensions        string    `json:"dimensions"`
	BudgetTier        string    `json:"budget_tier"`
	ZipCode           string    `json:"zip_code"`
	Items             []Item    `json:"items"`
	LaborHours        float64   `json:"labor_hours"`
	MaterialsSubtotal float64   `json:"materials_subtotal"`
	Contingency       float64   `json:"contingency"`
	Total             float64   `json:"total"`
	Currency          string    `json:"currency"`
	Confidence        float64   `json:"confidence"`
	Notes             string    `json:"notes"`
	ImagePaths        []string  `json:"image_paths"`
	Model             string    `json:"model"`
	CreatedAt         time.Time `json:"created_at"`
	// Saved is false when the BOM could not be persisted. It is not stored.
	Saved bool `json:"saved"`
}

// CatalogPrice is a supplier price matched to a normalized item name.
type CatalogPrice struct {
	NormalizedName string  `json:"normalized_name"`
	SKU            string  `json:"sku"`
	Name           string  `json:"name"`
	Unit           string  `json:"unit"`
	UnitPrice      float64 `json:"unit_price"`
	Supplier       string  `json:"supplier"`
}

// Store persists generated BOMs.
type Store interface {
	SaveBOM(ctx context.Context, b *BOM) error
	ListBOMs(ctx context.Context, userID string, limit, offset int) ([]BOM, error)
	GetBOM(ctx context.Context, userID, id string) (*BOM, error)
}

// CatalogSource looks up catalog prices by normalized name.
type CatalogSource interface {
	MatchCatalogPrices(ctx context.Context, names []string) ([]CatalogPrice, error)
}

// ImageStore keeps the uploaded photos.
type ImageStore interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) error
}

// ErrBOMNotFound is returned by stores for a missing or foreign BOM.
var ErrBOMNotFound = errors.New("bom not found")

// NormalizeName folds an item name for catalog matching: lower case,
// punctuation dropped, whitespace collapsed.
func NormalizeName(name string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(name) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		default:
			space = true
		}
	}
	return b.String()
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
