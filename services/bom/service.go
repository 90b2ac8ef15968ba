package bom

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tradeloft/marketplace/internal/ai"
	"github.com/tradeloft/marketplace/internal/config"
	svcerrors "github.com/tradeloft/marketplace/internal/errors"
	"github.com/tradeloft/marketplace/internal/logging"
	"github.com/tradeloft/marketplace/internal/metrics"
	"github.com/tradeloft/marketplace/internal/middleware"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	currencyUSD      = "USD"

	maxParallelUploads = 3
)

// aiItem and aiResult mirror the JSON the model is asked for.
type aiItem struct {
	Name               string  `json:"name"`
	Category           string  `json:"category"`
	Quantity           float64 `json:"quantity"`
	Unit               string  `json:"unit"`
	EstimatedUnitPrice float64 `json:"estimated_unit_price"`
	Notes              string  `json:"notes"`
}

type aiResult struct {
	Items      []aiItem `json:"items"`
	LaborHours float64  `json:"labor_hours"`
	Notes      string   `json:"notes"`
	Confidence float64  `json:"confidence"`
}

// Config wires the generator's collaborators. Catalog and Images may be nil.
type Config struct {
	Model     ai.Model
	ModelName string
	Catalog   *Catalog
	Store     Store
	Images    ImageStore
	Policy    config.BOMPolicy
	Logger    *logging.Logger
}

// Service generates and serves bills of materials.
type Service struct {
	model     ai.Model
	modelName string
	catalog   *Catalog
	store     Store
	images    ImageStore
	policy    config.BOMPolicy
	limiter   *middleware.RateLimiter
	logger    *logging.Logger
	now       func() time.Time
	newID     func() string
}

// NewService creates the BOM service.
func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	model := cfg.Model
	if model == nil {
		model = ai.Disabled{}
	}
	return &Service{
		model:     model,
		modelName: cfg.ModelName,
		catalog:   cfg.Catalog,
		store:     cfg.Store,
		images:    cfg.Images,
		policy:    cfg.Policy,
		limiter:   middleware.NewPerMinuteRateLimiter("bom", cfg.Policy.RatePerMinute, cfg.Policy.Burst, logger),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() string { return uuid.NewString() },
	}
}

// Limiter exposes the per-user generation limiter for periodic cleanup.
func (s *Service) Limiter() *middleware.RateLimiter { return s.limiter }

// =============================================================================
// Generate
// =============================================================================

// Generate produces a priced bill of materials for in on behalf of userID.
func (s *Service) Generate(ctx context.Context, userID string, in Input) (*BOM, error) {
	if userID == "" {
		return nil, svcerrors.Unauthorized("")
	}
	if err := s.limiter.Check(userID); err != nil {
		metrics.RecordBOMGeneration("rate_limited", 0, 0)
		return nil, err
	}

	images := make([]ai.Image, 0, len(in.Images))
	for _, img := range in.Images {
		images = append(images, ai.Image{Data: img.Data, MIMEType: img.ContentType})
	}

	reply, err := s.model.Generate(ctx, ai.Request{
		Operation:   "bom",
		System:      systemInstruction,
		Prompt:      BuildPrompt(in),
		Images:      images,
		JSON:        true,
		Temperature: 0.2,
	})
	if err != nil {
		metrics.RecordBOMGeneration("ai_error", 0, 0)
		if errors.Is(err, ai.ErrNotConfigured) {
			return nil, svcerrors.Unavailable("material estimation is not configured")
		}
		return nil, svcerrors.Upstream("ai", err)
	}

	parsed, err := ai.Parse[aiResult](reply)
	if err != nil {
		metrics.RecordBOMGeneration("parse_error", 0, 0)
		s.logger.WithContext(ctx).WithError(err).WithField("reply_bytes", len(reply)).Warn("unparseable bom reply")
		return nil, svcerrors.Upstream("ai", fmt.Errorf("parse reply: %w", err))
	}

	b := &BOM{
		ID:          s.newID(),
		UserID:      userID,
		ProjectType: in.ProjectType,
		Description: in.Description,
		Dimensions:  in.Dimensions,
		BudgetTier:  string(in.BudgetTier),
		ZipCode:     in.ZipCode,
		Items:       cleanItems(parsed.Items),
		LaborHours:  roundCents(clamp(parsed.LaborHours, 0, 10000)),
		Currency:    currencyUSD,
		Confidence:  roundCents(clamp(parsed.Confidence, 0, 1)),
		Notes:       strings.TrimSpace(parsed.Notes),
		ImagePaths:  []string{},
		Model:       s.modelName,
		CreatedAt:   s.now(),
	}

	matched := s.applyCatalog(ctx, b.Items)
	s.computeTotals(b)
	b.ImagePaths = s.storeImages(ctx, b, in.Images)

	if err := s.store.SaveBOM(ctx, b); err != nil {
		s.logger.WithContext(ctx).WithError(err).WithField("bom_id", b.ID).Warn("bom not saved")
	} else {
		b.Saved = true
	}

	metrics.RecordBOMGeneration("ok", matched, len(b.Items))
	s.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"bom_id":  b.ID,
		"items":   len(b.Items),
		"matched": matched,
		"saved":   b.Saved,
	}).Info("bom generated")
	return b, nil
}

// cleanItems drops nameless lines and normalizes quantities and prices.
func cleanItems(raw []aiItem) []Item {
	items := make([]Item, 0, len(raw))
	for _, r := range raw {
		name := strings.TrimSpace(r.Name)
		if name == "" {
			continue
		}
		qty := roundCents(r.Quantity)
		if qty <= 0 {
			qty = 1
		}
		unit := strings.TrimSpace(r.Unit)
		if unit == "" {
			unit = "each"
		}
		items = append(items, Item{
			Name:        name,
			Category:    strings.TrimSpace(r.Category),
			Quantity:    qty,
			Unit:        unit,
			UnitPrice:   roundCents(clamp(r.EstimatedUnitPrice, 0, 1e7)),
			PriceSource: SourceEstimate,
			Notes:       strings.TrimSpace(r.Notes),
		})
	}
	return items
}

// applyCatalog replaces estimates with catalog prices where a match exists.
// A lookup failure keeps the estimates.
func (s *Service) applyCatalog(ctx context.Context, items []Item) int {
	if s.catalog == nil || len(items) == 0 {
		return 0
	}

	names := make([]string, len(items))
	for i := range items {
		names[i] = NormalizeName(items[i].Name)
	}

	prices, err := s.catalog.Match(ctx, names)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Warn("catalog lookup failed, keeping estimates")
	}

	matched := 0
	for i := range items {
		p, ok := prices[names[i]]
		if !ok {
			continue
		}
		items[i].UnitPrice = roundCents(p.UnitPrice)
		items[i].PriceSource = SourceCatalog
		items[i].SKU = p.SKU
		items[i].Supplier = p.Supplier
		if p.Unit != "" {
			items[i].Unit = p.Unit
		}
		matched++
	}
	return matched
}

func (s *Service) computeTotals(b *BOM) {
	var subtotal float64
	for i := range b.Items {
		b.Items[i].LineTotal = roundCents(b.Items[i].Quantity * b.Items[i].UnitPrice)
		subtotal += b.Items[i].LineTotal
	}
	b.MaterialsSubtotal = roundCents(subtotal)
	b.Contingency = roundCents(b.MaterialsSubtotal * s.policy.ContingencyRate)
	b.Total = roundCents(b.MaterialsSubtotal + b.Contingency)
}

// storeImages uploads the photos in parallel and returns, in upload order,
// the paths that succeeded.
func (s *Service) storeImages(ctx context.Context, b *BOM, images []Image) []string {
	paths := []string{}
	if s.images == nil || len(images) == 0 {
		return paths
	}

	uploaded := make([]string, len(images))
	var g errgroup.Group
	g.SetLimit(maxParallelUploads)
	for i, img := range images {
		i, img := i, img
		g.Go(func() error {
			p := path.Join(b.UserID, b.ID, fmt.Sprintf("%d%s", i+1, extensionFor(img.ContentType)))
			if err := s.images.Upload(ctx, p, img.Data, img.ContentType); err != nil {
				s.logger.WithContext(ctx).WithError(err).WithField("path", p).Warn("bom image upload failed")
				return nil
			}
			uploaded[i] = p
			return nil
		})
	}
	_ = g.Wait()

	for _, p := range uploaded {
		if p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	case "image/heic", "image/heif":
		return ".heic"
	}
	return ""
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// =============================================================================
// Read
// =============================================================================

// List returns the user's saved BOMs, newest first.
func (s *Service) List(ctx context.Context, userID string, limit, offset int) ([]BOM, error) {
	if userID == "" {
		return nil, svcerrors.Unauthorized("")
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	list, err := s.store.ListBOMs(ctx, userID, limit, offset)
	if err != nil {
		return nil, svcerrors.Upstream("database", err)
	}
	if list == nil {
		list = []BOM{}
	}
	return list, nil
}

// Get returns one of the user's BOMs.
func (s *Service) Get(ctx context.Context, userID, id string) (*BOM, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, svcerrors.NotFound("bom")
	}
	b, err := s.store.GetBOM(ctx, userID, id)
	if errors.Is(err, ErrBOMNotFound) {
		return nil, svcerrors.NotFound("bom")
	}
	if err != nil {
		return nil, svcerrors.Upstream("database", err)
	}
	b.Saved = true
	return b, nil
}
