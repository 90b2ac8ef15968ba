package bom

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeloft/marketplace/internal/ai"
	"github.com/tradeloft/marketplace/internal/cache"
	"github.com/tradeloft/marketplace/internal/config"
	svcerrors "github.com/tradeloft/marketplace/internal/errors"
)

const testUser = "11111111-1111-1111-1111-111111111111"

type memStore struct {
	mu      sync.Mutex
	boms    map[string]BOM
	saveErr error
}

func newMemStore() *memStore { return &memStore{boms: map[string]BOM{}} }

func (m *memStore) SaveBOM(_ context.Context, b *BOM) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.boms[b.ID] = *b
	return nil
}

func (m *memStore) ListBOMs(_ context.Context, userID string, limit, offset int) ([]BOM, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []BOM
	for _, b := range m.boms {
		if b.UserID == userID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *memStore) GetBOM(_ context.Context, userID, id string) (*BOM, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.boms[id]
	if !ok || b.UserID != userID {
		return nil, ErrBOMNotFound
	}
	return &b, nil
}

type fakeCatalog struct {
	mu     sync.Mutex
	prices map[string]CatalogPrice
	err    error
	calls  [][]string
}

func (f *fakeCatalog) MatchCatalogPrices(_ context.Context, names []string) ([]CatalogPrice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string(nil), names...))
	if f.err != nil {
		return nil, f.err
	}
	var out []CatalogPrice
	for _, n := range names {
		if p, ok := f.prices[n]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

type fakeImages struct {
	mu     sync.Mutex
	paths  []string
	err    error
	failOn string
}

func (f *fakeImages) Upload(_ context.Context, path string, _ []byte, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.failOn != "" && strings.HasSuffix(path, f.failOn) {
		return errors.New("upload rejected")
	}
	f.paths = append(f.paths, path)
	return nil
}

const modelReply = "```json\n" + `{
  "items": [
    {"name": "Porcelain Floor Tile, 12x24", "category": "flooring", "quantity": 60, "unit": "sq ft", "estimated_unit_price": 4.499},
    {"name": "Thinset mortar", "category": "flooring", "quantity": 0, "unit": "", "estimated_unit_price": 22},
    {"name": "  ", "quantity": 3, "estimated_unit_price": 9},
    {"name": "Vanity 36in", "category": "fixtures", "quantity": 1, "unit": "each", "estimated_unit_price": 640,},
  ],
  "labor_hours": 32.5,
  "notes": "Assumes subfloor is sound.",
  "confidence": 1.4
}` + "\n```"

type harness struct {
	svc     *Service
	store   *memStore
	catalog *fakeCatalog
	images  *fakeImages
	model   *ai.Request
}

func newHarness(t *testing.T, reply string, replyErr error) *harness {
	t.Helper()
	h := &harness{
		store: newMemStore(),
		catalog: &fakeCatalog{prices: map[string]CatalogPrice{
			"porcelain floor tile 12x24": {NormalizedName: "porcelain floor tile 12x24", SKU: "TILE-1224", Name: "Porcelain 12x24", Unit: "sq ft", UnitPrice: 3.25, Supplier: "Acme Supply"},
		}},
		images: &fakeImages{},
	}
	model := ai.ModelFunc(func(ctx context.Context, req ai.Request) (string, error) {
		r := req
		h.model = &r
		return reply, replyErr
	})
	h.svc = NewService(Config{
		Model:     model,
		ModelName: "test-model",
		Catalog:   NewCatalog(h.catalog, cache.NewMemory(), nil),
		Store:     h.store,
		Images:    h.images,
		Policy:    config.DefaultPolicy().BOM,
	})
	return h
}

func testInput() Input {
	return Input{
		ProjectType: "Bathroom remodel",
		Description: "Replace floor and vanity",
		BudgetTier:  TierStandard,
		ZipCode:     "94110",
		Images:      []Image{{Filename: "a.png", ContentType: "image/png", Data: pngBytes}},
	}
}

func TestGenerate(t *testing.T) {
	h := newHarness(t, modelReply, nil)

	b, err := h.svc.Generate(context.Background(), testUser, testInput())
	require.NoError(t, err)

	require.NotNil(t, h.model)
	assert.True(t, h.model.JSON)
	assert.Equal(t, "bom", h.model.Operation)
	assert.Contains(t, h.model.Prompt, "Bathroom remodel")
	assert.Contains(t, h.model.Prompt, "94110")
	require.Len(t, h.model.Images, 1)
	assert.Equal(t, "image/png", h.model.Images[0].MIMEType)

	require.Len(t, b.Items, 3, "nameless item dropped")

	tile := b.Items[0]
	assert.Equal(t, SourceCatalog, tile.PriceSource)
	assert.Equal(t, "TILE-1224", tile.SKU)
	assert.Equal(t, "Acme Supply", tile.Supplier)
	assert.Equal(t, 3.25, tile.UnitPrice)
	assert.Equal(t, 195.0, tile.LineTotal)

	thinset := b.Items[1]
	assert.Equal(t, SourceEstimate, thinset.PriceSource)
	assert.Equal(t, 1.0, thinset.Quantity, "non-positive quantity forced to 1")
	assert.Equal(t, "each", thinset.Unit)

	assert.Equal(t, 857.0, b.MaterialsSubtotal)
	assert.Equal(t, 85.7, b.Contingency)
	assert.Equal(t, 942.7, b.Total)
	assert.Equal(t, 1.0, b.Confidence, "confidence clamped")
	assert.Equal(t, 32.5, b.LaborHours)
	assert.Equal(t, "USD", b.Currency)
	assert.Equal(t, "test-model", b.Model)

	assert.True(t, b.Saved)
	assert.Contains(t, h.store.boms, b.ID)
	require.Len(t, b.ImagePaths, 1)
	assert.Equal(t, testUser+"/"+b.ID+"/1.png", b.ImagePaths[0])
}

func TestGenerate_CatalogFailureKeepsEstimates(t *testing.T) {
	h := newHarness(t, modelReply, nil)
	h.catalog.err = errors.New("rpc timeout")

	b, err := h.svc.Generate(context.Background(), testUser, testInput())
	require.NoError(t, err)
	for _, item := range b.Items {
		assert.Equal(t, SourceEstimate, item.PriceSource)
	}
	assert.Equal(t, 4.5, b.Items[0].UnitPrice)
}

func TestGenerate_CatalogCached(t *testing.T) {
	h := newHarness(t, modelReply, nil)

	_, err := h.svc.Generate(context.Background(), testUser, testInput())
	require.NoError(t, err)
	_, err = h.svc.Generate(context.Background(), testUser, testInput())
	require.NoError(t, err)

	assert.Len(t, h.catalog.calls, 1, "second generation served from cache")
}

func TestGenerate_SaveFailureStillReturns(t *testing.T) {
	h := newHarness(t, modelReply, nil)
	h.store.saveErr = errors.New("insert failed")

	b, err := h.svc.Generate(context.Background(), testUser, testInput())
	require.NoError(t, err)
	assert.False(t, b.Saved)
	assert.NotEmpty(t, b.Items)
}

func TestGenerate_ImageUploadFailureIsSkipped(t *testing.T) {
	h := newHarness(t, modelReply, nil)
	h.images.err = errors.New("bucket missing")

	b, err := h.svc.Generate(context.Background(), testUser, testInput())
	require.NoError(t, err)
	assert.Empty(t, b.ImagePaths)
	assert.True(t, b.Saved)
}

func TestGenerate_ImagePathsKeepUploadOrder(t *testing.T) {
	h := newHarness(t, modelReply, nil)
	h.images.failOn = "/2.jpg"

	in := testInput()
	in.Images = []Image{
		{ContentType: "image/png", Data: pngBytes},
		{ContentType: "image/jpeg", Data: pngBytes},
		{ContentType: "image/png", Data: pngBytes},
		{ContentType: "image/webp", Data: pngBytes},
	}

	b, err := h.svc.Generate(context.Background(), testUser, in)
	require.NoError(t, err)

	prefix := testUser + "/" + b.ID + "/"
	assert.Equal(t, []string{prefix + "1.png", prefix + "3.png", prefix + "4.webp"}, b.ImagePaths)
	assert.Len(t, h.images.paths, 3)
}

func TestGenerate_ModelErrors(t *testing.T) {
	h := newHarness(t, "", errors.New("boom"))
	_, err := h.svc.Generate(context.Background(), testUser, testInput())
	assert.Equal(t, http.StatusBadGateway, svcerrors.HTTPStatus(err))

	h = newHarness(t, "", ai.ErrNotConfigured)
	_, err = h.svc.Generate(context.Background(), testUser, testInput())
	assert.Equal(t, http.StatusServiceUnavailable, svcerrors.HTTPStatus(err))

	h = newHarness(t, "Sorry, I can't help with that.", nil)
	_, err = h.svc.Generate(context.Background(), testUser, testInput())
	assert.Equal(t, http.StatusBadGateway, svcerrors.HTTPStatus(err))
}

func TestGenerate_RateLimited(t *testing.T) {
	h := newHarness(t, modelReply, nil)
	burst := config.DefaultPolicy().BOM.Burst

	for i := 0; i < burst; i++ {
		_, err := h.svc.Generate(context.Background(), testUser, testInput())
		require.NoError(t, err)
	}
	_, err := h.svc.Generate(context.Background(), testUser, testInput())
	assert.Equal(t, svcerrors.CodeRateLimitExceeded, svcerrors.GetServiceError(err).Code)

	_, err = h.svc.Generate(context.Background(), "22222222-2222-2222-2222-222222222222", testInput())
	assert.NoError(t, err, "limits are per user")
}

func TestGetAndList(t *testing.T) {
	h := newHarness(t, modelReply, nil)
	b, err := h.svc.Generate(context.Background(), testUser, testInput())
	require.NoError(t, err)

	got, err := h.svc.Get(context.Background(), testUser, b.ID)
	require.NoError(t, err)
	assert.True(t, got.Saved)

	_, err = h.svc.Get(context.Background(), "someone-else", b.ID)
	assert.Equal(t, svcerrors.CodeNotFound, svcerrors.GetServiceError(err).Code)

	_, err = h.svc.Get(context.Background(), testUser, "nope")
	assert.Equal(t, svcerrors.CodeNotFound, svcerrors.GetServiceError(err).Code)

	_, err = h.svc.Get(context.Background(), testUser, uuid.NewString())
	assert.Equal(t, svcerrors.CodeNotFound, svcerrors.GetServiceError(err).Code)

	list, err := h.svc.List(context.Background(), testUser, 0, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestCleanItems(t *testing.T) {
	items := cleanItems([]aiItem{
		{Name: "  grout sealer ", Quantity: 0.004, EstimatedUnitPrice: 12.3456},
		{Name: "", Quantity: 3},
		{Name: "tile", Quantity: -2, Unit: " sqft "},
		{Name: "thinset", Quantity: 2.506, EstimatedUnitPrice: -4},
	})
	require.Len(t, items, 3)

	assert.Equal(t, "grout sealer", items[0].Name)
	assert.Equal(t, 1.0, items[0].Quantity)
	assert.Equal(t, 12.35, items[0].UnitPrice)
	assert.Equal(t, "each", items[0].Unit)

	assert.Equal(t, 1.0, items[1].Quantity)
	assert.Equal(t, "sqft", items[1].Unit)

	assert.Equal(t, 2.51, items[2].Quantity)
	assert.Equal(t, 0.0, items[2].UnitPrice)
	for _, it := range items {
		assert.Greater(t, it.Quantity, 0.0)
		assert.Equal(t, SourceEstimate, it.PriceSource)
	}
}

func TestNormalizeName(t *testing.T) {
	testCases := map[string]string{
		"Porcelain Floor Tile, 12x24": "porcelain floor tile 12x24",
		"  2x4  Stud (8')":            "2x4 stud 8",
		"":                            "",
		"---":                         "",
	}
	for in, want := range testCases {
		if got := NormalizeName(in); got != want {
			t.Errorf("NormalizeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBuildPrompt(t *testing.T) {
	in := testInput()
	in.BudgetTier = TierEconomy
	in.ZipCode = ""
	p := BuildPrompt(in)
	assert.Contains(t, p, "Budget tier: economy")
	assert.NotContains(t, p, "ZIP")
	assert.Contains(t, p, "1 photo(s)")
}
