package bom

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeloft/marketplace/internal/logging"
)

func newTestRouter(svc *Service) *mux.Router {
	r := mux.NewRouter()
	svc.RegisterRoutes(r.PathPrefix("/api/v1").Subrouter())
	return r
}

func serve(h http.Handler, req *http.Request, userID string) *httptest.ResponseRecorder {
	if userID != "" {
		req = req.WithContext(logging.WithUser(req.Context(), userID, "homeowner"))
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHandleGenerate(t *testing.T) {
	h := newHarness(t, modelReply, nil)
	router := newTestRouter(h.svc)

	req := multipartRequest(t, map[string]string{
		"project_type": "Bathroom remodel",
		"zip_code":     "94110",
	}, []testFile{{name: "a.png", contentType: "image/png", data: pngBytes}})

	rr := serve(router, req, testUser)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var got BOM
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.True(t, got.Saved)
	assert.Equal(t, 942.7, got.Total)
	assert.Equal(t, "standard", got.BudgetTier)

	rr = serve(router, httptest.NewRequest(http.MethodGet, "/api/v1/bom/"+got.ID, nil), testUser)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = serve(router, httptest.NewRequest(http.MethodGet, "/api/v1/bom", nil), testUser)
	require.Equal(t, http.StatusOK, rr.Code)
	var list struct {
		BOMs []BOM `json:"boms"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	assert.Len(t, list.BOMs, 1)
}

func TestHandleGenerate_Errors(t *testing.T) {
	h := newHarness(t, modelReply, nil)
	router := newTestRouter(h.svc)

	req := multipartRequest(t, map[string]string{"project_type": "Deck"}, nil)
	rr := serve(router, req, "")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req = multipartRequest(t, map[string]string{"project_type": "Deck"}, nil)
	rr = serve(router, req, testUser)
	assert.Equal(t, http.StatusBadRequest, rr.Code, "at least one image is required")
	assert.Empty(t, h.store.boms)

	rr = serve(router, httptest.NewRequest(http.MethodGet, "/api/v1/bom?limit=abc", nil), testUser)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = serve(router, httptest.NewRequest(http.MethodGet, "/api/v1/bom/not-a-uuid", nil), testUser)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
