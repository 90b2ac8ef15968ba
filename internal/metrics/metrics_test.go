package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordOrderTransition(t *testing.T) {
	before := testutil.ToFloat64(orderTransitions.WithLabelValues("requested", "accepted", "ok"))
	RecordOrderTransition("requested", "accepted", "ok")
	after := testutil.ToFloat64(orderTransitions.WithLabelValues("requested", "accepted", "ok"))
	assert.Equal(t, before+1, after)
}

func TestSetCircuitState(t *testing.T) {
	SetCircuitState("supabase", 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(upstreamCircuit.WithLabelValues("supabase")))
	SetCircuitState("supabase", 0)
	assert.Equal(t, float64(0), testutil.ToFloat64(upstreamCircuit.WithLabelValues("supabase")))
}

func TestHandlerExposesCollectors(t *testing.T) {
	RecordHTTPRequest("get", "/api/v1/me", http.StatusOK, 10*time.Millisecond)
	RecordAICall("bom", time.Second, errors.New("x"))
	RecordBOMGeneration("success", 3, 4)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(body, "marketplace_http_requests_total"))
	assert.True(t, strings.Contains(body, `marketplace_ai_call_duration_seconds_count{operation="bom",outcome="error"}`))
	assert.True(t, strings.Contains(body, "marketplace_bom_catalog_match_ratio"))
}
