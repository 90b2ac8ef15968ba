package service

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/tradeloft/marketplace/internal/httputil"
)

// =============================================================================
// Standard Response Types
// =============================================================================

// HealthResponse is the standard response for /health endpoint.
type HealthResponse struct {
	Status    string         `json:"status"`
	Service   string         `json:"service"`
	Version   string         `json:"version"`
	Timestamp string         `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// InfoResponse is the standard response for /info endpoint.
type InfoResponse struct {
	Status     string         `json:"status"`
	Service    string         `json:"service"`
	Version    string         `json:"version"`
	Timestamp  string         `json:"timestamp"`
	Workers    int            `json:"workers"`
	Statistics map[string]any `json:"statistics,omitempty"`
}

// =============================================================================
// Standard Handlers
// =============================================================================

// HealthHandler probes dependencies and answers 503 when a critical one is
// down, so load balancers stop routing to the instance.
func HealthHandler(s *BaseService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := s.CheckHealth(r.Context())

		resp := HealthResponse{
			Status:    status,
			Service:   s.Name(),
			Version:   s.Version(),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Details:   s.HealthDetails(),
		}
		code := http.StatusOK
		if status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		httputil.WriteJSON(w, code, resp)
	}
}

// InfoHandler returns a standardized /info handler.
func InfoHandler(s *BaseService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := InfoResponse{
			Status:    "active",
			Service:   s.Name(),
			Version:   s.Version(),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Workers:   s.WorkerCount(),
		}

		if s.statsFn != nil {
			resp.Statistics = s.statsFn()
		}

		httputil.WriteJSON(w, http.StatusOK, resp)
	}
}

// RegisterStandardRoutes registers the standard /health and /info endpoints.
func (b *BaseService) RegisterStandardRoutes(router *mux.Router) {
	router.HandleFunc("/health", HealthHandler(b)).Methods(http.MethodGet)
	router.HandleFunc("/info", InfoHandler(b)).Methods(http.MethodGet)
}
