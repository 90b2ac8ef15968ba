package orders

import (
	"net/http"

	"github.com/gorilla/mux"

	svcerrors "github.com/tradeloft/marketplace/internal/errors"
	"github.com/tradeloft/marketplace/internal/httputil"
)

// =============================================================================
// API Routes
// =============================================================================

// RegisterRoutes mounts the designer-order endpoints on an authenticated
// router.
func (s *Service) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/designer-orders", s.handleCreate).Methods(http.MethodPost)
	r.HandleFunc("/designer-orders", s.handleList).Methods(http.MethodGet)
	r.HandleFunc("/designer-orders/{id}", s.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/designer-orders/{id}/transition", s.handleTransition).Methods(http.MethodPost)
	r.HandleFunc("/designer-orders/{id}/events", s.handleEvents).Methods(http.MethodGet)
}

// ListResponse wraps a page of orders.
type ListResponse struct {
	Orders []Order `json:"orders"`
	Limit  int     `json:"limit"`
	Offset int     `json:"offset"`
}

func (s *Service) handleCreate(w http.ResponseWriter, r *http.Request) {
	if _, ok := httputil.RequireUserID(w, r); !ok {
		return
	}

	var input CreateInput
	if !httputil.DecodeJSON(w, r, &input) {
		return
	}

	order, err := s.Create(r.Context(), CallerFromContext(r.Context()), input)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, order)
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	if _, ok := httputil.RequireUserID(w, r); !ok {
		return
	}

	limit, err := httputil.QueryInt(r, "limit", defaultListLimit)
	if err != nil {
		httputil.WriteServiceError(w, r, svcerrors.InvalidFormat("limit", "limit must be an integer"))
		return
	}
	offset, err := httputil.QueryInt(r, "offset", 0)
	if err != nil {
		httputil.WriteServiceError(w, r, svcerrors.InvalidFormat("offset", "offset must be an integer"))
		return
	}

	status := Status(r.URL.Query().Get("status"))
	list, err := s.List(r.Context(), CallerFromContext(r.Context()), status, limit, offset)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	limit, offset = normalizePage(limit, offset)
	httputil.WriteJSON(w, http.StatusOK, ListResponse{Orders: list, Limit: limit, Offset: offset})
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	if _, ok := httputil.RequireUserID(w, r); !ok {
		return
	}

	order, err := s.Get(r.Context(), CallerFromContext(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, order)
}

func (s *Service) handleTransition(w http.ResponseWriter, r *http.Request) {
	if _, ok := httputil.RequireUserID(w, r); !ok {
		return
	}

	var input TransitionInput
	if !httputil.DecodeJSON(w, r, &input) {
		return
	}
	if input.To == "" {
		httputil.WriteServiceError(w, r, svcerrors.Validation("to", "to is required"))
		return
	}

	order, err := s.Transition(r.Context(), CallerFromContext(r.Context()), mux.Vars(r)["id"], input)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, order)
}

func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	if _, ok := httputil.RequireUserID(w, r); !ok {
		return
	}

	events, err := s.Events(r.Context(), CallerFromContext(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"events": events})
}
