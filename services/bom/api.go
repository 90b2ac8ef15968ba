package bom

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/tradeloft/marketplace/internal/httputil"
)

// RegisterRoutes mounts the BOM endpoints on an authenticated router.
func (s *Service) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/bom/generate", s.handleGenerate).Methods(http.MethodPost)
	r.HandleFunc("/bom", s.handleList).Methods(http.MethodGet)
	r.HandleFunc("/bom/{id}", s.handleGet).Methods(http.MethodGet)
}

func (s *Service) handleGenerate(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}

	input, err := ParseUpload(w, r, s.policy)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}

	b, err := s.Generate(r.Context(), userID, input)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, b)
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}

	limit, err := httputil.QueryInt(r, "limit", defaultListLimit)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	offset, err := httputil.QueryInt(r, "offset", 0)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}

	list, err := s.List(r.Context(), userID, limit, offset)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"boms": list})
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}

	b, err := s.Get(r.Context(), userID, mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, b)
}
