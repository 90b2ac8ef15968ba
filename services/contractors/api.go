package contractors

import (
	"net/http"

	"github.com/gorilla/mux"

	svcerrors "github.com/tradeloft/marketplace/internal/errors"
	"github.com/tradeloft/marketplace/internal/httputil"
)

// RegisterRoutes mounts the contractor endpoints.
func (s *Service) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/contractors/search", s.handleSearch).Methods(http.MethodGet)
	r.HandleFunc("/contractors/{id}", s.handleGet).Methods(http.MethodGet)
}

func (s *Service) handleSearch(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}

	page, err := s.Search(r.Context(), q)
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, page)
}

func parseQuery(r *http.Request) (Query, error) {
	var q Query

	lat, hasLat, err := httputil.QueryFloat(r, "lat")
	if err != nil {
		return q, err
	}
	lng, hasLng, err := httputil.QueryFloat(r, "lng")
	if err != nil {
		return q, err
	}
	if hasLat != hasLng {
		return q, svcerrors.Validation("location", "lat and lng must be given together")
	}
	if hasLat {
		q.Location = &Location{Lat: lat, Lng: lng}
	}

	if q.RadiusKm, _, err = httputil.QueryFloat(r, "radius_km"); err != nil {
		return q, err
	}
	if q.MinRating, _, err = httputil.QueryFloat(r, "min_rating"); err != nil {
		return q, err
	}
	if q.Page, err = httputil.QueryInt(r, "page", 0); err != nil {
		return q, err
	}
	if q.PageSize, err = httputil.QueryInt(r, "page_size", 0); err != nil {
		return q, err
	}

	query := r.URL.Query()
	q.Address = query.Get("address")
	q.Trade = query.Get("trade")
	return q, nil
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	raw, err := s.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		httputil.WriteServiceError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, raw)
}
