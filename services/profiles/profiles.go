// Package profiles resolves marketplace roles and serves the caller's
// profile.
package profiles

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/tradeloft/marketplace/internal/cache"
	svcerrors "github.com/tradeloft/marketplace/internal/errors"
	"github.com/tradeloft/marketplace/internal/httputil"
	"github.com/tradeloft/marketplace/internal/logging"
)

// Marketplace roles.
const (
	RoleHomeowner  = "homeowner"
	RoleContractor = "contractor"
	RoleDesigner   = "designer"
	RoleAdmin      = "admin"
)

const (
	profileKeyPrefix = "profile:"
	profileTTL       = 5 * time.Minute
)

// Profile is a user's public profile row.
type Profile struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	FullName  string    `json:"full_name"`
	Role      string    `json:"role"`
	AvatarURL *string   `json:"avatar_url"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store reads profiles.
type Store interface {
	GetProfile(ctx context.Context, id string) (*Profile, error)
}

// ErrProfileNotFound is returned by stores for unknown users.
var ErrProfileNotFound = errors.New("profile not found")

// Service answers role and contact lookups through a short-lived cache.
type Service struct {
	store  Store
	cache  cache.Cache
	admins map[string]struct{}
	logger *logging.Logger
}

// NewService creates the profile service. Users in admins are always
// treated as administrators.
func NewService(store Store, c cache.Cache, admins map[string]struct{}, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Discard()
	}
	if c == nil {
		c = cache.NewMemory()
	}
	if admins == nil {
		admins = map[string]struct{}{}
	}
	return &Service{store: store, cache: c, admins: admins, logger: logger}
}

// Get returns the profile with the effective role applied. A user who has
// not created a profile yet gets a homeowner placeholder.
func (s *Service) Get(ctx context.Context, userID string) (*Profile, error) {
	var p Profile
	hit, err := cache.GetJSON(ctx, s.cache, profileKeyPrefix+userID, &p)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Warn("profile cache read failed")
	}
	if !hit {
		stored, err := s.store.GetProfile(ctx, userID)
		switch {
		case errors.Is(err, ErrProfileNotFound):
			p = Profile{ID: userID, Role: RoleHomeowner}
		case err != nil:
			return nil, err
		default:
			p = *stored
		}
		if err := cache.SetJSON(ctx, s.cache, profileKeyPrefix+userID, p, profileTTL); err != nil {
			s.logger.WithContext(ctx).WithError(err).Warn("profile cache write failed")
		}
	}

	if _, ok := s.admins[userID]; ok {
		p.Role = RoleAdmin
	}
	if p.Role == "" {
		p.Role = RoleHomeowner
	}
	return &p, nil
}

// ResolveRole returns the user's marketplace role.
func (s *Service) ResolveRole(ctx context.Context, userID string) (string, error) {
	if _, ok := s.admins[userID]; ok {
		return RoleAdmin, nil
	}
	p, err := s.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	return p.Role, nil
}

// Email returns the user's contact address, empty when unknown.
func (s *Service) Email(ctx context.Context, userID string) (string, error) {
	p, err := s.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	return p.Email, nil
}

// Forget drops a cached profile.
func (s *Service) Forget(ctx context.Context, userID string) error {
	return s.cache.Delete(ctx, profileKeyPrefix+userID)
}

// RegisterRoutes mounts GET /me.
func (s *Service) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/me", s.handleMe).Methods(http.MethodGet)
}

func (s *Service) handleMe(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	p, err := s.Get(r.Context(), userID)
	if err != nil {
		httputil.WriteServiceError(w, r, svcerrors.Upstream("database", err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, p)
}
