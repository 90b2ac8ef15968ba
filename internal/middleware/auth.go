// Package middleware provides HTTP middleware for the marketplace API.
package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tradeloft/marketplace/internal/errors"
	internalhttputil "github.com/tradeloft/marketplace/internal/httputil"
	"github.com/tradeloft/marketplace/internal/logging"
)

// Claims are the Supabase Auth access-token claims the API relies on. The
// user id is the standard subject claim.
type Claims struct {
	Email string `json:"email,omitempty"`
	// Role is the Postgres role ("authenticated"), not the marketplace role.
	Role        string         `json:"role,omitempty"`
	AppMetadata map[string]any `json:"app_metadata,omitempty"`
	jwt.RegisteredClaims
}

// RoleResolver maps an authenticated user to a marketplace role
// (homeowner, designer, contractor, admin).
type RoleResolver interface {
	ResolveRole(ctx context.Context, userID string) (string, error)
}

// AuthMiddleware verifies Supabase access tokens.
type AuthMiddleware struct {
	secret    []byte
	audience  string
	roles     RoleResolver
	logger    *logging.Logger
	skipPaths map[string]bool
	now       func() time.Time
}

// NewAuthMiddleware creates a middleware that accepts HS256 tokens signed
// with the project's JWT secret.
func NewAuthMiddleware(secret string, roles RoleResolver, logger *logging.Logger, skipPaths []string) *AuthMiddleware {
	skip := make(map[string]bool)
	for _, path := range skipPaths {
		skip[path] = true
	}

	return &AuthMiddleware{
		secret:    []byte(secret),
		audience:  "authenticated",
		roles:     roles,
		logger:    logger,
		skipPaths: skip,
		now:       time.Now,
	}
}

// Handler returns the middleware handler
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.skipPaths[r.URL.Path] || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			m.respondError(w, r, errors.Unauthorized("Missing Authorization header"))
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
			m.respondError(w, r, errors.Unauthorized("Invalid Authorization header format"))
			return
		}

		claims, err := m.validateToken(strings.TrimSpace(parts[1]))
		if err != nil {
			m.respondError(w, r, err)
			return
		}

		userID := claims.Subject
		role := ""
		if m.roles != nil {
			role, err = m.roles.ResolveRole(r.Context(), userID)
			if err != nil {
				m.respondError(w, r, errors.Upstream("profiles", err))
				return
			}
		}

		ctx := logging.WithUser(r.Context(), userID, role)
		ctx = WithAccessToken(ctx, strings.TrimSpace(parts[1]))

		m.logger.WithContext(ctx).WithField("email", claims.Email).Debug("Authentication successful")

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *AuthMiddleware) validateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(m.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, errors.InvalidToken(err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.InvalidToken(nil)
	}
	if claims.Subject == "" {
		return nil, errors.InvalidToken(nil).WithDetails("reason", "missing subject")
	}
	return claims, nil
}

func (m *AuthMiddleware) respondError(w http.ResponseWriter, r *http.Request, err error) {
	internalhttputil.WriteServiceError(w, r, err)

	m.logger.WithContext(r.Context()).WithError(err).WithFields(map[string]interface{}{
		"path":   r.URL.Path,
		"method": r.Method,
		"status": errors.HTTPStatus(err),
	}).Warn("Authentication failed")
}

type accessTokenKey struct{}

// WithAccessToken stores the caller's raw access token.
func WithAccessToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, accessTokenKey{}, token)
}

// AccessToken returns the caller's raw access token, if authenticated.
func AccessToken(ctx context.Context) string {
	token, _ := ctx.Value(accessTokenKey{}).(string)
	return token
}

// GetUserID extracts user ID from context
func GetUserID(ctx context.Context) string {
	return logging.GetUserID(ctx)
}

// GetUserRole extracts user role from context
func GetUserRole(ctx context.Context) string {
	return logging.GetRole(ctx)
}

// RequireRole rejects callers whose resolved role is not in roles.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(roles))
	for _, role := range roles {
		allowed[role] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if GetUserID(r.Context()) == "" {
				internalhttputil.Unauthorized(w, "")
				return
			}
			if !allowed[GetUserRole(r.Context())] {
				internalhttputil.WriteServiceError(w, r, errors.Forbidden("insufficient role"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
