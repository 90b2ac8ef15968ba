package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tradeloft/marketplace/internal/errors"
	internalhttputil "github.com/tradeloft/marketplace/internal/httputil"
	"github.com/tradeloft/marketplace/internal/logging"
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter enforces a token bucket per caller. Authenticated callers are
// keyed by user id, anonymous ones by client IP.
type RateLimiter struct {
	name     string
	limiters map[string]*limiterEntry
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	limit    int
	window   string
	logger   *logging.Logger
	now      func() time.Time
}

// NewRateLimiter creates a limiter allowing requestsPerSecond with burst.
func NewRateLimiter(name string, requestsPerSecond int, burst int, logger *logging.Logger) *RateLimiter {
	return newRateLimiter(name, rate.Limit(requestsPerSecond), burst, requestsPerSecond, "1s", logger)
}

// NewPerMinuteRateLimiter creates a limiter allowing perMinute requests per
// minute with burst.
func NewPerMinuteRateLimiter(name string, perMinute int, burst int, logger *logging.Logger) *RateLimiter {
	if perMinute < 1 {
		perMinute = 1
	}
	return newRateLimiter(name, rate.Every(time.Minute/time.Duration(perMinute)), burst, perMinute, "1m", logger)
}

func newRateLimiter(name string, r rate.Limit, burst, limit int, window string, logger *logging.Logger) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &RateLimiter{
		name:     name,
		limiters: make(map[string]*limiterEntry),
		rate:     r,
		burst:    burst,
		limit:    limit,
		window:   window,
		logger:   logger,
		now:      time.Now,
	}
}

// Allow consumes a token for key.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	entry, exists := rl.limiters[key]
	if !exists {
		entry = &limiterEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// Check consumes a token for key and returns a RATE_LIMITED error when the
// bucket is empty. Services use it for limits finer than a route.
func (rl *RateLimiter) Check(key string) error {
	if rl.Allow(key) {
		return nil
	}
	return errors.RateLimitExceeded(rl.limit, rl.window)
}

// Handler returns the rate limiting middleware handler
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := GetUserID(r.Context())
		if key == "" {
			key = "ip:" + ClientIP(r)
		}

		if !rl.Allow(key) {
			rl.logger.LogSecurityEvent(r.Context(), "rate_limit_exceeded", map[string]interface{}{
				"limiter": rl.name,
				"key":     key,
				"path":    r.URL.Path,
				"method":  r.Method,
			})
			internalhttputil.WriteServiceError(w, r, errors.RateLimitExceeded(rl.limit, rl.window))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Cleanup drops limiters idle for longer than idle and returns how many were
// removed. A refilled bucket behaves like a fresh one, so nothing is lost.
func (rl *RateLimiter) Cleanup(idle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-idle)
	removed := 0
	for key, entry := range rl.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.limiters, key)
			removed++
		}
	}
	return removed
}

// Size returns the number of tracked callers.
func (rl *RateLimiter) Size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// ClientIP extracts the client IP, preferring proxy headers.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
