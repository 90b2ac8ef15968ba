package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/tradeloft/marketplace/internal/errors"
	internalhttputil "github.com/tradeloft/marketplace/internal/httputil"
	"github.com/tradeloft/marketplace/internal/logging"
)

// TracingMiddleware assigns a trace ID to every request and logs it on
// completion.
type TracingMiddleware struct {
	logger *logging.Logger
}

// NewTracingMiddleware creates a new tracing middleware
func NewTracingMiddleware(logger *logging.Logger) *TracingMiddleware {
	return &TracingMiddleware{
		logger: logger,
	}
}

// Handler returns the tracing middleware handler
func (m *TracingMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" || len(traceID) > 128 {
			traceID = logging.NewTraceID()
		}

		ctx := logging.WithTraceID(r.Context(), traceID)
		w.Header().Set("X-Trace-ID", traceID)

		rw := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		start := time.Now()
		r = r.WithContext(ctx)
		next.ServeHTTP(rw, r)

		m.logger.LogRequest(ctx, r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}

// RecoveryMiddleware turns handler panics into 500 responses.
func RecoveryMiddleware(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.WithContext(r.Context()).WithField("stack", string(debug.Stack())).
						Errorf("panic serving %s %s: %v", r.Method, r.URL.Path, rec)
					internalhttputil.WriteServiceError(w, r, errors.Internal("internal error", fmt.Errorf("panic: %v", rec)))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
