package ai

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/genai"

	"github.com/tradeloft/marketplace/internal/metrics"
)

// RetryConfig holds retry configuration for model calls.
type RetryConfig struct {
	MaxRetries        int           // Maximum number of retries (default: 2)
	InitialBackoff    time.Duration // Initial backoff duration (default: 1s)
	MaxBackoff        time.Duration // Maximum backoff duration (default: 10s)
	BackoffMultiplier float64       // Backoff multiplier (default: 2.0)

	// MaxConcurrentCalls bounds in-flight calls; 0 means unlimited.
	MaxConcurrentCalls int
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:         2,
		InitialBackoff:     time.Second,
		MaxBackoff:         10 * time.Second,
		BackoffMultiplier:  2.0,
		MaxConcurrentCalls: 8,
	}
}

// Retrying wraps a Model with retries on transient failures, a concurrency
// cap and call metrics.
type Retrying struct {
	next   Model
	cfg    RetryConfig
	sem    chan struct{}
	logger logrus.FieldLogger
}

// NewRetrying wraps next.
func NewRetrying(next Model, cfg RetryConfig, logger logrus.FieldLogger) *Retrying {
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = 2.0
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	r := &Retrying{next: next, cfg: cfg, logger: logger}
	if cfg.MaxConcurrentCalls > 0 {
		r.sem = make(chan struct{}, cfg.MaxConcurrentCalls)
	}
	return r
}

// Generate calls the wrapped model, retrying transient errors with
// exponential backoff.
func (r *Retrying) Generate(ctx context.Context, req Request) (string, error) {
	if r.sem != nil {
		select {
		case r.sem <- struct{}{}:
			defer func() { <-r.sem }()
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	op := req.Operation
	if op == "" {
		op = "generate"
	}

	backoff := r.cfg.InitialBackoff
	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			r.logger.WithError(lastErr).WithFields(logrus.Fields{
				"operation": op,
				"attempt":   attempt,
				"backoff":   backoff.String(),
			}).Warn("retrying ai call")

			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
			backoff = time.Duration(float64(backoff) * r.cfg.BackoffMultiplier)
			if r.cfg.MaxBackoff > 0 && backoff > r.cfg.MaxBackoff {
				backoff = r.cfg.MaxBackoff
			}
		}

		start := time.Now()
		text, err := r.next.Generate(ctx, req)
		metrics.RecordAICall(op, time.Since(start), err)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !IsRetryable(err) || ctx.Err() != nil {
			return "", err
		}
	}
	return "", lastErr
}

// IsRetryable reports whether err is worth retrying: rate limiting, server
// errors and empty responses.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrEmptyResponse) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrNotConfigured) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= http.StatusInternalServerError
	}
	return false
}
