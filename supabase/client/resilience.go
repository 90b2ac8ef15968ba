package client

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tradeloft/marketplace/internal/metrics"
)

// =============================================================================
// Retry Configuration
// =============================================================================

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	// Jitter adds randomness to backoff (0.0 to 1.0)
	Jitter               float64
	RetryableStatusCodes []int
}

// DefaultRetryConfig returns the retry policy used for Supabase calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
		RetryableStatusCodes: []int{
			http.StatusTooManyRequests,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
		},
	}
}

// =============================================================================
// Circuit Breaker
// =============================================================================

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int
	// SuccessThreshold is the number of half-open successes that close it again.
	SuccessThreshold int
	// Timeout is how long the circuit stays open before probing.
	Timeout time.Duration
	// OnStateChange is called synchronously under the breaker lock; keep it cheap.
	OnStateChange func(from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// CircuitBreaker implements the circuit breaker pattern.
type CircuitBreaker struct {
	mu sync.RWMutex

	config CircuitBreakerConfig
	state  CircuitState

	failures  int
	successes int
	lastError error
	openedAt  time.Time
	now       func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultCircuitBreakerConfig().FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	return &CircuitBreaker{
		config: config,
		state:  CircuitClosed,
		now:    time.Now,
	}
}

// ErrCircuitOpen is returned when the circuit is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Allow checks if a request should be allowed.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen {
		if cb.now().Sub(cb.openedAt) <= cb.config.Timeout {
			return ErrCircuitOpen
		}
		cb.transitionTo(CircuitHalfOpen)
	}
	return nil
}

// RecordSuccess records a successful request.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transitionTo(CircuitClosed)
		}
	}
}

// RecordFailure records a failed request.
func (cb *CircuitBreaker) RecordFailure(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastError = err

	switch cb.state {
	case CircuitClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.transitionTo(CircuitOpen)
	}
}

func (cb *CircuitBreaker) transitionTo(newState CircuitState) {
	oldState := cb.state
	cb.state = newState

	switch newState {
	case CircuitClosed:
		cb.failures = 0
		cb.successes = 0
	case CircuitOpen:
		cb.openedAt = cb.now()
		cb.successes = 0
	case CircuitHalfOpen:
		cb.successes = 0
	}

	if cb.config.OnStateChange != nil && oldState != newState {
		cb.config.OnStateChange(oldState, newState)
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// LastError returns the last recorded error.
func (cb *CircuitBreaker) LastError() error {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.lastError
}

// =============================================================================
// Resilient HTTP Client
// =============================================================================

// ResilientClient wraps an HTTP client with retry and circuit breaker.
type ResilientClient struct {
	client         *http.Client
	retryConfig    RetryConfig
	circuitBreaker *CircuitBreaker
	sleep          func(ctx context.Context, d time.Duration) error

	totalRequests   int64
	successRequests int64
	failedRequests  int64
	retriedRequests int64
}

// ResilientClientConfig configures the resilient client.
type ResilientClientConfig struct {
	// Name labels the upstream in metrics and logs.
	Name                 string
	BaseClient           *http.Client
	RetryConfig          RetryConfig
	CircuitBreakerConfig CircuitBreakerConfig
	Logger               logrus.FieldLogger
}

// NewResilientClient creates a new resilient HTTP client. Circuit state
// changes are published to the upstream_circuit_state gauge under cfg.Name.
func NewResilientClient(config ResilientClientConfig) *ResilientClient {
	if config.BaseClient == nil {
		config.BaseClient = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
			},
		}
	}
	if config.Name == "" {
		config.Name = "supabase"
	}

	userHook := config.CircuitBreakerConfig.OnStateChange
	name, logger := config.Name, config.Logger
	config.CircuitBreakerConfig.OnStateChange = func(from, to CircuitState) {
		metrics.SetCircuitState(name, int(to))
		if logger != nil {
			logger.WithFields(logrus.Fields{
				"upstream": name,
				"from":     from.String(),
				"to":       to.String(),
			}).Warn("circuit breaker state changed")
		}
		if userHook != nil {
			userHook(from, to)
		}
	}
	metrics.SetCircuitState(name, int(CircuitClosed))

	return &ResilientClient{
		client:         config.BaseClient,
		retryConfig:    config.RetryConfig,
		circuitBreaker: NewCircuitBreaker(config.CircuitBreakerConfig),
		sleep:          sleepContext,
	}
}

// Do executes an HTTP request with retry and circuit breaker. Requests with
// a body are only retried when the body can be replayed through GetBody.
func (rc *ResilientClient) Do(req *http.Request) (*http.Response, error) {
	atomic.AddInt64(&rc.totalRequests, 1)

	if err := rc.circuitBreaker.Allow(); err != nil {
		atomic.AddInt64(&rc.failedRequests, 1)
		return nil, err
	}

	var lastErr error
	var resp *http.Response

	for attempt := 0; attempt <= rc.retryConfig.MaxRetries; attempt++ {
		if attempt > 0 {
			if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
				break
			}
			atomic.AddInt64(&rc.retriedRequests, 1)

			if err := rc.sleep(req.Context(), rc.calculateBackoff(attempt)); err != nil {
				return nil, err
			}

			next := req.Clone(req.Context())
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, err
				}
				next.Body = body
			}
			req = next
		}

		resp, lastErr = rc.client.Do(req)

		if lastErr != nil {
			if rc.isRetryableError(lastErr) {
				continue
			}
			rc.circuitBreaker.RecordFailure(lastErr)
			atomic.AddInt64(&rc.failedRequests, 1)
			return nil, lastErr
		}

		if rc.isRetryableStatusCode(resp.StatusCode) {
			lastErr = &HTTPError{StatusCode: resp.StatusCode}
			if attempt < rc.retryConfig.MaxRetries {
				resp.Body.Close()
				resp = nil
			}
			continue
		}

		// 4xx replies are the caller's problem, not the upstream's.
		rc.circuitBreaker.RecordSuccess()
		atomic.AddInt64(&rc.successRequests, 1)
		return resp, nil
	}

	rc.circuitBreaker.RecordFailure(lastErr)
	atomic.AddInt64(&rc.failedRequests, 1)
	if resp != nil {
		// Hand back the last retryable reply so the caller sees the upstream error body.
		return resp, nil
	}
	return nil, lastErr
}

func (rc *ResilientClient) calculateBackoff(attempt int) time.Duration {
	multiplier := rc.retryConfig.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 1
	}
	backoff := float64(rc.retryConfig.InitialBackoff) * math.Pow(multiplier, float64(attempt-1))

	if rc.retryConfig.MaxBackoff > 0 && backoff > float64(rc.retryConfig.MaxBackoff) {
		backoff = float64(rc.retryConfig.MaxBackoff)
	}

	if rc.retryConfig.Jitter > 0 {
		backoff += backoff * rc.retryConfig.Jitter * (rand.Float64()*2 - 1)
	}

	return time.Duration(backoff)
}

func (rc *ResilientClient) isRetryableError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func (rc *ResilientClient) isRetryableStatusCode(code int) bool {
	for _, retryable := range rc.retryConfig.RetryableStatusCodes {
		if code == retryable {
			return true
		}
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// HTTPError represents a retryable HTTP status.
type HTTPError struct {
	StatusCode int
}

func (e *HTTPError) Error() string {
	return http.StatusText(e.StatusCode)
}

// Metrics returns client counters.
func (rc *ResilientClient) Metrics() map[string]int64 {
	return map[string]int64{
		"total_requests":   atomic.LoadInt64(&rc.totalRequests),
		"success_requests": atomic.LoadInt64(&rc.successRequests),
		"failed_requests":  atomic.LoadInt64(&rc.failedRequests),
		"retried_requests": atomic.LoadInt64(&rc.retriedRequests),
	}
}

// CircuitState returns the current circuit breaker state.
func (rc *ResilientClient) CircuitState() CircuitState {
	return rc.circuitBreaker.State()
}

// =============================================================================
// Enhanced Client with Resilience
// =============================================================================

// EnhancedConfig extends Config with resilience options.
type EnhancedConfig struct {
	Config
	RetryConfig          RetryConfig
	CircuitBreakerConfig CircuitBreakerConfig
	EnableResilience     bool
	Logger               logrus.FieldLogger
}

// NewEnhanced creates a Supabase client whose transport retries transient
// failures and trips a circuit breaker on sustained ones.
func NewEnhanced(cfg EnhancedConfig) (*Client, error) {
	if !cfg.EnableResilience {
		return New(cfg.Config)
	}

	resilient := NewResilientClient(ResilientClientConfig{
		Name:                 "supabase",
		BaseClient:           cfg.HTTPClient,
		RetryConfig:          cfg.RetryConfig,
		CircuitBreakerConfig: cfg.CircuitBreakerConfig,
		Logger:               cfg.Logger,
	})

	cfg.Config.HTTPClient = &http.Client{
		Transport: &resilientTransport{client: resilient},
		Timeout:   60 * time.Second,
	}
	return New(cfg.Config)
}

// NewResilientHTTPClient wraps a ResilientClient as an *http.Client for other
// upstreams (maps, email).
func NewResilientHTTPClient(name string, timeout time.Duration, logger logrus.FieldLogger) *http.Client {
	rc := NewResilientClient(ResilientClientConfig{
		Name:                 name,
		RetryConfig:          DefaultRetryConfig(),
		CircuitBreakerConfig: DefaultCircuitBreakerConfig(),
		Logger:               logger,
	})
	return &http.Client{
		Transport: &resilientTransport{client: rc},
		Timeout:   timeout,
	}
}

// resilientTransport wraps ResilientClient as http.RoundTripper.
type resilientTransport struct {
	client *ResilientClient
}

func (rt *resilientTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return rt.client.Do(req)
}
