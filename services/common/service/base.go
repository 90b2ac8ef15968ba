// Package service provides the process lifecycle shared by the marketplace
// API: background workers, dependency health checks and the standard
// /health and /info routes.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tradeloft/marketplace/internal/logging"
)

const healthCheckTimeout = 5 * time.Second

// Health states reported by HealthStatus.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

type namedCheck struct {
	name     string
	critical bool
	check    HealthCheck
}

// BaseConfig contains shared configuration for the service.
type BaseConfig struct {
	ID      string
	Name    string
	Version string
	Logger  *logging.Logger
}

// BaseService manages background workers and dependency health.
//   - Stop is idempotent and waits for workers to return
//   - an optional hydrate hook runs before workers start
//   - critical checks failing make the service unhealthy, others degrade it
type BaseService struct {
	id      string
	name    string
	version string
	logger  *logging.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	hydrate func(context.Context) error
	statsFn func() map[string]any

	workers []func(context.Context)
	checks  []namedCheck

	healthMu        sync.RWMutex
	checkResults    map[string]string
	status          string
	lastHealthCheck time.Time
	startTime       time.Time
}

// NewBase constructs a BaseService from shared config.
func NewBase(cfg BaseConfig) *BaseService {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	id := cfg.ID
	if id == "" {
		id = cfg.Name
	}
	return &BaseService{
		id:           id,
		name:         cfg.Name,
		version:      cfg.Version,
		logger:       logger,
		stopCh:       make(chan struct{}),
		checkResults: make(map[string]string),
		status:       StatusHealthy,
	}
}

func (b *BaseService) ID() string              { return b.id }
func (b *BaseService) Name() string            { return b.name }
func (b *BaseService) Version() string         { return b.version }
func (b *BaseService) Logger() *logging.Logger { return b.logger }

// WithHydrate sets an optional hook executed during Start, before background
// workers are launched.
func (b *BaseService) WithHydrate(fn func(context.Context) error) *BaseService {
	b.hydrate = fn
	return b
}

// WithStats sets a statistics provider for the /info endpoint.
func (b *BaseService) WithStats(fn func() map[string]any) *BaseService {
	b.statsFn = fn
	return b
}

// AddHealthCheck registers a dependency probe run by CheckHealth.
func (b *BaseService) AddHealthCheck(name string, critical bool, fn HealthCheck) *BaseService {
	b.checks = append(b.checks, namedCheck{name: name, critical: critical, check: fn})
	return b
}

// AddWorker registers a background worker started after hydrate completes.
// Workers must return once ctx is cancelled or StopChan is closed.
func (b *BaseService) AddWorker(fn func(context.Context)) *BaseService {
	b.workers = append(b.workers, fn)
	return b
}

// AddTickerWorker registers a worker that calls fn every interval.
func (b *BaseService) AddTickerWorker(name string, interval time.Duration, fn func(context.Context) error) *BaseService {
	worker := func(ctx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-b.stopCh:
				return
			case <-ticker.C:
				b.runJob(ctx, name, fn)
			}
		}
	}
	b.workers = append(b.workers, worker)
	return b
}

// AddScheduledWorker registers a worker driven by a cron expression
// (standard five fields or descriptors such as "@every 1h").
func (b *BaseService) AddScheduledWorker(name, spec string, fn func(context.Context) error) error {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("parse schedule %q for %s: %w", spec, name, err)
	}

	worker := func(ctx context.Context) {
		for {
			now := time.Now()
			timer := time.NewTimer(schedule.Next(now).Sub(now))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-b.stopCh:
				timer.Stop()
				return
			case <-timer.C:
				b.runJob(ctx, name, fn)
			}
		}
	}
	b.workers = append(b.workers, worker)
	return nil
}

func (b *BaseService) runJob(ctx context.Context, name string, fn func(context.Context) error) {
	start := time.Now()
	entry := b.logger.WithContext(ctx).WithField("job", name)
	if err := fn(ctx); err != nil {
		entry.WithError(err).Warn("background job failed")
		return
	}
	entry.WithField("duration", time.Since(start).String()).Debug("background job finished")
}

// StopChan exposes the stop channel for worker goroutines.
func (b *BaseService) StopChan() <-chan struct{} {
	return b.stopCh
}

// Start runs hydrate once, then spins workers.
func (b *BaseService) Start(ctx context.Context) error {
	b.healthMu.Lock()
	if b.startTime.IsZero() {
		b.startTime = time.Now()
	}
	b.healthMu.Unlock()

	if b.hydrate != nil {
		if err := b.hydrate(ctx); err != nil {
			return fmt.Errorf("hydrate: %w", err)
		}
	}

	for _, w := range b.workers {
		worker := w
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			worker(ctx)
		}()
	}
	b.logger.WithContext(ctx).WithField("workers", len(b.workers)).Info("service started")
	return nil
}

// Stop signals workers and waits for them until ctx expires. It is safe to
// call more than once.
func (b *BaseService) Stop(ctx context.Context) error {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop %s: %w", b.name, ctx.Err())
	}
}

// WorkerCount returns the number of registered workers.
func (b *BaseService) WorkerCount() int {
	return len(b.workers)
}

// CheckHealth probes every registered dependency and caches the result.
func (b *BaseService) CheckHealth(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	results := make(map[string]string, len(b.checks))
	status := StatusHealthy
	for _, c := range b.checks {
		if err := c.check(ctx); err != nil {
			results[c.name] = err.Error()
			if c.critical {
				status = StatusUnhealthy
			} else if status == StatusHealthy {
				status = StatusDegraded
			}
			continue
		}
		results[c.name] = "ok"
	}

	b.healthMu.Lock()
	b.checkResults = results
	b.status = status
	b.lastHealthCheck = time.Now()
	b.healthMu.Unlock()
	return status
}

// HealthDetails returns a map describing the most recent health state.
func (b *BaseService) HealthDetails() map[string]any {
	b.healthMu.RLock()
	defer b.healthMu.RUnlock()

	checks := make(map[string]string, len(b.checkResults))
	for k, v := range b.checkResults {
		checks[k] = v
	}
	details := map[string]any{
		"checks": checks,
	}

	if !b.lastHealthCheck.IsZero() {
		details["last_check"] = b.lastHealthCheck.Format(time.RFC3339)
	}

	uptime := time.Duration(0)
	if !b.startTime.IsZero() {
		uptime = time.Since(b.startTime)
	}
	details["uptime"] = uptime.Truncate(time.Second).String()

	return details
}
