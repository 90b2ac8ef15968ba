package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/tradeloft/marketplace/internal/ai"
	"github.com/tradeloft/marketplace/internal/cache"
	"github.com/tradeloft/marketplace/internal/config"
	"github.com/tradeloft/marketplace/internal/database"
	"github.com/tradeloft/marketplace/internal/logging"
	"github.com/tradeloft/marketplace/internal/metrics"
	"github.com/tradeloft/marketplace/internal/middleware"
	"github.com/tradeloft/marketplace/services/bom"
	bomsupabase "github.com/tradeloft/marketplace/services/bom/supabase"
	"github.com/tradeloft/marketplace/services/chat"
	chatsupabase "github.com/tradeloft/marketplace/services/chat/supabase"
	"github.com/tradeloft/marketplace/services/common/service"
	"github.com/tradeloft/marketplace/services/contractors"
	contractorssupabase "github.com/tradeloft/marketplace/services/contractors/supabase"
	"github.com/tradeloft/marketplace/services/notify"
	"github.com/tradeloft/marketplace/services/orders"
	orderspostgres "github.com/tradeloft/marketplace/services/orders/postgres"
	orderssupabase "github.com/tradeloft/marketplace/services/orders/supabase"
	"github.com/tradeloft/marketplace/services/profiles"
	profilessupabase "github.com/tradeloft/marketplace/services/profiles/supabase"
	"github.com/tradeloft/marketplace/supabase/client"
)

const (
	limiterIdle     = 30 * time.Minute
	maintenanceTick = 5 * time.Minute
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateServe(); err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close(logger)

	if err := a.base.Start(ctx); err != nil {
		return fmt.Errorf("start workers: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.HTTP.Addr).Info("marketplace API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			_ = a.base.Stop(context.Background())
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown incomplete")
	}
	if err := a.base.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Warn("workers did not stop in time")
	}
	return nil
}

// app is the assembled API: the HTTP handler plus the background workers
// and resources it owns.
type app struct {
	handler http.Handler
	base    *service.BaseService
	closers []func() error
}

func (a *app) close(logger *logging.Logger) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.WithError(err).Warn("close failed")
		}
	}
}

func buildApp(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*app, error) {
	a := &app{
		base: service.NewBase(service.BaseConfig{Name: "marketplace", Version: cfg.Version, Logger: logger}),
	}

	sb, err := client.NewEnhanced(client.EnhancedConfig{
		Config:               client.Config{URL: cfg.Supabase.URL, APIKey: cfg.Supabase.ServiceKey},
		RetryConfig:          client.DefaultRetryConfig(),
		CircuitBreakerConfig: client.DefaultCircuitBreakerConfig(),
		EnableResilience:     cfg.Supabase.Resilience,
		Logger:               logger,
	})
	if err != nil {
		return nil, fmt.Errorf("supabase client: %w", err)
	}
	a.base.AddHealthCheck("supabase", true, func(ctx context.Context) error {
		resp, err := sb.From("profiles").Select("id").Limit(1).Execute(ctx)
		if err != nil {
			return err
		}
		return resp.Error()
	})

	shared, err := buildCache(ctx, cfg, a, logger)
	if err != nil {
		a.close(logger)
		return nil, err
	}

	// Profiles and roles.
	profileSvc := profiles.NewService(profilessupabase.NewRepository(sb), shared, cfg.AdminIDs(), logger)

	// Notifications.
	var mailer notify.Mailer = notify.NewLogMailer(logger)
	if cfg.Email.APIKey != "" {
		mailer = notify.NewHTTPMailer(cfg.Email.BaseURL, cfg.Email.APIKey, cfg.Email.From, logger)
	}
	notifier := notify.NewNotifier(mailer, profileSvc, cfg.Email.AppURL, notify.DefaultQueueSize, logger)
	a.base.AddWorker(notifier.Run)

	// Designer orders.
	orderStore, err := buildOrderStore(ctx, cfg, sb, a)
	if err != nil {
		a.close(logger)
		return nil, err
	}
	orderSvc := orders.NewService(orderStore, notifier, cfg.Policy.Orders, logger)
	if err := a.base.AddScheduledWorker("orders-auto-complete", cfg.Policy.Orders.AutoCompleteSchedule, orderSvc.RunAutoComplete); err != nil {
		a.close(logger)
		return nil, err
	}

	// AI-backed services.
	model, err := buildModel(ctx, cfg, logger)
	if err != nil {
		a.close(logger)
		return nil, err
	}

	bomRepo := bomsupabase.NewRepository(sb)
	catalog := bom.NewCatalog(bomRepo, shared, logger)
	bomSvc := bom.NewService(bom.Config{
		Model:     model,
		ModelName: cfg.AI.Model,
		Catalog:   catalog,
		Store:     bomRepo,
		Images:    bomRepo.Images(),
		Policy:    cfg.Policy.BOM,
		Logger:    logger,
	})
	realtime := client.NewRealtimeClient(cfg.Supabase.URL, cfg.Supabase.ServiceKey, logger)
	a.base.AddWorker(func(ctx context.Context) {
		if err := catalog.Watch(ctx, realtime); err != nil {
			logger.WithError(err).Warn("catalog watcher stopped")
		}
	})

	chatSvc := chat.NewService(model, chatsupabase.NewRepository(sb), cfg.Policy.Chat, logger)

	// Contractor search.
	var geocoder contractors.Geocoder
	if cfg.Maps.APIKey != "" {
		geocoder = contractors.NewCachedGeocoder(contractors.NewMapsGeocoder(cfg.Maps.BaseURL, cfg.Maps.APIKey, logger), shared, logger)
	}
	contractorSvc := contractors.NewService(contractorssupabase.NewRepository(sb), geocoder, shared, cfg.Policy.Search, logger)

	// Per-client API limiter.
	apiLimiter := middleware.NewRateLimiter("api", cfg.HTTP.RatePerSecond, cfg.HTTP.RateBurst, logger)
	a.base.AddTickerWorker("limiter-cleanup", maintenanceTick, func(context.Context) error {
		removed := apiLimiter.Cleanup(limiterIdle) + bomSvc.Limiter().Cleanup(limiterIdle) + chatSvc.Limiter().Cleanup(limiterIdle)
		if removed > 0 {
			logger.WithField("removed", removed).Debug("idle rate limiters evicted")
		}
		return nil
	})
	a.base.WithStats(func() map[string]any {
		return map[string]any{
			"notifications_pending": notifier.Pending(),
			"api_limiter_keys":      apiLimiter.Size(),
		}
	})

	// Routes.
	r := mux.NewRouter()
	r.Use(middleware.MetricsMiddleware())
	a.base.RegisterStandardRoutes(r)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	auth := middleware.NewAuthMiddleware(cfg.Supabase.JWTSecret, profileSvc, logger, nil)
	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(auth.Handler, apiLimiter.Handler)

	profileSvc.RegisterRoutes(api)
	orderSvc.RegisterRoutes(api)
	bomSvc.RegisterRoutes(api)
	contractorSvc.RegisterRoutes(api)
	chatSvc.RegisterRoutes(api)

	cors := middleware.NewCORSMiddleware(cfg.AllowedOrigins())
	tracing := middleware.NewTracingMiddleware(logger)
	a.handler = middleware.RecoveryMiddleware(logger)(tracing.Handler(cors.Handler(r)))
	return a, nil
}

// buildCache returns Redis when REDIS_URL is set and an in-process cache
// otherwise.
func buildCache(ctx context.Context, cfg *config.Config, a *app, logger *logging.Logger) (cache.Cache, error) {
	if cfg.Redis.URL == "" {
		mem := cache.NewMemory()
		a.base.AddTickerWorker("cache-purge", maintenanceTick, func(context.Context) error {
			if n := mem.Purge(); n > 0 {
				logger.WithField("purged", n).Debug("expired cache entries purged")
			}
			return nil
		})
		return mem, nil
	}

	rc, err := cache.NewRedis(ctx, cfg.Redis.URL, "marketplace")
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}
	a.closers = append(a.closers, rc.Close)
	a.base.AddHealthCheck("redis", false, rc.Ping)
	return rc, nil
}

// buildOrderStore uses Postgres directly when DATABASE_URL is set and the
// Supabase REST API otherwise.
func buildOrderStore(ctx context.Context, cfg *config.Config, sb *client.Client, a *app) (orders.Store, error) {
	if cfg.Database.URL == "" {
		return orderssupabase.NewRepository(sb), nil
	}

	db, err := database.Open(ctx, database.Config{URL: cfg.Database.URL, MaxOpenConns: cfg.Database.MaxOpenConns})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, db.Close)
	a.base.AddHealthCheck("postgres", true, database.HealthCheck(db))
	return orderspostgres.New(db), nil
}

func buildModel(ctx context.Context, cfg *config.Config, logger *logging.Logger) (ai.Model, error) {
	if cfg.AI.APIKey == "" {
		logger.Warn("GEMINI_API_KEY not set; BOM generation and chat are disabled")
		return ai.Disabled{}, nil
	}
	gemini, err := ai.NewGemini(ctx, cfg.AI.APIKey, cfg.AI.Model, cfg.AI.Timeout)
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return ai.NewRetrying(gemini, ai.DefaultRetryConfig(), logger), nil
}
