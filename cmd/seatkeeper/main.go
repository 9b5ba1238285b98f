package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/platinummonkey/seatkeeper/pkg/api"
	"github.com/platinummonkey/seatkeeper/pkg/async"
	"github.com/platinummonkey/seatkeeper/pkg/billing"
	"github.com/platinummonkey/seatkeeper/pkg/config"
	"github.com/platinummonkey/seatkeeper/pkg/jobs"
	"github.com/platinummonkey/seatkeeper/pkg/observability"
	"github.com/platinummonkey/seatkeeper/pkg/ratelimit"
	"github.com/platinummonkey/seatkeeper/pkg/seats"
	"github.com/platinummonkey/seatkeeper/pkg/storage"
	"github.com/platinummonkey/seatkeeper/pkg/txn"
)

var version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "Print the version and exit")
	migrateOnly := flag.Bool("migrate-only", false, "Apply database migrations and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.Level(), os.Stdout).
		WithFields(map[string]interface{}{"service": "seatkeeper", "version": version})

	if err := run(cfg, logger, *migrateOnly); err != nil {
		logger.WithError(err).Error("Seatkeeper exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger, migrateOnly bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout)

	otelProviders, err := observability.InitOTel(ctx, cfg.Observability.OTel(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	shutdown.Register("otel", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, otelProviders, logger)
	})

	db, err := storage.Open(ctx, cfg.Database.Storage())
	if err != nil {
		return err
	}
	shutdown.Register("database", func(context.Context) error { return db.Close() })

	if err := storage.Migrate(ctx, db, logger); err != nil {
		_ = shutdown.Shutdown(ctx)
		return err
	}
	if migrateOnly {
		logger.Info("Migrations applied")
		return shutdown.Shutdown(ctx)
	}

	registry := prometheus.NewRegistry()
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
		async.SafeGoNoError(ctx, logger, "db stats", func(ctx context.Context) {
			db.ReportStats(ctx, metrics, cfg.Database.StatsInterval)
		})
	}

	exec := db.Executor(
		txn.WithLogger(logger),
		txn.WithMetrics(metrics),
		txn.WithTracer(observability.Tracer()),
	)

	alloc := seats.NewAllocator(exec, cfg.Allocator.Seats(),
		seats.WithLogger(logger),
		seats.WithMetrics(metrics),
	)

	provider, webhooks := newProvider(cfg.Stripe, logger)
	saga := billing.NewSaga(exec, provider, cfg.Saga.Billing(cfg.Allocator),
		billing.WithLogger(logger),
		billing.WithMetrics(metrics),
	)

	redisClient, err := newRedis(cfg.Redis)
	if err != nil {
		_ = shutdown.Shutdown(ctx)
		return err
	}
	if redisClient != nil {
		shutdown.Register("redis", func(context.Context) error { return redisClient.Close() })
	}

	serverOpts := []api.Option{
		api.WithLogger(logger),
		api.WithMetrics(metrics),
		api.WithInviteLimiter(newInviteLimiter(cfg.RateLimit, redisClient)),
	}
	if webhooks != nil {
		serverOpts = append(serverOpts, api.WithWebhookParser(webhooks))
	}
	server := api.NewServer(alloc, saga, serverOpts...)

	if cfg.Jobs.Enabled {
		scheduler := jobs.NewScheduler(logger, cfg.Jobs.Timeout)
		reconciler := billing.NewReconciler(saga, cfg.Saga.Reconciler())
		for _, job := range jobs.Maintenance(cfg.Jobs.Schedules, reconciler, alloc, logger) {
			if err := scheduler.Add(job); err != nil {
				_ = shutdown.Shutdown(ctx)
				return err
			}
		}
		if err := scheduler.Start(); err != nil {
			_ = shutdown.Shutdown(ctx)
			return err
		}
		shutdown.Register("jobs", scheduler.Stop)
	}

	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, observability.NewHealthChecker(db.SQL, redisClient, version))
	if metrics != nil {
		observability.RegisterMetricsEndpoint(healthMux, registry)
	}
	healthServer := &http.Server{
		Addr:              cfg.Server.HealthAddr(),
		Handler:           healthMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	apiServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	shutdown.RegisterServer("health server", healthServer)
	shutdown.RegisterServer("api server", apiServer)

	serve := func(name string, srv *http.Server) <-chan error {
		return async.SafeGo(ctx, logger, name, func(context.Context) error {
			logger.WithFields(map[string]interface{}{"server": name, "addr": srv.Addr}).Info("Listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				cancel()
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}
	healthDone := serve("health server", healthServer)
	apiDone := serve("api server", apiServer)

	err = shutdown.WaitForShutdown(ctx)
	return errors.Join(<-healthDone, <-apiDone, err)
}

// newProvider returns Stripe when configured, otherwise an in-memory
// provider that accepts every change
func newProvider(cfg config.StripeConfig, logger *observability.Logger) (billing.Provider, api.WebhookParser) {
	if !cfg.Enabled() {
		logger.Warn("Stripe is not configured, using the in-memory payment provider")
		mock := billing.NewMockProvider()
		mock.AutoCreate = true
		return mock, nil
	}

	stripeProvider := billing.NewStripeProvider(billing.StripeConfig{
		APIKey:            cfg.APIKey,
		WebhookSecret:     cfg.WebhookSecret,
		ProrationBehavior: cfg.ProrationBehavior,
	})
	if cfg.WebhookSecret == "" {
		logger.Warn("Stripe webhook secret is not set, webhooks are disabled")
		return stripeProvider, nil
	}
	return stripeProvider, stripeProvider
}

func newRedis(cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	return redis.NewClient(opts), nil
}

// newInviteLimiter counts in Redis when available so limits hold across
// replicas
func newInviteLimiter(cfg config.RateLimitConfig, client *redis.Client) *ratelimit.Limiter {
	if cfg.InvitesPerWindow <= 0 {
		return nil
	}
	var counter ratelimit.Counter
	if client != nil {
		counter = ratelimit.NewRedisCounter(client, "seatkeeper:ratelimit")
	} else {
		counter = ratelimit.NewMemoryCounter(cfg.MemoryMaxKeys, cfg.Window)
	}
	return ratelimit.NewLimiter(counter, cfg.InvitesPerWindow, cfg.Window)
}
