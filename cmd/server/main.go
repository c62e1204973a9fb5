// Command server starts the listing intake HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/listing-intake/internal/adapter/filestore"
	"github.com/fairyhunter13/listing-intake/internal/adapter/httpserver"
	"github.com/fairyhunter13/listing-intake/internal/adapter/observability"
	"github.com/fairyhunter13/listing-intake/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/listing-intake/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/listing-intake/internal/app"
	"github.com/fairyhunter13/listing-intake/internal/config"
	"github.com/fairyhunter13/listing-intake/internal/domain"
	"github.com/fairyhunter13/listing-intake/internal/idemkey"
	obsctx "github.com/fairyhunter13/listing-intake/internal/observability"
	"github.com/fairyhunter13/listing-intake/internal/service/ratelimiter"
	"github.com/fairyhunter13/listing-intake/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg, "api")
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so that /metrics
	// exposes HTTP, job, and outbox instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	// Root context for background loops; cancelled on shutdown so the audit
	// drain and the event feed stop with the listener.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Infra: DB pool
	pool, err := connectPostgres(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	if err := postgres.Migrate(ctx, pool); err != nil {
		slog.Error("db migrate failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Repositories
	jobRepo := postgres.NewJobRepo(pool)
	idemRepo := postgres.NewIdempotencyRepo(pool)

	// Redis backs the tenant token buckets. The limiter degrades per its
	// fail mode, so a cold Redis delays nothing here.
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Warn("redis not reachable at startup", slog.Any("error", err))
	}

	overrides, err := config.LoadRateOverrides(cfg.TenantRateOverridesFile)
	if err != nil {
		slog.Error("rate overrides load failed", slog.Any("error", err))
		os.Exit(1)
	}
	limits := ratelimiter.Limits{
		Default: config.BucketLimit{
			Limit:  cfg.TenantRateLimit,
			Window: config.Duration(cfg.TenantRateWindow),
			Burst:  cfg.TenantRateBurst,
		},
		Overrides: overrides,
	}
	limiter := ratelimiter.NewRedisLimiter(rdb, limits, !cfg.RateFailOpen())

	// Optional file reference probe.
	var checker domain.FileChecker
	if cfg.FileCheckEnabled {
		checker = filestore.NewProber(cfg.FileCheckTimeout, cfg.FileCheckMaxBytes)
		slog.Info("file reference probe enabled",
			slog.Duration("timeout", cfg.FileCheckTimeout),
			slog.Int64("max_bytes", cfg.FileCheckMaxBytes))
	}

	mode, err := idemkey.ParseMode(cfg.CompatMode)
	if err != nil {
		slog.Error("invalid compat mode", slog.Any("error", err))
		os.Exit(1)
	}
	resolver := idemkey.NewResolver(mode)

	// Usecases
	submitSvc := usecase.NewSubmitService(jobRepo, idemRepo, limiter, checker, resolver, cfg.IdempotencyTTL)
	querySvc := usecase.NewQueryService(jobRepo)
	lifecycleSvc := usecase.NewLifecycleService(jobRepo, idemRepo, limiter, resolver, cfg.IdempotencyTTL, cfg.RetryMaxDepth)

	// Security audit trail drains on its own goroutine.
	audit := obsctx.NewAuditTrail(logger, cfg.AuditBufferSize, observability.RecordAuditDrop)
	go audit.Run(ctx)

	// Live event feed: every API instance tails the full topic under its own
	// group and fans events out to its SSE clients.
	hub := httpserver.NewStreamHub(cfg.SSEHeartbeat, cfg.SSEClientBuffer)
	consumer, err := redpanda.NewConsumer(redpanda.ConsumerConfig{
		Brokers: cfg.KafkaBrokers,
		GroupID: "intake-api-" + uuid.NewString(),
		Topic:   cfg.TopicJobEvents,
	}, hub.Publish)
	if err != nil {
		slog.Error("event feed consumer setup failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer consumer.Close()
	go consumer.Run(ctx)

	// Readiness checks
	dbCheck, redisCheck, kafkaCheck := app.BuildReadinessChecks(pool, app.GoRedis{C: rdb}, consumer)

	// HTTP server
	srv := httpserver.NewServer(cfg, submitSvc, querySvc, lifecycleSvc, hub, audit, dbCheck, redisCheck, kafkaCheck)
	auth := httpserver.NewAuthenticator(cfg, audit)
	handler := app.BuildRouter(cfg, srv, auth)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer shutdownCancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
	cancel()
}

// connectPostgres dials the pool and verifies it with exponential backoff so
// the API rides out a database that is still coming up.
func connectPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := postgres.NewPool(ctx, dsn)
	if err != nil {
		return nil, err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 6), ctx)
	notify := func(err error, next time.Duration) {
		slog.Warn("postgres not ready, retrying",
			slog.Any("error", err), slog.Duration("retry_in", next))
	}
	ping := func() error { return pool.Ping(ctx) }
	if err := backoff.RetryNotify(ping, policy, notify); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
