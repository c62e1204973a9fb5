// Command worker runs the background loops of the intake pipeline: the
// outbox dispatcher, data retention cleanup and the queued-job expiry sweep.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/listing-intake/internal/adapter/observability"
	"github.com/fairyhunter13/listing-intake/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/listing-intake/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/listing-intake/internal/app"
	"github.com/fairyhunter13/listing-intake/internal/config"
	"github.com/fairyhunter13/listing-intake/internal/outbox"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg, "worker")
	slog.SetDefault(logger)

	// Register Prometheus metrics in the worker process and expose them on a
	// dedicated port so the scraper sees outbox and job-transition metrics.
	observability.InitMetrics()
	go serveOps(cfg.MetricsPort)

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := connectPostgres(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	// Repositories
	jobRepo := postgres.NewJobRepo(pool)
	idemRepo := postgres.NewIdempotencyRepo(pool)
	outboxRepo := postgres.NewOutboxRepo(pool)

	// Event sink: committed events go to the job-events topic. The dev log
	// sink doubles every delivery into the structured log.
	producer, err := redpanda.NewProducer(ctx, redpanda.ProducerConfig{
		Brokers:    cfg.KafkaBrokers,
		Topic:      cfg.TopicJobEvents,
		Partitions: cfg.TopicPartitions,
	})
	if err != nil {
		slog.Error("queue producer init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := producer.Close(); err != nil {
			slog.Error("failed to close queue producer", slog.Any("error", err))
		}
	}()

	subs := []outbox.Subscriber{producer}
	if cfg.IsDev() {
		subs = append(subs, outbox.LogSink{})
	}

	dc := cfg.GetDispatchConfig()
	dispatcher := outbox.NewDispatcher(outboxRepo, subs, outbox.Config{
		Interval:       dc.Interval,
		BatchSize:      dc.BatchSize,
		MaxAttempts:    dc.MaxAttempts,
		BackoffInitial: dc.BackoffInitial,
		BackoffMax:     dc.BackoffMax,
		BackoffMult:    dc.BackoffMult,
	})
	go dispatcher.Run(ctx)

	// Retention: expired idempotency records and dispatched outbox entries.
	cleanup := postgres.NewCleanupService(idemRepo, outboxRepo, cfg.OutboxRetentionDays)
	go cleanup.RunPeriodic(ctx, cfg.CleanupInterval)
	slog.Info("cleanup service started",
		slog.Int("retention_days", cfg.OutboxRetentionDays),
		slog.Duration("interval", cfg.CleanupInterval))

	// Jobs that sat QUEUED past their TTL expire through the same outbox path.
	sweeper := app.NewExpirySweeper(jobRepo, cfg.QueuedJobTTL, cfg.SweepInterval)
	go sweeper.Run(ctx)
	slog.Info("expiry sweeper started",
		slog.Duration("queued_ttl", cfg.QueuedJobTTL),
		slog.Duration("interval", cfg.SweepInterval))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	cancel()

	// Give the in-flight tick a moment to finish before the producer closes.
	time.Sleep(500 * time.Millisecond)
	slog.Info("worker stopped")
}

// serveOps exposes /metrics and a liveness probe on the worker's ops port.
func serveOps(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		slog.Error("worker ops server error", slog.Any("error", err))
	}
}

// connectPostgres dials the pool and verifies it with exponential backoff so
// the worker rides out a database that is still coming up.
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
