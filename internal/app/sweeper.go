package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/listing-intake/internal/adapter/observability"
	"github.com/fairyhunter13/listing-intake/internal/domain"
)

// ExpiryStore is the repository surface the sweeper needs. The postgres job
// repository satisfies it.
type ExpiryStore interface {
	ListStaleQueued(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Job, error)
	Save(ctx context.Context, j *domain.Job, rec *domain.IdempotencyRecord) error
}

// sweeperActor identifies the sweeper in the events it stamps.
const sweeperActor = "system:sweeper"

// ExpirySweeper expires jobs that have sat QUEUED beyond their TTL, emitting
// job.expired through the aggregate so the outbox carries the transition like
// any other.
type ExpirySweeper struct {
	jobs     ExpiryStore
	ttl      time.Duration
	interval time.Duration
}

// NewExpirySweeper returns a sweeper, or nil when jobs is nil.
func NewExpirySweeper(jobs ExpiryStore, ttl, interval time.Duration) *ExpirySweeper {
	if jobs == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &ExpirySweeper{jobs: jobs, ttl: ttl, interval: interval}
}

// Run sweeps once immediately and then on every tick until ctx is cancelled.
func (s *ExpirySweeper) Run(ctx context.Context) {
	if s == nil || s.jobs == nil {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("expiry sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *ExpirySweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.sweeper")
	ctx, span := tracer.Start(ctx, "ExpirySweeper.sweepOnce")
	defer span.End()

	cutoff := time.Now().UTC().Add(-s.ttl)
	const pageSize = 100
	span.SetAttributes(
		attribute.Int("jobs.page_size", pageSize),
		attribute.Float64("jobs.queued_ttl_seconds", s.ttl.Seconds()),
	)

	totalSeen := 0
	totalExpired := 0

	// Expired rows fall out of the QUEUED scan, so each pass re-reads from the
	// top. A pass that expires nothing stops to avoid spinning on rows that
	// keep failing to save.
	for {
		jobs, err := s.jobs.ListStaleQueued(ctx, cutoff, pageSize)
		if err != nil {
			span.RecordError(err)
			slog.Error("expiry sweep failed to list stale jobs", slog.Any("error", err))
			return
		}
		if len(jobs) == 0 {
			break
		}
		totalSeen += len(jobs)

		expired := 0
		for _, j := range jobs {
			jobCtx, jobSpan := tracer.Start(ctx, "ExpirySweeper.expire")
			jobSpan.SetAttributes(attribute.String("job.id", j.ID))
			if err := s.expireJob(jobCtx, j); err != nil {
				jobSpan.RecordError(err)
				slog.Warn("expiry sweep could not expire job",
					slog.String("job_id", j.ID), slog.Any("error", err))
			} else {
				expired++
			}
			jobSpan.End()
		}
		totalExpired += expired

		if expired == 0 || len(jobs) < pageSize {
			break
		}
	}

	span.SetAttributes(
		attribute.Int("jobs.total_seen", totalSeen),
		attribute.Int("jobs.total_expired", totalExpired),
	)
	if totalExpired > 0 {
		slog.Info("expiry sweep finished",
			slog.Int("seen", totalSeen), slog.Int("expired", totalExpired))
	}
}

func (s *ExpirySweeper) expireJob(ctx context.Context, j *domain.Job) error {
	if err := j.Expire(); err != nil {
		// Someone transitioned the row between scan and expire; leave it be.
		return err
	}
	j.StampEvents(sweeperActor, "")
	if err := s.jobs.Save(ctx, j, nil); err != nil {
		return err
	}
	observability.RecordJobTransition(string(domain.StatusExpired))
	return nil
}
