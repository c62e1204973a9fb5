package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// CleanupService enforces data retention: expired idempotency records and
// dispatched outbox entries past the retention window.
type CleanupService struct {
	Idempotency   *IdempotencyRepo
	Outbox        *OutboxRepo
	RetentionDays int
	BatchSize     int
}

// NewCleanupService creates a new cleanup service.
func NewCleanupService(idem *IdempotencyRepo, outbox *OutboxRepo, retentionDays int) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 7
	}
	return &CleanupService{
		Idempotency:   idem,
		Outbox:        outbox,
		RetentionDays: retentionDays,
		BatchSize:     1000,
	}
}

// CleanupOldData removes expired idempotency records and retention-expired
// outbox entries.
func (s *CleanupService) CleanupOldData(ctx context.Context) error {
	now := time.Now().UTC()

	purgedIdem, err := s.Idempotency.PurgeExpired(ctx, now, s.BatchSize)
	if err != nil {
		return fmt.Errorf("cleanup idempotency: %w", err)
	}

	cutoff := now.AddDate(0, 0, -s.RetentionDays)
	purgedOutbox, err := s.Outbox.PurgeDispatched(ctx, cutoff, s.BatchSize)
	if err != nil {
		return fmt.Errorf("cleanup outbox: %w", err)
	}

	slog.Info("data cleanup completed",
		slog.Int64("purged_idempotency", purgedIdem),
		slog.Int64("purged_outbox", purgedOutbox),
		slog.Time("outbox_cutoff", cutoff),
	)
	return nil
}

// RunPeriodic starts a periodic cleanup job.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run initial cleanup
	if err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
