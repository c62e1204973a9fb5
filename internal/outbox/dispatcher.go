// Package outbox moves durably stored events from PostgreSQL to subscribers.
// Delivery is at-least-once: an entry is marked dispatched only after every
// subscriber accepted it, so subscribers must tolerate replays.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/listing-intake/internal/adapter/observability"
	"github.com/fairyhunter13/listing-intake/internal/domain"
	"github.com/fairyhunter13/listing-intake/pkg/textx"
)

// lastErrorCap keeps stored delivery errors bounded; broker errors can be long.
const lastErrorCap = 500

// Subscriber receives outbox entries. Deliver returning nil acknowledges the
// entry for this subscriber.
type Subscriber interface {
	Name() string
	Deliver(ctx context.Context, entry domain.OutboxEntry) error
}

// Config carries the dispatcher knobs, wired from the env config.
type Config struct {
	Interval       time.Duration
	BatchSize      int
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	BackoffMult    float64
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 2 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Minute
	}
	if c.BackoffMult <= 1 {
		c.BackoffMult = 2.0
	}
	return c
}

// Dispatcher drains the outbox on a tick. Multiple replicas may run
// concurrently; the store's claim semantics keep them off each other's rows.
type Dispatcher struct {
	store       domain.OutboxStore
	subscribers []Subscriber
	cfg         Config
	now         func() time.Time
}

// NewDispatcher builds a dispatcher delivering to subs in order.
func NewDispatcher(store domain.OutboxStore, subs []Subscriber, cfg Config) *Dispatcher {
	return &Dispatcher{
		store:       store,
		subscribers: subs,
		cfg:         cfg.withDefaults(),
		now:         time.Now,
	}
}

// Run ticks until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	slog.Info("outbox dispatcher started",
		slog.Duration("interval", d.cfg.Interval),
		slog.Int("batch_size", d.cfg.BatchSize),
		slog.Int("subscribers", len(d.subscribers)))

	for {
		select {
		case <-ctx.Done():
			slog.Info("outbox dispatcher stopping")
			return
		case <-ticker.C:
			if err := d.Tick(ctx); err != nil {
				slog.Warn("outbox tick failed", slog.Any("error", err))
			}
		}
	}
}

// Tick claims one batch and walks it entry by entry. Entries keep their
// occurred_at order within the batch, which preserves per-job ordering as all
// of a job's events share one correlation id.
func (d *Dispatcher) Tick(ctx context.Context) error {
	now := d.now().UTC()
	entries, err := d.store.FetchBatch(ctx, d.cfg.BatchSize, now)
	if err != nil {
		return fmt.Errorf("op=outbox.tick: %w", err)
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		d.dispatchOne(ctx, entry)
	}

	d.updateGauges(ctx)
	return nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, entry domain.OutboxEntry) {
	var failures []string
	for _, sub := range d.subscribers {
		if err := sub.Deliver(ctx, entry); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", sub.Name(), err))
		}
	}

	if len(failures) == 0 {
		if err := d.store.MarkDispatched(ctx, entry.ID, d.now().UTC()); err != nil {
			slog.Error("outbox mark dispatched failed",
				slog.String("entry_id", entry.ID), slog.Any("error", err))
			return
		}
		observability.RecordOutboxDispatched(string(entry.EventType))
		return
	}

	attempt := entry.AttemptCount + 1
	dead := attempt >= d.cfg.MaxAttempts
	lastError := textx.Truncate(textx.SanitizeText(strings.Join(failures, "; ")), lastErrorCap)
	nextVisible := d.now().UTC().Add(d.backoffFor(attempt))

	if err := d.store.MarkFailed(ctx, entry.ID, attempt, lastError, nextVisible, dead); err != nil {
		slog.Error("outbox mark failed failed",
			slog.String("entry_id", entry.ID), slog.Any("error", err))
		return
	}
	if dead {
		slog.Error("outbox entry dead-lettered",
			slog.String("entry_id", entry.ID),
			slog.String("event_type", string(entry.EventType)),
			slog.String("tenant_id", entry.TenantID.String()),
			slog.Int("attempts", attempt))
		return
	}
	observability.RecordOutboxRetry()
	slog.Warn("outbox delivery failed, scheduled retry",
		slog.String("entry_id", entry.ID),
		slog.Int("attempt", attempt),
		slog.Time("next_visible_at", nextVisible))
}

// backoffFor walks a fresh exponential schedule to the given attempt, so the
// wait grows per attempt with jitter and caps at BackoffMax.
func (d *Dispatcher) backoffFor(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.BackoffInitial
	b.MaxInterval = d.cfg.BackoffMax
	b.Multiplier = d.cfg.BackoffMult
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	b.Reset()

	next := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		next = b.NextBackOff()
	}
	return next
}

func (d *Dispatcher) updateGauges(ctx context.Context) {
	if pending, err := d.store.CountPending(ctx); err == nil {
		observability.SetOutboxPending(float64(pending))
	}
	if dead, err := d.store.CountDead(ctx); err == nil {
		observability.SetOutboxDeadLetters(float64(dead))
	}
}
