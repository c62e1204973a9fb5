// Package config defines outbox dispatch retry configuration.
package config

import (
	"time"
)

// DispatchConfig groups the knobs of the outbox dispatcher loop.
type DispatchConfig struct {
	// Interval is the tick between batch polls.
	Interval time.Duration
	// BatchSize caps entries claimed per tick.
	BatchSize int
	// MaxAttempts is the delivery budget before an entry is dead-lettered.
	MaxAttempts int
	// RetentionDays keeps dispatched entries around for that long.
	RetentionDays int
	// BackoffInitial is the delay after the first failed attempt.
	BackoffInitial time.Duration
	// BackoffMax caps the exponential delay.
	BackoffMax time.Duration
	// BackoffMult is the exponential backoff multiplier.
	BackoffMult float64
}

// GetDispatchConfig returns the dispatcher configuration. Test environments
// get much shorter delays so suites run fast.
func (c Config) GetDispatchConfig() DispatchConfig {
	d := DispatchConfig{
		Interval:       c.OutboxDispatchInterval,
		BatchSize:      c.OutboxBatchSize,
		MaxAttempts:    c.OutboxMaxAttempts,
		RetentionDays:  c.OutboxRetentionDays,
		BackoffInitial: c.OutboxBackoffInitial,
		BackoffMax:     c.OutboxBackoffMax,
		BackoffMult:    c.OutboxBackoffMult,
	}
	if c.IsTest() {
		d.Interval = 50 * time.Millisecond
		d.BackoffInitial = 10 * time.Millisecond
		d.BackoffMax = 100 * time.Millisecond
	}
	return d
}
