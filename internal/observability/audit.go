package observability

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// AuditKind classifies a security-relevant rejection.
type AuditKind string

// Audit record kinds emitted by the intake pipeline.
const (
	AuditTenantMismatch    AuditKind = "tenant_mismatch"
	AuditFormulaInjection  AuditKind = "formula_injection"
	AuditPathTraversal     AuditKind = "path_traversal"
	AuditBlockedExtension  AuditKind = "blocked_extension"
	AuditContentMasquerade AuditKind = "content_masquerade"
	AuditInvalidKey        AuditKind = "invalid_idempotency_key"
	AuditSecurityViolation AuditKind = "security_violation"
)

// AuditRecord is one security audit entry. Detail must already be sanitized;
// raw client input (idempotency keys, file refs) never goes in here.
type AuditRecord struct {
	Kind      AuditKind
	TenantID  string
	RequestID string
	Route     string
	Detail    string
	At        time.Time
}

// AuditTrail fans security audit records from request handlers to a single
// drain goroutine through a bounded channel. Recording never blocks: when the
// channel is full the record is dropped and counted.
type AuditTrail struct {
	ch      chan AuditRecord
	logger  *slog.Logger
	dropped atomic.Int64
	onDrop  func()
}

// NewAuditTrail creates a trail with the given buffer size. onDrop may be nil;
// when set it is invoked once per dropped record.
func NewAuditTrail(lg *slog.Logger, size int, onDrop func()) *AuditTrail {
	if size <= 0 {
		size = 256
	}
	if lg == nil {
		lg = slog.Default()
	}
	return &AuditTrail{
		ch:     make(chan AuditRecord, size),
		logger: lg,
		onDrop: onDrop,
	}
}

// Record enqueues an audit record without blocking the caller. Missing
// timestamp and request id are filled from the clock and the context.
func (a *AuditTrail) Record(ctx context.Context, rec AuditRecord) {
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	if rec.RequestID == "" {
		rec.RequestID = RequestIDFromContext(ctx)
	}
	select {
	case a.ch <- rec:
	default:
		a.dropped.Add(1)
		if a.onDrop != nil {
			a.onDrop()
		}
	}
}

// Run drains the channel until ctx is cancelled, then flushes whatever is
// still buffered before returning.
func (a *AuditTrail) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case rec := <-a.ch:
					a.emit(rec)
				default:
					return
				}
			}
		case rec := <-a.ch:
			a.emit(rec)
		}
	}
}

func (a *AuditTrail) emit(rec AuditRecord) {
	a.logger.Warn("security audit",
		slog.String("kind", string(rec.Kind)),
		slog.String("tenant_id", rec.TenantID),
		slog.String("request_id", rec.RequestID),
		slog.String("route", rec.Route),
		slog.String("detail", rec.Detail),
		slog.Time("at", rec.At),
	)
}

// Dropped reports how many records were discarded due to a full buffer.
func (a *AuditTrail) Dropped() int64 {
	return a.dropped.Load()
}
