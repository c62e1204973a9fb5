package domain

import "time"

//go:generate mockery --name=JobRepository --with-expecter --filename=job_repository_mock.go
//go:generate mockery --name=IdempotencyStore --with-expecter --filename=idempotency_store_mock.go
//go:generate mockery --name=RateLimiter --with-expecter --filename=rate_limiter_mock.go
//go:generate mockery --name=OutboxStore --with-expecter --filename=outbox_store_mock.go
//go:generate mockery --name=FileChecker --with-expecter --filename=file_checker_mock.go

// JobFilter narrows list queries; zero values mean "any".
type JobFilter struct {
	Status  JobStatus
	Channel string
	Type    JobType
}

// JobRepository persists job aggregates with tenant isolation and optimistic
// concurrency. Save co-persists pending events into the outbox within the
// same transaction and clears them on success. A non-nil rec joins the same
// transaction as an insert-if-absent; losing that insert rolls the whole
// save back and surfaces ErrIdempotencyConflict so the caller can re-read
// the winning record.
type JobRepository interface {
	Save(ctx Context, j *Job, rec *IdempotencyRecord) error
	FindByID(ctx Context, tenant TenantID, id string) (*Job, error)
	// FindByIdempotencyKey is a secondary lookup during submission; the
	// idempotency store is the primary duplicate decision.
	FindByIdempotencyKey(ctx Context, tenant TenantID, key string) (*Job, error)
	FindByTenant(ctx Context, tenant TenantID, f JobFilter, limit, offset int) ([]*Job, error)
	CountByTenant(ctx Context, tenant TenantID, f JobFilter) (int64, error)
}

// IdempotencyStore holds stored responses keyed by (tenant, resolved key).
// Get returns nil for absent or expired records. Put is insert-if-absent: an
// unexpired record with an equal response hash is returned as-is, a differing
// hash yields ErrIdempotencyConflict.
type IdempotencyStore interface {
	Get(ctx Context, tenant TenantID, key string) (*IdempotencyRecord, error)
	Put(ctx Context, tenant TenantID, key string, payload []byte, ttl time.Duration) (*IdempotencyRecord, error)
	Delete(ctx Context, tenant TenantID, key string) (bool, error)
}

// RateDecision is the outcome of a token-bucket check.
type RateDecision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Rate-limited resources.
const (
	ResourceJobSubmission = "job_submission"
	ResourceJobRetry      = "job_retry"
)

// RateLimiter enforces per-(tenant, resource) token buckets.
type RateLimiter interface {
	Allow(ctx Context, tenant TenantID, resource string, tokens int) (RateDecision, error)
	Info(ctx Context, tenant TenantID, resource string) (RateDecision, error)
}

// OutboxEntry is a durably stored event awaiting dispatch.
type OutboxEntry struct {
	ID            string
	TenantID      TenantID
	EventType     EventType
	EventVersion  string
	CorrelationID string
	Payload       []byte
	OccurredAt    time.Time
	AttemptCount  int
	LastError     string
	NextVisibleAt time.Time
	DispatchedAt  *time.Time
	Dead          bool
}

// Rehydrate reconstructs the DomainEvent this entry was created from.
func (e OutboxEntry) Rehydrate() (Event, error) {
	return RehydrateEvent(e.Payload)
}

// OutboxStore is the dispatcher-facing side of the outbox. The write path is
// not a port: the job repository appends entries inside its own transaction.
type OutboxStore interface {
	// FetchBatch claims up to limit undispatched, visible entries ordered by
	// occurred_at. Claimed rows are skipped by concurrent dispatchers.
	FetchBatch(ctx Context, limit int, now time.Time) ([]OutboxEntry, error)
	MarkDispatched(ctx Context, id string, at time.Time) error
	MarkFailed(ctx Context, id string, attempt int, lastError string, nextVisibleAt time.Time, dead bool) error
	ListDeadLetters(ctx Context, tenant TenantID, limit int) ([]OutboxEntry, error)
	PurgeDispatched(ctx Context, olderThan time.Time, limit int) (int64, error)
	CountPending(ctx Context) (int64, error)
	CountDead(ctx Context) (int64, error)
}

// FileChecker optionally probes the referenced input file for accessibility
// before a job is accepted.
type FileChecker interface {
	Check(ctx Context, fileRef string) error
}
