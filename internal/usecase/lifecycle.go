package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fairyhunter13/listing-intake/internal/adapter/observability"
	"github.com/fairyhunter13/listing-intake/internal/domain"
	"github.com/fairyhunter13/listing-intake/internal/idemkey"
)

// DefaultMaxRetryDepth bounds how many times a job may be retried along one
// retry_of chain.
const DefaultMaxRetryDepth = 3

// LifecycleService drives post-submission transitions through the aggregate:
// retries of failed jobs and cancellation of live ones.
type LifecycleService struct {
	Jobs          domain.JobRepository
	Idem          domain.IdempotencyStore
	Limiter       domain.RateLimiter
	Resolver      idemkey.Resolver
	IdemTTL       time.Duration
	MaxRetryDepth int
}

// NewLifecycleService constructs a LifecycleService.
func NewLifecycleService(jobs domain.JobRepository, idem domain.IdempotencyStore, limiter domain.RateLimiter, resolver idemkey.Resolver, ttl time.Duration, maxRetryDepth int) LifecycleService {
	if ttl <= 0 {
		ttl = domain.DefaultIdempotencyTTL
	}
	if maxRetryDepth <= 0 {
		maxRetryDepth = DefaultMaxRetryDepth
	}
	return LifecycleService{Jobs: jobs, Idem: idem, Limiter: limiter, Resolver: resolver, IdemTTL: ttl, MaxRetryDepth: maxRetryDepth}
}

// RetryInput identifies the failed job and the retry request's own
// idempotency material.
type RetryInput struct {
	Tenant  domain.TenantID
	JobID   string
	ActorID string
	TraceID string
	RawKey  []byte
}

// Retry replaces a FAILED job with a fresh QUEUED one linked through
// retry_of metadata. The original is not mutated. Replayed retry requests
// converge on the replacement created by the first one.
func (s LifecycleService) Retry(ctx domain.Context, in RetryInput) (SubmitResult, error) {
	job, err := s.Jobs.FindByID(ctx, in.Tenant, in.JobID)
	if err != nil {
		return SubmitResult{}, err
	}

	key, err := s.Resolver.Resolve(in.RawKey, in.Tenant, http.MethodPost, RetryRoute)
	if err != nil {
		observability.RecordKeyResolution("rejected")
		return SubmitResult{}, err
	}
	observability.RecordKeyResolution(keyOutcome(in.RawKey, key))

	rec, err := s.Idem.Get(ctx, in.Tenant, key)
	if err != nil {
		return SubmitResult{}, err
	}
	if rec != nil {
		view, err := viewFromPayload(rec.Payload)
		if err != nil {
			return SubmitResult{}, err
		}
		observability.RecordReplay(view.Channel)
		slog.Info("idempotent retry replay",
			slog.String("job_id", view.JobID),
			slog.String("tenant_id", in.Tenant.String()))
		return SubmitResult{Job: view, Key: key, IsReplay: true}, nil
	}

	rate, err := s.Limiter.Allow(ctx, in.Tenant, domain.ResourceJobRetry, 1)
	if err != nil {
		return SubmitResult{}, err
	}
	if !rate.Allowed {
		observability.RecordRateLimitDecision(domain.ResourceJobRetry, "denied")
		return SubmitResult{Rate: rate}, fmt.Errorf("op=retry: %w", domain.ErrRateLimited)
	}
	observability.RecordRateLimitDecision(domain.ResourceJobRetry, "allowed")

	child, err := job.Retry(key, s.MaxRetryDepth)
	if err != nil {
		return SubmitResult{Rate: rate}, err
	}
	child.StampEvents(in.ActorID, in.TraceID)

	view := NewJobView(child)
	storeRec, err := responseRecord(in.Tenant, key, view, s.IdemTTL)
	if err != nil {
		return SubmitResult{Rate: rate}, err
	}

	if err := saveWithRetry(ctx, s.Jobs, child, &storeRec); err != nil {
		if errors.Is(err, domain.ErrIdempotencyConflict) {
			observability.RecordIdempotencyConflict()
			return replayWinner(ctx, s.Idem, s.Jobs, in.Tenant, key, rate)
		}
		return SubmitResult{Rate: rate}, err
	}

	observability.RecordJobTransition(string(domain.StatusQueued))
	slog.Info("job retried",
		slog.String("job_id", child.ID),
		slog.String("retry_of", job.ID),
		slog.String("tenant_id", in.Tenant.String()))
	return SubmitResult{Job: view, Key: key, Rate: rate}, nil
}

// CancelInput identifies the job to cancel and the client's stated reason.
type CancelInput struct {
	Tenant  domain.TenantID
	JobID   string
	Reason  string
	ActorID string
	TraceID string
}

// Cancel stops a QUEUED or RUNNING job. A lost optimistic lock reloads the
// row and reapplies once; a second loss surfaces to the caller.
func (s LifecycleService) Cancel(ctx domain.Context, in CancelInput) (JobView, error) {
	for attempt := 0; ; attempt++ {
		job, err := s.Jobs.FindByID(ctx, in.Tenant, in.JobID)
		if err != nil {
			return JobView{}, err
		}
		if err := job.Cancel(in.Reason); err != nil {
			return JobView{}, err
		}
		job.StampEvents(in.ActorID, in.TraceID)

		err = s.Jobs.Save(ctx, job, nil)
		if err == nil {
			observability.RecordJobTransition(string(domain.StatusCancelled))
			slog.Info("job cancelled",
				slog.String("job_id", job.ID),
				slog.String("tenant_id", in.Tenant.String()))
			return NewJobView(job), nil
		}
		if errors.Is(err, domain.ErrConcurrency) && attempt == 0 {
			continue
		}
		return JobView{}, err
	}
}
