// Package usecase contains the application services behind the intake API.
package usecase

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fairyhunter13/listing-intake/internal/adapter/observability"
	"github.com/fairyhunter13/listing-intake/internal/domain"
	"github.com/fairyhunter13/listing-intake/internal/idemkey"
)

// Idempotency scopes are pinned to the public route templates. Changing a
// template changes the scope and with it every derived key, so these stay
// stable even if the router mounts aliases.
const (
	SubmitRoute = "/v1/jobs"
	RetryRoute  = "/v1/jobs/{job_id}/retry"
)

// SubmitService runs the submission pipeline: validation, idempotency
// resolution and replay, rate limiting, optional file probing, and the
// single-transaction persist of job, events, and idempotency record.
type SubmitService struct {
	Jobs     domain.JobRepository
	Idem     domain.IdempotencyStore
	Limiter  domain.RateLimiter
	Checker  domain.FileChecker
	Resolver idemkey.Resolver
	IdemTTL  time.Duration
}

// NewSubmitService constructs a SubmitService. checker may be nil when file
// probing is disabled.
func NewSubmitService(jobs domain.JobRepository, idem domain.IdempotencyStore, limiter domain.RateLimiter, checker domain.FileChecker, resolver idemkey.Resolver, ttl time.Duration) SubmitService {
	if ttl <= 0 {
		ttl = domain.DefaultIdempotencyTTL
	}
	return SubmitService{Jobs: jobs, Idem: idem, Limiter: limiter, Checker: checker, Resolver: resolver, IdemTTL: ttl}
}

// SubmitInput carries one submission request after header extraction.
type SubmitInput struct {
	Tenant         domain.TenantID
	ActorID        string
	TraceID        string
	RawKey         []byte
	SellerID       string
	Channel        string
	Type           string
	FileRef        string
	RulesProfileID string
	CallbackURL    string
	Metadata       map[string]string
}

// JobView is the job projection served by the API. It is also the payload
// stored for idempotent replay, so its JSON shape is part of the contract.
type JobView struct {
	JobID          string            `json:"job_id"`
	Status         string            `json:"status"`
	SellerID       string            `json:"seller_id"`
	Channel        string            `json:"channel"`
	Type           string            `json:"type"`
	FileRef        string            `json:"file_ref"`
	RulesProfileID string            `json:"rules_profile_id"`
	IdempotencyKey string            `json:"idempotency_key"`
	CallbackURL    string            `json:"callback_url,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Counters       domain.Counters   `json:"counters"`
	LastError      string            `json:"last_error,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
}

// NewJobView projects the aggregate into the wire shape.
func NewJobView(j *domain.Job) JobView {
	return JobView{
		JobID:          j.ID,
		Status:         string(j.Status),
		SellerID:       j.SellerID,
		Channel:        j.Channel,
		Type:           string(j.Type),
		FileRef:        j.FileRef,
		RulesProfileID: j.RulesProfileID,
		IdempotencyKey: j.IdempotencyKey,
		CallbackURL:    j.CallbackURL,
		Metadata:       j.Metadata,
		Counters:       j.Counters,
		LastError:      j.LastError,
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
		CompletedAt:    j.CompletedAt,
	}
}

// SubmitResult carries the job projection plus response metadata.
type SubmitResult struct {
	Job      JobView
	Key      string
	IsReplay bool
	Rate     domain.RateDecision
}

// Submit accepts one job submission. Replays return the stored response
// without consuming a rate-limit token; a lost insert race converges on the
// winner's response.
func (s SubmitService) Submit(ctx domain.Context, in SubmitInput) (SubmitResult, error) {
	if err := validateSubmission(in); err != nil {
		return SubmitResult{}, err
	}

	key, err := s.Resolver.Resolve(in.RawKey, in.Tenant, http.MethodPost, SubmitRoute)
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
		slog.Info("idempotent replay",
			slog.String("job_id", view.JobID),
			slog.String("tenant_id", in.Tenant.String()))
		return SubmitResult{Job: view, Key: key, IsReplay: true, Rate: s.rateInfo(ctx, in.Tenant)}, nil
	}

	rate, err := s.Limiter.Allow(ctx, in.Tenant, domain.ResourceJobSubmission, 1)
	if err != nil {
		return SubmitResult{}, err
	}
	if !rate.Allowed {
		observability.RecordRateLimitDecision(domain.ResourceJobSubmission, "denied")
		return SubmitResult{Rate: rate}, fmt.Errorf("op=submit: %w", domain.ErrRateLimited)
	}
	observability.RecordRateLimitDecision(domain.ResourceJobSubmission, "allowed")

	if s.Checker != nil {
		if err := s.Checker.Check(ctx, in.FileRef); err != nil {
			return SubmitResult{Rate: rate}, err
		}
	}

	job, err := domain.NewJob(domain.JobSubmission{
		Tenant:         in.Tenant,
		SellerID:       in.SellerID,
		Channel:        in.Channel,
		Type:           in.Type,
		FileRef:        in.FileRef,
		RulesProfileID: in.RulesProfileID,
		IdempotencyKey: key,
		CallbackURL:    in.CallbackURL,
		Metadata:       in.Metadata,
	})
	if err != nil {
		return SubmitResult{Rate: rate}, err
	}
	job.StampEvents(in.ActorID, in.TraceID)

	view := NewJobView(job)
	storeRec, err := responseRecord(in.Tenant, key, view, s.IdemTTL)
	if err != nil {
		return SubmitResult{Rate: rate}, err
	}

	if err := saveWithRetry(ctx, s.Jobs, job, &storeRec); err != nil {
		if errors.Is(err, domain.ErrIdempotencyConflict) {
			observability.RecordIdempotencyConflict()
			return replayWinner(ctx, s.Idem, s.Jobs, in.Tenant, key, rate)
		}
		return SubmitResult{Rate: rate}, err
	}

	observability.RecordSubmission(job.Channel, string(job.Type))
	observability.RecordJobTransition(string(domain.StatusQueued))
	slog.Info("job accepted",
		slog.String("job_id", job.ID),
		slog.String("tenant_id", in.Tenant.String()),
		slog.String("channel", job.Channel),
		slog.String("job_type", string(job.Type)))
	return SubmitResult{Job: view, Key: key, Rate: rate}, nil
}

// rateInfo reads the bucket without consuming; replayed responses still get
// headers when the backend is healthy and degrade to none when it is not.
func (s SubmitService) rateInfo(ctx domain.Context, tenant domain.TenantID) domain.RateDecision {
	rate, err := s.Limiter.Info(ctx, tenant, domain.ResourceJobSubmission)
	if err != nil {
		return domain.RateDecision{}
	}
	return rate
}

// validateSubmission runs the value-object checks before any key material is
// derived or tokens consumed; NewJob revalidates on construction.
func validateSubmission(in SubmitInput) error {
	if in.Tenant == "" {
		return fmt.Errorf("%w: tenant required", domain.ErrValidation)
	}
	if _, err := domain.NewSellerID(in.SellerID); err != nil {
		return err
	}
	if _, err := domain.NewChannel(in.Channel); err != nil {
		return err
	}
	if _, err := domain.ParseJobType(in.Type); err != nil {
		return err
	}
	if _, err := domain.NewFileRef(in.FileRef); err != nil {
		return err
	}
	if _, err := domain.NewRulesProfileID(in.RulesProfileID); err != nil {
		return err
	}
	if _, err := domain.NewCallbackURL(in.CallbackURL); err != nil {
		return err
	}
	return domain.ValidateMetadata(in.Metadata)
}

// keyOutcome classifies a successful resolution for metrics.
func keyOutcome(raw []byte, resolved string) string {
	trimmed := strings.TrimSpace(string(raw))
	switch {
	case trimmed == "":
		return "generated"
	case trimmed == resolved:
		return "provided"
	default:
		return "canonicalized"
	}
}

func viewFromPayload(payload []byte) (JobView, error) {
	var view JobView
	if err := json.Unmarshal(payload, &view); err != nil {
		return JobView{}, fmt.Errorf("op=submit.replay: %w", err)
	}
	return view, nil
}

// responseRecord freezes the response payload for replay within ttl.
func responseRecord(tenant domain.TenantID, key string, view JobView, ttl time.Duration) (domain.IdempotencyRecord, error) {
	payload, err := json.Marshal(view)
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("op=submit: %w", err)
	}
	return domain.NewIdempotencyRecord(tenant, key, payload, ttl, time.Now().UTC())
}

// saveWithRetry persists once more after a lost optimistic lock before
// giving up. The repository leaves pending events intact on failure, so a
// straight re-save is safe.
func saveWithRetry(ctx domain.Context, jobs domain.JobRepository, job *domain.Job, rec *domain.IdempotencyRecord) error {
	err := jobs.Save(ctx, job, rec)
	if errors.Is(err, domain.ErrConcurrency) {
		err = jobs.Save(ctx, job, rec)
	}
	return err
}

// replayWinner re-reads the response committed by the submitter that won the
// (tenant, key) race. The winner's transaction is already committed when the
// loser observes the conflict, so one read normally suffices; the job row is
// the fallback for a record that expired in between.
func replayWinner(ctx domain.Context, idem domain.IdempotencyStore, jobs domain.JobRepository, tenant domain.TenantID, key string, rate domain.RateDecision) (SubmitResult, error) {
	if rec, err := idem.Get(ctx, tenant, key); err == nil && rec != nil {
		view, err := viewFromPayload(rec.Payload)
		if err != nil {
			return SubmitResult{Rate: rate}, err
		}
		observability.RecordReplay(view.Channel)
		slog.Info("lost submission race, replaying winner",
			slog.String("job_id", view.JobID),
			slog.String("tenant_id", tenant.String()))
		return SubmitResult{Job: view, Key: key, IsReplay: true, Rate: rate}, nil
	}
	if job, err := jobs.FindByIdempotencyKey(ctx, tenant, key); err == nil && job != nil {
		view := NewJobView(job)
		observability.RecordReplay(view.Channel)
		return SubmitResult{Job: view, Key: key, IsReplay: true, Rate: rate}, nil
	}
	return SubmitResult{Rate: rate}, fmt.Errorf("op=submit: %w", domain.ErrIdempotencyConflict)
}
