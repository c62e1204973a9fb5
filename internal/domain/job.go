package domain

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a job aggregate.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusSucceeded JobStatus = "succeeded"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
	StatusRetrying  JobStatus = "retrying"
	StatusExpired   JobStatus = "expired"
)

// jobTransitions is the authoritative state table. Absent targets are illegal.
var jobTransitions = map[JobStatus]map[JobStatus]struct{}{
	StatusQueued:   {StatusRunning: {}, StatusCancelled: {}, StatusExpired: {}},
	StatusRunning:  {StatusSucceeded: {}, StatusFailed: {}, StatusCancelled: {}},
	StatusFailed:   {StatusRetrying: {}},
	StatusRetrying: {StatusQueued: {}, StatusFailed: {}},
}

func (s JobStatus) CanTransition(to JobStatus) bool {
	_, ok := jobTransitions[s][to]
	return ok
}

// Terminal reports whether the status is a sink.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

func ParseJobStatus(s string) (JobStatus, error) {
	switch JobStatus(s) {
	case StatusQueued, StatusRunning, StatusSucceeded, StatusFailed,
		StatusCancelled, StatusRetrying, StatusExpired:
		return JobStatus(s), nil
	}
	return "", fmt.Errorf("%w: unknown job status", ErrValidation)
}

// Job is the intake aggregate. Rows rehydrated from storage have no pending
// events; only constructors and transition methods append to pending, and the
// repository clears it once the events are co-persisted in the outbox.
type Job struct {
	ID             string
	TenantID       TenantID
	SellerID       string
	Channel        string
	Type           JobType
	FileRef        string
	RulesProfileID string
	Status         JobStatus
	Counters       Counters
	IdempotencyKey string
	CallbackURL    string
	Metadata       map[string]string
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
	Version        int64

	pending []Event
}

// JobSubmission carries the raw submission fields; NewJob validates every one
// of them through the value-object constructors.
type JobSubmission struct {
	Tenant         TenantID
	SellerID       string
	Channel        string
	Type           string
	FileRef        string
	RulesProfileID string
	IdempotencyKey string
	CallbackURL    string
	Metadata       map[string]string
}

// NewJob builds a QUEUED job at version 1 with a pending job.submitted event.
func NewJob(sub JobSubmission) (*Job, error) {
	if sub.Tenant == "" {
		return nil, fmt.Errorf("%w: tenant required", ErrValidation)
	}
	seller, err := NewSellerID(sub.SellerID)
	if err != nil {
		return nil, err
	}
	channel, err := NewChannel(sub.Channel)
	if err != nil {
		return nil, err
	}
	jobType, err := ParseJobType(sub.Type)
	if err != nil {
		return nil, err
	}
	fileRef, err := NewFileRef(sub.FileRef)
	if err != nil {
		return nil, err
	}
	profile, err := NewRulesProfileID(sub.RulesProfileID)
	if err != nil {
		return nil, err
	}
	callback, err := NewCallbackURL(sub.CallbackURL)
	if err != nil {
		return nil, err
	}
	if err := ValidateMetadata(sub.Metadata); err != nil {
		return nil, err
	}
	if err := ValidateResolvedKey(sub.IdempotencyKey); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	j := &Job{
		ID:             uuid.New().String(),
		TenantID:       sub.Tenant,
		SellerID:       seller,
		Channel:        channel,
		Type:           jobType,
		FileRef:        fileRef,
		RulesProfileID: profile,
		Status:         StatusQueued,
		IdempotencyKey: sub.IdempotencyKey,
		CallbackURL:    callback,
		Metadata:       cloneMetadata(sub.Metadata),
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}
	j.appendEvent(EventJobSubmitted, JobSubmittedData{
		SellerID:       j.SellerID,
		Channel:        j.Channel,
		JobType:        string(j.Type),
		FileRef:        j.FileRef,
		RulesProfileID: j.RulesProfileID,
		Version:        j.Version,
	})
	return j, nil
}

func cloneMetadata(md map[string]string) map[string]string {
	out := make(map[string]string, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}

// transition applies a legal status change, bumps the version and maintains
// completed_at. It never touches tenant, id, or file_ref.
func (j *Job) transition(to JobStatus) error {
	if !j.Status.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, j.Status, to)
	}
	j.Status = to
	j.UpdatedAt = time.Now().UTC()
	j.Version++
	switch to {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusExpired:
		t := j.UpdatedAt
		j.CompletedAt = &t
	default:
		j.CompletedAt = nil
	}
	return nil
}

// Start moves the job into RUNNING.
func (j *Job) Start() error {
	if err := j.transition(StatusRunning); err != nil {
		return err
	}
	j.appendEvent(EventJobStarted, JobStartedData{Version: j.Version})
	return nil
}

// Succeed finishes the job with its final counters.
func (j *Job) Succeed(c Counters) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if err := j.transition(StatusSucceeded); err != nil {
		return err
	}
	j.Counters = c
	j.appendEvent(EventJobSucceeded, JobSucceededData{Counters: c, Version: j.Version})
	return nil
}

// Fail records the failure reason. Legal from RUNNING and RETRYING.
func (j *Job) Fail(errMsg string) error {
	if err := j.transition(StatusFailed); err != nil {
		return err
	}
	j.LastError = errMsg
	j.appendEvent(EventJobFailed, JobFailedData{Error: errMsg, Version: j.Version})
	return nil
}

// Cancel stops a QUEUED or RUNNING job.
func (j *Job) Cancel(reason string) error {
	if err := j.transition(StatusCancelled); err != nil {
		return err
	}
	j.LastError = reason
	j.appendEvent(EventJobCancelled, JobCancelledData{Reason: reason, Version: j.Version})
	return nil
}

// Expire ends a job that sat QUEUED past its deadline.
func (j *Job) Expire() error {
	if err := j.transition(StatusExpired); err != nil {
		return err
	}
	j.appendEvent(EventJobExpired, JobExpiredData{Version: j.Version})
	return nil
}

// MarkRetrying and Requeue are the downstream-pipeline transitions
// (FAILED -> RETRYING -> QUEUED). They emit no event of their own: the
// intake-facing retry path replaces the job via Retry, which carries
// job.retried on the replacement.
func (j *Job) MarkRetrying() error { return j.transition(StatusRetrying) }

func (j *Job) Requeue() error { return j.transition(StatusQueued) }

// RetryDepth reports how many retries precede this job in its chain.
func (j *Job) RetryDepth() int {
	if j.Metadata == nil {
		return 0
	}
	n, err := strconv.Atoi(j.Metadata[MetaRetryDepth])
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Retry returns a fresh QUEUED replacement for a FAILED job. The original is
// not mutated. The replacement keeps the submission parameters, links back via
// retry_of metadata, and emits job.retried instead of job.submitted. idemKey
// is the resolved key of the retry request itself, so replayed retry calls
// converge on one replacement.
func (j *Job) Retry(idemKey string, maxDepth int) (*Job, error) {
	if j.Status != StatusFailed {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, j.Status, StatusRetrying)
	}
	depth := j.RetryDepth() + 1
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: retry limit of %d exceeded", ErrBusinessRule, maxDepth)
	}
	if err := ValidateResolvedKey(idemKey); err != nil {
		return nil, err
	}

	md := cloneMetadata(j.Metadata)
	md[MetaRetryOf] = j.ID
	md[MetaRetryDepth] = strconv.Itoa(depth)

	now := time.Now().UTC()
	child := &Job{
		ID:             uuid.New().String(),
		TenantID:       j.TenantID,
		SellerID:       j.SellerID,
		Channel:        j.Channel,
		Type:           j.Type,
		FileRef:        j.FileRef,
		RulesProfileID: j.RulesProfileID,
		Status:         StatusQueued,
		IdempotencyKey: idemKey,
		CallbackURL:    j.CallbackURL,
		Metadata:       md,
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}
	child.appendEvent(EventJobRetried, JobRetriedData{
		RetryOf:    j.ID,
		RetryDepth: depth,
		Version:    child.Version,
	})
	return child, nil
}

func (j *Job) appendEvent(t EventType, data EventData) {
	j.pending = append(j.pending, newEvent(t, j.TenantID, j.ID, data))
}

// PendingEvents returns a copy of the events awaiting outbox persistence.
func (j *Job) PendingEvents() []Event {
	out := make([]Event, len(j.pending))
	copy(out, j.pending)
	return out
}

// ClearPendingEvents is called by the repository after the events were
// co-persisted with the aggregate.
func (j *Job) ClearPendingEvents() { j.pending = nil }

// StampEvents fills actor and trace attribution on pending events that do not
// carry it yet. Called by the use case before persistence.
func (j *Job) StampEvents(actorID, traceID string) {
	for i := range j.pending {
		if j.pending[i].ActorID == "" {
			j.pending[i].ActorID = actorID
		}
		if j.pending[i].TraceID == "" {
			j.pending[i].TraceID = traceID
		}
	}
}
