package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// CloudEvents envelope constants.
const (
	EventSource        = "listing-intake/jobs"
	EventSpecVersion   = "1.0"
	EventSchemaVersion = "1"
)

// EventType tags the domain event variants.
type EventType string

const (
	EventJobSubmitted EventType = "job.submitted"
	EventJobStarted   EventType = "job.started"
	EventJobSucceeded EventType = "job.succeeded"
	EventJobFailed    EventType = "job.failed"
	EventJobCancelled EventType = "job.cancelled"
	EventJobRetried   EventType = "job.retried"
	EventJobExpired   EventType = "job.expired"
)

// EventData is the variant payload of the tagged union; dispatchers switch on
// the envelope Type, never on the concrete Go type of remote payloads.
type EventData interface {
	EventKind() EventType
}

type JobSubmittedData struct {
	SellerID       string `json:"seller_id"`
	Channel        string `json:"channel"`
	JobType        string `json:"job_type"`
	FileRef        string `json:"file_ref"`
	RulesProfileID string `json:"rules_profile_id"`
	Version        int64  `json:"version"`
}

func (JobSubmittedData) EventKind() EventType { return EventJobSubmitted }

type JobStartedData struct {
	Version int64 `json:"version"`
}

func (JobStartedData) EventKind() EventType { return EventJobStarted }

type JobSucceededData struct {
	Counters Counters `json:"counters"`
	Version  int64    `json:"version"`
}

func (JobSucceededData) EventKind() EventType { return EventJobSucceeded }

type JobFailedData struct {
	Error   string `json:"error"`
	Version int64  `json:"version"`
}

func (JobFailedData) EventKind() EventType { return EventJobFailed }

type JobCancelledData struct {
	Reason  string `json:"reason"`
	Version int64  `json:"version"`
}

func (JobCancelledData) EventKind() EventType { return EventJobCancelled }

type JobRetriedData struct {
	RetryOf    string `json:"retry_of"`
	RetryDepth int    `json:"retry_depth"`
	Version    int64  `json:"version"`
}

func (JobRetriedData) EventKind() EventType { return EventJobRetried }

type JobExpiredData struct {
	Version int64 `json:"version"`
}

func (JobExpiredData) EventKind() EventType { return EventJobExpired }

// Event is the CloudEvents 1.0 envelope every emitted domain event uses.
type Event struct {
	ID            string    `json:"id"`
	Source        string    `json:"source"`
	SpecVersion   string    `json:"specversion"`
	Type          EventType `json:"type"`
	Time          time.Time `json:"time"`
	Subject       string    `json:"subject"`
	TenantID      string    `json:"tenant_id"`
	ActorID       string    `json:"actor_id,omitempty"`
	TraceID       string    `json:"trace_id,omitempty"`
	SchemaVersion string    `json:"schema_version"`
	Data          EventData `json:"data"`
}

func newEvent(t EventType, tenant TenantID, jobID string, data EventData) Event {
	return Event{
		ID:            ulid.Make().String(),
		Source:        EventSource,
		SpecVersion:   EventSpecVersion,
		Type:          t,
		Time:          time.Now().UTC(),
		Subject:       "job:" + jobID,
		TenantID:      tenant.String(),
		SchemaVersion: EventSchemaVersion,
		Data:          data,
	}
}

type eventEnvelope struct {
	ID            string          `json:"id"`
	Source        string          `json:"source"`
	SpecVersion   string          `json:"specversion"`
	Type          EventType       `json:"type"`
	Time          time.Time       `json:"time"`
	Subject       string          `json:"subject"`
	TenantID      string          `json:"tenant_id"`
	ActorID       string          `json:"actor_id,omitempty"`
	TraceID       string          `json:"trace_id,omitempty"`
	SchemaVersion string          `json:"schema_version"`
	Data          json.RawMessage `json:"data"`
}

// RehydrateEvent reconstructs a DomainEvent from its serialized envelope, e.g.
// an outbox payload. The data variant is selected by the envelope type.
func RehydrateEvent(raw []byte) (Event, error) {
	var env eventEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{}, fmt.Errorf("op=event.rehydrate: %w", err)
	}
	ev := Event{
		ID:            env.ID,
		Source:        env.Source,
		SpecVersion:   env.SpecVersion,
		Type:          env.Type,
		Time:          env.Time,
		Subject:       env.Subject,
		TenantID:      env.TenantID,
		ActorID:       env.ActorID,
		TraceID:       env.TraceID,
		SchemaVersion: env.SchemaVersion,
	}
	switch env.Type {
	case EventJobSubmitted:
		var d JobSubmittedData
		if err := decodeEventData(env.Data, &d); err != nil {
			return Event{}, err
		}
		ev.Data = d
	case EventJobStarted:
		var d JobStartedData
		if err := decodeEventData(env.Data, &d); err != nil {
			return Event{}, err
		}
		ev.Data = d
	case EventJobSucceeded:
		var d JobSucceededData
		if err := decodeEventData(env.Data, &d); err != nil {
			return Event{}, err
		}
		ev.Data = d
	case EventJobFailed:
		var d JobFailedData
		if err := decodeEventData(env.Data, &d); err != nil {
			return Event{}, err
		}
		ev.Data = d
	case EventJobCancelled:
		var d JobCancelledData
		if err := decodeEventData(env.Data, &d); err != nil {
			return Event{}, err
		}
		ev.Data = d
	case EventJobRetried:
		var d JobRetriedData
		if err := decodeEventData(env.Data, &d); err != nil {
			return Event{}, err
		}
		ev.Data = d
	case EventJobExpired:
		var d JobExpiredData
		if err := decodeEventData(env.Data, &d); err != nil {
			return Event{}, err
		}
		ev.Data = d
	default:
		return Event{}, fmt.Errorf("op=event.rehydrate: %w: unknown event type %q", ErrValidation, env.Type)
	}
	return ev, nil
}

func decodeEventData(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("op=event.rehydrate: %w", err)
	}
	return nil
}
