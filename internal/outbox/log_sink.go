package outbox

import (
	"context"
	"log/slog"

	"github.com/fairyhunter13/listing-intake/internal/domain"
)

// LogSink writes every dispatched event to the structured log. Mainly a
// debugging aid for deployments without a broker; delivery never fails unless
// the payload cannot be rehydrated, in which case the entry retries and
// eventually dead-letters as a poison message.
type LogSink struct{}

// Name identifies the sink in delivery errors.
func (LogSink) Name() string { return "log" }

// Deliver logs the event.
func (LogSink) Deliver(_ context.Context, entry domain.OutboxEntry) error {
	ev, err := entry.Rehydrate()
	if err != nil {
		return err
	}
	slog.Info("job event",
		slog.String("event_id", ev.ID),
		slog.String("event_type", string(ev.Type)),
		slog.String("subject", ev.Subject),
		slog.String("tenant_id", ev.TenantID),
		slog.String("correlation_id", entry.CorrelationID),
		slog.Time("occurred_at", ev.Time))
	return nil
}
