// Package redpanda publishes and consumes the job event stream on
// Redpanda/Kafka.
//
// The outbox dispatcher hands committed events to the Producer, which
// appends them to the job-events topic keyed by event subject so every
// consumer observes per-job ordering. Delivery is at-least-once; readers
// deduplicate on the event id carried in the envelope.
package redpanda

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/listing-intake/internal/domain"
)

// DefaultTopicJobEvents is the topic the job event stream lands on when
// no topic is configured.
const DefaultTopicJobEvents = "intake.job-events"

// ProducerConfig carries broker and topic settings for the event sink.
type ProducerConfig struct {
	Brokers    []string
	Topic      string
	Partitions int32
}

// Producer appends job events to the configured topic. It satisfies the
// outbox dispatcher's Subscriber contract.
type Producer struct {
	client *kgo.Client
	topic  string
}

// NewProducer builds the Kafka client, wires OpenTelemetry hooks and
// ensures the job-events topic exists. Topic creation failures are logged
// and tolerated since the broker may auto-create or another instance may
// have won the race.
func NewProducer(ctx context.Context, cfg ProducerConfig) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopicJobEvents
	}
	if cfg.Partitions <= 0 {
		cfg.Partitions = 1
	}

	slog.Info("creating redpanda producer", slog.Any("brokers", cfg.Brokers), slog.String("topic", cfg.Topic))

	kotelTracer := kotel.NewTracer(
		kotel.TracerProvider(otel.GetTracerProvider()),
	)
	kotelService := kotel.NewKotel(
		kotel.WithTracer(kotelTracer),
	)

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
		kgo.DialTimeout(10 * time.Second),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("redpanda client: %w", err)
	}

	if err := ensureTopic(ctx, client, cfg.Topic, cfg.Partitions, 1); err != nil {
		slog.Warn("failed to ensure topic, relying on broker auto-create",
			slog.String("topic", cfg.Topic),
			slog.Any("error", err))
	}

	return &Producer{client: client, topic: cfg.Topic}, nil
}

// Name identifies the sink in dispatcher failure records.
func (p *Producer) Name() string { return "kafka" }

// Deliver appends one outbox entry to the job-events topic. The payload is
// the CloudEvents envelope exactly as the write transaction recorded it.
func (p *Producer) Deliver(ctx domain.Context, entry domain.OutboxEntry) error {
	rec := recordFor(p.topic, entry)
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("op=queue.publish: %w", err)
	}
	slog.Debug("job event published",
		slog.String("event_id", entry.ID),
		slog.String("event_type", string(entry.EventType)),
		slog.String("topic", p.topic))
	return nil
}

// Close flushes buffered records and releases the client.
func (p *Producer) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}

// Ping checks broker reachability for readiness probes.
func (p *Producer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// recordFor shapes the Kafka record for an outbox entry. The key is the
// event subject so all events of one job land on one partition.
func recordFor(topic string, entry domain.OutboxEntry) *kgo.Record {
	return &kgo.Record{
		Topic: topic,
		Key:   []byte("job:" + entry.CorrelationID),
		Value: entry.Payload,
		Headers: []kgo.RecordHeader{
			{Key: "event_id", Value: []byte(entry.ID)},
			{Key: "event_type", Value: []byte(entry.EventType)},
			{Key: "tenant_id", Value: []byte(entry.TenantID.String())},
			{Key: "schema_version", Value: []byte(entry.EventVersion)},
		},
	}
}
