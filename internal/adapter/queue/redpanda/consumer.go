package redpanda

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/listing-intake/internal/domain"
)

// EventHandler receives each decoded job event. It is invoked from the
// poll goroutine, so events of one job arrive in partition order.
type EventHandler func(ctx context.Context, ev domain.Event)

// ConsumerConfig carries broker and group settings for the event feed.
//
// Every API instance should use a distinct GroupID so each instance
// observes the full stream; the live feed fans events out to connected
// stream clients rather than sharing work.
type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topic   string
}

// Consumer tails the job-events topic and hands decoded envelopes to the
// registered handler. It starts at the end of the log: the feed serves
// live updates, history lives in Postgres.
type Consumer struct {
	client  *kgo.Client
	handler EventHandler
	groupID string
	topic   string
}

// NewConsumer builds the group consumer with OpenTelemetry hooks.
func NewConsumer(cfg ConsumerConfig, handler EventHandler) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("missing required group ID")
	}
	if handler == nil {
		return nil, fmt.Errorf("missing event handler")
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopicJobEvents
	}

	slog.Info("creating redpanda consumer",
		slog.Any("brokers", cfg.Brokers),
		slog.String("group_id", cfg.GroupID),
		slog.String("topic", cfg.Topic))

	kotelTracer := kotel.NewTracer(
		kotel.TracerProvider(otel.GetTracerProvider()),
	)
	kotelService := kotel.NewKotel(
		kotel.WithTracer(kotelTracer),
	)

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.DialTimeout(10 * time.Second),
		kgo.SessionTimeout(30 * time.Second),
		kgo.HeartbeatInterval(3 * time.Second),
		kgo.FetchMaxWait(2 * time.Second),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("redpanda consumer client: %w", err)
	}

	return &Consumer{
		client:  client,
		handler: handler,
		groupID: cfg.GroupID,
		topic:   cfg.Topic,
	}, nil
}

// Run polls the topic until ctx is cancelled or the client is closed.
func (c *Consumer) Run(ctx context.Context) {
	slog.Info("event feed consumer started",
		slog.String("group_id", c.groupID),
		slog.String("topic", c.topic))

	for {
		select {
		case <-ctx.Done():
			slog.Info("event feed consumer stopping", slog.String("group_id", c.groupID))
			return
		default:
		}

		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			fatal := false
			for _, fe := range errs {
				if errors.Is(fe.Err, context.Canceled) {
					fatal = true
					continue
				}
				slog.Error("event feed fetch failed",
					slog.String("topic", fe.Topic),
					slog.Int("partition", int(fe.Partition)),
					slog.Any("error", fe.Err))
			}
			if fatal {
				return
			}
			time.Sleep(2 * time.Second)
			continue
		}

		fetches.EachRecord(func(record *kgo.Record) {
			c.processRecord(ctx, record)
		})
	}
}

// Close releases the consumer client and leaves the group.
func (c *Consumer) Close() {
	if c.client != nil {
		c.client.Close()
	}
}

// Ping checks broker reachability for readiness probes.
func (c *Consumer) Ping(ctx context.Context) error {
	return c.client.Ping(ctx)
}

// processRecord decodes one envelope and hands it to the handler. Records
// that do not decode are dropped; the authoritative copy stays in the
// outbox table, the live feed is best effort.
func (c *Consumer) processRecord(ctx context.Context, record *kgo.Record) {
	ev, err := domain.RehydrateEvent(record.Value)
	if err != nil {
		slog.Warn("dropping undecodable job event",
			slog.String("topic", record.Topic),
			slog.Int("partition", int(record.Partition)),
			slog.Int64("offset", record.Offset),
			slog.Any("error", err))
		return
	}
	c.handler(ctx, ev)
}
