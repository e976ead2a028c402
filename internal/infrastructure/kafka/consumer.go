package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"bidhub/internal/domain"
	"bidhub/pkg/logger"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type ConsumerConfig struct {
	// HandlerAttempts bounds how often one message is handed to the handler
	// before it is committed and skipped.
	HandlerAttempts int
	RetryBackoff    time.Duration
}

func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{HandlerAttempts: 3, RetryBackoff: time.Second}
}

// EventConsumer reads auction events with explicit offset commits. Offsets
// advance only after the handler succeeded or gave up on a message.
type EventConsumer struct {
	reader messageReader
	cfg    ConsumerConfig
	tracer trace.Tracer
	log    logger.Logger
}

func NewReader(brokers []string, topic, groupID string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
}

func NewEventConsumer(reader messageReader, cfg ConsumerConfig, log logger.Logger) *EventConsumer {
	if cfg.HandlerAttempts <= 0 {
		cfg.HandlerAttempts = 1
	}
	return &EventConsumer{
		reader: reader,
		cfg:    cfg,
		tracer: otel.Tracer("bidhub/internal/infrastructure/kafka"),
		log:    log,
	}
}

// Consume blocks until ctx is done.
func (c *EventConsumer) Consume(ctx context.Context, handler func(ctx context.Context, event *domain.AuctionEvent) error) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Error("Failed to fetch kafka message", "error", err)
			if !sleep(ctx, c.cfg.RetryBackoff) {
				return ctx.Err()
			}
			continue
		}

		c.process(ctx, msg, handler)

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Error("Failed to commit kafka message", "offset", msg.Offset, "error", err)
		}
	}
}

func (c *EventConsumer) process(ctx context.Context, msg kafka.Message, handler func(ctx context.Context, event *domain.AuctionEvent) error) {
	headers := headerCarrier(msg.Headers)
	ctx = otel.GetTextMapPropagator().Extract(ctx, &headers)
	ctx, span := c.tracer.Start(ctx, "EventConsumer.process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", msg.Topic),
			attribute.String("messaging.kafka.message.key", string(msg.Key)),
		))
	defer span.End()

	event, err := decodeEvent(msg.Value)
	if err != nil {
		c.log.Warn("Skipping malformed kafka message", "offset", msg.Offset, "error", err)
		return
	}

	for attempt := 1; attempt <= c.cfg.HandlerAttempts; attempt++ {
		err = handler(ctx, event)
		if err == nil {
			return
		}
		c.log.Warn("Event handler failed", "event_id", event.ID, "attempt", attempt, "error", err)
		if attempt < c.cfg.HandlerAttempts && !sleep(ctx, c.cfg.RetryBackoff) {
			return
		}
	}
	span.RecordError(err)
	c.log.Error("Giving up on event", "event_id", event.ID, "auction_id", event.AuctionID, "error", err)
}

func (c *EventConsumer) Close() error {
	return c.reader.Close()
}

func decodeEvent(payload []byte) (*domain.AuctionEvent, error) {
	var event domain.AuctionEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if event.AuctionID == "" || event.Type == "" {
		return nil, errors.New("event missing auction id or type")
	}
	return &event, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
