// Package kafka implements the downstream event sink on a Kafka topic.
package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/avdcosta/stopguard/internal/domain"
)

// Sink publishes outbox payloads to a Kafka topic. Messages are keyed by
// event id so redeliveries of the same event land in the same partition and
// downstream consumers can dedupe in order.
type Sink struct {
	writer *kafka.Writer
	logger *slog.Logger
}

var _ domain.Sink = (*Sink)(nil)

// Config holds Kafka connection parameters.
type Config struct {
	Brokers []string
	Topic   string
}

// NewSink creates a Sink. RequireAll acks keep delivery durable; the outbox
// retries on top of the writer's own retries.
func NewSink(cfg Config, logger *slog.Logger) *Sink {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  3,
		WriteTimeout: 10 * time.Second,
		BatchTimeout: 50 * time.Millisecond,
	}
	return &Sink{
		writer: writer,
		logger: logger.With(slog.String("component", "kafka_sink")),
	}
}

// Deliver publishes one payload keyed by event id.
func (s *Sink) Deliver(ctx context.Context, eventID string, payload []byte) error {
	err := s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(eventID),
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("kafka: deliver %s: %w", eventID, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (s *Sink) Close() error {
	return s.writer.Close()
}
