// Package bridge feeds monitoring events from a Kafka topic into the events queue.
// Offsets are committed only after the event is on the queue, so delivery is
// at-least-once.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/afikmenashe/alerting-engine/internal/queue"
	"github.com/afikmenashe/alerting-engine/internal/retry"
	kafkautil "github.com/afikmenashe/alerting-engine/pkg/kafka"

	"github.com/segmentio/kafka-go"
)

// MessageReader fetches and commits Kafka messages. *kafka.Reader implements it.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MetricsRecorder records bridge metrics.
type MetricsRecorder interface {
	RecordReceived()
	RecordProcessed(duration time.Duration)
	RecordPublished()
	RecordError()
	IncrementCustom(name string)
}

type noopMetrics struct{}

func (noopMetrics) RecordReceived()               {}
func (noopMetrics) RecordProcessed(time.Duration) {}
func (noopMetrics) RecordPublished()              {}
func (noopMetrics) RecordError()                  {}
func (noopMetrics) IncrementCustom(string)        {}

// NewReader creates a Kafka reader configured for explicit commits.
func NewReader(brokers, topic, groupID string) (*kafka.Reader, error) {
	if err := kafkautil.ValidateConsumerParams(brokers, topic, groupID); err != nil {
		return nil, err
	}
	brokerList := kafkautil.ParseBrokers(brokers)

	slog.Info("Initializing Kafka consumer",
		"brokers", brokerList,
		"topic", topic,
		"group_id", groupID,
	)

	cfg := kafkautil.NewReaderConfig(brokerList, topic, groupID)
	kafkautil.LogReaderConfig(cfg)
	return kafka.NewReader(cfg), nil
}

// Bridge copies Kafka messages onto the events queue.
type Bridge struct {
	reader  MessageReader
	events  *queue.Queue
	retry   retry.Config
	metrics MetricsRecorder
}

// New creates a bridge. A zero retry config uses retry.DefaultConfig.
func New(reader MessageReader, events *queue.Queue, cfg retry.Config) *Bridge {
	if cfg == (retry.Config{}) {
		cfg = retry.DefaultConfig()
	}
	return &Bridge{reader: reader, events: events, retry: cfg, metrics: noopMetrics{}}
}

// SetMetrics sets the metrics recorder. A nil recorder disables metrics.
func (b *Bridge) SetMetrics(m MetricsRecorder) {
	if m == nil {
		m = noopMetrics{}
	}
	b.metrics = m
}

// Run forwards messages until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	slog.Info("Starting event bridge loop", "queue", b.events.Name())

	for {
		msg, err := b.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("Event bridge loop stopped")
				return nil
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("kafka reader closed: %w", err)
			}
			slog.Error("Failed to read event from Kafka", "error", err)
			b.metrics.RecordError()
			continue
		}

		if err := b.forward(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		// An uncommitted offset is redelivered after a restart or rebalance.
		if err := b.reader.CommitMessages(ctx, msg); err != nil {
			slog.Error("Failed to commit offset",
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
		}
	}
}

// forward pushes one message onto the events queue, retrying until it succeeds or
// ctx is cancelled. Empty messages are dropped.
func (b *Bridge) forward(ctx context.Context, msg kafka.Message) error {
	start := time.Now()
	b.metrics.RecordReceived()

	if len(msg.Value) == 0 {
		slog.Warn("Dropping empty event message", "partition", msg.Partition, "offset", msg.Offset)
		b.metrics.IncrementCustom("events_empty")
		return nil
	}

	for attempt := 0; ; attempt++ {
		err := b.events.Push(ctx, msg.Value)
		if err == nil {
			break
		}
		b.metrics.RecordError()
		slog.Error("Failed to push event onto queue",
			"queue", b.events.Name(),
			"offset", msg.Offset,
			"attempt", attempt+1,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("push of offset %d interrupted: %w", msg.Offset, ctx.Err())
		case <-time.After(retry.Backoff(b.retry, min(attempt, 6))):
		}
	}

	b.metrics.RecordPublished()
	b.metrics.RecordProcessed(time.Since(start))
	slog.Debug("Forwarded event", "partition", msg.Partition, "offset", msg.Offset)
	return nil
}

// Close closes the Kafka reader.
func (b *Bridge) Close() error {
	slog.Info("Closing Kafka consumer")
	if err := b.reader.Close(); err != nil {
		slog.Error("Error closing Kafka consumer", "error", err)
		return err
	}
	return nil
}
