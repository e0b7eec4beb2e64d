package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/0D1nn8502/ReadThatPDF/pkg/retry"
)

const (
	handlerBaseDelay = 500 * time.Millisecond
	handlerMaxDelay  = 30 * time.Second
)

// Message wraps a Kafka message with the fields services need.
type Message struct {
	Topic     string
	Key       []byte
	Value     []byte
	Partition int
	Offset    int64
	Headers   []kafka.Header
}

// HandlerFunc processes a single Kafka message.
// Return nil to commit the offset. An error means the message is retried in
// place, so later offsets of the partition are never committed past it.
type HandlerFunc func(ctx context.Context, msg Message) error

// Consumer reads messages from a Kafka topic.
type Consumer interface {
	Subscribe(ctx context.Context, handler HandlerFunc) error
	Close() error
}

type consumer struct {
	reader *kafka.Reader
	logger *slog.Logger
}

// NewConsumer creates a Kafka consumer for the given topic and consumer group.
// Several consumers sharing a groupID split the topic's partitions.
func NewConsumer(brokers []string, topic, groupID string, logger *slog.Logger) Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10 MB
		MaxWait:        500 * time.Millisecond,
		CommitInterval: 0, // manual commit only
		StartOffset:    kafka.FirstOffset,
	})
	return &consumer{reader: r, logger: logger.With(slog.String("topic", topic))}
}

// Subscribe reads messages in a loop until ctx is cancelled.
func (c *consumer) Subscribe(ctx context.Context, handler HandlerFunc) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil // normal shutdown
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}

		msg := Message{
			Topic:     m.Topic,
			Key:       m.Key,
			Value:     m.Value,
			Partition: m.Partition,
			Offset:    m.Offset,
			Headers:   m.Headers,
		}
		if !c.handle(withTrace(ctx, m.Headers), handler, msg) {
			return nil
		}

		if err := c.reader.CommitMessages(ctx, m); err != nil {
			c.logger.Error("failed to commit kafka offset",
				slog.Int("partition", m.Partition),
				slog.Int64("offset", m.Offset),
				slog.String("error", err.Error()),
			)
		}
	}
}

// handle runs handler until it succeeds. Returns false if ctx ended first.
func (c *consumer) handle(ctx context.Context, handler HandlerFunc, msg Message) bool {
	for attempt := 1; ; attempt++ {
		err := handler(ctx, msg)
		if err == nil {
			return true
		}
		delay := retry.Exponential(handlerBaseDelay, min(attempt, 8))
		if delay > handlerMaxDelay {
			delay = handlerMaxDelay
		}
		c.logger.Error("message handler failed, retrying in place",
			slog.Int("partition", msg.Partition),
			slog.Int64("offset", msg.Offset),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
	}
}

func (c *consumer) Close() error {
	return c.reader.Close()
}
