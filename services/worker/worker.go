package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/0D1nn8502/ReadThatPDF/internal/domain"
	"github.com/0D1nn8502/ReadThatPDF/internal/kafka"
	"github.com/0D1nn8502/ReadThatPDF/pkg/telemetry"
)

// Worker feeds delivery tasks from a pool of queue consumers into an Executor.
type Worker struct {
	consumers []kafka.Consumer
	producer  kafka.Producer
	exec      *Executor
	workerID  string
	logger    *slog.Logger

	wg       sync.WaitGroup
	inFlight atomic.Int64
}

// Option configures a Worker.
type Option func(*Worker)

func WithLogger(l *slog.Logger) Option { return func(w *Worker) { w.logger = l } }

// NewWorker constructs a Worker. Every consumer runs in its own goroutine;
// consumers sharing a group split the partitions between them.
func NewWorker(workerID string, exec *Executor, producer kafka.Producer, consumers []kafka.Consumer, opts ...Option) *Worker {
	w := &Worker{
		consumers: consumers,
		producer:  producer,
		exec:      exec,
		workerID:  workerID,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run consumes until ctx is cancelled or a consumer fails. The first consumer
// error is returned after every consumer has stopped.
func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	for _, c := range w.consumers {
		wg.Add(1)
		go func(c kafka.Consumer) {
			defer wg.Done()
			if err := c.Subscribe(ctx, w.processMessage); err != nil {
				once.Do(func() { firstErr = err })
				cancel()
			}
		}(c)
	}
	wg.Wait()
	return firstErr
}

// Wait blocks until all in-flight tasks finish. Call after Run returns.
func (w *Worker) Wait() { w.wg.Wait() }

// InFlight reports the number of tasks currently executing.
func (w *Worker) InFlight() int64 { return w.inFlight.Load() }

// processMessage is the Kafka HandlerFunc. Malformed messages are forwarded to
// the dead-letter topic and committed. A non-nil error leaves the offset
// uncommitted so the consumer retries the message in place.
func (w *Worker) processMessage(consumerCtx context.Context, msg kafka.Message) error {
	var task domain.DeliveryTask
	if err := json.Unmarshal(msg.Value, &task); err != nil {
		w.deadLetter(consumerCtx, msg, fmt.Sprintf("malformed task message: %v", err))
		return nil
	}
	if reason := invalidTask(task); reason != "" {
		w.deadLetter(consumerCtx, msg, reason)
		return nil
	}

	// Parented to the trace context extracted from the message headers.
	_, span := otel.Tracer("worker").Start(consumerCtx, "worker.process_task")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", task.TaskID),
		attribute.String("worker.id", w.workerID),
		attribute.String("messaging.topic", msg.Topic),
	)

	w.wg.Add(1)
	w.inFlight.Add(1)
	defer func() {
		w.inFlight.Add(-1)
		w.wg.Done()
	}()

	// A batch that started runs to its commit even when the consumer is shutting
	// down; child spans still hang off this one.
	execCtx := trace.ContextWithSpan(context.Background(), span)
	if _, err := w.exec.Execute(execCtx, task); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "task not settled")
		return fmt.Errorf("execute task %s: %w", task.TaskID, err)
	}
	return nil
}

func (w *Worker) deadLetter(ctx context.Context, msg kafka.Message, reason string) {
	w.logger.Error("discarding task message",
		slog.String("reason", reason),
		slog.String("topic", msg.Topic),
		slog.Int64("offset", msg.Offset),
		slog.String("raw", string(msg.Value)),
	)
	if err := w.producer.Publish(ctx, kafka.TopicDLQ, string(msg.Key), msg.Value); err != nil {
		w.logger.Error("failed to publish to DLQ", slog.String("error", err.Error()))
	}
	telemetry.WorkerDLQTotal.Inc()
}

func invalidTask(t domain.DeliveryTask) string {
	switch {
	case t.TaskID == "":
		return "missing task_id"
	case t.UserID == "":
		return "missing user_id"
	case t.Kind == domain.TaskScheduled:
		if t.Version <= 0 {
			return "scheduled task without version"
		}
	case t.Kind == domain.TaskImmediate:
		if t.StartIndex < 0 || t.Count <= 0 {
			return "immediate task without chunk range"
		}
		if t.Recipient == "" {
			return "immediate task without recipient"
		}
	default:
		return fmt.Sprintf("unknown task kind %q", t.Kind)
	}
	return ""
}
