package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/0D1nn8502/ReadThatPDF/internal/domain"
	"github.com/0D1nn8502/ReadThatPDF/internal/kafka"
	"github.com/0D1nn8502/ReadThatPDF/pkg/telemetry"
)

// ErrNotClaimable means the record has no window that can be claimed now.
var ErrNotClaimable = errors.New("no claimable window")

// Claim reserves the pending window of userID for taskID by clearing
// next_execution. Without force the window must be due at now. A record whose
// window is already claimed is never claimed twice.
func Claim(ctx context.Context, store Store, userID, taskID string, now time.Time, force bool) (*domain.ScheduleRecord, error) {
	return Mutate(ctx, store, userID, func(r *domain.ScheduleRecord) error {
		switch {
		case r.Status != domain.ScheduleActive:
			return fmt.Errorf("%w: schedule is %s", ErrNotClaimable, r.Status)
		case r.NeedsAttention:
			return fmt.Errorf("%w: schedule needs attention", ErrNotClaimable)
		case r.NextExecution == nil:
			return fmt.Errorf("%w: window already in flight", ErrNotClaimable)
		case !force && r.NextExecution.After(now):
			return fmt.Errorf("%w: not due until %s", ErrNotClaimable, r.NextExecution.Format(time.RFC3339))
		}
		claimed := now
		r.NextExecution = nil
		r.ClaimedAt = &claimed
		r.ClaimTaskID = taskID
		return nil
	})
}

// Release re-arms a window claimed by taskID so the next scan picks it up.
func Release(ctx context.Context, store Store, userID, taskID string, at time.Time) (*domain.ScheduleRecord, error) {
	return Mutate(ctx, store, userID, func(r *domain.ScheduleRecord) error {
		if r.Status != domain.ScheduleActive || r.NextExecution != nil || r.ClaimTaskID != taskID {
			return ErrUnchanged
		}
		next := at
		r.NextExecution = &next
		r.ClaimedAt = nil
		r.ClaimTaskID = ""
		return nil
	})
}

// Enqueuer claims windows and hands them to the delivery queue. The dispatcher
// scan and the manual trigger share it.
type Enqueuer struct {
	store    Store
	tasks    TaskRecorder
	producer kafka.Producer
	logger   *slog.Logger
	now      func() time.Time
}

// EnqueuerOption configures an Enqueuer.
type EnqueuerOption func(*Enqueuer)

// WithEnqueueClock overrides the time source used for claims.
func WithEnqueueClock(now func() time.Time) EnqueuerOption {
	return func(e *Enqueuer) { e.now = now }
}

// NewEnqueuer creates an Enqueuer.
func NewEnqueuer(store Store, tasks TaskRecorder, producer kafka.Producer, logger *slog.Logger, opts ...EnqueuerOption) *Enqueuer {
	e := &Enqueuer{store: store, tasks: tasks, producer: producer, logger: logger, now: time.Now}
	for _, o := range opts {
		o(e)
	}
	return e
}

// ClaimAndEnqueue claims the window of userID and publishes a delivery task
// stamped with the post-claim version. If publishing fails the claim is released.
func (e *Enqueuer) ClaimAndEnqueue(ctx context.Context, userID string, force bool) (*domain.DeliveryTask, error) {
	ctx, span := otel.Tracer("schedule").Start(ctx, "schedule.claim_and_enqueue")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID), attribute.Bool("claim.force", force))

	now := e.now().UTC()
	taskID := uuid.NewString()

	rec, err := Claim(ctx, e.store, userID, taskID, now, force)
	if err != nil {
		return nil, err
	}

	task := domain.DeliveryTask{
		TaskID:     taskID,
		Kind:       domain.TaskScheduled,
		UserID:     userID,
		Version:    rec.Version,
		StartIndex: rec.Cursor,
		Count:      min(rec.ChunksPerDelivery, rec.Remaining()),
		EnqueuedAt: now,
	}
	if err := e.enqueue(ctx, kafka.TopicPending, task); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "enqueue failed")
		telemetry.DispatcherPublishFailures.Inc()
		if _, rerr := Release(ctx, e.store, userID, taskID, now); rerr != nil && !errors.Is(rerr, ErrUnchanged) {
			e.logger.Error("release claim after enqueue failure",
				slog.String("user_id", userID),
				slog.String("task_id", taskID),
				slog.String("error", rerr.Error()),
			)
		}
		return nil, err
	}

	e.logger.Info("window enqueued",
		slog.String("user_id", userID),
		slog.String("task_id", taskID),
		slog.Int64("version", rec.Version),
		slog.Int("start_index", task.StartIndex),
		slog.Int("count", task.Count),
	)
	return &task, nil
}

// EnqueueImmediate publishes a task delivering chunks [0, count) of userID
// to recipient outside any schedule.
func (e *Enqueuer) EnqueueImmediate(ctx context.Context, userID, recipient string, count int) (*domain.DeliveryTask, error) {
	task := domain.DeliveryTask{
		TaskID:     uuid.NewString(),
		Kind:       domain.TaskImmediate,
		UserID:     userID,
		Recipient:  recipient,
		StartIndex: 0,
		Count:      count,
		EnqueuedAt: e.now().UTC(),
	}
	if err := e.enqueue(ctx, kafka.TopicImmediate, task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (e *Enqueuer) enqueue(ctx context.Context, topic string, task domain.DeliveryTask) error {
	err := e.tasks.Create(ctx, &domain.TaskStatusRecord{
		TaskID:    task.TaskID,
		Kind:      task.Kind,
		UserID:    task.UserID,
		Status:    domain.TaskPending,
		CreatedAt: task.EnqueuedAt,
		UpdatedAt: task.EnqueuedAt,
	})
	if err != nil {
		return err
	}
	if err := kafka.PublishJSON(ctx, e.producer, topic, task.UserID, task); err != nil {
		if ferr := e.tasks.Finish(ctx, task.TaskID, domain.TaskFailed, nil, "enqueue failed: "+err.Error()); ferr != nil {
			e.logger.Warn("finish unpublished task", slog.String("task_id", task.TaskID), slog.String("error", ferr.Error()))
		}
		return &domain.TransientExternalError{Service: "queue", Err: err}
	}
	return nil
}
