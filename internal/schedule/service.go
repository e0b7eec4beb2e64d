package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/0D1nn8502/ReadThatPDF/internal/chunker"
	"github.com/0D1nn8502/ReadThatPDF/internal/domain"
	"github.com/0D1nn8502/ReadThatPDF/internal/recurrence"
)

// SubmitResult is the outcome of a submission.
type SubmitResult struct {
	Status                     string     `json:"status"`
	TotalChunks                int        `json:"total_chunks"`
	ChunksProcessedImmediately int        `json:"chunks_processed_immediately"`
	ScheduleSet                bool       `json:"schedule_set"`
	ImmediateTaskID            *string    `json:"immediate_task_id"`
	NextExecution              *time.Time `json:"next_execution,omitempty"`
}

// TriggerResult is the outcome of a manual trigger.
type TriggerResult struct {
	Triggered bool   `json:"triggered"`
	TaskID    string `json:"task_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithChunker sets the chunker used at submission.
func WithChunker(c *chunker.Chunker) Option { return func(s *Service) { s.chunker = c } }

// WithDefaultTimezone sets the zone used when a request names none.
func WithDefaultTimezone(tz string) Option {
	return func(s *Service) {
		if tz != "" {
			s.defaultTZ = tz
		}
	}
}

// Service implements submission, manual triggering and cancellation.
type Service struct {
	store     Store
	enq       *Enqueuer
	chunker   *chunker.Chunker
	logger    *slog.Logger
	now       func() time.Time
	defaultTZ string
}

// NewService creates a Service.
func NewService(store Store, enq *Enqueuer, opts ...Option) *Service {
	s := &Service{
		store:     store,
		enq:       enq,
		chunker:   chunker.New(0),
		logger:    slog.Default(),
		now:       time.Now,
		defaultTZ: DefaultTimezone,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Submit chunks the text, stores the document, enqueues the immediate chunks
// and creates the schedule for the rest. A submission either takes effect
// completely or not at all.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	ctx, span := otel.Tracer("schedule").Start(ctx, "schedule.submit")
	defer span.End()

	n, err := req.normalize(s.defaultTZ)
	if err != nil {
		return SubmitResult{}, err
	}
	span.SetAttributes(attribute.String("user.id", n.userID), attribute.String("processing_mode", string(n.mode)))

	chunks := s.chunker.Split(n.text)
	if len(chunks) == 0 {
		return SubmitResult{}, &domain.ValidationError{Field: "text", Reason: "contains no readable content"}
	}
	immediate := min(n.immediate, len(chunks))
	res := SubmitResult{Status: "completed", TotalChunks: len(chunks)}

	var rec *domain.ScheduleRecord
	if n.mode.Scheduled() && immediate < len(chunks) {
		now := s.now().UTC()
		next, err := recurrence.Next(n.recurrence, now, now)
		if err != nil {
			return SubmitResult{}, err
		}
		next = next.UTC()
		rec = &domain.ScheduleRecord{
			UserID:            n.userID,
			RecipientEmail:    n.email,
			TotalChunks:       len(chunks),
			ProcessingMode:    n.mode,
			Recurrence:        n.recurrence,
			ChunksPerDelivery: n.chunksPerDelivery,
			Cursor:            immediate,
			ProcessedCount:    immediate,
			NextExecution:     &next,
			Status:            domain.ScheduleActive,
			Version:           1,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		res.ScheduleSet = true
		res.NextExecution = &next
	}

	if err := s.store.Create(ctx, n.userID, chunks, rec); err != nil {
		return SubmitResult{}, err
	}

	if immediate > 0 {
		task, err := s.enq.EnqueueImmediate(ctx, n.userID, n.email, immediate)
		if err != nil {
			if derr := s.store.Delete(ctx, n.userID); derr != nil {
				s.logger.Error("roll back submission", slog.String("user_id", n.userID), slog.String("error", derr.Error()))
			}
			return SubmitResult{}, err
		}
		res.ChunksProcessedImmediately = immediate
		res.ImmediateTaskID = &task.TaskID
	}

	s.logger.Info("document submitted",
		slog.String("user_id", n.userID),
		slog.String("mode", string(n.mode)),
		slog.Int("total_chunks", len(chunks)),
		slog.Int("immediate", immediate),
		slog.Bool("schedule_set", res.ScheduleSet),
	)
	return res, nil
}

// Trigger dispatches the pending window of userID now, whether or not it is due.
func (s *Service) Trigger(ctx context.Context, userID string) (TriggerResult, error) {
	task, err := s.enq.ClaimAndEnqueue(ctx, userID, true)
	if errors.Is(err, ErrNotClaimable) {
		return TriggerResult{Triggered: false, Reason: reasonOf(err)}, nil
	}
	if err != nil {
		return TriggerResult{}, err
	}
	return TriggerResult{Triggered: true, TaskID: task.TaskID}, nil
}

// Cancel stops all further windows of userID. It reports whether a schedule
// was cancelled; absent or already-terminal schedules are not an error.
// A window already being executed is allowed to finish.
func (s *Service) Cancel(ctx context.Context, userID string) (bool, error) {
	_, err := Mutate(ctx, s.store, userID, func(r *domain.ScheduleRecord) error {
		if r.Status.IsTerminal() {
			return ErrUnchanged
		}
		r.Status = domain.ScheduleCancelled
		r.NextExecution = nil
		r.ClaimedAt = nil
		return nil
	})
	var nf *domain.ScheduleNotFoundError
	switch {
	case errors.As(err, &nf), errors.Is(err, ErrUnchanged):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("cancel schedule for %s: %w", userID, err)
	}
	s.logger.Info("schedule cancelled", slog.String("user_id", userID))
	return true, nil
}

// Get returns the stored schedule of userID.
func (s *Service) Get(ctx context.Context, userID string) (*domain.ScheduleRecord, error) {
	return s.store.Get(ctx, userID)
}

func reasonOf(err error) string {
	return strings.TrimPrefix(err.Error(), ErrNotClaimable.Error()+": ")
}
