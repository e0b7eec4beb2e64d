package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/0D1nn8502/ReadThatPDF/internal/delivery"
	"github.com/0D1nn8502/ReadThatPDF/internal/domain"
	"github.com/0D1nn8502/ReadThatPDF/internal/insight"
	"github.com/0D1nn8502/ReadThatPDF/internal/postgres"
	redisstore "github.com/0D1nn8502/ReadThatPDF/internal/redis"
	"github.com/0D1nn8502/ReadThatPDF/internal/recurrence"
	"github.com/0D1nn8502/ReadThatPDF/internal/schedule"
	"github.com/0D1nn8502/ReadThatPDF/pkg/retry"
	"github.com/0D1nn8502/ReadThatPDF/pkg/telemetry"
)

// Reasons a task finishes without delivering anything.
const (
	SkipStale          = "stale"
	SkipMissing        = "schedule_missing"
	SkipNeedsAttention = "needs_attention"
	SkipNothingLeft    = "nothing_remaining"
)

// ScheduleStore is the schedule store surface used by the executor.
type ScheduleStore interface {
	schedule.Store
	Chunks(ctx context.Context, userID string, start, count int) ([]string, error)
}

// TaskStore tracks task statuses.
type TaskStore interface {
	Get(ctx context.Context, taskID string) (*domain.TaskStatusRecord, error)
	Start(ctx context.Context, taskID string) error
	Finish(ctx context.Context, taskID string, status domain.TaskStatus, result json.RawMessage, errMsg string) error
}

// InsightStore keeps one insight record per chunk.
type InsightStore interface {
	Put(ctx context.Context, userID string, rec domain.InsightRecord) (bool, error)
	Get(ctx context.Context, userID string, index int) (*domain.InsightRecord, error)
}

// Markers remember which chunks already went out.
type Markers interface {
	MarkSent(ctx context.Context, userID string, indexes ...int) error
	Sent(ctx context.Context, userID string, indexes ...int) (map[int]bool, error)
}

// Counters receives the daily run counters.
type Counters interface {
	Incr(ctx context.Context, counter string, n int64) error
}

type nopCounters struct{}

func (nopCounters) Incr(context.Context, string, int64) error { return nil }

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithExecutorLogger sets the logger.
func WithExecutorLogger(l *slog.Logger) ExecutorOption { return func(e *Executor) { e.logger = l } }

// WithWorkerID names this executor in audit records.
func WithWorkerID(id string) ExecutorOption { return func(e *Executor) { e.workerID = id } }

// WithInsightPolicy sets the per-call timeout and the retry budget for insight generation.
func WithInsightPolicy(timeout time.Duration, attempts int, baseDelay time.Duration) ExecutorOption {
	return func(e *Executor) {
		if timeout > 0 {
			e.insightTimeout = timeout
		}
		if attempts > 0 {
			e.insightAttempts = attempts
		}
		if baseDelay > 0 {
			e.insightBaseDelay = baseDelay
		}
	}
}

// WithDeliveryPolicy sets the attempt budget and the fixed delay between batch sends.
func WithDeliveryPolicy(attempts int, delay time.Duration) ExecutorOption {
	return func(e *Executor) {
		if attempts > 0 {
			e.deliveryAttempts = attempts
		}
		if delay > 0 {
			e.deliveryDelay = delay
		}
	}
}

// WithTokenCounter overrides how chunk tokens are counted.
func WithTokenCounter(f func(string) int) ExecutorOption { return func(e *Executor) { e.countTokens = f } }

// WithAudit records every executed batch in repo.
func WithAudit(repo postgres.BatchRepository) ExecutorOption { return func(e *Executor) { e.audit = repo } }

// WithCounters records daily run counters.
func WithCounters(c Counters) ExecutorOption { return func(e *Executor) { e.counters = c } }

// WithExecutorClock overrides the time source.
func WithExecutorClock(now func() time.Time) ExecutorOption { return func(e *Executor) { e.now = now } }

// Executor runs one delivery task: generate insights, deliver, commit.
type Executor struct {
	store     ScheduleStore
	tasks     TaskStore
	insights  InsightStore
	markers   Markers
	generator insight.Generator
	sender    delivery.Sender
	audit     postgres.BatchRepository
	counters  Counters
	logger    *slog.Logger
	workerID  string
	now       func() time.Time

	countTokens      func(string) int
	insightTimeout   time.Duration
	insightAttempts  int
	insightBaseDelay time.Duration
	deliveryAttempts int
	deliveryDelay    time.Duration
}

// NewExecutor creates an Executor.
func NewExecutor(
	store ScheduleStore,
	tasks TaskStore,
	insights InsightStore,
	markers Markers,
	generator insight.Generator,
	sender delivery.Sender,
	opts ...ExecutorOption,
) *Executor {
	e := &Executor{
		store:            store,
		tasks:            tasks,
		insights:         insights,
		markers:          markers,
		generator:        generator,
		sender:           sender,
		audit:            postgres.Discard{},
		counters:         nopCounters{},
		logger:           slog.Default(),
		workerID:         "worker",
		now:              time.Now,
		countTokens:      insight.CountTokens,
		insightTimeout:   30 * time.Second,
		insightAttempts:  3,
		insightBaseDelay: time.Second,
		deliveryAttempts: 3,
		deliveryDelay:    60 * time.Second,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// batch is the resolved work of one task.
type batch struct {
	task      domain.DeliveryTask
	recipient string
	subject   string
	start     int
	count     int
	rec       *domain.ScheduleRecord // nil for immediate tasks
}

// Execute runs task to completion and returns its recorded result.
//
// An error is returned only when the task could not be settled and should be
// redelivered, typically because the stores are unreachable. Every other
// outcome, including failed deliveries and stale duplicates, finishes the task.
func (e *Executor) Execute(ctx context.Context, task domain.DeliveryTask) (*domain.BatchResult, error) {
	ctx, span := otel.Tracer("worker").Start(ctx, "worker.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", task.TaskID),
		attribute.String("task.kind", string(task.Kind)),
		attribute.String("user.id", task.UserID),
		attribute.Int64("task.version", task.Version),
	)
	log := e.logger.With(
		slog.String("task_id", task.TaskID),
		slog.String("user_id", task.UserID),
		slog.String("kind", string(task.Kind)),
	)

	st, err := e.tasks.Get(ctx, task.TaskID)
	if err == nil && st.Status.IsTerminal() {
		log.Info("task already finished, skipping", slog.String("status", string(st.Status)))
		return nil, nil
	}
	running := err == nil && st.Status == domain.TaskRunning

	b, skip, err := e.resolve(ctx, task)
	if err != nil {
		return nil, err
	}
	if skip != "" {
		if skip == SkipStale {
			telemetry.WorkerStaleTasks.Inc()
		}
		if running && skip == SkipStale && committedPast(b.rec, task) {
			// The batch committed before its worker stopped; settle the task
			// from the committed state.
			res, err := e.settleCommitted(ctx, b, log)
			if err != nil {
				return nil, err
			}
			return res, nil
		}
		log.Info("task skipped", slog.String("reason", skip))
		res := &domain.BatchResult{Skipped: skip}
		status, errMsg := domain.TaskSucceeded, ""
		if skip == SkipNeedsAttention {
			status, errMsg = domain.TaskFailed, "schedule needs attention"
		}
		return res, e.finish(ctx, task, status, res, errMsg)
	}

	if err := e.tasks.Start(ctx, task.TaskID); err != nil {
		var done *domain.TaskAlreadyFinishedError
		if errors.As(err, &done) {
			log.Info("task finished concurrently, skipping")
			return nil, nil
		}
		return nil, err
	}

	telemetry.WorkerTasksInFlight.Inc()
	defer telemetry.WorkerTasksInFlight.Dec()
	started := time.Now()

	res, runErr := e.run(ctx, b, log)
	duration := time.Since(started)
	telemetry.WorkerBatchDurationSeconds.WithLabelValues(string(task.Kind)).Observe(duration.Seconds())

	var fatal *domain.FatalStateError
	switch {
	case errors.As(runErr, &fatal):
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "fatal state")
		log.Warn("schedule needs attention", slog.String("reason", fatal.Reason))
		if err := e.finish(ctx, task, domain.TaskFailed, res, runErr.Error()); err != nil {
			return nil, err
		}
		e.record(ctx, b, res, duration, runErr.Error())
		return res, nil
	case runErr != nil:
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "batch interrupted")
		return nil, runErr
	}

	status, errMsg := domain.TaskSucceeded, ""
	if !res.Delivered {
		status, errMsg = domain.TaskFailed, "delivery failed after retries"
		span.SetStatus(codes.Error, errMsg)
	}
	if err := e.finish(ctx, task, status, res, errMsg); err != nil {
		return nil, err
	}
	e.record(ctx, b, res, duration, errMsg)

	log.Info("batch finished",
		slog.Int("start_index", res.StartIndex),
		slog.Int("end_index", res.EndIndex),
		slog.Int("insight_failures", res.InsightFailures),
		slog.Bool("delivered", res.Delivered),
		slog.Int("remaining", res.Remaining),
		slog.Int64("duration_ms", duration.Milliseconds()),
	)
	return res, nil
}

// committedPast reports whether rec shows the window of task already committed:
// the cursor moved beyond the task's start and the claim is no longer the task's.
func committedPast(rec *domain.ScheduleRecord, task domain.DeliveryTask) bool {
	return rec != nil && task.Kind == domain.TaskScheduled &&
		rec.Cursor > task.StartIndex && rec.ClaimTaskID != task.TaskID
}

// settleCommitted finishes a RUNNING task whose commit already landed. The
// delivery outcome is read back from the sent markers of the window.
func (e *Executor) settleCommitted(ctx context.Context, b batch, log *slog.Logger) (*domain.BatchResult, error) {
	task, rec := b.task, b.rec
	end := min(task.StartIndex+task.Count, rec.TotalChunks, rec.Cursor)
	res := &domain.BatchResult{
		StartIndex:      task.StartIndex,
		EndIndex:        end,
		ChunksProcessed: end - task.StartIndex,
		Remaining:       rec.Remaining(),
		ScheduleStatus:  string(rec.Status),
	}

	indexes := make([]int, 0, res.ChunksProcessed)
	for i := task.StartIndex; i < end; i++ {
		indexes = append(indexes, i)
	}
	sent, err := e.markers.Sent(ctx, task.UserID, indexes...)
	if err != nil {
		return nil, err
	}
	res.Delivered = true
	for _, i := range indexes {
		if !sent[i] {
			res.Delivered = false
		}
	}

	status, errMsg := domain.TaskSucceeded, ""
	if !res.Delivered {
		status, errMsg = domain.TaskFailed, "delivery failed after retries"
	}
	if err := e.finish(ctx, task, status, res, errMsg); err != nil {
		return nil, err
	}
	e.record(ctx, b, res, 0, errMsg)
	log.Info("settled committed batch",
		slog.Int("start_index", res.StartIndex),
		slog.Int("end_index", res.EndIndex),
		slog.Bool("delivered", res.Delivered),
	)
	return res, nil
}

// resolve decides which chunks the task covers, or why it covers none.
func (e *Executor) resolve(ctx context.Context, task domain.DeliveryTask) (batch, string, error) {
	b := batch{task: task}

	if task.Kind == domain.TaskImmediate {
		b.recipient = task.Recipient
		b.subject = delivery.SubjectImmediate
		b.start = task.StartIndex
		b.count = task.Count
		if b.count <= 0 {
			return b, SkipNothingLeft, nil
		}
		return b, "", nil
	}

	rec, err := e.store.Get(ctx, task.UserID)
	var nf *domain.ScheduleNotFoundError
	switch {
	case errors.As(err, &nf):
		return b, SkipMissing, nil
	case err != nil:
		return b, "", err
	}
	b.rec = rec
	switch {
	case rec.Version != task.Version:
		return b, SkipStale, nil
	case rec.NeedsAttention:
		return b, SkipNeedsAttention, nil
	}

	b.recipient = rec.RecipientEmail
	b.subject = delivery.SubjectScheduled
	b.start = rec.Cursor
	b.count = min(rec.ChunksPerDelivery, rec.Remaining())
	if b.count <= 0 {
		return b, SkipNothingLeft, nil
	}
	return b, "", nil
}

func (e *Executor) run(ctx context.Context, b batch, log *slog.Logger) (*domain.BatchResult, error) {
	userID := b.task.UserID
	res := &domain.BatchResult{StartIndex: b.start}

	chunks, err := e.store.Chunks(ctx, userID, b.start, b.count)
	if err != nil {
		return res, err
	}
	if len(chunks) < b.count {
		fatal := &domain.FatalStateError{
			UserID: userID,
			Reason: fmt.Sprintf("expected %d chunks from %d, found %d", b.count, b.start, len(chunks)),
		}
		if b.task.Kind == domain.TaskScheduled {
			if err := e.store.Flag(ctx, userID, fatal.Reason); err != nil {
				log.Warn("flag schedule", slog.String("error", err.Error()))
			}
		}
		return res, fatal
	}
	res.EndIndex = b.start + len(chunks)
	res.ChunksProcessed = len(chunks)

	items := make([]delivery.Item, len(chunks))
	indexes := make([]int, len(chunks))
	for i, text := range chunks {
		idx := b.start + i
		indexes[i] = idx
		rec, err := e.insightFor(ctx, userID, idx, text, log)
		if err != nil {
			return res, err
		}
		if rec.Failed() {
			res.InsightFailures++
		}
		items[i] = delivery.Item{ChunkIndex: idx, Chunk: text, Insight: rec.Insight, Error: rec.Error}
	}

	sent, err := e.markers.Sent(ctx, userID, indexes...)
	if err != nil {
		return res, err
	}
	var pending []delivery.Item
	var pendingIdx []int
	for _, it := range items {
		if !sent[it.ChunkIndex] {
			pending = append(pending, it)
			pendingIdx = append(pendingIdx, it.ChunkIndex)
		}
	}

	if len(pending) == 0 {
		res.Delivered = true
	} else {
		payload := delivery.Payload{UserID: userID, Recipient: b.recipient, Subject: b.subject, Items: pending}
		res.DeliveryAttempts, err = e.deliver(ctx, payload, log)
		if err == nil {
			res.Delivered = true
			if merr := e.markers.MarkSent(ctx, userID, pendingIdx...); merr != nil {
				log.Warn("mark chunks sent", slog.String("error", merr.Error()))
			}
		} else {
			log.Error("delivery failed", slog.Int("attempts", res.DeliveryAttempts), slog.String("error", err.Error()))
		}
	}

	if b.task.Kind == domain.TaskImmediate {
		return res, nil
	}

	rec, err := e.commit(ctx, b, len(chunks))
	if rec != nil {
		res.Remaining = rec.Remaining()
		res.ScheduleStatus = string(rec.Status)
	}
	if errors.Is(err, schedule.ErrUnchanged) {
		log.Warn("cursor moved during batch, commit skipped", slog.Int("start_index", b.start))
		return res, nil
	}
	return res, err
}

// insightFor returns the stored insight of chunk idx, generating and storing
// it first when none exists. Generation failures produce an error record.
func (e *Executor) insightFor(ctx context.Context, userID string, idx int, text string, log *slog.Logger) (domain.InsightRecord, error) {
	existing, err := e.insights.Get(ctx, userID, idx)
	if err != nil {
		return domain.InsightRecord{}, err
	}
	if existing != nil {
		return *existing, nil
	}

	rec := domain.InsightRecord{ChunkIndex: idx, TokenCount: e.countTokens(text), GeneratedAt: e.now().UTC()}
	provider := e.generator.Name()

	var out insight.Insight
	genErr := retry.Do(ctx, retry.Config{
		MaxAttempts: e.insightAttempts,
		BaseDelay:   e.insightBaseDelay,
		Backoff:     retry.Exponential,
		Retryable:   insight.IsTransient,
		OnRetry: func(attempt int, err error) {
			telemetry.WorkerInsightCalls.WithLabelValues(provider, "retry").Inc()
			log.Warn("insight attempt failed, retrying",
				slog.Int("chunk_index", idx),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		},
	}, func() error {
		callCtx, cancel := context.WithTimeout(ctx, e.insightTimeout)
		defer cancel()
		var err error
		out, err = e.generator.Generate(callCtx, text)
		return err
	})
	if genErr != nil {
		telemetry.WorkerInsightCalls.WithLabelValues(provider, "failed").Inc()
		log.Error("insight generation failed", slog.Int("chunk_index", idx), slog.String("error", genErr.Error()))
		rec.Error = genErr.Error()
	} else {
		telemetry.WorkerInsightCalls.WithLabelValues(provider, "ok").Inc()
		rec.Insight = out.Text
	}

	stored, err := e.insights.Put(ctx, userID, rec)
	if err != nil {
		return rec, err
	}
	if !stored {
		// A redelivered batch got there first; keep its record.
		if winner, err := e.insights.Get(ctx, userID, idx); err == nil && winner != nil {
			return *winner, nil
		}
	}
	return rec, nil
}

// deliver sends p with a fixed delay between attempts and returns the attempt count.
func (e *Executor) deliver(ctx context.Context, p delivery.Payload, log *slog.Logger) (int, error) {
	channel := e.sender.Channel()
	attempts := 0
	err := retry.Do(ctx, retry.Config{
		MaxAttempts: e.deliveryAttempts,
		BaseDelay:   e.deliveryDelay,
		Backoff:     retry.Constant,
		Retryable:   isTransient,
		OnRetry: func(attempt int, err error) {
			log.Warn("delivery attempt failed, retrying",
				slog.Int("attempt", attempt),
				slog.Duration("delay", e.deliveryDelay),
				slog.String("error", err.Error()),
			)
		},
	}, func() error {
		attempts++
		err := e.sender.Send(ctx, p)
		outcome := "ok"
		if err != nil {
			outcome = "failed"
		}
		telemetry.WorkerDeliveryAttempts.WithLabelValues(channel, outcome).Inc()
		return err
	})
	return attempts, err
}

// commit advances the cursor past the batch. It only applies while the cursor
// is still where the batch started, so a batch never commits twice.
func (e *Executor) commit(ctx context.Context, b batch, processed int) (*domain.ScheduleRecord, error) {
	now := e.now().UTC()
	return schedule.Mutate(ctx, e.store, b.task.UserID, func(r *domain.ScheduleRecord) error {
		if r.Cursor != b.start {
			return schedule.ErrUnchanged
		}
		r.Cursor = b.start + processed
		r.ProcessedCount = r.Cursor
		r.LastProcessedAt = &now
		if r.ClaimTaskID == b.task.TaskID {
			r.ClaimedAt = nil
			r.ClaimTaskID = ""
		}

		switch {
		case r.Status.IsTerminal():
			// Cancelled or expired while the batch ran: keep the status.
			r.NextExecution = nil
		case r.Cursor >= r.TotalChunks:
			r.Status = domain.ScheduleCompleted
			r.NextExecution = nil
		case r.ClaimTaskID != "":
			// Another claim holds the window.
		default:
			// Also replaces a window re-armed while this batch ran.
			next, err := recurrence.Next(r.Recurrence, r.CreatedAt, now)
			if err != nil {
				return &domain.FatalStateError{UserID: r.UserID, Reason: "recurrence: " + err.Error()}
			}
			next = next.UTC()
			r.NextExecution = &next
		}
		return nil
	})
}

func (e *Executor) finish(ctx context.Context, task domain.DeliveryTask, status domain.TaskStatus, res *domain.BatchResult, errMsg string) error {
	var payload json.RawMessage
	if res != nil {
		data, err := json.Marshal(res)
		if err != nil {
			return fmt.Errorf("marshal batch result: %w", err)
		}
		payload = data
	}
	err := e.tasks.Finish(ctx, task.TaskID, status, payload, errMsg)
	var done *domain.TaskAlreadyFinishedError
	if errors.As(err, &done) {
		e.logger.Info("task already finished", slog.String("task_id", task.TaskID), slog.String("status", string(done.Status)))
		return nil
	}
	if err != nil {
		return err
	}
	outcome := "succeeded"
	if status == domain.TaskFailed {
		outcome = "failed"
	}
	if res != nil && res.Skipped != "" {
		outcome = "skipped"
	}
	telemetry.WorkerBatchesProcessed.WithLabelValues(string(task.Kind), outcome).Inc()
	return nil
}

// record writes the run counters and the audit row. Both are best effort.
func (e *Executor) record(ctx context.Context, b batch, res *domain.BatchResult, d time.Duration, errMsg string) {
	counts := map[string]int64{
		redisstore.CounterBatches:         1,
		redisstore.CounterChunks:          int64(res.ChunksProcessed),
		redisstore.CounterInsightFailures: int64(res.InsightFailures),
	}
	if !res.Delivered {
		counts[redisstore.CounterDeliveryFailures] = 1
	}
	for counter, n := range counts {
		if err := e.counters.Incr(ctx, counter, n); err != nil {
			e.logger.Warn("run counter", slog.String("counter", counter), slog.String("error", err.Error()))
		}
	}

	exec := &domain.BatchExecution{
		TaskID:           b.task.TaskID,
		UserID:           b.task.UserID,
		Kind:             b.task.Kind,
		WorkerID:         e.workerID,
		StartIndex:       res.StartIndex,
		ChunkCount:       res.ChunksProcessed,
		InsightFailures:  res.InsightFailures,
		Delivered:        res.Delivered,
		DeliveryAttempts: res.DeliveryAttempts,
		DurationMs:       d.Milliseconds(),
		Error:            errMsg,
		ExecutedAt:       e.now().UTC(),
	}
	if err := e.audit.Record(ctx, exec); err != nil {
		e.logger.Warn("record batch audit", slog.String("task_id", b.task.TaskID), slog.String("error", err.Error()))
	}
}

func isTransient(err error) bool {
	var te *domain.TransientExternalError
	return errors.As(err, &te)
}
