package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/0D1nn8502/ReadThatPDF/internal/domain"
	"github.com/0D1nn8502/ReadThatPDF/internal/schedule"
	"github.com/0D1nn8502/ReadThatPDF/pkg/telemetry"
)

const (
	DefaultTickInterval = 60 * time.Second
	DefaultScanLimit    = 500
)

// DueIndex lists schedules whose window has arrived.
type DueIndex interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]string, error)
	Unindex(ctx context.Context, userID string) error
}

// Claimer claims a due window and enqueues its delivery task.
type Claimer interface {
	ClaimAndEnqueue(ctx context.Context, userID string, force bool) (*domain.DeliveryTask, error)
}

// Leader reports whether this replica should scan. *redis.Lease satisfies it.
type Leader interface {
	Acquire(ctx context.Context) (bool, error)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

// WithInterval sets the tick interval.
func WithInterval(i time.Duration) Option {
	return func(d *Dispatcher) {
		if i > 0 {
			d.interval = i
		}
	}
}

// WithScanLimit caps the number of due schedules handled per tick.
func WithScanLimit(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.limit = n
		}
	}
}

// WithLeader makes ticks conditional on holding the lease.
func WithLeader(l Leader) Option { return func(d *Dispatcher) { d.leader = l } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

// Dispatcher periodically claims due windows and hands them to the queue.
// Several replicas may run: the claim itself is what prevents double dispatch,
// the lease only keeps idle replicas from doing redundant scans.
type Dispatcher struct {
	due      DueIndex
	claimer  Claimer
	leader   Leader // nil = always scan
	logger   *slog.Logger
	interval time.Duration
	limit    int
	now      func() time.Time
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(due DueIndex, claimer Claimer, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		due:      due,
		claimer:  claimer,
		logger:   slog.Default(),
		interval: DefaultTickInterval,
		limit:    DefaultScanLimit,
		now:      time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Run ticks until ctx is cancelled, starting with an immediate tick.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// TickResult summarises one scan.
type TickResult struct {
	Leader  bool
	Due     int
	Claimed int
	Skipped int
	Failed  int
}

// Tick runs one due scan.
func (d *Dispatcher) Tick(ctx context.Context) TickResult {
	ctx, span := otel.Tracer("dispatcher").Start(ctx, "dispatcher.tick")
	defer span.End()
	start := time.Now()
	defer func() { telemetry.DispatcherTickDurationSeconds.Observe(time.Since(start).Seconds()) }()

	var res TickResult
	if d.leader != nil {
		ok, err := d.leader.Acquire(ctx)
		if err != nil {
			d.logger.Error("leader election", slog.String("error", err.Error()))
			return res
		}
		if !ok {
			return res
		}
	}
	res.Leader = true

	now := d.now().UTC()
	ids, err := d.due.ListDue(ctx, now, d.limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list due")
		d.logger.Error("list due schedules", slog.String("error", err.Error()))
		return res
	}
	res.Due = len(ids)

	for _, userID := range ids {
		if ctx.Err() != nil {
			break
		}
		d.dispatch(ctx, userID, &res)
	}

	span.SetAttributes(
		attribute.Int("dispatch.due", res.Due),
		attribute.Int("dispatch.claimed", res.Claimed),
		attribute.Int("dispatch.failed", res.Failed),
	)
	if res.Due > 0 {
		d.logger.Info("tick finished",
			slog.Int("due", res.Due),
			slog.Int("claimed", res.Claimed),
			slog.Int("skipped", res.Skipped),
			slog.Int("failed", res.Failed),
		)
	}
	return res
}

func (d *Dispatcher) dispatch(ctx context.Context, userID string, res *TickResult) {
	log := d.logger.With(slog.String("user_id", userID))

	task, err := d.claimer.ClaimAndEnqueue(ctx, userID, false)
	var nf *domain.ScheduleNotFoundError
	var fatal *domain.FatalStateError
	switch {
	case err == nil:
		res.Claimed++
		telemetry.DispatcherWindowsClaimed.Inc()
		log.Debug("window dispatched", slog.String("task_id", task.TaskID))
	case errors.Is(err, schedule.ErrNotClaimable):
		res.Skipped++
		log.Debug("not claimable", slog.String("reason", err.Error()))
	case schedule.IsConflict(err):
		// Lost every round to other writers; the next tick retries.
		res.Skipped++
		telemetry.DispatcherClaimConflicts.Inc()
	case errors.As(err, &nf):
		res.Skipped++
		if uerr := d.due.Unindex(ctx, userID); uerr != nil {
			log.Warn("unindex vanished schedule", slog.String("error", uerr.Error()))
		}
	case errors.As(err, &fatal):
		res.Failed++
		log.Warn("schedule flagged for attention", slog.String("reason", fatal.Reason))
	default:
		res.Failed++
		log.Error("dispatch failed", slog.String("error", err.Error()))
	}
}
