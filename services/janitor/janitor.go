package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/0D1nn8502/ReadThatPDF/internal/admin"
)

// DefaultCron runs the sweep at the top of every hour.
const DefaultCron = "@hourly"

// Sweeper reclaims expired, orphaned and stuck schedules. *admin.Service satisfies it.
type Sweeper interface {
	CleanupExpired(ctx context.Context, now time.Time) (admin.CleanupReport, error)
}

// Leader reports whether this replica should sweep. *redis.Lease satisfies it.
type Leader interface {
	Acquire(ctx context.Context) (bool, error)
}

// Option configures a Janitor.
type Option func(*Janitor)

func WithLogger(l *slog.Logger) Option { return func(j *Janitor) { j.logger = l } }

func WithLeader(l Leader) Option { return func(j *Janitor) { j.leader = l } }

func WithClock(now func() time.Time) Option { return func(j *Janitor) { j.now = now } }

// Janitor fires the cleanup sweep on a cron schedule.
type Janitor struct {
	sweeper  Sweeper
	cronExpr string
	leader   Leader // nil = always sweep
	logger   *slog.Logger
	now      func() time.Time
}

// NewJanitor validates cronExpr and returns a Janitor. Standard five-field
// expressions and descriptors such as @hourly or @every 30m are accepted.
func NewJanitor(sweeper Sweeper, cronExpr string, opts ...Option) (*Janitor, error) {
	if cronExpr == "" {
		cronExpr = DefaultCron
	}
	if _, err := cron.ParseStandard(cronExpr); err != nil {
		return nil, fmt.Errorf("parse cleanup schedule %q: %w", cronExpr, err)
	}
	j := &Janitor{
		sweeper:  sweeper,
		cronExpr: cronExpr,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(j)
	}
	return j, nil
}

// Run sweeps once immediately, then on every cron fire until ctx is cancelled.
// A sweep still running when the next one fires makes that fire a no-op.
func (j *Janitor) Run(ctx context.Context) error {
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc(j.cronExpr, func() { j.Sweep(ctx) }); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}

	j.Sweep(ctx)
	c.Start()
	<-ctx.Done()
	// Wait for a running sweep to return.
	<-c.Stop().Done()
	return nil
}

// Sweep runs one cleanup pass if this replica holds the lease. Reports whether
// a pass ran.
func (j *Janitor) Sweep(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	if j.leader != nil {
		ok, err := j.leader.Acquire(ctx)
		if err != nil {
			j.logger.Error("leader election", slog.String("error", err.Error()))
			return false
		}
		if !ok {
			j.logger.Debug("not leader, sweep skipped")
			return false
		}
	}

	start := time.Now()
	report, err := j.sweeper.CleanupExpired(ctx, j.now().UTC())
	if err != nil {
		j.logger.Error("cleanup sweep failed",
			slog.String("error", err.Error()),
			slog.Int("scanned", report.Scanned),
		)
		return true
	}
	j.logger.Info("cleanup sweep done",
		slog.Int("scanned", report.Scanned),
		slog.Int("reclaimed", report.Deleted+report.Expired+report.Rearmed+report.Flagged),
		slog.Duration("took", time.Since(start)),
	)
	return true
}
