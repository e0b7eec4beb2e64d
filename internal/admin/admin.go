// Package admin implements the operational read and sweep paths: the system
// metrics snapshot and the cleanup of expired, orphaned or stuck schedules.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/0D1nn8502/ReadThatPDF/internal/domain"
	redisstore "github.com/0D1nn8502/ReadThatPDF/internal/redis"
	"github.com/0D1nn8502/ReadThatPDF/internal/schedule"
	"github.com/0D1nn8502/ReadThatPDF/pkg/telemetry"
)

const (
	DefaultRetention        = 7 * 24 * time.Hour
	DefaultInactivityWindow = 30 * 24 * time.Hour
	DefaultStuckClaimAfter  = time.Hour
)

// Store is the schedule store surface needed by the sweep.
type Store interface {
	schedule.Store
	Scan(ctx context.Context, fn func(*domain.ScheduleRecord) error) error
}

// Tasks reads task statuses and the pending set.
type Tasks interface {
	Get(ctx context.Context, taskID string) (*domain.TaskStatusRecord, error)
	PendingCount(ctx context.Context) (int64, error)
	PrunePending(ctx context.Context) (int, error)
}

// Counters reads the daily run counters.
type Counters interface {
	Sum(ctx context.Context, counter string, now time.Time, days int) (int64, error)
}

// UserDirectory answers whether the owner of a schedule still exists.
type UserDirectory interface {
	Exists(ctx context.Context, userID string) (bool, error)
}

type allowAll struct{}

func (allowAll) Exists(context.Context, string) (bool, error) { return true, nil }

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithDirectory sets the identity collaborator used to detect orphaned schedules.
func WithDirectory(d UserDirectory) Option { return func(s *Service) { s.users = d } }

// WithRetention sets how long terminal schedules are kept after their last activity.
func WithRetention(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithInactivityWindow sets how long an overdue Active schedule may sit untouched
// before it is expired.
func WithInactivityWindow(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.inactivity = d
		}
	}
}

// WithStuckClaimAfter sets the age after which an unfinished claim is recovered.
func WithStuckClaimAfter(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.stuckAfter = d
		}
	}
}

// Service implements SystemMetrics and CleanupExpired.
type Service struct {
	store      Store
	tasks      Tasks
	counters   Counters
	users      UserDirectory
	logger     *slog.Logger
	retention  time.Duration
	inactivity time.Duration
	stuckAfter time.Duration
}

// NewService creates a Service.
func NewService(store Store, tasks Tasks, counters Counters, opts ...Option) *Service {
	s := &Service{
		store:      store,
		tasks:      tasks,
		counters:   counters,
		users:      allowAll{},
		logger:     slog.Default(),
		retention:  DefaultRetention,
		inactivity: DefaultInactivityWindow,
		stuckAfter: DefaultStuckClaimAfter,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// RecentRuns aggregates the run counters of the last 24 hours.
type RecentRuns struct {
	Batches             int64   `json:"batches"`
	Chunks              int64   `json:"chunks"`
	InsightFailures     int64   `json:"insight_failures"`
	DeliveryFailures    int64   `json:"delivery_failures"`
	InsightFailureRate  float64 `json:"insight_failure_rate"`
	DeliveryFailureRate float64 `json:"delivery_failure_rate"`
}

// SystemMetrics is a read-only snapshot of the engine.
type SystemMetrics struct {
	SchedulesByStatus map[domain.ScheduleStatus]int `json:"schedules_by_status"`
	TotalSchedules    int                           `json:"total_schedules"`
	DueNow            int                           `json:"due_now"`
	InFlightClaims    int                           `json:"in_flight_claims"`
	NeedsAttention    int                           `json:"needs_attention"`
	PendingTasks      int64                         `json:"pending_tasks"`
	Last24h           RecentRuns                    `json:"last_24h"`
	GeneratedAt       time.Time                     `json:"generated_at"`
}

// SystemMetrics aggregates schedule counts, queue depth and the recent failure rate.
func (s *Service) SystemMetrics(ctx context.Context, now time.Time) (*SystemMetrics, error) {
	ctx, span := otel.Tracer("admin").Start(ctx, "admin.system_metrics")
	defer span.End()

	m := &SystemMetrics{
		SchedulesByStatus: map[domain.ScheduleStatus]int{
			domain.ScheduleActive:    0,
			domain.ScheduleCompleted: 0,
			domain.ScheduleCancelled: 0,
			domain.ScheduleExpired:   0,
		},
		GeneratedAt: now.UTC(),
	}
	err := s.store.Scan(ctx, func(r *domain.ScheduleRecord) error {
		m.TotalSchedules++
		m.SchedulesByStatus[r.Status]++
		if r.IsDue(now) {
			m.DueNow++
		}
		if r.InFlight() {
			m.InFlightClaims++
		}
		if r.NeedsAttention {
			m.NeedsAttention++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if m.PendingTasks, err = s.tasks.PendingCount(ctx); err != nil {
		return nil, err
	}

	runs := &m.Last24h
	for counter, dst := range map[string]*int64{
		redisstore.CounterBatches:          &runs.Batches,
		redisstore.CounterChunks:           &runs.Chunks,
		redisstore.CounterInsightFailures:  &runs.InsightFailures,
		redisstore.CounterDeliveryFailures: &runs.DeliveryFailures,
	} {
		if *dst, err = s.counters.Sum(ctx, counter, now, 1); err != nil {
			return nil, err
		}
	}
	runs.InsightFailureRate = ratio(runs.InsightFailures, runs.Chunks)
	runs.DeliveryFailureRate = ratio(runs.DeliveryFailures, runs.Batches)
	return m, nil
}

// CleanupReport counts what one sweep reclaimed.
type CleanupReport struct {
	Scanned     int `json:"scanned"`
	Deleted     int `json:"deleted"`
	Expired     int `json:"expired"`
	Rearmed     int `json:"rearmed"`
	Flagged     int `json:"flagged"`
	PrunedTasks int `json:"pruned_tasks"`
	Errors      int `json:"errors"`
}

type action string

const (
	actionNone   action = ""
	actionDelete action = "deleted"
	actionExpire action = "expired"
	actionRearm  action = "rearmed"
	actionFlag   action = "flagged"
)

type candidate struct {
	userID string
	taskID string // claim being recovered
	action action
	reason string
}

// CleanupExpired deletes terminal schedules past retention, expires Active
// schedules that are orphaned or long overdue, and recovers claims whose task
// never finished. A failure on one record is logged and counted; the sweep
// goes on with the rest.
func (s *Service) CleanupExpired(ctx context.Context, now time.Time) (CleanupReport, error) {
	ctx, span := otel.Tracer("admin").Start(ctx, "admin.cleanup_expired")
	defer span.End()

	var report CleanupReport
	var work []candidate
	err := s.store.Scan(ctx, func(r *domain.ScheduleRecord) error {
		report.Scanned++
		c, err := s.classify(ctx, r, now)
		if err != nil {
			report.Errors++
			s.logger.Warn("classify schedule", slog.String("user_id", r.UserID), slog.String("error", err.Error()))
			return nil
		}
		if c.action != actionNone {
			work = append(work, c)
		}
		return nil
	})
	if err != nil {
		return report, fmt.Errorf("scan schedules: %w", err)
	}

	for _, c := range work {
		log := s.logger.With(slog.String("user_id", c.userID), slog.String("reason", c.reason))
		if err := s.apply(ctx, c, now); err != nil {
			if errors.Is(err, schedule.ErrUnchanged) {
				continue
			}
			report.Errors++
			log.Warn("cleanup action failed", slog.String("error", err.Error()))
			continue
		}
		switch c.action {
		case actionDelete:
			report.Deleted++
		case actionExpire:
			report.Expired++
		case actionRearm:
			report.Rearmed++
		case actionFlag:
			report.Flagged++
		}
		telemetry.JanitorReclaimed.WithLabelValues(string(c.action)).Inc()
		log.Info("schedule reclaimed", slog.String("action", string(c.action)))
	}

	pruned, err := s.tasks.PrunePending(ctx)
	if err != nil {
		return report, fmt.Errorf("prune pending tasks: %w", err)
	}
	report.PrunedTasks = pruned

	span.SetAttributes(
		attribute.Int("cleanup.scanned", report.Scanned),
		attribute.Int("cleanup.deleted", report.Deleted),
		attribute.Int("cleanup.expired", report.Expired),
		attribute.Int("cleanup.rearmed", report.Rearmed),
	)
	s.logger.Info("cleanup finished",
		slog.Int("scanned", report.Scanned),
		slog.Int("deleted", report.Deleted),
		slog.Int("expired", report.Expired),
		slog.Int("rearmed", report.Rearmed),
		slog.Int("flagged", report.Flagged),
		slog.Int("pruned_tasks", report.PrunedTasks),
		slog.Int("errors", report.Errors),
	)
	return report, nil
}

func (s *Service) classify(ctx context.Context, r *domain.ScheduleRecord, now time.Time) (candidate, error) {
	c := candidate{userID: r.UserID}

	if r.Status.IsTerminal() {
		if now.Sub(r.LastActivity()) > s.retention {
			c.action, c.reason = actionDelete, "terminal past retention"
		}
		return c, nil
	}
	if r.NeedsAttention {
		return c, nil
	}

	exists, err := s.users.Exists(ctx, r.UserID)
	if err != nil {
		return c, fmt.Errorf("look up user %s: %w", r.UserID, err)
	}
	if !exists {
		c.action, c.reason = actionExpire, "owner no longer exists"
		return c, nil
	}

	if r.InFlight() {
		if now.Sub(*r.ClaimedAt) <= s.stuckAfter {
			return c, nil
		}
		c.taskID = r.ClaimTaskID
		task, err := s.tasks.Get(ctx, r.ClaimTaskID)
		var nf *domain.TaskNotFoundError
		switch {
		case errors.As(err, &nf):
			c.action, c.reason = actionRearm, "claim task vanished"
		case err != nil:
			return c, err
		case task.Status.IsTerminal():
			c.action, c.reason = actionFlag, fmt.Sprintf("claim task %s finished %s without committing", task.TaskID, task.Status)
		case task.Status == domain.TaskRunning:
			// Past its version check; queue redelivery settles it.
			return c, nil
		default:
			c.action, c.reason = actionRearm, "claim task stuck in "+string(task.Status)
		}
		return c, nil
	}

	overdue := r.NextExecution != nil && !r.NextExecution.After(now)
	if overdue && now.Sub(r.LastActivity()) > s.inactivity {
		c.action, c.reason = actionExpire, "inactive"
	}
	return c, nil
}

func (s *Service) apply(ctx context.Context, c candidate, now time.Time) error {
	switch c.action {
	case actionDelete:
		return s.store.Delete(ctx, c.userID)
	case actionFlag:
		return s.store.Flag(ctx, c.userID, c.reason)
	case actionExpire:
		_, err := schedule.Mutate(ctx, s.store, c.userID, func(r *domain.ScheduleRecord) error {
			if r.Status.IsTerminal() {
				return schedule.ErrUnchanged
			}
			r.Status = domain.ScheduleExpired
			r.NextExecution = nil
			r.ClaimedAt = nil
			r.ClaimTaskID = ""
			return nil
		})
		return err
	case actionRearm:
		// No-op unless the same claim is still in flight.
		_, err := schedule.Release(ctx, s.store, c.userID, c.taskID, now.UTC())
		return err
	}
	return nil
}

func ratio(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}
