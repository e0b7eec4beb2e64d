package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/0D1nn8502/ReadThatPDF/internal/admin"
	"github.com/0D1nn8502/ReadThatPDF/internal/domain"
	"github.com/0D1nn8502/ReadThatPDF/internal/postgres"
	"github.com/0D1nn8502/ReadThatPDF/internal/schedule"
	"github.com/0D1nn8502/ReadThatPDF/pkg/telemetry"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// Scheduler is the submission and schedule surface. *schedule.Service satisfies it.
type Scheduler interface {
	Submit(ctx context.Context, req schedule.SubmitRequest) (schedule.SubmitResult, error)
	Trigger(ctx context.Context, userID string) (schedule.TriggerResult, error)
	Cancel(ctx context.Context, userID string) (bool, error)
	Get(ctx context.Context, userID string) (*domain.ScheduleRecord, error)
}

// TaskReader reads task statuses.
type TaskReader interface {
	Get(ctx context.Context, taskID string) (*domain.TaskStatusRecord, error)
}

// InsightReader lists the insights of a user.
type InsightReader interface {
	List(ctx context.Context, userID string) ([]domain.InsightRecord, error)
}

// Operations is the admin surface. *admin.Service satisfies it.
type Operations interface {
	SystemMetrics(ctx context.Context, now time.Time) (*admin.SystemMetrics, error)
	CleanupExpired(ctx context.Context, now time.Time) (admin.CleanupReport, error)
}

// Option configures a REST handler.
type Option func(*REST)

// WithHistory enables the batch history endpoint.
func WithHistory(h postgres.BatchRepository) Option { return func(r *REST) { r.history = h } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(r *REST) { r.now = now } }

// REST handles the HTTP API.
type REST struct {
	scheduler Scheduler
	tasks     TaskReader
	insights  InsightReader
	ops       Operations
	health    *Health
	history   postgres.BatchRepository
	logger    *slog.Logger
	now       func() time.Time
}

// NewREST creates a new REST handler.
func NewREST(scheduler Scheduler, tasks TaskReader, insights InsightReader, ops Operations, health *Health, logger *slog.Logger, opts ...Option) *REST {
	h := &REST{
		scheduler: scheduler,
		tasks:     tasks,
		insights:  insights,
		ops:       ops,
		health:    health,
		history:   postgres.Discard{},
		logger:    logger,
		now:       time.Now,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// ProcessText handles POST /process-pdf-text.
func (h *REST) ProcessText(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("api").Start(r.Context(), "api.process_text")
	defer span.End()

	var req schedule.SubmitRequest
	if err := decode(r, &req); err != nil {
		telemetry.APISubmissions.WithLabelValues("unknown", "invalid").Inc()
		h.fail(w, err)
		return
	}
	mode := string(req.ProcessingMode)
	if mode == "" {
		mode = string(domain.ModeImmediateAndSchedule)
	}
	span.SetAttributes(attribute.String("user.id", req.UserID), attribute.String("processing_mode", mode))

	res, err := h.scheduler.Submit(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit")
		telemetry.APISubmissions.WithLabelValues(mode, outcomeOf(err)).Inc()
		h.fail(w, err, slog.String("user_id", req.UserID))
		return
	}

	telemetry.APISubmissions.WithLabelValues(mode, "accepted").Inc()
	telemetry.APIChunksCreated.Add(float64(res.TotalChunks))
	writeJSON(w, http.StatusOK, res)
}

// GetTaskStatus handles GET /task-status/{id}.
func (h *REST) GetTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	rec, err := h.tasks.Get(r.Context(), taskID)
	if err != nil {
		h.fail(w, err, slog.String("task_id", taskID))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// InsightsResponse is the GET /user-insights/{id} body.
type InsightsResponse struct {
	UserID      string                 `json:"user_id"`
	Insights    []domain.InsightRecord `json:"insights"`
	RetrievedAt time.Time              `json:"retrieved_at"`
}

// GetUserInsights handles GET /user-insights/{id}. Chunks whose generation
// failed are listed with their error.
func (h *REST) GetUserInsights(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	list, err := h.insights.List(r.Context(), userID)
	if err != nil {
		h.fail(w, err, slog.String("user_id", userID))
		return
	}
	writeJSON(w, http.StatusOK, InsightsResponse{UserID: userID, Insights: list, RetrievedAt: h.now().UTC()})
}

// ScheduleResponse is the GET /user-schedule/{id} body.
type ScheduleResponse struct {
	UserID            string                `json:"user_id"`
	ScheduleActive    bool                  `json:"schedule_active"`
	Status            domain.ScheduleStatus `json:"status,omitempty"`
	ScheduleType      domain.ScheduleType   `json:"schedule_type,omitempty"`
	NextExecution     *time.Time            `json:"next_execution,omitempty"`
	ChunksRemaining   *int                  `json:"chunks_remaining,omitempty"`
	TotalChunks       int                   `json:"total_chunks,omitempty"`
	ChunksPerDelivery int                   `json:"chunks_per_delivery,omitempty"`
	NeedsAttention    bool                  `json:"needs_attention,omitempty"`
	Progress          *Progress             `json:"progress,omitempty"`
}

// Progress is the delivery progress of a schedule.
type Progress struct {
	ProcessedCount int        `json:"processed_count"`
	CurrentIndex   int        `json:"current_index"`
	LastProcessed  *time.Time `json:"last_processed,omitempty"`
}

// GetUserSchedule handles GET /user-schedule/{id}. A user without a schedule
// is reported as inactive, not as an error.
func (h *REST) GetUserSchedule(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	rec, err := h.scheduler.Get(r.Context(), userID)
	var nf *domain.ScheduleNotFoundError
	if errors.As(err, &nf) {
		writeJSON(w, http.StatusOK, ScheduleResponse{UserID: userID})
		return
	}
	if err != nil {
		h.fail(w, err, slog.String("user_id", userID))
		return
	}

	remaining := rec.Remaining()
	writeJSON(w, http.StatusOK, ScheduleResponse{
		UserID:            userID,
		ScheduleActive:    rec.Status == domain.ScheduleActive,
		Status:            rec.Status,
		ScheduleType:      rec.Recurrence.Type,
		NextExecution:     rec.NextExecution,
		ChunksRemaining:   &remaining,
		TotalChunks:       rec.TotalChunks,
		ChunksPerDelivery: rec.ChunksPerDelivery,
		NeedsAttention:    rec.NeedsAttention,
		Progress: &Progress{
			ProcessedCount: rec.ProcessedCount,
			CurrentIndex:   rec.Cursor,
			LastProcessed:  rec.LastProcessedAt,
		},
	})
}

// CancelResponse is the DELETE /user-schedule/{id} body.
type CancelResponse struct {
	UserID    string `json:"user_id"`
	Cancelled bool   `json:"cancelled"`
	Message   string `json:"message"`
}

// CancelUserSchedule handles DELETE /user-schedule/{id}. Repeating it is harmless.
func (h *REST) CancelUserSchedule(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	cancelled, err := h.scheduler.Cancel(r.Context(), userID)
	if err != nil {
		h.fail(w, err, slog.String("user_id", userID))
		return
	}
	msg := "schedule cancelled for user " + userID
	if !cancelled {
		msg = "no active schedule for user " + userID
	}
	writeJSON(w, http.StatusOK, CancelResponse{UserID: userID, Cancelled: cancelled, Message: msg})
}

// HistoryResponse is the GET /user-schedule/{id}/history body.
type HistoryResponse struct {
	UserID  string                   `json:"user_id"`
	Batches []*domain.BatchExecution `json:"batches"`
}

// GetUserHistory handles GET /user-schedule/{id}/history?limit=N.
func (h *REST) GetUserHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxHistoryLimit {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(maxHistoryLimit), "validation")
			return
		}
		limit = n
	}
	batches, err := h.history.ListByUser(r.Context(), userID, limit)
	if err != nil {
		h.fail(w, err, slog.String("user_id", userID))
		return
	}
	if batches == nil {
		batches = []*domain.BatchExecution{}
	}
	writeJSON(w, http.StatusOK, HistoryResponse{UserID: userID, Batches: batches})
}

// TriggerProcessing handles POST /trigger-scheduled-processing/{id}.
func (h *REST) TriggerProcessing(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("api").Start(r.Context(), "api.trigger")
	defer span.End()

	userID := chi.URLParam(r, "id")
	res, err := h.scheduler.Trigger(ctx, userID)
	if err != nil {
		span.RecordError(err)
		telemetry.APITriggers.WithLabelValues(outcomeOf(err)).Inc()
		h.fail(w, err, slog.String("user_id", userID))
		return
	}
	outcome := "triggered"
	if !res.Triggered {
		outcome = "not_claimable"
	}
	telemetry.APITriggers.WithLabelValues(outcome).Inc()
	writeJSON(w, http.StatusOK, res)
}

// Health handles GET /health and GET /admin/scheduler-health. It always
// answers 200; the body says whether the system is degraded.
func (h *REST) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.health.Check(r.Context()))
}

// Readyz handles GET /readyz: 503 while a critical dependency is down.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	report := h.health.Check(r.Context())
	if !report.Ready {
		writeJSON(w, http.StatusServiceUnavailable, report)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// SystemMetrics handles GET /admin/system-metrics.
func (h *REST) SystemMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := h.ops.SystemMetrics(r.Context(), h.now())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// CleanupExpired handles POST /admin/cleanup-expired.
func (h *REST) CleanupExpired(w http.ResponseWriter, r *http.Request) {
	report, err := h.ops.CleanupExpired(r.Context(), h.now())
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// fail writes the error response. Server-side failures are logged; client
// errors are not.
func (h *REST) fail(w http.ResponseWriter, err error, attrs ...any) {
	code, kind := classify(err)
	msg := err.Error()
	if code >= http.StatusInternalServerError {
		h.logger.Error("request failed", append(attrs, slog.String("kind", kind), slog.String("error", msg))...)
		if kind == "internal" {
			msg = "internal error"
		}
	}
	writeError(w, code, msg, kind)
}

// decode reads a JSON body into v. Malformed bodies are validation errors.
func decode(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil {
		return nil
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return err
	}
	return &domain.ValidationError{Field: "body", Reason: "malformed JSON: " + strings.TrimPrefix(err.Error(), "json: ")}
}

func outcomeOf(err error) string {
	_, kind := classify(err)
	return kind
}
