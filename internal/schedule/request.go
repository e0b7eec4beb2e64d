package schedule

import (
	"fmt"
	"net/mail"
	"strings"

	"github.com/0D1nn8502/ReadThatPDF/internal/domain"
	"github.com/0D1nn8502/ReadThatPDF/internal/recurrence"
)

const (
	DefaultImmediateChunks   = 1
	MaxImmediateChunks       = 2
	DefaultChunksPerDelivery = 2
	MaxChunksPerDelivery     = 10
	DefaultScheduleTime      = "09:00"
	DefaultTimezone          = "Asia/Kolkata"
)

// SubmitRequest is a document submission. Pointer fields distinguish an
// explicit zero from an omitted value.
type SubmitRequest struct {
	Text                 string                `json:"text"`
	UserID               string                `json:"userId"`
	Email                string                `json:"email"`
	ProcessingMode       domain.ProcessingMode `json:"processing_mode"`
	ImmediateChunksCount *int                  `json:"immediate_chunks_count"`
	ChunksPerDelivery    *int                  `json:"chunks_per_delivery"`
	ScheduleType         domain.ScheduleType   `json:"schedule_type"`
	ScheduleTime         *string               `json:"schedule_time"`
	UserTimezone         string                `json:"user_timezone"`
	CustomIntervalHours  *int                  `json:"custom_interval_hours,omitempty"`
	CronExpression       string                `json:"cron_expression,omitempty"`
}

// normalized is a SubmitRequest with defaults applied and every field checked.
type normalized struct {
	text              string
	userID            string
	email             string
	mode              domain.ProcessingMode
	immediate         int
	chunksPerDelivery int
	recurrence        domain.Recurrence
}

func (r SubmitRequest) normalize(defaultTZ string) (normalized, error) {
	n := normalized{
		text:              r.Text,
		userID:            strings.TrimSpace(r.UserID),
		email:             strings.TrimSpace(r.Email),
		mode:              r.ProcessingMode,
		immediate:         DefaultImmediateChunks,
		chunksPerDelivery: DefaultChunksPerDelivery,
	}

	if strings.TrimSpace(n.text) == "" {
		return n, &domain.ValidationError{Field: "text", Reason: "must not be empty"}
	}
	if n.userID == "" {
		return n, &domain.ValidationError{Field: "userId", Reason: "is required"}
	}
	if n.email == "" {
		return n, &domain.ValidationError{Field: "email", Reason: "is required"}
	}
	if _, err := mail.ParseAddress(n.email); err != nil {
		return n, &domain.ValidationError{Field: "email", Reason: "is not a valid address"}
	}

	if n.mode == "" {
		n.mode = domain.ModeImmediateAndSchedule
	}
	if !n.mode.Valid() {
		return n, &domain.ValidationError{Field: "processing_mode", Reason: fmt.Sprintf("unsupported mode %q", n.mode)}
	}

	if r.ImmediateChunksCount != nil {
		n.immediate = *r.ImmediateChunksCount
	}
	if n.immediate < 0 || n.immediate > MaxImmediateChunks {
		return n, &domain.ValidationError{
			Field:  "immediate_chunks_count",
			Reason: fmt.Sprintf("must be between 0 and %d", MaxImmediateChunks),
		}
	}
	if !n.mode.Immediate() {
		n.immediate = 0
	}

	if r.ChunksPerDelivery != nil {
		n.chunksPerDelivery = *r.ChunksPerDelivery
	}
	if n.chunksPerDelivery < 1 || n.chunksPerDelivery > MaxChunksPerDelivery {
		return n, &domain.ValidationError{
			Field:  "chunks_per_delivery",
			Reason: fmt.Sprintf("must be between 1 and %d", MaxChunksPerDelivery),
		}
	}

	if !n.mode.Scheduled() {
		return n, nil
	}

	rec := domain.Recurrence{
		Type:     r.ScheduleType,
		Time:     DefaultScheduleTime,
		Timezone: strings.TrimSpace(r.UserTimezone),
		CronExpr: strings.TrimSpace(r.CronExpression),
	}
	if rec.Type == "" {
		rec.Type = domain.ScheduleDaily
	}
	if r.ScheduleTime != nil {
		rec.Time = strings.TrimSpace(*r.ScheduleTime)
	}
	if rec.Timezone == "" {
		rec.Timezone = defaultTZ
	}
	if r.CustomIntervalHours != nil {
		rec.IntervalHours = *r.CustomIntervalHours
	}
	switch rec.Type {
	case domain.ScheduleCustom:
		if r.CustomIntervalHours == nil {
			return n, &domain.ValidationError{Field: "custom_interval_hours", Reason: "is required for custom schedules"}
		}
		rec.Time = ""
	case domain.ScheduleCron:
		rec.Time = ""
	}
	if err := recurrence.Validate(rec); err != nil {
		return n, err
	}
	n.recurrence = rec
	return n, nil
}
