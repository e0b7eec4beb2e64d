package domain

import "fmt"

// ValidationError is returned when a request field is missing or malformed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ScheduleNotFoundError is returned when a user has no stored schedule.
type ScheduleNotFoundError struct {
	UserID string
}

func (e *ScheduleNotFoundError) Error() string {
	return fmt.Sprintf("schedule not found for user %s", e.UserID)
}

// InsightsNotFoundError is returned when no insight has been recorded for a user.
type InsightsNotFoundError struct {
	UserID string
}

func (e *InsightsNotFoundError) Error() string {
	return fmt.Sprintf("no insights found for user %s", e.UserID)
}

// TaskNotFoundError is returned when a task ID does not exist.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// ScheduleExistsError is returned when creating a schedule for a user that
// already has an active one.
type ScheduleExistsError struct {
	UserID string
}

func (e *ScheduleExistsError) Error() string {
	return fmt.Sprintf("active schedule already exists for user %s", e.UserID)
}

// ConflictError is returned by compare-and-swap when the stored version moved.
type ConflictError struct {
	UserID   string
	Expected int64
	Actual   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict for user %s: expected %d, found %d", e.UserID, e.Expected, e.Actual)
}

// TransientExternalError wraps a timeout or 5xx from the insight or delivery service.
type TransientExternalError struct {
	Service string
	Err     error
}

func (e *TransientExternalError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Service, e.Err)
}

func (e *TransientExternalError) Unwrap() error { return e.Err }

// FatalStateError is returned when a stored record violates an invariant.
type FatalStateError struct {
	UserID string
	Reason string
}

func (e *FatalStateError) Error() string {
	return fmt.Sprintf("corrupt schedule for user %s: %s", e.UserID, e.Reason)
}

// TaskAlreadyFinishedError is returned when a terminal task status would be overwritten.
type TaskAlreadyFinishedError struct {
	TaskID string
	Status TaskStatus
}

func (e *TaskAlreadyFinishedError) Error() string {
	return fmt.Sprintf("task %s already finished with status %s", e.TaskID, e.Status)
}
