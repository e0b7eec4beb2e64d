package domain

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the states a delivery task can be in.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskSucceeded TaskStatus = "SUCCEEDED"
	TaskFailed    TaskStatus = "FAILED"
)

// IsTerminal returns true if no further state transitions are possible.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskSucceeded || s == TaskFailed
}

// TaskKind distinguishes scheduled windows from submission-time processing.
type TaskKind string

const (
	TaskScheduled TaskKind = "scheduled"
	TaskImmediate TaskKind = "immediate"
)

// DeliveryTask is the queue message between the dispatcher and the executor.
// Scheduled tasks are stamped with the record version produced by the claim;
// immediate tasks carry their chunk range and recipient instead.
type DeliveryTask struct {
	TaskID     string    `json:"task_id"`
	Kind       TaskKind  `json:"kind"`
	UserID     string    `json:"user_id"`
	Recipient  string    `json:"recipient,omitempty"`
	Version    int64     `json:"version,omitempty"`
	StartIndex int       `json:"start_index,omitempty"`
	Count      int       `json:"count,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// TaskStatusRecord tracks one enqueued task. The terminal status is written once.
type TaskStatusRecord struct {
	TaskID     string          `json:"task_id"`
	Kind       TaskKind        `json:"kind"`
	UserID     string          `json:"user_id"`
	Status     TaskStatus      `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// BatchResult is the result payload of a finished delivery task.
type BatchResult struct {
	StartIndex       int    `json:"start_index"`
	EndIndex         int    `json:"end_index"`
	ChunksProcessed  int    `json:"chunks_processed"`
	InsightFailures  int    `json:"insight_failures"`
	Delivered        bool   `json:"delivered"`
	DeliveryAttempts int    `json:"delivery_attempts"`
	Remaining        int    `json:"remaining"`
	ScheduleStatus   string `json:"schedule_status,omitempty"`
	Skipped          string `json:"skipped,omitempty"`
}

// BatchExecution is the audit record of one executed batch.
type BatchExecution struct {
	ID               string    `json:"id"`
	TaskID           string    `json:"task_id"`
	UserID           string    `json:"user_id"`
	Kind             TaskKind  `json:"kind"`
	WorkerID         string    `json:"worker_id"`
	StartIndex       int       `json:"start_index"`
	ChunkCount       int       `json:"chunk_count"`
	InsightFailures  int       `json:"insight_failures"`
	Delivered        bool      `json:"delivered"`
	DeliveryAttempts int       `json:"delivery_attempts"`
	DurationMs       int64     `json:"duration_ms"`
	Error            string    `json:"error,omitempty"`
	ExecutedAt       time.Time `json:"executed_at"`
}
