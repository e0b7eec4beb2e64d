package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/0D1nn8502/ReadThatPDF/internal/domain"
)

const (
	taskTTL    = 7 * 24 * time.Hour
	pendingKey = "tasks:pending"
)

func stateKey(taskID string) string  { return "task:state:" + taskID }
func metaKey(taskID string) string   { return "task:meta:" + taskID }
func resultKey(taskID string) string { return "task:result:" + taskID }

// startScript moves a task to RUNNING unless it already reached a terminal state.
// Returns the blocking terminal state, or "".
var startScript = redis.NewScript(`
local cur = redis.call("get", KEYS[1])
if cur == "SUCCEEDED" or cur == "FAILED" then
	return cur
end
redis.call("set", KEYS[1], "RUNNING", "EX", ARGV[1])
return ""
`)

// finishScript writes the terminal state and result exactly once.
var finishScript = redis.NewScript(`
local cur = redis.call("get", KEYS[1])
if cur == "SUCCEEDED" or cur == "FAILED" then
	return cur
end
redis.call("set", KEYS[1], ARGV[1], "EX", ARGV[3])
redis.call("set", KEYS[2], ARGV[2], "EX", ARGV[3])
redis.call("srem", KEYS[3], ARGV[4])
return ""
`)

// TaskStore tracks the status of every enqueued delivery task.
type TaskStore interface {
	// Create registers a PENDING task.
	Create(ctx context.Context, rec *domain.TaskStatusRecord) error
	Get(ctx context.Context, taskID string) (*domain.TaskStatusRecord, error)
	// Start moves the task to RUNNING. Fails with *domain.TaskAlreadyFinishedError
	// when the task is terminal.
	Start(ctx context.Context, taskID string) error
	// Finish writes the terminal status. A second call fails with
	// *domain.TaskAlreadyFinishedError and leaves the first result intact.
	Finish(ctx context.Context, taskID string, status domain.TaskStatus, result json.RawMessage, errMsg string) error
	// PendingCount returns the number of tasks not yet finished.
	PendingCount(ctx context.Context) (int64, error)
	// PrunePending drops pending entries whose task state has expired.
	PrunePending(ctx context.Context) (int, error)
}

type taskResult struct {
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	FinishedAt time.Time       `json:"finished_at"`
}

type taskStore struct {
	client *redis.Client
}

// NewTaskStore creates a Redis-backed TaskStore.
func NewTaskStore(client *redis.Client) TaskStore {
	return &taskStore{client: client}
}

func (s *taskStore) Create(ctx context.Context, rec *domain.TaskStatusRecord) error {
	meta := *rec
	meta.Status = ""
	meta.Result = nil
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal task meta: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, metaKey(rec.TaskID), data, taskTTL)
	pipe.SetNX(ctx, stateKey(rec.TaskID), string(domain.TaskPending), taskTTL)
	pipe.SAdd(ctx, pendingKey, rec.TaskID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis create task %s: %w", rec.TaskID, err)
	}
	return nil
}

func (s *taskStore) Get(ctx context.Context, taskID string) (*domain.TaskStatusRecord, error) {
	pipe := s.client.Pipeline()
	stateCmd := pipe.Get(ctx, stateKey(taskID))
	metaCmd := pipe.Get(ctx, metaKey(taskID))
	resCmd := pipe.Get(ctx, resultKey(taskID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis get task %s: %w", taskID, err)
	}

	state, err := stateCmd.Result()
	if errors.Is(err, redis.Nil) {
		return nil, &domain.TaskNotFoundError{TaskID: taskID}
	}

	rec := domain.TaskStatusRecord{TaskID: taskID}
	if data, err := metaCmd.Bytes(); err == nil {
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal task meta: %w", err)
		}
	}
	rec.Status = domain.TaskStatus(state)
	rec.UpdatedAt = rec.CreatedAt

	if data, err := resCmd.Bytes(); err == nil {
		var res taskResult
		if err := json.Unmarshal(data, &res); err != nil {
			return nil, fmt.Errorf("unmarshal task result: %w", err)
		}
		rec.Result = res.Result
		rec.Error = res.Error
		finished := res.FinishedAt
		rec.FinishedAt = &finished
		rec.UpdatedAt = finished
	}
	return &rec, nil
}

func (s *taskStore) Start(ctx context.Context, taskID string) error {
	blocked, err := startScript.Run(ctx, s.client, []string{stateKey(taskID)}, int(taskTTL.Seconds())).Text()
	if err != nil {
		return fmt.Errorf("redis start task %s: %w", taskID, err)
	}
	if blocked != "" {
		return &domain.TaskAlreadyFinishedError{TaskID: taskID, Status: domain.TaskStatus(blocked)}
	}
	return nil
}

func (s *taskStore) Finish(
	ctx context.Context,
	taskID string,
	status domain.TaskStatus,
	result json.RawMessage,
	errMsg string,
) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finish task %s: %s is not a terminal status", taskID, status)
	}
	data, err := json.Marshal(taskResult{Result: result, Error: errMsg, FinishedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal task result: %w", err)
	}
	blocked, err := finishScript.Run(ctx, s.client,
		[]string{stateKey(taskID), resultKey(taskID), pendingKey},
		string(status), data, int(taskTTL.Seconds()), taskID,
	).Text()
	if err != nil {
		return fmt.Errorf("redis finish task %s: %w", taskID, err)
	}
	if blocked != "" {
		return &domain.TaskAlreadyFinishedError{TaskID: taskID, Status: domain.TaskStatus(blocked)}
	}
	return nil
}

func (s *taskStore) PendingCount(ctx context.Context) (int64, error) {
	n, err := s.client.SCard(ctx, pendingKey).Result()
	if err != nil {
		return 0, fmt.Errorf("redis count pending tasks: %w", err)
	}
	return n, nil
}

func (s *taskStore) PrunePending(ctx context.Context) (int, error) {
	ids, err := s.client.SMembers(ctx, pendingKey).Result()
	if err != nil {
		return 0, fmt.Errorf("redis list pending tasks: %w", err)
	}
	pruned := 0
	for _, id := range ids {
		n, err := s.client.Exists(ctx, stateKey(id)).Result()
		if err != nil {
			return pruned, fmt.Errorf("redis check task %s: %w", id, err)
		}
		if n > 0 {
			continue
		}
		if err := s.client.SRem(ctx, pendingKey, id).Err(); err != nil {
			return pruned, fmt.Errorf("redis prune task %s: %w", id, err)
		}
		pruned++
	}
	return pruned, nil
}
