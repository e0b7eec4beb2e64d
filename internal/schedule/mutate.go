// Package schedule owns every state transition of a ScheduleRecord that is
// not made by the executor's commit: submission, claiming a due window,
// releasing a claim and cancellation. All of them go through Mutate.
package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/0D1nn8502/ReadThatPDF/internal/domain"
	"github.com/0D1nn8502/ReadThatPDF/pkg/retry"
)

const (
	mutateAttempts  = 6
	mutateBaseDelay = 10 * time.Millisecond
)

// ErrUnchanged is returned by a mutator that decided no write is needed.
// Mutate passes it through together with the record it inspected.
var ErrUnchanged = errors.New("schedule unchanged")

// Store is the subset of the schedule store used here.
type Store interface {
	Create(ctx context.Context, userID string, chunks []string, rec *domain.ScheduleRecord) error
	Get(ctx context.Context, userID string) (*domain.ScheduleRecord, error)
	CompareAndSwap(ctx context.Context, userID string, expected int64, mutate func(*domain.ScheduleRecord) error) (*domain.ScheduleRecord, error)
	Flag(ctx context.Context, userID, note string) error
	Delete(ctx context.Context, userID string) error
}

// TaskRecorder registers and finishes delivery task statuses.
type TaskRecorder interface {
	Create(ctx context.Context, rec *domain.TaskStatusRecord) error
	Finish(ctx context.Context, taskID string, status domain.TaskStatus, result json.RawMessage, errMsg string) error
}

// Mutate reads the record of userID and applies fn through compare-and-swap,
// re-reading and retrying with backoff whenever another writer won the race.
//
// A FatalStateError from the store or from fn flags the record for manual
// remediation before it is returned. A failed flag write is joined to it.
func Mutate(
	ctx context.Context,
	store Store,
	userID string,
	fn func(*domain.ScheduleRecord) error,
) (*domain.ScheduleRecord, error) {
	var out *domain.ScheduleRecord
	err := retry.Do(ctx, retry.Config{
		MaxAttempts: mutateAttempts,
		BaseDelay:   mutateBaseDelay,
		Backoff:     retry.Exponential,
		Retryable:   IsConflict,
	}, func() error {
		cur, err := store.Get(ctx, userID)
		if err != nil {
			return err
		}
		out = cur
		written, err := store.CompareAndSwap(ctx, userID, cur.Version, fn)
		if err != nil {
			return err
		}
		out = written
		return nil
	})

	var fatal *domain.FatalStateError
	if errors.As(err, &fatal) {
		if ferr := store.Flag(ctx, userID, fatal.Reason); ferr != nil {
			err = errors.Join(err, fmt.Errorf("flag schedule %s: %w", userID, ferr))
		}
	}
	return out, err
}

// IsConflict reports whether err is a lost compare-and-swap.
func IsConflict(err error) bool {
	var c *domain.ConflictError
	return errors.As(err, &c)
}
