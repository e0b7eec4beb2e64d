package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0D1nn8502/ReadThatPDF/pkg/retry"
)

var errUpstream = errors.New("upstream 503")

// failing returns fn that fails the first n calls, and a pointer to its call count.
func failing(n int) (func() error, *int) {
	calls := 0
	return func() error {
		calls++
		if calls <= n {
			return errUpstream
		}
		return nil
	}, &calls
}

func TestDo_Attempts(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		attempts  int
		wantErr   bool
		wantCalls int
	}{
		{name: "first call succeeds", failures: 0, attempts: 3, wantCalls: 1},
		{name: "recovers on second call", failures: 1, attempts: 3, wantCalls: 2},
		{name: "recovers on last call", failures: 2, attempts: 3, wantCalls: 3},
		{name: "gives up after max attempts", failures: 5, attempts: 3, wantErr: true, wantCalls: 3},
		{name: "zero attempts means one", failures: 5, attempts: 0, wantErr: true, wantCalls: 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fn, calls := failing(tc.failures)
			err := retry.Do(context.Background(), retry.Config{
				MaxAttempts: tc.attempts,
				BaseDelay:   time.Millisecond,
				Backoff:     retry.Constant,
			}, fn)
			if tc.wantErr {
				assert.ErrorIs(t, err, errUpstream)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tc.wantCalls, *calls)
		})
	}
}

func TestDo_CancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	fn, calls := failing(10)
	err := retry.Do(ctx, retry.Config{MaxAttempts: 10, BaseDelay: time.Second}, fn)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, *calls)
}

func TestDo_OnRetryNotCalledAfterLastAttempt(t *testing.T) {
	var seen []int
	fn, _ := failing(10)
	_ = retry.Do(context.Background(), retry.Config{
		MaxAttempts: 4,
		BaseDelay:   time.Millisecond,
		Backoff:     retry.Constant,
		OnRetry:     func(attempt int, _ error) { seen = append(seen, attempt) },
	}, fn)
	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	invalid := errors.New("invalid request")
	calls := 0
	err := retry.Do(context.Background(), retry.Config{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		Retryable:   func(err error) bool { return !errors.Is(err, invalid) },
	}, func() error {
		calls++
		return invalid
	})
	require.ErrorIs(t, err, invalid)
	assert.Equal(t, 1, calls)
}

func TestBackoffSchedules(t *testing.T) {
	base := 10 * time.Millisecond
	assert.Equal(t, []time.Duration{10, 40, 90}, scaled(retry.Quadratic, base))
	assert.Equal(t, []time.Duration{10, 20, 40}, scaled(retry.Exponential, base))
	assert.Equal(t, []time.Duration{10, 10, 10}, scaled(retry.Constant, base))
}

func scaled(b retry.Backoff, base time.Duration) []time.Duration {
	out := make([]time.Duration, 0, 3)
	for attempt := 1; attempt <= 3; attempt++ {
		out = append(out, b(base, attempt)/time.Millisecond)
	}
	return out
}
