package retry

import (
	"context"
	"fmt"
	"time"
)

// Backoff returns the wait before the next attempt. attempt is 1-indexed
// (1 = first attempt just failed).
type Backoff func(base time.Duration, attempt int) time.Duration

// Quadratic waits base * attempt².
func Quadratic(base time.Duration, attempt int) time.Duration {
	return base * time.Duration(attempt*attempt)
}

// Exponential waits base * 2^(attempt-1).
func Exponential(base time.Duration, attempt int) time.Duration {
	return base << (attempt - 1)
}

// Constant waits base between every attempt.
func Constant(base time.Duration, _ int) time.Duration { return base }

// Config controls retry behaviour.
type Config struct {
	// MaxAttempts is the total number of calls including the first attempt.
	MaxAttempts int
	// BaseDelay is the input to Backoff.
	BaseDelay time.Duration
	// Backoff computes each wait. Defaults to Quadratic.
	Backoff Backoff
	// Retryable reports whether an error is worth another attempt.
	// nil retries every error.
	Retryable func(err error) bool
	// OnRetry is called after a failed attempt and before the next delay.
	// attempt is 1-indexed (1 = first attempt just failed).
	OnRetry func(attempt int, err error)
}

// Do calls fn up to cfg.MaxAttempts times.
//
// Wait schedule with BaseDelay=1s and the default backoff:
//
//	attempt 1 fails → wait 1s  (1² × 1s)
//	attempt 2 fails → wait 4s  (2² × 1s)
//	attempt 3 fails → wait 9s  (3² × 1s)
//
// Returns nil on first success, or the last error after all attempts or as
// soon as Retryable rejects an error.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Backoff == nil {
		cfg.Backoff = Quadratic
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if cfg.Retryable != nil && !cfg.Retryable(lastErr) {
			return lastErr
		}

		// No wait after the final attempt.
		if attempt == cfg.MaxAttempts {
			break
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr)
		}

		timer := time.NewTimer(cfg.Backoff(cfg.BaseDelay, attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled after attempt %d: %w", attempt, ctx.Err())
		}
	}
	return lastErr
}
