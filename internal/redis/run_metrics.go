package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const runMetricsTTL = 7 * 24 * time.Hour

// Daily counters written by the executor.
const (
	CounterBatches          = "batches"
	CounterChunks           = "chunks"
	CounterInsightFailures  = "insight_failures"
	CounterDeliveryFailures = "delivery_failures"
)

func runMetricKey(day time.Time, counter string) string {
	return "metrics:" + day.UTC().Format("2006-01-02") + ":" + counter
}

// RunMetrics keeps per-day engine counters with a rolling retention.
type RunMetrics interface {
	Incr(ctx context.Context, counter string, n int64) error
	// Sum adds the counter over the last days days ending at now.
	Sum(ctx context.Context, counter string, now time.Time, days int) (int64, error)
}

type runMetrics struct {
	client *redis.Client
}

// NewRunMetrics creates Redis-backed RunMetrics.
func NewRunMetrics(client *redis.Client) RunMetrics {
	return &runMetrics{client: client}
}

func (m *runMetrics) Incr(ctx context.Context, counter string, n int64) error {
	if n == 0 {
		return nil
	}
	key := runMetricKey(time.Now(), counter)
	pipe := m.client.TxPipeline()
	pipe.IncrBy(ctx, key, n)
	pipe.Expire(ctx, key, runMetricsTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis incr %s: %w", counter, err)
	}
	return nil
}

func (m *runMetrics) Sum(ctx context.Context, counter string, now time.Time, days int) (int64, error) {
	if days <= 0 {
		days = 1
	}
	pipe := m.client.Pipeline()
	cmds := make([]*redis.StringCmd, days)
	for d := 0; d < days; d++ {
		cmds[d] = pipe.Get(ctx, runMetricKey(now.AddDate(0, 0, -d), counter))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("redis sum %s: %w", counter, err)
	}
	var total int64
	for _, c := range cmds {
		if v, err := c.Int64(); err == nil {
			total += v
		}
	}
	return total, nil
}
