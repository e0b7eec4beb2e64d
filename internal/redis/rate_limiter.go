package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RateLimiter bounds how many calls to an upstream provider may start per window.
type RateLimiter interface {
	// Allow records a call for key if the window has room. A denied call is
	// not counted against the window.
	Allow(ctx context.Context, key string) (bool, error)
	Limit() int
}

// admitScript trims the window, then admits the call only when below limit.
// KEYS[1] window set; ARGV: now(ns), window start(ns), limit, member, ttl(ms).
var admitScript = redis.NewScript(`
redis.call("zremrangebyscore", KEYS[1], "-inf", ARGV[2])
if redis.call("zcard", KEYS[1]) >= tonumber(ARGV[3]) then
	return 0
end
redis.call("zadd", KEYS[1], ARGV[1], ARGV[4])
redis.call("pexpire", KEYS[1], ARGV[5])
return 1
`)

type slidingWindowLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

// NewRateLimiter returns a Redis-backed sliding-window rate limiter shared by
// every worker replica. limit is the number of calls admitted per window.
func NewRateLimiter(client *redis.Client, limit int, window time.Duration) RateLimiter {
	return &slidingWindowLimiter{client: client, limit: limit, window: window}
}

func (r *slidingWindowLimiter) Limit() int { return r.limit }

func (r *slidingWindowLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now().UnixNano()
	admitted, err := admitScript.Run(ctx, r.client,
		[]string{"ratelimit:" + key},
		now,
		strconv.FormatInt(now-r.window.Nanoseconds(), 10),
		r.limit,
		uuid.NewString(),
		(r.window * 2).Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("rate limiter for %q: %w", key, err)
	}
	return admitted == 1, nil
}
