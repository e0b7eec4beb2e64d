package redis

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// BudgetConfig bounds the provider usage of every worker replica together.
// A zero limit disables that check.
type BudgetConfig struct {
	DailyRequests   int
	DailyTokens     int
	TokensPerMinute int
	// SafetyBuffer inflates every charge to absorb estimation error.
	SafetyBuffer float64
}

// DefaultBudget matches a free-tier hosted model.
var DefaultBudget = BudgetConfig{
	DailyRequests:   1000,
	DailyTokens:     200_000,
	TokensPerMinute: 60_000,
	SafetyBuffer:    0.1,
}

// Reasons a budget denies a call.
const (
	DeniedDailyRequests = "daily_request_limit_exceeded"
	DeniedDailyTokens   = "daily_token_limit_exceeded"
	DeniedMinuteTokens  = "token_rate_limit_exceeded"
)

// TokenBudget charges estimated tokens against shared daily and per-minute quotas.
type TokenBudget interface {
	// Acquire charges tokens for one call under key. It returns the denial
	// reason, or "" when the call was admitted and charged.
	Acquire(ctx context.Context, key string, tokens int) (string, error)
}

// budgetScript checks every quota before charging any of them, so a denied
// call leaves no trace. The first call of a minute is admitted even when it
// alone exceeds the per-minute quota.
// KEYS: daily requests, daily tokens, minute tokens.
// ARGV: request limit, daily token limit, minute token limit, cost.
var budgetScript = redis.NewScript(`
local cost = tonumber(ARGV[4])
local reqs = tonumber(redis.call("get", KEYS[1]) or "0")
if tonumber(ARGV[1]) > 0 and reqs >= tonumber(ARGV[1]) then
	return "` + DeniedDailyRequests + `"
end
local day = tonumber(redis.call("get", KEYS[2]) or "0")
if tonumber(ARGV[2]) > 0 and day + cost > tonumber(ARGV[2]) then
	return "` + DeniedDailyTokens + `"
end
local minute = tonumber(redis.call("get", KEYS[3]) or "0")
if tonumber(ARGV[3]) > 0 and minute > 0 and minute + cost > tonumber(ARGV[3]) then
	return "` + DeniedMinuteTokens + `"
end
redis.call("incr", KEYS[1])
redis.call("expire", KEYS[1], 172800)
redis.call("incrby", KEYS[2], cost)
redis.call("expire", KEYS[2], 172800)
redis.call("incrby", KEYS[3], cost)
redis.call("expire", KEYS[3], 120)
return ""
`)

type tokenBudget struct {
	client *redis.Client
	cfg    BudgetConfig
	now    func() time.Time
}

// BudgetOption configures a TokenBudget.
type BudgetOption func(*tokenBudget)

// WithBudgetClock overrides the time source that picks the day and minute keys.
func WithBudgetClock(now func() time.Time) BudgetOption {
	return func(b *tokenBudget) { b.now = now }
}

// NewTokenBudget returns a Redis-backed TokenBudget. Days roll over at
// midnight UTC.
func NewTokenBudget(client *redis.Client, cfg BudgetConfig, opts ...BudgetOption) TokenBudget {
	b := &tokenBudget{client: client, cfg: cfg, now: time.Now}
	for _, o := range opts {
		o(b)
	}
	return b
}

func dailyRequestsKey(key string, day time.Time) string {
	return "budget:" + key + ":requests:" + day.Format("20060102")
}

func dailyTokensKey(key string, day time.Time) string {
	return "budget:" + key + ":tokens:" + day.Format("20060102")
}

func minuteTokensKey(key string, at time.Time) string {
	return fmt.Sprintf("budget:%s:minute:%d", key, at.Unix()/60)
}

func (b *tokenBudget) Acquire(ctx context.Context, key string, tokens int) (string, error) {
	now := b.now().UTC()
	tokens = max(tokens, 0)
	cost := tokens + int(math.Round(float64(tokens)*b.cfg.SafetyBuffer))
	denied, err := budgetScript.Run(ctx, b.client,
		[]string{dailyRequestsKey(key, now), dailyTokensKey(key, now), minuteTokensKey(key, now)},
		b.cfg.DailyRequests, b.cfg.DailyTokens, b.cfg.TokensPerMinute, cost,
	).Text()
	if err != nil {
		return "", fmt.Errorf("token budget for %q: %w", key, err)
	}
	return denied, nil
}
