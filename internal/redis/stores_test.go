package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0D1nn8502/ReadThatPDF/internal/domain"
)

func TestInsightStore_AppendOnly(t *testing.T) {
	client, _ := newTestClient(t)
	store := NewInsightStore(client)
	ctx := context.Background()

	wrote, err := store.Put(ctx, "u1", domain.InsightRecord{ChunkIndex: 0, Insight: "first"})
	require.NoError(t, err)
	assert.True(t, wrote)

	wrote, err = store.Put(ctx, "u1", domain.InsightRecord{ChunkIndex: 0, Insight: "second"})
	require.NoError(t, err)
	assert.False(t, wrote)

	got, err := store.Get(ctx, "u1", 0)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "first", got.Insight)
}

func TestInsightStore_ListOrdered(t *testing.T) {
	client, _ := newTestClient(t)
	store := NewInsightStore(client)
	ctx := context.Background()

	for _, i := range []int{10, 2, 0} {
		_, err := store.Put(ctx, "u1", domain.InsightRecord{ChunkIndex: i, Insight: "x"})
		require.NoError(t, err)
	}
	_, err := store.Put(ctx, "u1", domain.InsightRecord{ChunkIndex: 1, Error: "timeout"})
	require.NoError(t, err)

	list, err := store.List(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, list, 4)
	assert.Equal(t, []int{0, 1, 2, 10}, []int{list[0].ChunkIndex, list[1].ChunkIndex, list[2].ChunkIndex, list[3].ChunkIndex})
	assert.True(t, list[1].Failed())
}

func TestInsightStore_ListEmpty(t *testing.T) {
	client, _ := newTestClient(t)
	_, err := NewInsightStore(client).List(context.Background(), "nobody")
	var nf *domain.InsightsNotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestTaskStore_Lifecycle(t *testing.T) {
	client, _ := newTestClient(t)
	store := NewTaskStore(client)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &domain.TaskStatusRecord{
		TaskID: "t1", Kind: domain.TaskScheduled, UserID: "u1", CreatedAt: t0,
	}))

	got, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, got.Status)
	assert.Equal(t, "u1", got.UserID)

	n, err := store.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, store.Start(ctx, "t1"))
	got, err = store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskRunning, got.Status)

	result := json.RawMessage(`{"chunks_processed":2}`)
	require.NoError(t, store.Finish(ctx, "t1", domain.TaskSucceeded, result, ""))

	got, err = store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskSucceeded, got.Status)
	assert.JSONEq(t, string(result), string(got.Result))
	require.NotNil(t, got.FinishedAt)

	n, err = store.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTaskStore_TerminalWrittenOnce(t *testing.T) {
	client, _ := newTestClient(t)
	store := NewTaskStore(client)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &domain.TaskStatusRecord{TaskID: "t1", CreatedAt: t0}))
	require.NoError(t, store.Finish(ctx, "t1", domain.TaskFailed, nil, "smtp down"))

	err := store.Finish(ctx, "t1", domain.TaskSucceeded, nil, "")
	var done *domain.TaskAlreadyFinishedError
	require.ErrorAs(t, err, &done)
	assert.Equal(t, domain.TaskFailed, done.Status)

	err = store.Start(ctx, "t1")
	require.ErrorAs(t, err, &done)

	got, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskFailed, got.Status)
	assert.Equal(t, "smtp down", got.Error)
}

func TestTaskStore_FinishRejectsNonTerminal(t *testing.T) {
	client, _ := newTestClient(t)
	err := NewTaskStore(client).Finish(context.Background(), "t1", domain.TaskRunning, nil, "")
	require.Error(t, err)
}

func TestTaskStore_NotFound(t *testing.T) {
	client, _ := newTestClient(t)
	_, err := NewTaskStore(client).Get(context.Background(), "missing")
	var nf *domain.TaskNotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestTaskStore_PrunePending(t *testing.T) {
	client, mr := newTestClient(t)
	store := NewTaskStore(client)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &domain.TaskStatusRecord{TaskID: "gone", CreatedAt: t0}))
	require.NoError(t, store.Create(ctx, &domain.TaskStatusRecord{TaskID: "live", CreatedAt: t0}))
	mr.Del(stateKey("gone"))

	pruned, err := store.PrunePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	n, err := store.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestDeliveryMarkers(t *testing.T) {
	client, mr := newTestClient(t)
	m := NewDeliveryMarkers(client)
	ctx := context.Background()

	require.NoError(t, m.MarkSent(ctx, "u1", 0, 2))
	sent, err := m.Sent(ctx, "u1", 0, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, map[int]bool{0: true, 2: true}, sent)
	assert.Equal(t, sentTTL, mr.TTL(sentKey("u1", 0)))
}

func TestRunMetrics_IncrAndSum(t *testing.T) {
	client, mr := newTestClient(t)
	m := NewRunMetrics(client)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, m.Incr(ctx, CounterBatches, 3))
	require.NoError(t, m.Incr(ctx, CounterBatches, 2))
	require.NoError(t, mr.Set(runMetricKey(now.AddDate(0, 0, -1), CounterBatches), "10"))
	require.NoError(t, mr.Set(runMetricKey(now.AddDate(0, 0, -9), CounterBatches), "100"))

	today, err := m.Sum(ctx, CounterBatches, now, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(5), today)

	week, err := m.Sum(ctx, CounterBatches, now, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(15), week)
}

func TestRateLimiter_DeniesOverLimit(t *testing.T) {
	client, _ := newTestClient(t)
	rl := NewRateLimiter(client, 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := rl.Allow(ctx, "openai")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := rl.Allow(ctx, "openai")
	require.NoError(t, err)
	assert.False(t, ok)

	// Other providers have their own window.
	ok, err = rl.Allow(ctx, "anthropic")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, rl.Limit())
}

func TestTokenBudget_DailyRequests(t *testing.T) {
	client, _ := newTestClient(t)
	b := NewTokenBudget(client, BudgetConfig{DailyRequests: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		denied, err := b.Acquire(ctx, "openai", 100)
		require.NoError(t, err)
		assert.Empty(t, denied)
	}
	denied, err := b.Acquire(ctx, "openai", 100)
	require.NoError(t, err)
	assert.Equal(t, DeniedDailyRequests, denied)
}

func TestTokenBudget_ChargesWithSafetyBuffer(t *testing.T) {
	client, mr := newTestClient(t)
	now := time.Date(2024, 3, 10, 12, 0, 30, 0, time.UTC)
	b := NewTokenBudget(client, BudgetConfig{DailyTokens: 1000, SafetyBuffer: 0.1}, WithBudgetClock(func() time.Time { return now }))
	ctx := context.Background()

	denied, err := b.Acquire(ctx, "openai", 500)
	require.NoError(t, err)
	assert.Empty(t, denied)
	got, err := mr.Get(dailyTokensKey("openai", now))
	require.NoError(t, err)
	assert.Equal(t, "550", got)

	denied, err = b.Acquire(ctx, "openai", 500)
	require.NoError(t, err)
	assert.Equal(t, DeniedDailyTokens, denied)

	got, err = mr.Get(dailyTokensKey("openai", now))
	require.NoError(t, err)
	assert.Equal(t, "550", got, "a denied call is not charged")
	got, err = mr.Get(dailyRequestsKey("openai", now))
	require.NoError(t, err)
	assert.Equal(t, "1", got)

	// The next UTC day starts empty.
	now = now.Add(12 * time.Hour)
	denied, err = b.Acquire(ctx, "openai", 500)
	require.NoError(t, err)
	assert.Empty(t, denied)
}

func TestTokenBudget_MinuteWindow(t *testing.T) {
	client, _ := newTestClient(t)
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	b := NewTokenBudget(client, BudgetConfig{TokensPerMinute: 1000}, WithBudgetClock(func() time.Time { return now }))
	ctx := context.Background()

	denied, err := b.Acquire(ctx, "openai", 1500)
	require.NoError(t, err)
	assert.Empty(t, denied, "the first call of a minute is always admitted")

	denied, err = b.Acquire(ctx, "openai", 10)
	require.NoError(t, err)
	assert.Equal(t, DeniedMinuteTokens, denied)

	// Other providers have their own quota.
	denied, err = b.Acquire(ctx, "anthropic", 10)
	require.NoError(t, err)
	assert.Empty(t, denied)

	now = now.Add(time.Minute)
	denied, err = b.Acquire(ctx, "openai", 900)
	require.NoError(t, err)
	assert.Empty(t, denied)
}

func TestLease_SingleHolder(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()
	a := NewLease(client, "dispatcher:leader", "a", time.Minute)
	b := NewLease(client, "dispatcher:leader", "b", time.Minute)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "holder renews its own lease")

	require.NoError(t, b.Release(ctx))
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "release by a non-holder is a no-op")

	require.NoError(t, a.Release(ctx))
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLeaseHolder(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	owner, err := LeaseHolder(ctx, client, DispatcherLeaderKey)
	require.NoError(t, err)
	assert.Empty(t, owner)

	ok, err := NewLease(client, DispatcherLeaderKey, "dispatcher-1", time.Minute).Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	owner, err = LeaseHolder(ctx, client, DispatcherLeaderKey)
	require.NoError(t, err)
	assert.Equal(t, "dispatcher-1", owner)
}

func TestNewClient_AcceptsURL(t *testing.T) {
	c := NewClient("redis://:secret@cache.internal:6380/2")
	t.Cleanup(func() { _ = c.Close() })
	assert.Equal(t, "cache.internal:6380", c.Options().Addr)
	assert.Equal(t, "secret", c.Options().Password)
	assert.Equal(t, 2, c.Options().DB)

	plain := NewClient("localhost:6379")
	t.Cleanup(func() { _ = plain.Close() })
	assert.Equal(t, "localhost:6379", plain.Options().Addr)
}
