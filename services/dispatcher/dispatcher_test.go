package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0D1nn8502/ReadThatPDF/internal/domain"
	redisstore "github.com/0D1nn8502/ReadThatPDF/internal/redis"
	"github.com/0D1nn8502/ReadThatPDF/internal/schedule"
)

// ── mocks ────────────────────────────────────────────────────────────────────

type fakeDue struct {
	ids       []string
	err       error
	unindexed []string
}

func (f *fakeDue) ListDue(_ context.Context, _ time.Time, limit int) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.ids) > limit {
		return f.ids[:limit], nil
	}
	return f.ids, nil
}

func (f *fakeDue) Unindex(_ context.Context, userID string) error {
	f.unindexed = append(f.unindexed, userID)
	return nil
}

type fakeClaimer struct {
	errs   map[string]error
	called []string
}

func (c *fakeClaimer) ClaimAndEnqueue(_ context.Context, userID string, force bool) (*domain.DeliveryTask, error) {
	c.called = append(c.called, userID)
	if force {
		return nil, errors.New("dispatcher must not force claims")
	}
	if err := c.errs[userID]; err != nil {
		return nil, err
	}
	return &domain.DeliveryTask{TaskID: "task-" + userID, UserID: userID}, nil
}

type fakeLeader struct {
	ok  bool
	err error
}

func (l *fakeLeader) Acquire(context.Context) (bool, error) { return l.ok, l.err }

type fakeProducer struct {
	mu    sync.Mutex
	count int
}

func (p *fakeProducer) Publish(context.Context, string, string, []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count++
	return nil
}
func (p *fakeProducer) Close() error { return nil }

// ── helpers ───────────────────────────────────────────────────────────────────

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestDispatcher(due DueIndex, claimer Claimer, opts ...Option) *Dispatcher {
	return NewDispatcher(due, claimer, append([]Option{WithLogger(quietLogger())}, opts...)...)
}

// ── tests ─────────────────────────────────────────────────────────────────────

func TestTick_ClaimsEveryDueSchedule(t *testing.T) {
	due := &fakeDue{ids: []string{"a", "b", "c"}}
	claimer := &fakeClaimer{}
	res := newTestDispatcher(due, claimer).Tick(context.Background())

	assert.True(t, res.Leader)
	assert.Equal(t, 3, res.Due)
	assert.Equal(t, 3, res.Claimed)
	assert.Equal(t, []string{"a", "b", "c"}, claimer.called)
}

func TestTick_ClassifiesOutcomes(t *testing.T) {
	due := &fakeDue{ids: []string{"ok", "busy", "raced", "gone", "corrupt", "broken"}}
	claimer := &fakeClaimer{errs: map[string]error{
		"busy":    fmt.Errorf("%w: window already in flight", schedule.ErrNotClaimable),
		"raced":   &domain.ConflictError{UserID: "raced", Expected: 1, Actual: 2},
		"gone":    &domain.ScheduleNotFoundError{UserID: "gone"},
		"corrupt": &domain.FatalStateError{UserID: "corrupt", Reason: "cursor out of range"},
		"broken":  errors.New("redis down"),
	}}

	res := newTestDispatcher(due, claimer).Tick(context.Background())
	assert.Equal(t, 1, res.Claimed)
	assert.Equal(t, 3, res.Skipped)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, []string{"gone"}, due.unindexed, "vanished records leave the due index")
}

func TestTick_RespectsScanLimit(t *testing.T) {
	due := &fakeDue{ids: []string{"a", "b", "c"}}
	claimer := &fakeClaimer{}
	res := newTestDispatcher(due, claimer, WithScanLimit(2)).Tick(context.Background())
	assert.Equal(t, 2, res.Claimed)
}

func TestTick_NotLeader_DoesNothing(t *testing.T) {
	due := &fakeDue{ids: []string{"a"}}
	claimer := &fakeClaimer{}
	res := newTestDispatcher(due, claimer, WithLeader(&fakeLeader{ok: false})).Tick(context.Background())
	assert.False(t, res.Leader)
	assert.Empty(t, claimer.called)
}

func TestTick_LeaderError_DoesNothing(t *testing.T) {
	claimer := &fakeClaimer{}
	res := newTestDispatcher(&fakeDue{ids: []string{"a"}}, claimer,
		WithLeader(&fakeLeader{err: errors.New("redis down")})).Tick(context.Background())
	assert.False(t, res.Leader)
	assert.Empty(t, claimer.called)
}

func TestTick_ListError(t *testing.T) {
	claimer := &fakeClaimer{}
	res := newTestDispatcher(&fakeDue{err: errors.New("redis down")}, claimer).Tick(context.Background())
	assert.Zero(t, res.Due)
	assert.Empty(t, claimer.called)
}

func TestRun_StopsOnCancel(t *testing.T) {
	claimer := &fakeClaimer{}
	d := newTestDispatcher(&fakeDue{ids: []string{"a"}}, claimer, WithInterval(10*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 35*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.GreaterOrEqual(t, len(claimer.called), 2, "immediate tick plus at least one interval")
}

// A tick and a manual trigger racing for the same due window produce one task.
func TestTick_RacingTriggerDispatchesOnce(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := redisstore.NewScheduleStore(client)
	producer := &fakeProducer{}
	enq := schedule.NewEnqueuer(store, redisstore.NewTaskStore(client), producer, quietLogger())
	svc := schedule.NewService(store, enq, schedule.WithLogger(quietLogger()))

	for i := 0; i < 20; i++ {
		userID := fmt.Sprintf("u%d", i)
		past := time.Now().UTC().Add(-time.Minute)
		rec := &domain.ScheduleRecord{
			UserID: userID, RecipientEmail: userID + "@example.com", TotalChunks: 3,
			ProcessingMode:    domain.ModeScheduleOnly,
			Recurrence:        domain.Recurrence{Type: domain.ScheduleDaily, Time: "09:00", Timezone: "UTC"},
			ChunksPerDelivery: 2, NextExecution: &past, Status: domain.ScheduleActive, Version: 1,
			CreatedAt: past, UpdatedAt: past,
		}
		require.NoError(t, store.Create(context.Background(), userID, []string{"a", "b", "c"}, rec))
	}

	d := NewDispatcher(store, enq, WithLogger(quietLogger()))

	var wg sync.WaitGroup
	var mu sync.Mutex
	triggered := 0
	wg.Add(2)
	go func() {
		defer wg.Done()
		d.Tick(context.Background())
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			res, err := svc.Trigger(context.Background(), fmt.Sprintf("u%d", i))
			if err == nil && res.Triggered {
				mu.Lock()
				triggered++
				mu.Unlock()
			}
		}
	}()
	wg.Wait()

	assert.Equal(t, 20, producer.count, "exactly one task per window")
	for i := 0; i < 20; i++ {
		rec, err := store.Get(context.Background(), fmt.Sprintf("u%d", i))
		require.NoError(t, err)
		assert.Nil(t, rec.NextExecution)
		assert.Equal(t, int64(2), rec.Version, "one claim per record")
	}
	assert.LessOrEqual(t, triggered, 20)
}
