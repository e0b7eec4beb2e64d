package janitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0D1nn8502/ReadThatPDF/internal/admin"
)

// ── mocks ──────────────────────────────────────────────────────────────────────

type fakeSweeper struct {
	mu    sync.Mutex
	calls []time.Time
	err   error
}

func (s *fakeSweeper) CleanupExpired(_ context.Context, now time.Time) (admin.CleanupReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, now)
	return admin.CleanupReport{Scanned: 3, Deleted: 1}, s.err
}

func (s *fakeSweeper) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type fakeLeader struct {
	ok  bool
	err error
}

func (l fakeLeader) Acquire(context.Context) (bool, error) { return l.ok, l.err }

// ── tests ──────────────────────────────────────────────────────────────────────

func TestNewJanitor_RejectsBadCronExpression(t *testing.T) {
	_, err := NewJanitor(&fakeSweeper{}, "every now and then")
	assert.Error(t, err)
}

func TestNewJanitor_DefaultSchedule(t *testing.T) {
	j, err := NewJanitor(&fakeSweeper{}, "")
	require.NoError(t, err)
	assert.Equal(t, DefaultCron, j.cronExpr)
}

func TestSweep_PassesClockInUTC(t *testing.T) {
	s := &fakeSweeper{}
	ist := time.FixedZone("IST", 5*3600+1800)
	at := time.Date(2024, 1, 1, 9, 0, 0, 0, ist)
	j, err := NewJanitor(s, "@hourly", WithClock(func() time.Time { return at }))
	require.NoError(t, err)

	assert.True(t, j.Sweep(context.Background()))
	require.Len(t, s.calls, 1)
	assert.Equal(t, time.UTC, s.calls[0].Location())
	assert.True(t, s.calls[0].Equal(at))
}

func TestSweep_SkipsWithoutLease(t *testing.T) {
	s := &fakeSweeper{}
	j, err := NewJanitor(s, "@hourly", WithLeader(fakeLeader{ok: false}))
	require.NoError(t, err)

	assert.False(t, j.Sweep(context.Background()))
	assert.Zero(t, s.count())
}

func TestSweep_SkipsOnLeaseError(t *testing.T) {
	s := &fakeSweeper{}
	j, err := NewJanitor(s, "@hourly", WithLeader(fakeLeader{err: errors.New("redis down")}))
	require.NoError(t, err)

	assert.False(t, j.Sweep(context.Background()))
	assert.Zero(t, s.count())
}

func TestSweep_FailureIsNotFatal(t *testing.T) {
	s := &fakeSweeper{err: errors.New("scan failed")}
	j, err := NewJanitor(s, "@hourly", WithLeader(fakeLeader{ok: true}))
	require.NoError(t, err)

	assert.True(t, j.Sweep(context.Background()))
	assert.Equal(t, 1, s.count())
}

func TestRun_SweepsOnStartAndStops(t *testing.T) {
	s := &fakeSweeper{}
	j, err := NewJanitor(s, "@hourly")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()

	require.Eventually(t, func() bool { return s.count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_FiresOnSchedule(t *testing.T) {
	s := &fakeSweeper{}
	j, err := NewJanitor(s, "@every 1s")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = j.Run(ctx) }()

	require.Eventually(t, func() bool { return s.count() >= 2 }, 3*time.Second, 20*time.Millisecond)
}
