package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0D1nn8502/ReadThatPDF/internal/domain"
	"github.com/0D1nn8502/ReadThatPDF/internal/kafka"
	redisstore "github.com/0D1nn8502/ReadThatPDF/internal/redis"
)

// ── mocks ─────────────────────────────────────────────────────────────────────

type published struct {
	topic string
	key   string
	task  domain.DeliveryTask
}

type fakeProducer struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakeProducer) Publish(_ context.Context, topic, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	var task domain.DeliveryTask
	if err := json.Unmarshal(value, &task); err != nil {
		return err
	}
	f.msgs = append(f.msgs, published{topic: topic, key: key, task: task})
	return nil
}

func (f *fakeProducer) Close() error { return nil }

func (f *fakeProducer) published() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.msgs...)
}

// conflictingStore loses the first n compare-and-swaps to a phantom writer.
type conflictingStore struct {
	Store
	mu        sync.Mutex
	conflicts int
	cas       int
}

func (c *conflictingStore) CompareAndSwap(ctx context.Context, userID string, expected int64, fn func(*domain.ScheduleRecord) error) (*domain.ScheduleRecord, error) {
	c.mu.Lock()
	c.cas++
	if c.conflicts > 0 {
		c.conflicts--
		c.mu.Unlock()
		return nil, &domain.ConflictError{UserID: userID, Expected: expected, Actual: expected + 1}
	}
	c.mu.Unlock()
	return c.Store.CompareAndSwap(ctx, userID, expected, fn)
}

// unflaggableStore fails every Flag, as a store that went away mid-write would.
type unflaggableStore struct {
	Store
}

func (unflaggableStore) Flag(context.Context, string, string) error {
	return errors.New("redis: connection reset")
}

// ── helpers ───────────────────────────────────────────────────────────────────

// 2024-01-01 10:00 in Asia/Kolkata.
var clock = time.Date(2024, 1, 1, 4, 30, 0, 0, time.UTC)

type fixture struct {
	store    redisstore.ScheduleStore
	tasks    redisstore.TaskStore
	producer *fakeProducer
	svc      *Service
	enq      *Enqueuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := &fixture{
		store:    redisstore.NewScheduleStore(client),
		tasks:    redisstore.NewTaskStore(client),
		producer: &fakeProducer{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	now := func() time.Time { return clock }
	f.enq = NewEnqueuer(f.store, f.tasks, f.producer, logger, WithEnqueueClock(now))
	f.svc = NewService(f.store, f.enq, WithLogger(logger), WithClock(now))
	return f
}

func longText(chars int) string {
	const sentence = "Reading is a habit worth building. "
	return strings.Repeat(sentence, chars/len(sentence)+1)[:chars]
}

func intp(v int) *int { return &v }

func submit(t *testing.T, f *fixture, req SubmitRequest) SubmitResult {
	t.Helper()
	res, err := f.svc.Submit(context.Background(), req)
	require.NoError(t, err)
	return res
}

// ── tests ─────────────────────────────────────────────────────────────────────

func TestSubmit_Hybrid_StartsCursorAfterImmediateChunks(t *testing.T) {
	f := newFixture(t)
	res := submit(t, f, SubmitRequest{Text: longText(10_000), UserID: "u1", Email: "u1@example.com"})

	assert.Equal(t, 3, res.TotalChunks)
	assert.Equal(t, 1, res.ChunksProcessedImmediately)
	assert.True(t, res.ScheduleSet)
	require.NotNil(t, res.ImmediateTaskID)

	rec, err := f.store.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Cursor)
	assert.Equal(t, 1, rec.ProcessedCount)
	assert.Equal(t, domain.ModeImmediateAndSchedule, rec.ProcessingMode)
	assert.Equal(t, DefaultChunksPerDelivery, rec.ChunksPerDelivery)
	require.NotNil(t, rec.NextExecution)
	// Next 09:00 in Kolkata after 10:00 on Jan 1.
	assert.True(t, rec.NextExecution.Equal(time.Date(2024, 1, 2, 3, 30, 0, 0, time.UTC)), rec.NextExecution)

	msgs := f.producer.published()
	require.Len(t, msgs, 1)
	assert.Equal(t, kafka.TopicImmediate, msgs[0].topic)
	assert.Equal(t, "u1", msgs[0].key)
	assert.Equal(t, domain.TaskImmediate, msgs[0].task.Kind)
	assert.Equal(t, 1, msgs[0].task.Count)
	assert.Equal(t, "u1@example.com", msgs[0].task.Recipient)

	status, err := f.tasks.Get(context.Background(), *res.ImmediateTaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, status.Status)
}

func TestSubmit_ScheduleOnly(t *testing.T) {
	f := newFixture(t)
	res := submit(t, f, SubmitRequest{
		Text: longText(6_000), UserID: "u1", Email: "u1@example.com",
		ProcessingMode: domain.ModeScheduleOnly, ChunksPerDelivery: intp(1),
		ScheduleType: domain.ScheduleWeekly, UserTimezone: "UTC",
	})
	assert.Nil(t, res.ImmediateTaskID)
	assert.Zero(t, res.ChunksProcessedImmediately)
	assert.True(t, res.ScheduleSet)
	assert.Empty(t, f.producer.published())

	rec, err := f.store.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, rec.Cursor)
	assert.Equal(t, domain.ScheduleWeekly, rec.Recurrence.Type)
	assert.True(t, rec.NextExecution.Equal(time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)), rec.NextExecution)
}

func TestSubmit_ImmediateOnly_NoSchedule(t *testing.T) {
	f := newFixture(t)
	res := submit(t, f, SubmitRequest{
		Text: longText(10_000), UserID: "u1", Email: "u1@example.com",
		ProcessingMode: domain.ModeImmediateOnly, ImmediateChunksCount: intp(2),
	})
	assert.False(t, res.ScheduleSet)
	assert.Equal(t, 2, res.ChunksProcessedImmediately)

	_, err := f.store.Get(context.Background(), "u1")
	var nf *domain.ScheduleNotFoundError
	require.ErrorAs(t, err, &nf)

	chunks, err := f.store.Chunks(context.Background(), "u1", 0, 10)
	require.NoError(t, err)
	assert.Len(t, chunks, 3)
}

func TestSubmit_AllChunksImmediate_NoSchedule(t *testing.T) {
	f := newFixture(t)
	res := submit(t, f, SubmitRequest{Text: "One short chunk.", UserID: "u1", Email: "u1@example.com"})
	assert.Equal(t, 1, res.TotalChunks)
	assert.Equal(t, 1, res.ChunksProcessedImmediately)
	assert.False(t, res.ScheduleSet)
}

func TestSubmit_ImmediateClampedToTotal(t *testing.T) {
	f := newFixture(t)
	res := submit(t, f, SubmitRequest{
		Text: "Tiny.", UserID: "u1", Email: "u1@example.com",
		ProcessingMode: domain.ModeImmediateOnly, ImmediateChunksCount: intp(2),
	})
	assert.Equal(t, 1, res.ChunksProcessedImmediately)
}

func TestSubmit_ValidationErrors(t *testing.T) {
	base := func() SubmitRequest {
		return SubmitRequest{Text: "Some text.", UserID: "u1", Email: "u1@example.com"}
	}
	tests := []struct {
		name  string
		edit  func(*SubmitRequest)
		field string
	}{
		{"empty text", func(r *SubmitRequest) { r.Text = "  \n " }, "text"},
		{"missing user", func(r *SubmitRequest) { r.UserID = "" }, "userId"},
		{"bad email", func(r *SubmitRequest) { r.Email = "not-an-email" }, "email"},
		{"bad mode", func(r *SubmitRequest) { r.ProcessingMode = "sometimes" }, "processing_mode"},
		{"too many immediate", func(r *SubmitRequest) { r.ImmediateChunksCount = intp(3) }, "immediate_chunks_count"},
		{"zero per delivery", func(r *SubmitRequest) { r.ChunksPerDelivery = intp(0) }, "chunks_per_delivery"},
		{"too many per delivery", func(r *SubmitRequest) { r.ChunksPerDelivery = intp(11) }, "chunks_per_delivery"},
		{"custom without interval", func(r *SubmitRequest) { r.ScheduleType = domain.ScheduleCustom }, "custom_interval_hours"},
		{"bad timezone", func(r *SubmitRequest) { r.UserTimezone = "Mars/Olympus" }, "user_timezone"},
		{"bad time", func(r *SubmitRequest) { s := "9am"; r.ScheduleTime = &s }, "schedule_time"},
		{"bad cron", func(r *SubmitRequest) { r.ScheduleType = domain.ScheduleCron; r.CronExpression = "every day" }, "cron_expression"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req := base()
			tt.edit(&req)
			_, err := f.svc.Submit(context.Background(), req)
			var ve *domain.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestSubmit_ActiveScheduleExists(t *testing.T) {
	f := newFixture(t)
	submit(t, f, SubmitRequest{Text: longText(10_000), UserID: "u1", Email: "u1@example.com"})

	_, err := f.svc.Submit(context.Background(), SubmitRequest{Text: "Other.", UserID: "u1", Email: "u1@example.com"})
	var exists *domain.ScheduleExistsError
	require.ErrorAs(t, err, &exists)
}

func TestSubmit_PublishFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.producer.err = errors.New("broker down")

	_, err := f.svc.Submit(context.Background(), SubmitRequest{Text: longText(10_000), UserID: "u1", Email: "u1@example.com"})
	var te *domain.TransientExternalError
	require.ErrorAs(t, err, &te)

	_, err = f.store.Get(context.Background(), "u1")
	var nf *domain.ScheduleNotFoundError
	require.ErrorAs(t, err, &nf, "schedule must be rolled back")
	chunks, err := f.store.Chunks(context.Background(), "u1", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestTrigger_ClaimsOnceWhileInFlight(t *testing.T) {
	f := newFixture(t)
	submit(t, f, SubmitRequest{
		Text: longText(10_000), UserID: "u1", Email: "u1@example.com",
		ProcessingMode: domain.ModeScheduleOnly,
	})

	first, err := f.svc.Trigger(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, first.Triggered)

	second, err := f.svc.Trigger(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, second.Triggered)
	assert.Equal(t, "window already in flight", second.Reason)

	msgs := f.producer.published()
	require.Len(t, msgs, 1)
	assert.Equal(t, kafka.TopicPending, msgs[0].topic)
	assert.Equal(t, int64(2), msgs[0].task.Version, "task carries the post-claim version")
	assert.Equal(t, 0, msgs[0].task.StartIndex)
	assert.Equal(t, 2, msgs[0].task.Count)

	rec, err := f.store.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Nil(t, rec.NextExecution)
	assert.Equal(t, first.TaskID, rec.ClaimTaskID)
}

func TestTrigger_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Trigger(context.Background(), "ghost")
	var nf *domain.ScheduleNotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestClaimAndEnqueue_ConcurrentClaimsProduceOneTask(t *testing.T) {
	f := newFixture(t)
	submit(t, f, SubmitRequest{
		Text: longText(10_000), UserID: "u1", Email: "u1@example.com",
		ProcessingMode: domain.ModeScheduleOnly,
	})
	// Make the window due for the scan path.
	due := clock.Add(-time.Minute)
	_, err := Mutate(context.Background(), f.store, "u1", func(r *domain.ScheduleRecord) error {
		r.NextExecution = &due
		return nil
	})
	require.NoError(t, err)

	const racers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	var wins, misses int
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(force bool) {
			defer wg.Done()
			_, err := f.enq.ClaimAndEnqueue(context.Background(), "u1", force)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrNotClaimable), IsConflict(err):
				misses++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i%2 == 0) // half are manual triggers, half are scans
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, racers-1, misses)
	assert.Len(t, f.producer.published(), 1)
}

func TestClaimAndEnqueue_NotDue(t *testing.T) {
	f := newFixture(t)
	submit(t, f, SubmitRequest{Text: longText(10_000), UserID: "u1", Email: "u1@example.com"})

	_, err := f.enq.ClaimAndEnqueue(context.Background(), "u1", false)
	assert.ErrorIs(t, err, ErrNotClaimable)
	assert.Len(t, f.producer.published(), 1, "only the immediate task")
}

func TestClaimAndEnqueue_PublishFailureReleasesClaim(t *testing.T) {
	f := newFixture(t)
	submit(t, f, SubmitRequest{
		Text: longText(10_000), UserID: "u1", Email: "u1@example.com",
		ProcessingMode: domain.ModeScheduleOnly,
	})
	f.producer.err = errors.New("broker down")

	_, err := f.enq.ClaimAndEnqueue(context.Background(), "u1", true)
	require.Error(t, err)

	rec, err := f.store.Get(context.Background(), "u1")
	require.NoError(t, err)
	require.NotNil(t, rec.NextExecution, "claim must be released")
	assert.True(t, rec.NextExecution.Equal(clock))
	assert.Empty(t, rec.ClaimTaskID)
	assert.Nil(t, rec.ClaimedAt)
}

func TestCancel_Idempotent(t *testing.T) {
	f := newFixture(t)
	submit(t, f, SubmitRequest{Text: longText(10_000), UserID: "u1", Email: "u1@example.com"})

	ok, err := f.svc.Cancel(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	rec, err := f.store.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.ScheduleCancelled, rec.Status)
	assert.Nil(t, rec.NextExecution)

	ok, err = f.svc.Cancel(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.svc.Cancel(context.Background(), "nobody")
	require.NoError(t, err)
	assert.False(t, ok)

	res, err := f.svc.Trigger(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, res.Triggered, "cancelled schedules never produce windows")
}

func TestMutate_RetriesConflicts(t *testing.T) {
	f := newFixture(t)
	submit(t, f, SubmitRequest{Text: longText(10_000), UserID: "u1", Email: "u1@example.com"})

	store := &conflictingStore{Store: f.store, conflicts: 2}
	rec, err := Mutate(context.Background(), store, "u1", func(r *domain.ScheduleRecord) error {
		r.AttentionNote = "touched"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "touched", rec.AttentionNote)
	assert.Equal(t, 3, store.cas)
}

func TestMutate_GivesUpAfterBoundedAttempts(t *testing.T) {
	f := newFixture(t)
	submit(t, f, SubmitRequest{Text: longText(10_000), UserID: "u1", Email: "u1@example.com"})

	store := &conflictingStore{Store: f.store, conflicts: 100}
	_, err := Mutate(context.Background(), store, "u1", func(*domain.ScheduleRecord) error { return nil })
	assert.True(t, IsConflict(err))
	assert.Equal(t, mutateAttempts, store.cas)
}

func TestMutate_FlagsFatalState(t *testing.T) {
	f := newFixture(t)
	submit(t, f, SubmitRequest{Text: longText(10_000), UserID: "u1", Email: "u1@example.com"})

	_, err := Mutate(context.Background(), f.store, "u1", func(r *domain.ScheduleRecord) error {
		r.Cursor = -4
		return nil
	})
	var fatal *domain.FatalStateError
	require.ErrorAs(t, err, &fatal)

	rec, err := f.store.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, rec.NeedsAttention)
	assert.Equal(t, 1, rec.Cursor, "record is never repaired by guessing")
}

func TestMutate_ReportsFailedFlag(t *testing.T) {
	f := newFixture(t)
	submit(t, f, SubmitRequest{Text: longText(10_000), UserID: "u1", Email: "u1@example.com"})

	_, err := Mutate(context.Background(), unflaggableStore{f.store}, "u1", func(r *domain.ScheduleRecord) error {
		return &domain.FatalStateError{UserID: r.UserID, Reason: "cursor past total"}
	})
	var fatal *domain.FatalStateError
	require.ErrorAs(t, err, &fatal)
	assert.ErrorContains(t, err, "flag schedule u1")
	assert.ErrorContains(t, err, "connection reset")
}

func TestMutate_Unchanged(t *testing.T) {
	f := newFixture(t)
	submit(t, f, SubmitRequest{Text: longText(10_000), UserID: "u1", Email: "u1@example.com"})

	rec, err := Mutate(context.Background(), f.store, "u1", func(*domain.ScheduleRecord) error { return ErrUnchanged })
	assert.ErrorIs(t, err, ErrUnchanged)
	require.NotNil(t, rec)
	assert.Equal(t, int64(1), rec.Version)
}
