package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/0D1nn8502/ReadThatPDF/internal/domain"
)

const (
	defaultActiveTTL   = 30 * 24 * time.Hour
	defaultTerminalTTL = 7 * 24 * time.Hour

	dueKey = "schedules:due"
)

func scheduleKey(userID string) string { return "user_schedule:" + userID }
func chunksKey(userID string) string   { return "user_chunks:" + userID }
func insightsKey(userID string) string { return "user_insights:" + userID }

// ScheduleStore is the durable home of every user's ScheduleRecord and the
// chunk texts it points into. All mutation after creation goes through
// CompareAndSwap.
type ScheduleStore interface {
	// Create stores chunks for userID and, when rec is non-nil, the schedule
	// that will deliver them. Any previous document of the user is replaced
	// together with its insights and delivery markers. Fails with
	// *domain.ScheduleExistsError while an Active schedule exists.
	Create(ctx context.Context, userID string, chunks []string, rec *domain.ScheduleRecord) error
	Get(ctx context.Context, userID string) (*domain.ScheduleRecord, error)
	// Chunks returns up to count chunk texts starting at start.
	Chunks(ctx context.Context, userID string, start, count int) ([]string, error)
	// CompareAndSwap applies mutate to a copy of the stored record and writes it
	// back only if the stored version still equals expected. The written record
	// carries version expected+1 and is returned.
	CompareAndSwap(ctx context.Context, userID string, expected int64, mutate func(*domain.ScheduleRecord) error) (*domain.ScheduleRecord, error)
	// Flag marks a record for manual remediation without validating it.
	Flag(ctx context.Context, userID, note string) error
	// ListDue returns user IDs whose next_execution is at or before now.
	ListDue(ctx context.Context, now time.Time, limit int) ([]string, error)
	// Unindex drops userID from the due index, for entries whose record is gone.
	Unindex(ctx context.Context, userID string) error
	Delete(ctx context.Context, userID string) error
	// Scan calls fn for every stored record. Records that fail to decode are skipped.
	Scan(ctx context.Context, fn func(*domain.ScheduleRecord) error) error
}

// StoreOption configures a ScheduleStore.
type StoreOption func(*scheduleStore)

// WithTTL sets the record lifetime for active and terminal schedules.
func WithTTL(active, terminal time.Duration) StoreOption {
	return func(s *scheduleStore) {
		if active > 0 {
			s.activeTTL = active
		}
		if terminal > 0 {
			s.terminalTTL = terminal
		}
	}
}

// WithClock overrides the time source used for UpdatedAt stamps.
func WithClock(now func() time.Time) StoreOption {
	return func(s *scheduleStore) { s.now = now }
}

type scheduleStore struct {
	client      *redis.Client
	activeTTL   time.Duration
	terminalTTL time.Duration
	now         func() time.Time
}

// NewScheduleStore creates a Redis-backed ScheduleStore.
func NewScheduleStore(client *redis.Client, opts ...StoreOption) ScheduleStore {
	s := &scheduleStore{
		client:      client,
		activeTTL:   defaultActiveTTL,
		terminalTTL: defaultTerminalTTL,
		now:         time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *scheduleStore) ttlFor(rec *domain.ScheduleRecord) time.Duration {
	if rec.Status.IsTerminal() {
		return s.terminalTTL
	}
	return s.activeTTL
}

func (s *scheduleStore) Create(ctx context.Context, userID string, chunks []string, rec *domain.ScheduleRecord) error {
	key := scheduleKey(userID)

	var payload []byte
	if rec != nil {
		if rec.UserID != userID {
			return &domain.ValidationError{Field: "user_id", Reason: "record does not belong to user"}
		}
		if rec.TotalChunks != len(chunks) {
			return &domain.FatalStateError{UserID: userID, Reason: "total_chunks does not match stored chunks"}
		}
		if err := rec.Validate(); err != nil {
			return err
		}
		var err error
		if payload, err = json.Marshal(rec); err != nil {
			return fmt.Errorf("marshal schedule: %w", err)
		}
	}

	txf := func(tx *redis.Tx) error {
		existing, err := loadRecord(ctx, tx, userID)
		var nf *domain.ScheduleNotFoundError
		switch {
		case errors.As(err, &nf):
		case err != nil:
			return err
		case existing.Status == domain.ScheduleActive:
			return &domain.ScheduleExistsError{UserID: userID}
		}

		oldLen, err := tx.LLen(ctx, chunksKey(userID)).Result()
		if err != nil {
			return fmt.Errorf("redis llen chunks for %s: %w", userID, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, chunksKey(userID), insightsKey(userID))
			for i := int64(0); i < oldLen; i++ {
				pipe.Del(ctx, sentKey(userID, int(i)))
			}
			if len(chunks) > 0 {
				vals := make([]any, len(chunks))
				for i, c := range chunks {
					vals[i] = c
				}
				pipe.RPush(ctx, chunksKey(userID), vals...)
				pipe.Expire(ctx, chunksKey(userID), s.activeTTL)
			}
			if rec == nil {
				pipe.Del(ctx, key)
				pipe.ZRem(ctx, dueKey, userID)
				return nil
			}
			pipe.Set(ctx, key, payload, s.ttlFor(rec))
			s.indexDue(ctx, pipe, rec)
			return nil
		})
		if err != nil {
			return fmt.Errorf("redis create schedule for %s: %w", userID, err)
		}
		return nil
	}

	err := s.client.Watch(ctx, txf, key)
	if errors.Is(err, redis.TxFailedErr) {
		// Another writer touched the record between the read and the write.
		return &domain.ScheduleExistsError{UserID: userID}
	}
	return err
}

func (s *scheduleStore) Get(ctx context.Context, userID string) (*domain.ScheduleRecord, error) {
	return loadRecord(ctx, s.client, userID)
}

func (s *scheduleStore) Chunks(ctx context.Context, userID string, start, count int) ([]string, error) {
	if count <= 0 || start < 0 {
		return nil, nil
	}
	out, err := s.client.LRange(ctx, chunksKey(userID), int64(start), int64(start+count-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis read chunks for %s: %w", userID, err)
	}
	return out, nil
}

func (s *scheduleStore) CompareAndSwap(
	ctx context.Context,
	userID string,
	expected int64,
	mutate func(*domain.ScheduleRecord) error,
) (*domain.ScheduleRecord, error) {
	key := scheduleKey(userID)
	var written *domain.ScheduleRecord

	txf := func(tx *redis.Tx) error {
		cur, err := loadRecord(ctx, tx, userID)
		if err != nil {
			return err
		}
		if cur.Version != expected {
			return &domain.ConflictError{UserID: userID, Expected: expected, Actual: cur.Version}
		}

		next := cur.Clone()
		if err := mutate(next); err != nil {
			return err
		}
		next.UserID = cur.UserID
		next.TotalChunks = cur.TotalChunks
		next.Version = cur.Version + 1
		next.UpdatedAt = s.now().UTC()
		if err := next.Validate(); err != nil {
			return err
		}

		payload, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal schedule: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			ttl := s.ttlFor(next)
			pipe.Set(ctx, key, payload, ttl)
			pipe.Expire(ctx, chunksKey(userID), ttl)
			pipe.Expire(ctx, insightsKey(userID), ttl)
			s.indexDue(ctx, pipe, next)
			return nil
		})
		if err != nil {
			return fmt.Errorf("redis cas schedule for %s: %w", userID, err)
		}
		written = next
		return nil
	}

	err := s.client.Watch(ctx, txf, key)
	if errors.Is(err, redis.TxFailedErr) {
		return nil, &domain.ConflictError{UserID: userID, Expected: expected, Actual: -1}
	}
	if err != nil {
		return nil, err
	}
	return written, nil
}

func (s *scheduleStore) Flag(ctx context.Context, userID, note string) error {
	key := scheduleKey(userID)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return &domain.ScheduleNotFoundError{UserID: userID}
			}
			return fmt.Errorf("redis get schedule for %s: %w", userID, err)
		}
		// Decode loosely; the record is known to be suspect.
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			raw = map[string]any{"user_id": userID, "raw": string(data)}
		}
		raw["needs_attention"] = true
		raw["attention_note"] = note
		payload, err := json.Marshal(raw)
		if err != nil {
			return fmt.Errorf("marshal flagged schedule: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, redis.KeepTTL)
			pipe.ZRem(ctx, dueKey, userID)
			return nil
		})
		return err
	}
	if err := s.client.Watch(ctx, txf, key); err != nil {
		return fmt.Errorf("redis flag schedule for %s: %w", userID, err)
	}
	return nil
}

func (s *scheduleStore) ListDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.client.ZRangeByScore(ctx, dueKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list due schedules: %w", err)
	}
	return ids, nil
}

func (s *scheduleStore) Unindex(ctx context.Context, userID string) error {
	if err := s.client.ZRem(ctx, dueKey, userID).Err(); err != nil {
		return fmt.Errorf("redis unindex schedule for %s: %w", userID, err)
	}
	return nil
}

func (s *scheduleStore) Delete(ctx context.Context, userID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, scheduleKey(userID), chunksKey(userID), insightsKey(userID))
	pipe.ZRem(ctx, dueKey, userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete schedule for %s: %w", userID, err)
	}
	return nil
}

func (s *scheduleStore) Scan(ctx context.Context, fn func(*domain.ScheduleRecord) error) error {
	iter := s.client.Scan(ctx, 0, scheduleKey("*"), 200).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return fmt.Errorf("redis get %s: %w", iter.Val(), err)
		}
		var rec domain.ScheduleRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		if err := fn(&rec); err != nil {
			return err
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan schedules: %w", err)
	}
	return nil
}

// indexDue keeps schedules:due in step with the record inside the same MULTI.
func (s *scheduleStore) indexDue(ctx context.Context, pipe redis.Pipeliner, rec *domain.ScheduleRecord) {
	if rec.Status == domain.ScheduleActive && rec.NextExecution != nil && !rec.NeedsAttention {
		pipe.ZAdd(ctx, dueKey, redis.Z{Score: float64(rec.NextExecution.UnixMilli()), Member: rec.UserID})
		return
	}
	pipe.ZRem(ctx, dueKey, rec.UserID)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func loadRecord(ctx context.Context, c getter, userID string) (*domain.ScheduleRecord, error) {
	data, err := c.Get(ctx, scheduleKey(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &domain.ScheduleNotFoundError{UserID: userID}
		}
		return nil, fmt.Errorf("redis get schedule for %s: %w", userID, err)
	}
	var rec domain.ScheduleRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, &domain.FatalStateError{UserID: userID, Reason: "undecodable record: " + err.Error()}
	}
	return &rec, nil
}
