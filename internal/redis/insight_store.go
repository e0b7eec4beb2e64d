package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/0D1nn8502/ReadThatPDF/internal/domain"
)

// InsightStore keeps one InsightRecord per (user, chunk index). Records are
// append-only: a second write for the same index is ignored.
type InsightStore interface {
	// Put stores rec unless a record for its index exists. Reports whether it was written.
	Put(ctx context.Context, userID string, rec domain.InsightRecord) (bool, error)
	// Get returns the record for index, or nil when none exists.
	Get(ctx context.Context, userID string, index int) (*domain.InsightRecord, error)
	// List returns all records ordered by chunk index.
	List(ctx context.Context, userID string) ([]domain.InsightRecord, error)
}

type insightStore struct {
	client *redis.Client
}

// NewInsightStore creates a Redis-backed InsightStore.
func NewInsightStore(client *redis.Client) InsightStore {
	return &insightStore{client: client}
}

func (s *insightStore) Put(ctx context.Context, userID string, rec domain.InsightRecord) (bool, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("marshal insight: %w", err)
	}
	pipe := s.client.TxPipeline()
	set := pipe.HSetNX(ctx, insightsKey(userID), strconv.Itoa(rec.ChunkIndex), data)
	pipe.Expire(ctx, insightsKey(userID), defaultActiveTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis put insight %d for %s: %w", rec.ChunkIndex, userID, err)
	}
	return set.Val(), nil
}

func (s *insightStore) Get(ctx context.Context, userID string, index int) (*domain.InsightRecord, error) {
	data, err := s.client.HGet(ctx, insightsKey(userID), strconv.Itoa(index)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis get insight %d for %s: %w", index, userID, err)
	}
	var rec domain.InsightRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal insight: %w", err)
	}
	return &rec, nil
}

func (s *insightStore) List(ctx context.Context, userID string) ([]domain.InsightRecord, error) {
	all, err := s.client.HGetAll(ctx, insightsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list insights for %s: %w", userID, err)
	}
	if len(all) == 0 {
		return nil, &domain.InsightsNotFoundError{UserID: userID}
	}
	out := make([]domain.InsightRecord, 0, len(all))
	for _, v := range all {
		var rec domain.InsightRecord
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out, nil
}
