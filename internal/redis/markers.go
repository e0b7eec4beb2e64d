package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const sentTTL = 30 * 24 * time.Hour

func sentKey(userID string, index int) string {
	return "email_sent:" + userID + ":" + strconv.Itoa(index)
}

// DeliveryMarkers records which chunks already reached the recipient, so a
// redelivered batch does not send them twice.
type DeliveryMarkers interface {
	MarkSent(ctx context.Context, userID string, indexes ...int) error
	// Sent returns the subset of indexes already marked.
	Sent(ctx context.Context, userID string, indexes ...int) (map[int]bool, error)
}

type deliveryMarkers struct {
	client *redis.Client
}

// NewDeliveryMarkers creates Redis-backed DeliveryMarkers.
func NewDeliveryMarkers(client *redis.Client) DeliveryMarkers {
	return &deliveryMarkers{client: client}
}

func (m *deliveryMarkers) MarkSent(ctx context.Context, userID string, indexes ...int) error {
	if len(indexes) == 0 {
		return nil
	}
	stamp := time.Now().UTC().Format(time.RFC3339)
	pipe := m.client.Pipeline()
	for _, i := range indexes {
		pipe.Set(ctx, sentKey(userID, i), stamp, sentTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis mark sent for %s: %w", userID, err)
	}
	return nil
}

func (m *deliveryMarkers) Sent(ctx context.Context, userID string, indexes ...int) (map[int]bool, error) {
	out := make(map[int]bool, len(indexes))
	if len(indexes) == 0 {
		return out, nil
	}
	pipe := m.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(indexes))
	for n, i := range indexes {
		cmds[n] = pipe.Exists(ctx, sentKey(userID, i))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis check sent for %s: %w", userID, err)
	}
	for n, i := range indexes {
		if cmds[n].Val() > 0 {
			out[i] = true
		}
	}
	return out, nil
}
