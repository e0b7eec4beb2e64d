package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lease keys of the singleton loops.
const (
	DispatcherLeaderKey = "dispatcher:leader"
	JanitorLeaderKey    = "janitor:leader"
)

var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Lease is a single-holder lock with expiry, used to elect one active replica
// of a periodic loop.
type Lease struct {
	client *redis.Client
	key    string
	owner  string
	ttl    time.Duration
}

// NewLease returns a lease on key held under the owner identity.
func NewLease(client *redis.Client, key, owner string, ttl time.Duration) *Lease {
	return &Lease{client: client, key: key, owner: owner, ttl: ttl}
}

// Owner returns the identity this lease is acquired under.
func (l *Lease) Owner() string { return l.owner }

// Acquire takes the lease, or renews it if this owner already holds it.
// Reports whether the caller holds the lease afterwards.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lease %s setnx: %w", l.key, err)
	}
	if ok {
		return true, nil
	}
	// Held already; extend only if we own it.
	res, err := renewScript.Run(ctx, l.client, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("lease %s renew: %w", l.key, err)
	}
	return res == 1, nil
}

// Release gives the lease up if this owner holds it.
func (l *Lease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("lease %s release: %w", l.key, err)
	}
	return nil
}

// LeaseHolder returns the owner currently holding key, or "" when the lease
// is free.
func LeaseHolder(ctx context.Context, client *redis.Client, key string) (string, error) {
	owner, err := client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lease %s get: %w", key, err)
	}
	return owner, nil
}
