package redis

import (
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewClient returns a client for addr, either host:port or a redis:// or
// rediss:// URL carrying credentials and a database number. CAS transactions
// hold one connection each, so the pool is sized above the worker concurrency.
func NewClient(addr string) *redis.Client {
	opts := &redis.Options{Addr: addr}
	if strings.Contains(addr, "://") {
		if parsed, err := redis.ParseURL(addr); err == nil {
			opts = parsed
		}
	}
	opts.DialTimeout = 2 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second
	opts.PoolSize = 32
	return redis.NewClient(opts)
}
