package relay

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ConnCounter tracks live connections per user across the whole cluster.
// The presence invariant ("online iff at least one live connection on any
// process") is decided against these counts.
type ConnCounter interface {
	Incr(ctx context.Context, userID string) (int64, error)
	Decr(ctx context.Context, userID string) (int64, error)
	Count(ctx context.Context, userID string) (int64, error)
}

// RedisConnCounter shares per-user connection counts between processes.
// Keys carry a TTL refreshed on every change so counts left behind by a
// crashed process eventually expire.
type RedisConnCounter struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisConnCounter(client *redis.Client, ttl time.Duration) *RedisConnCounter {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisConnCounter{
		client: client,
		prefix: "presence:conns:",
		ttl:    ttl,
	}
}

func (c *RedisConnCounter) Incr(ctx context.Context, userID string) (int64, error) {
	key := c.prefix + userID

	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}

	return incr.Val(), nil
}

func (c *RedisConnCounter) Decr(ctx context.Context, userID string) (int64, error) {
	key := c.prefix + userID

	n, err := c.client.Decr(ctx, key).Result()
	if err != nil {
		return 0, err
	}

	// A crashed process may have let the key expire mid-session; clamp
	// instead of going negative.
	if n < 0 {
		n = 0
		if err := c.client.Set(ctx, key, 0, c.ttl).Err(); err != nil {
			return 0, err
		}
	}

	return n, nil
}

func (c *RedisConnCounter) Count(ctx context.Context, userID string) (int64, error) {
	n, err := c.client.Get(ctx, c.prefix+userID).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, err
	}
	if n < 0 {
		n = 0
	}
	return n, nil
}

// LocalConnCounter counts connections on this process only. Used directly
// in single-process deployments and as the fallback when Redis is down.
type LocalConnCounter struct {
	mu     sync.Mutex
	counts map[string]int64
}

func NewLocalConnCounter() *LocalConnCounter {
	return &LocalConnCounter{counts: make(map[string]int64)}
}

func (c *LocalConnCounter) Incr(_ context.Context, userID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[userID]++
	return c.counts[userID], nil
}

func (c *LocalConnCounter) Decr(_ context.Context, userID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.counts[userID]
	if !ok {
		return 0, nil
	}
	if n <= 1 {
		delete(c.counts, userID)
		return 0, nil
	}
	c.counts[userID] = n - 1
	return n - 1, nil
}

func (c *LocalConnCounter) Count(_ context.Context, userID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[userID], nil
}
