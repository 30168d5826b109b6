package ratelimiter

import (
	"errors"
	"time"
)

// ErrCacheMiss reports a key with no bucket state yet. The limiter treats
// a miss as a fresh source and starts it with a full bucket.
var ErrCacheMiss = errors.New("cache miss")

// GetterSetter stores token-bucket state keyed by source. The in-memory
// implementation covers a single process; the Redis one shares buckets
// between relay processes behind one load balancer.
type GetterSetter interface {
	Get(key string) (int, error)
	Set(key string, value int) error
	SetWithExpiration(key string, value int, expiration time.Duration) error
	Close() error
}
