package util

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RetryCounter tracks delivery attempts across broker redeliveries, where
// the message itself carries no attempt count. Counters expire after ttl so
// a message that stops coming back leaves nothing behind.
type RetryCounter struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRetryCounter keys counters as retry:<key>. Regions sharing one Redis
// should use NewRetryCounterWithPrefix.
func NewRetryCounter(rdb *redis.Client, ttl time.Duration) *RetryCounter {
	return NewRetryCounterWithPrefix(rdb, ttl, "")
}

// NewRetryCounterWithPrefix keys counters as <prefix>:retry:<key>.
func NewRetryCounterWithPrefix(rdb *redis.Client, ttl time.Duration, prefix string) *RetryCounter {
	return &RetryCounter{rdb: rdb, ttl: ttl, prefix: prefix}
}

func (r *RetryCounter) key(k string) string {
	if r.prefix == "" {
		return k
	}
	return r.prefix + ":" + k
}

// IncrementAndGet counts one more attempt and refreshes the expiry.
func (r *RetryCounter) IncrementAndGet(ctx context.Context, key string) (int64, error) {
	k := r.key(key)
	pipe := r.rdb.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, Classify("retry_counter.incr", err)
	}
	return incr.Val(), nil
}

// Get returns the attempts counted so far, 0 for an unknown key.
func (r *RetryCounter) Get(ctx context.Context, key string) (int64, error) {
	count, err := r.rdb.Get(ctx, r.key(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, Classify("retry_counter.get", err)
	}
	return count, nil
}

// Reset forgets the attempts of a message once it was handled.
func (r *RetryCounter) Reset(ctx context.Context, key string) error {
	return Classify("retry_counter.reset", r.rdb.Del(ctx, r.key(key)).Err())
}

// FormatRetryKey builds retry:<queue>:<event id>.
func FormatRetryKey(queue, eventID string) string {
	return strings.Join([]string{"retry", queue, eventID}, ":")
}
