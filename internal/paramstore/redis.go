package paramstore

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"superpost/pkg/errkind"
	"superpost/pkg/metrics"
	"superpost/pkg/util"
)

// incrementOnceScript sets the marker and bumps the counter in one step, so a
// crash can never leave one without the other.
var incrementOnceScript = redis.NewScript(`
if redis.call('SET', KEYS[2], '1', 'NX') then
  return {redis.call('INCRBY', KEYS[1], ARGV[1]), 1}
end
local v = redis.call('GET', KEYS[1])
if not v then
  v = '0'
end
return {tonumber(v), 0}
`)

// RedisStore keeps parameters as plain string keys.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "param:"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) key(name string) string { return s.prefix + name }

func (s *RedisStore) markerKey(counter, key string) string {
	return fmt.Sprintf("%sonce:%s:%s", s.prefix, counter, key)
}

func (s *RedisStore) Get(ctx context.Context, name string) (string, error) {
	v, err := s.rdb.Get(ctx, s.key(name)).Result()
	if err == redis.Nil {
		return "", errkind.NotFound("paramstore.get", fmt.Errorf("%s: %w", name, ErrNotFound))
	}
	if err != nil {
		return "", util.Classify("paramstore.get", err)
	}
	return v, nil
}

func (s *RedisStore) Set(ctx context.Context, name, value string) error {
	if err := s.rdb.Set(ctx, s.key(name), value, 0).Err(); err != nil {
		return util.Classify("paramstore.set", err)
	}
	return nil
}

func (s *RedisStore) Increment(ctx context.Context, counter string, delta int64) (int64, error) {
	name := CounterParam(counter)
	v, err := s.rdb.IncrBy(ctx, s.key(name), delta).Result()
	if err != nil {
		return 0, util.Classify("paramstore.increment", err)
	}
	metrics.IncrementScoreboard(counter)
	return v, nil
}

func (s *RedisStore) IncrementOnce(ctx context.Context, counter, key string, delta int64) (int64, bool, error) {
	name := CounterParam(counter)
	res, err := incrementOnceScript.Run(ctx, s.rdb,
		[]string{s.key(name), s.markerKey(name, key)},
		strconv.FormatInt(delta, 10),
	).Slice()
	if err != nil {
		return 0, false, util.Classify("paramstore.increment_once", err)
	}
	if len(res) != 2 {
		return 0, false, errkind.Transient("paramstore.increment_once", fmt.Errorf("unexpected script reply %v", res))
	}
	value, _ := res[0].(int64)
	applied, _ := res[1].(int64)
	if applied == 1 {
		metrics.IncrementScoreboard(counter)
	}
	return value, applied == 1, nil
}
