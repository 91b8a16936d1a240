package workflow

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"superpost/pkg/errkind"
	"superpost/pkg/util"
)

// RedisStore keeps each execution as a JSON string and indexes ids per
// workflow in a sorted set scored by start time.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "workflow:"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (s *RedisStore) key(id string) string { return s.prefix + "execution:" + id }

func (s *RedisStore) indexKey(workflow string) string { return s.prefix + "index:" + workflow }

func (s *RedisStore) Create(ctx context.Context, exec *Execution) (*Execution, bool, error) {
	body, err := json.Marshal(exec)
	if err != nil {
		return nil, false, errkind.Validation("workflow.create", err)
	}
	ok, err := s.rdb.SetNX(ctx, s.key(exec.ID), body, 0).Result()
	if err != nil {
		return nil, false, util.Classify("workflow.create", err)
	}
	if !ok {
		cur, err := s.Get(ctx, exec.ID)
		return cur, false, err
	}
	if err := s.rdb.ZAdd(ctx, s.indexKey(exec.Workflow), redis.Z{
		Score:  float64(exec.StartedAt.UnixNano()),
		Member: exec.ID,
	}).Err(); err != nil {
		return nil, false, util.Classify("workflow.create", err)
	}
	return exec.Clone(), true, nil
}

func (s *RedisStore) Save(ctx context.Context, exec *Execution) error {
	body, err := json.Marshal(exec)
	if err != nil {
		return errkind.Validation("workflow.save", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.key(exec.ID), body, 0)
	pipe.ZAddNX(ctx, s.indexKey(exec.Workflow), redis.Z{
		Score:  float64(exec.StartedAt.UnixNano()),
		Member: exec.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return util.Classify("workflow.save", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Execution, error) {
	body, err := s.rdb.Get(ctx, s.key(id)).Bytes()
	if err == redis.Nil {
		return nil, executionNotFound(id)
	}
	if err != nil {
		return nil, util.Classify("workflow.get", err)
	}
	var exec Execution
	if err := json.Unmarshal(body, &exec); err != nil {
		return nil, errkind.Validation("workflow.get", fmt.Errorf("decode %s: %w", id, err))
	}
	return &exec, nil
}

func (s *RedisStore) List(ctx context.Context, workflow string, status Status, limit int) ([]*Execution, error) {
	ids, err := s.rdb.ZRange(ctx, s.indexKey(workflow), 0, -1).Result()
	if err != nil {
		return nil, util.Classify("workflow.list", err)
	}
	var out []*Execution
	for _, id := range ids {
		exec, err := s.Get(ctx, id)
		if errkind.KindOf(err) == errkind.KindNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if exec.Status != status {
			continue
		}
		out = append(out, exec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
