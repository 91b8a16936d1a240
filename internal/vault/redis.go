package vault

import (
	"context"

	"github.com/redis/go-redis/v9"

	"superpost/pkg/util"
)

// RedisVault stores each bundle as a hash.
type RedisVault struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisVault(rdb *redis.Client, prefix string) *RedisVault {
	if prefix == "" {
		prefix = "vault:"
	}
	return &RedisVault{rdb: rdb, prefix: prefix}
}

func (v *RedisVault) GetSecretBundle(ctx context.Context, name string) (map[string]string, error) {
	b, err := v.rdb.HGetAll(ctx, v.prefix+name).Result()
	if err != nil {
		return nil, util.Classify("vault.get_bundle", err)
	}
	if len(b) == 0 {
		return nil, bundleNotFound("vault.get_bundle", name)
	}
	return b, nil
}

// Seed writes the tokens of bundle that are missing.
func (v *RedisVault) Seed(ctx context.Context, name string, bundle map[string]string) error {
	pipe := v.rdb.TxPipeline()
	for token, value := range bundle {
		pipe.HSetNX(ctx, v.prefix+name, token, value)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return util.Classify("vault.seed", err)
	}
	return nil
}
