package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"superpost/internal/eventbus"
	"superpost/internal/mailbox"
	"superpost/internal/paramstore"
	"superpost/internal/region"
	"superpost/internal/repository"
	"superpost/internal/vault"
	"superpost/internal/workflow"
	"superpost/pkg/db"
	"superpost/pkg/util"
)

// dedupTTL bounds how long the LetterCollected log remembers an event id.
const dedupTTL = 24 * time.Hour

// infra holds the shared connections stores are built on. Either may be
// nil when no store asked for it.
type infra struct {
	rdb  *redis.Client
	pool *pgxpool.Pool
	// q is what repositories use. It is pool unless a test swaps it.
	q db.Querier
}

func (in infra) needRedis(what string) error {
	if in.rdb == nil {
		return fmt.Errorf("%s: redis backend selected but no redis configured", what)
	}
	return nil
}

func (in infra) needPostgres(what string) error {
	if in.q == nil {
		return fmt.Errorf("%s: postgres backend selected but no database configured", what)
	}
	return nil
}

// openStores builds the region stores the config asks for. The mailbox is
// the local one; replication wraps it later.
func openStores(cfg *region.Config, in infra, logger *zap.Logger) (region.Deps, error) {
	var deps region.Deps

	switch cfg.Storage.Mailbox {
	case region.BackendPostgres:
		if err := in.needPostgres("mailbox"); err != nil {
			return deps, err
		}
		deps.Mailbox = repository.NewMailboxRepository(in.q, cfg.Region)
	default:
		deps.Mailbox = mailbox.NewMemoryStore(cfg.Region)
	}

	switch cfg.Storage.Checkpoints {
	case region.BackendRedis:
		if err := in.needRedis("checkpoints"); err != nil {
			return deps, err
		}
		deps.Checkpoints = workflow.NewRedisStore(in.rdb, "")
	case region.BackendPostgres:
		if err := in.needPostgres("checkpoints"); err != nil {
			return deps, err
		}
		deps.Checkpoints = repository.NewExecutionRepository(in.q)
	default:
		deps.Checkpoints = workflow.NewMemoryStore()
	}

	switch cfg.Storage.Params {
	case region.BackendRedis:
		if err := in.needRedis("params"); err != nil {
			return deps, err
		}
		deps.Params = paramstore.NewRedisStore(in.rdb, "")
	default:
		deps.Params = paramstore.NewMemoryStore()
	}

	switch cfg.Storage.DeadLetters {
	case region.BackendPostgres:
		if err := in.needPostgres("dead letters"); err != nil {
			return deps, err
		}
		deps.DeadLetters = repository.NewDeadLetterRepository(in.q)
	default:
		deps.DeadLetters = eventbus.NewMemoryDeadLetters()
	}

	if in.rdb != nil {
		deps.Deduper = util.NewDeduperWithLogger(in.rdb, dedupTTL, logger)
	} else {
		deps.Deduper = eventbus.NewMemoryDeduper()
	}

	if cfg.Role == region.RoleSecondary {
		v, err := openVault(cfg, in)
		if err != nil {
			return deps, err
		}
		deps.Vault = v
	}
	return deps, nil
}

func openVault(cfg *region.Config, in infra) (vault.Vault, error) {
	switch cfg.Vault.Backend {
	case region.BackendRedis:
		if err := in.needRedis("vault"); err != nil {
			return nil, err
		}
		return vault.NewRedisVault(in.rdb, ""), nil
	case region.BackendFile:
		return vault.NewFileVault(cfg.Vault.File), nil
	default:
		return vault.NewMemoryVault(), nil
	}
}

// seed fills parameters and the reactions bank on first start.
func seed(ctx context.Context, cfg *region.Config, deps region.Deps) error {
	return region.Seed(ctx, *cfg, deps.Params, deps.Vault)
}
