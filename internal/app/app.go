// Package app assembles a region process from its configuration: the
// connections, the stores, the cross-region transport and the ops API.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	contracts "superpost/contracts/mq"
	"superpost/internal/docstore"
	"superpost/internal/eventbus"
	"superpost/internal/httpserver"
	"superpost/internal/mailbox"
	"superpost/internal/paramstore"
	"superpost/internal/region"
	"superpost/internal/repository"
	"superpost/pkg/db"
	"superpost/pkg/mq"
	"superpost/pkg/otel"
	"superpost/pkg/outbox"
	redisclient "superpost/pkg/redis"
	"superpost/pkg/util"
)

// DefaultIngressQueue is the queue the secondary region consumes forwarded
// events from when forward.queue is unset.
const DefaultIngressQueue = "superpost.ingress.q"

type App struct {
	cfg    *region.Config
	logger *zap.Logger

	Region *region.Region
	HTTP   *httpserver.Server

	// loops run until the context ends.
	loops []func(ctx context.Context) error
	// closers run in reverse order after the region shut down.
	closers []func()
	// replicated is closed after the region so late writes still ship.
	replicated *mailbox.Replicated
}

func (a *App) onClose(fn func()) { a.closers = append(a.closers, fn) }

func (a *App) loop(fn func(ctx context.Context) error) { a.loops = append(a.loops, fn) }

// Build connects everything cfg names. On error, whatever was opened is closed.
func Build(ctx context.Context, cfg *region.Config, logger *zap.Logger) (_ *App, err error) {
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err == nil {
			return
		}
		if a.Region != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = a.Region.Shutdown(shutdownCtx)
			cancel()
		}
		a.close()
	}()

	otelCfg := cfg.Otel
	otelCfg.Region = cfg.Region
	otelCfg.Role = cfg.Role
	if otelCfg.ServiceName == "" {
		otelCfg.ServiceName = "superpost-" + cfg.Region
	}
	shutdownTracing, err := otel.Init(otelCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.onClose(shutdownTracing)

	ready := map[string]httpserver.Check{}
	var in infra
	if cfg.Uses(region.BackendRedis) {
		rdb, err := redisclient.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		a.onClose(func() { _ = rdb.Close() })
		in.rdb = rdb
		ready["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}
	if cfg.Uses(region.BackendPostgres) {
		pool, err := db.NewConnection(ctx, cfg.DB, logger)
		if err != nil {
			return nil, err
		}
		a.onClose(pool.Close)
		if err := db.Migrate(ctx, pool); err != nil {
			return nil, err
		}
		in.pool, in.q = pool, pool
		ready["db"] = pool.Ping
	}

	deps, err := openStores(cfg, in, logger)
	if err != nil {
		return nil, err
	}
	if err := a.replicate(ctx, &deps); err != nil {
		return nil, err
	}
	if err := seed(ctx, cfg, deps); err != nil {
		return nil, fmt.Errorf("seed: %w", err)
	}

	var outboxReplay *outbox.ReplayService
	var dirStore *docstore.DirStore
	if cfg.Role == region.RolePrimary {
		dirStore = docstore.NewDirStore(cfg.Documents.Dir)
		deps.Docs = dirStore
		if outboxReplay, err = a.wireForwarding(&deps, in); err != nil {
			return nil, err
		}
	}

	rg, err := region.New(*cfg, deps, logger)
	if err != nil {
		return nil, err
	}
	a.Region = rg

	if cfg.Role == region.RoleSecondary {
		if err := a.wireIngress(in); err != nil {
			return nil, err
		}
	}
	if cfg.Role == region.RolePrimary && cfg.Documents.Watch {
		w := docstore.NewWatcher(dirStore, bucketOrDefault(cfg), a.importBatch, cfg.Documents.Debounce, logger)
		a.loop(w.Run)
	}

	router := httpserver.NewRouter(rg, httpserver.Options{Logger: logger, Ready: ready, Outbox: outboxReplay})
	a.HTTP = httpserver.NewServer(":"+portOrDefault(cfg), router)
	return a, nil
}

func bucketOrDefault(cfg *region.Config) string {
	if cfg.Documents.Bucket != "" {
		return cfg.Documents.Bucket
	}
	return region.DefaultParams(*cfg)[paramstore.ParamBucketName]
}

func portOrDefault(cfg *region.Config) string {
	if cfg.Server.Port != "" {
		return cfg.Server.Port
	}
	return "8080"
}

// importBatch turns a dropped batch file into an ImportLetters event.
func (a *App) importBatch(ctx context.Context, key string) error {
	bucket, name := docstore.SplitKey(key)
	_, err := a.Region.Import(ctx, contracts.ImportLettersPayload{
		Bucket:      bucket,
		Batch:       name,
		RequestedAt: time.Now().UTC(),
	})
	return err
}

// replicate wraps the local mailbox so applied writes reach the peer table.
func (a *App) replicate(ctx context.Context, deps *region.Deps) error {
	if !a.cfg.Replication.Enabled {
		return nil
	}
	peerPool, err := db.NewConnection(ctx, a.cfg.Replication.PeerDB, a.logger.With(zap.String("peer", a.cfg.Peer)))
	if err != nil {
		return fmt.Errorf("connect peer mailbox: %w", err)
	}
	a.onClose(peerPool.Close)

	peer := repository.NewMailboxRepository(peerPool, a.cfg.Peer)
	a.replicated = mailbox.NewReplicated(deps.Mailbox, peer, a.cfg.Region, a.cfg.Peer, a.cfg.Workflow.Policy(), a.logger)
	deps.Mailbox = a.replicated
	return nil
}

// wireForwarding sets the peer publisher of the primary region: straight to
// the broker, or through the outbox when configured.
func (a *App) wireForwarding(deps *region.Deps, in infra) (*outbox.ReplayService, error) {
	pub, err := mq.NewPublisher(a.cfg.MQ)
	if err != nil {
		return nil, fmt.Errorf("connect broker: %w", err)
	}
	a.onClose(pub.Close)
	broker := eventbus.NewAMQPPublisher(pub)

	if !a.cfg.Forward.Outbox {
		deps.Peer = broker
		return nil, nil
	}
	if err := in.needPostgres("forward.outbox"); err != nil {
		return nil, err
	}
	store := outbox.NewRepository(in.q)
	deps.Peer = eventbus.NewOutboxPublisher(store)

	d := outbox.NewDispatcher(store, eventbus.OutboxSender(broker), a.logger)
	if a.cfg.Forward.MaxRetries > 0 {
		d.WithMaxRetries(int(a.cfg.Forward.MaxRetries))
	}
	a.loop(func(ctx context.Context) error {
		d.Start(ctx)
		return nil
	})
	return outbox.NewReplayService(store, a.logger), nil
}

// wireIngress consumes events forwarded by the primary region into the
// local bus.
func (a *App) wireIngress(in infra) error {
	dlq, err := mq.NewPublisher(a.cfg.MQ)
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	a.onClose(dlq.Close)

	queue := a.cfg.Forward.Queue
	if queue == "" {
		queue = DefaultIngressQueue
	}
	opts := mq.ConsumerOptions{
		Queue:      queue,
		RoutingKey: eventbus.RoutingKeyPrefix + contracts.DetailNewLetters,
		MaxRetries: a.cfg.Forward.MaxRetries,
		DLQ:        dlq,
	}
	if in.rdb != nil {
		opts.Retries = util.NewRetryCounterWithPrefix(in.rdb, time.Hour, "superpost:"+a.cfg.Region)
	}
	consumer, err := mq.NewConsumer(a.cfg.MQ, opts, a.logger)
	if err != nil {
		return err
	}
	a.onClose(consumer.Close)
	consumer.SetHandler(eventbus.IngressHandler(a.Region.Router))
	a.loop(consumer.StartConsuming)
	return nil
}

// Run serves until ctx is done or a component fails, then shuts the region
// down within timeout.
func (a *App) Run(ctx context.Context, timeout time.Duration) error {
	// Replication outlives ctx: writes made while the region drains still ship.
	replCtx, stopRepl := context.WithCancel(context.Background())
	defer stopRepl()
	replDone := make(chan struct{})
	if a.replicated != nil {
		go func() {
			defer close(replDone)
			a.replicated.Start(replCtx)
		}()
	} else {
		close(replDone)
	}

	runErr := a.Region.Start(ctx)
	if runErr != nil {
		runErr = fmt.Errorf("recover executions: %w", runErr)
	} else {
		g, gctx := errgroup.WithContext(ctx)
		for _, fn := range a.loops {
			g.Go(func() error { return fn(gctx) })
		}
		g.Go(func() error { return a.HTTP.Run(gctx) })

		a.logger.Info("Region running", zap.String("region", a.cfg.Region), zap.String("role", a.cfg.Role))
		<-gctx.Done()
		runErr = g.Wait()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := a.Region.Shutdown(shutdownCtx)
	if a.replicated != nil {
		a.replicated.Close()
		select {
		case <-replDone:
		case <-shutdownCtx.Done():
			stopRepl()
			<-replDone
		}
	}
	a.close()
	return errors.Join(runErr, err)
}

func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
