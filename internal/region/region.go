// Package region assembles one SuperPost region: its bus, its rules and the
// workflow it runs. The stores behind it are passed in, so the same wiring
// serves the binaries and the in-process tests.
package region

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	contracts "superpost/contracts/mq"
	"superpost/internal/collect"
	"superpost/internal/dispatch"
	"superpost/internal/docstore"
	"superpost/internal/eventbus"
	"superpost/internal/mailbox"
	"superpost/internal/paramstore"
	"superpost/internal/vault"
	"superpost/internal/workflow"
	"superpost/pkg/circuitbreaker"
)

// Rule names on the SuperPost buses.
const (
	RuleImportLetters   = "ImportLetters"
	RuleSendLetters     = "SendLetters"
	RuleReceiveLetters  = "ReceiveLetters"
	RuleLetterCollected = "LetterCollected"
)

// Deps are the stores and transports a region runs on.
type Deps struct {
	Mailbox     mailbox.Store
	Params      paramstore.Store
	Checkpoints workflow.CheckpointStore
	DeadLetters eventbus.DeadLetterStore
	// Primary only.
	Docs docstore.Store
	// Peer receives forwarded NewLetters. Primary only.
	Peer eventbus.Publisher
	// Secondary only.
	Vault vault.Vault
	// Deduper keeps the LetterCollected log to one line per event.
	Deduper eventbus.Deduper
}

// Region is a running region.
type Region struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	Router     *eventbus.Router
	Replay     *eventbus.ReplayService
	Dispatcher *dispatch.Dispatcher
	Collector  *collect.Collector
	Breaker    *circuitbreaker.CircuitBreaker
	// CollectedLog is the LetterCollected sink. Secondary only.
	CollectedLog *eventbus.LogTarget

	controllers []workflow.Controller
}

// Option adjusts the router before rules are registered.
type Option func(*eventbus.Options)

// WithDuplicates injects duplicate deliveries.
func WithDuplicates(fn func(rule string, e eventbus.Event) int) Option {
	return func(o *eventbus.Options) { o.Duplicates = fn }
}

// New builds the region for cfg.Role and subscribes its rules.
func New(cfg Config, deps Deps, logger *zap.Logger, opts ...Option) (*Region, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := deps.check(cfg.Role); err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("region", cfg.Region), zap.String("role", cfg.Role))

	ro := eventbus.Options{
		Name:        "SuperPost",
		Region:      cfg.Region,
		Retry:       cfg.Router.Policy(),
		Workers:     cfg.Router.Workers,
		Buffer:      cfg.Router.Buffer,
		DeadLetters: deps.DeadLetters,
		Logger:      logger,
	}
	for _, opt := range opts {
		opt(&ro)
	}

	r := &Region{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		Router: eventbus.NewRouter(ro),
	}
	r.Replay = eventbus.NewReplayService(deps.DeadLetters, r.Router, logger)

	var err error
	switch cfg.Role {
	case RolePrimary:
		err = r.wirePrimary()
	case RoleSecondary:
		err = r.wireSecondary()
	}
	if err != nil {
		_ = r.Router.Close(context.Background())
		return nil, err
	}
	logger.Info("Region assembled", zap.Strings("rules", r.Router.Rules()))
	return r, nil
}

func (d Deps) check(role string) error {
	var missing []string
	if d.Mailbox == nil {
		missing = append(missing, "mailbox")
	}
	if d.Params == nil {
		missing = append(missing, "params")
	}
	if d.Checkpoints == nil {
		missing = append(missing, "checkpoints")
	}
	if d.DeadLetters == nil {
		missing = append(missing, "dead letters")
	}
	switch role {
	case RolePrimary:
		if d.Docs == nil {
			missing = append(missing, "docs")
		}
		if d.Peer == nil {
			missing = append(missing, "peer")
		}
	case RoleSecondary:
		if d.Vault == nil {
			missing = append(missing, "vault")
		}
	default:
		return fmt.Errorf("unknown role %q", role)
	}
	if len(missing) > 0 {
		return fmt.Errorf("region %s: missing %v", role, missing)
	}
	return nil
}

func superPost(detailType string) eventbus.Pattern {
	return eventbus.Pattern{Sources: []string{contracts.Source}, DetailTypes: []string{detailType}}
}

func (r *Region) wirePrimary() error {
	r.Dispatcher = dispatch.New(dispatch.Config{
		Timeout: r.cfg.Workflow.Timeout,
		Retry:   r.cfg.Workflow.Policy(),
	}, r.deps.Docs, r.deps.Params, r.deps.Mailbox, r.Router, r.deps.Checkpoints, r.logger)
	r.controllers = append(r.controllers, r.Dispatcher.Runner())

	breakerCfg := r.cfg.Forward.Breaker
	if breakerCfg.FailureThreshold <= 0 {
		breakerCfg = circuitbreaker.DefaultConfig()
	}
	r.Breaker = circuitbreaker.NewCircuitBreaker("forward-"+r.cfg.Peer, breakerCfg,
		circuitbreaker.WithStateChange(func(name string, from, to circuitbreaker.State) {
			r.logger.Warn("Forwarder breaker changed state",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		}),
	)

	return errors.Join(
		r.Router.Subscribe(eventbus.Rule{
			Name:    RuleImportLetters,
			Pattern: superPost(contracts.DetailImportLetters),
			Target:  r.Dispatcher.Target(),
		}),
		r.Router.Subscribe(eventbus.Rule{
			Name:    RuleSendLetters,
			Pattern: superPost(contracts.DetailNewLetters),
			Target:  eventbus.NewForwardTarget(r.deps.Peer, r.Breaker, eventbus.FlattenTopic),
		}),
	)
}

func (r *Region) wireSecondary() error {
	reactions := vault.NewReactions(r.deps.Vault, vault.NewSelector(r.cfg.Vault.Selector))
	r.Collector = collect.New(collect.Config{
		Timeout: r.cfg.Workflow.Timeout,
		Retry:   r.cfg.Workflow.Policy(),
	}, r.deps.Mailbox, reactions, r.deps.Params, r.Router, r.deps.Checkpoints, r.logger)
	r.controllers = append(r.controllers, r.Collector.Runner())

	r.CollectedLog = eventbus.NewLogTarget(RuleLetterCollected, r.logger, r.deps.Deduper)

	return errors.Join(
		r.Router.Subscribe(eventbus.Rule{
			Name:    RuleReceiveLetters,
			Pattern: superPost(contracts.DetailNewLetters),
			Target:  r.Collector.Target(),
		}),
		r.Router.Subscribe(eventbus.Rule{
			Name:    RuleLetterCollected,
			Pattern: superPost(contracts.DetailLetterCollected),
			Target:  r.CollectedLog,
		}),
	)
}

func (r *Region) Config() Config { return r.cfg }

// Mailbox returns the region's view of the mailbox.
func (r *Region) Mailbox() mailbox.Store { return r.deps.Mailbox }

func (r *Region) Params() paramstore.Store { return r.deps.Params }

func (r *Region) DeadLetters() eventbus.DeadLetterStore { return r.deps.DeadLetters }

// Controllers returns the workflow runners hosted by this region.
func (r *Region) Controllers() []workflow.Controller { return r.controllers }

// Controller returns the runner that owns execution id, matched by the
// workflow prefix of the id.
func (r *Region) Controller(executionID string) (workflow.Controller, error) {
	for _, c := range r.controllers {
		if len(executionID) > len(c.Name()) && executionID[:len(c.Name())+1] == c.Name()+":" {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", executionID, workflow.ErrUnknownWorkflow)
}

// Import publishes an ImportLetters event on the local bus.
func (r *Region) Import(ctx context.Context, p contracts.ImportLettersPayload) (eventbus.Event, error) {
	if r.cfg.Role != RolePrimary {
		return eventbus.Event{}, fmt.Errorf("import: region %s is %s", r.cfg.Region, r.cfg.Role)
	}
	return r.Router.Publish(ctx, contracts.Source, contracts.DetailImportLetters, p)
}

// Start resumes executions a previous process left running.
func (r *Region) Start(ctx context.Context) error {
	if r.Dispatcher != nil {
		if _, err := r.Dispatcher.Runner().RecoverUnfinished(ctx); err != nil {
			return err
		}
	}
	if r.Collector != nil {
		if _, err := r.Collector.Runner().RecoverUnfinished(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown interrupts executions, which stay recoverable, then closes the
// bus after draining queued deliveries. Triggers drained after the runners
// stopped are persisted and picked up by Start on the next run.
func (r *Region) Shutdown(ctx context.Context) error {
	var errs []error
	if r.Dispatcher != nil {
		errs = append(errs, r.Dispatcher.Runner().Shutdown(ctx))
	}
	if r.Collector != nil {
		errs = append(errs, r.Collector.Runner().Shutdown(ctx))
	}
	errs = append(errs, r.Router.Close(ctx))
	return errors.Join(errs...)
}
