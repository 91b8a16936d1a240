package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"superpost/pkg/backoff"
	"superpost/pkg/errkind"
	"superpost/pkg/logger"
	"superpost/pkg/metrics"
	"superpost/pkg/otel"
	"superpost/pkg/trace"
)

var (
	ErrClosed      = errors.New("event bus closed")
	ErrUnknownRule = errors.New("unknown rule")
)

// Options configures a Router.
type Options struct {
	// Name is the bus name, "SuperPost" in both regions.
	Name   string
	Region string
	Retry  backoff.Policy
	// Workers is the number of concurrent deliveries per rule.
	Workers int
	// Buffer is the per-rule queue length. Publish blocks when it is full.
	Buffer      int
	DeadLetters DeadLetterSink
	// Duplicates, when set, returns how many extra copies of an event a rule
	// receives. It is how tests exercise duplicate delivery.
	Duplicates func(rule string, e Event) int
	Logger     *zap.Logger
}

type delivery struct {
	event  Event
	replay bool
}

type subscription struct {
	rule  Rule
	queue chan delivery
}

// Router fans published events out to matching rules.
type Router struct {
	opts   Options
	logger *zap.Logger

	mu     sync.RWMutex
	subs   []*subscription
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRouter(opts Options) *Router {
	if opts.Name == "" {
		opts.Name = "SuperPost"
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.Retry.Attempts <= 0 {
		opts.Retry = backoff.DefaultPolicy()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		opts:   opts,
		logger: opts.Logger.With(zap.String("bus", opts.Name), zap.String("region", opts.Region)),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (r *Router) Name() string   { return r.opts.Name }
func (r *Router) Region() string { return r.opts.Region }

// Subscribe registers rule and starts its delivery workers.
func (r *Router) Subscribe(rule Rule) error {
	if rule.Name == "" {
		return errkind.Validationf("eventbus.subscribe", "rule has no name")
	}
	if rule.Target == nil {
		return errkind.Validationf("eventbus.subscribe", "rule %s has no target", rule.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	for _, s := range r.subs {
		if s.rule.Name == rule.Name {
			return errkind.Validationf("eventbus.subscribe", "rule %s already registered", rule.Name)
		}
	}

	sub := &subscription{rule: rule, queue: make(chan delivery, r.opts.Buffer)}
	r.subs = append(r.subs, sub)
	for i := 0; i < r.opts.Workers; i++ {
		r.wg.Add(1)
		go r.worker(sub)
	}
	r.logger.Info("Rule registered",
		zap.String("rule", rule.Name),
		zap.Strings("source", rule.Pattern.Sources),
		zap.Strings("detail_type", rule.Pattern.DetailTypes),
	)
	return nil
}

// Rules returns the registered rule names.
func (r *Router) Rules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.subs))
	for _, s := range r.subs {
		names = append(names, s.rule.Name)
	}
	return names
}

// Publish wraps detail in a new event and publishes it.
func (r *Router) Publish(ctx context.Context, source, detailType string, detail any) (Event, error) {
	e, err := NewEvent(source, detailType, detail)
	if err != nil {
		return Event{}, err
	}
	e.TraceID = trace.FromContext(ctx)
	return e, r.PublishEvent(ctx, e)
}

// PublishEvent enqueues e for every matching rule. Events keep their id, so
// an event forwarded from another region is recognisable as the same event.
// Publish returns once the event is queued, not delivered.
func (r *Router) PublishEvent(ctx context.Context, e Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	if e.Region == "" {
		e.Region = r.opts.Region
	}
	if e.TraceID == "" {
		_, e.TraceID = trace.Ensure(ctx)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrClosed
	}

	metrics.RecordPublished(r.opts.Name, e.DetailType)
	for _, sub := range r.subs {
		if !sub.rule.Pattern.Matches(e) {
			continue
		}
		copies := 1
		if r.opts.Duplicates != nil {
			copies += r.opts.Duplicates(sub.rule.Name, e)
		}
		for i := 0; i < copies; i++ {
			if err := r.enqueue(ctx, sub, delivery{event: e}); err != nil {
				return err
			}
		}
	}
	return nil
}

// Replay delivers e to a single rule, bypassing pattern matching.
func (r *Router) Replay(ctx context.Context, ruleName string, e Event) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrClosed
	}
	for _, sub := range r.subs {
		if sub.rule.Name == ruleName {
			return r.enqueue(ctx, sub, delivery{event: e, replay: true})
		}
	}
	return errkind.NotFound("eventbus.replay", fmt.Errorf("%s: %w", ruleName, ErrUnknownRule))
}

func (r *Router) enqueue(ctx context.Context, sub *subscription, d delivery) error {
	select {
	case sub.queue <- d:
		return nil
	case <-ctx.Done():
		return errkind.Timeout("eventbus.publish", fmt.Errorf("rule %s queue full: %w", sub.rule.Name, ctx.Err()))
	}
}

func (r *Router) worker(sub *subscription) {
	defer r.wg.Done()
	for d := range sub.queue {
		r.deliver(sub, d)
	}
}

func (r *Router) deliver(sub *subscription, d delivery) {
	e := d.event
	ctx := trace.WithContext(r.ctx, e.TraceID)
	log := logger.WithTrace(ctx, r.logger).With(
		zap.String("rule", sub.rule.Name),
		zap.String("event_id", e.ID),
		zap.String("detail_type", e.DetailType),
	)

	ctx, span := otel.StartSpan(ctx, "eventbus.deliver",
		oteltrace.WithAttributes(
			attribute.String("eventbus.bus", r.opts.Name),
			attribute.String("eventbus.rule", sub.rule.Name),
			attribute.String("eventbus.event_id", e.ID),
			attribute.Bool("eventbus.replay", d.replay),
		),
	)
	defer span.End()

	attempts, err := backoff.Retry(ctx, r.opts.Retry, retryableDelivery, func(attempt int) error {
		if attempt > 0 {
			metrics.RecordDelivery(r.opts.Name, sub.rule.Name, "retry")
			log.Warn("Retrying delivery", zap.Int("attempt", attempt+1))
		}
		return invoke(ctx, sub.rule.Target, e)
	})
	if err == nil {
		metrics.RecordDelivery(r.opts.Name, sub.rule.Name, "ok")
		span.SetStatus(codes.Ok, "")
		return
	}

	otel.RecordError(span, err)
	metrics.RecordDelivery(r.opts.Name, sub.rule.Name, "dead_letter")
	log.Error("Delivery failed, sending to dead letters", zap.Int("attempts", attempts), zap.Error(err))

	dl := DeadLetter{
		ID:       uuid.NewString(),
		Bus:      r.opts.Name,
		Rule:     sub.rule.Name,
		Event:    e,
		Error:    err.Error(),
		Attempts: attempts,
		FailedAt: time.Now().UTC(),
	}
	if r.opts.DeadLetters == nil {
		return
	}
	// The router context may already be cancelled during shutdown; the dead
	// letter must still be written.
	sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.opts.DeadLetters.Put(sinkCtx, dl); err != nil {
		log.Error("Failed to store dead letter", zap.String("dead_letter_id", dl.ID), zap.Error(err))
	}
}

// Validation failures will fail the same way on every attempt.
func retryableDelivery(err error) bool {
	return errkind.KindOf(err) != errkind.KindValidation
}

func invoke(ctx context.Context, t Target, e Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("target panic: %v", rec)
		}
	}()
	return t.Deliver(ctx, e)
}

// Close stops accepting events and waits for queued deliveries to finish.
// If ctx expires first, in-flight retries are abandoned.
func (r *Router) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for _, s := range r.subs {
		close(s.queue)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return ctx.Err()
	}
}
