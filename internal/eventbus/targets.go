package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	contracts "superpost/contracts/mq"
	"superpost/pkg/circuitbreaker"
	"superpost/pkg/errkind"
	"superpost/pkg/logger"
	"superpost/pkg/trace"
)

// Publisher is anything that accepts a fully formed event: a local Router
// or a transport to another region.
type Publisher interface {
	PublishEvent(ctx context.Context, e Event) error
}

// Deduper remembers keys it has already seen.
type Deduper interface {
	AcquireOnce(ctx context.Context, handler, key string) bool
}

// MemoryDeduper is an in-process Deduper without expiry.
type MemoryDeduper struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{seen: make(map[string]struct{})}
}

func (d *MemoryDeduper) AcquireOnce(ctx context.Context, handler, key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := handler + ":" + key
	if _, ok := d.seen[k]; ok {
		return false
	}
	d.seen[k] = struct{}{}
	return true
}

// LogTarget writes events to the structured log. With a deduper, each event
// id is logged once however often it is delivered.
type LogTarget struct {
	name    string
	logger  *zap.Logger
	deduper Deduper
	// Observe, when set, receives every event that was logged.
	Observe func(Event)
}

func NewLogTarget(name string, l *zap.Logger, d Deduper) *LogTarget {
	if l == nil {
		l = zap.NewNop()
	}
	return &LogTarget{name: name, logger: l, deduper: d}
}

func (t *LogTarget) Deliver(ctx context.Context, e Event) error {
	if t.deduper != nil && !t.deduper.AcquireOnce(ctx, t.name, e.ID) {
		return nil
	}
	logger.WithTrace(trace.WithContext(ctx, e.TraceID), t.logger).Info("Event",
		zap.String("sink", t.name),
		zap.String("event_id", e.ID),
		zap.String("source", e.Source),
		zap.String("detail_type", e.DetailType),
		zap.String("region", e.Region),
		zap.Time("time", e.Time),
		zap.ByteString("detail", e.Detail),
	)
	if t.Observe != nil {
		t.Observe(e)
	}
	return nil
}

// Transform rewrites an event before it is forwarded.
type Transform func(Event) (Event, error)

// ForwardTarget hands events to another bus, typically the peer region.
type ForwardTarget struct {
	dest      Publisher
	breaker   *circuitbreaker.CircuitBreaker
	transform Transform
}

// NewForwardTarget forwards to dest. breaker and transform are optional.
func NewForwardTarget(dest Publisher, breaker *circuitbreaker.CircuitBreaker, transform Transform) *ForwardTarget {
	return &ForwardTarget{dest: dest, breaker: breaker, transform: transform}
}

func (t *ForwardTarget) Deliver(ctx context.Context, e Event) error {
	if t.transform != nil {
		var err error
		if e, err = t.transform(e); err != nil {
			return err
		}
	}
	// The peer stamps its own region on arrival.
	e.Region = ""

	if t.breaker == nil {
		return t.dest.PublishEvent(ctx, e)
	}
	err := t.breaker.Execute(ctx, func(ctx context.Context) error {
		return t.dest.PublishEvent(ctx, e)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return errkind.Transient("eventbus.forward", fmt.Errorf("%s: %w", t.breaker.Name(), err))
	}
	return err
}

// FlattenTopic copies message.topic of a NewLetters detail to a top-level
// topic field, the shape secondary-region rules consume.
func FlattenTopic(e Event) (Event, error) {
	if e.DetailType != contracts.DetailNewLetters {
		return e, nil
	}
	var p contracts.NewLetterPayload
	if err := e.DecodeDetail(&p); err != nil {
		return e, err
	}
	p.Flatten()
	raw, err := json.Marshal(p)
	if err != nil {
		return e, errkind.Validation("eventbus.flatten_topic", err)
	}
	e.Detail = raw
	return e, nil
}
