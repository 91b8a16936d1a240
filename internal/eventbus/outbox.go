package eventbus

import (
	"context"

	"superpost/pkg/outbox"
	"superpost/pkg/trace"
)

// OutboxPublisher persists events in an outbox instead of sending them. A
// region that forwards through it survives a peer outage without losing
// events: they wait in the outbox until the dispatcher gets them out.
type OutboxPublisher struct {
	store outbox.Store
}

func NewOutboxPublisher(store outbox.Store) *OutboxPublisher {
	return &OutboxPublisher{store: store}
}

func (p *OutboxPublisher) PublishEvent(ctx context.Context, e Event) error {
	m, err := outbox.NewMessage(e.ID, RoutingKey(e), e)
	if err != nil {
		return err
	}
	m.TraceID = e.TraceID
	if m.TraceID == "" {
		m.TraceID = trace.FromContext(ctx)
	}
	return p.store.Insert(ctx, m)
}

// OutboxSender decodes outbox messages back into events for dest.
func OutboxSender(dest Publisher) outbox.Sender {
	return func(ctx context.Context, m *outbox.Message) error {
		e, err := DecodeEvent(m.Payload)
		if err != nil {
			return err
		}
		return dest.PublishEvent(ctx, e)
	}
}
