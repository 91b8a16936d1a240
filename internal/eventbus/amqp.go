package eventbus

import (
	"context"
	"fmt"
	"strings"

	"github.com/rabbitmq/amqp091-go"

	"superpost/pkg/errkind"
	"superpost/pkg/util"
)

// RoutingKeyPrefix prefixes the detail type on the cross-region exchange.
const RoutingKeyPrefix = "superpost."

// RoutingKey returns the AMQP routing key for an event.
func RoutingKey(e Event) string {
	return RoutingKeyPrefix + e.DetailType
}

// MessagePublisher is the part of pkg/mq.Publisher the transport needs.
type MessagePublisher interface {
	PublishWithContext(ctx context.Context, routingKey string, body []byte, headers amqp091.Table) error
}

// AMQPPublisher ships events to the peer region over RabbitMQ.
type AMQPPublisher struct {
	pub MessagePublisher
}

func NewAMQPPublisher(pub MessagePublisher) *AMQPPublisher {
	return &AMQPPublisher{pub: pub}
}

func (p *AMQPPublisher) PublishEvent(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return errkind.Validation("eventbus.amqp_publish", err)
	}
	headers := amqp091.Table{
		"x-event-id":    e.ID,
		"x-source":      e.Source,
		"x-detail-type": e.DetailType,
	}
	if err := p.pub.PublishWithContext(ctx, RoutingKey(e), body, headers); err != nil {
		return util.Classify("eventbus.amqp_publish", err)
	}
	return nil
}

// IngressHandler decodes events arriving from the peer region and publishes
// them on the local bus, keeping their ids.
func IngressHandler(local Publisher) func(ctx context.Context, body []byte) error {
	return func(ctx context.Context, body []byte) error {
		e, err := DecodeEvent(body)
		if err != nil {
			return err
		}
		e.Region = ""
		return local.PublishEvent(ctx, e)
	}
}

// DecodeEvent parses a transported event envelope.
func DecodeEvent(body []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(body, &e); err != nil {
		return Event{}, errkind.Validation("eventbus.decode_event", err)
	}
	if strings.TrimSpace(e.Source) == "" || strings.TrimSpace(e.DetailType) == "" {
		return Event{}, errkind.Validation("eventbus.decode_event", fmt.Errorf("event %q has no source or detail-type", e.ID))
	}
	return e, nil
}
