package mq

import (
	"context"
	"fmt"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/codes"

	"superpost/pkg/config"
	"superpost/pkg/otel"
	"superpost/pkg/trace"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Publisher struct {
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	exchange string
	compress bool

	// amqp091 channels are not safe for concurrent publishing.
	mu sync.Mutex
}

func NewPublisher(cfg config.MQConfig) (*Publisher, error) {
	conn, err := NewConnection(cfg.URL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	exchange := exchangeOrDefault(cfg.Exchange)
	if err := DeclareExchange(ch, exchange); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}
	if err := DeclareDLQExchange(ch, exchange); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare DLQ exchange: %w", err)
	}

	return &Publisher{
		conn:     conn,
		channel:  ch,
		exchange: exchange,
		compress: cfg.Compress,
	}, nil
}

func (p *Publisher) Exchange() string { return p.exchange }

func (p *Publisher) Close() {
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}

// IsConnected checks if the publisher connection is still alive
func (p *Publisher) IsConnected() bool {
	if p.conn == nil || p.channel == nil {
		return false
	}
	return !p.conn.IsClosed() && !p.channel.IsClosed()
}

// Publish marshals payload to JSON and publishes it.
func (p *Publisher) Publish(ctx context.Context, routingKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return p.PublishWithContext(ctx, routingKey, body, nil)
}

// PublishWithContext publishes body with the trace context of ctx carried in
// the message headers.
func (p *Publisher) PublishWithContext(ctx context.Context, routingKey string, body []byte, headers amqp091.Table) error {
	ctx, span := otel.MQPublishSpan(ctx, routingKey, p.exchange)
	defer span.End()

	msg := buildPublishing(ctx, body, headers, p.compress)

	p.mu.Lock()
	err := p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg)
	p.mu.Unlock()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	return nil
}

func buildPublishing(ctx context.Context, body []byte, headers amqp091.Table, compress bool) amqp091.Publishing {
	h := amqp091.Table{}
	for k, v := range headers {
		h[k] = v
	}
	if id := trace.FromContext(ctx); id != "" {
		h[trace.HeaderName] = id
	}
	otel.GetTextMapPropagator().Inject(ctx, otel.NewMQHeaderCarrier(h))

	msg := amqp091.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp091.Persistent,
		Headers:      h,
	}
	if compress {
		msg.Body = Compress(body)
		msg.ContentEncoding = EncodingZstd
	}
	return msg
}
