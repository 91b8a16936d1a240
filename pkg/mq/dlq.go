package mq

import (
	"context"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// DLQExchangeName returns the dead letter exchange paired with exchange.
func DLQExchangeName(exchange string) string {
	return exchangeOrDefault(exchange) + ".dlq"
}

// DeclareDLQExchange declares the dead letter exchange.
func DeclareDLQExchange(ch *amqp091.Channel, exchange string) error {
	return ch.ExchangeDeclare(
		DLQExchangeName(exchange),
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
}

// DeclareDLQQueue declares the dead letter queue of queueName, bound to
// every routing key on the dead letter exchange.
func DeclareDLQQueue(ch *amqp091.Channel, exchange, queueName string) (amqp091.Queue, error) {
	q, err := ch.QueueDeclare(
		queueName+".dlq",
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return amqp091.Queue{}, fmt.Errorf("failed to declare DLQ queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, "#", DLQExchangeName(exchange), false, nil); err != nil {
		return amqp091.Queue{}, fmt.Errorf("failed to bind DLQ queue: %w", err)
	}
	return q, nil
}

// PublishToDLQ publishes a message to the dead letter exchange, keeping its
// original headers and encoding.
func (p *Publisher) PublishToDLQ(ctx context.Context, routingKey string, msg amqp091.Delivery, originalError, failedAt string) error {
	headers := amqp091.Table{}
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers["x-original-error"] = originalError
	headers["x-failed-at"] = failedAt
	headers["x-failed-time"] = time.Now().UTC().Format(time.RFC3339)

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel.PublishWithContext(ctx,
		DLQExchangeName(p.exchange),
		routingKey,
		false,
		false,
		amqp091.Publishing{
			ContentType:     msg.ContentType,
			ContentEncoding: msg.ContentEncoding,
			Body:            msg.Body,
			DeliveryMode:    amqp091.Persistent,
			Headers:         headers,
		},
	)
}
