package mq

import (
	"context"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"superpost/pkg/config"
	"superpost/pkg/logger"
	"superpost/pkg/metrics"
	"superpost/pkg/otel"
	"superpost/pkg/trace"
	"superpost/pkg/util"
)

type MessageHandler func(ctx context.Context, body []byte) error

// RetryTracker counts redeliveries of a message across nacks.
type RetryTracker interface {
	IncrementAndGet(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

type ConsumerOptions struct {
	Queue      string
	RoutingKey string
	// MaxRetries bounds requeues of a retryable failure before the message
	// goes to the dead letter queue. Without Retries every retryable failure
	// is requeued.
	MaxRetries int64
	Retries    RetryTracker
	// DLQ receives messages that failed permanently. Without it they are
	// dropped after logging.
	DLQ *Publisher
}

type Consumer struct {
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	queue    amqp091.Queue
	exchange string
	opts     ConsumerOptions
	handler  MessageHandler
	logger   *zap.Logger
}

// NewConsumer creates a consumer for a specific routing key.
func NewConsumer(cfg config.MQConfig, opts ConsumerOptions, logger *zap.Logger) (*Consumer, error) {
	conn, err := NewConnection(cfg.URL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	fail := func(err error) (*Consumer, error) {
		ch.Close()
		conn.Close()
		return nil, err
	}

	exchange := exchangeOrDefault(cfg.Exchange)
	if err := DeclareExchange(ch, exchange); err != nil {
		return fail(fmt.Errorf("failed to declare exchange: %w", err))
	}
	if err := DeclareDLQExchange(ch, exchange); err != nil {
		return fail(fmt.Errorf("failed to declare DLQ exchange: %w", err))
	}

	q, err := ch.QueueDeclare(
		opts.Queue,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fail(fmt.Errorf("failed to declare queue: %w", err))
	}

	if err := ch.QueueBind(q.Name, opts.RoutingKey, exchange, false, nil); err != nil {
		return fail(fmt.Errorf("failed to bind queue: %w", err))
	}
	if _, err := DeclareDLQQueue(ch, exchange, q.Name); err != nil {
		return fail(err)
	}
	if err := ch.Qos(16, 0, false); err != nil {
		return fail(fmt.Errorf("failed to set qos: %w", err))
	}

	logger.Info("Consumer initialized",
		zap.String("routing_key", opts.RoutingKey),
		zap.String("queue", q.Name),
		zap.String("exchange", exchange),
	)

	return &Consumer{
		conn:     conn,
		channel:  ch,
		queue:    q,
		exchange: exchange,
		opts:     opts,
		logger:   logger,
	}, nil
}

func (c *Consumer) SetHandler(h MessageHandler) {
	c.handler = h
}

func (c *Consumer) Close() {
	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// StartConsuming consumes until ctx is done or the channel closes.
func (c *Consumer) StartConsuming(ctx context.Context) error {
	if c.handler == nil {
		return fmt.Errorf("consumer handler not set")
	}

	deliveries, err := c.channel.Consume(
		c.queue.Name,
		"",
		false, // 手动ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("Consumer started consuming messages",
		zap.String("routing_key", c.opts.RoutingKey),
		zap.String("queue", c.queue.Name),
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("delivery channel closed")
			}
			c.handle(ctx, msg)
		}
	}
}

// 最安全的消费模型：保证每条消息都会被 ack 或 nack
func (c *Consumer) handle(ctx context.Context, msg amqp091.Delivery) {
	start := time.Now()
	ctx = otel.GetTextMapPropagator().Extract(ctx, otel.NewMQHeaderCarrier(msg.Headers))
	if id, ok := msg.Headers[trace.HeaderName].(string); ok {
		ctx = trace.WithContext(ctx, id)
	}
	ctx, span := otel.MQConsumeSpan(ctx, msg.RoutingKey, c.queue.Name)
	defer span.End()

	log := logger.WithTrace(ctx, c.logger).With(
		zap.String("routing_key", msg.RoutingKey),
		zap.String("queue", c.queue.Name),
		zap.String("message_id", msg.MessageId),
	)

	defer func() {
		metrics.RecordMQConsumeLatency(msg.RoutingKey, c.queue.Name, time.Since(start))
		if r := recover(); r != nil {
			log.Error("Handler panic recovered", zap.Any("panic", r))
			// Panic → 拒绝消息并重新入队
			if err := msg.Nack(false, true); err != nil {
				log.Error("Failed to nack message after panic", zap.Error(err))
			}
		}
	}()

	body, err := Decompress(msg.ContentEncoding, msg.Body)
	if err == nil {
		err = c.handler(ctx, body)
	}
	if err == nil {
		if ackErr := msg.Ack(false); ackErr != nil {
			log.Error("Failed to ack message", zap.Error(ackErr))
		}
		if c.opts.Retries != nil {
			_ = c.opts.Retries.Reset(ctx, c.retryKey(msg))
		}
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	retryable, errType := util.IsRetryableError(err)
	log = log.With(zap.Error(err), zap.String("error_type", errType))

	if retryable && c.shouldRequeue(ctx, msg) {
		log.Warn("Handler error, requeueing")
		if nackErr := msg.Nack(false, true); nackErr != nil {
			log.Error("Failed to nack message", zap.Error(nackErr))
		}
		return
	}

	if c.opts.DLQ != nil {
		if dlqErr := c.opts.DLQ.PublishToDLQ(ctx, msg.RoutingKey, msg, err.Error(), c.queue.Name); dlqErr != nil {
			log.Error("Failed to publish to DLQ, requeueing", zap.Error(dlqErr))
			_ = msg.Nack(false, true)
			return
		}
		log.Error("Handler error, message sent to DLQ")
	} else {
		log.Error("Handler error, message dropped")
	}
	if ackErr := msg.Ack(false); ackErr != nil {
		log.Error("Failed to ack message", zap.Error(ackErr))
	}
}

func (c *Consumer) retryKey(msg amqp091.Delivery) string {
	id := msg.MessageId
	if id == "" {
		if v, ok := msg.Headers["x-event-id"].(string); ok {
			id = v
		}
	}
	return util.FormatRetryKey(c.queue.Name, id)
}

func (c *Consumer) shouldRequeue(ctx context.Context, msg amqp091.Delivery) bool {
	if c.opts.Retries == nil {
		return true
	}
	count, err := c.opts.Retries.IncrementAndGet(ctx, c.retryKey(msg))
	if err != nil {
		// 计数不可用时继续重试
		return true
	}
	return util.ShouldRetry(count, c.opts.MaxRetries, true)
}
