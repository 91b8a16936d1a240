package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"superpost/pkg/trace"
)

// Sender delivers one message. Returning an error counts a failed attempt.
type Sender func(ctx context.Context, m *Message) error

// Dispatcher 负责从 outbox 中读取消息并交给 Sender
type Dispatcher struct {
	store      Store
	send       Sender
	logger     *zap.Logger
	maxRetries int
	interval   time.Duration
	retryDelay time.Duration
	batchSize  int
}

// NewDispatcher 创建新的 Dispatcher
func NewDispatcher(store Store, send Sender, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		store:      store,
		send:       send,
		logger:     logger,
		maxRetries: 5,               // 默认最大重试5次
		interval:   1 * time.Second, // 默认每秒扫描一次
		retryDelay: 5 * time.Second, // 退避：5s, 10s, 15s...
		batchSize:  100,             // 默认每次处理100条
	}
}

// WithMaxRetries 设置最大重试次数
func (d *Dispatcher) WithMaxRetries(maxRetries int) *Dispatcher {
	d.maxRetries = maxRetries
	return d
}

// WithInterval 设置扫描间隔
func (d *Dispatcher) WithInterval(interval time.Duration) *Dispatcher {
	d.interval = interval
	return d
}

// WithRetryDelay 设置退避步长
func (d *Dispatcher) WithRetryDelay(delay time.Duration) *Dispatcher {
	d.retryDelay = delay
	return d
}

// WithBatchSize 设置批次大小
func (d *Dispatcher) WithBatchSize(batchSize int) *Dispatcher {
	d.batchSize = batchSize
	return d
}

// Start polls until ctx is done.
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("Starting Outbox Dispatcher",
		zap.Int("max_retries", d.maxRetries),
		zap.Duration("interval", d.interval),
		zap.Int("batch_size", d.batchSize),
	)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Outbox Dispatcher stopped")
			return
		case <-ticker.C:
			d.ProcessPending(ctx)
		}
	}
}

// ProcessPending sends one batch of due messages and returns how many went out.
func (d *Dispatcher) ProcessPending(ctx context.Context) int {
	messages, err := d.store.Pending(ctx, d.batchSize)
	if err != nil {
		d.logger.Error("Failed to get pending messages", zap.Error(err))
		return 0
	}

	sent := 0
	for _, m := range messages {
		if err := d.send(trace.WithContext(ctx, m.TraceID), m); err != nil {
			d.logger.Warn("Failed to send outbox message",
				zap.String("message_id", m.ID),
				zap.String("routing_key", m.RoutingKey),
				zap.Int("retry_count", m.RetryCount),
				zap.Error(err),
			)
			if err := d.store.MarkFailed(ctx, m.ID, err.Error(), d.maxRetries, d.retryDelay); err != nil {
				d.logger.Error("Failed to mark message as failed", zap.String("message_id", m.ID), zap.Error(err))
			}
			continue
		}

		if err := d.store.MarkSent(ctx, m.ID); err != nil {
			// 已发送但未标记：下一轮会重发，接收方按 id 去重
			d.logger.Error("Failed to mark message as sent", zap.String("message_id", m.ID), zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}
