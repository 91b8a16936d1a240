// Package outbox is a durable queue of messages waiting to leave the region.
// Producers Insert; a Dispatcher polls pending messages and hands them to a
// Sender, retrying with a growing delay until the budget is spent.
package outbox

import (
	"context"
	stdjson "encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	jsoniter "github.com/json-iterator/go"

	"superpost/pkg/db"
	"superpost/pkg/errkind"
	"superpost/pkg/otel"
	"superpost/pkg/util"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// ErrNotFound is wrapped when no message has the id.
var ErrNotFound = errors.New("outbox message not found")

// Message 表示一个待发布的消息
type Message struct {
	ID          string             `json:"id"`
	RoutingKey  string             `json:"routingKey"`
	Payload     stdjson.RawMessage `json:"payload"`
	TraceID     string             `json:"traceId,omitempty"`
	Status      string             `json:"status"`
	RetryCount  int                `json:"retryCount"`
	NextRetryAt *time.Time         `json:"nextRetryAt,omitempty"`
	LastError   string             `json:"lastError,omitempty"`
	CreatedAt   time.Time          `json:"createdAt"`
	UpdatedAt   time.Time          `json:"updatedAt"`
}

// NewMessage marshals payload into a pending message.
func NewMessage(id, routingKey string, payload any) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errkind.Validation("outbox.new_message", err)
	}
	return &Message{ID: id, RoutingKey: routingKey, Payload: raw, Status: StatusPending}, nil
}

// Store persists outbox messages.
type Store interface {
	// Insert is idempotent on the message id: a second insert is a no-op.
	Insert(ctx context.Context, m *Message) error
	// Pending returns messages due for delivery, oldest first.
	Pending(ctx context.Context, limit int) ([]*Message, error)
	MarkSent(ctx context.Context, id string) error
	// MarkFailed counts a failed attempt. After maxRetries the message is
	// parked as failed, otherwise it becomes due again after retryCount*delay.
	MarkFailed(ctx context.Context, id string, cause string, maxRetries int, delay time.Duration) error
	Get(ctx context.Context, id string) (*Message, error)
	// Failed returns parked messages, newest first.
	Failed(ctx context.Context, limit int) ([]*Message, error)
	// Requeue makes a message pending again with a fresh retry budget.
	Requeue(ctx context.Context, id string) error
}

func notFound(op, id string) error {
	return errkind.NotFound(op, fmt.Errorf("%s: %w", id, ErrNotFound))
}

// nextAttempt 计算下一次状态：超过上限即失败，否则线性退避
func nextAttempt(retryCount, maxRetries int, delay time.Duration, now time.Time) (string, *time.Time) {
	if retryCount >= maxRetries {
		return StatusFailed, nil
	}
	next := now.Add(time.Duration(retryCount) * delay)
	return StatusPending, &next
}

// Repository 提供 Outbox 的 PostgreSQL 实现
type Repository struct {
	db db.Querier
}

func NewRepository(q db.Querier) *Repository {
	return &Repository{db: q}
}

const (
	insertMessageSQL = `
		INSERT INTO outbox_events (id, routing_key, payload, trace_id, status)
		VALUES ($1, $2, $3, $4, 'pending')
		ON CONFLICT (id) DO NOTHING`

	selectMessageColumns = `
		SELECT id, routing_key, payload, trace_id, status, retry_count,
		       next_retry_at, COALESCE(last_error, ''), created_at, updated_at
		FROM outbox_events`

	pendingMessagesSQL = selectMessageColumns + `
		WHERE status = 'pending'
		AND (next_retry_at IS NULL OR next_retry_at <= NOW())
		ORDER BY created_at ASC
		LIMIT $1`

	failedMessagesSQL = selectMessageColumns + `
		WHERE status = 'failed'
		ORDER BY created_at DESC
		LIMIT $1`

	getMessageSQL = selectMessageColumns + `
		WHERE id = $1`

	markSentSQL = `
		UPDATE outbox_events
		SET status = 'sent', updated_at = NOW()
		WHERE id = $1`

	retryCountSQL = `SELECT retry_count FROM outbox_events WHERE id = $1`

	markFailedSQL = `
		UPDATE outbox_events
		SET status = $1, retry_count = $2, next_retry_at = $3, last_error = $4, updated_at = NOW()
		WHERE id = $5`

	requeueSQL = `
		UPDATE outbox_events
		SET status = 'pending', retry_count = 0, next_retry_at = NULL, updated_at = NOW()
		WHERE id = $1`
)

func (r *Repository) Insert(ctx context.Context, m *Message) error {
	err := otel.Exec(ctx, "outbox.insert", insertMessageSQL, func(ctx context.Context) error {
		_, err := r.db.Exec(ctx, insertMessageSQL, m.ID, m.RoutingKey, []byte(m.Payload), m.TraceID)
		return err
	})
	return util.Classify("outbox.insert", err)
}

func (r *Repository) Pending(ctx context.Context, limit int) ([]*Message, error) {
	return r.list(ctx, "outbox.pending", pendingMessagesSQL, limit)
}

func (r *Repository) Failed(ctx context.Context, limit int) ([]*Message, error) {
	return r.list(ctx, "outbox.failed", failedMessagesSQL, limit)
}

func (r *Repository) list(ctx context.Context, op, query string, limit int) ([]*Message, error) {
	var out []*Message
	err := otel.QueryRow(ctx, op, query, func(ctx context.Context) error {
		rows, err := r.db.Query(ctx, query, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			m, err := scanMessage(rows)
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, util.Classify(op, err)
	}
	return out, nil
}

func (r *Repository) Get(ctx context.Context, id string) (*Message, error) {
	var m *Message
	err := otel.QueryRow(ctx, "outbox.get", getMessageSQL, func(ctx context.Context) error {
		var err error
		m, err = scanMessage(r.db.QueryRow(ctx, getMessageSQL, id))
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("outbox.get", id)
	}
	if err != nil {
		return nil, util.Classify("outbox.get", err)
	}
	return m, nil
}

func (r *Repository) MarkSent(ctx context.Context, id string) error {
	return r.update(ctx, "outbox.mark_sent", markSentSQL, id)
}

func (r *Repository) Requeue(ctx context.Context, id string) error {
	return r.update(ctx, "outbox.requeue", requeueSQL, id)
}

func (r *Repository) update(ctx context.Context, op, query, id string) error {
	err := otel.Exec(ctx, op, query, func(ctx context.Context) error {
		tag, err := r.db.Exec(ctx, query, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return notFound(op, id)
		}
		return nil
	})
	return util.Classify(op, err)
}

// MarkFailed 标记消息发送失败，并设置下一次重试时间
func (r *Repository) MarkFailed(ctx context.Context, id string, cause string, maxRetries int, delay time.Duration) error {
	const op = "outbox.mark_failed"
	err := otel.Tx(ctx, op, func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
			var retryCount int
			if err := tx.QueryRow(ctx, retryCountSQL+" FOR UPDATE", id).Scan(&retryCount); err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return notFound(op, id)
				}
				return err
			}
			retryCount++
			status, next := nextAttempt(retryCount, maxRetries, delay, time.Now())
			_, err := tx.Exec(ctx, markFailedSQL, status, retryCount, next, cause, id)
			return err
		})
	})
	return util.Classify(op, err)
}

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	var payload []byte
	err := row.Scan(
		&m.ID,
		&m.RoutingKey,
		&payload,
		&m.TraceID,
		&m.Status,
		&m.RetryCount,
		&m.NextRetryAt,
		&m.LastError,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.Payload = payload
	return &m, nil
}

// MemoryStore is an in-process Store for tests and single-node runs.
type MemoryStore struct {
	mu       sync.Mutex
	messages map[string]*Message
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{messages: make(map[string]*Message), now: time.Now}
}

func (s *MemoryStore) Insert(ctx context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[m.ID]; ok {
		return nil
	}
	cp := *m
	cp.Status = StatusPending
	cp.CreatedAt = s.now()
	cp.UpdatedAt = cp.CreatedAt
	s.messages[m.ID] = &cp
	return nil
}

func (s *MemoryStore) Pending(ctx context.Context, limit int) ([]*Message, error) {
	now := s.now()
	return s.collect(limit, func(m *Message) bool {
		return m.Status == StatusPending && (m.NextRetryAt == nil || !m.NextRetryAt.After(now))
	}, false), nil
}

func (s *MemoryStore) Failed(ctx context.Context, limit int) ([]*Message, error) {
	return s.collect(limit, func(m *Message) bool { return m.Status == StatusFailed }, true), nil
}

func (s *MemoryStore) collect(limit int, keep func(*Message) bool, newestFirst bool) []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Message
	for _, m := range s.messages {
		if keep(m) {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if newestFirst {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, notFound("outbox.get", id)
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) MarkSent(ctx context.Context, id string) error {
	return s.mutate("outbox.mark_sent", id, func(m *Message) {
		m.Status = StatusSent
	})
}

func (s *MemoryStore) MarkFailed(ctx context.Context, id string, cause string, maxRetries int, delay time.Duration) error {
	return s.mutate("outbox.mark_failed", id, func(m *Message) {
		m.RetryCount++
		m.LastError = cause
		m.Status, m.NextRetryAt = nextAttempt(m.RetryCount, maxRetries, delay, s.now())
	})
}

func (s *MemoryStore) Requeue(ctx context.Context, id string) error {
	return s.mutate("outbox.requeue", id, func(m *Message) {
		m.Status = StatusPending
		m.RetryCount = 0
		m.NextRetryAt = nil
	})
}

func (s *MemoryStore) mutate(op, id string, fn func(*Message)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return notFound(op, id)
	}
	fn(m)
	m.UpdatedAt = s.now()
	return nil
}
