package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"superpost/pkg/errkind"
)

// ErrDeadLetterNotFound is wrapped when no dead letter has the id.
var ErrDeadLetterNotFound = errors.New("dead letter not found")

// DeadLetter is an event a rule could not deliver within its retry budget.
type DeadLetter struct {
	ID         string     `json:"id"`
	Bus        string     `json:"bus"`
	Rule       string     `json:"rule"`
	Event      Event      `json:"event"`
	Error      string     `json:"error"`
	Attempts   int        `json:"attempts"`
	FailedAt   time.Time  `json:"failedAt"`
	ReplayedAt *time.Time `json:"replayedAt,omitempty"`
}

// DeadLetterSink receives exhausted deliveries.
type DeadLetterSink interface {
	Put(ctx context.Context, dl DeadLetter) error
}

// DeadLetterStore is a sink that can also be read back for replay.
type DeadLetterStore interface {
	DeadLetterSink
	Get(ctx context.Context, id string) (DeadLetter, error)
	// List returns dead letters not replayed yet, oldest first.
	List(ctx context.Context, limit int) ([]DeadLetter, error)
	MarkReplayed(ctx context.Context, id string, at time.Time) error
}

// MemoryDeadLetters is an in-process DeadLetterStore.
type MemoryDeadLetters struct {
	mu      sync.Mutex
	letters map[string]DeadLetter
}

func NewMemoryDeadLetters() *MemoryDeadLetters {
	return &MemoryDeadLetters{letters: make(map[string]DeadLetter)}
}

func (m *MemoryDeadLetters) Put(ctx context.Context, dl DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.letters[dl.ID] = dl
	return nil
}

func (m *MemoryDeadLetters) Get(ctx context.Context, id string) (DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dl, ok := m.letters[id]
	if !ok {
		return DeadLetter{}, errkind.NotFound("deadletters.get", fmt.Errorf("%s: %w", id, ErrDeadLetterNotFound))
	}
	return dl, nil
}

func (m *MemoryDeadLetters) List(ctx context.Context, limit int) ([]DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DeadLetter, 0, len(m.letters))
	for _, dl := range m.letters {
		if dl.ReplayedAt == nil {
			out = append(out, dl)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FailedAt.Before(out[j].FailedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryDeadLetters) MarkReplayed(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dl, ok := m.letters[id]
	if !ok {
		return errkind.NotFound("deadletters.mark_replayed", fmt.Errorf("%s: %w", id, ErrDeadLetterNotFound))
	}
	dl.ReplayedAt = &at
	m.letters[id] = dl
	return nil
}

// Len returns the number of stored dead letters, replayed ones included.
func (m *MemoryDeadLetters) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.letters)
}

// ReplayService hands dead letters back to the rule that failed them.
type ReplayService struct {
	store  DeadLetterStore
	router *Router
	logger *zap.Logger
}

func NewReplayService(store DeadLetterStore, router *Router, logger *zap.Logger) *ReplayService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReplayService{store: store, router: router, logger: logger}
}

// Replay re-queues one dead letter. Replaying twice is allowed: targets
// tolerate duplicates.
func (s *ReplayService) Replay(ctx context.Context, id string) (DeadLetter, error) {
	dl, err := s.store.Get(ctx, id)
	if err != nil {
		return DeadLetter{}, err
	}
	if err := s.router.Replay(ctx, dl.Rule, dl.Event); err != nil {
		return dl, fmt.Errorf("replay %s to %s: %w", id, dl.Rule, err)
	}
	now := time.Now().UTC()
	if err := s.store.MarkReplayed(ctx, id, now); err != nil {
		return dl, fmt.Errorf("mark %s replayed: %w", id, err)
	}
	dl.ReplayedAt = &now

	s.logger.Info("Dead letter replayed",
		zap.String("dead_letter_id", id),
		zap.String("rule", dl.Rule),
		zap.String("event_id", dl.Event.ID),
	)
	return dl, nil
}

// ReplayAll replays up to limit pending dead letters and returns how many
// were re-queued. Failures are logged and skipped.
func (s *ReplayService) ReplayAll(ctx context.Context, limit int) (int, error) {
	pending, err := s.store.List(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list dead letters: %w", err)
	}
	n := 0
	for _, dl := range pending {
		if _, err := s.Replay(ctx, dl.ID); err != nil {
			s.logger.Error("Dead letter replay failed", zap.String("dead_letter_id", dl.ID), zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}
