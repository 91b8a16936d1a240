package outbox

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// ReplayService 把已放弃的消息重新放回队列
type ReplayService struct {
	store  Store
	logger *zap.Logger
}

func NewReplayService(store Store, logger *zap.Logger) *ReplayService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReplayService{store: store, logger: logger}
}

// Replay requeues one message. The dispatcher sends it on its next pass.
func (s *ReplayService) Replay(ctx context.Context, id string) error {
	if _, err := s.store.Get(ctx, id); err != nil {
		return err
	}
	if err := s.store.Requeue(ctx, id); err != nil {
		return fmt.Errorf("requeue %s: %w", id, err)
	}
	s.logger.Info("Outbox message requeued", zap.String("message_id", id))
	return nil
}

// ReplayFailed requeues up to limit failed messages.
func (s *ReplayService) ReplayFailed(ctx context.Context, limit int) (int, error) {
	failed, err := s.store.Failed(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list failed messages: %w", err)
	}
	n := 0
	for _, m := range failed {
		if err := s.Replay(ctx, m.ID); err != nil {
			// 记录错误但继续处理其他消息
			s.logger.Error("Outbox replay failed", zap.String("message_id", m.ID), zap.Error(err))
			continue
		}
		n++
	}
	return n, nil
}
