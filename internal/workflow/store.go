package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"superpost/pkg/errkind"
)

// CheckpointStore persists executions.
type CheckpointStore interface {
	// Create stores exec unless an execution with the same id exists, in
	// which case it returns the existing one and created=false.
	Create(ctx context.Context, exec *Execution) (existing *Execution, created bool, err error)
	Save(ctx context.Context, exec *Execution) error
	Get(ctx context.Context, id string) (*Execution, error)
	// List returns executions of workflow in status, oldest first.
	List(ctx context.Context, workflow string, status Status, limit int) ([]*Execution, error)
}

func executionNotFound(id string) error {
	return errkind.NotFound("workflow.get_execution", fmt.Errorf("%s: %w", id, ErrExecutionNotFound))
}

// MemoryStore keeps checkpoints in process. Saves can be made to fail to
// simulate a lost checkpoint.
type MemoryStore struct {
	mu         sync.Mutex
	executions map[string]*Execution
	saves      int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{executions: make(map[string]*Execution)}
}

func (s *MemoryStore) Create(ctx context.Context, exec *Execution) (*Execution, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.executions[exec.ID]; ok {
		return cur.Clone(), false, nil
	}
	s.executions[exec.ID] = exec.Clone()
	return exec.Clone(), true, nil
}

func (s *MemoryStore) Save(ctx context.Context, exec *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[exec.ID] = exec.Clone()
	s.saves++
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[id]
	if !ok {
		return nil, executionNotFound(id)
	}
	return exec.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context, workflow string, status Status, limit int) ([]*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Execution
	for _, exec := range s.executions {
		if exec.Workflow == workflow && exec.Status == status {
			out = append(out, exec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Saves returns how many checkpoints were written.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
