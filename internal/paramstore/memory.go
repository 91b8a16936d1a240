package paramstore

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"superpost/pkg/errkind"
	"superpost/pkg/metrics"
)

// MemoryStore is an in-process Store for tests and single-node runs.
type MemoryStore struct {
	mu      sync.Mutex
	values  map[string]string
	markers map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string), markers: make(map[string]struct{})}
}

func (s *MemoryStore) Get(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[name]
	if !ok {
		return "", errkind.NotFound("paramstore.get", fmt.Errorf("%s: %w", name, ErrNotFound))
	}
	return v, nil
}

func (s *MemoryStore) Set(ctx context.Context, name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = value
	return nil
}

func (s *MemoryStore) Increment(ctx context.Context, counter string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.incr(CounterParam(counter), delta)
	if err == nil {
		metrics.IncrementScoreboard(counter)
	}
	return v, err
}

func (s *MemoryStore) IncrementOnce(ctx context.Context, counter, key string, delta int64) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := CounterParam(counter)
	marker := name + "\x00" + key
	if _, seen := s.markers[marker]; seen {
		v, err := s.current(name)
		return v, false, err
	}
	v, err := s.incr(name, delta)
	if err != nil {
		return 0, false, err
	}
	s.markers[marker] = struct{}{}
	metrics.IncrementScoreboard(counter)
	return v, true, nil
}

func (s *MemoryStore) current(name string) (int64, error) {
	raw, ok := s.values[name]
	if !ok {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errkind.Validation("paramstore.increment", fmt.Errorf("%s is not a counter: %w", name, err))
	}
	return v, nil
}

func (s *MemoryStore) incr(name string, delta int64) (int64, error) {
	v, err := s.current(name)
	if err != nil {
		return 0, err
	}
	v += delta
	s.values[name] = strconv.FormatInt(v, 10)
	return v, nil
}
