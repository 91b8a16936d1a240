package mailbox

import (
	"context"
	"sort"
	"sync"

	"superpost/internal/model"
	"superpost/pkg/metrics"
)

// MemoryStore is an in-process Store. It backs tests and single-node runs.
type MemoryStore struct {
	region string

	mu      sync.Mutex
	records map[string]*model.Letter
	writes  int
}

func NewMemoryStore(region string) *MemoryStore {
	return &MemoryStore{region: region, records: make(map[string]*model.Letter)}
}

func (s *MemoryStore) Get(ctx context.Context, letterID string) (*model.Letter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[letterID]
	if !ok {
		return nil, notFound(letterID)
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) Put(ctx context.Context, letter *model.Letter) (Outcome, error) {
	if err := ValidateWrite(letter); err != nil {
		metrics.RecordMailboxWrite(s.region, "error")
		return Outcome{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.writes++
	prev := s.records[letter.LetterID]
	if !letter.Supersedes(prev) {
		metrics.RecordMailboxWrite(s.region, "skipped")
		return Outcome{Applied: false, Previous: prev.Clone(), Current: prev.Clone()}, nil
	}

	s.records[letter.LetterID] = letter.Clone()
	metrics.RecordMailboxWrite(s.region, "applied")
	return Outcome{Applied: true, Previous: prev.Clone(), Current: letter.Clone()}, nil
}

// Len returns the number of records.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Writes returns how many Put calls reached the write rule.
func (s *MemoryStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// All returns a snapshot of every record ordered by letter id.
func (s *MemoryStore) All() []*model.Letter {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*model.Letter, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LetterID < out[j].LetterID })
	return out
}
