package history

import (
	"context"
	"sync"

	"github.com/samber/lo"
)

// MemoryStore keeps records in process memory, newest last
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Save(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, *rec)
	return nil
}

// List returns up to limit records, newest first. limit <= 0 returns all.
func (s *MemoryStore) List(ctx context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := lo.Reverse(append([]Record(nil), s.records...))
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := lo.Find(s.records, func(r Record) bool { return r.ID == id })
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (s *MemoryStore) FindSimilar(ctx context.Context, hash string, maxDistance int) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return closest(s.records, hash, maxDistance), nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// closest picks the record with the smallest hash distance within maxDistance.
// Ties resolve to the earliest record.
func closest(records []Record, hash string, maxDistance int) *Record {
	if hash == "" {
		return nil
	}
	candidates := lo.Filter(records, func(r Record, _ int) bool {
		d := Distance(hash, r.PerceptualHash)
		return d >= 0 && d <= maxDistance
	})
	if len(candidates) == 0 {
		return nil
	}
	best := lo.MinBy(candidates, func(a, b Record) bool {
		return Distance(hash, a.PerceptualHash) < Distance(hash, b.PerceptualHash)
	})
	return &best
}
