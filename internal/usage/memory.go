package usage

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps metrics in process memory
type MemoryStore struct {
	mu      sync.RWMutex
	metrics map[string]Metric
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{metrics: make(map[string]Metric)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (Metric, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.metrics[key]
	return m, ok, nil
}

func (s *MemoryStore) Put(_ context.Context, m Metric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics[m.Key] = m
	return nil
}

func (s *MemoryStore) Increment(_ context.Context, h Hit) (Metric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.metrics[h.Key]
	m = applyHit(m, ok, h)
	s.metrics[h.Key] = m
	return m, nil
}

func (s *MemoryStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, m := range s.metrics {
		if m.LastUsedAt.Before(cutoff) {
			delete(s.metrics, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) All(_ context.Context) ([]Metric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Metric, 0, len(s.metrics))
	for _, m := range s.metrics {
		out = append(out, m)
	}
	return out, nil
}
