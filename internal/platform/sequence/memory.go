package sequence

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is a process-local Store for single-instance deployments and
// tests. A single mutex guards all counters.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*Counter
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters: make(map[string]*Counter),
		now:      time.Now,
	}
}

func memKey(ctx context.Context, name string) string {
	return tenantOf(ctx) + ":" + name
}

func (s *MemoryStore) touch(key, name string, value int64) int64 {
	ts := s.now()
	c, ok := s.counters[key]
	if !ok {
		c = &Counter{Name: name}
		s.counters[key] = c
	}
	c.Value = value
	c.UpdatedAt = &ts
	return value
}

func (s *MemoryStore) Current(ctx context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.counters[memKey(ctx, name)]; ok {
		return c.Value, nil
	}
	return 0, nil
}

func (s *MemoryStore) Next(ctx context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memKey(ctx, name)
	var cur int64
	if c, ok := s.counters[key]; ok {
		cur = c.Value
	}
	return s.touch(key, name, cur+1), nil
}

func (s *MemoryStore) Set(ctx context.Context, name string, value int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.touch(memKey(ctx, name), name, value), nil
}

func (s *MemoryStore) RaiseTo(ctx context.Context, name string, floor int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memKey(ctx, name)
	var cur int64
	if c, ok := s.counters[key]; ok {
		cur = c.Value
	}
	if floor > cur {
		cur = floor
	}
	return s.touch(key, name, cur), nil
}

func (s *MemoryStore) DecrementIfEquals(ctx context.Context, name string, expected int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memKey(ctx, name)
	c, ok := s.counters[key]
	if !ok || c.Value != expected || c.Value <= 0 {
		return false, nil
	}
	s.touch(key, name, c.Value-1)
	return true, nil
}

func (s *MemoryStore) List(ctx context.Context, prefix string) ([]Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tenant := tenantOf(ctx) + ":"
	var out []Counter
	for k, c := range s.counters {
		if strings.HasPrefix(k, tenant) && strings.HasPrefix(c.Name, prefix) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
