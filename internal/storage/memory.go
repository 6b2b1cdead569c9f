package storage

import (
	"context"
	"sort"
	"sync"
)

// idSet is the in-memory mirror shared by all drivers.
type idSet struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

func newIDSet(ids []string) *idSet {
	s := &idSet{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		if id != "" {
			s.ids[id] = struct{}{}
		}
	}
	return s
}

func (s *idSet) has(id string) bool {
	s.mu.RLock()
	_, ok := s.ids[id]
	s.mu.RUnlock()
	return ok
}

// add returns false when id was already present.
func (s *idSet) add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

func (s *idSet) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ids)
}

// sorted returns a stable snapshot so file rewrites are deterministic.
func (s *idSet) sorted() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Memory is a non-durable Ledger, used when persistence is not wanted (tests,
// dry runs).
type Memory struct{ set *idSet }

func NewMemory(ids ...string) *Memory { return &Memory{set: newIDSet(ids)} }

func (m *Memory) IsDelivered(id string) bool { return m.set.has(id) }

func (m *Memory) MarkDelivered(_ context.Context, id string) error {
	if id != "" {
		m.set.add(id)
	}
	return nil
}

func (m *Memory) Len() int     { return m.set.len() }
func (m *Memory) Close() error { return nil }
