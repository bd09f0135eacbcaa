package memory

import (
	"context"
	"sync"

	audit "shepherd/pkg/platform/audit"
)

// InMemoryStore keeps the trail in a slice. Entries are copied in and out so
// callers can never alter what was recorded.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries []audit.Entry
	seq     int64
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) Append(_ context.Context, entry audit.Entry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	entry.Seq = s.seq
	s.entries = append(s.entries, entry)
	return s.seq, nil
}

func (s *InMemoryStore) Query(_ context.Context, filter audit.Filter) ([]audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []audit.Entry
	for _, e := range s.entries {
		if e.Seq <= filter.After || !filter.Matches(e) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// All returns every recorded entry in order.
func (s *InMemoryStore) All() []audit.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]audit.Entry(nil), s.entries...)
}

// Len returns the number of recorded entries.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
