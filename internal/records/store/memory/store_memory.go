package memory

import (
	"context"
	"slices"
	"sync"

	"shepherd/internal/cipher"
	"shepherd/internal/records"
	"shepherd/pkg/domain"
	"shepherd/pkg/platform/sentinel"
)

// InMemoryStore keeps records in insertion order.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[domain.RecordID]*records.Record
	order   []domain.RecordID
}

func New() *InMemoryStore {
	return &InMemoryStore{records: make(map[domain.RecordID]*records.Record)}
}

func clone(r *records.Record) *records.Record {
	c := *r
	c.Ciphertext = slices.Clone(r.Ciphertext)
	if r.Erasure != nil {
		e := *r.Erasure
		c.Erasure = &e
	}
	return &c
}

func (s *InMemoryStore) Create(_ context.Context, record *records.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insert(record)
}

func (s *InMemoryStore) insert(record *records.Record) error {
	if _, ok := s.records[record.ID]; ok {
		return sentinel.ErrAlreadyUsed
	}
	s.records[record.ID] = clone(record)
	s.order = append(s.order, record.ID)
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, id domain.RecordID) (*records.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return clone(r), nil
}

func (s *InMemoryStore) ListByPerson(_ context.Context, personID domain.PersonID, kind records.Kind) ([]*records.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*records.Record
	for _, id := range s.order {
		r := s.records[id]
		if r.PersonID == personID && r.Kind == kind {
			out = append(out, clone(r))
		}
	}
	return out, nil
}

func (s *InMemoryStore) Supersede(_ context.Context, previous domain.RecordID, next *records.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.records[previous]
	if !ok {
		return sentinel.ErrNotFound
	}
	if prev.IsSuperseded() || prev.IsErased() {
		return sentinel.ErrConflict
	}
	if err := s.insert(next); err != nil {
		return err
	}
	prev.SupersededBy = next.ID
	return nil
}

func (s *InMemoryStore) Erase(_ context.Context, id domain.RecordID, erasure records.Erasure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	if r.IsErased() {
		return sentinel.ErrConflict
	}
	r.Ciphertext = nil
	r.Erasure = &erasure
	return nil
}

func (s *InMemoryStore) ListStale(_ context.Context, active cipher.KeyVersion, limit int) ([]*records.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*records.Record
	for _, id := range s.order {
		r := s.records[id]
		if r.IsErased() || r.KeyVersion == active {
			continue
		}
		out = append(out, clone(r))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryStore) Rekey(_ context.Context, id domain.RecordID, from cipher.KeyVersion, env cipher.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	if r.IsErased() || r.KeyVersion != from {
		return sentinel.ErrConflict
	}
	r.Ciphertext = slices.Clone(env.Blob)
	r.KeyVersion = env.KeyVersion
	return nil
}

func (s *InMemoryStore) CountByKeyVersion(_ context.Context, version cipher.KeyVersion) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.records {
		if !r.IsErased() && r.KeyVersion == version {
			n++
		}
	}
	return n, nil
}
