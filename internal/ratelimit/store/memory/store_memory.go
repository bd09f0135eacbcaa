package memory

import (
	"context"
	"sync"
	"time"

	"shepherd/internal/ratelimit"
)

// InMemoryStore keeps sliding windows as timestamp lists. It is per-process.
type InMemoryStore struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

func New() *InMemoryStore {
	return &InMemoryStore{windows: make(map[string][]time.Time)}
}

func (s *InMemoryStore) Allow(_ context.Context, key string, limit int, window time.Duration, now time.Time) (ratelimit.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stamps := prune(s.windows[key], now.Add(-window))
	if len(stamps) >= limit {
		s.windows[key] = stamps
		return ratelimit.Result{Limit: limit, ResetAt: stamps[0].Add(window)}, nil
	}
	stamps = append(stamps, now)
	s.windows[key] = stamps
	return ratelimit.Result{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - len(stamps),
		ResetAt:   stamps[0].Add(window),
	}, nil
}

func (s *InMemoryStore) Count(_ context.Context, key string, window time.Duration, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stamps := prune(s.windows[key], now.Add(-window))
	if len(stamps) == 0 {
		delete(s.windows, key)
		return 0, nil
	}
	s.windows[key] = stamps
	return len(stamps), nil
}

func (s *InMemoryStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.windows, key)
	return nil
}

// prune drops timestamps at or before cutoff. stamps is sorted.
func prune(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for ; i < len(stamps); i++ {
		if stamps[i].After(cutoff) {
			break
		}
	}
	return stamps[i:]
}
