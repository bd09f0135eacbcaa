// Package dedupe keeps short-lived "already scheduled" markers for follow-up
// tasks, in process or in Redis.
package dedupe

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process dedupe window. Expired keys are dropped lazily.
type Memory struct {
	mu    sync.Mutex
	until map[string]time.Time
	now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{until: make(map[string]time.Time), now: time.Now}
}

func (m *Memory) Claim(_ context.Context, key string, window time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if until, ok := m.until[key]; ok && now.Before(until) {
		return false, nil
	}
	m.until[key] = now.Add(window)
	if len(m.until) > 1024 {
		m.sweep(now)
	}
	return true, nil
}

func (m *Memory) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.until, key)
	return nil
}

func (m *Memory) sweep(now time.Time) {
	for key, until := range m.until {
		if !now.Before(until) {
			delete(m.until, key)
		}
	}
}
