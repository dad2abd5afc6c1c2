package storage

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store for tests and dry runs.
type Memory struct {
	mu       sync.Mutex
	lastSent map[string]time.Time

	// FailReads simulates a corrupt/unavailable backend in tests.
	FailReads error
}

func NewMemory() *Memory {
	return &Memory{lastSent: map[string]time.Time{}}
}

func (m *Memory) LastSent(ctx context.Context, destination string) (time.Time, bool, error) {
	_ = ctx
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailReads != nil {
		return time.Time{}, false, m.FailReads
	}
	at, ok := m.lastSent[destination]
	return at, ok, nil
}

func (m *Memory) SetLastSent(ctx context.Context, destination string, at time.Time) error {
	_ = ctx
	if at.IsZero() {
		at = time.Now()
	}
	m.mu.Lock()
	m.lastSent[destination] = at
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }
