package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend keeps counters in process. It is correct only for a single
// instance.
type MemoryBackend struct {
	mu       sync.Mutex
	counters map[string]*window
}

type window struct {
	start time.Time
	end   time.Time
	count int
}

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{counters: make(map[string]*window)}
}

// Consume implements Backend.
func (m *MemoryBackend) Consume(_ context.Context, key string, start, end time.Time, limit int) (bool, error) {
	if limit <= 0 {
		return false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.counters[key]
	if !ok || !w.start.Equal(start) {
		m.prune(start)
		m.counters[key] = &window{start: start, end: end, count: 1}
		return true, nil
	}
	if w.count >= limit {
		return false, nil
	}
	w.count++
	return true, nil
}

// prune drops counters whose window closed at or before t. Called with mu
// held.
func (m *MemoryBackend) prune(t time.Time) {
	for k, w := range m.counters {
		if !w.end.After(t) {
			delete(m.counters, k)
		}
	}
}

// Len returns the number of live counters.
func (m *MemoryBackend) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.counters)
}
