package ratelimit

import (
	"context"
	"sync"
	"time"
)

// sweepEvery is how many Allow calls pass between expired-window sweeps.
const sweepEvery = 1024

type window struct {
	count int
	ends  time.Time
}

// Memory keeps counters in this process.
type Memory struct {
	mu      sync.Mutex
	windows map[string]window
	calls   int
	now     func() time.Time
}

// NewMemory returns an empty in-process limiter.
func NewMemory() *Memory {
	return &Memory{windows: make(map[string]window), now: time.Now}
}

// Allow counts the request unless the window is already full.
func (m *Memory) Allow(_ context.Context, key string, p Policy) Decision {
	if p.Unlimited() {
		return Decision{Allowed: true}
	}
	now := m.now()
	id := counterKey(key, p)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.calls%sweepEvery == 0 {
		m.sweep(now)
	}

	w, ok := m.windows[id]
	if !ok || !now.Before(w.ends) {
		w = window{ends: now.Add(p.window())}
	}
	if w.count >= p.Limit {
		return Decision{Allowed: false, Count: w.count, Reset: w.ends}
	}
	w.count++
	m.windows[id] = w
	return Decision{Allowed: true, Count: w.count, Reset: w.ends}
}

func (m *Memory) sweep(now time.Time) {
	for id, w := range m.windows {
		if !now.Before(w.ends) {
			delete(m.windows, id)
		}
	}
}

// Close is a no-op.
func (m *Memory) Close() error {
	return nil
}
