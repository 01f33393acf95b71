// Package testutil holds deterministic stand-ins for the pipeline's
// time-dependent collaborators.
package testutil

import (
	"sync"
	"time"
)

// ManualTicks is a tick source driven by the test.
//
// Registered callbacks fire only when Tick is called, synchronously, in
// registration order. The interval passed to Every is recorded but ignored.
// Implements engine.TickSource.
//
// Thread-safety: all methods are safe for concurrent use.
type ManualTicks struct {
	mu        sync.Mutex
	next      int
	fns       map[int]func()
	order     []int
	intervals []time.Duration
	ticks     int
}

// NewManualTicks creates a tick source with no registrations.
func NewManualTicks() *ManualTicks {
	return &ManualTicks{fns: make(map[int]func())}
}

// Every registers fn. The returned stop function unregisters it.
func (m *ManualTicks) Every(interval time.Duration, fn func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.next
	m.next++
	m.fns[id] = fn
	m.order = append(m.order, id)
	m.intervals = append(m.intervals, interval)

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.fns, id)
	}
}

// Tick fires every registered callback once and returns how many fired.
func (m *ManualTicks) Tick() int {
	m.mu.Lock()
	fns := make([]func(), 0, len(m.fns))
	for _, id := range m.order {
		if fn, ok := m.fns[id]; ok {
			fns = append(fns, fn)
		}
	}
	m.ticks++
	m.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	return len(fns)
}

// Ticks returns how many times Tick has been called.
func (m *ManualTicks) Ticks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ticks
}

// Active returns the number of registrations not yet stopped.
func (m *ManualTicks) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.fns)
}

// Intervals returns every interval ever registered, in order.
func (m *ManualTicks) Intervals() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]time.Duration(nil), m.intervals...)
}
