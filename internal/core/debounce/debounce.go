// Package debounce coalesces bursts of values per key into a single trailing
// call.
package debounce

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const DefaultInterval = 200 * time.Millisecond

// FireFunc receives the last value scheduled for key.
type FireFunc[K comparable, V any] func(key K, value V)

type entry[V any] struct {
	value V
	timer *clock.Timer
}

// Manager keeps one pending entry per key. Scheduling a key that is already
// pending replaces its value and restarts its timer, so only the last value of
// a burst is ever fired. Fired, flushed and cancelled entries are removed.
type Manager[K comparable, V any] struct {
	mu       sync.Mutex
	interval time.Duration
	clock    clock.Clock
	fire     FireFunc[K, V]
	entries  map[K]*entry[V]
}

func New[K comparable, V any](interval time.Duration, clk clock.Clock, fire FireFunc[K, V]) *Manager[K, V] {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Manager[K, V]{
		interval: interval,
		clock:    clk,
		fire:     fire,
		entries:  make(map[K]*entry[V]),
	}
}

// Schedule arms (or rearms) the timer for key with value.
func (m *Manager[K, V]) Schedule(key K, value V) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[key]; ok {
		e.timer.Stop()
	}
	e := &entry[V]{value: value}
	e.timer = m.clock.AfterFunc(m.interval, func() { m.expire(key, e) })
	m.entries[key] = e
}

// Flush fires key immediately if it is pending.
func (m *Manager[K, V]) Flush(key K) bool {
	m.mu.Lock()
	e, ok := m.entries[key]
	if ok {
		e.timer.Stop()
		delete(m.entries, key)
	}
	m.mu.Unlock()

	if ok {
		m.fire(key, e.value)
	}
	return ok
}

// FlushAll fires every pending entry and clears the manager. It returns the
// number of entries fired.
func (m *Manager[K, V]) FlushAll() int {
	m.mu.Lock()
	pending := m.entries
	m.entries = make(map[K]*entry[V])
	for _, e := range pending {
		e.timer.Stop()
	}
	m.mu.Unlock()

	for key, e := range pending {
		m.fire(key, e.value)
	}
	return len(pending)
}

// Cancel drops key without firing it.
func (m *Manager[K, V]) Cancel(key K) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if ok {
		e.timer.Stop()
		delete(m.entries, key)
	}
	return ok
}

// Pending returns the number of keys awaiting a fire.
func (m *Manager[K, V]) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Manager[K, V]) IsPending(key K) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[key]
	return ok
}

// expire runs on the timer. A timer that lost a race with Schedule, Flush or
// Cancel finds a different (or no) entry and does nothing.
func (m *Manager[K, V]) expire(key K, e *entry[V]) {
	m.mu.Lock()
	current, ok := m.entries[key]
	if !ok || current != e {
		m.mu.Unlock()
		return
	}
	delete(m.entries, key)
	m.mu.Unlock()

	m.fire(key, e.value)
}
