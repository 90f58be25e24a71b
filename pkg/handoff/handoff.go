// Package handoff provides a keyed blocking map used to hand values from
// asynchronous producers (venue callbacks, quote feeds) to synchronous readers.
package handoff

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrTimeout is returned when a bounded wait ends before a value arrives.
// It signals "still pending" and should be retried, not treated as failure.
var ErrTimeout = errors.New("handoff: value not yet available")

type slot[V any] struct {
	ready   chan struct{}
	value   V
	set     bool
	waiters int
}

// Map is a keyed blocking map. Put may happen before or after Get; a Get
// waiting on a key is woken by the first Put for that key. Later Puts
// overwrite the stored value.
type Map[K comparable, V any] struct {
	mu    sync.Mutex
	slots map[K]*slot[V]
	order []K
}

// New creates an empty map.
func New[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{slots: make(map[K]*slot[V])}
}

// slotFor returns the slot for key, creating an unready one. Caller holds mu.
func (m *Map[K, V]) slotFor(key K) *slot[V] {
	s, ok := m.slots[key]
	if !ok {
		s = &slot[V]{ready: make(chan struct{})}
		m.slots[key] = s
	}
	return s
}

// Put stores value under key and wakes every waiter on that key.
func (m *Map[K, V]) Put(key K, value V) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.slotFor(key)
	s.value = value
	if !s.set {
		s.set = true
		m.order = append(m.order, key)
		close(s.ready)
	}
}

// Update atomically replaces the value under key with the result of fn.
// fn sees the current value and whether one exists; when it returns
// store=false nothing changes. Storing wakes waiters as Put does.
func (m *Map[K, V]) Update(key K, fn func(old V, exists bool) (V, bool)) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cur V
	s, ok := m.slots[key]
	exists := ok && s.set
	if exists {
		cur = s.value
	}
	next, store := fn(cur, exists)
	if !store {
		return cur, false
	}
	s = m.slotFor(key)
	s.value = next
	if !s.set {
		s.set = true
		m.order = append(m.order, key)
		close(s.ready)
	}
	return next, true
}

// Lookup returns the value stored under key without blocking.
func (m *Map[K, V]) Lookup(key K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[key]
	if !ok || !s.set {
		var zero V
		return zero, false
	}
	return s.value, true
}

// Get blocks until a value exists for key or ctx is done.
func (m *Map[K, V]) Get(ctx context.Context, key K) (V, error) {
	m.mu.Lock()
	s := m.slotFor(key)
	if s.set {
		v := s.value
		m.mu.Unlock()
		return v, nil
	}
	s.waiters++
	ready := s.ready
	m.mu.Unlock()

	select {
	case <-ready:
		m.mu.Lock()
		s.waiters--
		v := s.value
		m.mu.Unlock()
		return v, nil
	case <-ctx.Done():
		m.release(key, s)
		var zero V
		return zero, ctx.Err()
	}
}

// GetTimeout waits at most d for key. On timeout it returns ErrTimeout.
func (m *Map[K, V]) GetTimeout(key K, d time.Duration) (V, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	v, err := m.Get(ctx, key)
	if errors.Is(err, context.DeadlineExceeded) {
		return v, ErrTimeout
	}
	return v, err
}

// release drops an unready slot once its last waiter gives up, so
// abandoned waits on unknown keys leave nothing behind.
func (m *Map[K, V]) release(key K, s *slot[V]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.waiters--
	if s.set || s.waiters > 0 {
		return
	}
	if cur, ok := m.slots[key]; ok && cur == s {
		delete(m.slots, key)
	}
}

// Keys returns the keys that hold a value, in first-put order.
func (m *Map[K, V]) Keys() []K {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]K, len(m.order))
	copy(out, m.order)
	return out
}

// Values returns the stored values in first-put order.
func (m *Map[K, V]) Values() []V {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]V, 0, len(m.order))
	for _, k := range m.order {
		out = append(out, m.slots[k].value)
	}
	return out
}

// Len returns the number of keys holding a value.
func (m *Map[K, V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}
