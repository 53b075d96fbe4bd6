package util

import "sync"

// RingBuffer keeps the last cap(buf) items pushed. Safe for concurrent use.
type RingBuffer[T any] struct {
	mu   sync.RWMutex
	buf  []T
	next int // slot the next Push writes
	full bool
}

func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{buf: make([]T, capacity)}
}

// Push stores item, evicting the oldest when full.
func (r *RingBuffer[T]) Push(item T) {
	r.mu.Lock()
	r.buf[r.next] = item
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// Snapshot returns every stored item, oldest first.
func (r *RingBuffer[T]) Snapshot() []T {
	return r.Select(nil, 0)
}

// Select returns stored items accepted by keep (nil keeps all), oldest
// first. limit > 0 keeps only the newest limit matches.
func (r *RingBuffer[T]) Select(keep func(T) bool, limit int) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, start := r.next, 0
	if r.full {
		n, start = len(r.buf), r.next
	}
	out := make([]T, 0, n)
	for i := 0; i < n; i++ {
		item := r.buf[(start+i)%len(r.buf)]
		if keep == nil || keep(item) {
			out = append(out, item)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func (r *RingBuffer[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.full {
		return len(r.buf)
	}
	return r.next
}
