package audio

import (
	"context"
	"sync"
	"sync/atomic"
)

// Ring is a bounded FIFO that never blocks its producer. When full, Push drops
// the oldest element to make room and counts the drop.
//
// A Ring is safe for concurrent use by any number of producers and consumers.
type Ring[T any] struct {
	mu    sync.Mutex
	buf   []T
	head  int // index of the oldest element
	count int

	dropped atomic.Uint64
	notify  chan struct{}
}

// NewRing returns a ring holding at most capacity elements. A capacity below
// one is treated as one.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{
		buf:    make([]T, capacity),
		notify: make(chan struct{}, 1),
	}
}

// Push appends v. It reports whether an older element was evicted.
func (r *Ring[T]) Push(v T) (dropped bool) {
	r.mu.Lock()
	if r.count == len(r.buf) {
		var zero T
		r.buf[r.head] = zero
		r.head = (r.head + 1) % len(r.buf)
		r.count--
		dropped = true
	}
	r.buf[(r.head+r.count)%len(r.buf)] = v
	r.count++
	r.mu.Unlock()

	if dropped {
		r.dropped.Add(1)
	}
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return dropped
}

// TryPop removes and returns the oldest element without blocking.
func (r *Ring[T]) TryPop() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var zero T
	if r.count == 0 {
		return zero, false
	}
	v := r.buf[r.head]
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.count--
	return v, true
}

// Pop blocks until an element is available or ctx is done.
func (r *Ring[T]) Pop(ctx context.Context) (T, error) {
	for {
		if v, ok := r.TryPop(); ok {
			return v, nil
		}
		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-r.notify:
		}
	}
}

// Snapshot returns a copy of the buffered elements, oldest first, without
// removing them.
func (r *Ring[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, r.count)
	for i := range r.count {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}

// Reset discards all buffered elements. The drop counter is kept.
func (r *Ring[T]) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.buf)
	r.head = 0
	r.count = 0
}

// Len returns the number of buffered elements.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Cap returns the ring's capacity.
func (r *Ring[T]) Cap() int { return len(r.buf) }

// Dropped returns the number of elements evicted since creation.
func (r *Ring[T]) Dropped() uint64 { return r.dropped.Load() }
