// Package tickqueue provides the FIFO of pending ticks of one simulation
// system. A CPU-side collector pushes ticks from any goroutine; the
// scheduler drains the queue once per frame.
package tickqueue

import "sync"

// minCapacity is the initial ring size.
const minCapacity = 4

// Queue is a growable ring-buffer FIFO.
//
// Queue is safe for concurrent use.
type Queue[T any] struct {
	mu   sync.Mutex
	buf  []T
	head int
	n    int
}

// New creates an empty queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{}
}

// Push appends v.
func (q *Queue[T]) Push(v T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == len(q.buf) {
		q.grow()
	}
	q.buf[(q.head+q.n)%len(q.buf)] = v
	q.n++
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// Drain removes and returns every queued item in FIFO order.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]T, q.n)
	for i := 0; i < q.n; i++ {
		idx := (q.head + i) % len(q.buf)
		out[i] = q.buf[idx]
		var zero T
		q.buf[idx] = zero
	}
	q.head, q.n = 0, 0
	return out
}

// Clear drops every queued item and returns how many were dropped.
func (q *Queue[T]) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.n
	clear(q.buf)
	q.head, q.n = 0, 0
	return n
}

func (q *Queue[T]) grow() {
	size := len(q.buf) * 2
	if size < minCapacity {
		size = minCapacity
	}
	buf := make([]T, size)
	for i := 0; i < q.n; i++ {
		buf[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	q.buf = buf
	q.head = 0
}
