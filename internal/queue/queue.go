// Package queue provides a generic blocking FIFO queue used to hand owned
// items from one engine stage to the next.
//
// A queue is either bounded (Enqueue blocks while full) or growable (Enqueue
// never blocks; the ring doubles in place when full). Items removed without
// being dequeued, by Clear, Shutdown or an Enqueue after Shutdown, are passed
// to the queue's destructor.
package queue

import (
	"sync"
)

// Queue is a ring buffer guarded by one mutex. The zero value is not usable;
// construct with NewBounded or NewGrowable.
type Queue[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	buf   []T
	head  int // index of the oldest item
	count int

	growable bool
	closed   bool
	destroy  func(T)
}

// NewBounded returns a queue holding at most capacity items. Enqueue blocks
// while the queue is full.
func NewBounded[T any](capacity int, destroy func(T)) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return newQueue(capacity, false, destroy)
}

// NewGrowable returns a queue whose Enqueue never blocks. initial is the
// starting capacity; it doubles whenever the queue fills up.
func NewGrowable[T any](initial int, destroy func(T)) *Queue[T] {
	if initial < 1 {
		initial = 1
	}
	return newQueue(initial, true, destroy)
}

func newQueue[T any](capacity int, growable bool, destroy func(T)) *Queue[T] {
	q := &Queue[T]{
		buf:      make([]T, capacity),
		growable: growable,
		destroy:  destroy,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends item. It reports false if the queue is shut down, in which
// case item has been handed to the destructor.
func (q *Queue[T]) Enqueue(item T) bool {
	q.mu.Lock()
	for !q.closed && q.count == len(q.buf) {
		if q.growable {
			q.grow()
			break
		}
		q.notFull.Wait()
	}
	if q.closed {
		q.mu.Unlock()
		q.release(item)
		return false
	}

	q.buf[(q.head+q.count)%len(q.buf)] = item
	q.count++
	q.notEmpty.Signal()
	q.mu.Unlock()
	return true
}

// Dequeue removes the oldest item, blocking while the queue is empty. It
// reports false once the queue is shut down.
func (q *Queue[T]) Dequeue() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if q.closed {
		var zero T
		return zero, false
	}
	return q.popLocked(), true
}

// TryDequeue removes the oldest item if there is one. It never blocks.
func (q *Queue[T]) TryDequeue() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 || q.closed {
		var zero T
		return zero, false
	}
	return q.popLocked(), true
}

// Clear empties the queue, running the destructor on every abandoned item,
// and returns how many were removed.
func (q *Queue[T]) Clear() int {
	q.mu.Lock()
	abandoned := q.drainLocked()
	q.notFull.Broadcast()
	q.mu.Unlock()

	for _, item := range abandoned {
		q.release(item)
	}
	return len(abandoned)
}

// Shutdown closes the queue. Every goroutine blocked in Dequeue or Enqueue is
// released; items still queued go to the destructor. Calling Shutdown more
// than once is a no-op.
func (q *Queue[T]) Shutdown() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	abandoned := q.drainLocked()
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
	q.mu.Unlock()

	for _, item := range abandoned {
		q.release(item)
	}
}

// Size returns the number of queued items.
func (q *Queue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Closed reports whether Shutdown has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue[T]) popLocked() T {
	var zero T
	item := q.buf[q.head]
	q.buf[q.head] = zero
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	q.notFull.Signal()
	return item
}

// grow doubles the ring, unwrapping it so the oldest item lands at index 0.
func (q *Queue[T]) grow() {
	next := make([]T, 2*len(q.buf))
	n := copy(next, q.buf[q.head:])
	copy(next[n:], q.buf[:q.head])
	q.buf = next
	q.head = 0
}

func (q *Queue[T]) drainLocked() []T {
	if q.count == 0 {
		return nil
	}
	var zero T
	out := make([]T, 0, q.count)
	for q.count > 0 {
		out = append(out, q.buf[q.head])
		q.buf[q.head] = zero
		q.head = (q.head + 1) % len(q.buf)
		q.count--
	}
	q.head = 0
	return out
}

// release runs the destructor outside the lock.
func (q *Queue[T]) release(item T) {
	if q.destroy != nil {
		q.destroy(item)
	}
}
