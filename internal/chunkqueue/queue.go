// Package chunkqueue provides the bounded FIFO handoff between the capture
// callback and the publisher goroutine. The producer side never blocks; the
// consumer side blocks with a bound. The queue keeps occupancy counters but
// never logs: callers decide how a drop is surfaced.
package chunkqueue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Chunk is one capture callback's worth of raw samples. Ownership moves from
// the producer to the queue to the consumer; a chunk is never read by two
// goroutines at once.
type Chunk struct {
	Seq  uint64
	Data []byte
}

// ErrClosed is returned by blocking pops after Close.
var ErrClosed = errors.New("chunkqueue: queue is closed")

// Queue is a fixed-capacity FIFO. Capacity 0 means unbounded, which is only
// meant for tests and bench configurations.
type Queue struct {
	mu     sync.Mutex
	items  []Chunk
	max    int
	closed bool

	wake chan struct{} // single-token wakeup for the consumer
	done chan struct{}
}

// New creates a queue with the given maximum occupancy.
func New(capacity int) *Queue {
	initial := capacity
	if initial <= 0 {
		initial = 16
	}
	return &Queue{
		items: make([]Chunk, 0, initial),
		max:   capacity,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// TryPush enqueues c without blocking. It returns false and leaves the queue
// unchanged when the queue is full or closed. Safe to call from the device
// runtime goroutine concurrently with any pops.
func (q *Queue) TryPush(c Chunk) bool {
	q.mu.Lock()
	if q.closed || (q.max > 0 && len(q.items) >= q.max) {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, c)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Pop blocks until a chunk is available, the context is cancelled, or the
// queue is closed. Chunks come out in FIFO order.
func (q *Queue) Pop(ctx context.Context) (Chunk, error) {
	for {
		if c, ok := q.tryPop(); ok {
			return c, nil
		}
		select {
		case <-q.wake:
		case <-q.done:
			// Drain leftovers before reporting closed.
			if c, ok := q.tryPop(); ok {
				return c, nil
			}
			return Chunk{}, ErrClosed
		case <-ctx.Done():
			return Chunk{}, ctx.Err()
		}
	}
}

// PopTimeout blocks up to d for a chunk. The second return is false when the
// wait timed out or the queue was closed while empty.
func (q *Queue) PopTimeout(d time.Duration) (Chunk, bool) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	for {
		if c, ok := q.tryPop(); ok {
			return c, true
		}
		select {
		case <-q.wake:
		case <-q.done:
			if c, ok := q.tryPop(); ok {
				return c, true
			}
			return Chunk{}, false
		case <-timer.C:
			return Chunk{}, false
		}
	}
}

func (q *Queue) tryPop() (Chunk, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Chunk{}, false
	}
	c := q.items[0]
	q.items = append(q.items[:0], q.items[1:]...)
	return c, true
}

// Drain removes all queued chunks and returns how many were discarded.
func (q *Queue) Drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = q.items[:0]
	return n
}

// Len reports the current occupancy. Point-in-time snapshot only.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Empty reports whether the queue holds no chunks.
func (q *Queue) Empty() bool {
	return q.Len() == 0
}

// Cap returns the configured maximum occupancy (0 = unbounded).
func (q *Queue) Cap() int {
	return q.max
}

// Close rejects further pushes and wakes any blocked pop. Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.done)
}
