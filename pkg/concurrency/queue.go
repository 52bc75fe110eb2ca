package concurrency

import (
	"sync"
)

// Dispatcher schedules work away from the caller's goroutine.
type Dispatcher interface {
	Dispatch(fn func())
}

// SerialQueue runs submitted functions one at a time, in submission order, on
// a single worker goroutine. It plays the role of a UI-owning thread: whatever
// is dispatched to it never runs on the submitter's goroutine.
type SerialQueue struct {
	mu      sync.Mutex
	pending []func()
	wake    chan struct{}
	closed  bool
	done    chan struct{}
}

func NewSerialQueue() *SerialQueue {
	q := &SerialQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

// Dispatch enqueues fn. It never blocks. Functions dispatched after Close are dropped.
func (q *SerialQueue) Dispatch(fn func()) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Close stops accepting work, drains what is already queued and waits for the worker to exit.
func (q *SerialQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	<-q.done
}

func (q *SerialQueue) run() {
	defer close(q.done)
	for range q.wake {
		for {
			q.mu.Lock()
			if len(q.pending) == 0 {
				closed := q.closed
				q.mu.Unlock()
				if closed {
					return
				}
				break
			}
			fn := q.pending[0]
			q.pending = q.pending[1:]
			q.mu.Unlock()

			fn()
		}
	}
}
