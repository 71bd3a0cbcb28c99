package processor

import (
	"sync"

	"gridsync/internal/models"
)

// queue is the unbounded, FIFO event channel of one table instance. Any
// number of goroutines may push; only the consumption loop takes.
type queue struct {
	mu     sync.Mutex
	items  []models.ChangeEvent
	closed bool
	ready  chan struct{} // capacity 1, signalled when items become available or on close
}

func newQueue() *queue {
	return &queue{ready: make(chan struct{}, 1)}
}

// push appends an event without blocking
func (q *queue) push(ev models.ChangeEvent) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()

	q.signal()
	return nil
}

// tryTake removes and returns the head of the queue, if any
func (q *queue) tryTake() (models.ChangeEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return models.ChangeEvent{}, false
	}
	ev := q.items[0]
	q.items[0] = models.ChangeEvent{}
	q.items = q.items[1:]
	return ev, true
}

// close rejects further pushes. Events already queued can still be taken.
func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.signal()
}

// drained reports whether the queue is closed and empty
func (q *queue) drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && len(q.items) == 0
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
