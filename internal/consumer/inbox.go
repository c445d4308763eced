package consumer

import (
	"sync"

	"github.com/roach88/bridgekeeper/internal/chain"
)

// inbox is a thread-safe FIFO of notifications waiting for the Run loop.
//
// The inbox is unbounded: the chain collaborator redelivers anyway, and
// blocking a subscriber would only move the backlog into its socket buffer.
//
// The signal channel enables context-aware waiting in the Run loop.
type inbox struct {
	mu     sync.Mutex
	items  []chain.Notification
	closed bool
	signal chan struct{} // buffered, size 1
}

func newInbox() *inbox {
	return &inbox{
		items:  make([]chain.Notification, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue appends n. Returns false if the inbox is closed.
func (q *inbox) Enqueue(n chain.Notification) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.items = append(q.items, n)

	// Non-blocking; a buffer of 1 coalesces signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue pops the front item without blocking.
func (q *inbox) TryDequeue() (chain.Notification, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return chain.Notification{}, false
	}

	n := q.items[0]
	q.items[0] = chain.Notification{}

	if len(q.items) == 1 {
		q.items = q.items[:0]
	} else {
		q.items = q.items[1:]
	}

	return n, true
}

// Wait returns a channel that signals when items may be available. It is
// closed when the inbox closes.
func (q *inbox) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of waiting items.
func (q *inbox) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drained reports whether the inbox is closed and empty.
func (q *inbox) Drained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && len(q.items) == 0
}

// Close rejects further enqueues and wakes the Run loop.
func (q *inbox) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}
