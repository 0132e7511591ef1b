package relay

import "sync"

// eventQueue is a thread-safe FIFO queue feeding a room's run loop.
//
// The queue is unbounded so websocket readers never block on a busy room.
// It uses a channel for signaling to enable context-aware waiting in the
// run loop.
type eventQueue[T any] struct {
	mu     sync.Mutex
	events []T
	closed bool
	signal chan struct{} // Signals event availability (buffered, size 1)
}

func newEventQueue[T any]() *eventQueue[T] {
	return &eventQueue[T]{
		events: make([]T, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an event to the back of the queue.
// Returns false if the queue is closed.
func (q *eventQueue[T]) Enqueue(e T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.events = append(q.events, e)

	// Non-blocking: the buffer of 1 coalesces multiple signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue attempts to dequeue without blocking.
func (q *eventQueue[T]) TryDequeue() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.events) == 0 {
		return zero, false
	}

	e := q.events[0]
	// Release the slot so the backing array does not pin the event.
	q.events[0] = zero
	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}

	return e, true
}

// Wait returns a channel that signals when events may be available.
func (q *eventQueue[T]) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *eventQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Close rejects further events. Events already queued stay dequeueable.
func (q *eventQueue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}
