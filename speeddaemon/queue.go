package speeddaemon

import (
	"context"
	"sync"
)

// queue is a FIFO with any number of producers and a single consumer.
//
// A capacity of 0 means the queue is unbounded. Pushing onto a full bounded queue closes it.
type queue[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	closed   bool

	ready chan struct{}
	done  chan struct{}
}

func newQueue[T any](capacity int) *queue[T] {
	return &queue[T]{
		capacity: capacity,
		ready:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// push appends v, reporting false if the queue is closed or has just overflowed.
func (q *queue[T]) push(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if q.capacity > 0 && len(q.items) >= q.capacity {
		q.closeLocked()
		return false
	}
	q.items = append(q.items, v)

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

// pop blocks until an item is available, the queue is closed and drained, or ctx is done.
func (q *queue[T]) pop(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			v := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()
			return v, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return zero, ErrSinkClosed
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-q.ready:
		case <-q.done:
		}
	}
}

func (q *queue[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *queue[T]) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closeLocked()
}

func (q *queue[T]) closeLocked() {
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

func (q *queue[T]) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// A Sink is the outbound ticket queue of one dispatcher connection.
//
// The Coordinator pushes tickets without ever blocking; the connection's writer pops and sends them in order.
type Sink struct {
	q *queue[Ticket]
}

// NewSink returns a Sink holding at most capacity undelivered tickets, or any number if capacity is 0.
func NewSink(capacity int) *Sink {
	return &Sink{q: newQueue[Ticket](capacity)}
}

// Push queues t for delivery. It reports false if the sink is closed, in which case t was not queued.
func (s *Sink) Push(t Ticket) bool {
	return s.q.push(t)
}

// Pop returns the next ticket, waiting for one if needed.
// ErrSinkClosed is returned once the sink is closed and every queued ticket has been popped.
func (s *Sink) Pop(ctx context.Context) (Ticket, error) {
	return s.q.pop(ctx)
}

// Len returns the number of queued tickets.
func (s *Sink) Len() int {
	return s.q.len()
}

// Close stops the sink from accepting tickets.
func (s *Sink) Close() {
	s.q.close()
}

// Closed reports whether the sink has stopped accepting tickets.
func (s *Sink) Closed() bool {
	return s.q.isClosed()
}

// Done is closed when the sink is closed.
func (s *Sink) Done() <-chan struct{} {
	return s.q.done
}
