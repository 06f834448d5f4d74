package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/example/go-pipeserve/internal/tensor"
)

// ErrQueueClosed is returned by Pop after Close.
var ErrQueueClosed = errors.New("pipeline: event queue closed")

// Event reports the end of one node execution for one session.
type Event struct {
	Node    string
	Session SessionKey
	Outputs map[string]*tensor.Tensor
	Err     error
}

// EventQueue is an unbounded FIFO with many producers and one consumer. It
// also counts dispatched executions that have not reported yet, so owned
// buffers can be released only once nothing can still read them.
type EventQueue struct {
	mu      sync.Mutex
	items   []Event
	notify  chan struct{}
	closed  bool
	pending int

	onDrained func()
	drained   bool
}

func NewEventQueue() *EventQueue {
	return &EventQueue{notify: make(chan struct{}, 1)}
}

// Push appends ev and never blocks. After Close the event is refused and
// its outputs are released.
func (q *EventQueue) Push(ev Event) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		releaseOutputs(ev.Outputs)
		return false
	}
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Pop removes the oldest event, blocking until one arrives, ctx ends or the
// queue is closed.
func (q *EventQueue) Pop(ctx context.Context) (Event, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			ev := q.items[0]
			q.items[0] = Event{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return ev, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Event{}, ErrQueueClosed
		}

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-q.notify:
		}
	}
}

// Len returns the number of undelivered events.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// dispatch registers an execution that will report later. It fails once the
// queue is closed.
func (q *EventQueue) dispatch() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.pending++
	return true
}

// done marks a dispatched execution as finished. Its event must already be
// pushed.
func (q *EventQueue) done() {
	q.mu.Lock()
	q.pending--
	fire := q.closed && q.pending == 0 && !q.drained
	if fire {
		q.drained = true
	}
	fn := q.onDrained
	q.mu.Unlock()
	if fire && fn != nil {
		fn()
	}
}

// Pending returns the number of dispatched executions still running.
func (q *EventQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// Close refuses further events and returns those never popped. onDrained
// runs exactly once, as soon as no dispatched execution is outstanding.
func (q *EventQueue) Close(onDrained func()) []Event {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	left := q.items
	q.items = nil
	q.onDrained = onDrained
	fire := q.pending == 0
	if fire {
		q.drained = true
	}
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	if fire && onDrained != nil {
		onDrained()
	}
	return left
}

func releaseOutputs(outputs map[string]*tensor.Tensor) {
	for _, t := range outputs {
		if t != nil {
			_ = t.Release()
		}
	}
}
