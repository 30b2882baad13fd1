package task

import (
	"context"
	"sync"

	"github.com/clondike-go/clondike/internal/proto"
)

// Method is one unit of work in a task's method pump: a closure over the
// task plus whatever arguments it closed on, returning the status that
// tells the pump what to do next (spec.md §4.3).
type Method func(t *Task) Status

// methodQueue is a task's FIFO of pending methods. Internally
// synchronized; every push wakes at most one waiter, per spec.md §5's
// shared-resource policy for task queues.
type methodQueue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items []Method
}

func newMethodQueue() *methodQueue {
	q := &methodQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// submit appends a method to the end of the queue.
func (q *methodQueue) submit(m Method) {
	q.mu.Lock()
	q.items = append(q.items, m)
	q.mu.Unlock()
	q.cond.Signal()
}

// flushAndSubmit atomically drains the queue and appends m, so a caller
// that needs its method to run strictly next (execve, exit) cannot be
// preceded by anything already queued.
func (q *methodQueue) flushAndSubmit(m Method) {
	q.mu.Lock()
	q.items = []Method{m}
	q.mu.Unlock()
	q.cond.Signal()
}

// popBlocking waits until at least one method is queued, then dequeues
// and returns the first one.
func (q *methodQueue) popBlocking() Method {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		q.cond.Wait()
	}
	m := q.items[0]
	q.items = q.items[1:]
	return m
}

// tryPop dequeues a method if one is available without blocking.
func (q *methodQueue) tryPop() (Method, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	m := q.items[0]
	q.items = q.items[1:]
	return m, true
}

// messageQueue is a task's FIFO of inbound protocol messages, delivered
// by the owning manager's decode/route step (spec.md §4.6).
type messageQueue struct {
	mu    sync.Mutex
	items []*proto.Message
	ready chan struct{}
}

func newMessageQueue() *messageQueue {
	return &messageQueue{ready: make(chan struct{}, 1)}
}

func (q *messageQueue) push(m *proto.Message) {
	q.mu.Lock()
	q.items = append(q.items, m)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// pop blocks for the next message in arrival order, honouring ctx
// cancellation (spec.md §5: "all blocking waits honour interruption").
func (q *messageQueue) pop(ctx context.Context) (*proto.Message, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			m := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return m, true
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
			continue
		case <-ctx.Done():
			return nil, false
		}
	}
}
