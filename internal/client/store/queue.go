package store

import (
	"context"
	"sync"
	"time"

	"github.com/meridianlabs/cartsync/internal/cart"
)

// MutationQueue serializes cart mutations. Each mutation enters as a typed
// PendingOperation paired with its closure; operations run strictly in arrival
// order, one at a time, and a caller's Do returns only after its mutation has
// actually executed. This is what keeps two rapid AddItem calls for the same
// product from racing their read-modify-write and silently dropping an
// increment.
type MutationQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []*queueTask
	closed bool
	wg     sync.WaitGroup
}

type queueTask struct {
	ctx  context.Context
	op   cart.PendingOperation
	fn   func(context.Context) error
	done chan error
}

// NewMutationQueue creates a queue and starts its single worker.
func NewMutationQueue() *MutationQueue {
	q := &MutationQueue{}
	q.cond = sync.NewCond(&q.mu)
	q.wg.Add(1)
	go q.run()
	return q
}

// Do enqueues the operation and blocks until it has run, returning its error.
// The enqueue time is stamped on entry. If the caller's context is done before
// the mutation starts, the mutation is abandoned and the context error
// returned; once started, a mutation always runs to completion.
func (q *MutationQueue) Do(ctx context.Context, op cart.PendingOperation, fn func(context.Context) error) error {
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = time.Now().UTC()
	}
	task := &queueTask{ctx: ctx, op: op, fn: fn, done: make(chan error, 1)}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return context.Canceled
	}
	q.tasks = append(q.tasks, task)
	q.cond.Signal()
	q.mu.Unlock()

	return <-task.done
}

// Pending snapshots the operations waiting to run, in execution order.
func (q *MutationQueue) Pending() []cart.PendingOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	ops := make([]cart.PendingOperation, 0, len(q.tasks))
	for _, task := range q.tasks {
		ops = append(ops, task.op)
	}
	return ops
}

// run is the single worker: dequeue, execute, report, repeat.
func (q *MutationQueue) run() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		for len(q.tasks) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.tasks) == 0 && q.closed {
			q.mu.Unlock()
			return
		}
		task := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		if err := task.ctx.Err(); err != nil {
			task.done <- err
			continue
		}
		task.done <- task.fn(task.ctx)
	}
}

// Close drains remaining mutations and stops the worker.
func (q *MutationQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Signal()
	q.mu.Unlock()
	q.wg.Wait()
}
