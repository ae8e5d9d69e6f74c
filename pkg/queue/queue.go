package queue

import (
	"sync"
	"time"
)

// TaskQueue is an in-memory set of named FIFO queues with per-reference
// visibility deadlines. A dequeued reference stays invisible until it is
// acked, nacked, or its visibility window expires, at which point it is
// redelivered at the front of its queue.
//
// The queue is an advisory dispatcher: losing or duplicating a reference is
// safe because the store's ClaimTask provides the exactly-one-claim
// guarantee, and the orphan sweeper re-enqueues anything that fell through.
type TaskQueue struct {
	mu         sync.Mutex
	cond       *sync.Cond
	visibility time.Duration
	ready      map[string][]TaskRef
	inflight   map[string]*time.Timer // task_id → visibility timer
	closed     bool
}

// NewTaskQueue creates a queue with the given visibility window.
func NewTaskQueue(visibility time.Duration) *TaskQueue {
	q := &TaskQueue{
		visibility: visibility,
		ready:      make(map[string][]TaskRef),
		inflight:   make(map[string]*time.Timer),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends the reference to its queue and wakes blocked consumers.
// One cond covers all queues, so the wakeup must be a broadcast: a Signal
// can land on a consumer waiting for a different queue, which re-checks its
// own queue and goes back to sleep, swallowing the wakeup.
func (q *TaskQueue) Enqueue(ref TaskRef) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.ready[ref.Queue] = append(q.ready[ref.Queue], ref)
	q.cond.Broadcast()
	return nil
}

// Dequeue blocks up to timeout for a reference on the named queue. The
// returned reference carries a visibility deadline; the caller must Ack or
// Nack it before the deadline or it is redelivered.
func (q *TaskQueue) Dequeue(name string, timeout time.Duration) (TaskRef, error) {
	deadline := time.Now().Add(timeout)
	// Wait is only interruptible by a broadcast, so arrange one at the
	// deadline.
	wake := time.AfterFunc(timeout, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer wake.Stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.closed {
			return TaskRef{}, ErrQueueClosed
		}
		if refs := q.ready[name]; len(refs) > 0 {
			ref := refs[0]
			q.ready[name] = refs[1:]
			q.beginVisibility(ref)
			return ref, nil
		}
		if !time.Now().Before(deadline) {
			return TaskRef{}, ErrNoTasks
		}
		q.cond.Wait()
	}
}

// Ack removes the in-flight reference. Idempotent; acking an unknown or
// already-redelivered reference is a no-op.
func (q *TaskQueue) Ack(ref TaskRef) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.clearVisibility(ref.TaskID)
}

// Nack returns the reference to its queue after delay. A non-positive delay
// re-enqueues immediately.
func (q *TaskQueue) Nack(ref TaskRef, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.clearVisibility(ref.TaskID)
	if q.closed {
		return
	}
	if delay <= 0 {
		q.ready[ref.Queue] = append(q.ready[ref.Queue], ref)
		q.cond.Broadcast()
		return
	}
	time.AfterFunc(delay, func() {
		_ = q.Enqueue(ref)
	})
}

// Depth returns the number of ready references on the named queue.
func (q *TaskQueue) Depth(name string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready[name])
}

// Close wakes all consumers and rejects further use.
func (q *TaskQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for id, timer := range q.inflight {
		timer.Stop()
		delete(q.inflight, id)
	}
	q.cond.Broadcast()
}

// beginVisibility starts the redelivery timer for a dequeued reference.
// Caller holds q.mu.
func (q *TaskQueue) beginVisibility(ref TaskRef) {
	q.inflight[ref.TaskID] = time.AfterFunc(q.visibility, func() {
		q.redeliver(ref)
	})
}

// clearVisibility stops and forgets the reference's redelivery timer.
// Caller holds q.mu.
func (q *TaskQueue) clearVisibility(taskID string) {
	if timer, ok := q.inflight[taskID]; ok {
		timer.Stop()
		delete(q.inflight, taskID)
	}
}

// redeliver puts an expired reference back at the front of its queue so the
// oldest work is retried first.
func (q *TaskQueue) redeliver(ref TaskRef) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[ref.TaskID]; !ok || q.closed {
		return
	}
	delete(q.inflight, ref.TaskID)
	q.ready[ref.Queue] = append([]TaskRef{ref}, q.ready[ref.Queue]...)
	q.cond.Broadcast()
}
