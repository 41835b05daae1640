package sagaflow

import (
	"context"
	"encoding/json"
	"sync"
)

// WorkItemKind distinguishes between work item kinds.
type WorkItemKind int

const (
	// OrchestrationWork asks the engine to run a decision pass: something new
	// happened for the instance, go decide next steps.
	OrchestrationWork WorkItemKind = iota + 1
	// ActivityWork asks the worker pool to execute one activity attempt.
	ActivityWork
)

// WorkItem is one unit of deliverable work. Orchestration items carry only
// the instance id; activity items additionally identify the scheduled task.
type WorkItem struct {
	Kind       WorkItemKind
	InstanceID string
	TaskID     int64
	Activity   string
	Input      json.RawMessage
	Attempt    int
}

// WorkQueue is an at-least-once, in-process delivery queue.
//
// The queue is unbounded so a decision pass can enqueue arbitrarily many
// follow-up items without blocking. A dequeued item stays in an in-flight set
// until the consumer calls Complete; Abandon requeues it, which is how a
// consumer that failed between dequeue and the corresponding history append
// gets the item redelivered.
//
// Wakeups are broadcast by closing and replacing the wake channel, so
// consumers of both item kinds observe every Enqueue; a coalesced one-slot
// signal could be stolen by a consumer of the other kind.
type WorkQueue struct {
	mu       sync.Mutex
	items    []*WorkItem
	inflight map[*WorkItem]struct{}
	closed   bool
	wakeCh   chan struct{}
}

// NewWorkQueue creates an empty work queue.
func NewWorkQueue() *WorkQueue {
	return &WorkQueue{
		items:    make([]*WorkItem, 0, 64),
		inflight: make(map[*WorkItem]struct{}),
		wakeCh:   make(chan struct{}),
	}
}

// Enqueue adds an item to the back of the queue.
// Safe to call from any goroutine. Returns ErrQueueClosed after Close.
func (q *WorkQueue) Enqueue(item *WorkItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	q.items = append(q.items, item)
	q.wake()
	return nil
}

// Dequeue removes and returns the oldest item of the given kind, blocking
// until one is available, the queue is closed, or ctx is done. Delivery
// order is FIFO per consumer kind; there is no ordering across kinds. The
// item is tracked as in-flight until Complete or Abandon is called for it.
func (q *WorkQueue) Dequeue(ctx context.Context, kind WorkItemKind) (*WorkItem, error) {
	for {
		q.mu.Lock()
		for i, item := range q.items {
			if item.Kind != kind {
				continue
			}
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.inflight[item] = struct{}{}
			q.mu.Unlock()
			return item, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		wake := q.wakeCh
		q.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Complete acknowledges a delivered item. The item will not be redelivered.
func (q *WorkQueue) Complete(item *WorkItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, item)
}

// Abandon returns a delivered item to the front of the queue for redelivery.
func (q *WorkQueue) Abandon(item *WorkItem) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.inflight[item]; !ok {
		return
	}
	delete(q.inflight, item)
	if q.closed {
		return
	}
	q.items = append([]*WorkItem{item}, q.items...)
	q.wake()
}

// Close stops the queue. Pending Dequeues drain remaining items, then
// return ErrQueueClosed.
func (q *WorkQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.wake()
}

// Len returns the number of queued (not in-flight) items.
func (q *WorkQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// wake broadcasts availability to all blocked Dequeues. Callers hold q.mu.
func (q *WorkQueue) wake() {
	close(q.wakeCh)
	q.wakeCh = make(chan struct{})
}
