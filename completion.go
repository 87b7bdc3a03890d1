package usbcore

import "sync"

// completionQueue is the bridge between dispatch-level completion and
// low-level callback invocation (spec §4.1 "Completion"/"Completion
// worker", §5 "The engine never calls user callbacks at dispatch").
//
// mu stands in for the dispatch-level spinlock of spec §5
// ("hardware-module lock"): on real kernel-mode hardware this would be a
// non-sleeping spinlock raised to dispatch level; sync.Mutex is the
// direct equivalent on a threaded Go runtime, which is how the teacher
// guards every piece of shared state (transfer.go, async.go, device.go
// all use plain sync.Mutex/RWMutex rather than anything fancier).
type completionQueue struct {
	mu      sync.Mutex
	head    *Transfer
	tail    *Transfer
	pending bool // true while a worker has been scheduled but not yet drained the list

	pool *workPool // nil for a dedicated (non-pooled) queue
}

// newCompletionQueue creates a queue whose worker runs on the given
// shared pool. Passing a nil pool means the queue dispatches its own
// dedicated goroutine per wake, used for the paging-device queue so it
// never contends for the shared pool's slots (spec §4.1: "a dedicated
// completion queue whose work queue is private, to avoid deadlock with
// the page-cache path in low-memory conditions").
func newCompletionQueue(pool *workPool) *completionQueue {
	return &completionQueue{pool: pool}
}

// enqueue appends t to the pending list and reports whether the list was
// previously empty — the work-item edge of spec §5 "Ordering
// guarantees": "if the list is empty, the inserter queues the worker;
// otherwise the existing worker will sweep the new item before
// declaring the queue empty."
func (q *completionQueue) enqueue(t *Transfer) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	wasEmpty := q.head == nil
	if q.tail != nil {
		q.tail.completionNext = t
	} else {
		q.head = t
	}
	q.tail = t
	t.completionNext = nil
	return wasEmpty
}

// take atomically swaps the pending list out for draining, per spec
// §4.1 "Completion worker": "Atomically moves the list out to a local
// list under the spinlock".
func (q *completionQueue) take() *Transfer {
	q.mu.Lock()
	defer q.mu.Unlock()
	head := q.head
	q.head, q.tail = nil, nil
	return head
}

func (q *completionQueue) isEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.head == nil
}

// scheduleWorker arranges for drain to run exactly once more; it is a
// no-op if a worker is already scheduled (the running worker is
// guaranteed to re-check the list before declaring itself done, see
// drain).
func (q *completionQueue) scheduleWorker() {
	q.mu.Lock()
	if q.pending {
		q.mu.Unlock()
		return
	}
	q.pending = true
	q.mu.Unlock()

	if q.pool != nil {
		q.pool.Go(q.drain)
	} else {
		go q.drain()
	}
}

// drain is the completion worker body: sweep the list, run every
// transfer's callback, and keep sweeping until the list is observed
// empty while still holding the "pending" claim.
func (q *completionQueue) drain() {
	for {
		list := q.take()
		for list != nil {
			next := list.completionNext
			list.runCallback()
			list = next
		}

		q.mu.Lock()
		if q.head == nil {
			q.pending = false
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()
	}
}
