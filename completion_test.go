package usbcore

import (
	"sync"
	"testing"
	"time"
)

// TestCompletionQueueRunsCallbacksInEnqueueOrder exercises spec §5's
// ordering guarantee directly against the queue, bypassing Submit/
// Transfer state transitions so the FIFO property is isolated from the
// rest of the lifecycle.
func TestCompletionQueueRunsCallbacksInEnqueueOrder(t *testing.T) {
	pool := newWorkPool(4)
	q := newCompletionQueue(pool)

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})

	const n = 20
	transfers := make([]*Transfer, n)
	for i := 0; i < n; i++ {
		i := i
		tr := &Transfer{state: newTransferState(StateActive)}
		tr.Callback = func(*Transfer) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			if i == n-1 {
				close(done)
			}
		}
		transfers[i] = tr
	}

	for _, tr := range transfers {
		wasEmpty := q.enqueue(tr)
		if wasEmpty {
			q.scheduleWorker()
		}
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("not all callbacks ran")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != n {
		t.Fatalf("want %d callbacks, got %d", n, len(order))
	}
	for i, got := range order {
		if got != i {
			t.Fatalf("want FIFO order, position %d has transfer %d", i, got)
		}
	}
}

func TestCompletionQueueSchedulesWorkerOnceWhilePending(t *testing.T) {
	pool := newWorkPool(4)
	q := newCompletionQueue(pool)

	block := make(chan struct{})
	first := &Transfer{state: newTransferState(StateActive)}
	first.Callback = func(*Transfer) { <-block }

	if wasEmpty := q.enqueue(first); !wasEmpty {
		t.Fatal("want the first enqueue to observe an empty list")
	}
	q.scheduleWorker()

	second := &Transfer{state: newTransferState(StateActive)}
	done := make(chan struct{})
	second.Callback = func(*Transfer) { close(done) }

	// The running worker may already have swept the (now empty) pending
	// list into its local one before this enqueue runs, so wasEmpty here
	// is racy and not itself meaningful; what matters is that
	// scheduleWorker never starts a second concurrent drain; drain's own
	// re-check loop is what guarantees `second` still gets swept.
	q.enqueue(second)
	q.scheduleWorker()

	close(block)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second transfer's callback never ran")
	}
}
