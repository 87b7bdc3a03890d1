package usbcore

import "sync/atomic"

// TransferState is the four-valued state word of spec §3/§4.1/§9. It
// replaces the branchy boolean flags the teacher's AsyncTransfer used
// (status + a separate completed channel) with a proper tagged enum whose
// transitions are the only way the rest of the engine is allowed to
// observe or change a transfer's lifecycle phase.
type TransferState int32

const (
	StateInvalid TransferState = iota
	StateInactive
	StateActive
	StateInCallback
)

func (s TransferState) String() string {
	switch s {
	case StateInvalid:
		return "Invalid"
	case StateInactive:
		return "Inactive"
	case StateActive:
		return "Active"
	case StateInCallback:
		return "InCallback"
	default:
		return "Unknown"
	}
}

// transferState wraps an atomic.Int32 with the compare-and-swap helper
// spec §9 asks implementers to use instead of open-coded cmpxchgs.
type transferState struct {
	v atomic.Int32
}

func newTransferState(initial TransferState) transferState {
	var s transferState
	s.v.Store(int32(initial))
	return s
}

func (s *transferState) load() TransferState {
	return TransferState(s.v.Load())
}

// tryTransition atomically moves the state from `from` to `to`, reporting
// whether it succeeded. A failed transition means the state was something
// other than `from` at the moment of the attempt; callers decide whether
// that is an expected race (resubmission from within the callback) or a
// fatal invariant violation (§7).
func (s *transferState) tryTransition(from, to TransferState) bool {
	return s.v.CompareAndSwap(int32(from), int32(to))
}

func (s *transferState) store(to TransferState) {
	s.v.Store(int32(to))
}

// event is the binary event a synchronous submit or control transfer
// blocks on (spec §5 "Suspension points"). It is distinct from the
// completion queue's async path: exactly one signal is expected per
// submit/wait pair, so Signal is a non-blocking send and Wait consumes
// it.
type event struct {
	ch chan struct{}
}

func newEvent() *event {
	return &event{ch: make(chan struct{}, 1)}
}

// signal wakes a pending Wait. It never blocks: if nobody is waiting yet
// the signal is buffered for the next Wait call.
func (e *event) signal() {
	select {
	case e.ch <- struct{}{}:
	default:
	}
}

func (e *event) wait() {
	<-e.ch
}
