package usbcore

import (
	"testing"
	"time"
)

// stubOps is a minimal HostControllerOps used by the lifecycle tests in
// this package: every hook is a small configurable function so each test
// only overrides the one behavior it is exercising, in the teacher's
// table-driven testing style (config_test.go, usb_test.go).
type stubOps struct {
	submitErr     error
	onSubmit      func(t *Transfer)
	onCancel      func(t *Transfer) error
	rootPortCount int
}

func (s *stubOps) CreateEndpoint(device *Device, desc EndpointDescriptor) (EndpointContext, error) {
	return struct{}{}, nil
}
func (s *stubOps) DestroyEndpoint(ctx EndpointContext)       {}
func (s *stubOps) ResetEndpoint(ctx EndpointContext) error   { return nil }
func (s *stubOps) CreateTransfer(t *Transfer) (TransferContext, error) {
	return struct{}{}, nil
}
func (s *stubOps) DestroyTransfer(ctx TransferContext) {}

func (s *stubOps) SubmitTransfer(t *Transfer) error {
	if s.submitErr != nil {
		return s.submitErr
	}
	if s.onSubmit != nil {
		s.onSubmit(t)
		return nil
	}
	go func() {
		t.Status = ErrorNone
		t.BytesTransferred = t.Length
		t.complete()
	}()
	return nil
}

func (s *stubOps) CancelTransfer(t *Transfer) error {
	if s.onCancel != nil {
		return s.onCancel(t)
	}
	t.Status = ErrorCancelled
	t.BytesTransferred = 0
	t.complete()
	return nil
}

func (s *stubOps) GetRootHubStatus(hub *Hub) error { return nil }
func (s *stubOps) SetRootHubStatus(hub *Hub) error { return nil }
func (s *stubOps) RootHubPortCount() int           { return s.rootPortCount }

func newTestDevice(t *testing.T, ops HostControllerOps) *Device {
	t.Helper()
	c := NewController(ops, ControllerInfo{Name: "test"}, 4)
	return c.AllocateDevice(SpeedHigh)
}

func submittableTransfer(t *testing.T, d *Device, size int) *Transfer {
	t.Helper()
	tr, err := AllocateTransfer(d, 0, DirectionBidirectional, size)
	if err != nil {
		t.Fatalf("AllocateTransfer: %v", err)
	}
	tr.Buffer = make([]byte, size)
	tr.BufferActualLength = size
	tr.Length = size
	tr.Direction = DirectionBidirectional
	return tr
}

func TestAllocateTransferClaimsControlEndpoint(t *testing.T) {
	d := newTestDevice(t, &stubOps{})
	tr, err := AllocateTransfer(d, 0, DirectionBidirectional, 16)
	if err != nil {
		t.Fatalf("AllocateTransfer: %v", err)
	}
	defer tr.Release()

	if got := tr.State(); got != StateInactive {
		t.Fatalf("want Inactive after allocation, got %s", got)
	}
}

func TestAllocateTransferUnknownEndpointFails(t *testing.T) {
	d := newTestDevice(t, &stubOps{})
	if _, err := AllocateTransfer(d, 5, DirectionIn, 16); err != ErrInvalidParameter {
		t.Fatalf("want ErrInvalidParameter, got %v", err)
	}
}

func TestAllocateTransferAfterDisconnectFails(t *testing.T) {
	d := newTestDevice(t, &stubOps{})
	d.Disconnect()
	if _, err := AllocateTransfer(d, 0, DirectionBidirectional, 16); err != ErrDeviceNotConnected {
		t.Fatalf("want ErrDeviceNotConnected, got %v", err)
	}
}

func TestSubmitSyncRoundTrip(t *testing.T) {
	d := newTestDevice(t, &stubOps{})
	tr := submittableTransfer(t, d, 8)
	defer tr.Release()

	if err := tr.SubmitSync(); err != nil {
		t.Fatalf("SubmitSync: %v", err)
	}
	if got := tr.State(); got != StateInactive {
		t.Fatalf("want Inactive after completion, got %s", got)
	}
}

func TestSubmitSyncReturnsTransferError(t *testing.T) {
	ops := &stubOps{onSubmit: func(t *Transfer) {
		go func() {
			t.Status = ErrorStalled
			t.BytesTransferred = 0
			t.complete()
		}()
	}}
	d := newTestDevice(t, ops)
	tr := submittableTransfer(t, d, 8)
	defer tr.Release()

	err := tr.SubmitSync()
	if err == nil {
		t.Fatal("want a transfer-status error, got nil")
	}
}

func TestAsyncCompletionRunsCallbackOffDispatch(t *testing.T) {
	d := newTestDevice(t, &stubOps{})
	tr := submittableTransfer(t, d, 8)
	defer tr.Release()

	done := make(chan struct{})
	tr.Callback = func(t *Transfer) { close(done) }

	if err := tr.Submit(false, false, false); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback never ran")
	}
	if got := tr.State(); got != StateInactive {
		t.Fatalf("want Inactive after callback, got %s", got)
	}
}

func TestResubmitFromWithinCallbackWinsRace(t *testing.T) {
	d := newTestDevice(t, &stubOps{})
	tr := submittableTransfer(t, d, 8)
	defer tr.Release()

	var calls int
	done := make(chan struct{})
	tr.Callback = func(xfer *Transfer) {
		calls++
		if calls == 1 {
			if err := xfer.Submit(false, false, false); err != nil {
				t.Errorf("resubmit from callback: %v", err)
			}
			return
		}
		close(done)
	}

	if err := tr.Submit(false, false, false); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second completion never ran")
	}
	if calls != 2 {
		t.Fatalf("want 2 callback invocations, got %d", calls)
	}
}

func TestCancelTooEarly(t *testing.T) {
	d := newTestDevice(t, &stubOps{})
	tr := submittableTransfer(t, d, 8)
	defer tr.Release()

	if err := tr.Cancel(false); err != ErrTooEarly {
		t.Fatalf("want ErrTooEarly, got %v", err)
	}
}

func TestCancelWaitsForInactive(t *testing.T) {
	ops := &stubOps{onSubmit: func(t *Transfer) {}} // left outstanding until cancelled
	d := newTestDevice(t, ops)
	tr := submittableTransfer(t, d, 8)
	defer tr.Release()
	tr.Callback = func(t *Transfer) {}

	if err := tr.Submit(false, false, false); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := tr.Cancel(true); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got := tr.State(); got != StateInactive {
		t.Fatalf("want Inactive after cancel, got %s", got)
	}
}

func TestDisconnectCancelsAllOutstandingTransfers(t *testing.T) {
	ops := &stubOps{onSubmit: func(t *Transfer) {}}
	d := newTestDevice(t, ops)

	const n = 4
	var transfers [n]*Transfer
	for i := range transfers {
		tr := submittableTransfer(t, d, 8)
		tr.Callback = func(t *Transfer) {}
		if err := tr.Submit(false, false, false); err != nil {
			t.Fatalf("Submit: %v", err)
		}
		transfers[i] = tr
	}

	d.Disconnect()

	for i, tr := range transfers {
		if got := tr.State(); got != StateInactive {
			t.Fatalf("transfer %d: want Inactive after disconnect, got %s", i, got)
		}
		tr.Release()
	}
	if d.Connected() {
		t.Fatal("device still reports connected after Disconnect")
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	d := newTestDevice(t, &stubOps{})
	d.Disconnect()
	d.Disconnect() // must not panic or double-cancel
	if d.Connected() {
		t.Fatal("device still reports connected")
	}
}

func TestDoubleSubmitIsRejected(t *testing.T) {
	ops := &stubOps{onSubmit: func(t *Transfer) {}} // never completes on its own
	d := newTestDevice(t, ops)
	tr := submittableTransfer(t, d, 8)
	tr.Callback = func(t *Transfer) {}

	if err := tr.Submit(false, false, false); err != nil {
		t.Fatalf("first Submit: %v", err)
	}

	if err := tr.Submit(false, false, false); err != ErrBusy {
		t.Fatalf("want ErrBusy on double submit, got %v", err)
	}
	if tr.Status != ErrorDoubleSubmitted {
		t.Fatalf("want status DoubleSubmitted, got %s", tr.Status)
	}
}
