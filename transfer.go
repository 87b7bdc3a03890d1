package usbcore

import (
	"runtime"
	"unsafe"
)

// TransferCallback is invoked by the completion worker (or, for
// synchronous transfers, never — the caller observes completion via
// Wait instead).
type TransferCallback func(t *Transfer)

// ioAlignment is the platform I/O alignment submit() enforces on
// transfer buffers (spec §4.1 step 2, §8 "Boundary behaviors"). Real
// kernel-mode cores take this from the DMA/cache-line width of the
// platform; a software core has no such constraint, but the check is
// part of the contract client drivers are written against, so it is
// kept as a conservative 8-byte constant.
const ioAlignment = 8

// privateFlags mirrors spec §4.1's "private flags (synchronous)".
type privateFlags uint8

const (
	flagSynchronous privateFlags = 1 << iota
	flagPagingDevice
)

// Transfer is the central state-bearing object of spec §3.
type Transfer struct {
	Device   *Device
	Endpoint *Endpoint

	Buffer             []byte
	BufferActualLength int
	Length             int
	Direction          Direction
	MaxTransferSize    int

	Callback TransferCallback
	UserData any

	Status           TransferErrorKind
	BytesTransferred int

	ctx   TransferContext // opaque controller context
	state transferState
	refs  refcount
	ev    *event

	private privateFlags

	// Intrusive list links, matching spec §3's "completion-list link,
	// device-list link" fields rather than a separately-allocated node.
	deviceNext, devicePrev *Transfer
	completionNext         *Transfer
}

// AllocateTransfer implements spec §4.1 allocate_transfer: takes a device
// reference, resolves the endpoint, and asks the controller to allocate
// its per-transfer context. The device lock guards against allocating
// onto an already-disconnected device.
func AllocateTransfer(device *Device, endpointNumber uint8, direction Direction, maxSize int) (*Transfer, error) {
	device.addRef()

	ep, ok := device.endpoints.lookup(endpointNumber, direction)
	if !ok {
		device.release()
		return nil, ErrInvalidParameter
	}
	ep.addRef()

	t := &Transfer{
		Device:          device,
		Endpoint:        ep,
		MaxTransferSize: maxSize,
		state:           newTransferState(StateInactive),
		refs:            newRefcount(),
		ev:              newEvent(),
	}

	device.mu.Lock()
	if !device.connected.v {
		device.mu.Unlock()
		ep.release(device.controller.ops)
		device.release()
		return nil, ErrDeviceNotConnected
	}
	ctx, err := device.controller.ops.CreateTransfer(t)
	if err != nil {
		device.mu.Unlock()
		ep.release(device.controller.ops)
		device.release()
		return nil, err
	}
	t.ctx = ctx
	if endpointNumber == 0 && device.defaultEP == nil {
		device.defaultEP = ep
	}
	device.mu.Unlock()

	device.linkTransfer(t)
	return t, nil
}

func (t *Transfer) addRef() {
	t.refs.add()
}

// destroy is called once the reference count falls to zero while the
// transfer is Inactive (spec §4.1 "Reference counting").
func (t *Transfer) destroy() {
	if t.state.load() != StateInactive {
		fatalf(t, t.state.load(), "transfer destroyed while not Inactive")
	}
	if t.completionNext != nil {
		fatalf(t, t.state.load(), "transfer destroyed with non-nil completion-list link")
	}
	t.Device.unlinkTransfer(t)
	t.Device.controller.ops.DestroyTransfer(t.ctx)
	t.Endpoint.release(t.Device.controller.ops)
	t.Device.release()
}

// release drops a reference, destroying the transfer when it reaches
// zero and the transfer is quiesced.
func (t *Transfer) release() {
	if t.refs.release() {
		t.destroy()
	}
}

// validate implements spec §4.1 step 2's required-field checks, reported
// as ErrorIncorrectlyFilledOut (spec §8 "Boundary behaviors").
func (t *Transfer) validate(async bool) error {
	if t.Length == 0 {
		t.Status = ErrorIncorrectlyFilledOut
		return ErrInvalidParameter
	}
	if t.MaxTransferSize > 0 && t.Length > t.MaxTransferSize {
		t.Status = ErrorIncorrectlyFilledOut
		return ErrInvalidParameter
	}
	if t.Buffer == nil {
		t.Status = ErrorIncorrectlyFilledOut
		return ErrInvalidParameter
	}
	if t.BufferActualLength < t.Length {
		t.Status = ErrorIncorrectlyFilledOut
		return ErrInvalidParameter
	}
	if t.Direction != DirectionIn && t.Direction != DirectionOut && t.Direction != DirectionBidirectional {
		t.Status = ErrorIncorrectlyFilledOut
		return ErrInvalidParameter
	}
	if uintptr(unsafe.Pointer(&t.Buffer[0]))%ioAlignment != 0 {
		t.Status = ErrorIncorrectlyFilledOut
		return ErrInvalidParameter
	}
	if async && t.Callback == nil {
		t.Status = ErrorIncorrectlyFilledOut
		return ErrInvalidParameter
	}
	return nil
}

// flushForSubmit performs the cache-flush step of spec §4.1 step 3. A
// software core has no cache to flush; the direction-dependent call
// sites are kept (rather than collapsed into a no-op) so a future
// controller backed by real DMA memory has the correct hook to extend.
func (t *Transfer) flushForSubmit() {
	switch {
	case t.Endpoint.epType == EndpointTypeControl:
		flushBuffer(t.Buffer) // setup is always written: flush both directions
	case t.Direction == DirectionOut:
		flushBuffer(t.Buffer)
	case t.Direction == DirectionIn:
		invalidateBuffer(t.Buffer)
	}
}

func (t *Transfer) flushForCompletion() {
	if t.Direction == DirectionIn || t.Endpoint.epType == EndpointTypeControl {
		invalidateBuffer(t.Buffer)
	}
}

func flushBuffer(buf []byte)      {}
func invalidateBuffer(buf []byte) {}

// Submit implements spec §4.1 "Submission". polled bypasses the device
// lock and hands the transfer to the controller's optional
// PolledSubmitter (spec §9 "Polled mode path"); it does not bypass the
// completion queue: an asynchronous polled transfer still completes
// through complete(), which enqueues it like any other.
func (t *Transfer) Submit(synchronous bool, pagingDevice bool, polled bool) error {
	t.addRef()

	async := !synchronous
	if err := t.validate(async); err != nil {
		t.refs.release()
		return err
	}

	if synchronous {
		t.private |= flagSynchronous
	}
	if pagingDevice {
		t.private |= flagPagingDevice
	}

	t.flushForSubmit()

	if !polled {
		t.Device.mu.Lock()
		if !t.Device.connected.v {
			t.Device.mu.Unlock()
			t.refs.release()
			return ErrDeviceNotConnected
		}
	}

	switch {
	case t.state.tryTransition(StateInCallback, StateActive):
	case t.state.tryTransition(StateInactive, StateActive):
	case t.state.load() == StateActive:
		// spec §4.1 step 2: a transfer already Active is rejected, not
		// crashed — §7 reserves DoubleSubmitted for exactly this.
		if !polled {
			t.Device.mu.Unlock()
		}
		t.Status = ErrorDoubleSubmitted
		t.refs.release()
		return ErrBusy
	default:
		if !polled {
			t.Device.mu.Unlock()
		}
		cur := t.state.load()
		t.refs.release()
		fatalf(t, cur, "submit observed transfer in state %s (expected Inactive or InCallback)", cur)
		return nil // unreachable; fatalf panics
	}

	if !polled {
		t.Device.mu.Unlock()
	}

	var err error
	if polled {
		err = t.Device.controller.submitTransferPolled(t)
	} else {
		err = t.Device.controller.ops.SubmitTransfer(t)
	}
	if err != nil {
		t.state.store(StateInactive)
		t.Status = ErrorFailedToSubmit
		t.refs.release()
		return err
	}
	return nil
}

// Complete is the entry point a host controller driver calls, at
// dispatch level, once it has filled in Status and BytesTransferred for
// a finished transfer (spec §4.1 "Completion"). It is the other half of
// the HostControllerOps contract: SubmitTransfer hands a transfer to
// the driver, Complete is how the driver hands it back.
func (t *Transfer) Complete() {
	t.complete()
}

func (t *Transfer) complete() {
	t.flushForCompletion()

	if t.private&flagSynchronous != 0 {
		if !t.state.tryTransition(StateActive, StateInactive) {
			fatalf(t, t.state.load(), "synchronous completion observed transfer not Active")
		}
		t.ev.signal()
		t.refs.release()
		return
	}

	q := t.completionQueueFor()
	wasEmpty := q.enqueue(t)
	if wasEmpty {
		q.scheduleWorker()
	}
}

func (t *Transfer) completionQueueFor() *completionQueue {
	if t.private&flagPagingDevice != 0 {
		return t.Device.controller.pagingQueue
	}
	return t.Device.controller.queue
}

// runCallback is the completion worker's per-entry body (spec §4.1
// "Completion worker"): transition to InCallback, null the link, invoke
// the callback, transition back to Inactive (a no-op if the callback
// resubmitted), release the reference.
func (t *Transfer) runCallback() {
	if !t.state.tryTransition(StateActive, StateInCallback) {
		fatalf(t, t.state.load(), "completion worker observed transfer not Active")
	}
	t.completionNext = nil

	if t.Callback != nil {
		t.Callback(t)
	}

	// This cmpxchg is the synchronization point with resubmission from
	// within the callback (spec §5, §8 S4): if the callback called
	// Submit, the state is already Active and this call is a harmless
	// no-op that loses the race on purpose.
	t.state.tryTransition(StateInCallback, StateInactive)
	t.refs.release()
}

// Cancel implements spec §4.1 "Cancellation".
func (t *Transfer) Cancel(wait bool) error {
	if t.state.load() == StateInactive {
		return ErrTooEarly
	}

	err := t.Device.controller.ops.CancelTransfer(t)

	if wait {
		for t.state.load() != StateInactive {
			runtime.Gosched()
		}
	}
	return err
}

// State returns the current state word, primarily for tests and
// diagnostics.
func (t *Transfer) State() TransferState {
	return t.state.load()
}

// Release drops the allocator's own reference to t (spec §4.1 "Reference
// counting": the transfer is destroyed once every reference, including
// this one, is gone and the state is Inactive). Callers that allocate a
// one-shot transfer (enumeration's control requests, a class driver
// tearing down an interface) call this once they are done submitting it;
// a transfer meant to live for the device's lifetime, like a hub's
// persistent control or interrupt transfer, is simply never released.
func (t *Transfer) Release() {
	t.release()
}

// SubmitSync submits the transfer synchronously and blocks until it
// completes, returning its terminal status. This is the convenience
// wrapper every synchronous caller (hub control transfers, test helpers)
// uses instead of manually pairing Submit(true, ...) with ev.wait().
func (t *Transfer) SubmitSync() error {
	if err := t.Submit(true, false, false); err != nil {
		return err
	}
	t.ev.wait()
	if t.Status != ErrorNone {
		return newTransferStatusError(t.Status)
	}
	return nil
}

func newTransferStatusError(k TransferErrorKind) error {
	return &transferStatusError{kind: k}
}

type transferStatusError struct{ kind TransferErrorKind }

func (e *transferStatusError) Error() string { return "transfer failed: " + e.kind.String() }
