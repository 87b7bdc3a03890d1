package usbcore

import (
	"sync"

	"golang.org/x/sync/errgroup"
)

// Speed is the USB connection speed cached on a port or device.
// Grounded on ardnew-softusb/host/constants.go's Speed enum idiom.
type Speed uint8

const (
	SpeedLow Speed = iota
	SpeedFull
	SpeedHigh
)

func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "low"
	case SpeedFull:
		return "full"
	case SpeedHigh:
		return "high"
	default:
		return "unknown"
	}
}

// Device represents a USB device, including root hubs (spec §3). The
// parent hub holds the strong reference in its child list; every
// outstanding transfer holds one more.
type Device struct {
	Address uint8
	Speed   Speed

	controller *Controller
	endpoints  *endpointRegistry
	defaultEP  *Endpoint

	configs []*ConfigDescriptor
	active  *ConfigDescriptor

	hub *Hub // non-nil iff this device is itself a hub

	connected boolState
	refs      refcount

	// mu is "the device lock" of spec §4.1: it protects Connected and
	// the transfer list together, so that a disconnect observed under
	// lock is never racing a list mutation.
	mu            sync.Mutex
	transferHead  *Transfer
	transferTail  *Transfer
	transferCount int
}

// boolState is a tiny flag guarded by the device lock; spec §3 requires
// Connected to transition true→false exactly once and be observable
// under the device lock, which is what every call site here does.
type boolState struct {
	v bool
}

func newDevice(controller *Controller, address uint8, speed Speed) *Device {
	d := &Device{
		Address:    address,
		Speed:      speed,
		controller: controller,
		endpoints:  newEndpointRegistry(),
		refs:       newRefcount(),
	}
	d.connected.v = true
	return d
}

// Connected reports the current connection flag (spec §3 invariant: once
// cleared it never becomes true again).
func (d *Device) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected.v
}

// IsHub reports whether this device is itself a hub.
func (d *Device) IsHub() bool {
	return d.hub != nil
}

// SetConfigurations records a device's parsed configuration descriptors and
// marks one of them active, the result of enumeration's GET_DESCRIPTOR and
// SET_CONFIGURATION exchange (spec §1 "out of scope: enumeration proper").
// CreateHub reads ActiveConfig back out to find the hub's sole interface
// and interrupt-IN endpoint.
func (d *Device) SetConfigurations(configs []*ConfigDescriptor, active *ConfigDescriptor) {
	d.configs = configs
	d.active = active
}

// ActiveConfig returns the configuration descriptor set active by
// SetConfigurations, or nil before enumeration has run.
func (d *Device) ActiveConfig() *ConfigDescriptor {
	return d.active
}

// Configs returns every configuration descriptor fetched during
// enumeration.
func (d *Device) Configs() []*ConfigDescriptor {
	return d.configs
}

// Hub returns the hub state attached to this device, or nil.
func (d *Device) Hub() *Hub {
	return d.hub
}

func (d *Device) addRef() {
	d.refs.add()
}

// release drops a reference; a device has no controller-side teardown of
// its own (unlike Endpoint/Transfer) — once every transfer and every
// parent's child-list reference is gone it is simply eligible for the GC,
// per spec §9's ownership discussion.
func (d *Device) release() {
	d.refs.release()
}

// disconnect clears Connected (exactly once) and returns the previous
// value, so that the hub worker which first observes the transition is
// the one that drives cancel-all.
func (d *Device) disconnect() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	was := d.connected.v
	d.connected.v = false
	return was
}

// linkTransfer inserts t into the device's transfer list under the
// device lock (spec §4.1 allocate_transfer).
func (d *Device) linkTransfer(t *Transfer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t.devicePrev = d.transferTail
	t.deviceNext = nil
	if d.transferTail != nil {
		d.transferTail.deviceNext = t
	} else {
		d.transferHead = t
	}
	d.transferTail = t
	d.transferCount++
}

// unlinkTransfer removes t from the device's transfer list under the
// device lock (spec §4.1 destruction).
func (d *Device) unlinkTransfer(t *Transfer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t.devicePrev != nil {
		t.devicePrev.deviceNext = t.deviceNext
	} else if d.transferHead == t {
		d.transferHead = t.deviceNext
	}
	if t.deviceNext != nil {
		t.deviceNext.devicePrev = t.devicePrev
	} else if d.transferTail == t {
		d.transferTail = t.devicePrev
	}
	t.deviceNext, t.devicePrev = nil, nil
	d.transferCount--
}

// snapshotTransfers takes a reference on every transfer currently linked
// to the device and returns them, per spec §4.1 "Cancel-all": "take a
// reference on every transfer in the device's list (under lock), drop
// the lock". Splitting the reference-taking from cancellation prevents
// the list from being mutated while cancel runs.
func (d *Device) snapshotTransfers() []*Transfer {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Transfer, 0, d.transferCount)
	for t := d.transferHead; t != nil; t = t.deviceNext {
		t.addRef()
		out = append(out, t)
	}
	return out
}

// Disconnect implements spec §3/§4.1's disconnect sequence: clear
// Connected exactly once, then cancel and drain every outstanding
// transfer (spec §4.1 "Cancel-all (on device disconnect)", §8 S6). It is
// a no-op if the device was already disconnected.
func (d *Device) Disconnect() {
	if !d.disconnect() {
		return
	}
	d.CancelAllTransfers()
	d.controller.removeDevice(d)
}

// CancelAllTransfers implements spec §4.1 "Cancel-all": take a reference
// on every transfer under lock, drop the lock, then cancel-and-wait each
// one concurrently (bounded by an errgroup, grounded on SPEC_FULL.md's
// wiring of the teacher's unused golang.org/x/sync dependency) before
// releasing every reference.
func (d *Device) CancelAllTransfers() {
	transfers := d.snapshotTransfers()

	var g errgroup.Group
	g.SetLimit(8)
	for _, t := range transfers {
		t := t
		g.Go(func() error {
			err := t.Cancel(true)
			// TooEarly/TooLate are not errors at the spec level
			// (spec §5 "Cancellation semantics"); any other error
			// from the controller is not actionable here either —
			// the transfer is being torn down regardless.
			_ = err
			t.release()
			return nil
		})
	}
	g.Wait()
}
