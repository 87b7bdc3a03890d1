package usbcore

import (
	"sync"
	"sync/atomic"
)

// EndpointContext and TransferContext are the opaque per-endpoint and
// per-transfer scheduling state a host controller driver allocates
// (spec §6 create_endpoint/create_transfer). The core never looks inside
// them.
type EndpointContext any
type TransferContext any

// HostControllerOps is the operation table a controller driver registers
// (spec §6). It is the Go rendition of "an opaque set of operations they
// provide" — the same shape as device_common.go's DeviceHandleInterface
// in the teacher, generalized from one per-OS userspace handle to the
// kernel-mode table spec.md describes.
type HostControllerOps interface {
	CreateEndpoint(device *Device, desc EndpointDescriptor) (EndpointContext, error)
	DestroyEndpoint(ctx EndpointContext)
	ResetEndpoint(ctx EndpointContext) error

	CreateTransfer(t *Transfer) (TransferContext, error)
	DestroyTransfer(ctx TransferContext)
	SubmitTransfer(t *Transfer) error
	CancelTransfer(t *Transfer) error

	GetRootHubStatus(hub *Hub) error
	SetRootHubStatus(hub *Hub) error
	RootHubPortCount() int
}

// PolledSubmitter is the optional submit_polled operation of spec §6,
// used only when interrupts are disabled during crash-dump writing
// (spec §9 "Polled mode path"). Modeled as a separate interface checked
// with a type assertion rather than a nullable function pointer — the
// idiomatic Go rendition of an optional table entry.
type PolledSubmitter interface {
	SubmitTransferPolled(t *Transfer) error
}

// EndpointFlusher is the optional flush_endpoint operation (spec §6),
// used only in polled mode to busy-wait pending transfers.
type EndpointFlusher interface {
	FlushEndpoint(ctx EndpointContext) error
}

// ControllerInfo identifies a controller at registration time, including
// the debug-handoff data spec §6 "Registration" describes.
type ControllerInfo struct {
	Name          string
	DebugPortType string
	DebugDeviceID uint8 // bus address to reserve, 0 if no debug handoff
}

// Controller is a registered host controller (spec §3 "Host
// controller"): it owns a device list by address, a lock, a transfer
// completion queue, and its root hub.
type Controller struct {
	Info ControllerInfo
	ops  HostControllerOps

	mu      sync.Mutex
	devices map[uint8]*Device

	pool        *workPool
	queue       *completionQueue
	pagingQueue *completionQueue

	RootHub *Device

	// notifyPending coalesces root-hub port-change notifications into a
	// single outstanding work item per controller (spec §4.2 "Root hub
	// port change notification": "guarded by an atomic flag to prevent
	// pile-up while the worker is still running").
	notifyPending atomic.Bool

	// Enumerate, OnTopologyChanged and OnDriverError are the external
	// collaborators spec §1 places out of scope: device enumeration
	// proper, OS device-tree plumbing, and class-driver error reporting.
	// The hub state machine calls them as plain hooks; a real system
	// wires these to its PnP manager.
	Enumerate        EnumerateFunc
	OnTopologyChanged func(parent *Device)
	OnDriverError     func(device *Device, err error)
}

// EnumerateFunc is the device-enumeration collaborator invoked by
// Hub.addDevice once a newly-connected port has been reset (spec §4.2
// "Add device"). It is expected to fetch descriptors, assign the device
// its place in the tree, and return the resulting *Device.
type EnumerateFunc func(parent *Device, port int, speed Speed) (*Device, error)

// NewController constructs a controller around ops without adding it to
// the process-wide registry; tests and the fake-controller demo use this
// directly.
func NewController(ops HostControllerOps, info ControllerInfo, workerLimit int) *Controller {
	pool := newWorkPool(workerLimit)
	c := &Controller{
		Info:    info,
		ops:     ops,
		devices: make(map[uint8]*Device),
		pool:    pool,
	}
	c.queue = newCompletionQueue(pool)
	c.pagingQueue = newCompletionQueue(nil)
	return c
}

// AllocateDevice assigns the next free bus address (spec GLOSSARY "Bus
// address": 1-127, 0 reserved for enumeration) and registers the device,
// honoring a reserved debug-handoff address if one was requested at
// registration. It is the entry point an EnumerateFunc calls once a port
// has reset successfully, before it fetches descriptors and decides
// whether the new device is itself a hub.
func (c *Controller) AllocateDevice(speed Speed) *Device {
	c.mu.Lock()
	addr := c.nextFreeAddressLocked()
	d := newDevice(c, addr, speed)
	c.devices[addr] = d
	c.mu.Unlock()

	// Endpoint 0's control pipe exists from the moment a device has a bus
	// address, before any descriptor has been read (USB 2.0 §9.2.6.3); it
	// is claimed here rather than lazily so that CreateHub and any
	// enumeration routine can allocate a control transfer immediately.
	_, _ = d.endpoints.ensureControlEndpoint(d, c.ops)
	return d
}

func (c *Controller) nextFreeAddressLocked() uint8 {
	for addr := uint8(1); addr < 128; addr++ {
		if _, ok := c.devices[addr]; !ok {
			return addr
		}
	}
	return 0
}

func (c *Controller) removeDevice(d *Device) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.devices, d.Address)
}

// DeviceByAddress looks up a registered device.
func (c *Controller) DeviceByAddress(addr uint8) (*Device, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.devices[addr]
	return d, ok
}

// submitTransferPolled dispatches to the optional PolledSubmitter,
// reporting ErrNotSupported if the controller does not implement it.
func (c *Controller) submitTransferPolled(t *Transfer) error {
	p, ok := c.ops.(PolledSubmitter)
	if !ok {
		return ErrNotSupported
	}
	return p.SubmitTransferPolled(t)
}

func (c *Controller) flushEndpoint(ctx EndpointContext) error {
	f, ok := c.ops.(EndpointFlusher)
	if !ok {
		return nil
	}
	return f.FlushEndpoint(ctx)
}

// NotifyRootHubPortChange is the root-hub analogue of the downstream
// interrupt completion callback (spec §4.2 "Root hub port change
// notification"): the controller driver calls this from its own
// interrupt handler or poll loop whenever hardware reports a root hub
// port change. notifyPending collapses a burst of notifications into a
// single outstanding deferred-worker run.
func (c *Controller) NotifyRootHubPortChange() {
	if !c.notifyPending.CompareAndSwap(false, true) {
		return
	}
	c.pool.Go(func() {
		defer c.notifyPending.Store(false)
		if c.RootHub != nil && c.RootHub.hub != nil {
			c.RootHub.hub.handleRootHubChange()
		}
	})
}

// --- process-wide registry (spec §9 "Global mutable state") ---

var (
	registryMu          sync.Mutex
	registeredControllers []*Controller
	debugReservedAddress  = map[string]uint8{} // controller name -> reserved address
)

// RegisterController implements spec §6 "Registration": a versioned
// table plus identifiers, with debug-handoff bus-address reservation.
func RegisterController(ops HostControllerOps, info ControllerInfo, workerLimit int) (*Controller, error) {
	registryMu.Lock()
	defer registryMu.Unlock()

	for _, existing := range registeredControllers {
		if existing.Info.Name == info.Name {
			return nil, ErrAlreadyRegistered
		}
	}

	c := NewController(ops, info, workerLimit)
	if info.DebugDeviceID != 0 {
		c.mu.Lock()
		c.devices[info.DebugDeviceID] = nil // reserve the slot so AllocateDevice never hands this address out
		c.mu.Unlock()
		debugReservedAddress[info.Name] = info.DebugDeviceID
	}
	registeredControllers = append(registeredControllers, c)
	return c, nil
}

// UnregisterController removes a controller from the process-wide
// registry (part of the explicit init/teardown sequence spec §9 calls
// for).
func UnregisterController(c *Controller) {
	registryMu.Lock()
	defer registryMu.Unlock()
	for i, existing := range registeredControllers {
		if existing == c {
			registeredControllers = append(registeredControllers[:i], registeredControllers[i+1:]...)
			break
		}
	}
	delete(debugReservedAddress, c.Info.Name)
}

// Controllers returns a snapshot of the process-wide registry.
func Controllers() []*Controller {
	registryMu.Lock()
	defer registryMu.Unlock()
	out := make([]*Controller, len(registeredControllers))
	copy(out, registeredControllers)
	return out
}
