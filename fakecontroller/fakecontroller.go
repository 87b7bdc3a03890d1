// Package fakecontroller is an in-memory HostControllerOps implementation
// used by cmd/usbsim. It has no real hardware
// behind it: endpoints and transfers are plain bookkeeping, bulk/
// isochronous transfers loop back immediately, and a hub's interrupt
// transfer is completed only when the caller explicitly signals a port
// change with SignalInterruptChange, mirroring the teacher's preference for small, dependency-free
// fakes over a mock-generation library.
package fakecontroller

import (
	"sync"

	"github.com/kevmo314/usbcore"
)

// ControlHandler answers a control transfer addressed to a simulated
// downstream device (anything other than the root hub, whose port state
// is handled directly by GetRootHubStatus/SetRootHubStatus). For an IN
// request it must fill data (sized to the requested length) and return
// the number of bytes written; for an OUT request data already holds the
// bytes the caller wrote.
type ControlHandler func(setup usbcore.SetupPacket, data []byte) (n int, status usbcore.TransferErrorKind)

type hwPort struct {
	connected bool
	speed     usbcore.Speed
	powered   bool
	enabled   bool
}

// Controller is the fake host controller. The zero value is not usable;
// construct with New.
type Controller struct {
	mu sync.Mutex

	hwPorts []hwPort

	controlHandlers     map[*usbcore.Device]ControlHandler
	interruptOutstanding map[*usbcore.Device]*usbcore.Transfer
}

// New constructs a fake controller simulating a root hub with the given
// number of downstream ports.
func New(rootPortCount int) *Controller {
	return &Controller{
		hwPorts:              make([]hwPort, rootPortCount),
		controlHandlers:      make(map[*usbcore.Device]ControlHandler),
		interruptOutstanding: make(map[*usbcore.Device]*usbcore.Transfer),
	}
}

// Plug simulates a device connecting to a root hub port (1-based).
func (c *Controller) Plug(port int, speed usbcore.Speed) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hwPorts[port-1].connected = true
	c.hwPorts[port-1].speed = speed
}

// Unplug simulates a device disconnecting from a root hub port.
func (c *Controller) Unplug(port int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hwPorts[port-1] = hwPort{}
}

// RegisterControlHandler attaches a control-request responder to a
// downstream device (e.g. a simulated nested hub answering
// GET_DESCRIPTOR/GET_STATUS/SET_FEATURE).
func (c *Controller) RegisterControlHandler(dev *usbcore.Device, h ControlHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.controlHandlers[dev] = h
}

// --- root hub port state (HostControllerOps) ---

func (c *Controller) RootHubPortCount() int {
	return len(c.hwPorts)
}

// GetRootHubStatus folds the simulated hardware port state into hub's
// software Ports array, the same fold a real driver's root-hub status
// read performs (spec.md §4.2).
func (c *Controller) GetRootHubStatus(hub *usbcore.Hub) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, hw := range c.hwPorts {
		var status usbcore.PortStatusBits
		if hw.connected {
			status |= usbcore.PortConnected
		}
		if hw.enabled {
			status |= usbcore.PortEnabled
		}
		if hw.powered {
			status |= usbcore.PortPower
		}
		prev := hub.Ports[i].Status
		delta := usbcore.PortChangeBits(status ^ prev)
		hub.Ports[i].Status = status
		hub.Ports[i].Change |= delta
		if status.Has(usbcore.PortConnected) {
			hub.Ports[i].CachedSpeed = hw.speed
		}
	}
	return nil
}

// SetRootHubStatus applies the power/reset/suspend bits the hub state
// machine has requested in software onto the simulated hardware. A real
// root hub controller would program actual registers here; this fake
// resolves a reset request to "enabled" immediately since there is no
// real signal timing to honor.
func (c *Controller) SetRootHubStatus(hub *usbcore.Hub) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.hwPorts {
		p := hub.Ports[i]
		hw := &c.hwPorts[i]
		hw.powered = p.Status.Has(usbcore.PortPower)
		switch {
		case p.Status.Has(usbcore.PortReset) && hw.connected:
			hw.enabled = true
		case !p.Status.Has(usbcore.PortEnabled):
			hw.enabled = false
		}
	}
	return nil
}

// --- endpoints and transfers ---

type epState struct{}

func (c *Controller) CreateEndpoint(device *usbcore.Device, desc usbcore.EndpointDescriptor) (usbcore.EndpointContext, error) {
	return &epState{}, nil
}

func (c *Controller) DestroyEndpoint(ctx usbcore.EndpointContext) {}

func (c *Controller) ResetEndpoint(ctx usbcore.EndpointContext) error { return nil }

type xferState struct{}

func (c *Controller) CreateTransfer(t *usbcore.Transfer) (usbcore.TransferContext, error) {
	return &xferState{}, nil
}

func (c *Controller) DestroyTransfer(ctx usbcore.TransferContext) {}

// SubmitTransfer dispatches on endpoint type: control transfers go
// through the per-device ControlHandler, an interrupt-IN transfer is
// parked until SignalInterruptChange wakes it, and anything else loops
// back immediately as if the bus round-tripped instantaneously.
func (c *Controller) SubmitTransfer(t *usbcore.Transfer) error {
	switch {
	case t.Endpoint.Type() == usbcore.EndpointTypeControl:
		go c.completeControl(t)
	case t.Endpoint.Type() == usbcore.EndpointTypeInterrupt && t.Direction == usbcore.DirectionIn:
		c.mu.Lock()
		c.interruptOutstanding[t.Device] = t
		c.mu.Unlock()
	default:
		go func() {
			t.Status = usbcore.ErrorNone
			t.BytesTransferred = t.Length
			t.Complete()
		}()
	}
	return nil
}

func (c *Controller) completeControl(t *usbcore.Transfer) {
	buf := t.Buffer
	if len(buf) < usbcore.SetupPacketSize {
		t.Status = usbcore.ErrorIncorrectlyFilledOut
		t.BytesTransferred = 0
		t.Complete()
		return
	}
	setup := parseSetupPacket(buf[:usbcore.SetupPacketSize])
	data := buf[usbcore.SetupPacketSize:]

	c.mu.Lock()
	h := c.controlHandlers[t.Device]
	c.mu.Unlock()

	if h == nil {
		t.Status = usbcore.ErrorStalled
		t.BytesTransferred = usbcore.SetupPacketSize
		t.Complete()
		return
	}

	n, status := h(setup, data)
	t.Status = status
	t.BytesTransferred = usbcore.SetupPacketSize + n
	t.Complete()
}

func parseSetupPacket(buf []byte) usbcore.SetupPacket {
	return usbcore.SetupPacket{
		RequestType: buf[0],
		Request:     buf[1],
		Value:       uint16(buf[2]) | uint16(buf[3])<<8,
		Index:       uint16(buf[4]) | uint16(buf[5])<<8,
		Length:      uint16(buf[6]) | uint16(buf[7])<<8,
	}
}

// SignalInterruptChange delivers a hub interrupt-endpoint payload to the
// device's currently outstanding interrupt transfer, simulating hardware
// reporting a port change.
func (c *Controller) SignalInterruptChange(dev *usbcore.Device, bitmap []byte) {
	c.mu.Lock()
	t, ok := c.interruptOutstanding[dev]
	if ok {
		delete(c.interruptOutstanding, dev)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	n := copy(t.Buffer, bitmap)
	t.Status = usbcore.ErrorNone
	t.BytesTransferred = n
	t.Complete()
}

// CancelTransfer cancels the outstanding interrupt transfer for a
// device, if any; every other transfer kind was already handed to its
// completion goroutine by SubmitTransfer, so it reports ErrTooLate.
func (c *Controller) CancelTransfer(t *usbcore.Transfer) error {
	c.mu.Lock()
	out, ok := c.interruptOutstanding[t.Device]
	if ok && out == t {
		delete(c.interruptOutstanding, t.Device)
	}
	c.mu.Unlock()
	if !ok || out != t {
		return usbcore.ErrTooLate
	}
	t.Status = usbcore.ErrorCancelled
	t.BytesTransferred = 0
	t.Complete()
	return nil
}
