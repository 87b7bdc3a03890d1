package usbcore

import (
	"sync"
	"testing"
	"time"
)

// rootOpsFake is a minimal HostControllerOps exercising only the root-hub
// port-state contract (GetRootHubStatus/SetRootHubStatus/
// RootHubPortCount): it has no downstream control traffic of its own,
// since these tests' EnumerateFunc never issues a class control transfer
// against the simulated children.
type rootOpsFake struct {
	mu    sync.Mutex
	ports []PortStatus
}

func newRootOpsFake(portCount int) *rootOpsFake {
	return &rootOpsFake{ports: make([]PortStatus, portCount)}
}

func (r *rootOpsFake) plug(port int, speed Speed) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ports[port-1].Status |= PortConnected
	r.ports[port-1].CachedSpeed = speed
}

func (r *rootOpsFake) unplug(port int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ports[port-1] = PortStatus{}
}

func (r *rootOpsFake) CreateEndpoint(device *Device, desc EndpointDescriptor) (EndpointContext, error) {
	return struct{}{}, nil
}
func (r *rootOpsFake) DestroyEndpoint(ctx EndpointContext)     {}
func (r *rootOpsFake) ResetEndpoint(ctx EndpointContext) error { return nil }
func (r *rootOpsFake) CreateTransfer(t *Transfer) (TransferContext, error) {
	return struct{}{}, nil
}
func (r *rootOpsFake) DestroyTransfer(ctx TransferContext) {}

func (r *rootOpsFake) SubmitTransfer(t *Transfer) error {
	go func() {
		t.Status = ErrorNone
		t.BytesTransferred = t.Length
		t.complete()
	}()
	return nil
}

func (r *rootOpsFake) CancelTransfer(t *Transfer) error {
	t.Status = ErrorCancelled
	t.complete()
	return nil
}

func (r *rootOpsFake) RootHubPortCount() int { return len(r.ports) }

func (r *rootOpsFake) GetRootHubStatus(hub *Hub) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.ports {
		prev := hub.Ports[i].Status
		delta := PortChangeBits(r.ports[i].Status ^ prev)
		hub.Ports[i].Status = r.ports[i].Status
		hub.Ports[i].Change |= delta
		if r.ports[i].Status.Has(PortConnected) {
			hub.Ports[i].CachedSpeed = r.ports[i].CachedSpeed
		}
	}
	return nil
}

func (r *rootOpsFake) SetRootHubStatus(hub *Hub) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.ports {
		switch {
		case hub.Ports[i].Status.Has(PortReset) && r.ports[i].Status.Has(PortConnected):
			r.ports[i].Status |= PortEnabled
		case !hub.Ports[i].Status.Has(PortEnabled):
			r.ports[i].Status &^= PortEnabled
		}
	}
	return nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never became true before timeout")
}

func newTestRootHub(t *testing.T, portCount int) (*Controller, *rootOpsFake, *Hub) {
	t.Helper()
	ops := newRootOpsFake(portCount)
	ctrl := NewController(ops, ControllerInfo{Name: "root-test"}, 4)
	ctrl.Enumerate = func(parent *Device, port int, speed Speed) (*Device, error) {
		return ctrl.AllocateDevice(speed), nil
	}

	root := ctrl.AllocateDevice(SpeedHigh)
	ctrl.RootHub = root
	hub, err := CreateHub(root, ctrl, true)
	if err != nil {
		t.Fatalf("CreateHub: %v", err)
	}
	if err := hub.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return ctrl, ops, hub
}

func TestRootHubConnectEnumeratesChild(t *testing.T) {
	ctrl, ops, hub := newTestRootHub(t, 2)

	var topologyEvents int
	var mu sync.Mutex
	ctrl.OnTopologyChanged = func(parent *Device) {
		mu.Lock()
		topologyEvents++
		mu.Unlock()
	}

	ops.plug(1, SpeedHigh)
	ctrl.NotifyRootHubPortChange()
	waitFor(t, time.Second, func() bool { return hub.Children[0] != nil })

	if got := hub.Children[0].Speed; got != SpeedHigh {
		t.Fatalf("want SpeedHigh, got %s", got)
	}
	if hub.Children[1] != nil {
		t.Fatal("unrelated port 2 should have no child")
	}

	mu.Lock()
	got := topologyEvents
	mu.Unlock()
	if got < 1 {
		t.Fatalf("want at least 1 topology-changed notification, got %d", got)
	}
}

func TestRootHubDisconnectTearsDownChild(t *testing.T) {
	ctrl, ops, hub := newTestRootHub(t, 2)

	ops.plug(1, SpeedFull)
	ctrl.NotifyRootHubPortChange()
	waitFor(t, time.Second, func() bool { return hub.Children[0] != nil })
	child := hub.Children[0]

	ops.unplug(1)
	ctrl.NotifyRootHubPortChange()
	waitFor(t, time.Second, func() bool { return hub.Children[0] == nil })

	if child.Connected() {
		t.Fatal("torn-down child still reports connected")
	}
}

func TestRootHubReplugAssignsNewDevice(t *testing.T) {
	ctrl, ops, hub := newTestRootHub(t, 1)

	ops.plug(1, SpeedHigh)
	ctrl.NotifyRootHubPortChange()
	waitFor(t, time.Second, func() bool { return hub.Children[0] != nil })
	first := hub.Children[0]

	ops.unplug(1)
	ctrl.NotifyRootHubPortChange()
	waitFor(t, time.Second, func() bool { return hub.Children[0] == nil })

	ops.plug(1, SpeedHigh)
	ctrl.NotifyRootHubPortChange()
	waitFor(t, time.Second, func() bool { return hub.Children[0] != nil })
	second := hub.Children[0]

	if first == second {
		t.Fatal("replugging should enumerate a fresh device, not reuse the old one")
	}
	if second.Address == 0 {
		t.Fatal("replugged device should have a nonzero bus address")
	}
}

func TestDisconnectFreesBusAddressForReuse(t *testing.T) {
	d := newTestDevice(t, &stubOps{})
	ctrl := d.controller
	addr := d.Address

	d.Disconnect()

	if _, ok := ctrl.DeviceByAddress(addr); ok {
		t.Fatalf("address %d still resolves to a device after disconnect", addr)
	}

	next := ctrl.AllocateDevice(SpeedFull)
	if next.Address != addr {
		t.Fatalf("want reused address %d, got %d", addr, next.Address)
	}
}

func TestNotifyRootHubPortChangeCoalescesBursts(t *testing.T) {
	ctrl, ops, hub := newTestRootHub(t, 1)

	ops.plug(1, SpeedHigh)
	for i := 0; i < 20; i++ {
		ctrl.NotifyRootHubPortChange()
	}
	waitFor(t, time.Second, func() bool { return hub.Children[0] != nil })
}
