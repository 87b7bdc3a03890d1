package usbcore

import (
	"encoding/binary"
	"runtime"
	"sync"
	"time"
)

// Hub is the per-device hub state machine of spec §4.2: it owns the
// port array, the persistent interrupt transfer that reports port
// changes, and the child device list. A root hub shares this type but
// has no control/interrupt transfers of its own — its port state is
// read and written through the controller operations directly.
type Hub struct {
	Device     *Device
	Controller *Controller
	IsRoot     bool

	PortCount        int
	Ports            []PortStatus
	PowerOnDelayUnit uint8 // wPowerOnToPowerGood, units of 2ms (config.go HubDescriptor)
	IndicatorSupport bool

	// Downstream-only fields; unused for IsRoot.
	InterruptTransfer *Transfer
	interruptEndpoint EndpointDescriptor

	ctrlMu       sync.Mutex
	ctrlTransfer *Transfer
	ctrlBuffer   []byte

	childMu  sync.Mutex
	Children []*Device

	changedPorts changedPortsWord

	// Timing constants, broken out as fields so tests can shrink them.
	// debounceDelay/resetAssertDuration/resetRecoveryDelay/deviceSettleDelay
	// correspond to spec §4.2's connect debounce, TDRST, TRSTRCY, and the
	// post-enable settle delay respectively. resetAssertDuration defaults
	// to 5ms rather than the USB 2.0-mandated 10ms minimum, matching
	// DESIGN.md's resolution of the corresponding Open Question.
	debounceDelay       time.Duration
	resetAssertDuration time.Duration
	resetRecoveryDelay  time.Duration
	deviceSettleDelay   time.Duration
}

// changedPortsWord is the bitmap latched by the interrupt completion
// callback and consumed by the deferred worker: bit 0 is the hub-wide
// change, bit i (i>=1) is port i's change (spec §4.2 "Interrupt
// completion" / "Deferred worker").
type changedPortsWord struct {
	mu  sync.Mutex
	bit uint32
}

func (c *changedPortsWord) set(bits uint32) {
	c.mu.Lock()
	c.bit |= bits
	c.mu.Unlock()
}

func (c *changedPortsWord) swap() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.bit
	c.bit = 0
	return b
}

const (
	defaultDebounceDelay       = 100 * time.Millisecond
	defaultResetAssertDuration = 5 * time.Millisecond
	defaultResetRecoveryDelay  = 25 * time.Millisecond
	defaultDeviceSettleDelay   = 20 * time.Millisecond
	powerOnDelayUnit           = 2 * time.Millisecond
	ctrlTransferDataCap        = 64 // largest hub class data stage we issue (hub/port status, hub descriptor)
)

// CreateHub implements spec §4.2 "Create": allocate a control transfer
// and read the class-specific hub descriptor downstream, or ask the
// controller for the port count directly for a root hub.
func CreateHub(device *Device, controller *Controller, isRoot bool) (*Hub, error) {
	h := &Hub{
		Device:              device,
		Controller:          controller,
		IsRoot:              isRoot,
		debounceDelay:       defaultDebounceDelay,
		resetAssertDuration: defaultResetAssertDuration,
		resetRecoveryDelay:  defaultResetRecoveryDelay,
		deviceSettleDelay:   defaultDeviceSettleDelay,
	}

	if isRoot {
		h.PortCount = controller.ops.RootHubPortCount()
		h.Ports = make([]PortStatus, h.PortCount)
		h.Children = make([]*Device, h.PortCount)
		device.hub = h
		return h, nil
	}

	ctrlBufSize := SetupPacketSize + ctrlTransferDataCap
	t, err := AllocateTransfer(device, 0, DirectionBidirectional, ctrlBufSize)
	if err != nil {
		return nil, err
	}
	h.ctrlTransfer = t
	h.ctrlBuffer = make([]byte, ctrlBufSize)

	var descBuf [7]byte
	if _, err := h.getDescriptor(DescriptorTypeHub, descBuf[:]); err != nil {
		t.release()
		return nil, err
	}
	desc, err := UnmarshalHubDescriptor(descBuf[:])
	if err != nil {
		t.release()
		return nil, err
	}

	h.PortCount = int(desc.NumPorts)
	h.PowerOnDelayUnit = desc.PowerOnToGoodMs2
	h.IndicatorSupport = desc.IndicatorSupport()
	h.Ports = make([]PortStatus, h.PortCount)
	h.Children = make([]*Device, h.PortCount)

	device.hub = h
	return h, nil
}

func (h *Hub) portIndex(port int) int { return port - 1 }

// Start implements spec §4.2 "Start": a root hub force-refreshes its
// port status through the controller; a downstream hub runs reset_hub.
func (h *Hub) Start() error {
	if h.IsRoot {
		h.childMu.Lock()
		defer h.childMu.Unlock()
		return h.Controller.ops.GetRootHubStatus(h)
	}
	return h.resetHub(false)
}

// resetHub implements spec §4.2's reset_hub sequence. reenter is true
// when reset_hub runs again on an already-started hub (after a
// hub-wide over-current recovery): the existing interrupt transfer is
// cancelled and reused instead of allocating a new one.
func (h *Hub) resetHub(reenter bool) error {
	if err := h.setConfiguration(h.Device.active.ConfigurationValue); err != nil {
		return err
	}

	if !reenter {
		epDesc, err := h.Device.active.SoleInterruptIn()
		if err != nil {
			return err
		}
		ep, err := h.Device.endpoints.getOrCreate(h.Device, h.Controller.ops, epDesc)
		if err != nil {
			return err
		}
		h.interruptEndpoint = epDesc

		interruptBufSize := (h.PortCount + 1 + 7) / 8
		it, err := AllocateTransfer(h.Device, epDesc.Number, DirectionIn, interruptBufSize)
		if err != nil {
			ep.release(h.Controller.ops)
			return err
		}
		buf := make([]byte, interruptBufSize)
		it.Buffer = buf
		it.BufferActualLength = len(buf)
		it.Length = len(buf)
		it.Direction = DirectionIn
		it.Callback = h.interruptCompletion
		h.InterruptTransfer = it
	} else {
		// Pull the existing interrupt transfer off the hardware queue
		// before resetting port state underneath it (spec §4.2 "Start",
		// re-entry path).
		for {
			err := h.InterruptTransfer.Cancel(false)
			if err == nil || err == ErrTooEarly {
				break
			}
			runtime.Gosched()
			if h.InterruptTransfer.State() == StateInactive {
				break
			}
		}
		for h.InterruptTransfer.State() != StateInactive {
			runtime.Gosched()
		}
	}

	for i := range h.Ports {
		h.Ports[i] = PortStatus{}
	}

	for port := 1; port <= h.PortCount; port++ {
		_ = h.setFeature(FeaturePortPower, port)
		if h.IndicatorSupport {
			value := uint16(FeaturePortIndicator) | (uint16(IndicatorAutomatic) << 8)
			_ = h.setFeature(value, port)
		}
	}

	time.Sleep(time.Duration(h.PowerOnDelayUnit) * powerOnDelayUnit)

	for port := 1; port <= h.PortCount; port++ {
		h.refreshPortStatusFull(port)
	}

	return h.InterruptTransfer.Submit(false, false, false)
}

// refreshPortStatusFull reads a port's hardware status directly into
// Status/CachedSpeed (no XOR fold: this is the initial snapshot, not a
// delta from a prior observation) and clears any change bits hardware
// is already reporting.
func (h *Hub) refreshPortStatusFull(port int) {
	var buf [4]byte
	if _, err := h.getStatus(port, buf[:]); err != nil {
		return
	}
	raw := binary.LittleEndian.Uint16(buf[0:2])
	rawChange := binary.LittleEndian.Uint16(buf[2:4])
	status, speed := parseRawPortStatus(raw)

	idx := h.portIndex(port)
	h.Ports[idx].Status = status
	if status.Has(PortConnected) {
		h.Ports[idx].CachedSpeed = speed
	}
	h.clearHardwareChangeBits(port, PortChangeBits(rawChange&0x1F))
}

func (h *Hub) clearHardwareChangeBits(port int, change PortChangeBits) {
	if change.Has(ChangeConnect) {
		_ = h.clearFeature(FeatureCPortConnection, port)
	}
	if change.Has(ChangeEnable) {
		_ = h.clearFeature(FeatureCPortEnable, port)
	}
	if change.Has(ChangeSuspend) {
		_ = h.clearFeature(FeatureCPortSuspend, port)
	}
	if change.Has(ChangeOverCurrent) {
		_ = h.clearFeature(FeatureCPortOverCurrent, port)
	}
	if change.Has(ChangeReset) {
		_ = h.clearFeature(FeatureCPortReset, port)
	}
}

// parseRawPortStatus decodes the USB 2.0 wPortStatus word (§11.24.2.7.1)
// into the reduced PortStatusBits plus the speed it encodes.
func parseRawPortStatus(raw uint16) (PortStatusBits, Speed) {
	var status PortStatusBits
	if raw&0x0001 != 0 {
		status |= PortConnected
	}
	if raw&0x0002 != 0 {
		status |= PortEnabled
	}
	if raw&0x0004 != 0 {
		status |= PortSuspended
	}
	if raw&0x0008 != 0 {
		status |= PortOverCurrent
	}
	if raw&0x0010 != 0 {
		status |= PortReset
	}
	if raw&0x0100 != 0 {
		status |= PortPower
	}
	speed := SpeedFull
	switch {
	case raw&0x0200 != 0:
		speed = SpeedLow
	case raw&0x0400 != 0:
		speed = SpeedHigh
	}
	return status, speed
}

// interruptCompletion is the hub's interrupt transfer callback (spec
// §4.2 "Interrupt completion", a dispatch-level handler): it may only
// read the transfer's outcome and either resubmit directly or hand the
// change bitmap off to the deferred worker. The only control transfer it
// issues itself is the CLEAR_FEATURE(ENDPOINT_HALT) that recovers a
// stalled interrupt endpoint; port status and feature requests are left
// to the deferred worker.
func (h *Hub) interruptCompletion(t *Transfer) {
	switch t.Status {
	case ErrorCancelled:
		return

	case ErrorStalled:
		if err := h.clearInterruptEndpointHalt(); err != nil {
			if h.Controller.OnDriverError != nil {
				h.Controller.OnDriverError(h.Device, err)
			}
			return
		}
		h.resubmitInterrupt()

	case ErrorNone:
		bitmap := parseChangeBitmap(t.Buffer[:t.BytesTransferred], h.PortCount)
		if bitmap == 0 {
			h.resubmitInterrupt()
			return
		}
		h.changedPorts.set(bitmap)
		h.Controller.pool.Go(h.deferredWorker)

	default:
		// An unclassified I/O error is resubmitted rather than treated as
		// fatal, per DESIGN.md's resolution of the corresponding Open
		// Question: a flaky interrupt endpoint should keep retrying rather
		// than leave the hub silently deaf. A controller that fails every
		// submission makes this loop spin indefinitely.
		h.resubmitInterrupt()
	}
}

// parseChangeBitmap decodes the hub interrupt payload (USB 2.0
// §11.13.3): bit 0 is the hub-wide change, bit i (i=1..portCount) is
// port i. A short payload is treated as no changes rather than an
// error (spec §8 "Boundary behaviors").
func parseChangeBitmap(data []byte, portCount int) uint32 {
	want := (portCount + 1 + 7) / 8
	if len(data) < want {
		return 0
	}
	var bitmap uint32
	for i := 0; i <= portCount; i++ {
		byteIdx, bitIdx := i/8, uint(i%8)
		if data[byteIdx]&(1<<bitIdx) != 0 {
			bitmap |= 1 << uint(i)
		}
	}
	return bitmap
}

func (h *Hub) resubmitInterrupt() {
	if err := h.InterruptTransfer.Submit(false, false, false); err != nil {
		if h.Controller.OnDriverError != nil {
			h.Controller.OnDriverError(h.Device, err)
		}
	}
}

// deferredWorker implements spec §4.2 "Deferred worker": hub-wide
// changes are handled exclusively of per-port ones in a given pass,
// topology notification and resubmission happen once at the end.
func (h *Hub) deferredWorker() {
	bitmap := h.changedPorts.swap()
	connectChanged := false
	resubmitted := false

	if bitmap&1 != 0 {
		topologyChanged, handledReset := h.handleHubWideChange()
		connectChanged = topologyChanged
		resubmitted = handledReset // resetHub's re-entry path resubmits itself
	} else {
		for port := 1; port <= h.PortCount; port++ {
			if bitmap&(1<<uint(port)) != 0 {
				if h.handlePortChange(port) {
					connectChanged = true
				}
			}
		}
	}

	if connectChanged {
		h.QueryChildren()
		if h.Controller.OnTopologyChanged != nil {
			h.Controller.OnTopologyChanged(h.Device)
		}
	}
	if !resubmitted {
		h.resubmitInterrupt()
	}
}

// handleHubWideChange reads the hub-wide status/change word and acts on
// local-power and over-current changes (USB 2.0 §11.24.2.6). It returns
// whether topology changed and whether reset_hub already resubmitted
// the interrupt transfer on our behalf (the over-current recovery
// path).
func (h *Hub) handleHubWideChange() (topologyChanged bool, resubmitted bool) {
	var buf [4]byte
	if _, err := h.getStatus(0, buf[:]); err != nil {
		return false, false
	}
	hubChange := binary.LittleEndian.Uint16(buf[2:4])

	if hubChange&0x0001 != 0 {
		_ = h.clearFeature(FeatureCHubLocalPower, 0)
	}
	if hubChange&0x0002 != 0 {
		for {
			var b [4]byte
			if _, err := h.getStatus(0, b[:]); err != nil {
				break
			}
			hubStatus := binary.LittleEndian.Uint16(b[0:2])
			if hubStatus&0x0002 == 0 {
				break
			}
			time.Sleep(time.Millisecond)
		}
		_ = h.clearFeature(FeatureCHubOverCurrent, 0)
		_ = h.resetHub(true)
		return true, true
	}
	return false, false
}

// handlePortChange implements the per-port branch of spec §4.2
// "Deferred worker": re-read hardware status, fold it into the
// software port state, react to an over-current condition, then clear
// every hardware change bit the fold observed.
func (h *Hub) handlePortChange(port int) bool {
	h.childMu.Lock()
	defer h.childMu.Unlock()

	var buf [4]byte
	if _, err := h.getStatus(port, buf[:]); err != nil {
		return false
	}
	raw := binary.LittleEndian.Uint16(buf[0:2])
	hwStatus, speed := parseRawPortStatus(raw)

	idx := h.portIndex(port)
	p := &h.Ports[idx]
	if hwStatus.Has(PortConnected) {
		p.CachedSpeed = speed
	}
	delta := p.foldHardwareStatus(hwStatus)

	if delta.Has(ChangeOverCurrent) && hwStatus.Has(PortOverCurrent) {
		for {
			var b [4]byte
			if _, err := h.getStatus(port, b[:]); err != nil {
				break
			}
			r := binary.LittleEndian.Uint16(b[0:2])
			s, _ := parseRawPortStatus(r)
			if !s.Has(PortOverCurrent) {
				break
			}
			time.Sleep(time.Millisecond)
		}
		p.Status = 0
		p.CachedSpeed = SpeedFull
		_ = h.setFeature(FeaturePortPower, port)
		if h.IndicatorSupport {
			value := uint16(FeaturePortIndicator) | (uint16(IndicatorAutomatic) << 8)
			_ = h.setFeature(value, port)
		}
	}

	h.clearHardwareChangeBits(port, delta)
	// ChangeConnect is left set in software: QueryChildren consumes and
	// clears it once it has actually added or removed the child device,
	// so a connect change is never lost between the two workers.
	p.clearChange(delta &^ ChangeConnect)

	return delta.Has(ChangeConnect)
}

// QueryChildren implements spec §4.2 "Child query": under the child
// lock, resolve every pending connect-change by tearing down the prior
// child (if any) and, if the port is still connected, enumerating the
// new one. It returns a snapshot of the current children.
func (h *Hub) QueryChildren() []*Device {
	h.childMu.Lock()
	defer h.childMu.Unlock()

	for port := 1; port <= h.PortCount; port++ {
		idx := h.portIndex(port)
		if !h.Ports[idx].Change.Has(ChangeConnect) {
			continue
		}
		h.Ports[idx].clearChange(ChangeConnect)

		if prior := h.Children[idx]; prior != nil {
			h.Children[idx] = nil
			prior.Disconnect()
		}
		if h.Ports[idx].Status.Has(PortConnected) {
			h.addDevice(port)
		}
	}

	out := make([]*Device, 0, len(h.Children))
	for _, c := range h.Children {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}

// addDevice implements spec §4.2 "Add device". It runs with the child
// lock held for its entire duration, including the debounce and reset
// delays: the hub's port operations are serialized through this one
// lock, matching the teacher's single-big-lock discipline elsewhere in
// this codebase.
func (h *Hub) addDevice(port int) {
	time.Sleep(h.debounceDelay)

	idx := h.portIndex(port)
	h.refreshPortStatusQuiet(port)
	if !h.Ports[idx].Status.Has(PortConnected) {
		return
	}

	if err := h.resetHubPort(port); err != nil {
		return
	}
	if !h.Ports[idx].Status.Has(PortConnected) {
		return
	}

	if h.Controller.Enumerate == nil {
		return
	}
	dev, err := h.Controller.Enumerate(h.Device, port, h.Ports[idx].CachedSpeed)
	if err != nil {
		// Enumeration failures are swallowed so that other ports continue
		// to make progress (spec §4.2 "Add device").
		return
	}
	h.Children[idx] = dev
}

// refreshPortStatusQuiet re-reads status without clearing any hardware
// change bits (used by debounce/reset-recovery checks that only need
// the current Connected/Enabled bits). Root hubs have no control
// endpoint to query: GetRootHubStatus is the controller's own
// equivalent refresh, writing straight into h.Ports.
func (h *Hub) refreshPortStatusQuiet(port int) {
	if h.IsRoot {
		_ = h.Controller.ops.GetRootHubStatus(h)
		return
	}
	var buf [4]byte
	if _, err := h.getStatus(port, buf[:]); err != nil {
		return
	}
	raw := binary.LittleEndian.Uint16(buf[0:2])
	status, speed := parseRawPortStatus(raw)
	idx := h.portIndex(port)
	h.Ports[idx].Status = status
	if status.Has(PortConnected) {
		h.Ports[idx].CachedSpeed = speed
	}
}

// portSetFeature and portClearFeature dispatch a port feature change
// either as a class control transfer (downstream hub) or as a direct
// software edit of h.Ports pushed through SetRootHubStatus (root hub,
// which has no upstream control endpoint of its own — spec §4.2's note
// that "its port status is read and written through the controller
// operations rather than by control transfers").
func (h *Hub) portSetFeature(feature uint16, port int) error {
	if !h.IsRoot {
		return h.setFeature(feature, port)
	}
	p := &h.Ports[h.portIndex(port)]
	switch feature {
	case FeaturePortReset:
		p.Status |= PortReset
		p.Status &^= PortEnabled
	case FeaturePortPower:
		p.Status |= PortPower
	case FeaturePortSuspend:
		p.Status |= PortSuspended
	}
	return h.Controller.ops.SetRootHubStatus(h)
}

func (h *Hub) portClearFeature(feature uint16, port int) error {
	if !h.IsRoot {
		return h.clearFeature(feature, port)
	}
	p := &h.Ports[h.portIndex(port)]
	switch feature {
	case FeaturePortReset:
		p.Status &^= PortReset
		p.Status |= PortEnabled
	case FeaturePortSuspend:
		p.Status &^= PortSuspended
	case FeatureCPortConnection:
		p.Change &^= ChangeConnect
	case FeatureCPortEnable:
		p.Change &^= ChangeEnable
	case FeatureCPortSuspend:
		p.Change &^= ChangeSuspend
	case FeatureCPortOverCurrent:
		p.Change &^= ChangeOverCurrent
	case FeatureCPortReset:
		p.Change &^= ChangeReset
	}
	return h.Controller.ops.SetRootHubStatus(h)
}

// resetHubPort implements spec §4.2 "Reset hub port": the five timed
// steps (assert, TDRST, deassert, TRSTRCY, settle), returning
// ErrNotReady if the port is still connected but failed to enable.
func (h *Hub) resetHubPort(port int) error {
	idx := h.portIndex(port)

	h.Ports[idx].Status |= PortReset
	h.Ports[idx].Status &^= PortEnabled
	h.Ports[idx].Change |= ChangeReset | ChangeEnable
	if err := h.portSetFeature(FeaturePortReset, port); err != nil {
		return err
	}
	time.Sleep(h.resetAssertDuration)

	if err := h.portClearFeature(FeaturePortReset, port); err != nil {
		return err
	}
	time.Sleep(h.resetRecoveryDelay)

	h.refreshPortStatusQuiet(port)
	if !h.Ports[idx].Status.Has(PortEnabled) {
		h.Ports[idx].Change &^= ChangeEnable
		if !h.Ports[idx].Status.Has(PortConnected) {
			return nil
		}
		return ErrNotReady
	}

	time.Sleep(h.deviceSettleDelay)
	return nil
}

// handleRootHubChange is the root hub's analogue of deferredWorker,
// invoked by Controller.NotifyRootHubPortChange instead of by an
// interrupt transfer completion.
func (h *Hub) handleRootHubChange() {
	if err := h.Controller.ops.GetRootHubStatus(h); err != nil {
		if h.Controller.OnDriverError != nil {
			h.Controller.OnDriverError(h.Device, err)
		}
		return
	}

	topologyChanged := false
	h.childMu.Lock()
	for port := 1; port <= h.PortCount; port++ {
		idx := h.portIndex(port)
		if h.Ports[idx].Change.Has(ChangeOverCurrent) && h.Ports[idx].Status.Has(PortOverCurrent) {
			for h.Ports[idx].Status.Has(PortOverCurrent) {
				time.Sleep(time.Millisecond)
				if err := h.Controller.ops.GetRootHubStatus(h); err != nil {
					break
				}
			}
			h.Ports[idx].Status = 0
			h.Ports[idx].CachedSpeed = SpeedFull
			_ = h.resetHubPort(port)
		}
		if h.Ports[idx].Change.Has(ChangeConnect) {
			topologyChanged = true
		}
	}
	h.childMu.Unlock()

	if topologyChanged {
		h.QueryChildren()
		if h.Controller.OnTopologyChanged != nil {
			h.Controller.OnTopologyChanged(h.Device)
		}
	}

	_ = h.Controller.ops.SetRootHubStatus(h)
}
