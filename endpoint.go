package usbcore

import "sync"

// Direction is the data direction of an endpoint or transfer.
type Direction uint8

const (
	DirectionOut Direction = iota
	DirectionIn
	DirectionBidirectional
)

func (d Direction) String() string {
	switch d {
	case DirectionOut:
		return "Out"
	case DirectionIn:
		return "In"
	case DirectionBidirectional:
		return "Bidirectional"
	default:
		return "Unknown"
	}
}

// EndpointType is the USB transfer type an endpoint carries.
type EndpointType uint8

const (
	EndpointTypeControl EndpointType = iota
	EndpointTypeInterrupt
	EndpointTypeBulk
	EndpointTypeIsochronous
)

func (t EndpointType) String() string {
	switch t {
	case EndpointTypeControl:
		return "Control"
	case EndpointTypeInterrupt:
		return "Interrupt"
	case EndpointTypeBulk:
		return "Bulk"
	case EndpointTypeIsochronous:
		return "Isochronous"
	default:
		return "Unknown"
	}
}

// Endpoint is a communication sink on a device (spec §3). It is shared
// between the device's endpoint registry and every transfer targeting
// it; the refcount tracks both kinds of holder.
type Endpoint struct {
	device    *Device
	number    uint8
	direction Direction
	epType    EndpointType
	maxPacket uint16
	pollRate  uint8

	refs refcount
	ctx  EndpointContext // opaque controller context, set by create_endpoint
}

// PollInterval decodes the wire poll-rate byte into the scheduling
// interval it represents (GLOSSARY "Poll rate"): for high-speed interrupt
// and isochronous endpoints the wire value x encodes period 2^(x-1)
// microframes; for full/low speed it is a plain frame count.
func (e *Endpoint) PollInterval(highSpeed bool) uint32 {
	if !highSpeed || e.epType == EndpointTypeControl || e.epType == EndpointTypeBulk {
		return uint32(e.pollRate)
	}
	if e.pollRate == 0 {
		return 1
	}
	return 1 << (e.pollRate - 1)
}

func (e *Endpoint) Number() uint8       { return e.number }
func (e *Endpoint) Direction() Direction { return e.direction }
func (e *Endpoint) Type() EndpointType   { return e.epType }
func (e *Endpoint) MaxPacketSize() uint16 { return e.maxPacket }

// addRef takes an additional reference on behalf of a new holder
// (a transfer, or a second claim of the owning interface).
func (e *Endpoint) addRef() {
	e.refs.add()
}

// release drops a reference; when the count reaches zero the endpoint is
// destroyed via the controller's destroy_endpoint operation (spec §3).
func (e *Endpoint) release(ctrl HostControllerOps) {
	if e.refs.release() {
		ctrl.DestroyEndpoint(e.ctx)
	}
}

// endpointRegistry is the device's lazily-populated endpoint table
// (SPEC_FULL.md "Endpoint registry"), keyed by (number, direction) so
// that control endpoint 0 and any bidirectional endpoint resolve
// unambiguously.
type endpointRegistry struct {
	mu  sync.Mutex
	byKey map[endpointKey]*Endpoint
}

type endpointKey struct {
	number    uint8
	direction Direction
}

func newEndpointRegistry() *endpointRegistry {
	return &endpointRegistry{byKey: make(map[endpointKey]*Endpoint)}
}

// lookup returns the endpoint for (number, direction) without creating
// it, failing InvalidParameter if absent (spec §4.1 allocate_transfer).
func (r *endpointRegistry) lookup(number uint8, direction Direction) (*Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.byKey[endpointKey{number, direction}]
	return ep, ok
}

// getOrCreate binds a descriptor into the registry on first claim,
// asking the controller to create its backing context.
func (r *endpointRegistry) getOrCreate(device *Device, ctrl HostControllerOps, desc EndpointDescriptor) (*Endpoint, error) {
	dir := desc.direction()
	key := endpointKey{desc.Number, dir}

	r.mu.Lock()
	if ep, ok := r.byKey[key]; ok {
		ep.addRef()
		r.mu.Unlock()
		return ep, nil
	}
	r.mu.Unlock()

	ctx, err := ctrl.CreateEndpoint(device, desc)
	if err != nil {
		return nil, err
	}

	ep := &Endpoint{
		device:    device,
		number:    desc.Number,
		direction: dir,
		epType:    desc.Type(),
		maxPacket: desc.MaxPacketSize,
		pollRate:  desc.Interval,
		refs:      newRefcount(),
		ctx:       ctx,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byKey[key]; ok {
		// Lost the race with a concurrent claim; destroy the redundant
		// context and hand back the winner with a fresh reference.
		existing.addRef()
		ctrl.DestroyEndpoint(ctx)
		return existing, nil
	}
	// ep.refs starts at 1, the registry's own reference (matching the
	// existing-path branch above, which keeps the registry's share and
	// adds one more for the caller); claim the caller's share here too
	// so every return from getOrCreate hands back an owned reference.
	ep.addRef()
	r.byKey[key] = ep
	return ep, nil
}

// ensureControlEndpoint registers the device's endpoint 0, the always-
// present control pipe, keyed by DirectionBidirectional rather than the
// address-bit-derived direction getOrCreate would compute for it — every
// control transfer is allocated bidirectional (transfer.go
// AllocateTransfer, control.go), so the registry must resolve endpoint 0
// that way regardless of which configuration is active. It is a no-op
// past the first call, the same idempotent claim getOrCreate gives every
// other endpoint.
func (r *endpointRegistry) ensureControlEndpoint(device *Device, ctrl HostControllerOps) (*Endpoint, error) {
	key := endpointKey{0, DirectionBidirectional}

	r.mu.Lock()
	if ep, ok := r.byKey[key]; ok {
		r.mu.Unlock()
		return ep, nil
	}
	r.mu.Unlock()

	desc := EndpointDescriptor{Number: 0, Attributes: 0, MaxPacketSize: 64}
	ctx, err := ctrl.CreateEndpoint(device, desc)
	if err != nil {
		return nil, err
	}

	ep := &Endpoint{
		device:    device,
		number:    0,
		direction: DirectionBidirectional,
		epType:    EndpointTypeControl,
		maxPacket: desc.MaxPacketSize,
		refs:      newRefcount(),
		ctx:       ctx,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byKey[key]; ok {
		existing.addRef()
		ctrl.DestroyEndpoint(ctx)
		return existing, nil
	}
	r.byKey[key] = ep
	return ep, nil
}

func (r *endpointRegistry) all() []*Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Endpoint, 0, len(r.byKey))
	for _, ep := range r.byKey {
		out = append(out, ep)
	}
	return out
}
