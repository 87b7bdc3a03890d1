package usbcore

import "fmt"

// hubControlTransfer implements spec §4.3 "Control transfer helper": the
// single per-hub serialized helper that fills in the setup packet,
// submits synchronously through the transfer engine, and returns the
// bytes transferred exclusive of the setup packet.
//
// port selects the recipient: 0 addresses the hub itself (device
// recipient), any value in [1, PortCount] addresses that port (other
// recipient). Values outside that range are a programmer error, per
// spec §8 "Boundary behaviors" ("must be rejected by assertion at the
// helper boundary").
func (h *Hub) hubControlTransfer(request uint8, value uint16, port int, in bool, data []byte) (int, error) {
	if port < 0 || port > h.PortCount {
		panic(fmt.Sprintf("hubControlTransfer: port %d out of range [0,%d]", port, h.PortCount))
	}

	recipient := uint8(RequestRecipientDevice)
	if port != 0 {
		recipient = RequestRecipientOther
	}
	reqType := RequestTypeClass | recipient
	if in {
		reqType |= RequestTypeDirectionIn
	}

	return h.controlTransferRaw(reqType, request, value, uint16(port), data, in)
}

// controlTransferRaw is the base of the per-hub serialized helper (spec
// §4.3 "Control transfer helper"). hubControlTransfer layers the hub
// class's recipient/direction conventions on top; a few standard
// requests (SET_CONFIGURATION, clearing an endpoint halt) that aren't
// hub class requests go through this directly.
func (h *Hub) controlTransferRaw(bmRequestType, request uint8, value, index uint16, data []byte, in bool) (int, error) {
	h.ctrlMu.Lock()
	defer h.ctrlMu.Unlock()

	buf := h.ctrlBuffer[:SetupPacketSize+len(data)]
	setup := SetupPacket{
		RequestType: bmRequestType,
		Request:     request,
		Value:       value,
		Index:       index,
		Length:      uint16(len(data)),
	}
	setup.marshal(buf)
	if !in {
		copy(buf[SetupPacketSize:], data)
	}

	t := h.ctrlTransfer
	t.Buffer = buf
	t.BufferActualLength = len(buf)
	t.Length = len(buf)
	t.Direction = DirectionBidirectional
	t.Callback = nil

	if err := t.SubmitSync(); err != nil {
		return 0, err
	}

	n := t.BytesTransferred - SetupPacketSize
	if n < 0 {
		n = 0
	}
	if in && n > 0 {
		copy(data, buf[SetupPacketSize:SetupPacketSize+n])
	}
	return n, nil
}

func (h *Hub) getDescriptor(descType uint8, data []byte) (int, error) {
	return h.hubControlTransfer(ReqGetDescriptor, uint16(descType)<<8, 0, true, data)
}

func (h *Hub) getStatus(port int, data []byte) (int, error) {
	return h.hubControlTransfer(ReqGetStatus, 0, port, true, data)
}

func (h *Hub) setFeature(feature uint16, port int) error {
	_, err := h.hubControlTransfer(ReqSetFeature, feature, port, false, nil)
	return err
}

func (h *Hub) clearFeature(feature uint16, port int) error {
	_, err := h.hubControlTransfer(ReqClearFeature, feature, port, false, nil)
	return err
}

// setConfiguration issues the standard SET_CONFIGURATION request that
// begins reset_hub (spec §4.2 "Start").
func (h *Hub) setConfiguration(value uint8) error {
	reqType := uint8(RequestTypeStandard | RequestRecipientDevice)
	_, err := h.controlTransferRaw(reqType, ReqSetConfiguration, uint16(value), 0, nil, false)
	return err
}

// clearInterruptEndpointHalt issues a standard CLEAR_FEATURE(ENDPOINT_HALT)
// against the hub's interrupt-IN endpoint, the recovery path when the
// interrupt transfer completes with ErrorStalled (spec §4.2 "Interrupt
// completion").
func (h *Hub) clearInterruptEndpointHalt() error {
	addr := uint16(h.InterruptTransfer.Endpoint.number) | 0x0080
	reqType := uint8(RequestTypeStandard | RequestRecipientEndpoint)
	_, err := h.controlTransferRaw(reqType, ReqClearFeature, EndpointHaltFeature, addr, nil, false)
	return err
}
