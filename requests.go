package usbcore

// USB descriptor types (USB 2.0 §9.4), kept from the teacher's
// types_common.go/usb.go const blocks — these are wire-format constants,
// not teacher-specific code.
const (
	DescriptorTypeDevice       = 0x01
	DescriptorTypeConfig       = 0x02
	DescriptorTypeString       = 0x03
	DescriptorTypeInterface    = 0x04
	DescriptorTypeEndpoint     = 0x05
	DescriptorTypeDeviceQual   = 0x06
	DescriptorTypeOtherSpeed   = 0x07
	DescriptorTypeInterfacePwr = 0x08
	DescriptorTypeHub          = 0x29
)

// Standard requests (USB 2.0 §9.4).
const (
	ReqGetStatus        = 0x00
	ReqClearFeature     = 0x01
	ReqSetFeature       = 0x03
	ReqSetAddress       = 0x05
	ReqGetDescriptor    = 0x06
	ReqSetDescriptor    = 0x07
	ReqGetConfiguration = 0x08
	ReqSetConfiguration = 0x09
	ReqGetInterface     = 0x0A
	ReqSetInterface     = 0x0B
	ReqSynchFrame       = 0x0C
)

// bmRequestType bit layout (USB 2.0 §9.3).
const (
	RequestTypeDirectionIn  = 0x80
	RequestTypeDirectionOut = 0x00
	RequestTypeClass        = 0x20
	RequestTypeStandard     = 0x00
	RequestRecipientDevice   = 0x00
	RequestRecipientInterface = 0x01
	RequestRecipientEndpoint = 0x02
	RequestRecipientOther    = 0x03
)

// EndpointHaltFeature is the standard CLEAR_FEATURE/SET_FEATURE selector
// for an endpoint's halt condition (USB 2.0 Table 9-6).
const EndpointHaltFeature = 0x00

// Hub class feature selectors (USB 2.0 §11.24.2). The teacher never
// defines these — it is a host-only userspace library and never issues
// hub class requests — so they are supplemented here per SPEC_FULL.md.
const (
	FeatureCHubLocalPower  = 0
	FeatureCHubOverCurrent = 1

	FeaturePortConnection   = 0
	FeaturePortEnable       = 1
	FeaturePortSuspend      = 2
	FeaturePortOverCurrent  = 3
	FeaturePortReset        = 4
	FeaturePortPower        = 8
	FeaturePortLowSpeed     = 9
	FeatureCPortConnection  = 16
	FeatureCPortEnable      = 17
	FeatureCPortSuspend     = 18
	FeatureCPortOverCurrent = 19
	FeatureCPortReset       = 20
	FeaturePortIndicator    = 22
)

// Hub port indicator selector values (USB 2.0 §11.24.2.7.1).
const (
	IndicatorAutomatic = 0
)

// SetupPacketSize is the fixed size of the control-transfer setup packet
// (spec §6 "Transfer buffer format").
const SetupPacketSize = 8

// SetupPacket is the 8-byte header that prefixes every control transfer's
// buffer. Field layout grounded on
// jonZlotnik-tamago/soc/nxp/usb/setup.go's SetupData, which implements
// the identical USB 2.0 Table 9-2 "Format of Setup Data" the device side
// decodes.
type SetupPacket struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// marshal writes the setup packet into the first 8 bytes of buf.
func (s SetupPacket) marshal(buf []byte) {
	_ = buf[7]
	buf[0] = s.RequestType
	buf[1] = s.Request
	buf[2] = byte(s.Value)
	buf[3] = byte(s.Value >> 8)
	buf[4] = byte(s.Index)
	buf[5] = byte(s.Index >> 8)
	buf[6] = byte(s.Length)
	buf[7] = byte(s.Length >> 8)
}
