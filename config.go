package usbcore

import (
	"encoding/binary"
	"fmt"
)

// ConfigDescriptor is a parsed USB configuration descriptor, cached once
// per device (spec §3 "Configuration / Interface"). The transfer engine
// only ever reads endpoint descriptors back out through it.
type ConfigDescriptor struct {
	Length             uint8
	DescriptorType     uint8
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	ConfigurationIndex uint8
	Attributes         uint8
	MaxPower           uint8

	Interfaces []ConfigInterface
	Extra      []byte
}

// ConfigInterface holds every alternate setting of one interface number.
// Endpoints are not claimed (and so not registered with the controller)
// until the interface is claimed — the registry only materializes
// *Endpoint objects lazily (endpoint.go).
type ConfigInterface struct {
	AltSettings []InterfaceDescriptor
}

type InterfaceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	InterfaceIndex    uint8

	Endpoints []EndpointDescriptor
	Extra     []byte
}

// EndpointDescriptor is the raw, unclaimed endpoint descriptor as parsed
// from the wire. getOrCreate (endpoint.go) turns one of these into a
// live, controller-backed *Endpoint on first claim.
type EndpointDescriptor struct {
	Length         uint8
	DescriptorType uint8
	Number         uint8
	Attributes     uint8
	MaxPacketSize  uint16
	Interval       uint8
	address        uint8
}

func (e EndpointDescriptor) direction() Direction {
	if e.address&0x80 != 0 {
		return DirectionIn
	}
	return DirectionOut
}

func (e EndpointDescriptor) Type() EndpointType {
	switch e.Attributes & 0x03 {
	case 0:
		return EndpointTypeControl
	case 1:
		return EndpointTypeIsochronous
	case 2:
		return EndpointTypeBulk
	default:
		return EndpointTypeInterrupt
	}
}

// Unmarshal parses a raw configuration descriptor (as returned by
// GET_DESCRIPTOR(Config)) into c. Grounded on the teacher's
// ConfigDescriptor.Unmarshal (config.go), generalized to the renamed
// descriptor shapes above.
func (c *ConfigDescriptor) Unmarshal(data []byte) error {
	if len(data) < 9 {
		return fmt.Errorf("config descriptor too short: %d bytes", len(data))
	}

	c.Length = data[0]
	c.DescriptorType = data[1]
	c.TotalLength = binary.LittleEndian.Uint16(data[2:4])
	c.NumInterfaces = data[4]
	c.ConfigurationValue = data[5]
	c.ConfigurationIndex = data[6]
	c.Attributes = data[7]
	c.MaxPower = data[8]

	interfaceMap := make(map[uint8]*ConfigInterface)

	var current *InterfaceDescriptor
	var currentEndpoints []EndpointDescriptor
	var extra []byte

	flush := func() {
		if current == nil {
			return
		}
		current.Endpoints = currentEndpoints
		current.Extra = extra
		if _, ok := interfaceMap[current.InterfaceNumber]; !ok {
			interfaceMap[current.InterfaceNumber] = &ConfigInterface{}
		}
		interfaceMap[current.InterfaceNumber].AltSettings = append(
			interfaceMap[current.InterfaceNumber].AltSettings, *current)
		extra = nil
		currentEndpoints = nil
	}

	pos := 9
	for pos < len(data) {
		if pos+2 > len(data) {
			break
		}
		length := int(data[pos])
		descType := data[pos+1]
		if length == 0 || pos+length > len(data) {
			break
		}

		switch descType {
		case DescriptorTypeInterface:
			flush()
			if length < 9 {
				return fmt.Errorf("interface descriptor too short: %d bytes", length)
			}
			iface := InterfaceDescriptor{
				Length:            data[pos],
				DescriptorType:    data[pos+1],
				InterfaceNumber:   data[pos+2],
				AlternateSetting:  data[pos+3],
				NumEndpoints:      data[pos+4],
				InterfaceClass:    data[pos+5],
				InterfaceSubClass: data[pos+6],
				InterfaceProtocol: data[pos+7],
				InterfaceIndex:    data[pos+8],
			}
			current = &iface
			currentEndpoints = make([]EndpointDescriptor, 0, iface.NumEndpoints)

		case DescriptorTypeEndpoint:
			if length < 7 {
				return fmt.Errorf("endpoint descriptor too short: %d bytes", length)
			}
			addr := data[pos+2]
			ep := EndpointDescriptor{
				Length:         data[pos],
				DescriptorType: data[pos+1],
				Number:         addr & 0x0F,
				Attributes:     data[pos+3],
				MaxPacketSize:  binary.LittleEndian.Uint16(data[pos+4 : pos+6]),
				Interval:       data[pos+6],
				address:        addr,
			}
			if current == nil {
				c.Extra = append(c.Extra, data[pos:pos+length]...)
			} else {
				currentEndpoints = append(currentEndpoints, ep)
			}

		default:
			if current != nil {
				extra = append(extra, data[pos:pos+length]...)
			} else {
				c.Extra = append(c.Extra, data[pos:pos+length]...)
			}
		}

		pos += length
	}
	flush()

	c.Interfaces = make([]ConfigInterface, 0, len(interfaceMap))
	for i := range uint8(255) {
		if iface, ok := interfaceMap[i]; ok {
			c.Interfaces = append(c.Interfaces, *iface)
		}
	}
	return nil
}

// GetInterface returns the interface with the given number, or nil.
func (c *ConfigDescriptor) GetInterface(interfaceNumber uint8) *ConfigInterface {
	for i := range c.Interfaces {
		if len(c.Interfaces[i].AltSettings) > 0 &&
			c.Interfaces[i].AltSettings[0].InterfaceNumber == interfaceNumber {
			return &c.Interfaces[i]
		}
	}
	return nil
}

// SoleInterruptIn returns the single interrupt-IN endpoint of the sole
// interface of a hub's configuration, as required by reset_hub step 1
// ("claim the sole interface, locate its sole interrupt-IN endpoint").
func (c *ConfigDescriptor) SoleInterruptIn() (EndpointDescriptor, error) {
	if len(c.Interfaces) != 1 || len(c.Interfaces[0].AltSettings) == 0 {
		return EndpointDescriptor{}, fmt.Errorf("hub configuration does not have exactly one interface")
	}
	alt := c.Interfaces[0].AltSettings[0]
	var found *EndpointDescriptor
	for i := range alt.Endpoints {
		ep := alt.Endpoints[i]
		if ep.Type() == EndpointTypeInterrupt && ep.direction() == DirectionIn {
			if found != nil {
				return EndpointDescriptor{}, fmt.Errorf("hub interface has more than one interrupt-IN endpoint")
			}
			found = &alt.Endpoints[i]
		}
	}
	if found == nil {
		return EndpointDescriptor{}, fmt.Errorf("hub interface has no interrupt-IN endpoint")
	}
	return *found, nil
}

// HubDescriptor is the USB hub class descriptor returned by
// GET_DESCRIPTOR(Hub) (USB 2.0 §11.23.2.1).
type HubDescriptor struct {
	NumPorts         uint8
	Characteristics  uint16
	PowerOnToGoodMs2 uint8 // power-on delay, units of 2ms
	MaxCurrentMa     uint8
}

// IndicatorSupport reports whether the hub supports port indicators
// (bit 7 of the characteristics word, USB 2.0 Table 11-13).
func (h HubDescriptor) IndicatorSupport() bool {
	return h.Characteristics&(1<<7) != 0
}

// UnmarshalHubDescriptor parses the class-specific hub descriptor used by
// CreateHub's read_hub_descriptor step.
func UnmarshalHubDescriptor(data []byte) (HubDescriptor, error) {
	if len(data) < 7 {
		return HubDescriptor{}, fmt.Errorf("hub descriptor too short: %d bytes", len(data))
	}
	return HubDescriptor{
		NumPorts:         data[2],
		Characteristics:  binary.LittleEndian.Uint16(data[3:5]),
		PowerOnToGoodMs2: data[5],
		MaxCurrentMa:     data[6],
	}, nil
}
