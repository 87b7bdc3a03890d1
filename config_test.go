package usbcore

import (
	"encoding/binary"
	"testing"
)

// buildConfigDescriptor assembles a raw configuration descriptor with one
// interface and the given endpoints, the same byte layout
// cmd/usbsim's simulated device descriptor uses (USB 2.0 §9.6.3/.5/.6).
func buildConfigDescriptor(t *testing.T, endpoints int) []byte {
	t.Helper()
	const (
		configLen = 9
		ifaceLen  = 9
		epLen     = 7
	)
	total := configLen + ifaceLen + epLen*endpoints
	buf := make([]byte, total)

	buf[0] = configLen
	buf[1] = DescriptorTypeConfig
	binary.LittleEndian.PutUint16(buf[2:4], uint16(total))
	buf[4] = 1
	buf[5] = 1
	buf[6] = 0
	buf[7] = 0x80
	buf[8] = 50

	iface := buf[configLen:]
	iface[0] = ifaceLen
	iface[1] = DescriptorTypeInterface
	iface[2] = 0
	iface[3] = 0
	iface[4] = uint8(endpoints)
	iface[5] = 0xFF

	for i := 0; i < endpoints; i++ {
		ep := buf[configLen+ifaceLen+i*epLen:]
		ep[0] = epLen
		ep[1] = DescriptorTypeEndpoint
		if i == 0 {
			ep[2] = 0x81 // endpoint 1, IN, interrupt
			ep[3] = 0x03
		} else {
			ep[2] = 0x02 // endpoint 2, OUT, bulk
			ep[3] = 0x02
		}
		binary.LittleEndian.PutUint16(ep[4:6], 64)
		ep[6] = 0
	}
	return buf
}

func TestConfigDescriptorUnmarshal(t *testing.T) {
	raw := buildConfigDescriptor(t, 2)

	var cfg ConfigDescriptor
	if err := cfg.Unmarshal(raw); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if cfg.ConfigurationValue != 1 {
		t.Fatalf("want ConfigurationValue 1, got %d", cfg.ConfigurationValue)
	}
	if cfg.NumInterfaces != 1 {
		t.Fatalf("want NumInterfaces 1, got %d", cfg.NumInterfaces)
	}
	if len(cfg.Interfaces) != 1 {
		t.Fatalf("want 1 parsed interface, got %d", len(cfg.Interfaces))
	}
	alt := cfg.Interfaces[0].AltSettings[0]
	if len(alt.Endpoints) != 2 {
		t.Fatalf("want 2 endpoints, got %d", len(alt.Endpoints))
	}
	if alt.Endpoints[0].Type() != EndpointTypeInterrupt {
		t.Fatalf("want endpoint 0 interrupt, got %s", alt.Endpoints[0].Type())
	}
	if alt.Endpoints[1].Type() != EndpointTypeBulk {
		t.Fatalf("want endpoint 1 bulk, got %s", alt.Endpoints[1].Type())
	}
}

func TestConfigDescriptorUnmarshalTooShort(t *testing.T) {
	if err := (&ConfigDescriptor{}).Unmarshal(make([]byte, 4)); err == nil {
		t.Fatal("want an error for a too-short config descriptor")
	}
}

func TestSoleInterruptInFindsEndpointOfSingleInterface(t *testing.T) {
	raw := buildConfigDescriptor(t, 1)
	var cfg ConfigDescriptor
	if err := cfg.Unmarshal(raw); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	ep, err := cfg.SoleInterruptIn()
	if err != nil {
		t.Fatalf("SoleInterruptIn: %v", err)
	}
	if ep.Number != 1 {
		t.Fatalf("want endpoint number 1, got %d", ep.Number)
	}
}

func TestSoleInterruptInRejectsMultipleCandidates(t *testing.T) {
	raw := buildConfigDescriptor(t, 2)
	var cfg ConfigDescriptor
	if err := cfg.Unmarshal(raw); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	// Make the second (bulk) endpoint interrupt-IN too, so the hub
	// configuration has two interrupt-IN candidates.
	cfg.Interfaces[0].AltSettings[0].Endpoints[1].Attributes = 0x03
	cfg.Interfaces[0].AltSettings[0].Endpoints[1].address = 0x82

	if _, err := cfg.SoleInterruptIn(); err == nil {
		t.Fatal("want an error when more than one interrupt-IN endpoint is present")
	}
}

func TestUnmarshalHubDescriptor(t *testing.T) {
	raw := []byte{9, DescriptorTypeHub, 4, 0x80, 0x00, 50, 0}
	desc, err := UnmarshalHubDescriptor(raw)
	if err != nil {
		t.Fatalf("UnmarshalHubDescriptor: %v", err)
	}
	if desc.NumPorts != 4 {
		t.Fatalf("want 4 ports, got %d", desc.NumPorts)
	}
	if !desc.IndicatorSupport() {
		t.Fatal("want indicator support bit set")
	}
}

func TestUnmarshalHubDescriptorTooShort(t *testing.T) {
	if _, err := UnmarshalHubDescriptor(make([]byte, 3)); err == nil {
		t.Fatal("want an error for a too-short hub descriptor")
	}
}
