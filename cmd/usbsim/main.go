// Command usbsim drives a simulated root hub through a connect,
// enumerate, and disconnect cycle using fakecontroller, an in-memory
// HostControllerOps. It has no real hardware
// behind it; it exists to exercise the hub state machine end to end the
// way lsusb exercises the teacher's real device enumeration.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/kevmo314/usbcore"
	"github.com/kevmo314/usbcore/fakecontroller"
)

var (
	rootPorts  = flag.Int("ports", 4, "number of simulated root hub ports")
	plugPort   = flag.Int("port", 1, "port to plug the simulated device into")
	speedFlag  = flag.String("speed", "high", "simulated device speed: low, full, or high")
	settleTime = flag.Duration("settle", 300*time.Millisecond, "time to wait for the hub state machine to settle after a port change")
)

func main() {
	flag.Parse()

	speed, err := parseSpeed(*speedFlag)
	if err != nil {
		log.Fatalf("usbsim: %v", err)
	}

	fake := fakecontroller.New(*rootPorts)
	ctrl, err := usbcore.RegisterController(fake, usbcore.ControllerInfo{Name: "usbsim"}, 8)
	if err != nil {
		log.Fatalf("usbsim: register controller: %v", err)
	}
	defer usbcore.UnregisterController(ctrl)

	ctrl.OnTopologyChanged = func(parent *usbcore.Device) {
		log.Printf("topology changed under device %d", parent.Address)
	}
	ctrl.OnDriverError = func(dev *usbcore.Device, err error) {
		log.Printf("driver error on device %d: %v", dev.Address, err)
	}
	ctrl.Enumerate = newEnumerator(ctrl, fake)

	root := ctrl.AllocateDevice(usbcore.SpeedHigh)
	ctrl.RootHub = root
	rootHub, err := usbcore.CreateHub(root, ctrl, true)
	if err != nil {
		log.Fatalf("usbsim: create root hub: %v", err)
	}
	if err := rootHub.Start(); err != nil {
		log.Fatalf("usbsim: start root hub: %v", err)
	}

	fmt.Printf("root hub started with %d ports\n\n", rootHub.PortCount)

	fmt.Printf("plugging a %s-speed device into port %d\n", speed, *plugPort)
	fake.Plug(*plugPort, speed)
	ctrl.NotifyRootHubPortChange()
	time.Sleep(*settleTime)
	printTree(rootHub)

	fmt.Printf("\nunplugging port %d\n", *plugPort)
	fake.Unplug(*plugPort)
	ctrl.NotifyRootHubPortChange()
	time.Sleep(*settleTime)
	printTree(rootHub)
}

func parseSpeed(s string) (usbcore.Speed, error) {
	switch s {
	case "low":
		return usbcore.SpeedLow, nil
	case "full":
		return usbcore.SpeedFull, nil
	case "high":
		return usbcore.SpeedHigh, nil
	default:
		return 0, fmt.Errorf("unknown speed %q (want low, full, or high)", s)
	}
}

func printTree(hub *usbcore.Hub) {
	for port, child := range hub.Children {
		if child == nil {
			continue
		}
		fmt.Printf("  port %d: device address=%d speed=%s hub=%v\n",
			port+1, child.Address, child.Speed, child.IsHub())
	}
}

// newEnumerator returns the EnumerateFunc driving a single-interface,
// single-bulk-endpoint simulated device through AllocateDevice and a pair
// of control transfers (GET_DESCRIPTOR(Config), SET_CONFIGURATION) issued
// directly against endpoint 0, the same kind of standard requests
// CreateHub (GET_DESCRIPTOR) and reset_hub (SET_CONFIGURATION) issue
// against a hub's own control endpoint (control.go). A real enumeration routine
// would also fetch the device descriptor and walk every configuration;
// this demo only needs enough of the exchange to exercise AllocateDevice,
// AllocateTransfer, and SetConfigurations end to end.
func newEnumerator(ctrl *usbcore.Controller, fake *fakecontroller.Controller) usbcore.EnumerateFunc {
	return func(parent *usbcore.Device, port int, speed usbcore.Speed) (*usbcore.Device, error) {
		dev := ctrl.AllocateDevice(speed)
		fake.RegisterControlHandler(dev, simulatedDeviceHandler)

		cfg, err := fetchConfigDescriptor(dev)
		if err != nil {
			return nil, err
		}
		if err := setConfiguration(dev, cfg.ConfigurationValue); err != nil {
			return nil, err
		}
		dev.SetConfigurations([]*usbcore.ConfigDescriptor{cfg}, cfg)

		log.Printf("enumerated device %d on port %d (speed %s)", dev.Address, port, speed)
		return dev, nil
	}
}

// simulatedDeviceHandler answers the two requests newEnumerator issues: a
// GET_DESCRIPTOR(Config) returning a single-interface, single-bulk-IN-
// endpoint configuration, and a SET_CONFIGURATION the fake simply
// acknowledges.
func simulatedDeviceHandler(setup usbcore.SetupPacket, data []byte) (int, usbcore.TransferErrorKind) {
	switch setup.Request {
	case usbcore.ReqGetDescriptor:
		if setup.Value>>8 != usbcore.DescriptorTypeConfig {
			return 0, usbcore.ErrorStalled
		}
		n := copy(data, simulatedConfigDescriptor)
		return n, usbcore.ErrorNone
	case usbcore.ReqSetConfiguration:
		return 0, usbcore.ErrorNone
	default:
		return 0, usbcore.ErrorStalled
	}
}

// simulatedConfigDescriptor is a minimal configuration: one interface,
// one bulk-IN endpoint, built by hand the way a real device's firmware
// would lay one out on the wire (USB 2.0 §9.6.3/§9.6.5/§9.6.6).
var simulatedConfigDescriptor = buildSimulatedConfigDescriptor()

func buildSimulatedConfigDescriptor() []byte {
	const (
		configLen = 9
		ifaceLen  = 9
		epLen     = 7
	)
	total := configLen + ifaceLen + epLen
	buf := make([]byte, total)

	buf[0] = configLen
	buf[1] = usbcore.DescriptorTypeConfig
	binary.LittleEndian.PutUint16(buf[2:4], uint16(total))
	buf[4] = 1    // one interface
	buf[5] = 1    // configuration value
	buf[6] = 0    // configuration string index
	buf[7] = 0x80 // bus powered
	buf[8] = 50   // 100mA in 2mA units

	iface := buf[configLen:]
	iface[0] = ifaceLen
	iface[1] = usbcore.DescriptorTypeInterface
	iface[2] = 0 // interface number
	iface[3] = 0 // alternate setting
	iface[4] = 1 // one endpoint
	iface[5] = 0xFF
	iface[6] = 0
	iface[7] = 0
	iface[8] = 0

	ep := buf[configLen+ifaceLen:]
	ep[0] = epLen
	ep[1] = usbcore.DescriptorTypeEndpoint
	ep[2] = 0x81 // endpoint 1, IN
	ep[3] = 0x02 // bulk
	binary.LittleEndian.PutUint16(ep[4:6], 64)
	ep[6] = 0

	return buf
}

func fetchConfigDescriptor(dev *usbcore.Device) (*usbcore.ConfigDescriptor, error) {
	const dataCap = 64
	t, err := usbcore.AllocateTransfer(dev, 0, usbcore.DirectionBidirectional, usbcore.SetupPacketSize+dataCap)
	if err != nil {
		return nil, err
	}
	defer t.Release()

	buf := make([]byte, usbcore.SetupPacketSize+dataCap)
	marshalSetup(buf, usbcore.RequestTypeDirectionIn, usbcore.ReqGetDescriptor, uint16(usbcore.DescriptorTypeConfig)<<8, 0, dataCap)

	t.Buffer = buf
	t.BufferActualLength = len(buf)
	t.Length = len(buf)
	t.Direction = usbcore.DirectionBidirectional

	if err := t.SubmitSync(); err != nil {
		return nil, err
	}

	n := t.BytesTransferred - usbcore.SetupPacketSize
	if n < 0 {
		n = 0
	}

	var cfg usbcore.ConfigDescriptor
	if err := cfg.Unmarshal(buf[usbcore.SetupPacketSize : usbcore.SetupPacketSize+n]); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setConfiguration(dev *usbcore.Device, value uint8) error {
	t, err := usbcore.AllocateTransfer(dev, 0, usbcore.DirectionBidirectional, usbcore.SetupPacketSize)
	if err != nil {
		return err
	}
	defer t.Release()

	buf := make([]byte, usbcore.SetupPacketSize)
	marshalSetup(buf, usbcore.RequestTypeDirectionOut, usbcore.ReqSetConfiguration, uint16(value), 0, 0)

	t.Buffer = buf
	t.BufferActualLength = len(buf)
	t.Length = len(buf)
	t.Direction = usbcore.DirectionBidirectional

	return t.SubmitSync()
}

// marshalSetup writes a standard-request setup packet (device recipient)
// into the first 8 bytes of buf, mirroring requests.go's unexported
// SetupPacket.marshal for the one case an external caller needs it.
func marshalSetup(buf []byte, directionBit uint8, request uint8, value, index, length uint16) {
	_ = buf[7]
	buf[0] = directionBit | usbcore.RequestTypeStandard | usbcore.RequestRecipientDevice
	buf[1] = request
	buf[2] = byte(value)
	buf[3] = byte(value >> 8)
	buf[4] = byte(index)
	buf[5] = byte(index >> 8)
	buf[6] = byte(length)
	buf[7] = byte(length >> 8)
}
