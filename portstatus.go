package usbcore

import "fmt"

// PortStatusBits and PortChangeBits are the reduced, software-side view
// of a hub port's wire status (spec §3 "Port status", §6 "Port state,
// wire semantics"). The change field uses identical bit positions to the
// status field: bit i is set iff status bit i transitioned since the
// last observation. Grounded on ardnew-softusb/host/constants.go's
// "named const block + small accessor methods" enum idiom, applied here
// to a bitmask.
type PortStatusBits uint16

const (
	PortConnected PortStatusBits = 1 << iota
	PortEnabled
	PortSuspended
	PortOverCurrent
	PortReset
	PortPower
)

func (s PortStatusBits) Has(bit PortStatusBits) bool { return s&bit != 0 }

func (s PortStatusBits) String() string {
	names := []struct {
		bit  PortStatusBits
		name string
	}{
		{PortConnected, "Connected"},
		{PortEnabled, "Enabled"},
		{PortSuspended, "Suspended"},
		{PortOverCurrent, "OverCurrent"},
		{PortReset, "Reset"},
		{PortPower, "Power"},
	}
	out := ""
	for _, n := range names {
		if s.Has(n.bit) {
			if out != "" {
				out += "|"
			}
			out += n.name
		}
	}
	if out == "" {
		return "None"
	}
	return out
}

type PortChangeBits uint16

const (
	ChangeConnect PortChangeBits = 1 << iota
	ChangeEnable
	ChangeSuspend
	ChangeOverCurrent
	ChangeReset
)

func (c PortChangeBits) Has(bit PortChangeBits) bool { return c&bit != 0 }

// PortStatus is one entry of the hub's per-port status array (spec §3).
// Status/Change mirror the hardware 1:1; CachedSpeed is latched on
// connect per spec §4.2 "fold into software status ... Cache the speed
// on connect".
type PortStatus struct {
	Status      PortStatusBits
	Change      PortChangeBits
	CachedSpeed Speed
}

// foldHardwareStatus updates Status/Change from a freshly-read hardware
// status word (spec §4.2 deferred worker: "fold into software status,
// computing change bits by XOR with previous software status and ORing
// into the change field"). The returned PortChangeBits is exactly the
// delta folded in, for callers that need to know what just changed.
func (p *PortStatus) foldHardwareStatus(hw PortStatusBits) PortChangeBits {
	delta := PortChangeBits(hw ^ p.Status)
	p.Status = hw
	p.Change |= delta
	if hw.Has(PortConnected) {
		// Speed is sampled alongside status by the caller's GET_STATUS
		// read (getStatus, control.go); callers set CachedSpeed before
		// calling fold when a speed reading accompanies the status word.
	}
	return delta
}

// clearChange clears the change bits this port has acted on, mirroring
// the hardware C_PORT_* clears the deferred worker issues (spec §4.2,
// §8 invariant 6: "the sum over all ports of change bits ever observed
// equals the number of hardware C_PORT_* clears issued").
func (p *PortStatus) clearChange(bits PortChangeBits) {
	p.Change &^= bits
}

func (p PortStatus) String() string {
	return fmt.Sprintf("status=%s change=%04x speed=%s", p.Status, uint16(p.Change), p.CachedSpeed)
}
