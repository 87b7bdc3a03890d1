package usbcore

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the public API. These mirror the failure
// modes a caller can observe before a transfer even reaches the
// controller; per-transfer completion failures are reported through
// TransferErrorKind instead, since they must survive as data on the
// transfer across the controller boundary (see transfer.go).
var (
	ErrInvalidParameter  = errors.New("invalid parameter")
	ErrDeviceNotConnected = errors.New("device not connected")
	ErrNoDevice          = errors.New("no device")
	ErrBusy              = errors.New("busy")
	ErrTooEarly          = errors.New("too early to cancel")
	ErrTooLate           = errors.New("too late to cancel")
	ErrNotSupported      = errors.New("operation not supported")
	ErrAlreadyRegistered = errors.New("controller already registered")
	ErrNoMemory          = errors.New("out of memory")
	ErrNotReady          = errors.New("port not ready")
)

// TransferErrorKind is the discriminated failure taxonomy of spec §4.1 and
// §7. It is stored on the transfer (Transfer.Status) so that callers (and the completion worker) can branch on a closed set
// without parsing an error string.
type TransferErrorKind int

const (
	ErrorNone TransferErrorKind = iota
	ErrorNotStarted
	ErrorCancelled
	ErrorAllocatedIncorrectly
	ErrorDoubleSubmitted
	ErrorIncorrectlyFilledOut
	ErrorFailedToSubmit
	ErrorStalled
	ErrorDataBuffer
	ErrorBabble
	ErrorNak
	ErrorCrcOrTimeout
	ErrorBitstuff
	ErrorMissedMicroframe
	ErrorMisalignedBuffer
	ErrorDeviceNotConnected
	ErrorShortPacket
)

func (k TransferErrorKind) String() string {
	switch k {
	case ErrorNone:
		return "NoError"
	case ErrorNotStarted:
		return "NotStarted"
	case ErrorCancelled:
		return "Cancelled"
	case ErrorAllocatedIncorrectly:
		return "AllocatedIncorrectly"
	case ErrorDoubleSubmitted:
		return "DoubleSubmitted"
	case ErrorIncorrectlyFilledOut:
		return "IncorrectlyFilledOut"
	case ErrorFailedToSubmit:
		return "FailedToSubmit"
	case ErrorStalled:
		return "Stalled"
	case ErrorDataBuffer:
		return "DataBuffer"
	case ErrorBabble:
		return "Babble"
	case ErrorNak:
		return "Nak"
	case ErrorCrcOrTimeout:
		return "CrcOrTimeout"
	case ErrorBitstuff:
		return "Bitstuff"
	case ErrorMissedMicroframe:
		return "MissedMicroframe"
	case ErrorMisalignedBuffer:
		return "MisalignedBuffer"
	case ErrorDeviceNotConnected:
		return "DeviceNotConnected"
	case ErrorShortPacket:
		return "ShortPacket"
	default:
		return "Unknown"
	}
}

// invariantViolation is raised by fatalf when the engine observes a state
// that the spec declares impossible (§7 "fatal invariant violations").
// A real kernel-mode core would bugcheck with a diagnostic carrying the
// offending transfer and observed state; here that maps to a panic
// carrying the same information, since Go has no kernel to crash.
type invariantViolation struct {
	msg       string
	transfer  *Transfer
	state     TransferState
}

func (e *invariantViolation) Error() string {
	return e.msg
}

func fatalf(t *Transfer, state TransferState, format string, args ...any) {
	panic(&invariantViolation{
		msg:      fmt.Sprintf(format, args...),
		transfer: t,
		state:    state,
	})
}
