// Package hal defines the Device Controller Driver (DCD) interface.
package hal

import "github.com/ardnew/softusb/pkg"

// Speed represents the USB connection speed.
type Speed uint8

// USB speed constants (USB 2.0 Specification).
const (
	SpeedUnknown Speed = iota // Not connected or unknown
	SpeedLow                  // Low Speed (1.5 Mbit/s)
	SpeedFull                 // Full Speed (12 Mbit/s)
	SpeedHigh                 // High Speed (480 Mbit/s)
)

// String returns a human-readable speed name.
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "Low Speed"
	case SpeedFull:
		return "Full Speed"
	case SpeedHigh:
		return "High Speed"
	default:
		return "Unknown"
	}
}

// BusSignal identifies the non-transfer bus conditions a DCD reports through
// EventSink.EventBusSignal.
type BusSignal uint8

// Bus signal kinds.
const (
	BusSignalSuspend BusSignal = iota
	BusSignalResume
	BusSignalSOF
)

// EndpointConfig describes an endpoint configuration for the HAL.
// This is a minimal, platform-agnostic representation used to configure
// hardware endpoints when a configuration is activated.
type EndpointConfig struct {
	Address       uint8  // Endpoint address including direction bit
	Attributes    uint8  // Transfer type and sync/usage flags
	MaxPacketSize uint16 // Maximum packet size
	Interval      uint8  // Polling interval for interrupt/isochronous
}

// Number returns the endpoint number (0-15).
func (e *EndpointConfig) Number() uint8 {
	return e.Address & 0x0F
}

// IsIn returns true if this is an IN endpoint (device to host).
func (e *EndpointConfig) IsIn() bool {
	return e.Address&0x80 != 0
}

// TransferType returns the transfer type (control, bulk, interrupt, isochronous).
func (e *EndpointConfig) TransferType() uint8 {
	return e.Attributes & 0x03
}

// SetupPacket represents a USB SETUP packet in the HAL layer.
// This is a fixed-size, zero-allocation structure for SETUP transactions.
type SetupPacket struct {
	RequestType uint8  // Request characteristics
	Request     uint8  // Specific request
	Value       uint16 // Request-specific value
	Index       uint16 // Request-specific index
	Length      uint16 // Number of bytes to transfer
}

// SetupPacketSize is the size of a USB SETUP packet in bytes.
const SetupPacketSize = 8

// ParseSetupPacket parses raw bytes into a SetupPacket.
// Returns false if data is too short.
func ParseSetupPacket(data []byte, out *SetupPacket) bool {
	if len(data) < SetupPacketSize {
		return false
	}
	out.RequestType = data[0]
	out.Request = data[1]
	out.Value = uint16(data[2]) | uint16(data[3])<<8
	out.Index = uint16(data[4]) | uint16(data[5])<<8
	out.Length = uint16(data[6]) | uint16(data[7])<<8
	return true
}

// MarshalTo writes the setup packet to buf.
// Returns the number of bytes written (8), or 0 if buf is too small.
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	buf[2] = byte(s.Value)
	buf[3] = byte(s.Value >> 8)
	buf[4] = byte(s.Index)
	buf[5] = byte(s.Index >> 8)
	buf[6] = byte(s.Length)
	buf[7] = byte(s.Length >> 8)
	return SetupPacketSize
}

// DeviceHAL defines the Device Controller Driver (DCD) interface.
//
// Every method here must return immediately. There are no blocking reads or
// writes: the DCD starts a hardware operation and later reports its
// completion through the EventSink the stack installed with SetEventSink.
// This mirrors a real controller, where the only thing software can do is
// kick a DMA/FIFO operation and wait for an interrupt.
//
// Platform vendors implement this interface once per controller; the device
// task and every class driver are written entirely against it and never
// touch registers directly.
type DeviceHAL interface {
	// SetEventSink installs the callback target the DCD uses to report bus
	// resets, SETUP packets, transfer completions, and bus signals. Called
	// once before Init.
	SetEventSink(sink EventSink)

	// Init prepares the controller hardware but does not yet attach to the
	// bus. Interrupts are expected to be disabled until IntEnable is called.
	Init() error

	// IntEnable unmasks the controller's interrupt sources.
	IntEnable()

	// IntDisable masks the controller's interrupt sources. The device stack
	// calls it when stopping, before Disconnect.
	IntDisable()

	// SetAddress programs the device address assigned by SET_ADDRESS. Some
	// controllers apply this immediately; others must defer it until the
	// status stage completes, which is why the core never calls this from
	// inside the status-stage completion itself.
	SetAddress(addr uint8) error

	// Connect asserts the pull-up (or equivalent) that makes the device
	// visible to the host. Returns ErrNotSupported if the controller has no
	// software-controlled pull-up.
	Connect() error

	// Disconnect deasserts the pull-up.
	Disconnect() error

	// RemoteWakeup signals a remote wakeup on a suspended bus.
	RemoteWakeup() error

	// EdptOpen configures a hardware endpoint per desc. Called once per
	// endpoint when a configuration is activated.
	EdptOpen(desc *EndpointConfig) error

	// EdptClose tears down a previously opened endpoint.
	EdptClose(epAddr uint8) error

	// EdptXfer starts a transfer of up to len(buf) bytes on epAddr. The
	// caller has already marked the endpoint busy; EdptXfer must report
	// completion later via EventSink.EventXferComplete, even for transfers
	// that complete synchronously within this call (the core tolerates a
	// same-stack-frame completion callback).
	EdptXfer(epAddr uint8, buf []byte) error

	// EdptStall halts an endpoint, signaling an error condition to the host.
	EdptStall(epAddr uint8) error

	// EdptClearStall clears a halt condition, typically in response to a
	// CLEAR_FEATURE(ENDPOINT_HALT) request.
	EdptClearStall(epAddr uint8) error

	// Edpt0StatusComplete notifies the DCD that the status stage of request
	// has finished. Most controllers can ignore this; it exists for
	// controllers that must delay SET_ADDRESS until the status stage is
	// acknowledged on the wire. A no-op implementation is correct.
	Edpt0StatusComplete(request *SetupPacket)
}

// EventSink receives asynchronous reports from a DeviceHAL. The device stack
// implements this interface; the DCD calls it from interrupt context (inISR
// true) or, for software/mock DCDs exercising the same path outside a real
// interrupt, from task context (inISR false). Implementations must not block
// and must not call back into the DCD.
type EventSink interface {
	// EventBusReset reports a bus reset at the given negotiated speed.
	EventBusReset(speed Speed, inISR bool)

	// EventUnplugged reports that V_BUS has gone away.
	EventUnplugged(inISR bool)

	// EventSetupReceived reports a SETUP packet on EP0.
	EventSetupReceived(setup *SetupPacket, inISR bool)

	// EventXferComplete reports the completion of a previously started
	// EdptXfer. xferredBytes is the number of bytes actually moved.
	EventXferComplete(epAddr uint8, xferredBytes int, status pkg.TransferStatus, inISR bool)

	// EventBusSignal reports a non-transfer bus condition (suspend, resume,
	// start-of-frame).
	EventBusSignal(kind BusSignal, inISR bool)
}
