// Package device implements a pure-Go USB 1.1/2.0 device stack.
//
// It is platform-agnostic and interacts with hardware via the
// [hal.DeviceHAL] interface defined in the [github.com/ardnew/softusb/device/hal]
// package. The DCD exposes non-blocking operations for initialization,
// connection, endpoint configuration, and data I/O; it reports back through
// [hal.EventSink], letting platform vendors provide concrete implementations
// without changing the device stack.
//
// # Architecture
//
// The device stack is organized into several layers:
//
//   - [Device] manages device state, descriptors, and endpoint registry
//   - [Stack] owns the event queue and runs the device task that drains it
//   - [Endpoint] handles individual endpoint claim/busy/stall state;
//     transfers on it are submitted through [Stack.SubmitXfer]
//   - [Interface] groups endpoints and manages class drivers
//
// The task is the sole mutator of device, endpoint, and class-driver state.
// The only thing the DCD's interrupt handler does is push an [Event] onto
// the queue; everything else — including clearing an endpoint's busy bit,
// the control-transfer state machine, config-descriptor parsing, class
// driver dispatch — runs later, on the task, one event at a time. See
// [Stack.run] and the [Event] type for the queue contract.
//
// # Transfer Types
//
// Control transfers run through the EP0 state machine in [controlEngine].
// Bulk and interrupt transfers go through [Stack.SubmitXfer], which claims
// the endpoint and hands the buffer to the DCD; completion is reported back
// to the owning class driver's [XferCompleteHandler], if it implements one.
//
// # Device States
//
// The stack implements the USB 2.0 device state machine:
//
//	Attached → Powered → Default → Address → Configured → Suspended
//
// # Zero-Allocation Design
//
// The stack is designed for bare-metal and TinyGo compatibility with minimal
// heap allocations. Key patterns include:
//
//   - Serialization via MarshalTo(buf) instead of allocating Bytes()
//   - Parse functions with output parameters instead of returning pointers
//   - Fixed-size arrays instead of maps for endpoints, interfaces, etc.
//   - Caller-provided buffers for descriptor and string generation
//
// # Class Drivers
//
// The [ClassDriver] interface enables USB class implementations:
//
//	type ClassDriver interface {
//	    Open(iface *Interface) bool
//	    Init(iface *Interface) error
//	    HandleSetup(iface *Interface, setup *SetupPacket, data []byte) (resp []byte, handled bool, err error)
//	    SetAlternate(iface *Interface, alt uint8) error
//	    Close() error
//	}
//
// A class driver that submits its own bulk or interrupt transfers also
// implements [XferCompleteHandler], and [Starter] if it needs to begin
// submitting as soon as its endpoints are opened.
//
// Built-in support includes:
//
//   - [github.com/ardnew/softusb/device/class/hid] - Human Interface Device
//   - [github.com/ardnew/softusb/device/class/cdc] - Communications Device Class (CDC-ACM)
//   - [github.com/ardnew/softusb/device/class/msc] - Mass Storage Class (Bulk-Only Transport)
//
// Additional classes (USB Audio, CDC-ETM) can be implemented via this interface.
//
// # Example
//
//	dev := device.NewDevice(&device.DeviceDescriptor{
//	    USBVersion:    0x0200,
//	    VendorID:      0xCAFE,
//	    ProductID:     0xBABE,
//	    MaxPacketSize0: 64,
//	})
//	stack := device.NewStack(dev, dcd, device.DefaultConfig())
//	stack.Start()
//	defer stack.Stop()
//
// A synthetic DCD for testing is available in
// [github.com/ardnew/softusb/device/hal/mock].
package device
