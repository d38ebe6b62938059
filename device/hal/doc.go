// Package hal defines the Device Controller Driver (DCD) interface for USB
// device stacks.
//
// The DCD is a platform-agnostic, non-blocking interface between the device
// stack and the underlying USB controller hardware. Platform vendors
// implement [DeviceHAL] to bring up softusb on their specific controller.
//
// # Design Principles
//
// The interface is designed to be:
//
//   - Non-blocking: every method starts an operation and returns; results
//     arrive later through [EventSink]
//   - Minimal: only the operations essential for USB device functionality
//   - Generic: no platform-specific assumptions
//
// The device stack implements all USB protocol logic. The DCD handles only
// low-level hardware interaction and event reporting.
//
// # Interface Overview
//
// [DeviceHAL] is the stack-to-hardware direction: init/address/connect,
// endpoint open/close/xfer/stall. [EventSink] is the hardware-to-stack
// direction: bus reset, SETUP received, transfer complete, bus signal. A DCD
// implementation calls the sink it was given through SetEventSink; it never
// calls back into class drivers or the control engine.
//
// # Implementing a DCD
//
//  1. Implement every [DeviceHAL] method; store the [EventSink] from
//     SetEventSink.
//  2. In Init, configure the controller but leave interrupts masked.
//  3. From the controller's interrupt handler, translate hardware events
//     into EventSink calls with inISR=true. Keep the handler itself to
//     reading hardware status and calling the sink; do nothing else there.
//  4. EdptXfer must report completion via EventXferComplete even when the
//     controller completes the operation before EdptXfer returns.
//
// # Zero-Allocation Design
//
// DCD implementations should avoid allocation in the hot path: reuse
// caller-provided buffers, and keep any internal state in fixed-size arrays
// sized by EP_MAX.
//
// # Example
//
//	type MyDCD struct {
//	    sink hal.EventSink
//	}
//
//	func (d *MyDCD) SetEventSink(sink hal.EventSink) { d.sink = sink }
//
//	func (d *MyDCD) Init() error {
//	    // configure controller registers, leave interrupts masked
//	    return nil
//	}
//
//	// ... implement remaining DeviceHAL methods; call d.sink.Event* from
//	// the controller's interrupt handler.
//
// A synthetic DCD for unit tests, which records calls and lets the test
// inject events directly instead of using real hardware, is available in
// [github.com/ardnew/softusb/device/hal/mock].
package hal
