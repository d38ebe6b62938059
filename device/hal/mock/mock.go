// Package mock provides a synthetic Device Controller Driver for testing
// the device stack without real hardware.
//
// Instead of a FIFO pair shared with a host process, it records every call
// the stack makes (Init, EdptOpen, EdptXfer, ...) and lets the test drive
// EventSink calls directly, synchronously, from the test goroutine. This
// makes the full event-queue/task cycle unit-testable without syscalls.
package mock

import (
	"sync"
	"sync/atomic"

	"github.com/ardnew/softusb/device/hal"
	"github.com/ardnew/softusb/pkg"
)

// MaxEndpoints is the maximum number of data endpoints the mock tracks.
const MaxEndpoints = 16

// Call records a single method invocation for test assertions.
type Call struct {
	Method string
	EPAddr uint8
	Data   []byte
}

// DCD is a synchronous, in-memory hal.DeviceHAL implementation.
type DCD struct {
	mutex sync.Mutex
	sink  hal.EventSink
	calls []Call

	connected uint32
	speed     hal.Speed
	address   uint8

	endpoints [MaxEndpoints]hal.EndpointConfig
	opened    [MaxEndpoints]bool
	stalled   [MaxEndpoints]bool

	// XferResult, if set, is consulted by EdptXfer to decide whether to
	// immediately report a synchronous completion. Tests that want to drive
	// completions manually leave this nil and call InjectXferComplete
	// themselves.
	XferResult func(epAddr uint8, buf []byte) (length int, status pkg.TransferStatus)

	// FailConnect/FailInit, when true, make the corresponding method return
	// an error, for exercising Stack error paths.
	FailInit    bool
	FailConnect bool

	// FailXfer, when true, makes EdptXfer reject the submission outright
	// instead of starting a transfer, for exercising the caller's
	// claim-revert path.
	FailXfer bool
}

// New creates a mock DCD.
func New() *DCD {
	return &DCD{speed: hal.SpeedFull}
}

func (d *DCD) record(method string, epAddr uint8, data []byte) {
	d.mutex.Lock()
	d.calls = append(d.calls, Call{Method: method, EPAddr: epAddr, Data: data})
	d.mutex.Unlock()
}

// Calls returns a copy of every call recorded so far, in order.
func (d *DCD) Calls() []Call {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	out := make([]Call, len(d.calls))
	copy(out, d.calls)
	return out
}

// SetEventSink implements hal.DeviceHAL.
func (d *DCD) SetEventSink(sink hal.EventSink) {
	d.mutex.Lock()
	d.sink = sink
	d.mutex.Unlock()
}

// Init implements hal.DeviceHAL.
func (d *DCD) Init() error {
	d.record("Init", 0, nil)
	if d.FailInit {
		return pkg.ErrInvalidState
	}
	return nil
}

// IntEnable implements hal.DeviceHAL.
func (d *DCD) IntEnable() { d.record("IntEnable", 0, nil) }

// IntDisable implements hal.DeviceHAL.
func (d *DCD) IntDisable() { d.record("IntDisable", 0, nil) }

// SetAddress implements hal.DeviceHAL.
func (d *DCD) SetAddress(addr uint8) error {
	d.record("SetAddress", addr, nil)
	d.mutex.Lock()
	d.address = addr
	d.mutex.Unlock()
	return nil
}

// Connect implements hal.DeviceHAL.
func (d *DCD) Connect() error {
	d.record("Connect", 0, nil)
	if d.FailConnect {
		return pkg.ErrNotSupported
	}
	atomic.StoreUint32(&d.connected, 1)
	return nil
}

// Disconnect implements hal.DeviceHAL.
func (d *DCD) Disconnect() error {
	d.record("Disconnect", 0, nil)
	atomic.StoreUint32(&d.connected, 0)
	return nil
}

// RemoteWakeup implements hal.DeviceHAL.
func (d *DCD) RemoteWakeup() error {
	d.record("RemoteWakeup", 0, nil)
	return nil
}

// EdptOpen implements hal.DeviceHAL.
func (d *DCD) EdptOpen(desc *hal.EndpointConfig) error {
	d.record("EdptOpen", desc.Address, nil)
	idx := desc.Number()
	if idx >= MaxEndpoints {
		return pkg.ErrInvalidEndpoint
	}
	d.mutex.Lock()
	d.endpoints[idx] = *desc
	d.opened[idx] = true
	d.mutex.Unlock()
	return nil
}

// EdptClose implements hal.DeviceHAL.
func (d *DCD) EdptClose(epAddr uint8) error {
	d.record("EdptClose", epAddr, nil)
	idx := epAddr & 0x0F
	if idx >= MaxEndpoints {
		return pkg.ErrInvalidEndpoint
	}
	d.mutex.Lock()
	d.opened[idx] = false
	d.mutex.Unlock()
	return nil
}

// EdptXfer implements hal.DeviceHAL. If XferResult is set, it calls back
// into the sink synchronously with the configured result, exercising the
// "completion observed within the same call" contract the core tolerates.
func (d *DCD) EdptXfer(epAddr uint8, buf []byte) error {
	d.record("EdptXfer", epAddr, buf)

	d.mutex.Lock()
	sink := d.sink
	resultFn := d.XferResult
	fail := d.FailXfer
	d.mutex.Unlock()

	if fail {
		return pkg.ErrInvalidState
	}

	if resultFn != nil && sink != nil {
		length, status := resultFn(epAddr, buf)
		sink.EventXferComplete(epAddr, length, status, false)
	}
	return nil
}

// EdptStall implements hal.DeviceHAL.
func (d *DCD) EdptStall(epAddr uint8) error {
	d.record("EdptStall", epAddr, nil)
	idx := epAddr & 0x0F
	if idx < MaxEndpoints {
		d.mutex.Lock()
		d.stalled[idx] = true
		d.mutex.Unlock()
	}
	return nil
}

// EdptClearStall implements hal.DeviceHAL.
func (d *DCD) EdptClearStall(epAddr uint8) error {
	d.record("EdptClearStall", epAddr, nil)
	idx := epAddr & 0x0F
	if idx < MaxEndpoints {
		d.mutex.Lock()
		d.stalled[idx] = false
		d.mutex.Unlock()
	}
	return nil
}

// Edpt0StatusComplete implements hal.DeviceHAL.
func (d *DCD) Edpt0StatusComplete(request *hal.SetupPacket) {
	d.record("Edpt0StatusComplete", 0, nil)
}

// IsStalled reports the recorded stall state of an endpoint, for test
// assertions.
func (d *DCD) IsStalled(epAddr uint8) bool {
	idx := epAddr & 0x0F
	if idx >= MaxEndpoints {
		return false
	}
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.stalled[idx]
}

// IsOpened reports whether EdptOpen has been called (without a matching
// EdptClose) for the given endpoint number, for test assertions.
func (d *DCD) IsOpened(epAddr uint8) bool {
	idx := epAddr & 0x0F
	if idx >= MaxEndpoints {
		return false
	}
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.opened[idx]
}

// Address returns the last address programmed via SetAddress.
func (d *DCD) Address() uint8 {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.address
}

// InjectBusReset drives an EventBusReset through the installed sink, as if
// the controller's interrupt handler had observed a bus reset.
func (d *DCD) InjectBusReset(speed hal.Speed, inISR bool) {
	d.mutex.Lock()
	d.speed = speed
	sink := d.sink
	d.mutex.Unlock()
	atomic.StoreUint32(&d.connected, 1)
	if sink != nil {
		sink.EventBusReset(speed, inISR)
	}
}

// InjectSetup drives an EventSetupReceived through the installed sink.
func (d *DCD) InjectSetup(setup *hal.SetupPacket, inISR bool) {
	d.mutex.Lock()
	sink := d.sink
	d.mutex.Unlock()
	if sink != nil {
		sink.EventSetupReceived(setup, inISR)
	}
}

// InjectXferComplete drives an EventXferComplete through the installed sink.
func (d *DCD) InjectXferComplete(epAddr uint8, length int, status pkg.TransferStatus, inISR bool) {
	d.mutex.Lock()
	sink := d.sink
	d.mutex.Unlock()
	if sink != nil {
		sink.EventXferComplete(epAddr, length, status, inISR)
	}
}

// InjectUnplugged drives an EventUnplugged through the installed sink.
func (d *DCD) InjectUnplugged(inISR bool) {
	d.mutex.Lock()
	sink := d.sink
	d.mutex.Unlock()
	atomic.StoreUint32(&d.connected, 0)
	if sink != nil {
		sink.EventUnplugged(inISR)
	}
}

// InjectBusSignal drives an EventBusSignal through the installed sink.
func (d *DCD) InjectBusSignal(kind hal.BusSignal, inISR bool) {
	d.mutex.Lock()
	sink := d.sink
	d.mutex.Unlock()
	if sink != nil {
		sink.EventBusSignal(kind, inISR)
	}
}
