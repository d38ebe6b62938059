package device

import (
	"sync"

	"github.com/ardnew/softusb/device/hal"
	"github.com/ardnew/softusb/pkg"
	"github.com/ardnew/softusb/pkg/prof"
)

// MaxControlDataSize bounds the OUT data stage of a control transfer: the
// control engine receives it into a fixed buffer of this many bytes.
const MaxControlDataSize = 512

// Stack owns the event queue and runs the single device task that drains it.
// It implements [hal.EventSink]: every method the DCD calls back through does
// nothing but translate the report into an [Event] and push it, so the
// caller's context (interrupt handler or otherwise) never blocks and never
// touches device state directly.
type Stack struct {
	device *Device
	dcd    hal.DeviceHAL
	config Config

	queue   *EventQueue
	control *controlEngine

	wake    chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mutex   sync.Mutex
	running bool

	onConnect    func()
	onDisconnect func()
}

// NewStack creates a device stack around dev and dcd, using cfg for queue
// depth and other init-time options. Use [DefaultConfig] for the reference
// core's defaults.
func NewStack(dev *Device, dcd hal.DeviceHAL, cfg Config) *Stack {
	return &Stack{
		device:  dev,
		dcd:     dcd,
		config:  cfg,
		queue:   NewEventQueue(cfg.TaskQueueSize),
		control: newControlEngine(dcd, dev),
		wake:    make(chan struct{}, 1),
	}
}

// Device returns the underlying device.
func (s *Stack) Device() *Device {
	return s.device
}

// RegisterClassDriver adds d to the ordered list of drivers offered each
// unclaimed interface on SET_CONFIGURATION; see [claimConfiguration].
// Registration order is claim priority, matching TinyUSB's built-in class
// driver table. Call before [Stack.Start]; the device task is the only
// reader and it never mutates the list itself.
func (s *Stack) RegisterClassDriver(d ClassDriver) {
	s.control.drivers = append(s.control.drivers, d)
}

// Start initializes the DCD, registers this stack as its event sink, enables
// interrupts, and starts the device task goroutine. Matches tud_init +
// the host's eventual call to dcd_connect.
func (s *Stack) Start() error {
	s.mutex.Lock()
	if s.running {
		s.mutex.Unlock()
		return pkg.ErrAlreadyRunning
	}
	s.stopCh = make(chan struct{})
	s.running = true
	s.mutex.Unlock()

	s.dcd.SetEventSink(s)

	if err := s.dcd.Init(); err != nil {
		s.mutex.Lock()
		s.running = false
		s.mutex.Unlock()
		return err
	}
	s.dcd.IntEnable()

	s.wg.Add(1)
	go s.run()

	pkg.LogDebug(pkg.ComponentStack, "device stack started",
		"queue_depth", s.config.TaskQueueSize)

	return s.dcd.Connect()
}

// Stop disables interrupts, disconnects from the bus, and halts the device
// task. It blocks until the task goroutine has returned.
func (s *Stack) Stop() error {
	s.mutex.Lock()
	if !s.running {
		s.mutex.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	s.mutex.Unlock()

	s.dcd.IntDisable()
	err := s.dcd.Disconnect()

	s.wg.Wait()
	pkg.LogDebug(pkg.ComponentStack, "device stack stopped")
	return err
}

// IsRunning returns true if the device task is active.
func (s *Stack) IsRunning() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.running
}

// SetOnConnect sets the bus-reset (connect) callback, invoked from the
// device task after [Device.Reset].
func (s *Stack) SetOnConnect(cb func()) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.onConnect = cb
}

// SetOnDisconnect sets the unplug callback, invoked from the device task.
func (s *Stack) SetOnDisconnect(cb func()) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.onDisconnect = cb
}

// StartProfile begins streaming a CPU profile of the device task to path.
// A no-op unless built with the "profile" tag; see [prof].
func (s *Stack) StartProfile(path string) error {
	return prof.StartCPU(path)
}

// StopProfile stops a profile started with [Stack.StartProfile].
func (s *Stack) StopProfile() {
	prof.StopCPU()
}

// --- hal.EventSink ---

func (s *Stack) EventBusReset(speed hal.Speed, inISR bool) {
	s.pushEvent(Event{Kind: EventBusReset, Speed: speed}, inISR)
}

func (s *Stack) EventUnplugged(inISR bool) {
	s.pushEvent(Event{Kind: EventUnplugged}, inISR)
}

func (s *Stack) EventSetupReceived(setup *hal.SetupPacket, inISR bool) {
	s.pushEvent(Event{Kind: EventSetupReceived, Setup: *setup}, inISR)
}

func (s *Stack) EventXferComplete(epAddr uint8, length int, status pkg.TransferStatus, inISR bool) {
	s.pushEvent(Event{
		Kind:       EventXferComplete,
		EPAddr:     epAddr,
		XferLength: length,
		Status:     status,
	}, inISR)
}

func (s *Stack) EventBusSignal(kind hal.BusSignal, inISR bool) {
	switch kind {
	case hal.BusSignalSuspend:
		s.pushEvent(Event{Kind: EventSuspend}, inISR)
	case hal.BusSignalResume:
		s.pushEvent(Event{Kind: EventResume}, inISR)
	case hal.BusSignalSOF:
		s.pushEvent(Event{Kind: EventSOF}, inISR)
	}
}

// SubmitXfer claims ep and hands buf to the DCD, implementing the
// claim/busy protocol class drivers use for bulk, interrupt, and
// isochronous transfers: claim fails if a transfer is already outstanding,
// busy is set before the DCD call so a synchronous completion observes it,
// and the claim is reverted if the DCD rejects the submission outright.
// Must only be called from the device task, including from a
// [XferCompleteHandler] callback.
func (s *Stack) SubmitXfer(ep *Endpoint, buf []byte) error {
	if !ep.Claim() {
		return pkg.ErrEndpointBusy
	}
	ep.SetBusy()
	if err := s.dcd.EdptXfer(ep.Address, buf); err != nil {
		ep.ClearBusy()
		return err
	}
	return nil
}

// PostFunc enqueues fn to run on the device task. Class drivers use this to
// schedule follow-up work (e.g. the next chunk of a long transfer) without
// recursing into the task from within a callback.
func (s *Stack) PostFunc(fn func()) {
	s.pushEvent(Event{Kind: EventFuncCall, Fn: fn}, false)
}

// pushEvent enqueues ev and wakes the task. A full queue only ever indicates
// the task has fallen behind the DCD; that event is dropped and logged,
// never blocked on, per the no-suspension-points rule the task and its
// callers share. A filtered event (see [EventQueue.TryPush]) is normal
// host-quirk handling and is not logged.
func (s *Stack) pushEvent(ev Event, inISR bool) {
	switch s.queue.TryPush(ev, inISR) {
	case PushOK:
		select {
		case s.wake <- struct{}{}:
		default:
		}
	case PushFull:
		pkg.LogWarn(pkg.ComponentQueue, "event queue full, dropping event",
			"kind", ev.Kind.String())
	}
}

// run is the device task: the sole mutator of device, endpoint, and
// class-driver state. It drains the event queue to empty before waiting
// again, so a burst of events (e.g. several XferComplete reports between
// wake-ups) is handled without re-blocking between each one.
func (s *Stack) run() {
	defer s.wg.Done()
	for {
		ev, ok := s.queue.Pop()
		if !ok {
			select {
			case <-s.wake:
				continue
			case <-s.stopCh:
				return
			}
		}
		s.dispatch(ev)
	}
}

func (s *Stack) dispatch(ev Event) {
	switch ev.Kind {
	case EventBusReset:
		s.handleBusReset(ev.Speed)
	case EventUnplugged:
		s.handleUnplugged()
	case EventSuspend:
		s.device.Suspend()
	case EventResume:
		s.device.Resume()
	case EventSOF:
		s.dispatchSOF()
	case EventSetupReceived:
		s.queue.SetConnected(true)
		s.control.handleSetup(&ev.Setup)
	case EventXferComplete:
		s.handleXferComplete(ev.EPAddr, ev.XferLength, ev.Status)
	case EventFuncCall:
		if ev.Fn != nil {
			ev.Fn()
		}
	}
}

func (s *Stack) handleBusReset(speed hal.Speed) {
	s.deactivateCurrentConfiguration()
	s.device.SetSpeed(halSpeedToDeviceSpeed(speed))
	s.device.Reset()
	s.control.reset()
	s.queue.SetConnected(true)

	s.mutex.Lock()
	cb := s.onConnect
	s.mutex.Unlock()
	if cb != nil {
		cb()
	}
}

func (s *Stack) handleUnplugged() {
	s.deactivateCurrentConfiguration()
	s.control.reset()
	s.queue.SetConnected(false)

	s.mutex.Lock()
	cb := s.onDisconnect
	s.mutex.Unlock()
	if cb != nil {
		cb()
	}
}

func (s *Stack) deactivateCurrentConfiguration() {
	if config := s.device.ActiveConfiguration(); config != nil {
		deactivateConfiguration(s.dcd, config)
	}
}

func (s *Stack) dispatchSOF() {
	config := s.device.ActiveConfiguration()
	if config == nil {
		return
	}
	for _, iface := range config.Interfaces() {
		driver := iface.ClassDriver()
		if h, ok := driver.(SOFHandler); ok {
			h.HandleSOF()
		}
	}
}

func (s *Stack) handleXferComplete(epAddr uint8, length int, status pkg.TransferStatus) {
	if epAddr == 0x00 || epAddr == 0x80 {
		s.control.handleXferComplete(length, status)
		return
	}

	ep := s.device.GetEndpoint(epAddr)
	if ep == nil {
		pkg.LogWarn(pkg.ComponentStack, "xfer complete on unknown endpoint",
			"endpoint", epAddr)
		return
	}
	ep.ClearBusy()

	iface := ep.Owner()
	if iface == nil {
		return
	}
	driver := iface.ClassDriver()
	if h, ok := driver.(XferCompleteHandler); ok {
		if err := h.HandleXferComplete(ep, length, status); err != nil {
			pkg.LogWarn(pkg.ComponentStack, "class driver xfer complete error",
				"endpoint", epAddr, "error", err)
		}
	}
}

// halSpeedToDeviceSpeed converts hal.Speed to device.Speed. The two enums
// are distinct types with different numeric values (hal reserves 0 for
// SpeedUnknown), so the hal package never depends on device. An unknown
// speed maps to SpeedFull.
func halSpeedToDeviceSpeed(s hal.Speed) Speed {
	switch s {
	case hal.SpeedLow:
		return SpeedLow
	case hal.SpeedHigh:
		return SpeedHigh
	default:
		return SpeedFull
	}
}

// errorToStatus converts an error returned by a DCD call into the transfer
// status a class driver or completion callback would see.
func errorToStatus(err error) pkg.TransferStatus {
	switch err {
	case nil:
		return pkg.TransferStatusSuccess
	case pkg.ErrStall:
		return pkg.TransferStatusStall
	case pkg.ErrNAK:
		return pkg.TransferStatusNAK
	case pkg.ErrTimeout:
		return pkg.TransferStatusTimeout
	case pkg.ErrCancelled:
		return pkg.TransferStatusCancelled
	case pkg.ErrOverrun:
		return pkg.TransferStatusOverrun
	case pkg.ErrUnderrun:
		return pkg.TransferStatusUnderrun
	default:
		return pkg.TransferStatusError
	}
}
