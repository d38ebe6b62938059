package hid

import (
	"sync"

	"github.com/ardnew/softusb/device"
	"github.com/ardnew/softusb/pkg"
)

// MaxReportSize is the maximum HID report size.
const MaxReportSize = 64

// maxQueuedReports bounds the number of input reports SendReport can queue
// ahead of the wire before a caller must wait for Available to drop.
const maxQueuedReports = 8

// HID implements a HID class driver. Report delivery is non-blocking:
// SendReport queues a report and the device task drains the queue onto the
// interrupt IN endpoint as it frees up, mirroring the way tud_hid_report
// hands a report to the stack without waiting for it to go out.
type HID struct {
	// Interface
	iface *device.Interface

	// Endpoints
	inEP  *device.Endpoint // Interrupt IN for input reports
	outEP *device.Endpoint // Interrupt OUT for output reports (optional)

	// Stack reference for data transfer
	stack *device.Stack

	// Report descriptor (stored by reference)
	reportDescriptor []byte

	// HID descriptor
	hidDescriptor HIDDescriptor

	// State
	protocol uint8 // 0 = boot, 1 = report
	idleRate uint8 // Idle rate in 4ms units (0 = infinite)

	// Callbacks
	onOutputReport     func(data []byte)
	onFeatureReport    func(reportID uint8, data []byte)
	onGetFeatureReport func(reportID uint8, buf []byte) int
	onSetProtocol      func(protocol uint8)
	onSetIdle          func(rate uint8, reportID uint8)

	// Buffers (zero-allocation pattern)
	reportBuf   [MaxReportSize]byte
	responseBuf [MaxReportSize]byte
	outXferBuf  [MaxReportSize]byte

	// lastReport caches the most recently queued input report, returned for
	// a GET_REPORT(Input) request per the HID spec's "current state" intent.
	lastReport    [MaxReportSize]byte
	lastReportLen int

	// Input report queue: a ring of fixed-size slots, drained to the wire
	// one at a time as the interrupt IN endpoint frees up.
	reportQueue    [maxQueuedReports][MaxReportSize]byte
	reportLens     [maxQueuedReports]int
	queueHead      int
	queueTail      int
	queueCount     int

	// State
	mutex      sync.Mutex
	configured bool
}

// New creates a new HID class driver with the given report descriptor.
// The report descriptor is stored by reference.
func New(reportDescriptor []byte) *HID {
	return &HID{
		reportDescriptor: reportDescriptor,
		hidDescriptor: HIDDescriptor{
			Length:         HIDDescriptorSize,
			DescriptorType: DescriptorTypeHID,
			HIDVersion:     0x0111, // HID 1.11
			CountryCode:    CountryNone,
			NumDescriptors: 1,
			ReportDescType: DescriptorTypeReport,
			ReportDescLen:  uint16(len(reportDescriptor)),
		},
		protocol: ProtocolReport,
	}
}

// SetStack sets the device stack reference for data transfer.
func (h *HID) SetStack(stack *device.Stack) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.stack = stack
}

// SetOnOutputReport sets the callback for output reports from the host.
func (h *HID) SetOnOutputReport(cb func(data []byte)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onOutputReport = cb
}

// SetOnFeatureReport sets the callback for SET_REPORT(Feature) from the host.
func (h *HID) SetOnFeatureReport(cb func(reportID uint8, data []byte)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onFeatureReport = cb
}

// SetOnGetFeatureReport sets the callback that supplies the response data
// for a GET_REPORT(Feature) request. cb writes into buf and returns the
// number of bytes written.
func (h *HID) SetOnGetFeatureReport(cb func(reportID uint8, buf []byte) int) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onGetFeatureReport = cb
}

// SetOnSetProtocol sets the callback for protocol changes.
func (h *HID) SetOnSetProtocol(cb func(protocol uint8)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onSetProtocol = cb
}

// SetOnSetIdle sets the callback for idle rate changes.
func (h *HID) SetOnSetIdle(cb func(rate uint8, reportID uint8)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onSetIdle = cb
}

// Protocol returns the current protocol (boot or report).
func (h *HID) Protocol() uint8 {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.protocol
}

// IdleRate returns the current idle rate.
func (h *HID) IdleRate() uint8 {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.idleRate
}

// ReportDescriptor returns the report descriptor.
func (h *HID) ReportDescriptor() []byte {
	return h.reportDescriptor
}

// Available reports the number of input reports still queued behind the
// wire.
func (h *HID) Available() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.queueCount
}

// Open reports whether iface is a Human Interface Device interface this
// driver can claim. Subclass and protocol vary between boot and report
// devices, so only the class code is checked.
func (h *HID) Open(iface *device.Interface) bool {
	return iface.Class == ClassHID
}

// Init initializes the class driver for the given interface.
func (h *HID) Init(iface *device.Interface) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.iface = iface

	for _, ep := range iface.Endpoints() {
		if ep.IsInterrupt() {
			if ep.IsIn() {
				h.inEP = ep
			} else {
				h.outEP = ep
			}
		}
	}

	if h.inEP == nil {
		return pkg.ErrInvalidEndpoint
	}

	h.configured = true
	pkg.LogDebug(pkg.ComponentDevice, "HID configured",
		"inEP", h.inEP.Address,
		"reportDescLen", len(h.reportDescriptor))

	return nil
}

// Start arms the interrupt OUT endpoint, if one exists, for the first
// output report once SET_CONFIGURATION has opened the endpoints. See
// [device.Starter].
func (h *HID) Start() error {
	h.mutex.Lock()
	stack := h.stack
	ep := h.outEP
	h.mutex.Unlock()

	if stack == nil || ep == nil {
		return nil
	}
	return stack.SubmitXfer(ep, h.outXferBuf[:])
}

// HandleSetup processes class-specific SETUP requests.
func (h *HID) HandleSetup(iface *device.Interface, setup *device.SetupPacket, data []byte) ([]byte, bool, error) {
	// Handle standard requests for HID descriptors
	if setup.IsStandard() && setup.Request == device.RequestGetDescriptor {
		return h.handleGetDescriptor(setup)
	}

	if !setup.IsClass() {
		return nil, false, nil
	}

	switch setup.Request {
	case RequestGetReport:
		return h.handleGetReport(setup)

	case RequestSetReport:
		return h.handleSetReport(setup, data)

	case RequestGetIdle:
		return h.handleGetIdle(setup)

	case RequestSetIdle:
		return h.handleSetIdle(setup)

	case RequestGetProtocol:
		return h.handleGetProtocol(setup)

	case RequestSetProtocol:
		return h.handleSetProtocol(setup)

	default:
		return nil, false, nil
	}
}

// handleGetDescriptor handles GET_DESCRIPTOR for HID and Report descriptors.
func (h *HID) handleGetDescriptor(setup *device.SetupPacket) ([]byte, bool, error) {
	descType := setup.DescriptorType()

	switch descType {
	case DescriptorTypeHID:
		h.mutex.Lock()
		n := h.hidDescriptor.MarshalTo(h.responseBuf[:])
		h.mutex.Unlock()

		if n == 0 {
			return nil, true, pkg.ErrBufferTooSmall
		}
		return h.responseBuf[:n], true, nil

	case DescriptorTypeReport:
		return h.reportDescriptor, true, nil

	default:
		return nil, false, nil
	}
}

// handleGetReport handles GET_REPORT request.
func (h *HID) handleGetReport(setup *device.SetupPacket) ([]byte, bool, error) {
	reportType := uint8(setup.Value >> 8)
	reportID := uint8(setup.Value & 0xFF)

	pkg.LogDebug(pkg.ComponentDevice, "GET_REPORT",
		"type", reportType,
		"id", reportID)

	switch reportType {
	case ReportTypeInput:
		h.mutex.Lock()
		n := h.lastReportLen
		copy(h.responseBuf[:n], h.lastReport[:n])
		h.mutex.Unlock()
		return h.responseBuf[:n], true, nil

	case ReportTypeFeature:
		h.mutex.Lock()
		cb := h.onGetFeatureReport
		h.mutex.Unlock()
		if cb == nil {
			return nil, true, nil
		}
		n := cb(reportID, h.responseBuf[:])
		return h.responseBuf[:n], true, nil

	default:
		return nil, true, nil
	}
}

// handleSetReport handles SET_REPORT request.
func (h *HID) handleSetReport(setup *device.SetupPacket, data []byte) ([]byte, bool, error) {
	reportType := uint8(setup.Value >> 8)
	reportID := uint8(setup.Value & 0xFF)

	pkg.LogDebug(pkg.ComponentDevice, "SET_REPORT",
		"type", reportType,
		"id", reportID,
		"len", len(data))

	h.mutex.Lock()
	outputCb := h.onOutputReport
	featureCb := h.onFeatureReport
	h.mutex.Unlock()

	switch reportType {
	case ReportTypeOutput:
		if outputCb != nil {
			outputCb(data)
		}
	case ReportTypeFeature:
		if featureCb != nil {
			featureCb(reportID, data)
		}
	}

	return nil, true, nil
}

// handleGetIdle handles GET_IDLE request.
func (h *HID) handleGetIdle(setup *device.SetupPacket) ([]byte, bool, error) {
	h.mutex.Lock()
	h.responseBuf[0] = h.idleRate
	h.mutex.Unlock()

	return h.responseBuf[:1], true, nil
}

// handleSetIdle handles SET_IDLE request.
func (h *HID) handleSetIdle(setup *device.SetupPacket) ([]byte, bool, error) {
	rate := uint8(setup.Value >> 8)
	reportID := uint8(setup.Value & 0xFF)

	h.mutex.Lock()
	h.idleRate = rate
	cb := h.onSetIdle
	h.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentDevice, "SET_IDLE",
		"rate", rate,
		"reportID", reportID)

	if cb != nil {
		cb(rate, reportID)
	}

	return nil, true, nil
}

// handleGetProtocol handles GET_PROTOCOL request.
func (h *HID) handleGetProtocol(setup *device.SetupPacket) ([]byte, bool, error) {
	h.mutex.Lock()
	h.responseBuf[0] = h.protocol
	h.mutex.Unlock()

	return h.responseBuf[:1], true, nil
}

// handleSetProtocol handles SET_PROTOCOL request.
func (h *HID) handleSetProtocol(setup *device.SetupPacket) ([]byte, bool, error) {
	protocol := uint8(setup.Value & 0xFF)

	h.mutex.Lock()
	h.protocol = protocol
	cb := h.onSetProtocol
	h.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentDevice, "SET_PROTOCOL",
		"protocol", protocol)

	if cb != nil {
		cb(protocol)
	}

	return nil, true, nil
}

// SetAlternate handles alternate setting changes.
func (h *HID) SetAlternate(iface *device.Interface, alt uint8) error {
	pkg.LogDebug(pkg.ComponentDevice, "HID alternate setting",
		"interface", iface.Number,
		"alt", alt)
	return nil
}

// Close releases resources held by the class driver.
func (h *HID) Close() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.iface = nil
	h.inEP = nil
	h.outEP = nil
	h.stack = nil
	h.configured = false
	h.queueHead = 0
	h.queueTail = 0
	h.queueCount = 0

	return nil
}

// HandleXferComplete drains the next queued input report onto the
// interrupt IN endpoint, or delivers and re-arms a completed output report.
func (h *HID) HandleXferComplete(ep *device.Endpoint, length int, status pkg.TransferStatus) error {
	switch ep {
	case h.inEP:
		return h.flushQueue()

	case h.outEP:
		h.mutex.Lock()
		cb := h.onOutputReport
		h.mutex.Unlock()
		if status == pkg.TransferStatusSuccess && length > 0 && cb != nil {
			cb(h.outXferBuf[:length])
		}
		h.mutex.Lock()
		stack := h.stack
		h.mutex.Unlock()
		if stack == nil {
			return nil
		}
		return stack.SubmitXfer(h.outEP, h.outXferBuf[:])

	default:
		return nil
	}
}

// flushQueue submits the oldest queued report on the interrupt IN endpoint,
// if any is waiting.
func (h *HID) flushQueue() error {
	h.mutex.Lock()
	if h.queueCount == 0 {
		h.mutex.Unlock()
		return nil
	}
	copy(h.reportBuf[:], h.reportQueue[h.queueHead][:h.reportLens[h.queueHead]])
	n := h.reportLens[h.queueHead]
	h.queueHead = (h.queueHead + 1) % maxQueuedReports
	h.queueCount--
	stack := h.stack
	h.mutex.Unlock()

	if stack == nil {
		return pkg.ErrNotConfigured
	}
	return stack.SubmitXfer(h.inEP, h.reportBuf[:n])
}

// SendReport queues an input report for delivery to the host. Non-blocking;
// returns [pkg.ErrQueueFull] if maxQueuedReports reports are already
// waiting.
func (h *HID) SendReport(data []byte) error {
	if len(data) > MaxReportSize {
		return pkg.ErrBufferTooSmall
	}

	h.mutex.Lock()
	if !h.configured || h.stack == nil {
		h.mutex.Unlock()
		return pkg.ErrNotConfigured
	}

	copy(h.lastReport[:], data)
	h.lastReportLen = len(data)

	idle := h.queueCount == 0 && !h.inEP.IsBusy()

	if !idle {
		if h.queueCount == maxQueuedReports {
			h.mutex.Unlock()
			return pkg.ErrQueueFull
		}
		copy(h.reportQueue[h.queueTail][:], data)
		h.reportLens[h.queueTail] = len(data)
		h.queueTail = (h.queueTail + 1) % maxQueuedReports
		h.queueCount++
		h.mutex.Unlock()
		return nil
	}
	stack := h.stack
	ep := h.inEP
	h.mutex.Unlock()

	return stack.SubmitXfer(ep, data)
}

// SendKeyboardReport sends a keyboard report to the host.
func (h *HID) SendKeyboardReport(report *KeyboardReport) error {
	var buf [MaxReportSize]byte
	n := report.MarshalTo(buf[:])
	if n == 0 {
		return pkg.ErrBufferTooSmall
	}
	return h.SendReport(buf[:n])
}

// SendMouseReport sends a mouse report to the host.
func (h *HID) SendMouseReport(report *MouseReport) error {
	var buf [MaxReportSize]byte
	n := report.MarshalTo(buf[:])
	if n == 0 {
		return pkg.ErrBufferTooSmall
	}
	return h.SendReport(buf[:n])
}

// ConfigureDevice adds the HID interface to a device builder.
func (h *HID) ConfigureDevice(builder *device.DeviceBuilder, inEPAddr uint8, subclass, protocol uint8) *device.DeviceBuilder {
	builder.AddInterface(ClassHID, subclass, protocol)
	builder.AddEndpoint(inEPAddr|device.EndpointDirectionIn, device.EndpointTypeInterrupt, 8)
	return builder
}

// ConfigureDeviceWithOutEP adds the HID interface with an OUT endpoint.
func (h *HID) ConfigureDeviceWithOutEP(builder *device.DeviceBuilder, inEPAddr, outEPAddr uint8, subclass, protocol uint8) *device.DeviceBuilder {
	builder.AddInterface(ClassHID, subclass, protocol)
	builder.AddEndpoint(inEPAddr|device.EndpointDirectionIn, device.EndpointTypeInterrupt, 8)
	builder.AddEndpoint(outEPAddr&0x0F, device.EndpointTypeInterrupt, 8)
	return builder
}

// AttachToInterface attaches this class driver to the HID interface.
// configValue is the configuration value (e.g., 1), ifaceNum is the interface number
// within that configuration.
func (h *HID) AttachToInterface(dev *device.Device, configValue, ifaceNum uint8) error {
	config := dev.GetConfiguration(configValue)
	if config == nil {
		return pkg.ErrInvalidRequest
	}

	iface := config.GetInterface(ifaceNum)
	if iface == nil {
		return pkg.ErrInvalidRequest
	}
	return iface.SetClassDriver(h)
}

var (
	_ device.ClassDriver         = (*HID)(nil)
	_ device.XferCompleteHandler = (*HID)(nil)
	_ device.Starter             = (*HID)(nil)
)
