package cdc

import (
	"sync"

	"github.com/ardnew/softusb/device"
	"github.com/ardnew/softusb/pkg"
)

// MaxRxBufferSize is the maximum receive buffer size.
const MaxRxBufferSize = 4096

// MaxTxBufferSize is the maximum transmit buffer size.
const MaxTxBufferSize = 4096

// maxPacketSize bounds a single bulk transfer chunk, matching the endpoint
// max packet size ConfigureDevice opens the data endpoints with.
const maxPacketSize = 64

// byteRing is a fixed-capacity FIFO over a caller-supplied backing array, so
// the ACM driver never allocates on the data path.
type byteRing struct {
	buf               []byte
	head, tail, count int
}

func (r *byteRing) push(p []byte) int {
	n := 0
	for n < len(p) && r.count < len(r.buf) {
		r.buf[r.tail] = p[n]
		r.tail++
		if r.tail == len(r.buf) {
			r.tail = 0
		}
		r.count++
		n++
	}
	return n
}

func (r *byteRing) pop(p []byte) int {
	n := 0
	for n < len(p) && r.count > 0 {
		p[n] = r.buf[r.head]
		r.head++
		if r.head == len(r.buf) {
			r.head = 0
		}
		r.count--
		n++
	}
	return n
}

func (r *byteRing) len() int { return r.count }

// ACM implements a CDC-ACM (Abstract Control Model) class driver.
// It provides USB serial port functionality. Reads and writes are
// non-blocking: bytes pass through software FIFOs that the device task
// drains onto the wire as the bulk endpoints free up, the same contract
// tud_cdc_read/tud_cdc_write give an application.
type ACM struct {
	// Interfaces
	controlIface *device.Interface
	dataIface    *device.Interface

	// Endpoints
	notifyEP  *device.Endpoint // Interrupt IN for notifications
	dataInEP  *device.Endpoint // Bulk IN for data to host
	dataOutEP *device.Endpoint // Bulk OUT for data from host

	// Stack reference for data transfer
	stack *device.Stack

	// Configuration
	lineCoding   LineCoding
	controlState uint16
	serialState  uint16

	// Callbacks
	onLineCodingChange   func(*LineCoding)
	onControlStateChange func(dtr, rts bool)
	onBreak              func(millis uint16)

	// Software FIFOs backing Read/Write, plus the one in-flight chunk each
	// direction stages through (zero-allocation pattern).
	rxBuf      [MaxRxBufferSize]byte
	txBuf      [MaxTxBufferSize]byte
	rxRing     byteRing
	txRing     byteRing
	outXferBuf [maxPacketSize]byte
	inXferBuf  [maxPacketSize]byte

	responseBuf [LineCodingSize]byte

	// State
	mutex      sync.Mutex
	configured bool
}

// NewACM creates a new CDC-ACM class driver.
func NewACM() *ACM {
	a := &ACM{lineCoding: DefaultLineCoding}
	a.rxRing.buf = a.rxBuf[:]
	a.txRing.buf = a.txBuf[:]
	return a
}

// SetStack sets the device stack reference for data transfer.
func (a *ACM) SetStack(stack *device.Stack) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.stack = stack
}

// SetOnLineCodingChange sets the callback for line coding changes.
func (a *ACM) SetOnLineCodingChange(cb func(*LineCoding)) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.onLineCodingChange = cb
}

// SetOnControlStateChange sets the callback for control line state changes.
func (a *ACM) SetOnControlStateChange(cb func(dtr, rts bool)) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.onControlStateChange = cb
}

// SetOnBreak sets the callback for break signaling.
func (a *ACM) SetOnBreak(cb func(millis uint16)) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.onBreak = cb
}

// LineCoding returns the current line coding configuration.
func (a *ACM) LineCoding() LineCoding {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.lineCoding
}

// DTR returns the current DTR (Data Terminal Ready) state.
func (a *ACM) DTR() bool {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.controlState&ControlLineDTR != 0
}

// RTS returns the current RTS (Request To Send) state.
func (a *ACM) RTS() bool {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.controlState&ControlLineRTS != 0
}

// Open reports whether iface is either half (control or data) of a CDC-ACM
// function this driver can claim. A CDC function always spans an interface
// association of both halves; see [device.InterfaceAssociation].
func (a *ACM) Open(iface *device.Interface) bool {
	return iface.Class == ClassCDC || iface.Class == ClassCDCData
}

// Init initializes the class driver for the given interface.
// This is called by the device stack when the class driver is attached.
func (a *ACM) Init(iface *device.Interface) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	// Determine which interface this is based on class
	if iface.Class == ClassCDC {
		a.controlIface = iface
		for _, ep := range iface.Endpoints() {
			if ep.IsIn() && ep.IsInterrupt() {
				a.notifyEP = ep
				break
			}
		}
	} else if iface.Class == ClassCDCData {
		a.dataIface = iface
		for _, ep := range iface.Endpoints() {
			if ep.IsIn() && ep.IsBulk() {
				a.dataInEP = ep
			} else if ep.IsOut() && ep.IsBulk() {
				a.dataOutEP = ep
			}
		}
	}

	if a.controlIface != nil && a.dataIface != nil &&
		a.dataInEP != nil && a.dataOutEP != nil {
		a.configured = true
		pkg.LogDebug(pkg.ComponentDevice, "CDC-ACM configured",
			"dataIn", a.dataInEP.Address,
			"dataOut", a.dataOutEP.Address)
	}

	return nil
}

// Start arms the bulk OUT endpoint for the first chunk of host data, once
// SET_CONFIGURATION has opened the endpoints. See [device.Starter].
func (a *ACM) Start() error {
	a.mutex.Lock()
	stack := a.stack
	ep := a.dataOutEP
	configured := a.configured
	a.mutex.Unlock()

	if !configured || stack == nil || ep == nil {
		return nil
	}
	return stack.SubmitXfer(ep, a.outXferBuf[:])
}

// HandleSetup processes class-specific SETUP requests.
func (a *ACM) HandleSetup(iface *device.Interface, setup *device.SetupPacket, data []byte) ([]byte, bool, error) {
	if !setup.IsClass() {
		return nil, false, nil
	}

	switch setup.Request {
	case RequestSetLineCoding:
		return a.handleSetLineCoding(setup, data)

	case RequestGetLineCoding:
		return a.handleGetLineCoding(setup)

	case RequestSetControlLineState:
		return a.handleSetControlLineState(setup)

	case RequestSendBreak:
		return a.handleSendBreak(setup)

	default:
		return nil, false, nil
	}
}

// handleSetLineCoding handles the SET_LINE_CODING request.
func (a *ACM) handleSetLineCoding(setup *device.SetupPacket, data []byte) ([]byte, bool, error) {
	if len(data) < LineCodingSize {
		return nil, true, pkg.ErrBufferTooSmall
	}

	a.mutex.Lock()
	if !ParseLineCoding(data, &a.lineCoding) {
		a.mutex.Unlock()
		return nil, true, pkg.ErrBufferTooSmall
	}
	cb := a.onLineCodingChange
	lc := a.lineCoding
	a.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentDevice, "line coding set",
		"baud", lc.DTERate,
		"dataBits", lc.DataBits,
		"parity", lc.ParityType,
		"stopBits", lc.CharFormat)

	if cb != nil {
		cb(&lc)
	}

	return nil, true, nil
}

// handleGetLineCoding handles the GET_LINE_CODING request.
func (a *ACM) handleGetLineCoding(setup *device.SetupPacket) ([]byte, bool, error) {
	a.mutex.Lock()
	n := a.lineCoding.MarshalTo(a.responseBuf[:])
	a.mutex.Unlock()

	if n == 0 {
		return nil, true, pkg.ErrBufferTooSmall
	}

	return a.responseBuf[:n], true, nil
}

// handleSetControlLineState handles the SET_CONTROL_LINE_STATE request.
func (a *ACM) handleSetControlLineState(setup *device.SetupPacket) ([]byte, bool, error) {
	a.mutex.Lock()
	a.controlState = setup.Value
	cb := a.onControlStateChange
	dtr := a.controlState&ControlLineDTR != 0
	rts := a.controlState&ControlLineRTS != 0
	a.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentDevice, "control line state set",
		"dtr", dtr,
		"rts", rts)

	if cb != nil {
		cb(dtr, rts)
	}

	return nil, true, nil
}

// handleSendBreak handles the SEND_BREAK request.
func (a *ACM) handleSendBreak(setup *device.SetupPacket) ([]byte, bool, error) {
	millis := setup.Value

	a.mutex.Lock()
	cb := a.onBreak
	a.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentDevice, "break signaled",
		"duration_ms", millis)

	if cb != nil {
		cb(millis)
	}

	return nil, true, nil
}

// SetAlternate handles alternate setting changes.
func (a *ACM) SetAlternate(iface *device.Interface, alt uint8) error {
	pkg.LogDebug(pkg.ComponentDevice, "CDC alternate setting",
		"interface", iface.Number,
		"alt", alt)
	return nil
}

// Close releases resources held by the class driver.
func (a *ACM) Close() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.controlIface = nil
	a.dataIface = nil
	a.notifyEP = nil
	a.dataInEP = nil
	a.dataOutEP = nil
	a.stack = nil
	a.configured = false

	return nil
}

// HandleXferComplete drains a completed bulk OUT chunk into the receive
// FIFO and re-arms the endpoint, or advances the transmit FIFO out onto a
// completed bulk IN chunk. Runs on the device task.
func (a *ACM) HandleXferComplete(ep *device.Endpoint, length int, status pkg.TransferStatus) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	switch ep {
	case a.dataOutEP:
		if status == pkg.TransferStatusSuccess && length > 0 {
			if n := a.rxRing.push(a.outXferBuf[:length]); n < length {
				pkg.LogWarn(pkg.ComponentDevice, "CDC rx FIFO overrun, dropping bytes",
					"dropped", length-n)
			}
		}
		return a.stack.SubmitXfer(a.dataOutEP, a.outXferBuf[:])

	case a.dataInEP:
		return a.flushTxLocked()

	default:
		return nil
	}
}

// flushTxLocked submits the next queued chunk on the bulk IN endpoint, if
// any. Caller holds a.mutex.
func (a *ACM) flushTxLocked() error {
	if a.txRing.len() == 0 {
		return nil
	}
	n := a.txRing.pop(a.inXferBuf[:])
	return a.stack.SubmitXfer(a.dataInEP, a.inXferBuf[:n])
}

// Write queues data for transmission and returns the number of bytes
// accepted into the transmit FIFO; a short count means the FIFO is full and
// the caller should retry the remainder later. Non-blocking.
func (a *ACM) Write(data []byte) (int, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if !a.configured || a.stack == nil {
		return 0, pkg.ErrNotConfigured
	}

	n := a.txRing.push(data)

	if !a.dataInEP.IsBusy() {
		if err := a.flushTxLocked(); err != nil {
			return n, err
		}
	}

	return n, nil
}

// Read copies as many bytes as are available from the receive FIFO into
// buf, returning the count. Non-blocking; 0 means nothing is waiting.
func (a *ACM) Read(buf []byte) (int, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if !a.configured {
		return 0, pkg.ErrNotConfigured
	}
	return a.rxRing.pop(buf), nil
}

// Available returns the number of bytes waiting to be read.
func (a *ACM) Available() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.rxRing.len()
}

// SendSerialState sends a SERIAL_STATE notification to the host.
func (a *ACM) SendSerialState(state uint16) error {
	a.mutex.Lock()
	a.serialState = state
	stack := a.stack
	ep := a.notifyEP
	a.mutex.Unlock()

	if stack == nil || ep == nil {
		return pkg.ErrNotConfigured
	}

	// Notification packet (10 bytes): bmRequestType, bNotification,
	// wValue, wIndex, wLength, then 2 bytes of serial state.
	var buf [10]byte
	buf[0] = 0xA1
	buf[1] = NotificationSerialState
	buf[6] = 2
	buf[8] = byte(state)
	buf[9] = byte(state >> 8)

	return stack.SubmitXfer(ep, buf[:])
}

// ConfigureDevice adds CDC-ACM interfaces to a device builder.
// Call this after AddConfiguration to add the CDC interfaces.
func (a *ACM) ConfigureDevice(builder *device.DeviceBuilder, notifyEPAddr, dataInEPAddr, dataOutEPAddr uint8) *device.DeviceBuilder {
	// Control Interface (Communications Class)
	builder.AddInterface(ClassCDC, SubclassACM, ProtocolAT)
	builder.AddEndpoint(notifyEPAddr|device.EndpointDirectionIn, device.EndpointTypeInterrupt, 8)

	// Data Interface (Data Class)
	builder.AddInterface(ClassCDCData, 0, 0)
	builder.AddEndpoint(dataInEPAddr|device.EndpointDirectionIn, device.EndpointTypeBulk, maxPacketSize)
	builder.AddEndpoint(dataOutEPAddr&0x0F, device.EndpointTypeBulk, maxPacketSize)

	return builder
}

// AttachToInterfaces attaches this class driver to the CDC interfaces.
// configValue is the configuration value (e.g., 1), controlIfaceNum and dataIfaceNum
// are the interface numbers within that configuration.
func (a *ACM) AttachToInterfaces(dev *device.Device, configValue, controlIfaceNum, dataIfaceNum uint8) error {
	config := dev.GetConfiguration(configValue)
	if config == nil {
		return pkg.ErrInvalidRequest
	}

	controlIface := config.GetInterface(controlIfaceNum)
	if controlIface == nil {
		return pkg.ErrInvalidRequest
	}

	dataIface := config.GetInterface(dataIfaceNum)
	if dataIface == nil {
		return pkg.ErrInvalidRequest
	}

	if err := controlIface.SetClassDriver(a); err != nil {
		return err
	}

	// Note: the same ACM instance serves both interfaces.
	return dataIface.SetClassDriver(a)
}

var (
	_ device.ClassDriver         = (*ACM)(nil)
	_ device.XferCompleteHandler = (*ACM)(nil)
	_ device.Starter             = (*ACM)(nil)
)
