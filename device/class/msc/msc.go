package msc

import (
	"sync"

	"github.com/ardnew/softusb/device"
	"github.com/ardnew/softusb/pkg"
)

// mscState names a step in the Bulk-Only Transport command cycle.
type mscState uint8

// The BOT command cycle: Cmd (awaiting a CBW) -> Data (in or out, only when
// the command needs one) -> Status (CSW in flight) -> Cmd again once the
// CSW has gone out.
const (
	stateCmd mscState = iota
	stateDataIn
	stateDataOut
	stateStatus
)

// MSC implements the Mass Storage Class Bulk-Only Transport driver. It is
// entirely event-driven: every method either runs on the device task or
// only touches fields fixed at Init, so there is no blocking and no
// goroutine of its own.
type MSC struct {
	iface *device.Interface

	bulkInEP  *device.Endpoint // Bulk IN (device to host)
	bulkOutEP *device.Endpoint // Bulk OUT (host to device)

	stack *device.Stack

	storage Storage

	inquiry InquiryResponse

	currentCBW CommandBlockWrapper
	currentTag uint32

	// Sense data for the next REQUEST SENSE.
	senseKey uint8
	asc      uint8
	ascq     uint8

	// Buffers (zero-allocation pattern): one CBW at a time, per BOT.
	cbwBuf    [CBWSize]byte
	cswBuf    [CSWSize]byte
	dataBuf   [MaxTransferSize]byte
	senseBuf  [18]byte
	maxLUNBuf [1]byte

	state          mscState
	pendingStatus  uint8
	pendingResidue uint32
	pendingFinish  func(received int) (uint8, uint32)

	mutex      sync.Mutex
	configured bool

	maxLUN uint8
}

// New creates a new MSC class driver with the given storage backend.
// vendorID and productID are 8 and 16 character strings respectively.
func New(storage Storage, vendorID, productID string) *MSC {
	m := &MSC{
		storage: storage,
		maxLUN:  0, // Single LUN by default
	}

	m.inquiry = *NewInquiryResponse(
		DeviceTypeDisk,
		storage.IsRemovable(),
		vendorID,
		productID,
		"1.0",
	)

	m.setSense(SenseNoSense, ASCNoAdditionalInfo, 0)

	return m
}

// SetStack sets the device stack reference used to submit transfers.
func (m *MSC) SetStack(stack *device.Stack) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.stack = stack
}

// SetMaxLUN sets the maximum Logical Unit Number (0-15).
func (m *MSC) SetMaxLUN(lun uint8) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if lun <= 15 {
		m.maxLUN = lun
	}
}

// Open reports whether iface is a Mass Storage Bulk-Only Transport
// interface this driver can claim.
func (m *MSC) Open(iface *device.Interface) bool {
	return iface.Class == ClassMSC && iface.SubClass == SubclassSCSI && iface.Protocol == ProtocolBulkOnly
}

// Init initializes the class driver for the given interface.
func (m *MSC) Init(iface *device.Interface) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.iface = iface

	for _, ep := range iface.Endpoints() {
		if ep.IsBulk() {
			if ep.IsIn() {
				m.bulkInEP = ep
			} else {
				m.bulkOutEP = ep
			}
		}
	}

	if m.bulkInEP == nil || m.bulkOutEP == nil {
		return pkg.ErrInvalidEndpoint
	}

	m.configured = true
	pkg.LogDebug(pkg.ComponentDevice, "MSC configured",
		"bulkIn", m.bulkInEP.Address,
		"bulkOut", m.bulkOutEP.Address)

	return nil
}

// Start begins the command cycle once SET_CONFIGURATION has opened the bulk
// endpoints with the DCD, by submitting the first CBW read. Called by the
// device task; see [device.Starter].
func (m *MSC) Start() error {
	m.mutex.Lock()
	m.state = stateCmd
	m.mutex.Unlock()
	return m.submitCBWRead()
}

// HandleSetup processes class-specific SETUP requests.
func (m *MSC) HandleSetup(iface *device.Interface, setup *device.SetupPacket, data []byte) ([]byte, bool, error) {
	if !setup.IsClass() {
		return nil, false, nil
	}

	switch setup.Request {
	case RequestBulkOnlyMassStorageReset:
		return m.handleReset(setup)

	case RequestGetMaxLUN:
		return m.handleGetMaxLUN(setup)

	default:
		return nil, false, nil
	}
}

// handleReset handles the Bulk-Only Mass Storage Reset request: sense is
// cleared and the command cycle restarts at the next CBW, per the BOT spec.
func (m *MSC) handleReset(setup *device.SetupPacket) ([]byte, bool, error) {
	pkg.LogDebug(pkg.ComponentDevice, "MSC reset requested")

	m.mutex.Lock()
	m.setSense(SenseNoSense, ASCNoAdditionalInfo, 0)
	m.mutex.Unlock()

	if err := m.submitCBWRead(); err != nil {
		pkg.LogWarn(pkg.ComponentDevice, "MSC reset: CBW resubmit failed", "error", err)
	}

	return nil, true, nil
}

// handleGetMaxLUN handles the Get Max LUN request, returning the one-byte
// response in the class driver's own scratch buffer.
func (m *MSC) handleGetMaxLUN(setup *device.SetupPacket) ([]byte, bool, error) {
	m.mutex.Lock()
	m.maxLUNBuf[0] = m.maxLUN
	maxLUN := m.maxLUN
	m.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentDevice, "Get Max LUN", "maxLUN", maxLUN)

	return m.maxLUNBuf[:], true, nil
}

// SetAlternate handles alternate setting changes.
func (m *MSC) SetAlternate(iface *device.Interface, alt uint8) error {
	pkg.LogDebug(pkg.ComponentDevice, "MSC alternate setting",
		"interface", iface.Number,
		"alt", alt)
	return nil
}

// Close releases resources held by the class driver.
func (m *MSC) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.iface = nil
	m.bulkInEP = nil
	m.bulkOutEP = nil
	m.stack = nil
	m.configured = false

	return nil
}

// setSense sets sense data for the next REQUEST SENSE command.
func (m *MSC) setSense(key, asc, ascq uint8) {
	m.senseKey = key
	m.asc = asc
	m.ascq = ascq
}

// ConfigureDevice adds the MSC interface to a device builder.
func (m *MSC) ConfigureDevice(builder *device.DeviceBuilder, bulkInEPAddr, bulkOutEPAddr uint8) *device.DeviceBuilder {
	builder.AddInterface(ClassMSC, SubclassSCSI, ProtocolBulkOnly)
	builder.AddEndpoint(bulkInEPAddr|device.EndpointDirectionIn, device.EndpointTypeBulk, 64)
	builder.AddEndpoint(bulkOutEPAddr&0x0F, device.EndpointTypeBulk, 64)
	return builder
}

// AttachToInterface attaches this class driver to the MSC interface.
func (m *MSC) AttachToInterface(dev *device.Device, configValue, ifaceNum uint8) error {
	config := dev.GetConfiguration(configValue)
	if config == nil {
		return pkg.ErrInvalidRequest
	}

	iface := config.GetInterface(ifaceNum)
	if iface == nil {
		return pkg.ErrInvalidRequest
	}

	return iface.SetClassDriver(m)
}

// HandleXferComplete advances the Bulk-Only Transport command cycle. It runs
// on the device task, called after the reporting endpoint's busy bit has
// been cleared, so it is free to submit the next leg of the cycle directly.
func (m *MSC) HandleXferComplete(ep *device.Endpoint, length int, status pkg.TransferStatus) error {
	if status != pkg.TransferStatusSuccess {
		pkg.LogWarn(pkg.ComponentDevice, "MSC transfer failed, restarting command cycle",
			"endpoint", ep.Address, "status", status)
		return m.submitCBWRead()
	}

	switch m.state {
	case stateCmd:
		return m.handleCBWReceived(length)
	case stateDataIn:
		return m.finishDataIn()
	case stateDataOut:
		return m.finishDataOut(length)
	case stateStatus:
		return m.finishStatus()
	default:
		return nil
	}
}

// handleCBWReceived parses the just-received CBW and dispatches the SCSI
// command it carries. An invalid CBW is dropped and the cycle simply waits
// for the next one; USBC framing errors are rare enough on a well-behaved
// host that stalling is not worth the extra state.
func (m *MSC) handleCBWReceived(length int) error {
	if length != CBWSize || !ParseCBW(m.cbwBuf[:length], &m.currentCBW) {
		pkg.LogWarn(pkg.ComponentDevice, "invalid CBW, awaiting next command", "length", length)
		return m.submitCBWRead()
	}

	m.currentTag = m.currentCBW.Tag
	pkg.LogDebug(pkg.ComponentDevice, "CBW received",
		"tag", m.currentCBW.Tag,
		"dataLen", m.currentCBW.DataTransferLength,
		"flags", m.currentCBW.Flags,
		"lun", m.currentCBW.LUN,
		"cbLen", m.currentCBW.CBLength,
		"opcode", m.currentCBW.CB[0])

	outcome := m.handleSCSICommand(&m.currentCBW)

	switch {
	case len(outcome.sendData) > 0:
		m.state = stateDataIn
		m.pendingStatus = outcome.status
		m.pendingResidue = outcome.residue
		return m.submitXfer(m.bulkInEP, outcome.sendData)

	case outcome.recvLen > 0:
		m.state = stateDataOut
		m.pendingFinish = outcome.finish
		return m.submitXfer(m.bulkOutEP, m.dataBuf[:outcome.recvLen])

	default:
		return m.submitCSW(outcome.status, outcome.residue)
	}
}

func (m *MSC) finishDataIn() error {
	return m.submitCSW(m.pendingStatus, m.pendingResidue)
}

func (m *MSC) finishDataOut(length int) error {
	finish := m.pendingFinish
	m.pendingFinish = nil
	status, residue := finish(length)
	return m.submitCSW(status, residue)
}

func (m *MSC) finishStatus() error {
	return m.submitCBWRead()
}

// submitCBWRead arms the bulk OUT endpoint for the next Command Block
// Wrapper and returns the cycle to its Cmd state.
func (m *MSC) submitCBWRead() error {
	m.state = stateCmd
	return m.submitXfer(m.bulkOutEP, m.cbwBuf[:])
}

// submitCSW marshals and sends the Command Status Wrapper for the command
// currently in flight.
func (m *MSC) submitCSW(status uint8, residue uint32) error {
	m.state = stateStatus
	csw := NewCSW(m.currentTag, residue, status)
	n := csw.MarshalTo(m.cswBuf[:])

	pkg.LogDebug(pkg.ComponentDevice, "CSW queued",
		"tag", csw.Tag,
		"residue", residue,
		"status", status)

	return m.submitXfer(m.bulkInEP, m.cswBuf[:n])
}

func (m *MSC) submitXfer(ep *device.Endpoint, buf []byte) error {
	m.mutex.Lock()
	stack := m.stack
	m.mutex.Unlock()

	if stack == nil {
		return pkg.ErrNotConfigured
	}
	return stack.SubmitXfer(ep, buf)
}

var (
	_ device.ClassDriver         = (*MSC)(nil)
	_ device.XferCompleteHandler = (*MSC)(nil)
	_ device.Starter             = (*MSC)(nil)
)
