package msc

import (
	"github.com/ardnew/softusb/pkg"
)

// commandOutcome is what a SCSI command handler decides happens next: send a
// response already sitting in a scratch buffer, receive data from the host
// before a final status can be known, or go straight to the status stage.
// Exactly one of sendData or recvLen should be set; neither set means no
// data stage at all.
type commandOutcome struct {
	status  uint8
	residue uint32

	sendData []byte // non-empty: must reach the host before the status stage

	recvLen int                               // > 0: this many bytes must arrive from the host first
	finish  func(received int) (uint8, uint32) // run once those bytes have arrived
}

// handleSCSICommand processes a SCSI command from CBW and decides what the
// Bulk-Only Transport state machine does next.
func (m *MSC) handleSCSICommand(cbw *CommandBlockWrapper) commandOutcome {
	opcode := cbw.CB[0]

	pkg.LogDebug(pkg.ComponentDevice, "SCSI command", "opcode", opcode, "lun", cbw.LUN)

	if cbw.LUN > m.maxLUN {
		m.setSense(SenseIllegalRequest, ASCInvalidFieldInCDB, 0)
		return commandOutcome{status: CSWStatusFailed, residue: cbw.DataTransferLength}
	}

	switch opcode {
	case SCSITestUnitReady:
		return m.handleTestUnitReady(cbw)

	case SCSIRequestSense:
		return m.handleRequestSense(cbw)

	case SCSIInquiry:
		return m.handleInquiry(cbw)

	case SCSIReadCapacity10:
		return m.handleReadCapacity10(cbw)

	case SCSIRead10:
		return m.handleRead10(cbw)

	case SCSIWrite10:
		return m.handleWrite10(cbw)

	case SCSIModeSense6:
		return m.handleModeSense6(cbw)

	case SCSIPreventAllowRemoval:
		return m.handlePreventAllowRemoval(cbw)

	case SCSIStartStopUnit:
		return m.handleStartStopUnit(cbw)

	case SCSISynchronizeCache10:
		return m.handleSynchronizeCache10(cbw)

	case SCSIVerify10:
		return m.handleVerify10(cbw)

	case SCSIReadFormatCapacities:
		return m.handleReadFormatCapacities(cbw)

	case SCSIServiceActionIn16:
		serviceAction := cbw.CB[1] & 0x1F
		if serviceAction == ServiceActionReadCapacity16 {
			return m.handleReadCapacity16(cbw)
		}
		fallthrough

	default:
		pkg.LogWarn(pkg.ComponentDevice, "unsupported SCSI command", "opcode", opcode)
		m.setSense(SenseIllegalRequest, ASCInvalidCommand, 0)
		return commandOutcome{status: CSWStatusFailed, residue: cbw.DataTransferLength}
	}
}

// handleTestUnitReady processes TEST UNIT READY command.
func (m *MSC) handleTestUnitReady(cbw *CommandBlockWrapper) commandOutcome {
	if !m.storage.IsPresent() {
		m.setSense(SenseNotReady, ASCMediumNotPresent, 0)
		return commandOutcome{status: CSWStatusFailed}
	}

	m.setSense(SenseNoSense, ASCNoAdditionalInfo, 0)
	return commandOutcome{status: CSWStatusGood}
}

// handleRequestSense processes REQUEST SENSE command.
func (m *MSC) handleRequestSense(cbw *CommandBlockWrapper) commandOutcome {
	allocLength := cbw.CB[4]
	if allocLength == 0 {
		allocLength = 18
	}

	resp := NewRequestSenseResponse(m.senseKey, m.asc, m.ascq)
	n := resp.MarshalTo(m.senseBuf[:])

	sendLen := int(allocLength)
	if sendLen > n {
		sendLen = n
	}

	// Cleared here, as the response is built, matching the fixed REQUEST
	// SENSE semantics: the condition is consumed by reading it.
	m.setSense(SenseNoSense, ASCNoAdditionalInfo, 0)

	residue := cbw.DataTransferLength - uint32(sendLen)
	return commandOutcome{status: CSWStatusGood, residue: residue, sendData: m.senseBuf[:sendLen]}
}

// handleInquiry processes INQUIRY command.
func (m *MSC) handleInquiry(cbw *CommandBlockWrapper) commandOutcome {
	allocLength := parseU16BE(cbw.CB[:], 3)
	if allocLength == 0 {
		return commandOutcome{status: CSWStatusGood}
	}

	n := m.inquiry.MarshalTo(m.dataBuf[:])

	sendLen := int(allocLength)
	if sendLen > n {
		sendLen = n
	}

	residue := cbw.DataTransferLength - uint32(sendLen)
	return commandOutcome{status: CSWStatusGood, residue: residue, sendData: m.dataBuf[:sendLen]}
}

// handleReadCapacity10 processes READ CAPACITY (10) command.
func (m *MSC) handleReadCapacity10(cbw *CommandBlockWrapper) commandOutcome {
	if !m.storage.IsPresent() {
		m.setSense(SenseNotReady, ASCMediumNotPresent, 0)
		return commandOutcome{status: CSWStatusFailed, residue: cbw.DataTransferLength}
	}

	blockCount := m.storage.BlockCount()
	blockSize := m.storage.BlockSize()

	lastLBA := uint32(blockCount - 1)
	if blockCount > 0xFFFFFFFF {
		lastLBA = 0xFFFFFFFF
	}

	resp := ReadCapacity10Response{LastLBA: lastLBA, BlockLength: blockSize}
	n := resp.MarshalTo(m.dataBuf[:])

	residue := cbw.DataTransferLength - uint32(n)
	return commandOutcome{status: CSWStatusGood, residue: residue, sendData: m.dataBuf[:n]}
}

// handleReadCapacity16 processes READ CAPACITY (16) command.
func (m *MSC) handleReadCapacity16(cbw *CommandBlockWrapper) commandOutcome {
	if !m.storage.IsPresent() {
		m.setSense(SenseNotReady, ASCMediumNotPresent, 0)
		return commandOutcome{status: CSWStatusFailed, residue: cbw.DataTransferLength}
	}

	blockCount := m.storage.BlockCount()
	blockSize := m.storage.BlockSize()

	resp := ReadCapacity16Response{LastLBA: blockCount - 1, BlockLength: blockSize}
	n := resp.MarshalTo(m.dataBuf[:])

	allocLength := parseU32BE(cbw.CB[:], 10)
	sendLen := int(allocLength)
	if sendLen > n {
		sendLen = n
	}

	residue := cbw.DataTransferLength - uint32(sendLen)
	return commandOutcome{status: CSWStatusGood, residue: residue, sendData: m.dataBuf[:sendLen]}
}

// handleRead10 processes READ (10) command.
func (m *MSC) handleRead10(cbw *CommandBlockWrapper) commandOutcome {
	if !m.storage.IsPresent() {
		m.setSense(SenseNotReady, ASCMediumNotPresent, 0)
		return commandOutcome{status: CSWStatusFailed, residue: cbw.DataTransferLength}
	}

	lba := parseU32BE(cbw.CB[:], 2)
	transferBlocks := parseU16BE(cbw.CB[:], 7)

	if transferBlocks == 0 {
		return commandOutcome{status: CSWStatusGood}
	}

	blockSize := m.storage.BlockSize()
	transferLength := uint32(transferBlocks) * blockSize

	if uint64(lba)+uint64(transferBlocks) > m.storage.BlockCount() {
		m.setSense(SenseIllegalRequest, ASCLBAOutOfRange, 0)
		return commandOutcome{status: CSWStatusFailed, residue: cbw.DataTransferLength}
	}

	pkg.LogDebug(pkg.ComponentDevice, "READ(10)", "lba", lba, "blocks", transferBlocks)

	blocksRead, err := m.storage.Read(uint64(lba), uint32(transferBlocks), m.dataBuf[:transferLength])
	if err != nil {
		pkg.LogWarn(pkg.ComponentDevice, "read error", "error", err)
		m.setSense(SenseMediumError, ASCNoAdditionalInfo, 0)
		return commandOutcome{status: CSWStatusFailed, residue: cbw.DataTransferLength}
	}

	actualLength := blocksRead * blockSize
	residue := cbw.DataTransferLength - actualLength
	return commandOutcome{status: CSWStatusGood, residue: residue, sendData: m.dataBuf[:actualLength]}
}

// handleWrite10 processes WRITE (10) command. The data-out stage is driven
// by the Bulk-Only Transport state machine; finish runs once the host's
// payload has landed in dataBuf.
func (m *MSC) handleWrite10(cbw *CommandBlockWrapper) commandOutcome {
	if !m.storage.IsPresent() {
		m.setSense(SenseNotReady, ASCMediumNotPresent, 0)
		return commandOutcome{status: CSWStatusFailed, residue: cbw.DataTransferLength}
	}

	if m.storage.IsReadOnly() {
		m.setSense(SenseDataProtect, ASCWriteProtected, 0)
		return commandOutcome{status: CSWStatusFailed, residue: cbw.DataTransferLength}
	}

	lba := parseU32BE(cbw.CB[:], 2)
	transferBlocks := parseU16BE(cbw.CB[:], 7)

	if transferBlocks == 0 {
		return commandOutcome{status: CSWStatusGood}
	}

	blockSize := m.storage.BlockSize()
	transferLength := uint32(transferBlocks) * blockSize

	if uint64(lba)+uint64(transferBlocks) > m.storage.BlockCount() {
		m.setSense(SenseIllegalRequest, ASCLBAOutOfRange, 0)
		return commandOutcome{status: CSWStatusFailed, residue: cbw.DataTransferLength}
	}

	pkg.LogDebug(pkg.ComponentDevice, "WRITE(10)", "lba", lba, "blocks", transferBlocks)

	dataTransferLength := cbw.DataTransferLength

	return commandOutcome{
		recvLen: int(transferLength),
		finish: func(received int) (uint8, uint32) {
			blocksWritten, err := m.storage.Write(uint64(lba), uint32(transferBlocks), m.dataBuf[:transferLength])
			if err != nil {
				pkg.LogWarn(pkg.ComponentDevice, "write error", "error", err)
				m.setSense(SenseMediumError, ASCNoAdditionalInfo, 0)
				return CSWStatusFailed, dataTransferLength
			}

			actualLength := blocksWritten * blockSize
			return CSWStatusGood, dataTransferLength - actualLength
		},
	}
}

// handleModeSense6 processes MODE SENSE (6) command.
func (m *MSC) handleModeSense6(cbw *CommandBlockWrapper) commandOutcome {
	allocLength := cbw.CB[4]
	if allocLength == 0 {
		return commandOutcome{status: CSWStatusGood}
	}

	resp := ModeSense6Response{
		ModeDataLength: 3,
		MediumType:     0,
		DeviceParam:    0,
		BlockDescLen:   0,
	}

	if m.storage.IsReadOnly() {
		resp.DeviceParam = 0x80
	}

	n := resp.MarshalTo(m.dataBuf[:])

	sendLen := int(allocLength)
	if sendLen > n {
		sendLen = n
	}

	residue := cbw.DataTransferLength - uint32(sendLen)
	return commandOutcome{status: CSWStatusGood, residue: residue, sendData: m.dataBuf[:sendLen]}
}

// handlePreventAllowRemoval processes PREVENT/ALLOW MEDIUM REMOVAL command.
func (m *MSC) handlePreventAllowRemoval(cbw *CommandBlockWrapper) commandOutcome {
	prevent := cbw.CB[4] & 0x01
	pkg.LogDebug(pkg.ComponentDevice, "PREVENT/ALLOW MEDIUM REMOVAL", "prevent", prevent)

	m.setSense(SenseNoSense, ASCNoAdditionalInfo, 0)
	return commandOutcome{status: CSWStatusGood}
}

// handleStartStopUnit processes START/STOP UNIT command.
func (m *MSC) handleStartStopUnit(cbw *CommandBlockWrapper) commandOutcome {
	start := cbw.CB[4]&0x01 != 0
	loej := cbw.CB[4]&0x02 != 0

	pkg.LogDebug(pkg.ComponentDevice, "START/STOP UNIT", "start", start, "loej", loej)

	if loej && !start {
		if m.storage.IsRemovable() {
			if err := m.storage.Eject(); err != nil {
				m.setSense(SenseIllegalRequest, ASCInvalidFieldInCDB, 0)
				return commandOutcome{status: CSWStatusFailed}
			}
		}
	}

	m.setSense(SenseNoSense, ASCNoAdditionalInfo, 0)
	return commandOutcome{status: CSWStatusGood}
}

// handleSynchronizeCache10 processes SYNCHRONIZE CACHE (10) command.
func (m *MSC) handleSynchronizeCache10(cbw *CommandBlockWrapper) commandOutcome {
	if err := m.storage.Sync(); err != nil {
		m.setSense(SenseHardwareError, ASCNoAdditionalInfo, 0)
		return commandOutcome{status: CSWStatusFailed}
	}

	m.setSense(SenseNoSense, ASCNoAdditionalInfo, 0)
	return commandOutcome{status: CSWStatusGood}
}

// handleVerify10 processes VERIFY (10) command. Verification against the
// backing storage is not implemented; the command is acknowledged.
func (m *MSC) handleVerify10(cbw *CommandBlockWrapper) commandOutcome {
	m.setSense(SenseNoSense, ASCNoAdditionalInfo, 0)
	return commandOutcome{status: CSWStatusGood}
}

// handleReadFormatCapacities processes READ FORMAT CAPACITIES command.
func (m *MSC) handleReadFormatCapacities(cbw *CommandBlockWrapper) commandOutcome {
	if !m.storage.IsPresent() {
		m.setSense(SenseNotReady, ASCMediumNotPresent, 0)
		return commandOutcome{status: CSWStatusFailed, residue: cbw.DataTransferLength}
	}

	allocLength := parseU16BE(cbw.CB[:], 7)
	if allocLength == 0 {
		return commandOutcome{status: CSWStatusGood}
	}

	blockCount := m.storage.BlockCount()
	blockSize := m.storage.BlockSize()

	offset := 0

	header := ReadFormatCapacitiesHeader{CapacityLength: 8}
	offset += header.MarshalTo(m.dataBuf[offset:])

	desc := CurrentMaximumCapacityDescriptor{
		BlockCount:  uint32(blockCount),
		DescType:    0x02,
		BlockLength: blockSize,
	}
	offset += desc.MarshalTo(m.dataBuf[offset:])

	sendLen := int(allocLength)
	if sendLen > offset {
		sendLen = offset
	}

	residue := cbw.DataTransferLength - uint32(sendLen)
	return commandOutcome{status: CSWStatusGood, residue: residue, sendData: m.dataBuf[:sendLen]}
}

// parseU16BE parses a big-endian uint16 from data at offset.
func parseU16BE(data []byte, offset int) uint16 {
	if offset+2 > len(data) {
		return 0
	}
	return uint16(data[offset])<<8 | uint16(data[offset+1])
}

// parseU32BE parses a big-endian uint32 from data at offset.
func parseU32BE(data []byte, offset int) uint32 {
	if offset+4 > len(data) {
		return 0
	}
	return uint32(data[offset])<<24 | uint32(data[offset+1])<<16 | uint32(data[offset+2])<<8 | uint32(data[offset+3])
}
