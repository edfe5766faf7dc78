package msc

import (
	"github.com/go-usbd/usbd/pkg"
)

// dispatchSCSICommand decodes the CDB in cbw and drives the command to
// completion: commands that return data arm a bulk IN transfer via
// beginDataIn, WRITE(10) arms a bulk OUT receive via beginDataOut, and
// commands with no data phase go straight to the status phase via sendCSW.
func (m *MSC) dispatchSCSICommand(cbw *CommandBlockWrapper) {
	opcode := cbw.CB[0]

	pkg.LogDebug(pkg.ComponentDevice, "SCSI command", "opcode", opcode, "lun", cbw.LUN)

	// Check LUN
	if cbw.LUN > m.maxLUN {
		m.setSense(SenseIllegalRequest, ASCInvalidFieldInCDB, 0)
		m.commandFailed(cbw)
		return
	}

	switch opcode {
	case SCSITestUnitReady:
		m.handleTestUnitReady(cbw)

	case SCSIRequestSense:
		m.handleRequestSense(cbw)

	case SCSIInquiry:
		m.handleInquiry(cbw)

	case SCSIReadCapacity10:
		m.handleReadCapacity10(cbw)

	case SCSIRead10:
		m.handleRead10(cbw)

	case SCSIWrite10:
		m.handleWrite10(cbw)

	case SCSIModeSense6:
		m.handleModeSense6(cbw)

	case SCSIPreventAllowRemoval:
		m.handlePreventAllowRemoval(cbw)

	case SCSIStartStopUnit:
		m.handleStartStopUnit(cbw)

	case SCSISynchronizeCache10:
		m.handleSynchronizeCache10(cbw)

	case SCSIVerify10:
		m.handleVerify10(cbw)

	case SCSIReadFormatCapacities:
		m.handleReadFormatCapacities(cbw)

	case SCSIServiceActionIn16:
		serviceAction := cbw.CB[1] & 0x1F
		if serviceAction == ServiceActionReadCapacity16 {
			m.handleReadCapacity16(cbw)
			return
		}
		fallthrough

	default:
		pkg.LogWarn(pkg.ComponentDevice, "unsupported SCSI command", "opcode", opcode)
		m.setSense(SenseIllegalRequest, ASCInvalidCommand, 0)
		m.commandFailed(cbw)
	}
}

// handleTestUnitReady processes TEST UNIT READY command.
func (m *MSC) handleTestUnitReady(cbw *CommandBlockWrapper) {
	if !m.storage.IsPresent() {
		m.setSense(SenseNotReady, ASCMediumNotPresent, 0)
		m.commandFailed(cbw)
		return
	}

	m.setSense(SenseNoSense, ASCNoAdditionalInfo, 0)
	m.sendCSW(CSWStatusGood, 0)
}

// handleRequestSense processes REQUEST SENSE command.
func (m *MSC) handleRequestSense(cbw *CommandBlockWrapper) {
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

	// Clear sense data after it has been reported.
	m.setSense(SenseNoSense, ASCNoAdditionalInfo, 0)

	residue := cbw.DataTransferLength - uint32(sendLen)
	m.beginDataIn(m.senseBuf[:sendLen], CSWStatusGood, residue)
}

// handleInquiry processes INQUIRY command.
func (m *MSC) handleInquiry(cbw *CommandBlockWrapper) {
	allocLength := parseU16BE(cbw.CB[:], 3)
	if allocLength == 0 {
		m.sendCSW(CSWStatusGood, 0)
		return
	}

	n := m.inquiry.MarshalTo(m.dataBuf[:])

	sendLen := int(allocLength)
	if sendLen > n {
		sendLen = n
	}

	residue := cbw.DataTransferLength - uint32(sendLen)
	m.beginDataIn(m.dataBuf[:sendLen], CSWStatusGood, residue)
}

// handleReadCapacity10 processes READ CAPACITY (10) command.
func (m *MSC) handleReadCapacity10(cbw *CommandBlockWrapper) {
	if !m.storage.IsPresent() {
		m.setSense(SenseNotReady, ASCMediumNotPresent, 0)
		m.commandFailed(cbw)
		return
	}

	blockCount := m.storage.BlockCount()
	blockSize := m.storage.BlockSize()

	// READ CAPACITY (10) returns last LBA (max 0xFFFFFFFF)
	lastLBA := uint32(blockCount - 1)
	if blockCount > 0xFFFFFFFF {
		lastLBA = 0xFFFFFFFF
	}

	resp := ReadCapacity10Response{
		LastLBA:     lastLBA,
		BlockLength: blockSize,
	}

	n := resp.MarshalTo(m.dataBuf[:])

	residue := cbw.DataTransferLength - uint32(n)
	m.beginDataIn(m.dataBuf[:n], CSWStatusGood, residue)
}

// handleReadCapacity16 processes READ CAPACITY (16) command.
func (m *MSC) handleReadCapacity16(cbw *CommandBlockWrapper) {
	if !m.storage.IsPresent() {
		m.setSense(SenseNotReady, ASCMediumNotPresent, 0)
		m.commandFailed(cbw)
		return
	}

	blockCount := m.storage.BlockCount()
	blockSize := m.storage.BlockSize()

	resp := ReadCapacity16Response{
		LastLBA:     blockCount - 1,
		BlockLength: blockSize,
	}

	n := resp.MarshalTo(m.dataBuf[:])

	allocLength := parseU32BE(cbw.CB[:], 10)
	sendLen := int(allocLength)
	if sendLen > n {
		sendLen = n
	}

	residue := cbw.DataTransferLength - uint32(sendLen)
	m.beginDataIn(m.dataBuf[:sendLen], CSWStatusGood, residue)
}

// handleRead10 processes READ (10) command.
func (m *MSC) handleRead10(cbw *CommandBlockWrapper) {
	if !m.storage.IsPresent() {
		m.setSense(SenseNotReady, ASCMediumNotPresent, 0)
		m.commandFailed(cbw)
		return
	}

	lba := parseU32BE(cbw.CB[:], 2)
	transferBlocks := parseU16BE(cbw.CB[:], 7)

	if transferBlocks == 0 {
		m.sendCSW(CSWStatusGood, 0)
		return
	}

	blockSize := m.storage.BlockSize()
	transferLength := uint32(transferBlocks) * blockSize

	if uint64(lba)+uint64(transferBlocks) > m.storage.BlockCount() {
		m.setSense(SenseIllegalRequest, ASCLBAOutOfRange, 0)
		m.commandFailed(cbw)
		return
	}

	pkg.LogDebug(pkg.ComponentDevice, "READ(10)", "lba", lba, "blocks", transferBlocks)

	blocksRead, err := m.storage.Read(uint64(lba), uint32(transferBlocks), m.dataBuf[:transferLength])
	if err != nil {
		pkg.LogWarn(pkg.ComponentDevice, "read error", "error", err)
		m.setSense(SenseMediumError, ASCNoAdditionalInfo, 0)
		m.commandFailed(cbw)
		return
	}

	actualLength := blocksRead * blockSize
	residue := cbw.DataTransferLength - actualLength
	m.beginDataIn(m.dataBuf[:actualLength], CSWStatusGood, residue)
}

// handleWrite10 processes WRITE (10) command. The data phase is completed
// asynchronously by handleWriteData once the host finishes the bulk OUT
// transfer.
func (m *MSC) handleWrite10(cbw *CommandBlockWrapper) {
	if !m.storage.IsPresent() {
		m.setSense(SenseNotReady, ASCMediumNotPresent, 0)
		m.commandFailed(cbw)
		return
	}

	if m.storage.IsReadOnly() {
		m.setSense(SenseDataProtect, ASCWriteProtected, 0)
		m.commandFailed(cbw)
		return
	}

	lba := parseU32BE(cbw.CB[:], 2)
	transferBlocks := parseU16BE(cbw.CB[:], 7)

	if transferBlocks == 0 {
		m.sendCSW(CSWStatusGood, 0)
		return
	}

	blockSize := m.storage.BlockSize()
	transferLength := uint32(transferBlocks) * blockSize

	if uint64(lba)+uint64(transferBlocks) > m.storage.BlockCount() {
		m.setSense(SenseIllegalRequest, ASCLBAOutOfRange, 0)
		m.commandFailed(cbw)
		return
	}

	pkg.LogDebug(pkg.ComponentDevice, "WRITE(10)", "lba", lba, "blocks", transferBlocks)

	m.beginDataOut(lba, transferBlocks, transferLength)
}

// handleModeSense6 processes MODE SENSE (6) command.
func (m *MSC) handleModeSense6(cbw *CommandBlockWrapper) {
	allocLength := cbw.CB[4]
	if allocLength == 0 {
		m.sendCSW(CSWStatusGood, 0)
		return
	}

	resp := ModeSense6Response{
		ModeDataLength: 3, // Header only (excluding this field)
		MediumType:     0,
		DeviceParam:    0,
		BlockDescLen:   0,
	}

	if m.storage.IsReadOnly() {
		resp.DeviceParam = 0x80 // Write protect bit
	}

	n := resp.MarshalTo(m.dataBuf[:])

	sendLen := int(allocLength)
	if sendLen > n {
		sendLen = n
	}

	residue := cbw.DataTransferLength - uint32(sendLen)
	m.beginDataIn(m.dataBuf[:sendLen], CSWStatusGood, residue)
}

// handlePreventAllowRemoval processes PREVENT/ALLOW MEDIUM REMOVAL command.
func (m *MSC) handlePreventAllowRemoval(cbw *CommandBlockWrapper) {
	prevent := cbw.CB[4] & 0x01
	pkg.LogDebug(pkg.ComponentDevice, "PREVENT/ALLOW MEDIUM REMOVAL", "prevent", prevent)

	// We don't actually prevent removal, just acknowledge the command
	m.setSense(SenseNoSense, ASCNoAdditionalInfo, 0)
	m.sendCSW(CSWStatusGood, 0)
}

// handleStartStopUnit processes START/STOP UNIT command.
func (m *MSC) handleStartStopUnit(cbw *CommandBlockWrapper) {
	start := cbw.CB[4]&0x01 != 0
	loej := cbw.CB[4]&0x02 != 0

	pkg.LogDebug(pkg.ComponentDevice, "START/STOP UNIT", "start", start, "loej", loej)

	if loej && !start {
		if m.storage.IsRemovable() {
			if err := m.storage.Eject(); err != nil {
				m.setSense(SenseIllegalRequest, ASCInvalidFieldInCDB, 0)
				m.commandFailed(cbw)
				return
			}
		}
	}

	m.setSense(SenseNoSense, ASCNoAdditionalInfo, 0)
	m.sendCSW(CSWStatusGood, 0)
}

// handleSynchronizeCache10 processes SYNCHRONIZE CACHE (10) command.
func (m *MSC) handleSynchronizeCache10(cbw *CommandBlockWrapper) {
	if err := m.storage.Sync(); err != nil {
		m.setSense(SenseHardwareError, ASCNoAdditionalInfo, 0)
		m.commandFailed(cbw)
		return
	}

	m.setSense(SenseNoSense, ASCNoAdditionalInfo, 0)
	m.sendCSW(CSWStatusGood, 0)
}

// handleVerify10 processes VERIFY (10) command.
func (m *MSC) handleVerify10(cbw *CommandBlockWrapper) {
	// We don't actually verify, just acknowledge success
	m.setSense(SenseNoSense, ASCNoAdditionalInfo, 0)
	m.sendCSW(CSWStatusGood, 0)
}

// handleReadFormatCapacities processes READ FORMAT CAPACITIES command.
func (m *MSC) handleReadFormatCapacities(cbw *CommandBlockWrapper) {
	if !m.storage.IsPresent() {
		m.setSense(SenseNotReady, ASCMediumNotPresent, 0)
		m.commandFailed(cbw)
		return
	}

	allocLength := parseU16BE(cbw.CB[:], 7)
	if allocLength == 0 {
		m.sendCSW(CSWStatusGood, 0)
		return
	}

	blockCount := m.storage.BlockCount()
	blockSize := m.storage.BlockSize()

	offset := 0

	header := ReadFormatCapacitiesHeader{
		CapacityLength: 8, // One descriptor
	}
	offset += header.MarshalTo(m.dataBuf[offset:])

	desc := CurrentMaximumCapacityDescriptor{
		BlockCount:  uint32(blockCount),
		DescType:    0x02, // Formatted media
		BlockLength: blockSize,
	}
	offset += desc.MarshalTo(m.dataBuf[offset:])

	sendLen := int(allocLength)
	if sendLen > offset {
		sendLen = offset
	}

	residue := cbw.DataTransferLength - uint32(sendLen)
	m.beginDataIn(m.dataBuf[:sendLen], CSWStatusGood, residue)
}
