package msc

import (
	"encoding/binary"
	"sync"

	"github.com/go-usbd/usbd/device"
	"github.com/go-usbd/usbd/pkg"
)

// bbbState tracks the Bulk-Only Transport phase for the current command.
type bbbState uint8

const (
	bbbStateCommand  bbbState = iota // waiting for a CBW on bulk OUT
	bbbStateDataIn                   // sending command data on bulk IN
	bbbStateDataOut                  // receiving command data on bulk OUT
	bbbStateStatusIn                 // sending the CSW on bulk IN
	bbbStateStall                    // endpoint(s) halted, CSW deferred or reset required
)

// MSC implements the Mass Storage Class Bulk-Only Transport driver as a
// non-blocking state machine driven by endpoint completion callbacks rather
// than a blocking read/process/write loop.
type MSC struct {
	// Interface
	iface *device.Interface

	// Endpoints
	bulkInEP  *device.Endpoint // Bulk IN (device to host)
	bulkOutEP *device.Endpoint // Bulk OUT (host to device)

	// Engine used to issue non-blocking Send/Receive on the bulk endpoints.
	engine *device.Engine

	// Storage backend
	storage Storage

	// Device information
	inquiry InquiryResponse

	// Bulk-Only Transport state
	state          bbbState
	currentCBW     CommandBlockWrapper
	currentTag     uint32
	pendingStatus  uint8
	pendingResidue uint32

	// Pending WRITE(10) parameters, latched while data is received.
	writeLBA    uint32
	writeBlocks uint16

	// Sense data (for REQUEST SENSE)
	senseKey uint8
	asc      uint8
	ascq     uint8

	// Buffers (zero-allocation pattern)
	cbwBuf   [CBWSize]byte
	cswBuf   [CSWSize]byte
	dataBuf  [MaxTransferSize]byte
	senseBuf [18]byte

	// State
	mutex      sync.RWMutex
	configured bool
	started    bool

	// protocolError distinguishes the two stall conditions the transport
	// can be in while state == bbbStateStall: a rejected command (false)
	// resumes by sending the deferred CSW as soon as CLEAR_FEATURE(HALT)
	// clears the halted endpoint; a malformed CBW (true) leaves both
	// endpoints halted until the host issues a Bulk-Only Mass Storage
	// Reset, and CLEAR_FEATURE(HALT) alone must not send a CSW.
	protocolError bool

	// Logical Unit Number (typically 0)
	maxLUN uint8
}

// New creates a new MSC class driver with the given storage backend.
// vendorID and productID are 8 and 16 character strings respectively.
func New(storage Storage, vendorID, productID string) *MSC {
	m := &MSC{
		storage: storage,
		maxLUN:  0, // Single LUN by default
	}

	// Initialize INQUIRY response
	m.inquiry = *NewInquiryResponse(
		DeviceTypeDisk,
		storage.IsRemovable(),
		vendorID,
		productID,
		"1.0",
	)

	// Clear sense data (no error)
	m.setSense(SenseNoSense, ASCNoAdditionalInfo, 0)

	return m
}

// SetEngine sets the control-transfer engine used for non-blocking Send and
// Receive calls on the bulk endpoints.
func (m *MSC) SetEngine(engine *device.Engine) {
	m.mutex.Lock()
	m.engine = engine
	m.mutex.Unlock()
	m.maybeStart()
}

// SetMaxLUN sets the maximum Logical Unit Number (0-15).
func (m *MSC) SetMaxLUN(lun uint8) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if lun <= 15 {
		m.maxLUN = lun
	}
}

// Init initializes the class driver for the given interface.
func (m *MSC) Init(iface *device.Interface) error {
	m.mutex.Lock()

	m.iface = iface

	// Find bulk endpoints
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
		m.mutex.Unlock()
		return pkg.ErrInvalidEndpoint
	}

	m.configured = true
	m.state = bbbStateCommand
	pkg.LogDebug(pkg.ComponentDevice, "MSC configured",
		"bulkIn", m.bulkInEP.Address,
		"bulkOut", m.bulkOutEP.Address)

	m.mutex.Unlock()
	m.maybeStart()
	return nil
}

// maybeStart issues the first CBW receive once both the interface is
// configured and an engine has been attached.
func (m *MSC) maybeStart() {
	m.mutex.Lock()
	if m.started || !m.configured || m.engine == nil {
		m.mutex.Unlock()
		return
	}
	m.started = true
	m.state = bbbStateCommand
	engine, ep := m.engine, m.bulkOutEP
	m.mutex.Unlock()

	if err := engine.Receive(ep.Address, m.cbwBuf[:]); err != nil {
		pkg.LogWarn(pkg.ComponentDevice, "MSC failed to arm CBW receive", "error", err)
	}
}

// HandleSetup processes class-specific SETUP requests.
func (m *MSC) HandleSetup(iface *device.Interface, setup *device.SetupPacket, data []byte) (bool, []byte, error) {
	if !setup.IsClass() {
		return false, nil, nil
	}

	switch setup.Request {
	case RequestBulkOnlyMassStorageReset:
		return m.handleReset(setup)

	case RequestGetMaxLUN:
		return m.handleGetMaxLUN(setup)

	default:
		return false, nil, nil
	}
}

// handleReset handles the Bulk-Only Mass Storage Reset request.
func (m *MSC) handleReset(setup *device.SetupPacket) (bool, []byte, error) {
	pkg.LogDebug(pkg.ComponentDevice, "MSC reset requested")

	m.mutex.Lock()
	m.setSense(SenseNoSense, ASCNoAdditionalInfo, 0)
	m.state = bbbStateCommand
	m.protocolError = false
	engine, ep := m.engine, m.bulkOutEP
	m.mutex.Unlock()

	if engine != nil && ep != nil {
		if err := engine.Receive(ep.Address, m.cbwBuf[:]); err != nil {
			pkg.LogWarn(pkg.ComponentDevice, "MSC failed to re-arm CBW receive after reset", "error", err)
		}
	}

	return true, nil, nil
}

// handleGetMaxLUN handles the Get Max LUN request.
func (m *MSC) handleGetMaxLUN(setup *device.SetupPacket) (bool, []byte, error) {
	m.mutex.RLock()
	maxLUN := m.maxLUN
	m.mutex.RUnlock()

	pkg.LogDebug(pkg.ComponentDevice, "Get Max LUN", "maxLUN", maxLUN)

	return true, []byte{maxLUN}, nil
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
	m.engine = nil
	m.configured = false
	m.started = false

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

// HandleDataIn is called when a bulk IN transfer (command data or the CSW)
// has completed transmission to the host.
func (m *MSC) HandleDataIn(ep *device.Endpoint) {
	m.mutex.Lock()
	state := m.state
	status, residue := m.pendingStatus, m.pendingResidue
	engine, outEP := m.engine, m.bulkOutEP
	m.mutex.Unlock()

	switch state {
	case bbbStateDataIn:
		m.sendCSW(status, residue)
	case bbbStateStatusIn:
		m.mutex.Lock()
		m.state = bbbStateCommand
		m.mutex.Unlock()
		if engine != nil && outEP != nil {
			if err := engine.Receive(outEP.Address, m.cbwBuf[:]); err != nil {
				pkg.LogWarn(pkg.ComponentDevice, "MSC failed to re-arm CBW receive", "error", err)
			}
		}
	case bbbStateStall:
		m.resumeAfterStall(status, residue)
	}
}

// HandleDataOut is called when a bulk OUT transfer (a CBW, or WRITE data)
// has been received from the host.
func (m *MSC) HandleDataOut(ep *device.Endpoint, data []byte) {
	m.mutex.RLock()
	state := m.state
	m.mutex.RUnlock()

	switch state {
	case bbbStateCommand:
		m.handleCBW(data)
	case bbbStateDataOut:
		m.handleWriteData(data)
	case bbbStateStall:
		m.mutex.RLock()
		status, residue := m.pendingStatus, m.pendingResidue
		m.mutex.RUnlock()
		m.resumeAfterStall(status, residue)
	}
}

// resumeAfterStall is invoked (via HandleDataIn/HandleDataOut) when
// CLEAR_FEATURE(HALT) clears one of the stalled bulk endpoints. A command
// failure resumes by sending the CSW that was withheld while the endpoint
// was halted; a malformed CBW requires a full Bulk-Only Mass Storage Reset
// before the transport resumes, so CLEAR_FEATURE(HALT) alone does nothing.
func (m *MSC) resumeAfterStall(status uint8, residue uint32) {
	m.mutex.RLock()
	protocolError := m.protocolError
	m.mutex.RUnlock()

	if protocolError {
		return
	}
	m.sendCSW(status, residue)
}

// handleCBW parses a newly received Command Block Wrapper and dispatches
// the embedded SCSI command.
func (m *MSC) handleCBW(data []byte) {
	if len(data) != CBWSize {
		pkg.LogWarn(pkg.ComponentDevice, "invalid CBW size", "expected", CBWSize, "got", len(data))
		m.stallBoth()
		return
	}

	if !ParseCBW(data, &m.currentCBW) {
		pkg.LogWarn(pkg.ComponentDevice, "invalid CBW signature")
		m.stallBoth()
		return
	}

	m.currentTag = m.currentCBW.Tag

	pkg.LogDebug(pkg.ComponentDevice, "CBW received",
		"tag", m.currentCBW.Tag,
		"dataLen", m.currentCBW.DataTransferLength,
		"flags", m.currentCBW.Flags,
		"lun", m.currentCBW.LUN,
		"cbLen", m.currentCBW.CBLength,
		"opcode", m.currentCBW.CB[0])

	m.dispatchSCSICommand(&m.currentCBW)
}

// stallBoth stalls both bulk endpoints on a malformed CBW and marks the
// transport as requiring a Bulk-Only Mass Storage Reset to recover; the
// host is expected to issue one once it observes both endpoints halted.
func (m *MSC) stallBoth() {
	m.setSense(SenseIllegalRequest, ASCInvalidCommand, 0)

	m.mutex.Lock()
	m.state = bbbStateStall
	m.protocolError = true
	engine, inEP, outEP := m.engine, m.bulkInEP, m.bulkOutEP
	m.mutex.Unlock()

	if engine == nil {
		return
	}
	if inEP != nil {
		_ = engine.Stall(inEP.Address)
	}
	if outEP != nil {
		_ = engine.Stall(outEP.Address)
	}
}

// commandFailed halts the endpoint carrying cbw's data phase and defers the
// CSW until CLEAR_FEATURE(HALT) clears it, per the Bulk-Only Transport
// command-failure recovery path. A CBW with no data phase has no endpoint
// to stall, so the CSW is sent immediately instead.
func (m *MSC) commandFailed(cbw *CommandBlockWrapper) {
	if cbw.DataTransferLength == 0 {
		m.sendCSW(CSWStatusFailed, 0)
		return
	}

	m.mutex.Lock()
	m.state = bbbStateStall
	m.protocolError = false
	m.pendingStatus = CSWStatusFailed
	m.pendingResidue = cbw.DataTransferLength
	engine := m.engine
	ep := m.bulkOutEP
	if cbw.IsDataIn() {
		ep = m.bulkInEP
	}
	m.mutex.Unlock()

	if engine == nil || ep == nil {
		return
	}
	if err := engine.Stall(ep.Address); err != nil {
		pkg.LogWarn(pkg.ComponentDevice, "MSC endpoint stall failed", "error", err)
	}
}

// handleWriteData is called once the data for a pending WRITE(10) has been
// fully received on bulk OUT.
func (m *MSC) handleWriteData(data []byte) {
	m.mutex.RLock()
	lba, blocks := m.writeLBA, m.writeBlocks
	m.mutex.RUnlock()

	blockSize := m.storage.BlockSize()
	blocksWritten, err := m.storage.Write(uint64(lba), uint32(blocks), data)
	if err != nil {
		pkg.LogWarn(pkg.ComponentDevice, "write error", "error", err)
		m.setSense(SenseMediumError, ASCNoAdditionalInfo, 0)
		m.commandFailed(&m.currentCBW)
		return
	}

	actualLength := blocksWritten * blockSize
	residue := m.currentCBW.DataTransferLength - actualLength
	m.sendCSW(CSWStatusGood, residue)
}

// beginDataIn arms a bulk IN transfer carrying command response data, with
// the CSW to follow once it completes.
func (m *MSC) beginDataIn(data []byte, status uint8, residue uint32) {
	m.mutex.Lock()
	m.pendingStatus = status
	m.pendingResidue = residue
	m.state = bbbStateDataIn
	engine, ep := m.engine, m.bulkInEP
	m.mutex.Unlock()

	if engine == nil || ep == nil {
		return
	}
	if err := engine.Send(ep.Address, data); err != nil {
		pkg.LogWarn(pkg.ComponentDevice, "MSC data-in send failed", "error", err)
	}
}

// beginDataOut arms a bulk OUT transfer to receive WRITE(10) data.
func (m *MSC) beginDataOut(lba uint32, blocks uint16, length uint32) {
	m.mutex.Lock()
	m.writeLBA = lba
	m.writeBlocks = blocks
	m.state = bbbStateDataOut
	engine, ep := m.engine, m.bulkOutEP
	m.mutex.Unlock()

	if engine == nil || ep == nil {
		return
	}
	if err := engine.Receive(ep.Address, m.dataBuf[:length]); err != nil {
		pkg.LogWarn(pkg.ComponentDevice, "MSC data-out receive failed", "error", err)
	}
}

// sendCSW sends a Command Status Wrapper and arms the status stage.
func (m *MSC) sendCSW(status uint8, residue uint32) {
	m.mutex.Lock()
	csw := NewCSW(m.currentTag, residue, status)
	n := csw.MarshalTo(m.cswBuf[:])
	m.state = bbbStateStatusIn
	m.pendingStatus = status
	m.pendingResidue = residue
	engine, ep := m.engine, m.bulkInEP
	m.mutex.Unlock()

	if engine == nil || ep == nil {
		return
	}

	pkg.LogDebug(pkg.ComponentDevice, "CSW sent", "tag", csw.Tag, "residue", residue, "status", status)

	if err := engine.Send(ep.Address, m.cswBuf[:n]); err != nil {
		pkg.LogWarn(pkg.ComponentDevice, "MSC CSW send failed", "error", err)
	}
}

// parseU16BE parses a big-endian uint16 from data at offset.
func parseU16BE(data []byte, offset int) uint16 {
	if offset+2 > len(data) {
		return 0
	}
	return binary.BigEndian.Uint16(data[offset:])
}

// parseU32BE parses a big-endian uint32 from data at offset.
func parseU32BE(data []byte, offset int) uint32 {
	if offset+4 > len(data) {
		return 0
	}
	return binary.BigEndian.Uint32(data[offset:])
}

// parseU64BE parses a big-endian uint64 from data at offset.
func parseU64BE(data []byte, offset int) uint64 {
	if offset+8 > len(data) {
		return 0
	}
	return binary.BigEndian.Uint64(data[offset:])
}

// Compile-time interface checks
var (
	_ device.ClassDriver    = (*MSC)(nil)
	_ device.DataInHandler  = (*MSC)(nil)
	_ device.DataOutHandler = (*MSC)(nil)
)
