package cdc

import (
	"encoding/binary"
	"sync"

	"github.com/go-usbd/usbd/device"
	"github.com/go-usbd/usbd/device/pd"
	"github.com/go-usbd/usbd/pkg"
)

// NTB sizing (USB CDC-NCM 1.0, section 6.2). This implementation supports
// only the 16-bit NTB format (NTH16/NDP16); the 32-bit format is never
// negotiated and SET_NTB_FORMAT with a 32-bit selector is rejected.
const (
	NtbMaxSize       = 2048
	NdpDivisor       = 4
	NtbMaxDatagrams  = 20
	ntbFormat16      = 0x0000
	maxSegmentSize   = 1514
)

// NTH16 signature ("NCMH") and NDP16 signatures ("NCM0" control-data pair,
// "NCM1" second pair; only NCM0 is ever used since there is a single
// datagram pointer table per NTB).
var (
	sigNTH16  = [4]byte{'N', 'C', 'M', 'H'}
	sigNDP16C = [4]byte{'N', 'C', 'M', '0'}
)

const (
	nth16Size         = 12
	ndp16HeaderSize   = 8
	datagramEntrySize = 4
)

// ntb buffering states, mirroring the double-buffer the original NCM
// implementation keeps per direction so one NTB can be filled while the
// other is in flight.
type ntbState uint8

const (
	ntbEmpty ntbState = iota
	ntbReady
	ntbTransferring
)

// outNTB is one of the two double-buffered transmit NTBs. Each one carries
// a single datagram: the original driver's backward-growing multi-datagram
// allocator is not reproduced here since nothing in this stack coalesces
// multiple frames into one NTB before handing them to SendFrame.
type outNTB struct {
	state ntbState
	buf   [NtbMaxSize]byte
}

// NCM implements a CDC-NCM (Network Control Model) class driver, exposing
// an Ethernet frame interface to the host over a pair of bulk endpoints and
// a notification interface for NETWORK_CONNECTION events.
type NCM struct {
	controlIface *device.Interface
	dataIface    *device.Interface

	notifyEP  *device.Endpoint
	dataInEP  *device.Endpoint
	dataOutEP *device.Endpoint

	engine *device.Engine

	macAddress  [6]byte
	maxDatagram uint16
	ntbInSize   uint32
	connected   bool

	onReceive func(frame []byte)

	// Double-buffered transmit NTBs, filled by SendFrame and drained as
	// bulk IN transfers complete.
	out      [2]outNTB
	outIdx   int // buffer currently being filled
	sendIdx  int // buffer currently being transmitted, -1 if none

	// Receive side: a single fixed buffer large enough for one NTB. The OUT
	// endpoint is re-armed as soon as the previous NTB's datagrams have been
	// dispatched to onReceive.
	rxBuf [NtbMaxSize]byte

	notifyBuf [16]byte
	paramsBuf [28]byte

	seq uint16

	mutex sync.Mutex
	// configured is true once both interfaces and all three endpoints have
	// been discovered via Init. dataOpen is a stricter condition: the bulk
	// data endpoints are only opened on the PD, and usable for Send/Receive,
	// while the data interface's alternate setting is 1 (SetAlternate).
	configured bool
	dataOpen   bool
}

// NewNCM creates a new CDC-NCM class driver with the given MAC address.
func NewNCM(mac [6]byte) *NCM {
	return &NCM{
		macAddress:  mac,
		maxDatagram: maxSegmentSize,
		ntbInSize:   NtbMaxSize,
		sendIdx:     -1,
	}
}

// SetEngine sets the control-transfer engine used for non-blocking Send and
// Receive calls on the data endpoints.
func (n *NCM) SetEngine(engine *device.Engine) {
	n.mutex.Lock()
	n.engine = engine
	n.mutex.Unlock()
}

// SetOnReceive sets the callback invoked with each Ethernet frame
// extracted from an incoming NTB.
func (n *NCM) SetOnReceive(cb func(frame []byte)) {
	n.mutex.Lock()
	defer n.mutex.Unlock()
	n.onReceive = cb
}

// Init initializes the class driver for the given interface.
func (n *NCM) Init(iface *device.Interface) error {
	n.mutex.Lock()

	if iface.Class == ClassCDC {
		n.controlIface = iface
		for _, ep := range iface.Endpoints() {
			if ep.IsIn() && ep.IsInterrupt() {
				n.notifyEP = ep
				break
			}
		}
	} else if iface.Class == ClassCDCData {
		n.dataIface = iface
		for _, ep := range iface.Endpoints() {
			if ep.IsIn() && ep.IsBulk() {
				n.dataInEP = ep
			} else if ep.IsOut() && ep.IsBulk() {
				n.dataOutEP = ep
			}
		}
	}

	if n.controlIface != nil && n.dataIface != nil &&
		n.dataInEP != nil && n.dataOutEP != nil {
		n.configured = true
		pkg.LogDebug(pkg.ComponentDevice, "CDC-NCM configured",
			"dataIn", n.dataInEP.Address,
			"dataOut", n.dataOutEP.Address)
	}

	n.mutex.Unlock()

	// The bulk data endpoints stay closed until the host selects alternate
	// setting 1 on the data interface (SetAlternate); Init only discovers
	// them.
	return nil
}

// openDataEndpoints opens the bulk data endpoints on the PD and arms the
// first bulk OUT receive. Called when the data interface transitions to
// alternate setting 1.
func (n *NCM) openDataEndpoints() error {
	n.mutex.Lock()
	if n.dataOpen || !n.configured || n.engine == nil {
		n.mutex.Unlock()
		return nil
	}
	n.dataOpen = true
	engine, inEP, outEP := n.engine, n.dataInEP, n.dataOutEP
	n.mutex.Unlock()

	if err := engine.OpenEndpoint(pd.EndpointConfig{
		Address:       inEP.Address,
		TransferType:  inEP.TransferType(),
		MaxPacketSize: inEP.MaxPacketSize,
	}); err != nil {
		return err
	}
	if err := engine.OpenEndpoint(pd.EndpointConfig{
		Address:       outEP.Address,
		TransferType:  outEP.TransferType(),
		MaxPacketSize: outEP.MaxPacketSize,
	}); err != nil {
		return err
	}

	pkg.LogDebug(pkg.ComponentDevice, "CDC-NCM data endpoints opened",
		"dataIn", inEP.Address, "dataOut", outEP.Address)

	if err := engine.Receive(outEP.Address, n.rxBuf[:]); err != nil {
		pkg.LogWarn(pkg.ComponentDevice, "NCM failed to arm bulk OUT receive", "error", err)
	}
	return nil
}

// closeDataEndpoints disables the bulk data endpoints on the PD. Called when
// the data interface returns to alternate setting 0.
func (n *NCM) closeDataEndpoints() error {
	n.mutex.Lock()
	if !n.dataOpen {
		n.mutex.Unlock()
		return nil
	}
	n.dataOpen = false
	engine, inEP, outEP := n.engine, n.dataInEP, n.dataOutEP
	n.mutex.Unlock()

	if engine == nil {
		return nil
	}
	if inEP != nil {
		if err := engine.CloseEndpoint(inEP.Address); err != nil {
			return err
		}
	}
	if outEP != nil {
		if err := engine.CloseEndpoint(outEP.Address); err != nil {
			return err
		}
	}
	pkg.LogDebug(pkg.ComponentDevice, "CDC-NCM data endpoints closed")
	return nil
}

// HandleSetup processes class-specific SETUP requests.
func (n *NCM) HandleSetup(iface *device.Interface, setup *device.SetupPacket, data []byte) (bool, []byte, error) {
	if !setup.IsClass() {
		return false, nil, nil
	}

	switch setup.Request {
	case RequestGetNTBParameters:
		return n.handleGetNTBParameters()
	case RequestGetNTBInputSize:
		return n.handleGetNTBInputSize()
	case RequestSetNTBInputSize:
		return n.handleSetNTBInputSize(data)
	case RequestSetEthernetPacketFilter:
		return n.handleSetPacketFilter(setup)
	case RequestGetNTBFormat:
		return n.handleGetNTBFormat()
	case RequestSetNTBFormat:
		return n.handleSetNTBFormat(setup)
	default:
		return false, nil, nil
	}
}

// handleGetNTBParameters returns the fixed NTB parameter structure
// (wLength 0x1C per the CDC-NCM specification).
func (n *NCM) handleGetNTBParameters() (bool, []byte, error) {
	buf := n.paramsBuf[:28]
	binary.LittleEndian.PutUint16(buf[0:2], 28) // wLength
	binary.LittleEndian.PutUint16(buf[2:4], 0x01) // bmNtbFormatsSupported: 16-bit only
	binary.LittleEndian.PutUint32(buf[4:8], NtbMaxSize)
	binary.LittleEndian.PutUint16(buf[8:10], NdpDivisor)
	binary.LittleEndian.PutUint16(buf[10:12], 0)
	binary.LittleEndian.PutUint16(buf[12:14], ndp16HeaderSize)
	binary.LittleEndian.PutUint32(buf[14:18], NtbMaxSize)
	binary.LittleEndian.PutUint16(buf[18:20], NdpDivisor)
	binary.LittleEndian.PutUint16(buf[20:22], 0)
	binary.LittleEndian.PutUint16(buf[22:24], ndp16HeaderSize)
	binary.LittleEndian.PutUint16(buf[24:26], NtbMaxDatagrams)
	binary.LittleEndian.PutUint16(buf[26:28], 0) // reserved
	return true, buf, nil
}

func (n *NCM) handleGetNTBInputSize() (bool, []byte, error) {
	n.mutex.Lock()
	binary.LittleEndian.PutUint32(n.notifyBuf[:4], n.ntbInSize)
	n.mutex.Unlock()
	return true, n.notifyBuf[:4], nil
}

func (n *NCM) handleSetNTBInputSize(data []byte) (bool, []byte, error) {
	if len(data) < 4 {
		return true, nil, pkg.ErrBufferTooSmall
	}
	size := binary.LittleEndian.Uint32(data[:4])
	if size == 0 || size > NtbMaxSize {
		return true, nil, pkg.ErrInvalidRequest
	}
	n.mutex.Lock()
	n.ntbInSize = size
	n.mutex.Unlock()
	return true, nil, nil
}

func (n *NCM) handleGetNTBFormat() (bool, []byte, error) {
	binary.LittleEndian.PutUint16(n.notifyBuf[:2], ntbFormat16)
	return true, n.notifyBuf[:2], nil
}

func (n *NCM) handleSetNTBFormat(setup *device.SetupPacket) (bool, []byte, error) {
	if setup.Value != ntbFormat16 {
		return true, nil, pkg.ErrNotSupported
	}
	return true, nil, nil
}

func (n *NCM) handleSetPacketFilter(setup *device.SetupPacket) (bool, []byte, error) {
	pkg.LogDebug(pkg.ComponentDevice, "NCM packet filter set", "filter", setup.Value)
	return true, nil, nil
}

// SetAlternate handles alternate setting changes. Only the data interface
// has a second alternate setting; alt 1 opens the bulk endpoints and alt 0
// closes them, per the CDC-NCM data-interface gating the device descriptor
// advertises.
func (n *NCM) SetAlternate(iface *device.Interface, alt uint8) error {
	pkg.LogDebug(pkg.ComponentDevice, "NCM alternate setting",
		"interface", iface.Number, "alt", alt)

	n.mutex.Lock()
	isDataIface := n.dataIface == iface
	n.mutex.Unlock()
	if !isDataIface {
		return nil
	}

	if alt == 0 {
		return n.closeDataEndpoints()
	}
	return n.openDataEndpoints()
}

// Close releases resources held by the class driver.
func (n *NCM) Close() error {
	n.mutex.Lock()
	defer n.mutex.Unlock()

	n.controlIface = nil
	n.dataIface = nil
	n.notifyEP = nil
	n.dataInEP = nil
	n.dataOutEP = nil
	n.engine = nil
	n.configured = false
	n.dataOpen = false

	return nil
}

// Connect sends a NETWORK_CONNECTION notification indicating link-up to the
// host. No CONNECTION_SPEED_CHANGE notification is sent: upstreamBps and
// downstreamBps are only logged.
func (n *NCM) Connect(upstreamBps, downstreamBps uint32) error {
	n.mutex.Lock()
	n.connected = true
	engine, ep := n.engine, n.notifyEP
	ifaceNum := uint8(0)
	if n.controlIface != nil {
		ifaceNum = n.controlIface.Number
	}
	n.mutex.Unlock()

	if engine == nil || ep == nil {
		return pkg.ErrNotConfigured
	}

	buf := n.notifyBuf[:8]
	buf[0] = 0xA1
	buf[1] = NotificationNetworkConnection
	binary.LittleEndian.PutUint16(buf[2:4], 1) // wValue: connected
	binary.LittleEndian.PutUint16(buf[4:6], uint16(ifaceNum))
	binary.LittleEndian.PutUint16(buf[6:8], 0)
	if err := engine.Send(ep.Address, buf); err != nil {
		return err
	}

	pkg.LogDebug(pkg.ComponentDevice, "NCM network connected",
		"upstream", upstreamBps, "downstream", downstreamBps)
	return nil
}

// Disconnect sends a NETWORK_CONNECTION notification indicating link-down.
func (n *NCM) Disconnect() error {
	n.mutex.Lock()
	n.connected = false
	engine, ep := n.engine, n.notifyEP
	ifaceNum := uint8(0)
	if n.controlIface != nil {
		ifaceNum = n.controlIface.Number
	}
	n.mutex.Unlock()

	if engine == nil || ep == nil {
		return pkg.ErrNotConfigured
	}

	buf := n.notifyBuf[:8]
	buf[0] = 0xA1
	buf[1] = NotificationNetworkConnection
	binary.LittleEndian.PutUint16(buf[2:4], 0)
	binary.LittleEndian.PutUint16(buf[4:6], uint16(ifaceNum))
	binary.LittleEndian.PutUint16(buf[6:8], 0)
	return engine.Send(ep.Address, buf)
}

// SendFrame queues a single Ethernet frame for transmission, wrapped in a
// one-datagram NTB. Returns pkg.ErrBusy if both transmit buffers already
// hold data awaiting transmission.
func (n *NCM) SendFrame(frame []byte) error {
	n.mutex.Lock()
	if !n.dataOpen || n.engine == nil || n.dataInEP == nil {
		n.mutex.Unlock()
		return pkg.ErrNotConfigured
	}
	if len(frame) > int(n.maxDatagram) {
		n.mutex.Unlock()
		return pkg.ErrBufferTooSmall
	}

	idx := n.outIdx
	nb := &n.out[idx]
	if nb.state != ntbEmpty {
		// try the other buffer
		idx = 1 - idx
		nb = &n.out[idx]
		if nb.state != ntbEmpty {
			n.mutex.Unlock()
			return pkg.ErrBusy
		}
	}

	total := n.buildSingleDatagramNTB(nb, frame)
	nb.state = ntbReady
	n.outIdx = 1 - idx

	var sendNow bool
	var sendBuf []byte
	if n.sendIdx < 0 {
		n.sendIdx = idx
		nb.state = ntbTransferring
		sendNow = true
		sendBuf = nb.buf[:total]
	}
	engine, ep := n.engine, n.dataInEP
	n.mutex.Unlock()

	if sendNow {
		return engine.Send(ep.Address, sendBuf)
	}
	return nil
}

// buildSingleDatagramNTB writes an NTH16 header, an NDP16 with a single
// datagram entry (plus the mandatory null terminator), and the frame
// payload into nb.buf, returning the total NTB length. Datagram offsets
// follow the CDC-NCM layout: header, then NDP, then datagram data, each
// rounded up to a 4-byte boundary as NdpDivisor requires.
func (n *NCM) buildSingleDatagramNTB(nb *outNTB, frame []byte) int {
	ndpOffset := align4(nth16Size)
	ndpLength := ndp16HeaderSize + 2*datagramEntrySize // one entry + null terminator
	dataOffset := align4(ndpOffset + ndpLength)
	total := dataOffset + len(frame)

	buf := nb.buf[:total]

	// NTH16
	copy(buf[0:4], sigNTH16[:])
	binary.LittleEndian.PutUint16(buf[4:6], nth16Size)
	n.seq += 2
	binary.LittleEndian.PutUint16(buf[6:8], n.seq)
	binary.LittleEndian.PutUint16(buf[8:10], uint16(total))
	binary.LittleEndian.PutUint16(buf[10:12], uint16(ndpOffset))

	// NDP16
	ndp := buf[ndpOffset:]
	copy(ndp[0:4], sigNDP16C[:])
	binary.LittleEndian.PutUint16(ndp[4:6], uint16(ndpLength))
	binary.LittleEndian.PutUint16(ndp[6:8], 0) // wNextNdpIndex: no further NDPs
	binary.LittleEndian.PutUint16(ndp[8:10], uint16(dataOffset))
	binary.LittleEndian.PutUint16(ndp[10:12], uint16(len(frame)))
	binary.LittleEndian.PutUint16(ndp[12:14], 0) // terminating index
	binary.LittleEndian.PutUint16(ndp[14:16], 0) // terminating length

	copy(buf[dataOffset:], frame)

	return total
}

func align4(n int) int {
	return (n + 3) &^ 3
}

// HandleDataIn is called when a bulk IN transfer completes. It releases
// the buffer that just finished transmitting and, if the other buffer is
// waiting, starts sending it.
func (n *NCM) HandleDataIn(ep *device.Endpoint) {
	n.mutex.Lock()
	if n.sendIdx >= 0 {
		n.out[n.sendIdx].state = ntbEmpty
	}
	n.sendIdx = -1

	other := n.outIdx // buffer most recently filled by SendFrame, if any
	var sendBuf []byte
	var engine *device.Engine
	var addr uint8
	for _, i := range [2]int{1 - other, other} {
		if n.out[i].state == ntbReady {
			n.out[i].state = ntbTransferring
			n.sendIdx = i
			sendBuf = n.out[i].buf[:]
			engine, addr = n.engine, n.dataInEP.Address
			break
		}
	}
	n.mutex.Unlock()

	if sendBuf != nil {
		if err := engine.Send(addr, sendBuf); err != nil {
			pkg.LogWarn(pkg.ComponentDevice, "NCM deferred send failed", "error", err)
		}
	}
}

// HandleDataOut is called when an incoming NTB arrives on the bulk OUT
// endpoint. It walks the NDP16 datagram pointer table, dispatching each
// referenced datagram to the receive callback, then re-arms the endpoint.
func (n *NCM) HandleDataOut(ep *device.Endpoint, data []byte) {
	n.mutex.Lock()
	cb := n.onReceive
	open := n.dataOpen
	engine, outEP := n.engine, n.dataOutEP
	n.mutex.Unlock()

	if cb != nil {
		dispatchDatagrams(data, cb)
	}

	if open && engine != nil && outEP != nil {
		if err := engine.Receive(outEP.Address, n.rxBuf[:]); err != nil {
			pkg.LogWarn(pkg.ComponentDevice, "NCM failed to re-arm bulk OUT receive", "error", err)
		}
	}
}

// dispatchDatagrams parses NTH16 and a single NDP16 from ntb and invokes cb
// once per datagram entry, stopping at the null-terminated (index=0,
// length=0) entry as the CDC-NCM wire format requires.
func dispatchDatagrams(ntb []byte, cb func([]byte)) {
	if len(ntb) < nth16Size {
		return
	}
	if string(ntb[0:4]) != string(sigNTH16[:]) {
		return
	}
	ndpOffset := int(binary.LittleEndian.Uint16(ntb[10:12]))
	if ndpOffset+ndp16HeaderSize > len(ntb) {
		return
	}
	ndp := ntb[ndpOffset:]
	if string(ndp[0:4]) != string(sigNDP16C[:]) {
		return
	}
	ndpLength := int(binary.LittleEndian.Uint16(ndp[4:6]))
	if ndpLength > len(ndp) {
		return
	}
	entries := ndp[ndp16HeaderSize:ndpLength]
	for off := 0; off+datagramEntrySize <= len(entries); off += datagramEntrySize {
		index := int(binary.LittleEndian.Uint16(entries[off : off+2]))
		length := int(binary.LittleEndian.Uint16(entries[off+2 : off+4]))
		if index == 0 && length == 0 {
			break
		}
		if index+length > len(ntb) {
			continue
		}
		cb(ntb[index : index+length])
	}
}

// ConfigureDevice adds CDC-NCM interfaces to a device builder.
func (n *NCM) ConfigureDevice(builder *device.DeviceBuilder, notifyEPAddr, dataInEPAddr, dataOutEPAddr uint8) *device.DeviceBuilder {
	builder.AddInterface(ClassCDC, SubclassNCM, ProtocolNone)
	builder.AddEndpoint(notifyEPAddr|device.EndpointDirectionIn, device.EndpointTypeInterrupt, 16)

	builder.AddInterface(ClassCDCData, 0, 0)
	builder.WithAltCount(2)
	builder.AddEndpoint(dataInEPAddr|device.EndpointDirectionIn, device.EndpointTypeBulk, 512)
	builder.AddEndpoint(dataOutEPAddr&0x0F, device.EndpointTypeBulk, 512)

	return builder
}

// AttachToInterfaces attaches this class driver to the CDC-NCM interfaces.
func (n *NCM) AttachToInterfaces(dev *device.Device, configValue, controlIfaceNum, dataIfaceNum uint8) error {
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

	if err := controlIface.SetClassDriver(n); err != nil {
		return err
	}

	return dataIface.SetClassDriver(n)
}

// Compile-time interface checks
var (
	_ device.ClassDriver    = (*NCM)(nil)
	_ device.DataInHandler  = (*NCM)(nil)
	_ device.DataOutHandler = (*NCM)(nil)
)
