package cdc

import (
	"sync"

	"github.com/go-usbd/usbd/device"
	"github.com/go-usbd/usbd/pkg"
)

// MaxRxBufferSize is the maximum receive buffer size.
const MaxRxBufferSize = 4096

// MaxTxBufferSize is the maximum transmit buffer size.
const MaxTxBufferSize = 4096

// ACM implements a CDC-ACM (Abstract Control Model) class driver.
// It provides USB serial port functionality.
type ACM struct {
	// Interfaces
	controlIface *device.Interface
	dataIface    *device.Interface

	// Endpoints
	notifyEP  *device.Endpoint // Interrupt IN for notifications
	dataInEP  *device.Endpoint // Bulk IN for data to host
	dataOutEP *device.Endpoint // Bulk OUT for data from host

	// Engine used for non-blocking Send/Receive on the data endpoints.
	engine *device.Engine

	// Configuration
	lineCoding   LineCoding
	controlState uint16
	serialState  uint16

	// Callbacks
	onLineCodingChange   func(*LineCoding)
	onControlStateChange func(dtr, rts bool)
	onBreak              func(millis uint16)
	onReceive            func(data []byte)

	// Transmit bookkeeping for the zero-length-packet-on-MPS-multiple rule.
	txPending  bool
	txWasFull  bool

	// Buffers (zero-allocation)
	rxBuf       [MaxRxBufferSize]byte
	txBuf       [MaxTxBufferSize]byte
	notifyBuf   [10]byte
	responseBuf [LineCodingSize]byte

	// State
	mutex      sync.RWMutex
	configured bool
}

// NewACM creates a new CDC-ACM class driver.
func NewACM() *ACM {
	return &ACM{
		lineCoding: DefaultLineCoding,
	}
}

// SetEngine sets the control-transfer engine used for non-blocking Send and
// Receive calls on the data endpoints.
func (a *ACM) SetEngine(engine *device.Engine) {
	a.mutex.Lock()
	a.engine = engine
	a.mutex.Unlock()
	a.maybeStart()
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

// SetOnReceive sets the callback invoked with each chunk of data arriving
// on the bulk OUT endpoint.
func (a *ACM) SetOnReceive(cb func(data []byte)) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.onReceive = cb
}

// LineCoding returns the current line coding configuration.
func (a *ACM) LineCoding() LineCoding {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return a.lineCoding
}

// DTR returns the current DTR (Data Terminal Ready) state.
func (a *ACM) DTR() bool {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return a.controlState&ControlLineDTR != 0
}

// RTS returns the current RTS (Request To Send) state.
func (a *ACM) RTS() bool {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return a.controlState&ControlLineRTS != 0
}

// Init initializes the class driver for the given interface.
// This is called by the device stack when the class driver is attached.
func (a *ACM) Init(iface *device.Interface) error {
	a.mutex.Lock()

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

	a.mutex.Unlock()
	a.maybeStart()

	return nil
}

// maybeStart arms the first bulk OUT receive once both an engine is
// attached and the data interface is configured.
func (a *ACM) maybeStart() {
	a.mutex.RLock()
	ready := a.configured && a.engine != nil
	engine, ep := a.engine, a.dataOutEP
	a.mutex.RUnlock()

	if !ready {
		return
	}
	if err := engine.Receive(ep.Address, a.rxBuf[:]); err != nil {
		pkg.LogWarn(pkg.ComponentDevice, "ACM failed to arm bulk OUT receive", "error", err)
	}
}

// HandleSetup processes class-specific SETUP requests.
func (a *ACM) HandleSetup(iface *device.Interface, setup *device.SetupPacket, data []byte) (bool, []byte, error) {
	if !setup.IsClass() {
		return false, nil, nil
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
		return false, nil, nil
	}
}

// handleSetLineCoding handles the SET_LINE_CODING request.
func (a *ACM) handleSetLineCoding(setup *device.SetupPacket, data []byte) (bool, []byte, error) {
	if len(data) < LineCodingSize {
		return true, nil, pkg.ErrBufferTooSmall
	}

	a.mutex.Lock()
	if !ParseLineCoding(data, &a.lineCoding) {
		a.mutex.Unlock()
		return true, nil, pkg.ErrBufferTooSmall
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

	return true, nil, nil
}

// handleGetLineCoding handles the GET_LINE_CODING request.
func (a *ACM) handleGetLineCoding(setup *device.SetupPacket) (bool, []byte, error) {
	a.mutex.RLock()
	n := a.lineCoding.MarshalTo(a.responseBuf[:])
	a.mutex.RUnlock()

	if n == 0 {
		return true, nil, pkg.ErrBufferTooSmall
	}

	return true, a.responseBuf[:n], nil
}

// handleSetControlLineState handles the SET_CONTROL_LINE_STATE request.
func (a *ACM) handleSetControlLineState(setup *device.SetupPacket) (bool, []byte, error) {
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

	return true, nil, nil
}

// handleSendBreak handles the SEND_BREAK request.
func (a *ACM) handleSendBreak(setup *device.SetupPacket) (bool, []byte, error) {
	millis := setup.Value

	a.mutex.RLock()
	cb := a.onBreak
	a.mutex.RUnlock()

	pkg.LogDebug(pkg.ComponentDevice, "break signaled",
		"duration_ms", millis)

	if cb != nil {
		cb(millis)
	}

	return true, nil, nil
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
	a.engine = nil
	a.configured = false

	return nil
}

// HandleDataOut is called when data arrives on the bulk OUT endpoint. It
// delivers the chunk to the receive callback and re-arms the endpoint.
func (a *ACM) HandleDataOut(ep *device.Endpoint, data []byte) {
	a.mutex.RLock()
	cb := a.onReceive
	engine, outEP := a.engine, a.dataOutEP
	a.mutex.RUnlock()

	if cb != nil {
		cb(data)
	}

	if engine != nil && outEP != nil {
		if err := engine.Receive(outEP.Address, a.rxBuf[:]); err != nil {
			pkg.LogWarn(pkg.ComponentDevice, "ACM failed to re-arm bulk OUT receive", "error", err)
		}
	}
}

// HandleDataIn is called when a bulk IN transfer completes. If the last
// transfer was an exact multiple of the endpoint's max packet size, a
// zero-length packet is sent to terminate the transfer per the USB bulk
// transfer framing rule; otherwise the write is complete.
func (a *ACM) HandleDataIn(ep *device.Endpoint) {
	a.mutex.Lock()
	if a.txWasFull {
		a.txWasFull = false
		engine := a.engine
		a.mutex.Unlock()
		if engine != nil {
			if err := engine.Send(ep.Address, nil); err != nil {
				pkg.LogWarn(pkg.ComponentDevice, "ACM ZLP send failed", "error", err)
			}
		}
		return
	}
	a.txPending = false
	a.mutex.Unlock()
}

// Write sends data to the host over the bulk IN endpoint. It is
// non-blocking; at most one write may be in flight, reported by
// ErrBusy. Completion (including any trailing ZLP) is tracked internally
// via HandleDataIn.
func (a *ACM) Write(data []byte) error {
	a.mutex.Lock()
	if !a.configured || a.engine == nil || a.dataInEP == nil {
		a.mutex.Unlock()
		return pkg.ErrNotConfigured
	}
	if a.txPending {
		a.mutex.Unlock()
		return pkg.ErrBusy
	}

	n := copy(a.txBuf[:], data)
	a.txPending = true
	a.txWasFull = a.dataInEP.MaxPacketSize > 0 && n > 0 && n%int(a.dataInEP.MaxPacketSize) == 0
	engine, ep := a.engine, a.dataInEP
	a.mutex.Unlock()

	return engine.Send(ep.Address, a.txBuf[:n])
}

// SendSerialState sends a SERIAL_STATE notification to the host.
func (a *ACM) SendSerialState(state uint16) error {
	a.mutex.Lock()
	a.serialState = state
	engine, ep := a.engine, a.notifyEP
	ifaceNum := uint8(0)
	if a.controlIface != nil {
		ifaceNum = a.controlIface.Number
	}

	// Notification packet (10 bytes): bmRequestType, bNotification, wValue,
	// wIndex (control interface number), wLength, then 2 bytes of state.
	buf := a.notifyBuf[:]
	buf[0] = 0xA1 // bmRequestType: device-to-host, class, interface
	buf[1] = NotificationSerialState
	buf[2] = 0
	buf[3] = 0
	buf[4] = ifaceNum
	buf[5] = 0
	buf[6] = 2
	buf[7] = 0
	buf[8] = byte(state)
	buf[9] = byte(state >> 8)
	a.mutex.Unlock()

	if engine == nil || ep == nil {
		return pkg.ErrNotConfigured
	}

	return engine.Send(ep.Address, buf)
}

// ConfigureDevice adds CDC-ACM interfaces to a device builder.
// Call this after AddConfiguration to add the CDC interfaces.
func (a *ACM) ConfigureDevice(builder *device.DeviceBuilder, notifyEPAddr, dataInEPAddr, dataOutEPAddr uint8) *device.DeviceBuilder {
	// Control Interface (Communications Class)
	builder.AddInterface(ClassCDC, SubclassACM, ProtocolAT)
	builder.AddEndpoint(notifyEPAddr|device.EndpointDirectionIn, device.EndpointTypeInterrupt, 8)

	// Data Interface (Data Class)
	builder.AddInterface(ClassCDCData, 0, 0)
	builder.AddEndpoint(dataInEPAddr|device.EndpointDirectionIn, device.EndpointTypeBulk, 64)
	builder.AddEndpoint(dataOutEPAddr&0x0F, device.EndpointTypeBulk, 64)

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

	// The same ACM instance is registered on the data interface as well.
	return dataIface.SetClassDriver(a)
}

// Compile-time interface checks
var (
	_ device.ClassDriver    = (*ACM)(nil)
	_ device.DataInHandler  = (*ACM)(nil)
	_ device.DataOutHandler = (*ACM)(nil)
)
