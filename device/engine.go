package device

import (
	"github.com/go-usbd/usbd/device/pd"
	"github.com/go-usbd/usbd/pkg"
)

// ControlState is the explicit state of the EP0 control transfer engine.
// Making this an enum rather than inferring position from callback order
// keeps the Setup/Data/Status stage sequencing auditable and matches how
// the spec's own design notes describe the state machine.
type ControlState uint8

// Control transfer states.
const (
	ControlStateIdle       ControlState = iota // No transfer in progress
	ControlStateSetup                          // Setup stage just parsed, dispatching
	ControlStateDataIn                         // Sending response data to host
	ControlStateDataOut                        // Receiving OUT data from host
	ControlStateStatusIn                       // Sending ZLP status ack (for OUT transfers)
	ControlStateStatusOut                      // Receiving ZLP status ack (for IN transfers)
)

// String returns a human-readable control state name.
func (s ControlState) String() string {
	switch s {
	case ControlStateIdle:
		return "idle"
	case ControlStateSetup:
		return "setup"
	case ControlStateDataIn:
		return "data-in"
	case ControlStateDataOut:
		return "data-out"
	case ControlStateStatusIn:
		return "status-in"
	case ControlStateStatusOut:
		return "status-out"
	default:
		return "unknown"
	}
}

// maxControlDataSize bounds the EP0 OUT data stage buffer.
const maxControlDataSize = 512

// Engine drives the non-blocking control transfer state machine and routes
// non-control endpoint completions to class drivers. It implements
// pd.Callbacks and is the only thing that talks to a pd.Driver.
type Engine struct {
	device  *Device
	driver  pd.Driver
	handler *StandardRequestHandler

	state ControlState
	setup SetupPacket

	ep0OutBuf [maxControlDataSize]byte

	// pendingResp is the response slice queued for the current DataIn stage,
	// kept so short reads by the host don't require recomputation.
	pendingResp []byte

	// addressPending holds an address latched by SET_ADDRESS when the PD
	// wants it applied only after the Status stage completes.
	addressPending    uint8
	hasPendingAddress bool

	// needsZLP marks a device-to-host data stage whose length is a non-zero
	// exact multiple of EP0's MaxPacketSize and shorter than wLength: the
	// PD's packetization won't produce a short packet on its own, so an
	// explicit zero-length Send must follow before the Status stage.
	needsZLP bool

	onConnect    func()
	onDisconnect func()
}

// NewEngine creates a control engine for dev driven by driver. Call Start to
// begin accepting bus traffic.
func NewEngine(dev *Device, driver pd.Driver) *Engine {
	handler := NewStandardRequestHandler(dev)
	handler.SetDriver(driver)
	return &Engine{
		device:  dev,
		driver:  driver,
		handler: handler,
	}
}

// Device returns the underlying device.
func (e *Engine) Device() *Device { return e.device }

// Start initializes the PD and presents the device on the bus.
func (e *Engine) Start() error {
	if err := e.driver.Init(e); err != nil {
		return err
	}
	if err := e.driver.Start(); err != nil {
		return err
	}
	pkg.LogDebug(pkg.ComponentDevice, "engine started")
	return nil
}

// Stop removes the device from the bus and releases the PD.
func (e *Engine) Stop() error {
	if err := e.driver.Stop(); err != nil {
		return err
	}
	if cb := e.onDisconnect; cb != nil {
		cb()
	}
	return e.driver.Deinit()
}

// SetOnConnect sets the callback invoked on bus reset (the closest analogue
// to "connect" in a device-side stack: the PD doesn't know the host exists
// until it resets the bus).
func (e *Engine) SetOnConnect(cb func()) { e.onConnect = cb }

// SetOnDisconnect sets the callback invoked on Stop.
func (e *Engine) SetOnDisconnect(cb func()) { e.onDisconnect = cb }

// Send queues data for transmission on a non-control IN endpoint. Returns
// pkg.ErrBusy if a Send is already pending on that endpoint.
func (e *Engine) Send(addr uint8, data []byte) error {
	return e.driver.Send(addr, data)
}

// Receive arms a non-control OUT endpoint to receive into buf. Returns
// pkg.ErrBusy if a Receive is already armed on that endpoint.
func (e *Engine) Receive(addr uint8, buf []byte) error {
	return e.driver.Receive(addr, buf)
}

// Stall stalls a non-control endpoint.
func (e *Engine) Stall(addr uint8) error {
	return e.driver.Stall(addr)
}

// OpenEndpoint configures a non-control endpoint on the PD. Class drivers
// call this to bring up endpoints gated by an alternate setting, rather
// than having them active for the lifetime of the configuration.
func (e *Engine) OpenEndpoint(cfg pd.EndpointConfig) error {
	return e.driver.OpenEndpoint(cfg)
}

// CloseEndpoint disables a previously opened non-control endpoint on the PD.
func (e *Engine) CloseEndpoint(addr uint8) error {
	return e.driver.CloseEndpoint(addr)
}

// ---- pd.Callbacks ----

// Reset implements pd.Callbacks.
func (e *Engine) Reset(speed pd.Speed) {
	e.state = ControlStateIdle
	e.device.SetSpeed(Speed(speed))
	e.device.Reset()

	mps := uint16(e.device.Speed().MaxPacketSize0())
	if err := e.driver.OpenControlEndpoint(mps); err != nil {
		pkg.LogWarn(pkg.ComponentDevice, "open control endpoint failed", "error", err)
		return
	}

	if cb := e.onConnect; cb != nil {
		cb()
	}

	pkg.LogDebug(pkg.ComponentDevice, "bus reset", "speed", speed.String())
}

// Setup implements pd.Callbacks.
func (e *Engine) Setup(raw [8]byte) {
	if err := ParseSetupPacket(raw[:], &e.setup); err != nil {
		pkg.LogWarn(pkg.ComponentDevice, "malformed setup packet", "error", err)
		e.driver.Stall(0x00)
		return
	}

	pkg.LogDebug(pkg.ComponentDevice, "setup received", "request", e.setup.String())
	e.state = ControlStateSetup

	if e.setup.IsHostToDevice() && e.setup.Length > 0 {
		// Buffer the OUT data stage before dispatching.
		length := int(e.setup.Length)
		if length > maxControlDataSize {
			length = maxControlDataSize
		}
		e.state = ControlStateDataOut
		if err := e.driver.Receive(0x00, e.ep0OutBuf[:length]); err != nil {
			e.stallControl(err)
		}
		return
	}

	e.dispatch(nil)
}

// EPIn implements pd.Callbacks.
func (e *Engine) EPIn(addr uint8, length int) {
	if addr == 0x80 {
		e.controlIn()
		return
	}
	e.routeDataIn(addr)
}

// EPOut implements pd.Callbacks.
func (e *Engine) EPOut(addr uint8, data []byte) {
	if addr == 0x00 {
		e.controlOut(data)
		return
	}
	e.routeDataOut(addr, data)
}

// controlIn handles an EPIn completion on EP0.
func (e *Engine) controlIn() {
	switch e.state {
	case ControlStateDataIn:
		if e.needsZLP {
			e.needsZLP = false
			if err := e.driver.Send(0x80, nil); err != nil {
				e.stallControl(err)
			}
			return
		}
		// Response fully sent; absorb the host's zero-length OUT status.
		e.state = ControlStateStatusOut
		if err := e.driver.Receive(0x00, e.ep0OutBuf[:0]); err != nil {
			e.stallControl(err)
		}
	case ControlStateStatusIn:
		e.finishTransfer()
	default:
		pkg.LogWarn(pkg.ComponentDevice, "unexpected EPIn on EP0", "state", e.state.String())
	}
}

// controlOut handles an EPOut completion on EP0.
func (e *Engine) controlOut(data []byte) {
	switch e.state {
	case ControlStateDataOut:
		e.dispatch(data)
	case ControlStateStatusOut:
		e.finishTransfer()
	default:
		pkg.LogWarn(pkg.ComponentDevice, "unexpected EPOut on EP0", "state", e.state.String())
	}
}

// dispatch routes a fully-buffered setup (with OUT data, if any) to the
// standard or class request handler and drives the response stage.
func (e *Engine) dispatch(data []byte) {
	setup := &e.setup

	var resp []byte
	var err error

	if setup.IsVendor() && setup.IsDeviceToHost() {
		resp, err = e.handleMSOSVendorRequest(setup)
	} else if setup.IsStandard() && setup.Request == RequestSetAddress && setup.IsDeviceRecipient() {
		resp, err = e.handler.HandleSetup(setup, data)
		if err == nil {
			if setErr := e.applySetAddress(uint8(setup.Value & 0x7F)); setErr != nil {
				pkg.LogWarn(pkg.ComponentDevice, "PD set address failed", "error", setErr)
			}
		}
	} else if setup.IsStandard() {
		resp, err = e.handler.HandleSetup(setup, data)
		// GET_DESCRIPTOR for a class-specific descriptor (HID report/HID
		// descriptor, DFU functional descriptor, ...) is a standard request
		// by type but only the owning interface knows how to answer it.
		if err != nil && setup.IsInterfaceRecipient() && setup.Request == RequestGetDescriptor {
			if iface := e.device.GetInterface(setup.InterfaceNumber()); iface != nil {
				var handled bool
				handled, resp, err = iface.HandleSetup(setup, data)
				if !handled {
					err = pkg.ErrInvalidRequest
				}
			}
		}
	} else if setup.IsInterfaceRecipient() {
		iface := e.device.GetInterface(setup.InterfaceNumber())
		if iface == nil {
			err = pkg.ErrInvalidRequest
		} else {
			var handled bool
			handled, resp, err = iface.HandleSetup(setup, data)
			if !handled && err == nil {
				err = pkg.ErrInvalidRequest
			}
		}
	} else {
		err = pkg.ErrInvalidRequest
	}

	if err != nil {
		e.stallControl(err)
		return
	}

	if setup.IsDeviceToHost() {
		e.completeIn(resp)
		return
	}

	// Host-to-device with no further data: go straight to status.
	e.state = ControlStateStatusIn
	if err := e.driver.Send(0x80, nil); err != nil {
		e.stallControl(err)
	}
}

// msosWIndexExtCompatID and msosWIndexDescriptorSet are the wIndex values
// Windows uses to distinguish MS OS 1.0 vs MS OS 2.0 vendor requests.
const (
	msosWIndexExtCompatID   = 0x0004
	msosWIndexDescriptorSet = 0x0007
)

// handleMSOSVendorRequest serves the Microsoft OS descriptor vendor request
// if setup.Request matches the device's configured vendor code.
func (e *Engine) handleMSOSVendorRequest(setup *SetupPacket) ([]byte, error) {
	e.device.mutex.RLock()
	vendorCode := e.device.msosVendorReq
	extCompatID := e.device.extCompatID
	msosSet := e.device.msosSet
	e.device.mutex.RUnlock()

	if vendorCode == 0 || setup.Request != vendorCode {
		return nil, pkg.ErrInvalidRequest
	}

	switch setup.Index {
	case msosWIndexExtCompatID:
		if extCompatID == nil {
			return nil, pkg.ErrNotSupported
		}
		return extCompatID, nil
	case msosWIndexDescriptorSet:
		if msosSet == nil {
			return nil, pkg.ErrNotSupported
		}
		return msosSet, nil
	default:
		return nil, pkg.ErrInvalidRequest
	}
}

// completeIn begins the Data or Status stage for a device-to-host transfer.
func (e *Engine) completeIn(resp []byte) {
	if len(resp) == 0 {
		e.state = ControlStateStatusOut
		if err := e.driver.Receive(0x00, e.ep0OutBuf[:0]); err != nil {
			e.stallControl(err)
		}
		return
	}

	n := len(resp)
	if n > int(e.setup.Length) {
		n = int(e.setup.Length)
	}
	e.pendingResp = resp[:n]
	e.needsZLP = e.requiresZLP(n)
	e.state = ControlStateDataIn
	if err := e.driver.Send(0x80, e.pendingResp); err != nil {
		e.stallControl(err)
	}
}

// requiresZLP reports whether a device-to-host data stage of n bytes must
// be followed by a zero-length packet before the Status stage. A short
// packet (or a ZLP) is what tells the host the data stage has ended; if n
// is a non-zero exact multiple of EP0's MaxPacketSize and still less than
// the host's requested wLength, the last packet already sent was full-size
// and the host is left waiting for a short one that will never come.
func (e *Engine) requiresZLP(n int) bool {
	if n == 0 || n >= int(e.setup.Length) {
		return false
	}
	mps := int(e.device.Speed().MaxPacketSize0())
	return mps > 0 && n%mps == 0
}

// finishTransfer returns EP0 to idle after the Status stage completes.
func (e *Engine) finishTransfer() {
	e.state = ControlStateIdle
	e.pendingResp = nil
	e.needsZLP = false

	if e.hasPendingAddress {
		e.hasPendingAddress = false
		if err := e.driver.SetAddress(e.addressPending); err != nil {
			pkg.LogWarn(pkg.ComponentDevice, "set address failed", "error", err)
		}
	}
}

// stallControl stalls EP0 in both directions and returns to idle.
func (e *Engine) stallControl(err error) {
	pkg.LogWarn(pkg.ComponentDevice, "control transfer stalled",
		"request", e.setup.String(), "error", err)
	e.driver.Stall(0x00)
	e.driver.Stall(0x80)
	e.state = ControlStateIdle
	e.pendingResp = nil
	e.needsZLP = false
}

// applySetAddress programs the PD's hardware address for a SET_ADDRESS
// request. Some controllers require this to happen only after the Status
// stage ACKs under the old address; AddressesAfterStatus reports which.
func (e *Engine) applySetAddress(addr uint8) error {
	if e.driver.AddressesAfterStatus() {
		e.addressPending = addr
		e.hasPendingAddress = true
		return nil
	}
	return e.driver.SetAddress(addr)
}

// findInterfaceOwner finds the interface owning a non-control endpoint
// address in the active configuration.
func (e *Engine) findInterfaceOwner(addr uint8) *Interface {
	config := e.device.ActiveConfiguration()
	if config == nil {
		return nil
	}
	return config.FindEndpointOwner(addr)
}

// routeDataIn dispatches a non-control EPIn completion to the owning
// interface's class driver, if it implements DataInHandler.
func (e *Engine) routeDataIn(addr uint8) {
	iface := e.findInterfaceOwner(addr)
	if iface == nil {
		return
	}
	driver := iface.ClassDriver()
	if h, ok := driver.(DataInHandler); ok {
		ep := iface.GetEndpoint(addr)
		h.HandleDataIn(ep)
	}
}

// routeDataOut dispatches a non-control EPOut completion to the owning
// interface's class driver, if it implements DataOutHandler.
func (e *Engine) routeDataOut(addr uint8, data []byte) {
	iface := e.findInterfaceOwner(addr)
	if iface == nil {
		return
	}
	driver := iface.ClassDriver()
	if h, ok := driver.(DataOutHandler); ok {
		ep := iface.GetEndpoint(addr)
		h.HandleDataOut(ep, data)
	}
}

// Compile-time interface check.
var _ pd.Callbacks = (*Engine)(nil)
