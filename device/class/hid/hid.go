package hid

import (
	"sync"

	"github.com/go-usbd/usbd/device"
	"github.com/go-usbd/usbd/pkg"
)

// MaxReportSize is the maximum HID report size.
const MaxReportSize = 64

// HID implements a HID class driver.
type HID struct {
	// Interface
	iface *device.Interface

	// Endpoints
	inEP  *device.Endpoint // Interrupt IN for input reports
	outEP *device.Endpoint // Interrupt OUT for output reports (optional)

	// Engine used for non-blocking Send/Receive on the interrupt endpoints.
	engine *device.Engine

	// Report descriptor (stored by reference)
	reportDescriptor []byte

	// HID descriptor
	hidDescriptor HIDDescriptor

	// State
	protocol uint8 // 0 = boot, 1 = report
	idleRate uint8 // Idle rate in 4ms units (0 = infinite)

	// Last feature report per report ID, for GET_REPORT(Feature) readback.
	featureReports map[uint8][]byte

	// Callbacks
	onOutputReport  func(data []byte)
	onFeatureReport func(reportID uint8, data []byte)
	onSetProtocol   func(protocol uint8)
	onSetIdle       func(rate uint8, reportID uint8)

	// Buffers (zero-allocation)
	reportBuf   [MaxReportSize]byte
	responseBuf [MaxReportSize]byte
	outBuf      [MaxReportSize]byte

	// State
	mutex      sync.RWMutex
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
		protocol:       ProtocolReport,
		featureReports: make(map[uint8][]byte),
	}
}

// SetEngine sets the control-transfer engine used for non-blocking Send and
// Receive calls on the interrupt endpoints.
func (h *HID) SetEngine(engine *device.Engine) {
	h.mutex.Lock()
	h.engine = engine
	outEP := h.outEP
	h.mutex.Unlock()

	if engine != nil && outEP != nil {
		if err := engine.Receive(outEP.Address, h.outBuf[:]); err != nil {
			pkg.LogWarn(pkg.ComponentDevice, "HID failed to arm output report receive", "error", err)
		}
	}
}

// SetOnOutputReport sets the callback for output reports from the host.
func (h *HID) SetOnOutputReport(cb func(data []byte)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onOutputReport = cb
}

// SetOnFeatureReport sets the callback for feature report requests.
func (h *HID) SetOnFeatureReport(cb func(reportID uint8, data []byte)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onFeatureReport = cb
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
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.protocol
}

// IdleRate returns the current idle rate.
func (h *HID) IdleRate() uint8 {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.idleRate
}

// ReportDescriptor returns the report descriptor.
func (h *HID) ReportDescriptor() []byte {
	return h.reportDescriptor
}

// Init initializes the class driver for the given interface.
func (h *HID) Init(iface *device.Interface) error {
	h.mutex.Lock()

	h.iface = iface

	// Find endpoints
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
		h.mutex.Unlock()
		return pkg.ErrInvalidEndpoint
	}

	h.configured = true
	engine, outEP := h.engine, h.outEP
	pkg.LogDebug(pkg.ComponentDevice, "HID configured",
		"inEP", h.inEP.Address,
		"reportDescLen", len(h.reportDescriptor))

	h.mutex.Unlock()

	if engine != nil && outEP != nil {
		if err := engine.Receive(outEP.Address, h.outBuf[:]); err != nil {
			pkg.LogWarn(pkg.ComponentDevice, "HID failed to arm output report receive", "error", err)
		}
	}

	return nil
}

// HandleSetup processes class-specific SETUP requests.
func (h *HID) HandleSetup(iface *device.Interface, setup *device.SetupPacket, data []byte) (bool, []byte, error) {
	// Handle standard requests for HID descriptors
	if setup.IsStandard() && setup.Request == device.RequestGetDescriptor {
		return h.handleGetDescriptor(setup)
	}

	if !setup.IsClass() {
		return false, nil, nil
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
		return false, nil, nil
	}
}

// handleGetDescriptor handles GET_DESCRIPTOR for HID and Report descriptors.
func (h *HID) handleGetDescriptor(setup *device.SetupPacket) (bool, []byte, error) {
	descType := setup.DescriptorType()

	switch descType {
	case DescriptorTypeHID:
		h.mutex.RLock()
		n := h.hidDescriptor.MarshalTo(h.responseBuf[:])
		h.mutex.RUnlock()

		if n == 0 {
			return true, nil, pkg.ErrBufferTooSmall
		}
		return true, h.responseBuf[:n], nil

	case DescriptorTypeReport:
		return true, h.reportDescriptor, nil

	default:
		return false, nil, nil
	}
}

// handleGetReport handles GET_REPORT request.
func (h *HID) handleGetReport(setup *device.SetupPacket) (bool, []byte, error) {
	reportType := uint8(setup.Value >> 8)
	reportID := uint8(setup.Value & 0xFF)

	pkg.LogDebug(pkg.ComponentDevice, "GET_REPORT", "type", reportType, "id", reportID)

	h.mutex.RLock()
	defer h.mutex.RUnlock()

	switch reportType {
	case ReportTypeFeature:
		if data, ok := h.featureReports[reportID]; ok {
			return true, data, nil
		}
		return true, []byte{0}, nil
	default:
		// Input reports are delivered asynchronously via the interrupt IN
		// endpoint; a GET_REPORT(Input) simply re-reports the idle state.
		return true, []byte{0}, nil
	}
}

// handleSetReport handles SET_REPORT request.
func (h *HID) handleSetReport(setup *device.SetupPacket, data []byte) (bool, []byte, error) {
	reportType := uint8(setup.Value >> 8)
	reportID := uint8(setup.Value & 0xFF)

	pkg.LogDebug(pkg.ComponentDevice, "SET_REPORT",
		"type", reportType,
		"id", reportID,
		"len", len(data))

	h.mutex.Lock()
	outputCb := h.onOutputReport
	featureCb := h.onFeatureReport
	if reportType == ReportTypeFeature {
		stored := make([]byte, len(data))
		copy(stored, data)
		h.featureReports[reportID] = stored
	}
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

	return true, nil, nil
}

// handleGetIdle handles GET_IDLE request.
func (h *HID) handleGetIdle(setup *device.SetupPacket) (bool, []byte, error) {
	h.mutex.RLock()
	rate := h.idleRate
	h.mutex.RUnlock()

	return true, []byte{rate}, nil
}

// handleSetIdle handles SET_IDLE request.
func (h *HID) handleSetIdle(setup *device.SetupPacket) (bool, []byte, error) {
	rate := uint8(setup.Value >> 8)
	reportID := uint8(setup.Value & 0xFF)

	h.mutex.Lock()
	h.idleRate = rate
	cb := h.onSetIdle
	h.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentDevice, "SET_IDLE", "rate", rate, "reportID", reportID)

	if cb != nil {
		cb(rate, reportID)
	}

	return true, nil, nil
}

// handleGetProtocol handles GET_PROTOCOL request.
func (h *HID) handleGetProtocol(setup *device.SetupPacket) (bool, []byte, error) {
	h.mutex.RLock()
	protocol := h.protocol
	h.mutex.RUnlock()

	return true, []byte{protocol}, nil
}

// handleSetProtocol handles SET_PROTOCOL request.
func (h *HID) handleSetProtocol(setup *device.SetupPacket) (bool, []byte, error) {
	protocol := uint8(setup.Value & 0xFF)

	h.mutex.Lock()
	h.protocol = protocol
	cb := h.onSetProtocol
	h.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentDevice, "SET_PROTOCOL", "protocol", protocol)

	if cb != nil {
		cb(protocol)
	}

	return true, nil, nil
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
	h.engine = nil
	h.configured = false

	return nil
}

// HandleDataIn is called once a previously armed input report transmission
// on the interrupt IN endpoint completes. HID has no further action to take.
func (h *HID) HandleDataIn(ep *device.Endpoint) {}

// HandleDataOut is called when an output report arrives on the interrupt
// OUT endpoint. The buffer is re-armed for the next report.
func (h *HID) HandleDataOut(ep *device.Endpoint, data []byte) {
	h.mutex.RLock()
	cb := h.onOutputReport
	engine, outEP := h.engine, h.outEP
	h.mutex.RUnlock()

	if cb != nil {
		cb(data)
	}

	if engine != nil && outEP != nil {
		if err := engine.Receive(outEP.Address, h.outBuf[:]); err != nil {
			pkg.LogWarn(pkg.ComponentDevice, "HID failed to re-arm output report receive", "error", err)
		}
	}
}

// SendReport sends an input report to the host over the interrupt IN
// endpoint. The call is non-blocking; completion is reported via
// HandleDataIn.
func (h *HID) SendReport(data []byte) error {
	h.mutex.RLock()
	engine := h.engine
	ep := h.inEP
	configured := h.configured
	h.mutex.RUnlock()

	if !configured || engine == nil || ep == nil {
		return pkg.ErrNotConfigured
	}

	return engine.Send(ep.Address, data)
}

// SendKeyboardReport sends a keyboard report to the host.
func (h *HID) SendKeyboardReport(report *KeyboardReport) error {
	n := report.MarshalTo(h.reportBuf[:])
	if n == 0 {
		return pkg.ErrBufferTooSmall
	}
	return h.SendReport(h.reportBuf[:n])
}

// SendMouseReport sends a mouse report to the host.
func (h *HID) SendMouseReport(report *MouseReport) error {
	n := report.MarshalTo(h.reportBuf[:])
	if n == 0 {
		return pkg.ErrBufferTooSmall
	}
	return h.SendReport(h.reportBuf[:n])
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

// Compile-time interface checks
var (
	_ device.ClassDriver    = (*HID)(nil)
	_ device.DataInHandler  = (*HID)(nil)
	_ device.DataOutHandler = (*HID)(nil)
)
