package device

import (
	"context"
	"testing"

	"github.com/go-usbd/usbd/device/pd"
)

// fakeDriver is an in-memory pd.Driver double that records every call and
// lets a test drive Engine's callbacks synchronously, the way a real
// interrupt handler would.
type fakeDriver struct {
	cb pd.Callbacks

	stalled    map[uint8]bool
	addresses  []uint8
	sent       map[uint8][]byte
	afterStat  bool
	speed      pd.Speed
	opened     map[uint8]pd.EndpointConfig
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		stalled:   map[uint8]bool{},
		sent:      map[uint8][]byte{},
		opened:    map[uint8]pd.EndpointConfig{},
		afterStat: true,
		speed:     pd.SpeedHigh,
	}
}

func (f *fakeDriver) Init(cb pd.Callbacks) error { f.cb = cb; return nil }
func (f *fakeDriver) Deinit() error              { return nil }
func (f *fakeDriver) Start() error               { return nil }
func (f *fakeDriver) Stop() error                { return nil }
func (f *fakeDriver) SetAddress(addr uint8) error {
	f.addresses = append(f.addresses, addr)
	return nil
}
func (f *fakeDriver) OpenControlEndpoint(mps uint16) error { return nil }
func (f *fakeDriver) OpenEndpoint(cfg pd.EndpointConfig) error {
	f.opened[cfg.Address] = cfg
	return nil
}
func (f *fakeDriver) CloseEndpoint(addr uint8) error { delete(f.opened, addr); return nil }
func (f *fakeDriver) Send(addr uint8, data []byte) error {
	f.sent[addr] = append([]byte(nil), data...)
	f.cb.EPIn(addr, len(data))
	return nil
}
func (f *fakeDriver) Receive(addr uint8, buf []byte) error { return nil }
func (f *fakeDriver) Stall(addr uint8) error               { f.stalled[addr] = true; return nil }
func (f *fakeDriver) ClearStall(addr uint8) error          { f.stalled[addr] = false; return nil }
func (f *fakeDriver) SetRemoteWakeup() error                { return nil }
func (f *fakeDriver) ClearRemoteWakeup() error              { return nil }
func (f *fakeDriver) Speed() pd.Speed                       { return f.speed }
func (f *fakeDriver) AddressesAfterStatus() bool            { return f.afterStat }

var _ pd.Driver = (*fakeDriver)(nil)

func newTestDevice(t *testing.T) *Device {
	t.Helper()
	dev, err := NewDeviceBuilder().
		WithVendorProduct(0xCAFE, 0xBABE).
		WithStrings("Test", "Device", "0001").
		AddConfiguration(1).
		Build(context.Background())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return dev
}

func TestEngineResetOpensControlEndpoint(t *testing.T) {
	drv := newFakeDriver()
	engine := NewEngine(newTestDevice(t), drv)
	engine.Reset(pd.SpeedHigh)

	if engine.state != ControlStateIdle {
		t.Errorf("state = %v, want idle", engine.state)
	}
	if engine.Device().Speed() != SpeedHigh {
		t.Errorf("device speed = %v, want SpeedHigh", engine.Device().Speed())
	}
}

func TestEngineGetDescriptorRoundTrip(t *testing.T) {
	drv := newFakeDriver()
	engine := NewEngine(newTestDevice(t), drv)
	if err := engine.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	engine.Reset(pd.SpeedHigh)

	setup := [8]byte{}
	req := SetupPacket{
		RequestType: RequestDirectionDeviceToHost | RequestTypeStandard | RequestRecipientDevice,
		Request:     RequestGetDescriptor,
		Value:       uint16(DescriptorTypeDevice) << 8,
		Length:      18,
	}
	req.MarshalTo(setup[:])

	engine.Setup(setup)

	// fakeDriver.Send raises EPIn synchronously, so by the time Setup
	// returns the cascade has already carried EP0 through Data-In into
	// Status-Out, just as a real PD's interrupt-context callback would.
	resp := drv.sent[0x80]
	if len(resp) == 0 {
		t.Fatal("expected device descriptor response, got none")
	}
	if resp[1] != DescriptorTypeDevice {
		t.Errorf("descriptor type = %d, want %d", resp[1], DescriptorTypeDevice)
	}
	if engine.state != ControlStateStatusOut {
		t.Fatalf("state after controlIn = %v, want status-out", engine.state)
	}

	engine.EPOut(0x00, nil)
	if engine.state != ControlStateIdle {
		t.Errorf("state after status stage = %v, want idle", engine.state)
	}
}

func TestEngineSetAddressDeferredUntilStatusStage(t *testing.T) {
	drv := newFakeDriver()
	drv.afterStat = true
	engine := NewEngine(newTestDevice(t), drv)
	if err := engine.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	engine.Reset(pd.SpeedHigh)

	setup := [8]byte{}
	req := SetupPacket{
		RequestType: RequestDirectionHostToDevice | RequestTypeStandard | RequestRecipientDevice,
		Request:     RequestSetAddress,
		Value:       5,
	}
	req.MarshalTo(setup[:])

	engine.Setup(setup)

	// fakeDriver.Send raises EPIn synchronously, so the Status-In ZLP ACK
	// and the deferred SetAddress call have already happened by the time
	// Setup returns.
	if len(drv.addresses) != 1 || drv.addresses[0] != 5 {
		t.Fatalf("addresses = %v, want [5]", drv.addresses)
	}
	if engine.state != ControlStateIdle {
		t.Errorf("state = %v, want idle", engine.state)
	}
}

func TestEngineUnsupportedRequestStalls(t *testing.T) {
	drv := newFakeDriver()
	engine := NewEngine(newTestDevice(t), drv)
	engine.Reset(pd.SpeedHigh)

	// A well-formed 8-byte packet can't be malformed via ParseSetupPacket
	// (it only rejects short input), so exercise the stall path through an
	// unsupported standard request instead.
	setup := [8]byte{}
	req := SetupPacket{
		RequestType: RequestDirectionDeviceToHost | RequestTypeStandard | RequestRecipientDevice,
		Request:     0x99, // unknown standard request
	}
	req.MarshalTo(setup[:])

	engine.Setup(setup)

	if !drv.stalled[0x00] || !drv.stalled[0x80] {
		t.Errorf("stalled = %v, want both EP0 directions stalled", drv.stalled)
	}
	if engine.state != ControlStateIdle {
		t.Errorf("state = %v, want idle", engine.state)
	}
}
