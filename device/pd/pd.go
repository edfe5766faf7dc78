// Package pd defines the Peripheral Driver contract: the boundary between
// the USB device core and a concrete USB controller (hardware register
// block, simulator, or FIFO-pipe reference transport).
//
// Unlike the blocking HAL shape it replaces, every Driver method returns
// immediately. Completion is reported back to the core asynchronously via
// Callbacks, mirroring how a real USB peripheral controller notifies its
// core from interrupt context: Reset, Setup, and endpoint completions are
// events the PD raises, not values the core polls for.
package pd

import "github.com/go-usbd/usbd/pkg"

// Speed identifies the negotiated USB connection speed.
type Speed uint8

// Connection speeds, numbered to match device.Speed so engine.go needs no
// translation table between the two packages.
const (
	SpeedLow Speed = iota
	SpeedFull
	SpeedHigh
	SpeedSuper
)

// String returns a human-readable speed name.
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "low"
	case SpeedFull:
		return "full"
	case SpeedHigh:
		return "high"
	case SpeedSuper:
		return "super"
	default:
		return "unknown"
	}
}

// EndpointConfig describes an endpoint to be opened on the PD.
type EndpointConfig struct {
	Address       uint8  // Endpoint address including direction bit
	TransferType  uint8  // EndpointTypeControl/Isochronous/Bulk/Interrupt values from device package
	MaxPacketSize uint16 // Maximum packet size
	Interval      uint8  // Polling interval (interrupt/isochronous)
}

// Number returns the endpoint number without the direction bit.
func (c EndpointConfig) Number() uint8 { return c.Address & 0x0F }

// IsIn returns true if this is an IN endpoint.
func (c EndpointConfig) IsIn() bool { return c.Address&0x80 != 0 }

// Driver is the set of calls the device core makes into the peripheral
// driver. Every method programs the controller and returns immediately;
// none may block waiting for bus activity. A Send/Receive call that cannot
// be accepted because a previous one is still in flight on that endpoint
// returns pkg.ErrBusy rather than blocking or queuing.
type Driver interface {
	// Init registers the callback sink and prepares the controller. It does
	// not yet present the device to the bus.
	Init(cb Callbacks) error

	// Deinit releases controller resources. The PD must not invoke cb after
	// this returns.
	Deinit() error

	// Start presents the device on the bus (enables the pull-up, in register
	// terms). Reset callbacks may begin arriving after this returns.
	Start() error

	// Stop removes the device from the bus.
	Stop() error

	// SetAddress programs the USB device address assigned by SET_ADDRESS.
	SetAddress(addr uint8) error

	// OpenControlEndpoint configures EP0 IN/OUT with the given max packet
	// size. Called after Reset and whenever the negotiated speed changes
	// EP0's MPS.
	OpenControlEndpoint(mps uint16) error

	// OpenEndpoint configures a non-control endpoint per cfg.
	OpenEndpoint(cfg EndpointConfig) error

	// CloseEndpoint disables a previously opened endpoint.
	CloseEndpoint(addr uint8) error

	// Send queues data for transmission on an IN endpoint. The PD
	// packetizes data into MaxPacketSize chunks itself and raises exactly
	// one EPIn callback when the entire buffer has been sent. A nil or
	// empty data sends a single zero-length packet. The PD never appends a
	// terminating ZLP on its own: on a control endpoint, a caller whose
	// data stage length is an exact multiple of MaxPacketSize and shorter
	// than the host's request must issue a separate zero-length Send to
	// signal the end of the stage. Returns pkg.ErrBusy if a Send is already
	// in flight on this endpoint.
	Send(addr uint8, data []byte) error

	// Receive arms an OUT endpoint to accept up to len(buf) bytes into buf.
	// The PD raises EPOut when a packet (or the buffer) is filled. Returns
	// pkg.ErrBusy if a Receive is already armed on this endpoint.
	Receive(addr uint8, buf []byte) error

	// Stall sets the stall condition on an endpoint.
	Stall(addr uint8) error

	// ClearStall clears the stall condition and resets the data toggle.
	ClearStall(addr uint8) error

	// SetRemoteWakeup arms the controller to signal remote wakeup.
	SetRemoteWakeup() error

	// ClearRemoteWakeup disarms remote wakeup signaling.
	ClearRemoteWakeup() error

	// Speed returns the negotiated connection speed. Valid only after a
	// Reset callback has been raised.
	Speed() Speed

	// AddressesAfterStatus reports whether this controller requires
	// SetAddress to be called after the Status stage of the SET_ADDRESS
	// control transfer completes (true, the common case for controllers
	// that ACK in hardware) rather than before it is sent (false, needed by
	// controllers where the address takes effect immediately and the ACK
	// must go out under the new address). Resolves the spec's SET_ADDRESS
	// timing open question as a per-PD capability instead of a guess.
	AddressesAfterStatus() bool
}

// Callbacks is the set of calls a Driver makes back into the device core.
// All calls happen synchronously from whatever context the PD raises events
// in (an interrupt handler on real hardware, a goroutine reading a FIFO in
// the reference transport) and must return without blocking.
type Callbacks interface {
	// Reset reports a bus reset and the speed negotiated during it.
	Reset(speed Speed)

	// Setup delivers a received 8-byte SETUP packet.
	Setup(setup [8]byte)

	// EPIn reports that a previously queued Send on addr has completed,
	// having transmitted length bytes.
	EPIn(addr uint8, length int)

	// EPOut reports that a previously armed Receive on addr has completed,
	// delivering data. data aliases the buffer passed to Receive, truncated
	// to the bytes actually received.
	EPOut(addr uint8, data []byte)
}

// ErrBusy is returned by Send/Receive when a transfer is already in flight
// on the given endpoint. It is an alias of pkg.ErrBusy kept local so callers
// of this package need not import pkg for the common case.
var ErrBusy = pkg.ErrBusy
