// Package device implements a pure-Go USB 2.0 device stack.
//
// It is platform-agnostic and interacts with hardware via the [pd.Driver]
// contract defined in the [github.com/go-usbd/usbd/device/pd] package. A
// Driver programs a concrete controller (register block, simulator, or
// FIFO-pipe reference transport) and never blocks: it reports bus resets,
// SETUP packets, and endpoint completions back to the stack asynchronously
// through [pd.Callbacks], the way a real controller notifies its core from
// interrupt context. This lets the same core run under TinyGo on bare
// metal, where there is no goroutine to block, as well as in tests.
//
// # Architecture
//
//   - [Device] manages device state, descriptors, and endpoint registry
//   - [Engine] implements pd.Callbacks, driving the EP0 control-transfer
//     state machine and routing other endpoints' completions to class
//     drivers
//   - [Endpoint] handles individual endpoint configuration and data toggle
//   - [Interface] groups endpoints and manages class drivers
//   - [EndpointTransfer] records an endpoint's in-flight transfer
//
// # Transfer Types
//
// All four USB transfer types are supported:
//
//   - Control: Setup/data/status phases for device configuration
//   - Bulk: Large data transfers with error recovery
//   - Interrupt: Periodic transfers with guaranteed latency
//   - Isochronous: Real-time streaming without retries (USB Audio, etc.)
//
// # Device States
//
// The stack implements the USB 2.0 device state machine:
//
//	Attached → Powered → Default → Address → Configured → Suspended
//
// # Zero-Allocation Design
//
// The stack is designed for bare-metal and TinyGo compatibility with minimal
// heap allocations. Key patterns include:
//
//   - Serialization via MarshalTo(buf) instead of allocating Bytes()
//   - Parse functions with output parameters instead of returning pointers
//   - Fixed-size arrays instead of maps for endpoints, interfaces, etc.
//   - Caller-provided buffers for descriptor and string generation
//
// # Class Drivers
//
// The [ClassDriver] interface enables USB class implementations:
//
//	type ClassDriver interface {
//	    Init(iface *Interface) error
//	    HandleSetup(iface *Interface, setup *SetupPacket, data []byte) (handled bool, resp []byte, err error)
//	    SetAlternate(iface *Interface, alt uint8) error
//	    Close() error
//	}
//
// A class driver that owns a non-control endpoint also implements
// [DataInHandler] and/or [DataOutHandler] to receive that endpoint's Engine
// callbacks directly, rather than blocking on a read in a goroutine.
//
// Built-in support includes:
//
//   - [github.com/go-usbd/usbd/device/class/hid] - Human Interface Device
//   - [github.com/go-usbd/usbd/device/class/cdc] - CDC-ACM and CDC-NCM
//   - [github.com/go-usbd/usbd/device/class/msc] - Mass Storage Class (Bulk-Only Transport)
//   - [github.com/go-usbd/usbd/device/class/dfu] - Device Firmware Upgrade
//
// # Example
//
//	dev := device.NewDevice(&device.DeviceDescriptor{
//	    USBVersion:     0x0200,
//	    VendorID:       0xCAFE,
//	    ProductID:      0xBABE,
//	    MaxPacketSize0: 64,
//	})
//	engine := device.NewEngine(dev, driver)
//	engine.Start()
//
// A FIFO-based reference Driver for testing is available in
// [github.com/go-usbd/usbd/device/pd/fifo].
package device
