// Package cdc implements the USB Communications Device Class (CDC) for the
// softusb device stack.
//
// This package provides CDC-ACM (Abstract Control Model) functionality for
// implementing USB serial devices, and CDC-NCM (Network Control Model) for
// Ethernet-over-USB. CDC-ACM is the standard class for USB to serial
// adapters and virtual COM ports; CDC-NCM is the modern replacement for
// CDC-ECM used by current host operating systems for USB networking.
//
// # Architecture
//
// A CDC-ACM device consists of two interfaces:
//
//   - Control Interface (Communications Class): Handles CDC-specific requests
//     like SET_LINE_CODING and SET_CONTROL_LINE_STATE
//   - Data Interface (Data Class): Handles bulk data transfer via IN and OUT
//     endpoints
//
// # Zero-Allocation Design
//
// This implementation follows zero-allocation patterns:
//
//   - Fixed-size buffers for line coding and other CDC structures
//   - Fixed-size internal buffers for bulk data transfer (transmitted data
//     is copied into them)
//   - No dynamic allocation in hot paths
//
// # Usage
//
// To create a CDC-ACM device:
//
//	// Create the CDC-ACM class driver
//	acm := cdc.NewACM()
//
//	// Configure callbacks
//	acm.SetOnLineCodingChange(func(lc *cdc.LineCoding) {
//	    // Handle baud rate, data bits, etc. changes
//	})
//
//	// Add to a device configuration
//	builder := device.NewDeviceBuilder().
//	    WithVendorProduct(0xCAFE, 0xBABE).
//	    WithStrings("Manufacturer", "CDC Device", "12345").
//	    AddConfiguration(1)
//
//	// Add CDC-ACM interfaces (notify EP, data IN EP, data OUT EP)
//	acm.ConfigureDevice(builder, 0x81, 0x82, 0x02)
//
//	// Build device
//	dev, _ := builder.Build(ctx)
//
//	// Attach ACM driver to interfaces in configuration 1
//	// (interface 0 = control, interface 1 = data)
//	acm.AttachToInterfaces(dev, 1, 0, 1)
//
//	// Create the control engine and start
//	engine := device.NewEngine(dev, driver)
//	acm.SetEngine(engine)
//	acm.SetOnReceive(func(data []byte) {
//	    // Handle bytes arriving from the host
//	})
//	engine.Start()
//
//	// Write data to the host
//	acm.Write(data)
//
// A CDC-NCM device follows the same shape but exchanges NTBs (NCM Transfer
// Blocks) instead of a raw byte stream:
//
//	ncm := cdc.NewNCM(macAddress)
//	ncm.ConfigureDevice(builder, 0x83, 0x84, 0x04)
//	ncm.AttachToInterfaces(dev, 1, 2, 3)
//
//	engine := device.NewEngine(dev, driver)
//	ncm.SetEngine(engine)
//	ncm.SetOnReceive(func(frame []byte) {
//	    // Handle an Ethernet frame extracted from an incoming NTB
//	})
//	engine.Start()
//	ncm.Connect(1000000000, 1000000000)
//
//	// Transmit an Ethernet frame
//	ncm.SendFrame(frame)
//
// # CDC Descriptors
//
// The package includes functional descriptors required by CDC-ACM:
//
//   - Header Functional Descriptor
//   - Call Management Functional Descriptor
//   - ACM Functional Descriptor
//   - Union Functional Descriptor
//
// and by CDC-NCM:
//
//   - Ethernet Networking Functional Descriptor
//   - NCM Functional Descriptor
package cdc
