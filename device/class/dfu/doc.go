// Package dfu implements the USB Device Firmware Upgrade (DFU) class for
// the softusb device stack.
//
// A DFU interface is control-only: no data endpoints are claimed, and every
// transfer — block download, block upload, status polling — rides EP0.
// State is tracked as the 11-position DFU 1.1 state machine (appIDLE
// through dfuERROR); a request×state validity table gates every class
// request exactly as the DFU 1.1 spec requires.
//
// # Usage
//
// A runtime image mounts a DFU interface that answers DETACH by rebooting
// into the bootloader:
//
//	firmware := dfu.Application{
//	    Erase: flashErase,
//	    Write: flashWrite,
//	    Read:  flashRead,
//	    FirmwareAddress: 0x08008000,
//	    FirmwareSize:    0x00078000,
//	}
//	d := dfu.New(firmware, dfu.Config{WillDetach: true, Reboot: systemReset})
//
//	builder := device.NewDeviceBuilder().
//	    WithVendorProduct(0xCAFE, 0xBABE).
//	    AddConfiguration(1)
//	d.ConfigureDevice(builder, dfu.ProtocolRuntime)
//	dev, _ := builder.Build(ctx)
//	d.AttachToInterfaces(dev, 1, 0)
//
// A bootloader image instead starts directly in dfuIDLE when the prior
// runtime image armed the reboot tag:
//
//	d := dfu.NewBootloader(firmware, dfu.Config{}, readBackupTag())
//	d.ConfigureDevice(builder, dfu.ProtocolDFUMode)
//
// # STMicro Extension
//
// Setting Config.STExtension enables the DFUSE command set on block 0 of
// DNLOAD/UPLOAD (GETCOMMANDS, SETADDRESSPOINTER, ERASE); READ_UNPROTECT is
// recognized but always rejected, left to the application rather than to
// this stack.
package dfu
