package dfu

import "encoding/binary"

// DescriptorTypeFunctional is the DFU Functional Descriptor type (DFU 1.1 §4.1.3).
const DescriptorTypeFunctional = 0x21

// FunctionalDescriptorSize is the length in bytes of the DFU Functional Descriptor.
const FunctionalDescriptorSize = 9

// Attribute bits of the DFU Functional Descriptor's bmAttributes field.
const (
	AttrCanDownload           = 0x01
	AttrCanUpload             = 0x02
	AttrManifestationTolerant = 0x04
	AttrWillDetach            = 0x08
)

// Interface class/subclass/protocol codes for DFU (DFU 1.1 §4.2).
const (
	ClassApplicationSpecific = 0xFE
	SubclassDFU              = 0x01
	ProtocolRuntime          = 0x01
	ProtocolDFUMode          = 0x02
)

// Request is a DFU class-specific bRequest value (DFU 1.1 Table 3.2).
type Request uint8

const (
	RequestDetach Request = iota
	RequestDnload
	RequestUpload
	RequestGetStatus
	RequestClrStatus
	RequestGetState
	RequestAbort
)

// State is a position in the DFU runtime/bootloader state machine
// (DFU 1.1 §6.1.2, Figure A.1).
type State uint8

const (
	StateAppIdle State = iota
	StateAppDetach
	StateIdle
	StateDnloadSync
	StateDnloadBusy
	StateDnloadIdle
	StateManifestSync
	StateManifest
	StateManifestWaitReset
	StateUploadIdle
	StateError
)

func (s State) String() string {
	switch s {
	case StateAppIdle:
		return "appIDLE"
	case StateAppDetach:
		return "appDETACH"
	case StateIdle:
		return "dfuIDLE"
	case StateDnloadSync:
		return "dfuDNLOAD-SYNC"
	case StateDnloadBusy:
		return "dfuDNBUSY"
	case StateDnloadIdle:
		return "dfuDNLOAD-IDLE"
	case StateManifestSync:
		return "dfuMANIFEST-SYNC"
	case StateManifest:
		return "dfuMANIFEST"
	case StateManifestWaitReset:
		return "dfuMANIFEST-WAIT-RESET"
	case StateUploadIdle:
		return "dfuUPLOAD-IDLE"
	case StateError:
		return "dfuERROR"
	default:
		return "unknown"
	}
}

// Status is a DFU error status reported via GETSTATUS/CLRSTATUS
// (DFU 1.1 Table A.1.3).
type Status uint8

const (
	StatusOK Status = iota
	StatusErrTarget
	StatusErrFile
	StatusErrWrite
	StatusErrErase
	StatusErrCheckErased
	StatusErrProg
	StatusErrVerify
	StatusErrAddress
	StatusErrNotDone
	StatusErrFirmware
	StatusErrVendor
	StatusErrUSBR
	StatusErrPOR
	StatusErrUnknown
	StatusErrStalledPkt
)

// validStates[req] is a bitmask of the States in which req is accepted,
// indexed by the bit position 1<<State. Any request outside its mask either
// reverts to appIDLE (still in application mode) or trips dfuERROR.
var validStates = [...]uint16{
	RequestDetach: 1 << StateAppIdle,

	RequestDnload: 1<<StateIdle | 1<<StateDnloadIdle,

	RequestUpload: 1<<StateIdle | 1<<StateUploadIdle,

	RequestGetStatus: 1<<StateAppIdle | 1<<StateAppDetach | 1<<StateIdle |
		1<<StateDnloadSync | 1<<StateDnloadIdle | 1<<StateManifestSync |
		1<<StateUploadIdle | 1<<StateError,

	RequestClrStatus: 1 << StateError,

	RequestGetState: 1<<StateAppIdle | 1<<StateAppDetach | 1<<StateIdle |
		1<<StateDnloadSync | 1<<StateDnloadIdle | 1<<StateManifestSync |
		1<<StateUploadIdle | 1<<StateError,

	RequestAbort: 1<<StateIdle | 1<<StateDnloadSync | 1<<StateDnloadIdle |
		1<<StateManifestSync | 1<<StateUploadIdle,
}

// rebootOnlyRequests is the subset of class requests a reboot-only mount
// (USBD_DFU_MountRebootOnly's rodfu_cbks in the original) answers; everything
// else falls through as unhandled so the ROM-resident stub stays minimal.
var rebootOnlyRequests = map[Request]bool{
	RequestDetach:    true,
	RequestGetStatus: true,
	RequestGetState:  true,
}

// DFU STMicroelectronics Extension (DFUSE) commands, sent as the first byte
// of block 0 of a DNLOAD request when Config.STExtension is set.
const (
	dfuseCmdGetCommands       = 0x00
	dfuseCmdSetAddressPointer = 0x21
	dfuseCmdErase             = 0x41
	dfuseCmdReadUnprotect     = 0x92
)

// dfuseSupportedCommands is returned from an UPLOAD of block 0 in DFUSE mode.
// READ_UNPROTECT is deliberately absent: it is recognized by performDFUSECommandLocked
// but always answered with StatusErrVendor, never advertised as supported.
var dfuseSupportedCommands = []byte{dfuseCmdGetCommands, dfuseCmdSetAddressPointer, dfuseCmdErase}

// rebootTagValue is written to Tag[0] (and its complement to Tag[1]) by
// handleDetach before a WillDetach reboot, so that whatever non-volatile
// storage survives the reset (a backup register, no-init RAM) can tell the
// next boot that DFU mode was requested rather than entered due to missing
// firmware.
const rebootTagValue = 0xB00770DF

// FunctionalDescriptor is the DFU Functional Descriptor appended after the
// DFU interface descriptor.
type FunctionalDescriptor struct {
	Attributes      uint8
	DetachTimeoutMs uint16
	TransferSize    uint16
	DFUVersion      uint16
}

// MarshalTo writes the descriptor to buf, returning the number of bytes
// written, or 0 if buf is too small.
func (d *FunctionalDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < FunctionalDescriptorSize {
		return 0
	}
	buf[0] = FunctionalDescriptorSize
	buf[1] = DescriptorTypeFunctional
	buf[2] = d.Attributes
	binary.LittleEndian.PutUint16(buf[3:5], d.DetachTimeoutMs)
	binary.LittleEndian.PutUint16(buf[5:7], d.TransferSize)
	binary.LittleEndian.PutUint16(buf[7:9], d.DFUVersion)
	return FunctionalDescriptorSize
}

// marshalStatus writes the 6-byte GETSTATUS response to buf.
func marshalStatus(buf []byte, status Status, pollTimeoutMs uint32, state State) int {
	if len(buf) < 6 {
		return 0
	}
	buf[0] = byte(status)
	buf[1] = byte(pollTimeoutMs)
	buf[2] = byte(pollTimeoutMs >> 8)
	buf[3] = byte(pollTimeoutMs >> 16)
	buf[4] = byte(state)
	buf[5] = 0 // iString: no dedicated status string
	return 6
}
