package device

import (
	"encoding/binary"

	"github.com/go-usbd/usbd/pkg"
)

// BOS (Binary device Object Store) and Microsoft OS descriptors let a host
// discover vendor extensions (here, MS OS 2.0) without a custom driver.
// Layouts follow original_source/Device/usbd_microsoft_os.c and
// original_source/Include/usbd_types.h.

// Device capability types (USB 3.x Spec Table 9-14, the subset BOS needs here).
const (
	DevCapabilityPlatform = 0x05
)

// msftOSPlatformUUID is the fixed platform capability UUID Windows matches
// to recognize an MS OS 2.0 descriptor set,
// {D8DD60DF-4589-4CC7-9CD2-659D9E648A9F}, stored little-endian-per-field as
// the Platform Capability Descriptor requires.
var msftOSPlatformUUID = [16]byte{
	0xDF, 0x60, 0xDD, 0xD8,
	0x89, 0x45,
	0xC7, 0x4C,
	0x9C, 0xD2,
	0x65, 0x9D, 0x9E, 0x64, 0x8A, 0x9F,
}

// BOSDescriptorSize is the size of the BOS header (not including capabilities).
const BOSDescriptorSize = 5

// PlatformCapabilityMSOS20Size is the size of the MS OS 2.0 platform
// capability descriptor (header + UUID + descriptor set info).
const PlatformCapabilityMSOS20Size = 4 + 16 + 8

// MSOSDescriptorSetInfo carries the parameters needed to advertise an MS OS
// 2.0 descriptor set via BOS.
type MSOSDescriptorSetInfo struct {
	WindowsVersion     uint32 // NTDDI version this descriptor set targets (e.g. 0x06030000 for Windows 8.1)
	DescriptorSetLen   uint16 // Total length of the MS OS 2.0 descriptor set returned by the vendor request
	VendorCode         uint8  // bRequest value the host must use to fetch the descriptor set
	AltEnumCommandCode uint8  // bRequest value for ALTERNATE_ENUMERATION queries (0 if unused)
}

// MarshalBOSTo writes a BOS descriptor advertising a single MS OS 2.0
// platform capability to buf. Returns the number of bytes written, or 0 if
// buf is too small.
func MarshalBOSTo(buf []byte, info MSOSDescriptorSetInfo) int {
	total := BOSDescriptorSize + PlatformCapabilityMSOS20Size
	if len(buf) < total {
		return 0
	}

	buf[0] = BOSDescriptorSize
	buf[1] = DescriptorTypeBOS
	binary.LittleEndian.PutUint16(buf[2:4], uint16(total))
	buf[4] = 1 // one device capability

	off := BOSDescriptorSize
	buf[off+0] = PlatformCapabilityMSOS20Size
	buf[off+1] = DescriptorTypeDeviceCapability
	buf[off+2] = DevCapabilityPlatform
	buf[off+3] = 0 // reserved
	copy(buf[off+4:off+20], msftOSPlatformUUID[:])
	binary.LittleEndian.PutUint32(buf[off+20:off+24], info.WindowsVersion)
	binary.LittleEndian.PutUint16(buf[off+24:off+26], info.DescriptorSetLen)
	buf[off+26] = info.VendorCode
	buf[off+27] = info.AltEnumCommandCode

	return total
}

// MS OS 2.0 descriptor set element types (Microsoft OS 2.0 Descriptors Spec Table 5).
const (
	MSOS20SetHeaderDescriptor       = 0x00
	MSOS20SubsetHeaderConfiguration = 0x01
	MSOS20SubsetHeaderFunction      = 0x02
	MSOS20FeatureCompatibleID       = 0x03
	MSOS20FeatureRegProperty        = 0x04
)

// MSOS20WindowsVersion8Dot1 is the NTDDI version constant for Windows 8.1,
// the minimum OS version that understands MS OS 2.0 descriptors.
const MSOS20WindowsVersion8Dot1 = 0x06030000

// MSOS20SetHeaderSize is the size of the top-level descriptor set header.
const MSOS20SetHeaderSize = 10

// MSOS20FunctionSubsetHeaderSize is the size of a per-function subset header.
const MSOS20FunctionSubsetHeaderSize = 8

// MSOS20CompatibleIDSize is the size of the compatible ID feature descriptor.
const MSOS20CompatibleIDSize = 4 + 8 + 8

// MSOS20Builder assembles an MS OS 2.0 descriptor set for a single function
// (one WinUSB-compatible interface) into a caller-provided buffer.
type MSOS20Builder struct {
	buf []byte
	n   int
}

// NewMSOS20Builder wraps buf for incremental descriptor-set assembly.
func NewMSOS20Builder(buf []byte) *MSOS20Builder {
	return &MSOS20Builder{buf: buf}
}

// Len returns the number of bytes written so far.
func (b *MSOS20Builder) Len() int { return b.n }

// WriteSetHeader writes the top-level descriptor set header.
func (b *MSOS20Builder) WriteSetHeader(totalLength uint16) error {
	if b.n+MSOS20SetHeaderSize > len(b.buf) {
		return pkg.ErrBufferTooSmall
	}
	p := b.buf[b.n:]
	binary.LittleEndian.PutUint16(p[0:2], MSOS20SetHeaderSize)
	binary.LittleEndian.PutUint16(p[2:4], MSOS20SetHeaderDescriptor)
	binary.LittleEndian.PutUint32(p[4:8], MSOS20WindowsVersion8Dot1)
	binary.LittleEndian.PutUint16(p[8:10], totalLength)
	b.n += MSOS20SetHeaderSize
	return nil
}

// WriteFunctionSubset writes a function subset header identifying the
// interface this subset's feature descriptors apply to.
func (b *MSOS20Builder) WriteFunctionSubset(firstInterface uint8, subsetLength uint16) error {
	if b.n+MSOS20FunctionSubsetHeaderSize > len(b.buf) {
		return pkg.ErrBufferTooSmall
	}
	p := b.buf[b.n:]
	binary.LittleEndian.PutUint16(p[0:2], MSOS20FunctionSubsetHeaderSize)
	binary.LittleEndian.PutUint16(p[2:4], MSOS20SubsetHeaderFunction)
	p[4] = firstInterface
	p[5] = 0 // reserved
	binary.LittleEndian.PutUint16(p[6:8], subsetLength)
	b.n += MSOS20FunctionSubsetHeaderSize
	return nil
}

// WriteCompatibleID writes a compatible ID feature descriptor, e.g. "WINUSB"
// with an empty sub-compatible ID.
func (b *MSOS20Builder) WriteCompatibleID(compatibleID, subCompatibleID string) error {
	if b.n+MSOS20CompatibleIDSize > len(b.buf) {
		return pkg.ErrBufferTooSmall
	}
	p := b.buf[b.n:]
	binary.LittleEndian.PutUint16(p[0:2], MSOS20CompatibleIDSize)
	binary.LittleEndian.PutUint16(p[2:4], MSOS20FeatureCompatibleID)
	copy(p[4:12], compatibleID)
	copy(p[12:20], subCompatibleID)
	b.n += MSOS20CompatibleIDSize
	return nil
}

// Bytes returns the assembled descriptor set.
func (b *MSOS20Builder) Bytes() []byte { return b.buf[:b.n] }

// MS OS 1.0 Extended Compat ID OS Feature Descriptor, fetched by the host
// via a vendor-specific control request with wIndex=0x0004 once it has read
// the "MSFT100"-signature string descriptor at index 0xEE.

// MSOSStringIndex is the fixed string descriptor index (0xEE) Windows probes
// for the MS OS 1.0 signature.
const MSOSStringIndex = 0xEE

// ExtendedCompatIDHeaderSize is the size of the Extended Compat ID header.
const ExtendedCompatIDHeaderSize = 16

// ExtendedCompatIDFunctionSize is the size of one per-function section.
const ExtendedCompatIDFunctionSize = 24

// MSOSSignatureTo builds the MS OS 1.0 signature string descriptor payload
// ("MSFT100" + vendor code byte) and writes it to buf as a USB string
// descriptor. Returns the number of bytes written.
func MSOSSignatureTo(buf []byte, vendorCode uint8) int {
	const sig = "MSFT100"
	length := 2 + len(sig)*2 + 2 // header + UTF-16LE signature + vendor code + pad
	if len(buf) < length {
		return 0
	}
	buf[0] = uint8(length)
	buf[1] = DescriptorTypeString
	for i, r := range sig {
		binary.LittleEndian.PutUint16(buf[2+i*2:], uint16(r))
	}
	buf[2+len(sig)*2] = vendorCode
	buf[2+len(sig)*2+1] = 0
	return length
}

// ExtendedCompatIDFunction describes one interface's compatible ID mapping.
type ExtendedCompatIDFunction struct {
	FirstInterfaceNumber uint8
	CompatibleID         string // e.g. "WINUSB", truncated/padded to 8 bytes
	SubCompatibleID      string // truncated/padded to 8 bytes
}

// MarshalExtendedCompatIDTo writes the MS OS 1.0 Extended Compat ID
// descriptor for the given functions to buf. Returns the number of bytes
// written, or 0 if buf is too small.
func MarshalExtendedCompatIDTo(buf []byte, functions []ExtendedCompatIDFunction) int {
	total := ExtendedCompatIDHeaderSize + len(functions)*ExtendedCompatIDFunctionSize
	if len(buf) < total {
		return 0
	}

	binary.LittleEndian.PutUint32(buf[0:4], uint32(total))
	binary.LittleEndian.PutUint16(buf[4:6], 0x0100) // bcdVersion 1.0
	binary.LittleEndian.PutUint16(buf[6:8], 0x0004) // wIndex: extended compat ID
	buf[8] = uint8(len(functions))
	// buf[9:16] reserved

	off := ExtendedCompatIDHeaderSize
	for _, f := range functions {
		buf[off+0] = f.FirstInterfaceNumber
		buf[off+1] = 0x01 // reserved, must be 1
		compatID := padTo8(f.CompatibleID)
		subCompatID := padTo8(f.SubCompatibleID)
		copy(buf[off+2:off+10], compatID[:])
		copy(buf[off+10:off+18], subCompatID[:])
		// buf[off+18:off+24] reserved
		off += ExtendedCompatIDFunctionSize
	}
	return total
}

// padTo8 truncates or zero-pads s to 8 bytes.
func padTo8(s string) [8]byte {
	var out [8]byte
	copy(out[:], s)
	return out
}

// MicrosoftOSProvider is an optional interface a ClassDriver may implement
// to contribute an MS OS 1.0 compatible ID mapping for its interface.
type MicrosoftOSProvider interface {
	MSCompatibleID() (compatibleID, subCompatibleID string, ok bool)
}
