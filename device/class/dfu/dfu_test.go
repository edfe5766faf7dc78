package dfu

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-usbd/usbd/device"
	"github.com/go-usbd/usbd/pkg"
)

func TestFunctionalDescriptorMarshalTo(t *testing.T) {
	cases := []struct {
		name string
		fd   FunctionalDescriptor
		want []byte
	}{
		{
			name: "runtime, can-download-and-upload",
			fd: FunctionalDescriptor{
				Attributes:      AttrCanDownload | AttrCanUpload | AttrWillDetach,
				DetachTimeoutMs: 255,
				TransferSize:    512,
				DFUVersion:      0x0101,
			},
			want: []byte{9, DescriptorTypeFunctional, 0x0B, 0xFF, 0x00, 0x00, 0x02, 0x01, 0x01},
		},
		{
			name: "st extension version",
			fd:   FunctionalDescriptor{DFUVersion: 0x011A, TransferSize: 2048},
			want: []byte{9, DescriptorTypeFunctional, 0x00, 0x00, 0x00, 0x00, 0x08, 0x1A, 0x01},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			buf := make([]byte, FunctionalDescriptorSize)
			n := tc.fd.MarshalTo(buf)
			require.Equal(t, FunctionalDescriptorSize, n)
			require.Equal(t, tc.want, buf)
		})
	}
}

func TestFunctionalDescriptorMarshalToBufferTooSmall(t *testing.T) {
	var fd FunctionalDescriptor
	n := fd.MarshalTo(make([]byte, 3))
	require.Equal(t, 0, n)
}

func newApp() Application {
	flash := make(map[uint32][]byte)
	return Application{
		Erase: func(addr uint32) error { flash[addr] = nil; return nil },
		Write: func(addr uint32, data []byte) error {
			flash[addr] = append([]byte(nil), data...)
			return nil
		},
		Read: func(addr uint32, buf []byte) int {
			data := flash[addr]
			return copy(buf, data)
		},
		FirmwareAddress: 0x1000,
		FirmwareSize:    0x4000,
	}
}

func classSetup(req Request, value uint16, length uint16) *device.SetupPacket {
	return &device.SetupPacket{
		RequestType: device.RequestDirectionHostToDevice | device.RequestTypeClass | device.RequestRecipientInterface,
		Request:     uint8(req),
		Value:       value,
		Length:      length,
	}
}

func TestNewStartsInAppIdle(t *testing.T) {
	app := newApp()
	d := New(app, Config{})
	require.Equal(t, StateAppIdle, d.State())
}

func TestDetachArmsRebootTagAndCallsReboot(t *testing.T) {
	app := newApp()
	rebooted := false
	d := New(app, Config{WillDetach: true, Reboot: func() { rebooted = true }})

	handled, _, err := d.HandleSetup(nil, classSetup(RequestDetach, 0, 0), nil)
	require.True(t, handled)
	require.NoError(t, err)
	require.True(t, rebooted)
	require.Equal(t, StateAppDetach, d.State())
	require.True(t, IsRequested(d.tag))
}

func TestDetachRejectedOutsideAppIdle(t *testing.T) {
	app := newApp()
	d := NewBootloader(app, Config{}, [2]uint32{rebootTagValue, ^uint32(rebootTagValue)})
	require.Equal(t, StateIdle, d.State())

	handled, _, err := d.HandleSetup(nil, classSetup(RequestDetach, 0, 0), nil)
	require.True(t, handled)
	require.ErrorIs(t, err, pkg.ErrInvalidState)
}

func TestDnloadUploadRoundTrip(t *testing.T) {
	app := newApp()
	d := NewBootloader(app, Config{}, [2]uint32{rebootTagValue, ^uint32(rebootTagValue)})

	block := []byte("firmware block 0 contents")
	setup := classSetup(RequestDnload, 0, uint16(len(block)))
	handled, _, err := d.HandleSetup(nil, setup, block)
	require.True(t, handled)
	require.NoError(t, err)
	require.Equal(t, StateDnloadSync, d.State())

	// GETSTATUS performs the deferred write and advances dnloadSYNC -> dnloadIDLE
	// over two polls, matching the DFU 1.1 protocol.
	handled, resp, err := d.HandleSetup(nil, classSetup(RequestGetStatus, 0, 6), nil)
	require.True(t, handled)
	require.NoError(t, err)
	require.Len(t, resp, 6)
	require.Equal(t, byte(StateDnloadSync), resp[4])

	handled, resp, err = d.HandleSetup(nil, classSetup(RequestGetStatus, 0, 6), nil)
	require.True(t, handled)
	require.NoError(t, err)
	require.Equal(t, byte(StateDnloadIdle), resp[4])

	// Terminate the session with a zero-length DNLOAD and drive manifestation.
	handled, _, err = d.HandleSetup(nil, classSetup(RequestDnload, 1, 0), nil)
	require.True(t, handled)
	require.NoError(t, err)
	require.Equal(t, StateManifestSync, d.State())

	d.cfg.ManifestTolerant = true
	handled, resp, err = d.HandleSetup(nil, classSetup(RequestGetStatus, 0, 6), nil)
	require.True(t, handled)
	require.NoError(t, err)
	require.Equal(t, byte(StateManifestSync), resp[4])

	handled, resp, err = d.HandleSetup(nil, classSetup(RequestGetStatus, 0, 6), nil)
	require.True(t, handled)
	require.NoError(t, err)
	require.Equal(t, byte(StateIdle), resp[4])

	// Upload back the block written at BlockNum 0.
	uploadSetup := classSetup(RequestUpload, 0, uint16(len(block)))
	uploadSetup.RequestType = device.RequestDirectionDeviceToHost | device.RequestTypeClass | device.RequestRecipientInterface
	handled, resp, err = d.HandleSetup(nil, uploadSetup, nil)
	require.True(t, handled)
	require.NoError(t, err)
	require.Equal(t, block, resp)
}

func TestDnloadRejectsOutOfSequenceBlock(t *testing.T) {
	app := newApp()
	d := NewBootloader(app, Config{}, [2]uint32{rebootTagValue, ^uint32(rebootTagValue)})

	_, _, err := d.HandleSetup(nil, classSetup(RequestDnload, 5, 4), []byte("oops"))
	require.ErrorIs(t, err, pkg.ErrInvalidRequest)
}

func TestDnloadWithoutEraseWriteReturnsNotSupported(t *testing.T) {
	d := NewBootloader(Application{}, Config{}, [2]uint32{rebootTagValue, ^uint32(rebootTagValue)})

	_, _, err := d.HandleSetup(nil, classSetup(RequestDnload, 0, 4), []byte("data"))
	require.ErrorIs(t, err, pkg.ErrNotSupported)
}

func TestSTExtensionReadUnprotectIsRejected(t *testing.T) {
	app := newApp()
	d := NewBootloader(app, Config{STExtension: true}, [2]uint32{rebootTagValue, ^uint32(rebootTagValue)})

	cmd := []byte{dfuseCmdReadUnprotect}
	handled, _, err := d.HandleSetup(nil, classSetup(RequestDnload, 0, uint16(len(cmd))), cmd)
	require.True(t, handled)
	require.NoError(t, err)

	_, resp, err := d.HandleSetup(nil, classSetup(RequestGetStatus, 0, 6), nil)
	require.NoError(t, err)
	require.Equal(t, byte(StatusErrVendor), resp[0])
	require.Equal(t, byte(StateError), resp[4])
}

func TestSTExtensionGetCommandsUpload(t *testing.T) {
	app := newApp()
	d := NewBootloader(app, Config{STExtension: true}, [2]uint32{rebootTagValue, ^uint32(rebootTagValue)})

	uploadSetup := classSetup(RequestUpload, 0, uint16(len(dfuseSupportedCommands)))
	uploadSetup.RequestType = device.RequestDirectionDeviceToHost | device.RequestTypeClass | device.RequestRecipientInterface
	handled, resp, err := d.HandleSetup(nil, uploadSetup, nil)
	require.True(t, handled)
	require.NoError(t, err)
	require.Equal(t, dfuseSupportedCommands, resp)
	require.Equal(t, StateUploadIdle, d.State())
}

func TestClrStatusRecoversFromError(t *testing.T) {
	app := newApp()
	d := NewBootloader(app, Config{}, [2]uint32{rebootTagValue, ^uint32(rebootTagValue)})

	_, _, err := d.HandleSetup(nil, classSetup(RequestDnload, 5, 4), []byte("oops"))
	require.ErrorIs(t, err, pkg.ErrInvalidRequest)
	require.Equal(t, StateError, d.State())

	handled, _, err := d.HandleSetup(nil, classSetup(RequestClrStatus, 0, 0), nil)
	require.True(t, handled)
	require.NoError(t, err)
	require.Equal(t, StateIdle, d.State())
}

func TestRebootOnlyRejectsDnload(t *testing.T) {
	d := NewRebootOnly(Config{})
	handled, _, err := d.HandleSetup(nil, classSetup(RequestDnload, 0, 4), []byte("data"))
	require.False(t, handled)
	require.NoError(t, err)
}

func TestIsRequestedMatchesComplement(t *testing.T) {
	require.True(t, IsRequested([2]uint32{rebootTagValue, ^uint32(rebootTagValue)}))
	require.False(t, IsRequested([2]uint32{0, 0}))
}
