package fifo

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-usbd/usbd/device/pd"
	"github.com/go-usbd/usbd/pkg"
)

// recordingCallbacks captures every pd.Callbacks invocation for assertions.
type recordingCallbacks struct {
	resets  chan pd.Speed
	setups  chan [8]byte
	ins     chan epEvent
	outs    chan epEvent
}

type epEvent struct {
	addr uint8
	data []byte
	n    int
}

func newRecordingCallbacks() *recordingCallbacks {
	return &recordingCallbacks{
		resets: make(chan pd.Speed, 4),
		setups: make(chan [8]byte, 4),
		ins:    make(chan epEvent, 4),
		outs:   make(chan epEvent, 4),
	}
}

func (r *recordingCallbacks) Reset(speed pd.Speed) { r.resets <- speed }
func (r *recordingCallbacks) Setup(setup [8]byte)  { r.setups <- setup }
func (r *recordingCallbacks) EPIn(addr uint8, length int) {
	r.ins <- epEvent{addr: addr, n: length}
}
func (r *recordingCallbacks) EPOut(addr uint8, data []byte) {
	cp := append([]byte(nil), data...)
	r.outs <- epEvent{addr: addr, data: cp}
}

func newTestDriver(t *testing.T) (*Driver, *recordingCallbacks) {
	t.Helper()
	busDir := t.TempDir()
	d := New(busDir)
	cb := newRecordingCallbacks()
	require.NoError(t, d.Init(cb))
	t.Cleanup(func() { d.Deinit() })
	return d, cb
}

func writeMessage(t *testing.T, path string, msgType byte, data []byte) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	require.NoError(t, err)
	defer f.Close()

	var header [headerSize]byte
	header[0] = msgType
	binary.LittleEndian.PutUint16(header[1:3], uint16(len(data)))
	_, err = f.Write(header[:])
	require.NoError(t, err)
	if len(data) > 0 {
		_, err = f.Write(data)
		require.NoError(t, err)
	}
}

func TestInitCreatesDeviceLayout(t *testing.T) {
	d, _ := newTestDriver(t)

	assert.DirExists(t, d.DeviceDir())
	for _, name := range []string{fifoHostToDevice, fifoDeviceToHost, fifoInterrupts, fifoConnection} {
		assert.FileExists(t, filepath.Join(d.DeviceDir(), name))
	}
	for i := 1; i <= MaxEndpoints; i++ {
		assert.FileExists(t, filepath.Join(d.DeviceDir(), "ep"+itoa(i)+"_in"))
		assert.FileExists(t, filepath.Join(d.DeviceDir(), "ep"+itoa(i)+"_out"))
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [4]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func TestDoubleInitFails(t *testing.T) {
	d, _ := newTestDriver(t)
	err := d.Init(newRecordingCallbacks())
	assert.ErrorIs(t, err, pkg.ErrAlreadyRunning)
}

func TestStartSignalsConnection(t *testing.T) {
	d, _ := newTestDriver(t)
	require.NoError(t, d.Start())
	defer d.Stop()

	assert.True(t, d.IsConnected())
}

func TestControlLoopDeliversSetup(t *testing.T) {
	d, cb := newTestDriver(t)
	require.NoError(t, d.Start())
	defer d.Stop()

	setup := [8]byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00}
	payload := append([]byte{0x00}, setup[:]...)
	writeMessage(t, filepath.Join(d.DeviceDir(), fifoHostToDevice), msgSetup, payload)

	select {
	case got := <-cb.setups:
		assert.Equal(t, setup, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Setup callback")
	}
}

func TestControlLoopDeliversReset(t *testing.T) {
	d, cb := newTestDriver(t)
	require.NoError(t, d.Start())
	defer d.Stop()

	writeMessage(t, filepath.Join(d.DeviceDir(), fifoHostToDevice), msgReset, nil)

	select {
	case speed := <-cb.resets:
		assert.Equal(t, pd.SpeedFull, speed)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Reset callback")
	}
	assert.Equal(t, pd.SpeedFull, d.Speed())
}

func TestSendRaisesEPIn(t *testing.T) {
	d, cb := newTestDriver(t)
	require.NoError(t, d.Start())
	defer d.Stop()
	require.NoError(t, d.OpenEndpoint(pd.EndpointConfig{Address: 0x81, MaxPacketSize: 64}))

	require.NoError(t, d.Send(0x81, []byte("hello")))

	select {
	case ev := <-cb.ins:
		assert.Equal(t, uint8(0x81), ev.addr)
		assert.Equal(t, 5, ev.n)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for EPIn callback")
	}
}

func TestSendWhileBusyReturnsErrBusy(t *testing.T) {
	d, _ := newTestDriver(t)
	require.NoError(t, d.Start())
	defer d.Stop()
	require.NoError(t, d.OpenEndpoint(pd.EndpointConfig{Address: 0x81, MaxPacketSize: 64}))

	require.NoError(t, d.Send(0x81, []byte("a")))
	err := d.Send(0x81, []byte("b"))
	assert.ErrorIs(t, err, pkg.ErrBusy)
}

func TestReceiveRaisesEPOut(t *testing.T) {
	d, cb := newTestDriver(t)
	require.NoError(t, d.Start())
	defer d.Stop()
	require.NoError(t, d.OpenEndpoint(pd.EndpointConfig{Address: 0x01, MaxPacketSize: 64}))

	buf := make([]byte, 64)
	require.NoError(t, d.Receive(0x01, buf))

	writeMessage(t, filepath.Join(d.DeviceDir(), "ep1_out"), msgData, []byte("world"))

	select {
	case ev := <-cb.outs:
		assert.Equal(t, uint8(0x01), ev.addr)
		assert.Equal(t, []byte("world"), ev.data)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for EPOut callback")
	}
}

func TestReceiveEP0FromSetupTrailer(t *testing.T) {
	d, cb := newTestDriver(t)
	require.NoError(t, d.Start())
	defer d.Stop()

	setup := [8]byte{0x00, 0x09, 0x00, 0x00, 0x00, 0x00, 0x04, 0x00}
	trailer := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	payload := append(append([]byte{0x00}, setup[:]...), trailer...)
	writeMessage(t, filepath.Join(d.DeviceDir(), fifoHostToDevice), msgSetup, payload)

	select {
	case <-cb.setups:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Setup callback")
	}

	buf := make([]byte, 16)
	require.NoError(t, d.Receive(0x00, buf))

	select {
	case ev := <-cb.outs:
		assert.Equal(t, trailer, ev.data)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for EP0 EPOut callback")
	}
}

func TestAddressesAfterStatus(t *testing.T) {
	d := New(t.TempDir())
	assert.True(t, d.AddressesAfterStatus())
}

var _ pd.Driver = (*Driver)(nil)
