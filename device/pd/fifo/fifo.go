// Package fifo implements a pd.Driver over named pipes (FIFOs) in the
// filesystem, for testing and simulating USB device stacks without real
// hardware.
//
// The wire protocol and directory layout are unchanged from the HAL this
// replaces: a bus directory holds one device-{uuid}/ subdirectory per
// instance, with a host_to_device/device_to_host pair for control transfers
// and ep{1..15}_in/ep{1..15}_out pairs for data endpoints. What changes is
// the consumption model: instead of a stack goroutine blocking on a read
// per transfer, each FIFO is serviced by a background goroutine owned by
// the Driver that raises pd.Callbacks as messages arrive.
package fifo

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-usbd/usbd/device/pd"
	"github.com/go-usbd/usbd/pkg"
)

// MaxEndpoints is the maximum number of data endpoints (1-15 IN and OUT).
const MaxEndpoints = 15

// MaxPacketSize is the maximum packet size carried by a single message.
const MaxPacketSize = 512

// Message types for the FIFO protocol (must match the host side).
const (
	msgSetup   = 0x01
	msgData    = 0x02
	msgAck     = 0x03
	msgNak     = 0x04
	msgStall   = 0x05
	msgReset   = 0x12
	msgAddress = 0x13
)

const headerSize = 3 // type (1) + length (2)

const (
	sigConnect    = 0x01
	sigDisconnect = 0x00
)

const (
	fifoHostToDevice = "host_to_device"
	fifoDeviceToHost = "device_to_host"
	fifoInterrupts   = "interrupts"
	fifoConnection   = "connection"
)

const setupPacketSize = 8

// pendingRecv tracks a Receive armed on one data endpoint.
type pendingRecv struct {
	buf  []byte
	addr uint8
}

// Driver implements pd.Driver over named pipes. It is the non-blocking
// successor to device/hal/fifo: same directory layout and message format,
// but every Driver method returns immediately and completions are reported
// through the pd.Callbacks supplied to Init.
type Driver struct {
	busDir    string
	deviceDir string
	uuid      string

	hostToDeviceRead  *os.File
	deviceToHostWrite *os.File
	interruptsWrite   *os.File
	connectionWrite   *os.File

	epInWrite [MaxEndpoints]*os.File
	epOutRead [MaxEndpoints]*os.File

	cb      pd.Callbacks
	speed   pd.Speed
	address uint8

	connected uint32 // atomic

	mutex    sync.Mutex
	initDone bool
	running  uint32 // atomic
	closeCh  chan struct{}
	wg       sync.WaitGroup

	opened [MaxEndpoints]bool // OUT endpoints with an active reader goroutine

	ep0OutPending []byte // data the host attached to the last SETUP message, awaiting Receive(0x00,...)
	ep0OutArmed   bool
	ep0OutBuf     []byte

	inBusy  [MaxEndpoints + 1]bool // index 0 unused, IN busy per endpoint number
	outBusy [MaxEndpoints + 1]pendingRecv

	closeOnce sync.Once
}

// New creates a FIFO-based Driver rooted at busDir.
func New(busDir string) *Driver {
	return &Driver{
		busDir:  busDir,
		speed:   pd.SpeedFull,
		closeCh: make(chan struct{}),
	}
}

// DeviceDir returns the device subdirectory path, once Init has run.
func (d *Driver) DeviceDir() string {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.deviceDir
}

// UUID returns the device's generated identifier, once Init has run.
func (d *Driver) UUID() string {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.uuid
}

func generateUUID() (string, error) {
	var uuid [16]byte
	if _, err := rand.Read(uuid[:]); err != nil {
		return "", err
	}
	uuid[6] = (uuid[6] & 0x0f) | 0x40
	uuid[8] = (uuid[8] & 0x3f) | 0x80
	return hex.EncodeToString(uuid[:]), nil
}

// Init creates the device directory and FIFOs and records the callback
// sink. It does not yet start servicing goroutines; Start does that.
func (d *Driver) Init(cb pd.Callbacks) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.initDone {
		return pkg.ErrAlreadyRunning
	}

	uuid, err := generateUUID()
	if err != nil {
		return fmt.Errorf("generate uuid: %w", err)
	}
	d.uuid = uuid
	d.deviceDir = filepath.Join(d.busDir, "device-"+uuid)
	d.cb = cb

	if err := os.MkdirAll(d.busDir, 0o755); err != nil {
		return fmt.Errorf("create bus dir: %w", err)
	}
	if err := os.MkdirAll(d.deviceDir, 0o755); err != nil {
		return fmt.Errorf("create device dir: %w", err)
	}

	for _, name := range []string{fifoHostToDevice, fifoDeviceToHost, fifoInterrupts, fifoConnection} {
		if err := d.createFIFO(name); err != nil {
			return err
		}
	}
	for i := 1; i <= MaxEndpoints; i++ {
		if err := d.createFIFO(fmt.Sprintf("ep%d_in", i)); err != nil {
			return err
		}
		if err := d.createFIFO(fmt.Sprintf("ep%d_out", i)); err != nil {
			return err
		}
	}

	if d.connectionWrite, err = d.openFIFO(fifoConnection, os.O_RDWR|syscall.O_NONBLOCK); err != nil {
		d.cleanup()
		return err
	}
	if d.deviceToHostWrite, err = d.openFIFO(fifoDeviceToHost, os.O_RDWR|syscall.O_NONBLOCK); err != nil {
		d.cleanup()
		return err
	}
	if d.interruptsWrite, err = d.openFIFO(fifoInterrupts, os.O_RDWR|syscall.O_NONBLOCK); err != nil {
		d.cleanup()
		return err
	}
	if d.hostToDeviceRead, err = d.openFIFO(fifoHostToDevice, os.O_RDWR|syscall.O_NONBLOCK); err != nil {
		d.cleanup()
		return err
	}
	for i := 1; i <= MaxEndpoints; i++ {
		idx := i - 1
		if d.epInWrite[idx], err = d.openFIFO(fmt.Sprintf("ep%d_in", i), os.O_RDWR|syscall.O_NONBLOCK); err != nil {
			d.cleanup()
			return err
		}
		if d.epOutRead[idx], err = d.openFIFO(fmt.Sprintf("ep%d_out", i), os.O_RDWR|syscall.O_NONBLOCK); err != nil {
			d.cleanup()
			return err
		}
	}

	d.initDone = true
	pkg.LogInfo(pkg.ComponentHAL, "fifo pd initialized",
		"busDir", d.busDir, "deviceDir", d.deviceDir, "uuid", d.uuid)
	return nil
}

// Deinit stops servicing goroutines and releases all FIFOs.
func (d *Driver) Deinit() error {
	d.closeOnce.Do(func() { close(d.closeCh) })
	atomic.StoreUint32(&d.running, 0)
	d.wg.Wait()

	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.cleanup()
	d.initDone = false
	return nil
}

// Start signals connection to the host and launches the background readers.
func (d *Driver) Start() error {
	d.mutex.Lock()
	if !d.initDone {
		d.mutex.Unlock()
		return pkg.ErrNotConfigured
	}
	d.mutex.Unlock()

	if _, err := d.connectionWrite.Write([]byte{sigConnect}); err != nil {
		pkg.LogWarn(pkg.ComponentHAL, "failed to signal connection", "error", err)
	}
	atomic.StoreUint32(&d.connected, 1)

	if atomic.CompareAndSwapUint32(&d.running, 0, 1) {
		d.wg.Add(1)
		go d.controlLoop()
		for i := 1; i <= MaxEndpoints; i++ {
			d.wg.Add(1)
			go d.outLoop(uint8(i))
		}
	}

	pkg.LogInfo(pkg.ComponentHAL, "fifo pd started")
	return nil
}

// Stop signals disconnection and stops the background readers.
func (d *Driver) Stop() error {
	d.mutex.Lock()
	if d.connectionWrite != nil {
		d.connectionWrite.Write([]byte{sigDisconnect})
	}
	d.mutex.Unlock()

	atomic.StoreUint32(&d.connected, 0)
	atomic.StoreUint32(&d.running, 0)
	pkg.LogInfo(pkg.ComponentHAL, "fifo pd stopped")
	return nil
}

func (d *Driver) cleanup() {
	for _, f := range []**os.File{&d.hostToDeviceRead, &d.deviceToHostWrite, &d.interruptsWrite, &d.connectionWrite} {
		if *f != nil {
			(*f).Close()
			*f = nil
		}
	}
	for i := 0; i < MaxEndpoints; i++ {
		if d.epInWrite[i] != nil {
			d.epInWrite[i].Close()
			d.epInWrite[i] = nil
		}
		if d.epOutRead[i] != nil {
			d.epOutRead[i].Close()
			d.epOutRead[i] = nil
		}
	}
	if d.deviceDir != "" {
		os.RemoveAll(d.deviceDir)
	}
}

// SetAddress records the address assigned by SET_ADDRESS. The FIFO wire
// protocol does not gate transfers on it; it exists for parity with real
// controllers and for AddressesAfterStatus bookkeeping.
func (d *Driver) SetAddress(addr uint8) error {
	d.mutex.Lock()
	d.address = addr
	d.mutex.Unlock()
	pkg.LogDebug(pkg.ComponentHAL, "address set", "address", addr)
	return nil
}

// OpenControlEndpoint is a no-op: EP0's FIFOs are opened during Init.
func (d *Driver) OpenControlEndpoint(mps uint16) error { return nil }

// OpenEndpoint marks addr's reader goroutine eligible to deliver EPOut.
// The underlying FIFOs for all 15 endpoint numbers already exist from
// Init; this only flips the bookkeeping flag a real controller would use
// to enable the endpoint's hardware FIFO.
func (d *Driver) OpenEndpoint(cfg pd.EndpointConfig) error {
	num := cfg.Number()
	if num == 0 || num > MaxEndpoints {
		return pkg.ErrInvalidEndpoint
	}
	d.mutex.Lock()
	d.opened[num-1] = true
	d.mutex.Unlock()
	return nil
}

// CloseEndpoint disables addr and discards any pending Receive on it.
func (d *Driver) CloseEndpoint(addr uint8) error {
	num := addr & 0x0F
	if num == 0 || num > MaxEndpoints {
		return pkg.ErrInvalidEndpoint
	}
	d.mutex.Lock()
	d.opened[num-1] = false
	d.outBusy[num] = pendingRecv{}
	d.inBusy[num] = false
	d.mutex.Unlock()
	return nil
}

// Send queues data for transmission and raises EPIn once it is written.
func (d *Driver) Send(addr uint8, data []byte) error {
	num := addr & 0x0F
	if num > MaxEndpoints {
		return pkg.ErrInvalidEndpoint
	}

	d.mutex.Lock()
	if d.inBusy[num] {
		d.mutex.Unlock()
		return pkg.ErrBusy
	}
	d.inBusy[num] = true
	var f *os.File
	if num == 0 {
		f = d.deviceToHostWrite
	} else {
		f = d.epInWrite[num-1]
	}
	d.mutex.Unlock()

	if f == nil {
		d.mutex.Lock()
		d.inBusy[num] = false
		d.mutex.Unlock()
		return pkg.ErrInvalidEndpoint
	}

	length := len(data)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		err := d.sendChunked(f, data)
		d.mutex.Lock()
		d.inBusy[num] = false
		d.mutex.Unlock()
		if err != nil {
			pkg.LogWarn(pkg.ComponentHAL, "send failed", "addr", addr, "error", err)
			return
		}
		d.cb.EPIn(addr, length)
	}()
	return nil
}

// sendChunked writes data as one or more MaxPacketSize-bounded msgData
// messages, mirroring how a real controller packetizes a Send across
// multiple wire packets. A nil or empty data sends a single zero-length
// message, matching pd.Driver.Send's documented behavior.
func (d *Driver) sendChunked(f *os.File, data []byte) error {
	if len(data) == 0 {
		return d.sendMessage(f, msgData, nil)
	}
	for off := 0; off < len(data); off += MaxPacketSize {
		end := off + MaxPacketSize
		if end > len(data) {
			end = len(data)
		}
		if err := d.sendMessage(f, msgData, data[off:end]); err != nil {
			return err
		}
	}
	return nil
}

// Receive arms addr to deliver up to len(buf) bytes via EPOut. EP0's OUT
// side (addr 0x00) is satisfied from data the host attached to the most
// recent SETUP message, since this protocol folds the control OUT stage
// into the SETUP message itself rather than sending it as a separate
// packet.
func (d *Driver) Receive(addr uint8, buf []byte) error {
	num := addr & 0x0F
	if num > MaxEndpoints {
		return pkg.ErrInvalidEndpoint
	}

	if num == 0 {
		d.mutex.Lock()
		if d.ep0OutArmed {
			d.mutex.Unlock()
			return pkg.ErrBusy
		}
		pending := d.ep0OutPending
		d.ep0OutPending = nil
		if pending != nil || len(buf) == 0 {
			n := copy(buf, pending)
			d.mutex.Unlock()
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				d.cb.EPOut(addr, buf[:n])
			}()
			return nil
		}
		d.ep0OutArmed = true
		d.ep0OutBuf = buf
		d.mutex.Unlock()
		return nil
	}

	d.mutex.Lock()
	if d.outBusy[num].buf != nil {
		d.mutex.Unlock()
		return pkg.ErrBusy
	}
	d.outBusy[num] = pendingRecv{buf: buf, addr: addr}
	d.mutex.Unlock()
	return nil
}

// Stall sends a STALL response for EP0; the data-endpoint FIFOs have no
// side channel to carry a stall condition, so non-EP0 endpoints only log.
func (d *Driver) Stall(addr uint8) error {
	num := addr & 0x0F
	if num == 0 {
		d.mutex.Lock()
		f := d.deviceToHostWrite
		d.mutex.Unlock()
		if f != nil {
			d.sendMessage(f, msgStall, nil)
		}
	}
	pkg.LogDebug(pkg.ComponentHAL, "endpoint stalled", "addr", addr)
	return nil
}

// ClearStall clears the stall condition. See Stall for the EP0-only caveat.
func (d *Driver) ClearStall(addr uint8) error {
	pkg.LogDebug(pkg.ComponentHAL, "endpoint stall cleared", "addr", addr)
	return nil
}

// SetRemoteWakeup is unsupported over this transport; it is acknowledged
// so class drivers exercising the remote-wakeup request path don't stall.
func (d *Driver) SetRemoteWakeup() error { return nil }

// ClearRemoteWakeup is the counterpart of SetRemoteWakeup.
func (d *Driver) ClearRemoteWakeup() error { return nil }

// Speed returns the speed negotiated by the most recent Reset.
func (d *Driver) Speed() pd.Speed {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.speed
}

// AddressesAfterStatus reports true: this transport ACKs the SET_ADDRESS
// status stage itself, so the core may program the address any time.
func (d *Driver) AddressesAfterStatus() bool { return true }

// IsConnected reports whether Start has signaled connection.
func (d *Driver) IsConnected() bool { return atomic.LoadUint32(&d.connected) == 1 }

func (d *Driver) createFIFO(name string) error {
	path := filepath.Join(d.deviceDir, name)
	os.Remove(path)
	if err := syscall.Mkfifo(path, 0o666); err != nil {
		return fmt.Errorf("mkfifo %s: %w", name, err)
	}
	return nil
}

func (d *Driver) openFIFO(name string, flag int) (*os.File, error) {
	path := filepath.Join(d.deviceDir, name)
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	return f, nil
}

// controlLoop is the background goroutine that raises Reset and Setup
// callbacks as messages arrive on host_to_device. It is the non-blocking
// counterpart of the old HAL's ReadSetup: the poll-with-deadline pattern
// is the same, but it runs off the core's call stack instead of under it.
func (d *Driver) controlLoop() {
	defer d.wg.Done()

	var header [headerSize]byte
	var payload [MaxPacketSize + setupPacketSize + 1]byte

	for atomic.LoadUint32(&d.running) == 1 {
		n, err := d.readWithDeadline(d.hostToDeviceRead, header[:])
		if err != nil || n < headerSize {
			continue
		}
		msgType := header[0]
		msgLen := int(binary.LittleEndian.Uint16(header[1:3]))

		var body []byte
		if msgLen > 0 {
			if msgLen > len(payload) {
				msgLen = len(payload)
			}
			if n, err := d.readWithDeadline(d.hostToDeviceRead, payload[:msgLen]); err != nil || n < msgLen {
				continue
			}
			body = payload[:msgLen]
		}

		switch msgType {
		case msgSetup:
			if len(body) < 1+setupPacketSize {
				continue
			}
			var setup [setupPacketSize]byte
			copy(setup[:], body[1:1+setupPacketSize])
			extra := body[1+setupPacketSize:]
			if len(extra) > 0 {
				d.mutex.Lock()
				d.ep0OutPending = append([]byte(nil), extra...)
				d.mutex.Unlock()
			}
			d.cb.Setup(setup)

		case msgReset:
			d.sendAck()
			d.mutex.Lock()
			d.speed = pd.SpeedFull
			d.ep0OutPending = nil
			d.ep0OutArmed = false
			d.mutex.Unlock()
			d.cb.Reset(pd.SpeedFull)

		case msgAddress:
			if len(body) >= 1 {
				d.mutex.Lock()
				d.address = body[0]
				d.mutex.Unlock()
				d.sendAck()
			}

		default:
			pkg.LogWarn(pkg.ComponentHAL, "unknown message type", "type", msgType)
		}
	}
}

// outLoop services one data endpoint's OUT fifo. It waits for a Receive to
// be armed, then accumulates consecutive msgData messages into that buffer
// until either the buffer fills or a short packet (length < MaxPacketSize)
// signals the end of the transfer — the same framing rule real USB bulk
// reads use — before raising exactly one EPOut.
func (d *Driver) outLoop(num uint8) {
	defer d.wg.Done()

	f := d.epOutRead[num-1]
	var header [headerSize]byte
	var body [MaxPacketSize]byte

	for atomic.LoadUint32(&d.running) == 1 {
		d.mutex.Lock()
		opened := d.opened[num-1]
		pending := d.outBusy[num]
		d.mutex.Unlock()
		if !opened || pending.buf == nil {
			time.Sleep(5 * time.Millisecond)
			continue
		}

		total := 0
		for total < len(pending.buf) {
			n, err := d.readWithDeadline(f, header[:])
			if err != nil || n < headerSize {
				if atomic.LoadUint32(&d.running) == 0 {
					return
				}
				continue
			}
			if header[0] != msgData {
				continue
			}
			length := int(binary.LittleEndian.Uint16(header[1:3]))
			if length > len(body) {
				length = len(body)
			}
			if length > 0 {
				if n, err := d.readWithDeadline(f, body[:length]); err != nil || n < length {
					if atomic.LoadUint32(&d.running) == 0 {
						return
					}
					continue
				}
			}
			total += copy(pending.buf[total:], body[:length])
			if length < MaxPacketSize {
				break
			}
		}

		d.mutex.Lock()
		d.outBusy[num] = pendingRecv{}
		d.mutex.Unlock()
		d.cb.EPOut(pending.addr, pending.buf[:total])
	}
}

// readWithDeadline reads exactly len(buf) bytes, retrying short deadlines
// until the full amount arrives or the driver is stopped.
func (d *Driver) readWithDeadline(f *os.File, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		select {
		case <-d.closeCh:
			return total, pkg.ErrCancelled
		default:
		}
		if atomic.LoadUint32(&d.running) == 0 {
			return total, pkg.ErrCancelled
		}
		f.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		n, err := f.Read(buf[total:])
		if n > 0 {
			total += n
		}
		if err != nil {
			if os.IsTimeout(err) {
				continue
			}
			return total, err
		}
		if n == 0 {
			continue
		}
	}
	return total, nil
}

func (d *Driver) sendAck() error {
	d.mutex.Lock()
	f := d.deviceToHostWrite
	d.mutex.Unlock()
	if f == nil {
		return pkg.ErrNotConfigured
	}
	return d.sendMessage(f, msgAck, nil)
}

// sendMessage writes a protocol message [type, len_lo, len_hi, data...].
func (d *Driver) sendMessage(f *os.File, msgType byte, data []byte) error {
	var buf [headerSize + MaxPacketSize]byte

	n := len(data)
	if n > MaxPacketSize {
		n = MaxPacketSize
	}
	buf[0] = msgType
	binary.LittleEndian.PutUint16(buf[1:3], uint16(n))
	if n > 0 {
		copy(buf[headerSize:], data[:n])
	}

	total := headerSize + n
	written := 0
	for written < total {
		m, err := f.Write(buf[written:total])
		if m > 0 {
			written += m
		}
		if err != nil {
			return err
		}
	}
	return nil
}

var _ pd.Driver = (*Driver)(nil)
