package stub

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/usbip-go/usbipd-libusb/internal/hostusb"
)

// Session owns one imported device's lifetime on one client
// connection: the registry, and the RX/TX pipelines driving it. It is
// the Go counterpart of struct stub_device plus the pair of pthreads
// (tx, rx) the kernel stub driver spawns per exported device.
type Session struct {
	Conn   net.Conn
	Device hostusb.Device
	Devid  uint32
	Log    func(format string, args ...interface{})

	registry *Registry
	rx       *RX
	tx       *TX

	state int32 // atomic DeviceState

	wg sync.WaitGroup
}

// NewSession wires a registry, RX and TX around conn/dev and marks the
// session as in-use: SUBMIT/UNLINK traffic is only accepted once a
// session is running, enforcing the same state gate as valid_request.
func NewSession(conn net.Conn, dev hostusb.Device, devid uint32, log func(string, ...interface{})) *Session {
	s := &Session{
		Conn:     conn,
		Device:   dev,
		Devid:    devid,
		Log:      log,
		registry: NewRegistry(),
	}
	atomic.StoreInt32(&s.state, int32(StateUsed))

	s.rx = &RX{
		Conn:     conn,
		Device:   dev,
		Registry: s.registry,
		Devid:    devid,
		Log:      log,
		State:    s.State,

		// The device is gone; drop the whole session. Closing the
		// connection unblocks RX's pending Read, and Run's exit path
		// drains and joins both pipelines.
		OnRemove: func() { conn.Close() },
	}
	s.tx = &TX{
		Conn:     conn,
		Registry: s.registry,
		Devid:    devid,
		Log:      log,
	}

	return s
}

// State reports whether the session currently accepts SUBMIT/UNLINK.
func (s *Session) State() DeviceState {
	return DeviceState(atomic.LoadInt32(&s.state))
}

// QueueDepths reports how many transfers are outstanding (submitted but
// not completed), completed but not yet sent, and pending RET_UNLINK
// replies, for status/monitor reporting.
func (s *Session) QueueDepths() (pending, completed, unlinking int) {
	return s.registry.Len()
}

// PDUsSent reports the cumulative number of RET_SUBMIT/RET_UNLINK PDUs
// this session's TX has written, for the monitor's rate display.
func (s *Session) PDUsSent() int64 {
	return s.tx.Count()
}

// Run starts TX on a background goroutine and blocks running RX on
// the caller's goroutine, returning once the connection is closed or
// a framing error occurs. This mirrors the kernel stub driver spawning
// stub_tx/stub_rx as sibling pthreads and joining both at teardown.
func (s *Session) Run() error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.tx.Run(); err != nil && s.Log != nil {
			s.Log("tx: %v", err)
		}
	}()

	rxErr := s.rx.Run()

	atomic.StoreInt32(&s.state, int32(StateIdle))
	s.registry.Drain()
	s.tx.Stop()
	s.wg.Wait()

	if err := s.Device.Close(); err != nil && s.Log != nil {
		s.Log("close device: %v", err)
	}

	if rxErr != nil {
		return fmt.Errorf("stub: session %s: %w", s.Conn.RemoteAddr(), rxErr)
	}
	return nil
}

// Close tears the session down from outside Run, e.g. on server
// shutdown: closing the connection unblocks RX's pending Read.
func (s *Session) Close() error {
	return s.Conn.Close()
}
