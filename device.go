/* usbipd-go - USB/IP device-side stub server
 *
 * Exported device object brings all parts together
 */

package main

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/usbip-go/usbipd-libusb/internal/hostusb"
	"github.com/usbip-go/usbipd-libusb/internal/stub"
)

// ExportedDevice brings together everything usbipd-go needs to serve
// one local USB device over a single client connection:
//   - the hostusb.Device backing transport
//   - the stub.Session running the RX/TX pipelines
//   - a per-device logger and an optional DNS-SD advertiser
//
// There is one ExportedDevice per active client connection; the same
// underlying physical device may only be exported to one client at a
// time (see Manager.Reserve).
type ExportedDevice struct {
	Desc           hostusb.DeviceDesc
	Device         hostusb.Device
	Session        *stub.Session
	DNSSdPublisher *DNSSdPublisher
	Log            *Logger
	Started        time.Time

	mu      sync.Mutex
	lastErr error
}

// LastError reports the most recent session error, if any, for the
// status/monitor views.
func (ed *ExportedDevice) LastError() error {
	ed.mu.Lock()
	defer ed.mu.Unlock()
	return ed.lastErr
}

func (ed *ExportedDevice) setLastError(err error) {
	ed.mu.Lock()
	ed.lastErr = err
	ed.mu.Unlock()
}

// NewExportedDevice wires a stub session around the already opened dev
// and conn and publishes it via DNS-SD if enabled; Serve runs the
// session. busID is the devid the client negotiated during the
// OP_REQ_IMPORT handshake.
func NewExportedDevice(desc hostusb.DeviceDesc, dev hostusb.Device, conn net.Conn, busID uint32) *ExportedDevice {
	log := NewLogger().ToDevFile(deviceIdent(desc))
	log.Cc(Conf.LogDevice, Log)

	ed := &ExportedDevice{
		Desc:    desc,
		Device:  dev,
		Log:     log,
		Started: time.Now(),
	}

	traceLog := func(format string, args ...interface{}) {
		log.Begin().Debug(' ', format, args...).Commit()
	}

	ed.Session = stub.NewSession(conn, dev, busID, traceLog)

	if Conf.DNSSdEnable {
		ed.DNSSdPublisher = NewDNSSdPublisher(log, desc)
		if err := ed.DNSSdPublisher.Publish(); err != nil {
			log.Begin().Error('!', "dnssd: %s", err).Commit()
		}
	}

	return ed
}

// Serve runs the exported device's session to completion. It blocks
// until the client disconnects or the connection fails.
func (ed *ExportedDevice) Serve() error {
	err := ed.Session.Run()
	if err != nil {
		ed.setLastError(err)
	}
	return err
}

// Shutdown tears the exported device down, closing the underlying
// connection to unblock Serve.
func (ed *ExportedDevice) Shutdown(ctx context.Context) error {
	ed.mu.Lock()
	pub := ed.DNSSdPublisher
	ed.DNSSdPublisher = nil
	ed.mu.Unlock()

	if pub != nil {
		pub.Unpublish()
	}

	done := make(chan struct{})
	go func() {
		ed.Session.Close()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// deviceIdent builds a stable per-device identity string for log
// filenames and DNS-SD instance naming.
func deviceIdent(desc hostusb.DeviceDesc) string {
	id := fmt.Sprintf("%4.4x-%4.4x-bus%d-dev%d",
		desc.Vendor, desc.Product, desc.Addr.Bus, desc.Addr.Address)
	if desc.SerialNumber != "" {
		id += "-" + desc.SerialNumber
	}
	return id
}
