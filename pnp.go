/* usbipd-go - USB/IP device-side stub server
 *
 * Device manager: tracks discoverable USB devices and their export state
 */

package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/gousb"

	"github.com/usbip-go/usbipd-libusb/internal/hostusb"
	"github.com/usbip-go/usbipd-libusb/internal/usbip"
)

// Manager tracks every USB device visible on the host and which of
// them is currently exported to a client. Devices attach exclusively:
// a second concurrent import of the same bus/addr is refused until
// the first session ends.
type Manager struct {
	guctx *gousb.Context

	mu       sync.Mutex
	byBusID  map[string]hostusb.DeviceDesc
	exported map[string]*ExportedDevice
}

// NewManager creates a device manager bound to a gousb context.
func NewManager(guctx *gousb.Context) *Manager {
	return &Manager{
		guctx:    guctx,
		byBusID:  make(map[string]hostusb.DeviceDesc),
		exported: make(map[string]*ExportedDevice),
	}
}

// Run rescans the bus on every UsbHotPlugChan tick until stopChan is
// closed, mirroring PnPStart's add/remove diff loop.
func (m *Manager) Run(stopChan <-chan struct{}) {
	m.rescan()
	for {
		select {
		case <-UsbHotPlugChan:
			m.rescan()
		case <-stopChan:
			return
		}
	}
}

func (m *Manager) rescan() {
	descs, err := hostusb.Enumerate(m.guctx)
	if err != nil {
		Log.Begin().Error('!', "enumerate: %s", err).Commit()
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool, len(descs))
	for _, d := range descs {
		busID := usbip.FormatBusID(d.Addr.Bus, d.Addr.Address)
		if !DeviceAllowed(d) {
			Log.Begin().Debug(' ', "pnp %s: %s", busID, ErrBlackListed).Commit()
			continue
		}
		seen[busID] = true
		if _, ok := m.byBusID[busID]; !ok {
			Log.Begin().Debug('+', "pnp %s: added", busID).Commit()
		}
		m.byBusID[busID] = d
	}

	for busID := range m.byBusID {
		if !seen[busID] {
			Log.Begin().Debug('-', "pnp %s: removed", busID).Commit()
			delete(m.byBusID, busID)
			if ed, ok := m.exported[busID]; ok && ed != nil {
				// The physical device is gone; close the session's
				// connection, waiting at most DevShutdownTimeout for
				// the close to return.
				go func(ed *ExportedDevice) {
					ctx, cancel := context.WithTimeout(
						context.Background(), DevShutdownTimeout)
					defer cancel()
					ed.Shutdown(ctx)
				}(ed)
			}
		}
	}
}

// DeviceAllowed reports whether the allow list in Conf permits
// exporting d. Patterns match either the "vvvv:pppp" vendor/product
// pair or the "bus-addr" busid; an empty list allows everything.
func DeviceAllowed(d hostusb.DeviceDesc) bool {
	if len(Conf.AllowList) == 0 {
		return true
	}

	busID := usbip.FormatBusID(d.Addr.Bus, d.Addr.Address)
	vidpid := fmt.Sprintf("%4.4x:%4.4x", d.Vendor, d.Product)

	for _, pat := range Conf.AllowList {
		if pat == busID || strings.EqualFold(pat, vidpid) {
			return true
		}
	}
	return false
}

// Detach closes the active session exporting busID, if any.
func (m *Manager) Detach(busID string) error {
	m.mu.Lock()
	ed := m.exported[busID]
	m.mu.Unlock()

	if ed == nil {
		return ErrNotExported
	}

	ctx, cancel := context.WithTimeout(context.Background(), DevShutdownTimeout)
	defer cancel()
	return ed.Shutdown(ctx)
}

// List returns the current device list, sorted by bus/address.
func (m *Manager) List() []hostusb.DeviceDesc {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]hostusb.DeviceDesc, 0, len(m.byBusID))
	for _, d := range m.byBusID {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Addr.Bus != out[j].Addr.Bus {
			return out[i].Addr.Bus < out[j].Addr.Bus
		}
		return out[i].Addr.Address < out[j].Addr.Address
	})
	return out
}

// Lookup finds a tracked device by busid ("bus-addr").
func (m *Manager) Lookup(busID string) (hostusb.DeviceDesc, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.byBusID[busID]
	return d, ok
}

// Reserve claims busID for an in-progress import, refusing a second
// concurrent import the way the real kernel vhci_hcd refuses to attach
// an already-used port. Call Bind once the ExportedDevice exists, and
// Release unconditionally once the session ends (even if Bind was
// never reached).
func (m *Manager) Reserve(busID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, busy := m.exported[busID]; busy {
		return ErrAlreadyBound
	}
	m.exported[busID] = nil
	return nil
}

// Bind attaches the running ExportedDevice to a previously Reserve'd busID.
func (m *Manager) Bind(busID string, ed *ExportedDevice) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exported[busID] = ed
}

// Release removes busID's export binding once its session ends.
func (m *Manager) Release(busID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.exported, busID)
}

// Exported returns a snapshot of busid -> ExportedDevice for every
// device currently bound to an active session, for the live monitor.
// A reserved-but-not-yet-bound busID (nil value) is omitted.
func (m *Manager) Exported() map[string]*ExportedDevice {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]*ExportedDevice, len(m.exported))
	for busID, ed := range m.exported {
		if ed != nil {
			out[busID] = ed
		}
	}
	return out
}

// Status returns a formatted snapshot for StatusFormat/the monitor.
func (m *Manager) Status() []DeviceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]DeviceStatus, 0, len(m.byBusID))
	for busID, d := range m.byBusID {
		st := DeviceStatus{
			BusID:   busID,
			Vendor:  d.Vendor,
			Product: d.Product,
		}
		if _, exported := m.exported[busID]; exported {
			st.Exported = true
		}
		out = append(out, st)
	}
	return out
}

// DeviceStatus is a point-in-time status snapshot of one device.
type DeviceStatus struct {
	BusID    string
	Vendor   uint16
	Product  uint16
	Exported bool
}

// String renders a DeviceStatus line for the status/monitor views.
func (s DeviceStatus) String() string {
	state := "available"
	if s.Exported {
		state = "exported"
	}
	return fmt.Sprintf("%-8s %4.4x:%4.4x  %s", s.BusID, s.Vendor, s.Product, state)
}

// DeviceMonitorStat extends DeviceStatus with the live transfer-queue
// depths and cumulative PDU count of an exported device's session, for
// the "usbipd-go top" live monitor.
type DeviceMonitorStat struct {
	DeviceStatus
	Pending   int           // submitted, awaiting completion (priv_init)
	Completed int           // completed, awaiting RET_SUBMIT (priv_tx)
	Unlinking int           // RET_UNLINK replies awaiting send
	PDUs      int64         // cumulative RET_SUBMIT/RET_UNLINK sent
	Uptime    time.Duration // time since this session's import
	LastErr   string        // most recent session error, if any
}

// MonitorSnapshot returns one stat entry per tracked device, augmenting
// Status() with queue depths and PDU counts for the devices currently
// bound to a session.
func (m *Manager) MonitorSnapshot() []DeviceMonitorStat {
	statuses := m.Status()
	exported := m.Exported()

	out := make([]DeviceMonitorStat, 0, len(statuses))
	for _, st := range statuses {
		dm := DeviceMonitorStat{DeviceStatus: st}
		if ed, ok := exported[st.BusID]; ok {
			dm.Pending, dm.Completed, dm.Unlinking = ed.Session.QueueDepths()
			dm.PDUs = ed.Session.PDUsSent()
			dm.Uptime = time.Since(ed.Started)
			if err := ed.LastError(); err != nil {
				dm.LastErr = err.Error()
			}
		}
		out = append(out, dm)
	}
	return out
}
