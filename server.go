/* usbipd-go - USB/IP device-side stub server
 *
 * TCP accept loop and control-channel handshake
 */

package main

import (
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/usbip-go/usbipd-libusb/internal/hostusb"
	"github.com/usbip-go/usbipd-libusb/internal/usbip"
)

// Server accepts USB/IP control connections, serves OP_REQ_DEVLIST and
// OP_REQ_IMPORT, and upgrades an imported connection to a stub.Session.
type Server struct {
	listener net.Listener
	mgr      *Manager

	mu       sync.Mutex
	sessions int
}

// NewServer wraps listener with handshake/session handling bound to mgr.
func NewServer(listener net.Listener, mgr *Manager) *Server {
	return &Server{listener: listener, mgr: mgr}
}

// SessionCount reports the number of active imported sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions
}

// Run accepts connections until the listener is closed.
func (s *Server) Run() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return err
		}

		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	op, err := usbip.DecodeOpCommon(conn)
	if err != nil {
		Log.Begin().Error('!', "server: %s: %s", conn.RemoteAddr(), err).Commit()
		return
	}

	switch op.Code {
	case usbip.OpReqDevlist:
		if err := s.handleDevlist(conn); err != nil {
			Log.Begin().Error('!', "server: devlist: %s: %s", conn.RemoteAddr(), err).Commit()
		}
	case usbip.OpReqImport:
		s.handleImport(conn)
	default:
		Log.Begin().Error('!', "server: %s: unknown op 0x%4.4x", conn.RemoteAddr(), uint16(op.Code)).Commit()
	}
}

func (s *Server) handleDevlist(conn net.Conn) error {
	if err := usbip.EncodeOpCommon(conn, usbip.OpCommon{
		Version: usbip.ProtocolVersion,
		Code:    usbip.OpRepDevlist,
		Status:  usbip.StOK,
	}); err != nil {
		return err
	}

	descs := s.mgr.List()

	var ndev [4]byte
	binary.BigEndian.PutUint32(ndev[:], uint32(len(descs)))
	if _, err := conn.Write(ndev[:]); err != nil {
		return err
	}

	for _, d := range descs {
		if err := writeExportedDevice(conn, d); err != nil {
			return err
		}

		for _, intf := range exportedInterfaces(d) {
			if err := usbip.EncodeExportedInterface(conn, intf); err != nil {
				return err
			}
		}
	}

	return nil
}

func (s *Server) handleImport(conn net.Conn) {
	req, err := usbip.DecodeImportRequest(conn)
	if err != nil {
		Log.Begin().Error('!', "server: import: %s", err).Commit()
		return
	}

	desc, ok := s.mgr.Lookup(req.BusID)
	if !ok {
		usbip.EncodeOpCommon(conn, usbip.OpCommon{
			Version: usbip.ProtocolVersion,
			Code:    usbip.OpRepImport,
			Status:  usbip.StDeviceNotFound,
		})
		return
	}

	if !DeviceAllowed(desc) {
		Log.Begin().Info('!', "server: import %s: %s", req.BusID, ErrBlackListed).Commit()
		usbip.EncodeOpCommon(conn, usbip.OpCommon{
			Version: usbip.ProtocolVersion,
			Code:    usbip.OpRepImport,
			Status:  usbip.StNA,
		})
		return
	}

	busIDNum := desc.Addr.BusID()
	if err := s.mgr.Reserve(req.BusID); err != nil {
		usbip.EncodeOpCommon(conn, usbip.OpCommon{
			Version: usbip.ProtocolVersion,
			Code:    usbip.OpRepImport,
			Status:  usbip.StNoFreePort,
		})
		return
	}

	dev, err := openDeviceTimeout(desc)
	if err != nil {
		s.mgr.Release(req.BusID)
		Log.Begin().Error('!', "server: import %s: %s", req.BusID, err).Commit()
		usbip.EncodeOpCommon(conn, usbip.OpCommon{
			Version: usbip.ProtocolVersion,
			Code:    usbip.OpRepImport,
			Status:  usbip.StNA,
		})
		return
	}

	if err := usbip.EncodeOpCommon(conn, usbip.OpCommon{
		Version: usbip.ProtocolVersion,
		Code:    usbip.OpRepImport,
		Status:  usbip.StOK,
	}); err != nil {
		dev.Close()
		s.mgr.Release(req.BusID)
		return
	}

	if err := writeExportedDevice(conn, desc); err != nil {
		dev.Close()
		s.mgr.Release(req.BusID)
		return
	}

	ed := NewExportedDevice(dev.Descriptor(), dev, conn, busIDNum)
	s.mgr.Bind(req.BusID, ed)

	Log.Begin().Info('+', "server: %s: imported by %s", req.BusID, conn.RemoteAddr()).Commit()

	s.mu.Lock()
	s.sessions++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.sessions--
		s.mu.Unlock()
	}()

	err = ed.Serve()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		Log.Begin().Debug(' ', "server: %s: session ended: %s", req.BusID, err).Commit()
	}

	dev.Close()
	s.mgr.Release(req.BusID)
}

// openDeviceTimeout opens the host device for export, giving up after
// DevInitTimeout: some devices take pathologically long to configure,
// and an import request must not hold its connection open forever.
func openDeviceTimeout(desc hostusb.DeviceDesc) (hostusb.Device, error) {
	type openResult struct {
		dev hostusb.Device
		err error
	}

	ch := make(chan openResult, 1)
	go func() {
		dev, err := hostusb.OpenGousb(usbCtx, desc)
		ch <- openResult{dev, err}
	}()

	select {
	case r := <-ch:
		return r.dev, r.err
	case <-time.After(DevInitTimeout):
		go func() {
			if r := <-ch; r.dev != nil {
				r.dev.Close()
			}
		}()
		return nil, ErrInitTimedOut
	}
}

func writeExportedDevice(w net.Conn, d hostusb.DeviceDesc) error {
	return usbip.EncodeExportedUSBDevice(w, usbip.ExportedUSBDevice{
		Path:               d.Path,
		BusID:              usbip.FormatBusID(d.Addr.Bus, d.Addr.Address),
		BusNum:             uint32(d.Addr.Bus),
		DevNum:             uint32(d.Addr.Address),
		Speed:              uint32(d.Speed),
		IDVendor:           d.Vendor,
		IDProduct:          d.Product,
		DeviceClass:        uint8(d.Class),
		DeviceSubClass:     uint8(d.SubClass),
		DeviceProtocol:     uint8(d.Protocol),
		ConfigurationValue: uint8(d.ConfigValue),
		NumConfigurations:  uint8(d.NumConfigs),
		NumInterfaces:      uint8(d.NumInterfaces),
	})
}

func exportedInterfaces(d hostusb.DeviceDesc) []usbip.ExportedInterface {
	if len(d.Interfaces) == d.NumInterfaces {
		ifaces := make([]usbip.ExportedInterface, 0, d.NumInterfaces)
		for _, intf := range d.Interfaces {
			ifaces = append(ifaces, usbip.ExportedInterface{
				Class:    uint8(intf.Class),
				SubClass: uint8(intf.SubClass),
				Protocol: uint8(intf.Protocol),
				Number:   uint8(intf.Number),
			})
		}
		return ifaces
	}

	// Fallback for a descriptor built without per-interface data (e.g.
	// a hand-built test fixture): stamp the device-level triple on
	// every interface rather than sending a short list.
	ifaces := make([]usbip.ExportedInterface, 0, d.NumInterfaces)
	for i := 0; i < d.NumInterfaces; i++ {
		ifaces = append(ifaces, usbip.ExportedInterface{
			Class:    uint8(d.Class),
			SubClass: uint8(d.SubClass),
			Protocol: uint8(d.Protocol),
			Number:   uint8(i),
		})
	}
	return ifaces
}
