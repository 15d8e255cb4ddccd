// Package hostusb abstracts the local (real) USB device that a stub
// session exports over USB/IP. It turns the underlying library's
// synchronous endpoint calls into the asynchronous submit/wait/cancel
// contract the protocol needs.
package hostusb

import (
	"context"
	"errors"
	"fmt"

	"github.com/usbip-go/usbipd-libusb/internal/usbip"
)

// ErrNoDevice is returned once the underlying device has been
// unplugged or closed.
var ErrNoDevice = errors.New("hostusb: device not present")

// Addr identifies a USB device on the local host by bus/address, the
// same two numbers the Linux kernel exposes under /sys/bus/usb.
type Addr struct {
	Bus     int
	Address int
}

// String renders the address the way lsusb does.
func (a Addr) String() string {
	return fmt.Sprintf("Bus %.3d Device %.3d", a.Bus, a.Address)
}

// BusID is the devid the USB/IP wire protocol carries: busnum<<16 | devnum,
// mirroring usbip_common.h's encoding.
func (a Addr) BusID() uint32 {
	return uint32(a.Bus)<<16 | uint32(a.Address)
}

// EndpointType mirrors the four USB transfer types.
type EndpointType int

// Endpoint types.
const (
	EndpointControl EndpointType = iota
	EndpointIsochronous
	EndpointBulk
	EndpointInterrupt
)

// EndpointDesc describes one endpoint of the exported device.
// Interface records which interface carries the endpoint, so the
// transfer path claims the right one on composite devices.
type EndpointDesc struct {
	Number    int
	Interface int
	Direction usbip.Direction
	Type      EndpointType
	MaxPacket int
	Interval  int
}

// InterfaceDesc describes one interface's class triple, the per-interface
// fields OP_REP_IMPORT/OP_REP_DEVLIST carry alongside the device-level ones
// (a composite device's interfaces routinely disagree with each other and
// with the device descriptor, e.g. class 0xef "miscellaneous" at the device
// level with each interface naming its own real class).
type InterfaceDesc struct {
	Number   int
	Class    int
	SubClass int
	Protocol int
}

// DeviceDesc is the static descriptor of an exportable device: enough
// information for the USB/IP import handshake (OP_REP_IMPORT) and for
// routing SUBMIT PDUs to the right endpoint.
type DeviceDesc struct {
	Addr          Addr
	Vendor        uint16
	Product       uint16
	Class         int
	SubClass      int
	Protocol      int
	Speed         int
	ConfigValue   int
	NumConfigs    int
	NumInterfaces int
	Path          string
	Endpoints     []EndpointDesc
	Interfaces    []InterfaceDesc
	SerialNumber  string
	Manufacturer  string
	ProductName   string
}

// Result is the outcome of one completed transfer, returned on the
// channel handed back by Submit.
type Result struct {
	Outcome      usbip.Outcome
	ActualLength int
	Data         []byte // populated for IN transfers
	ISOPackets   []usbip.IsoPacket
	Err          error
}

// Transfer is a single in-flight URB-equivalent submission.
type Transfer struct {
	Endpoint   int
	Direction  usbip.Direction
	Type       EndpointType
	Data       []byte // OUT payload, or IN buffer capacity via len(Data)
	Setup      [8]byte
	ISOPackets []usbip.IsoPacket

	// Flags carries the subset of client-requested transfer flags
	// the stub lets through (see stub.allowedTransferFlags): zero
	// packet termination on OUT bulk, short-packet-is-error on IN.
	// Neither the gousb backend nor MockDevice reads it.
	Flags uint32
}

// Device is the abstraction the stub engine drives: open one exported
// USB device, submit transfers against it asynchronously, and read
// back its static descriptor for the import handshake.
//
// Implementations must be safe for concurrent use: Submit may be
// called from the RX pipeline goroutine while a previously submitted
// transfer is still being waited on by the TX pipeline.
type Device interface {
	// Descriptor returns the static device descriptor.
	Descriptor() DeviceDesc

	// Submit starts an asynchronous transfer and returns a channel
	// that receives exactly one Result once the transfer completes,
	// is cancelled, or fails. ctx cancellation requests cancellation
	// of the underlying transfer; the Result still arrives on the
	// channel (with Outcome == OutcomeCancelled) rather than being
	// dropped, mirroring the real kernel driver's unlink semantics.
	// The gousb backend's control transfers do not observe ctx: they
	// run to completion and report their real outcome.
	Submit(ctx context.Context, xfer Transfer) (<-chan Result, error)

	// ClearHalt clears the halted condition on an endpoint.
	ClearHalt(endpoint int, in bool) error

	// SetInterface selects an alternate setting on an interface.
	SetInterface(iface, alt int) error

	// SetConfiguration selects a configuration.
	SetConfiguration(config int) error

	// Reset issues a USB port/device reset.
	Reset() error

	// Close releases the device handle.
	Close() error
}
