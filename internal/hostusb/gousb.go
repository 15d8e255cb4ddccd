package hostusb

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/gousb"

	"github.com/usbip-go/usbipd-libusb/internal/usbip"
)

// gousbDevice implements Device on top of google/gousb. Where raw
// libusb allocates a libusb_transfer and waits on a completion fed by
// a C callback, gousb's Read/WriteContext already block on a context
// — so Submit just runs that call on its own goroutine and funnels
// the result back through a Result channel, keeping the "one reply
// per submission, context cancels it" shape.
type gousbDevice struct {
	desc DeviceDesc

	ctx    *gousb.Context
	dev    *gousb.Device
	cfg    *gousb.Config
	ifaces map[int]*gousb.Interface

	mu sync.Mutex
}

// OpenGousb opens the device at desc.Addr via google/gousb and selects
// desc.ConfigValue. Interfaces are claimed lazily, on the first
// transfer to one of their endpoints.
func OpenGousb(guctx *gousb.Context, desc DeviceDesc) (Device, error) {
	devs, err := guctx.OpenDevices(func(d *gousb.DeviceDesc) bool {
		return int(d.Bus) == desc.Addr.Bus && int(d.Address) == desc.Addr.Address
	})
	if err != nil {
		return nil, fmt.Errorf("hostusb: enumerate: %w", err)
	}
	if len(devs) == 0 {
		return nil, ErrNoDevice
	}

	dev := devs[0]
	for _, extra := range devs[1:] {
		extra.Close()
	}

	cfg, err := dev.Config(desc.ConfigValue)
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("hostusb: set config %d: %w", desc.ConfigValue, err)
	}

	// The string descriptors need an open handle, so they are only
	// available from here on; enumeration leaves them empty.
	if s, err := dev.SerialNumber(); err == nil {
		desc.SerialNumber = s
	}
	if s, err := dev.Manufacturer(); err == nil {
		desc.Manufacturer = s
	}
	if s, err := dev.Product(); err == nil {
		desc.ProductName = s
	}

	return &gousbDevice{
		desc:   desc,
		ctx:    guctx,
		dev:    dev,
		cfg:    cfg,
		ifaces: make(map[int]*gousb.Interface),
	}, nil
}

func (d *gousbDevice) Descriptor() DeviceDesc { return d.desc }

func (d *gousbDevice) iface(num int) (*gousb.Interface, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if iface, ok := d.ifaces[num]; ok {
		return iface, nil
	}

	iface, err := d.cfg.Interface(num, 0)
	if err != nil {
		return nil, fmt.Errorf("hostusb: claim interface %d: %w", num, err)
	}
	d.ifaces[num] = iface
	return iface, nil
}

// Submit dispatches on the transfer type: control transfers go
// through Device.Control, everything else through a claimed
// interface's endpoint. gousb's Read/WriteContext handle isochronous
// endpoints too (its transfer layer sizes the iso packet array from
// the endpoint descriptor), but only surface the total transferred
// length — submitIso reconstructs the per-packet view around that.
func (d *gousbDevice) Submit(ctx context.Context, xfer Transfer) (<-chan Result, error) {
	result := make(chan Result, 1)

	switch xfer.Type {
	case EndpointControl:
		go d.submitControl(ctx, xfer, result)
	case EndpointIsochronous:
		go d.submitIso(ctx, xfer, result)
	default:
		go d.submitBulkOrInterrupt(ctx, xfer, result)
	}

	return result, nil
}

func (d *gousbDevice) submitControl(ctx context.Context, xfer Transfer, result chan<- Result) {
	defer close(result)

	bmRequestType := xfer.Setup[0]
	bRequest := xfer.Setup[1]
	wValue := uint16(xfer.Setup[2]) | uint16(xfer.Setup[3])<<8
	wIndex := uint16(xfer.Setup[4]) | uint16(xfer.Setup[5])<<8

	buf := xfer.Data
	n, err := d.dev.Control(bmRequestType, bRequest, wValue, wIndex, buf)
	result <- outcomeFromControlResult(n, buf, xfer.Direction, err)
}

func (d *gousbDevice) submitBulkOrInterrupt(ctx context.Context, xfer Transfer, result chan<- Result) {
	defer close(result)

	iface, err := d.iface(endpointInterfaceNumber(d.desc, xfer.Endpoint))
	if err != nil {
		result <- Result{Outcome: usbip.OutcomeError, Err: err}
		return
	}

	if xfer.Direction == usbip.DirOut {
		ep, err := iface.OutEndpoint(xfer.Endpoint)
		if err != nil {
			result <- Result{Outcome: usbip.OutcomeError, Err: err}
			return
		}
		n, err := ep.WriteContext(ctx, xfer.Data)
		result <- outcomeFromIOResult(n, nil, err)
		return
	}

	ep, err := iface.InEndpoint(xfer.Endpoint)
	if err != nil {
		result <- Result{Outcome: usbip.OutcomeError, Err: err}
		return
	}

	buf := make([]byte, len(xfer.Data))
	n, err := ep.ReadContext(ctx, buf)
	result <- outcomeFromIOResult(n, buf[:n], err)
}

// submitIso drives an isochronous endpoint through the same
// Read/WriteContext calls as bulk/interrupt and rebuilds the
// per-packet descriptor view from the total transferred length:
// gousb's transfer layer drives the iso packet machinery underneath
// but compacts the result to one contiguous byte count, so packet
// boundaries are reassigned in submission order, each packet taking
// up to its reserved length. Per-packet error statuses are not
// recoverable this way; a failed URB is reported through the overall
// transfer status instead.
func (d *gousbDevice) submitIso(ctx context.Context, xfer Transfer, result chan<- Result) {
	defer close(result)

	iface, err := d.iface(endpointInterfaceNumber(d.desc, xfer.Endpoint))
	if err != nil {
		result <- Result{Outcome: usbip.OutcomeError, Err: err}
		return
	}

	if xfer.Direction == usbip.DirOut {
		ep, err := iface.OutEndpoint(xfer.Endpoint)
		if err != nil {
			result <- Result{Outcome: usbip.OutcomeError, Err: err}
			return
		}
		n, err := ep.WriteContext(ctx, xfer.Data)
		result <- isoResult(outcomeFromIOResult(n, nil, err), xfer.ISOPackets, nil, n)
		return
	}

	ep, err := iface.InEndpoint(xfer.Endpoint)
	if err != nil {
		result <- Result{Outcome: usbip.OutcomeError, Err: err}
		return
	}

	buf := make([]byte, len(xfer.Data))
	n, err := ep.ReadContext(ctx, buf)
	result <- isoResult(outcomeFromIOResult(n, nil, err), xfer.ISOPackets, buf[:n], n)
}

// isoResult distributes a contiguous n-byte completion over the
// client-supplied packet descriptors, in order, and (for IN) lays the
// received bytes back out at each packet's reserved offset so the
// reply path's offset-based scatter-gather sees the padded buffer
// layout it expects.
func isoResult(r Result, packets []usbip.IsoPacket, received []byte, n int) Result {
	out := make([]usbip.IsoPacket, len(packets))

	var data []byte
	if received != nil {
		total := 0
		for _, p := range packets {
			total += int(p.Length)
		}
		data = make([]byte, total)
	}

	remaining := n
	off := 0
	for i, p := range packets {
		out[i] = p
		take := int(p.Length)
		if take > remaining {
			take = remaining
		}
		if received != nil && take > 0 {
			copy(data[int(p.Offset):int(p.Offset)+take], received[off:off+take])
		}
		out[i].ActualLength = uint32(take)
		out[i].Status = 0
		remaining -= take
		off += take
	}

	r.Data = data
	r.ISOPackets = out
	return r
}

func outcomeFromIOResult(n int, data []byte, err error) Result {
	if err == nil {
		return Result{Outcome: usbip.OutcomeCompleted, ActualLength: n, Data: data}
	}

	switch {
	case err == context.Canceled:
		return Result{Outcome: usbip.OutcomeCancelled, ActualLength: n, Data: data, Err: err}
	case err == context.DeadlineExceeded:
		return Result{Outcome: usbip.OutcomeTimedOut, ActualLength: n, Err: err}
	default:
		return Result{Outcome: classifyGousbError(err), ActualLength: n, Data: data, Err: err}
	}
}

func outcomeFromControlResult(n int, buf []byte, dir usbip.Direction, err error) Result {
	if err == nil {
		if dir == usbip.DirIn {
			return Result{Outcome: usbip.OutcomeCompleted, ActualLength: n, Data: buf[:n]}
		}
		return Result{Outcome: usbip.OutcomeCompleted, ActualLength: n}
	}
	return Result{Outcome: classifyGousbError(err), Err: err}
}

// classifyGousbError maps gousb's wrapped libusb error strings to an
// Outcome. gousb does not export typed sentinel errors for most
// libusb codes, so this matches the substrings libusb itself formats.
func classifyGousbError(err error) usbip.Outcome {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "pipe"), strings.Contains(msg, "stall"):
		return usbip.OutcomeStall
	case strings.Contains(msg, "no device"), strings.Contains(msg, "disconnected"):
		return usbip.OutcomeNoDevice
	case strings.Contains(msg, "overflow"):
		return usbip.OutcomeOverflow
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return usbip.OutcomeTimedOut
	default:
		return usbip.OutcomeError
	}
}

// endpointInterfaceNumber finds which interface exports the named
// endpoint number, so composite devices get their transfers routed to
// the interface that actually carries the endpoint. An endpoint the
// table doesn't know falls back to interface 0.
func endpointInterfaceNumber(desc DeviceDesc, ep int) int {
	for _, e := range desc.Endpoints {
		if e.Number == ep {
			return e.Interface
		}
	}
	return 0
}

func (d *gousbDevice) ClearHalt(endpoint int, in bool) error {
	addr := endpoint
	if in {
		addr |= 0x80
	}
	_, err := d.dev.Control(
		0x02, // USB_RECIP_ENDPOINT | USB_TYPE_STANDARD, host->device
		0x01, // CLEAR_FEATURE
		0x00, // ENDPOINT_HALT
		uint16(addr),
		nil,
	)
	return err
}

func (d *gousbDevice) SetInterface(iface, alt int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	i, err := d.cfg.Interface(iface, alt)
	if err != nil {
		return fmt.Errorf("hostusb: set interface %d alt %d: %w", iface, alt, err)
	}
	if old, ok := d.ifaces[iface]; ok {
		old.Close()
	}
	d.ifaces[iface] = i
	return nil
}

func (d *gousbDevice) SetConfiguration(config int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	cfg, err := d.dev.Config(config)
	if err != nil {
		return fmt.Errorf("hostusb: set configuration %d: %w", config, err)
	}
	d.cfg.Close()
	d.cfg = cfg
	d.ifaces = make(map[int]*gousb.Interface)
	return nil
}

func (d *gousbDevice) Reset() error {
	return d.dev.Reset()
}

func (d *gousbDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, iface := range d.ifaces {
		iface.Close()
	}
	d.cfg.Close()
	return d.dev.Close()
}
