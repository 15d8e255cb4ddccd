package stub

import (
	"context"
	"fmt"
	"io"

	"github.com/usbip-go/usbipd-libusb/internal/hostusb"
	"github.com/usbip-go/usbipd-libusb/internal/usbip"
)

// RX reads PDUs off the client connection and drives the registry and
// device, the Go counterpart of stub_rx_loop/stub_rx_pdu. One RX runs
// per session, on its own goroutine; the caller is responsible for
// closing the connection to unblock a pending Read once the session
// ends.
type RX struct {
	Conn     io.Reader
	Device   hostusb.Device
	Registry *Registry
	Devid    uint32
	Log      func(format string, args ...interface{})

	// State returns the current device-usage state; SUBMIT/UNLINK
	// PDUs are discarded unless the device is in use, the
	// valid_request check the kernel stub driver gates requests on.
	State func() DeviceState

	// OnRemove is invoked once when a completion reports the device
	// gone, so the session can tear itself down instead of serving
	// -ESHUTDOWN to every subsequent request.
	OnRemove func()
}

// DeviceState mirrors the ud.status field valid_request consults.
type DeviceState int

// Device usage states.
const (
	StateIdle DeviceState = iota
	StateUsed
)

// Run reads and dispatches PDUs until the connection is closed or a
// framing error occurs, mirroring stub_rx_loop's for(;;) around
// stub_rx_pdu. A malformed frame ends the session: the kernel stub
// driver treats any unrecoverable read as cause to tear the whole
// connection down rather than try to resynchronize the stream.
func (rx *RX) Run() error {
	for {
		if err := rx.recvPDU(); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

func (rx *RX) recvPDU() error {
	h, err := usbip.DecodeBasicHeader(rx.Conn)
	if err != nil {
		return err
	}

	if h.Command == usbip.CmdNop {
		return nil
	}

	if h.Devid != rx.Devid || (rx.State != nil && rx.State() != StateUsed) {
		if rx.Log != nil {
			rx.Log("rx: invalid request devid=%#x (want %#x)", h.Devid, rx.Devid)
		}
		return rx.discardUnionFor(h)
	}

	switch h.Command {
	case usbip.CmdSubmit:
		return rx.recvSubmit(h)
	case usbip.CmdUnlink:
		return rx.recvUnlink(h)
	default:
		return fmt.Errorf("stub: unexpected command %#x on rx", uint32(h.Command))
	}
}

// discardUnionFor consumes the union (and any ISO trailer) of a PDU
// this session is rejecting, so the stream stays framed for the next
// PDU rather than desyncing.
func (rx *RX) discardUnionFor(h usbip.Header) error {
	switch h.Command {
	case usbip.CmdSubmit:
		u, err := usbip.DecodeSubmitUnion(rx.Conn)
		if err != nil {
			return err
		}
		if h.Direction == usbip.DirOut && u.TransferBufferLength > 0 {
			if _, err := io.CopyN(io.Discard, rx.Conn, int64(u.TransferBufferLength)); err != nil {
				return err
			}
		}
		if u.NumberOfPackets > 0 {
			if _, err := usbip.DecodeISOPackets(rx.Conn, int(u.NumberOfPackets)); err != nil {
				return err
			}
		}
		return nil
	case usbip.CmdUnlink:
		_, err := usbip.DecodeUnlinkUnion(rx.Conn)
		return err
	default:
		return fmt.Errorf("stub: unexpected command %#x on rx", uint32(h.Command))
	}
}

func (rx *RX) recvSubmit(h usbip.Header) error {
	u, err := usbip.DecodeSubmitUnion(rx.Conn)
	if err != nil {
		return err
	}

	var outData []byte
	if h.Direction == usbip.DirOut && u.TransferBufferLength > 0 {
		outData = make([]byte, u.TransferBufferLength)
		if _, err := io.ReadFull(rx.Conn, outData); err != nil {
			return err
		}
	}

	var isoIn []usbip.IsoPacket
	if u.NumberOfPackets > 0 {
		isoIn, err = usbip.DecodeISOPackets(rx.Conn, int(u.NumberOfPackets))
		if err != nil {
			return err
		}
		if sumISOLength(isoIn) != int(u.TransferBufferLength) {
			return fmt.Errorf("stub: iso packet lengths (%d) do not sum to transfer_buffer_length (%d)",
				sumISOLength(isoIn), u.TransferBufferLength)
		}
	}

	epType, known := epTypeForEndpoint(h.Ep, rx.Device)
	if !known {
		// An unknown endpoint completes with -EPIPE instead of being
		// silently dropped, so the client is never left waiting on a
		// seqnum that will never reply.
		rx.completeLocallyOutcome(h.Seqnum, h.Direction, usbip.OutcomeStall)
		return nil
	}

	// Special-request tweak: some control requests are serviced
	// locally instead of being forwarded to the device.
	if epType == hostusb.EndpointControl {
		outcome, terr := tweakSpecialRequest(rx.Device, u.Setup)
		if outcome == tweakHandled {
			rx.completeLocally(h.Seqnum, h.Direction, terr)
			return nil
		}
	}

	xferLen := int(u.TransferBufferLength)
	if h.Direction == usbip.DirIn {
		outData = make([]byte, xferLen)
	}

	xfer := hostusb.Transfer{
		Endpoint:   int(h.Ep),
		Direction:  h.Direction,
		Type:       epType,
		Data:       outData,
		Setup:      u.Setup,
		ISOPackets: isoIn,
		Flags:      allowedTransferFlags(epType, h.Direction == usbip.DirOut) & u.TransferFlags,
	}

	ctx, cancel := context.WithCancel(context.Background())
	results, err := rx.Device.Submit(ctx, xfer)
	if err != nil {
		cancel()
		rx.completeLocally(h.Seqnum, h.Direction, err)
		return nil
	}

	rx.Registry.Submit(h.Seqnum, h.Direction, u, cancel, results)

	go rx.awaitCompletion(h.Seqnum, results)

	return nil
}

// awaitCompletion blocks (on its own goroutine, one per in-flight
// transfer) for the hostusb.Result and moves the transfer from
// priv_init to priv_tx, exactly mirroring stub_complete's role as the
// boundary where a libusb callback thread hands control back under
// priv_lock. Using a goroutine per transfer rather than a single
// libusb event-handling thread is the idiomatic Go rendering: each
// Submit already returned its own channel, so there is no shared
// event loop to dispatch through.
func (rx *RX) awaitCompletion(seqnum uint32, results <-chan hostusb.Result) {
	result, ok := <-results
	if !ok {
		return
	}

	rx.Registry.Complete(seqnum, result)

	if result.Outcome == usbip.OutcomeNoDevice && rx.OnRemove != nil {
		rx.OnRemove()
	}
}

func (rx *RX) completeLocally(seqnum uint32, dir usbip.Direction, err error) {
	outcome := usbip.OutcomeCompleted
	if err != nil {
		outcome = usbip.OutcomeError
	}
	rx.completeLocallyOutcome(seqnum, dir, outcome)
}

// completeLocallyOutcome synthesizes a completed transfer without ever
// submitting it to the device, used by recvSubmit for the tweaker's
// short-circuit path, the unknown-endpoint case and a failed Submit.
func (rx *RX) completeLocallyOutcome(seqnum uint32, dir usbip.Direction, outcome usbip.Outcome) {
	done := make(chan hostusb.Result, 1)
	done <- hostusb.Result{Outcome: outcome}
	close(done)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rx.Registry.Submit(seqnum, dir, usbip.SubmitUnion{}, cancel, done)
	go rx.awaitCompletion(seqnum, done)
}

func (rx *RX) recvUnlink(h usbip.Header) error {
	u, err := usbip.DecodeUnlinkUnion(rx.Conn)
	if err != nil {
		return err
	}

	outcome := rx.Registry.Unlink(u.Seqnum, h.Seqnum)
	switch outcome {
	case UnlinkCancelled:
		// The RET_UNLINK is queued later, by Complete, once the
		// cancellation actually finishes the transfer and carries its
		// real completion status.
	case UnlinkNotFound:
		// Already completed (RET_SUBMIT in flight or sent) or never
		// existed; stub_recv_cmd_unlink acks both the same way.
		rx.Registry.QueueUnlinkReply(h.Seqnum, usbip.StatusUnlinkAlreadyDone)
	}

	return nil
}

func sumISOLength(packets []usbip.IsoPacket) int {
	total := 0
	for _, p := range packets {
		total += int(p.Length)
	}
	return total
}

// epTypeForEndpoint resolves ep's transfer type from the device's
// endpoint table, mirroring stub_priv_alloc's lookup. The second
// return value is false when ep names no endpoint this device exports.
func epTypeForEndpoint(ep uint32, dev hostusb.Device) (hostusb.EndpointType, bool) {
	if ep == 0 {
		return hostusb.EndpointControl, true
	}
	for _, e := range dev.Descriptor().Endpoints {
		if uint32(e.Number) == ep {
			return e.Type, true
		}
	}
	return 0, false
}
