package stub

import (
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/usbip-go/usbipd-libusb/internal/usbip"
)

// TX drains the registry's priv_tx and unlink_tx queues and writes
// RET_SUBMIT/RET_UNLINK PDUs to the client, the counterpart of
// stub_tx_loop/stub_send_ret_submit. One TX runs per session on its
// own goroutine.
type TX struct {
	Conn     io.Writer
	Registry *Registry
	Devid    uint32
	Log      func(format string, args ...interface{})

	initOnce sync.Once
	stopOnce sync.Once
	stop     chan struct{}
	count    int64 // atomic: PDUs written, for status/monitor rate reporting
}

// stopChan lazily creates the stop channel, so Stop is safe to call
// whether or not Run has started yet.
func (tx *TX) stopChan() chan struct{} {
	tx.initOnce.Do(func() { tx.stop = make(chan struct{}) })
	return tx.stop
}

// Count reports how many RET_SUBMIT/RET_UNLINK PDUs TX has written so far.
func (tx *TX) Count() int64 {
	return atomic.LoadInt64(&tx.count)
}

// Run drains the registry until Stop is called, blocking on
// Registry.Wake() between drains exactly as stub_tx_loop blocks on
// tx_waitq between wakeups.
func (tx *TX) Run() error {
	stop := tx.stopChan()

	for {
		if err := tx.drain(); err != nil {
			return err
		}

		select {
		case <-tx.Registry.Wake():
		case <-stop:
			return nil
		}
	}
}

// Stop ends Run's loop once the current drain completes.
func (tx *TX) Stop() {
	tx.stopOnce.Do(func() { close(tx.stopChan()) })
}

func (tx *TX) drain() error {
	for {
		if u, ok := tx.Registry.DequeueUnlink(); ok {
			if err := tx.sendRetUnlink(u); err != nil {
				return err
			}
			continue
		}

		p := tx.Registry.DequeueTx()
		if p == nil {
			return nil
		}

		if err := tx.sendRetSubmit(p); err != nil {
			return err
		}
	}
}

func (tx *TX) sendRetUnlink(u unlinkReply) error {
	h := usbip.Header{Command: usbip.RetUnlink, Seqnum: u.seqnum, Devid: tx.Devid}
	err := usbip.EncodeRetUnlink(tx.Conn, h, usbip.RetUnlinkUnion{Status: u.status})
	if err == nil {
		atomic.AddInt64(&tx.count, 1)
	}
	return err
}

// sendRetSubmit builds and writes the RET_SUBMIT for one completed
// transfer as a single scatter-gather write, mirroring
// setup_ret_submit_pdu + stub_send_ret_submit's iovec construction: the
// header, then (for a non-ISO IN transfer that produced data) the
// payload, then (for ISO, either direction) the per-packet descriptor
// trailer.
//
// IN ISO is the one case that needs real scatter-gather rather than a
// single contiguous slice: the wire carries only each packet's
// actual_length bytes back to back, skipping the padding between
// packets that the buffer reserves for the requested length.
func (tx *TX) sendRetSubmit(p *pending) error {
	result := p.result
	isISO := len(result.ISOPackets) > 0

	actualLength := result.ActualLength
	if isISO {
		actualLength = sumISOActualLength(result.ISOPackets)
	}

	h := usbip.Header{Command: usbip.RetSubmit, Seqnum: p.seqnum, Devid: tx.Devid, Direction: p.dir}
	u := usbip.RetSubmitUnion{
		Status:          usbip.StatusForOutcome(result.Outcome),
		ActualLength:    int32(actualLength),
		NumberOfPackets: int32(len(result.ISOPackets)),
	}
	if isISO {
		u.StartFrame = p.setup.StartFrame
		for _, pkt := range result.ISOPackets {
			if pkt.Status != 0 {
				u.ErrorCount++
			}
		}
	}

	header, err := usbip.EncodeRetSubmitBytes(h, u)
	if err != nil {
		return err
	}
	bufs := net.Buffers{header}

	if p.dir == usbip.DirIn && result.Outcome == usbip.OutcomeCompleted && actualLength > 0 {
		if isISO {
			for _, pkt := range result.ISOPackets {
				if pkt.ActualLength == 0 {
					continue
				}
				start := int(pkt.Offset)
				end := start + int(pkt.ActualLength)
				bufs = append(bufs, result.Data[start:end])
			}
		} else {
			bufs = append(bufs, result.Data[:actualLength])
		}
	}

	if isISO {
		trailer, err := usbip.EncodeISOPacketsBytes(result.ISOPackets)
		if err != nil {
			return err
		}
		bufs = append(bufs, trailer)
	}

	if _, err := bufs.WriteTo(tx.Conn); err != nil {
		return err
	}

	atomic.AddInt64(&tx.count, 1)
	return nil
}

func sumISOActualLength(packets []usbip.IsoPacket) int {
	total := 0
	for _, p := range packets {
		total += int(p.ActualLength)
	}
	return total
}
