// Package stub implements the device-side USB/IP session: the
// transfer registry, the RX/TX pipelines that drive it, and the
// special-request tweaker. It is the Go rendering of the kernel
// stub driver's stub_device / stub_priv / stub_unlink state machine,
// replacing the C version's intrusive list_head queues under a
// pthread mutex with maps and slices under a sync.Mutex, and its
// wait-queue signalling with a channel.
package stub

import (
	"context"
	"sync"

	"github.com/usbip-go/usbipd-libusb/internal/hostusb"
	"github.com/usbip-go/usbipd-libusb/internal/usbip"
)

// pending is the Go analogue of struct stub_priv: the bookkeeping the
// registry keeps for one in-flight or completed-but-unsent SUBMIT.
type pending struct {
	seqnum    uint32
	dir       usbip.Direction
	cancel    context.CancelFunc
	results   <-chan hostusb.Result
	setup     usbip.SubmitUnion
	unlinking bool
	result    hostusb.Result
}

// unlinkReply is the Go analogue of struct stub_unlink: a RET_UNLINK
// waiting to be sent, either for a CMD_UNLINK whose target was no
// longer in priv_init, or for an unlinked transfer whose completion
// Complete has just reaped.
type unlinkReply struct {
	seqnum uint32
	status int32
}

// Registry is the transfer table a single stub session owns, guarded
// by one mutex exactly like the kernel stub driver's priv_lock: every
// transition between the "submitted" (init) and "completed but unsent"
// (tx) states takes this lock, so a transfer is never in both. A
// transfer leaves the registry when TX dequeues it for sending, or,
// if it was unlinked, when Complete turns it into a RET_UNLINK on
// unlinkTx; there is no separate "sent" queue.
type Registry struct {
	mu sync.Mutex

	init map[uint32]*pending // priv_init: submitted, not yet completed
	tx   []*pending          // priv_tx: completed, reply not yet sent

	unlinkTx []unlinkReply // unlink_tx: RET_UNLINK replies not yet sent

	wake chan struct{} // replaces tx_waitq: signals TX there is work
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		init: make(map[uint32]*pending),
		wake: make(chan struct{}, 1),
	}
}

// Wake returns the channel TX selects on to learn there may be new
// work in priv_tx or unlink_tx. It never blocks the signaler: the
// channel is buffered by one and a full buffer means TX is already
// due to wake, exactly as a condvar broadcast that beat the waiter to
// the lock would be a no-op.
func (r *Registry) Wake() <-chan struct{} {
	return r.wake
}

func (r *Registry) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Submit records a newly submitted transfer in priv_init. It mirrors
// stub_priv_alloc: allocate, set seqnum/dir, add to priv_init, all
// under priv_lock.
func (r *Registry) Submit(seqnum uint32, dir usbip.Direction, setup usbip.SubmitUnion, cancel context.CancelFunc, results <-chan hostusb.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.init[seqnum] = &pending{
		seqnum:  seqnum,
		dir:     dir,
		cancel:  cancel,
		results: results,
		setup:   setup,
	}
}

// Complete moves a transfer from priv_init to priv_tx once its
// hostusb.Result has arrived, mirroring stub_complete's
// list_move_tail(&priv->list, &sdev->priv_tx) under priv_lock,
// followed by waking stub_tx_loop.
//
// If the record was marked unlinking (a CMD_UNLINK raced this
// completion while it was still in priv_init), it is instead reaped
// directly and a RET_UNLINK carrying this completion's status is
// queued on unlink_tx under p.seqnum, which mark_unlinking already
// rewrote to the CMD_UNLINK's own seqnum — the SUBMIT reply is
// suppressed entirely, exactly as stub_complete's priv->unlinking
// branch does.
//
// Returns false if the seqnum is not in priv_init (a result arriving
// more than once, which must never happen, but Complete stays
// idempotent defensively since it is the one callback boundary crossed
// from outside the priv lock's normal caller).
func (r *Registry) Complete(seqnum uint32, result hostusb.Result) bool {
	r.mu.Lock()
	p, ok := r.init[seqnum]
	if !ok {
		r.mu.Unlock()
		return false
	}

	delete(r.init, seqnum)
	p.result = result

	if p.unlinking {
		r.unlinkTx = append(r.unlinkTx, unlinkReply{seqnum: p.seqnum, status: usbip.StatusForOutcome(result.Outcome)})
	} else {
		r.tx = append(r.tx, p)
	}
	r.mu.Unlock()

	r.signal()
	return true
}

// DequeueTx removes and returns the oldest completed transfer waiting
// to be sent as a RET_SUBMIT, mirroring dequeue_from_priv_tx's
// list_first_entry + list_del under priv_lock. Returns nil if nothing
// is queued.
func (r *Registry) DequeueTx() *pending {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.tx) == 0 {
		return nil
	}

	p := r.tx[0]
	r.tx = r.tx[1:]
	return p
}

// DequeueUnlink removes and returns the oldest pending RET_UNLINK
// reply, mirroring dequeue_from_unlink_tx.
func (r *Registry) DequeueUnlink() (unlinkReply, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.unlinkTx) == 0 {
		return unlinkReply{}, false
	}

	u := r.unlinkTx[0]
	r.unlinkTx = r.unlinkTx[1:]
	return u, true
}

// UnlinkOutcome is what an Unlink call found.
type UnlinkOutcome int

// Outcomes of attempting to unlink a seqnum.
const (
	// UnlinkNotFound: the seqnum names no transfer in priv_init. It
	// may already have completed (moved to priv_tx or already sent) or
	// never have existed; stub_recv_cmd_unlink does not distinguish
	// the two, so neither does this. The caller must queue a
	// successful (status 0) RET_UNLINK reply immediately.
	UnlinkNotFound UnlinkOutcome = iota
	// UnlinkCancelled: the transfer was still in priv_init; it has
	// been marked unlinking and cancelled. No reply is queued here —
	// Complete will queue the RET_UNLINK, carrying the real
	// completion status, once the cancellation actually finishes the
	// transfer through the normal completion path.
	UnlinkCancelled
)

// Unlink implements stub_recv_cmd_unlink's search-and-cancel: mirrors
// the C version's mark_unlinking(priv, unlinkSeqnum) followed by
// libusb_cancel_transfer outside the lock. unlinkSeqnum is the seqnum
// of the CMD_UNLINK request itself, which replaces the record's
// seqnum so the eventual RET_UNLINK correlates to the unlink request,
// not the original SUBMIT.
func (r *Registry) Unlink(seqnum, unlinkSeqnum uint32) UnlinkOutcome {
	r.mu.Lock()
	p, ok := r.init[seqnum]
	if !ok {
		r.mu.Unlock()
		return UnlinkNotFound
	}

	p.unlinking = true
	p.seqnum = unlinkSeqnum
	r.mu.Unlock()

	p.cancel()
	return UnlinkCancelled
}

// QueueUnlinkReply enqueues a RET_UNLINK reply onto unlink_tx and
// wakes TX, mirroring stub_enqueue_ret_unlink.
func (r *Registry) QueueUnlinkReply(seqnum uint32, status int32) {
	r.mu.Lock()
	r.unlinkTx = append(r.unlinkTx, unlinkReply{seqnum: seqnum, status: status})
	r.mu.Unlock()
	r.signal()
}

// Drain empties priv_init (cancelling every outstanding transfer),
// priv_tx and unlink_tx, for session teardown — the Go counterpart of
// stub_device_cleanup_transfers/stub_device_cleanup_unlinks.
func (r *Registry) Drain() {
	r.mu.Lock()
	inits := make([]*pending, 0, len(r.init))
	for _, p := range r.init {
		inits = append(inits, p)
	}
	r.init = make(map[uint32]*pending)
	r.tx = nil
	r.unlinkTx = nil
	r.mu.Unlock()

	for _, p := range inits {
		p.cancel()
	}
}

// Len reports queue depths, for status reporting and tests.
func (r *Registry) Len() (initLen, txLen, unlinkLen int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.init), len(r.tx), len(r.unlinkTx)
}
