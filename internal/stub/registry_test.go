package stub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usbip-go/usbipd-libusb/internal/hostusb"
	"github.com/usbip-go/usbipd-libusb/internal/usbip"
)

func TestRegistrySubmitCompleteDequeue(t *testing.T) {
	r := NewRegistry()
	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	results := make(chan hostusb.Result, 1)
	r.Submit(1, usbip.DirIn, usbip.SubmitUnion{}, cancel, results)

	initLen, txLen, _ := r.Len()
	assert.Equal(t, 1, initLen)
	assert.Equal(t, 0, txLen)

	ok := r.Complete(1, hostusb.Result{Outcome: usbip.OutcomeCompleted})
	require.True(t, ok)

	initLen, txLen, _ = r.Len()
	assert.Equal(t, 0, initLen)
	assert.Equal(t, 1, txLen)

	select {
	case <-r.Wake():
	default:
		t.Fatal("expected TX to be woken after Complete")
	}

	got := r.DequeueTx()
	require.NotNil(t, got)
	assert.Equal(t, uint32(1), got.seqnum)
	assert.Nil(t, r.DequeueTx())
}

// TestUnlinkDominance verifies Testable Property 3: once a seqnum is
// unlinked while still in priv_init, the eventual completion must
// produce exactly one reply — a RET_UNLINK carrying the unlink
// request's own seqnum, never a RET_SUBMIT for the original seqnum.
func TestUnlinkDominance(t *testing.T) {
	r := NewRegistry()
	cancelled := false
	_, cancelFn := context.WithCancel(context.Background())
	cancel := func() { cancelled = true; cancelFn() }

	results := make(chan hostusb.Result, 1)
	r.Submit(5, usbip.DirOut, usbip.SubmitUnion{}, cancel, results)

	outcome := r.Unlink(5, 99)
	assert.Equal(t, UnlinkCancelled, outcome)
	assert.True(t, cancelled)

	// No reply queued yet: the registry waits for the real completion.
	_, ok := r.DequeueUnlink()
	assert.False(t, ok)

	ok = r.Complete(5, hostusb.Result{Outcome: usbip.OutcomeCancelled})
	require.True(t, ok)

	// The transfer must not have been queued as a RET_SUBMIT.
	assert.Nil(t, r.DequeueTx())

	u, ok := r.DequeueUnlink()
	require.True(t, ok)
	assert.Equal(t, uint32(99), u.seqnum)
	assert.Equal(t, usbip.StatusForOutcome(usbip.OutcomeCancelled), u.status)
}

// TestLateUnlink verifies the "already completing" race: if a
// CMD_UNLINK arrives after the transfer already moved to priv_tx, the
// unlink must not remove it from priv_tx (the RET_SUBMIT still goes
// out), matching stub_recv_cmd_unlink's fallthrough branch — it
// doesn't distinguish "already in priv_tx" from "never existed",
// reporting UnlinkNotFound for both.
func TestLateUnlink(t *testing.T) {
	r := NewRegistry()
	_, cancel := context.WithCancel(context.Background())
	results := make(chan hostusb.Result, 1)

	r.Submit(7, usbip.DirIn, usbip.SubmitUnion{}, cancel, results)
	ok := r.Complete(7, hostusb.Result{Outcome: usbip.OutcomeCompleted})
	require.True(t, ok)

	outcome := r.Unlink(7, 100)
	assert.Equal(t, UnlinkNotFound, outcome)

	p := r.DequeueTx()
	require.NotNil(t, p)
	assert.Equal(t, uint32(7), p.seqnum)
}

func TestUnlinkNotFound(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, UnlinkNotFound, r.Unlink(123, 1))
}

// TestQueuePartitionInvariant checks that at any point a seqnum
// appears in at most one of priv_init/priv_tx.
func TestQueuePartitionInvariant(t *testing.T) {
	r := NewRegistry()
	_, cancel := context.WithCancel(context.Background())
	results := make(chan hostusb.Result, 1)

	r.Submit(1, usbip.DirIn, usbip.SubmitUnion{}, cancel, results)
	initLen, txLen, _ := r.Len()
	assert.Equal(t, 1, initLen+txLen)

	r.Complete(1, hostusb.Result{Outcome: usbip.OutcomeCompleted})
	initLen, txLen, _ = r.Len()
	assert.Equal(t, 1, initLen+txLen)

	r.DequeueTx()
	initLen, txLen, _ = r.Len()
	assert.Equal(t, 0, initLen+txLen)
}

func TestDrainCancelsOutstanding(t *testing.T) {
	r := NewRegistry()
	cancelled := 0
	for i := uint32(1); i <= 3; i++ {
		_, cancelFn := context.WithCancel(context.Background())
		cancel := func() { cancelled++; cancelFn() }
		results := make(chan hostusb.Result, 1)
		r.Submit(i, usbip.DirOut, usbip.SubmitUnion{}, cancel, results)
	}

	r.Drain()
	assert.Equal(t, 3, cancelled)

	initLen, txLen, unlinkLen := r.Len()
	assert.Equal(t, 0, initLen)
	assert.Equal(t, 0, txLen)
	assert.Equal(t, 0, unlinkLen)
}
