package stub

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usbip-go/usbipd-libusb/internal/hostusb"
	"github.com/usbip-go/usbipd-libusb/internal/usbip"
)

// TestSendRetSubmitISOInSkipsPadding verifies Testable Property/S6: an
// IN isochronous completion must emit only each packet's actual_length
// bytes back to back on the wire, never the padded region between
// packets that the receive buffer reserved for the requested length.
func TestSendRetSubmitISOInSkipsPadding(t *testing.T) {
	data := make([]byte, 400) // 3 packets of up to 100 bytes, padded to 100 each in the buffer
	for i := range data {
		data[i] = byte(i)
	}

	packets := []usbip.IsoPacket{
		{Offset: 0, Length: 100, ActualLength: 100},
		{Offset: 100, Length: 100, ActualLength: 40},
		{Offset: 200, Length: 100, ActualLength: 60},
	}

	p := &pending{
		seqnum: 42,
		dir:    usbip.DirIn,
		result: hostusb.Result{
			Outcome:    usbip.OutcomeCompleted,
			Data:       data,
			ISOPackets: packets,
		},
	}

	var buf bytes.Buffer
	tx := &TX{Conn: &buf, Devid: 0x10002}
	require.NoError(t, tx.sendRetSubmit(p))

	h, err := usbip.DecodeBasicHeader(&buf)
	require.NoError(t, err)
	assert.Equal(t, usbip.RetSubmit, h.Command)
	assert.Equal(t, uint32(42), h.Seqnum)

	var union [28]byte
	_, err = buf.Read(union[:])
	require.NoError(t, err)
	actualLength := int32(union[4])<<24 | int32(union[5])<<16 | int32(union[6])<<8 | int32(union[7])
	assert.EqualValues(t, 200, actualLength) // 100 + 40 + 60

	payload := make([]byte, 200)
	_, err = buf.Read(payload)
	require.NoError(t, err)
	assert.Equal(t, data[0:100], payload[0:100])
	assert.Equal(t, data[100:140], payload[100:140])
	assert.Equal(t, data[200:260], payload[140:200])

	trailer := make([]byte, usbip.IsoPacketDescSize*3)
	_, err = buf.Read(trailer)
	require.NoError(t, err)
	assert.Zero(t, buf.Len())
}
