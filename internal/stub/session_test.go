package stub

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usbip-go/usbipd-libusb/internal/hostusb"
	"github.com/usbip-go/usbipd-libusb/internal/usbip"
)

func testDeviceDesc() hostusb.DeviceDesc {
	return hostusb.DeviceDesc{
		Addr:    hostusb.Addr{Bus: 1, Address: 2},
		Vendor:  0x1234,
		Product: 0x5678,
		Endpoints: []hostusb.EndpointDesc{
			{Number: 1, Direction: usbip.DirIn, Type: hostusb.EndpointBulk},
			{Number: 2, Direction: usbip.DirOut, Type: hostusb.EndpointBulk},
		},
	}
}

// writeSubmit writes a CMD_SUBMIT PDU with no data payload and no ISO
// packets onto conn, returning once written.
func writeSubmit(t *testing.T, conn net.Conn, devid, seqnum, ep uint32, dir usbip.Direction, length int32) {
	t.Helper()

	var basic [20]byte
	putU32 := func(b []byte, v uint32) {
		b[0] = byte(v >> 24)
		b[1] = byte(v >> 16)
		b[2] = byte(v >> 8)
		b[3] = byte(v)
	}
	putU32(basic[0:4], uint32(usbip.CmdSubmit))
	putU32(basic[4:8], seqnum)
	putU32(basic[8:12], devid)
	putU32(basic[12:16], uint32(dir))
	putU32(basic[16:20], ep)

	var union [28]byte
	putU32(union[4:8], uint32(length))

	_, err := conn.Write(append(basic[:], union[:]...))
	require.NoError(t, err)
}

func readRetSubmit(t *testing.T, conn net.Conn) (usbip.Header, usbip.RetSubmitUnion, []byte) {
	t.Helper()

	h, err := usbip.DecodeBasicHeader(conn)
	require.NoError(t, err)
	require.Equal(t, usbip.RetSubmit, h.Command)

	var union [28]byte
	_, err = fullRead(conn, union[:])
	require.NoError(t, err)

	be32 := func(b []byte) int32 {
		return int32(uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]))
	}
	u := usbip.RetSubmitUnion{
		Status:          be32(union[0:4]),
		ActualLength:    be32(union[4:8]),
		StartFrame:      be32(union[8:12]),
		NumberOfPackets: be32(union[12:16]),
		ErrorCount:      be32(union[16:20]),
	}

	var data []byte
	if u.ActualLength > 0 {
		data = make([]byte, u.ActualLength)
		_, err = fullRead(conn, data)
		require.NoError(t, err)
	}

	return h, u, data
}

func fullRead(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestSessionSubmitInCompletesRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	dev := hostusb.NewMockDevice(testDeviceDesc())
	dev.QueueResult(1, hostusb.Result{Outcome: usbip.OutcomeCompleted, ActualLength: 4, Data: []byte{1, 2, 3, 4}})

	sess := NewSession(server, dev, 0x00010002, nil)
	go sess.Run()

	writeSubmit(t, client, 0x00010002, 42, 1, usbip.DirIn, 64)

	_, u, data := readRetSubmit(t, client)
	assert.EqualValues(t, 0, u.Status)
	assert.EqualValues(t, 4, u.ActualLength)
	assert.Equal(t, []byte{1, 2, 3, 4}, data)
}

func TestSessionUnlinkBeforeCompletion(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	dev := hostusb.NewMockDevice(testDeviceDesc())
	dev.Hold(2)

	sess := NewSession(server, dev, 0x00010002, nil)
	go sess.Run()

	writeSubmit(t, client, 0x00010002, 1, 2, usbip.DirOut, 0)

	time.Sleep(10 * time.Millisecond)

	var basic [20]byte
	putU32 := func(b []byte, v uint32) {
		b[0] = byte(v >> 24)
		b[1] = byte(v >> 16)
		b[2] = byte(v >> 8)
		b[3] = byte(v)
	}
	putU32(basic[0:4], uint32(usbip.CmdUnlink))
	putU32(basic[4:8], 2)
	putU32(basic[8:12], 0x00010002)

	var union [28]byte
	putU32(union[0:4], 1)

	_, err := client.Write(append(basic[:], union[:]...))
	require.NoError(t, err)

	h, err := usbip.DecodeBasicHeader(client)
	require.NoError(t, err)
	assert.Equal(t, usbip.RetUnlink, h.Command)
	assert.Equal(t, uint32(2), h.Seqnum)

	var retUnion [28]byte
	_, err = fullRead(client, retUnion[:])
	require.NoError(t, err)
	status := int32(uint32(retUnion[0])<<24 | uint32(retUnion[1])<<16 | uint32(retUnion[2])<<8 | uint32(retUnion[3]))
	assert.Equal(t, usbip.StatusUnlinkSuccess, status)
}

func TestSessionDeviceGoneEndsSession(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	dev := hostusb.NewMockDevice(testDeviceDesc())
	dev.QueueResult(1, hostusb.Result{Outcome: usbip.OutcomeNoDevice})

	sess := NewSession(server, dev, 0x00010002, nil)
	done := make(chan error, 1)
	go func() { done <- sess.Run() }()

	writeSubmit(t, client, 0x00010002, 9, 1, usbip.DirIn, 8)

	// Once the completion reports the device gone, the session must
	// tear itself down; the client observes the connection closing
	// (any replies already in flight may or may not make it out first).
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 512)
	for {
		if _, err := client.Read(buf); err != nil {
			require.ErrorIs(t, err, io.EOF)
			break
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not exit after device removal")
	}
	assert.True(t, dev.Closed)
}

func TestDiscardRejectsWrongDevid(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	dev := hostusb.NewMockDevice(testDeviceDesc())
	sess := NewSession(server, dev, 0x00010002, nil)
	go sess.Run()

	// Different devid entirely: should be discarded, not crash the
	// session or desync the stream.
	writeSubmit(t, client, 0xdeadbeef, 1, 1, usbip.DirOut, 0)

	// A well-formed submit for the right devid must still work after.
	dev.QueueResult(1, hostusb.Result{Outcome: usbip.OutcomeCompleted, ActualLength: 0})
	writeSubmit(t, client, 0x00010002, 2, 1, usbip.DirOut, 0)

	h, u, _ := readRetSubmit(t, client)
	assert.Equal(t, uint32(2), h.Seqnum)
	assert.EqualValues(t, 0, u.Status)
}
