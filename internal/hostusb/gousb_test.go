package hostusb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usbip-go/usbipd-libusb/internal/usbip"
)

func TestEndpointInterfaceNumber(t *testing.T) {
	desc := DeviceDesc{
		Endpoints: []EndpointDesc{
			{Number: 1, Interface: 0, Type: EndpointBulk},
			{Number: 2, Interface: 1, Type: EndpointBulk},
			{Number: 3, Interface: 2, Type: EndpointIsochronous},
		},
	}

	assert.Equal(t, 0, endpointInterfaceNumber(desc, 1))
	assert.Equal(t, 1, endpointInterfaceNumber(desc, 2))
	assert.Equal(t, 2, endpointInterfaceNumber(desc, 3))

	// Unknown endpoints fall back to interface 0.
	assert.Equal(t, 0, endpointInterfaceNumber(desc, 9))
}

// TestIsoResultRedistributesIn checks that a contiguous read is laid
// back out at each packet's reserved offset with per-packet actual
// lengths assigned in order: 250 bytes over 3 packets of 100 fill
// 100/100/50.
func TestIsoResultRedistributesIn(t *testing.T) {
	packets := []usbip.IsoPacket{
		{Offset: 0, Length: 100},
		{Offset: 100, Length: 100},
		{Offset: 200, Length: 100},
	}

	received := make([]byte, 250)
	for i := range received {
		received[i] = byte(i)
	}

	r := isoResult(Result{Outcome: usbip.OutcomeCompleted, ActualLength: 250},
		packets, received, 250)

	require.Len(t, r.ISOPackets, 3)
	assert.EqualValues(t, 100, r.ISOPackets[0].ActualLength)
	assert.EqualValues(t, 100, r.ISOPackets[1].ActualLength)
	assert.EqualValues(t, 50, r.ISOPackets[2].ActualLength)

	require.Len(t, r.Data, 300)
	assert.Equal(t, received[0:100], r.Data[0:100])
	assert.Equal(t, received[100:200], r.Data[100:200])
	assert.Equal(t, received[200:250], r.Data[200:250])
}

func TestIsoResultOutKeepsNoData(t *testing.T) {
	packets := []usbip.IsoPacket{
		{Offset: 0, Length: 64},
		{Offset: 64, Length: 64},
	}

	r := isoResult(Result{Outcome: usbip.OutcomeCompleted, ActualLength: 128},
		packets, nil, 128)

	require.Len(t, r.ISOPackets, 2)
	assert.EqualValues(t, 64, r.ISOPackets[0].ActualLength)
	assert.EqualValues(t, 64, r.ISOPackets[1].ActualLength)
	assert.Nil(t, r.Data)
}
