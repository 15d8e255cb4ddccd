package stub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usbip-go/usbipd-libusb/internal/hostusb"
)

func setupPacket(bmRequestType, bRequest byte, wValue, wIndex uint16) [8]byte {
	var s [8]byte
	s[0] = bmRequestType
	s[1] = bRequest
	s[2] = byte(wValue)
	s[3] = byte(wValue >> 8)
	s[4] = byte(wIndex)
	s[5] = byte(wIndex >> 8)
	return s
}

func TestTweakClearFeatureEndpointHalt(t *testing.T) {
	dev := hostusb.NewMockDevice(hostusb.DeviceDesc{})
	setup := setupPacket(0x02, reqClearFeature, featureEndpointHalt, 0x81)

	outcome, err := tweakSpecialRequest(dev, setup)
	require.NoError(t, err)
	assert.Equal(t, tweakHandled, outcome)
	require.Len(t, dev.ClearHaltCalls, 1)
	assert.Equal(t, 1, dev.ClearHaltCalls[0])
}

func TestTweakSetInterface(t *testing.T) {
	dev := hostusb.NewMockDevice(hostusb.DeviceDesc{})
	setup := setupPacket(0x01, reqSetInterface, 2, 0)

	outcome, err := tweakSpecialRequest(dev, setup)
	require.NoError(t, err)
	assert.Equal(t, tweakHandled, outcome)
	require.Len(t, dev.SetInterfaceCalls, 1)
	assert.Equal(t, [2]int{0, 2}, dev.SetInterfaceCalls[0])
}

func TestTweakSetConfigurationIsSkipped(t *testing.T) {
	dev := hostusb.NewMockDevice(hostusb.DeviceDesc{})
	setup := setupPacket(0x00, reqSetConfiguration, 1, 0)

	outcome, err := tweakSpecialRequest(dev, setup)
	require.NoError(t, err)
	assert.Equal(t, tweakHandled, outcome)
	assert.Empty(t, dev.SetConfigurationCalls)
}

func TestTweakResetDevicePortIsNoOp(t *testing.T) {
	dev := hostusb.NewMockDevice(hostusb.DeviceDesc{})
	// bmRequestType: host->device, class, recipient=OTHER (0x01<<5 | 0x03).
	setup := setupPacket(0x23, reqSetFeature, portFeatReset, 1)

	outcome, err := tweakSpecialRequest(dev, setup)
	require.NoError(t, err)
	assert.Equal(t, tweakHandled, outcome)
	assert.Equal(t, 0, dev.ResetCalls)
}

func TestTweakPassthroughForOtherRequests(t *testing.T) {
	dev := hostusb.NewMockDevice(hostusb.DeviceDesc{})
	setup := setupPacket(0x80, 0x06 /* GET_DESCRIPTOR */, 0x0100, 0)

	outcome, err := tweakSpecialRequest(dev, setup)
	require.NoError(t, err)
	assert.Equal(t, tweakPassthrough, outcome)
}

func TestAllowedTransferFlags(t *testing.T) {
	assert.Equal(t, flagZeroPacket, allowedTransferFlags(hostusb.EndpointBulk, true))
	assert.Equal(t, flagShortNotOK, allowedTransferFlags(hostusb.EndpointBulk, false))
	assert.Equal(t, uint32(0), allowedTransferFlags(hostusb.EndpointControl, true))
	assert.Equal(t, flagShortNotOK, allowedTransferFlags(hostusb.EndpointControl, false))
	// Isochronous IN never gets SHORT_NOT_OK: short ISO packets are
	// routine (the device simply filled less of the frame), not an error.
	assert.Equal(t, uint32(0), allowedTransferFlags(hostusb.EndpointIsochronous, false))
	assert.Equal(t, uint32(0), allowedTransferFlags(hostusb.EndpointIsochronous, true))
}
