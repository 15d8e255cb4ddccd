package hostusb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usbip-go/usbipd-libusb/internal/usbip"
)

func TestMockDeviceSubmitImmediate(t *testing.T) {
	dev := NewMockDevice(DeviceDesc{})
	dev.QueueResult(1, Result{Outcome: usbip.OutcomeCompleted, ActualLength: 3, Data: []byte{1, 2, 3}})

	ch, err := dev.Submit(context.Background(), Transfer{Endpoint: 1, Direction: usbip.DirIn})
	require.NoError(t, err)

	select {
	case r := <-ch:
		assert.Equal(t, usbip.OutcomeCompleted, r.Outcome)
		assert.Equal(t, 3, r.ActualLength)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for result")
	}
}

func TestMockDeviceCancellationWhileHeld(t *testing.T) {
	dev := NewMockDevice(DeviceDesc{})
	dev.Hold(2)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := dev.Submit(ctx, Transfer{Endpoint: 2, Direction: usbip.DirOut})
	require.NoError(t, err)

	cancel()

	select {
	case r := <-ch:
		assert.Equal(t, usbip.OutcomeCancelled, r.Outcome)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cancellation result")
	}
}

func TestMockDeviceRelease(t *testing.T) {
	dev := NewMockDevice(DeviceDesc{})
	dev.Hold(3)
	dev.QueueResult(3, Result{Outcome: usbip.OutcomeCompleted, ActualLength: 1})

	ch, err := dev.Submit(context.Background(), Transfer{Endpoint: 3, Direction: usbip.DirIn})
	require.NoError(t, err)

	dev.Release(3)

	select {
	case r := <-ch:
		assert.Equal(t, usbip.OutcomeCompleted, r.Outcome)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for release")
	}
}

func TestMockDeviceTweakCalls(t *testing.T) {
	dev := NewMockDevice(DeviceDesc{})
	require.NoError(t, dev.ClearHalt(1, true))
	require.NoError(t, dev.SetInterface(0, 1))
	require.NoError(t, dev.SetConfiguration(1))
	require.NoError(t, dev.Reset())
	require.NoError(t, dev.Close())

	assert.Equal(t, []int{1}, dev.ClearHaltCalls)
	assert.Equal(t, [][2]int{{0, 1}}, dev.SetInterfaceCalls)
	assert.Equal(t, []int{1}, dev.SetConfigurationCalls)
	assert.Equal(t, 1, dev.ResetCalls)
	assert.True(t, dev.Closed)
}
