package hostusb

import (
	"context"
	"sync"

	"github.com/usbip-go/usbipd-libusb/internal/usbip"
)

// MockDevice is an in-memory Device used by internal/stub's tests in
// place of real hardware. Each call is recorded and the next queued
// response consumed, so a test can script exact outcomes (stalls,
// cancellation races, short reads) that would be impractical to force
// from a physical device.
type MockDevice struct {
	desc DeviceDesc

	mu        sync.Mutex
	responses map[int][]Result // keyed by endpoint number, FIFO per endpoint
	delay     map[int]chan struct{}

	ClearHaltCalls        []int
	SetInterfaceCalls     [][2]int
	SetConfigurationCalls []int
	ResetCalls            int
	Closed                bool
}

// NewMockDevice builds a mock exporting desc.
func NewMockDevice(desc DeviceDesc) *MockDevice {
	return &MockDevice{
		desc:      desc,
		responses: make(map[int][]Result),
		delay:     make(map[int]chan struct{}),
	}
}

// QueueResult arranges for the next Submit on endpoint to resolve with
// result once released (see Hold/Release), or immediately if nothing
// is held.
func (m *MockDevice) QueueResult(endpoint int, result Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[endpoint] = append(m.responses[endpoint], result)
}

// Hold makes the next Submit on endpoint block until Release is
// called, so a test can exercise the CMD_UNLINK race against an
// in-flight transfer.
func (m *MockDevice) Hold(endpoint int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay[endpoint] = make(chan struct{})
}

// Release unblocks a transfer previously paused with Hold.
func (m *MockDevice) Release(endpoint int) {
	m.mu.Lock()
	ch, ok := m.delay[endpoint]
	delete(m.delay, endpoint)
	m.mu.Unlock()
	if ok {
		close(ch)
	}
}

func (m *MockDevice) Descriptor() DeviceDesc { return m.desc }

func (m *MockDevice) Submit(ctx context.Context, xfer Transfer) (<-chan Result, error) {
	result := make(chan Result, 1)

	m.mu.Lock()
	hold := m.delay[xfer.Endpoint]
	var next Result
	if q := m.responses[xfer.Endpoint]; len(q) > 0 {
		next = q[0]
		m.responses[xfer.Endpoint] = q[1:]
	} else {
		next = Result{Outcome: usbip.OutcomeCompleted, ActualLength: len(xfer.Data)}
	}
	m.mu.Unlock()

	go func() {
		defer close(result)
		if hold != nil {
			select {
			case <-hold:
			case <-ctx.Done():
				result <- Result{Outcome: usbip.OutcomeCancelled, Err: ctx.Err()}
				return
			}
		}

		select {
		case <-ctx.Done():
			result <- Result{Outcome: usbip.OutcomeCancelled, Err: ctx.Err()}
		default:
			result <- next
		}
	}()

	return result, nil
}

func (m *MockDevice) ClearHalt(endpoint int, in bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ClearHaltCalls = append(m.ClearHaltCalls, endpoint)
	return nil
}

func (m *MockDevice) SetInterface(iface, alt int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SetInterfaceCalls = append(m.SetInterfaceCalls, [2]int{iface, alt})
	return nil
}

func (m *MockDevice) SetConfiguration(config int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SetConfigurationCalls = append(m.SetConfigurationCalls, config)
	return nil
}

func (m *MockDevice) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ResetCalls++
	return nil
}

func (m *MockDevice) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}
