package platform

import (
	"context"
	"fmt"
	"sync"

	"keymapd/internal/keycode"
)

// Mock is an in-memory Platform for tests and the dry-run mode of the
// daemon. Tests push transitions in and observe injected actions.
type Mock struct {
	mu      sync.Mutex
	devices []Device
	opened  map[string]*MockCapture
}

// NewMock creates a mock platform exposing the given devices.
func NewMock(devices ...Device) *Mock {
	return &Mock{devices: devices, opened: make(map[string]*MockCapture)}
}

// Discover implements Platform.
func (m *Mock) Discover() ([]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Device, len(m.devices))
	copy(out, m.devices)
	return out, nil
}

// Open implements Platform.
func (m *Mock) Open(ctx context.Context, dev Device, grab bool) (Capture, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.opened[dev.ID]; ok {
		return nil, fmt.Errorf("platform: device %s already open", dev.ID)
	}
	c := &MockCapture{
		device:  dev,
		grabbed: grab,
		events:  make(chan keycode.Transition, 64),
	}
	m.opened[dev.ID] = c
	return c, nil
}

// Capture returns the open mock capture for a device id, if any.
func (m *Mock) Capture(id string) *MockCapture {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened[id]
}

// AddDevice makes a device discoverable, simulating hotplug.
func (m *Mock) AddDevice(dev Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices = append(m.devices, dev)
}

// MockCapture records injections and lets tests feed transitions.
type MockCapture struct {
	device  Device
	grabbed bool
	events  chan keycode.Transition

	mu        sync.Mutex
	injected  []keycode.OutputAction
	forwarded []keycode.Transition
	closed    bool
}

// Push feeds one hardware transition to the consumer.
func (c *MockCapture) Push(t keycode.Transition) {
	t.Device = c.device.ID
	c.events <- t
}

// Events implements Capture.
func (c *MockCapture) Events() <-chan keycode.Transition { return c.events }

// Inject implements Capture.
func (c *MockCapture) Inject(actions []keycode.OutputAction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("platform: capture closed")
	}
	c.injected = append(c.injected, actions...)
	return nil
}

// Forward implements Capture.
func (c *MockCapture) Forward(t keycode.Transition) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("platform: capture closed")
	}
	c.forwarded = append(c.forwarded, t)
	return nil
}

// Injected returns all injected actions so far.
func (c *MockCapture) Injected() []keycode.OutputAction {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]keycode.OutputAction, len(c.injected))
	copy(out, c.injected)
	return out
}

// Forwarded returns all forwarded transitions so far.
func (c *MockCapture) Forwarded() []keycode.Transition {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]keycode.Transition, len(c.forwarded))
	copy(out, c.forwarded)
	return out
}

// Grabbed reports whether the capture was opened exclusively.
func (c *MockCapture) Grabbed() bool { return c.grabbed }

// Close implements Capture.
func (c *MockCapture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}
