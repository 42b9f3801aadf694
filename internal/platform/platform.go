// Package platform abstracts keyboard capture and synthetic-event injection.
//
// The Linux implementation reads evdev devices with an exclusive grab and
// injects through a uinput virtual keyboard. The engine never sees platform
// details; it consumes Transitions and returns OutputActions.
package platform

import (
	"context"

	"keymapd/internal/keycode"
)

// Device identifies one discovered keyboard.
type Device struct {
	// ID is the stable identifier used in rule sets and the manifest,
	// e.g. "usb-Keychron_K2-event-kbd".
	ID string

	// Name is the human-readable device name.
	Name string

	// Path is the platform node, e.g. /dev/input/event3.
	Path string
}

// Capture is an open keyboard delivering transitions until closed.
type Capture interface {
	// Events yields hardware transitions. The channel closes on device
	// disconnect or Close.
	Events() <-chan keycode.Transition

	// Inject writes synthetic output actions to the virtual output device.
	Inject(actions []keycode.OutputAction) error

	// Forward re-emits a hardware transition unmodified, used for events
	// the engine does not suppress on grabbed devices.
	Forward(t keycode.Transition) error

	Close() error
}

// Platform discovers and opens keyboards.
type Platform interface {
	// Discover lists currently attached keyboards.
	Discover() ([]Device, error)

	// Open starts capturing a device. With grab, the device is held
	// exclusively so suppressed events cannot reach other readers.
	Open(ctx context.Context, dev Device, grab bool) (Capture, error)
}
