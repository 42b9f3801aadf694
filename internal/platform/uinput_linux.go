//go:build linux

package platform

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"keymapd/internal/keycode"
)

// uinput ioctl numbers.
const (
	uiSetEvbit   = 0x40045564 // _IOW('U', 100, int)
	uiSetKeybit  = 0x40045565 // _IOW('U', 101, int)
	uiDevCreate  = 0x5501     // _IO('U', 1)
	uiDevDestroy = 0x5502     // _IO('U', 2)
)

// uinputUserDevSize is sizeof(struct uinput_user_dev): 80-byte name, input_id
// (4 u16), ff_effects_max, and four 64-entry s32 abs arrays.
const uinputUserDevSize = 80 + 8 + 4 + 4*64*4

const outputDeviceName = "keymapd virtual keyboard"

// uinputDevice is the shared virtual keyboard all captures inject through.
type uinputDevice struct {
	file *os.File
}

// newUinputDevice creates the virtual keyboard, enabling every key code the
// engine can emit.
func newUinputDevice() (*uinputDevice, error) {
	f, err := os.OpenFile("/dev/uinput", os.O_WRONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("platform: open /dev/uinput: %w", err)
	}

	fd := int(f.Fd())
	if err := unix.IoctlSetInt(fd, uiSetEvbit, evKey); err != nil {
		f.Close()
		return nil, fmt.Errorf("platform: enable EV_KEY: %w", err)
	}
	if err := unix.IoctlSetInt(fd, uiSetEvbit, evSyn); err != nil {
		f.Close()
		return nil, fmt.Errorf("platform: enable EV_SYN: %w", err)
	}
	for code := 1; code <= int(keycode.MaxKeyCode); code++ {
		if err := unix.IoctlSetInt(fd, uiSetKeybit, code); err != nil {
			f.Close()
			return nil, fmt.Errorf("platform: enable key %d: %w", code, err)
		}
	}

	setup := make([]byte, uinputUserDevSize)
	copy(setup, outputDeviceName)
	// input_id: bustype BUS_VIRTUAL (0x06), vendor/product/version zero.
	binary.LittleEndian.PutUint16(setup[80:82], 0x06)
	if _, err := f.Write(setup); err != nil {
		f.Close()
		return nil, fmt.Errorf("platform: uinput setup: %w", err)
	}
	if err := unix.IoctlSetInt(fd, uiDevCreate, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("platform: create uinput device: %w", err)
	}

	return &uinputDevice{file: f}, nil
}

// inject emits output actions as key events. Layer actions are state-only
// and produce no wire events.
func (u *uinputDevice) inject(actions []keycode.OutputAction) error {
	for _, a := range actions {
		switch a.Kind {
		case keycode.KeyDown:
			if err := u.writeKey(a.Key, true); err != nil {
				return err
			}
		case keycode.KeyUp:
			if err := u.writeKey(a.Key, false); err != nil {
				return err
			}
		}
	}
	return nil
}

// writeKey emits one key event followed by a SYN_REPORT.
func (u *uinputDevice) writeKey(key keycode.KeyCode, down bool) error {
	var value int32
	if down {
		value = 1
	}
	buf := make([]byte, inputEventSize*2)
	encodeEvent(buf[0:], evKey, uint16(key), value)
	encodeEvent(buf[inputEventSize:], evSyn, 0, 0)
	if _, err := u.file.Write(buf); err != nil {
		return fmt.Errorf("platform: inject: %w", err)
	}
	return nil
}

// encodeEvent fills one struct input_event; the kernel stamps the time.
func encodeEvent(buf []byte, typ, code uint16, value int32) {
	binary.LittleEndian.PutUint16(buf[16:18], typ)
	binary.LittleEndian.PutUint16(buf[18:20], code)
	binary.LittleEndian.PutUint32(buf[20:24], uint32(value))
}

// Close destroys the virtual device.
func (u *uinputDevice) Close() error {
	unix.IoctlSetInt(int(u.file.Fd()), uiDevDestroy, 0)
	return u.file.Close()
}
