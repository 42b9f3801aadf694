//go:build linux

package platform

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"keymapd/internal/keycode"
	"keymapd/internal/logging"
)

// EVIOCGRAB is _IOW('E', 0x90, int): exclusive access to an evdev node.
const eviocgrab = 0x40044590

const (
	evSyn = 0x00
	evKey = 0x01

	keyRelease    = 0
	keyPress      = 1
	keyAutorepeat = 2
)

// inputEventSize is sizeof(struct input_event) on 64-bit Linux.
const inputEventSize = 24

// Linux is the evdev/uinput Platform.
type Linux struct {
	// now supplies monotonic microsecond timestamps, normally the engine
	// clock so capture and timeout checks share a timebase.
	now func() uint64
	log *logging.Logger

	output *uinputDevice
}

// NewLinux creates the Linux platform. The uinput output device is created
// lazily on first Open.
func NewLinux(now func() uint64, log *logging.Logger) *Linux {
	if log == nil {
		log = logging.Default()
	}
	return &Linux{now: now, log: log.WithComponent("platform")}
}

// Discover implements Platform by parsing /proc/bus/input/devices.
func (p *Linux) Discover() ([]Device, error) {
	f, err := os.Open("/proc/bus/input/devices")
	if err != nil {
		return nil, fmt.Errorf("platform: %w", err)
	}
	defer f.Close()
	return parseDeviceList(f)
}

// parseDeviceList reads the /proc/bus/input/devices format: blocks separated
// by blank lines, with N: (name), H: (handlers), and B: KEY= (capability)
// lines. A device with an event handler and a non-trivial key bitmap is a
// keyboard.
func parseDeviceList(r io.Reader) ([]Device, error) {
	var devices []Device

	var name, handler string
	var hasKeys bool
	flush := func() {
		if hasKeys && handler != "" {
			devices = append(devices, Device{
				ID:   deviceID(name, handler),
				Name: name,
				Path: "/dev/input/" + handler,
			})
		}
		name, handler, hasKeys = "", "", false
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "N: Name="):
			name = strings.Trim(strings.TrimPrefix(line, "N: Name="), `"`)
		case strings.HasPrefix(line, "H: Handlers="):
			for _, part := range strings.Fields(strings.TrimPrefix(line, "H: Handlers=")) {
				if strings.HasPrefix(part, "event") {
					handler = part
				}
			}
		case strings.HasPrefix(line, "B: KEY="):
			// Pointer buttons alone produce a short bitmap; real keyboards
			// carry many key bits.
			hasKeys = len(strings.TrimPrefix(line, "B: KEY=")) > 24
		case line == "":
			flush()
		}
	}
	flush()
	return devices, scanner.Err()
}

// deviceID prefers the stable /dev/input/by-id name, falling back to a
// sanitized device name plus handler.
func deviceID(name, handler string) string {
	target := "../" + handler
	matches, _ := filepath.Glob("/dev/input/by-id/*")
	for _, m := range matches {
		if link, err := os.Readlink(m); err == nil && link == target {
			return filepath.Base(m)
		}
	}
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, name)
	return sanitized + "-" + handler
}

// Open implements Platform.
func (p *Linux) Open(ctx context.Context, dev Device, grab bool) (Capture, error) {
	f, err := os.OpenFile(dev.Path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("platform: open %s: %w", dev.Path, err)
	}

	if grab {
		if err := unix.IoctlSetInt(int(f.Fd()), eviocgrab, 1); err != nil {
			f.Close()
			return nil, fmt.Errorf("platform: grab %s: %w", dev.Path, err)
		}
	}

	if p.output == nil {
		out, err := newUinputDevice()
		if err != nil {
			f.Close()
			return nil, err
		}
		p.output = out
	}

	c := &linuxCapture{
		device:  dev,
		file:    f,
		grabbed: grab,
		output:  p.output,
		now:     p.now,
		log:     p.log,
		events:  make(chan keycode.Transition, 128),
		done:    make(chan struct{}),
	}
	go c.readLoop(ctx)

	p.log.Info("device opened", "device", dev.ID, "path", dev.Path, "grab", grab)
	return c, nil
}

// Close releases the shared output device.
func (p *Linux) Close() error {
	if p.output != nil {
		return p.output.Close()
	}
	return nil
}

type linuxCapture struct {
	device  Device
	file    *os.File
	grabbed bool
	output  *uinputDevice
	now     func() uint64
	log     *logging.Logger

	events chan keycode.Transition
	done   chan struct{}
}

func (c *linuxCapture) Events() <-chan keycode.Transition { return c.events }

func (c *linuxCapture) readLoop(ctx context.Context) {
	defer close(c.events)
	defer close(c.done)

	buf := make([]byte, inputEventSize*16)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := c.file.Read(buf)
		if err != nil {
			// Disconnect or Close; the consumer sees the channel close.
			return
		}
		for off := 0; off+inputEventSize <= n; off += inputEventSize {
			typ := binary.LittleEndian.Uint16(buf[off+16 : off+18])
			code := binary.LittleEndian.Uint16(buf[off+18 : off+20])
			value := int32(binary.LittleEndian.Uint32(buf[off+20 : off+24]))

			if typ != evKey || value == keyAutorepeat {
				continue
			}
			dir := keycode.Up
			if value == keyPress {
				dir = keycode.Down
			}
			t := keycode.Transition{
				Device:    c.device.ID,
				Key:       keycode.KeyCode(code),
				Direction: dir,
				Timestamp: c.now(),
			}
			select {
			case c.events <- t:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *linuxCapture) Inject(actions []keycode.OutputAction) error {
	return c.output.inject(actions)
}

func (c *linuxCapture) Forward(t keycode.Transition) error {
	return c.output.writeKey(t.Key, t.Direction == keycode.Down)
}

func (c *linuxCapture) Close() error {
	if c.grabbed {
		unix.IoctlSetInt(int(c.file.Fd()), eviocgrab, 0)
	}
	err := c.file.Close()
	<-c.done
	return err
}
