// Package keycode defines the canonical key and action model shared by the
// remapping engine, the compiled rule sets, and the platform layer.
//
// Key codes follow the Linux input-event numbering so that the Linux platform
// backend can pass codes through unchanged; other backends translate at the
// edge. The package is pure data: no behavior beyond name lookup.
package keycode

import "fmt"

// KeyCode identifies a physical or synthetic key.
//
// The zero value (KeyReserved) is never a valid mapping source or target.
type KeyCode uint16

// Key codes, numbered per linux/input-event-codes.h.
const (
	KeyReserved   KeyCode = 0
	KeyEsc        KeyCode = 1
	Key1          KeyCode = 2
	Key2          KeyCode = 3
	Key3          KeyCode = 4
	Key4          KeyCode = 5
	Key5          KeyCode = 6
	Key6          KeyCode = 7
	Key7          KeyCode = 8
	Key8          KeyCode = 9
	Key9          KeyCode = 10
	Key0          KeyCode = 11
	KeyMinus      KeyCode = 12
	KeyEqual      KeyCode = 13
	KeyBackspace  KeyCode = 14
	KeyTab        KeyCode = 15
	KeyQ          KeyCode = 16
	KeyW          KeyCode = 17
	KeyE          KeyCode = 18
	KeyR          KeyCode = 19
	KeyT          KeyCode = 20
	KeyY          KeyCode = 21
	KeyU          KeyCode = 22
	KeyI          KeyCode = 23
	KeyO          KeyCode = 24
	KeyP          KeyCode = 25
	KeyLeftBrace  KeyCode = 26
	KeyRightBrace KeyCode = 27
	KeyEnter      KeyCode = 28
	KeyLeftCtrl   KeyCode = 29
	KeyA          KeyCode = 30
	KeyS          KeyCode = 31
	KeyD          KeyCode = 32
	KeyF          KeyCode = 33
	KeyG          KeyCode = 34
	KeyH          KeyCode = 35
	KeyJ          KeyCode = 36
	KeyK          KeyCode = 37
	KeyL          KeyCode = 38
	KeySemicolon  KeyCode = 39
	KeyApostrophe KeyCode = 40
	KeyGrave      KeyCode = 41
	KeyLeftShift  KeyCode = 42
	KeyBackslash  KeyCode = 43
	KeyZ          KeyCode = 44
	KeyX          KeyCode = 45
	KeyC          KeyCode = 46
	KeyV          KeyCode = 47
	KeyB          KeyCode = 48
	KeyN          KeyCode = 49
	KeyM          KeyCode = 50
	KeyComma      KeyCode = 51
	KeyDot        KeyCode = 52
	KeySlash      KeyCode = 53
	KeyRightShift KeyCode = 54
	KeyKPAsterisk KeyCode = 55
	KeyLeftAlt    KeyCode = 56
	KeySpace      KeyCode = 57
	KeyCapsLock   KeyCode = 58
	KeyF1         KeyCode = 59
	KeyF2         KeyCode = 60
	KeyF3         KeyCode = 61
	KeyF4         KeyCode = 62
	KeyF5         KeyCode = 63
	KeyF6         KeyCode = 64
	KeyF7         KeyCode = 65
	KeyF8         KeyCode = 66
	KeyF9         KeyCode = 67
	KeyF10        KeyCode = 68
	KeyNumLock    KeyCode = 69
	KeyScrollLock KeyCode = 70
	KeyF11        KeyCode = 87
	KeyF12        KeyCode = 88
	KeyRightCtrl  KeyCode = 97
	KeySysRq      KeyCode = 99
	KeyRightAlt   KeyCode = 100
	KeyHome       KeyCode = 102
	KeyArrowUp    KeyCode = 103
	KeyPageUp     KeyCode = 104
	KeyLeft       KeyCode = 105
	KeyRight      KeyCode = 106
	KeyEnd        KeyCode = 107
	KeyArrowDown  KeyCode = 108
	KeyPageDown   KeyCode = 109
	KeyInsert     KeyCode = 110
	KeyDelete     KeyCode = 111
	KeyPause      KeyCode = 119
	KeyLeftMeta   KeyCode = 125
	KeyRightMeta  KeyCode = 126
	KeyCompose    KeyCode = 127
)

// MaxKeyCode bounds the key range the dispatcher and the virtual output
// device handle. Codes above it pass through untouched.
const MaxKeyCode KeyCode = 255

// keyNames maps codes to the symbolic names used by compiled rule artifacts.
var keyNames = map[KeyCode]string{
	KeyEsc: "ESC", Key1: "1", Key2: "2", Key3: "3", Key4: "4", Key5: "5",
	Key6: "6", Key7: "7", Key8: "8", Key9: "9", Key0: "0",
	KeyMinus: "MINUS", KeyEqual: "EQUAL", KeyBackspace: "BACKSPACE",
	KeyTab: "TAB",
	KeyQ:  "Q", KeyW: "W", KeyE: "E", KeyR: "R", KeyT: "T", KeyY: "Y",
	KeyU: "U", KeyI: "I", KeyO: "O", KeyP: "P",
	KeyLeftBrace: "LEFTBRACE", KeyRightBrace: "RIGHTBRACE", KeyEnter: "ENTER",
	KeyLeftCtrl: "LEFTCTRL",
	KeyA:        "A", KeyS: "S", KeyD: "D", KeyF: "F", KeyG: "G", KeyH: "H",
	KeyJ: "J", KeyK: "K", KeyL: "L",
	KeySemicolon: "SEMICOLON", KeyApostrophe: "APOSTROPHE", KeyGrave: "GRAVE",
	KeyLeftShift: "LEFTSHIFT", KeyBackslash: "BACKSLASH",
	KeyZ: "Z", KeyX: "X", KeyC: "C", KeyV: "V", KeyB: "B", KeyN: "N",
	KeyM: "M",
	KeyComma: "COMMA", KeyDot: "DOT", KeySlash: "SLASH",
	KeyRightShift: "RIGHTSHIFT", KeyKPAsterisk: "KPASTERISK",
	KeyLeftAlt: "LEFTALT", KeySpace: "SPACE", KeyCapsLock: "CAPSLOCK",
	KeyF1: "F1", KeyF2: "F2", KeyF3: "F3", KeyF4: "F4", KeyF5: "F5",
	KeyF6: "F6", KeyF7: "F7", KeyF8: "F8", KeyF9: "F9", KeyF10: "F10",
	KeyNumLock: "NUMLOCK", KeyScrollLock: "SCROLLLOCK",
	KeyF11: "F11", KeyF12: "F12",
	KeyRightCtrl: "RIGHTCTRL", KeySysRq: "SYSRQ", KeyRightAlt: "RIGHTALT",
	KeyHome: "HOME", KeyArrowUp: "UP", KeyPageUp: "PAGEUP", KeyLeft: "LEFT",
	KeyRight: "RIGHT", KeyEnd: "END", KeyArrowDown: "DOWN", KeyPageDown: "PAGEDOWN",
	KeyInsert: "INSERT", KeyDelete: "DELETE", KeyPause: "PAUSE",
	KeyLeftMeta: "LEFTMETA", KeyRightMeta: "RIGHTMETA", KeyCompose: "COMPOSE",
}

// keyCodes is the reverse of keyNames, built once at init.
var keyCodes = func() map[string]KeyCode {
	m := make(map[string]KeyCode, len(keyNames))
	for code, name := range keyNames {
		m[name] = code
	}
	return m
}()

// Name returns the symbolic name for a key code, or "KEY_<n>" for codes
// outside the named table (the engine forwards unknown codes untouched).
func (k KeyCode) Name() string {
	if name, ok := keyNames[k]; ok {
		return name
	}
	return fmt.Sprintf("KEY_%d", k)
}

// String implements fmt.Stringer.
func (k KeyCode) String() string { return k.Name() }

// FromName resolves a symbolic key name to its code.
func FromName(name string) (KeyCode, bool) {
	code, ok := keyCodes[name]
	return code, ok
}
