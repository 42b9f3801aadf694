package keycode

import "fmt"

// Direction is the physical transition direction of a key.
type Direction int

const (
	// Down is a key press.
	Down Direction = iota
	// Up is a key release.
	Up
)

// String implements fmt.Stringer.
func (d Direction) String() string {
	if d == Down {
		return "down"
	}
	return "up"
}

// Transition is one hardware key transition as delivered by the platform
// hook. Timestamp is monotonic microseconds from the platform's event clock;
// the engine never calls time.Now on the dispatch path.
//
// Synthetic marks transitions that originate from the engine's own injected
// output. The platform layer sets it for events it injected itself so that
// the engine never re-interprets its own output as new hardware input.
type Transition struct {
	Device    string
	Key       KeyCode
	Direction Direction
	Timestamp uint64
	Synthetic bool
}

// ActionKind discriminates OutputAction variants. The set is closed: the
// engine emits nothing else, and consumers are expected to switch
// exhaustively.
type ActionKind int

const (
	// KeyDown presses the synthetic key in Key.
	KeyDown ActionKind = iota
	// KeyUp releases the synthetic key in Key.
	KeyUp
	// LayerActivate reports that the layer in Layer became active.
	LayerActivate
	// LayerDeactivate reports that the layer in Layer became inactive.
	LayerDeactivate
)

// String implements fmt.Stringer.
func (k ActionKind) String() string {
	switch k {
	case KeyDown:
		return "key_down"
	case KeyUp:
		return "key_up"
	case LayerActivate:
		return "layer_activate"
	case LayerDeactivate:
		return "layer_deactivate"
	default:
		return "unknown"
	}
}

// LayerID names a modifier layer within a rule set. IDs 0-254 are valid;
// 255 is reserved and rejected at validation time.
type LayerID uint8

// MaxLayerID is the highest valid layer ID.
const MaxLayerID LayerID = 254

// OutputAction is one emittable effect produced by the engine. Key is set
// for KeyDown/KeyUp, Layer for LayerActivate/LayerDeactivate. Timestamp is
// the logical timestamp of the transition that produced the action.
//
// Every OutputAction is synthetic by construction: the platform layer must
// flag injected events so they are not re-intercepted, and the engine never
// feeds an OutputAction back through rule resolution.
type OutputAction struct {
	Kind      ActionKind
	Key       KeyCode
	Layer     LayerID
	Timestamp uint64
}

// String implements fmt.Stringer.
func (a OutputAction) String() string {
	switch a.Kind {
	case KeyDown, KeyUp:
		return fmt.Sprintf("%s(%s)", a.Kind, a.Key)
	default:
		return fmt.Sprintf("%s(L%d)", a.Kind, a.Layer)
	}
}

// KeyAction builds a KeyDown or KeyUp action mirroring the given direction.
func KeyAction(dir Direction, key KeyCode, ts uint64) OutputAction {
	kind := KeyDown
	if dir == Up {
		kind = KeyUp
	}
	return OutputAction{Kind: kind, Key: key, Timestamp: ts}
}
