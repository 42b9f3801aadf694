// Package layers tracks the set of currently active modifier layers for one
// device.
//
// Activation order is the only thing that matters: rule lookup walks the
// snapshot newest-first, so the most recently activated layer wins. Both
// Activate and Deactivate are idempotent no-ops when the layer is already in
// the requested state; devices race disconnects and profile switches, and a
// benign but inconsistent request must never panic.
package layers

import "keymapd/internal/keycode"

// Stack is the ordered set of active layers, most recently activated last.
//
// Stack is not safe for concurrent use on its own; the dispatch engine owns
// one per device and mutates it only under the device registry lock.
type Stack struct {
	active []keycode.LayerID
}

// Activate adds a layer to the top of the stack. Re-activating an already
// active layer is a no-op and does not change its position.
//
// Returns true if the stack changed.
func (s *Stack) Activate(id keycode.LayerID) bool {
	if s.Contains(id) {
		return false
	}
	s.active = append(s.active, id)
	return true
}

// Deactivate removes a layer regardless of its position. Deactivating a
// layer that is not active is a no-op.
//
// Returns true if the stack changed.
func (s *Stack) Deactivate(id keycode.LayerID) bool {
	for i, l := range s.active {
		if l == id {
			s.active = append(s.active[:i], s.active[i+1:]...)
			return true
		}
	}
	return false
}

// Toggle flips a layer's active state and reports whether it is now active.
func (s *Stack) Toggle(id keycode.LayerID) bool {
	if s.Deactivate(id) {
		return false
	}
	s.active = append(s.active, id)
	return true
}

// Contains reports whether the layer is active.
func (s *Stack) Contains(id keycode.LayerID) bool {
	for _, l := range s.active {
		if l == id {
			return true
		}
	}
	return false
}

// Snapshot returns a copy of the active set in activation order, most
// recently activated last. The copy is safe to hand to rule lookup while the
// stack keeps changing.
func (s *Stack) Snapshot() []keycode.LayerID {
	if len(s.active) == 0 {
		return nil
	}
	out := make([]keycode.LayerID, len(s.active))
	copy(out, s.active)
	return out
}

// Len returns the number of active layers.
func (s *Stack) Len() int { return len(s.active) }

// Clear deactivates every layer. Used when a device resets (profile switch,
// disconnect, suspend).
func (s *Stack) Clear() []keycode.LayerID {
	cleared := s.active
	s.active = nil
	return cleared
}
