package engine

import "keymapd/internal/keycode"

// Event is what the engine publishes per processed transition: the input,
// the resulting output actions, the suppression decision, and the
// active-layer snapshot after processing.
type Event struct {
	Device       string
	Transition   keycode.Transition
	Actions      []keycode.OutputAction
	Suppressed   bool
	ActiveLayers []keycode.LayerID
	// Sequence is the device's monotonic event counter at publish time.
	Sequence uint64
	// TimeoutTick marks events produced by the periodic timeout check
	// rather than a hardware transition.
	TimeoutTick bool
}

// Broadcaster consumes the engine's output stream for observability.
//
// Publish is called from the dispatch goroutine after the engine lock is
// released. Implementations must return immediately: drop rather than block,
// and never retry synchronously. A publication failure must never propagate
// back into dispatch.
type Broadcaster interface {
	Publish(Event)
}
