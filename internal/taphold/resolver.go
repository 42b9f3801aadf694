// Package taphold implements the per-key state machine that decides whether
// a dual-action key press resolves to its tap action or its hold action.
//
// One Resolver exists per currently pressed tap-hold-bound key; the dispatch
// engine creates it on key-down and destroys it when the resolution has been
// fully emitted. The machine:
//
//	Idle ──press──▶ Pending ──threshold elapsed──▶ ResolvedHold
//	                   │
//	                   ├──release before threshold──▶ ResolvedTap
//	                   └──other key pressed─────────▶ ResolvedTap
//
// An interrupting key press forces tap: a key held only briefly relative to
// a following keystroke was just typing ("rolling"). Exact threshold
// equality resolves to hold, so marginal timing never produces an accidental
// tap.
//
// The threshold is never a sleeping timer. The engine checks elapsed time
// against the threshold on every subsequent event and on a periodic tick,
// keeping the dispatch path free of blocking waits and bounding state to one
// resolver per physically held key.
package taphold

import (
	"fmt"
	"time"

	"keymapd/internal/keycode"
)

// Phase is the resolver's state tag.
type Phase int

const (
	// Idle: no press in flight. Resolvers are only ever observed Idle
	// before their first transition.
	Idle Phase = iota
	// Pending: key is down, tap vs hold undecided.
	Pending
	// ResolvedTap: decided tap. The tap press/release pair is emitted
	// atomically with this transition, so the phase is only observed
	// transiently.
	ResolvedTap
	// ResolvedHold: decided hold; the hold layer stays active until the
	// physical release.
	ResolvedHold
)

// String implements fmt.Stringer.
func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Pending:
		return "pending"
	case ResolvedTap:
		return "resolved_tap"
	case ResolvedHold:
		return "resolved_hold"
	default:
		return "unknown"
	}
}

// Binding is the immutable dual-action definition a resolver executes.
type Binding struct {
	// Source is the physical key carrying the binding.
	Source keycode.KeyCode
	// Tap is the key emitted as a synthetic press/release pair on tap.
	Tap keycode.KeyCode
	// HoldLayer is the layer activated while the key is held.
	HoldLayer keycode.LayerID
	// Threshold separates tap from hold. Elapsed == Threshold is hold.
	Threshold time.Duration
}

// Resolver tracks one in-flight press of a tap-hold-bound key.
type Resolver struct {
	binding   Binding
	phase     Phase
	pressTime uint64
}

// NewResolver creates a resolver in Pending phase for a key that just went
// down at pressTime (monotonic microseconds).
func NewResolver(binding Binding, pressTime uint64) *Resolver {
	return &Resolver{
		binding:   binding,
		phase:     Pending,
		pressTime: pressTime,
	}
}

// Binding returns the resolver's dual-action definition.
func (r *Resolver) Binding() Binding { return r.binding }

// Phase returns the current state tag.
func (r *Resolver) Phase() Phase { return r.phase }

// PressTime returns the monotonic press timestamp in microseconds.
func (r *Resolver) PressTime() uint64 { return r.pressTime }

// Elapsed returns microseconds since the press, saturating at zero if now
// precedes the press (a platform clock hiccup, not a reason to panic).
func (r *Resolver) Elapsed(now uint64) uint64 {
	if now < r.pressTime {
		return 0
	}
	return now - r.pressTime
}

// ThresholdExpired reports whether the hold threshold has elapsed at now.
// Exact equality counts as expired: hold takes precedence at the boundary.
func (r *Resolver) ThresholdExpired(now uint64) bool {
	return r.Elapsed(now) >= uint64(r.binding.Threshold.Microseconds())
}

// ResolveHold transitions Pending → ResolvedHold. The caller emits the
// layer-activate action for Binding().HoldLayer.
func (r *Resolver) ResolveHold() error {
	if r.phase != Pending {
		return fmt.Errorf("taphold: resolve hold from %s", r.phase)
	}
	r.phase = ResolvedHold
	return nil
}

// ResolveTap transitions Pending → ResolvedTap. The caller emits the tap
// press/release pair and clears the resolver before processing any further
// event, so double emission is structurally impossible.
func (r *Resolver) ResolveTap() error {
	if r.phase != Pending {
		return fmt.Errorf("taphold: resolve tap from %s", r.phase)
	}
	r.phase = ResolvedTap
	return nil
}
