// Package engine implements the remap dispatch engine: the single writer of
// per-device runtime state, driven by hardware key transitions and producing
// synthetic output actions plus a suppression decision per transition.
//
// Concurrency model: the platform hook delivers transitions on its own
// callback goroutine, which may differ from the goroutine that initialized
// the daemon. All device state therefore lives behind one process-wide
// mutex-guarded engine (see registry.go) rather than any goroutine-local
// structure. Process holds the lock for the minimum critical section and
// performs no I/O, no logging, and no blocking waits while it is held;
// anything slow (artifact loading, profile activation, broadcasting) happens
// off the dispatch path and only swaps in finished RuleSet references.
//
// Anti-cascade rule: output actions are synthetic and are never fed back
// through rule resolution. Synthetic transitions (the platform re-reading
// the engine's own injections) pass through untouched. Remap chains are
// flattened at load time by the ruleset package, so dispatch is a single
// bounded resolution pass.
package engine

import (
	"sync"
	"sync/atomic"

	"keymapd/internal/keycode"
	"keymapd/internal/layers"
	"keymapd/internal/ruleset"
	"keymapd/internal/taphold"
)

// pressKind records why a physical key-down was accepted, so the matching
// key-up is handled consistently even if the layer set changed in between.
type pressKind int

const (
	pressSimple pressKind = iota
	pressTapHold
	pressLayerHold
	pressLayerToggle
	pressPassthrough
)

// pressRecord tracks one physically held key from its down to its up.
type pressRecord struct {
	kind pressKind
	// outputs are the synthetic keys emitted on press (pressSimple). The
	// release emits their key-ups in reverse order regardless of the
	// current layer set.
	outputs []keycode.KeyCode
	// layer is the layer touched on press (pressLayerHold).
	layer keycode.LayerID
	// tapDone marks a tap-hold press whose tap pair was already fully
	// emitted (interruption or quick release); the physical key-up is
	// absorbed silently.
	tapDone bool
	// suppressed mirrors the suppression decision of the down event, so
	// duplicate downs and the matching up answer consistently.
	suppressed bool
}

// deviceState is the mutable runtime state for one device. Only the engine
// mutates it, and only under the engine lock.
type deviceState struct {
	// rules is the active compiled program, nil in pass-through mode.
	// Swapped wholesale on profile switch, captured once per Process call.
	rules *ruleset.RuleSet

	layers    layers.Stack
	resolvers map[keycode.KeyCode]*taphold.Resolver
	pressed   map[keycode.KeyCode]*pressRecord

	// events counts transitions processed for this device.
	events uint64
}

func newDeviceState(rules *ruleset.RuleSet) *deviceState {
	return &deviceState{
		rules:     rules,
		resolvers: make(map[keycode.KeyCode]*taphold.Resolver),
		pressed:   make(map[keycode.KeyCode]*pressRecord),
	}
}

// reset clears all transient state: active layers, pending resolvers, and
// pressed-key tracking. Used on profile switch, device removal, and
// suspend/session-lock resets.
func (ds *deviceState) reset() {
	ds.layers.Clear()
	ds.resolvers = make(map[keycode.KeyCode]*taphold.Resolver)
	ds.pressed = make(map[keycode.KeyCode]*pressRecord)
}

// Stats are the engine's dispatch counters. All fields are atomics so they
// can be read by the metrics exporter without taking the engine lock.
type Stats struct {
	Transitions     atomic.Uint64
	Synthetic       atomic.Uint64
	PassThrough     atomic.Uint64
	Suppressed      atomic.Uint64
	OutputActions   atomic.Uint64
	TapResolutions  atomic.Uint64
	HoldResolutions atomic.Uint64
	Malformed       atomic.Uint64
	DuplicateDowns  atomic.Uint64
}

// Engine owns all per-device dispatch state.
type Engine struct {
	mu      sync.Mutex
	devices map[string]*deviceState
	clock   taphold.Clock

	broadcaster atomic.Pointer[broadcasterHolder]

	stats Stats
}

// broadcasterHolder lets the Broadcaster be swapped atomically without
// widening the dispatch critical section.
type broadcasterHolder struct{ b Broadcaster }

// New creates an engine with the given clock. Production code uses the
// process-wide engine from Global instead.
func New(clock taphold.Clock) *Engine {
	return &Engine{
		devices: make(map[string]*deviceState),
		clock:   clock,
	}
}

// Stats returns the engine's dispatch counters.
func (e *Engine) Stats() *Stats { return &e.stats }

// SetBroadcaster installs the observability sink. Publishing is best-effort
// and happens after the dispatch lock is released.
func (e *Engine) SetBroadcaster(b Broadcaster) {
	e.broadcaster.Store(&broadcasterHolder{b: b})
}

// Activate atomically swaps in a new rule set for a device, creating its
// state if the device has not been seen. Transient state (layers, pending
// resolvers, pressed keys) is reset so no stale resolution can reference the
// outgoing program. Concurrent Process calls observe either the old or the
// new rule set in full.
func (e *Engine) Activate(deviceID string, rs *ruleset.RuleSet) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ds, ok := e.devices[deviceID]
	if !ok {
		e.devices[deviceID] = newDeviceState(rs)
		return
	}
	ds.rules = rs
	ds.reset()
}

// Deactivate puts a device into pass-through mode and clears its state.
// Deactivating an unknown device is a no-op.
func (e *Engine) Deactivate(deviceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ds, ok := e.devices[deviceID]; ok {
		ds.rules = nil
		ds.reset()
	}
}

// Remove forgets a device entirely (disconnect).
func (e *Engine) Remove(deviceID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.devices, deviceID)
}

// Reset clears transient state for every device while keeping the active
// rule sets. Called on suspend and session lock so held layers and pending
// resolvers cannot stick across a gap in the event stream.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ds := range e.devices {
		ds.reset()
	}
}

// Process handles one hardware key transition and returns the synthetic
// output actions to inject, in emission order, plus whether the original
// hardware event must be suppressed. The caller injects the actions without
// reordering.
//
// Process never blocks and never panics on malformed input: a key-up with no
// matching key-down and a duplicate key-down are no-ops.
func (e *Engine) Process(t keycode.Transition) ([]keycode.OutputAction, bool) {
	e.stats.Transitions.Add(1)

	// Synthetic transitions are the engine's own output coming back around
	// through the platform. They are forwarded untouched: no resolver
	// creation, no rule lookup, no chaining.
	if t.Synthetic {
		e.stats.Synthetic.Add(1)
		return nil, false
	}

	e.mu.Lock()
	actions, suppress, ev := e.processLocked(t)
	e.mu.Unlock()

	e.stats.OutputActions.Add(uint64(len(actions)))
	if suppress {
		e.stats.Suppressed.Add(1)
	}
	e.publish(ev)
	return actions, suppress
}

// processLocked runs steps 1-4 of dispatch under the engine lock. It
// returns the broadcast event (zero-valued Device means nothing to publish).
func (e *Engine) processLocked(t keycode.Transition) ([]keycode.OutputAction, bool, Event) {
	ds, ok := e.devices[t.Device]
	if !ok || ds.rules == nil {
		// Pass-through: no rule set loaded for this device.
		e.stats.PassThrough.Add(1)
		return nil, false, Event{}
	}

	// Capture the rule set reference once; a concurrent profile switch can
	// not be observed as a torn read for the rest of this call.
	rules := ds.rules
	ds.events++

	var actions []keycode.OutputAction

	// Threshold expiry strictly precedes interruption: a resolver whose
	// threshold elapsed before this transition's timestamp resolved to
	// hold first in event-time order.
	actions = e.expirePending(ds, t.Timestamp, actions)

	// Interruption: a down of a different key forces every still-pending
	// resolver to tap, in press order, before the new key is processed.
	if t.Direction == keycode.Down {
		actions = e.interruptPending(ds, t.Key, t.Timestamp, actions)
	}

	var suppress bool
	if t.Direction == keycode.Down {
		actions, suppress = e.processDown(ds, rules, t, actions)
	} else {
		actions, suppress = e.processUp(ds, t, actions)
	}

	ev := Event{
		Device:       t.Device,
		Transition:   t,
		Actions:      actions,
		Suppressed:   suppress,
		ActiveLayers: ds.layers.Snapshot(),
		Sequence:     ds.events,
	}
	return actions, suppress, ev
}

// expirePending resolves to hold every pending resolver whose threshold has
// elapsed at now. The emitted layer-activate carries the logical expiry
// timestamp (press time + threshold), not now, so tick jitter does not show
// up in the output stream.
func (e *Engine) expirePending(ds *deviceState, now uint64, actions []keycode.OutputAction) []keycode.OutputAction {
	for _, key := range pendingByPressOrder(ds) {
		r := ds.resolvers[key]
		if !r.ThresholdExpired(now) {
			continue
		}
		if r.ResolveHold() != nil {
			continue
		}
		e.stats.HoldResolutions.Add(1)
		b := r.Binding()
		expiry := r.PressTime() + uint64(b.Threshold.Microseconds())
		if ds.layers.Activate(b.HoldLayer) {
			actions = append(actions, keycode.OutputAction{
				Kind:      keycode.LayerActivate,
				Layer:     b.HoldLayer,
				Timestamp: expiry,
			})
		}
	}
	return actions
}

// interruptPending forces every pending resolver except interrupting to
// resolve tap, emitting each tap's press/release pair in press order. The
// physical key stays held, so its record is marked tapDone and the eventual
// hardware release is absorbed without further output.
func (e *Engine) interruptPending(ds *deviceState, interrupting keycode.KeyCode, ts uint64, actions []keycode.OutputAction) []keycode.OutputAction {
	for _, key := range pendingByPressOrder(ds) {
		if key == interrupting {
			continue
		}
		r := ds.resolvers[key]
		if r.Phase() != taphold.Pending {
			continue
		}
		if r.ResolveTap() != nil {
			continue
		}
		e.stats.TapResolutions.Add(1)
		tap := r.Binding().Tap
		actions = append(actions,
			keycode.OutputAction{Kind: keycode.KeyDown, Key: tap, Timestamp: ts},
			keycode.OutputAction{Kind: keycode.KeyUp, Key: tap, Timestamp: ts},
		)
		delete(ds.resolvers, key)
		if rec, ok := ds.pressed[key]; ok {
			rec.tapDone = true
		}
	}
	return actions
}

// pendingByPressOrder returns the keys of pending resolvers ordered by press
// timestamp, so multi-key interleavings resolve deterministically.
func pendingByPressOrder(ds *deviceState) []keycode.KeyCode {
	if len(ds.resolvers) == 0 {
		return nil
	}
	keys := make([]keycode.KeyCode, 0, len(ds.resolvers))
	for key, r := range ds.resolvers {
		if r.Phase() == taphold.Pending {
			keys = append(keys, key)
		}
	}
	// Insertion sort: the set is bounded by physically held keys and is
	// almost always of length one.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && ds.resolvers[keys[j]].PressTime() < ds.resolvers[keys[j-1]].PressTime(); j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}

// processDown classifies and executes a physical key press.
func (e *Engine) processDown(ds *deviceState, rules *ruleset.RuleSet, t keycode.Transition, actions []keycode.OutputAction) ([]keycode.OutputAction, bool) {
	// Duplicate-press suppression: a second down for a still-pressed key
	// (typematic repeat or a confused driver) is a no-op that mirrors the
	// first down's suppression decision.
	if rec, held := ds.pressed[t.Key]; held {
		e.stats.DuplicateDowns.Add(1)
		return actions, rec.suppressed
	}

	res := rules.Resolve(ds.layers.Snapshot(), t.Key)
	if !res.Found {
		e.stats.PassThrough.Add(1)
		ds.pressed[t.Key] = &pressRecord{kind: pressPassthrough}
		return actions, false
	}

	switch m := res.Mapping; m.Kind {
	case ruleset.MapSimple:
		if m.To == t.Key {
			// Identity remap: nothing to synthesize, nothing to hide.
			e.stats.PassThrough.Add(1)
			ds.pressed[t.Key] = &pressRecord{kind: pressPassthrough}
			return actions, false
		}
		ds.pressed[t.Key] = &pressRecord{
			kind:       pressSimple,
			outputs:    []keycode.KeyCode{m.To},
			suppressed: true,
		}
		actions = append(actions, keycode.KeyAction(keycode.Down, m.To, t.Timestamp))
		return actions, true

	case ruleset.MapTapHold:
		ds.resolvers[t.Key] = taphold.NewResolver(taphold.Binding{
			Source:    t.Key,
			Tap:       m.Tap,
			HoldLayer: m.Layer,
			Threshold: m.Threshold,
		}, t.Timestamp)
		ds.pressed[t.Key] = &pressRecord{kind: pressTapHold, suppressed: true}
		// No output yet: the press is withheld until tap or hold resolves.
		return actions, true

	case ruleset.MapLayerHold:
		ds.pressed[t.Key] = &pressRecord{kind: pressLayerHold, layer: m.Layer, suppressed: true}
		if ds.layers.Activate(m.Layer) {
			actions = append(actions, keycode.OutputAction{
				Kind:      keycode.LayerActivate,
				Layer:     m.Layer,
				Timestamp: t.Timestamp,
			})
		}
		return actions, true

	case ruleset.MapLayerToggle:
		ds.pressed[t.Key] = &pressRecord{kind: pressLayerToggle, layer: m.Layer, suppressed: true}
		kind := keycode.LayerDeactivate
		if ds.layers.Toggle(m.Layer) {
			kind = keycode.LayerActivate
		}
		actions = append(actions, keycode.OutputAction{
			Kind:      kind,
			Layer:     m.Layer,
			Timestamp: t.Timestamp,
		})
		return actions, true

	default:
		// Unknown kinds cannot survive validation; degrade to pass-through
		// for the offending key rather than aborting the device.
		e.stats.Malformed.Add(1)
		return actions, false
	}
}

// processUp executes a physical key release against the state recorded at
// press time. The current layer set is deliberately not consulted: releases
// always mirror what the press emitted, which is what prevents stuck keys
// when layers change mid-press.
func (e *Engine) processUp(ds *deviceState, t keycode.Transition, actions []keycode.OutputAction) ([]keycode.OutputAction, bool) {
	if r, ok := ds.resolvers[t.Key]; ok {
		delete(ds.resolvers, t.Key)
		delete(ds.pressed, t.Key)

		switch r.Phase() {
		case taphold.Pending:
			// Quick release: tap. Emit the synthetic press/release pair
			// and clear atomically; ResolvedTap is never observable
			// across events.
			if r.ResolveTap() == nil {
				e.stats.TapResolutions.Add(1)
				tap := r.Binding().Tap
				actions = append(actions,
					keycode.OutputAction{Kind: keycode.KeyDown, Key: tap, Timestamp: t.Timestamp},
					keycode.OutputAction{Kind: keycode.KeyUp, Key: tap, Timestamp: t.Timestamp},
				)
			}
			return actions, true

		case taphold.ResolvedHold:
			b := r.Binding()
			if ds.layers.Deactivate(b.HoldLayer) {
				actions = append(actions, keycode.OutputAction{
					Kind:      keycode.LayerDeactivate,
					Layer:     b.HoldLayer,
					Timestamp: t.Timestamp,
				})
			}
			return actions, true

		default:
			// Resolver left in a terminal phase is a bookkeeping bug;
			// absorb the release rather than corrupting state.
			e.stats.Malformed.Add(1)
			return actions, true
		}
	}

	rec, ok := ds.pressed[t.Key]
	if !ok {
		// Key-up with no matching key-down. Benign: forwarded unsuppressed
		// so an unmapped key the daemon attached mid-press still releases.
		e.stats.Malformed.Add(1)
		return actions, false
	}
	delete(ds.pressed, t.Key)

	switch rec.kind {
	case pressSimple:
		// Release tracked outputs in reverse emission order.
		for i := len(rec.outputs) - 1; i >= 0; i-- {
			actions = append(actions, keycode.KeyAction(keycode.Up, rec.outputs[i], t.Timestamp))
		}
		return actions, rec.suppressed

	case pressTapHold:
		// Resolver already cleared: the tap pair was emitted on
		// interruption. Absorb the hardware release silently.
		return actions, true

	case pressLayerHold:
		if ds.layers.Deactivate(rec.layer) {
			actions = append(actions, keycode.OutputAction{
				Kind:      keycode.LayerDeactivate,
				Layer:     rec.layer,
				Timestamp: t.Timestamp,
			})
		}
		return actions, true

	case pressLayerToggle:
		// Toggle acts on press only; the release is just suppressed.
		return actions, true

	case pressPassthrough:
		// The press was forwarded as hardware; so is the release.
		return actions, false

	default:
		e.stats.Malformed.Add(1)
		return actions, rec.suppressed
	}
}

// DeviceActions pairs a device with timeout-generated output actions.
type DeviceActions struct {
	Device  string
	Actions []keycode.OutputAction
}

// CheckTimeouts resolves to hold every pending resolver whose threshold has
// elapsed at now, across all devices. The caller injects the returned
// actions in order. This is the periodic-tick half of the timeout design:
// thresholds are checked, never slept on.
func (e *Engine) CheckTimeouts(now uint64) []DeviceActions {
	var out []DeviceActions
	var layers [][]keycode.LayerID

	e.mu.Lock()
	for id, ds := range e.devices {
		if ds.rules == nil || len(ds.resolvers) == 0 {
			continue
		}
		actions := e.expirePending(ds, now, nil)
		if len(actions) > 0 {
			out = append(out, DeviceActions{Device: id, Actions: actions})
			// Snapshot inside the lock: the expiry may just have activated
			// a layer, and the published event must reflect it.
			layers = append(layers, ds.layers.Snapshot())
		}
	}
	e.mu.Unlock()

	for i, da := range out {
		e.stats.OutputActions.Add(uint64(len(da.Actions)))
		e.publish(Event{Device: da.Device, Actions: da.Actions, ActiveLayers: layers[i], TimeoutTick: true})
	}
	return out
}

// Now returns the engine clock's current monotonic microsecond reading.
func (e *Engine) Now() uint64 { return e.clock.Now() }

// publish hands the event to the broadcaster, if any. Never blocks: the
// broadcaster contract is fire-and-forget, and a slow consumer must never
// slow dispatch.
func (e *Engine) publish(ev Event) {
	if ev.Device == "" {
		return
	}
	if h := e.broadcaster.Load(); h != nil && h.b != nil {
		h.b.Publish(ev)
	}
}
