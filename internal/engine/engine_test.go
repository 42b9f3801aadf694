package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keymapd/internal/keycode"
	"keymapd/internal/ruleset"
	"keymapd/internal/taphold"
)

const dev = "usb-Test_Keyboard-event-kbd"

const msUS = 1000 // microseconds per millisecond

// testRules binds A to tap=TAB / hold=layer 1 (200ms), CAPSLOCK to ESC, and
// maps W to UP on layer 1. This mirrors the canonical tap-hold scenario.
func testRules(t *testing.T) *ruleset.RuleSet {
	t.Helper()
	rs := &ruleset.RuleSet{
		DevicePattern: "*",
		Base: ruleset.Table{
			keycode.KeyA: {
				Kind:      ruleset.MapTapHold,
				Tap:       keycode.KeyTab,
				Layer:     1,
				Threshold: 200 * time.Millisecond,
			},
			keycode.KeyCapsLock: {Kind: ruleset.MapSimple, To: keycode.KeyEsc},
			keycode.KeySpace:    {Kind: ruleset.MapLayerHold, Layer: 1},
			keycode.KeyNumLock:  {Kind: ruleset.MapLayerToggle, Layer: 2},
		},
		Layers: map[keycode.LayerID]ruleset.Table{
			1: {keycode.KeyW: {Kind: ruleset.MapSimple, To: keycode.KeyArrowUp}},
			2: {keycode.KeyH: {Kind: ruleset.MapSimple, To: keycode.KeyLeft}},
		},
	}
	require.NoError(t, rs.Validate())
	return rs
}

func newTestEngine(t *testing.T) (*Engine, *taphold.VirtualClock) {
	t.Helper()
	clock := taphold.NewVirtualClock()
	e := New(clock)
	e.Activate(dev, testRules(t))
	return e, clock
}

func down(key keycode.KeyCode, ts uint64) keycode.Transition {
	return keycode.Transition{Device: dev, Key: key, Direction: keycode.Down, Timestamp: ts}
}

func up(key keycode.KeyCode, ts uint64) keycode.Transition {
	return keycode.Transition{Device: dev, Key: key, Direction: keycode.Up, Timestamp: ts}
}

func kinds(actions []keycode.OutputAction) []keycode.ActionKind {
	out := make([]keycode.ActionKind, len(actions))
	for i, a := range actions {
		out[i] = a.Kind
	}
	return out
}

// --- Pass-through ------------------------------------------------------------

func TestProcess_PassThroughDevice(t *testing.T) {
	e := New(taphold.NewVirtualClock())

	actions, suppress := e.Process(down(keycode.KeyA, 0))
	assert.Empty(t, actions)
	assert.False(t, suppress)
}

func TestProcess_DeactivatedDeviceIsPassThrough(t *testing.T) {
	e, _ := newTestEngine(t)
	e.Deactivate(dev)

	actions, suppress := e.Process(down(keycode.KeyCapsLock, 0))
	assert.Empty(t, actions)
	assert.False(t, suppress)
}

func TestProcess_UnmappedKeyForwarded(t *testing.T) {
	e, _ := newTestEngine(t)

	actions, suppress := e.Process(down(keycode.KeyZ, 0))
	assert.Empty(t, actions)
	assert.False(t, suppress)

	actions, suppress = e.Process(up(keycode.KeyZ, 10*msUS))
	assert.Empty(t, actions)
	assert.False(t, suppress)
}

// --- Plain remap -------------------------------------------------------------

func TestProcess_PlainRemapNeverLeaksHardwareKey(t *testing.T) {
	e, _ := newTestEngine(t)

	actions, suppress := e.Process(down(keycode.KeyCapsLock, 0))
	require.Equal(t, []keycode.OutputAction{
		{Kind: keycode.KeyDown, Key: keycode.KeyEsc, Timestamp: 0},
	}, actions)
	assert.True(t, suppress, "resolved action differs from physical key: must suppress")

	actions, suppress = e.Process(up(keycode.KeyCapsLock, 80*msUS))
	require.Equal(t, []keycode.OutputAction{
		{Kind: keycode.KeyUp, Key: keycode.KeyEsc, Timestamp: 80 * msUS},
	}, actions)
	assert.True(t, suppress)
}

func TestProcess_ReleaseMirrorsPressAcrossLayerChange(t *testing.T) {
	// W pressed while layer 1 is active emits UP; the layer then drops
	// before W is released. The release must still emit KeyUp(UP), not
	// whatever W resolves to now.
	e, _ := newTestEngine(t)

	e.Process(down(keycode.KeySpace, 0)) // layer 1 on
	actions, _ := e.Process(down(keycode.KeyW, 10*msUS))
	require.Equal(t, []keycode.OutputAction{
		{Kind: keycode.KeyDown, Key: keycode.KeyArrowUp, Timestamp: 10 * msUS},
	}, actions)

	e.Process(up(keycode.KeySpace, 20*msUS)) // layer 1 off

	actions, suppress := e.Process(up(keycode.KeyW, 30*msUS))
	require.Equal(t, []keycode.OutputAction{
		{Kind: keycode.KeyUp, Key: keycode.KeyArrowUp, Timestamp: 30 * msUS},
	}, actions)
	assert.True(t, suppress)
}

// --- Tap-hold: tap -----------------------------------------------------------

func TestProcess_QuickReleaseResolvesTap(t *testing.T) {
	e, _ := newTestEngine(t)

	// Press A: no output yet, but the hardware event is withheld.
	actions, suppress := e.Process(down(keycode.KeyA, 0))
	assert.Empty(t, actions)
	assert.True(t, suppress)

	// Release at 50ms, well under the 200ms threshold: exactly one tap
	// pair, no layer ever activated.
	actions, suppress = e.Process(up(keycode.KeyA, 50*msUS))
	require.Equal(t, []keycode.OutputAction{
		{Kind: keycode.KeyDown, Key: keycode.KeyTab, Timestamp: 50 * msUS},
		{Kind: keycode.KeyUp, Key: keycode.KeyTab, Timestamp: 50 * msUS},
	}, actions)
	assert.True(t, suppress)

	st := e.Status()
	require.Len(t, st, 1)
	assert.Empty(t, st[0].ActiveLayers)
	assert.Zero(t, st[0].PendingKeys)
	assert.Zero(t, st[0].HeldKeys)
}

// --- Tap-hold: hold ----------------------------------------------------------

func TestProcess_HoldActivatesLayerViaTick(t *testing.T) {
	e, clock := newTestEngine(t)

	e.Process(down(keycode.KeyA, 0))

	// Tick before the threshold: nothing resolves.
	clock.Set(150 * msUS)
	assert.Empty(t, e.CheckTimeouts(clock.Now()))

	// Tick past the threshold: exactly one layer activation, stamped with
	// the logical expiry time, not the tick time.
	clock.Set(250 * msUS)
	timed := e.CheckTimeouts(clock.Now())
	require.Len(t, timed, 1)
	assert.Equal(t, dev, timed[0].Device)
	require.Equal(t, []keycode.OutputAction{
		{Kind: keycode.LayerActivate, Layer: 1, Timestamp: 200 * msUS},
	}, timed[0].Actions)

	// A second tick must not re-activate.
	clock.Set(300 * msUS)
	assert.Empty(t, e.CheckTimeouts(clock.Now()))

	// Layer 1 is live: W maps to UP.
	actions, suppress := e.Process(down(keycode.KeyW, 310*msUS))
	require.Equal(t, []keycode.OutputAction{
		{Kind: keycode.KeyDown, Key: keycode.KeyArrowUp, Timestamp: 310 * msUS},
	}, actions)
	assert.True(t, suppress)

	actions, _ = e.Process(up(keycode.KeyW, 320*msUS))
	require.Equal(t, []keycode.OutputAction{
		{Kind: keycode.KeyUp, Key: keycode.KeyArrowUp, Timestamp: 320 * msUS},
	}, actions)

	// Releasing A deactivates the layer. No tap pair: exactly one
	// resolution for the whole press.
	actions, suppress = e.Process(up(keycode.KeyA, 400*msUS))
	require.Equal(t, []keycode.OutputAction{
		{Kind: keycode.LayerDeactivate, Layer: 1, Timestamp: 400 * msUS},
	}, actions)
	assert.True(t, suppress)
}

func TestProcess_HoldDetectedByNextEvent(t *testing.T) {
	// No tick ran, but the next event's timestamp is past the threshold:
	// expiry is checked on every event, so hold resolves first, then the
	// event processes under the new layer.
	e, _ := newTestEngine(t)

	e.Process(down(keycode.KeyA, 0))

	actions, suppress := e.Process(down(keycode.KeyW, 250*msUS))
	require.Equal(t, []keycode.OutputAction{
		{Kind: keycode.LayerActivate, Layer: 1, Timestamp: 200 * msUS},
		{Kind: keycode.KeyDown, Key: keycode.KeyArrowUp, Timestamp: 250 * msUS},
	}, actions)
	assert.True(t, suppress)
}

func TestProcess_ExactThresholdResolvesHold(t *testing.T) {
	// elapsed == threshold is hold, not tap: the release at exactly 200ms
	// yields activate-then-deactivate, never a tap pair.
	e, _ := newTestEngine(t)

	e.Process(down(keycode.KeyA, 0))
	actions, suppress := e.Process(up(keycode.KeyA, 200*msUS))

	require.Equal(t, []keycode.OutputAction{
		{Kind: keycode.LayerActivate, Layer: 1, Timestamp: 200 * msUS},
		{Kind: keycode.LayerDeactivate, Layer: 1, Timestamp: 200 * msUS},
	}, actions)
	assert.True(t, suppress)
}

// --- Tap-hold: interruption ("rolling") --------------------------------------

func TestProcess_InterruptionForcesTapBeforeInterrupter(t *testing.T) {
	e, _ := newTestEngine(t)

	e.Process(down(keycode.KeyA, 0))

	// CAPSLOCK down at 50ms interrupts the pending A: A resolves to tap
	// first, then the interrupting key processes, in temporal order.
	actions, suppress := e.Process(down(keycode.KeyCapsLock, 50*msUS))
	require.Equal(t, []keycode.OutputAction{
		{Kind: keycode.KeyDown, Key: keycode.KeyTab, Timestamp: 50 * msUS},
		{Kind: keycode.KeyUp, Key: keycode.KeyTab, Timestamp: 50 * msUS},
		{Kind: keycode.KeyDown, Key: keycode.KeyEsc, Timestamp: 50 * msUS},
	}, actions)
	assert.True(t, suppress)

	// The physical A is still held; its eventual release is absorbed with
	// no further output (the tap pair already happened).
	actions, suppress = e.Process(up(keycode.KeyA, 120*msUS))
	assert.Empty(t, actions)
	assert.True(t, suppress)

	// And no layer was ever activated.
	st := e.Status()
	require.Len(t, st, 1)
	assert.Empty(t, st[0].ActiveLayers)
}

func TestProcess_InterruptionAfterThresholdIsHold(t *testing.T) {
	// The interrupting key arrives after the threshold already elapsed:
	// expiry precedes interruption, so A resolves to hold and the
	// interrupter sees layer 1.
	e, _ := newTestEngine(t)

	e.Process(down(keycode.KeyA, 0))

	actions, _ := e.Process(down(keycode.KeyW, 220*msUS))
	require.Equal(t, []keycode.ActionKind{
		keycode.LayerActivate, keycode.KeyDown,
	}, kinds(actions))
	assert.Equal(t, keycode.KeyArrowUp, actions[1].Key)
}

func TestProcess_KeyUpDoesNotInterrupt(t *testing.T) {
	// Only a *press* of another key interrupts; a release passing through
	// leaves the pending resolver alone.
	e, _ := newTestEngine(t)

	e.Process(down(keycode.KeyZ, 0)) // unmapped
	e.Process(down(keycode.KeyA, 10*msUS))

	actions, _ := e.Process(up(keycode.KeyZ, 50*msUS))
	assert.Empty(t, actions)

	// A is still pending and can still resolve to tap.
	actions, _ = e.Process(up(keycode.KeyA, 60*msUS))
	require.Equal(t, []keycode.ActionKind{keycode.KeyDown, keycode.KeyUp}, kinds(actions))
}

func TestProcess_RollingTwoTapHoldKeys(t *testing.T) {
	// Two tap-hold keys rolled quickly: the second press interrupts the
	// first (tap), and the second key's own resolution proceeds normally.
	e, _ := newTestEngine(t)
	rs := testRules(t)
	rs.Base[keycode.KeyS] = ruleset.Mapping{
		Kind: ruleset.MapTapHold, Tap: keycode.KeyEnter, Layer: 2,
		Threshold: 200 * time.Millisecond,
	}
	require.NoError(t, rs.Validate())
	e.Activate(dev, rs)

	e.Process(down(keycode.KeyA, 0))

	// S interrupts A: A taps, S goes pending.
	actions, suppress := e.Process(down(keycode.KeyS, 30*msUS))
	require.Equal(t, []keycode.OutputAction{
		{Kind: keycode.KeyDown, Key: keycode.KeyTab, Timestamp: 30 * msUS},
		{Kind: keycode.KeyUp, Key: keycode.KeyTab, Timestamp: 30 * msUS},
	}, actions)
	assert.True(t, suppress)

	// Quick release of S: its own tap.
	actions, _ = e.Process(up(keycode.KeyS, 80*msUS))
	require.Equal(t, []keycode.OutputAction{
		{Kind: keycode.KeyDown, Key: keycode.KeyEnter, Timestamp: 80 * msUS},
		{Kind: keycode.KeyUp, Key: keycode.KeyEnter, Timestamp: 80 * msUS},
	}, actions)

	// A's release: already tapped, absorbed.
	actions, suppress = e.Process(up(keycode.KeyA, 100*msUS))
	assert.Empty(t, actions)
	assert.True(t, suppress)
}

// --- Layer hold / toggle -----------------------------------------------------

func TestProcess_LayerHold(t *testing.T) {
	e, _ := newTestEngine(t)

	actions, suppress := e.Process(down(keycode.KeySpace, 0))
	require.Equal(t, []keycode.OutputAction{
		{Kind: keycode.LayerActivate, Layer: 1, Timestamp: 0},
	}, actions)
	assert.True(t, suppress)

	actions, suppress = e.Process(up(keycode.KeySpace, 40*msUS))
	require.Equal(t, []keycode.OutputAction{
		{Kind: keycode.LayerDeactivate, Layer: 1, Timestamp: 40 * msUS},
	}, actions)
	assert.True(t, suppress)
}

func TestProcess_LayerToggle(t *testing.T) {
	e, _ := newTestEngine(t)

	actions, _ := e.Process(down(keycode.KeyNumLock, 0))
	require.Equal(t, []keycode.ActionKind{keycode.LayerActivate}, kinds(actions))

	// Release is suppressed with no output.
	actions, suppress := e.Process(up(keycode.KeyNumLock, 10*msUS))
	assert.Empty(t, actions)
	assert.True(t, suppress)

	// Layer 2 stays active across the release: H maps to LEFT.
	actions, _ = e.Process(down(keycode.KeyH, 20*msUS))
	require.Equal(t, []keycode.OutputAction{
		{Kind: keycode.KeyDown, Key: keycode.KeyLeft, Timestamp: 20 * msUS},
	}, actions)
	e.Process(up(keycode.KeyH, 30*msUS))

	// Second press toggles it off.
	actions, _ = e.Process(down(keycode.KeyNumLock, 40*msUS))
	require.Equal(t, []keycode.ActionKind{keycode.LayerDeactivate}, kinds(actions))
	e.Process(up(keycode.KeyNumLock, 50*msUS))
}

// --- Malformed input ---------------------------------------------------------

func TestProcess_DuplicateDownIsNoop(t *testing.T) {
	e, _ := newTestEngine(t)

	e.Process(down(keycode.KeyA, 0))

	// Typematic repeat of the same still-pressed key: no second resolver,
	// no output, same suppression answer as the first down.
	actions, suppress := e.Process(down(keycode.KeyA, 30*msUS))
	assert.Empty(t, actions)
	assert.True(t, suppress)

	st := e.Status()
	require.Len(t, st, 1)
	assert.Equal(t, 1, st[0].PendingKeys)
	assert.Equal(t, uint64(1), e.Stats().DuplicateDowns.Load())

	// The duplicate must not count as an interruption either: A still
	// resolves to tap on quick release.
	actions, _ = e.Process(up(keycode.KeyA, 60*msUS))
	require.Equal(t, []keycode.ActionKind{keycode.KeyDown, keycode.KeyUp}, kinds(actions))
}

func TestProcess_UnmatchedUpIsNoop(t *testing.T) {
	e, _ := newTestEngine(t)

	actions, suppress := e.Process(up(keycode.KeyCapsLock, 0))
	assert.Empty(t, actions)
	assert.False(t, suppress)
	assert.Equal(t, uint64(1), e.Stats().Malformed.Load())

	// State stays consistent: a following normal press works.
	actions, _ = e.Process(down(keycode.KeyCapsLock, 10*msUS))
	require.Equal(t, []keycode.ActionKind{keycode.KeyDown}, kinds(actions))
}

// --- Synthetic events --------------------------------------------------------

func TestProcess_SyntheticNeverReenters(t *testing.T) {
	e, _ := newTestEngine(t)

	// A is tap-hold bound, but a synthetic A (the engine's own output
	// coming back through the hook) must not create a resolver or chain.
	syn := down(keycode.KeyA, 0)
	syn.Synthetic = true

	actions, suppress := e.Process(syn)
	assert.Empty(t, actions)
	assert.False(t, suppress)

	st := e.Status()
	require.Len(t, st, 1)
	assert.Zero(t, st[0].PendingKeys)
	assert.Zero(t, st[0].HeldKeys)
	assert.Equal(t, uint64(1), e.Stats().Synthetic.Load())
}

// --- Profile switching -------------------------------------------------------

func TestActivate_SwapResetsTransientState(t *testing.T) {
	e, _ := newTestEngine(t)

	e.Process(down(keycode.KeySpace, 0)) // layer 1 active
	e.Process(down(keycode.KeyA, 10*msUS))

	e.Activate(dev, testRules(t))

	st := e.Status()
	require.Len(t, st, 1)
	assert.Empty(t, st[0].ActiveLayers)
	assert.Zero(t, st[0].PendingKeys)
	assert.Zero(t, st[0].HeldKeys)
}

func TestProcess_ConcurrentWithActivate(t *testing.T) {
	// Hammer Process from one goroutine while swapping rule sets from
	// another: every call must observe a coherent rule set (the race
	// detector guards the rest).
	e, _ := newTestEngine(t)

	var wg sync.WaitGroup
	stop := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		var ts uint64
		for {
			select {
			case <-stop:
				return
			default:
			}
			e.Process(down(keycode.KeyCapsLock, ts))
			e.Process(up(keycode.KeyCapsLock, ts+1))
			ts += 2
		}
	}()

	for i := 0; i < 200; i++ {
		e.Activate(dev, testRules(t))
	}
	close(stop)
	wg.Wait()
}

func TestReset_ClearsAllDevices(t *testing.T) {
	e, _ := newTestEngine(t)

	e.Process(down(keycode.KeySpace, 0))
	e.Process(down(keycode.KeyA, 10*msUS))
	e.Reset()

	st := e.Status()
	require.Len(t, st, 1)
	assert.True(t, st[0].Active, "reset keeps the rule set")
	assert.Empty(t, st[0].ActiveLayers)
	assert.Zero(t, st[0].PendingKeys)
}

func TestRemove_ForgetsDevice(t *testing.T) {
	e, _ := newTestEngine(t)
	e.Remove(dev)
	assert.Empty(t, e.Status())

	actions, suppress := e.Process(down(keycode.KeyCapsLock, 0))
	assert.Empty(t, actions)
	assert.False(t, suppress)
}

// --- Broadcast ---------------------------------------------------------------

type captureBroadcaster struct {
	mu     sync.Mutex
	events []Event
}

func (c *captureBroadcaster) Publish(ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func TestProcess_PublishesToBroadcaster(t *testing.T) {
	e, _ := newTestEngine(t)
	sink := &captureBroadcaster{}
	e.SetBroadcaster(sink)

	e.Process(down(keycode.KeyCapsLock, 0))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.events, 1)
	ev := sink.events[0]
	assert.Equal(t, dev, ev.Device)
	assert.True(t, ev.Suppressed)
	assert.Equal(t, []keycode.ActionKind{keycode.KeyDown}, kinds(ev.Actions))
}

func TestProcess_PassThroughNotPublished(t *testing.T) {
	e := New(taphold.NewVirtualClock())
	sink := &captureBroadcaster{}
	e.SetBroadcaster(sink)

	e.Process(down(keycode.KeyA, 0))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Empty(t, sink.events)
}

func TestCheckTimeouts_PublishedEventCarriesActivatedLayer(t *testing.T) {
	e, clock := newTestEngine(t)
	sink := &captureBroadcaster{}
	e.SetBroadcaster(sink)

	e.Process(down(keycode.KeyA, 0))
	clock.Set(250 * msUS)
	timed := e.CheckTimeouts(clock.Now())
	require.Len(t, timed, 1)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.NotEmpty(t, sink.events)
	ev := sink.events[len(sink.events)-1]
	require.True(t, ev.TimeoutTick)
	assert.Equal(t, dev, ev.Device)
	// The tick just activated layer 1; the event must say so.
	assert.Equal(t, []keycode.LayerID{1}, ev.ActiveLayers)
}

// --- Stats -------------------------------------------------------------------

func TestStats_TapAndHoldCounts(t *testing.T) {
	e, _ := newTestEngine(t)

	e.Process(down(keycode.KeyA, 0))
	e.Process(up(keycode.KeyA, 50*msUS)) // tap

	e.Process(down(keycode.KeyA, 1_000*msUS))
	e.CheckTimeouts(1_300 * msUS) // hold
	e.Process(up(keycode.KeyA, 1_400*msUS))

	assert.Equal(t, uint64(1), e.Stats().TapResolutions.Load())
	assert.Equal(t, uint64(1), e.Stats().HoldResolutions.Load())
}
