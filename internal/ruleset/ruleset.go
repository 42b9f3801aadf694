// Package ruleset holds the compiled, immutable mapping program for one
// device: a base mapping table, tap-hold bindings, and per-layer override
// tables.
//
// A RuleSet is produced by the compiler front end and loaded from its JSON
// artifact (see artifact.go). It is validated once at the load boundary and
// never mutated afterward; the dispatch engine swaps whole RuleSet references
// atomically on profile switch. Because the structure is immutable, lookups
// are safe under concurrent reads without locking.
package ruleset

import (
	"strings"
	"time"

	"keymapd/internal/keycode"
)

// MappingKind discriminates the closed set of mapping variants.
type MappingKind int

const (
	// MapSimple remaps a source key 1:1 to another key.
	MapSimple MappingKind = iota
	// MapTapHold gives a key two actions: a tap key on quick release and a
	// layer activation while held past the threshold.
	MapTapHold
	// MapLayerHold activates a layer for as long as the source key is held.
	MapLayerHold
	// MapLayerToggle toggles a layer on each press of the source key.
	MapLayerToggle
)

// String implements fmt.Stringer.
func (k MappingKind) String() string {
	switch k {
	case MapSimple:
		return "simple"
	case MapTapHold:
		return "tap_hold"
	case MapLayerHold:
		return "layer_hold"
	case MapLayerToggle:
		return "layer_toggle"
	default:
		return "unknown"
	}
}

// Mapping is one compiled binding for a source key. Which fields are
// meaningful depends on Kind:
//
//   - MapSimple: To
//   - MapTapHold: Tap, Layer, Threshold
//   - MapLayerHold, MapLayerToggle: Layer
type Mapping struct {
	Kind      MappingKind
	To        keycode.KeyCode
	Tap       keycode.KeyCode
	Layer     keycode.LayerID
	Threshold time.Duration
}

// Table maps source keys to their compiled bindings.
type Table map[keycode.KeyCode]Mapping

// RuleSet is the compiled mapping program for one device-match pattern.
// Immutable after Validate; see the package comment.
type RuleSet struct {
	// DevicePattern matches device identifiers, "*" for all devices.
	// Supports "*" as prefix/suffix wildcard, otherwise exact match.
	DevicePattern string

	// Base is the mapping table consulted when no active layer overrides
	// the key.
	Base Table

	// Layers holds per-layer override tables. A layer may be defined with
	// an empty table; referencing an undefined layer fails validation.
	Layers map[keycode.LayerID]Table
}

// Resolved is the outcome of a rule lookup for one key.
type Resolved struct {
	Mapping Mapping
	// Found is false for pass-through keys: the original code is forwarded
	// unsuppressed and no mapping applies.
	Found bool
}

// Resolve looks up the effective mapping for key given the active-layer
// snapshot, most-recently-activated last. Priority: newest active layer
// that defines the key, then progressively older layers, then the base
// table, then pass-through.
//
// Resolve is pure and side-effect-free; it is safe to call concurrently.
func (r *RuleSet) Resolve(active []keycode.LayerID, key keycode.KeyCode) Resolved {
	for i := len(active) - 1; i >= 0; i-- {
		if table, ok := r.Layers[active[i]]; ok {
			if m, ok := table[key]; ok {
				return Resolved{Mapping: m, Found: true}
			}
		}
	}
	if m, ok := r.Base[key]; ok {
		return Resolved{Mapping: m, Found: true}
	}
	return Resolved{}
}

// MatchesDevice reports whether the rule set applies to the given device
// identifier.
func (r *RuleSet) MatchesDevice(deviceID string) bool {
	return matchPattern(r.DevicePattern, deviceID)
}

func matchPattern(pattern, s string) bool {
	switch {
	case pattern == "" || pattern == "*":
		return true
	case len(pattern) >= 2 && pattern[0] == '*' && pattern[len(pattern)-1] == '*':
		return strings.Contains(s, pattern[1:len(pattern)-1])
	case pattern[0] == '*':
		return strings.HasSuffix(s, pattern[1:])
	case pattern[len(pattern)-1] == '*':
		return strings.HasPrefix(s, pattern[:len(pattern)-1])
	default:
		return s == pattern
	}
}
