package ruleset

import (
	"errors"
	"fmt"

	"keymapd/internal/keycode"
)

// ErrRemapCycle is wrapped by Validate when simple remaps form a cycle.
var ErrRemapCycle = errors.New("remap chain forms a cycle")

// ValidationError reports a malformed rule set. It is produced only at the
// load boundary; the engine never observes an invalid RuleSet.
type ValidationError struct {
	// Table is "base" or "layer <id>".
	Table string
	// Key is the offending source key, if any.
	Key keycode.KeyCode
	// Reason describes what is wrong.
	Reason string
	// Err is an underlying sentinel, if any.
	Err error
}

// Error implements error.
func (e *ValidationError) Error() string {
	if e.Key != keycode.KeyReserved {
		return fmt.Sprintf("ruleset %s, key %s: %s", e.Table, e.Key, e.Reason)
	}
	return fmt.Sprintf("ruleset %s: %s", e.Table, e.Reason)
}

// Unwrap implements errors.Unwrap.
func (e *ValidationError) Unwrap() error { return e.Err }

// Validate checks the rule set for undefined layer references and invalid
// bindings, then flattens simple remap chains in place (Validate is the last
// mutation a RuleSet ever sees).
//
// Flattening follows A→B→C chains within each table to a fixed point so that
// dispatch never re-resolves its own output: if A remaps to B and B carries
// its own binding in the same table, A adopts B's effective binding at load
// time. True cycles (A→B→A) are rejected.
func (r *RuleSet) Validate() error {
	if err := r.checkTable("base", r.Base); err != nil {
		return err
	}
	for id, table := range r.Layers {
		if id > keycode.MaxLayerID {
			return &ValidationError{
				Table:  fmt.Sprintf("layer %d", id),
				Reason: "layer id out of range (0-254)",
			}
		}
		if err := r.checkTable(fmt.Sprintf("layer %d", id), table); err != nil {
			return err
		}
	}

	if err := flattenTable("base", r.Base); err != nil {
		return err
	}
	for id, table := range r.Layers {
		if err := flattenTable(fmt.Sprintf("layer %d", id), table); err != nil {
			return err
		}
	}
	return nil
}

// checkTable verifies every binding in one table references defined layers
// and sane parameters.
func (r *RuleSet) checkTable(name string, table Table) error {
	for key, m := range table {
		switch m.Kind {
		case MapSimple:
			if m.To == keycode.KeyReserved {
				return &ValidationError{Table: name, Key: key, Reason: "simple remap to reserved key"}
			}
		case MapTapHold:
			if m.Tap == keycode.KeyReserved {
				return &ValidationError{Table: name, Key: key, Reason: "tap-hold with reserved tap key"}
			}
			if m.Threshold <= 0 {
				return &ValidationError{Table: name, Key: key, Reason: "tap-hold threshold must be positive"}
			}
			if err := r.checkLayerRef(name, key, m.Layer); err != nil {
				return err
			}
		case MapLayerHold, MapLayerToggle:
			if err := r.checkLayerRef(name, key, m.Layer); err != nil {
				return err
			}
		default:
			return &ValidationError{Table: name, Key: key, Reason: fmt.Sprintf("unknown mapping kind %d", m.Kind)}
		}
	}
	return nil
}

func (r *RuleSet) checkLayerRef(table string, key keycode.KeyCode, id keycode.LayerID) error {
	if id > keycode.MaxLayerID {
		return &ValidationError{Table: table, Key: key, Reason: "layer id out of range (0-254)"}
	}
	if _, ok := r.Layers[id]; !ok {
		return &ValidationError{
			Table:  table,
			Key:    key,
			Reason: fmt.Sprintf("references undefined layer %d", id),
		}
	}
	return nil
}

// flattenTable rewrites simple remap chains so each source key's mapping is
// already the final effective binding.
func flattenTable(name string, table Table) error {
	for key := range table {
		m, err := effectiveMapping(table, key)
		if err != nil {
			return &ValidationError{Table: name, Key: key, Reason: "remap chain forms a cycle", Err: ErrRemapCycle}
		}
		table[key] = m
	}
	return nil
}

// effectiveMapping follows simple remap links for key until it reaches a
// non-simple binding, an unmapped key, or a cycle.
func effectiveMapping(table Table, key keycode.KeyCode) (Mapping, error) {
	seen := map[keycode.KeyCode]bool{key: true}
	m := table[key]
	for m.Kind == MapSimple {
		next, ok := table[m.To]
		if !ok {
			// Chain ends at an unmapped key: the simple remap stands,
			// pointing at the final target.
			return m, nil
		}
		if seen[m.To] {
			return Mapping{}, ErrRemapCycle
		}
		seen[m.To] = true
		if next.Kind != MapSimple {
			// Target carries its own binding: adopt it wholesale.
			return next, nil
		}
		m = Mapping{Kind: MapSimple, To: next.To}
	}
	return m, nil
}
