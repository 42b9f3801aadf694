package engine

import (
	"sort"

	"keymapd/internal/keycode"
)

// DeviceStatus is a diagnostic snapshot of one device's dispatch state,
// taken under the engine lock and safe to serialize afterward.
type DeviceStatus struct {
	Device        string            `json:"device"`
	Active        bool              `json:"active"`
	DevicePattern string            `json:"device_pattern,omitempty"`
	ActiveLayers  []keycode.LayerID `json:"active_layers,omitempty"`
	PendingKeys   int               `json:"pending_keys"`
	HeldKeys      int               `json:"held_keys"`
	Events        uint64            `json:"events"`
}

// Status returns snapshots for every known device, sorted by device id.
func (e *Engine) Status() []DeviceStatus {
	e.mu.Lock()
	out := make([]DeviceStatus, 0, len(e.devices))
	for id, ds := range e.devices {
		st := DeviceStatus{
			Device:       id,
			Active:       ds.rules != nil,
			ActiveLayers: ds.layers.Snapshot(),
			PendingKeys:  len(ds.resolvers),
			HeldKeys:     len(ds.pressed),
			Events:       ds.events,
		}
		if ds.rules != nil {
			st.DevicePattern = ds.rules.DevicePattern
		}
		out = append(out, st)
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Device < out[j].Device })
	return out
}

// PendingResolvers returns the total pending tap-hold resolvers across all
// devices, for the metrics exporter.
func (e *Engine) PendingResolvers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ds := range e.devices {
		n += len(ds.resolvers)
	}
	return n
}

// ActiveDevices returns the number of devices with a rule set loaded.
func (e *Engine) ActiveDevices() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ds := range e.devices {
		if ds.rules != nil {
			n++
		}
	}
	return n
}
