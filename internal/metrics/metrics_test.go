package metrics

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keymapd/internal/engine"
	"keymapd/internal/keycode"
	"keymapd/internal/ruleset"
	"keymapd/internal/taphold"
)

func TestRegistry_WriteText(t *testing.T) {
	r := NewRegistry("keymapd")

	c := r.RegisterCounter("transitions_total", "Transitions processed", nil)
	c.Add(42)
	g := r.RegisterGauge("active_devices", "Devices with rules", Labels{"host": "a"})
	g.Set(3)

	var sb strings.Builder
	require.NoError(t, r.WriteText(&sb))
	out := sb.String()

	assert.Contains(t, out, "# TYPE keymapd_transitions_total counter")
	assert.Contains(t, out, "keymapd_transitions_total 42")
	assert.Contains(t, out, "# TYPE keymapd_active_devices gauge")
	assert.Contains(t, out, `keymapd_active_devices{host="a"} 3`)
}

func TestRegistry_RegisterIsIdempotent(t *testing.T) {
	r := NewRegistry("keymapd")
	c1 := r.RegisterCounter("x_total", "", nil)
	c2 := r.RegisterCounter("x_total", "", nil)
	assert.Same(t, c1, c2)
}

func TestHistogram_BucketsAreCumulative(t *testing.T) {
	r := NewRegistry("")
	h := r.RegisterHistogram("lat", "", nil, []float64{0.01, 0.1, 1})

	h.Observe(0.005) // bucket 0.01
	h.Observe(0.05)  // bucket 0.1
	h.Observe(0.05)  // bucket 0.1
	h.Observe(5)     // above all buckets: +Inf only

	var sb strings.Builder
	require.NoError(t, r.WriteText(&sb))
	out := sb.String()

	assert.Contains(t, out, `lat_bucket{le="0.01"} 1`)
	assert.Contains(t, out, `lat_bucket{le="0.1"} 3`)
	assert.Contains(t, out, `lat_bucket{le="1"} 3`)
	assert.Contains(t, out, `lat_bucket{le="+Inf"} 4`)
	assert.Contains(t, out, "lat_count 4")
	assert.Equal(t, uint64(4), h.Count())
}

func TestDaemonMetrics_CollectFromEngine(t *testing.T) {
	e := engine.New(taphold.NewVirtualClock())
	rs := &ruleset.RuleSet{
		DevicePattern: "*",
		Base: ruleset.Table{
			keycode.KeyCapsLock: {Kind: ruleset.MapSimple, To: keycode.KeyEsc},
		},
	}
	require.NoError(t, rs.Validate())
	e.Activate("kbd0", rs)

	e.Process(keycode.Transition{Device: "kbd0", Key: keycode.KeyCapsLock, Direction: keycode.Down})
	e.Process(keycode.Transition{Device: "kbd0", Key: keycode.KeyCapsLock, Direction: keycode.Up, Timestamp: 100})

	m := NewDaemonMetrics(nil)
	m.Collect(e, nil)

	assert.Equal(t, uint64(2), m.TransitionsTotal.Value())
	assert.Equal(t, uint64(2), m.SuppressedTotal.Value())
	assert.Equal(t, uint64(2), m.OutputActionsTotal.Value())
	assert.Equal(t, int64(1), m.ActiveDevices.Value())

	var sb strings.Builder
	require.NoError(t, m.Registry().WriteText(&sb))
	assert.Contains(t, sb.String(), "keymapd_transitions_total 2")
}
