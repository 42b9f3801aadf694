package metrics

import (
	"time"

	"keymapd/internal/broadcast"
	"keymapd/internal/engine"
)

// DaemonMetrics holds every keymapd metric. Counter values are pulled from
// the engine's atomic stats at collect time rather than pushed per event.
type DaemonMetrics struct {
	registry *Registry

	TransitionsTotal   *Counter
	SyntheticTotal     *Counter
	PassThroughTotal   *Counter
	SuppressedTotal    *Counter
	OutputActionsTotal *Counter
	TapsTotal          *Counter
	HoldsTotal         *Counter
	MalformedTotal     *Counter
	DuplicateDowns     *Counter
	ProfileSwitches    *Counter
	EventsPublished    *Counter
	EventsDropped      *Counter

	ActiveDevices    *Gauge
	PendingResolvers *Gauge
	Subscribers      *Gauge
	UptimeSeconds    *Gauge

	DispatchLatency *Histogram
	ProfileLoadTime *Histogram

	started time.Time
}

// NewDaemonMetrics registers all keymapd metrics on registry.
func NewDaemonMetrics(registry *Registry) *DaemonMetrics {
	if registry == nil {
		registry = NewRegistry("keymapd")
	}
	return &DaemonMetrics{
		registry: registry,
		started:  time.Now(),

		TransitionsTotal: registry.RegisterCounter(
			"transitions_total", "Hardware key transitions processed", nil),
		SyntheticTotal: registry.RegisterCounter(
			"synthetic_total", "Synthetic transitions forwarded without dispatch", nil),
		PassThroughTotal: registry.RegisterCounter(
			"passthrough_total", "Transitions forwarded unmapped", nil),
		SuppressedTotal: registry.RegisterCounter(
			"suppressed_total", "Hardware transitions suppressed", nil),
		OutputActionsTotal: registry.RegisterCounter(
			"output_actions_total", "Synthetic output actions emitted", nil),
		TapsTotal: registry.RegisterCounter(
			"tap_resolutions_total", "Tap-hold presses resolved as tap", nil),
		HoldsTotal: registry.RegisterCounter(
			"hold_resolutions_total", "Tap-hold presses resolved as hold", nil),
		MalformedTotal: registry.RegisterCounter(
			"malformed_total", "Malformed transitions tolerated", nil),
		DuplicateDowns: registry.RegisterCounter(
			"duplicate_downs_total", "Duplicate key-down events ignored", nil),
		ProfileSwitches: registry.RegisterCounter(
			"profile_switches_total", "Successful profile activations", nil),
		EventsPublished: registry.RegisterCounter(
			"events_published_total", "Events offered to subscribers", nil),
		EventsDropped: registry.RegisterCounter(
			"events_dropped_total", "Subscriber deliveries lost to full buffers", nil),

		ActiveDevices: registry.RegisterGauge(
			"active_devices", "Devices with a rule set loaded", nil),
		PendingResolvers: registry.RegisterGauge(
			"pending_resolvers", "Tap-hold presses awaiting resolution", nil),
		Subscribers: registry.RegisterGauge(
			"event_subscribers", "Connected event stream subscribers", nil),
		UptimeSeconds: registry.RegisterGauge(
			"uptime_seconds", "Seconds since daemon start", nil),

		DispatchLatency: registry.RegisterHistogram(
			"dispatch_latency_seconds", "Process call duration", nil, LatencyBuckets),
		ProfileLoadTime: registry.RegisterHistogram(
			"profile_load_seconds", "Artifact load and activation duration", nil,
			[]float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1}),
	}
}

// Collect refreshes pull-style values from the engine and broadcaster.
// Safe to call from the scrape handler.
func (m *DaemonMetrics) Collect(e *engine.Engine, b *broadcast.Broadcaster) {
	if e != nil {
		s := e.Stats()
		m.TransitionsTotal.Set(s.Transitions.Load())
		m.SyntheticTotal.Set(s.Synthetic.Load())
		m.PassThroughTotal.Set(s.PassThrough.Load())
		m.SuppressedTotal.Set(s.Suppressed.Load())
		m.OutputActionsTotal.Set(s.OutputActions.Load())
		m.TapsTotal.Set(s.TapResolutions.Load())
		m.HoldsTotal.Set(s.HoldResolutions.Load())
		m.MalformedTotal.Set(s.Malformed.Load())
		m.DuplicateDowns.Set(s.DuplicateDowns.Load())
		m.ActiveDevices.Set(int64(e.ActiveDevices()))
		m.PendingResolvers.Set(int64(e.PendingResolvers()))
	}
	if b != nil {
		m.EventsPublished.Set(b.Published())
		m.EventsDropped.Set(b.Dropped())
		m.Subscribers.Set(int64(b.Subscribers()))
	}
	m.UptimeSeconds.Set(int64(time.Since(m.started).Seconds()))
}

// Registry returns the backing registry for the scrape handler.
func (m *DaemonMetrics) Registry() *Registry { return m.registry }
