package main

import (
	"context"
	"strings"
	"sync"
	"time"

	"keymapd/internal/config"
	"keymapd/internal/engine"
	"keymapd/internal/logging"
	"keymapd/internal/metrics"
	"keymapd/internal/platform"
	"keymapd/internal/profile"
)

// rescanInterval is how often the device list is re-read for hotplug.
const rescanInterval = 2 * time.Second

// deviceManager owns capture lifecycles: discovery, per-device dispatch
// goroutines, hotplug rescans, and the timeout tick.
type deviceManager struct {
	engine  *engine.Engine
	manager *profile.Manager
	plat    platform.Platform
	cfg     *config.Config
	log     *logging.Logger
	latency *metrics.Histogram

	mu       sync.Mutex
	captures map[string]platform.Capture
	wg       sync.WaitGroup
}

func newDeviceManager(eng *engine.Engine, mgr *profile.Manager, plat platform.Platform, cfg *config.Config, log *logging.Logger) *deviceManager {
	return &deviceManager{
		engine:   eng,
		manager:  mgr,
		plat:     plat,
		cfg:      cfg,
		log:      log.WithComponent("devices"),
		captures: make(map[string]platform.Capture),
	}
}

// instrument attaches the dispatch-latency histogram. Unset means dispatch
// runs untimed.
func (dm *deviceManager) instrument(latency *metrics.Histogram) {
	dm.latency = latency
}

// start opens all matched devices and begins the hotplug rescan loop.
func (dm *deviceManager) start(ctx context.Context) error {
	if err := dm.rescan(ctx); err != nil {
		return err
	}
	dm.wg.Add(1)
	go func() {
		defer dm.wg.Done()
		ticker := time.NewTicker(rescanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := dm.rescan(ctx); err != nil {
					dm.log.Warn("device rescan failed", "error", err)
				}
			}
		}
	}()
	return nil
}

// rescan reconciles open captures against the currently discovered devices.
func (dm *deviceManager) rescan(ctx context.Context) error {
	devices, err := dm.plat.Discover()
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(devices))
	for _, dev := range devices {
		if !dm.wanted(dev.ID) {
			continue
		}
		seen[dev.ID] = true

		dm.mu.Lock()
		_, open := dm.captures[dev.ID]
		dm.mu.Unlock()
		if open {
			continue
		}

		c, err := dm.plat.Open(ctx, dev, dm.cfg.Daemon.GrabDevices)
		if err != nil {
			dm.log.Warn("device open failed", "device", dev.ID, "error", err)
			continue
		}
		dm.mu.Lock()
		dm.captures[dev.ID] = c
		dm.mu.Unlock()

		dm.manager.DeviceAttached(dev.ID, dev.Name)
		dm.log.Info("device attached", "device", dev.ID)

		dm.wg.Add(1)
		go dm.dispatch(dev.ID, c)
	}

	// Devices that disappeared: close and forget.
	dm.mu.Lock()
	var gone []string
	for id := range dm.captures {
		if !seen[id] {
			gone = append(gone, id)
		}
	}
	dm.mu.Unlock()
	for _, id := range gone {
		dm.detach(id)
	}
	return nil
}

// dispatch is the per-device hot path: one transition in, the engine's
// actions out on the virtual device. The capture channel closing ends it.
func (dm *deviceManager) dispatch(deviceID string, c platform.Capture) {
	defer dm.wg.Done()
	for t := range c.Events() {
		var start time.Time
		if dm.latency != nil {
			start = time.Now()
		}
		actions, suppress := dm.engine.Process(t)
		if dm.latency != nil {
			dm.latency.ObserveDuration(time.Since(start))
		}
		// Resolved actions go out first: an interruption's tap pair must hit
		// the wire before the interrupting key itself.
		if len(actions) > 0 {
			if err := c.Inject(actions); err != nil {
				dm.log.Warn("inject failed", "device", deviceID, "error", err)
			}
		}
		// The device is grabbed, so an unsuppressed event must be re-emitted
		// on the virtual output or it never reaches the OS.
		if !suppress {
			if err := c.Forward(t); err != nil {
				dm.log.Warn("forward failed", "device", deviceID, "error", err)
			}
		}
	}
	dm.log.Info("device stream ended", "device", deviceID)
}

// runTicker drives the tap-hold timeout check until ctx is cancelled.
// Thresholds are checked on this tick, never slept on.
func (dm *deviceManager) runTicker(ctx context.Context) {
	dm.wg.Add(1)
	go func() {
		defer dm.wg.Done()
		ticker := time.NewTicker(dm.cfg.TickInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, da := range dm.engine.CheckTimeouts(dm.engine.Now()) {
					dm.mu.Lock()
					c := dm.captures[da.Device]
					dm.mu.Unlock()
					if c == nil {
						continue
					}
					if err := c.Inject(da.Actions); err != nil {
						dm.log.Warn("timeout inject failed", "device", da.Device, "error", err)
					}
				}
			}
		}
	}()
}

func (dm *deviceManager) detach(deviceID string) {
	dm.mu.Lock()
	c := dm.captures[deviceID]
	delete(dm.captures, deviceID)
	dm.mu.Unlock()
	if c != nil {
		c.Close()
	}
	dm.manager.DeviceDetached(deviceID)
	dm.log.Info("device detached", "device", deviceID)
}

// wanted applies the include and exclude patterns. Exclusion wins.
func (dm *deviceManager) wanted(deviceID string) bool {
	for _, pat := range dm.cfg.Daemon.DeviceExclude {
		if matchGlob(pat, deviceID) {
			return false
		}
	}
	if len(dm.cfg.Daemon.DeviceInclude) == 0 {
		return true
	}
	for _, pat := range dm.cfg.Daemon.DeviceInclude {
		if matchGlob(pat, deviceID) {
			return true
		}
	}
	return false
}

// matchGlob is the same pattern subset rule sets and the device manifest
// use: "*", prefix*, *suffix, *contains*, or exact.
func matchGlob(pattern, s string) bool {
	switch {
	case pattern == "" || pattern == "*":
		return true
	case strings.HasPrefix(pattern, "*") && strings.HasSuffix(pattern, "*"):
		return strings.Contains(s, pattern[1:len(pattern)-1])
	case strings.HasPrefix(pattern, "*"):
		return strings.HasSuffix(s, pattern[1:])
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(s, pattern[:len(pattern)-1])
	default:
		return s == pattern
	}
}

// close tears down every capture. The dispatch goroutines end when their
// event channels close.
func (dm *deviceManager) close() {
	dm.mu.Lock()
	ids := make([]string, 0, len(dm.captures))
	for id := range dm.captures {
		ids = append(ids, id)
	}
	dm.mu.Unlock()
	for _, id := range ids {
		dm.detach(id)
	}
}
