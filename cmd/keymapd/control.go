package main

import (
	"fmt"
	"time"

	"keymapd/internal/broadcast"
	"keymapd/internal/engine"
	"keymapd/internal/ipc"
	"keymapd/internal/profile"
)

// controlSurface adapts the daemon's internals to the IPC server.
type controlSurface struct {
	engine  *engine.Engine
	manager *profile.Manager
	bcast   *broadcast.Broadcaster
	store   *profile.Store
	started time.Time
}

func (c *controlSurface) Status() ipc.StatusResponse {
	active, digest := c.manager.Active()
	stats := c.engine.Stats()
	resp := ipc.StatusResponse{
		Version:       version,
		UptimeSec:     int64(time.Since(c.started).Seconds()),
		ActiveProfile: active,
		Devices:       c.engine.Status(),
		Stats: ipc.StatsSnapshot{
			Transitions:     stats.Transitions.Load(),
			Synthetic:       stats.Synthetic.Load(),
			PassThrough:     stats.PassThrough.Load(),
			Suppressed:      stats.Suppressed.Load(),
			OutputActions:   stats.OutputActions.Load(),
			TapResolutions:  stats.TapResolutions.Load(),
			HoldResolutions: stats.HoldResolutions.Load(),
			Malformed:       stats.Malformed.Load(),
			DuplicateDowns:  stats.DuplicateDowns.Load(),
		},
	}
	if active != "" {
		resp.ProfileDigest = digest.String()
	}
	return resp
}

func (c *controlSurface) ListProfiles() ([]ipc.ProfileInfo, error) {
	infos, err := c.manager.List()
	if err != nil {
		return nil, err
	}
	active, _ := c.manager.Active()
	out := make([]ipc.ProfileInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, ipc.ProfileInfo{
			Name:    info.Name,
			Path:    info.Path,
			Digest:  info.Digest,
			Active:  info.Name == active,
			Layers:  info.Layers,
			Devices: info.DevicePattern,
		})
	}
	return out, nil
}

func (c *controlSurface) ActivateProfile(name string) (string, error) {
	digest, err := c.manager.Activate(name, "manual")
	if err != nil {
		return "", err
	}
	return digest.String(), nil
}

func (c *controlSurface) ReloadProfile() (string, error) {
	digest, err := c.manager.Reload("manual")
	if err != nil {
		return "", err
	}
	return digest.String(), nil
}

func (c *controlSurface) History(limit int) ([]ipc.HistoryEntry, error) {
	if c.store == nil {
		return nil, fmt.Errorf("history store unavailable")
	}
	activations, err := c.store.Activations(limit)
	if err != nil {
		return nil, err
	}
	out := make([]ipc.HistoryEntry, 0, len(activations))
	for _, a := range activations {
		out = append(out, ipc.HistoryEntry{
			Profile:     a.Profile,
			Digest:      a.Digest,
			ActivatedAt: a.ActivatedAt,
			Source:      a.Source,
		})
	}
	return out, nil
}

func (c *controlSurface) DetachDevice(device string) error {
	return c.manager.DetachDevice(device)
}

func (c *controlSurface) Subscribe() (<-chan broadcast.Notification, func()) {
	return c.bcast.Subscribe()
}
