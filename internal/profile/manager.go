// Package profile manages compiled mapping artifacts: discovery, validated
// loading, per-device assignment, activation history, and reload on change.
//
// Activation is strictly off the dispatch path: the artifact is read,
// parsed, and validated first, and only a fully built RuleSet is swapped
// into the engine. A failed load leaves the previous profile running.
package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"keymapd/internal/engine"
	"keymapd/internal/logging"
	"keymapd/internal/metrics"
	"keymapd/internal/ruleset"
)

// ArtifactSuffix is the compiled profile file suffix.
const ArtifactSuffix = ".kmc.json"

// Info describes one discovered profile.
type Info struct {
	Name          string
	Path          string
	Digest        string
	Layers        int
	DevicePattern string
}

// Manager owns profile state for the daemon.
type Manager struct {
	dir          string
	manifestName string
	engine       *engine.Engine
	store        *Store
	log          *logging.Logger

	switches *metrics.Counter
	loadTime *metrics.Histogram

	mu       sync.Mutex
	active   string
	digest   ruleset.Digest
	manifest *Manifest
	// devices tracks attached devices and their store session ids.
	devices map[string]deviceEntry
}

type deviceEntry struct {
	name      string
	sessionID int64
}

// NewManager creates a manager. store may be nil (history disabled).
func NewManager(dir, manifestName string, eng *engine.Engine, store *Store, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.Default()
	}
	return &Manager{
		dir:          dir,
		manifestName: manifestName,
		engine:       eng,
		store:        store,
		log:          log.WithComponent("profile"),
		manifest:     &Manifest{},
		devices:      make(map[string]deviceEntry),
	}
}

// SetMetrics wires the activation counter and load-time histogram. Both may
// be left unset; activation then runs unobserved.
func (m *Manager) SetMetrics(switches *metrics.Counter, loadTime *metrics.Histogram) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.switches = switches
	m.loadTime = loadTime
}

// ArtifactPath returns the artifact file for a profile name.
func (m *Manager) ArtifactPath(name string) string {
	return filepath.Join(m.dir, name+ArtifactSuffix)
}

// ManifestPath returns the device manifest file, or "" if unconfigured.
func (m *Manager) ManifestPath() string {
	if m.manifestName == "" {
		return ""
	}
	return filepath.Join(m.dir, m.manifestName)
}

// List discovers available profiles, sorted by name. Artifacts that fail to
// parse are listed with empty metadata rather than hidden.
func (m *Manager) List() ([]Info, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("profile: read dir: %w", err)
	}

	var out []Info
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ArtifactSuffix) {
			continue
		}
		info := Info{
			Name: strings.TrimSuffix(e.Name(), ArtifactSuffix),
			Path: filepath.Join(m.dir, e.Name()),
		}
		if rs, digest, err := ruleset.Load(info.Path); err == nil {
			info.Digest = digest.String()
			info.Layers = len(rs.Layers)
			info.DevicePattern = rs.DevicePattern
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Activate loads a profile and applies it to all attached devices. Source
// labels the history entry ("manual", "startup", "watch").
func (m *Manager) Activate(name, source string) (ruleset.Digest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activateLocked(name, source)
}

func (m *Manager) activateLocked(name, source string) (ruleset.Digest, error) {
	start := time.Now()
	manifest, err := m.loadManifest()
	if err != nil {
		return ruleset.Digest{}, err
	}

	// Pre-load every artifact the manifest can select, so a broken
	// assignment fails the whole switch instead of half-applying.
	cache := map[string]*ruleset.RuleSet{}
	digest, err := m.loadInto(cache, name)
	if err != nil {
		return ruleset.Digest{}, err
	}
	for _, a := range manifest.Assignments {
		if _, ok := cache[a.Profile]; ok {
			continue
		}
		if _, err := m.loadInto(cache, a.Profile); err != nil {
			return ruleset.Digest{}, fmt.Errorf("manifest assignment %q: %w", a.Device, err)
		}
	}

	for id := range m.devices {
		m.applyLocked(cache, manifest, name, id)
	}

	m.active = name
	m.digest = digest
	m.manifest = manifest

	if m.store != nil {
		if err := m.store.RecordActivation(name, digest.String(), source); err != nil {
			m.log.Warn("history write failed", "error", err)
		}
	}
	if m.loadTime != nil {
		m.loadTime.ObserveDuration(time.Since(start))
	}
	if m.switches != nil {
		m.switches.Inc()
	}
	m.log.Info("profile active", "profile", name, "digest", digest.String()[:12], "source", source)
	return digest, nil
}

func (m *Manager) loadManifest() (*Manifest, error) {
	path := m.ManifestPath()
	if path == "" {
		return &Manifest{}, nil
	}
	return LoadManifest(path)
}

func (m *Manager) loadInto(cache map[string]*ruleset.RuleSet, name string) (ruleset.Digest, error) {
	rs, digest, err := ruleset.Load(m.ArtifactPath(name))
	if err != nil {
		return ruleset.Digest{}, fmt.Errorf("profile %q: %w", name, err)
	}
	cache[name] = rs
	return digest, nil
}

// applyLocked binds one device to its assigned rule set, or pass-through.
func (m *Manager) applyLocked(cache map[string]*ruleset.RuleSet, manifest *Manifest, active, deviceID string) {
	assigned, ok := manifest.ProfileFor(deviceID, active)
	if !ok {
		m.engine.Deactivate(deviceID)
		m.log.Debug("device ignored by manifest", "device", deviceID)
		return
	}
	rs := cache[assigned]
	if rs == nil || !rs.MatchesDevice(deviceID) {
		m.engine.Deactivate(deviceID)
		m.log.Debug("no rules for device", "device", deviceID, "profile", assigned)
		return
	}
	m.engine.Activate(deviceID, rs)
	m.log.Info("rules applied", "device", deviceID, "profile", assigned)
}

// Reload re-activates the current profile from disk.
func (m *Manager) Reload(source string) (ruleset.Digest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == "" {
		return ruleset.Digest{}, fmt.Errorf("profile: nothing active")
	}
	return m.activateLocked(m.active, source)
}

// Active returns the active profile name and digest.
func (m *Manager) Active() (string, ruleset.Digest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active, m.digest
}

// DeviceAttached registers a device and applies the active profile to it.
func (m *Manager) DeviceAttached(deviceID, deviceName string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := deviceEntry{name: deviceName}
	if m.store != nil {
		if id, err := m.store.RecordAttach(deviceID, deviceName); err == nil {
			entry.sessionID = id
		}
	}
	m.devices[deviceID] = entry

	if m.active == "" {
		return
	}
	cache := map[string]*ruleset.RuleSet{}
	if _, err := m.loadInto(cache, m.active); err != nil {
		m.log.Warn("activate on attach failed", "device", deviceID, "error", err)
		return
	}
	for _, a := range m.manifest.Assignments {
		if _, ok := cache[a.Profile]; !ok {
			m.loadInto(cache, a.Profile)
		}
	}
	m.applyLocked(cache, m.manifest, m.active, deviceID)
}

// DeviceDetached forgets a device.
func (m *Manager) DeviceDetached(deviceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.devices[deviceID]; ok {
		if m.store != nil && entry.sessionID != 0 {
			m.store.RecordDetach(entry.sessionID)
		}
		delete(m.devices, deviceID)
	}
	m.engine.Remove(deviceID)
}

// DetachDevice puts a device into pass-through mode without forgetting it.
func (m *Manager) DetachDevice(deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[deviceID]; !ok {
		return fmt.Errorf("profile: unknown device %q", deviceID)
	}
	m.engine.Deactivate(deviceID)
	return nil
}
