package profile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keymapd/internal/engine"
	"keymapd/internal/keycode"
	"keymapd/internal/metrics"
	"keymapd/internal/taphold"
)

const defaultArtifact = `{
  "version": 1,
  "device": "*",
  "mappings": [
    {"type": "simple", "from": "CAPSLOCK", "to": "ESC"}
  ],
  "layers": [],
  "metadata": {"compiler_version": "0.4.1", "source_hash": "abc"}
}`

const externalArtifact = `{
  "version": 1,
  "device": "usb-*",
  "mappings": [
    {"type": "simple", "from": "CAPSLOCK", "to": "BACKSPACE"}
  ],
  "layers": [],
  "metadata": {"compiler_version": "0.4.1", "source_hash": "def"}
}`

func writeArtifact(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+ArtifactSuffix), []byte(body), 0o644))
}

func newTestManager(t *testing.T, dir string) (*Manager, *engine.Engine, *taphold.VirtualClock) {
	t.Helper()
	clock := taphold.NewVirtualClock()
	eng := engine.New(clock)
	return NewManager(dir, "devices.yaml", eng, nil, nil), eng, clock
}

// remap runs one CapsLock press through the engine and reports what came out.
func remap(t *testing.T, eng *engine.Engine, device string) []keycode.OutputAction {
	t.Helper()
	out, suppress := eng.Process(keycode.Transition{
		Device:    device,
		Key:       keycode.KeyCapsLock,
		Direction: keycode.Down,
		Timestamp: eng.Now(),
	})
	if suppress {
		// drain the matching release so the next call starts clean
		eng.Process(keycode.Transition{
			Device:    device,
			Key:       keycode.KeyCapsLock,
			Direction: keycode.Up,
			Timestamp: eng.Now(),
		})
	}
	return out
}

func TestManager_ActivateAppliesToDevices(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, "default", defaultArtifact)

	m, eng, _ := newTestManager(t, dir)
	m.DeviceAttached("usb-kbd-1", "Test Keyboard")

	digest, err := m.Activate("default", "manual")
	require.NoError(t, err)
	assert.NotEmpty(t, digest.String())

	out := remap(t, eng, "usb-kbd-1")
	require.Len(t, out, 1)
	assert.Equal(t, keycode.KeyEsc, out[0].Key)

	name, got := m.Active()
	assert.Equal(t, "default", name)
	assert.Equal(t, digest, got)
}

func TestManager_ActivationObservesMetrics(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, "default", defaultArtifact)

	m, _, _ := newTestManager(t, dir)
	reg := metrics.NewRegistry("keymapd_test")
	switches := reg.RegisterCounter("profile_switches_total", "Successful profile activations", nil)
	loadTime := reg.RegisterHistogram("profile_load_seconds", "Activation duration", nil,
		[]float64{0.001, 0.01, 1})
	m.SetMetrics(switches, loadTime)

	_, err := m.Activate("default", "manual")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), switches.Value())
	assert.Equal(t, uint64(1), loadTime.Count())

	// A failed switch counts neither.
	_, err = m.Activate("missing", "manual")
	require.Error(t, err)
	assert.Equal(t, uint64(1), switches.Value())
	assert.Equal(t, uint64(1), loadTime.Count())
}

func TestManager_ActivateMissingProfile(t *testing.T) {
	m, _, _ := newTestManager(t, t.TempDir())
	_, err := m.Activate("nope", "manual")
	assert.Error(t, err)
}

func TestManager_FailedActivateKeepsOldProfile(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, "default", defaultArtifact)
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "broken"+ArtifactSuffix), []byte(`{"version": 99}`), 0o644))

	m, eng, _ := newTestManager(t, dir)
	m.DeviceAttached("usb-kbd-1", "Test Keyboard")
	_, err := m.Activate("default", "manual")
	require.NoError(t, err)

	_, err = m.Activate("broken", "manual")
	require.Error(t, err)

	// The old rules still run.
	name, _ := m.Active()
	assert.Equal(t, "default", name)
	out := remap(t, eng, "usb-kbd-1")
	require.Len(t, out, 1)
	assert.Equal(t, keycode.KeyEsc, out[0].Key)
}

func TestManager_ManifestAssignmentAndIgnore(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, "default", defaultArtifact)
	writeArtifact(t, dir, "external", externalArtifact)
	manifest := `
assignments:
  - device: "usb-*"
    profile: external
ignore:
  - "*virtual*"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "devices.yaml"), []byte(manifest), 0o644))

	m, eng, _ := newTestManager(t, dir)
	m.DeviceAttached("usb-kbd-1", "External")
	m.DeviceAttached("builtin-kbd", "Internal")
	m.DeviceAttached("my-virtual-kbd", "Virtual")

	_, err := m.Activate("default", "startup")
	require.NoError(t, err)

	out := remap(t, eng, "usb-kbd-1")
	require.Len(t, out, 1)
	assert.Equal(t, keycode.KeyBackspace, out[0].Key)

	out = remap(t, eng, "builtin-kbd")
	require.Len(t, out, 1)
	assert.Equal(t, keycode.KeyEsc, out[0].Key)

	// Ignored devices pass events through untouched: nothing synthesized,
	// nothing suppressed.
	out, suppress := eng.Process(keycode.Transition{
		Device: "my-virtual-kbd", Key: keycode.KeyCapsLock,
		Direction: keycode.Down, Timestamp: eng.Now(),
	})
	assert.False(t, suppress)
	assert.Empty(t, out)
}

func TestManager_DevicePatternMismatchMeansPassThrough(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, "usbonly", externalArtifact)

	m, eng, _ := newTestManager(t, dir)
	m.DeviceAttached("builtin-kbd", "Internal")
	_, err := m.Activate("usbonly", "manual")
	require.NoError(t, err)

	_, suppress := eng.Process(keycode.Transition{
		Device: "builtin-kbd", Key: keycode.KeyCapsLock,
		Direction: keycode.Down, Timestamp: eng.Now(),
	})
	assert.False(t, suppress)
}

func TestManager_AttachAfterActivate(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, "default", defaultArtifact)

	m, eng, _ := newTestManager(t, dir)
	_, err := m.Activate("default", "startup")
	require.NoError(t, err)

	m.DeviceAttached("late-kbd", "Hotplugged")
	out := remap(t, eng, "late-kbd")
	require.Len(t, out, 1)
	assert.Equal(t, keycode.KeyEsc, out[0].Key)
}

func TestManager_DetachDevice(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, "default", defaultArtifact)

	m, eng, _ := newTestManager(t, dir)
	m.DeviceAttached("usb-kbd-1", "Test Keyboard")
	_, err := m.Activate("default", "manual")
	require.NoError(t, err)

	require.NoError(t, m.DetachDevice("usb-kbd-1"))
	_, suppress := eng.Process(keycode.Transition{
		Device: "usb-kbd-1", Key: keycode.KeyCapsLock,
		Direction: keycode.Down, Timestamp: eng.Now(),
	})
	assert.False(t, suppress)

	assert.Error(t, m.DetachDevice("unknown"))
}

func TestManager_List(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, "beta", defaultArtifact)
	writeArtifact(t, dir, "alpha", externalArtifact)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	m, _, _ := newTestManager(t, dir)
	infos, err := m.List()
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "alpha", infos[0].Name)
	assert.Equal(t, "usb-*", infos[0].DevicePattern)
	assert.Equal(t, "beta", infos[1].Name)
	assert.NotEmpty(t, infos[1].Digest)
}

func TestManager_ListMissingDir(t *testing.T) {
	m, _, _ := newTestManager(t, filepath.Join(t.TempDir(), "absent"))
	infos, err := m.List()
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestStore_ActivationHistory(t *testing.T) {
	s, err := OpenStore(filepath.Join(t.TempDir(), "history.db"), time.Second)
	require.NoError(t, err)
	defer s.Close()

	last, err := s.LastActivation()
	require.NoError(t, err)
	assert.Nil(t, last)

	require.NoError(t, s.RecordActivation("default", "aaaa", "startup"))
	require.NoError(t, s.RecordActivation("gaming", "bbbb", "manual"))

	last, err = s.LastActivation()
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "gaming", last.Profile)
	assert.Equal(t, "bbbb", last.Digest)
	assert.Equal(t, "manual", last.Source)

	all, err := s.Activations(10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "gaming", all[0].Profile)
	assert.Equal(t, "default", all[1].Profile)
}

func TestStore_DeviceSessions(t *testing.T) {
	s, err := OpenStore(filepath.Join(t.TempDir(), "history.db"), time.Second)
	require.NoError(t, err)
	defer s.Close()

	id, err := s.RecordAttach("usb-kbd-1", "Test Keyboard")
	require.NoError(t, err)
	assert.NotZero(t, id)
	require.NoError(t, s.RecordDetach(id))
}

func TestStore_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := OpenStore(path, time.Second)
	require.NoError(t, err)
	require.NoError(t, s.RecordActivation("default", "aaaa", "startup"))
	require.NoError(t, s.Close())

	s, err = OpenStore(path, time.Second)
	require.NoError(t, err)
	defer s.Close()
	last, err := s.LastActivation()
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "default", last.Profile)
}

func TestManifest_ProfileFor(t *testing.T) {
	m := &Manifest{
		Assignments: []Assignment{
			{Device: "usb-*", Profile: "external"},
			{Device: "*", Profile: "catchall"},
		},
		Ignore: []string{"*virtual*"},
	}

	p, ok := m.ProfileFor("usb-kbd-1", "fallback")
	assert.True(t, ok)
	assert.Equal(t, "external", p)

	// First match wins over the catch-all.
	p, ok = m.ProfileFor("builtin", "fallback")
	assert.True(t, ok)
	assert.Equal(t, "catchall", p)

	_, ok = m.ProfileFor("my-virtual-kbd", "fallback")
	assert.False(t, ok)

	empty := &Manifest{}
	p, ok = empty.ProfileFor("anything", "fallback")
	assert.True(t, ok)
	assert.Equal(t, "fallback", p)
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "devices.yaml")

	m, err := LoadManifest(filepath.Join(dir, "absent.yaml"))
	require.NoError(t, err)
	assert.Empty(t, m.Assignments)

	require.NoError(t, os.WriteFile(path, []byte("assignments:\n  - device: \"a\"\n"), 0o644))
	_, err = LoadManifest(path)
	assert.Error(t, err, "assignment without a profile is rejected")

	require.NoError(t, os.WriteFile(path, []byte("assignments: [not a map]\n"), 0o644))
	_, err = LoadManifest(path)
	assert.Error(t, err)
}

func TestWatcher_ReloadsOnArtifactChange(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, "default", defaultArtifact)

	m, eng, _ := newTestManager(t, dir)
	m.DeviceAttached("usb-kbd-1", "Test Keyboard")
	_, err := m.Activate("default", "startup")
	require.NoError(t, err)

	w, err := NewWatcher(m, 20*time.Millisecond, nil)
	require.NoError(t, err)
	defer w.Close()

	// Swap the artifact body; caps now maps to backspace.
	swapped := `{
  "version": 1,
  "device": "*",
  "mappings": [{"type": "simple", "from": "CAPSLOCK", "to": "BACKSPACE"}],
  "layers": [],
  "metadata": {"compiler_version": "0.4.1", "source_hash": "v2"}
}`
	writeArtifact(t, dir, "default", swapped)

	require.Eventually(t, func() bool {
		out := remap(t, eng, "usb-kbd-1")
		return len(out) == 1 && out[0].Key == keycode.KeyBackspace
	}, 5*time.Second, 25*time.Millisecond)
}

func TestWatcher_BadArtifactKeepsCurrent(t *testing.T) {
	dir := t.TempDir()
	writeArtifact(t, dir, "default", defaultArtifact)

	m, eng, _ := newTestManager(t, dir)
	m.DeviceAttached("usb-kbd-1", "Test Keyboard")
	_, err := m.Activate("default", "startup")
	require.NoError(t, err)

	w, err := NewWatcher(m, 20*time.Millisecond, nil)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "default"+ArtifactSuffix), []byte("not json"), 0o644))
	time.Sleep(150 * time.Millisecond)

	out := remap(t, eng, "usb-kbd-1")
	require.Len(t, out, 1)
	assert.Equal(t, keycode.KeyEsc, out[0].Key)
}
