package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"info", LevelInfo, false},
		{"", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"ERROR", LevelError, false},
		{"verbose", LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if tt.wantErr {
			assert.Errorf(t, err, "input %q", tt.in)
			continue
		}
		require.NoErrorf(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("json")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)

	f, err = ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatText, f)

	_, err = ParseFormat("xml")
	assert.Error(t, err)
}

func TestNew_FileOutput(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keymapd.log")

	l, err := New(&Config{
		Level:    LevelInfo,
		Format:   FormatJSON,
		Output:   "file",
		FilePath: path,
	})
	require.NoError(t, err)
	defer l.Close()

	l.Info("profile activated", "profile", "default", "devices", 2)
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "profile activated")
	assert.Contains(t, string(data), `"component":"keymapd"`)
}

func TestInputAttrsRedactedAboveDebug(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keymapd.log")

	l, err := New(&Config{
		Level:    LevelInfo,
		Format:   FormatJSON,
		Output:   "file",
		FilePath: path,
	})
	require.NoError(t, err)
	defer l.Close()

	l.Info("transition processed", "key_name", "CAPSLOCK", "device", "usb-kbd")
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.NotContains(t, out, "CAPSLOCK", "key names must not reach info-level logs")
	assert.Contains(t, out, "[redacted]")
	assert.Contains(t, out, "usb-kbd", "non-input attributes pass through")
}

func TestInputAttrsVisibleAtDebug(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keymapd.log")

	l, err := New(&Config{
		Level:    LevelDebug,
		Format:   FormatJSON,
		Output:   "file",
		FilePath: path,
	})
	require.NoError(t, err)
	defer l.Close()

	l.Debug("transition processed", "key_name", "CAPSLOCK")
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "CAPSLOCK")
}

func TestWithComponent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keymapd.log")

	l, err := New(&Config{Level: LevelInfo, Format: FormatJSON, Output: "file", FilePath: path})
	require.NoError(t, err)
	defer l.Close()

	l.WithComponent("ipc").Info("listening")
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"ipc"`)
}

func TestRotator_SizeRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keymapd.log")

	// 1MB limit; two ~600KB writes force one rotation.
	r, err := NewFileRotator(&Config{FilePath: path, MaxSizeMB: 1})
	require.NoError(t, err)
	defer r.Close()

	chunk := []byte(strings.Repeat("x", 600*1024))
	_, err = r.Write(chunk)
	require.NoError(t, err)
	_, err = r.Write(chunk)
	require.NoError(t, err)

	matches, err := filepath.Glob(filepath.Join(dir, "keymapd-*.log*"))
	require.NoError(t, err)
	assert.NotEmpty(t, matches, "expected a rotated segment")

	// The live file holds only the post-rotation write.
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(chunk)), info.Size())
}
