// Package config handles configuration loading, validation, and hot reload
// for keymapd.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version"`

	Daemon   DaemonConfig   `toml:"daemon"`
	Profiles ProfilesConfig `toml:"profiles"`
	Logging  LoggingConfig  `toml:"logging"`
	IPC      IPCConfig      `toml:"ipc"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Storage  StorageConfig  `toml:"storage"`
	Session  SessionConfig  `toml:"session"`
}

// DaemonConfig holds dispatch loop settings.
type DaemonConfig struct {
	// TickIntervalMs is the tap-hold timeout check period in milliseconds.
	TickIntervalMs int `toml:"tick_interval_ms"`

	// GrabDevices takes exclusive hold of matched input devices so
	// suppressed events cannot leak to other readers.
	GrabDevices bool `toml:"grab_devices"`

	// DeviceInclude are glob patterns for device identifiers to manage.
	// Empty means every keyboard-capable device.
	DeviceInclude []string `toml:"device_include"`

	// DeviceExclude are glob patterns for device identifiers to skip.
	// Exclusion wins over inclusion.
	DeviceExclude []string `toml:"device_exclude"`
}

// ProfilesConfig locates compiled mapping artifacts.
type ProfilesConfig struct {
	// Dir is the directory holding compiled profile artifacts (*.kmc.json).
	Dir string `toml:"dir"`

	// Active is the profile activated at startup.
	Active string `toml:"active"`

	// Manifest is the per-device profile assignment file inside Dir.
	Manifest string `toml:"manifest"`

	// WatchEnabled reloads a profile when its artifact file changes.
	WatchEnabled bool `toml:"watch"`

	// WatchDebounceMs is how long an artifact must be stable before reload.
	WatchDebounceMs int `toml:"watch_debounce_ms"`
}

// LoggingConfig mirrors the logging package's settings in TOML form.
type LoggingConfig struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	Output     string `toml:"output"`
	FilePath   string `toml:"file_path"`
	MaxSizeMB  int64  `toml:"max_size_mb"`
	MaxAgeDays int    `toml:"max_age_days"`
	MaxBackups int    `toml:"max_backups"`
	Compress   bool   `toml:"compress"`
}

// IPCConfig holds the control socket settings.
type IPCConfig struct {
	Enabled bool `toml:"enabled"`

	// SocketPath is the unix socket for keymapctl. Empty selects the
	// runtime-dir default.
	SocketPath string `toml:"socket_path"`

	// MaxConnections bounds concurrent control clients.
	MaxConnections int `toml:"max_connections"`

	// RequestTimeoutSec bounds a single request round trip.
	RequestTimeoutSec int `toml:"request_timeout_sec"`
}

// MetricsConfig holds the metrics endpoint settings.
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`

	// Listen is the host:port for the text exposition endpoint.
	Listen string `toml:"listen"`
}

// StorageConfig holds the profile history database settings.
type StorageConfig struct {
	// Path is the SQLite database recording profile activations and
	// device sessions. Empty selects the state-dir default.
	Path string `toml:"path"`

	// BusyTimeoutMs is the SQLite busy timeout.
	BusyTimeoutMs int `toml:"busy_timeout_ms"`
}

// SessionConfig holds desktop session integration settings.
type SessionConfig struct {
	// WatchLogind resets transient dispatch state on suspend and session
	// lock signals from systemd-logind.
	WatchLogind bool `toml:"watch_logind"`
}

// Default returns the daemon's default configuration.
func Default() *Config {
	return &Config{
		Version: Version,
		Daemon: DaemonConfig{
			TickIntervalMs: 10,
			GrabDevices:    true,
		},
		Profiles: ProfilesConfig{
			Dir:             defaultProfilesDir(),
			Active:          "default",
			Manifest:        "devices.yaml",
			WatchEnabled:    true,
			WatchDebounceMs: 200,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			MaxSizeMB:  50,
			MaxAgeDays: 14,
			MaxBackups: 4,
			Compress:   true,
		},
		IPC: IPCConfig{
			Enabled:           true,
			SocketPath:        DefaultSocketPath(),
			MaxConnections:    8,
			RequestTimeoutSec: 10,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9641",
		},
		Storage: StorageConfig{
			Path:          defaultStorePath(),
			BusyTimeoutMs: 5000,
		},
		Session: SessionConfig{
			WatchLogind: true,
		},
	}
}

// TickInterval returns the timeout check period as a duration.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Daemon.TickIntervalMs) * time.Millisecond
}

// WatchDebounce returns the artifact watch debounce as a duration.
func (c *Config) WatchDebounce() time.Duration {
	return time.Duration(c.Profiles.WatchDebounceMs) * time.Millisecond
}

// DefaultConfigPath follows XDG: $XDG_CONFIG_HOME/keymapd/config.toml.
func DefaultConfigPath() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		homeDir, _ := os.UserHomeDir()
		configHome = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configHome, "keymapd", "config.toml")
}

func defaultProfilesDir() string {
	return filepath.Join(filepath.Dir(DefaultConfigPath()), "profiles")
}

// DefaultSocketPath prefers $XDG_RUNTIME_DIR, falling back to /run.
func DefaultSocketPath() string {
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		return filepath.Join(runtimeDir, "keymapd.sock")
	}
	return "/run/keymapd/keymapd.sock"
}

func defaultStorePath() string {
	stateHome := os.Getenv("XDG_STATE_HOME")
	if stateHome == "" {
		homeDir, _ := os.UserHomeDir()
		stateHome = filepath.Join(homeDir, ".local", "state")
	}
	return filepath.Join(stateHome, "keymapd", "keymapd.db")
}

// ApplyEnvOverrides applies KEYMAPD_* environment overrides on top of the
// file configuration. Only operational knobs are overridable.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("KEYMAPD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("KEYMAPD_SOCKET"); v != "" {
		c.IPC.SocketPath = v
	}
	if v := os.Getenv("KEYMAPD_PROFILES_DIR"); v != "" {
		c.Profiles.Dir = v
	}
	if v := os.Getenv("KEYMAPD_ACTIVE_PROFILE"); v != "" {
		c.Profiles.Active = v
	}
	if v := os.Getenv("KEYMAPD_TICK_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Daemon.TickIntervalMs = n
		}
	}
	if v := os.Getenv("KEYMAPD_METRICS_LISTEN"); v != "" {
		c.Metrics.Enabled = true
		c.Metrics.Listen = v
	}
}
