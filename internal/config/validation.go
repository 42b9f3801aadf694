package config

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
)

// ValidationError describes one invalid configuration field.
type ValidationError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s = %v: %s", e.Field, e.Value, e.Reason)
}

// Validate checks the configuration for values the daemon cannot run with.
// All problems are reported at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Version != Version {
		errs = append(errs, &ValidationError{
			Field: "version", Value: c.Version,
			Reason: fmt.Sprintf("unsupported schema version, want %d", Version),
		})
	}

	if c.Daemon.TickIntervalMs < 1 || c.Daemon.TickIntervalMs > 1000 {
		errs = append(errs, &ValidationError{
			Field: "daemon.tick_interval_ms", Value: c.Daemon.TickIntervalMs,
			Reason: "must be between 1 and 1000",
		})
	}

	if c.Profiles.Dir == "" {
		errs = append(errs, &ValidationError{
			Field: "profiles.dir", Value: "", Reason: "must not be empty",
		})
	}
	if c.Profiles.Active == "" {
		errs = append(errs, &ValidationError{
			Field: "profiles.active", Value: "", Reason: "must not be empty",
		})
	}
	if c.Profiles.WatchEnabled && c.Profiles.WatchDebounceMs < 0 {
		errs = append(errs, &ValidationError{
			Field: "profiles.watch_debounce_ms", Value: c.Profiles.WatchDebounceMs,
			Reason: "must not be negative",
		})
	}
	if c.Profiles.Manifest != "" && filepath.IsAbs(c.Profiles.Manifest) {
		errs = append(errs, &ValidationError{
			Field: "profiles.manifest", Value: c.Profiles.Manifest,
			Reason: "must be relative to profiles.dir",
		})
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, &ValidationError{
			Field: "logging.level", Value: c.Logging.Level, Reason: "unknown level",
		})
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		errs = append(errs, &ValidationError{
			Field: "logging.format", Value: c.Logging.Format, Reason: "must be text or json",
		})
	}
	switch c.Logging.Output {
	case "", "stderr", "stdout", "file", "both":
	default:
		errs = append(errs, &ValidationError{
			Field: "logging.output", Value: c.Logging.Output,
			Reason: "must be stderr, stdout, file, or both",
		})
	}
	if (c.Logging.Output == "file" || c.Logging.Output == "both") && c.Logging.FilePath == "" {
		errs = append(errs, &ValidationError{
			Field: "logging.file_path", Value: "",
			Reason: "required when output includes file",
		})
	}

	if c.IPC.Enabled {
		if c.IPC.SocketPath == "" {
			errs = append(errs, &ValidationError{
				Field: "ipc.socket_path", Value: "", Reason: "must not be empty",
			})
		}
		if c.IPC.MaxConnections < 1 {
			errs = append(errs, &ValidationError{
				Field: "ipc.max_connections", Value: c.IPC.MaxConnections,
				Reason: "must be at least 1",
			})
		}
		if c.IPC.RequestTimeoutSec < 1 {
			errs = append(errs, &ValidationError{
				Field: "ipc.request_timeout_sec", Value: c.IPC.RequestTimeoutSec,
				Reason: "must be at least 1",
			})
		}
	}

	if c.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			errs = append(errs, &ValidationError{
				Field: "metrics.listen", Value: c.Metrics.Listen,
				Reason: "must be host:port",
			})
		}
	}

	if c.Storage.BusyTimeoutMs < 0 {
		errs = append(errs, &ValidationError{
			Field: "storage.busy_timeout_ms", Value: c.Storage.BusyTimeoutMs,
			Reason: "must not be negative",
		})
	}

	return errors.Join(errs...)
}
