// Package config loads the settings recognized by spec §6: frame limit,
// timeouts, in-flight cap, and the client's auto-start behavior.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings holds every configuration option spec §6 enumerates.
type Settings struct {
	Endpoint                 string `yaml:"endpoint"`
	AutoStart                bool   `yaml:"auto_start"`
	DaemonBinary             string `yaml:"daemon_binary"`
	ConnectionTimeoutMillis  int64  `yaml:"connection_timeout_millis"`
	PollIntervalMillis       int64  `yaml:"poll_interval_millis"`
	MaxFrameBytes            uint32 `yaml:"max_frame_bytes"`
	MaxInFlight              int    `yaml:"max_in_flight"`
	RequestDefaultDeadlineMs uint64 `yaml:"request_default_deadline_millis"`
}

// Default returns the settings spec §6 names as defaults.
func Default() Settings {
	return Settings{
		Endpoint:                 "127.0.0.1:7732",
		AutoStart:                true,
		DaemonBinary:             "atomd",
		ConnectionTimeoutMillis:  5000,
		PollIntervalMillis:       100,
		MaxFrameBytes:            1024 * 1024,
		MaxInFlight:              64,
		RequestDefaultDeadlineMs: 0,
	}
}

// ConnectionTimeout is ConnectionTimeoutMillis as a time.Duration.
func (s Settings) ConnectionTimeout() time.Duration {
	return time.Duration(s.ConnectionTimeoutMillis) * time.Millisecond
}

// PollInterval is PollIntervalMillis as a time.Duration.
func (s Settings) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMillis) * time.Millisecond
}

// Load reads settings from an optional YAML file at path (skipped silently
// if path is empty or the file doesn't exist), then applies environment
// overrides, then returns the merged result. Defaults are applied first so
// a partial file or no file at all still yields a complete, valid config.
func Load(path string) (Settings, error) {
	s := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return s, err
			}
		} else if err := yaml.Unmarshal(b, &s); err != nil {
			return s, err
		}
	}

	applyEnvOverrides(&s)
	return s, nil
}

// applyEnvOverrides mirrors the original daemon's narrow ATOMD_IPC_* env
// overrides, extended to every option named by spec §6, plus the one
// deliberately unprefixed MAX_IN_FLIGHT override for test harnesses.
func applyEnvOverrides(s *Settings) {
	if v := os.Getenv("ATOMD_ENDPOINT"); v != "" {
		s.Endpoint = v
	}
	if v := os.Getenv("ATOMD_AUTO_START"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			s.AutoStart = b
		}
	}
	if v := os.Getenv("ATOMD_DAEMON_BINARY"); v != "" {
		s.DaemonBinary = v
	}
	if v := os.Getenv("ATOMD_CONNECTION_TIMEOUT_MILLIS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			s.ConnectionTimeoutMillis = n
		}
	}
	if v := os.Getenv("ATOMD_POLL_INTERVAL_MILLIS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			s.PollIntervalMillis = n
		}
	}
	if v := os.Getenv("ATOMD_MAX_FRAME_BYTES"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			s.MaxFrameBytes = uint32(n)
		}
	}
	if v := os.Getenv("ATOMD_REQUEST_DEFAULT_DEADLINE_MILLIS"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			s.RequestDefaultDeadlineMs = n
		}
	}
	// MAX_IN_FLIGHT is intentionally unprefixed: spec §6 carves it out
	// explicitly as a daemon-start override for tests.
	if v := os.Getenv("MAX_IN_FLIGHT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			s.MaxInFlight = n
		}
	}
}
