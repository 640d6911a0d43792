// Package config holds all configuration types and loading logic for opsync.
// Config structure never shrinks: fields are only added, never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for an opsync instance.
type Config struct {
	Device  DeviceConfig  `yaml:"device"`
	Store   StoreConfig   `yaml:"store"`
	Sync    SyncConfig    `yaml:"sync"`
	Network NetworkConfig `yaml:"network"`
	Remote  RemoteConfig  `yaml:"remote"`
	Server  ServerConfig  `yaml:"server"`
	Auth    AuthConfig    `yaml:"auth"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
}

// DeviceConfig holds the identity and data directory of this device.
type DeviceConfig struct {
	// ID is a ULID string. Use "auto" to generate and persist one on first start.
	ID      string `yaml:"id"`
	DataDir string `yaml:"data_dir"`
}

// Backend selects the Durable Store implementation.
type Backend string

const (
	BackendBolt   Backend = "bolt"   // single bbolt file, default
	BackendSQLite Backend = "sqlite" // pure-Go SQLite key/value table
	BackendPebble Backend = "pebble" // LSM directory
	BackendMemory Backend = "memory" // nothing survives a restart (dev/test only)
)

// StoreConfig controls where the pending-operation log is persisted.
type StoreConfig struct {
	Backend Backend `yaml:"backend"`
	// Path is the database file (bolt, sqlite) or directory (pebble). Empty
	// derives it from device.data_dir; relative paths are resolved against it.
	Path string `yaml:"path"`
	// Key is the storage key of the log.
	Key string `yaml:"key"`
}

// SyncConfig controls drain behaviour.
type SyncConfig struct {
	// MaxRetries is the retry ceiling after which an operation is dead-lettered.
	MaxRetries int `yaml:"max_retries"`
}

// Source selects how connectivity is detected.
type Source string

const (
	SourceManual Source = "manual" // set explicitly via PUT /connectivity
	SourceProbe  Source = "probe"  // poll network.probe_url
)

// NetworkConfig controls connectivity detection and the sync debounce.
type NetworkConfig struct {
	Source Source `yaml:"source"`
	// InitialOnline is the starting state of the manual source.
	InitialOnline   bool   `yaml:"initial_online"`
	DebounceMs      int    `yaml:"debounce_ms"`
	ProbeURL        string `yaml:"probe_url"`
	ProbeIntervalMs int    `yaml:"probe_interval_ms"`
}

// RemoteConfig controls the HTTP endpoint operations are applied to.
type RemoteConfig struct {
	URL string `yaml:"url"`
	// Secret, when set, signs every request body with HMAC-SHA256.
	Secret    string `yaml:"secret"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Listen    string `yaml:"listen"`
	MaxBodyKB int    `yaml:"max_body_kb"`
	// RateLimit is requests per second per client; 0 disables limiting.
	RateLimit int `yaml:"rate_limit"`
	Burst     int `yaml:"burst"`
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | text
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			ID:      "auto",
			DataDir: "./data",
		},
		Store: StoreConfig{
			Backend: BackendBolt,
			Key:     "opsync/pending-operations",
		},
		Sync: SyncConfig{
			MaxRetries: 3,
		},
		Network: NetworkConfig{
			Source:          SourceManual,
			InitialOnline:   false,
			DebounceMs:      2_000,
			ProbeIntervalMs: 5_000,
		},
		Remote: RemoteConfig{
			TimeoutMs: 10_000,
		},
		Server: ServerConfig{
			Listen:    "127.0.0.1:7420",
			MaxBodyKB: 1024,
			RateLimit: 0,
			Burst:     0,
		},
		Auth: AuthConfig{
			Enabled: false,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error,
// making it easy to run opsync with no config file at all.
//
// After loading the file, environment variables are applied as overrides:
//
//	OPSYNC_API_KEY     sets auth.api_key and enables auth (auth.enabled = true)
//	OPSYNC_DATA_DIR    sets device.data_dir
//	OPSYNC_REMOTE_URL  sets remote.url
//	OPSYNC_LISTEN      sets server.listen
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("OPSYNC_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
		cfg.Auth.Enabled = true
	}
	if v := os.Getenv("OPSYNC_DATA_DIR"); v != "" {
		cfg.Device.DataDir = v
	}
	if v := os.Getenv("OPSYNC_REMOTE_URL"); v != "" {
		cfg.Remote.URL = v
	}
	if v := os.Getenv("OPSYNC_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
}

// StorePath returns the resolved location of the store for the configured
// backend. It is empty for the memory backend.
func (c *Config) StorePath() string {
	p := c.Store.Path
	if p == "" {
		switch c.Store.Backend {
		case BackendBolt:
			p = "opsync.db"
		case BackendSQLite:
			p = "opsync.sqlite"
		case BackendPebble:
			p = "pebble"
		default:
			return ""
		}
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Device.DataDir, p)
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Device.DataDir == "" {
		return errors.New("device.data_dir must not be empty")
	}
	switch c.Store.Backend {
	case BackendBolt, BackendSQLite, BackendPebble, BackendMemory:
		// valid
	default:
		return errors.New(`store.backend must be one of "bolt", "sqlite", "pebble", "memory"`)
	}
	if c.Sync.MaxRetries < 1 {
		return errors.New("sync.max_retries must be at least 1")
	}
	if c.Network.DebounceMs < 0 {
		return errors.New("network.debounce_ms must be >= 0")
	}
	switch c.Network.Source {
	case SourceManual:
	case SourceProbe:
		if err := checkURL(c.Network.ProbeURL); err != nil {
			return fmt.Errorf("network.probe_url: %w", err)
		}
		if c.Network.ProbeIntervalMs < 1 {
			return errors.New("network.probe_interval_ms must be at least 1")
		}
	default:
		return errors.New(`network.source must be one of "manual", "probe"`)
	}
	if c.Remote.URL != "" {
		if err := checkURL(c.Remote.URL); err != nil {
			return fmt.Errorf("remote.url: %w", err)
		}
	}
	if c.Remote.TimeoutMs < 0 {
		return errors.New("remote.timeout_ms must be >= 0")
	}
	if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
		return fmt.Errorf("server.listen: %w", err)
	}
	if c.Server.MaxBodyKB < 1 {
		return errors.New("server.max_body_kb must be at least 1")
	}
	if c.Server.RateLimit < 0 || c.Server.Burst < 0 {
		return errors.New("server.rate_limit and server.burst must be >= 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New(`log.level must be one of "debug", "info", "warn", "error"`)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return errors.New(`log.format must be one of "json", "text"`)
	}
	return nil
}

func checkURL(raw string) error {
	if raw == "" {
		return errors.New("must not be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}
