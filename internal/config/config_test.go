package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/snehjoshi/opsync/internal/config"
)

func TestDefault_HasSensibleValues(t *testing.T) {
	cfg := config.Default()

	if cfg.Device.DataDir != "./data" {
		t.Errorf("expected default data_dir ./data, got %s", cfg.Device.DataDir)
	}
	if cfg.Store.Backend != config.BackendBolt {
		t.Errorf("expected default backend bolt, got %s", cfg.Store.Backend)
	}
	if cfg.Store.Key != "opsync/pending-operations" {
		t.Errorf("unexpected default store key %q", cfg.Store.Key)
	}
	if cfg.Sync.MaxRetries != 3 {
		t.Errorf("expected default max_retries 3, got %d", cfg.Sync.MaxRetries)
	}
	if cfg.Network.DebounceMs != 2000 {
		t.Errorf("expected default debounce 2000ms, got %d", cfg.Network.DebounceMs)
	}
	if cfg.Network.Source != config.SourceManual {
		t.Errorf("expected default source manual, got %s", cfg.Network.Source)
	}
	if cfg.Auth.Enabled {
		t.Error("auth must be disabled by default")
	}
}

func TestLoad_MissingFile_ReturnsDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("expected no error for missing file, got: %v", err)
	}
	if cfg.Sync.MaxRetries != 3 {
		t.Errorf("expected defaults for missing file, got max_retries %d", cfg.Sync.MaxRetries)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	yaml := `
device:
  data_dir: "/tmp/opsync_test"
store:
  backend: "sqlite"
sync:
  max_retries: 5
network:
  source: "probe"
  probe_url: "http://example.com/health"
remote:
  url: "https://collab.example.com/apply"
`
	path := writeTempYAML(t, yaml)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Device.DataDir != "/tmp/opsync_test" {
		t.Errorf("expected data_dir override, got %s", cfg.Device.DataDir)
	}
	if cfg.Store.Backend != config.BackendSQLite {
		t.Errorf("expected backend sqlite, got %s", cfg.Store.Backend)
	}
	if cfg.Sync.MaxRetries != 5 {
		t.Errorf("expected max_retries 5, got %d", cfg.Sync.MaxRetries)
	}
	if cfg.Network.Source != config.SourceProbe {
		t.Errorf("expected source probe, got %s", cfg.Network.Source)
	}
	// Unset fields keep their defaults.
	if cfg.Network.ProbeIntervalMs != 5000 {
		t.Errorf("expected default probe interval 5000 (unchanged), got %d", cfg.Network.ProbeIntervalMs)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config should be valid: %v", err)
	}
}

func TestLoad_InvalidYAML_ReturnsError(t *testing.T) {
	path := writeTempYAML(t, "device: [invalid: yaml: {{{}}")
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("OPSYNC_API_KEY", "k3y")
	t.Setenv("OPSYNC_DATA_DIR", "/var/lib/opsync")
	t.Setenv("OPSYNC_REMOTE_URL", "http://remote.local/apply")
	t.Setenv("OPSYNC_LISTEN", "0.0.0.0:9000")

	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "k3y" {
		t.Errorf("auth: %+v", cfg.Auth)
	}
	if cfg.Device.DataDir != "/var/lib/opsync" {
		t.Errorf("data_dir: %s", cfg.Device.DataDir)
	}
	if cfg.Remote.URL != "http://remote.local/apply" {
		t.Errorf("remote.url: %s", cfg.Remote.URL)
	}
	if cfg.Server.Listen != "0.0.0.0:9000" {
		t.Errorf("server.listen: %s", cfg.Server.Listen)
	}
}

func TestStorePath(t *testing.T) {
	cfg := config.Default()
	cfg.Device.DataDir = "/data"

	cases := []struct {
		backend config.Backend
		path    string
		want    string
	}{
		{config.BackendBolt, "", "/data/opsync.db"},
		{config.BackendSQLite, "", "/data/opsync.sqlite"},
		{config.BackendPebble, "", "/data/pebble"},
		{config.BackendMemory, "", ""},
		{config.BackendBolt, "custom.db", "/data/custom.db"},
		{config.BackendBolt, "/abs/x.db", "/abs/x.db"},
	}
	for _, tc := range cases {
		cfg.Store.Backend = tc.backend
		cfg.Store.Path = tc.path
		if got := cfg.StorePath(); got != tc.want {
			t.Errorf("StorePath(%s, %q) = %q, want %q", tc.backend, tc.path, got, tc.want)
		}
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	if err := config.Default().Validate(); err != nil {
		t.Errorf("Default config should be valid, got: %v", err)
	}
}

func TestValidate_Rejects(t *testing.T) {
	cases := map[string]func(*config.Config){
		"empty data dir":       func(c *config.Config) { c.Device.DataDir = "" },
		"unknown backend":      func(c *config.Config) { c.Store.Backend = "redis" },
		"zero max retries":     func(c *config.Config) { c.Sync.MaxRetries = 0 },
		"negative debounce":    func(c *config.Config) { c.Network.DebounceMs = -1 },
		"unknown source":       func(c *config.Config) { c.Network.Source = "radio" },
		"probe without url":    func(c *config.Config) { c.Network.Source = config.SourceProbe },
		"bad remote scheme":    func(c *config.Config) { c.Remote.URL = "ftp://x/y" },
		"listen without port":  func(c *config.Config) { c.Server.Listen = "localhost" },
		"auth without key":     func(c *config.Config) { c.Auth.Enabled = true },
		"unknown log level":    func(c *config.Config) { c.Log.Level = "loud" },
		"unknown log format":   func(c *config.Config) { c.Log.Format = "xml" },
		"zero max body":        func(c *config.Config) { c.Server.MaxBodyKB = 0 },
		"negative rate limit":  func(c *config.Config) { c.Server.RateLimit = -1 },
		"negative remote time": func(c *config.Config) { c.Remote.TimeoutMs = -5 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := config.Default()
			mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

// writeTempYAML writes content to a temp file and returns its path.
func writeTempYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writeTempYAML: %v", err)
	}
	return path
}
