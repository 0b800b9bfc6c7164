package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestLoadFrom_DefaultsWhenFileMissing verifies a missing YAML file is not
// an error and defaults apply.
func TestLoadFrom_DefaultsWhenFileMissing(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Server.Port != "8080" {
		t.Errorf("default port = %q", cfg.Server.Port)
	}
	if cfg.Rollout.Backend != "file" {
		t.Errorf("default backend = %q", cfg.Rollout.Backend)
	}
	if cfg.Stream.KeepaliveInterval != 10*time.Second {
		t.Errorf("default keepalive = %v", cfg.Stream.KeepaliveInterval)
	}
}

// TestLoadFrom_YAMLOverridesDefaults verifies YAML sits above defaults.
func TestLoadFrom_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loom.yaml")
	yaml := `
server:
  port: "9999"
rollout:
  backend: postgres
stream:
  keepalive_interval: 3s
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write yaml: %v", err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Server.Port != "9999" {
		t.Errorf("port = %q", cfg.Server.Port)
	}
	if cfg.Rollout.Backend != "postgres" {
		t.Errorf("backend = %q", cfg.Rollout.Backend)
	}
	if cfg.Stream.KeepaliveInterval != 3*time.Second {
		t.Errorf("keepalive = %v", cfg.Stream.KeepaliveInterval)
	}
}

// TestLoadFrom_EnvOverridesYAML verifies ENV sits above YAML.
func TestLoadFrom_EnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loom.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: \"9999\"\n"), 0o600); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	t.Setenv("LOOM_PORT", "7777")
	t.Setenv("LOOM_STREAM_KEEPALIVE", "2s")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Server.Port != "7777" {
		t.Errorf("port = %q", cfg.Server.Port)
	}
	if cfg.Stream.KeepaliveInterval != 2*time.Second {
		t.Errorf("keepalive = %v", cfg.Stream.KeepaliveInterval)
	}
}

// TestLoadFrom_RejectsUnknownBackend verifies backend validation.
func TestLoadFrom_RejectsUnknownBackend(t *testing.T) {
	t.Setenv("LOOM_ROLLOUT_BACKEND", "etcd")
	if _, err := LoadFrom(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

// TestLoadFrom_ExpandsHome verifies the rollout home tilde expansion.
func TestLoadFrom_ExpandsHome(t *testing.T) {
	t.Setenv("LOOM_HOME", "~/loom-data")
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir: %v", err)
	}
	if cfg.Rollout.Home != filepath.Join(home, "loom-data") {
		t.Errorf("home = %q", cfg.Rollout.Home)
	}
}
