package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseServerConfig_Defaults(t *testing.T) {
	os.Clearenv()

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg := parseServerConfigWithFlagSet(fs, []string{})

	if cfg.ConfigPath != "config.json" {
		t.Errorf("expected ConfigPath to be config.json, got %s", cfg.ConfigPath)
	}
	if cfg.Addr != "" {
		t.Errorf("expected Addr to be empty, got %s", cfg.Addr)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected LogLevel to be info, got %s", cfg.LogLevel)
	}
}

func TestParseServerConfig_FlagsOverrideEnv(t *testing.T) {
	os.Clearenv()

	os.Setenv("GAMEDEPOT_CONFIG", "env.json")
	os.Setenv("GAMEDEPOT_ADDR", ":7070")
	defer os.Unsetenv("GAMEDEPOT_CONFIG")
	defer os.Unsetenv("GAMEDEPOT_ADDR")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg := parseServerConfigWithFlagSet(fs, []string{"-config", "flag.json"})

	if cfg.ConfigPath != "flag.json" {
		t.Errorf("expected flag to win, got %s", cfg.ConfigPath)
	}
	if cfg.Addr != ":7070" {
		t.Errorf("expected env Addr :7070, got %s", cfg.Addr)
	}
}

func TestParseClientConfig_Defaults(t *testing.T) {
	os.Clearenv()

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg := parseClientConfigWithFlagSet(fs, []string{})

	if cfg.ServerURL != "http://localhost:8000" {
		t.Errorf("expected default server URL, got %s", cfg.ServerURL)
	}
	if cfg.ChunkSize != 64*1024 {
		t.Errorf("expected 64 KiB chunk size, got %d", cfg.ChunkSize)
	}
	if cfg.CatalogTimeout != 10*time.Second {
		t.Errorf("expected 10s catalog timeout, got %v", cfg.CatalogTimeout)
	}
	if cfg.FileTimeout != time.Hour {
		t.Errorf("expected 1h file timeout, got %v", cfg.FileTimeout)
	}
	if cfg.Stream {
		t.Error("expected stream mode off by default")
	}
}

func TestParseClientConfig_Flags(t *testing.T) {
	os.Clearenv()

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg := parseClientConfigWithFlagSet(fs, []string{
		"-server-url", "http://depot:9000",
		"-api-key", "s3cret",
		"-game", "mygame",
		"-install-dir", "/tmp/install",
		"-stream", "-progress", "42.5",
	})

	if cfg.ServerURL != "http://depot:9000" || cfg.APIKey != "s3cret" {
		t.Errorf("unexpected server config: %+v", cfg)
	}
	if cfg.GameID != "mygame" || cfg.InstallDir != "/tmp/install" {
		t.Errorf("unexpected target config: %+v", cfg)
	}
	if !cfg.Stream || cfg.Progress != 42.5 {
		t.Errorf("unexpected stream config: %+v", cfg)
	}
}

func TestLoadSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	data := `{
  "server": {"host": "127.0.0.1", "port": 9000, "secret_key": "k", "verify": false},
  "games": [
    {"id": "g1", "name": "Game One", "version": "1.0", "directory": "/srv/g1",
     "configToClient": {"launch": "g1.exe"}}
  ]
}`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	snap, err := LoadSnapshot(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if snap.Addr() != "127.0.0.1:9000" {
		t.Errorf("unexpected addr %s", snap.Addr())
	}
	if snap.VerifyEnabled() {
		t.Error("expected verification disabled")
	}
	g, ok := snap.Game("g1")
	if !ok || g.Name != "Game One" {
		t.Errorf("game lookup failed: %+v", g)
	}
	if g.ClientConfig["launch"] != "g1.exe" {
		t.Errorf("configToClient not passed through: %+v", g.ClientConfig)
	}
	if _, ok := snap.Game("missing"); ok {
		t.Error("expected lookup miss for unknown id")
	}
}

func TestLoadSnapshotErrors(t *testing.T) {
	if _, err := LoadSnapshot(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Error("expected error for missing config")
	}
	bad := filepath.Join(t.TempDir(), "bad.json")
	os.WriteFile(bad, []byte("{"), 0644)
	if _, err := LoadSnapshot(bad); err == nil {
		t.Error("expected error for malformed config")
	}
}

func TestSnapshotVerifyDefault(t *testing.T) {
	s := &Snapshot{}
	if !s.VerifyEnabled() {
		t.Error("verification should default to enabled")
	}
}
