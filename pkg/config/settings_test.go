package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()

	if s.StateDir == "" {
		t.Error("expected a default state directory")
	}
	if s.LogLevel != "info" || s.LogFormat != "console" {
		t.Errorf("unexpected logging defaults: %s/%s", s.LogLevel, s.LogFormat)
	}
	if s.FreshnessTTL.Duration != time.Hour {
		t.Errorf("expected 1h freshness TTL, got %s", s.FreshnessTTL.Duration)
	}
	if s.SSH.Port != 22 {
		t.Errorf("expected SSH port 22, got %d", s.SSH.Port)
	}
}

func TestLoadSettings_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	content := `
state_dir: ` + dir + `
log_level: debug
log_format: json
freshness_ttl: 30m
monitor:
  fast_poll_interval: 1s
  tail_lines: 100
ssh:
  user: deploy
  port: 2222
values:
  vm.size: large
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write settings: %v", err)
	}

	s, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("failed to load settings: %v", err)
	}
	if s.LogLevel != "debug" || s.LogFormat != "json" {
		t.Errorf("unexpected logging settings: %s/%s", s.LogLevel, s.LogFormat)
	}
	if s.FreshnessTTL.Duration != 30*time.Minute {
		t.Errorf("expected 30m TTL, got %s", s.FreshnessTTL.Duration)
	}
	if s.Monitor.FastPollInterval.Duration != time.Second {
		t.Errorf("expected 1s fast poll, got %s", s.Monitor.FastPollInterval.Duration)
	}
	if s.Monitor.TailLines != 100 {
		t.Errorf("expected 100 tail lines, got %d", s.Monitor.TailLines)
	}
	if s.SSH.User != "deploy" || s.SSH.Port != 2222 {
		t.Errorf("unexpected SSH settings: %+v", s.SSH)
	}
}

func TestLoadSettings_ExplicitMissingFileFails(t *testing.T) {
	if _, err := LoadSettings(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for an explicitly named missing file")
	}
}

func TestLoadSettings_InvalidLogLevel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	if err := os.WriteFile(path, []byte("log_level: shouting\n"), 0o644); err != nil {
		t.Fatalf("failed to write settings: %v", err)
	}

	if _, err := LoadSettings(path); err == nil {
		t.Fatal("expected validation to reject the log level")
	}
}

func TestLoadSettings_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	if err := os.WriteFile(path, []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatalf("failed to write settings: %v", err)
	}

	t.Setenv("FLEETWRIGHT_LOG_LEVEL", "warn")
	t.Setenv("FLEETWRIGHT_STATE_DIR", dir)
	t.Setenv("FLEETWRIGHT_FRESHNESS_TTL", "15m")
	t.Setenv("FLEETWRIGHT_SSH_PORT", "2200")

	s, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("failed to load settings: %v", err)
	}
	if s.LogLevel != "warn" {
		t.Errorf("expected the environment to win, got %s", s.LogLevel)
	}
	if s.StateDir != dir {
		t.Errorf("expected state dir %s, got %s", dir, s.StateDir)
	}
	if s.FreshnessTTL.Duration != 15*time.Minute {
		t.Errorf("expected 15m TTL, got %s", s.FreshnessTTL.Duration)
	}
	if s.SSH.Port != 2200 {
		t.Errorf("expected port 2200, got %d", s.SSH.Port)
	}
}

func TestSettings_StatePaths(t *testing.T) {
	s := &Settings{StateDir: "/state"}

	if s.DatabasePath() != filepath.Join("/state", "fleetwright.db") {
		t.Errorf("unexpected database path: %s", s.DatabasePath())
	}
	if s.CheckpointDir() != filepath.Join("/state", "checkpoints") {
		t.Errorf("unexpected checkpoint dir: %s", s.CheckpointDir())
	}
	if s.ExecutionDir() != filepath.Join("/state", "executions") {
		t.Errorf("unexpected execution dir: %s", s.ExecutionDir())
	}
	if s.LogDir() != filepath.Join("/state", "logs") {
		t.Errorf("unexpected log dir: %s", s.LogDir())
	}
}

func TestSettings_Lookup(t *testing.T) {
	s := &Settings{Values: map[string]any{"vm.size": "large"}}

	v, ok := s.Lookup("vm.size")
	if !ok || v != "large" {
		t.Errorf("expected large from values, got %v, %v", v, ok)
	}

	t.Setenv("FLEETWRIGHT_VALUE_VM_ZONE", "eu-west-1a")
	v, ok = s.Lookup("vm.zone")
	if !ok || v != "eu-west-1a" {
		t.Errorf("expected the environment value, got %v, %v", v, ok)
	}

	if _, ok := s.Lookup("unset.key"); ok {
		t.Error("expected a miss for an unset key")
	}
}
