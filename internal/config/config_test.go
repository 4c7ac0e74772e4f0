package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()

	if cfg.Global.LogLevel != "INFO" {
		t.Errorf("expected LogLevel INFO, got %s", cfg.Global.LogLevel)
	}
	if cfg.Master.InitialRole != "slave-ro" {
		t.Errorf("expected InitialRole slave-ro, got %s", cfg.Master.InitialRole)
	}
	if cfg.Master.TickInterval != time.Second {
		t.Errorf("expected TickInterval 1s, got %v", cfg.Master.TickInterval)
	}
	if cfg.Balance.MaxJobsPerRound != 5000 {
		t.Errorf("expected MaxJobsPerRound 5000, got %d", cfg.Balance.MaxJobsPerRound)
	}
	if cfg.API.Address != "localhost:8081" {
		t.Errorf("expected API address localhost:8081, got %s", cfg.API.Address)
	}
	if !cfg.Metrics.Enabled {
		t.Error("expected metrics enabled by default")
	}
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	cfg := NewDefault()
	cfg.Global.LogLevel = "VERBOSE"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid log level")
	}
}

func TestValidateRejectsBadRole(t *testing.T) {
	cfg := NewDefault()
	cfg.Master.InitialRole = "dictator"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid master role")
	}
}

func TestValidateRejectsDuplicateFsID(t *testing.T) {
	cfg := NewDefault()
	cfg.Fleet.Spaces = []SpaceDefConfig{
		{
			Name: "default",
			FileSystems: []FsConfig{
				{ID: 1, Host: "a"},
				{ID: 1, Host: "b"},
			},
		},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for duplicate filesystem id")
	}
}

func TestValidateRejectsArchiveEnabledWithoutBucket(t *testing.T) {
	cfg := NewDefault()
	cfg.Archive.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for archive enabled without bucket")
	}
}

func TestValidatePassesOnDefaults(t *testing.T) {
	cfg := NewDefault()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
}

func TestLoadSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mgm.yaml")

	cfg := NewDefault()
	cfg.Fleet.Spaces = []SpaceDefConfig{
		{
			Name:      "default",
			Placement: "spread",
			FileSystems: []FsConfig{
				{ID: 1, Host: "fs1.local", Port: 9001, Path: "/data/fs1"},
			},
		},
	}

	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile: %v", err)
	}

	loaded := &Configuration{}
	if err := loaded.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}

	if len(loaded.Fleet.Spaces) != 1 || loaded.Fleet.Spaces[0].Name != "default" {
		t.Fatalf("expected one space named default, got %+v", loaded.Fleet.Spaces)
	}
	if loaded.Fleet.Spaces[0].FileSystems[0].Host != "fs1.local" {
		t.Errorf("expected host fs1.local, got %s", loaded.Fleet.Spaces[0].FileSystems[0].Host)
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	cfg := &Configuration{}
	if err := cfg.LoadFromFile("/nonexistent/mgm.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadFromEnv(t *testing.T) {
	os.Setenv("MGM_LOG_LEVEL", "DEBUG")
	os.Setenv("MGM_LOCAL_PEER", "node-a")
	os.Setenv("MGM_ARCHIVE_ENABLED", "true")
	defer os.Unsetenv("MGM_LOG_LEVEL")
	defer os.Unsetenv("MGM_LOCAL_PEER")
	defer os.Unsetenv("MGM_ARCHIVE_ENABLED")

	cfg := NewDefault()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}

	if cfg.Global.LogLevel != "DEBUG" {
		t.Errorf("expected LogLevel DEBUG, got %s", cfg.Global.LogLevel)
	}
	if cfg.Global.LocalPeer != "node-a" {
		t.Errorf("expected LocalPeer node-a, got %s", cfg.Global.LocalPeer)
	}
	if !cfg.Archive.Enabled {
		t.Error("expected archive enabled from env")
	}
}
