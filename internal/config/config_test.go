package config

import (
	"path/filepath"
	"testing"
)

func TestDefaultMatchesSpecDefaults(t *testing.T) {
	cfg := Default()
	if cfg.MaxGuestSlots != 3 {
		t.Errorf("MaxGuestSlots = %d, want 3", cfg.MaxGuestSlots)
	}
	if cfg.ChunkSize != 16384 {
		t.Errorf("ChunkSize = %d, want 16384", cfg.ChunkSize)
	}
	if cfg.MaxRecoveryRetries != 3 {
		t.Errorf("MaxRecoveryRetries = %d, want 3", cfg.MaxRecoveryRetries)
	}
	if len(cfg.RecoveryBackoffMs) != 3 || cfg.RecoveryBackoffMs[0] != 2000 {
		t.Errorf("RecoveryBackoffMs = %v, want [2000 5000 10000]", cfg.RecoveryBackoffMs)
	}
	if cfg.UsePingCompensation {
		t.Errorf("UsePingCompensation should default false (LAN assumption)")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg := Default()
	cfg.MaxGuestSlots = 2
	cfg.ChunkSize = 8192

	if err := Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got := Load()
	if got.MaxGuestSlots != 2 || got.ChunkSize != 8192 {
		t.Fatalf("Load() = %+v, want MaxGuestSlots=2 ChunkSize=8192", got)
	}

	path, err := Path()
	if err != nil {
		t.Fatalf("Path: %v", err)
	}
	if filepath.Base(path) != "config.json" {
		t.Errorf("Path() = %s, want basename config.json", path)
	}
}

func TestLoadFallsBackToDefaultsOnMissingFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	got := Load()
	want := Default()
	if got.MaxGuestSlots != want.MaxGuestSlots || got.ChunkSize != want.ChunkSize {
		t.Fatalf("Load() without a config file should equal Default()")
	}
}
