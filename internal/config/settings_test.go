package config

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSettingsMissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	s := OpenSettings(path, discardLogger())

	got := s.Get()
	def := DefaultSettings()
	if got.Model != def.Model {
		t.Errorf("Model = %q, want default %q", got.Model, def.Model)
	}
	if got.ExpertConfig.MinConfidence != def.ExpertConfig.MinConfidence {
		t.Errorf("MinConfidence = %v, want %v", got.ExpertConfig.MinConfidence, def.ExpertConfig.MinConfidence)
	}
}

func TestSettingsMalformedFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	s := OpenSettings(path, discardLogger())
	if got := s.Get(); got.Model != DefaultSettings().Model {
		t.Errorf("Model = %q, want default after malformed file", got.Model)
	}
}

func TestSettingsUpdatePersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")
	s := OpenSettings(path, discardLogger())

	if err := s.Update(func(set *Settings) { set.Model = "gpt-realtime-mini" }); err != nil {
		t.Fatalf("update: %v", err)
	}

	// The file on disk reflects the change.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading settings file: %v", err)
	}
	var onDisk Settings
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatalf("settings file is not valid JSON: %v", err)
	}
	if onDisk.Model != "gpt-realtime-mini" {
		t.Errorf("on-disk model = %q, want gpt-realtime-mini", onDisk.Model)
	}

	// A fresh store sees the persisted value, like a process restart would.
	if got := OpenSettings(path, discardLogger()).Get(); got.Model != "gpt-realtime-mini" {
		t.Errorf("reloaded model = %q, want gpt-realtime-mini", got.Model)
	}

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("directory has %d entries after update, want 1", len(entries))
	}
}

func TestSettingsWriteFailureKeepsMemory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")
	s := OpenSettings(path, discardLogger())

	// A directory at the settings path makes the final rename fail, even
	// when the tests run as root (which ignores directory permissions).
	if err := os.Mkdir(path, 0o755); err != nil {
		t.Fatal(err)
	}

	err := s.Update(func(set *Settings) { set.Model = "in-memory-only" })
	if err == nil {
		t.Fatal("expected write error when the settings path is blocked")
	}
	if got := s.Get(); got.Model != "in-memory-only" {
		t.Errorf("in-memory model = %q, want in-memory-only despite write failure", got.Model)
	}
}

func TestSettingsPartialFileGetsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	if err := os.WriteFile(path, []byte(`{"model":"gpt-realtime"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	s := OpenSettings(path, discardLogger())
	got := s.Get()
	if got.Model != "gpt-realtime" {
		t.Errorf("Model = %q, want gpt-realtime", got.Model)
	}
	if got.ExpertConfig.MinConfidence != 0.6 {
		t.Errorf("MinConfidence = %v, want default 0.6", got.ExpertConfig.MinConfidence)
	}
	if len(got.ExpertConfig.EnabledModels) == 0 {
		t.Error("EnabledModels empty, want defaults filled in")
	}
}
