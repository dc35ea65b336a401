package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// ExpertConfig is the persisted expert-model configuration.
type ExpertConfig struct {
	EnabledModels []string `json:"enabled_models"`
	DefaultModel  string   `json:"default_model"`
	MinConfidence float64  `json:"min_confidence"`
}

// Settings is the on-disk runtime settings document. AI instructions are
// deliberately absent: they are hard-coded in the binary and reset on every
// restart.
type Settings struct {
	Model        string       `json:"model"`
	ExpertConfig ExpertConfig `json:"expert_config"`
}

// DefaultSettings returns the settings used when no file exists or the
// existing file cannot be parsed.
func DefaultSettings() Settings {
	return Settings{
		Model: "gpt-realtime",
		ExpertConfig: ExpertConfig{
			EnabledModels: []string{"gpt-5-mini", "gpt-5", "o3"},
			DefaultModel:  "gpt-5-mini",
			MinConfidence: 0.6,
		},
	}
}

// SettingsStore owns the settings file. Reads return a copy; writes are
// serialized and atomic (write to a temp file, verify it parses back, then
// rename over the target).
type SettingsStore struct {
	path   string
	logger *slog.Logger

	mu       sync.Mutex
	settings Settings
}

// OpenSettings loads the settings file at path, falling back to defaults if
// the file is missing or malformed. A missing file is normal on first start;
// a malformed file is logged and ignored.
func OpenSettings(path string, logger *slog.Logger) *SettingsStore {
	s := &SettingsStore{
		path:     path,
		logger:   logger.With("subsystem", "settings"),
		settings: DefaultSettings(),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("reading settings file, using defaults", "path", path, "error", err)
		}
		return s
	}

	var loaded Settings
	if err := json.Unmarshal(data, &loaded); err != nil {
		s.logger.Warn("settings file is malformed, using defaults", "path", path, "error", err)
		return s
	}
	s.applyDefaults(&loaded)
	s.settings = loaded
	return s
}

// applyDefaults fills zero-valued fields so a hand-edited partial file still
// yields a usable configuration.
func (s *SettingsStore) applyDefaults(set *Settings) {
	def := DefaultSettings()
	if set.Model == "" {
		set.Model = def.Model
	}
	if len(set.ExpertConfig.EnabledModels) == 0 {
		set.ExpertConfig.EnabledModels = def.ExpertConfig.EnabledModels
	}
	if set.ExpertConfig.DefaultModel == "" {
		set.ExpertConfig.DefaultModel = def.ExpertConfig.DefaultModel
	}
	if set.ExpertConfig.MinConfidence <= 0 {
		set.ExpertConfig.MinConfidence = def.ExpertConfig.MinConfidence
	}
}

// Get returns a copy of the current settings.
func (s *SettingsStore) Get() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.settings
	out.ExpertConfig.EnabledModels = append([]string(nil), s.settings.ExpertConfig.EnabledModels...)
	return out
}

// Update applies fn to the current settings, keeps the result in memory, and
// persists it. The in-memory update always takes effect; a non-nil error
// means only the disk write failed, and callers report that to the operator
// while continuing with the new value.
func (s *SettingsStore) Update(fn func(*Settings)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.settings)
	return s.persistLocked()
}

// persistLocked writes the settings atomically. The temp file is re-read and
// parsed before the rename so a partial write can never clobber a good file.
func (s *SettingsStore) persistLocked() error {
	data, err := json.MarshalIndent(s.settings, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling settings: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".settings-*.json")
	if err != nil {
		return fmt.Errorf("creating temp settings file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp settings file: %w", err)
	}

	// Verify before rename.
	check, err := os.ReadFile(tmpName)
	if err != nil {
		return fmt.Errorf("verifying settings write: %w", err)
	}
	var verify Settings
	if err := json.Unmarshal(check, &verify); err != nil {
		return fmt.Errorf("verifying settings write: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replacing settings file: %w", err)
	}
	return nil
}
