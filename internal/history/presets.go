package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/jackzampolin/skim/internal/taskcfg"
)

// presetNamePattern keeps preset names filesystem-safe.
var presetNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// SavePreset stores a named task-config preset. An existing preset with the
// same name is overwritten.
func (s *Store) SavePreset(name string, cfg taskcfg.TaskConfig) error {
	if !presetNamePattern.MatchString(name) {
		return fmt.Errorf("invalid preset name %q", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.presetsDir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	path := s.presetPath(name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	s.logger.Info("config preset saved", "name", name)
	return nil
}

// LoadPreset returns a preset, upgraded to the current schema.
func (s *Store) LoadPreset(name string) (taskcfg.TaskConfig, error) {
	if !presetNamePattern.MatchString(name) {
		return taskcfg.TaskConfig{}, fmt.Errorf("invalid preset name %q", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.presetPath(name))
	if os.IsNotExist(err) {
		return taskcfg.TaskConfig{}, fmt.Errorf("%w: preset %s", ErrNotFound, name)
	}
	if err != nil {
		return taskcfg.TaskConfig{}, err
	}
	return taskcfg.UpgradeJSON(data)
}

// ListPresets returns preset names sorted alphabetically.
func (s *Store) ListPresets() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	paths, err := filepath.Glob(filepath.Join(s.presetsDir, "*.json"))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(paths))
	for _, p := range paths {
		names = append(names, strings.TrimSuffix(filepath.Base(p), ".json"))
	}
	sort.Strings(names)
	return names, nil
}

// DeletePreset removes a preset.
func (s *Store) DeletePreset(name string) error {
	if !presetNamePattern.MatchString(name) {
		return fmt.Errorf("invalid preset name %q", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.presetPath(name))
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: preset %s", ErrNotFound, name)
	}
	return err
}

func (s *Store) presetPath(name string) string {
	return filepath.Join(s.presetsDir, name+".json")
}
