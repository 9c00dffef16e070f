// Package settings persists user preferences changed from the tray or the
// API. Deployment configuration lives in internal/config.
package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// Settings holds user preferences that persist across restarts.
type Settings struct {
	CrashReporting  bool   `json:"crashReporting"`            // Whether to send crash reports to Sentry
	PreferredReader string `json:"preferredReader,omitempty"` // Reader watched by the presence monitor when attached
	FirstRunDone    bool   `json:"firstRunDone"`              // First-run prompts have been answered
}

var (
	current      *Settings
	mu           sync.RWMutex
	pathOverride string
)

// DefaultSettings returns the default settings.
func DefaultSettings() *Settings {
	return &Settings{
		CrashReporting: false, // Opt-in, disabled by default
	}
}

// SetPath points the package at a specific settings file and forgets any
// loaded state. An empty path restores the default location.
func SetPath(path string) {
	mu.Lock()
	defer mu.Unlock()
	pathOverride = path
	current = nil
}

// getSettingsPath returns the path to the settings file. Caller holds mu.
func getSettingsPath() (string, error) {
	if pathOverride != "" {
		return pathOverride, nil
	}
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "card-agent", "settings.json"), nil
}

// Load reads settings from disk, or returns defaults if file doesn't exist.
func Load() (Settings, error) {
	mu.Lock()
	defer mu.Unlock()

	current = DefaultSettings()
	path, err := getSettingsPath()
	if err != nil {
		return *current, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return *current, nil
		}
		return *current, err
	}

	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return *current, err
	}

	current = &s
	return s, nil
}

// save writes the current settings to disk. Caller holds mu.
func save() error {
	if current == nil {
		current = DefaultSettings()
	}

	path, err := getSettingsPath()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(current, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Save writes the current settings to disk.
func Save() error {
	mu.Lock()
	defer mu.Unlock()
	return save()
}

// Get returns a copy of the current settings, loading them on first use.
func Get() Settings {
	mu.RLock()
	if current != nil {
		defer mu.RUnlock()
		return *current
	}
	mu.RUnlock()

	s, _ := Load()
	return s
}

func update(fn func(*Settings)) error {
	Get() // ensure loaded

	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		current = DefaultSettings()
	}
	fn(current)
	return save()
}

// SetCrashReporting updates the crash reporting preference and saves.
func SetCrashReporting(enabled bool) error {
	return update(func(s *Settings) { s.CrashReporting = enabled })
}

// SetPreferredReader updates the watched reader and saves. An empty name
// means the first attached reader.
func SetPreferredReader(name string) error {
	return update(func(s *Settings) { s.PreferredReader = name })
}

// IsCrashReportingEnabled returns whether crash reporting is enabled.
func IsCrashReportingEnabled() bool {
	return Get().CrashReporting
}

// PreferredReader returns the reader the presence monitor should watch.
func PreferredReader() string {
	return Get().PreferredReader
}

// IsFirstRun reports whether the first-run prompts are still pending.
func IsFirstRun() bool {
	return !Get().FirstRunDone
}

// MarkFirstRunDone records that the first-run prompts were answered.
func MarkFirstRunDone() error {
	return update(func(s *Settings) { s.FirstRunDone = true })
}
