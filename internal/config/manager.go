package config

import (
	"os"
	"sync"

	"gopkg.in/yaml.v2"
)

// ProfileOverrides holds assessment-profile overrides, e.g. a stricter
// policy for final exams than for practice quizzes.
type ProfileOverrides struct {
	Browser   *BrowserConfig   `yaml:"browser"`
	Webcam    *WebcamConfig    `yaml:"webcam"`
	Integrity *IntegrityConfig `yaml:"integrity"`
}

// ProfilesConfig is the on-disk shape of profiles.yaml.
type ProfilesConfig struct {
	Profiles map[string]ProfileOverrides `yaml:"profiles"`
}

// Manager resolves the effective configuration for an assessment profile.
type Manager struct {
	mu       sync.RWMutex
	global   *Config
	profiles map[string]ProfileOverrides
}

// NewManager wraps an already-loaded global config with no profiles.
func NewManager(global *Config) *Manager {
	return &Manager{global: global, profiles: make(map[string]ProfileOverrides)}
}

// NewManagerFromFiles loads the master config and, if present, the profiles file.
func NewManagerFromFiles(masterPath, profilesPath string) (*Manager, error) {
	master, err := LoadConfig(masterPath)
	if err != nil {
		return nil, err
	}
	m := NewManager(master)
	if profilesPath == "" {
		return m, nil
	}
	if err := m.LoadProfiles(profilesPath); err != nil {
		return nil, err
	}
	return m, nil
}

// LoadProfiles replaces the profile table from a YAML file. A missing file
// leaves the manager with no profiles.
func (m *Manager) LoadProfiles(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	var pc ProfilesConfig
	if err := yaml.NewDecoder(f).Decode(&pc); err != nil {
		return err
	}
	m.SetProfiles(pc.Profiles)
	return nil
}

// SetProfiles installs profile overrides directly.
func (m *Manager) SetProfiles(profiles map[string]ProfileOverrides) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if profiles == nil {
		profiles = make(map[string]ProfileOverrides)
	}
	m.profiles = profiles
}

// Global returns the master configuration.
func (m *Manager) Global() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.global
}

// Get returns the effective config for a profile. Unknown or empty profile
// ids resolve to the global config. Overrides replace a whole section only
// when they set its identifying field.
func (m *Manager) Get(profileID string) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	effective := *m.global

	override, ok := m.profiles[profileID]
	if !ok {
		return &effective
	}

	if b := override.Browser; b != nil {
		if len(b.AllowedBrowsers) > 0 {
			effective.Browser.AllowedBrowsers = b.AllowedBrowsers
		}
		if b.MinScreenWidth != 0 {
			effective.Browser.MinScreenWidth = b.MinScreenWidth
			effective.Browser.MinScreenHeight = b.MinScreenHeight
		}
		if b.MaxIdleTimeSeconds != 0 {
			effective.Browser.MaxIdleTimeSeconds = b.MaxIdleTimeSeconds
		}
		if b.Policy.TerminationThreshold != 0 {
			effective.Browser.Policy = b.Policy
		}
		effective.Browser.BlockIncognito = effective.Browser.BlockIncognito || b.BlockIncognito
	}

	if w := override.Webcam; w != nil {
		if w.MinConfidence != 0 {
			effective.Webcam.MinConfidence = w.MinConfidence
		}
		if w.RetainFrames != 0 {
			effective.Webcam.RetainFrames = w.RetainFrames
		}
		effective.Webcam.DataMinimization = effective.Webcam.DataMinimization || w.DataMinimization
		effective.Webcam.AnonymizeFrames = effective.Webcam.AnonymizeFrames || w.AnonymizeFrames
	}

	if i := override.Integrity; i != nil {
		if i.Weights.Plagiarism != 0 && i.Weights.Typing != 0 && i.Weights.Response != 0 {
			effective.Integrity.Weights = i.Weights
		}
		if i.PlagiarismThreshold != 0 {
			effective.Integrity.PlagiarismThreshold = i.PlagiarismThreshold
		}
		if i.MinThinkTimeMs != 0 {
			effective.Integrity.MinThinkTimeMs = i.MinThinkTimeMs
		}
		if i.MaxCharsPerSecond != 0 {
			effective.Integrity.MaxCharsPerSecond = i.MaxCharsPerSecond
		}
	}

	return &effective
}
