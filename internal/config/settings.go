package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// User is a local admin UI account. PasswordHash is a bcrypt hash.
type User struct {
	Email        string `yaml:"email"`
	PasswordHash string `yaml:"password_hash"`
}

// Settings holds the deployment vocabulary and access lists edited by
// operators rather than by the environment.
type Settings struct {
	Tracks            []string `yaml:"tracks"`
	InstallTypes      []string `yaml:"install_types"`
	ManifestModGroups []string `yaml:"manifest_mod_groups"`
	Admins            []string `yaml:"admins"`
	Users             []User   `yaml:"users"`
}

// LoadSettingsFromPath reads and validates the YAML settings file at path.
func LoadSettingsFromPath(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}

	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}
	s.applyDefaults()

	for i, u := range s.Users {
		if strings.TrimSpace(u.Email) == "" {
			return nil, fmt.Errorf("user %d: email is required", i)
		}
		if u.PasswordHash == "" {
			return nil, fmt.Errorf("user %s: password_hash is required", u.Email)
		}
	}
	return &s, nil
}

// LoadSettingsOrDefault loads path or falls back to DefaultSettings when the
// file cannot be read.
func LoadSettingsOrDefault(path string) *Settings {
	s, err := LoadSettingsFromPath(path)
	if err != nil {
		return DefaultSettings()
	}
	return s
}

// DefaultSettings returns the stock Munki vocabulary with no users.
func DefaultSettings() *Settings {
	s := &Settings{}
	s.applyDefaults()
	return s
}

func (s *Settings) applyDefaults() {
	if len(s.Tracks) == 0 {
		s.Tracks = []string{"unstable", "testing", "stable"}
	}
	if len(s.InstallTypes) == 0 {
		s.InstallTypes = []string{"managed_installs", "managed_uninstalls", "managed_updates", "optional_installs"}
	}
	if len(s.ManifestModGroups) == 0 {
		s.ManifestModGroups = []string{"support", "security", "physical_security"}
	}
	for i, a := range s.Admins {
		s.Admins[i] = strings.ToLower(strings.TrimSpace(a))
	}
	for i := range s.Users {
		s.Users[i].Email = strings.ToLower(strings.TrimSpace(s.Users[i].Email))
	}
}

// IsTrack reports whether name is a configured track.
func (s *Settings) IsTrack(name string) bool {
	return contains(s.Tracks, name)
}

// IsInstallType reports whether name is a configured install type.
func (s *Settings) IsInstallType(name string) bool {
	return contains(s.InstallTypes, name)
}

// IsManifestModGroup reports whether name is a configured modification group.
func (s *Settings) IsManifestModGroup(name string) bool {
	return contains(s.ManifestModGroups, name)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
