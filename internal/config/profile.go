package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"gopkg.in/yaml.v3"
)

const (
	appName    = "sonixflash"
	configFile = "config.yaml"
)

// ErrExists is returned by WriteDefault when the file is already present.
var ErrExists = errors.New("config file already exists")

var (
	// Global profile instance (loaded lazily)
	globalProfile     *Profile
	globalProfileOnce sync.Once
	globalProfileErr  error

	// Mutex for thread-safe file operations
	fileMutex sync.Mutex
)

// GetConfigDir returns the OS-appropriate configuration directory for the application.
//   - Linux: $XDG_CONFIG_HOME/sonixflash or $HOME/.config/sonixflash
//   - macOS: $HOME/.config/sonixflash
//   - Windows: %LOCALAPPDATA%\sonixflash
func GetConfigDir() (string, error) {
	var baseDir string

	switch runtime.GOOS {
	case "windows":
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData == "" {
			userProfile := os.Getenv("USERPROFILE")
			if userProfile == "" {
				return "", fmt.Errorf("cannot determine user profile directory (LOCALAPPDATA and USERPROFILE not set)")
			}
			baseDir = filepath.Join(userProfile, "AppData", "Local", appName)
		} else {
			baseDir = filepath.Join(localAppData, appName)
		}

	case "darwin":
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		baseDir = filepath.Join(homeDir, ".config", appName)

	default:
		xdgConfigHome := os.Getenv("XDG_CONFIG_HOME")
		if xdgConfigHome != "" {
			baseDir = filepath.Join(xdgConfigHome, appName)
		} else {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("cannot determine home directory: %w", err)
			}
			baseDir = filepath.Join(homeDir, ".config", appName)
		}
	}

	return baseDir, nil
}

// GetConfigPath returns the full path to the configuration file.
func GetConfigPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, configFile), nil
}

// LoadProfile loads the profile from the default path once per process.
// A missing file yields a default profile.
func LoadProfile() (*Profile, error) {
	globalProfileOnce.Do(func() {
		path, err := GetConfigPath()
		if err != nil {
			globalProfileErr = fmt.Errorf("failed to get config path: %w", err)
			return
		}
		globalProfile, globalProfileErr = LoadProfileFrom(path)
	})
	return globalProfile, globalProfileErr
}

// LoadProfileFrom reads a profile from path. A missing file yields a
// default profile.
func LoadProfileFrom(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return NewProfile(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseProfile(data)
}

// ParseProfile decodes and validates profile YAML.
func ParseProfile(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if p.Version == 0 {
		p.Version = CurrentVersion
	}
	if p.Version != CurrentVersion {
		return nil, fmt.Errorf("unsupported config version: %d (expected %d)", p.Version, CurrentVersion)
	}

	if p.Adapter == nil {
		p.Adapter = &Adapter{}
	}
	if p.Chips == nil {
		p.Chips = NewProfile().Chips
	}
	return &p, nil
}

// Marshal renders the profile with a header comment.
func (p *Profile) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	header := []byte(`# sonixflash configuration file
# Adapter defaults apply when the matching flag is not given.
# Chip overrides replace catalog values for one series, for example:
#
#   chips:
#     SN8F5702:
#       empty_value: 0x00

`)
	return append(header, data...), nil
}

// Save writes the profile to path atomically.
func (p *Profile) Save(path string) error {
	fileMutex.Lock()
	defer fileMutex.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := p.Marshal()
	if err != nil {
		return err
	}

	// Write to temporary file first (atomic write)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temporary config file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to save config file: %w", err)
	}
	return nil
}

// WriteDefault writes a commented default profile to path. An existing
// file is kept unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", ErrExists, path)
		}
	}

	p := NewProfile()
	p.Adapter.ResetPin = "rts"
	return p.Save(path)
}
