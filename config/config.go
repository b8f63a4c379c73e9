package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/alichherawalla/easy-share-across-mobile-and-desktop/crypto"
	"github.com/alichherawalla/easy-share-across-mobile-and-desktop/models"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "easyshare"
	// AppVersion is advertised over mDNS and carried in pairing messages.
	AppVersion = "1.0.0"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
	// downloadsDirName is the default save directory under the data dir.
	downloadsDirName = "downloads"
)

// DeviceConfig contains persistent local-device identity and paths. The
// device ID is generated once on first run and never changes.
type DeviceConfig struct {
	DeviceID      string `json:"device_id"`
	DeviceName    string `json:"device_name"`
	Platform      string `json:"platform"`
	SaveDirectory string `json:"save_directory"`
}

// LocalDevice converts the config into the identity tuple the core uses.
func (c *DeviceConfig) LocalDevice() models.DeviceInfo {
	return models.DeviceInfo{
		ID:       c.DeviceID,
		Name:     c.DeviceName,
		Platform: c.Platform,
		Version:  AppVersion,
	}
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If EASYSHARE_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("EASYSHARE_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, downloadsDirName),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both the
// config and its path.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg, err = defaultConfig(dataDir)
		if err != nil {
			return nil, "", err
		}
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	updated, err := normalizeDefaults(cfg, dataDir)
	if err != nil {
		return nil, "", err
	}
	if updated {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) (*DeviceConfig, error) {
	deviceID, err := crypto.NewDeviceID()
	if err != nil {
		return nil, err
	}

	deviceName := "EasyShare Device"
	if host, err := os.Hostname(); err == nil && host != "" {
		deviceName = host
	}

	return &DeviceConfig{
		DeviceID:      deviceID,
		DeviceName:    deviceName,
		Platform:      models.PlatformDesktop,
		SaveDirectory: filepath.Join(dataDir, downloadsDirName),
	}, nil
}

func normalizeDefaults(cfg *DeviceConfig, dataDir string) (bool, error) {
	updated := false

	if cfg.DeviceID == "" {
		deviceID, err := crypto.NewDeviceID()
		if err != nil {
			return false, err
		}
		cfg.DeviceID = deviceID
		updated = true
	}

	if cfg.DeviceName == "" {
		deviceName := "EasyShare Device"
		if host, err := os.Hostname(); err == nil && host != "" {
			deviceName = host
		}
		cfg.DeviceName = deviceName
		updated = true
	}

	if normalized := models.NormalizePlatform(cfg.Platform); cfg.Platform != normalized {
		cfg.Platform = normalized
		updated = true
	}

	if cfg.SaveDirectory == "" {
		cfg.SaveDirectory = filepath.Join(dataDir, downloadsDirName)
		updated = true
	}

	return updated, nil
}
