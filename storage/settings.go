package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/alichherawalla/easy-share-across-mobile-and-desktop/models"
)

// EnsureSettings inserts the defaults row on first run. An existing row is
// left untouched.
func (s *Store) EnsureSettings(defaults models.AppSettings) error {
	if defaults.DeviceID == "" {
		return errors.New("device_id is required")
	}
	if defaults.DeviceName == "" {
		return errors.New("device_name is required")
	}
	if defaults.SaveDirectory == "" {
		return errors.New("save_directory is required")
	}

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO settings (
			id, device_name, device_id, auto_accept_from_paired, save_directory, notifications_enabled
		) VALUES (1, ?, ?, ?, ?, ?)`,
		defaults.DeviceName,
		defaults.DeviceID,
		boolToInt(defaults.AutoAcceptFromPaired),
		defaults.SaveDirectory,
		boolToInt(defaults.NotificationsEnabled),
	)
	if err != nil {
		return fmt.Errorf("seed settings: %w", err)
	}
	return nil
}

// Settings returns the persisted settings row.
func (s *Store) Settings() (models.AppSettings, error) {
	row := s.db.QueryRow(
		`SELECT device_name, device_id, auto_accept_from_paired, save_directory, notifications_enabled
		FROM settings WHERE id = 1`,
	)

	var settings models.AppSettings
	var autoAccept, notifications int
	err := row.Scan(&settings.DeviceName, &settings.DeviceID, &autoAccept, &settings.SaveDirectory, &notifications)
	if errors.Is(err, sql.ErrNoRows) {
		return models.AppSettings{}, ErrNotFound
	}
	if err != nil {
		return models.AppSettings{}, fmt.Errorf("read settings: %w", err)
	}

	settings.AutoAcceptFromPaired = autoAccept != 0
	settings.NotificationsEnabled = notifications != 0
	return settings, nil
}

// UpdateSettings applies a partial update and returns the resulting row.
func (s *Store) UpdateSettings(patch models.SettingsPatch) (models.AppSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.Settings()
	if err != nil {
		return models.AppSettings{}, err
	}

	if patch.DeviceName != nil {
		current.DeviceName = *patch.DeviceName
	}
	if patch.AutoAcceptFromPaired != nil {
		current.AutoAcceptFromPaired = *patch.AutoAcceptFromPaired
	}
	if patch.SaveDirectory != nil {
		current.SaveDirectory = *patch.SaveDirectory
	}
	if patch.NotificationsEnabled != nil {
		current.NotificationsEnabled = *patch.NotificationsEnabled
	}
	if current.DeviceName == "" {
		return models.AppSettings{}, errors.New("device_name cannot be empty")
	}
	if current.SaveDirectory == "" {
		return models.AppSettings{}, errors.New("save_directory cannot be empty")
	}

	_, err = s.db.Exec(
		`UPDATE settings SET
			device_name = ?,
			auto_accept_from_paired = ?,
			save_directory = ?,
			notifications_enabled = ?
		WHERE id = 1`,
		current.DeviceName,
		boolToInt(current.AutoAcceptFromPaired),
		current.SaveDirectory,
		boolToInt(current.NotificationsEnabled),
	)
	if err != nil {
		return models.AppSettings{}, fmt.Errorf("update settings: %w", err)
	}

	return current, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
