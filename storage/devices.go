package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/alichherawalla/easy-share-across-mobile-and-desktop/models"
)

// AddPairedDevice inserts or replaces the pairing record for a device.
// Re-pairing the same device overwrites its stored secret.
func (s *Store) AddPairedDevice(device models.PairedDevice) error {
	if device.ID == "" {
		return errors.New("device id is required")
	}
	if device.SharedSecret == "" {
		return errors.New("shared secret is required")
	}
	if err := validatePlatform(device.Platform); err != nil {
		return err
	}

	_, err := s.db.Exec(
		`INSERT INTO paired_devices (
			device_id, device_name, platform, version, shared_secret, paired_at, last_connected
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			device_name = excluded.device_name,
			platform = excluded.platform,
			version = excluded.version,
			shared_secret = excluded.shared_secret,
			paired_at = excluded.paired_at,
			last_connected = excluded.last_connected`,
		device.ID,
		device.Name,
		device.Platform,
		device.Version,
		device.SharedSecret,
		device.PairedAt,
		nullInt64(device.LastConnected),
	)
	if err != nil {
		return fmt.Errorf("upsert paired device %q: %w", device.ID, err)
	}
	return nil
}

// PairedDevices lists all pairing records, most recent pairing first.
func (s *Store) PairedDevices() ([]models.PairedDevice, error) {
	rows, err := s.db.Query(
		`SELECT device_id, device_name, platform, version, shared_secret, paired_at, last_connected
		FROM paired_devices
		ORDER BY paired_at DESC, device_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list paired devices: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []models.PairedDevice
	for rows.Next() {
		device, err := scanPairedDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, device)
	}
	return out, rows.Err()
}

// GetPairedDevice fetches one pairing record by device ID.
func (s *Store) GetPairedDevice(deviceID string) (*models.PairedDevice, error) {
	row := s.db.QueryRow(
		`SELECT device_id, device_name, platform, version, shared_secret, paired_at, last_connected
		FROM paired_devices
		WHERE device_id = ?`,
		deviceID,
	)

	device, err := scanPairedDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &device, nil
}

// RemovePairedDevice deletes one pairing record.
func (s *Store) RemovePairedDevice(deviceID string) error {
	result, err := s.db.Exec(`DELETE FROM paired_devices WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("remove paired device %q: %w", deviceID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchPairedDevice records the most recent successful connection time.
func (s *Store) TouchPairedDevice(deviceID string, connectedAt int64) error {
	result, err := s.db.Exec(
		`UPDATE paired_devices SET last_connected = ? WHERE device_id = ?`,
		connectedAt, deviceID,
	)
	if err != nil {
		return fmt.Errorf("touch paired device %q: %w", deviceID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPairedDevice(row rowScanner) (models.PairedDevice, error) {
	var device models.PairedDevice
	var lastConnected sql.NullInt64
	err := row.Scan(
		&device.ID,
		&device.Name,
		&device.Platform,
		&device.Version,
		&device.SharedSecret,
		&device.PairedAt,
		&lastConnected,
	)
	if err != nil {
		return models.PairedDevice{}, err
	}
	device.LastConnected = int64Ptr(lastConnected)
	return device, nil
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}
