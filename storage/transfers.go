package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/alichherawalla/easy-share-across-mobile-and-desktop/models"
)

// AddTransfer inserts one finalized history entry and prunes the table down
// to HistoryLimit rows, keeping the newest.
func (s *Store) AddTransfer(transfer models.Transfer) error {
	if transfer.ID == "" {
		return errors.New("transfer id is required")
	}
	if err := validateKind(transfer.Kind); err != nil {
		return err
	}
	if err := validateDirection(transfer.Direction); err != nil {
		return err
	}
	if transfer.DeviceID == "" {
		return errors.New("device id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO transfers (
			id, kind, timestamp, direction, device_id, device_name,
			content, file_name, file_size, mime_type, file_path,
			duration_ms, speed_bytes_per_sec
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		transfer.ID,
		transfer.Kind,
		transfer.Timestamp,
		transfer.Direction,
		transfer.DeviceID,
		transfer.DeviceName,
		transfer.Content,
		transfer.FileName,
		transfer.FileSize,
		transfer.MimeType,
		transfer.FilePath,
		nullInt64(transfer.DurationMs),
		nullFloat64(transfer.SpeedBytesPerSec),
	)
	if err != nil {
		return fmt.Errorf("insert transfer %q: %w", transfer.ID, err)
	}

	_, err = s.db.Exec(
		`DELETE FROM transfers WHERE id NOT IN (
			SELECT id FROM transfers ORDER BY timestamp DESC, id DESC LIMIT ?
		)`,
		HistoryLimit,
	)
	if err != nil {
		return fmt.Errorf("prune transfer history: %w", err)
	}
	return nil
}

// Transfers lists the retained history, newest first.
func (s *Store) Transfers() ([]models.Transfer, error) {
	rows, err := s.db.Query(
		`SELECT id, kind, timestamp, direction, device_id, device_name,
			content, file_name, file_size, mime_type, file_path,
			duration_ms, speed_bytes_per_sec
		FROM transfers
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`,
		HistoryLimit,
	)
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []models.Transfer
	for rows.Next() {
		var transfer models.Transfer
		var content, fileName, mimeType, filePath sql.NullString
		var fileSize, durationMs sql.NullInt64
		var speed sql.NullFloat64
		err := rows.Scan(
			&transfer.ID,
			&transfer.Kind,
			&transfer.Timestamp,
			&transfer.Direction,
			&transfer.DeviceID,
			&transfer.DeviceName,
			&content,
			&fileName,
			&fileSize,
			&mimeType,
			&filePath,
			&durationMs,
			&speed,
		)
		if err != nil {
			return nil, err
		}
		transfer.Content = content.String
		transfer.FileName = fileName.String
		transfer.FileSize = fileSize.Int64
		transfer.MimeType = mimeType.String
		transfer.FilePath = filePath.String
		transfer.DurationMs = int64Ptr(durationMs)
		transfer.SpeedBytesPerSec = float64Ptr(speed)
		out = append(out, transfer)
	}
	return out, rows.Err()
}

// ClearTransfers deletes all history entries.
func (s *Store) ClearTransfers() error {
	if _, err := s.db.Exec(`DELETE FROM transfers`); err != nil {
		return fmt.Errorf("clear transfers: %w", err)
	}
	return nil
}

func nullFloat64(ptr *float64) sql.NullFloat64 {
	if ptr == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *ptr, Valid: true}
}

func float64Ptr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	v := nf.Float64
	return &v
}
