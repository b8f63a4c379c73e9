package storage

import (
	"errors"
	"fmt"

	"github.com/alichherawalla/easy-share-across-mobile-and-desktop/models"
)

// ErrNotFound indicates a requested row does not exist.
var ErrNotFound = errors.New("storage: record not found")

// HistoryLimit caps the retained transfer history, newest first.
const HistoryLimit = 100

// Facade is the persistence contract the transfer core consumes. The core
// never touches the database directly; Store is the shipped implementation.
//
// Transfers returns the newest entries first; AddTransfer keeps the history
// capped at HistoryLimit.
type Facade interface {
	Settings() (models.AppSettings, error)
	UpdateSettings(patch models.SettingsPatch) (models.AppSettings, error)

	PairedDevices() ([]models.PairedDevice, error)
	GetPairedDevice(deviceID string) (*models.PairedDevice, error)
	AddPairedDevice(device models.PairedDevice) error
	RemovePairedDevice(deviceID string) error
	TouchPairedDevice(deviceID string, connectedAt int64) error

	Transfers() ([]models.Transfer, error)
	AddTransfer(transfer models.Transfer) error
	ClearTransfers() error
}

func validateDirection(direction string) error {
	switch direction {
	case models.DirectionSend, models.DirectionReceive:
		return nil
	default:
		return fmt.Errorf("invalid transfer direction %q", direction)
	}
}

func validateKind(kind string) error {
	switch kind {
	case models.TransferText, models.TransferFile:
		return nil
	default:
		return fmt.Errorf("invalid transfer kind %q", kind)
	}
}

func validatePlatform(platform string) error {
	switch platform {
	case models.PlatformDesktop, models.PlatformMobile:
		return nil
	default:
		return fmt.Errorf("invalid platform %q", platform)
	}
}
