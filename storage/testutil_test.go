package storage

import (
	"testing"
	"time"

	"github.com/alichherawalla/easy-share-across-mobile-and-desktop/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustAddPairedDevice(t *testing.T, store *Store, deviceID string) {
	t.Helper()

	err := store.AddPairedDevice(models.PairedDevice{
		DeviceInfo: models.DeviceInfo{
			ID:       deviceID,
			Name:     "device " + deviceID,
			Platform: models.PlatformDesktop,
			Version:  "1.0.0",
		},
		SharedSecret: "c2VjcmV0LWZvci0" + deviceID,
		PairedAt:     time.Now().UnixMilli(),
	})
	if err != nil {
		t.Fatalf("add paired device %q: %v", deviceID, err)
	}
}
