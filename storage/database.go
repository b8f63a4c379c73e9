package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultDBFileName is the SQLite filename under the app data dir.
const DefaultDBFileName = "easyshare.db"

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS settings (
  id                      INTEGER PRIMARY KEY CHECK (id = 1),
  device_name             TEXT NOT NULL,
  device_id               TEXT NOT NULL,
  auto_accept_from_paired INTEGER NOT NULL DEFAULT 0,
  save_directory          TEXT NOT NULL,
  notifications_enabled   INTEGER NOT NULL DEFAULT 1
);
`,
	`
CREATE TABLE IF NOT EXISTS paired_devices (
  device_id      TEXT PRIMARY KEY,
  device_name    TEXT NOT NULL,
  platform       TEXT NOT NULL CHECK(platform IN ('desktop','mobile')),
  version        TEXT NOT NULL DEFAULT '',
  shared_secret  TEXT NOT NULL,
  paired_at      INTEGER NOT NULL,
  last_connected INTEGER
);
`,
	`
CREATE TABLE IF NOT EXISTS transfers (
  id                  TEXT PRIMARY KEY,
  kind                TEXT NOT NULL CHECK(kind IN ('text','file')),
  timestamp           INTEGER NOT NULL,
  direction           TEXT NOT NULL CHECK(direction IN ('send','receive')),
  device_id           TEXT NOT NULL,
  device_name         TEXT NOT NULL,
  content             TEXT,
  file_name           TEXT,
  file_size           INTEGER,
  mime_type           TEXT,
  file_path           TEXT,
  duration_ms         INTEGER,
  speed_bytes_per_sec REAL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_transfers_time
ON transfers (timestamp DESC, id DESC);
`,
}

// Store is the SQLite-backed Facade implementation.
type Store struct {
	db *sql.DB

	mu sync.Mutex
}

var _ Facade = (*Store)(nil)

// Open creates or opens the database under dataDir and applies migrations.
// It returns the store and the resolved database path.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, "", fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("ping sqlite database: %w", err)
	}

	for i, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			_ = db.Close()
			return nil, "", fmt.Errorf("apply migration %d: %w", i, err)
		}
	}

	return &Store{db: db}, dbPath, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
