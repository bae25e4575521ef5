package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const (
	// DefaultDBFileName is the SQLite filename under app data dir.
	DefaultDBFileName = "peerbeacon.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
	// DefaultSightingRetention controls automatic sighting history pruning.
	DefaultSightingRetention = 7 * 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS peers (
  peer_id             TEXT PRIMARY KEY,
  display_name        TEXT NOT NULL DEFAULT '',
  device_name         TEXT NOT NULL DEFAULT '',
  active              INTEGER NOT NULL DEFAULT 0,
  added_timestamp     INTEGER NOT NULL,
  last_seen_timestamp INTEGER,
  last_rssi           INTEGER,
  tx_power            INTEGER,
  distance            REAL,
  accuracy            REAL
);
`,
	`
CREATE TABLE IF NOT EXISTS peer_sightings (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  peer_id     TEXT NOT NULL REFERENCES peers(peer_id) ON DELETE CASCADE,
  device_name TEXT NOT NULL DEFAULT '',
  rssi        INTEGER NOT NULL,
  tx_power    INTEGER NOT NULL,
  distance    REAL NOT NULL,
  seen_at     INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_peer_sightings_peer_time
ON peer_sightings (peer_id, seen_at DESC, id DESC);
`,
	`
CREATE INDEX IF NOT EXISTS idx_peer_sightings_seen_at
ON peer_sightings (seen_at);
`,
	`
CREATE INDEX IF NOT EXISTS idx_peers_active_name
ON peers (active DESC, display_name, peer_id);
`,
}

// Store is the SQLite known-peer registry. It is safe for concurrent use.
type Store struct {
	db *sql.DB

	walCheckpointInterval time.Duration
	walCheckpointStop     chan struct{}
	walCheckpointWG       sync.WaitGroup
	sightingRetention     atomic.Int64
	closeOnce             sync.Once
}

// Open opens (or creates) the database file under the given data directory and runs migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", errors.Wrap(err, "create storage directory")
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}

	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite database")
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping sqlite database")
	}

	store := &Store{
		db:                    db,
		walCheckpointInterval: DefaultWALCheckpointInterval,
		walCheckpointStop:     make(chan struct{}),
	}
	store.sightingRetention.Store(int64(DefaultSightingRetention))
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.checkpointWAL(); err != nil {
		_ = db.Close()
		return nil, err
	}
	store.startWALCheckpointLoop()

	return store, nil
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		if s.walCheckpointStop != nil {
			close(s.walCheckpointStop)
			s.walCheckpointWG.Wait()
		}
		closeErr = s.db.Close()
		s.db = nil
	})
	return closeErr
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return errors.Wrap(err, "read schema version")
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "begin migration transaction")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return errors.Wrapf(err, "apply migration %d", i+1)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return errors.Wrapf(err, "set schema version %d", i+1)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit migration transaction")
	}

	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return errors.Wrap(err, "enable WAL mode")
	}
	if !strings.EqualFold(journalMode, "wal") {
		return errors.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (s *Store) checkpointWAL() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return errors.Wrap(err, "wal checkpoint truncate")
	}
	return nil
}

func (s *Store) startWALCheckpointLoop() {
	interval := s.walCheckpointInterval
	if interval <= 0 || s.walCheckpointStop == nil {
		return
	}

	s.walCheckpointWG.Add(1)
	go func() {
		defer s.walCheckpointWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.pruneExpiredSightings()
				_ = s.checkpointWAL()
			case <-s.walCheckpointStop:
				return
			}
		}
	}()
}
