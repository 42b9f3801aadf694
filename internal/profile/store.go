package profile

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store records profile activations and device attachment history in
// SQLite. The history backs `keymapctl history` and lets a restarted daemon
// report what was last active.
type Store struct {
	db *sql.DB
}

// Migration is one schema step; applied in order, tracked in schema_version.
type migration struct {
	version int
	up      string
}

var migrations = []migration{
	{
		version: 1,
		up: `
CREATE TABLE IF NOT EXISTS activations (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    profile     TEXT NOT NULL,
    digest      TEXT NOT NULL,
    activated_at INTEGER NOT NULL,
    source      TEXT NOT NULL DEFAULT 'manual'
);

CREATE INDEX IF NOT EXISTS idx_activations_time ON activations(activated_at);

CREATE TABLE IF NOT EXISTS device_sessions (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    device_id   TEXT NOT NULL,
    device_name TEXT,
    attached_at INTEGER NOT NULL,
    detached_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_device_sessions_device ON device_sessions(device_id, attached_at);
`,
	},
}

// OpenStore opens or creates the history database and applies migrations.
func OpenStore(path string, busyTimeout time.Duration) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("profile: create db dir: %w", err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d", path, busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("profile: open db: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("profile: init schema_version: %w", err)
	}

	var current int
	err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current)
	if err != nil {
		return fmt.Errorf("profile: read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(m.up); err != nil {
			tx.Rollback()
			return fmt.Errorf("profile: migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("profile: record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// Activation is one recorded profile switch.
type Activation struct {
	ID          int64     `json:"id"`
	Profile     string    `json:"profile"`
	Digest      string    `json:"digest"`
	ActivatedAt time.Time `json:"activated_at"`
	Source      string    `json:"source"`
}

// RecordActivation logs a successful profile switch. Source is "manual"
// (IPC), "startup", or "watch" (artifact reload).
func (s *Store) RecordActivation(profile, digest, source string) error {
	_, err := s.db.Exec(
		`INSERT INTO activations (profile, digest, activated_at, source) VALUES (?, ?, ?, ?)`,
		profile, digest, time.Now().UnixNano(), source,
	)
	if err != nil {
		return fmt.Errorf("profile: record activation: %w", err)
	}
	return nil
}

// LastActivation returns the most recent activation, or nil if none.
func (s *Store) LastActivation() (*Activation, error) {
	row := s.db.QueryRow(
		`SELECT id, profile, digest, activated_at, source FROM activations ORDER BY id DESC LIMIT 1`)
	var a Activation
	var ns int64
	if err := row.Scan(&a.ID, &a.Profile, &a.Digest, &ns, &a.Source); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("profile: last activation: %w", err)
	}
	a.ActivatedAt = time.Unix(0, ns)
	return &a, nil
}

// Activations returns recent activations, newest first.
func (s *Store) Activations(limit int) ([]Activation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, profile, digest, activated_at, source FROM activations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("profile: list activations: %w", err)
	}
	defer rows.Close()

	var out []Activation
	for rows.Next() {
		var a Activation
		var ns int64
		if err := rows.Scan(&a.ID, &a.Profile, &a.Digest, &ns, &a.Source); err != nil {
			return nil, err
		}
		a.ActivatedAt = time.Unix(0, ns)
		out = append(out, a)
	}
	return out, rows.Err()
}

// RecordAttach logs a device coming under management and returns the
// session id for the matching detach.
func (s *Store) RecordAttach(deviceID, deviceName string) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO device_sessions (device_id, device_name, attached_at) VALUES (?, ?, ?)`,
		deviceID, deviceName, time.Now().UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("profile: record attach: %w", err)
	}
	return res.LastInsertId()
}

// RecordDetach closes a device session.
func (s *Store) RecordDetach(sessionID int64) error {
	_, err := s.db.Exec(
		`UPDATE device_sessions SET detached_at = ? WHERE id = ?`,
		time.Now().UnixNano(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("profile: record detach: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
