// Package storage persists relaydeck state in a single sqlite database:
// the settings snapshot, events received from relays, and per-relay
// connection statistics.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNoEventID is returned by SaveEvent for events without an id.
var ErrNoEventID = errors.New("storage: event has no id")

// migrations are applied in order; PRAGMA user_version records how many ran.
var migrations = []string{
	`CREATE TABLE settings (
		key        TEXT PRIMARY KEY,
		value      BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE events (
		id         TEXT PRIMARY KEY,
		relay      TEXT NOT NULL,
		pubkey     TEXT NOT NULL DEFAULT '',
		kind       INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL DEFAULT 0,
		content    TEXT NOT NULL DEFAULT '',
		raw        BLOB NOT NULL,
		seen_at    INTEGER NOT NULL
	);
	CREATE INDEX idx_events_created_at ON events(created_at DESC)`,
	`CREATE TABLE relay_stats (
		relay          TEXT PRIMARY KEY,
		connects       INTEGER NOT NULL DEFAULT 0,
		exits          INTEGER NOT NULL DEFAULT 0,
		failures       INTEGER NOT NULL DEFAULT 0,
		last_state     TEXT NOT NULL DEFAULT '',
		last_connected INTEGER NOT NULL DEFAULT 0
	)`,
}

// Store is the sqlite-backed store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// StoredEvent is a relay event as persisted.
type StoredEvent struct {
	ID        string
	Relay     string
	Pubkey    string
	Kind      int
	CreatedAt time.Time
	Content   string
	Raw       json.RawMessage
}

// RelayStat summarises one relay's connection history.
type RelayStat struct {
	Relay         string
	Connects      int
	Exits         int
	Failures      int
	LastState     string
	LastConnected time.Time
}

// Setup opens the database at path, creating its directory if needed, and
// brings the schema up to date. path may be ":memory:".
func Setup(ctx context.Context, path string) (*Store, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("storage: create dir: %w", err)
		}
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}

	// sqlite serialises writers; one connection also keeps :memory: databases
	// from splitting into one per connection.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Version returns the schema version.
func (s *Store) Version(ctx context.Context) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("storage: read version: %w", err)
	}
	return v, nil
}

func (s *Store) migrate(ctx context.Context) error {
	current, err := s.Version(ctx)
	if err != nil {
		return err
	}

	if current > len(migrations) {
		return fmt.Errorf("storage: database version %d is newer than this build (%d)", current, len(migrations))
	}

	for i := current; i < len(migrations); i++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("storage: migration %d: %w", i+1, err)
		}

		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("storage: migration %d: %w", i+1, err)
		}
		// PRAGMA does not take bind parameters.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("storage: migration %d: %w", i+1, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("storage: migration %d: %w", i+1, err)
		}
	}

	return nil
}

// LoadSetting returns the value stored under key.
func (s *Store) LoadSetting(ctx context.Context, key string) ([]byte, bool, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&v)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("storage: load setting %s: %w", key, err)
	}
	return v, true, nil
}

// SaveSetting stores value under key, replacing any previous value.
func (s *Store) SaveSetting(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, s.now().Unix())
	if err != nil {
		return fmt.Errorf("storage: save setting %s: %w", key, err)
	}
	return nil
}

// eventFields are the columns lifted out of a raw event.
type eventFields struct {
	ID        string `json:"id"`
	Pubkey    string `json:"pubkey"`
	Kind      int    `json:"kind"`
	CreatedAt int64  `json:"created_at"`
	Content   string `json:"content"`
}

// SaveEvent stores a raw relay event. The same event seen on several relays
// is kept once, attributed to the relay that delivered it last.
func (s *Store) SaveEvent(ctx context.Context, relay string, event json.RawMessage) error {
	var f eventFields
	if err := json.Unmarshal(event, &f); err != nil {
		return fmt.Errorf("storage: decode event: %w", err)
	}
	if f.ID == "" {
		return ErrNoEventID
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, relay, pubkey, kind, created_at, content, raw, seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET relay = excluded.relay, seen_at = excluded.seen_at`,
		f.ID, relay, f.Pubkey, f.Kind, f.CreatedAt, f.Content, []byte(event), s.now().Unix())
	if err != nil {
		return fmt.Errorf("storage: save event %s: %w", f.ID, err)
	}
	return nil
}

// RecentEvents returns up to limit events, newest first.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]StoredEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, relay, pubkey, kind, created_at, content, raw
		FROM events ORDER BY created_at DESC, seen_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: recent events: %w", err)
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var (
			e       StoredEvent
			created int64
			raw     []byte
		)
		if err := rows.Scan(&e.ID, &e.Relay, &e.Pubkey, &e.Kind, &created, &e.Content, &raw); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		e.CreatedAt = time.Unix(created, 0)
		e.Raw = raw
		out = append(out, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: recent events: %w", err)
	}
	return out, nil
}

// RecordConnected counts a successful connection to relay.
func (s *Store) RecordConnected(ctx context.Context, relay string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relay_stats (relay, connects, last_state, last_connected) VALUES (?, 1, 'connected', ?)
		ON CONFLICT(relay) DO UPDATE SET
			connects = connects + 1,
			last_state = 'connected',
			last_connected = excluded.last_connected`,
		relay, s.now().Unix())
	if err != nil {
		return fmt.Errorf("storage: record connected %s: %w", relay, err)
	}
	return nil
}

// RecordExit counts a minion exit for relay. A "failed" state also counts
// as a failure.
func (s *Store) RecordExit(ctx context.Context, relay, state string) error {
	failed := 0
	if state == "failed" {
		failed = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relay_stats (relay, exits, failures, last_state) VALUES (?, 1, ?, ?)
		ON CONFLICT(relay) DO UPDATE SET
			exits = exits + 1,
			failures = failures + excluded.failures,
			last_state = excluded.last_state`,
		relay, failed, state)
	if err != nil {
		return fmt.Errorf("storage: record exit %s: %w", relay, err)
	}
	return nil
}

// RelayStats returns the statistics of every relay seen so far.
func (s *Store) RelayStats(ctx context.Context) ([]RelayStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT relay, connects, exits, failures, last_state, last_connected
		FROM relay_stats ORDER BY relay`)
	if err != nil {
		return nil, fmt.Errorf("storage: relay stats: %w", err)
	}
	defer rows.Close()

	var out []RelayStat
	for rows.Next() {
		var (
			r    RelayStat
			last int64
		)
		if err := rows.Scan(&r.Relay, &r.Connects, &r.Exits, &r.Failures, &r.LastState, &last); err != nil {
			return nil, fmt.Errorf("storage: scan relay stat: %w", err)
		}
		if last > 0 {
			r.LastConnected = time.Unix(last, 0)
		}
		out = append(out, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: relay stats: %w", err)
	}
	return out, nil
}
