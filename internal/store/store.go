// Package store implements component C1 (the ID Binding Store) plus the
// opt-out set and the supporting actor-key / key-value tables spec §6 names
// as persisted state. It supports SQLite (default, no cgo) and PostgreSQL,
// selected by URL scheme, exactly as the teacher's db package does.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Store wraps a database connection and implements C1's get_event_id/
// insert/mark_stopped/is_stopped operations (spec §4.1).
type Store struct {
	db     *sql.DB
	driver string

	byAP    sync.Map // ap_id -> nostr event id (hex)
	byNostr sync.Map // nostr event id (hex) -> ap_id
}

// Open opens a database connection. databaseURL may be a bare file path
// (SQLite), "sqlite://path", or "postgres://..."/"postgresql://...".
func Open(databaseURL string) (*Store, error) {
	driver, dsn := detectDriver(databaseURL)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if driver == "sqlite" {
		const sqliteMaxConns = 4
		db.SetMaxOpenConns(sqliteMaxConns)
		db.SetMaxIdleConns(sqliteMaxConns)
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
			"PRAGMA foreign_keys=ON",
			"PRAGMA synchronous=NORMAL",
		} {
			if _, err := db.Exec(pragma); err != nil {
				return nil, fmt.Errorf("sqlite pragma (%s): %w", pragma, err)
			}
		}
		slog.Info("sqlite database opened", "max_conns", sqliteMaxConns)
	}

	return &Store{db: db, driver: driver}, nil
}

var commonMigrations = []string{
	// ap_id is the opaque (activity-id, authoring-host) binding key, already
	// serialized by the caller (see internal/translate's bindingKey helper);
	// nostr_id is the hex event id it was bound to.
	`CREATE TABLE IF NOT EXISTS bindings (
		ap_id    TEXT NOT NULL UNIQUE,
		nostr_id TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS bindings_nostr_id ON bindings(nostr_id)`,
	`CREATE TABLE IF NOT EXISTS opt_out (
		actor_id TEXT NOT NULL PRIMARY KEY
	)`,
	`CREATE TABLE IF NOT EXISTS actor_keys (
		pubkey       TEXT NOT NULL PRIMARY KEY,
		ap_actor_url TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS kv (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
}

// Migrate runs all pending migrations; idempotent.
func (s *Store) Migrate() error {
	slog.Info("running database migrations")
	for _, m := range commonMigrations {
		if _, err := s.db.Exec(m); err != nil {
			if s.driver == "postgres" && strings.Contains(err.Error(), "already exists") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	slog.Info("migrations complete")
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// ─── C1: ID Binding Store ───────────────────────────────────────────────────

// GetEventID returns the NET-N event id bound to apID, if any.
func (s *Store) GetEventID(apID string) (string, bool) {
	if v, ok := s.byAP.Load(apID); ok {
		return v.(string), true
	}
	var eventID string
	if err := s.db.QueryRow(`SELECT nostr_id FROM bindings WHERE ap_id = `+s.ph(1), apID).Scan(&eventID); err != nil {
		return "", false
	}
	s.byAP.Store(apID, eventID)
	s.byNostr.Store(eventID, apID)
	return eventID, true
}

// GetAPID returns the bound ap_id for a NET-N event id, if any — the
// reverse lookup Delete(Note) and Undo handling need.
func (s *Store) GetAPID(eventID string) (string, bool) {
	if v, ok := s.byNostr.Load(eventID); ok {
		return v.(string), true
	}
	var apID string
	if err := s.db.QueryRow(`SELECT ap_id FROM bindings WHERE nostr_id = `+s.ph(1), eventID).Scan(&apID); err != nil {
		return "", false
	}
	s.byAP.Store(apID, eventID)
	s.byNostr.Store(eventID, apID)
	return apID, true
}

// Insert durably binds apID to eventID. Writes are durable before this
// returns, satisfying the dedup contract in spec §4.1.
func (s *Store) Insert(apID, eventID string) error {
	var q string
	if s.driver == "sqlite" {
		q = `INSERT OR IGNORE INTO bindings (ap_id, nostr_id) VALUES (?, ?)`
	} else {
		q = `INSERT INTO bindings (ap_id, nostr_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`
	}
	if _, err := s.db.Exec(q, apID, eventID); err != nil {
		return fmt.Errorf("insert binding: %w", err)
	}
	s.byAP.Store(apID, eventID)
	s.byNostr.Store(eventID, apID)
	return nil
}

// DeleteBinding removes an id binding, e.g. after Delete(Note) completes.
func (s *Store) DeleteBinding(apID, eventID string) error {
	var q string
	if s.driver == "sqlite" {
		q = `DELETE FROM bindings WHERE ap_id = ? AND nostr_id = ?`
	} else {
		q = `DELETE FROM bindings WHERE ap_id = $1 AND nostr_id = $2`
	}
	_, err := s.db.Exec(q, apID, eventID)
	s.byAP.Delete(apID)
	s.byNostr.Delete(eventID)
	return err
}

// MarkStopped adds actorID to the opt-out set.
func (s *Store) MarkStopped(actorID string) error {
	var q string
	if s.driver == "sqlite" {
		q = `INSERT OR IGNORE INTO opt_out (actor_id) VALUES (?)`
	} else {
		q = `INSERT INTO opt_out (actor_id) VALUES ($1) ON CONFLICT DO NOTHING`
	}
	_, err := s.db.Exec(q, actorID)
	return err
}

// Unstop removes actorID from the opt-out set.
func (s *Store) Unstop(actorID string) error {
	var q string
	if s.driver == "sqlite" {
		q = `DELETE FROM opt_out WHERE actor_id = ?`
	} else {
		q = `DELETE FROM opt_out WHERE actor_id = $1`
	}
	_, err := s.db.Exec(q, actorID)
	return err
}

// IsStopped reports whether actorID is opted out.
func (s *Store) IsStopped(actorID string) bool {
	var x string
	return s.db.QueryRow(`SELECT actor_id FROM opt_out WHERE actor_id = `+s.ph(1), actorID).Scan(&x) == nil
}

// ─── Actor keys (derived pubkey ↔ AP actor URL) ─────────────────────────────

// StoreActorKey persists a derived NET-N pubkey → NET-A actor URL mapping.
func (s *Store) StoreActorKey(pubkey, actorURL string) error {
	var q string
	if s.driver == "sqlite" {
		q = `INSERT OR IGNORE INTO actor_keys (pubkey, ap_actor_url) VALUES (?, ?)`
	} else {
		q = `INSERT INTO actor_keys (pubkey, ap_actor_url) VALUES ($1, $2) ON CONFLICT DO NOTHING`
	}
	_, err := s.db.Exec(q, pubkey, actorURL)
	return err
}

// GetActorForKey returns the NET-A actor URL for a derived pubkey, if known.
func (s *Store) GetActorForKey(pubkey string) (string, bool) {
	var actorURL string
	if err := s.db.QueryRow(`SELECT ap_actor_url FROM actor_keys WHERE pubkey = `+s.ph(1), pubkey).Scan(&actorURL); err != nil {
		return "", false
	}
	return actorURL, true
}

// GetAllActorURLs returns every NET-A actor URL recorded in actor_keys.
func (s *Store) GetAllActorURLs() ([]string, error) {
	rows, err := s.db.Query(`SELECT ap_actor_url FROM actor_keys`)
	if err != nil {
		return nil, err
	}
	return scanStringRows(rows)
}

// ─── Key-value store ─────────────────────────────────────────────────────

// SetKV upserts a key-value pair.
func (s *Store) SetKV(key, value string) error {
	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`
	} else {
		q = `INSERT INTO kv (key, value) VALUES ($1, $2) ON CONFLICT(key) DO UPDATE SET value=EXCLUDED.value`
	}
	_, err := s.db.Exec(q, key, value)
	return err
}

// GetKV retrieves a value by key.
func (s *Store) GetKV(key string) (string, bool) {
	var value string
	if err := s.db.QueryRow(`SELECT value FROM kv WHERE key = `+s.ph(1), key).Scan(&value); err != nil {
		return "", false
	}
	return value, true
}

func scanStringRows(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var result []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	return result, rows.Err()
}

func (s *Store) ph(n int) string {
	if s.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func detectDriver(u string) (driver, dsn string) {
	if strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://") {
		return "postgres", u
	}
	if strings.HasPrefix(u, "sqlite://") {
		return "sqlite", strings.TrimPrefix(u, "sqlite://")
	}
	return "sqlite", u
}
