// Package store provides the local SQLite persistence layer for the sync
// engine.
//
// One database file owns all local sync state:
//   - entities: the locally-applied snapshot of remote collections
//   - changes: the durable queue of outbound local mutations
//   - cursors: per-collection delta pull progress
//   - conflicts: detected local/remote divergences and their outcomes
//   - meta: key/value bookkeeping (cached capability, last session)
//   - sync_sessions: archive of completed sync runs
//
// The database runs in embedded mode with WAL for concurrent readers.
// All mutation goes through the component stores (tracker, delta,
// resolve); nothing bypasses their single-writer APIs.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DB wraps the SQLite connection with sync-specific functionality.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the database doesn't exist, it is created; call InitSchema before
// first use. The caller MUST call Close() when done.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Per-connection pragmas ride in the DSN so every pooled connection
	// gets them. synchronous=FULL because a queued change must survive
	// power loss once Append returns; WAL's default NORMAL only fsyncs
	// at checkpoints.
	connStr := fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(5000)&_pragma=synchronous(full)&_pragma=foreign_keys(on)",
		path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn: conn,
		path: path,
	}

	// WAL is persistent in the database file; setting it once suffices.
	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	return db, nil
}

// RawDB returns the underlying sql.DB connection.
// The component stores (tracker, delta, resolve) run their queries on it.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// Idempotent; safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	-- Locally-applied snapshot of remote collections
	CREATE TABLE IF NOT EXISTS entities (
		collection   TEXT NOT NULL,
		entity_id    TEXT NOT NULL,
		revision     TEXT NOT NULL DEFAULT '',
		payload      TEXT,
		last_updated TEXT NOT NULL,
		deleted      INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (collection, entity_id)
	);

	-- Durable queue of outbound local mutations.
	-- sequence is the process-wide monotonic ordering key.
	CREATE TABLE IF NOT EXISTS changes (
		sequence      INTEGER PRIMARY KEY AUTOINCREMENT,
		client_id     TEXT NOT NULL UNIQUE,
		collection    TEXT NOT NULL,
		entity_id     TEXT NOT NULL,
		operation     TEXT NOT NULL CHECK (operation IN ('create','update','delete')),
		payload       TEXT,
		base_revision TEXT NOT NULL DEFAULT '',
		created_at    TEXT NOT NULL,
		status        TEXT NOT NULL DEFAULT 'pending'
		              CHECK (status IN ('pending','in_flight','acked','failed','conflicted')),
		last_error    TEXT,
		conflict_id   INTEGER
	);

	-- Per-collection delta pull progress
	CREATE TABLE IF NOT EXISTS cursors (
		collection TEXT PRIMARY KEY,
		token      TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Detected local/remote divergences
	CREATE TABLE IF NOT EXISTS conflicts (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		collection       TEXT NOT NULL,
		entity_id        TEXT NOT NULL,
		change_sequence  INTEGER NOT NULL,
		policy           TEXT NOT NULL,
		local_client_id  TEXT NOT NULL,
		local_operation  TEXT NOT NULL,
		local_payload    TEXT,
		local_created_at TEXT NOT NULL,
		remote_revision  TEXT NOT NULL,
		remote_payload   TEXT,
		remote_updated   TEXT NOT NULL,
		remote_deleted   INTEGER NOT NULL DEFAULT 0,
		outcome          TEXT NOT NULL DEFAULT 'unresolved'
		                 CHECK (outcome IN ('unresolved','resolved_local','resolved_remote')),
		created_at       TEXT NOT NULL,
		resolved_at      TEXT
	);

	-- Key/value bookkeeping (cached capability, last session summary)
	CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	-- Archive of completed sync runs
	CREATE TABLE IF NOT EXISTS sync_sessions (
		session_id  TEXT PRIMARY KEY,
		started_at  TEXT NOT NULL,
		finished_at TEXT NOT NULL,
		state       TEXT NOT NULL,
		pushed      INTEGER NOT NULL DEFAULT 0,
		pulled      INTEGER NOT NULL DEFAULT 0,
		conflicted  INTEGER NOT NULL DEFAULT 0,
		failed      INTEGER NOT NULL DEFAULT 0,
		skipped     INTEGER NOT NULL DEFAULT 0
	);

	-- Indexes for queue draining and conflict lookup
	CREATE INDEX IF NOT EXISTS idx_changes_status ON changes(status);
	CREATE INDEX IF NOT EXISTS idx_changes_entity ON changes(collection, entity_id, sequence);
	CREATE INDEX IF NOT EXISTS idx_conflicts_outcome ON conflicts(outcome);
	CREATE INDEX IF NOT EXISTS idx_conflicts_entity ON conflicts(collection, entity_id);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// Entity is a locally-applied snapshot row.
type Entity struct {
	Collection  string
	EntityID    string
	Revision    string
	Payload     json.RawMessage
	LastUpdated time.Time
	Deleted     bool
}

// Execer abstracts *sql.DB and *sql.Tx so snapshot application can run
// inside the engine's pull transaction.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// ApplyRemote upserts a remote entity snapshot into the local store.
//
// Application is idempotent by (collection, entity_id): re-applying the
// same snapshot after a crash between apply and cursor commit produces
// the same final state. Deleted snapshots are kept as tombstones.
func (db *DB) ApplyRemote(ctx context.Context, e Entity) error {
	return ApplyRemoteTx(ctx, db.conn, e)
}

// ApplyRemoteTx is ApplyRemote running on an existing transaction.
func ApplyRemoteTx(ctx context.Context, ex Execer, e Entity) error {
	query := `
	INSERT INTO entities (collection, entity_id, revision, payload, last_updated, deleted)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(collection, entity_id) DO UPDATE SET
		revision = excluded.revision,
		payload = excluded.payload,
		last_updated = excluded.last_updated,
		deleted = excluded.deleted
	`

	deleted := 0
	if e.Deleted {
		deleted = 1
	}

	_, err := ex.ExecContext(ctx, query,
		e.Collection,
		e.EntityID,
		e.Revision,
		nullableText(e.Payload),
		e.LastUpdated.UTC().Format(time.RFC3339Nano),
		deleted,
	)
	if err != nil {
		return fmt.Errorf("failed to apply snapshot %s/%s: %w", e.Collection, e.EntityID, err)
	}

	return nil
}

// GetEntity retrieves a single entity snapshot.
// Returns sql.ErrNoRows if the entity is not present locally.
func (db *DB) GetEntity(ctx context.Context, collection, entityID string) (*Entity, error) {
	query := `
	SELECT collection, entity_id, revision, payload, last_updated, deleted
	FROM entities
	WHERE collection = ? AND entity_id = ?
	`

	row := db.conn.QueryRowContext(ctx, query, collection, entityID)

	var e Entity
	var payload sql.NullString
	var lastUpdated string
	var deleted int

	err := row.Scan(&e.Collection, &e.EntityID, &e.Revision, &payload, &lastUpdated, &deleted)
	if err != nil {
		return nil, err
	}

	if payload.Valid {
		e.Payload = json.RawMessage(payload.String)
	}
	if t, err := time.Parse(time.RFC3339Nano, lastUpdated); err == nil {
		e.LastUpdated = t
	}
	e.Deleted = deleted != 0

	return &e, nil
}

// CountEntities returns the number of snapshots held for a collection,
// excluding tombstones.
func (db *DB) CountEntities(ctx context.Context, collection string) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM entities WHERE collection = ? AND deleted = 0", collection).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count entities: %w", err)
	}
	return count, nil
}

// nullableText converts an optional payload to a nullable SQL string.
func nullableText(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: string(raw), Valid: true}
}
