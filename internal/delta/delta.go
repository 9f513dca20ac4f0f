// Package delta persists per-collection sync cursors and last-session
// metadata.
//
// A cursor only advances monotonically, and only after the pulled batch it
// terminates has been fully applied locally: the engine commits the cursor
// in the same transaction as the batch's snapshot application, so a crash
// between apply and commit simply re-fetches a range whose re-application
// is idempotent.
package delta

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/driftline/driftline/internal/store"
)

// Cursor marks pull progress for one collection. Token is an opaque
// server-issued delta token.
type Cursor struct {
	Collection string
	Token      string
	UpdatedAt  time.Time
}

// Store owns the cursors and meta tables.
type Store struct {
	db  *store.DB
	now func() time.Time
}

// New creates a delta store on an initialized database.
func New(db *store.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// GetCursor returns the cursor for a collection, or nil if the collection
// has never completed a pull.
func (s *Store) GetCursor(ctx context.Context, collection string) (*Cursor, error) {
	row := s.db.RawDB().QueryRowContext(ctx,
		`SELECT collection, token, updated_at FROM cursors WHERE collection = ?`, collection)

	var c Cursor
	var updatedAt string
	err := row.Scan(&c.Collection, &c.Token, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cursor for %s: %w", collection, err)
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		c.UpdatedAt = t
	}
	return &c, nil
}

// CommitCursor advances a collection's cursor. This must be the final
// step of a successful pull-and-apply; use CommitCursorTx to commit it
// atomically with the batch application.
func (s *Store) CommitCursor(ctx context.Context, collection, token string) error {
	return s.CommitCursorTx(ctx, s.db.RawDB(), collection, token)
}

// CommitCursorTx is CommitCursor running on an existing transaction.
func (s *Store) CommitCursorTx(ctx context.Context, ex store.Execer, collection, token string) error {
	query := `
	INSERT INTO cursors (collection, token, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(collection) DO UPDATE SET
		token = excluded.token,
		updated_at = excluded.updated_at
	`
	_, err := ex.ExecContext(ctx, query, collection, token, s.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to commit cursor for %s: %w", collection, err)
	}
	return nil
}

// GetMeta returns a metadata value, or "" if the key is unset.
func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	row := s.db.RawDB().QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key)

	var value string
	err := row.Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read meta %s: %w", key, err)
	}
	return value, nil
}

// SetMeta stores a metadata value.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	query := `
	INSERT INTO meta (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`
	if _, err := s.db.RawDB().ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to set meta %s: %w", key, err)
	}
	return nil
}

// Session is an archived sync run.
type Session struct {
	SessionID  string
	StartedAt  time.Time
	FinishedAt time.Time
	State      string
	Pushed     int
	Pulled     int
	Conflicted int
	Failed     int
	Skipped    int
}

// SaveSession archives a completed sync run.
func (s *Store) SaveSession(ctx context.Context, sess Session) error {
	query := `
	INSERT INTO sync_sessions (session_id, started_at, finished_at, state, pushed, pulled, conflicted, failed, skipped)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.RawDB().ExecContext(ctx, query,
		sess.SessionID,
		sess.StartedAt.UTC().Format(time.RFC3339Nano),
		sess.FinishedAt.UTC().Format(time.RFC3339Nano),
		sess.State,
		sess.Pushed,
		sess.Pulled,
		sess.Conflicted,
		sess.Failed,
		sess.Skipped,
	)
	if err != nil {
		return fmt.Errorf("failed to archive session %s: %w", sess.SessionID, err)
	}
	return nil
}

// RecentSessions returns the most recently finished sessions, newest
// first.
func (s *Store) RecentSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.RawDB().QueryContext(ctx, `
	SELECT session_id, started_at, finished_at, state, pushed, pulled, conflicted, failed, skipped
	FROM sync_sessions
	ORDER BY finished_at DESC
	LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var startedAt, finishedAt string
		err := rows.Scan(&sess.SessionID, &startedAt, &finishedAt, &sess.State,
			&sess.Pushed, &sess.Pulled, &sess.Conflicted, &sess.Failed, &sess.Skipped)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, startedAt); err == nil {
			sess.StartedAt = t
		}
		if t, err := time.Parse(time.RFC3339Nano, finishedAt); err == nil {
			sess.FinishedAt = t
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return sessions, nil
}
