package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"
)

// setupTestDB creates an initialized database in a temp directory.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "drift.db"))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.InitSchema(); err != nil {
		t.Fatalf("Failed to initialize schema: %v", err)
	}
	return db
}

func TestOpenCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "drift.db")

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if db.Path() != path {
		t.Errorf("Path() = %q, want %q", db.Path(), path)
	}
}

// Appended changes must be on disk when the commit returns; FULL is the
// only WAL mode that fsyncs every commit.
func TestDurabilityPragmas(t *testing.T) {
	db := setupTestDB(t)

	var journalMode string
	if err := db.RawDB().QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %q, want wal", journalMode)
	}

	var synchronous int
	if err := db.RawDB().QueryRow("PRAGMA synchronous").Scan(&synchronous); err != nil {
		t.Fatalf("query synchronous: %v", err)
	}
	if synchronous != 2 {
		t.Errorf("synchronous = %d, want 2 (FULL)", synchronous)
	}

	var foreignKeys int
	if err := db.RawDB().QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys); err != nil {
		t.Fatalf("query foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Errorf("foreign_keys = %d, want 1", foreignKeys)
	}
}

func TestInitSchemaIdempotent(t *testing.T) {
	db := setupTestDB(t)

	if err := db.InitSchema(); err != nil {
		t.Fatalf("Second InitSchema failed: %v", err)
	}
}

func TestApplyRemoteAndGet(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	e := Entity{
		Collection:  "notes",
		EntityID:    "note-1",
		Revision:    "rev-1",
		Payload:     json.RawMessage(`{"title":"hello"}`),
		LastUpdated: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	if err := db.ApplyRemote(ctx, e); err != nil {
		t.Fatalf("ApplyRemote failed: %v", err)
	}

	got, err := db.GetEntity(ctx, "notes", "note-1")
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if got.Revision != "rev-1" {
		t.Errorf("Revision = %q, want rev-1", got.Revision)
	}
	if string(got.Payload) != `{"title":"hello"}` {
		t.Errorf("Payload = %s", got.Payload)
	}
	if !got.LastUpdated.Equal(e.LastUpdated) {
		t.Errorf("LastUpdated = %v, want %v", got.LastUpdated, e.LastUpdated)
	}
}

// Re-applying the same snapshot must produce the same final state, and a
// newer revision must replace an older one.
func TestApplyRemoteIdempotent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	e := Entity{
		Collection:  "notes",
		EntityID:    "note-1",
		Revision:    "rev-1",
		Payload:     json.RawMessage(`{"n":1}`),
		LastUpdated: time.Now().UTC(),
	}

	for i := 0; i < 3; i++ {
		if err := db.ApplyRemote(ctx, e); err != nil {
			t.Fatalf("ApplyRemote #%d failed: %v", i, err)
		}
	}

	n, err := db.CountEntities(ctx, "notes")
	if err != nil {
		t.Fatalf("CountEntities failed: %v", err)
	}
	if n != 1 {
		t.Errorf("CountEntities = %d, want 1", n)
	}

	e.Revision = "rev-2"
	e.Payload = json.RawMessage(`{"n":2}`)
	if err := db.ApplyRemote(ctx, e); err != nil {
		t.Fatalf("ApplyRemote update failed: %v", err)
	}

	got, err := db.GetEntity(ctx, "notes", "note-1")
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if got.Revision != "rev-2" || string(got.Payload) != `{"n":2}` {
		t.Errorf("got revision %q payload %s, want rev-2 {\"n\":2}", got.Revision, got.Payload)
	}
}

func TestApplyRemoteTombstone(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	e := Entity{
		Collection:  "notes",
		EntityID:    "note-1",
		Revision:    "rev-1",
		Payload:     json.RawMessage(`{"title":"doomed"}`),
		LastUpdated: time.Now().UTC(),
	}
	if err := db.ApplyRemote(ctx, e); err != nil {
		t.Fatalf("ApplyRemote failed: %v", err)
	}

	e.Revision = "rev-2"
	e.Deleted = true
	if err := db.ApplyRemote(ctx, e); err != nil {
		t.Fatalf("ApplyRemote tombstone failed: %v", err)
	}

	got, err := db.GetEntity(ctx, "notes", "note-1")
	if err != nil {
		t.Fatalf("GetEntity failed: %v", err)
	}
	if !got.Deleted {
		t.Error("expected tombstone, entity not marked deleted")
	}

	// Tombstones are excluded from the live count
	n, err := db.CountEntities(ctx, "notes")
	if err != nil {
		t.Fatalf("CountEntities failed: %v", err)
	}
	if n != 0 {
		t.Errorf("CountEntities = %d, want 0", n)
	}
}

func TestGetEntityNotFound(t *testing.T) {
	db := setupTestDB(t)

	_, err := db.GetEntity(context.Background(), "notes", "missing")
	if err != sql.ErrNoRows {
		t.Errorf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestApplyRemoteTxRollback(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	tx, err := db.RawDB().BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("BeginTx failed: %v", err)
	}

	e := Entity{
		Collection:  "notes",
		EntityID:    "note-1",
		Revision:    "rev-1",
		LastUpdated: time.Now().UTC(),
	}
	if err := ApplyRemoteTx(ctx, tx, e); err != nil {
		t.Fatalf("ApplyRemoteTx failed: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}

	if _, err := db.GetEntity(ctx, "notes", "note-1"); err != sql.ErrNoRows {
		t.Errorf("expected rolled-back entity to be absent, got err=%v", err)
	}
}
