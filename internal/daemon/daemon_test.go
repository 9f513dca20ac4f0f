package daemon

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/driftline/driftline/internal/config"
	"github.com/driftline/driftline/internal/engine"
	"github.com/driftline/driftline/internal/remote"
	"github.com/driftline/driftline/internal/store"
)

// stubService is a remote that acks everything and has nothing to pull.
type stubService struct{}

func (stubService) ServerInfo(ctx context.Context) (string, error) {
	return "1.4.0", nil
}

func (stubService) PushBatch(ctx context.Context, changes []remote.Change) ([]remote.PushResult, error) {
	out := make([]remote.PushResult, len(changes))
	for i, ch := range changes {
		out[i] = remote.PushResult{ClientID: ch.ClientID, Status: remote.PushAcked, Revision: "rev-1"}
	}
	return out, nil
}

func (stubService) FetchDeltas(ctx context.Context, collection, cursor string, limit int) (remote.DeltaPage, error) {
	return remote.DeltaPage{}, nil
}

func setupDaemon(t *testing.T) (*Daemon, *engine.Engine) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "drift.db")
	db, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatalf("Failed to initialize schema: %v", err)
	}

	cfg := config.Default()
	cfg.DatabasePath = dbPath
	cfg.Collections = []string{"notes"}
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffCap = 2 * time.Millisecond

	eng, err := engine.NewQuiet(db, stubService{}, cfg)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	d, err := NewWithConfig(eng, dbPath, &Config{
		SyncInterval:     50 * time.Millisecond,
		DebounceInterval: 10 * time.Millisecond,
		Logger:           log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("Failed to create daemon: %v", err)
	}
	return d, eng
}

func TestNewValidation(t *testing.T) {
	if _, err := New(nil, "/tmp/drift.db"); err == nil {
		t.Error("expected error for nil engine")
	}

	db, err := store.Open(filepath.Join(t.TempDir(), "drift.db"))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	defer db.Close()
	if err := db.InitSchema(); err != nil {
		t.Fatalf("Failed to initialize schema: %v", err)
	}

	cfg := config.Default()
	cfg.Collections = []string{"notes"}
	eng, err := engine.NewQuiet(db, stubService{}, cfg)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	if _, err := New(eng, ""); err == nil {
		t.Error("expected error for empty database path")
	}
}

func TestDaemonRunsSessions(t *testing.T) {
	d, eng := setupDaemon(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	// The startup trigger plus at least one interval tick
	deadline := time.Now().Add(3 * time.Second)
	for {
		sessions, err := eng.Cursors().RecentSessions(context.Background(), 10)
		if err != nil {
			t.Fatalf("RecentSessions failed: %v", err)
		}
		if len(sessions) >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("daemon archived %d sessions, want at least 2", len(sessions))
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("daemon did not shut down")
	}
}

// A local queue write lands in the database file and triggers an early
// session through the watcher, without waiting for the interval.
func TestDaemonSyncsOnLocalWrite(t *testing.T) {
	d, eng := setupDaemon(t)
	d.config.SyncInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	// Wait for the startup session to settle
	deadline := time.Now().Add(3 * time.Second)
	for {
		sessions, err := eng.Cursors().RecentSessions(context.Background(), 10)
		if err != nil {
			t.Fatalf("RecentSessions failed: %v", err)
		}
		if len(sessions) >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("startup session never ran")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := eng.Tracker().Append(context.Background(),
		"notes", "note-1", remote.OpCreate, []byte(`{"x":1}`), ""); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	deadline = time.Now().Add(3 * time.Second)
	for {
		counts, err := eng.Tracker().CountByStatus(context.Background())
		if err != nil {
			t.Fatalf("CountByStatus failed: %v", err)
		}
		if len(counts) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("queued change never synced: %v", counts)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("daemon did not shut down")
	}
}
