package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/driftline/driftline/internal/config"
	"github.com/driftline/driftline/internal/delta"
	"github.com/driftline/driftline/internal/engine"
	"github.com/driftline/driftline/internal/remote"
	"github.com/driftline/driftline/internal/store"
)

// stubService acks every push and has nothing to pull.
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

func setupTestEngine(t *testing.T) *engine.Engine {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "drift.db"))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatalf("Failed to initialize schema: %v", err)
	}

	cfg := config.Default()
	cfg.Collections = []string{"notes"}
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffCap = 2 * time.Millisecond

	eng, err := engine.NewQuiet(db, stubService{}, cfg)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

// A settled session broadcasts progress, queue statistics, conflicts and
// the archived session list to connected clients.
func TestHandlerBroadcastsSessionLifecycle(t *testing.T) {
	s := startTestServer(t)
	eng := setupTestEngine(t)

	h := NewHandler(s, eng, log.New(io.Discard, "", 0))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dialCancel()
	conn, _, err := websocket.Dial(dialCtx, fmt.Sprintf("ws://%s/ws", s.GetAddr()), nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(3 * time.Second)
	for s.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// Let the handler's subscription attach before the session starts
	time.Sleep(50 * time.Millisecond)

	if _, err := eng.Tracker().Append(context.Background(),
		"notes", "note-1", remote.OpCreate, json.RawMessage(`{"x":1}`), ""); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if _, err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	readCtx, readCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer readCancel()

	seen := make(map[MessageType]bool)
	for !(seen[MessageTypeProgress] && seen[MessageTypeQueue] &&
		seen[MessageTypeConflicts] && seen[MessageTypeSessions]) {

		_, raw, err := conn.Read(readCtx)
		if err != nil {
			t.Fatalf("websocket read failed (seen so far: %v): %v", seen, err)
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("unmarshal broadcast: %v", err)
		}
		seen[msg.Type] = true

		if msg.Type == MessageTypeSessions {
			var sessions []delta.Session
			if err := json.Unmarshal(msg.Data, &sessions); err != nil {
				t.Fatalf("unmarshal sessions data: %v", err)
			}
			if len(sessions) == 0 || sessions[0].State != "idle" {
				t.Errorf("sessions data = %+v, want the archived idle session", sessions)
			}
		}
	}
}
