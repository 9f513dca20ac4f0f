package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func startTestServer(t *testing.T) *Server {
	t.Helper()

	s := NewServer(&Config{Port: 0, Logger: log.New(io.Discard, "", 0)})
	if err := s.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func TestHealthEndpoint(t *testing.T) {
	s := startTestServer(t)

	resp, err := http.Get(fmt.Sprintf("http://%s/health", s.GetAddr()))
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var body struct {
		Status  string `json:"status"`
		Clients int    `json:"clients"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode health response: %v", err)
	}
	if body.Status != "ok" || body.Clients != 0 {
		t.Errorf("health = %+v", body)
	}
}

func TestBroadcastReachesClient(t *testing.T) {
	s := startTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, fmt.Sprintf("ws://%s/ws", s.GetAddr()), nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Wait until the server registers the client before broadcasting
	deadline := time.Now().Add(3 * time.Second)
	for s.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	data, _ := json.Marshal(QueueData{Pending: 3, Failed: 1})
	s.Broadcast(Message{Type: MessageTypeQueue, Data: data})

	_, raw, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("websocket read failed: %v", err)
	}

	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("unmarshal broadcast: %v", err)
	}
	if msg.Type != MessageTypeQueue {
		t.Errorf("type = %s, want queue", msg.Type)
	}
	if msg.Timestamp.IsZero() {
		t.Error("broadcast timestamp not stamped")
	}

	var q QueueData
	if err := json.Unmarshal(msg.Data, &q); err != nil {
		t.Fatalf("unmarshal queue data: %v", err)
	}
	if q.Pending != 3 || q.Failed != 1 {
		t.Errorf("queue data = %+v", q)
	}
}

func TestClientDisconnectIsRemoved(t *testing.T) {
	s := startTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, fmt.Sprintf("ws://%s/ws", s.GetAddr()), nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for s.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	conn.Close(websocket.StatusNormalClosure, "done")

	deadline = time.Now().Add(3 * time.Second)
	for s.ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("client count = %d after disconnect", s.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
