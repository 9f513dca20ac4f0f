// Package dashboard bridges engine progress events to the WebSocket server.
package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/driftline/driftline/internal/engine"
)

// Handler subscribes to engine progress and republishes it, together
// with queue statistics, as dashboard messages.
type Handler struct {
	server *Server
	eng    *engine.Engine
	logger *log.Logger
}

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, eng *engine.Engine, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}

	return &Handler{
		server: server,
		eng:    eng,
		logger: logger,
	}
}

// Run forwards engine progress to connected clients until ctx is
// cancelled. Queue statistics are refreshed whenever a session settles.
func (h *Handler) Run(ctx context.Context) {
	events, cancel := h.eng.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return

		case p, ok := <-events:
			if !ok {
				return
			}
			h.onProgress(ctx, p)
		}
	}
}

// onProgress broadcasts a progress event, and queue state once the
// session has settled.
func (h *Handler) onProgress(ctx context.Context, p engine.Progress) {
	dataJSON, err := json.Marshal(p)
	if err != nil {
		h.logger.Printf("Failed to marshal progress: %v", err)
		return
	}

	h.server.Broadcast(Message{
		Type:      MessageTypeProgress,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})

	switch p.State {
	case engine.StateIdle, engine.StatePaused, engine.StateFailed:
		h.broadcastQueue(ctx)
		h.broadcastConflicts(ctx)
		h.BroadcastSessions(ctx, 10)
	}
}

// broadcastQueue sends current change-queue statistics to all clients
func (h *Handler) broadcastQueue(ctx context.Context) {
	counts, err := h.eng.Tracker().CountByStatus(ctx)
	if err != nil {
		h.logger.Printf("Failed to count queue: %v", err)
		return
	}

	data := QueueData{
		Pending:    counts["pending"],
		InFlight:   counts["in_flight"],
		Failed:     counts["failed"],
		Conflicted: counts["conflicted"],
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal queue data: %v", err)
		return
	}

	h.server.Broadcast(Message{
		Type:      MessageTypeQueue,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}

// broadcastConflicts sends the unresolved conflict count to all clients
func (h *Handler) broadcastConflicts(ctx context.Context) {
	conflicts, err := h.eng.Resolver().ListUnresolved(ctx)
	if err != nil {
		h.logger.Printf("Failed to list conflicts: %v", err)
		return
	}

	dataJSON, err := json.Marshal(ConflictsData{Unresolved: len(conflicts)})
	if err != nil {
		h.logger.Printf("Failed to marshal conflict data: %v", err)
		return
	}

	h.server.Broadcast(Message{
		Type:      MessageTypeConflicts,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}

// BroadcastSessions sends recently archived sessions to all clients
func (h *Handler) BroadcastSessions(ctx context.Context, limit int) {
	sessions, err := h.eng.Cursors().RecentSessions(ctx, limit)
	if err != nil {
		h.logger.Printf("Failed to load sessions: %v", err)
		return
	}

	dataJSON, err := json.Marshal(sessions)
	if err != nil {
		h.logger.Printf("Failed to marshal sessions: %v", err)
		return
	}

	h.server.Broadcast(Message{
		Type:      MessageTypeSessions,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}
