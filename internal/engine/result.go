package engine

import (
	"time"

	"github.com/driftline/driftline/internal/feature"
)

// State is the sync engine's externally observable state.
type State string

const (
	StateIdle        State = "idle"
	StateProbing     State = "probing"
	StatePushing     State = "pushing"
	StatePulling     State = "pulling"
	StateReconciling State = "reconciling"
	StatePaused      State = "paused"
	StateFailed      State = "failed"
)

// Stats are the headline counters of a sync session.
type Stats struct {
	Pushed     int `json:"pushed"`
	Pulled     int `json:"pulled"`
	Conflicted int `json:"conflicted"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}

// Issue identifies a change record that needs attention: a terminal
// failure, a version-gated skip, or a conflict awaiting manual
// resolution. Nothing is silently dropped; every skipped or failed
// record appears here with its reason.
type Issue struct {
	Sequence   int64  `json:"sequence"`
	Collection string `json:"collection"`
	EntityID   string `json:"entity_id"`
	Reason     string `json:"reason"`
}

// Result is the outcome of one sync session, always populated with
// counts and per-record issues regardless of whether the session as a
// whole succeeded.
type Result struct {
	SessionID  string             `json:"session_id"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
	Capability feature.Capability `json:"capability"`

	// State is the final session state: idle for a completed run,
	// paused when an auth failure stopped it, failed for a fatal error.
	State State `json:"state"`

	Stats      Stats   `json:"stats"`
	Failed     []Issue `json:"failed,omitempty"`
	Skipped    []Issue `json:"skipped,omitempty"`
	Unresolved []Issue `json:"unresolved,omitempty"`

	// Errors are non-fatal errors that were retried past policy limits
	// or otherwise absorbed without stopping the session.
	Errors []string `json:"errors,omitempty"`

	// AuthReason is set when the session paused on an auth failure.
	AuthReason string `json:"auth_reason,omitempty"`
}

// Progress is an externally observable progress event emitted by the
// engine as a session moves through its states. This stream is the
// "loading" surface; it is not part of the persisted data model.
type Progress struct {
	SessionID string    `json:"session_id"`
	State     State     `json:"state"`
	Stats     Stats     `json:"stats"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
