// Package remote defines the boundary to the remote data service.
//
// The sync engine depends only on the Service interface declared here,
// never on a concrete transport. A JSON-over-HTTP adapter is provided
// in this package for production use; tests substitute fakes.
package remote

import (
	"context"
	"encoding/json"
	"time"
)

// Operation identifies the kind of mutation carried by a Change.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Change is a locally-queued mutation in wire form.
//
// ClientID is the idempotency key assigned when the change was recorded;
// the server deduplicates retried pushes by it. BaseRevision is the entity
// revision the change was made against, used for the server-side
// optimistic-concurrency check.
type Change struct {
	ClientID     string          `json:"client_id"`
	Collection   string          `json:"collection"`
	EntityID     string          `json:"entity_id"`
	Operation    Operation       `json:"operation"`
	BaseRevision string          `json:"base_revision,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// PushStatus is the per-record outcome of a push batch.
type PushStatus string

const (
	// PushAcked means the server durably applied the change.
	PushAcked PushStatus = "acked"

	// PushValidationError means the server permanently rejected the change.
	// The record must not be retried.
	PushValidationError PushStatus = "validation_error"

	// PushTransientError means the server could not apply the change right
	// now. The record may be retried; deduplication by ClientID makes the
	// retry safe.
	PushTransientError PushStatus = "transient_error"
)

// PushResult reports the outcome for a single change in a batch.
type PushResult struct {
	ClientID string     `json:"client_id"`
	Status   PushStatus `json:"status"`
	// Revision is the entity revision after the change was applied.
	// Only set for acked results.
	Revision string `json:"revision,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Record is a remote entity snapshot delivered by a delta pull.
//
// OriginID carries the client ID of the change that produced this
// revision, when the server knows it. It participates in the
// last-write-wins tie-break.
type Record struct {
	Collection  string          `json:"collection"`
	EntityID    string          `json:"entity_id"`
	Revision    string          `json:"revision"`
	LastUpdated time.Time       `json:"last_updated"`
	Deleted     bool            `json:"deleted,omitempty"`
	OriginID    string          `json:"origin_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// DeltaPage is one page of a delta pull.
//
// NextCursor is the opaque token to resume from after this page has been
// fully applied locally. HasMore indicates further pages are available
// immediately.
type DeltaPage struct {
	Records    []Record `json:"records"`
	NextCursor string   `json:"next_cursor"`
	HasMore    bool     `json:"has_more"`
}

// Service is the remote data service contract the sync engine runs against.
type Service interface {
	// ServerInfo returns the remote service's version string (semver).
	ServerInfo(ctx context.Context) (string, error)

	// PushBatch submits a batch of changes and returns one result per
	// change, in the same order. A batch-level failure is returned as an
	// error; per-record failures appear in the results.
	PushBatch(ctx context.Context, changes []Change) ([]PushResult, error)

	// FetchDeltas returns entity snapshots changed since the given cursor
	// for one collection. An empty cursor requests deltas from the
	// beginning of history.
	FetchDeltas(ctx context.Context, collection, cursor string, limit int) (DeltaPage, error)
}
