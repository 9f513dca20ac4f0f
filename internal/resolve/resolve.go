// Package resolve decides the outcome when a pulled remote revision
// collides with a still-pending local change for the same entity.
//
// A conflict exists when the remote revision differs from the base
// revision the local change was recorded against (the optimistic-
// concurrency check). The policy is fixed per engine instance:
//
//   - LastWriteWins compares the remote snapshot's last-updated timestamp
//     against the local change's creation time; the later one wins. Exact
//     ties break on the lexicographically greater client ID, which is
//     deterministic and independent of resolution order.
//   - RemoteWins / LocalWins are unconditional.
//   - Manual records the divergence as unresolved and blocks the entity's
//     queue until Resolve is called with an outcome.
package resolve

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/tidwall/gjson"

	"github.com/driftline/driftline/internal/remote"
	"github.com/driftline/driftline/internal/store"
	"github.com/driftline/driftline/internal/tracker"
)

// Policy selects the resolution strategy for an engine instance.
type Policy string

const (
	PolicyLastWriteWins Policy = "last-write-wins"
	PolicyRemoteWins    Policy = "remote-wins"
	PolicyLocalWins     Policy = "local-wins"
	PolicyManual        Policy = "manual"
)

// ParsePolicy validates a configured policy name.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyLastWriteWins, PolicyRemoteWins, PolicyLocalWins, PolicyManual:
		return Policy(s), nil
	case "":
		return PolicyLastWriteWins, nil
	default:
		return "", fmt.Errorf("unknown conflict policy %q", s)
	}
}

// Outcome is the resolution decision for a conflict.
type Outcome string

const (
	OutcomeUnresolved     Outcome = "unresolved"
	OutcomeResolvedLocal  Outcome = "resolved_local"
	OutcomeResolvedRemote Outcome = "resolved_remote"
)

// Conflict is the persistent record of a detected local/remote
// divergence and its resolution.
type Conflict struct {
	ID             int64
	Collection     string
	EntityID       string
	ChangeSequence int64
	Policy         Policy
	LocalClientID  string
	LocalOperation remote.Operation
	LocalPayload   json.RawMessage
	LocalCreatedAt time.Time
	RemoteRevision string
	RemotePayload  json.RawMessage
	RemoteUpdated  time.Time
	RemoteDeleted  bool
	Outcome        Outcome
	CreatedAt      time.Time
	ResolvedAt     *time.Time
}

// Resolver owns the conflicts table and applies resolution outcomes.
type Resolver struct {
	db     *store.DB
	trk    *tracker.Tracker
	policy Policy
	logger *log.Logger
	now    func() time.Time
}

// New creates a Resolver with a fixed policy.
// If logger is nil, a default logger writing to stderr is used.
func New(db *store.DB, trk *tracker.Tracker, policy Policy, logger *log.Logger) *Resolver {
	if logger == nil {
		logger = log.New(os.Stderr, "[resolve] ", log.LstdFlags)
	}
	return &Resolver{
		db:     db,
		trk:    trk,
		policy: policy,
		logger: logger,
		now:    time.Now,
	}
}

// NewQuiet creates a Resolver that does not log. Used by tests.
func NewQuiet(db *store.DB, trk *tracker.Tracker, policy Policy) *Resolver {
	return New(db, trk, policy, log.New(io.Discard, "", 0))
}

// Policy returns the resolver's configured policy.
func (r *Resolver) Policy() Policy {
	return r.policy
}

// Detect reports whether the pulled record conflicts with the pending
// local change: the remote revision no longer matches the revision the
// change was based on.
func Detect(local *tracker.Record, rec remote.Record) bool {
	if local == nil {
		return false
	}
	return rec.Revision != local.BaseRevision
}

// Decide returns the outcome the policy selects for a conflict. Pure:
// repeated calls with the same inputs return the same outcome regardless
// of invocation order.
func (r *Resolver) Decide(local *tracker.Record, rec remote.Record) Outcome {
	switch r.policy {
	case PolicyRemoteWins:
		return OutcomeResolvedRemote
	case PolicyLocalWins:
		return OutcomeResolvedLocal
	case PolicyManual:
		return OutcomeUnresolved
	default: // last-write-wins
		remoteAt := remoteTimestamp(rec)
		switch {
		case remoteAt.After(local.CreatedAt):
			return OutcomeResolvedRemote
		case remoteAt.Before(local.CreatedAt):
			return OutcomeResolvedLocal
		default:
			// Exact timestamp tie: the lexicographically greater client
			// ID wins, so both sides of the sync reach the same answer.
			if rec.OriginID > local.ClientID {
				return OutcomeResolvedRemote
			}
			return OutcomeResolvedLocal
		}
	}
}

// remoteTimestamp returns the snapshot's last-updated time, falling back
// to a timestamp embedded in the payload when the envelope omits it.
func remoteTimestamp(rec remote.Record) time.Time {
	if !rec.LastUpdated.IsZero() {
		return rec.LastUpdated
	}
	for _, key := range []string{"last_updated", "lastUpdated", "updated_at"} {
		if v := gjson.GetBytes(rec.Payload, key); v.Exists() {
			if t := v.Time(); !t.IsZero() {
				return t
			}
		}
	}
	return time.Time{}
}

// ReconcileTx records the conflict and applies its outcome, all on the
// engine's pull transaction so the conflict record, the snapshot
// application and the change-record transition commit atomically with
// the batch's cursor advance.
//
//   - ResolvedRemote applies the pulled snapshot and discards the local
//     change.
//   - ResolvedLocal keeps the local change queued and rebases it onto the
//     remote revision; the pulled snapshot is not applied.
//   - Unresolved marks the change Conflicted, blocking the entity until
//     Resolve is called.
func (r *Resolver) ReconcileTx(ctx context.Context, ex store.Execer, local *tracker.Record, rec remote.Record) (*Conflict, error) {
	outcome := r.Decide(local, rec)
	now := r.now().UTC()

	c := &Conflict{
		Collection:     local.Collection,
		EntityID:       local.EntityID,
		ChangeSequence: local.Sequence,
		Policy:         r.policy,
		LocalClientID:  local.ClientID,
		LocalOperation: local.Operation,
		LocalPayload:   local.Payload,
		LocalCreatedAt: local.CreatedAt,
		RemoteRevision: rec.Revision,
		RemotePayload:  rec.Payload,
		RemoteUpdated:  remoteTimestamp(rec),
		RemoteDeleted:  rec.Deleted,
		Outcome:        outcome,
		CreatedAt:      now,
	}
	if outcome != OutcomeUnresolved {
		c.ResolvedAt = &now
	}

	id, err := r.insertTx(ctx, ex, c)
	if err != nil {
		return nil, err
	}
	c.ID = id

	switch outcome {
	case OutcomeResolvedRemote:
		if err := store.ApplyRemoteTx(ctx, ex, snapshotOf(rec)); err != nil {
			return nil, err
		}
		if err := r.trk.DiscardTx(ctx, ex, local.Sequence); err != nil {
			return nil, err
		}
	case OutcomeResolvedLocal:
		if err := r.trk.RebaseTx(ctx, ex, local.Sequence, rec.Revision); err != nil {
			return nil, err
		}
	case OutcomeUnresolved:
		if err := r.trk.MarkConflictedTx(ctx, ex, local.Sequence, c.ID); err != nil {
			return nil, err
		}
	}

	r.logger.Printf("Conflict on %s/%s (seq=%d): %s", c.Collection, c.EntityID, c.ChangeSequence, outcome)
	return c, nil
}

// Resolve supplies the outcome for an unresolved conflict from an
// external actor, unblocking the affected entity.
//
// ResolvedLocal re-queues the local payload as a fresh change record
// based on the conflicting remote revision; ResolvedRemote applies the
// stored remote snapshot as authoritative. Either way the original
// conflicted change record is discarded.
func (r *Resolver) Resolve(ctx context.Context, conflictID int64, outcome Outcome) error {
	if outcome != OutcomeResolvedLocal && outcome != OutcomeResolvedRemote {
		return fmt.Errorf("invalid resolution outcome %q", outcome)
	}

	c, err := r.Get(ctx, conflictID)
	if err != nil {
		return err
	}
	if c.Outcome != OutcomeUnresolved {
		return fmt.Errorf("conflict %d already resolved (%s)", conflictID, c.Outcome)
	}

	tx, err := r.db.RawDB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	switch outcome {
	case OutcomeResolvedLocal:
		if _, err := r.trk.AppendTx(ctx, tx, c.Collection, c.EntityID, c.LocalOperation, c.LocalPayload, c.RemoteRevision); err != nil {
			return fmt.Errorf("failed to re-queue local change: %w", err)
		}
	case OutcomeResolvedRemote:
		snapshot := store.Entity{
			Collection:  c.Collection,
			EntityID:    c.EntityID,
			Revision:    c.RemoteRevision,
			Payload:     c.RemotePayload,
			LastUpdated: c.RemoteUpdated,
			Deleted:     c.RemoteDeleted,
		}
		if err := store.ApplyRemoteTx(ctx, tx, snapshot); err != nil {
			return err
		}
	}

	if err := r.trk.DiscardTx(ctx, tx, c.ChangeSequence); err != nil {
		return err
	}

	now := r.now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE conflicts SET outcome = ?, resolved_at = ? WHERE id = ? AND outcome = 'unresolved'`,
		string(outcome), now.Format(time.RFC3339Nano), conflictID)
	if err != nil {
		return fmt.Errorf("failed to update conflict %d: %w", conflictID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("conflict %d already resolved", conflictID)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit resolution: %w", err)
	}

	r.logger.Printf("Resolved conflict %d on %s/%s: %s", conflictID, c.Collection, c.EntityID, outcome)
	return nil
}

// Get retrieves a conflict by ID.
func (r *Resolver) Get(ctx context.Context, id int64) (*Conflict, error) {
	rows, err := r.db.RawDB().QueryContext(ctx, selectConflicts+` WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflict: %w", err)
	}
	defer rows.Close()

	conflicts, err := scanConflicts(rows)
	if err != nil {
		return nil, err
	}
	if len(conflicts) == 0 {
		return nil, fmt.Errorf("conflict %d not found", id)
	}
	return conflicts[0], nil
}

// ListUnresolved returns conflicts awaiting manual resolution, oldest
// first.
func (r *Resolver) ListUnresolved(ctx context.Context) ([]*Conflict, error) {
	rows, err := r.db.RawDB().QueryContext(ctx,
		selectConflicts+` WHERE outcome = 'unresolved' ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query unresolved conflicts: %w", err)
	}
	defer rows.Close()

	return scanConflicts(rows)
}

const selectConflicts = `
SELECT id, collection, entity_id, change_sequence, policy,
       local_client_id, local_operation, local_payload, local_created_at,
       remote_revision, remote_payload, remote_updated, remote_deleted,
       outcome, created_at, resolved_at
FROM conflicts`

func (r *Resolver) insertTx(ctx context.Context, ex store.Execer, c *Conflict) (int64, error) {
	query := `
	INSERT INTO conflicts (
		collection, entity_id, change_sequence, policy,
		local_client_id, local_operation, local_payload, local_created_at,
		remote_revision, remote_payload, remote_updated, remote_deleted,
		outcome, created_at, resolved_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	deleted := 0
	if c.RemoteDeleted {
		deleted = 1
	}
	var resolvedAt sql.NullString
	if c.ResolvedAt != nil {
		resolvedAt = sql.NullString{String: c.ResolvedAt.Format(time.RFC3339Nano), Valid: true}
	}

	res, err := ex.ExecContext(ctx, query,
		c.Collection,
		c.EntityID,
		c.ChangeSequence,
		string(c.Policy),
		c.LocalClientID,
		string(c.LocalOperation),
		payloadText(c.LocalPayload),
		c.LocalCreatedAt.UTC().Format(time.RFC3339Nano),
		c.RemoteRevision,
		payloadText(c.RemotePayload),
		c.RemoteUpdated.UTC().Format(time.RFC3339Nano),
		deleted,
		string(c.Outcome),
		c.CreatedAt.Format(time.RFC3339Nano),
		resolvedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to record conflict for %s/%s: %w", c.Collection, c.EntityID, err)
	}

	return res.LastInsertId()
}

// snapshotOf converts a pulled record to a local snapshot row.
func snapshotOf(rec remote.Record) store.Entity {
	return store.Entity{
		Collection:  rec.Collection,
		EntityID:    rec.EntityID,
		Revision:    rec.Revision,
		Payload:     rec.Payload,
		LastUpdated: remoteTimestamp(rec),
		Deleted:     rec.Deleted,
	}
}

// scanConflicts scans conflict rows from query results.
func scanConflicts(rows *sql.Rows) ([]*Conflict, error) {
	var conflicts []*Conflict

	for rows.Next() {
		var c Conflict
		var policy, operation, outcome string
		var localPayload, remotePayload, resolvedAt sql.NullString
		var localCreatedAt, remoteUpdated, createdAt string
		var deleted int

		err := rows.Scan(
			&c.ID,
			&c.Collection,
			&c.EntityID,
			&c.ChangeSequence,
			&policy,
			&c.LocalClientID,
			&operation,
			&localPayload,
			&localCreatedAt,
			&c.RemoteRevision,
			&remotePayload,
			&remoteUpdated,
			&deleted,
			&outcome,
			&createdAt,
			&resolvedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}

		c.Policy = Policy(policy)
		c.LocalOperation = remote.Operation(operation)
		c.Outcome = Outcome(outcome)
		c.RemoteDeleted = deleted != 0
		if localPayload.Valid {
			c.LocalPayload = json.RawMessage(localPayload.String)
		}
		if remotePayload.Valid {
			c.RemotePayload = json.RawMessage(remotePayload.String)
		}
		if t, err := time.Parse(time.RFC3339Nano, localCreatedAt); err == nil {
			c.LocalCreatedAt = t
		}
		if t, err := time.Parse(time.RFC3339Nano, remoteUpdated); err == nil {
			c.RemoteUpdated = t
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			c.CreatedAt = t
		}
		if resolvedAt.Valid {
			if t, err := time.Parse(time.RFC3339Nano, resolvedAt.String); err == nil {
				c.ResolvedAt = &t
			}
		}

		conflicts = append(conflicts, &c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}

	return conflicts, nil
}

func payloadText(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: string(raw), Valid: true}
}
