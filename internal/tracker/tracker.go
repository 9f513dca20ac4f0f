// Package tracker provides the durable, append-only local intent log.
//
// Every local mutation is recorded here before anything is sent to the
// remote service. Records carry a monotonic sequence (assigned at append)
// and a UUID client ID that travels to the remote side so retried pushes
// deduplicate server-side.
//
// Per-entity ordering is the tracker's core invariant: records for one
// entity are handed out and pushed strictly in sequence order, and a
// conflicted or un-acknowledged failed record blocks everything queued
// behind it for the same entity (fail-closed).
package tracker

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/driftline/driftline/internal/remote"
	"github.com/driftline/driftline/internal/store"
)

// Status is the lifecycle state of a change record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInFlight   Status = "in_flight"
	StatusAcked      Status = "acked"
	StatusFailed     Status = "failed"
	StatusConflicted Status = "conflicted"
)

// Record is a durably-queued local mutation awaiting synchronization.
type Record struct {
	Sequence     int64
	ClientID     string
	Collection   string
	EntityID     string
	Operation    remote.Operation
	Payload      json.RawMessage
	BaseRevision string
	CreatedAt    time.Time
	Status       Status
	LastError    string
	ConflictID   int64
}

// Change converts the record to its wire form for a push batch.
func (r *Record) Change() remote.Change {
	return remote.Change{
		ClientID:     r.ClientID,
		Collection:   r.Collection,
		EntityID:     r.EntityID,
		Operation:    r.Operation,
		BaseRevision: r.BaseRevision,
		Payload:      r.Payload,
		CreatedAt:    r.CreatedAt,
	}
}

// Tracker owns the changes table. All status transitions go through its
// API; the engine never touches records directly.
type Tracker struct {
	db     *store.DB
	logger *log.Logger
	now    func() time.Time
}

// New creates a Tracker on an initialized database.
// If logger is nil, a default logger writing to stderr is used.
func New(db *store.DB, logger *log.Logger) *Tracker {
	if logger == nil {
		logger = log.New(os.Stderr, "[tracker] ", log.LstdFlags)
	}
	return &Tracker{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

// NewQuiet creates a Tracker that does not log. Used by tests.
func NewQuiet(db *store.DB) *Tracker {
	return New(db, log.New(io.Discard, "", 0))
}

// Append durably records a local mutation and assigns the next monotonic
// sequence. The write is committed before Append returns; a failure here
// is fatal to the mutation and surfaced synchronously, never swallowed.
//
// baseRevision is the revision of the entity the mutation was made
// against (empty for creates); it feeds the optimistic-concurrency check
// during reconciliation.
func (t *Tracker) Append(ctx context.Context, collection, entityID string, op remote.Operation, payload json.RawMessage, baseRevision string) (*Record, error) {
	return t.AppendTx(ctx, t.db.RawDB(), collection, entityID, op, payload, baseRevision)
}

// AppendTx is Append running on an existing transaction. Used by conflict
// resolution to re-queue a local payload atomically with the discard of
// the conflicted record it supersedes.
func (t *Tracker) AppendTx(ctx context.Context, ex store.Execer, collection, entityID string, op remote.Operation, payload json.RawMessage, baseRevision string) (*Record, error) {
	if collection == "" {
		return nil, fmt.Errorf("collection cannot be empty")
	}
	if entityID == "" {
		return nil, fmt.Errorf("entityID cannot be empty")
	}
	switch op {
	case remote.OpCreate, remote.OpUpdate, remote.OpDelete:
	default:
		return nil, fmt.Errorf("invalid operation %q", op)
	}

	rec := &Record{
		ClientID:     uuid.NewString(),
		Collection:   collection,
		EntityID:     entityID,
		Operation:    op,
		Payload:      payload,
		BaseRevision: baseRevision,
		CreatedAt:    t.now().UTC(),
		Status:       StatusPending,
	}

	query := `
	INSERT INTO changes (client_id, collection, entity_id, operation, payload, base_revision, created_at, status)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	res, err := ex.ExecContext(ctx, query,
		rec.ClientID,
		rec.Collection,
		rec.EntityID,
		string(rec.Operation),
		payloadText(rec.Payload),
		rec.BaseRevision,
		rec.CreatedAt.Format(time.RFC3339Nano),
		string(rec.Status),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to append change: %w", err)
	}

	rec.Sequence, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read assigned sequence: %w", err)
	}

	t.logger.Printf("Appended change seq=%d %s %s/%s", rec.Sequence, rec.Operation, collection, entityID)
	return rec, nil
}

// SnapshotPending returns pending records in sequence order, forming the
// push-snapshot boundary for a sync session.
//
// Records queued behind a conflicted or failed record for the same entity
// are excluded: the blocked entity's queue does not move until the
// blocking record reaches a resolved outcome or is acknowledged.
//
// collection filters to one collection; pass "" for all.
func (t *Tracker) SnapshotPending(ctx context.Context, collection string) ([]*Record, error) {
	query := `
	SELECT sequence, client_id, collection, entity_id, operation, payload,
	       base_revision, created_at, status, last_error, conflict_id
	FROM changes c
	WHERE c.status = 'pending'
	  AND NOT EXISTS (
	      SELECT 1 FROM changes b
	      WHERE b.collection = c.collection
	        AND b.entity_id = c.entity_id
	        AND b.sequence < c.sequence
	        AND b.status IN ('failed', 'conflicted')
	  )
	`
	args := []interface{}{}
	if collection != "" {
		query += " AND c.collection = ?"
		args = append(args, collection)
	}
	query += " ORDER BY c.sequence ASC"

	rows, err := t.db.RawDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot pending changes: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// PendingForEntity returns the oldest unblocked pending record for one
// entity, or nil when the entity has no pending changes. Used during
// reconciliation to match pulled records against local intent.
func (t *Tracker) PendingForEntity(ctx context.Context, collection, entityID string) (*Record, error) {
	query := `
	SELECT sequence, client_id, collection, entity_id, operation, payload,
	       base_revision, created_at, status, last_error, conflict_id
	FROM changes
	WHERE collection = ? AND entity_id = ? AND status IN ('pending', 'in_flight')
	ORDER BY sequence ASC
	LIMIT 1
	`

	rows, err := t.db.RawDB().QueryContext(ctx, query, collection, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending change: %w", err)
	}
	defer rows.Close()

	recs, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return recs[0], nil
}

// PendingForEntityTx is PendingForEntity reading through an existing
// transaction, so reconciliation of a multi-record page sees the
// transitions made earlier in the same page.
func (t *Tracker) PendingForEntityTx(ctx context.Context, ex store.Execer, collection, entityID string) (*Record, error) {
	query := `
	SELECT sequence, client_id, collection, entity_id, operation, payload,
	       base_revision, created_at, status, last_error, conflict_id
	FROM changes
	WHERE collection = ? AND entity_id = ? AND status IN ('pending', 'in_flight')
	ORDER BY sequence ASC
	LIMIT 1
	`

	row := ex.QueryRowContext(ctx, query, collection, entityID)

	var rec Record
	var operation, status, createdAt string
	var payload, lastError sql.NullString
	var conflictID sql.NullInt64

	err := row.Scan(
		&rec.Sequence,
		&rec.ClientID,
		&rec.Collection,
		&rec.EntityID,
		&operation,
		&payload,
		&rec.BaseRevision,
		&createdAt,
		&status,
		&lastError,
		&conflictID,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query pending change: %w", err)
	}

	rec.Operation = remote.Operation(operation)
	rec.Status = Status(status)
	if payload.Valid {
		rec.Payload = json.RawMessage(payload.String)
	}
	if lastError.Valid {
		rec.LastError = lastError.String
	}
	if conflictID.Valid {
		rec.ConflictID = conflictID.Int64
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		rec.CreatedAt = t
	}

	return &rec, nil
}

// Get retrieves a single record by sequence.
// Returns sql.ErrNoRows if the record does not exist.
func (t *Tracker) Get(ctx context.Context, sequence int64) (*Record, error) {
	query := `
	SELECT sequence, client_id, collection, entity_id, operation, payload,
	       base_revision, created_at, status, last_error, conflict_id
	FROM changes
	WHERE sequence = ?
	`

	rows, err := t.db.RawDB().QueryContext(ctx, query, sequence)
	if err != nil {
		return nil, fmt.Errorf("failed to query change: %w", err)
	}
	defer rows.Close()

	recs, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, sql.ErrNoRows
	}
	return recs[0], nil
}

// MarkInFlight transitions a pending record to in_flight.
func (t *Tracker) MarkInFlight(ctx context.Context, sequence int64) error {
	return t.transition(ctx, sequence, StatusPending, StatusInFlight, "")
}

// MarkAcked transitions an in_flight record to acked. Acked records are
// removed by GC at session end.
func (t *Tracker) MarkAcked(ctx context.Context, sequence int64) error {
	return t.transition(ctx, sequence, StatusInFlight, StatusAcked, "")
}

// MarkFailed transitions a record to terminal failed with a reason.
// The entity's queue stays blocked until AcknowledgeFailed is called.
func (t *Tracker) MarkFailed(ctx context.Context, sequence int64, reason string) error {
	query := `UPDATE changes SET status = 'failed', last_error = ? WHERE sequence = ?`
	res, err := t.db.RawDB().ExecContext(ctx, query, reason, sequence)
	if err != nil {
		return fmt.Errorf("failed to mark change %d failed: %w", sequence, err)
	}
	return checkAffected(res, sequence)
}

// MarkConflicted transitions a record to conflicted, linking the conflict
// record that blocks it.
func (t *Tracker) MarkConflicted(ctx context.Context, sequence, conflictID int64) error {
	return t.MarkConflictedTx(ctx, t.db.RawDB(), sequence, conflictID)
}

// MarkConflictedTx is MarkConflicted running on an existing transaction.
func (t *Tracker) MarkConflictedTx(ctx context.Context, ex store.Execer, sequence, conflictID int64) error {
	query := `UPDATE changes SET status = 'conflicted', conflict_id = ? WHERE sequence = ?`
	res, err := ex.ExecContext(ctx, query, conflictID, sequence)
	if err != nil {
		return fmt.Errorf("failed to mark change %d conflicted: %w", sequence, err)
	}
	return checkAffected(res, sequence)
}

// Release returns an in_flight record to pending, clearing any error.
// Used when a batch is abandoned (transient failure, cancellation, pause)
// so the records are retried next session.
func (t *Tracker) Release(ctx context.Context, sequence int64, reason string) error {
	query := `UPDATE changes SET status = 'pending', last_error = ? WHERE sequence = ? AND status = 'in_flight'`
	if _, err := t.db.RawDB().ExecContext(ctx, query, nullableString(reason), sequence); err != nil {
		return fmt.Errorf("failed to release change %d: %w", sequence, err)
	}
	return nil
}

// Rebase updates a pending record's base revision after its entity's
// remote snapshot advanced but the local change won the conflict. The
// next push then passes the server's optimistic-concurrency check.
func (t *Tracker) Rebase(ctx context.Context, sequence int64, baseRevision string) error {
	return t.RebaseTx(ctx, t.db.RawDB(), sequence, baseRevision)
}

// RebaseTx is Rebase running on an existing transaction.
func (t *Tracker) RebaseTx(ctx context.Context, ex store.Execer, sequence int64, baseRevision string) error {
	query := `UPDATE changes SET base_revision = ? WHERE sequence = ?`
	res, err := ex.ExecContext(ctx, query, baseRevision, sequence)
	if err != nil {
		return fmt.Errorf("failed to rebase change %d: %w", sequence, err)
	}
	return checkAffected(res, sequence)
}

// Discard removes a record regardless of status. Used when a conflict
// resolves in favor of the remote side, or when a conflicted record is
// superseded by its re-queued replacement.
func (t *Tracker) Discard(ctx context.Context, sequence int64) error {
	return t.DiscardTx(ctx, t.db.RawDB(), sequence)
}

// DiscardTx is Discard running on an existing transaction.
func (t *Tracker) DiscardTx(ctx context.Context, ex store.Execer, sequence int64) error {
	if _, err := ex.ExecContext(ctx, `DELETE FROM changes WHERE sequence = ?`, sequence); err != nil {
		return fmt.Errorf("failed to discard change %d: %w", sequence, err)
	}
	return nil
}

// AcknowledgeFailed removes a terminal failed record after the caller has
// seen its failure, unblocking subsequent records for the same entity.
func (t *Tracker) AcknowledgeFailed(ctx context.Context, sequence int64) error {
	res, err := t.db.RawDB().ExecContext(ctx,
		`DELETE FROM changes WHERE sequence = ? AND status = 'failed'`, sequence)
	if err != nil {
		return fmt.Errorf("failed to acknowledge change %d: %w", sequence, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("change %d is not in failed status", sequence)
	}
	t.logger.Printf("Acknowledged failed change seq=%d", sequence)
	return nil
}

// ListFailed returns terminal failed records awaiting acknowledgement,
// oldest first. Each one blocks its entity's queue until acknowledged.
func (t *Tracker) ListFailed(ctx context.Context) ([]*Record, error) {
	query := `
	SELECT sequence, client_id, collection, entity_id, operation, payload,
	       base_revision, created_at, status, last_error, conflict_id
	FROM changes
	WHERE status = 'failed'
	ORDER BY sequence ASC
	`

	rows, err := t.db.RawDB().QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed changes: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// ResetInFlight returns all in_flight records to pending. Called at
// engine startup: records left in_flight by a crashed session are safe to
// retry because the remote deduplicates by client ID.
func (t *Tracker) ResetInFlight(ctx context.Context) (int64, error) {
	res, err := t.db.RawDB().ExecContext(ctx,
		`UPDATE changes SET status = 'pending' WHERE status = 'in_flight'`)
	if err != nil {
		return 0, fmt.Errorf("failed to reset in-flight changes: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n > 0 {
		t.logger.Printf("Reset %d in-flight changes to pending", n)
	}
	return n, nil
}

// GC removes acked records. Failed records are only removed through
// AcknowledgeFailed; conflicted records only through conflict resolution.
func (t *Tracker) GC(ctx context.Context) (int64, error) {
	res, err := t.db.RawDB().ExecContext(ctx, `DELETE FROM changes WHERE status = 'acked'`)
	if err != nil {
		return 0, fmt.Errorf("failed to garbage-collect changes: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n, nil
}

// CountByStatus returns the number of records per status.
func (t *Tracker) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := t.db.RawDB().QueryContext(ctx,
		`SELECT status, COUNT(*) FROM changes GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count changes: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating counts: %w", err)
	}
	return counts, nil
}

// transition performs a single guarded status update.
func (t *Tracker) transition(ctx context.Context, sequence int64, from, to Status, lastError string) error {
	query := `UPDATE changes SET status = ?, last_error = ? WHERE sequence = ? AND status = ?`
	res, err := t.db.RawDB().ExecContext(ctx, query,
		string(to), nullableString(lastError), sequence, string(from))
	if err != nil {
		return fmt.Errorf("failed to transition change %d to %s: %w", sequence, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("change %d is not in %s status", sequence, from)
	}
	return nil
}

// scanRecords scans change rows from query results.
func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var records []*Record

	for rows.Next() {
		var rec Record
		var operation, status, createdAt string
		var payload, lastError sql.NullString
		var conflictID sql.NullInt64

		err := rows.Scan(
			&rec.Sequence,
			&rec.ClientID,
			&rec.Collection,
			&rec.EntityID,
			&operation,
			&payload,
			&rec.BaseRevision,
			&createdAt,
			&status,
			&lastError,
			&conflictID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}

		rec.Operation = remote.Operation(operation)
		rec.Status = Status(status)
		if payload.Valid {
			rec.Payload = json.RawMessage(payload.String)
		}
		if lastError.Valid {
			rec.LastError = lastError.String
		}
		if conflictID.Valid {
			rec.ConflictID = conflictID.Int64
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			rec.CreatedAt = t
		}

		records = append(records, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating changes: %w", err)
	}

	return records, nil
}

func checkAffected(res sql.Result, sequence int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("change %d not found", sequence)
	}
	return nil
}

func payloadText(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}
