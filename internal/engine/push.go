package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/driftline/driftline/internal/feature"
	"github.com/driftline/driftline/internal/remote"
	"github.com/driftline/driftline/internal/tracker"
)

// errEntityHalted signals that the rest of an entity's queue must not be
// pushed this session. The blocking record has already been counted.
var errEntityHalted = errors.New("entity queue halted")

// push drains the pending queue: a snapshot of pending records is
// grouped per entity and pushed in sequence order, in batches sized by
// the remote's capability. A failure inside one entity's queue halts
// that entity only; other entities still push.
func (e *Engine) push(ctx context.Context, res *Result) error {
	records, err := e.trk.SnapshotPending(ctx, "")
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	type entityKey struct {
		collection string
		entityID   string
	}
	var order []entityKey
	queues := make(map[entityKey][]*tracker.Record)
	for _, r := range records {
		k := entityKey{r.Collection, r.EntityID}
		if _, ok := queues[k]; !ok {
			order = append(order, k)
		}
		queues[k] = append(queues[k], r)
	}

	limit := 1
	if feature.Supports(feature.BatchPush, res.Capability) {
		limit = e.cfg.BatchSize
	}
	conditional := feature.Supports(feature.ConditionalPush, res.Capability)
	deletes := feature.Supports(feature.DeletePropagation, res.Capability)

	for _, k := range order {
		if err := ctx.Err(); err != nil {
			return err
		}

		queue := queues[k]

		// A skipped delete cannot be reordered past; it parks the rest
		// of the entity's queue until the remote supports tombstones.
		if !deletes {
			for i, r := range queue {
				if r.Operation == remote.OpDelete {
					res.Stats.Skipped++
					res.Skipped = append(res.Skipped, issueOf(r, fmt.Sprintf(
						"delete requires remote version %s or later (remote is %s)",
						feature.MinVersion(feature.DeletePropagation), res.Capability)))
					queue = queue[:i]
					break
				}
			}
		}

		for start := 0; start < len(queue); start += limit {
			end := start + limit
			if end > len(queue) {
				end = len(queue)
			}

			err := e.pushBatch(ctx, res, queue[start:end], conditional)
			if err == nil {
				continue
			}
			if errors.Is(err, errEntityHalted) {
				break
			}
			if remote.IsAuth(err) || ctx.Err() != nil {
				return err
			}
			// Retries exhausted or a storage fault; the records were
			// released back to pending and will retry next session.
			res.Errors = append(res.Errors, fmt.Sprintf(
				"push %s/%s: %v", k.collection, k.entityID, err))
			break
		}
	}

	return nil
}

// pushBatch sends one per-entity batch and applies the per-record
// outcomes. Any transient result retries the whole batch; client-ID
// deduplication makes re-sending already-applied changes safe.
func (e *Engine) pushBatch(ctx context.Context, res *Result, batch []*tracker.Record, conditional bool) error {
	changes := make([]remote.Change, len(batch))
	for i, r := range batch {
		if err := e.trk.MarkInFlight(ctx, r.Sequence); err != nil {
			return err
		}
		changes[i] = r.Change()
		if !conditional {
			changes[i].BaseRevision = ""
		}
	}

	var results []remote.PushResult
	err := e.retry(ctx, "push batch", func() error {
		out, err := e.svc.PushBatch(ctx, changes)
		if err != nil {
			return err
		}
		for _, pr := range out {
			if pr.Status == remote.PushTransientError {
				return &remote.TransientError{
					Op:  "push batch",
					Err: fmt.Errorf("remote deferred change %s: %s", pr.ClientID, pr.Error),
				}
			}
		}
		results = out
		return nil
	})
	if err != nil {
		reason := err.Error()
		if remote.IsAuth(err) {
			reason = ""
		}
		e.releaseBatch(ctx, batch, reason)
		return err
	}

	byID := make(map[string]remote.PushResult, len(results))
	for _, pr := range results {
		byID[pr.ClientID] = pr
	}

	for i, r := range batch {
		pr, ok := byID[r.ClientID]
		if !ok {
			e.releaseBatch(ctx, batch[i:], "no push result returned")
			res.Errors = append(res.Errors, fmt.Sprintf(
				"push %s/%s: remote returned no result for change %s",
				r.Collection, r.EntityID, r.ClientID))
			return errEntityHalted
		}

		switch pr.Status {
		case remote.PushAcked:
			if err := e.trk.MarkAcked(ctx, r.Sequence); err != nil {
				return err
			}
			res.Stats.Pushed++
		case remote.PushValidationError:
			reason := pr.Error
			if reason == "" {
				reason = "remote rejected change"
			}
			if err := e.trk.MarkFailed(ctx, r.Sequence, reason); err != nil {
				return err
			}
			// Counted here; the record itself is reported at session end
			// together with failures carried over from earlier sessions.
			// Everything behind the failure stays pending; the entity is
			// blocked until the failure is acknowledged.
			res.Stats.Failed++
			e.releaseBatch(ctx, batch[i+1:], "")
			return errEntityHalted
		default:
			e.releaseBatch(ctx, batch[i:], "")
			res.Errors = append(res.Errors, fmt.Sprintf(
				"push %s/%s: unknown push status %q", r.Collection, r.EntityID, pr.Status))
			return errEntityHalted
		}
	}

	return nil
}

// releaseBatch returns in-flight records to pending. Records already
// acked or failed are unaffected by the guarded transition. The release
// runs on a detached context so a cancelled session still restores its
// queue.
func (e *Engine) releaseBatch(ctx context.Context, batch []*tracker.Record, reason string) {
	ctx = context.WithoutCancel(ctx)
	for _, r := range batch {
		if err := e.trk.Release(ctx, r.Sequence, reason); err != nil {
			e.logger.Printf("Failed to release change seq=%d: %v", r.Sequence, err)
		}
	}
}

func issueOf(r *tracker.Record, reason string) Issue {
	return Issue{
		Sequence:   r.Sequence,
		Collection: r.Collection,
		EntityID:   r.EntityID,
		Reason:     reason,
	}
}
