package engine

import (
	"context"
	"fmt"

	"github.com/driftline/driftline/internal/feature"
	"github.com/driftline/driftline/internal/remote"
	"github.com/driftline/driftline/internal/resolve"
	"github.com/driftline/driftline/internal/store"
)

// pull fetches remote snapshots for every tracked collection and applies
// them page by page. Without delta support the cursor is left empty and
// every pull re-fetches from the beginning of history; re-application is
// idempotent so this only costs bandwidth.
func (e *Engine) pull(ctx context.Context, res *Result) error {
	useDelta := feature.Supports(feature.DeltaSync, res.Capability)
	reconciling := false

	for _, collection := range e.cfg.Collections {
		if err := ctx.Err(); err != nil {
			return err
		}

		token := ""
		if useDelta {
			c, err := e.cursors.GetCursor(ctx, collection)
			if err != nil {
				return err
			}
			if c != nil {
				token = c.Token
			}
		}

		for {
			var page remote.DeltaPage
			err := e.retry(ctx, fmt.Sprintf("pull %s", collection), func() error {
				p, err := e.svc.FetchDeltas(ctx, collection, token, e.cfg.BatchSize)
				if err != nil {
					return err
				}
				page = p
				return nil
			})
			if err != nil {
				if remote.IsAuth(err) || ctx.Err() != nil {
					return err
				}
				// Retries exhausted; the cursor stays put and the next
				// session re-fetches this page.
				res.Errors = append(res.Errors, fmt.Sprintf("pull %s: %v", collection, err))
				break
			}

			if err := e.applyPage(ctx, res, collection, page, useDelta, &reconciling); err != nil {
				return err
			}

			if !page.HasMore {
				break
			}
			// A server claiming more data without advancing the cursor
			// would loop forever on the same range.
			if page.NextCursor == "" || page.NextCursor == token {
				res.Errors = append(res.Errors, fmt.Sprintf(
					"pull %s: remote reports more data but the cursor did not advance", collection))
				break
			}
			token = page.NextCursor
		}
	}

	return nil
}

// applyPage applies one delta page inside a single transaction: snapshot
// upserts, conflict records with their side effects, and the cursor
// advance commit together. A crash mid-page loses nothing; the page is
// re-fetched and re-applied idempotently.
func (e *Engine) applyPage(ctx context.Context, res *Result, collection string, page remote.DeltaPage, useDelta bool, reconciling *bool) error {
	if len(page.Records) == 0 && (!useDelta || page.NextCursor == "") {
		return nil
	}

	tx, err := e.db.RawDB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin pull transaction: %w", err)
	}
	defer tx.Rollback()

	for _, rec := range page.Records {
		if rec.Collection == "" {
			rec.Collection = collection
		}

		local, err := e.trk.PendingForEntityTx(ctx, tx, rec.Collection, rec.EntityID)
		if err != nil {
			return err
		}

		if resolve.Detect(local, rec) {
			if !*reconciling {
				e.setState(StateReconciling, res, "")
				*reconciling = true
			}
			// Unresolved conflicts are collected once at session end,
			// covering both new and carried-over ones.
			if _, err := e.resolver.ReconcileTx(ctx, tx, local, rec); err != nil {
				return err
			}
			res.Stats.Conflicted++
		} else {
			// No divergence: either no local intent for this entity, or
			// the snapshot is the revision the local change is based on.
			if err := store.ApplyRemoteTx(ctx, tx, entityOf(rec)); err != nil {
				return err
			}
		}
		res.Stats.Pulled++
	}

	if useDelta && page.NextCursor != "" {
		if err := e.cursors.CommitCursorTx(ctx, tx, collection, page.NextCursor); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit pull batch for %s: %w", collection, err)
	}
	return nil
}

func entityOf(rec remote.Record) store.Entity {
	return store.Entity{
		Collection:  rec.Collection,
		EntityID:    rec.EntityID,
		Revision:    rec.Revision,
		Payload:     rec.Payload,
		LastUpdated: rec.LastUpdated,
		Deleted:     rec.Deleted,
	}
}
