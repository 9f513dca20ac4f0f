// Package engine drives sync sessions over the durable change queue.
//
// A session moves through probing, pushing, pulling and reconciling,
// then returns to idle. At most one session runs per engine at a time;
// concurrent Run calls coalesce onto the in-flight session. An auth
// failure pauses the engine until Resume is called with refreshed
// credentials.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/driftline/driftline/internal/config"
	"github.com/driftline/driftline/internal/delta"
	"github.com/driftline/driftline/internal/probe"
	"github.com/driftline/driftline/internal/remote"
	"github.com/driftline/driftline/internal/resolve"
	"github.com/driftline/driftline/internal/store"
	"github.com/driftline/driftline/internal/tracker"
)

// ErrPaused is returned by Run while the engine is paused pending
// re-authentication.
var ErrPaused = errors.New("engine is paused pending re-authentication")

// Engine coordinates one sync session at a time against the remote
// service, using the tracker as the single source of outbound truth.
type Engine struct {
	db       *store.DB
	svc      remote.Service
	cfg      config.Config
	trk      *tracker.Tracker
	cursors  *delta.Store
	prober   *probe.Prober
	resolver *resolve.Resolver
	logger   *log.Logger
	now      func() time.Time

	group singleflight.Group

	mu         sync.Mutex
	state      State
	paused     bool
	authReason string

	subMu   sync.Mutex
	subs    map[int]chan Progress
	nextSub int
}

// New creates an Engine on an initialized database.
// If logger is nil, a default logger writing to stderr is used.
func New(db *store.DB, svc remote.Service, cfg config.Config, logger *log.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	policy, err := resolve.ParsePolicy(cfg.ConflictPolicy)
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	sub := func(prefix string) *log.Logger {
		return log.New(logger.Writer(), prefix, logger.Flags())
	}

	trk := tracker.New(db, sub("[tracker] "))
	cursors := delta.New(db)

	return &Engine{
		db:       db,
		svc:      svc,
		cfg:      cfg,
		trk:      trk,
		cursors:  cursors,
		prober:   probe.New(svc, cursors, sub("[probe] ")),
		resolver: resolve.New(db, trk, policy, sub("[resolve] ")),
		logger:   logger,
		now:      time.Now,
		state:    StateIdle,
		subs:     make(map[int]chan Progress),
	}, nil
}

// NewQuiet creates an Engine that does not log. Used by tests.
func NewQuiet(db *store.DB, svc remote.Service, cfg config.Config) (*Engine, error) {
	return New(db, svc, cfg, log.New(io.Discard, "", 0))
}

// Tracker exposes the engine's change queue for local mutation recording
// and failure acknowledgement.
func (e *Engine) Tracker() *tracker.Tracker {
	return e.trk
}

// Resolver exposes the engine's conflict resolver for manual resolution.
func (e *Engine) Resolver() *resolve.Resolver {
	return e.resolver
}

// Cursors exposes the engine's cursor and session-archive store.
func (e *Engine) Cursors() *delta.Store {
	return e.cursors
}

// State returns the engine's current externally observable state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Pause stops new sessions from starting. The in-flight session, if any,
// completes normally.
func (e *Engine) Pause(reason string) {
	e.mu.Lock()
	e.paused = true
	e.authReason = reason
	e.state = StatePaused
	e.mu.Unlock()
	e.logger.Printf("Paused: %s", reason)
}

// Resume lifts a pause after the caller has refreshed credentials or
// otherwise cleared the cause.
func (e *Engine) Resume() {
	e.mu.Lock()
	wasPaused := e.paused
	e.paused = false
	e.authReason = ""
	e.state = StateIdle
	e.mu.Unlock()
	if wasPaused {
		e.logger.Printf("Resumed")
	}
}

// Subscribe registers a progress listener. Events are delivered on a
// buffered channel; a slow listener misses events rather than stalling
// the session. The returned cancel function releases the subscription.
func (e *Engine) Subscribe() (<-chan Progress, func()) {
	ch := make(chan Progress, 16)

	e.subMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	e.subMu.Unlock()

	cancel := func() {
		e.subMu.Lock()
		if _, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(ch)
		}
		e.subMu.Unlock()
	}
	return ch, cancel
}

// Run executes one sync session and returns its result. Concurrent
// calls share the in-flight session and receive the same result.
//
// Run returns ErrPaused without starting a session while the engine is
// paused. For fatal mid-session errors the partial result is returned
// alongside the error.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	v, err, _ := e.group.Do("session", func() (interface{}, error) {
		return e.runSession(ctx)
	})
	res, _ := v.(*Result)
	return res, err
}

func (e *Engine) runSession(ctx context.Context) (*Result, error) {
	e.mu.Lock()
	if e.paused {
		e.mu.Unlock()
		return nil, ErrPaused
	}
	e.mu.Unlock()

	res := &Result{
		SessionID: uuid.NewString(),
		StartedAt: e.now().UTC(),
	}
	e.logger.Printf("Session %s starting", res.SessionID)

	// Records stranded in flight by a crashed session are safe to
	// retry: the remote deduplicates by client ID.
	if _, err := e.trk.ResetInFlight(ctx); err != nil {
		return e.finish(res, StateFailed, err)
	}

	e.setState(StateProbing, res, "")
	res.Capability = e.prober.Current(ctx)
	e.logger.Printf("Session %s: remote capability %s (stale=%v)",
		res.SessionID, res.Capability, res.Capability.Stale)

	e.setState(StatePushing, res, "")
	if err := e.push(ctx, res); err != nil {
		return e.sessionError(res, err)
	}

	e.setState(StatePulling, res, "")
	if err := e.pull(ctx, res); err != nil {
		return e.sessionError(res, err)
	}

	// Every record still blocking its entity is reported each session
	// until resolved or acknowledged, not only the session it arose in.
	unresolved, err := e.resolver.ListUnresolved(ctx)
	if err != nil {
		return e.finish(res, StateFailed, err)
	}
	for _, c := range unresolved {
		res.Unresolved = append(res.Unresolved, Issue{
			Sequence:   c.ChangeSequence,
			Collection: c.Collection,
			EntityID:   c.EntityID,
			Reason:     "conflict awaiting manual resolution",
		})
	}

	failed, err := e.trk.ListFailed(ctx)
	if err != nil {
		return e.finish(res, StateFailed, err)
	}
	for _, r := range failed {
		reason := r.LastError
		if reason == "" {
			reason = "terminal failure awaiting acknowledgement"
		}
		res.Failed = append(res.Failed, Issue{
			Sequence:   r.Sequence,
			Collection: r.Collection,
			EntityID:   r.EntityID,
			Reason:     reason,
		})
	}

	if n, err := e.trk.GC(ctx); err != nil {
		e.logger.Printf("Session %s: queue GC failed: %v", res.SessionID, err)
	} else if n > 0 {
		e.logger.Printf("Session %s: removed %d acked changes", res.SessionID, n)
	}

	return e.finish(res, StateIdle, nil)
}

// sessionError routes a push or pull error to its terminal handling:
// auth failures pause the engine, cancellation ends the session
// cleanly, anything else fails it.
func (e *Engine) sessionError(res *Result, err error) (*Result, error) {
	if remote.IsAuth(err) {
		e.mu.Lock()
		e.paused = true
		e.authReason = err.Error()
		e.mu.Unlock()
		res.AuthReason = err.Error()
		res2, _ := e.finish(res, StatePaused, nil)
		return res2, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		res.Errors = append(res.Errors, fmt.Sprintf("session cancelled: %v", err))
		return e.finish(res, StateIdle, err)
	}
	return e.finish(res, StateFailed, err)
}

// finish stamps the final state, archives the session, and emits the
// closing progress event. Archival uses a detached context so a
// cancelled session is still recorded.
func (e *Engine) finish(res *Result, final State, cause error) (*Result, error) {
	res.FinishedAt = e.now().UTC()
	res.State = final
	if cause != nil && !errors.Is(cause, context.Canceled) && !errors.Is(cause, context.DeadlineExceeded) {
		res.Errors = append(res.Errors, cause.Error())
	}

	e.setState(final, res, "")

	archiveCtx, cancel := context.WithTimeout(context.WithoutCancel(context.Background()), 5*time.Second)
	defer cancel()
	if err := e.cursors.SaveSession(archiveCtx, delta.Session{
		SessionID:  res.SessionID,
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
		State:      string(final),
		Pushed:     res.Stats.Pushed,
		Pulled:     res.Stats.Pulled,
		Conflicted: res.Stats.Conflicted,
		Failed:     res.Stats.Failed,
		Skipped:    res.Stats.Skipped,
	}); err != nil {
		e.logger.Printf("Failed to archive session %s: %v", res.SessionID, err)
	}

	// The engine settles back to idle after reporting, unless paused.
	if final != StateIdle && final != StatePaused {
		e.mu.Lock()
		e.state = StateIdle
		e.mu.Unlock()
	}

	e.logger.Printf("Session %s finished: %s (pushed=%d pulled=%d conflicted=%d failed=%d skipped=%d)",
		res.SessionID, final, res.Stats.Pushed, res.Stats.Pulled,
		res.Stats.Conflicted, res.Stats.Failed, res.Stats.Skipped)
	return res, cause
}

// setState records the new state and broadcasts a progress event.
func (e *Engine) setState(s State, res *Result, message string) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()

	e.emit(Progress{
		SessionID: res.SessionID,
		State:     s,
		Stats:     res.Stats,
		Message:   message,
		Timestamp: e.now().UTC(),
	})
}

func (e *Engine) emit(p Progress) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- p:
		default:
		}
	}
}

// retry runs fn, retrying transient failures with jittered exponential
// backoff up to the configured limit. Auth failures and permanent
// errors return immediately.
func (e *Engine) retry(ctx context.Context, op string, fn func() error) error {
	bo := newBackoff(e.cfg.BackoffBase, e.cfg.BackoffCap)
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !remote.IsTransient(err) {
			return err
		}
		if attempt >= e.cfg.MaxRetries {
			return fmt.Errorf("%s failed after %d attempts: %w", op, attempt+1, err)
		}
		e.logger.Printf("Transient failure during %s (attempt %d/%d): %v",
			op, attempt+1, e.cfg.MaxRetries, err)
		if serr := bo.sleep(ctx); serr != nil {
			return serr
		}
	}
}
