// Package daemon runs the sync engine in the background.
//
// The daemon:
// 1. Triggers a session on a fixed interval
// 2. Watches the local database for queue writes and syncs early
// 3. Debounces bursts of writes into one session
// 4. Handles graceful shutdown
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/driftline/driftline/internal/engine"
)

// Config holds configuration for the daemon.
type Config struct {
	// SyncInterval is how often a session runs when no writes arrive
	SyncInterval time.Duration

	// DebounceInterval is how long to wait after the last local write
	// before triggering an early session. This batches rapid updates
	// together
	DebounceInterval time.Duration

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:     5 * time.Minute,
		DebounceInterval: 2 * time.Second,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon orchestrates periodic and write-triggered sync sessions.
type Daemon struct {
	eng    *engine.Engine
	dbPath string
	config *Config

	watcher *fsnotify.Watcher

	dirtyMu sync.Mutex
	dirtyAt time.Time
	dirty   bool

	trigger chan string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Daemon instance.
//
// The daemon requires:
//   - eng: a constructed sync engine
//   - dbPath: the local database file, whose directory is watched for
//     queue writes
//
// Use Start() to begin syncing.
func New(eng *engine.Engine, dbPath string) (*Daemon, error) {
	return NewWithConfig(eng, dbPath, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(eng *engine.Engine, dbPath string, config *Config) (*Daemon, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if dbPath == "" {
		return nil, fmt.Errorf("dbPath cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		eng:     eng,
		dbPath:  dbPath,
		config:  config,
		watcher: watcher,
		trigger: make(chan string, 1),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins the daemon's operation.
//
// The daemon will:
// 1. Run an initial session immediately
// 2. Watch the database directory for local writes
// 3. Run sessions on the configured interval
// 4. Debounce write bursts into one early session
//
// This blocks until ctx is cancelled or an error occurs.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	if err := d.watcher.Add(filepath.Dir(d.dbPath)); err != nil {
		return fmt.Errorf("failed to watch database directory: %w", err)
	}
	d.config.Logger.Printf("Watching: %s", filepath.Dir(d.dbPath))

	d.wg.Add(3)
	go d.watchFileEvents()
	go d.debounceLoop()
	go d.runLoop()

	d.requestSync("startup")

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. The in-flight session, if any,
// runs to completion.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")

	d.cancel()

	if err := d.watcher.Close(); err != nil {
		d.config.Logger.Printf("Error closing watcher: %v", err)
	}

	d.wg.Wait()

	d.config.Logger.Println("Daemon stopped")
	return nil
}

// requestSync asks the run loop for a session. A request is dropped when
// one is already queued; the engine coalesces concurrent runs anyway.
func (d *Daemon) requestSync(cause string) {
	select {
	case d.trigger <- cause:
	default:
	}
}

// watchFileEvents monitors filesystem events and marks the queue dirty.
func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	base := filepath.Base(d.dbPath)

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}

			// Queue writes land in the database file or its WAL.
			name := filepath.Base(event.Name)
			if name != base && name != base+"-wal" {
				continue
			}

			d.markDirty()

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

func (d *Daemon) markDirty() {
	d.dirtyMu.Lock()
	defer d.dirtyMu.Unlock()

	d.dirty = true
	d.dirtyAt = time.Now()
}

// debounceLoop promotes a quiet-for-long-enough dirty flag into a sync
// request.
func (d *Daemon) debounceLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.dirtyMu.Lock()
			due := d.dirty && time.Since(d.dirtyAt) >= d.config.DebounceInterval
			if due {
				d.dirty = false
			}
			d.dirtyMu.Unlock()

			if due {
				d.requestSync("local writes")
			}
		}
	}
}

// runLoop serializes sessions from the interval ticker and write
// triggers.
func (d *Daemon) runLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.SyncInterval)
	defer ticker.Stop()

	for {
		var cause string
		select {
		case <-d.ctx.Done():
			return
		case cause = <-d.trigger:
		case <-ticker.C:
			cause = "interval"
		}

		d.runOnce(cause)
	}
}

func (d *Daemon) runOnce(cause string) {
	d.config.Logger.Printf("Sync triggered (%s)", cause)

	res, err := d.eng.Run(d.ctx)
	if errors.Is(err, engine.ErrPaused) {
		d.config.Logger.Printf("Engine is paused; skipping session")
		return
	}
	if err != nil {
		d.config.Logger.Printf("Session error: %v", err)
	}
	if res == nil {
		return
	}

	d.config.Logger.Printf("Session %s: %s (pushed=%d pulled=%d conflicted=%d failed=%d skipped=%d)",
		res.SessionID, res.State, res.Stats.Pushed, res.Stats.Pulled,
		res.Stats.Conflicted, res.Stats.Failed, res.Stats.Skipped)

	// A session's own snapshot application rewrites the database; drop
	// the dirty flag it raised so we don't immediately sync again.
	d.dirtyMu.Lock()
	d.dirty = false
	d.dirtyMu.Unlock()
}
