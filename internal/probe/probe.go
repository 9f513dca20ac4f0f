// Package probe queries the remote data service for its version and
// produces capability snapshots for protocol selection.
package probe

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/driftline/driftline/internal/delta"
	"github.com/driftline/driftline/internal/feature"
	"github.com/driftline/driftline/internal/remote"
)

// Metadata keys for the cached capability.
const (
	metaVersion  = "capability.version"
	metaProbedAt = "capability.probed_at"
)

// Prober issues version probes and caches the result in the delta
// store's metadata table so a restart keeps the last known capability.
type Prober struct {
	svc    remote.Service
	meta   *delta.Store
	logger *log.Logger
	now    func() time.Time
}

// New creates a Prober.
// If logger is nil, a default logger writing to stderr is used.
func New(svc remote.Service, meta *delta.Store, logger *log.Logger) *Prober {
	if logger == nil {
		logger = log.New(os.Stderr, "[probe] ", log.LstdFlags)
	}
	return &Prober{
		svc:    svc,
		meta:   meta,
		logger: logger,
		now:    time.Now,
	}
}

// NewQuiet creates a Prober that does not log. Used by tests.
func NewQuiet(svc remote.Service, meta *delta.Store) *Prober {
	return New(svc, meta, log.New(io.Discard, "", 0))
}

// Probe issues a single request to the version endpoint and returns a
// fresh capability snapshot. A successful probe updates the cache.
func (p *Prober) Probe(ctx context.Context) (feature.Capability, error) {
	version, err := p.svc.ServerInfo(ctx)
	if err != nil {
		return feature.Capability{}, fmt.Errorf("version probe failed: %w", err)
	}

	cap, err := feature.Parse(version)
	if err != nil {
		return feature.Capability{}, fmt.Errorf("version probe failed: %w", err)
	}
	cap.ProbedAt = p.now().UTC()

	if err := p.meta.SetMeta(ctx, metaVersion, cap.String()); err != nil {
		return feature.Capability{}, err
	}
	if err := p.meta.SetMeta(ctx, metaProbedAt, cap.ProbedAt.Format(time.RFC3339Nano)); err != nil {
		return feature.Capability{}, err
	}

	return cap, nil
}

// Current returns the best available capability snapshot, degrading
// gracefully: a failed probe falls back to the cached value marked
// stale, and with no cache the minimum supported version is assumed.
// Synchronization never refuses to run because the version endpoint is
// unreachable.
func (p *Prober) Current(ctx context.Context) feature.Capability {
	cap, err := p.Probe(ctx)
	if err == nil {
		return cap
	}
	p.logger.Printf("Probe failed, falling back to cached capability: %v", err)

	cached, ok := p.cached(ctx)
	if ok {
		cached.Stale = true
		return cached
	}

	min := feature.Minimum()
	min.Stale = true
	p.logger.Printf("No cached capability, assuming minimum supported version %s", min)
	return min
}

// cached loads the last successfully probed capability, if any.
func (p *Prober) cached(ctx context.Context) (feature.Capability, bool) {
	version, err := p.meta.GetMeta(ctx, metaVersion)
	if err != nil || version == "" {
		return feature.Capability{}, false
	}

	cap, err := feature.Parse(version)
	if err != nil {
		return feature.Capability{}, false
	}

	if probedAt, err := p.meta.GetMeta(ctx, metaProbedAt); err == nil && probedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, probedAt); err == nil {
			cap.ProbedAt = t
		}
	}

	return cap, true
}
