package probe

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/driftline/driftline/internal/delta"
	"github.com/driftline/driftline/internal/feature"
	"github.com/driftline/driftline/internal/remote"
	"github.com/driftline/driftline/internal/store"
)

// fakeService implements remote.Service with a scriptable version
// endpoint. Push and pull are unused by the prober.
type fakeService struct {
	version string
	err     error
	calls   int
}

func (f *fakeService) ServerInfo(ctx context.Context) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.version, nil
}

func (f *fakeService) PushBatch(ctx context.Context, changes []remote.Change) ([]remote.PushResult, error) {
	return nil, fmt.Errorf("not implemented")
}

func (f *fakeService) FetchDeltas(ctx context.Context, collection, cursor string, limit int) (remote.DeltaPage, error) {
	return remote.DeltaPage{}, fmt.Errorf("not implemented")
}

func setupMeta(t *testing.T) *delta.Store {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "drift.db"))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.InitSchema(); err != nil {
		t.Fatalf("Failed to initialize schema: %v", err)
	}
	return delta.New(db)
}

func TestProbeSuccess(t *testing.T) {
	svc := &fakeService{version: "1.3.2"}
	p := NewQuiet(svc, setupMeta(t))

	cap, err := p.Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	if cap.String() != "v1.3.2" {
		t.Errorf("capability = %s, want v1.3.2", cap)
	}
	if cap.Stale {
		t.Error("fresh probe must not be stale")
	}
	if cap.ProbedAt.IsZero() {
		t.Error("ProbedAt not set")
	}
}

func TestProbeInvalidVersion(t *testing.T) {
	svc := &fakeService{version: "latest"}
	p := NewQuiet(svc, setupMeta(t))

	if _, err := p.Probe(context.Background()); err == nil {
		t.Error("expected error for unparseable version")
	}
}

// A failed probe falls back to the cached capability, marked stale.
func TestCurrentFallsBackToCache(t *testing.T) {
	meta := setupMeta(t)
	svc := &fakeService{version: "1.4.0"}
	p := NewQuiet(svc, meta)
	ctx := context.Background()

	if _, err := p.Probe(ctx); err != nil {
		t.Fatalf("priming probe failed: %v", err)
	}

	svc.err = &remote.TransientError{Op: "probe", Err: fmt.Errorf("connection refused")}

	cap := p.Current(ctx)
	if cap.String() != "v1.4.0" {
		t.Errorf("capability = %s, want cached v1.4.0", cap)
	}
	if !cap.Stale {
		t.Error("cached fallback must be marked stale")
	}
	if !feature.Supports(feature.ConditionalPush, cap) {
		t.Error("cached capability lost its feature level")
	}
}

// With no cache, the minimum supported version is assumed; sync must
// never refuse to run because the version endpoint is unreachable.
func TestCurrentFallsBackToMinimum(t *testing.T) {
	svc := &fakeService{err: &remote.TransientError{Op: "probe", Err: fmt.Errorf("no route to host")}}
	p := NewQuiet(svc, setupMeta(t))

	cap := p.Current(context.Background())
	if cap.String() != feature.Minimum().String() {
		t.Errorf("capability = %s, want minimum %s", cap, feature.Minimum())
	}
	if !cap.Stale {
		t.Error("assumed minimum must be marked stale")
	}
	for _, f := range feature.All() {
		if feature.Supports(f, cap) {
			t.Errorf("minimum fallback unexpectedly enables %s", f)
		}
	}
}

// A fresh successful probe replaces a stale cache.
func TestCurrentRefreshesCache(t *testing.T) {
	meta := setupMeta(t)
	svc := &fakeService{version: "1.1.0"}
	p := NewQuiet(svc, meta)
	ctx := context.Background()

	if _, err := p.Probe(ctx); err != nil {
		t.Fatalf("priming probe failed: %v", err)
	}

	svc.version = "1.4.0"
	cap := p.Current(ctx)
	if cap.String() != "v1.4.0" || cap.Stale {
		t.Errorf("capability = %s (stale=%v), want fresh v1.4.0", cap, cap.Stale)
	}

	// And the cache was updated for the next failure
	svc.err = fmt.Errorf("boom")
	cap = p.Current(ctx)
	if cap.String() != "v1.4.0" || !cap.Stale {
		t.Errorf("capability = %s (stale=%v), want stale v1.4.0", cap, cap.Stale)
	}
}
