// Package feature maps protocol capabilities to minimum remote versions.
//
// The matrix is a static table; Supports is a pure, total function with no
// failure mode. Monotonicity holds by construction: a capability enabled
// at version v stays enabled for every later version.
package feature

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/mod/semver"
)

// ID identifies a protocol capability of the remote data service.
type ID string

const (
	// BatchPush allows multiple changes per push request. Older remotes
	// accept one change at a time.
	BatchPush ID = "batch-push"

	// DeltaSync allows cursor-based incremental pulls. Older remotes only
	// support full collection fetches (an empty cursor every time).
	DeltaSync ID = "delta-sync"

	// DeletePropagation allows delete operations to be pushed. Older
	// remotes have no tombstone support; deletes are skipped and reported.
	DeletePropagation ID = "delete-propagation"

	// ConditionalPush enables server-side optimistic-concurrency checks
	// against the change's base revision.
	ConditionalPush ID = "conditional-push"
)

// minVersions is the static capability table. Keys absent from the table
// are unsupported at every version.
var minVersions = map[ID]string{
	BatchPush:         "v1.1.0",
	DeltaSync:         "v1.2.0",
	DeletePropagation: "v1.3.0",
	ConditionalPush:   "v1.4.0",
}

// All returns every known capability ID, for reporting.
func All() []ID {
	return []ID{BatchPush, DeltaSync, DeletePropagation, ConditionalPush}
}

// Capability is the detected version snapshot of the remote service.
//
// Stale is set when the snapshot was served from cache because a probe
// failed; the values still describe the last successfully probed version.
type Capability struct {
	Major    int
	Minor    int
	Patch    int
	ProbedAt time.Time
	Stale    bool
}

// Minimum returns the most conservative capability: the lowest version the
// engine supports at all. Used when no probe has ever succeeded.
func Minimum() Capability {
	return Capability{Major: 1, Minor: 0, Patch: 0}
}

// String renders the capability as a canonical semver string.
func (c Capability) String() string {
	return fmt.Sprintf("v%d.%d.%d", c.Major, c.Minor, c.Patch)
}

// Parse extracts a Capability from a remote version string.
// Accepts both "1.2.3" and "v1.2.3" forms; pre-release and build suffixes
// are ignored for capability purposes.
func Parse(version string) (Capability, error) {
	v := strings.TrimSpace(version)
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return Capability{}, fmt.Errorf("invalid remote version %q", version)
	}

	// semver.Canonical normalizes partial versions like "v1.2" and strips
	// build metadata.
	parts := strings.SplitN(strings.TrimPrefix(semver.Canonical(v), "v"), "-", 2)
	nums := strings.Split(parts[0], ".")
	if len(nums) != 3 {
		return Capability{}, fmt.Errorf("invalid remote version %q", version)
	}

	var c Capability
	var err error
	if c.Major, err = strconv.Atoi(nums[0]); err != nil {
		return Capability{}, fmt.Errorf("invalid major version in %q", version)
	}
	if c.Minor, err = strconv.Atoi(nums[1]); err != nil {
		return Capability{}, fmt.Errorf("invalid minor version in %q", version)
	}
	if c.Patch, err = strconv.Atoi(nums[2]); err != nil {
		return Capability{}, fmt.Errorf("invalid patch version in %q", version)
	}
	return c, nil
}

// MinVersion returns the minimum remote version that provides the
// feature, or "" for unknown features. Used in skip reports.
func MinVersion(f ID) string {
	return minVersions[f]
}

// Supports reports whether the remote at the given capability level
// provides the feature. Unknown features are never supported.
func Supports(f ID, c Capability) bool {
	min, ok := minVersions[f]
	if !ok {
		return false
	}
	return semver.Compare(c.String(), min) >= 0
}
