package feature

import (
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		version string
		want    Capability
		wantErr bool
	}{
		{
			name:    "plain semver",
			version: "1.2.3",
			want:    Capability{Major: 1, Minor: 2, Patch: 3},
		},
		{
			name:    "v prefix",
			version: "v2.0.1",
			want:    Capability{Major: 2, Minor: 0, Patch: 1},
		},
		{
			name:    "partial version",
			version: "1.2",
			want:    Capability{Major: 1, Minor: 2, Patch: 0},
		},
		{
			name:    "pre-release suffix ignored",
			version: "1.4.0-beta.1",
			want:    Capability{Major: 1, Minor: 4, Patch: 0},
		},
		{
			name:    "surrounding whitespace",
			version: "  v1.0.0  ",
			want:    Capability{Major: 1, Minor: 0, Patch: 0},
		},
		{
			name:    "garbage",
			version: "not-a-version",
			wantErr: true,
		},
		{
			name:    "empty",
			version: "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.version)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Parse(%q) expected error, got %+v", tt.version, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) failed: %v", tt.version, err)
			}
			if got != tt.want {
				t.Errorf("Parse(%q) = %+v, want %+v", tt.version, got, tt.want)
			}
		})
	}
}

func TestSupports(t *testing.T) {
	tests := []struct {
		version string
		feature ID
		want    bool
	}{
		{"v1.0.0", BatchPush, false},
		{"v1.1.0", BatchPush, true},
		{"v1.1.0", DeltaSync, false},
		{"v1.2.0", DeltaSync, true},
		{"v1.2.9", DeletePropagation, false},
		{"v1.3.0", DeletePropagation, true},
		{"v1.3.5", ConditionalPush, false},
		{"v1.4.0", ConditionalPush, true},
		{"v2.0.0", ConditionalPush, true},
	}

	for _, tt := range tests {
		cap, err := Parse(tt.version)
		if err != nil {
			t.Fatalf("Parse(%q) failed: %v", tt.version, err)
		}
		if got := Supports(tt.feature, cap); got != tt.want {
			t.Errorf("Supports(%s, %s) = %v, want %v", tt.feature, tt.version, got, tt.want)
		}
	}
}

// A feature enabled at some version must stay enabled at every later
// version.
func TestSupportsMonotonic(t *testing.T) {
	versions := []Capability{
		{Major: 1, Minor: 0, Patch: 0},
		{Major: 1, Minor: 1, Patch: 0},
		{Major: 1, Minor: 2, Patch: 0},
		{Major: 1, Minor: 3, Patch: 0},
		{Major: 1, Minor: 4, Patch: 0},
		{Major: 1, Minor: 9, Patch: 2},
		{Major: 2, Minor: 0, Patch: 0},
	}

	for _, f := range All() {
		enabled := false
		for _, v := range versions {
			got := Supports(f, v)
			if enabled && !got {
				t.Errorf("Supports(%s, %s) = false after being enabled at a lower version", f, v)
			}
			enabled = enabled || got
		}
	}
}

func TestSupportsUnknownFeature(t *testing.T) {
	cap := Capability{Major: 99, Minor: 0, Patch: 0}
	if Supports(ID("time-travel"), cap) {
		t.Error("unknown feature reported as supported")
	}
}

func TestMinimumSupportsNothing(t *testing.T) {
	min := Minimum()
	for _, f := range All() {
		if Supports(f, min) {
			t.Errorf("minimum version unexpectedly supports %s", f)
		}
	}
}

func TestMinVersion(t *testing.T) {
	if got := MinVersion(DeltaSync); got != "v1.2.0" {
		t.Errorf("MinVersion(DeltaSync) = %q, want v1.2.0", got)
	}
	if got := MinVersion(ID("bogus")); got != "" {
		t.Errorf("MinVersion(bogus) = %q, want empty", got)
	}
}

func TestCapabilityString(t *testing.T) {
	c := Capability{Major: 1, Minor: 12, Patch: 3}
	if got := c.String(); got != "v1.12.3" {
		t.Errorf("String() = %q, want v1.12.3", got)
	}
}
