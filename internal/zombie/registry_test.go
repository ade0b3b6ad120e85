package zombie

import (
	"testing"
	"time"
)

func TestRegistry_ShouldSkip(t *testing.T) {
	failedAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		setup    func(r *Registry)
		location string
		modTime  time.Time
		want     bool
	}{
		{
			name:     "unknown location is retried",
			setup:    func(r *Registry) {},
			location: "/apps/broken/application.yaml",
			modTime:  failedAt,
			want:     false,
		},
		{
			name: "same timestamp is skipped",
			setup: func(r *Registry) {
				r.Record("/apps/broken/application.yaml", failedAt)
			},
			location: "/apps/broken/application.yaml",
			modTime:  failedAt,
			want:     true,
		},
		{
			name: "same instant in another zone is skipped",
			setup: func(r *Registry) {
				r.Record("/apps/broken.zip", failedAt)
			},
			location: "/apps/broken.zip",
			modTime:  failedAt.In(time.FixedZone("CET", 3600)),
			want:     true,
		},
		{
			name: "touched artifact is retried",
			setup: func(r *Registry) {
				r.Record("/apps/broken.zip", failedAt)
			},
			location: "/apps/broken.zip",
			modTime:  failedAt.Add(time.Second),
			want:     false,
		},
		{
			name: "cleared artifact is retried",
			setup: func(r *Registry) {
				r.Record("/apps/broken.zip", failedAt)
				r.Clear("/apps/broken.zip")
			},
			location: "/apps/broken.zip",
			modTime:  failedAt,
			want:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			tt.setup(r)

			if got := r.ShouldSkip(tt.location, tt.modTime); got != tt.want {
				t.Errorf("ShouldSkip() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRegistry_RecordOverwrites(t *testing.T) {
	r := NewRegistry()
	first := time.Unix(100, 0)
	second := time.Unix(200, 0)

	r.Record("a", first)
	r.Record("a", second)

	if r.Len() != 1 {
		t.Fatalf("expected one entry, got %d", r.Len())
	}
	if r.ShouldSkip("a", first) {
		t.Error("old version should no longer be skipped")
	}
	if !r.ShouldSkip("a", second) {
		t.Error("latest failed version should be skipped")
	}
}

func TestRegistry_SnapshotIsCopy(t *testing.T) {
	r := NewRegistry()
	r.Record("b", time.Unix(1, 0))
	r.Record("a", time.Unix(2, 0))

	snap := r.Snapshot()
	delete(snap, "a")

	if !r.Contains("a") {
		t.Error("mutating the snapshot must not affect the registry")
	}
	locations := r.Locations()
	if len(locations) != 2 || locations[0] != "a" || locations[1] != "b" {
		t.Errorf("unexpected locations %v", locations)
	}
}
