// Package zombie quarantines artifact versions that failed to deploy.
package zombie

import (
	"sort"
	"time"
)

// Registry maps an artifact location to the modification time it had when it
// failed. It is not safe for concurrent use; the orchestrator's deployment
// lock guards it.
type Registry struct {
	entries map[string]time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]time.Time)}
}

// Record marks the version of location with modTime as broken.
func (r *Registry) Record(location string, modTime time.Time) {
	r.entries[location] = modTime
}

// ShouldSkip is true iff location failed before with exactly this modTime.
func (r *Registry) ShouldSkip(location string, modTime time.Time) bool {
	failedAt, ok := r.entries[location]
	return ok && failedAt.Equal(modTime)
}

// Clear forgets location.
func (r *Registry) Clear(location string) {
	delete(r.entries, location)
}

// Contains reports whether location has an entry, whatever its timestamp.
func (r *Registry) Contains(location string) bool {
	_, ok := r.entries[location]
	return ok
}

// Len returns the number of quarantined locations.
func (r *Registry) Len() int {
	return len(r.entries)
}

// Locations returns the quarantined locations in lexical order.
func (r *Registry) Locations() []string {
	locations := make([]string, 0, len(r.entries))
	for location := range r.entries {
		locations = append(locations, location)
	}
	sort.Strings(locations)
	return locations
}

// Snapshot returns a copy safe to hand out.
func (r *Registry) Snapshot() map[string]time.Time {
	out := make(map[string]time.Time, len(r.entries))
	for location, ts := range r.entries {
		out[location] = ts
	}
	return out
}
