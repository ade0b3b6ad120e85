// Package dependency tracks which domain each deployed application depends on.
package dependency

import (
	"sort"

	"github.com/revenant/revenant/pkg/types"
)

// Tracker holds application to domain membership. Like the zombie registry it
// relies on the orchestrator's deployment lock and has no locking of its own.
type Tracker struct {
	members map[string]membership
	seq     int
}

type membership struct {
	domain string
	seq    int
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{members: make(map[string]membership)}
}

// Bind records that app depends on domain. An empty domain means the default one.
func (t *Tracker) Bind(app, domain string) {
	if domain == "" {
		domain = types.DefaultDomain
	}
	if existing, ok := t.members[app]; ok && existing.domain == domain {
		return
	}
	t.seq++
	t.members[app] = membership{domain: domain, seq: t.seq}
}

// Unbind forgets app.
func (t *Tracker) Unbind(app string) {
	delete(t.members, app)
}

// DomainOf returns the domain app was bound to.
func (t *Tracker) DomainOf(app string) (string, bool) {
	m, ok := t.members[app]
	return m.domain, ok
}

// ApplicationsOf lists the applications bound to domain in the order they were
// bound. An unknown or empty domain name yields an empty list.
func (t *Tracker) ApplicationsOf(domain string) []string {
	type bound struct {
		app string
		seq int
	}
	var apps []bound
	for app, m := range t.members {
		if m.domain == domain {
			apps = append(apps, bound{app: app, seq: m.seq})
		}
	}
	sort.Slice(apps, func(i, j int) bool { return apps[i].seq < apps[j].seq })

	names := make([]string, 0, len(apps))
	for _, a := range apps {
		names = append(names, a.app)
	}
	return names
}

// Len returns the number of tracked applications.
func (t *Tracker) Len() int {
	return len(t.members)
}
