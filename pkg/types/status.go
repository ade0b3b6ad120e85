package types

import "time"

// ArtifactStatus is the persisted view of one artifact, mirrored to disk so
// that the CLI can report on a running daemon.
type ArtifactStatus struct {
	Kind           ArtifactKind   `json:"kind"`
	Name           string         `json:"name"`
	State          LifecycleState `json:"state"`
	Location       string         `json:"location,omitempty"`
	Domain         string         `json:"domain,omitempty"`
	DeployCount    int            `json:"deployCount"`
	FailureCount   int            `json:"failureCount"`
	LastError      string         `json:"lastError,omitempty"`
	LastTransition time.Time      `json:"lastTransition"`
	ProcessID      int            `json:"processId"`
	Heartbeat      time.Time      `json:"heartbeat"`
}

// ArtifactRef identifies an artifact and where it lives.
type ArtifactRef struct {
	Kind     ArtifactKind
	Name     string
	Location string
	Domain   string
}

// Key is unique across kinds.
func (r ArtifactRef) Key() string {
	return string(r.Kind) + "-" + r.Name
}
