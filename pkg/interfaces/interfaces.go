// Package interfaces provides abstractions for dependency injection and testability.
package interfaces

import (
	"context"

	"github.com/revenant/revenant/pkg/types"
)

// Factory is the external construction collaborator. It turns a parsed
// descriptor into an isolated execution context. Build must not start it.
type Factory interface {
	Build(ctx context.Context, descriptor types.Descriptor) (Instance, error)
}

// Instance is one constructed artifact. The core never looks inside it.
type Instance interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Dispose() error
}

// DeploymentListener observes lifecycle events. Callbacks run synchronously,
// in event order, and never while the deployment lock is held.
type DeploymentListener interface {
	OnDeploymentStart(name string)
	OnDeploymentSuccess(name string)
	OnDeploymentFailure(name string, cause error)
	OnUndeploymentStart(name string)
	OnUndeploymentSuccess(name string)
	OnContextCreated(name string)
	OnContextInitialized(name string)
	OnContextConfigured(name string)
}

// BaseListener implements DeploymentListener with no-ops for embedding.
type BaseListener struct{}

func (BaseListener) OnDeploymentStart(string)          {}
func (BaseListener) OnDeploymentSuccess(string)        {}
func (BaseListener) OnDeploymentFailure(string, error) {}
func (BaseListener) OnUndeploymentStart(string)        {}
func (BaseListener) OnUndeploymentSuccess(string)      {}
func (BaseListener) OnContextCreated(string)           {}
func (BaseListener) OnContextInitialized(string)       {}
func (BaseListener) OnContextConfigured(string)        {}

// StateManager mirrors artifact status to disk.
type StateManager interface {
	RecordTransition(ref types.ArtifactRef, state types.LifecycleState, cause error) error
	ReadState(kind types.ArtifactKind, name string) (*types.ArtifactStatus, error)
	RemoveState(kind types.ArtifactKind, name string) error
	DiscoverStates() (map[string]*types.ArtifactStatus, error)
	StartHeartbeat(ctx context.Context)
	StopHeartbeat()
	Cleanup() error
}

// ProcessManager handles OS signals and ordered shutdown.
type ProcessManager interface {
	RegisterShutdownHandler(handler func())
	Start(ctx context.Context)
	Stop()
	IsRunning() bool
}

// ChangeTrigger wakes the watcher loop before its next tick.
type ChangeTrigger interface {
	Start(ctx context.Context) error
	Events() <-chan struct{}
	Close() error
}

// Dependencies groups the collaborators the orchestrator needs.
type Dependencies struct {
	Factory        Factory
	StateManager   StateManager
	ProcessManager ProcessManager
	Trigger        ChangeTrigger
	// Listeners are attached to both kinds
	Listeners []DeploymentListener
}
