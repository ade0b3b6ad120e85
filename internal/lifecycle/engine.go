// Package lifecycle drives a single artifact through deploy, undeploy and
// redeploy against the construction collaborator.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/revenant/revenant/pkg/interfaces"
	"github.com/revenant/revenant/pkg/logger"
	"github.com/revenant/revenant/pkg/types"
)

// Deployment is the lifecycle record of one artifact.
type Deployment struct {
	Kind       types.ArtifactKind
	Name       string
	Descriptor types.Descriptor
	// ModTime of the descriptor for the version currently deployed
	ModTime    time.Time
	State      types.LifecycleState
	Seq        int
	DeployedAt time.Time

	instance interfaces.Instance
}

// NewDeployment creates a fresh record for a parsed descriptor.
func NewDeployment(d types.Descriptor, modTime time.Time) *Deployment {
	return &Deployment{
		Kind:       d.Kind,
		Name:       d.Name,
		Descriptor: d,
		ModTime:    modTime,
		State:      types.StateFresh,
	}
}

// Dir is the installed exploded directory.
func (d *Deployment) Dir() string {
	return d.Descriptor.Location
}

// Ref identifies the deployment for status reporting.
func (d *Deployment) Ref() types.ArtifactRef {
	return types.ArtifactRef{
		Kind:     d.Kind,
		Name:     d.Name,
		Location: d.Descriptor.Location,
		Domain:   d.Descriptor.Domain,
	}
}

// Instance returns the running instance, nil unless deployed.
func (d *Deployment) Instance() interfaces.Instance {
	return d.instance
}

// Engine executes transitions. It holds no state of its own; callers own the
// Deployment records and serialize access to them.
type Engine struct {
	factory interfaces.Factory
	logger  logger.Logger
}

// NewEngine creates an engine backed by factory.
func NewEngine(factory interfaces.Factory, log logger.Logger) *Engine {
	return &Engine{factory: factory, logger: log}
}

// Deploy builds and starts d. On success the three context events fire in
// order followed by the success event. On failure d is left Failed and the
// cause, wrapping ErrBuild or ErrStart, is both announced and returned.
// Deploying something already deployed does nothing.
func (e *Engine) Deploy(ctx context.Context, d *Deployment, l interfaces.DeploymentListener) error {
	if d.State == types.StateDeployed {
		e.logger.WithArtifact(d.Name).Debug("Already deployed, ignoring deploy request")
		return nil
	}

	d.State = types.StateDeploying
	l.OnDeploymentStart(d.Name)

	if err := e.construct(ctx, d); err != nil {
		d.State = types.StateFailed
		e.logger.WithArtifact(d.Name).Error("Deployment failed", logger.WithError(err))
		l.OnDeploymentFailure(d.Name, err)
		return err
	}

	d.State = types.StateDeployed
	d.DeployedAt = time.Now()
	l.OnContextCreated(d.Name)
	l.OnContextInitialized(d.Name)
	l.OnContextConfigured(d.Name)
	e.logger.WithArtifact(d.Name).Success("Deployed", logger.WithField("kind", d.Kind))
	l.OnDeploymentSuccess(d.Name)
	return nil
}

// Reject fails d without building it, for a precondition the caller checked
// such as the application's domain being available.
func (e *Engine) Reject(d *Deployment, l interfaces.DeploymentListener, cause error) {
	d.State = types.StateFailed
	l.OnDeploymentStart(d.Name)
	e.logger.WithArtifact(d.Name).Error("Deployment rejected", logger.WithError(cause))
	l.OnDeploymentFailure(d.Name, cause)
}

// Undeploy stops and disposes d, runs cleanup, and announces success no
// matter which of those steps failed. The returned error only reports what
// went wrong during teardown.
func (e *Engine) Undeploy(ctx context.Context, d *Deployment, l interfaces.DeploymentListener, cleanup func() error) error {
	d.State = types.StateUndeploying
	l.OnUndeploymentStart(d.Name)

	err := e.teardown(ctx, d)
	if cleanup != nil {
		if cerr := cleanup(); cerr != nil {
			e.logger.WithArtifact(d.Name).Warn("Cleanup after undeploy failed", logger.WithError(cerr))
			err = errors.Join(err, cerr)
		}
	}

	d.State = types.StateFresh
	e.logger.WithArtifact(d.Name).Info("Undeployed", logger.WithField("kind", d.Kind))
	l.OnUndeploymentSuccess(d.Name)
	return err
}

// Redeploy tears down the current version, if deployed, and deploys next.
// Listeners observe an undeploy pair followed by a deploy sequence.
func (e *Engine) Redeploy(ctx context.Context, d *Deployment, next types.Descriptor, modTime time.Time, l interfaces.DeploymentListener, cleanup func() error) error {
	if d.State == types.StateDeployed {
		d.State = types.StateRedeploying
		l.OnUndeploymentStart(d.Name)
		if err := e.teardown(ctx, d); err != nil {
			e.logger.WithArtifact(d.Name).Debug("Teardown before redeploy reported errors", logger.WithError(err))
		}
		if cleanup != nil {
			if err := cleanup(); err != nil {
				e.logger.WithArtifact(d.Name).Warn("Cleanup before redeploy failed", logger.WithError(err))
			}
		}
		l.OnUndeploymentSuccess(d.Name)
	}

	d.Descriptor = next
	d.ModTime = modTime
	d.State = types.StateFresh
	return e.Deploy(ctx, d, l)
}

// Shutdown releases a deployed instance without announcing anything. It is
// used when the whole orchestrator stops and artifacts stay installed.
func (e *Engine) Shutdown(ctx context.Context, d *Deployment) error {
	err := e.teardown(ctx, d)
	d.State = types.StateFresh
	return err
}

func (e *Engine) construct(ctx context.Context, d *Deployment) error {
	var instance interfaces.Instance
	err := guard("build", func() error {
		var err error
		instance, err = e.factory.Build(ctx, d.Descriptor)
		return err
	})
	if err == nil && instance == nil {
		err = errors.New("factory returned no instance")
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", types.ErrBuild, d.Name, err)
	}

	if err := guard("start", func() error { return instance.Start(ctx) }); err != nil {
		if derr := guard("dispose", instance.Dispose); derr != nil {
			e.logger.WithArtifact(d.Name).Debug("Dispose after failed start", logger.WithError(derr))
		}
		return fmt.Errorf("%w: %s: %w", types.ErrStart, d.Name, err)
	}

	d.instance = instance
	return nil
}

// teardown runs stop then dispose. Both always run.
func (e *Engine) teardown(ctx context.Context, d *Deployment) error {
	instance := d.instance
	d.instance = nil
	if instance == nil {
		return nil
	}

	log := e.logger.WithArtifact(d.Name)
	var errs []error

	if err := guard("stop", func() error { return instance.Stop(ctx) }); err != nil {
		err = fmt.Errorf("%w: %s: %w", types.ErrStop, d.Name, err)
		log.Warn("Stop failed, continuing teardown", logger.WithError(err))
		errs = append(errs, err)
	}
	if err := guard("dispose", instance.Dispose); err != nil {
		err = fmt.Errorf("%w: %s: %w", types.ErrDispose, d.Name, err)
		log.Warn("Dispose failed, continuing teardown", logger.WithError(err))
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// guard turns a panic in collaborator code into an error for that phase.
func guard(phase string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during %s: %v\n%s", phase, r, debug.Stack())
		}
	}()
	return fn()
}
