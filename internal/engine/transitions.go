package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/revenant/revenant/internal/artifact"
	"github.com/revenant/revenant/internal/lifecycle"
	"github.com/revenant/revenant/internal/watcher"
	"github.com/revenant/revenant/pkg/logger"
	"github.com/revenant/revenant/pkg/types"
)

// candidate is one version of an exploded artifact as found on disk.
type candidate struct {
	desc      types.Descriptor
	modTime   time.Time
	zombieKey string
}

// loadCandidate reads the exploded artifact in dir. On a descriptor error a
// minimal descriptor is still returned so the failure can be attributed.
func loadCandidate(dir string, kind types.ArtifactKind) (candidate, error) {
	c := candidate{zombieKey: dir}
	descPath := artifact.DescriptorPath(dir, kind)
	if info, err := os.Stat(descPath); err == nil {
		c.zombieKey = descPath
		c.modTime = info.ModTime()
	} else if info, err := os.Stat(dir); err == nil {
		c.modTime = info.ModTime()
	}

	desc, err := artifact.LoadDescriptor(dir, kind)
	if err != nil {
		c.desc = types.Descriptor{Name: filepath.Base(dir), Kind: kind, Location: dir}
		if kind == types.KindApplication {
			c.desc.Domain = types.DefaultDomain
		}
		return c, fmt.Errorf("%w: %s: %w", types.ErrBuild, c.desc.Name, err)
	}
	c.desc = desc
	return c, nil
}

func (o *Orchestrator) deployExplicitLocked(ctx context.Context, ks *kindState, path string, info os.FileInfo) error {
	if !info.IsDir() {
		if !artifact.IsArchive(path) {
			return fmt.Errorf("%w: %s is neither an archive nor a directory", types.ErrInvalidArgument, path)
		}
		name := artifact.NameFromArchive(path)
		if err := artifact.ValidateName(name); err != nil {
			return err
		}
		if o.deployedLocked(ks, name) {
			return nil
		}
		if filepath.Dir(path) != ks.dir {
			copied, err := artifact.CopyInto(path, ks.dir)
			if err != nil {
				return err
			}
			path = copied
			if info, err = os.Stat(path); err != nil {
				return err
			}
		}
		return o.installLocked(ctx, ks, watcher.Entry{
			Name:    name,
			Path:    path,
			ModTime: info.ModTime(),
			Archive: true,
			Kind:    ks.kind,
		}, true)
	}

	name := filepath.Base(path)
	if err := artifact.ValidateName(name); err != nil {
		return err
	}
	if o.deployedLocked(ks, name) {
		return nil
	}
	if filepath.Dir(path) != ks.dir {
		copied, err := artifact.CopyInto(path, ks.dir)
		if err != nil {
			return err
		}
		path = copied
	}

	c, loadErr := loadCandidate(path, ks.kind)
	return o.deployLocked(ctx, ks, c, loadErr)
}

// deployedLocked reports whether name is already deployed. Explicit deploys of
// such a name are no-ops; replacing it goes through Redeploy or the watcher.
func (o *Orchestrator) deployedLocked(ks *kindState, name string) bool {
	d, ok := ks.known[name]
	if !ok || d.State != types.StateDeployed {
		return false
	}
	o.logger.WithArtifact(name).Debug("Already deployed, ignoring deploy request")
	return true
}

// installLocked extracts an archive and deploys or redeploys what it held.
// A corrupt archive stays on disk as a zombie and leaves any running version
// of the same name alone.
func (o *Orchestrator) installLocked(ctx context.Context, ks *kindState, entry watcher.Entry, forced bool) error {
	if !forced && ks.zombies.ShouldSkip(entry.Path, entry.ModTime) {
		return nil
	}

	dir, err := artifact.Install(entry.Path)
	if err != nil {
		cause := fmt.Errorf("%w: %s: %w", types.ErrBuild, entry.Name, err)
		o.engine.Reject(lifecycle.NewDeployment(types.Descriptor{
			Name:     entry.Name,
			Kind:     ks.kind,
			Location: entry.Path,
		}, entry.ModTime), ks.events, cause)
		ks.zombies.Record(entry.Path, entry.ModTime)
		return cause
	}
	ks.zombies.Clear(entry.Path)
	o.logger.WithArtifact(entry.Name).Info("Installed archive", logger.WithField("dir", dir))

	c, loadErr := loadCandidate(dir, ks.kind)
	if d, ok := ks.known[entry.Name]; ok && d.State == types.StateDeployed {
		return o.redeployLocked(ctx, ks, d, c, loadErr)
	}
	return o.deployLocked(ctx, ks, c, loadErr)
}

// deployLocked deploys c unless a deployment of that name is already live.
func (o *Orchestrator) deployLocked(ctx context.Context, ks *kindState, c candidate, loadErr error) error {
	name := c.desc.Name
	d, ok := ks.known[name]
	if ok && d.State == types.StateDeployed {
		return nil
	}
	if !ok {
		o.seq++
		d = lifecycle.NewDeployment(c.desc, c.modTime)
		d.Seq = o.seq
		ks.known[name] = d
	} else {
		d.Descriptor = c.desc
		d.ModTime = c.modTime
	}

	if loadErr == nil && ks.kind == types.KindApplication {
		loadErr = o.checkDomainLocked(name, c.desc.Domain)
	}
	if loadErr != nil {
		o.engine.Reject(d, ks.events, loadErr)
		o.settleLocked(ks, d, c.zombieKey, loadErr)
		return loadErr
	}

	o.recordLocked(d, types.StateDeploying, nil)
	err := o.engine.Deploy(ctx, d, ks.events)
	o.settleLocked(ks, d, c.zombieKey, err)
	return err
}

func (o *Orchestrator) redeployLocked(ctx context.Context, ks *kindState, d *lifecycle.Deployment, c candidate, loadErr error) error {
	if ks.kind == types.KindDomain {
		return o.redeployDomainLocked(ctx, ks, d, c, loadErr)
	}
	return o.redeployOneLocked(ctx, ks, d, c, loadErr)
}

func (o *Orchestrator) redeployOneLocked(ctx context.Context, ks *kindState, d *lifecycle.Deployment, c candidate, loadErr error) error {
	if loadErr == nil && ks.kind == types.KindApplication {
		loadErr = o.checkDomainLocked(d.Name, c.desc.Domain)
	}

	if loadErr != nil {
		if d.State == types.StateDeployed {
			o.recordLocked(d, types.StateUndeploying, nil)
			if err := o.engine.Undeploy(ctx, d, ks.events, o.anchorCleanup(ks, d.Name)); err != nil {
				o.logger.WithArtifact(d.Name).Debug("Teardown before failed redeploy reported errors", logger.WithError(err))
			}
		}
		d.Descriptor = c.desc
		d.ModTime = c.modTime
		o.engine.Reject(d, ks.events, loadErr)
		o.settleLocked(ks, d, c.zombieKey, loadErr)
		return loadErr
	}

	o.recordLocked(d, types.StateRedeploying, nil)
	err := o.engine.Redeploy(ctx, d, c.desc, c.modTime, ks.events, o.anchorCleanup(ks, d.Name))
	o.settleLocked(ks, d, c.zombieKey, err)
	return err
}

// redeployDomainLocked parks the domain's applications, redeploys the domain
// and then brings the parked applications back in their original order.
func (o *Orchestrator) redeployDomainLocked(ctx context.Context, ks *kindState, d *lifecycle.Deployment, c candidate, loadErr error) error {
	appKs := o.kinds[types.KindApplication]
	members := o.tracker.ApplicationsOf(d.Name)

	var parked []*lifecycle.Deployment
	for i := len(members) - 1; i >= 0; i-- {
		app, ok := appKs.known[members[i]]
		if !ok || app.State != types.StateDeployed {
			continue
		}
		o.recordLocked(app, types.StateUndeploying, nil)
		if err := o.engine.Undeploy(ctx, app, appKs.events, o.anchorCleanup(appKs, app.Name)); err != nil {
			o.logger.WithArtifact(app.Name).Debug("Teardown while parking reported errors", logger.WithError(err))
		}
		o.tracker.Unbind(app.Name)
		parked = append([]*lifecycle.Deployment{app}, parked...)
	}

	err := o.redeployOneLocked(ctx, ks, d, c, loadErr)

	for _, app := range parked {
		ac, appErr := loadCandidate(app.Dir(), types.KindApplication)
		o.deployLocked(ctx, appKs, ac, appErr)
	}
	return err
}

// undeployLocked tears d down and forgets it. Undeploying a domain first
// undeploys its applications, most recently bound first, and deletes them.
func (o *Orchestrator) undeployLocked(ctx context.Context, ks *kindState, d *lifecycle.Deployment, removeFiles bool) error {
	if ks.kind == types.KindDomain {
		appKs := o.kinds[types.KindApplication]
		members := o.tracker.ApplicationsOf(d.Name)
		for i := len(members) - 1; i >= 0; i-- {
			if app, ok := appKs.known[members[i]]; ok {
				o.logger.WithArtifact(app.Name).Info("Undeploying with its domain", logger.WithField("domain", d.Name))
				o.undeployLocked(ctx, appKs, app, true)
			}
		}
	}

	anchor := o.anchorCleanup(ks, d.Name)
	cleanup := func() error {
		err := anchor()
		if removeFiles && d.Dir() != "" {
			if rerr := os.RemoveAll(d.Dir()); rerr != nil {
				return fmt.Errorf("failed to remove %s: %w", d.Dir(), rerr)
			}
		}
		return err
	}

	o.recordLocked(d, types.StateUndeploying, nil)
	err := o.engine.Undeploy(ctx, d, ks.events, cleanup)
	o.forgetLocked(ks, d)
	return err
}

// forgetLocked drops every trace of d from the in-memory registries.
func (o *Orchestrator) forgetLocked(ks *kindState, d *lifecycle.Deployment) {
	delete(ks.known, d.Name)
	if ks.kind == types.KindApplication {
		o.tracker.Unbind(d.Name)
	}
	ks.zombies.Clear(d.Dir())
	ks.zombies.Clear(artifact.DescriptorPath(d.Dir(), ks.kind))
	if err := o.stateManager.RemoveState(ks.kind, d.Name); err != nil {
		o.logger.WithArtifact(d.Name).Debug("Failed to remove state file", logger.WithError(err))
	}
}

// settleLocked records the outcome of a deploy attempt.
func (o *Orchestrator) settleLocked(ks *kindState, d *lifecycle.Deployment, zombieKey string, err error) {
	log := o.logger.WithArtifact(d.Name)

	if err == nil {
		ks.zombies.Clear(zombieKey)
		ks.zombies.Clear(d.Dir())
		if werr := artifact.WriteAnchor(ks.dir, d.Name); werr != nil {
			log.Warn("Deployed without anchor", logger.WithError(werr))
		}
		if ks.kind == types.KindApplication {
			o.tracker.Bind(d.Name, d.Descriptor.Domain)
		}
		o.recordLocked(d, types.StateDeployed, nil)
		return
	}

	ks.zombies.Record(zombieKey, d.ModTime)
	if rerr := artifact.RemoveAnchor(ks.dir, d.Name); rerr != nil {
		log.Debug("Failed to remove anchor", logger.WithError(rerr))
	}
	if ks.kind == types.KindApplication {
		o.tracker.Unbind(d.Name)
	}
	o.recordLocked(d, types.StateFailed, err)
}

func (o *Orchestrator) checkDomainLocked(app, domain string) error {
	if domain == "" || domain == types.DefaultDomain {
		return nil
	}
	if d, ok := o.kinds[types.KindDomain].known[domain]; ok && d.State == types.StateDeployed {
		return nil
	}
	return fmt.Errorf("%w: %s requires domain %s", types.ErrDomainUnavailable, app, domain)
}

func (o *Orchestrator) anchorCleanup(ks *kindState, name string) func() error {
	return func() error {
		return artifact.RemoveAnchor(ks.dir, name)
	}
}

func (o *Orchestrator) recordLocked(d *lifecycle.Deployment, state types.LifecycleState, cause error) {
	if err := o.stateManager.RecordTransition(d.Ref(), state, cause); err != nil {
		o.logger.WithArtifact(d.Name).Debug("Failed to record state", logger.WithError(err))
	}
}
