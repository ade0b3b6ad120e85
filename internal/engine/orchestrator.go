package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/revenant/revenant/internal/artifact"
	"github.com/revenant/revenant/internal/dependency"
	"github.com/revenant/revenant/internal/lifecycle"
	"github.com/revenant/revenant/internal/watcher"
	"github.com/revenant/revenant/internal/zombie"
	rcontext "github.com/revenant/revenant/pkg/context"
	"github.com/revenant/revenant/pkg/interfaces"
	"github.com/revenant/revenant/pkg/logger"
	"github.com/revenant/revenant/pkg/metrics"
	"github.com/revenant/revenant/pkg/types"
)

// Artifact is a read-only view of one known artifact.
type Artifact struct {
	Name       string               `json:"name"`
	Kind       types.ArtifactKind   `json:"kind"`
	State      types.LifecycleState `json:"state"`
	Location   string               `json:"location"`
	Domain     string               `json:"domain,omitempty"`
	DeployedAt time.Time            `json:"deployedAt,omitempty"`
}

// kindState holds the registries for one artifact kind. All fields are
// guarded by the deployment lock.
type kindState struct {
	kind    types.ArtifactKind
	dir     string
	known   map[string]*lifecycle.Deployment
	zombies *zombie.Registry
	events  interfaces.DeploymentListener
}

// Orchestrator owns the deployed set of both kinds and serializes every
// lifecycle transition behind a single deployment lock.
type Orchestrator struct {
	config         *types.RevenantConfig
	logger         logger.Logger
	engine         *lifecycle.Engine
	stateManager   interfaces.StateManager
	processManager interfaces.ProcessManager
	trigger        interfaces.ChangeTrigger
	fanout         *fanout

	// deployMu is the deployment lock. Methods suffixed Locked expect it held.
	deployMu     sync.Mutex
	kinds        map[types.ArtifactKind]*kindState
	tracker      *dependency.Tracker
	seq          int
	startupIndex map[string]int

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an orchestrator. Factory and StateManager are required.
func New(config *types.RevenantConfig, log logger.Logger, deps interfaces.Dependencies) *Orchestrator {
	if deps.Factory == nil {
		panic("Factory dependency is required")
	}
	if deps.StateManager == nil {
		panic("StateManager dependency is required")
	}

	o := &Orchestrator{
		config:         config,
		logger:         log,
		engine:         lifecycle.NewEngine(deps.Factory, log),
		stateManager:   deps.StateManager,
		processManager: deps.ProcessManager,
		trigger:        deps.Trigger,
		fanout:         newFanout(log),
		kinds:          make(map[types.ArtifactKind]*kindState),
		tracker:        dependency.NewTracker(),
		startupIndex:   watcher.StartupIndex(config.StartupOrder),
	}

	for _, kind := range types.ProcessingOrder {
		dir := config.WatchDir(kind)
		if abs, err := filepath.Abs(dir); err == nil {
			dir = abs
		}
		o.kinds[kind] = &kindState{
			kind:    kind,
			dir:     dir,
			known:   make(map[string]*lifecycle.Deployment),
			zombies: zombie.NewRegistry(),
			events:  o.fanout.recorder(kind),
		}
		for _, l := range deps.Listeners {
			o.fanout.add(kind, l)
		}
	}

	return o
}

// AddListener registers l for events about artifacts of kind.
func (o *Orchestrator) AddListener(kind types.ArtifactKind, l interfaces.DeploymentListener) error {
	if _, err := o.kindState(kind); err != nil {
		return err
	}
	if l == nil {
		return fmt.Errorf("%w: listener must not be nil", types.ErrInvalidArgument)
	}
	o.fanout.add(kind, l)
	return nil
}

// Start removes stale anchors, runs one full reconciliation synchronously
// and then starts the watcher loop.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return types.ErrAlreadyRunning
	}
	o.running = true
	loopCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.mu.Unlock()

	o.logger.Info("Starting Revenant...")

	for _, kind := range types.ProcessingOrder {
		ks := o.kinds[kind]
		if err := os.MkdirAll(ks.dir, 0755); err != nil {
			o.mu.Lock()
			o.running = false
			o.mu.Unlock()
			cancel()
			return fmt.Errorf("failed to create %s directory: %w", kind, err)
		}
		removed, err := artifact.DeleteStaleAnchors(ks.dir)
		if err != nil {
			o.logger.Warn("Failed to delete stale anchors", logger.WithField("dir", ks.dir), logger.WithError(err))
		}
		if len(removed) > 0 {
			o.logger.Debug(fmt.Sprintf("Deleted %d stale %s anchor(s)", len(removed), kind))
		}
	}

	o.stateManager.StartHeartbeat(loopCtx)

	if err := o.reconcile(loopCtx, rcontext.TriggerStartup); err != nil {
		o.logger.Warn("Initial reconciliation encountered errors", logger.WithError(err))
	}

	if o.trigger != nil {
		if err := o.trigger.Start(loopCtx); err != nil {
			o.logger.Warn("Filesystem events unavailable, polling only", logger.WithError(err))
		}
	}

	o.wg.Add(1)
	go o.run(loopCtx)

	if o.processManager != nil {
		o.processManager.RegisterShutdownHandler(func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer stopCancel()
			if err := o.Stop(stopCtx); err != nil && !errors.Is(err, types.ErrNotRunning) {
				o.logger.Warn("Shutdown handler failed", logger.WithError(err))
			}
		})
		o.processManager.Start(loopCtx)
	}

	o.logger.Info(fmt.Sprintf("Revenant is watching %s and %s", o.kinds[types.KindApplication].dir, o.kinds[types.KindDomain].dir))
	return nil
}

// Stop ends the watcher loop, waits for the pass in flight, then stops and
// disposes every deployed artifact. Installed files stay in place.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return types.ErrNotRunning
	}
	o.running = false
	cancel := o.cancel
	o.mu.Unlock()

	o.logger.Info("Stopping Revenant...")
	cancel()

	if o.trigger != nil {
		if err := o.trigger.Close(); err != nil {
			o.logger.Warn("Failed to close change trigger", logger.WithError(err))
		}
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		o.logger.Warn("Watcher loop did not finish in time", logger.WithError(ctx.Err()))
	}

	o.deployMu.Lock()
	o.shutdownLocked(context.WithoutCancel(ctx))
	o.deployMu.Unlock()

	o.stateManager.StopHeartbeat()
	if err := o.stateManager.Cleanup(); err != nil {
		o.logger.Warn("State cleanup failed", logger.WithError(err))
	}

	o.logger.Info("Revenant stopped")
	return nil
}

// IsRunning reports whether Start has been called without a matching Stop.
func (o *Orchestrator) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// requireRunning fails explicit operations once the orchestrator is stopped.
// Callers hold the deployment lock so a concurrent Stop cannot interleave.
func (o *Orchestrator) requireRunning() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return types.ErrNotRunning
	}
	return nil
}

// Reconcile runs one full pass over both watched directories.
func (o *Orchestrator) Reconcile(ctx context.Context) error {
	return o.reconcile(ctx, rcontext.GetTrigger(ctx))
}

// Deploy installs and deploys the archive or exploded directory at location.
// Anything outside the watched directory is copied in first. Explicit deploys
// ignore the zombie registry.
func (o *Orchestrator) Deploy(ctx context.Context, kind types.ArtifactKind, location string) error {
	ks, err := o.kindState(kind)
	if err != nil {
		return err
	}
	if location == "" {
		return fmt.Errorf("%w: location must not be empty", types.ErrInvalidArgument)
	}
	path, err := filepath.Abs(location)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidArgument, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: %s", types.ErrNotFound, location)
	}

	ctx = rcontext.WithOperation(context.WithoutCancel(ctx), "deploy")

	o.deployMu.Lock()
	if err := o.requireRunning(); err != nil {
		o.deployMu.Unlock()
		return err
	}
	err = o.deployExplicitLocked(ctx, ks, path, info)
	o.updateGaugesLocked()
	o.deployMu.Unlock()

	o.fanout.drain()
	return err
}

// Undeploy stops, disposes and uninstalls a known artifact. Domains take
// their applications with them.
func (o *Orchestrator) Undeploy(ctx context.Context, kind types.ArtifactKind, name string) error {
	ks, err := o.kindState(kind)
	if err != nil {
		return err
	}
	if err := artifact.ValidateName(name); err != nil {
		return err
	}
	if kind == types.KindDomain && name == types.DefaultDomain {
		return fmt.Errorf("%w: the default domain cannot be undeployed", types.ErrInvalidArgument)
	}

	ctx = rcontext.WithOperation(context.WithoutCancel(ctx), "undeploy")

	o.deployMu.Lock()
	if err := o.requireRunning(); err != nil {
		o.deployMu.Unlock()
		return err
	}
	d, ok := ks.known[name]
	if ok {
		if err := o.undeployLocked(ctx, ks, d, true); err != nil {
			o.logger.WithArtifact(name).Debug("Undeploy completed with teardown errors", logger.WithError(err))
		}
		o.updateGaugesLocked()
	}
	o.deployMu.Unlock()

	o.fanout.drain()
	if !ok {
		return fmt.Errorf("%w: %s %s", types.ErrNotFound, kind, name)
	}
	return nil
}

// Redeploy reloads a known artifact from its installed directory, bypassing
// the zombie registry.
func (o *Orchestrator) Redeploy(ctx context.Context, kind types.ArtifactKind, name string) error {
	ks, err := o.kindState(kind)
	if err != nil {
		return err
	}
	if err := artifact.ValidateName(name); err != nil {
		return err
	}

	ctx = rcontext.WithOperation(context.WithoutCancel(ctx), "redeploy")

	o.deployMu.Lock()
	if err := o.requireRunning(); err != nil {
		o.deployMu.Unlock()
		return err
	}
	d, ok := ks.known[name]
	if ok {
		c, loadErr := loadCandidate(d.Dir(), kind)
		err = o.redeployLocked(ctx, ks, d, c, loadErr)
		o.updateGaugesLocked()
	}
	o.deployMu.Unlock()

	o.fanout.drain()
	if !ok {
		return fmt.Errorf("%w: %s %s", types.ErrNotFound, kind, name)
	}
	return err
}

// ListDeployed returns deployed artifacts of kind in explicit startup order,
// then in the order they were first deployed.
func (o *Orchestrator) ListDeployed(kind types.ArtifactKind) []Artifact {
	return o.list(kind, func(d *lifecycle.Deployment) bool {
		return d.State == types.StateDeployed
	})
}

// Artifacts returns every artifact of kind the orchestrator knows about,
// including failed ones.
func (o *Orchestrator) Artifacts(kind types.ArtifactKind) []Artifact {
	return o.list(kind, func(*lifecycle.Deployment) bool { return true })
}

// Zombies returns a copy of the zombie registry for kind.
func (o *Orchestrator) Zombies(kind types.ArtifactKind) map[string]time.Time {
	ks, err := o.kindState(kind)
	if err != nil {
		return map[string]time.Time{}
	}
	o.deployMu.Lock()
	defer o.deployMu.Unlock()
	return ks.zombies.Snapshot()
}

func (o *Orchestrator) list(kind types.ArtifactKind, keep func(*lifecycle.Deployment) bool) []Artifact {
	ks, err := o.kindState(kind)
	if err != nil {
		return nil
	}

	o.deployMu.Lock()
	defer o.deployMu.Unlock()

	ordered := o.orderedLocked(ks)
	out := make([]Artifact, 0, len(ordered))
	for _, d := range ordered {
		if !keep(d) {
			continue
		}
		out = append(out, Artifact{
			Name:       d.Name,
			Kind:       d.Kind,
			State:      d.State,
			Location:   d.Dir(),
			Domain:     d.Descriptor.Domain,
			DeployedAt: d.DeployedAt,
		})
	}
	return out
}

func (o *Orchestrator) kindState(kind types.ArtifactKind) (*kindState, error) {
	ks, ok := o.kinds[kind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown artifact kind %q", types.ErrInvalidArgument, kind)
	}
	return ks, nil
}

// orderedLocked sorts known deployments by startup order, then by sequence.
func (o *Orchestrator) orderedLocked(ks *kindState) []*lifecycle.Deployment {
	out := make([]*lifecycle.Deployment, 0, len(ks.known))
	for _, d := range ks.known {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := o.rank(out[i].Name), o.rank(out[j].Name)
		if ri != rj {
			return ri < rj
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

func (o *Orchestrator) rank(name string) int {
	if i, ok := o.startupIndex[name]; ok {
		return i
	}
	return len(o.startupIndex)
}

func (o *Orchestrator) run(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.config.GetPollInterval())
	defer ticker.Stop()

	var wake <-chan struct{}
	if o.trigger != nil {
		wake = o.trigger.Events()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.reconcile(ctx, rcontext.TriggerPoll)
		case <-wake:
			o.reconcile(ctx, rcontext.TriggerEvent)
		}
	}
}

func (o *Orchestrator) reconcile(ctx context.Context, trigger rcontext.Trigger) error {
	ctx = rcontext.NewPass(context.WithoutCancel(ctx), trigger, "reconcile")
	log := logger.WithContext(ctx, o.logger)
	start := time.Now()

	o.deployMu.Lock()
	snaps, scanErr := o.scanLocked(ctx)
	if scanErr != nil {
		log.Warn("Failed to scan watched directories", logger.WithError(scanErr))
	}
	for i, kind := range types.ProcessingOrder {
		if snaps[i] != nil {
			o.reconcileKindLocked(ctx, o.kinds[kind], snaps[i])
		}
	}
	o.clearVanishedZombiesLocked()
	o.updateGaugesLocked()
	o.deployMu.Unlock()

	o.fanout.drain()

	if o.config.MetricsEnabled() {
		metrics.RecordPass(string(trigger), time.Since(start))
	}
	log.Debug("Reconciliation pass finished", logger.WithField("trigger", trigger), logger.WithField("elapsed", time.Since(start).String()))
	return scanErr
}

// scanLocked lists both watched directories concurrently.
func (o *Orchestrator) scanLocked(ctx context.Context) ([]*watcher.Snapshot, error) {
	snaps := make([]*watcher.Snapshot, len(types.ProcessingOrder))
	errs := make([]error, len(types.ProcessingOrder))

	sg, _ := NewSafeGroup(ctx, o.logger)
	for i, kind := range types.ProcessingOrder {
		i, ks := i, o.kinds[kind]
		sg.Go(func() error {
			snaps[i], errs[i] = watcher.Scan(ks.dir, ks.kind)
			return nil
		})
	}
	if err := sg.Wait(); err != nil {
		return snaps, err
	}
	return snaps, errors.Join(errs...)
}

func (o *Orchestrator) reconcileKindLocked(ctx context.Context, ks *kindState, snap *watcher.Snapshot) {
	log := logger.WithContext(ctx, o.logger)

	// Gone from disk
	known := o.orderedLocked(ks)
	for i := len(known) - 1; i >= 0; i-- {
		d := known[i]
		if _, ok := ks.known[d.Name]; !ok {
			continue
		}
		_, exploded := snap.Exploded[d.Name]
		_, archived := snap.Archives[d.Name]
		_, broken := snap.Errors[d.Name]
		if exploded || archived || broken {
			continue
		}
		if d.State == types.StateDeployed {
			log.WithArtifact(d.Name).Info("Removed from disk, undeploying")
			o.undeployLocked(ctx, ks, d, false)
		} else {
			o.forgetLocked(ks, d)
		}
	}

	// Unreadable entries are reported once per entry
	errNames := make([]string, 0, len(snap.Errors))
	for name := range snap.Errors {
		errNames = append(errNames, name)
	}
	sort.Strings(errNames)
	for _, name := range errNames {
		key := filepath.Join(ks.dir, name)
		if ks.zombies.ShouldSkip(key, time.Time{}) {
			continue
		}
		ks.zombies.Record(key, time.Time{})
		log.WithArtifact(name).Error("Cannot read artifact", logger.WithError(snap.Errors[name]))
		ks.events.OnDeploymentFailure(name, snap.Errors[name])
	}

	for _, name := range watcher.OrderNames(snap.Names(), o.config.StartupOrder) {
		if archive, ok := snap.Archives[name]; ok {
			// The archive wins; its exploded directory is left for the next pass
			o.installLocked(ctx, ks, archive, false)
			continue
		}

		entry := snap.Exploded[name]
		if _, err := os.Stat(entry.Path); err != nil {
			// Removed earlier in this pass, for instance by a domain cascade
			continue
		}
		key := entry.ZombieKey()
		d := ks.known[name]

		switch {
		case d == nil:
			if ks.zombies.ShouldSkip(key, entry.ModTime) {
				continue
			}
			c, err := loadCandidate(entry.Path, ks.kind)
			o.deployLocked(ctx, ks, c, err)

		case d.State == types.StateDeployed:
			if !snap.Anchors[name] {
				log.WithArtifact(name).Info("Anchor removed, undeploying")
				o.undeployLocked(ctx, ks, d, true)
				continue
			}
			if !entry.ModTime.After(d.ModTime) || ks.zombies.ShouldSkip(key, entry.ModTime) {
				continue
			}
			if !d.Descriptor.AllowsRedeployment() {
				log.WithArtifact(name).Debug("Change ignored, redeployment disabled")
				d.ModTime = entry.ModTime
				continue
			}
			log.WithArtifact(name).Info("Change detected, redeploying")
			c, err := loadCandidate(entry.Path, ks.kind)
			o.redeployLocked(ctx, ks, d, c, err)

		default:
			if ks.zombies.ShouldSkip(key, entry.ModTime) {
				continue
			}
			c, err := loadCandidate(entry.Path, ks.kind)
			o.deployLocked(ctx, ks, c, err)
		}
	}
}

func (o *Orchestrator) clearVanishedZombiesLocked() {
	for _, ks := range o.kinds {
		for _, location := range ks.zombies.Locations() {
			if _, err := os.Stat(location); os.IsNotExist(err) {
				ks.zombies.Clear(location)
			}
		}
	}
}

func (o *Orchestrator) updateGaugesLocked() {
	if !o.config.MetricsEnabled() {
		return
	}
	for kind, ks := range o.kinds {
		deployed := 0
		for _, d := range ks.known {
			if d.State == types.StateDeployed {
				deployed++
			}
		}
		metrics.SetDeployed(string(kind), deployed)
		metrics.SetZombies(string(kind), ks.zombies.Len())
	}
}

func (o *Orchestrator) shutdownLocked(ctx context.Context) {
	for _, kind := range []types.ArtifactKind{types.KindApplication, types.KindDomain} {
		ks := o.kinds[kind]
		deployments := make([]*lifecycle.Deployment, 0, len(ks.known))
		for _, d := range ks.known {
			deployments = append(deployments, d)
		}
		sort.Slice(deployments, func(i, j int) bool { return deployments[i].Seq > deployments[j].Seq })

		for _, d := range deployments {
			if d.State != types.StateDeployed {
				continue
			}
			if err := o.engine.Shutdown(ctx, d); err != nil {
				o.logger.WithArtifact(d.Name).Warn("Shutdown reported errors", logger.WithError(err))
			}
		}
		ks.known = make(map[string]*lifecycle.Deployment)
		ks.zombies = zombie.NewRegistry()
	}
	o.tracker = dependency.NewTracker()
}
