package engine

import (
	"path/filepath"
	"time"

	"github.com/revenant/revenant/internal/runtime"
	"github.com/revenant/revenant/internal/state"
	"github.com/revenant/revenant/internal/watcher"
	"github.com/revenant/revenant/pkg/interfaces"
	"github.com/revenant/revenant/pkg/logger"
	"github.com/revenant/revenant/pkg/metrics"
	"github.com/revenant/revenant/pkg/notifier"
	"github.com/revenant/revenant/pkg/process"
	"github.com/revenant/revenant/pkg/types"
)

// DependencyFactory creates the production collaborators of an Orchestrator
// from configuration.
type DependencyFactory struct {
	root   string
	logger logger.Logger
	config *types.RevenantConfig
}

// NewDependencyFactory creates a new dependency factory.
func NewDependencyFactory(root string, log logger.Logger, config *types.RevenantConfig) *DependencyFactory {
	return &DependencyFactory{
		root:   root,
		logger: log,
		config: config,
	}
}

// CreateDefaults creates every dependency the configuration asks for.
func (f *DependencyFactory) CreateDefaults() interfaces.Dependencies {
	deps := interfaces.Dependencies{
		Factory:        runtime.NewProcessFactory(f.logger),
		StateManager:   state.NewStateManager(f.stateDir(), f.logger),
		ProcessManager: process.NewManager(f.logger),
	}

	if f.config.FsnotifyEnabled() {
		deps.Trigger = watcher.NewFSNotifyTrigger(
			[]string{f.config.AppsDir, f.config.DomainsDir},
			f.debounce(),
			f.logger,
		)
	}

	if f.config.NotificationsEnabled() {
		n := f.config.Notifications
		deps.Listeners = append(deps.Listeners, notifier.New(notifier.Config{
			Enabled:      true,
			SuccessSound: n.SuccessSound,
			FailureSound: n.FailureSound,
		}, f.logger))
	}

	if f.config.MetricsEnabled() {
		deps.Listeners = append(deps.Listeners, metrics.NewListener())
	}

	return deps
}

// CreateWithOverrides creates dependencies with specific overrides. Non-nil
// overrides replace defaults; override listeners are appended.
func (f *DependencyFactory) CreateWithOverrides(overrides interfaces.Dependencies) interfaces.Dependencies {
	deps := f.CreateDefaults()

	if overrides.Factory != nil {
		deps.Factory = overrides.Factory
	}
	if overrides.StateManager != nil {
		deps.StateManager = overrides.StateManager
	}
	if overrides.ProcessManager != nil {
		deps.ProcessManager = overrides.ProcessManager
	}
	if overrides.Trigger != nil {
		deps.Trigger = overrides.Trigger
	}
	deps.Listeners = append(deps.Listeners, overrides.Listeners...)

	return deps
}

func (f *DependencyFactory) stateDir() string {
	if f.config.StateDir != "" {
		return f.config.StateDir
	}
	return filepath.Join(f.root, ".revenant", "state")
}

func (f *DependencyFactory) debounce() time.Duration {
	if f.config.Watch != nil && f.config.Watch.Debounce > 0 {
		return time.Duration(f.config.Watch.Debounce) * time.Millisecond
	}
	return watcher.DefaultSettlingDelay
}
