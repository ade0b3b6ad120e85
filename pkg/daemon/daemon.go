// Package daemon runs the orchestrator as a long-lived process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/revenant/revenant/internal/engine"
	"github.com/revenant/revenant/pkg/api"
	"github.com/revenant/revenant/pkg/config"
	rcontext "github.com/revenant/revenant/pkg/context"
	"github.com/revenant/revenant/pkg/interfaces"
	"github.com/revenant/revenant/pkg/logger"
	"github.com/revenant/revenant/pkg/metrics"
	"github.com/revenant/revenant/pkg/process"
	"github.com/revenant/revenant/pkg/types"
)

// Manager manages the Revenant daemon.
type Manager struct {
	root         string
	configPath   string
	pidFile      string
	stateDir     string
	startupOrder []string
	watchConfig  bool
	overrides    interfaces.Dependencies
	logger       logger.Logger

	mu           sync.RWMutex
	cfg          *types.RevenantConfig
	orchestrator *engine.Orchestrator
	api          *api.Server
	reload       *config.ReloadManager
	ctx          context.Context
	startedAt    time.Time
	done         chan struct{}
}

// Config represents daemon configuration.
type Config struct {
	Root string
	// ConfigPath defaults to the first configuration file found in Root
	ConfigPath string
	LogFile    string
	LogLevel   string
	// StartupOrder replaces the configured startup order when set
	StartupOrder []string
	// WatchConfig restarts the orchestrator whenever the configuration file changes
	WatchConfig bool
	// Overrides replace the collaborators built from configuration
	Overrides interfaces.Dependencies
}

// Status represents daemon status.
type Status struct {
	Running      bool             `json:"running"`
	PID          int              `json:"pid"`
	StartTime    time.Time        `json:"startTime,omitempty"`
	Applications []engine.Artifact `json:"applications"`
	Domains      []engine.Artifact `json:"domains"`
	Zombies      int              `json:"zombies"`
}

// NewManager creates a new daemon manager.
func NewManager(cfg Config) *Manager {
	stateDir := filepath.Join(cfg.Root, ".revenant")

	return &Manager{
		root:         cfg.Root,
		configPath:   cfg.ConfigPath,
		pidFile:      filepath.Join(stateDir, "daemon.pid"),
		stateDir:     stateDir,
		startupOrder: cfg.StartupOrder,
		watchConfig:  cfg.WatchConfig,
		overrides:    cfg.Overrides,
		logger:       logger.CreateLogger(cfg.LogFile, cfg.LogLevel),
	}
}

// StartWithContext loads the configuration, starts the orchestrator and, if
// configured, the management API.
func (m *Manager) StartWithContext(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.orchestrator != nil || m.isRunning() {
		return ErrDaemonAlreadyRunning
	}

	cfg, err := m.loadConfig()
	if err != nil {
		return fmt.Errorf("%w: failed to load config: %w", ErrDaemonStartFailed, err)
	}

	if err := os.MkdirAll(m.stateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	if err := m.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	m.ctx = ctx
	m.done = make(chan struct{})
	if err := m.startOrchestrator(cfg); err != nil {
		m.removePIDFile()
		close(m.done)
		return fmt.Errorf("%w: %w", ErrDaemonStartFailed, err)
	}

	if cfg.APIEnabled() {
		m.api = api.NewServer(&liveController{m: m}, m.logger, cfg.MetricsEnabled())
		if err := m.api.Start(cfg.API.Addr); err != nil {
			m.stopOrchestrator(context.Background())
			m.api = nil
			m.removePIDFile()
			close(m.done)
			return fmt.Errorf("%w: api: %w", ErrDaemonStartFailed, err)
		}
	}

	if m.watchConfig {
		m.reload = config.NewReloadManager(m.configPath, m.logger)
		m.reload.AddCallback(m.onConfigReload)
		if err := m.reload.StartWatching(); err != nil {
			m.logger.Warn("Configuration reload unavailable", logger.WithError(err))
			m.reload = nil
		}
	}

	m.startedAt = time.Now()
	m.logger.Info("Daemon started successfully", logger.WithField("pid", os.Getpid()))

	go m.runWithContext(ctx, m.done)
	return nil
}

// Start starts the daemon with a background context.
func (m *Manager) Start() error {
	return m.StartWithContext(context.Background())
}

// StopWithContext stops the API, the config watcher and the orchestrator.
// Deployed artifacts are shut down; their files stay in place.
func (m *Manager) StopWithContext(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.orchestrator == nil {
		return ErrDaemonNotRunning
	}

	m.logger.Info("Stopping daemon...")

	var errs []error
	if m.reload != nil {
		if err := m.reload.StopWatching(); err != nil {
			errs = append(errs, err)
		}
		m.reload = nil
	}
	if m.api != nil {
		if err := m.api.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("api: %w", err))
		}
		m.api = nil
	}
	if err := m.stopOrchestrator(ctx); err != nil {
		errs = append(errs, err)
	}

	m.removePIDFile()
	close(m.done)
	m.logger.Info("Daemon stopped")

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrDaemonStopFailed, errors.Join(errs...))
	}
	return nil
}

// Stop stops the daemon with a 30 second deadline.
func (m *Manager) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return m.StopWithContext(ctx)
}

// Restart stops and starts the daemon, re-reading the configuration.
func (m *Manager) Restart() error {
	if err := m.Stop(); err != nil && !errors.Is(err, ErrDaemonNotRunning) {
		return err
	}
	return m.Start()
}

// Done is closed when the daemon stops, whether by Stop or by signal.
func (m *Manager) Done() <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return m.done
}

// Status returns the daemon status, or nil when it is not running.
func (m *Manager) Status() (*Status, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.isRunning() {
		return nil, nil
	}

	status := &Status{Running: true}
	pid, err := m.readPIDFile()
	if err != nil {
		return nil, err
	}
	status.PID = pid

	if o := m.orchestrator; o != nil {
		status.StartTime = m.startedAt
		status.Applications = o.ListDeployed(types.KindApplication)
		status.Domains = o.ListDeployed(types.KindDomain)
		for _, kind := range types.ProcessingOrder {
			status.Zombies += len(o.Zombies(kind))
		}
	}

	return status, nil
}

// IsRunning checks if a daemon holds the PID file.
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isRunning()
}

// APIAddr returns the address the management API is bound to, or "".
func (m *Manager) APIAddr() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.api == nil {
		return ""
	}
	return m.api.Addr()
}

// Orchestrator returns the running orchestrator, or nil.
func (m *Manager) Orchestrator() *engine.Orchestrator {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.orchestrator
}

// runWithContext stops the daemon once ctx is cancelled.
func (m *Manager) runWithContext(ctx context.Context, done <-chan struct{}) {
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Info("Daemon context cancelled", logger.WithField("reason", ctx.Err()))
		if err := m.Stop(); err != nil && !errors.Is(err, ErrDaemonNotRunning) {
			m.logger.Warn("Daemon shutdown failed", logger.WithError(err))
		}
	}
}

func (m *Manager) startOrchestrator(cfg *types.RevenantConfig) error {
	pm := process.NewManager(m.logger)

	overrides := m.overrides
	overrides.ProcessManager = pm
	deps := engine.NewDependencyFactory(m.root, m.logger, cfg).CreateWithOverrides(overrides)

	if cfg.MetricsEnabled() {
		metrics.RegisterMetrics()
	}

	o := engine.New(cfg, m.logger, deps)
	pm.OnRescan(func() {
		ctx := rcontext.WithTrigger(context.Background(), rcontext.TriggerManual)
		if err := o.Reconcile(ctx); err != nil {
			m.logger.Warn("Rescan failed", logger.WithError(err))
		}
	})

	if err := o.Start(m.ctx); err != nil {
		return err
	}

	// Registered after the orchestrator's own handler so it runs first
	pm.RegisterShutdownHandler(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := m.StopWithContext(ctx); err != nil && !errors.Is(err, ErrDaemonNotRunning) {
			m.logger.Warn("Daemon shutdown failed", logger.WithError(err))
		}
	})

	m.cfg = cfg
	m.orchestrator = o
	return nil
}

func (m *Manager) stopOrchestrator(ctx context.Context) error {
	o := m.orchestrator
	m.orchestrator = nil
	if o == nil {
		return nil
	}
	if err := o.Stop(ctx); err != nil && !errors.Is(err, types.ErrNotRunning) {
		return err
	}
	return nil
}

func (m *Manager) onConfigReload(cfg *types.RevenantConfig, err error) {
	if err != nil {
		m.logger.Warn("Keeping current configuration", logger.WithError(err))
		return
	}
	if len(m.startupOrder) > 0 {
		cfg.StartupOrder = m.startupOrder
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.orchestrator == nil {
		return
	}

	m.logger.Info("Configuration changed, restarting orchestrator")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.stopOrchestrator(ctx); err != nil {
		m.logger.Warn("Orchestrator did not stop cleanly", logger.WithError(err))
	}
	if err := m.startOrchestrator(cfg); err != nil {
		m.logger.Error("Failed to restart orchestrator", logger.WithError(err))
	}
}

func (m *Manager) loadConfig() (*types.RevenantConfig, error) {
	manager := config.NewManager()

	if m.configPath == "" {
		path, err := manager.FindConfig(m.root)
		if err != nil {
			return nil, err
		}
		m.configPath = path
	}

	cfg, err := manager.LoadConfig(m.configPath)
	if err != nil {
		return nil, err
	}
	if len(m.startupOrder) > 0 {
		cfg.StartupOrder = m.startupOrder
	}
	return cfg, nil
}

func (m *Manager) isRunning() bool {
	pid, err := m.readPIDFile()
	if err != nil {
		return false
	}
	info, err := process.GetProcessInfo(pid)
	return err == nil && info.IsRunning
}

func (m *Manager) writePIDFile() error {
	return os.WriteFile(m.pidFile, []byte(strconv.Itoa(os.Getpid())), 0644)
}

func (m *Manager) readPIDFile() (int, error) {
	return ReadPIDFile(m.root)
}

func (m *Manager) removePIDFile() {
	os.Remove(m.pidFile)
}

// PIDFile returns where the daemon for root records its PID.
func PIDFile(root string) string {
	return filepath.Join(root, ".revenant", "daemon.pid")
}

// ReadPIDFile returns the PID recorded for root.
func ReadPIDFile(root string) (int, error) {
	data, err := os.ReadFile(PIDFile(root))
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// liveController forwards API calls to whichever orchestrator is current, so
// a configuration reload does not strand the API server.
type liveController struct {
	m *Manager
}

func (c *liveController) current() (*engine.Orchestrator, error) {
	if o := c.m.Orchestrator(); o != nil {
		return o, nil
	}
	return nil, types.ErrNotRunning
}

func (c *liveController) Deploy(ctx context.Context, kind types.ArtifactKind, location string) error {
	o, err := c.current()
	if err != nil {
		return err
	}
	return o.Deploy(ctx, kind, location)
}

func (c *liveController) Undeploy(ctx context.Context, kind types.ArtifactKind, name string) error {
	o, err := c.current()
	if err != nil {
		return err
	}
	return o.Undeploy(ctx, kind, name)
}

func (c *liveController) Redeploy(ctx context.Context, kind types.ArtifactKind, name string) error {
	o, err := c.current()
	if err != nil {
		return err
	}
	return o.Redeploy(ctx, kind, name)
}

func (c *liveController) Reconcile(ctx context.Context) error {
	o, err := c.current()
	if err != nil {
		return err
	}
	return o.Reconcile(ctx)
}

func (c *liveController) Artifacts(kind types.ArtifactKind) []engine.Artifact {
	if o, err := c.current(); err == nil {
		return o.Artifacts(kind)
	}
	return nil
}

func (c *liveController) ListDeployed(kind types.ArtifactKind) []engine.Artifact {
	if o, err := c.current(); err == nil {
		return o.ListDeployed(kind)
	}
	return nil
}

func (c *liveController) Zombies(kind types.ArtifactKind) map[string]time.Time {
	if o, err := c.current(); err == nil {
		return o.Zombies(kind)
	}
	return map[string]time.Time{}
}
