package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/revenant/revenant/pkg/logger"
	"github.com/revenant/revenant/pkg/types"
)

// ReloadCallback receives a freshly loaded configuration, or the error that
// prevented loading it.
type ReloadCallback func(*types.RevenantConfig, error)

// ReloadManager watches the configuration file and reloads it on change.
type ReloadManager struct {
	configPath     string
	logger         logger.Logger
	manager        *Manager
	watcher        *fsnotify.Watcher
	callbacks      []ReloadCallback
	lastModTime    time.Time
	debounceTimer  *time.Timer
	debouncePeriod time.Duration
	mu             sync.Mutex
	done           chan struct{}
	isWatching     bool
}

// NewReloadManager creates a new configuration reload manager.
func NewReloadManager(configPath string, log logger.Logger) *ReloadManager {
	return &ReloadManager{
		configPath:     configPath,
		logger:         log,
		manager:        NewManager(),
		debouncePeriod: 500 * time.Millisecond,
	}
}

// AddCallback adds a reload callback. Callbacks run in registration order.
func (rm *ReloadManager) AddCallback(callback ReloadCallback) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.callbacks = append(rm.callbacks, callback)
}

// SetDebouncePeriod sets how long the file must be quiet before reloading.
func (rm *ReloadManager) SetDebouncePeriod(period time.Duration) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.debouncePeriod = period
}

// StartWatching begins watching the configuration file for changes. The
// parent directory is watched so that editors replacing the file by rename
// are noticed.
func (rm *ReloadManager) StartWatching() error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.isWatching {
		return fmt.Errorf("already watching configuration file")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(rm.configPath)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	if stat, err := os.Stat(rm.configPath); err == nil {
		rm.lastModTime = stat.ModTime()
	}

	rm.watcher = watcher
	rm.done = make(chan struct{})
	rm.isWatching = true
	go rm.watchLoop(watcher, rm.done)

	rm.logger.Debug("Started watching configuration file", logger.WithField("path", rm.configPath))
	return nil
}

// StopWatching stops watching the configuration file.
func (rm *ReloadManager) StopWatching() error {
	rm.mu.Lock()
	if !rm.isWatching {
		rm.mu.Unlock()
		return nil
	}
	rm.isWatching = false
	if rm.debounceTimer != nil {
		rm.debounceTimer.Stop()
		rm.debounceTimer = nil
	}
	watcher, done := rm.watcher, rm.done
	rm.watcher = nil
	rm.mu.Unlock()

	err := watcher.Close()
	<-done
	rm.logger.Debug("Stopped watching configuration file")
	return err
}

// IsWatching returns whether the manager is currently watching.
func (rm *ReloadManager) IsWatching() bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.isWatching
}

// TriggerReload reloads immediately, whether or not the file changed.
func (rm *ReloadManager) TriggerReload() {
	rm.mu.Lock()
	rm.lastModTime = time.Time{}
	rm.mu.Unlock()
	rm.handleConfigChange()
}

func (rm *ReloadManager) watchLoop(watcher *fsnotify.Watcher, done chan struct{}) {
	defer close(done)

	name := filepath.Base(rm.configPath)
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name || event.Op == fsnotify.Chmod {
				continue
			}
			rm.debounceReload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			rm.logger.Warn("Configuration file watcher error", logger.WithError(err))
		}
	}
}

func (rm *ReloadManager) debounceReload() {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if !rm.isWatching {
		return
	}
	if rm.debounceTimer != nil {
		rm.debounceTimer.Stop()
	}
	rm.debounceTimer = time.AfterFunc(rm.debouncePeriod, rm.handleConfigChange)
}

func (rm *ReloadManager) handleConfigChange() {
	stat, err := os.Stat(rm.configPath)
	if err != nil {
		rm.notifyCallbacks(nil, fmt.Errorf("configuration file unavailable: %w", err))
		return
	}

	rm.mu.Lock()
	if !stat.ModTime().After(rm.lastModTime) {
		rm.mu.Unlock()
		return
	}
	rm.lastModTime = stat.ModTime()
	rm.mu.Unlock()

	cfg, err := rm.manager.LoadConfig(rm.configPath)
	if err != nil {
		rm.logger.Error("Failed to reload configuration", logger.WithError(err))
		rm.notifyCallbacks(nil, err)
		return
	}

	rm.logger.Info("Configuration reloaded", logger.WithField("path", rm.configPath))
	rm.notifyCallbacks(cfg, nil)
}

func (rm *ReloadManager) notifyCallbacks(cfg *types.RevenantConfig, err error) {
	rm.mu.Lock()
	callbacks := make([]ReloadCallback, len(rm.callbacks))
	copy(callbacks, rm.callbacks)
	rm.mu.Unlock()

	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					rm.logger.Error("Reload callback panic recovered", logger.WithField("panic", r))
				}
			}()
			cb(cfg, err)
		}()
	}
}
