// Package state mirrors artifact lifecycle state to disk so that other
// processes, such as the CLI, can report on a running daemon.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/revenant/revenant/pkg/logger"
	"github.com/revenant/revenant/pkg/types"
)

// HeartbeatInterval is how often live states are refreshed.
const HeartbeatInterval = 10 * time.Second

// staleAfter is how long a heartbeat may lag before its writer is presumed dead.
const staleAfter = 3 * HeartbeatInterval

// StateManager handles persistent state files, one per artifact.
type StateManager struct {
	stateDir       string
	logger         logger.Logger
	mu             sync.RWMutex
	states         map[string]*types.ArtifactStatus
	heartbeatStop  chan struct{}
	heartbeatTimer *time.Ticker
}

// NewStateManager creates a state manager writing into stateDir.
func NewStateManager(stateDir string, log logger.Logger) *StateManager {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		log.Error("Failed to create state directory", logger.WithError(err))
	}

	return &StateManager{
		stateDir: stateDir,
		logger:   log,
		states:   make(map[string]*types.ArtifactStatus),
	}
}

// Dir returns the directory holding state files.
func (sm *StateManager) Dir() string {
	return sm.stateDir
}

// RecordTransition stores a lifecycle transition. Counters survive restarts
// because an existing file is loaded before the first update.
func (sm *StateManager) RecordTransition(ref types.ArtifactRef, state types.LifecycleState, cause error) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	key := ref.Key()
	status, ok := sm.states[key]
	if !ok {
		status = &types.ArtifactStatus{Kind: ref.Kind, Name: ref.Name}
		if existing, err := sm.loadStateFile(key); err == nil {
			status.DeployCount = existing.DeployCount
			status.FailureCount = existing.FailureCount
		}
		sm.states[key] = status
	}

	now := time.Now()
	status.State = state
	status.Location = ref.Location
	status.Domain = ref.Domain
	status.LastTransition = now
	status.Heartbeat = now
	status.ProcessID = os.Getpid()

	switch state {
	case types.StateDeployed:
		status.DeployCount++
		status.LastError = ""
	case types.StateFailed:
		status.FailureCount++
		if cause != nil {
			status.LastError = cause.Error()
		}
	}

	return sm.saveStateFile(status)
}

// ReadState reads the state for an artifact.
func (sm *StateManager) ReadState(kind types.ArtifactKind, name string) (*types.ArtifactStatus, error) {
	key := types.ArtifactRef{Kind: kind, Name: name}.Key()

	sm.mu.RLock()
	if status, ok := sm.states[key]; ok {
		copied := *status
		sm.mu.RUnlock()
		return &copied, nil
	}
	sm.mu.RUnlock()

	return sm.loadStateFile(key)
}

// RemoveState removes the state for an artifact.
func (sm *StateManager) RemoveState(kind types.ArtifactKind, name string) error {
	key := types.ArtifactRef{Kind: kind, Name: name}.Key()

	sm.mu.Lock()
	defer sm.mu.Unlock()

	delete(sm.states, key)

	if err := os.Remove(sm.getStateFilePath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove state file: %w", err)
	}
	return nil
}

// DiscoverStates finds all existing state files, keyed by kind-name.
func (sm *StateManager) DiscoverStates() (map[string]*types.ArtifactStatus, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return discover(sm.stateDir, sm.logger)
}

// StartHeartbeat starts the heartbeat updater.
func (sm *StateManager) StartHeartbeat(ctx context.Context) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.heartbeatTimer != nil {
		return
	}

	stop := make(chan struct{})
	ticker := time.NewTicker(HeartbeatInterval)
	sm.heartbeatStop = stop
	sm.heartbeatTimer = ticker

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				sm.updateHeartbeats()
			}
		}
	}()
}

// StopHeartbeat stops the heartbeat updater.
func (sm *StateManager) StopHeartbeat() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.heartbeatTimer != nil {
		sm.heartbeatTimer.Stop()
		sm.heartbeatTimer = nil
	}
	if sm.heartbeatStop != nil {
		close(sm.heartbeatStop)
		sm.heartbeatStop = nil
	}
}

// Cleanup marks every artifact this process wrote as no longer running.
func (sm *StateManager) Cleanup() error {
	sm.StopHeartbeat()

	sm.mu.Lock()
	defer sm.mu.Unlock()

	for _, status := range sm.states {
		status.State = types.StateUndeployed
		status.ProcessID = 0
		if err := sm.saveStateFile(status); err != nil {
			sm.logger.Warn("Failed to save final state",
				logger.WithField("artifact", status.Name),
				logger.WithError(err))
		}
	}
	return nil
}

// ReadDir loads every state file in stateDir without a manager. The CLI
// uses it to inspect a daemon it does not own.
func ReadDir(stateDir string, log logger.Logger) (map[string]*types.ArtifactStatus, error) {
	return discover(stateDir, log)
}

// IsLive reports whether the process that wrote status still appears to be
// running.
func IsLive(status *types.ArtifactStatus) bool {
	if status == nil || status.ProcessID == 0 {
		return false
	}
	if time.Since(status.Heartbeat) > staleAfter {
		return false
	}
	if status.ProcessID == os.Getpid() {
		return true
	}

	process, err := os.FindProcess(status.ProcessID)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

func discover(stateDir string, log logger.Logger) (map[string]*types.ArtifactStatus, error) {
	states := make(map[string]*types.ArtifactStatus)

	files, err := os.ReadDir(stateDir)
	if err != nil {
		if os.IsNotExist(err) {
			return states, nil
		}
		return nil, fmt.Errorf("failed to read state directory: %w", err)
	}

	for _, file := range files {
		if file.IsDir() || filepath.Ext(file.Name()) != ".json" {
			continue
		}

		key := strings.TrimSuffix(file.Name(), ".json")
		status, err := loadFile(filepath.Join(stateDir, file.Name()))
		if err != nil {
			log.Warn("Failed to load state file",
				logger.WithField("file", file.Name()),
				logger.WithError(err))
			continue
		}
		states[key] = status
	}
	return states, nil
}

func (sm *StateManager) getStateFilePath(key string) string {
	return filepath.Join(sm.stateDir, key+".json")
}

func (sm *StateManager) loadStateFile(key string) (*types.ArtifactStatus, error) {
	return loadFile(sm.getStateFilePath(key))
}

func loadFile(path string) (*types.ArtifactStatus, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var status types.ArtifactStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("failed to parse state file: %w", err)
	}
	return &status, nil
}

func (sm *StateManager) saveStateFile(status *types.ArtifactStatus) error {
	stateFile := sm.getStateFilePath(types.ArtifactRef{Kind: status.Kind, Name: status.Name}.Key())

	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	// Write atomically
	tempFile := stateFile + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tempFile, stateFile); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to rename state file: %w", err)
	}
	return nil
}

func (sm *StateManager) updateHeartbeats() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	now := time.Now()
	for _, status := range sm.states {
		status.Heartbeat = now
		if err := sm.saveStateFile(status); err != nil {
			sm.logger.Debug("Failed to update heartbeat",
				logger.WithField("artifact", status.Name),
				logger.WithError(err))
		}
	}
}
