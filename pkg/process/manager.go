// Package process handles OS signals for the daemon and inspects other
// processes by PID.
package process

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/revenant/revenant/pkg/logger"
)

// Manager turns SIGINT and SIGTERM into an ordered shutdown and SIGHUP into
// an immediate rescan.
type Manager struct {
	logger           logger.Logger
	shutdownHandlers []func()
	rescan           func()
	signals          chan os.Signal
	stop             chan struct{}
	wg               sync.WaitGroup
	mu               sync.Mutex
	running          bool
}

// NewManager creates a new process manager.
func NewManager(log logger.Logger) *Manager {
	return &Manager{
		logger:           log,
		shutdownHandlers: make([]func(), 0),
	}
}

// RegisterShutdownHandler adds a shutdown handler. Handlers run in reverse
// registration order.
func (m *Manager) RegisterShutdownHandler(handler func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.shutdownHandlers = append(m.shutdownHandlers, handler)
}

// OnRescan sets the function run on SIGHUP.
func (m *Manager) OnRescan(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rescan = fn
}

// Start listens for signals until ctx is done or Stop is called. Context
// cancellation ends the listener without running shutdown handlers.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.signals = make(chan os.Signal, 1)
	m.stop = make(chan struct{})
	signals, stop := m.signals, m.stop
	m.mu.Unlock()

	signal.Notify(signals, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer signal.Stop(signals)

		for {
			select {
			case <-ctx.Done():
				m.setStopped()
				return
			case <-stop:
				return
			case sig := <-signals:
				if sig == syscall.SIGHUP {
					m.logger.Info("Received SIGHUP, rescanning")
					m.runRescan()
					continue
				}
				m.logger.Info("Received signal", logger.WithField("signal", sig))
				m.handleShutdown()
				return
			}
		}
	}()
}

// Stop ends the signal listener without running shutdown handlers.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		m.wg.Wait()
		return
	}
	m.running = false
	close(m.stop)
	m.mu.Unlock()

	m.wg.Wait()
}

// IsRunning checks if the process manager is running.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) setStopped() {
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
}

func (m *Manager) runRescan() {
	m.mu.Lock()
	fn := m.rescan
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (m *Manager) handleShutdown() {
	m.logger.Info("Initiating graceful shutdown...")

	m.mu.Lock()
	handlers := make([]func(), len(m.shutdownHandlers))
	copy(handlers, m.shutdownHandlers)
	m.running = false
	m.mu.Unlock()

	for i := len(handlers) - 1; i >= 0; i-- {
		handlers[i]()
	}
}

// ProcessInfo represents information about a running process.
type ProcessInfo struct {
	PID       int
	IsRunning bool
}

// GetProcessInfo reports whether pid is alive.
func GetProcessInfo(pid int) (*ProcessInfo, error) {
	if pid <= 0 {
		return nil, errors.New("invalid pid")
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil, err
	}

	err = proc.Signal(syscall.Signal(0))
	return &ProcessInfo{PID: pid, IsRunning: err == nil}, nil
}

// KillProcess sends SIGTERM and escalates to SIGKILL if pid is still alive
// after grace.
func KillProcess(pid int, grace time.Duration) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return proc.Kill()
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if err := proc.Signal(syscall.Signal(0)); err != nil {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	if err := proc.Signal(syscall.Signal(0)); err == nil {
		return proc.Kill()
	}
	return nil
}
