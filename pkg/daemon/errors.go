package daemon

import "errors"

// Sentinel errors for daemon operations. Match with errors.Is.
var (
	// ErrDaemonNotRunning indicates the daemon is not currently running
	ErrDaemonNotRunning = errors.New("daemon is not running")

	// ErrDaemonAlreadyRunning indicates a daemon already holds the PID file
	ErrDaemonAlreadyRunning = errors.New("daemon is already running")

	// ErrDaemonStartFailed wraps whatever prevented startup
	ErrDaemonStartFailed = errors.New("daemon failed to start")

	// ErrDaemonStopFailed wraps teardown errors; the daemon is stopped regardless
	ErrDaemonStopFailed = errors.New("daemon failed to stop")
)
