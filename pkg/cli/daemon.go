package cli

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/revenant/revenant/pkg/daemon"
	"github.com/revenant/revenant/pkg/process"
	"github.com/spf13/cobra"
)

const daemonStartTimeout = 10 * time.Second

func (c *CLI) newDaemonCmd() *cobra.Command {
	var apps string

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the Revenant daemon",
		Long:  `Control a Revenant process running in the background.`,
	}

	start := &cobra.Command{
		Use:   "start",
		Short: "Start the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runDaemonStart(apps)
		},
	}
	start.Flags().StringVar(&apps, "apps", "", `startup order of applications, separated by ":" or ","`)

	cmd.AddCommand(
		start,
		&cobra.Command{
			Use:   "stop",
			Short: "Stop the daemon",
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.runDaemonStop()
			},
		},
		&cobra.Command{
			Use:   "restart",
			Short: "Restart the daemon",
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := c.runDaemonStop(); err != nil && !errors.Is(err, daemon.ErrDaemonNotRunning) {
					return err
				}
				return c.runDaemonStart(apps)
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show daemon status",
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.runDaemonStatus()
			},
		},
	)

	return cmd
}

// daemonPID returns the PID of a live daemon for the current root.
func (c *CLI) daemonPID() (int, bool) {
	pid, err := daemon.ReadPIDFile(c.absRoot())
	if err != nil {
		return 0, false
	}
	info, err := process.GetProcessInfo(pid)
	if err != nil || !info.IsRunning {
		return pid, false
	}
	return pid, true
}

func (c *CLI) runDaemonStart(apps string) error {
	if pid, ok := c.daemonPID(); ok {
		return fmt.Errorf("%w (pid %d)", daemon.ErrDaemonAlreadyRunning, pid)
	}

	path, err := c.configPath()
	if err != nil {
		return err
	}
	if _, err := c.loadConfig(); err != nil {
		return err
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate executable: %w", err)
	}
	absPath, _ := filepath.Abs(path)
	root := c.absRoot()

	args := []string{"run", "--root", root, "--config", absPath}
	if apps != "" {
		args = append(args, "--apps", apps)
	}
	if c.config.Verbosity != "" {
		args = append(args, "--verbosity", c.config.Verbosity)
	}

	stateDir := filepath.Join(root, ".revenant")
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	logFile, err := os.OpenFile(filepath.Join(stateDir, "daemon.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open daemon log: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(exe, args...)
	cmd.Dir = root
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	c.printInfo("Starting daemon...")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %w", daemon.ErrDaemonStartFailed, err)
	}

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	deadline := time.After(daemonStartTimeout)
	for {
		select {
		case err := <-exited:
			return fmt.Errorf("%w: exited early (%v), see %s", daemon.ErrDaemonStartFailed, err, logFile.Name())
		case <-deadline:
			return fmt.Errorf("%w: no PID file after %s", daemon.ErrDaemonStartFailed, daemonStartTimeout)
		case <-time.After(100 * time.Millisecond):
			if pid, ok := c.daemonPID(); ok && pid == cmd.Process.Pid {
				c.printSuccess(fmt.Sprintf("Daemon started (pid %d)", pid))
				return nil
			}
		}
	}
}

func (c *CLI) runDaemonStop() error {
	pid, ok := c.daemonPID()
	if !ok {
		c.printWarning("Daemon is not running")
		return daemon.ErrDaemonNotRunning
	}

	c.printInfo(fmt.Sprintf("Stopping daemon (pid %d)...", pid))
	if err := process.KillProcess(pid, 30*time.Second); err != nil {
		return fmt.Errorf("%w: %w", daemon.ErrDaemonStopFailed, err)
	}

	c.printSuccess("Daemon stopped")
	return nil
}

func (c *CLI) runDaemonStatus() error {
	pid, ok := c.daemonPID()
	if !ok {
		c.printWarning("Daemon is not running")
		return nil
	}

	c.printSuccess(fmt.Sprintf("Daemon is running (pid %d)", pid))
	return c.runStatus()
}
