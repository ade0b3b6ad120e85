// Package runtime is the default construction collaborator. An artifact whose
// descriptor names a command runs as a child process; one without a command
// gets an inert instance.
package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/revenant/revenant/pkg/interfaces"
	"github.com/revenant/revenant/pkg/logger"
	"github.com/revenant/revenant/pkg/types"
)

const (
	DefaultStopTimeout  = 10 * time.Second
	DefaultStartupGrace = 200 * time.Millisecond
)

// ProcessFactory builds instances backed by OS processes.
type ProcessFactory struct {
	logger       logger.Logger
	stopTimeout  time.Duration
	startupGrace time.Duration
}

// NewProcessFactory creates a factory with default timeouts.
func NewProcessFactory(log logger.Logger) *ProcessFactory {
	return &ProcessFactory{
		logger:       log,
		stopTimeout:  DefaultStopTimeout,
		startupGrace: DefaultStartupGrace,
	}
}

// WithTimeouts overrides how long to wait for a graceful stop and how long
// a fresh process must survive to count as started.
func (f *ProcessFactory) WithTimeouts(stop, grace time.Duration) *ProcessFactory {
	f.stopTimeout = stop
	f.startupGrace = grace
	return f
}

// Build prepares an instance; nothing runs until Start.
func (f *ProcessFactory) Build(ctx context.Context, d types.Descriptor) (interfaces.Instance, error) {
	if d.Command == "" {
		return &inertInstance{}, nil
	}
	if d.Location != "" {
		if info, err := os.Stat(d.Location); err != nil || !info.IsDir() {
			return nil, fmt.Errorf("working directory %s is not usable", d.Location)
		}
	}

	return &processInstance{
		descriptor:   d,
		logger:       f.logger.WithArtifact(d.Name),
		stopTimeout:  f.stopTimeout,
		startupGrace: f.startupGrace,
	}, nil
}

// inertInstance backs artifacts that only carry configuration.
type inertInstance struct{}

func (*inertInstance) Start(context.Context) error { return nil }
func (*inertInstance) Stop(context.Context) error  { return nil }
func (*inertInstance) Dispose() error              { return nil }

type processInstance struct {
	descriptor   types.Descriptor
	logger       logger.Logger
	stopTimeout  time.Duration
	startupGrace time.Duration

	mu      sync.Mutex
	cmd     *exec.Cmd
	done    chan struct{}
	waitErr error
}

func (p *processInstance) Start(ctx context.Context) error {
	done, err := p.launch()
	if err != nil {
		return err
	}

	// A process that dies straight away never came up
	select {
	case <-done:
		if err := p.exitErr(); err != nil {
			return fmt.Errorf("process exited during startup: %w", err)
		}
		return nil
	case <-time.After(p.startupGrace):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *processInstance) launch() (chan struct{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd != nil {
		return nil, errors.New("process already started")
	}

	cmd := exec.Command(p.descriptor.Command, p.descriptor.Args...)
	cmd.Dir = p.descriptor.Location
	cmd.Env = p.environment()
	cmd.Stdout = &lineLogger{log: p.logger, stream: "stdout"}
	cmd.Stderr = &lineLogger{log: p.logger, stream: "stderr"}
	cmd.WaitDelay = time.Second

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", p.descriptor.Command, err)
	}

	done := make(chan struct{})
	p.cmd = cmd
	p.done = done
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.waitErr = err
		p.mu.Unlock()
		close(done)
	}()

	p.logger.Debug("Process started", logger.WithField("pid", cmd.Process.Pid))
	return done, nil
}

func (p *processInstance) exitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

func (p *processInstance) Stop(ctx context.Context) error {
	p.mu.Lock()
	cmd, done := p.cmd, p.done
	p.mu.Unlock()

	if cmd == nil || exited(done) {
		return nil
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !exited(done) {
		return fmt.Errorf("failed to signal process: %w", err)
	}

	timer := time.NewTimer(p.stopTimeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	p.logger.Warn("Process did not stop in time, killing")
	if err := cmd.Process.Kill(); err != nil && !exited(done) {
		return fmt.Errorf("failed to kill process: %w", err)
	}
	<-done
	return nil
}

func (p *processInstance) Dispose() error {
	p.mu.Lock()
	cmd, done := p.cmd, p.done
	p.cmd = nil
	p.mu.Unlock()

	if cmd == nil || exited(done) {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil && !exited(done) {
		return err
	}
	<-done
	return nil
}

// environment is the parent environment plus descriptor variables and the
// artifact's identity.
func (p *processInstance) environment() []string {
	env := os.Environ()
	env = append(env,
		"REVENANT_ARTIFACT_NAME="+p.descriptor.Name,
		"REVENANT_ARTIFACT_KIND="+string(p.descriptor.Kind),
		"REVENANT_ARTIFACT_DIR="+p.descriptor.Location,
	)
	if p.descriptor.Domain != "" {
		env = append(env, "REVENANT_DOMAIN="+p.descriptor.Domain)
	}

	keys := make([]string, 0, len(p.descriptor.Environment))
	for k := range p.descriptor.Environment {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+p.descriptor.Environment[k])
	}
	return env
}

func exited(done chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
		return false
	}
}

// lineLogger forwards child output to the artifact logger one line at a time.
type lineLogger struct {
	log    logger.Logger
	stream string
	buf    bytes.Buffer
}

func (l *lineLogger) Write(b []byte) (int, error) {
	l.buf.Write(b)
	for {
		line, err := l.buf.ReadString('\n')
		if err != nil {
			// Keep the partial line for the next write
			l.buf.Reset()
			l.buf.WriteString(line)
			break
		}
		l.emit(line)
	}
	return len(b), nil
}

func (l *lineLogger) emit(line string) {
	if text := strings.TrimRight(line, "\r\n"); text != "" {
		l.log.Info(text, logger.WithField("stream", l.stream))
	}
}
