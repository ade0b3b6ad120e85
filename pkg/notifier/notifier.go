// Package notifier raises desktop notifications for deployment outcomes.
package notifier

import (
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/beeep"
	"github.com/revenant/revenant/pkg/interfaces"
	"github.com/revenant/revenant/pkg/logger"
)

// DeploymentNotifier turns lifecycle events into desktop notifications.
type DeploymentNotifier struct {
	interfaces.BaseListener

	enabled      bool
	successSound string
	failureSound string
	logger       logger.Logger

	mu      sync.Mutex
	started map[string]time.Time

	notify func(title, message string) error
	beep   func() error
}

// Config represents notification configuration.
type Config struct {
	Enabled      bool
	SuccessSound string
	FailureSound string
}

// Option customises a notifier.
type Option func(*DeploymentNotifier)

// WithSender replaces the desktop notification backend.
func WithSender(notify func(title, message string) error, beep func() error) Option {
	return func(n *DeploymentNotifier) {
		n.notify = notify
		n.beep = beep
	}
}

// New creates a new deployment notifier.
func New(config Config, log logger.Logger, opts ...Option) *DeploymentNotifier {
	n := &DeploymentNotifier{
		enabled:      config.Enabled,
		successSound: config.SuccessSound,
		failureSound: config.FailureSound,
		logger:       log,
		started:      make(map[string]time.Time),
		notify: func(title, message string) error {
			return beeep.Notify(title, message, "")
		},
		beep: func() error {
			return beeep.Beep(beeep.DefaultFreq, beeep.DefaultDuration)
		},
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// OnDeploymentStart remembers when the deploy began.
func (n *DeploymentNotifier) OnDeploymentStart(name string) {
	n.mu.Lock()
	n.started[name] = time.Now()
	n.mu.Unlock()
}

// OnDeploymentSuccess notifies that an artifact is up.
func (n *DeploymentNotifier) OnDeploymentSuccess(name string) {
	if !n.enabled {
		return
	}

	title := "✅ Deployed"
	message := name
	if d, ok := n.elapsed(name); ok {
		message = fmt.Sprintf("%s deployed in %s", name, formatDuration(d))
	}
	n.sendNotification(title, message, n.successSound)
}

// OnDeploymentFailure notifies that an artifact failed to come up.
func (n *DeploymentNotifier) OnDeploymentFailure(name string, cause error) {
	n.elapsed(name)
	if !n.enabled {
		return
	}

	title := "❌ Deployment Failed"
	message := fmt.Sprintf("%s: %v", name, cause)
	n.sendNotification(title, message, n.failureSound)
}

// OnUndeploymentSuccess notifies that an artifact was removed.
func (n *DeploymentNotifier) OnUndeploymentSuccess(name string) {
	if !n.enabled {
		return
	}
	n.sendNotification("👻 Revenant", fmt.Sprintf("%s undeployed", name), "")
}

func (n *DeploymentNotifier) elapsed(name string) (time.Duration, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	start, ok := n.started[name]
	delete(n.started, name)
	if !ok {
		return 0, false
	}
	return time.Since(start), true
}

func (n *DeploymentNotifier) sendNotification(title, message, soundName string) {
	if err := n.notify(title, message); err != nil {
		n.logger.Debug("Failed to send notification", logger.WithError(err))
		n.logger.Info(fmt.Sprintf("%s: %s", title, message))
	}

	if soundName != "" {
		if err := n.beep(); err != nil {
			n.logger.Debug("Failed to play sound", logger.WithError(err))
		}
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}
