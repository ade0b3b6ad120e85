// Package metrics exposes Prometheus collectors for deployment activity.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/revenant/revenant/pkg/interfaces"
)

var (
	registerOnce sync.Once

	deployments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "revenant",
			Subsystem: "lifecycle",
			Name:      "deployments_total",
			Help:      "Deployment attempts by artifact and result.",
		},
		[]string{"artifact", "result"},
	)
	undeployments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "revenant",
			Subsystem: "lifecycle",
			Name:      "undeployments_total",
			Help:      "Completed undeployments by artifact.",
		},
		[]string{"artifact"},
	)
	deployDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "revenant",
			Subsystem: "lifecycle",
			Name:      "deploy_duration_seconds",
			Help:      "Time from deployment start to outcome.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"result"},
	)
	reconcilePasses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "revenant",
			Subsystem: "watcher",
			Name:      "passes_total",
			Help:      "Reconciliation passes by trigger.",
		},
		[]string{"trigger"},
	)
	reconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "revenant",
			Subsystem: "watcher",
			Name:      "pass_duration_seconds",
			Help:      "Duration of a reconciliation pass.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	deployed = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "revenant",
			Subsystem: "lifecycle",
			Name:      "deployed_artifacts",
			Help:      "Artifacts currently deployed.",
		},
		[]string{"kind"},
	)
	zombies = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "revenant",
			Subsystem: "watcher",
			Name:      "zombies",
			Help:      "Failed artifacts awaiting a change.",
		},
		[]string{"kind"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(deployments, undeployments, deployDuration,
			reconcilePasses, reconcileDuration, deployed, zombies)
	})
}

func RecordDeployment(artifact string, success bool, duration time.Duration) {
	RegisterMetrics()
	result := "success"
	if !success {
		result = "failure"
	}
	deployments.WithLabelValues(artifact, result).Inc()
	if duration > 0 {
		deployDuration.WithLabelValues(result).Observe(duration.Seconds())
	}
}

func RecordUndeployment(artifact string) {
	RegisterMetrics()
	undeployments.WithLabelValues(artifact).Inc()
}

func RecordPass(trigger string, duration time.Duration) {
	RegisterMetrics()
	reconcilePasses.WithLabelValues(trigger).Inc()
	reconcileDuration.Observe(duration.Seconds())
}

func SetDeployed(kind string, count int) {
	RegisterMetrics()
	deployed.WithLabelValues(kind).Set(float64(count))
}

func SetZombies(kind string, count int) {
	RegisterMetrics()
	zombies.WithLabelValues(kind).Set(float64(count))
}

// Listener records lifecycle events as metrics.
type Listener struct {
	interfaces.BaseListener

	mu      sync.Mutex
	started map[string]time.Time
}

// NewListener creates a metrics listener.
func NewListener() *Listener {
	RegisterMetrics()
	return &Listener{started: make(map[string]time.Time)}
}

func (l *Listener) OnDeploymentStart(name string) {
	l.mu.Lock()
	l.started[name] = time.Now()
	l.mu.Unlock()
}

func (l *Listener) OnDeploymentSuccess(name string) {
	RecordDeployment(name, true, l.elapsed(name))
}

func (l *Listener) OnDeploymentFailure(name string, _ error) {
	RecordDeployment(name, false, l.elapsed(name))
}

func (l *Listener) OnUndeploymentSuccess(name string) {
	RecordUndeployment(name)
}

func (l *Listener) elapsed(name string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	start, ok := l.started[name]
	delete(l.started, name)
	if !ok {
		return 0
	}
	return time.Since(start)
}
