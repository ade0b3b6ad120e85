package engine

import (
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/revenant/revenant/pkg/interfaces"
	"github.com/revenant/revenant/pkg/logger"
	"github.com/revenant/revenant/pkg/types"
)

// fanout delivers lifecycle events to listeners outside the deployment lock.
// Code holding the lock only appends to the outbox; whoever released the
// lock drains it. A listener that calls back into the orchestrator appends
// its own events, which the active drainer delivers after the current ones,
// so every listener sees one global order.
type fanout struct {
	logger logger.Logger

	mu        sync.Mutex
	listeners map[types.ArtifactKind][]interfaces.DeploymentListener
	outbox    []event
	draining  bool
}

type event struct {
	kind    types.ArtifactKind
	name    string
	deliver func(interfaces.DeploymentListener)
}

func newFanout(log logger.Logger) *fanout {
	return &fanout{
		logger:    log,
		listeners: make(map[types.ArtifactKind][]interfaces.DeploymentListener),
	}
}

func (f *fanout) add(kind types.ArtifactKind, l interfaces.DeploymentListener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners[kind] = append(f.listeners[kind], l)
}

func (f *fanout) enqueue(e event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outbox = append(f.outbox, e)
}

// pending reports queued, undelivered events.
func (f *fanout) pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.outbox)
}

// drain delivers queued events until the outbox is empty. It returns at once
// if another goroutine, or an outer frame of this one, is already draining.
func (f *fanout) drain() {
	f.mu.Lock()
	if f.draining {
		f.mu.Unlock()
		return
	}
	f.draining = true

	for len(f.outbox) > 0 {
		e := f.outbox[0]
		f.outbox[0] = event{}
		f.outbox = f.outbox[1:]
		listeners := append([]interfaces.DeploymentListener(nil), f.listeners[e.kind]...)
		f.mu.Unlock()

		for _, l := range listeners {
			f.deliver(l, e)
		}

		f.mu.Lock()
	}

	f.outbox = nil
	f.draining = false
	f.mu.Unlock()
}

func (f *fanout) deliver(l interfaces.DeploymentListener, e event) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("Listener panic recovered",
				logger.WithField("artifact", e.name),
				logger.WithField("panic", fmt.Sprint(r)),
				logger.WithField("stack_trace", string(debug.Stack())))
		}
	}()
	e.deliver(l)
}

// recorder returns a DeploymentListener that queues events for kind.
func (f *fanout) recorder(kind types.ArtifactKind) interfaces.DeploymentListener {
	return &outboxRecorder{fanout: f, kind: kind}
}

type outboxRecorder struct {
	fanout *fanout
	kind   types.ArtifactKind
}

func (r *outboxRecorder) push(name string, fn func(interfaces.DeploymentListener)) {
	r.fanout.enqueue(event{kind: r.kind, name: name, deliver: fn})
}

func (r *outboxRecorder) OnDeploymentStart(name string) {
	r.push(name, func(l interfaces.DeploymentListener) { l.OnDeploymentStart(name) })
}

func (r *outboxRecorder) OnDeploymentSuccess(name string) {
	r.push(name, func(l interfaces.DeploymentListener) { l.OnDeploymentSuccess(name) })
}

func (r *outboxRecorder) OnDeploymentFailure(name string, cause error) {
	r.push(name, func(l interfaces.DeploymentListener) { l.OnDeploymentFailure(name, cause) })
}

func (r *outboxRecorder) OnUndeploymentStart(name string) {
	r.push(name, func(l interfaces.DeploymentListener) { l.OnUndeploymentStart(name) })
}

func (r *outboxRecorder) OnUndeploymentSuccess(name string) {
	r.push(name, func(l interfaces.DeploymentListener) { l.OnUndeploymentSuccess(name) })
}

func (r *outboxRecorder) OnContextCreated(name string) {
	r.push(name, func(l interfaces.DeploymentListener) { l.OnContextCreated(name) })
}

func (r *outboxRecorder) OnContextInitialized(name string) {
	r.push(name, func(l interfaces.DeploymentListener) { l.OnContextInitialized(name) })
}

func (r *outboxRecorder) OnContextConfigured(name string) {
	r.push(name, func(l interfaces.DeploymentListener) { l.OnContextConfigured(name) })
}
