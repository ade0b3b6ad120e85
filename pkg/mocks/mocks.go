// Package mocks provides mock implementations of interfaces for testing.
package mocks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/revenant/revenant/pkg/interfaces"
	"github.com/revenant/revenant/pkg/types"
)

// MockStateManager is a mock implementation of StateManager for testing.
type MockStateManager struct {
	mu           sync.RWMutex
	states       map[string]*types.ArtifactStatus
	history      []types.LifecycleState
	recordError  error
	cleanupError error
	heartbeatCh  chan struct{}
}

// NewMockStateManager creates a new mock state manager.
func NewMockStateManager() *MockStateManager {
	return &MockStateManager{
		states:      make(map[string]*types.ArtifactStatus),
		heartbeatCh: make(chan struct{}, 1),
	}
}

// RecordTransition stores the new state for an artifact.
func (m *MockStateManager) RecordTransition(ref types.ArtifactRef, state types.LifecycleState, cause error) error {
	if m.recordError != nil {
		return m.recordError
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	status, ok := m.states[ref.Key()]
	if !ok {
		status = &types.ArtifactStatus{Kind: ref.Kind, Name: ref.Name}
		m.states[ref.Key()] = status
	}
	status.State = state
	status.Location = ref.Location
	status.Domain = ref.Domain
	status.LastTransition = time.Now()
	status.LastError = ""
	switch state {
	case types.StateDeployed:
		status.DeployCount++
	case types.StateFailed:
		status.FailureCount++
		if cause != nil {
			status.LastError = cause.Error()
		}
	}
	m.history = append(m.history, state)
	return nil
}

// ReadState returns the stored state or nil.
func (m *MockStateManager) ReadState(kind types.ArtifactKind, name string) (*types.ArtifactStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status, ok := m.states[types.ArtifactRef{Kind: kind, Name: name}.Key()]
	if !ok {
		return nil, nil
	}
	copied := *status
	return &copied, nil
}

// RemoveState forgets an artifact.
func (m *MockStateManager) RemoveState(kind types.ArtifactKind, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, types.ArtifactRef{Kind: kind, Name: name}.Key())
	return nil
}

// DiscoverStates returns a copy of every stored state.
func (m *MockStateManager) DiscoverStates() (map[string]*types.ArtifactStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]*types.ArtifactStatus, len(m.states))
	for k, v := range m.states {
		copied := *v
		out[k] = &copied
	}
	return out, nil
}

// StartHeartbeat starts the heartbeat mechanism.
func (m *MockStateManager) StartHeartbeat(ctx context.Context) {
	select {
	case m.heartbeatCh <- struct{}{}:
	default:
	}
}

// StopHeartbeat stops the heartbeat mechanism.
func (m *MockStateManager) StopHeartbeat() {}

// Cleanup performs cleanup operations.
func (m *MockStateManager) Cleanup() error {
	return m.cleanupError
}

// HeartbeatStarted reports whether StartHeartbeat was called.
func (m *MockStateManager) HeartbeatStarted() bool {
	return len(m.heartbeatCh) > 0
}

// History returns every recorded state in order.
func (m *MockStateManager) History() []types.LifecycleState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.LifecycleState(nil), m.history...)
}

// SetRecordError sets the error to return from RecordTransition.
func (m *MockStateManager) SetRecordError(err error) {
	m.recordError = err
}

// SetCleanupError sets the error to return from Cleanup.
func (m *MockStateManager) SetCleanupError(err error) {
	m.cleanupError = err
}

// Failure modes a MockFactory can inject per artifact.
const (
	FailBuild   = "build"
	FailStart   = "start"
	FailStop    = "stop"
	FailDispose = "dispose"
	PanicBuild  = "panic-build"
	PanicStart  = "panic-start"
)

// MockFactory is a mock implementation of Factory. Instances are recorded so
// tests can inspect how they were driven.
type MockFactory struct {
	mu        sync.Mutex
	failures  map[string]map[string]bool
	instances map[string][]*MockInstance
	builds    []string
	onBuild   func(types.Descriptor)
}

// NewMockFactory creates a factory that builds healthy instances.
func NewMockFactory() *MockFactory {
	return &MockFactory{
		failures:  make(map[string]map[string]bool),
		instances: make(map[string][]*MockInstance),
	}
}

// Fail makes the given phase fail for every future instance of name.
func (f *MockFactory) Fail(name, phase string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures[name] == nil {
		f.failures[name] = make(map[string]bool)
	}
	f.failures[name][phase] = true
}

// Heal clears every injected failure for name.
func (f *MockFactory) Heal(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.failures, name)
}

// OnBuild registers a hook invoked at the start of every Build.
func (f *MockFactory) OnBuild(hook func(types.Descriptor)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onBuild = hook
}

// Build constructs a MockInstance.
func (f *MockFactory) Build(ctx context.Context, descriptor types.Descriptor) (interfaces.Instance, error) {
	f.mu.Lock()
	hook := f.onBuild
	failures := make(map[string]bool, len(f.failures[descriptor.Name]))
	for k, v := range f.failures[descriptor.Name] {
		failures[k] = v
	}
	f.builds = append(f.builds, descriptor.Name)
	f.mu.Unlock()

	if hook != nil {
		hook(descriptor)
	}
	if failures[PanicBuild] {
		panic(fmt.Sprintf("mock build panic for %s", descriptor.Name))
	}
	if failures[FailBuild] {
		return nil, fmt.Errorf("mock build failure for %s", descriptor.Name)
	}

	instance := &MockInstance{Descriptor: descriptor, failures: failures}
	f.mu.Lock()
	f.instances[descriptor.Name] = append(f.instances[descriptor.Name], instance)
	f.mu.Unlock()
	return instance, nil
}

// Builds returns the names passed to Build in order.
func (f *MockFactory) Builds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.builds...)
}

// BuildCount returns how many times name was built.
func (f *MockFactory) BuildCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, n := range f.builds {
		if n == name {
			count++
		}
	}
	return count
}

// Instances returns every instance built for name, oldest first.
func (f *MockFactory) Instances(name string) []*MockInstance {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*MockInstance(nil), f.instances[name]...)
}

// Latest returns the newest instance for name or nil.
func (f *MockFactory) Latest(name string) *MockInstance {
	all := f.Instances(name)
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}

// MockInstance is a mock implementation of Instance.
type MockInstance struct {
	Descriptor types.Descriptor

	mu       sync.Mutex
	failures map[string]bool
	started  bool
	stopped  bool
	disposed bool
}

// Start marks the instance started.
func (i *MockInstance) Start(ctx context.Context) error {
	if i.failures[PanicStart] {
		panic(fmt.Sprintf("mock start panic for %s", i.Descriptor.Name))
	}
	if i.failures[FailStart] {
		return fmt.Errorf("mock start failure for %s", i.Descriptor.Name)
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.started = true
	return nil
}

// Stop marks the instance stopped.
func (i *MockInstance) Stop(ctx context.Context) error {
	i.mu.Lock()
	i.stopped = true
	i.mu.Unlock()
	if i.failures[FailStop] {
		return errors.New("mock stop failure")
	}
	return nil
}

// Dispose marks the instance disposed.
func (i *MockInstance) Dispose() error {
	i.mu.Lock()
	i.disposed = true
	i.mu.Unlock()
	if i.failures[FailDispose] {
		return errors.New("mock dispose failure")
	}
	return nil
}

// Started reports whether Start succeeded.
func (i *MockInstance) Started() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.started
}

// Stopped reports whether Stop was called.
func (i *MockInstance) Stopped() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.stopped
}

// Disposed reports whether Dispose was called.
func (i *MockInstance) Disposed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.disposed
}

// Event names recorded by RecordingListener.
const (
	EventDeploymentStart     = "deploymentStart"
	EventDeploymentSuccess   = "deploymentSuccess"
	EventDeploymentFailure   = "deploymentFailure"
	EventUndeploymentStart   = "undeploymentStart"
	EventUndeploymentSuccess = "undeploymentSuccess"
	EventContextCreated      = "contextCreated"
	EventContextInitialized  = "contextInitialized"
	EventContextConfigured   = "contextConfigured"
)

// Event is one recorded listener callback.
type Event struct {
	Type string
	Name string
	Err  error
}

func (e Event) String() string {
	return e.Type + ":" + e.Name
}

// RecordingListener records every callback it receives.
type RecordingListener struct {
	mu     sync.Mutex
	events []Event
	hook   func(Event)
}

// NewRecordingListener creates an empty recorder.
func NewRecordingListener() *RecordingListener {
	return &RecordingListener{}
}

// OnEvent registers a hook called after each event is recorded.
func (l *RecordingListener) OnEvent(hook func(Event)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hook = hook
}

func (l *RecordingListener) record(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	hook := l.hook
	l.mu.Unlock()
	if hook != nil {
		hook(e)
	}
}

func (l *RecordingListener) OnDeploymentStart(name string) {
	l.record(Event{Type: EventDeploymentStart, Name: name})
}

func (l *RecordingListener) OnDeploymentSuccess(name string) {
	l.record(Event{Type: EventDeploymentSuccess, Name: name})
}

func (l *RecordingListener) OnDeploymentFailure(name string, cause error) {
	l.record(Event{Type: EventDeploymentFailure, Name: name, Err: cause})
}

func (l *RecordingListener) OnUndeploymentStart(name string) {
	l.record(Event{Type: EventUndeploymentStart, Name: name})
}

func (l *RecordingListener) OnUndeploymentSuccess(name string) {
	l.record(Event{Type: EventUndeploymentSuccess, Name: name})
}

func (l *RecordingListener) OnContextCreated(name string) {
	l.record(Event{Type: EventContextCreated, Name: name})
}

func (l *RecordingListener) OnContextInitialized(name string) {
	l.record(Event{Type: EventContextInitialized, Name: name})
}

func (l *RecordingListener) OnContextConfigured(name string) {
	l.record(Event{Type: EventContextConfigured, Name: name})
}

// Events returns every recorded event in order.
func (l *RecordingListener) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

// Sequence returns recorded events as "type:name" strings.
func (l *RecordingListener) Sequence() []string {
	events := l.Events()
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.String()
	}
	return out
}

// For returns the event types recorded for name, in order.
func (l *RecordingListener) For(name string) []string {
	var out []string
	for _, e := range l.Events() {
		if e.Name == name {
			out = append(out, e.Type)
		}
	}
	return out
}

// Count returns how many events of type were recorded for name.
func (l *RecordingListener) Count(eventType, name string) int {
	count := 0
	for _, e := range l.Events() {
		if e.Type == eventType && e.Name == name {
			count++
		}
	}
	return count
}

// Reset clears recorded events.
func (l *RecordingListener) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = nil
}

// DeploySequence is the full event list for a successful deploy of name.
func DeploySequence(name string) []string {
	return []string{
		EventDeploymentStart + ":" + name,
		EventContextCreated + ":" + name,
		EventContextInitialized + ":" + name,
		EventContextConfigured + ":" + name,
		EventDeploymentSuccess + ":" + name,
	}
}

// UndeploySequence is the event list for an undeploy of name.
func UndeploySequence(name string) []string {
	return []string{
		EventUndeploymentStart + ":" + name,
		EventUndeploymentSuccess + ":" + name,
	}
}

// MockTrigger is a manual ChangeTrigger.
type MockTrigger struct {
	events  chan struct{}
	mu      sync.Mutex
	started bool
	closed  bool
}

// NewMockTrigger creates a trigger fired by Fire.
func NewMockTrigger() *MockTrigger {
	return &MockTrigger{events: make(chan struct{}, 1)}
}

func (t *MockTrigger) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started = true
	return nil
}

func (t *MockTrigger) Events() <-chan struct{} {
	return t.events
}

func (t *MockTrigger) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

// Fire wakes the watcher loop.
func (t *MockTrigger) Fire() {
	select {
	case t.events <- struct{}{}:
	default:
	}
}

// Closed reports whether Close was called.
func (t *MockTrigger) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// MockProcessManager is a mock implementation of ProcessManager.
type MockProcessManager struct {
	mu       sync.Mutex
	handlers []func()
	running  bool
}

// NewMockProcessManager creates a new mock process manager.
func NewMockProcessManager() *MockProcessManager {
	return &MockProcessManager{}
}

func (p *MockProcessManager) RegisterShutdownHandler(handler func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = append(p.handlers, handler)
}

func (p *MockProcessManager) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = true
}

// Stop runs registered handlers in reverse order.
func (p *MockProcessManager) Stop() {
	p.mu.Lock()
	handlers := append([]func(){}, p.handlers...)
	p.running = false
	p.mu.Unlock()
	for i := len(handlers) - 1; i >= 0; i-- {
		handlers[i]()
	}
}

func (p *MockProcessManager) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// SortedKeys is a small helper for stable assertions over status maps.
func SortedKeys(m map[string]*types.ArtifactStatus) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
