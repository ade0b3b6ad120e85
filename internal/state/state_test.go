package state_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/revenant/revenant/internal/state"
	"github.com/revenant/revenant/pkg/logger"
	"github.com/revenant/revenant/pkg/types"
)

func newManager(t testing.TB) (*state.StateManager, string) {
	dir := filepath.Join(t.TempDir(), "state")
	return state.NewStateManager(dir, logger.CreateLoggerWithOutput("", "debug", nil)), dir
}

func appRef(name string) types.ArtifactRef {
	return types.ArtifactRef{
		Kind:     types.KindApplication,
		Name:     name,
		Location: "/srv/apps/" + name,
		Domain:   types.DefaultDomain,
	}
}

func TestStateManager_RecordTransition(t *testing.T) {
	sm, dir := newManager(t)

	if err := sm.RecordTransition(appRef("orders"), types.StateDeploying, nil); err != nil {
		t.Fatalf("failed to record: %v", err)
	}
	if err := sm.RecordTransition(appRef("orders"), types.StateDeployed, nil); err != nil {
		t.Fatalf("failed to record: %v", err)
	}

	s, err := sm.ReadState(types.KindApplication, "orders")
	if err != nil {
		t.Fatalf("failed to read state: %v", err)
	}
	if s.State != types.StateDeployed {
		t.Errorf("expected deployed, got %s", s.State)
	}
	if s.DeployCount != 1 {
		t.Errorf("expected deploy count 1, got %d", s.DeployCount)
	}
	if s.ProcessID != os.Getpid() {
		t.Errorf("expected current PID, got %d", s.ProcessID)
	}
	if s.Domain != types.DefaultDomain {
		t.Errorf("expected default domain, got %s", s.Domain)
	}

	if _, err := os.Stat(filepath.Join(dir, "application-orders.json")); err != nil {
		t.Error("state file was not created")
	}
}

func TestStateManager_RecordFailure(t *testing.T) {
	sm, _ := newManager(t)
	cause := errors.New("start failed")

	sm.RecordTransition(appRef("orders"), types.StateFailed, cause)
	s, _ := sm.ReadState(types.KindApplication, "orders")
	if s.FailureCount != 1 || s.LastError != "start failed" {
		t.Errorf("failure not recorded: %+v", s)
	}

	sm.RecordTransition(appRef("orders"), types.StateDeployed, nil)
	s, _ = sm.ReadState(types.KindApplication, "orders")
	if s.LastError != "" {
		t.Errorf("a successful deploy should clear the last error, got %q", s.LastError)
	}
}

func TestStateManager_CountersSurviveRestart(t *testing.T) {
	sm, dir := newManager(t)
	sm.RecordTransition(appRef("orders"), types.StateDeployed, nil)
	sm.RecordTransition(appRef("orders"), types.StateDeployed, nil)

	restarted := state.NewStateManager(dir, logger.CreateLoggerWithOutput("", "info", nil))
	restarted.RecordTransition(appRef("orders"), types.StateDeployed, nil)

	s, _ := restarted.ReadState(types.KindApplication, "orders")
	if s.DeployCount != 3 {
		t.Errorf("expected deploy count 3, got %d", s.DeployCount)
	}
}

func TestStateManager_RemoveState(t *testing.T) {
	sm, dir := newManager(t)
	sm.RecordTransition(appRef("orders"), types.StateDeployed, nil)

	if err := sm.RemoveState(types.KindApplication, "orders"); err != nil {
		t.Fatalf("failed to remove state: %v", err)
	}
	if _, err := sm.ReadState(types.KindApplication, "orders"); err == nil {
		t.Error("expected error reading removed state")
	}
	if _, err := os.Stat(filepath.Join(dir, "application-orders.json")); !os.IsNotExist(err) {
		t.Error("state file was not removed")
	}
	if err := sm.RemoveState(types.KindApplication, "orders"); err != nil {
		t.Errorf("removing twice should succeed: %v", err)
	}
}

func TestStateManager_DiscoverStates(t *testing.T) {
	sm, dir := newManager(t)

	sm.RecordTransition(appRef("orders"), types.StateDeployed, nil)
	sm.RecordTransition(appRef("billing"), types.StateFailed, errors.New("boom"))
	sm.RecordTransition(types.ArtifactRef{Kind: types.KindDomain, Name: "shop"}, types.StateDeployed, nil)
	os.WriteFile(filepath.Join(dir, "garbage.json"), []byte("{not json"), 0644)

	states, err := sm.DiscoverStates()
	if err != nil {
		t.Fatalf("failed to discover states: %v", err)
	}
	if len(states) != 3 {
		t.Errorf("expected 3 states, got %d", len(states))
	}
	for _, key := range []string{"application-orders", "application-billing", "domain-shop"} {
		if _, ok := states[key]; !ok {
			t.Errorf("state for %s not discovered", key)
		}
	}

	fromDisk, err := state.ReadDir(dir, logger.CreateLoggerWithOutput("", "info", nil))
	if err != nil || len(fromDisk) != 3 {
		t.Errorf("ReadDir should see the same states, got %d %v", len(fromDisk), err)
	}
}

func TestStateManager_Cleanup(t *testing.T) {
	sm, _ := newManager(t)
	sm.RecordTransition(appRef("orders"), types.StateDeployed, nil)
	sm.RecordTransition(appRef("billing"), types.StateDeploying, nil)

	if err := sm.Cleanup(); err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}

	for _, name := range []string{"orders", "billing"} {
		s, _ := sm.ReadState(types.KindApplication, name)
		if s.State != types.StateUndeployed {
			t.Errorf("expected undeployed after cleanup, got %s", s.State)
		}
		if s.ProcessID != 0 {
			t.Error("expected ProcessID to be 0 after cleanup")
		}
	}
}

func TestIsLive(t *testing.T) {
	tests := []struct {
		name   string
		status *types.ArtifactStatus
		want   bool
	}{
		{"nil", nil, false},
		{"no pid", &types.ArtifactStatus{Heartbeat: time.Now()}, false},
		{"own process", &types.ArtifactStatus{ProcessID: os.Getpid(), Heartbeat: time.Now()}, true},
		{"stale heartbeat", &types.ArtifactStatus{ProcessID: os.Getpid(), Heartbeat: time.Now().Add(-time.Hour)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := state.IsLive(tt.status); got != tt.want {
				t.Errorf("IsLive() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStateManager_HeartbeatLifecycle(t *testing.T) {
	sm, _ := newManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sm.StartHeartbeat(ctx)
	sm.StartHeartbeat(ctx)
	sm.StopHeartbeat()
	sm.StopHeartbeat()
}

func TestStateManager_Concurrency(t *testing.T) {
	sm, dir := newManager(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				st := types.StateDeploying
				if (id+j)%2 == 0 {
					st = types.StateDeployed
				}
				if err := sm.RecordTransition(appRef("orders"), st, nil); err != nil {
					t.Errorf("concurrent update error: %v", err)
				}
			}
		}(i)
	}
	wg.Wait()

	data, _ := os.ReadFile(filepath.Join(dir, "application-orders.json"))
	var parsed types.ArtifactStatus
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Errorf("state file contains invalid JSON: %v", err)
	}
	if parsed.Name != "orders" {
		t.Error("state corrupted during concurrent updates")
	}
}

func BenchmarkStateManager_RecordTransition(b *testing.B) {
	sm, _ := newManager(b)
	ref := appRef("bench")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		sm.RecordTransition(ref, types.StateDeployed, nil)
	}
}
