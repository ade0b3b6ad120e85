package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/revenant/revenant/pkg/logger"
	"github.com/revenant/revenant/pkg/types"
)

func TestScan(t *testing.T) {
	dir := t.TempDir()
	descTime := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	zipTime := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	os.MkdirAll(filepath.Join(dir, "orders"), 0755)
	desc := filepath.Join(dir, "orders", "application.yaml")
	os.WriteFile(desc, []byte("domain: shop\n"), 0644)
	os.Chtimes(desc, descTime, descTime)

	os.MkdirAll(filepath.Join(dir, "no-descriptor"), 0755)
	os.MkdirAll(filepath.Join(dir, ".orders-installing-123"), 0755)

	archive := filepath.Join(dir, "billing.zip")
	os.WriteFile(archive, []byte("zip"), 0644)
	os.Chtimes(archive, zipTime, zipTime)

	os.WriteFile(filepath.Join(dir, "orders-anchor.txt"), nil, 0644)
	os.WriteFile(filepath.Join(dir, "billing.zip.part"), []byte("partial"), 0644)
	os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignore"), 0644)

	snap, err := Scan(dir, types.KindApplication)
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}

	orders, ok := snap.Exploded["orders"]
	if !ok {
		t.Fatal("exploded directory not found")
	}
	if !orders.HasDescriptor || !orders.ModTime.Equal(descTime) {
		t.Errorf("descriptor time not used: %+v", orders)
	}
	if orders.ZombieKey() != desc {
		t.Errorf("zombie key should be the descriptor, got %s", orders.ZombieKey())
	}

	bare := snap.Exploded["no-descriptor"]
	if bare.HasDescriptor || bare.ZombieKey() != bare.Path {
		t.Errorf("directory without descriptor should be keyed by itself: %+v", bare)
	}

	billing, ok := snap.Archives["billing"]
	if !ok || !billing.ModTime.Equal(zipTime) || billing.ZombieKey() != archive {
		t.Errorf("archive not scanned correctly: %+v", billing)
	}

	if !snap.Anchors["orders"] || len(snap.Anchors) != 1 {
		t.Errorf("unexpected anchors %v", snap.Anchors)
	}
	if _, hidden := snap.Exploded[".orders-installing-123"]; hidden {
		t.Error("hidden staging directories must be skipped")
	}

	want := []string{"billing", "no-descriptor", "orders"}
	if !reflect.DeepEqual(snap.Names(), want) {
		t.Errorf("expected %v, got %v", want, snap.Names())
	}
}

func TestScan_MissingDirectory(t *testing.T) {
	_, err := Scan(filepath.Join(t.TempDir(), "missing"), types.KindDomain)
	if !errors.Is(err, types.ErrDiscovery) {
		t.Fatalf("expected ErrDiscovery, got %v", err)
	}
}

func TestOrderNames(t *testing.T) {
	tests := []struct {
		name    string
		names   []string
		startup []string
		want    []string
	}{
		{
			name:  "alphabetical without startup order",
			names: []string{"c", "a", "b"},
			want:  []string{"a", "b", "c"},
		},
		{
			name:    "startup order first",
			names:   []string{"a", "b", "c", "d"},
			startup: []string{"d", "b"},
			want:    []string{"d", "b", "a", "c"},
		},
		{
			name:    "unknown startup names ignored",
			names:   []string{"a", "b"},
			startup: []string{"zzz", "b"},
			want:    []string{"b", "a"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := OrderNames(tt.names, tt.startup); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestFSNotifyTrigger(t *testing.T) {
	dir := t.TempDir()
	log := logger.CreateLoggerWithOutput("", "debug", nil)
	trigger := NewFSNotifyTrigger([]string{dir, filepath.Join(dir, "missing")}, 20*time.Millisecond, log)

	if err := trigger.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer trigger.Close()

	for i := 0; i < 5; i++ {
		os.WriteFile(filepath.Join(dir, "burst.txt"), []byte{byte(i)}, 0644)
	}

	select {
	case <-trigger.Events():
	case <-time.After(5 * time.Second):
		t.Fatal("expected a wake-up after changes")
	}

	if err := trigger.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}
	if err := trigger.Close(); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}
}
