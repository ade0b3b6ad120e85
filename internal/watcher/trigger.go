package watcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/revenant/revenant/pkg/logger"
)

// DefaultSettlingDelay coalesces bursts such as an archive being copied in.
const DefaultSettlingDelay = 250 * time.Millisecond

// FSNotifyTrigger signals when anything changes in the watched directories.
type FSNotifyTrigger struct {
	dirs     []string
	settling time.Duration
	logger   logger.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
	events  chan struct{}
}

// NewFSNotifyTrigger creates a trigger for dirs. Nothing is watched until
// Start is called.
func NewFSNotifyTrigger(dirs []string, settling time.Duration, log logger.Logger) *FSNotifyTrigger {
	if settling <= 0 {
		settling = DefaultSettlingDelay
	}
	return &FSNotifyTrigger{
		dirs:     dirs,
		settling: settling,
		logger:   log,
		events:   make(chan struct{}, 1),
	}
}

// Start begins watching. Directories that cannot be watched are logged and
// left to polling.
func (t *FSNotifyTrigger) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.watcher != nil {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	for _, dir := range t.dirs {
		if err := w.Add(dir); err != nil {
			t.logger.Warn(fmt.Sprintf("Failed to watch %s, relying on polling", dir), logger.WithError(err))
			continue
		}
		t.logger.Debug(fmt.Sprintf("Watching directory: %s", dir))
	}

	loopCtx, cancel := context.WithCancel(ctx)
	t.watcher = w
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.processEvents(loopCtx, w, t.done)
	return nil
}

// Events delivers at most one pending wake-up at a time.
func (t *FSNotifyTrigger) Events() <-chan struct{} {
	return t.events
}

// Close stops watching and waits for the event loop to exit.
func (t *FSNotifyTrigger) Close() error {
	t.mu.Lock()
	w, cancel, done := t.watcher, t.cancel, t.done
	t.watcher, t.cancel, t.done = nil, nil, nil
	t.mu.Unlock()

	if w == nil {
		return nil
	}
	cancel()
	err := w.Close()
	<-done
	return err
}

func (t *FSNotifyTrigger) processEvents(ctx context.Context, w *fsnotify.Watcher, done chan struct{}) {
	defer close(done)

	settle := time.NewTimer(t.settling)
	settle.Stop()

	for {
		select {
		case <-ctx.Done():
			settle.Stop()
			return

		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if event.Op == fsnotify.Chmod {
				continue
			}
			settle.Reset(t.settling)

		case <-settle.C:
			select {
			case t.events <- struct{}{}:
			default:
			}

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			t.logger.Error("Watcher error", logger.WithError(err))
		}
	}
}
