package engine

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/revenant/revenant/pkg/logger"
)

func TestSafeGroup(t *testing.T) {
	tests := []struct {
		name      string
		fns       []func() error
		wantErr   string
		wantCalls int32
	}{
		{
			name:      "all succeed",
			fns:       []func() error{func() error { return nil }, func() error { return nil }},
			wantCalls: 2,
		},
		{
			name:      "error is returned",
			fns:       []func() error{func() error { return errors.New("scan failed") }},
			wantErr:   "scan failed",
			wantCalls: 1,
		},
		{
			name:      "panic becomes an error",
			fns:       []func() error{func() error { panic("boom") }},
			wantErr:   "goroutine panic: boom",
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sg, _ := NewSafeGroup(context.Background(), logger.CreateLoggerWithOutput("", "debug", nil))
			var calls int32
			for _, fn := range tt.fns {
				fn := fn
				sg.Go(func() error {
					atomic.AddInt32(&calls, 1)
					return fn()
				})
			}

			err := sg.Wait()
			if tt.wantErr == "" && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if tt.wantErr != "" && (err == nil || !strings.Contains(err.Error(), tt.wantErr)) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
			if calls != tt.wantCalls {
				t.Errorf("expected %d calls, got %d", tt.wantCalls, calls)
			}
		})
	}
}

func TestSafeGroup_CancelsContextOnError(t *testing.T) {
	sg, ctx := NewSafeGroup(context.Background(), logger.CreateLoggerWithOutput("", "debug", nil))
	sg.SetLimit(2)

	sg.Go(func() error { return errors.New("first") })
	sg.Go(func() error {
		<-ctx.Done()
		return nil
	})

	if err := sg.Wait(); err == nil || err.Error() != "first" {
		t.Errorf("expected first error, got %v", err)
	}
}
