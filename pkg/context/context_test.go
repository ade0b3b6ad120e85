package context_test

import (
	"context"
	"strings"
	"testing"
	"time"

	rcontext "github.com/revenant/revenant/pkg/context"
)

func TestCorrelationID(t *testing.T) {
	ctx := context.Background()
	if got := rcontext.GetCorrelationID(ctx); got != "unknown-correlation" {
		t.Errorf("expected placeholder, got %s", got)
	}

	ctx = rcontext.WithCorrelationID(ctx, "")
	if got := rcontext.GetCorrelationID(ctx); !strings.HasPrefix(got, "cor_") {
		t.Errorf("expected generated id, got %s", got)
	}

	ctx = rcontext.WithCorrelationID(ctx, "cor_fixed")
	if got := rcontext.GetCorrelationID(ctx); got != "cor_fixed" {
		t.Errorf("expected explicit id, got %s", got)
	}
}

func TestNewPass(t *testing.T) {
	ctx := rcontext.NewPass(context.Background(), rcontext.TriggerPoll, "reconcile")

	if rcontext.GetTrigger(ctx) != rcontext.TriggerPoll {
		t.Errorf("unexpected trigger %s", rcontext.GetTrigger(ctx))
	}
	if rcontext.GetOperation(ctx) != "reconcile" {
		t.Errorf("unexpected operation %s", rcontext.GetOperation(ctx))
	}
	if rcontext.GetCorrelationID(ctx) == "unknown-correlation" {
		t.Error("pass should carry a correlation id")
	}
	if rcontext.GetDuration(ctx) < 0 {
		t.Error("duration should not be negative")
	}

	other := rcontext.NewPass(context.Background(), rcontext.TriggerPoll, "reconcile")
	if rcontext.GetCorrelationID(ctx) == rcontext.GetCorrelationID(other) {
		t.Error("each pass should get its own correlation id")
	}
}

func TestTracingFields(t *testing.T) {
	ctx := rcontext.WithRequestID(context.Background(), "req_1")
	ctx = rcontext.WithStartTime(ctx, time.Now().Add(-time.Second))

	fields := rcontext.TracingFields(ctx)
	if fields["request_id"] != "req_1" {
		t.Errorf("unexpected request id %v", fields["request_id"])
	}
	if fields["trigger"] != "manual" {
		t.Errorf("expected manual trigger by default, got %v", fields["trigger"])
	}
	if ms, ok := fields["duration_ms"].(int64); !ok || ms < 1000 {
		t.Errorf("expected duration of at least 1000ms, got %v", fields["duration_ms"])
	}
}

func TestValuesDoNotShadowEachOther(t *testing.T) {
	ctx := rcontext.WithTrigger(context.Background(), rcontext.TriggerAPI)
	ctx = rcontext.WithRequestID(ctx, "req_1")
	ctx = rcontext.WithCorrelationID(ctx, "cor_1")
	ctx = rcontext.WithOperation(ctx, "deploy")

	if got := rcontext.GetTrigger(ctx); got != rcontext.TriggerAPI {
		t.Errorf("trigger was shadowed, got %s", got)
	}
	if got := rcontext.GetRequestID(ctx); got != "req_1" {
		t.Errorf("request id was shadowed, got %s", got)
	}
	if got := rcontext.GetCorrelationID(ctx); got != "cor_1" {
		t.Errorf("correlation id was shadowed, got %s", got)
	}
	if got := rcontext.GetOperation(ctx); got != "deploy" {
		t.Errorf("unexpected operation %s", got)
	}
}
