// Package context carries tracing values through reconciliation passes.
package context

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	correlationIDKey
	triggerKey
	operationKey
	startTimeKey
)

// Trigger names what started a pass or operation.
type Trigger string

const (
	TriggerStartup Trigger = "startup"
	TriggerPoll    Trigger = "poll"
	TriggerEvent   Trigger = "fsnotify"
	TriggerAPI     Trigger = "api"
	TriggerManual  Trigger = "manual"
)

// WithRequestID adds a request ID to the context.
func WithRequestID(parent context.Context, requestID string) context.Context {
	if requestID == "" {
		requestID = GenerateRequestID()
	}
	return context.WithValue(parent, requestIDKey, requestID)
}

// GetRequestID retrieves the request ID from context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok && id != "" {
		return id
	}
	return "unknown-request"
}

// WithCorrelationID tags everything done during one reconciliation pass.
func WithCorrelationID(parent context.Context, correlationID string) context.Context {
	if correlationID == "" {
		correlationID = GenerateCorrelationID()
	}
	return context.WithValue(parent, correlationIDKey, correlationID)
}

// GetCorrelationID retrieves the correlation ID from context.
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok && id != "" {
		return id
	}
	return "unknown-correlation"
}

// WithTrigger records what started the work.
func WithTrigger(parent context.Context, trigger Trigger) context.Context {
	return context.WithValue(parent, triggerKey, trigger)
}

// GetTrigger retrieves the trigger from context.
func GetTrigger(ctx context.Context) Trigger {
	if t, ok := ctx.Value(triggerKey).(Trigger); ok && t != "" {
		return t
	}
	return TriggerManual
}

// WithOperation adds an operation name to the context.
func WithOperation(parent context.Context, operation string) context.Context {
	return context.WithValue(parent, operationKey, operation)
}

// GetOperation retrieves the operation name from context.
func GetOperation(ctx context.Context) string {
	if op, ok := ctx.Value(operationKey).(string); ok && op != "" {
		return op
	}
	return "unknown-operation"
}

// WithStartTime adds the operation start time to the context.
func WithStartTime(parent context.Context, startTime time.Time) context.Context {
	return context.WithValue(parent, startTimeKey, startTime)
}

// GetStartTime retrieves the operation start time from context.
func GetStartTime(ctx context.Context) time.Time {
	if t, ok := ctx.Value(startTimeKey).(time.Time); ok {
		return t
	}
	return time.Now()
}

// GetDuration calculates the duration since the start time in context.
func GetDuration(ctx context.Context) time.Duration {
	return time.Since(GetStartTime(ctx))
}

// GenerateRequestID creates a new unique request ID.
func GenerateRequestID() string {
	return "req_" + uuid.New().String()
}

// GenerateCorrelationID creates a new unique correlation ID.
func GenerateCorrelationID() string {
	return "cor_" + uuid.New().String()
}

// NewPass derives the context for one reconciliation pass or explicit operation.
func NewPass(parent context.Context, trigger Trigger, operation string) context.Context {
	ctx := WithCorrelationID(parent, "")
	ctx = WithTrigger(ctx, trigger)
	ctx = WithOperation(ctx, operation)
	return WithStartTime(ctx, time.Now())
}

// TracingFields returns common tracing fields for structured logging.
func TracingFields(ctx context.Context) map[string]interface{} {
	return map[string]interface{}{
		"request_id":     GetRequestID(ctx),
		"correlation_id": GetCorrelationID(ctx),
		"trigger":        string(GetTrigger(ctx)),
		"operation":      GetOperation(ctx),
		"duration_ms":    GetDuration(ctx).Milliseconds(),
	}
}
