package services

import "context"

type contextKey string

const (
	recordIDKey  contextKey = "record_id"
	kindKey      contextKey = "kind"
	triggerKey   contextKey = "trigger"
	requestIDKey contextKey = "request_id"
)

// WithRecordID annotates ctx with the outbox record being delivered.
func WithRecordID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, recordIDKey, id)
}

// RecordIDFromContext returns the outbox record id, if any.
func RecordIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(recordIDKey).(int64)
	return id, ok
}

// WithKind annotates ctx with the resource kind. Empty kinds are ignored.
func WithKind(ctx context.Context, kind string) context.Context {
	return withString(ctx, kindKey, kind)
}

func KindFromContext(ctx context.Context) (string, bool) {
	return stringFrom(ctx, kindKey)
}

// WithTrigger records what started a drain: startup, online, tick, manual,
// or a sync tag.
func WithTrigger(ctx context.Context, trigger string) context.Context {
	return withString(ctx, triggerKey, trigger)
}

func TriggerFromContext(ctx context.Context) (string, bool) {
	return stringFrom(ctx, triggerKey)
}

// WithRequestID annotates ctx with the agent HTTP request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return withString(ctx, requestIDKey, id)
}

func RequestIDFromContext(ctx context.Context) (string, bool) {
	return stringFrom(ctx, requestIDKey)
}

func withString(ctx context.Context, key contextKey, value string) context.Context {
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

func stringFrom(ctx context.Context, key contextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	return v, ok && v != ""
}
