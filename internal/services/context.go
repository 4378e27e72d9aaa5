package services

import "context"

type contextKey string

const (
	jobIDKey     contextKey = "job_id"
	nodeIDKey    contextKey = "node_id"
	stageKey     contextKey = "stage"
	elementKey   contextKey = "element"
	requestIDKey contextKey = "request_id"
)

// WithJobID annotates context with the job identifier.
func WithJobID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, jobIDKey, id)
}

// JobIDFromContext extracts the job identifier if present.
func JobIDFromContext(ctx context.Context) (int64, bool) {
	v := ctx.Value(jobIDKey)
	if v == nil {
		return 0, false
	}
	switch val := v.(type) {
	case int64:
		return val, true
	case int:
		return int64(val), true
	default:
		return 0, false
	}
}

// WithNodeID annotates context with the worker node identifier.
func WithNodeID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, nodeIDKey, id)
}

// NodeIDFromContext returns the node identifier if present.
func NodeIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(nodeIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithStage annotates context with the job stage (healthcheck or transcode).
func WithStage(ctx context.Context, stage string) context.Context {
	if stage == "" {
		return ctx
	}
	return context.WithValue(ctx, stageKey, stage)
}

// StageFromContext returns the stage name if present.
func StageFromContext(ctx context.Context) (string, bool) {
	v := ctx.Value(stageKey)
	if str, ok := v.(string); ok && str != "" {
		return str, true
	}
	return "", false
}

// WithElement annotates context with the graph element currently executing.
func WithElement(ctx context.Context, element string) context.Context {
	if element == "" {
		return ctx
	}
	return context.WithValue(ctx, elementKey, element)
}

// ElementFromContext returns the element type if present.
func ElementFromContext(ctx context.Context) (string, bool) {
	v := ctx.Value(elementKey)
	if str, ok := v.(string); ok && str != "" {
		return str, true
	}
	return "", false
}

// WithRequestID annotates context with a correlation identifier.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext extracts the correlation identifier if present.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	if v, ok := ctx.Value(requestIDKey).(string); ok && v != "" {
		return v, true
	}
	return "", false
}
