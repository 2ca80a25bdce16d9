package logging

import (
	"context"

	"go.uber.org/zap"
)

type ctxKey int

const (
	runIDKey ctxKey = iota
	workerIDKey
	storyIDKey
)

func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

func WithWorkerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workerIDKey, id)
}

func WithStoryID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, storyIDKey, id)
}

func WorkerID(ctx context.Context) string {
	v, _ := ctx.Value(workerIDKey).(string)
	return v
}

// ContextFields extracts the identifiers stored in ctx as zap fields.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	var fields []zap.Field
	if v, ok := ctx.Value(runIDKey).(string); ok && v != "" {
		fields = append(fields, zap.String("run_id", v))
	}
	if v, ok := ctx.Value(workerIDKey).(string); ok && v != "" {
		fields = append(fields, zap.String("worker_id", v))
	}
	if v, ok := ctx.Value(storyIDKey).(string); ok && v != "" {
		fields = append(fields, zap.String("story_id", v))
	}
	return fields
}
