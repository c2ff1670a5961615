// Package traceutil carries a per-call trace id through contexts and logs.
package traceutil

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

func init() {
	// trace ids are generated for every inbound call
	uuid.EnableRandPool()
}

type traceIDKey struct{}

// SetTraceID sets the traceID into the context.
func SetTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// NewTrace returns ctx with a fresh trace id, unless ctx already carries one.
func NewTrace(ctx context.Context) (context.Context, string) {
	if id := TraceID(ctx); id != "" {
		return ctx, id
	}
	id := uuid.NewString()
	return SetTraceID(ctx, id), id
}

// TraceID returns the traceID from the context.
func TraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(traceIDKey{}).(string); ok {
		return traceID
	}
	return ""
}

// TraceLogField returns a zap.Field for logging.
// It returns zap.Skip() if the traceID is not found in the context.
func TraceLogField(ctx context.Context) zap.Field {
	if traceID := TraceID(ctx); traceID != "" {
		return zap.String("trace-id", traceID)
	}
	return zap.Skip()
}
