package requestctx

import (
	"context"

	"go.uber.org/zap"
)

type contextKey string

const (
	loggerContextKey contextKey = "github.com/storefront/fulfillment/internal/platform/requestctx/logger"
	traceContextKey  contextKey = "github.com/storefront/fulfillment/internal/platform/requestctx/trace"
	actorContextKey  contextKey = "github.com/storefront/fulfillment/internal/platform/requestctx/actor"
)

var noopLogger = zap.NewNop()

// TraceInfo captures trace metadata propagated through request context.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

// WithLogger stores the logger in context for downstream consumers.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = noopLogger
	}
	return context.WithValue(ctx, loggerContextKey, logger)
}

// Logger retrieves the zap logger from context or returns a no-op logger.
func Logger(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return noopLogger
	}
	if logger, ok := ctx.Value(loggerContextKey).(*zap.Logger); ok && logger != nil {
		return logger
	}
	return noopLogger
}

// NoopLogger exposes the shared noop logger instance.
func NoopLogger() *zap.Logger { return noopLogger }

// WithTrace stores the trace metadata on the context.
func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, traceContextKey, info)
}

// Trace retrieves the trace metadata from context when available.
func Trace(ctx context.Context) (TraceInfo, bool) {
	if ctx == nil {
		return TraceInfo{}, false
	}
	info, ok := ctx.Value(traceContextKey).(TraceInfo)
	return info, ok
}

// TraceID extracts the trace identifier from context when present.
func TraceID(ctx context.Context) string {
	info, _ := Trace(ctx)
	return info.TraceID
}

// WithActor records the identifier of the caller on whose behalf work is done.
func WithActor(ctx context.Context, actor string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, actorContextKey, actor)
}

// Actor returns the caller identifier, or "system" for background work.
func Actor(ctx context.Context) string {
	if ctx != nil {
		if actor, ok := ctx.Value(actorContextKey).(string); ok && actor != "" {
			return actor
		}
	}
	return "system"
}

// Fields returns the trace and actor fields that enrich service-level log lines.
func Fields(ctx context.Context) []zap.Field {
	var fields []zap.Field
	if info, ok := Trace(ctx); ok && info.TraceID != "" {
		if info.ProjectID != "" {
			fields = append(fields, zap.String("logging.googleapis.com/trace", "projects/"+info.ProjectID+"/traces/"+info.TraceID))
		} else {
			fields = append(fields, zap.String("traceId", info.TraceID))
		}
	}
	if actor := Actor(ctx); actor != "system" {
		fields = append(fields, zap.String("actor", actor))
	}
	return fields
}
