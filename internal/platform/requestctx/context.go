package requestctx

import (
	"context"

	"go.uber.org/zap"
)

type contextKey string

const (
	loggerKey      contextKey = "ordercore/requestctx/logger"
	traceKey       contextKey = "ordercore/requestctx/trace"
	actorKey       contextKey = "ordercore/requestctx/actor"
	correlationKey contextKey = "ordercore/requestctx/correlation"
)

var noopLogger = zap.NewNop()

// TraceInfo captures the Cloud Trace metadata extracted for a request.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

// Actor identifies who triggered an order mutation. Customers are anonymous and
// carry an empty ID; admins and background jobs are named.
type Actor struct {
	ID   string
	Kind string
}

const (
	ActorCustomer = "customer"
	ActorAdmin    = "admin"
	ActorSystem   = "system"
	ActorWebhook  = "webhook"
)

// WithLogger stores the logger for downstream consumers.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if logger == nil {
		logger = noopLogger
	}
	return context.WithValue(ctx, loggerKey, logger)
}

// Logger returns the request logger or a no-op logger.
func Logger(ctx context.Context) *zap.Logger {
	if ctx == nil {
		return noopLogger
	}
	if logger, ok := ctx.Value(loggerKey).(*zap.Logger); ok && logger != nil {
		return logger
	}
	return noopLogger
}

func NoopLogger() *zap.Logger { return noopLogger }

func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, traceKey, info)
}

func Trace(ctx context.Context) (TraceInfo, bool) {
	if ctx == nil {
		return TraceInfo{}, false
	}
	info, ok := ctx.Value(traceKey).(TraceInfo)
	return info, ok
}

// TraceID extracts the trace identifier when present.
func TraceID(ctx context.Context) string {
	info, ok := Trace(ctx)
	if !ok {
		return ""
	}
	return info.TraceID
}

// WithActor records the caller responsible for the current request.
func WithActor(ctx context.Context, actor Actor) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, actorKey, actor)
}

// ActorFrom returns the stored actor, defaulting to an anonymous customer.
func ActorFrom(ctx context.Context) Actor {
	if ctx != nil {
		if actor, ok := ctx.Value(actorKey).(Actor); ok && actor.Kind != "" {
			return actor
		}
	}
	return Actor{Kind: ActorCustomer}
}

// WithCorrelationID tags the context with the identifier propagated into emitted events.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, correlationKey, id)
}

// CorrelationID returns the correlation id, falling back to the trace id.
func CorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(correlationKey).(string); ok && id != "" {
		return id
	}
	return TraceID(ctx)
}
