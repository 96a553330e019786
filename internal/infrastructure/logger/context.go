package logger

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type contextKey string

const (
	loggerKey    contextKey = "logger"
	requestIDKey contextKey = "request_id"
	passKey      contextKey = "sync_pass"
)

// Pass identifies the sync pass a context belongs to. Webhook deliveries
// carry a connection but no SyncID until their inbound pass starts.
type Pass struct {
	ConnectionID string
	SyncID       string
	Kind         string
}

func (p Pass) fields() []zap.Field {
	var fields []zap.Field
	if p.ConnectionID != "" {
		fields = append(fields, zap.String("connection_id", p.ConnectionID))
	}
	if p.SyncID != "" {
		fields = append(fields, zap.String("sync_id", p.SyncID))
	}
	if p.Kind != "" {
		fields = append(fields, zap.String("pass", p.Kind))
	}
	return fields
}

// WithContext attaches logger to ctx.
func WithContext(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the attached logger or a no-op logger.
func FromContext(ctx context.Context) *zap.Logger {
	if logger, ok := ctx.Value(loggerKey).(*zap.Logger); ok {
		return logger
	}
	return zap.NewNop()
}

// WithRequestID tags ctx with the HTTP request id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID returns the HTTP request id carried by ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithSyncPass tags ctx with the pass. Empty fields of p inherit from a
// pass already on ctx, so a webhook delivery tagged with its connection
// keeps that tag when the inbound pass adds its SyncID.
func WithSyncPass(ctx context.Context, p Pass) context.Context {
	if parent, ok := PassFrom(ctx); ok {
		if p.ConnectionID == "" {
			p.ConnectionID = parent.ConnectionID
		}
		if p.SyncID == "" {
			p.SyncID = parent.SyncID
		}
		if p.Kind == "" {
			p.Kind = parent.Kind
		}
	}
	return context.WithValue(ctx, passKey, p)
}

// PassFrom returns the pass ctx was tagged with.
func PassFrom(ctx context.Context) (Pass, bool) {
	p, ok := ctx.Value(passKey).(Pass)
	return p, ok
}

// Fields returns the correlation fields carried by ctx: trace and span
// ids from the active span, the request id and the sync pass tags.
func Fields(ctx context.Context) []zap.Field {
	var fields []zap.Field
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()))
	}
	if id := RequestID(ctx); id != "" {
		fields = append(fields, zap.String("request_id", id))
	}
	if p, ok := PassFrom(ctx); ok {
		fields = append(fields, p.fields()...)
	}
	return fields
}

// ContextLogger stamps the fields of its context onto every entry.
type ContextLogger struct {
	ctx    context.Context
	logger *zap.Logger
}

// L returns a ContextLogger over the logger attached to ctx.
func L(ctx context.Context) *ContextLogger {
	return WithLogger(ctx, FromContext(ctx))
}

// WithLogger returns a ContextLogger over logger rather than the one
// attached to ctx. Services hold their own named logger and use this.
func WithLogger(ctx context.Context, logger *zap.Logger) *ContextLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ContextLogger{ctx: ctx, logger: logger}
}

func (cl *ContextLogger) entry() *zap.Logger {
	if fields := Fields(cl.ctx); len(fields) > 0 {
		return cl.logger.With(fields...)
	}
	return cl.logger
}

// With returns a child ContextLogger carrying fields.
func (cl *ContextLogger) With(fields ...zap.Field) *ContextLogger {
	return &ContextLogger{ctx: cl.ctx, logger: cl.logger.With(fields...)}
}

func (cl *ContextLogger) Debug(msg string, fields ...zap.Field) { cl.entry().Debug(msg, fields...) }
func (cl *ContextLogger) Info(msg string, fields ...zap.Field)  { cl.entry().Info(msg, fields...) }
func (cl *ContextLogger) Warn(msg string, fields ...zap.Field)  { cl.entry().Warn(msg, fields...) }
func (cl *ContextLogger) Error(msg string, fields ...zap.Field) { cl.entry().Error(msg, fields...) }

// Zap returns the underlying logger with the context fields applied.
func (cl *ContextLogger) Zap() *zap.Logger {
	return cl.entry()
}
