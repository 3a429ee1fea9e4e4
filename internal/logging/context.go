package logging

import (
	"context"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if repoID := RepoIDFromContext(ctx); repoID != "" {
		fields = append(fields, zap.String("repo.id", repoID))
	}
	if sessionID := SessionIDFromContext(ctx); sessionID != "" {
		fields = append(fields, zap.String("session.id", sessionID))
	}
	if op := OpFromContext(ctx); op != "" {
		fields = append(fields, zap.String("op", op))
	}
	return fields
}

type repoCtxKey struct{}
type sessionCtxKey struct{}
type opCtxKey struct{}
type loggerCtxKey struct{}

const maxIDLen = 128

// clampID keeps identifiers loggable: valid UTF-8 and bounded length.
func clampID(id string) string {
	if !utf8.ValidString(id) {
		id = string([]rune(id))
	}
	if len(id) > maxIDLen {
		id = id[:maxIDLen]
	}
	return id
}

// WithRepoID adds the repository id to context.
func WithRepoID(ctx context.Context, repoID string) context.Context {
	if repoID == "" {
		return ctx
	}
	return context.WithValue(ctx, repoCtxKey{}, clampID(repoID))
}

// RepoIDFromContext extracts the repository id from context.
func RepoIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(repoCtxKey{}).(string); ok {
		return s
	}
	return ""
}

// WithSessionID adds the agent session id to context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	if sessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionCtxKey{}, clampID(sessionID))
}

// SessionIDFromContext extracts the session id from context.
func SessionIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(sessionCtxKey{}).(string); ok {
		return s
	}
	return ""
}

// WithOp names the operation in progress, e.g. "cycle.tick".
func WithOp(ctx context.Context, op string) context.Context {
	return context.WithValue(ctx, opCtxKey{}, op)
}

// OpFromContext extracts the operation name from context.
func OpFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(opCtxKey{}).(string); ok {
		return s
	}
	return ""
}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
