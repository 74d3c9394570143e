// internal/logging/context.go
package logging

import (
	"context"
	"regexp"
	"unicode/utf8"

	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 3)

	if sessionID := SessionIDFromContext(ctx); sessionID != "" {
		fields = append(fields, zap.String("session.id", sessionID))
	}
	if hook := HookFromContext(ctx); hook != "" {
		fields = append(fields, zap.String("hook", hook))
	}
	if branch := BranchFromContext(ctx); branch != "" {
		fields = append(fields, zap.String("branch", branch))
	}

	return fields
}

type sessionCtxKey struct{}
type hookCtxKey struct{}
type branchCtxKey struct{}

const maxIDLen = 128

// Session ids come from the agent runtime and may be uuids, ULIDs or
// "session_<n>" style tokens.
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9._:-]+$`)

func validID(id string) bool {
	return id != "" && utf8.ValidString(id) && len(id) <= maxIDLen && idPattern.MatchString(id)
}

// SessionIDFromContext extracts session ID from context.
func SessionIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(sessionCtxKey{}).(string); ok {
		return s
	}
	return ""
}

// WithSessionID adds session ID to context.
// Invalid ids are dropped rather than logged verbatim.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	if !validID(sessionID) {
		return ctx
	}
	return context.WithValue(ctx, sessionCtxKey{}, sessionID)
}

// HookFromContext extracts the hook event name from context.
func HookFromContext(ctx context.Context) string {
	if h, ok := ctx.Value(hookCtxKey{}).(string); ok {
		return h
	}
	return ""
}

// WithHook records the hook event being handled.
func WithHook(ctx context.Context, hook string) context.Context {
	return context.WithValue(ctx, hookCtxKey{}, hook)
}

// BranchFromContext extracts the current branch from context.
func BranchFromContext(ctx context.Context) string {
	if b, ok := ctx.Value(branchCtxKey{}).(string); ok {
		return b
	}
	return ""
}

// WithBranch records the branch the invocation runs on.
func WithBranch(ctx context.Context, branch string) context.Context {
	if branch == "" {
		return ctx
	}
	return context.WithValue(ctx, branchCtxKey{}, branch)
}

type loggerCtxKey struct{}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context.
// Returns a nop logger if not found.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
