package logx

import (
	"context"

	"pkt.systems/monkeyfarmer/schema"
	"pkt.systems/pslog"
)

type contextKey int

const (
	sessionKey contextKey = iota
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithSession annotates the logger with a farmer session id when available.
func WithSession(log pslog.Logger, sessionID string) pslog.Logger {
	if log == nil {
		return nil
	}
	if sessionID != "" {
		log = log.With("session", sessionID)
	}
	return log
}

// WithWindow annotates the logger with a window id.
func WithWindow(log pslog.Logger, id schema.WindowID) pslog.Logger {
	if log == nil {
		return nil
	}
	if id != "" {
		log = log.With("window", id)
	}
	return log
}

// WithLogin annotates the logger with a login window id.
func WithLogin(log pslog.Logger, id schema.LoginID) pslog.Logger {
	if log == nil {
		return nil
	}
	if id != "" {
		log = log.With("login", id)
	}
	return log
}

// ContextWithSession stores the session marker on the context so nested
// helpers do not annotate the logger twice.
func ContextWithSession(ctx context.Context, sessionID string) context.Context {
	if ctx == nil || sessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionKey, sessionID)
}

// SessionFromContext returns the session marker, if any.
func SessionFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(sessionKey).(string)
	return id
}

// ContextWithSessionLogger attaches the logger and session marker to the context.
func ContextWithSessionLogger(ctx context.Context, log pslog.Logger, sessionID string) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithSession(ctx, sessionID)
}
