package mcp

import "context"

type sessionKey struct{}

// WithSession returns a context carrying the session id a request is
// bound to. Transports set it before dispatching a message.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionID)
}

// SessionFromContext returns the session id bound to ctx, if any.
func SessionFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(sessionKey{}).(string)
	return id, ok && id != ""
}
