package shared

import (
	"context"
	"strings"
)

type sessionContextKey struct{}

// ContextWithSession stores the session in context.
func ContextWithSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// SessionFromContext extracts the session from context.
func SessionFromContext(ctx context.Context) *Session {
	sess, _ := ctx.Value(sessionContextKey{}).(*Session)
	return sess
}

// SessionUser returns the session and its signed-in user id. The id is empty
// for anonymous requests, and the session is nil outside the session middleware.
func SessionUser(ctx context.Context) (*Session, string) {
	sess := SessionFromContext(ctx)
	if sess == nil {
		return nil, ""
	}
	return sess, strings.TrimSpace(sess.User())
}
