package auth

import (
	"context"
	"strings"
)

type principalContextKey struct{}

// ContextWithUser attaches the session identity to the context.
func ContextWithUser(ctx context.Context, username string, role Role) context.Context {
	username = strings.TrimSpace(username)
	if username == "" {
		return ctx
	}
	return context.WithValue(ctx, principalContextKey{}, Principal{Username: username, Role: role})
}

// UserFromContext extracts the session identity from the context.
func UserFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	p, ok := ctx.Value(principalContextKey{}).(Principal)
	if !ok || p.Username == "" {
		return Principal{}, false
	}
	return p, true
}
