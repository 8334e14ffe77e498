// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating the user ID via context

package auth

import (
	"context"
)

// AuthContext holds the authenticated identity of a request.
type AuthContext struct {
	UserID string
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return auth
}

// UserID returns the authenticated user ID, empty if the context carries none.
func UserID(ctx context.Context) string {
	if a := FromContext(ctx); a != nil {
		return a.UserID
	}
	return ""
}
