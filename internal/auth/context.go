// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithPrincipal/FromContext for propagating the caller via context

package auth

import (
	"context"
)

// Anonymous is the principal used when API auth is disabled.
const Anonymous = "anonymous"

// Principal is the authenticated caller of an API request.
type Principal struct {
	ID string
	// Anonymous is true when the request passed without a token.
	Anonymous bool
}

// principalKey is the key type for storing a Principal in context.Context.
type principalKey struct{}

// WithPrincipal returns a new context with p attached.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext retrieves the Principal from the context, returning nil if not present.
func FromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}

// PrincipalID returns the caller's id, or Anonymous when none is attached.
func PrincipalID(ctx context.Context) string {
	if p := FromContext(ctx); p != nil {
		return p.ID
	}
	return Anonymous
}
