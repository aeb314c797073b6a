// Package auth carries the caller's identity as an explicit value rather
// than ambient state. Sign-in itself belongs to the external auth platform;
// this package only resolves already-issued tokens to identities.
package auth

import (
	"context"

	"github.com/dada03jp/rossoneri-pixel-hub/internal/domain"
)

// Identity is the authenticated caller
type Identity struct {
	UserID   string
	Username string
}

// Verifier resolves a bearer token to an identity
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

type contextKey struct{}

// WithIdentity returns a context carrying the identity
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext extracts the identity from the context, if any
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}

// Require extracts the identity or fails with ErrAuthRequired
func Require(ctx context.Context) (Identity, error) {
	id, ok := FromContext(ctx)
	if !ok || id.UserID == "" {
		return Identity{}, domain.ErrAuthRequired
	}
	return id, nil
}
