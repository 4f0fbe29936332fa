// Package auth carries the caller identity through request handling. Token
// verification is pluggable; requests without a verifiable identity proceed
// as anonymous.
package auth

import "context"

// Identity describes an authenticated caller.
type Identity struct {
	UserID string
	Email  string
	Role   string
}

// Provider verifies a bearer token and resolves the caller.
type Provider interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

type contextKey struct{}

func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// IdentityFrom returns the caller identity, or nil for anonymous requests.
func IdentityFrom(ctx context.Context) *Identity {
	id, _ := ctx.Value(contextKey{}).(*Identity)
	return id
}
