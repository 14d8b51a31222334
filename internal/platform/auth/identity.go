package auth

import (
	"context"
	"slices"
	"strings"

	firebaseauth "firebase.google.com/go/v4/auth"
)

// Role constants carried in the "roles" custom claim.
const (
	RoleDriver = "driver"
	RoleStaff  = "staff"
	RoleAdmin  = "admin"
)

// Identity is the verified caller extracted from a Firebase ID token.
type Identity struct {
	UID   string
	Email string
	Roles []string

	token *firebaseauth.Token
}

// Token exposes the decoded Firebase ID token.
func (i *Identity) Token() *firebaseauth.Token {
	if i == nil {
		return nil
	}
	return i.token
}

// HasRole reports whether the identity holds role (case-insensitive).
func (i *Identity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	return slices.Contains(i.Roles, normaliseRole(role))
}

// HasAnyRole reports whether the identity holds one of roles.
func (i *Identity) HasAnyRole(roles ...string) bool {
	for _, role := range roles {
		if i.HasRole(role) {
			return true
		}
	}
	return false
}

type (
	identityContextKey  struct{}
	identityObserverKey struct{}
)

// WithIdentity stores the identity within the context for downstream handlers and notifies an
// observer registered further up the chain.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	if observe, ok := ctx.Value(identityObserverKey{}).(func(*Identity)); ok && identity != nil {
		observe(identity)
	}
	return context.WithValue(ctx, identityContextKey{}, identity)
}

// WithIdentityObserver registers fn to receive the identity once authentication succeeds. Outer
// middleware uses it to learn the caller of a request whose context it no longer holds.
func WithIdentityObserver(ctx context.Context, fn func(*Identity)) context.Context {
	if fn == nil {
		return ctx
	}
	return context.WithValue(ctx, identityObserverKey{}, fn)
}

// IdentityFromContext retrieves the identity stored by the middleware.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityContextKey{}).(*Identity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}

func normaliseRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}
