package identity

import "context"

type principalContextKey struct{}

// ContextWithPrincipal attaches the authenticated user to the context.
func ContextWithPrincipal(ctx context.Context, user User) context.Context {
	return context.WithValue(ctx, principalContextKey{}, &user)
}

// PrincipalFromContext extracts the authenticated user from the context.
func PrincipalFromContext(ctx context.Context) (User, bool) {
	if ctx == nil {
		return User{}, false
	}
	v, ok := ctx.Value(principalContextKey{}).(*User)
	if !ok || v == nil {
		return User{}, false
	}
	return *v, true
}
