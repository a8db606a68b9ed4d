package auth

import (
	"context"

	"go.opentelemetry.io/otel/trace"

	"github.com/StricklySoft/stricklysoft-identity/pkg/users"
)

// contextKey is an unexported type for context keys in this package.
type contextKey int

const identityKey contextKey = iota

// ContextWithIdentity returns a copy of ctx carrying id. [Middleware] and
// the gRPC interceptors call it after resolving a request.
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext returns the identity stored by [ContextWithIdentity].
// An anonymous request still has an identity; ok is false only when no
// resolution ran.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey).(*Identity)
	return id, ok && id != nil
}

// UserFromContext returns the resolved user, or nil for anonymous or
// unresolved requests.
func UserFromContext(ctx context.Context) *users.User {
	id, ok := IdentityFromContext(ctx)
	if !ok {
		return nil
	}
	return id.User
}

// MustIdentityFromContext is like [IdentityFromContext] but panics when no
// resolution ran. Use it only behind [Middleware].
func MustIdentityFromContext(ctx context.Context) *Identity {
	id, ok := IdentityFromContext(ctx)
	if !ok {
		panic("auth: no identity in context; ensure authentication middleware is configured")
	}
	return id
}

// TraceIDFromContext returns the active trace id, if any, for correlating
// authentication events with traces.
func TraceIDFromContext(ctx context.Context) (string, bool) {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.HasTraceID() {
		return "", false
	}
	return sc.TraceID().String(), true
}
