package auth

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
	"github.com/StricklySoft/stricklysoft-identity/pkg/users"
)

// metadataAuthorization is the gRPC metadata key carrying the bearer token.
const metadataAuthorization = "authorization"

type interceptorOptions struct {
	authenticated bool
	role          users.Role
}

// InterceptorOption configures the gRPC server interceptors.
type InterceptorOption func(*interceptorOptions)

// RequireAuthentication rejects anonymous calls with Unauthenticated.
func RequireAuthentication() InterceptorOption {
	return func(o *interceptorOptions) { o.authenticated = true }
}

// RequireMinimumRole rejects calls from users ranking below role with
// PermissionDenied. It implies [RequireAuthentication].
func RequireMinimumRole(role users.Role) InterceptorOption {
	return func(o *interceptorOptions) {
		o.authenticated = true
		o.role = role
	}
}

// UnaryServerInterceptor returns a gRPC unary server interceptor that
// resolves the caller from incoming metadata and stores the [Identity] in
// the handler's context.
//
// Incoming metadata is read like HTTP headers: "authorization" carries a
// provider or legacy bearer token, and proxy identity headers are honored
// when enabled. Without options anonymous calls reach the handler.
func UnaryServerInterceptor(a *Authenticator, opts ...InterceptorOption) grpc.UnaryServerInterceptor {
	o := newInterceptorOptions(opts)
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		ctx, err := identityFromGRPC(ctx, a, o)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamServerInterceptor is the streaming counterpart of
// [UnaryServerInterceptor].
func StreamServerInterceptor(a *Authenticator, opts ...InterceptorOption) grpc.StreamServerInterceptor {
	o := newInterceptorOptions(opts)
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		ctx, err := identityFromGRPC(ss.Context(), a, o)
		if err != nil {
			return err
		}
		return handler(srv, &wrappedServerStream{ServerStream: ss, ctx: ctx})
	}
}

func newInterceptorOptions(opts []InterceptorOption) interceptorOptions {
	var o interceptorOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func identityFromGRPC(ctx context.Context, a *Authenticator, o interceptorOptions) (context.Context, error) {
	id, err := a.Resolve(ctx, CredentialsFromMetadata(ctx))
	if err != nil {
		return ctx, grpcError(err)
	}
	if o.role != "" {
		err = CheckRole(id, o.role)
	} else if o.authenticated {
		err = CheckAuthenticated(id)
	}
	if err != nil {
		return ctx, grpcError(err)
	}
	return ContextWithIdentity(ctx, id), nil
}

// CredentialsFromMetadata reads the bearer token from incoming gRPC
// metadata. Headers stays nil, so proxy identity headers are never taken
// from client-supplied metadata. Session cookies are not read.
func CredentialsFromMetadata(ctx context.Context) Credentials {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return Credentials{}
	}
	var c Credentials
	if vs := md.Get(metadataAuthorization); len(vs) > 0 {
		c.Bearer = bearerToken(vs[0])
	}
	return c
}

// grpcError maps an error to a gRPC status with the public message.
func grpcError(err error) error {
	e := sserr.FromError(err)
	var code codes.Code
	switch {
	case sserr.IsAuthentication(e):
		code = codes.Unauthenticated
	case sserr.IsAuthorization(e):
		code = codes.PermissionDenied
	case sserr.IsValidation(e):
		code = codes.InvalidArgument
	case sserr.IsNotFound(e):
		code = codes.NotFound
	case sserr.IsConflict(e):
		code = codes.AlreadyExists
	case sserr.IsUnavailable(e):
		code = codes.Unavailable
	case sserr.IsTimeout(e):
		code = codes.DeadlineExceeded
	default:
		code = codes.Internal
	}
	return status.Error(code, e.PublicMessage())
}

// wrappedServerStream overrides Context so stream handlers see the
// resolved identity.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}
