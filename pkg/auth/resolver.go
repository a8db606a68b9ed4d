package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
	"github.com/StricklySoft/stricklysoft-identity/pkg/users"
)

// Method names the credential source that authenticated a request.
type Method string

const (
	MethodCookie       Method = "cookie"
	MethodBearer       Method = "bearer"
	MethodLegacyJWT    Method = "legacy_jwt"
	MethodProxyHeaders Method = "proxy_headers"
	MethodAnonymous    Method = "anonymous"
)

// Credentials are the candidate credentials read from one request.
type Credentials struct {
	// Cookie is the session cookie value.
	Cookie string

	// Bearer is the token from "Authorization: Bearer <token>".
	Bearer string

	// Headers holds the request headers, read by the proxy-header source.
	Headers http.Header
}

// CredentialsFromRequest reads the session cookie named cookieName, the
// bearer token and the headers of r.
func CredentialsFromRequest(r *http.Request, cookieName string) Credentials {
	c := Credentials{Headers: r.Header}
	if ck, err := r.Cookie(cookieName); err == nil {
		c.Cookie = ck.Value
	}
	c.Bearer = bearerToken(r.Header.Get("Authorization"))
	return c
}

// bearerToken returns the token of a "Bearer" authorization value. The
// scheme is case-insensitive.
func bearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// Identity is the outcome of resolving a request. An anonymous identity
// has a nil User and [MethodAnonymous].
type Identity struct {
	User   *users.User
	Method Method

	// Claims are set when a provider token authenticated the request.
	Claims *VerifiedClaims
}

// Anonymous reports whether no credential produced a user.
func (i *Identity) Anonymous() bool {
	return i == nil || i.User == nil
}

// SourceStatus is the result kind of one credential source attempt.
type SourceStatus int

const (
	// SourceSkip means the source had no usable credential, or its
	// credential failed verification. The chain moves on.
	SourceSkip SourceStatus = iota

	// SourceAuthenticated means the source produced a user. The chain
	// stops.
	SourceAuthenticated

	// SourceAbort means the request cannot be resolved at all, for
	// example because the user store failed. The chain stops with an
	// error.
	SourceAbort
)

// SourceResult is what a [CredentialSource] returns.
type SourceResult struct {
	Status   SourceStatus
	Identity *Identity

	// Err is the reason for a skip (logged only) or an abort (returned).
	Err error
}

func skip(err error) SourceResult { return SourceResult{Status: SourceSkip, Err: err} }
func abort(err error) SourceResult { return SourceResult{Status: SourceAbort, Err: err} }

func authenticated(id *Identity) SourceResult {
	return SourceResult{Status: SourceAuthenticated, Identity: id}
}

// CredentialSource is one link of the authentication chain.
type CredentialSource interface {
	Method() Method
	Attempt(ctx context.Context, creds Credentials) SourceResult
}

// Authenticator resolves requests to users by trying its credential
// sources in order until one authenticates or aborts. Exhausting the chain
// is not an error: the result is an anonymous identity, and callers decide
// whether anonymous access is allowed.
type Authenticator struct {
	sources []CredentialSource
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewAuthenticator returns an Authenticator trying sources in order.
func NewAuthenticator(logger *slog.Logger, sources ...CredentialSource) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		sources: sources,
		logger:  logger,
		tracer:  otel.Tracer(tracerName),
	}
}

// Methods returns the methods of the configured sources, in order.
func (a *Authenticator) Methods() []Method {
	out := make([]Method, len(a.sources))
	for i, s := range a.sources {
		out[i] = s.Method()
	}
	return out
}

// Resolve returns the identity for creds. It fails only when a source
// aborts.
func (a *Authenticator) Resolve(ctx context.Context, creds Credentials) (_ *Identity, err error) {
	ctx, span := startSpan(ctx, a.tracer, "auth.Resolve")
	defer func() {
		finishSpan(span, err)
		span.End()
	}()

	for _, src := range a.sources {
		res := src.Attempt(ctx, creds)
		switch res.Status {
		case SourceAuthenticated:
			ResolutionsTotal.WithLabelValues(string(src.Method()), outcomeAuthenticated).Inc()
			span.SetAttributes(
				attribute.String("auth.method", string(src.Method())),
				attribute.String("auth.user_id", res.Identity.User.ID.String()),
			)
			return res.Identity, nil
		case SourceAbort:
			ResolutionsTotal.WithLabelValues(string(src.Method()), outcomeAborted).Inc()
			a.logger.WarnContext(ctx, "auth: credential source aborted resolution",
				"method", src.Method(), "error", res.Err)
			return nil, res.Err
		default:
			if res.Err != nil {
				a.logger.DebugContext(ctx, "auth: credential rejected, trying next source",
					"method", src.Method(), "code", sserr.GetCode(res.Err), "error", res.Err)
			}
		}
	}

	ResolutionsTotal.WithLabelValues(string(MethodAnonymous), outcomeAnonymous).Inc()
	span.SetAttributes(attribute.String("auth.method", string(MethodAnonymous)))
	return &Identity{Method: MethodAnonymous}, nil
}

// RequireAuthenticated resolves creds and fails unless a user results.
func (a *Authenticator) RequireAuthenticated(ctx context.Context, creds Credentials) (*Identity, error) {
	id, err := a.Resolve(ctx, creds)
	if err != nil {
		return nil, err
	}
	if err := CheckAuthenticated(id); err != nil {
		return nil, err
	}
	return id, nil
}

// RequireRole resolves creds and fails unless an active user with at least
// role results.
func (a *Authenticator) RequireRole(ctx context.Context, creds Credentials, role users.Role) (*Identity, error) {
	id, err := a.RequireAuthenticated(ctx, creds)
	if err != nil {
		return nil, err
	}
	if err := CheckRole(id, role); err != nil {
		return nil, err
	}
	return id, nil
}

// CheckAuthenticated returns [sserr.CodeAuthentication] for an anonymous
// identity and [sserr.CodeAuthorizationDenied] for an inactive user.
func CheckAuthenticated(id *Identity) error {
	if id.Anonymous() {
		return sserr.Unauthenticated("Authentication required")
	}
	if !id.User.IsActive {
		return sserr.New(sserr.CodeAuthorizationDenied, "user account is inactive")
	}
	return nil
}

// CheckRole returns [sserr.CodeAuthorization] unless id's role is at least
// role. id must already be authenticated.
func CheckRole(id *Identity, role users.Role) error {
	if err := CheckAuthenticated(id); err != nil {
		return err
	}
	if !id.User.Role.AtLeast(role) {
		return sserr.Forbidden(roleTitle(role)+" access required").
			WithDetail("required_role", role.String())
	}
	return nil
}

func roleTitle(r users.Role) string {
	s := r.String()
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// UserResolver is the part of [users.Reconciler] the credential sources
// need.
type UserResolver interface {
	Resolve(ctx context.Context, p users.Profile) (*users.User, error)
	Get(ctx context.Context, id uuid.UUID) (*users.User, error)
}

var _ UserResolver = (*users.Reconciler)(nil)

// reconcileResult turns a reconciler outcome into a source result. A
// profile the store rejects as invalid, such as one without an email,
// only skips; conflicts and store failures abort.
func reconcileResult(u *users.User, err error, id *Identity) SourceResult {
	if err != nil {
		if sserr.IsValidation(err) {
			return skip(err)
		}
		return abort(err)
	}
	id.User = u
	return authenticated(id)
}
