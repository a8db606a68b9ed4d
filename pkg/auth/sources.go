package auth

import (
	"context"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
	"github.com/StricklySoft/stricklysoft-identity/pkg/users"
)

// TokenSource authenticates a provider access token taken from the
// session cookie or the bearer header.
type TokenSource struct {
	method   Method
	token    func(Credentials) string
	verifier *TokenVerifier
	users    UserResolver
}

// NewCookieSource returns the source reading the session cookie.
func NewCookieSource(verifier *TokenVerifier, resolver UserResolver) *TokenSource {
	return &TokenSource{
		method:   MethodCookie,
		token:    func(c Credentials) string { return c.Cookie },
		verifier: verifier,
		users:    resolver,
	}
}

// NewBearerSource returns the source reading the Authorization header.
func NewBearerSource(verifier *TokenVerifier, resolver UserResolver) *TokenSource {
	return &TokenSource{
		method:   MethodBearer,
		token:    func(c Credentials) string { return c.Bearer },
		verifier: verifier,
		users:    resolver,
	}
}

// Method returns the method the source was built for.
func (s *TokenSource) Method() Method { return s.method }

// Attempt verifies the token and reconciles its identity. Any
// verification failure, including an unreachable provider, is a skip.
func (s *TokenSource) Attempt(ctx context.Context, creds Credentials) SourceResult {
	token := s.token(creds)
	if token == "" {
		return skip(nil)
	}
	claims, err := s.verifier.Verify(ctx, token)
	if err != nil {
		return skip(err)
	}
	ident := s.verifier.Adapter().ExtractIdentity(claims.Raw)
	u, err := s.users.Resolve(ctx, ident.Profile())
	return reconcileResult(u, err, &Identity{Method: s.method, Claims: claims})
}

// LegacyJWTSource authenticates locally issued HMAC tokens from the bearer
// header. The subject is a user id; the user must already exist.
type LegacyJWTSource struct {
	secret []byte
	parser *jwt.Parser
	users  UserResolver
}

// NewLegacyJWTSource returns the source, or nil when cfg has no secret.
func NewLegacyJWTSource(cfg LegacyConfig, resolver UserResolver) *LegacyJWTSource {
	if cfg.JWTSecret == "" {
		return nil
	}
	return &LegacyJWTSource{
		secret: []byte(cfg.JWTSecret.Value()),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{cfg.JWTAlgorithm}),
			jwt.WithExpirationRequired(),
		),
		users: resolver,
	}
}

// Method returns [MethodLegacyJWT].
func (s *LegacyJWTSource) Method() Method { return MethodLegacyJWT }

// Attempt verifies an HMAC token signed with the legacy secret and loads
// the user named by its subject.
func (s *LegacyJWTSource) Attempt(ctx context.Context, creds Credentials) SourceResult {
	if creds.Bearer == "" || len(creds.Bearer) > maxTokenSize {
		return skip(nil)
	}
	var rc jwt.RegisteredClaims
	if _, err := s.parser.ParseWithClaims(creds.Bearer, &rc, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}); err != nil {
		return skip(classifyParseError(err))
	}
	id, err := uuid.Parse(rc.Subject)
	if err != nil {
		return skip(sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "auth: legacy token subject is not a user id"))
	}
	u, err := s.users.Get(ctx, id)
	if err != nil {
		if sserr.IsNotFound(err) {
			return skip(err)
		}
		return abort(err)
	}
	return authenticated(&Identity{User: u, Method: MethodLegacyJWT})
}

// ProxyHeaderSource trusts identity headers set by a forward-auth proxy.
// The headers are reconciled like a verified token without a subject, so
// users are matched by email.
type ProxyHeaderSource struct {
	cfg    LegacyConfig
	policy GroupPolicy
	users  UserResolver
}

// NewProxyHeaderSource returns the source, or nil when proxy headers are
// disabled.
func NewProxyHeaderSource(cfg LegacyConfig, policy GroupPolicy, resolver UserResolver) *ProxyHeaderSource {
	if !cfg.ProxyHeadersEnabled {
		return nil
	}
	return &ProxyHeaderSource{cfg: cfg, policy: policy, users: resolver}
}

// Method returns [MethodProxyHeaders].
func (s *ProxyHeaderSource) Method() Method { return MethodProxyHeaders }

// Attempt reconciles the identity in the proxy headers. Requests without
// headers or without an email header are skipped.
func (s *ProxyHeaderSource) Attempt(ctx context.Context, creds Credentials) SourceResult {
	if creds.Headers == nil {
		return skip(nil)
	}
	email := strings.TrimSpace(creds.Headers.Get(s.cfg.EmailHeader))
	if email == "" {
		return skip(nil)
	}
	groups := normalizeGroups(strings.Split(creds.Headers.Get(s.cfg.GroupsHeader), ","))
	first, last := splitName(creds.Headers.Get(s.cfg.NameHeader))

	p := users.Profile{
		Email:     email,
		FirstName: first,
		LastName:  last,
		Username:  strings.TrimSpace(creds.Headers.Get(s.cfg.UsernameHeader)),
		Role:      s.policy.RoleFor(groups),
	}
	u, err := s.users.Resolve(ctx, p)
	return reconcileResult(u, err, &Identity{Method: MethodProxyHeaders})
}

// DefaultSources returns the chain in priority order: cookie, bearer,
// legacy JWT (when a secret is set), proxy headers (when enabled).
func DefaultSources(cfg *Config, verifier *TokenVerifier, resolver UserResolver) []CredentialSource {
	sources := []CredentialSource{
		NewCookieSource(verifier, resolver),
		NewBearerSource(verifier, resolver),
	}
	if s := NewLegacyJWTSource(cfg.Legacy, resolver); s != nil {
		sources = append(sources, s)
	}
	if s := NewProxyHeaderSource(cfg.Legacy, NewGroupPolicy(cfg.AdminGroups, cfg.ModeratorGroups), resolver); s != nil {
		sources = append(sources, s)
	}
	return sources
}
