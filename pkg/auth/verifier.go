package auth

import (
	"context"
	"errors"
	"maps"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
)

// maxTokenSize is the largest accepted token (8 KB).
const maxTokenSize = 8192

// tokenUseAccess is the only token_use value accepted for API calls.
const tokenUseAccess = "access"

// asymmetricAlgs lists the signing algorithms accepted for provider
// tokens. HMAC algorithms are excluded so a provider's public key can
// never be used as a shared secret.
var asymmetricAlgs = []string{
	"RS256", "RS384", "RS512",
	"PS256", "PS384", "PS512",
	"ES256", "ES384", "ES512",
	"EdDSA",
}

// KeySource resolves a signing key by id. [*KeyCache] implements it.
type KeySource interface {
	GetKey(ctx context.Context, kid string) (SigningKey, error)
}

// TokenVerifier validates provider-issued access tokens.
//
// Checks run in a fixed order and stop at the first failure:
//
//  1. header decodes and names an asymmetric algorithm and a key id
//  2. the key exists and the signature verifies with it
//  3. iss equals the configured issuer exactly
//  4. aud contains the configured audience or the client id
//  5. exp is in the future (no leeway)
//  6. token_use, if present, is "access"
//
// Each failure has its own code so logs and metrics can tell them apart;
// callers that face clients should report all of them alike.
type TokenVerifier struct {
	cfg     *Config
	keys    KeySource
	adapter ProviderAdapter
	tracer  trace.Tracer
	now     func() time.Time
}

// VerifierOption configures a [TokenVerifier].
type VerifierOption func(*TokenVerifier)

// WithVerifierClock overrides the time used for expiry checks.
func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *TokenVerifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewTokenVerifier returns a verifier for cfg's issuer.
func NewTokenVerifier(cfg *Config, keys KeySource, adapter ProviderAdapter, opts ...VerifierOption) *TokenVerifier {
	v := &TokenVerifier{
		cfg:     cfg,
		keys:    keys,
		adapter: adapter,
		tracer:  otel.Tracer(tracerName),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Adapter returns the provider adapter used to read claims.
func (v *TokenVerifier) Adapter() ProviderAdapter { return v.adapter }

// Verify validates token and returns its claims.
func (v *TokenVerifier) Verify(ctx context.Context, token string) (_ *VerifiedClaims, err error) {
	ctx, span := startSpan(ctx, v.tracer, "auth.Verify")
	defer func() {
		if err != nil && sserr.IsVerificationFailure(err) {
			VerificationFailuresTotal.WithLabelValues(errorReason(err)).Inc()
		}
		finishSpan(span, err)
		span.End()
	}()

	if token == "" {
		return nil, sserr.New(sserr.CodeAuthenticationInvalid, "auth: token must not be empty")
	}
	if len(token) > maxTokenSize {
		return nil, sserr.New(sserr.CodeAuthenticationInvalid, "auth: token exceeds maximum size")
	}

	unverified, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "auth: token is malformed")
	}
	alg, _ := unverified.Header["alg"].(string)
	kid, _ := unverified.Header["kid"].(string)
	span.SetAttributes(attribute.String("auth.alg", alg), attribute.String("auth.kid", kid))

	if !slices.Contains(asymmetricAlgs, alg) {
		return nil, sserr.Newf(sserr.CodeAuthenticationSignature, "auth: algorithm %q is not permitted", alg)
	}
	if kid == "" {
		return nil, sserr.New(sserr.CodeAuthenticationInvalid, "auth: token header missing kid")
	}

	key, err := v.keys.GetKey(ctx, kid)
	if err != nil {
		return nil, err
	}
	if key.Algorithm != "" && key.Algorithm != alg {
		return nil, sserr.Newf(sserr.CodeAuthenticationSignature,
			"auth: token algorithm %q does not match key algorithm %q", alg, key.Algorithm)
	}

	parser := jwt.NewParser(jwt.WithValidMethods([]string{alg}), jwt.WithoutClaimsValidation())
	parsed, err := parser.Parse(token, func(*jwt.Token) (any, error) { return key.Key, nil })
	if err != nil {
		return nil, classifyParseError(err)
	}
	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, sserr.New(sserr.CodeAuthenticationInvalid, "auth: unable to read token claims")
	}

	if err := v.checkClaims(mc); err != nil {
		return nil, err
	}

	raw := maps.Clone(map[string]any(mc))
	claims := &VerifiedClaims{
		Subject:   stringClaim(raw, "sub"),
		Email:     stringClaim(raw, "email"),
		Name:      stringClaim(raw, "name"),
		IssuedAt:  timeClaim(raw, "iat"),
		ExpiresAt: timeClaim(raw, "exp"),
		Groups:    v.adapter.ExtractGroups(raw),
		TokenUse:  stringClaim(raw, "token_use"),
		Raw:       raw,
	}
	span.SetAttributes(attribute.String("auth.subject", claims.Subject))
	return claims, nil
}

func (v *TokenVerifier) checkClaims(mc jwt.MapClaims) error {
	if iss, _ := mc["iss"].(string); iss != v.cfg.IssuerURL {
		return sserr.New(sserr.CodeAuthenticationIssuer, "auth: token issuer does not match").
			WithDetail("issuer", iss)
	}

	aud, err := mc.GetAudience()
	if err != nil {
		return sserr.Wrap(err, sserr.CodeAuthenticationAudience, "auth: token audience is malformed")
	}
	if len(aud) == 0 {
		// Cognito access tokens carry client_id instead of aud.
		if cid, _ := mc["client_id"].(string); cid != "" {
			aud = jwt.ClaimStrings{cid}
		}
	}
	if !audienceAccepted(aud, v.cfg.Audiences()) {
		return sserr.New(sserr.CodeAuthenticationAudience, "auth: token audience is not accepted")
	}

	exp, err := mc.GetExpirationTime()
	if err != nil {
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "auth: token exp claim is malformed")
	}
	if exp == nil {
		return sserr.New(sserr.CodeAuthenticationInvalid, "auth: token has no exp claim")
	}
	if !v.now().Before(exp.Time) {
		return sserr.New(sserr.CodeAuthenticationExpired, "auth: token has expired")
	}

	if use, present := mc["token_use"]; present {
		if s, _ := use.(string); s != tokenUseAccess {
			return sserr.New(sserr.CodeAuthenticationTokenUse, "auth: token is not an access token").
				WithDetail("token_use", use)
		}
	}
	return nil
}

// audienceAccepted tries each accepted value in order against the token's
// audiences; the first match wins.
func audienceAccepted(aud jwt.ClaimStrings, accepted []string) bool {
	for _, want := range accepted {
		if slices.Contains(aud, want) {
			return true
		}
	}
	return false
}

// classifyParseError maps golang-jwt parse failures onto error codes.
func classifyParseError(err error) *sserr.Error {
	if e, ok := sserr.AsError(err); ok {
		return e
	}
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "auth: token is malformed")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrSignatureInvalid),
		errors.Is(err, jwt.ErrInvalidKeyType), errors.Is(err, jwt.ErrTokenUnverifiable):
		return sserr.Wrap(err, sserr.CodeAuthenticationSignature, "auth: token signature is invalid")
	case errors.Is(err, jwt.ErrTokenExpired):
		return sserr.Wrap(err, sserr.CodeAuthenticationExpired, "auth: token has expired")
	default:
		return sserr.Wrap(err, sserr.CodeAuthenticationSignature, "auth: token could not be verified")
	}
}

// startSpan creates a span named name.
func startSpan(ctx context.Context, tracer trace.Tracer, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name)
}

// finishSpan records err on span and marks it failed. A nil err is a no-op.
func finishSpan(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
