package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
)

// DefaultTokenLifetime is used when the provider omits expires_in.
const DefaultTokenLifetime = 3600 * time.Second

// maxErrorBody caps the provider response body kept on an exchange error.
const maxErrorBody = 1024

// TokenResponse is the outcome of a successful code exchange.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	TokenType    string `json:"token_type"`

	// ExpiresIn is the access token lifetime in seconds.
	ExpiresIn int `json:"expires_in"`

	// Claims are the verified claims of AccessToken.
	Claims *VerifiedClaims `json:"-"`
}

// Lifetime returns ExpiresIn as a duration.
func (t *TokenResponse) Lifetime() time.Duration {
	return time.Duration(t.ExpiresIn) * time.Second
}

// CodeExchanger completes the authorization-code flow with PKCE. It does
// not build authorization URLs; the frontend does that from
// [Handler]'s /auth/config.
type CodeExchanger struct {
	cfg       *Config
	discovery *Discovery
	verifier  *TokenVerifier
	client    *http.Client
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewCodeExchanger returns an exchanger posting to the discovered token
// endpoint through client.
func NewCodeExchanger(cfg *Config, discovery *Discovery, verifier *TokenVerifier, client *http.Client, logger *slog.Logger) *CodeExchanger {
	if client == nil {
		client = &http.Client{Timeout: cfg.HTTPTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CodeExchanger{
		cfg:       cfg,
		discovery: discovery,
		verifier:  verifier,
		client:    client,
		logger:    logger,
		tracer:    otel.Tracer(tracerName),
	}
}

// Exchange trades code and the PKCE verifier for tokens, then verifies the
// returned access token.
//
// A non-success response from the provider, a response without an access
// token, and an access token that fails verification all yield
// [sserr.CodeAuthenticationExchange]. For a rejected request the error
// details carry the provider's status and response body. The state value
// is checked by the client that started the flow and is not sent to the
// provider.
func (e *CodeExchanger) Exchange(ctx context.Context, code, state, codeVerifier string) (_ *TokenResponse, err error) {
	ctx, span := startSpan(ctx, e.tracer, "auth.Exchange")
	defer func() {
		result := resultSuccess
		if err != nil {
			result = resultError
		}
		CodeExchangesTotal.WithLabelValues(result).Inc()
		finishSpan(span, err)
		span.End()
	}()
	span.SetAttributes(attribute.Bool("auth.state_present", state != ""))

	if code == "" {
		return nil, sserr.New(sserr.CodeValidationRequired, "auth: authorization code is required")
	}
	if codeVerifier == "" {
		return nil, sserr.New(sserr.CodeValidationRequired, "auth: PKCE code verifier is required")
	}

	endpoint := e.discovery.Metadata(ctx).TokenEndpoint
	span.SetAttributes(attribute.String("auth.token_endpoint", endpoint))

	oc := &oauth2.Config{
		ClientID:     e.cfg.ClientID,
		ClientSecret: e.cfg.ClientSecret.Value(),
		RedirectURL:  e.cfg.RedirectURI(),
		Scopes:       e.cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			TokenURL:  endpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	reqCtx, cancel := context.WithTimeout(context.WithValue(ctx, oauth2.HTTPClient, e.client), e.cfg.HTTPTimeout)
	defer cancel()

	tok, err := oc.Exchange(reqCtx, code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		return nil, exchangeError(err, endpoint)
	}

	claims, err := e.verifier.Verify(ctx, tok.AccessToken)
	if err != nil {
		if sserr.IsRetryable(err) {
			return nil, err
		}
		e.logger.WarnContext(ctx, "auth: provider returned an access token that failed verification",
			"code", sserr.GetCode(err), "error", err)
		return nil, sserr.Wrap(err, sserr.CodeAuthenticationExchange,
			"auth: provider returned an unverifiable access token")
	}

	out := &TokenResponse{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresIn:    expiresIn(tok),
		Claims:       claims,
	}
	if id, ok := tok.Extra("id_token").(string); ok {
		out.IDToken = id
	}
	span.SetAttributes(attribute.Int("auth.expires_in", out.ExpiresIn))
	return out, nil
}

// exchangeError maps an oauth2 failure. Provider rejections keep their
// status and a bounded copy of the body; transport failures keep their
// timeout or unavailable classification.
func exchangeError(err error, endpoint string) *sserr.Error {
	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) {
		status := 0
		if rErr.Response != nil {
			status = rErr.Response.StatusCode
		}
		body := rErr.Body
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return sserr.Newf(sserr.CodeAuthenticationExchange, "auth: provider rejected the code exchange (status %d)", status).
			WithDetails(map[string]any{"status": status, "body": string(body)})
	}
	var uErr *url.Error
	if errors.As(err, &uErr) || errors.Is(err, context.DeadlineExceeded) {
		return transportError(err, endpoint)
	}
	return sserr.Wrap(err, sserr.CodeAuthenticationExchange, "auth: code exchange failed")
}

// expiresIn reads expires_in from the raw token response, falling back to
// the computed expiry and then to [DefaultTokenLifetime].
func expiresIn(tok *oauth2.Token) int {
	switch v := tok.Extra("expires_in").(type) {
	case float64:
		if v > 0 {
			return int(v)
		}
	case json.Number:
		if n, err := v.Int64(); err == nil && n > 0 {
			return int(n)
		}
	case string:
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	if tok.ExpiresIn > 0 {
		return int(tok.ExpiresIn)
	}
	if !tok.Expiry.IsZero() {
		if s := int(math.Round(time.Until(tok.Expiry).Seconds())); s > 0 {
			return s
		}
	}
	return int(DefaultTokenLifetime / time.Second)
}
