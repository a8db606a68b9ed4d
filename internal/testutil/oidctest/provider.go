// Package oidctest runs an in-process OpenID Connect provider for tests.
//
// The provider serves a discovery document, a JWKS, a token endpoint that
// honors PKCE and an end-session URL, all under an Authentik-style issuer
// path. Tests mint tokens with [Provider.AccessToken], rotate keys, count
// requests per endpoint and switch endpoints off to simulate outages.
package oidctest

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/stricklysoft-identity/internal/testutil/fixtures"
)

// DefaultIssuerPath is the issuer path used unless [WithIssuerPath] is set.
const DefaultIssuerPath = "/application/o/identity/"

// DefaultKeyID is the id of the key a new provider signs with.
const DefaultKeyID = "key-1"

type signingKey struct {
	kid    string
	alg    string
	signer crypto.Signer
}

// Grant is what the token endpoint hands out for one authorization code.
type Grant struct {
	// CodeVerifier is the PKCE verifier the code was issued for.
	CodeVerifier string

	// Claims override the default access token claims.
	Claims map[string]any

	// ExpiresIn is the reported lifetime in seconds. Zero reports 3600.
	ExpiresIn int
}

// Provider is a fake OpenID Connect provider backed by an
// [httptest.Server]. It is safe for concurrent use.
type Provider struct {
	t          testing.TB
	server     *httptest.Server
	issuerPath string

	mu      sync.Mutex
	keys    []signingKey
	grants  map[string]Grant
	lastReq url.Values
	tokenFn http.HandlerFunc

	discoveryDown atomic.Bool
	jwksDown      atomic.Bool
	omitJWKSURI   atomic.Bool
	jwksDelay     atomic.Int64

	discoveryHits atomic.Int64
	jwksHits      atomic.Int64
	tokenHits     atomic.Int64
}

// Option configures a [Provider].
type Option func(*Provider)

// WithIssuerPath sets the issuer path. It must start and end with "/".
func WithIssuerPath(p string) Option {
	return func(pr *Provider) { pr.issuerPath = p }
}

// New starts a provider signing with a fresh RSA key. The server is closed
// when the test ends.
func New(t testing.TB, opts ...Option) *Provider {
	t.Helper()
	p := &Provider{
		t:          t,
		issuerPath: DefaultIssuerPath,
		grants:     make(map[string]Grant),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.AddRSAKey(DefaultKeyID)

	r := chi.NewRouter()
	base := strings.TrimRight(p.issuerPath, "/")
	r.Get(base+"/.well-known/openid-configuration", p.serveDiscovery)
	r.Get(base+"/jwks/", p.serveJWKS)
	r.Post(base+"/token", p.serveToken)
	r.Get(base+"/end-session/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	p.server = httptest.NewServer(r)
	t.Cleanup(p.server.Close)
	return p
}

// URL is the server's base URL.
func (p *Provider) URL() string { return p.server.URL }

// Issuer is the issuer identifier, with its trailing slash.
func (p *Provider) Issuer() string { return p.server.URL + p.issuerPath }

// JWKSURL is where the key set is served.
func (p *Provider) JWKSURL() string { return p.base() + "/jwks/" }

// TokenURL is the token endpoint.
func (p *Provider) TokenURL() string { return p.base() + "/token" }

// EndSessionURL is the advertised end_session_endpoint.
func (p *Provider) EndSessionURL() string { return p.base() + "/end-session/" }

// Client returns an HTTP client for the server.
func (p *Provider) Client() *http.Client { return p.server.Client() }

func (p *Provider) base() string { return strings.TrimRight(p.Issuer(), "/") }

// AddRSAKey publishes a new RS256 key and makes it the signing key.
func (p *Provider) AddRSAKey(kid string) {
	p.t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(p.t, err, "failed to generate RSA key")
	p.AddKey(kid, "RS256", priv)
}

// AddKey publishes signer's public key under kid and makes it the signing
// key. alg must match the key type.
func (p *Provider) AddKey(kid, alg string, signer crypto.Signer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append([]signingKey{{kid: kid, alg: alg, signer: signer}}, p.keys...)
}

// RemoveKey stops publishing kid. Tokens signed with it can still be
// minted through [Provider.SignWith].
func (p *Provider) RemoveKey(kid string) crypto.Signer {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, k := range p.keys {
		if k.kid == kid {
			p.keys = append(p.keys[:i], p.keys[i+1:]...)
			return k.signer
		}
	}
	return nil
}

// SetDiscoveryDown makes the discovery endpoint answer 503.
func (p *Provider) SetDiscoveryDown(down bool) { p.discoveryDown.Store(down) }

// SetJWKSDown makes the JWKS endpoint answer 503.
func (p *Provider) SetJWKSDown(down bool) { p.jwksDown.Store(down) }

// SetOmitJWKSURI drops jwks_uri from the discovery document.
func (p *Provider) SetOmitJWKSURI(omit bool) { p.omitJWKSURI.Store(omit) }

// SetJWKSDelay delays every JWKS response by d.
func (p *Provider) SetJWKSDelay(d time.Duration) { p.jwksDelay.Store(int64(d)) }

// SetTokenHandler replaces the token endpoint. A nil handler restores the
// default one.
func (p *Provider) SetTokenHandler(h http.HandlerFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenFn = h
}

// DiscoveryHits is the number of discovery requests served.
func (p *Provider) DiscoveryHits() int64 { return p.discoveryHits.Load() }

// JWKSHits is the number of key set requests served.
func (p *Provider) JWKSHits() int64 { return p.jwksHits.Load() }

// TokenHits is the number of token endpoint requests served.
func (p *Provider) TokenHits() int64 { return p.tokenHits.Load() }

// LastTokenRequest returns the form of the latest token request.
func (p *Provider) LastTokenRequest() url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastReq
}

// IssueCode registers an authorization code the token endpoint accepts
// once.
func (p *Provider) IssueCode(code string, g Grant) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.grants[code] = g
}

// DefaultClaims returns the claims of a valid access token for the fixture
// administrator, expiring in an hour.
func (p *Provider) DefaultClaims() map[string]any {
	now := time.Now()
	return map[string]any{
		"iss":            p.Issuer(),
		"sub":            fixtures.Subject,
		"aud":            fixtures.ClientID,
		"iat":            now.Unix(),
		"exp":            now.Add(time.Hour).Unix(),
		"email":          fixtures.Email,
		"email_verified": true,
		"name":           fixtures.Name,
		"groups":         []string{fixtures.AdminGroup},
	}
}

// AccessToken mints a token from [Provider.DefaultClaims] merged with
// overrides. An override with a nil value removes the claim.
func (p *Provider) AccessToken(overrides map[string]any) string {
	p.t.Helper()
	s, err := p.mint(overrides)
	require.NoError(p.t, err, "failed to sign token")
	return s
}

func (p *Provider) mint(overrides map[string]any) (string, error) {
	p.mu.Lock()
	k := p.keys[0]
	p.mu.Unlock()
	return sign(k, merge(p.DefaultClaims(), overrides))
}

// SignWith mints a token with explicit claims using signer under kid,
// whether or not the key is published.
func (p *Provider) SignWith(kid, alg string, signer crypto.Signer, claims map[string]any) string {
	p.t.Helper()
	s, err := sign(signingKey{kid: kid, alg: alg, signer: signer}, claims)
	require.NoError(p.t, err, "failed to sign token")
	return s
}

// CurrentKey returns the signing key's id and private key.
func (p *Provider) CurrentKey() (string, crypto.Signer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.keys[0].kid, p.keys[0].signer
}

func sign(k signingKey, claims map[string]any) (string, error) {
	tok := jwt.NewWithClaims(jwt.GetSigningMethod(k.alg), jwt.MapClaims(claims))
	if k.kid != "" {
		tok.Header["kid"] = k.kid
	}
	return tok.SignedString(k.signer)
}

func merge(base, overrides map[string]any) map[string]any {
	out := maps.Clone(base)
	for k, v := range overrides {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

func (p *Provider) serveDiscovery(w http.ResponseWriter, _ *http.Request) {
	p.discoveryHits.Add(1)
	if p.discoveryDown.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	doc := map[string]any{
		"issuer":                 p.Issuer(),
		"authorization_endpoint": p.base() + "/authorize/",
		"token_endpoint":         p.TokenURL(),
		"end_session_endpoint":   p.EndSessionURL(),
	}
	if !p.omitJWKSURI.Load() {
		doc["jwks_uri"] = p.JWKSURL()
	}
	writeJSON(w, http.StatusOK, doc)
}

func (p *Provider) serveJWKS(w http.ResponseWriter, r *http.Request) {
	p.jwksHits.Add(1)
	if d := time.Duration(p.jwksDelay.Load()); d > 0 {
		select {
		case <-time.After(d):
		case <-r.Context().Done():
			return
		}
	}
	if p.jwksDown.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	p.mu.Lock()
	keys := append([]signingKey(nil), p.keys...)
	p.mu.Unlock()

	set, err := publicSet(keys)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, set)
}

func publicSet(keys []signingKey) (jwk.Set, error) {
	set := jwk.NewSet()
	for _, k := range keys {
		key, err := jwk.Import(k.signer.Public())
		if err != nil {
			return nil, err
		}
		if err := key.Set(jwk.KeyIDKey, k.kid); err != nil {
			return nil, err
		}
		if err := key.Set(jwk.AlgorithmKey, k.alg); err != nil {
			return nil, err
		}
		if err := key.Set(jwk.KeyUsageKey, "sig"); err != nil {
			return nil, err
		}
		if err := set.AddKey(key); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// serveToken implements the authorization_code grant. The code_verifier
// is compared verbatim with the one the code was issued for.
func (p *Provider) serveToken(w http.ResponseWriter, r *http.Request) {
	p.tokenHits.Add(1)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	p.lastReq = r.PostForm
	custom := p.tokenFn
	grant, ok := p.grants[r.PostForm.Get("code")]
	delete(p.grants, r.PostForm.Get("code"))
	p.mu.Unlock()

	if custom != nil {
		custom(w, r)
		return
	}

	switch {
	case r.PostForm.Get("grant_type") != "authorization_code":
		tokenError(w, "unsupported_grant_type")
		return
	case !ok:
		tokenError(w, "invalid_grant")
		return
	case r.PostForm.Get("code_verifier") != grant.CodeVerifier:
		tokenError(w, "invalid_grant")
		return
	case r.PostForm.Get("client_id") != fixtures.ClientID:
		tokenError(w, "invalid_client")
		return
	}

	expires := grant.ExpiresIn
	if expires == 0 {
		expires = 3600
	}
	access, err := p.mint(grant.Claims)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	id, err := p.mint(map[string]any{"token_use": "id"})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  access,
		"id_token":      id,
		"refresh_token": "refresh-" + r.PostForm.Get("code"),
		"token_type":    "Bearer",
		"expires_in":    expires,
	})
}

// S256Challenge returns the PKCE S256 challenge for verifier.
func S256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func tokenError(w http.ResponseWriter, code string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{
		"error":             code,
		"error_description": fmt.Sprintf("token request rejected: %s", code),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
