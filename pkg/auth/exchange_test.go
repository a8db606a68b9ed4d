package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	ttestutil "github.com/StricklySoft/stricklysoft-identity/internal/testutil"
	"github.com/StricklySoft/stricklysoft-identity/internal/testutil/fixtures"
	"github.com/StricklySoft/stricklysoft-identity/internal/testutil/oidctest"
	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
)

const testVerifier = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"

// staticTokenResponse answers every token request with body.
func staticTokenResponse(status int, body any) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func TestCodeExchanger_Exchange(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	e.provider.IssueCode("code-1", oidctest.Grant{CodeVerifier: testVerifier})

	tok, err := e.svc.Exchanger.Exchange(context.Background(), "code-1", "state-1", testVerifier)
	require.NoError(t, err)

	assert.NotEmpty(t, tok.AccessToken)
	assert.NotEmpty(t, tok.IDToken)
	assert.Equal(t, "refresh-code-1", tok.RefreshToken)
	assert.Equal(t, "Bearer", tok.TokenType)
	assert.Equal(t, 3600, tok.ExpiresIn)
	assert.Equal(t, time.Hour, tok.Lifetime())
	require.NotNil(t, tok.Claims)
	assert.Equal(t, fixtures.Subject, tok.Claims.Subject)

	form := e.provider.LastTokenRequest()
	assert.Equal(t, "authorization_code", form.Get("grant_type"))
	assert.Equal(t, "code-1", form.Get("code"))
	assert.Equal(t, testVerifier, form.Get("code_verifier"))
	assert.Equal(t, fixtures.RedirectURI, form.Get("redirect_uri"))
	assert.Equal(t, fixtures.ClientID, form.Get("client_id"))
	assert.False(t, form.Has("client_secret"), "public clients send no secret")
	assert.False(t, form.Has("state"), "state stays with the client")
}

func TestCodeExchanger_Exchange_ConfidentialClient(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, func(c *Config) { c.ClientSecret = fixtures.ClientSecret })
	e.provider.IssueCode("code-1", oidctest.Grant{CodeVerifier: testVerifier})

	_, err := e.svc.Exchanger.Exchange(context.Background(), "code-1", "", testVerifier)
	require.NoError(t, err)
	assert.Equal(t, fixtures.ClientSecret, e.provider.LastTokenRequest().Get("client_secret"))
}

func TestCodeExchanger_Exchange_MissingInput(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	ctx := context.Background()

	_, err := e.svc.Exchanger.Exchange(ctx, "", "s", testVerifier)
	ttestutil.AssertErrorCode(t, err, sserr.CodeValidationRequired)

	_, err = e.svc.Exchanger.Exchange(ctx, "code-1", "s", "")
	ttestutil.AssertErrorCode(t, err, sserr.CodeValidationRequired)

	assert.Zero(t, e.provider.TokenHits())
}

func TestCodeExchanger_Exchange_Rejected(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	e.provider.IssueCode("code-1", oidctest.Grant{CodeVerifier: testVerifier})

	_, err := e.svc.Exchanger.Exchange(context.Background(), "code-1", "s", "wrong-verifier")
	ttestutil.RequireErrorCode(t, err, sserr.CodeAuthenticationExchange)

	se, _ := sserr.AsError(err)
	assert.Equal(t, http.StatusBadRequest, se.Details["status"])
	assert.Contains(t, se.Details["body"], "invalid_grant")
	assert.False(t, sserr.IsRetryable(err))
}

func TestCodeExchanger_Exchange_RejectedBodyTruncated(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	e.provider.SetTokenHandler(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(strings.Repeat("x", 5000)))
	})

	_, err := e.svc.Exchanger.Exchange(context.Background(), "code-1", "s", testVerifier)
	ttestutil.RequireErrorCode(t, err, sserr.CodeAuthenticationExchange)
	se, _ := sserr.AsError(err)
	assert.Equal(t, http.StatusUnauthorized, se.Details["status"])
	assert.Len(t, se.Details["body"], maxErrorBody)
}

func TestCodeExchanger_Exchange_UnverifiableAccessToken(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	bad := e.provider.AccessToken(map[string]any{"aud": "someone-else"})
	e.provider.SetTokenHandler(staticTokenResponse(http.StatusOK, map[string]any{
		"access_token": bad,
		"token_type":   "Bearer",
		"expires_in":   60,
	}))

	_, err := e.svc.Exchanger.Exchange(context.Background(), "code-1", "s", testVerifier)
	ttestutil.RequireErrorCode(t, err, sserr.CodeAuthenticationExchange)
	assert.True(t, sserr.IsVerificationFailure(sserrCause(err)), "the verification failure is kept as the cause")
}

func TestCodeExchanger_Exchange_MissingAccessToken(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	e.provider.SetTokenHandler(staticTokenResponse(http.StatusOK, map[string]any{"token_type": "Bearer"}))

	_, err := e.svc.Exchanger.Exchange(context.Background(), "code-1", "s", testVerifier)
	ttestutil.RequireErrorCode(t, err, sserr.CodeAuthenticationExchange)
}

func TestCodeExchanger_Exchange_Timeout(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, func(c *Config) { c.HTTPTimeout = 100 * time.Millisecond })
	e.provider.SetTokenHandler(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	})

	_, err := e.svc.Exchanger.Exchange(context.Background(), "code-1", "s", testVerifier)
	ttestutil.RequireErrorCode(t, err, sserr.CodeTimeoutDependency)
	assert.True(t, sserr.IsRetryable(err))
}

func TestCodeExchanger_Exchange_DiscoveryDownUsesConventionalEndpoint(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	e.provider.SetDiscoveryDown(true)
	e.provider.IssueCode("code-1", oidctest.Grant{CodeVerifier: testVerifier})

	_, err := e.svc.Exchanger.Exchange(context.Background(), "code-1", "s", testVerifier)
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.provider.TokenHits())
}

func TestCodeExchanger_Exchange_Metrics(t *testing.T) {
	e := newTestEnv(t)
	e.provider.IssueCode("code-1", oidctest.Grant{CodeVerifier: testVerifier})
	ok := CodeExchangesTotal.WithLabelValues(resultSuccess)
	failed := CodeExchangesTotal.WithLabelValues(resultError)
	okBefore, failedBefore := testutil.ToFloat64(ok), testutil.ToFloat64(failed)

	_, err := e.svc.Exchanger.Exchange(context.Background(), "code-1", "s", testVerifier)
	require.NoError(t, err)
	_, err = e.svc.Exchanger.Exchange(context.Background(), "code-1", "s", testVerifier)
	require.Error(t, err, "codes are single use")

	assert.Equal(t, okBefore+1, testutil.ToFloat64(ok))
	assert.Equal(t, failedBefore+1, testutil.ToFloat64(failed))
}

func TestExpiresIn(t *testing.T) {
	t.Parallel()

	withExtra := func(extra map[string]any) *oauth2.Token {
		return (&oauth2.Token{AccessToken: "x"}).WithExtra(extra)
	}

	assert.Equal(t, 120, expiresIn(withExtra(map[string]any{"expires_in": float64(120)})))
	assert.Equal(t, 90, expiresIn(withExtra(map[string]any{"expires_in": json.Number("90")})))
	assert.Equal(t, 60, expiresIn(withExtra(map[string]any{"expires_in": "60"})))
	assert.Equal(t, 45, expiresIn(&oauth2.Token{ExpiresIn: 45}))
	assert.Equal(t, 3600, expiresIn(withExtra(map[string]any{"expires_in": "soon"})))
	assert.Equal(t, 3600, expiresIn(&oauth2.Token{}))
}

// sserrCause returns the cause of an *sserr.Error, or err itself.
func sserrCause(err error) error {
	if se, ok := sserr.AsError(err); ok && se.Cause != nil {
		return se.Cause
	}
	return err
}
