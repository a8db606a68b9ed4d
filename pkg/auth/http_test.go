package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/stricklysoft-identity/internal/testutil/fixtures"
	"github.com/StricklySoft/stricklysoft-identity/internal/testutil/oidctest"
	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
	"github.com/StricklySoft/stricklysoft-identity/pkg/users"
)

// newTestRouter mounts the auth routes under /auth plus two protected
// routes exercising the middleware.
func newTestRouter(svc *Service) http.Handler {
	r := chi.NewRouter()
	r.Mount("/auth", NewHandler(svc).Routes())
	r.Group(func(r chi.Router) {
		r.Use(svc.Middleware)
		r.With(RequireRole(users.RoleModerator)).Get("/moderation", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"user": UserFromContext(r.Context()).Email})
		})
		r.Get("/whoami", func(w http.ResponseWriter, r *http.Request) {
			id := MustIdentityFromContext(r.Context())
			writeJSON(w, http.StatusOK, map[string]string{"method": string(id.Method)})
		})
	})
	return r
}

func serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var body errorBody
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body), w.Body.String())
	return body.Error
}

func jsonRequest(method, target, body string) *http.Request {
	r := httptest.NewRequest(method, target, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	return r
}

func TestHandler_Config(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	w := serve(newTestRouter(e.svc), httptest.NewRequest(http.MethodGet, "/auth/config", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var got FrontendConfig
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	assert.Equal(t, FrontendConfig{
		Issuer:       e.provider.Issuer(),
		ClientID:     fixtures.ClientID,
		RedirectURI:  fixtures.RedirectURI,
		Scopes:       []string{"openid", "profile", "email"},
		ResponseType: "code",
		UsePKCE:      true,
		Provider:     ProviderAuthentik,
	}, got)
}

func TestHandler_CallbackThenMe(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	router := newTestRouter(e.svc)
	e.provider.IssueCode("code-1", oidctest.Grant{CodeVerifier: testVerifier, ExpiresIn: 900})

	w := serve(router, jsonRequest(http.MethodPost, "/auth/callback",
		`{"code":"code-1","state":"xyz","code_verifier":"`+testVerifier+`"}`))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var cb struct {
		User      users.User `json:"user"`
		ExpiresIn int        `json:"expires_in"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&cb))
	assert.Equal(t, fixtures.Email, cb.User.Email)
	assert.Equal(t, users.RoleAdmin, cb.User.Role)
	assert.Equal(t, 900, cb.ExpiresIn)

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	session := cookies[0]
	assert.Equal(t, DefaultCookieName, session.Name)
	assert.Equal(t, 900, session.MaxAge, "cookie lives as long as the token")
	assert.True(t, session.HttpOnly)

	me := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	me.AddCookie(session)
	w = serve(router, me)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var u users.User
	require.NoError(t, json.NewDecoder(w.Body).Decode(&u))
	assert.Equal(t, cb.User.ID, u.ID)

	status := httptest.NewRequest(http.MethodGet, "/auth/status", nil)
	status.AddCookie(session)
	w = serve(router, status)
	var st statusResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&st))
	assert.True(t, st.Authenticated)
	assert.Equal(t, MethodCookie, st.AuthMethod)
	assert.Equal(t, cb.User.ID, st.User.ID)
}

func TestHandler_CallbackForm(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	e.provider.IssueCode("code-1", oidctest.Grant{CodeVerifier: testVerifier})

	form := url.Values{"code": {"code-1"}, "state": {"s"}, "code_verifier": {testVerifier}}
	r := httptest.NewRequest(http.MethodPost, "/auth/callback", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	w := serve(newTestRouter(e.svc), r)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestHandler_CallbackInactiveUserGetsNoCookie(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	seedUser(t, e.store, fixtures.Email, users.RoleUser, linkedTo(fixtures.Subject), inactive)
	e.provider.IssueCode("code-1", oidctest.Grant{CodeVerifier: testVerifier})

	w := serve(newTestRouter(e.svc), jsonRequest(http.MethodPost, "/auth/callback",
		`{"code":"code-1","state":"xyz","code_verifier":"`+testVerifier+`"}`))

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Empty(t, w.Result().Cookies())
	assert.Equal(t, sserr.CodeAuthorizationDenied.String(), decodeError(t, w).Code)
}

func TestHandler_CallbackErrors(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	router := newTestRouter(e.svc)
	e.provider.IssueCode("code-1", oidctest.Grant{CodeVerifier: testVerifier})

	tests := []struct {
		name    string
		body    string
		status  int
		code    sserr.Code
		details bool
	}{
		{"rejected code", `{"code":"code-1","code_verifier":"wrong"}`, http.StatusUnauthorized, sserr.CodeAuthenticationExchange, true},
		{"missing verifier", `{"code":"code-2"}`, http.StatusBadRequest, sserr.CodeValidationRequired, false},
		{"malformed JSON", `{"code":`, http.StatusBadRequest, sserr.CodeValidationFormat, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(router, jsonRequest(http.MethodPost, "/auth/callback", tt.body))
			assert.Equal(t, tt.status, w.Code)
			assert.Empty(t, w.Result().Cookies(), "no cookie on failure")
			got := decodeError(t, w)
			assert.Equal(t, tt.code.String(), got.Code)
			if tt.details {
				assert.Equal(t, float64(http.StatusBadRequest), got.Details["status"])
				assert.Contains(t, got.Details["body"], "invalid_grant")
			} else {
				assert.Empty(t, got.Details)
			}
		})
	}
	assert.Zero(t, e.store.Len(), "failed logins reconcile nothing")
}

func TestHandler_MeAnonymous(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	r := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	r.Header.Set("Authorization", "Bearer "+e.provider.AccessToken(map[string]any{"aud": "other"}))
	w := serve(newTestRouter(e.svc), r)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Bearer", w.Header().Get("WWW-Authenticate"))
	got := decodeError(t, w)
	assert.Equal(t, sserr.CodeAuthentication.String(), got.Code)
	assert.Equal(t, "Authentication required", got.Message)
}

func TestHandler_StatusAnonymous(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, func(c *Config) { c.Legacy.ProxyHeadersEnabled = true })

	w := serve(newTestRouter(e.svc), httptest.NewRequest(http.MethodGet, "/auth/status", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var st map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&st))
	assert.Equal(t, false, st["authenticated"])
	assert.Equal(t, "authentik", st["provider"])
	assert.Equal(t, true, st["oidc_enabled"])
	assert.Equal(t, true, st["legacy_proxy_headers"])
	assert.NotContains(t, st, "user")
}

func TestHandler_Logout(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	w := serve(newTestRouter(e.svc), httptest.NewRequest(http.MethodPost, "/auth/logout", nil))
	require.Equal(t, http.StatusOK, w.Code)

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, DefaultCookieName, cookies[0].Name)
	assert.Equal(t, -1, cookies[0].MaxAge)

	var out logoutResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	assert.Equal(t, e.provider.EndSessionURL(), out.EndSessionURL)
}

func TestHandler_LogoutEndSessionOverride(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, func(c *Config) { c.EndSessionURL = "https://auth.example.test/logout" })

	w := serve(newTestRouter(e.svc), httptest.NewRequest(http.MethodPost, "/auth/logout", nil))
	var out logoutResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	assert.Equal(t, "https://auth.example.test/logout", out.EndSessionURL)
	assert.Zero(t, e.provider.DiscoveryHits())
}

func TestRequireRole_Middleware(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	router := newTestRouter(e.svc)

	member := httptest.NewRequest(http.MethodGet, "/moderation", nil)
	member.Header.Set("Authorization", "Bearer "+e.provider.AccessToken(map[string]any{"groups": []any{"staff"}}))
	w := serve(router, member)
	assert.Equal(t, http.StatusForbidden, w.Code)
	got := decodeError(t, w)
	assert.Equal(t, sserr.CodeAuthorization.String(), got.Code)
	assert.Equal(t, "Moderator access required", got.Message)

	mod := httptest.NewRequest(http.MethodGet, "/moderation", nil)
	mod.Header.Set("Authorization", "Bearer "+e.provider.AccessToken(map[string]any{"groups": []any{fixtures.ModGroup}}))
	w = serve(router, mod)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestMiddleware_AnonymousPassesThrough(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	w := serve(newTestRouter(e.svc), httptest.NewRequest(http.MethodGet, "/whoami", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"method":"anonymous"}`, w.Body.String())
}

func TestMiddleware_AbortIsConflict(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	seedUser(t, e.store, fixtures.Email, users.RoleUser, linkedTo("someone-else"))

	r := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	r.Header.Set("Authorization", "Bearer "+e.provider.AccessToken(nil))
	w := serve(newTestRouter(e.svc), r)

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, sserr.CodeConflictIdentityLink.String(), decodeError(t, w).Code)
}

func TestWriteError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		err     error
		status  int
		message string
	}{
		{"verification failure", sserr.New(sserr.CodeAuthenticationAudience, "auth: token audience is not accepted"),
			http.StatusUnauthorized, "token verification failed"},
		{"plain error", errors.New("boom"), http.StatusInternalServerError, "an unexpected error occurred"},
		{"discovery", sserr.New(sserr.CodeUnavailableDiscovery, "auth: provider unreachable").WithDetail("issuer", "x"),
			http.StatusServiceUnavailable, "auth: provider unreachable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			writeError(w, httptest.NewRequest(http.MethodGet, "/", nil), tt.err)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			assert.Equal(t, tt.message, decodeError(t, w).Message)
		})
	}
}
