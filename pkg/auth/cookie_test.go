package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func issuedCookie(t *testing.T, w *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	return cookies[0]
}

func TestCookieManager_Issue(t *testing.T) {
	t.Parallel()
	m := NewCookieManager(CookieConfig{Name: "access_token", Domain: "example.test", Secure: true, SameSite: "strict"})

	w := httptest.NewRecorder()
	m.Issue(w, "tok", 10*time.Minute)
	c := issuedCookie(t, w)

	assert.Equal(t, "access_token", c.Name)
	assert.Equal(t, "tok", c.Value)
	assert.Equal(t, "/", c.Path)
	assert.Equal(t, "example.test", c.Domain)
	assert.True(t, c.Secure)
	assert.True(t, c.HttpOnly)
	assert.Equal(t, http.SameSiteStrictMode, c.SameSite)
	assert.Equal(t, 600, c.MaxAge)
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), c.Expires, 5*time.Second)
}

func TestCookieManager_Issue_DefaultLifetime(t *testing.T) {
	t.Parallel()
	m := NewCookieManager(DefaultConfig().Cookie)

	w := httptest.NewRecorder()
	m.Issue(w, "tok", 0)
	assert.Equal(t, int(DefaultTokenLifetime/time.Second), issuedCookie(t, w).MaxAge)
}

func TestCookieManager_ClearMatchesIssue(t *testing.T) {
	t.Parallel()
	m := NewCookieManager(CookieConfig{Name: "sid", Domain: "example.test", Secure: true, SameSite: "none"})

	issued, cleared := httptest.NewRecorder(), httptest.NewRecorder()
	m.Issue(issued, "tok", time.Hour)
	m.Clear(cleared)

	set, del := issuedCookie(t, issued), issuedCookie(t, cleared)
	assert.Equal(t, set.Name, del.Name)
	assert.Equal(t, set.Path, del.Path)
	assert.Equal(t, set.Domain, del.Domain)
	assert.Equal(t, set.Secure, del.Secure)
	assert.Equal(t, set.HttpOnly, del.HttpOnly)
	assert.Equal(t, set.SameSite, del.SameSite)

	assert.Empty(t, del.Value)
	assert.Equal(t, -1, del.MaxAge)
	assert.True(t, del.Expires.Before(time.Now()))
}

func TestCookieManager_Token(t *testing.T) {
	t.Parallel()
	m := NewCookieManager(DefaultConfig().Cookie)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, m.Token(r))

	r.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: "tok"})
	assert.Equal(t, "tok", m.Token(r))
}
