package auth

import (
	"net/http"
	"time"
)

// CookieManager issues and clears the session cookie. The cookie holds
// only the provider access token; no server-side session exists.
//
// Issue and Clear build the cookie from the same template, so a browser
// always matches the deletion to the cookie it holds.
type CookieManager struct {
	cfg CookieConfig
}

// NewCookieManager returns a manager for cfg.
func NewCookieManager(cfg CookieConfig) *CookieManager {
	return &CookieManager{cfg: cfg}
}

// Name returns the cookie name.
func (m *CookieManager) Name() string { return m.cfg.Name }

// Issue sets the session cookie to accessToken for ttl. A non-positive ttl
// means [DefaultTokenLifetime].
func (m *CookieManager) Issue(w http.ResponseWriter, accessToken string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTokenLifetime
	}
	c := m.template()
	c.Value = accessToken
	c.MaxAge = int(ttl / time.Second)
	c.Expires = time.Now().Add(ttl).UTC()
	http.SetCookie(w, c)
}

// Clear deletes the session cookie.
func (m *CookieManager) Clear(w http.ResponseWriter) {
	c := m.template()
	c.MaxAge = -1
	c.Expires = time.Unix(0, 0).UTC()
	http.SetCookie(w, c)
}

// Token returns the session cookie value from r, or "".
func (m *CookieManager) Token(r *http.Request) string {
	c, err := r.Cookie(m.cfg.Name)
	if err != nil {
		return ""
	}
	return c.Value
}

func (m *CookieManager) template() *http.Cookie {
	return &http.Cookie{
		Name:     m.cfg.Name,
		Path:     "/",
		Domain:   m.cfg.Domain,
		Secure:   m.cfg.Secure,
		HttpOnly: true,
		SameSite: m.cfg.sameSite(),
	}
}
