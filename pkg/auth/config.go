package auth

import (
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
)

// ProviderKind selects the claim shape of the configured identity provider.
type ProviderKind string

const (
	// ProviderAuthentik is a self-hosted provider that emits a combined
	// display name and a "groups" claim.
	ProviderAuthentik ProviderKind = "authentik"

	// ProviderCognito is a managed provider that emits separate name parts
	// and a namespaced "cognito:groups" claim.
	ProviderCognito ProviderKind = "cognito"
)

// Valid reports whether k is a supported provider.
func (k ProviderKind) Valid() bool {
	return k == ProviderAuthentik || k == ProviderCognito
}

// Secret is a string that redacts itself when printed or marshaled. Use
// [Secret.Value] where the raw value is needed.
type Secret string

const secretRedacted = "[REDACTED]"

func (s Secret) String() string               { return secretRedacted }
func (s Secret) GoString() string             { return secretRedacted }
func (s Secret) MarshalText() ([]byte, error) { return []byte(secretRedacted), nil }

// Value returns the unredacted secret.
func (s Secret) Value() string { return string(s) }

// Defaults shared by [DefaultConfig] and the envDefault tags.
const (
	DefaultKeyCacheTTL  = time.Hour
	DefaultHTTPTimeout  = 10 * time.Second
	DefaultFrontendURL  = "http://localhost:3000"
	DefaultCookieName   = "access_token"
	DefaultLegacyJWTAlg = "HS256"

	// callbackPath is appended to the frontend URL to form the redirect URI.
	callbackPath = "/login/callback"

	// minLegacySecretLen is the shortest accepted HMAC secret.
	minLegacySecretLen = 32
)

// Config is the provider configuration. It is loaded once at start-up,
// typically through pkg/config, and shared read-only by every component.
type Config struct {
	Provider     ProviderKind `json:"provider" yaml:"provider" env:"OIDC_PROVIDER" envDefault:"authentik"`
	IssuerURL    string       `json:"issuer_url" yaml:"issuer_url" env:"OIDC_ISSUER_URL" required:"true"`
	ClientID     string       `json:"client_id" yaml:"client_id" env:"OIDC_CLIENT_ID" required:"true"`
	ClientSecret Secret       `json:"client_secret" yaml:"client_secret" env:"OIDC_CLIENT_SECRET"`

	// Audience is tried before ClientID when checking the aud claim.
	Audience string   `json:"audience,omitempty" yaml:"audience" env:"OIDC_AUDIENCE"`
	Scopes   []string `json:"scopes" yaml:"scopes" env:"OIDC_SCOPES" envSeparator:" " envDefault:"openid profile email"`

	KeyCacheTTL time.Duration `json:"key_cache_ttl" yaml:"key_cache_ttl" env:"OIDC_KEY_CACHE_TTL" envDefault:"1h"`
	HTTPTimeout time.Duration `json:"http_timeout" yaml:"http_timeout" env:"OIDC_HTTP_TIMEOUT" envDefault:"10s"`

	// EndSessionURL overrides the discovered end_session_endpoint.
	EndSessionURL string `json:"end_session_url,omitempty" yaml:"end_session_url" env:"OIDC_END_SESSION_URL"`
	FrontendURL   string `json:"frontend_url" yaml:"frontend_url" env:"FRONTEND_URL" envDefault:"http://localhost:3000"`

	AdminGroups     []string `json:"admin_groups" yaml:"admin_groups" env:"AUTH_ADMIN_GROUPS" envDefault:"storied-life-admins,administrators,admins,authentik Admins"`
	ModeratorGroups []string `json:"moderator_groups" yaml:"moderator_groups" env:"AUTH_MODERATOR_GROUPS" envDefault:"storied-life-moderators,moderators"`

	Legacy LegacyConfig `json:"legacy" yaml:"legacy"`
	Cookie CookieConfig `json:"cookie" yaml:"cookie"`
}

// LegacyConfig configures the two credential sources kept during migration.
type LegacyConfig struct {
	// JWTSecret signs locally issued tokens. Empty disables the source.
	JWTSecret    Secret `json:"jwt_secret" yaml:"jwt_secret" env:"LEGACY_JWT_SECRET"`
	JWTAlgorithm string `json:"jwt_algorithm" yaml:"jwt_algorithm" env:"LEGACY_JWT_ALGORITHM" envDefault:"HS256"`

	// ProxyHeadersEnabled trusts identity headers set by a forward-auth
	// proxy. Enable only when the service is unreachable except through it.
	ProxyHeadersEnabled bool   `json:"proxy_headers_enabled" yaml:"proxy_headers_enabled" env:"LEGACY_PROXY_HEADERS_ENABLED"`
	EmailHeader         string `json:"email_header" yaml:"email_header" env:"LEGACY_PROXY_HEADER_EMAIL" envDefault:"X-authentik-email"`
	NameHeader          string `json:"name_header" yaml:"name_header" env:"LEGACY_PROXY_HEADER_NAME" envDefault:"X-authentik-name"`
	UsernameHeader      string `json:"username_header" yaml:"username_header" env:"LEGACY_PROXY_HEADER_USERNAME" envDefault:"X-authentik-username"`
	GroupsHeader        string `json:"groups_header" yaml:"groups_header" env:"LEGACY_PROXY_HEADER_GROUPS" envDefault:"X-authentik-groups"`
}

// CookieConfig holds the session cookie attributes.
type CookieConfig struct {
	Name     string `json:"name" yaml:"name" env:"SESSION_COOKIE_NAME" envDefault:"access_token"`
	Domain   string `json:"domain,omitempty" yaml:"domain" env:"SESSION_COOKIE_DOMAIN"`
	Secure   bool   `json:"secure" yaml:"secure" env:"SESSION_COOKIE_SECURE" envDefault:"true"`
	SameSite string `json:"same_site" yaml:"same_site" env:"SESSION_COOKIE_SAMESITE" envDefault:"lax"`
}

// DefaultConfig returns a Config with every default applied. IssuerURL and
// ClientID still need to be set.
func DefaultConfig() Config {
	return Config{
		Provider:        ProviderAuthentik,
		Scopes:          []string{"openid", "profile", "email"},
		KeyCacheTTL:     DefaultKeyCacheTTL,
		HTTPTimeout:     DefaultHTTPTimeout,
		FrontendURL:     DefaultFrontendURL,
		AdminGroups:     []string{"storied-life-admins", "administrators", "admins", "authentik Admins"},
		ModeratorGroups: []string{"storied-life-moderators", "moderators"},
		Legacy: LegacyConfig{
			JWTAlgorithm:   DefaultLegacyJWTAlg,
			EmailHeader:    "X-authentik-email",
			NameHeader:     "X-authentik-name",
			UsernameHeader: "X-authentik-username",
			GroupsHeader:   "X-authentik-groups",
		},
		Cookie: CookieConfig{
			Name:     DefaultCookieName,
			Secure:   true,
			SameSite: "lax",
		},
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if !c.Provider.Valid() {
		return sserr.Newf(sserr.CodeValidation, "auth: unsupported provider %q", c.Provider)
	}
	if err := validateHTTPURL("issuer URL", c.IssuerURL); err != nil {
		return err
	}
	if strings.TrimSpace(c.ClientID) == "" {
		return sserr.New(sserr.CodeValidationRequired, "auth: client id is required")
	}
	if c.KeyCacheTTL <= 0 {
		return sserr.New(sserr.CodeValidationRange, "auth: key cache TTL must be positive")
	}
	if c.HTTPTimeout <= 0 {
		return sserr.New(sserr.CodeValidationRange, "auth: HTTP timeout must be positive")
	}
	if err := validateHTTPURL("frontend URL", c.FrontendURL); err != nil {
		return err
	}
	if c.EndSessionURL != "" {
		if err := validateHTTPURL("end session URL", c.EndSessionURL); err != nil {
			return err
		}
	}
	for _, g := range c.ModeratorGroups {
		if slices.Contains(c.AdminGroups, g) {
			return sserr.Newf(sserr.CodeValidation, "auth: group %q is both an admin and a moderator group", g)
		}
	}
	if err := c.Legacy.check(); err != nil {
		return err
	}
	return c.Cookie.check()
}

func (l *LegacyConfig) check() error {
	if l.JWTSecret != "" {
		switch l.JWTAlgorithm {
		case "HS256", "HS384", "HS512":
		default:
			return sserr.Newf(sserr.CodeValidation, "auth: legacy JWT algorithm %q is not an HMAC algorithm", l.JWTAlgorithm)
		}
		if len(l.JWTSecret.Value()) < minLegacySecretLen {
			return sserr.Newf(sserr.CodeValidationRange, "auth: legacy JWT secret must be at least %d bytes", minLegacySecretLen)
		}
	}
	if l.ProxyHeadersEnabled && strings.TrimSpace(l.EmailHeader) == "" {
		return sserr.New(sserr.CodeValidationRequired, "auth: proxy email header is required when proxy headers are enabled")
	}
	return nil
}

func (c *CookieConfig) check() error {
	if c.Name == "" {
		return sserr.New(sserr.CodeValidationRequired, "auth: session cookie name is required")
	}
	switch strings.ToLower(c.SameSite) {
	case "lax", "strict":
	case "none":
		if !c.Secure {
			return sserr.New(sserr.CodeValidation, "auth: SameSite=None cookies must be secure")
		}
	default:
		return sserr.Newf(sserr.CodeValidation, "auth: unsupported SameSite mode %q", c.SameSite)
	}
	return nil
}

func (c *CookieConfig) sameSite() http.SameSite {
	switch strings.ToLower(c.SameSite) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}

// RedirectURI is the fixed callback registered with the provider.
func (c *Config) RedirectURI() string {
	return strings.TrimRight(c.FrontendURL, "/") + callbackPath
}

// Audiences returns the accepted aud values in the order they are tried:
// the configured audience, then the client id.
func (c *Config) Audiences() []string {
	out := make([]string, 0, 2)
	if c.Audience != "" {
		out = append(out, c.Audience)
	}
	if c.ClientID != "" && c.ClientID != c.Audience {
		out = append(out, c.ClientID)
	}
	return out
}

// ConfidentialClient reports whether a client secret is configured.
func (c *Config) ConfidentialClient() bool {
	return c.ClientSecret != ""
}

// issuerPath joins p onto the issuer without doubling slashes.
func (c *Config) issuerPath(p string) string {
	return strings.TrimRight(c.IssuerURL, "/") + p
}

func validateHTTPURL(name, raw string) error {
	if raw == "" {
		return sserr.Newf(sserr.CodeValidationRequired, "auth: %s is required", name)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return sserr.Wrapf(err, sserr.CodeValidationFormat, "auth: %s is invalid", name)
	}
	if (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return sserr.Newf(sserr.CodeValidationFormat, "auth: %s must be an absolute http(s) URL", name)
	}
	return nil
}
