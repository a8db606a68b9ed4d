// Package fixtures holds identity values shared across test suites.
package fixtures

// Provider registration values.
const (
	ClientID     = "identity-web"
	ClientSecret = "s3cr3t-client-value"
	Audience     = "identity-api"
	FrontendURL  = "https://app.example.test"
	RedirectURI  = FrontendURL + "/login/callback"
)

// The Jane Roe identity: an administrator known to the provider as "abc".
const (
	Subject    = "abc"
	Email      = "a@x.com"
	Name       = "Jane Roe"
	AdminGroup = "storied-life-admins"
	ModGroup   = "storied-life-moderators"
)

// LegacySecret is a 32-byte HMAC secret for the locally signed tokens.
const LegacySecret = "0123456789abcdef0123456789abcdef"
