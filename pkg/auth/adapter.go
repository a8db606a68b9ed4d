package auth

import (
	"strings"
	"unicode"

	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
	"github.com/StricklySoft/stricklysoft-identity/pkg/users"
)

// CanonicalIdentity is a provider-independent view of a token's subject.
type CanonicalIdentity struct {
	Subject   string
	Email     string
	FirstName string
	LastName  string

	// Username is the provider's preferred username, or "".
	Username string

	Groups  []string
	IsAdmin bool
	Role    users.Role

	// EmailVerified is nil when the provider made no assertion.
	EmailVerified *bool
}

// Profile converts the identity into the reconciler's input.
func (c CanonicalIdentity) Profile() users.Profile {
	return users.Profile{
		ExternalID:    c.Subject,
		Email:         c.Email,
		FirstName:     c.FirstName,
		LastName:      c.LastName,
		Username:      c.Username,
		Role:          c.Role,
		EmailVerified: c.EmailVerified,
	}
}

// ProviderAdapter normalizes one provider's claim shape. The active
// adapter is chosen once from [Config.Provider].
type ProviderAdapter interface {
	Kind() ProviderKind
	ExtractIdentity(claims map[string]any) CanonicalIdentity
	ExtractGroups(claims map[string]any) []string
	IsAdmin(groups []string) bool
	RoleFor(groups []string) users.Role
}

// NewProviderAdapter returns the adapter for cfg.Provider.
func NewProviderAdapter(cfg *Config) (ProviderAdapter, error) {
	policy := NewGroupPolicy(cfg.AdminGroups, cfg.ModeratorGroups)
	switch cfg.Provider {
	case ProviderAuthentik:
		return &AuthentikAdapter{GroupPolicy: policy}, nil
	case ProviderCognito:
		return &CognitoAdapter{GroupPolicy: policy}, nil
	default:
		return nil, sserr.Newf(sserr.CodeInternalConfiguration, "auth: no adapter for provider %q", cfg.Provider)
	}
}

// GroupPolicy maps group membership to a role. Matching is exact and
// case-sensitive. Admin membership wins over moderator membership.
type GroupPolicy struct {
	admin     map[string]struct{}
	moderator map[string]struct{}
}

// NewGroupPolicy returns a policy for the given group names.
func NewGroupPolicy(admin, moderator []string) GroupPolicy {
	return GroupPolicy{admin: toSet(admin), moderator: toSet(moderator)}
}

// IsAdmin reports whether groups intersects the admin groups.
func (p GroupPolicy) IsAdmin(groups []string) bool {
	return intersects(p.admin, groups)
}

// IsModerator reports whether groups intersects the moderator groups.
func (p GroupPolicy) IsModerator(groups []string) bool {
	return intersects(p.moderator, groups)
}

// RoleFor returns the role granted by groups.
func (p GroupPolicy) RoleFor(groups []string) users.Role {
	switch {
	case p.IsAdmin(groups):
		return users.RoleAdmin
	case p.IsModerator(groups):
		return users.RoleModerator
	default:
		return users.RoleUser
	}
}

func (p GroupPolicy) identity(claims map[string]any, groups []string) CanonicalIdentity {
	return CanonicalIdentity{
		Subject:       stringClaim(claims, "sub"),
		Email:         strings.TrimSpace(stringClaim(claims, "email")),
		Username:      stringClaim(claims, "preferred_username"),
		Groups:        groups,
		IsAdmin:       p.IsAdmin(groups),
		Role:          p.RoleFor(groups),
		EmailVerified: boolClaim(claims, "email_verified"),
	}
}

// AuthentikAdapter reads Authentik claims: a combined "name", and
// "groups" as either a list or a comma-separated string.
type AuthentikAdapter struct {
	GroupPolicy
}

// Kind returns [ProviderAuthentik].
func (a *AuthentikAdapter) Kind() ProviderKind { return ProviderAuthentik }

// ExtractGroups reads "groups", splitting a comma-separated string.
func (a *AuthentikAdapter) ExtractGroups(claims map[string]any) []string {
	return stringList(claims["groups"], true)
}

// ExtractIdentity splits "name" into first and last name, falling back to
// given_name and family_name.
func (a *AuthentikAdapter) ExtractIdentity(claims map[string]any) CanonicalIdentity {
	id := a.identity(claims, a.ExtractGroups(claims))
	id.FirstName, id.LastName = splitName(stringClaim(claims, "name"))
	if id.FirstName == "" {
		id.FirstName = stringClaim(claims, "given_name")
	}
	if id.LastName == "" {
		id.LastName = stringClaim(claims, "family_name")
	}
	return id
}

// CognitoAdapter reads Cognito claims: separate given and family names,
// and groups under "cognito:groups" as a list.
type CognitoAdapter struct {
	GroupPolicy
}

// Kind returns [ProviderCognito].
func (a *CognitoAdapter) Kind() ProviderKind { return ProviderCognito }

// ExtractGroups reads the "cognito:groups" list.
func (a *CognitoAdapter) ExtractGroups(claims map[string]any) []string {
	return stringList(claims["cognito:groups"], false)
}

// ExtractIdentity reads given_name and family_name.
func (a *CognitoAdapter) ExtractIdentity(claims map[string]any) CanonicalIdentity {
	id := a.identity(claims, a.ExtractGroups(claims))
	id.FirstName = stringClaim(claims, "given_name")
	id.LastName = stringClaim(claims, "family_name")
	return id
}

// splitName splits a display name on its first whitespace.
func splitName(name string) (first, last string) {
	name = strings.TrimSpace(name)
	i := strings.IndexFunc(name, unicode.IsSpace)
	if i < 0 {
		return name, ""
	}
	return name[:i], strings.TrimSpace(name[i:])
}

func toSet(names []string) map[string]struct{} {
	s := make(map[string]struct{}, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

func intersects(set map[string]struct{}, groups []string) bool {
	for _, g := range groups {
		if _, ok := set[g]; ok {
			return true
		}
	}
	return false
}
