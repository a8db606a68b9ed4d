package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/stricklysoft-identity/internal/testutil/fixtures"
	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
	"github.com/StricklySoft/stricklysoft-identity/pkg/users"
)

func newAdapter(t *testing.T, kind ProviderKind) ProviderAdapter {
	t.Helper()
	cfg := validConfig()
	cfg.Provider = kind
	cfg.AdminGroups = []string{fixtures.AdminGroup, "authentik Admins"}
	cfg.ModeratorGroups = []string{fixtures.ModGroup}
	a, err := NewProviderAdapter(&cfg)
	require.NoError(t, err)
	require.Equal(t, kind, a.Kind())
	return a
}

func TestNewProviderAdapter_Unknown(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Provider = "okta"
	_, err := NewProviderAdapter(&cfg)
	assert.True(t, sserr.HasCode(err, sserr.CodeInternalConfiguration))
}

func TestAuthentikAdapter_ExtractIdentity(t *testing.T) {
	t.Parallel()
	a := newAdapter(t, ProviderAuthentik)

	id := a.ExtractIdentity(map[string]any{
		"sub":                fixtures.Subject,
		"email":              " " + fixtures.Email + " ",
		"name":               "Jane  van Roe",
		"preferred_username": "jroe",
		"groups":             []any{fixtures.AdminGroup, "staff"},
		"email_verified":     true,
	})

	assert.Equal(t, fixtures.Subject, id.Subject)
	assert.Equal(t, fixtures.Email, id.Email)
	assert.Equal(t, "Jane", id.FirstName)
	assert.Equal(t, "van Roe", id.LastName)
	assert.Equal(t, "jroe", id.Username)
	assert.Equal(t, []string{fixtures.AdminGroup, "staff"}, id.Groups)
	assert.True(t, id.IsAdmin)
	assert.Equal(t, users.RoleAdmin, id.Role)
	require.NotNil(t, id.EmailVerified)
	assert.True(t, *id.EmailVerified)

	p := id.Profile()
	assert.Equal(t, fixtures.Subject, p.ExternalID)
	assert.Equal(t, users.RoleAdmin, p.Role)
}

func TestAuthentikAdapter_NameFallbacks(t *testing.T) {
	t.Parallel()
	a := newAdapter(t, ProviderAuthentik)

	tests := []struct {
		name        string
		claims      map[string]any
		first, last string
	}{
		{"single word name", map[string]any{"name": "Cher"}, "Cher", ""},
		{"single word with family name", map[string]any{"name": "Cher", "family_name": "Sarkisian"}, "Cher", "Sarkisian"},
		{"given and family only", map[string]any{"given_name": "Jane", "family_name": "Roe"}, "Jane", "Roe"},
		{"nothing", map[string]any{}, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := a.ExtractIdentity(tt.claims)
			assert.Equal(t, tt.first, id.FirstName)
			assert.Equal(t, tt.last, id.LastName)
		})
	}
}

func TestAuthentikAdapter_ExtractGroups(t *testing.T) {
	t.Parallel()
	a := newAdapter(t, ProviderAuthentik)

	assert.Equal(t, []string{"a", "b"}, a.ExtractGroups(map[string]any{"groups": "a, b,,a"}),
		"comma string is split, trimmed and deduplicated")
	assert.Equal(t, []string{"a"}, a.ExtractGroups(map[string]any{"groups": []any{"a", 7, " a "}}),
		"non-string entries are dropped")
	assert.Empty(t, a.ExtractGroups(map[string]any{"cognito:groups": []any{"a"}}))
}

func TestCognitoAdapter_ExtractIdentity(t *testing.T) {
	t.Parallel()
	a := newAdapter(t, ProviderCognito)

	id := a.ExtractIdentity(map[string]any{
		"sub":            "5f0c-cognito",
		"email":          fixtures.Email,
		"given_name":     "Jane",
		"family_name":    "Roe",
		"name":           "ignored name",
		"cognito:groups": []any{fixtures.ModGroup},
		"email_verified": "false",
	})

	assert.Equal(t, "Jane", id.FirstName)
	assert.Equal(t, "Roe", id.LastName)
	assert.Equal(t, []string{fixtures.ModGroup}, id.Groups)
	assert.False(t, id.IsAdmin)
	assert.Equal(t, users.RoleModerator, id.Role)
	require.NotNil(t, id.EmailVerified)
	assert.False(t, *id.EmailVerified)
}

func TestCognitoAdapter_GroupsMustBeList(t *testing.T) {
	t.Parallel()
	a := newAdapter(t, ProviderCognito)
	assert.Empty(t, a.ExtractGroups(map[string]any{"cognito:groups": fixtures.AdminGroup}))
	assert.Empty(t, a.ExtractGroups(map[string]any{"groups": []any{fixtures.AdminGroup}}))
}

func TestGroupPolicy_RoleFor(t *testing.T) {
	t.Parallel()
	p := NewGroupPolicy([]string{"authentik Admins"}, []string{"moderators"})

	tests := []struct {
		groups []string
		want   users.Role
	}{
		{nil, users.RoleUser},
		{[]string{"staff"}, users.RoleUser},
		{[]string{"moderators"}, users.RoleModerator},
		{[]string{"moderators", "authentik Admins"}, users.RoleAdmin},
		{[]string{"authentik admins"}, users.RoleUser},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.RoleFor(tt.groups), "%v", tt.groups)
	}
	assert.True(t, p.IsAdmin([]string{"authentik Admins"}))
	assert.False(t, p.IsModerator([]string{"authentik Admins"}))
}
