// Package users owns the durable User entity and the reconciliation of
// verified provider identities onto it.
//
// A [Reconciler] looks users up by external subject id, then by email, and
// either updates the match in place or creates a new row. Concurrent first
// logins for the same person are resolved by the storage layer's unique
// constraints: the losing insert is retried once as an update.
package users

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role is the three-tier authorization role of a user.
type Role string

const (
	RoleUser      Role = "user"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

// rank orders roles for [Role.AtLeast]. Unknown roles rank below user.
func (r Role) rank() int {
	switch r {
	case RoleUser:
		return 1
	case RoleModerator:
		return 2
	case RoleAdmin:
		return 3
	default:
		return 0
	}
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool { return r.rank() > 0 }

// AtLeast reports whether r grants everything min grants.
func (r Role) AtLeast(min Role) bool {
	return r.Valid() && r.rank() >= min.rank()
}

// String returns the role name.
func (r Role) String() string { return string(r) }

// User is the persisted, provider-independent account record.
type User struct {
	ID            uuid.UUID  `json:"id"`
	Email         string     `json:"email"`
	Username      string     `json:"username"`
	FullName      string     `json:"full_name"`
	Role          Role       `json:"role"`
	IsActive      bool       `json:"is_active"`
	EmailVerified bool       `json:"email_verified"`
	ExternalID    string     `json:"-"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	LastLogin     *time.Time `json:"last_login,omitempty"`
}

// Clone returns a deep copy of u.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	if u.LastLogin != nil {
		t := *u.LastLogin
		c.LastLogin = &t
	}
	return &c
}

// Profile is the identity asserted by a verified token or by trusted proxy
// headers, ready to be reconciled onto a [User].
type Profile struct {
	// ExternalID is the provider subject id. Empty for the proxy-header
	// path, in which case the user is matched by email only.
	ExternalID string

	Email     string
	FirstName string
	LastName  string

	// Username is the provider's preferred username, if any.
	Username string

	Role Role

	// EmailVerified is nil when the provider made no assertion.
	EmailVerified *bool
}

// NormalizedEmail returns the email trimmed and lower-cased.
func (p Profile) NormalizedEmail() string {
	return normalizeEmail(p.Email)
}

// FullName joins the name parts. It is empty when neither part is set.
func (p Profile) FullName() string {
	return strings.TrimSpace(strings.TrimSpace(p.FirstName) + " " + strings.TrimSpace(p.LastName))
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// emailLocalPart returns the part of email before the last "@".
func emailLocalPart(email string) string {
	if i := strings.LastIndex(email, "@"); i >= 0 {
		return email[:i]
	}
	return email
}
