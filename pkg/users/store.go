package users

import (
	"context"
	"time"

	"github.com/google/uuid"

	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
)

// DetailField is the [sserr.Error] detail key a [Store] sets on a
// [sserr.CodeConflictAlreadyExists] error to name the unique column that
// rejected the write.
const DetailField = "field"

// Unique columns reported under [DetailField].
const (
	FieldEmail      = "email"
	FieldUsername   = "username"
	FieldExternalID = "external_id"
)

// Store persists users. Implementations must enforce uniqueness of email,
// username and non-empty external id, and must report lookups that match
// nothing as [sserr.CodeNotFoundUser].
type Store interface {
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByExternalID(ctx context.Context, externalID string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)

	// Create inserts u. A uniqueness violation returns
	// [sserr.CodeConflictAlreadyExists] with [DetailField] set.
	Create(ctx context.Context, u *User) error

	// RecordLogin applies l to the current row of user id while holding it
	// locked and returns the stored row and whether any column besides
	// last_login changed. Columns outside [Login] are never written. A row
	// linked to a different subject fails with
	// [sserr.CodeConflictIdentityLink].
	RecordLogin(ctx context.Context, id uuid.UUID, l Login) (*User, bool, error)
}

// Login is the part of a user row refreshed on every successful login.
type Login struct {
	ExternalID    string
	FullName      string
	Role          Role
	EmailVerified *bool
	At            time.Time
}

// applyTo merges l into u. It backfills an unset external id and refuses
// to replace a different one.
func (l Login) applyTo(u *User) (bool, error) {
	changed := false
	switch {
	case l.ExternalID == "" || u.ExternalID == l.ExternalID:
	case u.ExternalID == "":
		u.ExternalID = l.ExternalID
		changed = true
	default:
		return false, linkConflict("users: email is linked to a different subject", u.ID)
	}
	if l.FullName != "" && l.FullName != u.FullName {
		u.FullName = l.FullName
		changed = true
	}
	if l.Role.Valid() && l.Role != u.Role {
		u.Role = l.Role
		changed = true
	}
	if l.EmailVerified != nil && *l.EmailVerified != u.EmailVerified {
		u.EmailVerified = *l.EmailVerified
		changed = true
	}
	at := l.At
	u.LastLogin = &at
	if changed {
		u.UpdatedAt = at
	}
	return changed, nil
}

func notFound(format string, args ...any) *sserr.Error {
	return sserr.Newf(sserr.CodeNotFoundUser, format, args...)
}

func uniqueViolation(field string) *sserr.Error {
	return sserr.Newf(sserr.CodeConflictAlreadyExists, "users: %s already in use", field).
		WithDetail(DetailField, field)
}

// conflictField returns the column named by a uniqueness error, or "".
func conflictField(err error) string {
	e, ok := sserr.AsError(err)
	if !ok {
		return ""
	}
	field, _ := e.Details[DetailField].(string)
	return field
}
