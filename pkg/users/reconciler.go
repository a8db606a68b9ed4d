package users

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
)

const tracerName = "github.com/StricklySoft/stricklysoft-identity/pkg/users"

// maxUsernameLen matches the username column width.
const maxUsernameLen = 50

// Outcome describes what [Reconciler.Resolve] did to the store.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeUpdated   Outcome = "updated"
	OutcomeUnchanged Outcome = "unchanged"
)

// Reconciler maps verified identities onto persisted users.
type Reconciler struct {
	store  Store
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// ReconcilerOption configures a [Reconciler].
type ReconcilerOption func(*Reconciler)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// NewReconciler returns a Reconciler writing to store.
func NewReconciler(store Store, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		store:  store,
		logger: slog.Default(),
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the user with the given id.
func (r *Reconciler) Get(ctx context.Context, id uuid.UUID) (*User, error) {
	return r.store.GetByID(ctx, id)
}

// Resolve finds the user p refers to, creating it on first sight and
// refreshing its mutable fields otherwise. last_login is always advanced.
//
// Lookup is by external id first, then by email. When both lookups hit
// different rows, or the email row is already linked to another subject,
// Resolve fails with [sserr.CodeConflictIdentityLink] and writes nothing.
// A create that loses a uniqueness race is retried once as an update; if
// that still finds nothing the result is [sserr.CodeConflictReconciliation].
func (r *Reconciler) Resolve(ctx context.Context, p Profile) (*User, error) {
	ctx, span := r.tracer.Start(ctx, "users.Resolve")
	defer span.End()

	u, outcome, err := r.resolve(ctx, p)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("users.outcome", string(outcome)),
		attribute.String("users.id", u.ID.String()),
	)
	r.logger.DebugContext(ctx, "users: identity reconciled",
		"user_id", u.ID, "outcome", outcome, "linked", u.ExternalID != "")
	return u, nil
}

func (r *Reconciler) resolve(ctx context.Context, p Profile) (*User, Outcome, error) {
	email := p.NormalizedEmail()
	if email == "" {
		return nil, "", sserr.New(sserr.CodeValidationRequired, "users: identity has no email")
	}
	if !p.Role.Valid() {
		p.Role = RoleUser
	}

	existing, err := r.match(ctx, p, email)
	if err != nil {
		return nil, "", err
	}
	if existing != nil {
		return r.update(ctx, existing, p)
	}

	u, err := r.create(ctx, p, email)
	if err == nil {
		return u, OutcomeCreated, nil
	}
	if !sserr.HasCode(err, sserr.CodeConflictAlreadyExists) {
		return nil, "", err
	}

	// A concurrent first login inserted the row between match and create.
	existing, mErr := r.match(ctx, p, email)
	if mErr != nil {
		return nil, "", mErr
	}
	if existing == nil {
		return nil, "", sserr.Wrap(err, sserr.CodeConflictReconciliation,
			"users: concurrent create conflicted and no matching user was found")
	}
	return r.update(ctx, existing, p)
}

// match returns the user p refers to, or nil when there is none.
func (r *Reconciler) match(ctx context.Context, p Profile, email string) (*User, error) {
	var bySubject *User
	if p.ExternalID != "" {
		u, err := r.store.GetByExternalID(ctx, p.ExternalID)
		if err != nil && !sserr.IsNotFound(err) {
			return nil, err
		}
		bySubject = u
	}

	byEmail, err := r.store.GetByEmail(ctx, email)
	if err != nil && !sserr.IsNotFound(err) {
		return nil, err
	}

	switch {
	case bySubject != nil && byEmail != nil && bySubject.ID != byEmail.ID:
		return nil, linkConflict("users: subject and email belong to different users", bySubject.ID, byEmail.ID)
	case bySubject != nil:
		return bySubject, nil
	case byEmail != nil:
		if p.ExternalID != "" && byEmail.ExternalID != "" && byEmail.ExternalID != p.ExternalID {
			return nil, linkConflict("users: email is linked to a different subject", byEmail.ID)
		}
		return byEmail, nil
	default:
		return nil, nil
	}
}

func (r *Reconciler) create(ctx context.Context, p Profile, email string) (*User, error) {
	now := r.now().UTC()
	local := emailLocalPart(email)

	fullName := p.FullName()
	if fullName == "" {
		fullName = local
	}
	username := p.Username
	if username == "" {
		username = local
	}
	verified := false
	if p.EmailVerified != nil {
		verified = *p.EmailVerified
	}

	u := &User{
		ID:            uuid.New(),
		Email:         email,
		Username:      truncate(username, maxUsernameLen),
		FullName:      fullName,
		Role:          p.Role,
		IsActive:      true,
		EmailVerified: verified,
		ExternalID:    p.ExternalID,
		CreatedAt:     now,
		UpdatedAt:     now,
		LastLogin:     &now,
	}

	err := r.store.Create(ctx, u)
	if err != nil && conflictField(err) == FieldUsername {
		// Same local part under another domain.
		u.Username = truncate(username, maxUsernameLen-7) + "-" + randomSuffix()
		err = r.store.Create(ctx, u)
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// update refreshes the login columns of u. The store re-reads the row
// under lock, so u only supplies the id.
func (r *Reconciler) update(ctx context.Context, u *User, p Profile) (*User, Outcome, error) {
	stored, changed, err := r.store.RecordLogin(ctx, u.ID, Login{
		ExternalID:    p.ExternalID,
		FullName:      p.FullName(),
		Role:          p.Role,
		EmailVerified: p.EmailVerified,
		At:            r.now().UTC(),
	})
	if err != nil {
		if conflictField(err) == FieldExternalID {
			return nil, "", sserr.Wrap(err, sserr.CodeConflictIdentityLink,
				"users: subject is already linked to another user").
				WithDetail("user_id", u.ID.String())
		}
		return nil, "", err
	}
	if !changed {
		return stored, OutcomeUnchanged, nil
	}
	return stored, OutcomeUpdated, nil
}

func linkConflict(msg string, ids ...uuid.UUID) *sserr.Error {
	s := make([]string, len(ids))
	for i, id := range ids {
		s[i] = id.String()
	}
	return sserr.New(sserr.CodeConflictIdentityLink, msg).WithDetail("user_ids", s)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func randomSuffix() string {
	b := make([]byte, 3)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
