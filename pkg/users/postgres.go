package users

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/StricklySoft/stricklysoft-identity/pkg/clients/postgres"
	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
)

// Schema is the DDL applied by [PostgresStore.EnsureSchema]. The partial
// index lets any number of rows leave external_id unset.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id             UUID PRIMARY KEY,
	email          VARCHAR(255) NOT NULL,
	username       VARCHAR(50)  NOT NULL,
	full_name      VARCHAR(255) NOT NULL DEFAULT '',
	role           VARCHAR(20)  NOT NULL DEFAULT 'user',
	is_active      BOOLEAN      NOT NULL DEFAULT TRUE,
	email_verified BOOLEAN      NOT NULL DEFAULT FALSE,
	external_id    VARCHAR(255),
	created_at     TIMESTAMPTZ  NOT NULL,
	updated_at     TIMESTAMPTZ  NOT NULL,
	last_login     TIMESTAMPTZ,
	CONSTRAINT users_email_key UNIQUE (email),
	CONSTRAINT users_username_key UNIQUE (username)
);
CREATE UNIQUE INDEX IF NOT EXISTS users_external_id_key ON users (external_id) WHERE external_id IS NOT NULL;
`

const userColumns = `id, email, username, full_name, role, is_active, email_verified, external_id, created_at, updated_at, last_login`

// constraintFields maps unique constraint names to [DetailField] values.
var constraintFields = map[string]string{
	"users_email_key":       FieldEmail,
	"users_username_key":    FieldUsername,
	"users_external_id_key": FieldExternalID,
}

// PostgresStore is the PostgreSQL-backed [Store].
type PostgresStore struct {
	db *postgres.Client
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore returns a store using db.
func NewPostgresStore(db *postgres.Client) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the users table and its indexes if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, Schema)
	return err
}

// GetByID returns the user with id.
func (s *PostgresStore) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return s.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

// GetByExternalID returns the user linked to externalID. An empty id
// never matches and issues no query.
func (s *PostgresStore) GetByExternalID(ctx context.Context, externalID string) (*User, error) {
	if externalID == "" {
		return nil, notFound("users: no user with external id")
	}
	return s.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE external_id = $1`, externalID)
}

// GetByEmail returns the user with the exact email.
func (s *PostgresStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	return s.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
}

// Create inserts u.
func (s *PostgresStore) Create(ctx context.Context, u *User) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		u.ID, u.Email, u.Username, u.FullName, string(u.Role), u.IsActive, u.EmailVerified,
		nullable(u.ExternalID), u.CreatedAt, u.UpdatedAt, u.LastLogin,
	)
	return translate(err)
}

// RecordLogin reads the row with SELECT ... FOR UPDATE inside a
// transaction, applies l and writes back only the login columns.
func (s *PostgresStore) RecordLogin(ctx context.Context, id uuid.UUID, l Login) (*User, bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	u, err := scanUser(tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, false, err
	}
	changed, err := l.applyTo(u)
	if err != nil {
		return nil, false, err
	}

	if changed {
		_, err = tx.Exec(ctx,
			`UPDATE users SET external_id = $2, full_name = $3, role = $4, email_verified = $5,
				updated_at = $6, last_login = $7
			WHERE id = $1`,
			u.ID, nullable(u.ExternalID), u.FullName, string(u.Role), u.EmailVerified, u.UpdatedAt, u.LastLogin,
		)
	} else {
		_, err = tx.Exec(ctx, `UPDATE users SET last_login = $2 WHERE id = $1`, u.ID, u.LastLogin)
	}
	if err != nil {
		return nil, false, translate(postgres.ClassifyError(err, "users: record login failed"))
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, postgres.ClassifyError(err, "users: commit failed")
	}
	return u, changed, nil
}

func (s *PostgresStore) getOne(ctx context.Context, sql string, arg any) (*User, error) {
	return scanUser(s.db.QueryRow(ctx, sql, arg))
}

func scanUser(row pgx.Row) (*User, error) {
	var (
		u          User
		role       string
		externalID *string
	)
	err := row.Scan(
		&u.ID, &u.Email, &u.Username, &u.FullName, &role, &u.IsActive, &u.EmailVerified,
		&externalID, &u.CreatedAt, &u.UpdatedAt, &u.LastLogin,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("users: no matching user")
	}
	if err != nil {
		return nil, postgres.ClassifyError(err, "users: lookup failed")
	}
	u.Role = Role(role)
	if externalID != nil {
		u.ExternalID = *externalID
	}
	return &u, nil
}

// translate rewrites a unique violation from the client into the store's
// field-level conflict.
func translate(err error) error {
	if err == nil {
		return nil
	}
	e, ok := sserr.AsError(err)
	if !ok || e.Code != sserr.CodeConflictAlreadyExists {
		return err
	}
	constraint, _ := e.Details[postgres.DetailConstraint].(string)
	field, known := constraintFields[constraint]
	if !known {
		return err
	}
	out := uniqueViolation(field)
	out.Cause = err
	return out
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
