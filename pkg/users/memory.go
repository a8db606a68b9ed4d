package users

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-process [Store] for tests and single-replica
// deployments. It enforces the same uniqueness rules as the PostgreSQL
// schema. It is safe for concurrent use.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[uuid.UUID]*User
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[uuid.UUID]*User)}
}

// Len returns the number of stored users.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

// GetByID returns a copy of the user with id.
func (s *MemoryStore) GetByID(_ context.Context, id uuid.UUID) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if u, ok := s.users[id]; ok {
		return u.Clone(), nil
	}
	return nil, notFound("users: no user with id %s", id)
}

// GetByExternalID returns a copy of the user linked to externalID. An
// empty id never matches.
func (s *MemoryStore) GetByExternalID(_ context.Context, externalID string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if externalID != "" {
		for _, u := range s.users {
			if u.ExternalID == externalID {
				return u.Clone(), nil
			}
		}
	}
	return nil, notFound("users: no user with external id")
}

// GetByEmail returns a copy of the user with the exact email.
func (s *MemoryStore) GetByEmail(_ context.Context, email string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Email == email {
			return u.Clone(), nil
		}
	}
	return nil, notFound("users: no user with that email")
}

// Create stores a copy of u.
func (s *MemoryStore) Create(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkUniqueLocked(u); err != nil {
		return err
	}
	s.users[u.ID] = u.Clone()
	return nil
}

// RecordLogin applies l under the store's write lock.
func (s *MemoryStore) RecordLogin(_ context.Context, id uuid.UUID, l Login) (*User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.users[id]
	if !ok {
		return nil, false, notFound("users: no user with id %s", id)
	}
	u := cur.Clone()
	changed, err := l.applyTo(u)
	if err != nil {
		return nil, false, err
	}
	if err := s.checkUniqueLocked(u); err != nil {
		return nil, false, err
	}
	s.users[id] = u
	return u.Clone(), changed, nil
}

// checkUniqueLocked rejects u if another user holds its email, username or
// external id. The caller must hold s.mu.
func (s *MemoryStore) checkUniqueLocked(u *User) error {
	for id, other := range s.users {
		if id == u.ID {
			continue
		}
		switch {
		case other.Email == u.Email:
			return uniqueViolation(FieldEmail)
		case other.Username == u.Username:
			return uniqueViolation(FieldUsername)
		case u.ExternalID != "" && other.ExternalID == u.ExternalID:
			return uniqueViolation(FieldExternalID)
		}
	}
	return nil
}
