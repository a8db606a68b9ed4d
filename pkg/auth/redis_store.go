package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/StricklySoft/stricklysoft-identity/pkg/clients/redis"
)

// keySetPrefix namespaces snapshot keys in a shared Redis.
const keySetPrefix = "identity:jwks:"

// RedisKeySetStore is a [KeySetStore] backed by Redis.
type RedisKeySetStore struct {
	client *redis.Client
}

var _ KeySetStore = (*RedisKeySetStore)(nil)

// NewRedisKeySetStore returns a store writing through client.
func NewRedisKeySetStore(client *redis.Client) *RedisKeySetStore {
	return &RedisKeySetStore{client: client}
}

// LoadKeySet returns the snapshot for issuer. A missing snapshot is
// reported as a not-found error.
func (s *RedisKeySetStore) LoadKeySet(ctx context.Context, issuer string) ([]byte, error) {
	v, err := s.client.Get(ctx, snapshotKey(issuer))
	if err != nil {
		return nil, err
	}
	return []byte(v), nil
}

// SaveKeySet replaces the snapshot for issuer.
func (s *RedisKeySetStore) SaveKeySet(ctx context.Context, issuer string, jwks []byte, ttl time.Duration) error {
	return s.client.Set(ctx, snapshotKey(issuer), jwks, ttl)
}

// snapshotKey hashes the issuer so arbitrary URLs make well-formed keys.
func snapshotKey(issuer string) string {
	sum := sha256.Sum256([]byte(issuer))
	return keySetPrefix + hex.EncodeToString(sum[:8])
}
