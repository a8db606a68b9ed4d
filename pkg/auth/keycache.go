package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
)

// snapshotTTL is how long a shared key set snapshot outlives its fetch.
// It is only read when the provider is unreachable.
const snapshotTTL = 24 * time.Hour

// SigningKey is one public key from the provider's key set.
type SigningKey struct {
	KeyID string

	// Algorithm is the key's declared "alg", or "" when the provider did
	// not declare one.
	Algorithm string

	// Key is an *rsa.PublicKey, *ecdsa.PublicKey or ed25519.PublicKey.
	Key any
}

// keySet is an immutable snapshot of the provider's keys. It is replaced
// wholesale on refresh and never modified after construction.
type keySet struct {
	keys      map[string]SigningKey
	fetchedAt time.Time
}

// KeySetStore shares raw JWKS documents between replicas so a replica
// that cannot reach the provider can still verify tokens signed with
// recently published keys.
type KeySetStore interface {
	LoadKeySet(ctx context.Context, issuer string) ([]byte, error)
	SaveKeySet(ctx context.Context, issuer string, jwks []byte, ttl time.Duration) error
}

// KeyCache fetches and caches the provider's signing keys by key id.
//
// Lookups read an atomically published snapshot and never block on a
// refresh that is not theirs. A miss or an expired snapshot triggers
// exactly one refresh; concurrent refreshes coalesce into a single fetch.
// If a refresh fails, keys from the previous snapshot or from the shared
// [KeySetStore] are still served.
//
// KeyCache is safe for concurrent use.
type KeyCache struct {
	cfg       *Config
	discovery *Discovery
	client    HTTPClient
	store     KeySetStore
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time

	current atomic.Pointer[keySet]
	group   singleflight.Group
}

// KeyCacheOption configures a [KeyCache].
type KeyCacheOption func(*KeyCache)

// WithKeySetStore shares fetched key sets through s.
func WithKeySetStore(s KeySetStore) KeyCacheOption {
	return func(c *KeyCache) { c.store = s }
}

// WithKeyCacheLogger sets the logger. The default is slog.Default().
func WithKeyCacheLogger(l *slog.Logger) KeyCacheOption {
	return func(c *KeyCache) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithKeyCacheClock overrides the time source used for TTL checks.
func WithKeyCacheClock(now func() time.Time) KeyCacheOption {
	return func(c *KeyCache) {
		if now != nil {
			c.now = now
		}
	}
}

// NewKeyCache returns an empty cache. Keys are fetched on first use.
func NewKeyCache(cfg *Config, discovery *Discovery, client HTTPClient, opts ...KeyCacheOption) *KeyCache {
	if client == nil {
		client = &http.Client{Timeout: cfg.HTTPTimeout}
	}
	c := &KeyCache{
		cfg:       cfg,
		discovery: discovery,
		client:    client,
		logger:    slog.Default(),
		tracer:    otel.Tracer(tracerName),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetKey returns the signing key with the given id.
//
// It fails with [sserr.CodeAuthenticationKeyNotFound] if the id is absent
// after a refresh, and with [sserr.CodeUnavailableDiscovery] if neither
// the discovered nor the conventional key set URL could be fetched and no
// earlier copy holds the key.
func (c *KeyCache) GetKey(ctx context.Context, kid string) (SigningKey, error) {
	set := c.current.Load()
	if set != nil && c.fresh(set) {
		if k, ok := set.keys[kid]; ok {
			return k, nil
		}
	}

	refreshed, err := c.refresh(ctx)
	if err != nil {
		if k, ok := c.staleKey(ctx, set, kid); ok {
			c.logger.WarnContext(ctx, "auth: key set refresh failed, serving cached key",
				"kid", kid, "error", err)
			KeyRefreshesTotal.WithLabelValues(resultStale).Inc()
			return k, nil
		}
		return SigningKey{}, err
	}

	if k, ok := refreshed.keys[kid]; ok {
		return k, nil
	}
	return SigningKey{}, sserr.Newf(sserr.CodeAuthenticationKeyNotFound,
		"auth: key id %q not found in provider key set", kid).WithDetail("kid", kid)
}

// Refresh fetches the key set now and publishes it. Use it to warm the
// cache at start-up.
func (c *KeyCache) Refresh(ctx context.Context) error {
	_, err := c.refresh(ctx)
	return err
}

// refresh runs one fetch per issuer at a time. Callers that arrive while a
// fetch is running wait for it and share its result.
func (c *KeyCache) refresh(ctx context.Context) (*keySet, error) {
	v, err, _ := c.group.Do(c.cfg.IssuerURL, func() (any, error) {
		return c.fetch(context.WithoutCancel(ctx))
	})
	if err != nil {
		return nil, err
	}
	return v.(*keySet), nil
}

// Len returns the number of keys in the published snapshot.
func (c *KeyCache) Len() int {
	if set := c.current.Load(); set != nil {
		return len(set.keys)
	}
	return 0
}

func (c *KeyCache) fresh(set *keySet) bool {
	return c.now().Sub(set.fetchedAt) < c.cfg.KeyCacheTTL
}

func (c *KeyCache) fetch(ctx context.Context) (_ *keySet, err error) {
	ctx, span := startSpan(ctx, c.tracer, "auth.FetchKeySet")
	defer func() {
		finishSpan(span, err)
		span.End()
	}()

	meta := c.discovery.Metadata(ctx)
	span.SetAttributes(
		attribute.String("auth.jwks_uri", meta.JWKSURI),
		attribute.Bool("auth.discovery_fallback", meta.Fallback),
	)

	body, err := fetchBody(ctx, c.client, c.cfg.HTTPTimeout, meta.JWKSURI)
	if err != nil {
		KeyRefreshesTotal.WithLabelValues(resultError).Inc()
		if meta.Fallback && !sserr.IsTimeout(err) {
			return nil, sserr.Wrap(err, sserr.CodeUnavailableDiscovery,
				"auth: provider discovery and conventional key set are both unreachable")
		}
		return nil, err
	}

	set, err := parseKeySet(body, c.now())
	if err != nil {
		KeyRefreshesTotal.WithLabelValues(resultError).Inc()
		return nil, err
	}

	c.current.Store(set)
	KeyRefreshesTotal.WithLabelValues(resultSuccess).Inc()
	span.SetAttributes(attribute.Int("auth.key_count", len(set.keys)))

	if c.store != nil {
		if err := c.store.SaveKeySet(ctx, c.cfg.IssuerURL, body, snapshotTTL); err != nil {
			c.logger.WarnContext(ctx, "auth: failed to share key set snapshot", "error", err)
		}
	}
	return set, nil
}

// staleKey looks kid up in the previous snapshot, then in the shared store.
func (c *KeyCache) staleKey(ctx context.Context, prev *keySet, kid string) (SigningKey, bool) {
	if prev != nil {
		if k, ok := prev.keys[kid]; ok {
			return k, true
		}
	}
	if c.store == nil {
		return SigningKey{}, false
	}
	raw, err := c.store.LoadKeySet(ctx, c.cfg.IssuerURL)
	if err != nil {
		if !sserr.IsNotFound(err) {
			c.logger.WarnContext(ctx, "auth: failed to load shared key set snapshot", "error", err)
		}
		return SigningKey{}, false
	}
	shared, err := parseKeySet(raw, c.now())
	if err != nil {
		return SigningKey{}, false
	}
	k, ok := shared.keys[kid]
	return k, ok
}

// parseKeySet converts a JWKS document into a snapshot. Keys without a
// kid, keys not meant for signatures and symmetric keys are skipped.
func parseKeySet(raw []byte, now time.Time) (*keySet, error) {
	set, err := jwk.Parse(raw)
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeUnavailableDependency, "auth: provider key set is not a valid JWKS")
	}

	keys := make(map[string]SigningKey, set.Len())
	for i := range set.Len() {
		key, ok := set.Key(i)
		if !ok {
			continue
		}
		kid, ok := key.KeyID()
		if !ok || kid == "" {
			continue
		}
		if use, ok := key.KeyUsage(); ok && use != "" && use != "sig" {
			continue
		}
		pub, err := jwk.PublicKeyOf(key)
		if err != nil {
			continue
		}
		var material any
		if err := jwk.Export(pub, &material); err != nil {
			continue
		}
		if !asymmetric(material) {
			continue
		}
		sk := SigningKey{KeyID: kid, Key: material}
		if alg, ok := key.Algorithm(); ok {
			sk.Algorithm = alg.String()
		}
		keys[kid] = sk
	}
	return &keySet{keys: keys, fetchedAt: now}, nil
}

func asymmetric(k any) bool {
	switch k.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey, ed25519.PublicKey:
		return true
	default:
		return false
	}
}
