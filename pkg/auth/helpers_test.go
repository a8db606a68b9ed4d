package auth

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/StricklySoft/stricklysoft-identity/internal/testutil/fixtures"
	"github.com/StricklySoft/stricklysoft-identity/internal/testutil/oidctest"
	"github.com/StricklySoft/stricklysoft-identity/pkg/users"
)

// discardLogger keeps expected warnings out of test output.
var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// testConfig returns a valid configuration pointing at p.
func testConfig(p *oidctest.Provider) Config {
	cfg := DefaultConfig()
	cfg.IssuerURL = p.Issuer()
	cfg.ClientID = fixtures.ClientID
	cfg.FrontendURL = fixtures.FrontendURL
	cfg.AdminGroups = []string{fixtures.AdminGroup}
	cfg.ModeratorGroups = []string{fixtures.ModGroup}
	cfg.HTTPTimeout = 2 * time.Second
	return cfg
}

// testEnv is a fake provider plus every component wired against it.
type testEnv struct {
	provider *oidctest.Provider
	cfg      *Config
	store    *users.MemoryStore
	svc      *Service
}

func newTestEnv(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()
	p := oidctest.New(t)
	cfg := testConfig(p)
	for _, m := range mutate {
		m(&cfg)
	}
	store := users.NewMemoryStore()
	svc, err := NewService(cfg, users.NewReconciler(store, users.WithLogger(discardLogger)),
		WithHTTPClient(p.Client()),
		WithServiceLogger(discardLogger),
	)
	require.NoError(t, err, "NewService")
	return &testEnv{provider: p, cfg: svc.Config, store: store, svc: svc}
}

// withRecorder routes spans of every component of e.svc to a recorder.
func (e *testEnv) withRecorder() *tracetest.SpanRecorder {
	rec := tracetest.NewSpanRecorder()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)).Tracer(tracerName)
	e.svc.Discovery.tracer = tracer
	e.svc.Keys.tracer = tracer
	e.svc.Verifier.tracer = tracer
	e.svc.Exchanger.tracer = tracer
	e.svc.Authenticator.tracer = tracer
	return rec
}

// spanNames returns the names of the ended spans in rec.
func spanNames(rec *tracetest.SpanRecorder) []string {
	var names []string
	for _, s := range rec.Ended() {
		names = append(names, s.Name())
	}
	return names
}

// linkedTo presets the external id of a seeded user.
func linkedTo(subject string) func(*users.User) {
	return func(u *users.User) { u.ExternalID = subject }
}

// inactive marks a seeded user as deactivated.
func inactive(u *users.User) { u.IsActive = false }

// seedUser stores an active user, after applying mutate, and returns it.
func seedUser(t *testing.T, store *users.MemoryStore, email string, role users.Role, mutate ...func(*users.User)) *users.User {
	t.Helper()
	now := time.Now().UTC()
	u := &users.User{
		ID:        uuid.New(),
		Email:     email,
		Username:  email,
		FullName:  email,
		Role:      role,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, m := range mutate {
		m(u)
	}
	require.NoError(t, store.Create(context.Background(), u))
	return u
}

// fakeClock is a settable clock for TTL and expiry tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Now()} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// newTestKeyCache returns a cache and its discovery for p, on clock.
func newTestKeyCache(t *testing.T, p *oidctest.Provider, clock *fakeClock, opts ...KeyCacheOption) (*KeyCache, *Discovery) {
	t.Helper()
	cfg := testConfig(p)
	d := NewDiscovery(&cfg, p.Client(), discardLogger, WithDiscoveryClock(clock.Now))
	opts = append([]KeyCacheOption{WithKeyCacheLogger(discardLogger), WithKeyCacheClock(clock.Now)}, opts...)
	return NewKeyCache(&cfg, d, p.Client(), opts...), d
}
