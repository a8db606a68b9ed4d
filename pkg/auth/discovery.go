package auth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
)

// tracerName is the OpenTelemetry instrumentation scope for auth spans.
const tracerName = "github.com/StricklySoft/stricklysoft-identity/pkg/auth"

// maxResponseSize caps every provider response body (1 MB).
const maxResponseSize = 1 << 20

// Conventional provider paths used when discovery is unreachable.
const (
	wellKnownPath     = "/.well-known/openid-configuration"
	fallbackJWKSPath  = "/jwks/"
	fallbackTokenPath = "/token"
)

// HTTPClient abstracts the client used for provider calls. [http.Client]
// satisfies it.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ProviderMetadata is the subset of the OIDC discovery document this
// package uses.
type ProviderMetadata struct {
	Issuer             string `json:"issuer"`
	JWKSURI            string `json:"jwks_uri"`
	TokenEndpoint      string `json:"token_endpoint"`
	EndSessionEndpoint string `json:"end_session_endpoint,omitempty"`

	// Fallback is true when the document could not be fetched and the
	// endpoints are the conventional paths under the issuer.
	Fallback bool `json:"-"`
}

// DiscoveryRetryInterval is how long the fallback endpoints are served
// after a failed fetch before discovery is tried again.
const DiscoveryRetryInterval = 30 * time.Second

// Discovery resolves and caches the provider's discovery document.
//
// A successfully fetched document is kept for the life of the process.
// After a failure the conventional fallback endpoints are served for
// [DiscoveryRetryInterval], then the next call fetches again. Concurrent
// calls share one in-flight fetch.
type Discovery struct {
	cfg    *Config
	client HTTPClient
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time

	doc      atomic.Pointer[ProviderMetadata]
	fallback atomic.Pointer[fallbackEntry]
	group    singleflight.Group
}

type fallbackEntry struct {
	meta  *ProviderMetadata
	until time.Time
}

// DiscoveryOption configures a [Discovery].
type DiscoveryOption func(*Discovery)

// WithDiscoveryClock overrides the time source for the retry interval.
func WithDiscoveryClock(now func() time.Time) DiscoveryOption {
	return func(d *Discovery) {
		if now != nil {
			d.now = now
		}
	}
}

// NewDiscovery returns a Discovery for cfg's issuer.
func NewDiscovery(cfg *Config, client HTTPClient, logger *slog.Logger, opts ...DiscoveryOption) *Discovery {
	if client == nil {
		client = &http.Client{Timeout: cfg.HTTPTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Discovery{
		cfg:    cfg,
		client: client,
		logger: logger,
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Metadata returns the discovered endpoints, or the fallback endpoints if
// the document is unreachable. It never fails; callers learn about an
// unreachable provider when they use the returned endpoints.
func (d *Discovery) Metadata(ctx context.Context) *ProviderMetadata {
	if doc := d.cached(); doc != nil {
		return doc
	}

	v, _, _ := d.group.Do("discovery", func() (any, error) {
		if doc := d.cached(); doc != nil {
			return doc, nil
		}
		doc, err := d.fetch(context.WithoutCancel(ctx))
		if err != nil {
			d.logger.WarnContext(ctx, "auth: discovery failed, using conventional endpoints",
				"issuer", d.cfg.IssuerURL, "error", err, "retry_in", DiscoveryRetryInterval)
			fb := d.conventional()
			d.fallback.Store(&fallbackEntry{meta: fb, until: d.now().Add(DiscoveryRetryInterval)})
			return fb, nil
		}
		d.doc.Store(doc)
		d.fallback.Store(nil)
		return doc, nil
	})
	return v.(*ProviderMetadata)
}

// cached returns the fetched document, or the fallback while its retry
// interval has not elapsed, or nil.
func (d *Discovery) cached() *ProviderMetadata {
	if doc := d.doc.Load(); doc != nil {
		return doc
	}
	if fb := d.fallback.Load(); fb != nil && d.now().Before(fb.until) {
		return fb.meta
	}
	return nil
}

// EndSessionURL returns the configured override, else the discovered
// end_session_endpoint, else "".
func (d *Discovery) EndSessionURL(ctx context.Context) string {
	if d.cfg.EndSessionURL != "" {
		return d.cfg.EndSessionURL
	}
	return d.Metadata(ctx).EndSessionEndpoint
}

func (d *Discovery) conventional() *ProviderMetadata {
	return &ProviderMetadata{
		Issuer:        d.cfg.IssuerURL,
		JWKSURI:       d.cfg.issuerPath(fallbackJWKSPath),
		TokenEndpoint: d.cfg.issuerPath(fallbackTokenPath),
		Fallback:      true,
	}
}

func (d *Discovery) fetch(ctx context.Context) (_ *ProviderMetadata, err error) {
	ctx, span := startSpan(ctx, d.tracer, "auth.Discover")
	defer func() {
		finishSpan(span, err)
		span.End()
	}()

	url := d.cfg.issuerPath(wellKnownPath)
	span.SetAttributes(attribute.String("auth.discovery_url", url))

	body, err := fetchBody(ctx, d.client, d.cfg.HTTPTimeout, url)
	if err != nil {
		return nil, err
	}

	var doc ProviderMetadata
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeUnavailableDiscovery, "auth: discovery document is not valid JSON")
	}
	if doc.JWKSURI == "" {
		return nil, sserr.New(sserr.CodeUnavailableDiscovery, "auth: discovery document missing jwks_uri")
	}
	if doc.TokenEndpoint == "" {
		doc.TokenEndpoint = d.cfg.issuerPath(fallbackTokenPath)
	}
	return &doc, nil
}

// fetchBody GETs url and returns at most maxResponseSize bytes of a 200
// response. Transport timeouts become [sserr.CodeTimeoutDependency]; other
// failures become [sserr.CodeUnavailableDependency].
func fetchBody(ctx context.Context, client HTTPClient, timeout time.Duration, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, sserr.Wrapf(err, sserr.CodeInternalConfiguration, "auth: invalid provider URL %q", url)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, transportError(err, url)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, sserr.Newf(sserr.CodeUnavailableDependency, "auth: %s returned status %d", url, resp.StatusCode).
			WithDetail("status", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, transportError(err, url)
	}
	return body, nil
}

func transportError(err error, url string) *sserr.Error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return sserr.Wrapf(err, sserr.CodeTimeoutDependency, "auth: request to %s timed out", url)
	}
	return sserr.Wrapf(err, sserr.CodeUnavailableDependency, "auth: request to %s failed", url)
}
