package auth

import (
	"context"
	"log/slog"
	"net/http"

	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
	"github.com/StricklySoft/stricklysoft-identity/pkg/users"
)

// Service wires every component from one [Config]. Its fields are set by
// [NewService] and must not be replaced afterwards.
type Service struct {
	Config        *Config
	Discovery     *Discovery
	Keys          *KeyCache
	Adapter       ProviderAdapter
	Verifier      *TokenVerifier
	Exchanger     *CodeExchanger
	Authenticator *Authenticator
	Cookies       *CookieManager
	Users         UserResolver

	logger *slog.Logger
}

type serviceOptions struct {
	client     *http.Client
	logger     *slog.Logger
	keyStore   KeySetStore
	keyOpts    []KeyCacheOption
	verifyOpts []VerifierOption
}

// ServiceOption configures [NewService].
type ServiceOption func(*serviceOptions)

// WithHTTPClient sets the client used for every provider call.
func WithHTTPClient(c *http.Client) ServiceOption {
	return func(o *serviceOptions) { o.client = c }
}

// WithServiceLogger sets the logger shared by all components.
func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(o *serviceOptions) { o.logger = l }
}

// WithSharedKeySetStore shares fetched key sets between replicas.
func WithSharedKeySetStore(s KeySetStore) ServiceOption {
	return func(o *serviceOptions) { o.keyStore = s }
}

// WithKeyCacheOptions passes options through to [NewKeyCache].
func WithKeyCacheOptions(opts ...KeyCacheOption) ServiceOption {
	return func(o *serviceOptions) { o.keyOpts = append(o.keyOpts, opts...) }
}

// WithVerifierOptions passes options through to [NewTokenVerifier].
func WithVerifierOptions(opts ...VerifierOption) ServiceOption {
	return func(o *serviceOptions) { o.verifyOpts = append(o.verifyOpts, opts...) }
}

// NewService validates cfg and builds the components. cfg is copied; later
// changes to the caller's value have no effect.
func NewService(cfg Config, resolver UserResolver, opts ...ServiceOption) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if resolver == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "auth: a user resolver is required")
	}

	o := serviceOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.client == nil {
		o.client = &http.Client{Timeout: cfg.HTTPTimeout}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	c := &cfg
	adapter, err := NewProviderAdapter(c)
	if err != nil {
		return nil, err
	}

	keyOpts := append([]KeyCacheOption{WithKeyCacheLogger(o.logger)}, o.keyOpts...)
	if o.keyStore != nil {
		keyOpts = append(keyOpts, WithKeySetStore(o.keyStore))
	}

	discovery := NewDiscovery(c, o.client, o.logger)
	keys := NewKeyCache(c, discovery, o.client, keyOpts...)
	verifier := NewTokenVerifier(c, keys, adapter, o.verifyOpts...)

	return &Service{
		Config:        c,
		Discovery:     discovery,
		Keys:          keys,
		Adapter:       adapter,
		Verifier:      verifier,
		Exchanger:     NewCodeExchanger(c, discovery, verifier, o.client, o.logger),
		Authenticator: NewAuthenticator(o.logger, DefaultSources(c, verifier, resolver)...),
		Cookies:       NewCookieManager(c.Cookie),
		Users:         resolver,
		logger:        o.logger,
	}, nil
}

// LoginResult is the outcome of [Service.Login].
type LoginResult struct {
	User   *users.User
	Tokens *TokenResponse
}

// Login completes an interactive login: it exchanges the code, then
// reconciles the verified identity. Nothing is reconciled when the
// exchange fails.
func (s *Service) Login(ctx context.Context, code, state, codeVerifier string) (*LoginResult, error) {
	tokens, err := s.Exchanger.Exchange(ctx, code, state, codeVerifier)
	if err != nil {
		return nil, err
	}
	ident := s.Adapter.ExtractIdentity(tokens.Claims.Raw)
	u, err := s.Users.Resolve(ctx, ident.Profile())
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "auth: login completed", "user_id", u.ID, "role", u.Role)
	return &LoginResult{User: u, Tokens: tokens}, nil
}

// FrontendConfig is what a browser client needs to start the
// authorization-code flow.
type FrontendConfig struct {
	Issuer       string       `json:"issuer"`
	ClientID     string       `json:"clientId"`
	RedirectURI  string       `json:"redirectUri"`
	Scopes       []string     `json:"scopes"`
	ResponseType string       `json:"responseType"`
	UsePKCE      bool         `json:"usePKCE"`
	Provider     ProviderKind `json:"provider"`
}

// FrontendConfig returns the public client configuration.
func (s *Service) FrontendConfig() FrontendConfig {
	return FrontendConfig{
		Issuer:       s.Config.IssuerURL,
		ClientID:     s.Config.ClientID,
		RedirectURI:  s.Config.RedirectURI(),
		Scopes:       s.Config.Scopes,
		ResponseType: "code",
		UsePKCE:      true,
		Provider:     s.Config.Provider,
	}
}

// Resolve is a shortcut for [Authenticator.Resolve] on an HTTP request.
func (s *Service) Resolve(r *http.Request) (*Identity, error) {
	return s.Authenticator.Resolve(r.Context(), CredentialsFromRequest(r, s.Cookies.Name()))
}
