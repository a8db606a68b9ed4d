package postgres

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"
)

// maxSQLTruncateLen bounds the SQL recorded on spans.
const maxSQLTruncateLen = 100

const (
	DefaultHost              = "postgres.databases.svc.cluster.local"
	DefaultPort              = 5432
	DefaultDatabase          = "identity"
	DefaultUser              = "identity"
	DefaultMaxConnLifetime   = time.Hour
	DefaultMaxConnIdleTime   = 30 * time.Minute
	DefaultHealthCheckPeriod = time.Minute
	DefaultConnectTimeout    = 10 * time.Second

	// DefaultHealthTimeout applies to [Client.Health] when the caller's
	// context has no deadline.
	DefaultHealthTimeout = 5 * time.Second
)

const (
	DefaultMaxConns int32 = 25
	DefaultMinConns int32 = 2
)

// SSLMode is a libpq sslmode value.
type SSLMode string

const (
	SSLModeDisable    SSLMode = "disable"
	SSLModeAllow      SSLMode = "allow"
	SSLModePrefer     SSLMode = "prefer"
	SSLModeRequire    SSLMode = "require"
	SSLModeVerifyCA   SSLMode = "verify-ca"
	SSLModeVerifyFull SSLMode = "verify-full"
)

// Valid reports whether m is a recognized sslmode.
func (m SSLMode) Valid() bool {
	switch m {
	case SSLModeDisable, SSLModeAllow, SSLModePrefer, SSLModeRequire, SSLModeVerifyCA, SSLModeVerifyFull:
		return true
	default:
		return false
	}
}

// String returns the sslmode value.
func (m SSLMode) String() string { return string(m) }

// Secret holds a password. Its String, GoString and MarshalText methods
// return a redacted placeholder; use [Secret.Value] for the real value.
type Secret string

const redacted = "[REDACTED]"

func (s Secret) String() string               { return redacted }
func (s Secret) GoString() string             { return redacted }
func (s Secret) MarshalText() ([]byte, error) { return []byte(redacted), nil }

// Value returns the unredacted secret.
func (s Secret) Value() string { return string(s) }

// Config is the connection configuration for the users database. When URI
// is set it takes precedence over the structured fields.
type Config struct {
	// URI is a postgres:// or postgresql:// connection string.
	URI string `json:"uri,omitempty" yaml:"uri" env:"POSTGRES_URI"`

	Host     string  `json:"host,omitempty" yaml:"host" env:"POSTGRES_HOST" envDefault:"postgres.databases.svc.cluster.local"`
	Port     int     `json:"port,omitempty" yaml:"port" env:"POSTGRES_PORT" envDefault:"5432"`
	Database string  `json:"database" yaml:"database" env:"POSTGRES_DATABASE" envDefault:"identity"`
	User     string  `json:"user" yaml:"user" env:"POSTGRES_USER" envDefault:"identity"`
	Password Secret  `json:"-" yaml:"password" env:"POSTGRES_PASSWORD"`
	SSLMode  SSLMode `json:"ssl_mode,omitempty" yaml:"ssl_mode" env:"POSTGRES_SSLMODE" envDefault:"require"`

	// SSLRootCert is a PEM CA bundle for verify-ca and verify-full.
	SSLRootCert string `json:"ssl_root_cert,omitempty" yaml:"ssl_root_cert" env:"POSTGRES_SSL_ROOT_CERT"`

	MaxConns          int32         `json:"max_conns,omitempty" yaml:"max_conns" env:"POSTGRES_MAX_CONNS"`
	MinConns          int32         `json:"min_conns,omitempty" yaml:"min_conns" env:"POSTGRES_MIN_CONNS"`
	MaxConnLifetime   time.Duration `json:"max_conn_lifetime,omitempty" yaml:"max_conn_lifetime" env:"POSTGRES_MAX_CONN_LIFETIME"`
	MaxConnIdleTime   time.Duration `json:"max_conn_idle_time,omitempty" yaml:"max_conn_idle_time" env:"POSTGRES_MAX_CONN_IDLE_TIME"`
	HealthCheckPeriod time.Duration `json:"health_check_period,omitempty" yaml:"health_check_period" env:"POSTGRES_HEALTH_CHECK_PERIOD"`
	ConnectTimeout    time.Duration `json:"connect_timeout,omitempty" yaml:"connect_timeout" env:"POSTGRES_CONNECT_TIMEOUT"`
}

// DefaultConfig returns a Config populated with the package defaults.
func DefaultConfig() *Config {
	return &Config{
		Host:              DefaultHost,
		Port:              DefaultPort,
		Database:          DefaultDatabase,
		User:              DefaultUser,
		SSLMode:           SSLModeRequire,
		MaxConns:          DefaultMaxConns,
		MinConns:          DefaultMinConns,
		MaxConnLifetime:   DefaultMaxConnLifetime,
		MaxConnIdleTime:   DefaultMaxConnIdleTime,
		HealthCheckPeriod: DefaultHealthCheckPeriod,
		ConnectTimeout:    DefaultConnectTimeout,
	}
}

// Validate applies defaults to zero-valued fields and reports the first
// invalid value. Structured fields are not checked when URI is set.
func (c *Config) Validate() error {
	c.applyPoolDefaults()

	if c.MinConns < 0 || c.MaxConns < 0 {
		return errors.New("postgres: config pool sizes must not be negative")
	}
	if c.MaxConns < c.MinConns {
		return fmt.Errorf("postgres: config max_conns (%d) must be >= min_conns (%d)", c.MaxConns, c.MinConns)
	}

	if c.URI != "" {
		u, err := url.Parse(c.URI)
		if err != nil {
			return fmt.Errorf("postgres: config URI is invalid: %w", err)
		}
		if u.Scheme != "postgres" && u.Scheme != "postgresql" {
			return fmt.Errorf("postgres: config URI scheme must be postgres:// or postgresql://, got %q", u.Scheme)
		}
		return nil
	}

	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("postgres: config port must be between 1 and 65535, got %d", c.Port)
	}
	if c.Database == "" {
		return errors.New("postgres: config database must not be empty")
	}
	if c.User == "" {
		return errors.New("postgres: config user must not be empty")
	}
	if c.SSLMode == "" {
		c.SSLMode = SSLModeRequire
	}
	if !c.SSLMode.Valid() {
		return fmt.Errorf("postgres: config ssl_mode %q is not valid", c.SSLMode)
	}
	if c.SSLRootCert != "" {
		if _, err := os.Stat(c.SSLRootCert); err != nil {
			return fmt.Errorf("postgres: config ssl_root_cert %q is not accessible: %w", c.SSLRootCert, err)
		}
	}
	return nil
}

func (c *Config) applyPoolDefaults() {
	if c.MaxConns == 0 {
		c.MaxConns = DefaultMaxConns
	}
	if c.MinConns == 0 {
		c.MinConns = DefaultMinConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = DefaultMaxConnLifetime
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = DefaultMaxConnIdleTime
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = DefaultHealthCheckPeriod
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
}

// ConnectionString returns URI when set, otherwise a postgres:// URL built
// from the structured fields. The result contains the password in clear.
func (c *Config) ConnectionString() string {
	if c.URI != "" {
		return c.URI
	}

	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password.Value()),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   c.Database,
	}

	q := u.Query()
	if c.SSLMode != "" {
		q.Set("sslmode", string(c.SSLMode))
	}
	if c.ConnectTimeout > 0 {
		q.Set("connect_timeout", fmt.Sprintf("%d", int(c.ConnectTimeout.Seconds())))
	}
	u.RawQuery = q.Encode()

	return u.String()
}

// tlsConfig returns a TLS configuration trusting SSLRootCert, or nil when
// no custom CA is configured and pgx should follow sslmode alone.
func (c *Config) tlsConfig() (*tls.Config, error) {
	if c.SSLRootCert == "" || c.SSLMode == SSLModeDisable {
		return nil, nil
	}

	caCert, err := os.ReadFile(c.SSLRootCert)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to read CA certificate %q: %w", c.SSLRootCert, err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("postgres: failed to parse CA certificate from %q", c.SSLRootCert)
	}

	tlsCfg := &tls.Config{
		RootCAs:    pool,
		MinVersion: tls.VersionTLS12,
	}

	switch c.SSLMode {
	case SSLModeVerifyFull:
		tlsCfg.ServerName = c.Host
	case SSLModeVerifyCA:
		// Chain verification without the hostname check.
		tlsCfg.InsecureSkipVerify = true
		tlsCfg.VerifyConnection = func(cs tls.ConnectionState) error {
			if len(cs.PeerCertificates) == 0 {
				return errors.New("postgres: server did not present a certificate")
			}
			opts := x509.VerifyOptions{Roots: pool, Intermediates: x509.NewCertPool()}
			for _, cert := range cs.PeerCertificates[1:] {
				opts.Intermediates.AddCert(cert)
			}
			_, err := cs.PeerCertificates[0].Verify(opts)
			return err
		}
	default:
		tlsCfg.InsecureSkipVerify = true
	}

	return tlsCfg, nil
}

func truncateSQL(sql string) string {
	if len(sql) <= maxSQLTruncateLen {
		return sql
	}
	return sql[:maxSQLTruncateLen] + "..."
}
