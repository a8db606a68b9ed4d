package redis

import (
	"fmt"
	"net/url"
	"time"
)

const maxStatementTruncateLen = 100

const (
	DefaultHost         = "redis.databases.svc.cluster.local"
	DefaultPort         = 6379
	DefaultDB           = 0
	DefaultPoolSize     = 10
	DefaultMinIdleConns = 2
	DefaultMaxRetries   = 3
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second

	// DefaultHealthTimeout applies to [Client.Health] when the caller's
	// context has no deadline.
	DefaultHealthTimeout = 5 * time.Second
)

// Secret holds a password and redacts itself when printed or marshaled.
type Secret string

const redacted = "[REDACTED]"

func (s Secret) String() string               { return redacted }
func (s Secret) GoString() string             { return redacted }
func (s Secret) MarshalText() ([]byte, error) { return []byte(redacted), nil }

// Value returns the unredacted secret.
func (s Secret) Value() string { return string(s) }

// Config is the connection configuration for the shared key-set cache.
// URI, when set, takes precedence over Host, Port, DB and Password.
type Config struct {
	URI          string        `json:"uri,omitempty" yaml:"uri" env:"REDIS_URI"`
	Host         string        `json:"host,omitempty" yaml:"host" env:"REDIS_HOST"`
	Port         int           `json:"port,omitempty" yaml:"port" env:"REDIS_PORT"`
	DB           int           `json:"db" yaml:"db" env:"REDIS_DB"`
	Password     Secret        `json:"-" yaml:"password" env:"REDIS_PASSWORD"`
	PoolSize     int           `json:"pool_size,omitempty" yaml:"pool_size" env:"REDIS_POOL_SIZE"`
	MinIdleConns int           `json:"min_idle_conns,omitempty" yaml:"min_idle_conns" env:"REDIS_MIN_IDLE_CONNS"`
	MaxRetries   int           `json:"max_retries,omitempty" yaml:"max_retries" env:"REDIS_MAX_RETRIES"`
	DialTimeout  time.Duration `json:"dial_timeout,omitempty" yaml:"dial_timeout" env:"REDIS_DIAL_TIMEOUT"`
	ReadTimeout  time.Duration `json:"read_timeout,omitempty" yaml:"read_timeout" env:"REDIS_READ_TIMEOUT"`
	WriteTimeout time.Duration `json:"write_timeout,omitempty" yaml:"write_timeout" env:"REDIS_WRITE_TIMEOUT"`
	TLSEnabled   bool          `json:"tls_enabled,omitempty" yaml:"tls_enabled" env:"REDIS_TLS_ENABLED"`
}

// DefaultConfig returns a Config populated with the package defaults.
func DefaultConfig() *Config {
	return &Config{
		Host:         DefaultHost,
		Port:         DefaultPort,
		DB:           DefaultDB,
		PoolSize:     DefaultPoolSize,
		MinIdleConns: DefaultMinIdleConns,
		MaxRetries:   DefaultMaxRetries,
		DialTimeout:  DefaultDialTimeout,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	}
}

// Validate applies defaults to zero-valued fields and reports the first
// invalid value.
func (c *Config) Validate() error {
	c.applyDefaults()

	if c.URI != "" {
		u, err := url.Parse(c.URI)
		if err != nil {
			return fmt.Errorf("redis: config URI is invalid: %w", err)
		}
		if u.Scheme != "redis" && u.Scheme != "rediss" {
			return fmt.Errorf("redis: config URI scheme must be redis:// or rediss://, got %q", u.Scheme)
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
		return fmt.Errorf("redis: config port must be between 1 and 65535, got %d", c.Port)
	}
	if c.DB < 0 {
		return fmt.Errorf("redis: config db must be >= 0, got %d", c.DB)
	}
	if c.MinIdleConns < 0 {
		return fmt.Errorf("redis: config min_idle_conns must be >= 0, got %d", c.MinIdleConns)
	}
	if c.PoolSize < c.MinIdleConns {
		return fmt.Errorf("redis: config pool_size (%d) must be >= min_idle_conns (%d)", c.PoolSize, c.MinIdleConns)
	}
	if c.DialTimeout < 0 || c.ReadTimeout < 0 || c.WriteTimeout < 0 {
		return fmt.Errorf("redis: config timeouts must not be negative")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.PoolSize == 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
}

func truncateStatement(s string) string {
	runes := []rune(s)
	if len(runes) <= maxStatementTruncateLen {
		return s
	}
	return string(runes[:maxStatementTruncateLen]) + "..."
}
