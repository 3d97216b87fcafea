// Package config handles application configuration via environment variables.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	"github.com/tendant/simple-authz/internal/oauth"
	"github.com/tendant/simple-authz/internal/token"
)

// Storage drivers.
const (
	StoreMemory   = "memory"
	StoreFile     = "file"
	StorePostgres = "postgres"
)

// Upper bounds for the configurable lifetimes.
const (
	MaxAccessTokenTTL      = 30 * time.Minute
	MaxRefreshTokenTTL     = 24 * time.Hour
	MaxLongRefreshTokenTTL = 336 * time.Hour
	MaxAuthCodeTTL         = 10 * time.Minute
)

// Config holds all configuration for the authorization server.
type Config struct {
	// Server settings
	Host string `env:"AUTHZ_HOST" env-default:"0.0.0.0"`
	Port int    `env:"AUTHZ_PORT" env-default:"8080"`

	// Issuer URL, used as the iss claim
	IssuerURL string `env:"AUTHZ_ISSUER_URL" env-default:"http://localhost:8080"`

	// Storage settings
	Store       string `env:"AUTHZ_STORE" env-default:"file"` // memory, file or postgres
	DataDir     string `env:"AUTHZ_DATA_DIR" env-default:"./data"`
	DatabaseURL string `env:"AUTHZ_DATABASE_URL"`

	// Cookie settings (CSRF on the prompt page)
	CookieSecret string `env:"AUTHZ_COOKIE_SECRET"`
	CookieSecure bool   `env:"AUTHZ_COOKIE_SECURE" env-default:"false"`

	// Token settings
	AccessTokenTTL      time.Duration `env:"AUTHZ_ACCESS_TOKEN_TTL" env-default:"15m"`
	RefreshTokenTTL     time.Duration `env:"AUTHZ_REFRESH_TOKEN_TTL" env-default:"24h"`
	LongRefreshTokenTTL time.Duration `env:"AUTHZ_LONG_REFRESH_TOKEN_TTL" env-default:"336h"` // 14 days
	AuthCodeTTL         time.Duration `env:"AUTHZ_AUTH_CODE_TTL" env-default:"10m"`

	// Signing keys
	SigningKeyFile      string        `env:"AUTHZ_SIGNING_KEY_FILE"`
	SigningKeyRetention time.Duration `env:"AUTHZ_SIGNING_KEY_RETENTION" env-default:"720h"` // how long a rotated-out key stays in the JWKS

	// Rate limiting, requests per minute per IP on /token and /authorize/prompt
	RateLimit int `env:"AUTHZ_RATE_LIMIT" env-default:"20"`

	// Account lockout
	LockoutMaxAttempts int           `env:"AUTHZ_LOCKOUT_MAX_ATTEMPTS" env-default:"5"`
	LockoutDuration    time.Duration `env:"AUTHZ_LOCKOUT_DURATION" env-default:"15m"`

	// Logging
	LogLevel  string `env:"AUTHZ_LOG_LEVEL" env-default:"info"`
	LogFormat string `env:"AUTHZ_LOG_FORMAT" env-default:"json"` // json or text

	// Tracing, finished spans are logged at debug level
	TracingEnabled bool `env:"AUTHZ_TRACING_ENABLED" env-default:"true"`

	// Bootstrap data (created on startup if not exists)
	// Format: "email:password,email2:password2"
	BootstrapUsers string `env:"AUTHZ_BOOTSTRAP_USERS"`
	// Format: "id|name|redirect_uri|scope" (| avoids clashing with URLs)
	// Multiple clients separated by comma: "app1|App One|https://a/cb|task:api token:refresh,app2|..."
	BootstrapClients string `env:"AUTHZ_BOOTSTRAP_CLIENTS"`

	// Internal flags (not from env)
	CookieSecretGenerated bool `env:"-"` // True if secret was auto-generated
}

// Load reads configuration from an optional .env file and the environment.
// Variables already set in the environment win over the .env file.
func Load() (*Config, error) {
	return LoadFiles(".env")
}

// LoadFiles is Load with explicit dotenv files. Missing files are ignored.
func LoadFiles(files ...string) (*Config, error) {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Generate random cookie secret if not provided
	if cfg.CookieSecret == "" {
		secret, err := generateRandomSecret(32)
		if err != nil {
			return nil, fmt.Errorf("failed to generate cookie secret: %w", err)
		}
		cfg.CookieSecret = secret
		cfg.CookieSecretGenerated = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks driver settings and lifetime ceilings.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreMemory, StoreFile:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("AUTHZ_DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown store %q (want memory, file or postgres)", c.Store)
	}

	ttls := []struct {
		name    string
		value   time.Duration
		ceiling time.Duration
	}{
		{"AUTHZ_ACCESS_TOKEN_TTL", c.AccessTokenTTL, MaxAccessTokenTTL},
		{"AUTHZ_REFRESH_TOKEN_TTL", c.RefreshTokenTTL, MaxRefreshTokenTTL},
		{"AUTHZ_LONG_REFRESH_TOKEN_TTL", c.LongRefreshTokenTTL, MaxLongRefreshTokenTTL},
		{"AUTHZ_AUTH_CODE_TTL", c.AuthCodeTTL, MaxAuthCodeTTL},
	}
	for _, ttl := range ttls {
		if ttl.value <= 0 {
			return fmt.Errorf("%s must be positive", ttl.name)
		}
		if ttl.value > ttl.ceiling {
			return fmt.Errorf("%s must not exceed %s, got %s", ttl.name, ttl.ceiling, ttl.value)
		}
	}
	if c.RefreshTokenTTL < c.AccessTokenTTL {
		return fmt.Errorf("AUTHZ_REFRESH_TOKEN_TTL must not be shorter than AUTHZ_ACCESS_TOKEN_TTL")
	}

	if c.RateLimit < 0 {
		return fmt.Errorf("AUTHZ_RATE_LIMIT must not be negative")
	}
	return nil
}

// Addr returns the server address in host:port format.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TokenConfig returns the issuer settings.
func (c *Config) TokenConfig() token.Config {
	return token.Config{
		Issuer:         c.IssuerURL,
		AccessTTL:      c.AccessTokenTTL,
		RefreshTTL:     c.RefreshTokenTTL,
		LongRefreshTTL: c.LongRefreshTokenTTL,
	}
}

// OAuthConfig returns the orchestrator settings.
func (c *Config) OAuthConfig() oauth.Config {
	return oauth.Config{AuthCodeTTL: c.AuthCodeTTL}
}

// generateRandomSecret generates a cryptographically secure random string.
func generateRandomSecret(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

// BootstrapUserSpecs splits AUTHZ_BOOTSTRAP_USERS into "email:password" entries.
func (c *Config) BootstrapUserSpecs() []string {
	return splitList(c.BootstrapUsers)
}

// BootstrapClientSpecs splits AUTHZ_BOOTSTRAP_CLIENTS into "id|name|redirect|scope" entries.
func (c *Config) BootstrapClientSpecs() []string {
	return splitList(c.BootstrapClients)
}

func splitList(s string) []string {
	var out []string
	for _, entry := range strings.Split(s, ",") {
		if entry = strings.TrimSpace(entry); entry != "" {
			out = append(out, entry)
		}
	}
	return out
}
