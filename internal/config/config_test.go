package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	// Clear any existing AUTHZ_ env vars
	clearAuthzEnvVars(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// Check defaults
	if cfg.Host != "0.0.0.0" {
		t.Errorf("Expected default host '0.0.0.0', got '%s'", cfg.Host)
	}
	if cfg.Port != 8080 {
		t.Errorf("Expected default port 8080, got %d", cfg.Port)
	}
	if cfg.IssuerURL != "http://localhost:8080" {
		t.Errorf("Expected default issuer URL, got '%s'", cfg.IssuerURL)
	}
	if cfg.Store != StoreFile {
		t.Errorf("Expected default store 'file', got '%s'", cfg.Store)
	}
	if cfg.DataDir != "./data" {
		t.Errorf("Expected default data dir './data', got '%s'", cfg.DataDir)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("Expected default log level 'info', got '%s'", cfg.LogLevel)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("Expected default log format 'json', got '%s'", cfg.LogFormat)
	}
	if cfg.RateLimit != 20 {
		t.Errorf("Expected default rate limit 20, got %d", cfg.RateLimit)
	}
	if cfg.LockoutMaxAttempts != 5 {
		t.Errorf("Expected default lockout max attempts 5, got %d", cfg.LockoutMaxAttempts)
	}
	if !cfg.TracingEnabled {
		t.Error("Expected tracing to be enabled by default")
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearAuthzEnvVars(t)

	// Set custom values
	t.Setenv("AUTHZ_HOST", "127.0.0.1")
	t.Setenv("AUTHZ_PORT", "9090")
	t.Setenv("AUTHZ_ISSUER_URL", "https://authz.example.com")
	t.Setenv("AUTHZ_STORE", "memory")
	t.Setenv("AUTHZ_DATA_DIR", "/var/authz/data")
	t.Setenv("AUTHZ_COOKIE_SECRET", "my-secret-key")
	t.Setenv("AUTHZ_COOKIE_SECURE", "true")
	t.Setenv("AUTHZ_LOG_LEVEL", "debug")
	t.Setenv("AUTHZ_RATE_LIMIT", "10")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Host != "127.0.0.1" {
		t.Errorf("Expected host '127.0.0.1', got '%s'", cfg.Host)
	}
	if cfg.Port != 9090 {
		t.Errorf("Expected port 9090, got %d", cfg.Port)
	}
	if cfg.IssuerURL != "https://authz.example.com" {
		t.Errorf("Expected issuer URL 'https://authz.example.com', got '%s'", cfg.IssuerURL)
	}
	if cfg.Store != StoreMemory {
		t.Errorf("Expected store 'memory', got '%s'", cfg.Store)
	}
	if cfg.DataDir != "/var/authz/data" {
		t.Errorf("Expected data dir '/var/authz/data', got '%s'", cfg.DataDir)
	}
	if cfg.CookieSecret != "my-secret-key" || cfg.CookieSecretGenerated {
		t.Errorf("Expected cookie secret 'my-secret-key', got '%s'", cfg.CookieSecret)
	}
	if !cfg.CookieSecure {
		t.Error("Expected cookie secure to be true")
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("Expected log level 'debug', got '%s'", cfg.LogLevel)
	}
	if cfg.RateLimit != 10 {
		t.Errorf("Expected rate limit 10, got %d", cfg.RateLimit)
	}
}

func TestLoadDotEnv(t *testing.T) {
	clearAuthzEnvVars(t)

	path := filepath.Join(t.TempDir(), "test.env")
	content := "AUTHZ_PORT=7070\nAUTHZ_LOG_FORMAT=text\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	// The environment wins over the file.
	t.Setenv("AUTHZ_LOG_FORMAT", "json")
	t.Cleanup(func() { os.Unsetenv("AUTHZ_PORT") })

	cfg, err := LoadFiles(path, filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("LoadFiles failed: %v", err)
	}
	if cfg.Port != 7070 {
		t.Errorf("Expected port from dotenv 7070, got %d", cfg.Port)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("Expected environment to win, got '%s'", cfg.LogFormat)
	}
}

func TestCookieSecretAutoGeneration(t *testing.T) {
	clearAuthzEnvVars(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// Should auto-generate a secret
	if cfg.CookieSecret == "" {
		t.Error("Cookie secret should be auto-generated")
	}
	if !cfg.CookieSecretGenerated {
		t.Error("CookieSecretGenerated flag should be true")
	}

	// Second load should generate different secret
	cfg2, _ := Load()
	if cfg.CookieSecret == cfg2.CookieSecret {
		t.Error("Different loads should generate different secrets")
	}
}

func TestAddr(t *testing.T) {
	cfg := &Config{
		Host: "0.0.0.0",
		Port: 8080,
	}

	if cfg.Addr() != "0.0.0.0:8080" {
		t.Errorf("Expected '0.0.0.0:8080', got '%s'", cfg.Addr())
	}

	cfg.Host = "localhost"
	cfg.Port = 3000
	if cfg.Addr() != "localhost:3000" {
		t.Errorf("Expected 'localhost:3000', got '%s'", cfg.Addr())
	}
}

func TestTokenTTLDefaults(t *testing.T) {
	clearAuthzEnvVars(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	tc := cfg.TokenConfig()
	if tc.AccessTTL != 15*time.Minute {
		t.Errorf("Expected access token TTL 15m, got %v", tc.AccessTTL)
	}
	if tc.RefreshTTL != 24*time.Hour {
		t.Errorf("Expected refresh token TTL 24h, got %v", tc.RefreshTTL)
	}
	if tc.LongRefreshTTL != 336*time.Hour {
		t.Errorf("Expected long refresh token TTL 336h, got %v", tc.LongRefreshTTL)
	}
	if tc.Issuer != cfg.IssuerURL {
		t.Errorf("Expected issuer %q, got %q", cfg.IssuerURL, tc.Issuer)
	}
	if cfg.OAuthConfig().AuthCodeTTL != 10*time.Minute {
		t.Errorf("Expected auth code TTL 10m, got %v", cfg.OAuthConfig().AuthCodeTTL)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Store:               StoreMemory,
			AccessTokenTTL:      15 * time.Minute,
			RefreshTokenTTL:     24 * time.Hour,
			LongRefreshTokenTTL: 336 * time.Hour,
			AuthCodeTTL:         10 * time.Minute,
		}
	}

	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"access ttl at ceiling", func(c *Config) { c.AccessTokenTTL = 30 * time.Minute }, false},
		{"access ttl above ceiling", func(c *Config) { c.AccessTokenTTL = 31 * time.Minute }, true},
		{"refresh ttl above ceiling", func(c *Config) { c.RefreshTokenTTL = 25 * time.Hour }, true},
		{"long refresh ttl above ceiling", func(c *Config) { c.LongRefreshTokenTTL = 337 * time.Hour }, true},
		{"auth code ttl above ceiling", func(c *Config) { c.AuthCodeTTL = 11 * time.Minute }, true},
		{"zero ttl", func(c *Config) { c.AuthCodeTTL = 0 }, true},
		{"refresh shorter than access", func(c *Config) { c.RefreshTokenTTL = time.Minute }, true},
		{"unknown store", func(c *Config) { c.Store = "redis" }, true},
		{"postgres without url", func(c *Config) { c.Store = StorePostgres }, true},
		{"postgres with url", func(c *Config) { c.Store = StorePostgres; c.DatabaseURL = "postgres://localhost/authz" }, false},
		{"negative rate limit", func(c *Config) { c.RateLimit = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.modify(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadRejectsTTLAboveCeiling(t *testing.T) {
	clearAuthzEnvVars(t)
	t.Setenv("AUTHZ_REFRESH_TOKEN_TTL", "48h")

	if _, err := Load(); err == nil {
		t.Error("Expected Load to reject a refresh TTL above 24h")
	}
}

func TestBootstrapSpecs(t *testing.T) {
	cfg := &Config{
		BootstrapUsers:   " user1@example.com:pass1 , ,user2@example.com:pass:word ",
		BootstrapClients: "app1|App One|https://app1.com/cb|task:api token:refresh,app2|App Two|https://app2.com/cb|task:api",
	}

	users := cfg.BootstrapUserSpecs()
	if len(users) != 2 || users[0] != "user1@example.com:pass1" || users[1] != "user2@example.com:pass:word" {
		t.Errorf("Unexpected user specs: %q", users)
	}

	clients := cfg.BootstrapClientSpecs()
	if len(clients) != 2 || clients[1] != "app2|App Two|https://app2.com/cb|task:api" {
		t.Errorf("Unexpected client specs: %q", clients)
	}

	if specs := (&Config{}).BootstrapUserSpecs(); len(specs) != 0 {
		t.Errorf("Expected no specs, got %q", specs)
	}
}

func TestLockoutConfig(t *testing.T) {
	clearAuthzEnvVars(t)

	t.Setenv("AUTHZ_LOCKOUT_MAX_ATTEMPTS", "3")
	t.Setenv("AUTHZ_LOCKOUT_DURATION", "30m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.LockoutMaxAttempts != 3 {
		t.Errorf("Expected lockout max attempts 3, got %d", cfg.LockoutMaxAttempts)
	}
	if cfg.LockoutDuration.Minutes() != 30 {
		t.Errorf("Expected lockout duration 30m, got %v", cfg.LockoutDuration)
	}
}

// clearAuthzEnvVars unsets all AUTHZ_ environment variables for the test.
func clearAuthzEnvVars(t *testing.T) {
	t.Helper()
	vars := []string{
		"AUTHZ_HOST", "AUTHZ_PORT", "AUTHZ_ISSUER_URL",
		"AUTHZ_STORE", "AUTHZ_DATA_DIR", "AUTHZ_DATABASE_URL",
		"AUTHZ_COOKIE_SECRET", "AUTHZ_COOKIE_SECURE",
		"AUTHZ_ACCESS_TOKEN_TTL", "AUTHZ_REFRESH_TOKEN_TTL", "AUTHZ_LONG_REFRESH_TOKEN_TTL", "AUTHZ_AUTH_CODE_TTL",
		"AUTHZ_SIGNING_KEY_FILE", "AUTHZ_SIGNING_KEY_RETENTION", "AUTHZ_RATE_LIMIT",
		"AUTHZ_LOCKOUT_MAX_ATTEMPTS", "AUTHZ_LOCKOUT_DURATION",
		"AUTHZ_LOG_LEVEL", "AUTHZ_LOG_FORMAT", "AUTHZ_TRACING_ENABLED",
		"AUTHZ_BOOTSTRAP_USERS", "AUTHZ_BOOTSTRAP_CLIENTS",
	}
	for _, v := range vars {
		t.Setenv(v, "")
		os.Unsetenv(v)
	}
}
