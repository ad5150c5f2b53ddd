package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadUsesDefaultsAndYAMLOverrides(t *testing.T) {
	clearConfigEnv(t)

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.yaml")
	yaml := `
auth:
  jwt_secret: yaml-signing-key-for-tests
  access_ttl: 5m
  revoke_chain_on_reuse: true
pruning:
  max_active_per_user: 4
  retention: 168h
cors:
  allowed_origins:
    - https://app.celestya.example
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Auth.JWTSecret != "yaml-signing-key-for-tests" {
		t.Fatalf("unexpected jwt secret: %q", cfg.Auth.JWTSecret)
	}
	if cfg.Auth.AccessTTL != 5*time.Minute {
		t.Fatalf("unexpected access ttl: %s", cfg.Auth.AccessTTL)
	}
	if !cfg.Auth.RevokeChainOnReuse {
		t.Fatalf("revoke_chain_on_reuse override was not applied")
	}
	if cfg.Pruning.MaxActivePerUser != 4 {
		t.Fatalf("unexpected max active per user: %d", cfg.Pruning.MaxActivePerUser)
	}
	if cfg.Pruning.Retention != 7*24*time.Hour {
		t.Fatalf("unexpected retention: %s", cfg.Pruning.Retention)
	}
	if len(cfg.CORS.AllowedOrigins) != 1 || cfg.CORS.AllowedOrigins[0] != "https://app.celestya.example" {
		t.Fatalf("unexpected allowed origins: %v", cfg.CORS.AllowedOrigins)
	}

	if cfg.Auth.RefreshTTL != 30*24*time.Hour {
		t.Fatalf("refresh ttl default should stay 720h, got %s", cfg.Auth.RefreshTTL)
	}
	if cfg.Auth.MaxInsertAttempts != 3 {
		t.Fatalf("max insert attempts default should stay 3, got %d", cfg.Auth.MaxInsertAttempts)
	}
	if cfg.Pruning.Interval != time.Hour {
		t.Fatalf("pruning interval default should stay 1h, got %s", cfg.Pruning.Interval)
	}
	if cfg.HTTP.TrustProxy {
		t.Fatalf("proxy headers must not be trusted by default")
	}
}

func TestLoadEnvOverridesWinOverYAML(t *testing.T) {
	clearConfigEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("auth:\n  jwt_secret: from-yaml-signing-key\n"), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	t.Setenv("JWT_SECRET", "from-env-signing-key")
	t.Setenv("PRUNE_MAX_ACTIVE", "2")
	t.Setenv("REFRESH_TTL", "48h")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example,")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Auth.JWTSecret != "from-env-signing-key" {
		t.Fatalf("env secret should win, got %q", cfg.Auth.JWTSecret)
	}
	if cfg.Pruning.MaxActivePerUser != 2 {
		t.Fatalf("unexpected max active: %d", cfg.Pruning.MaxActivePerUser)
	}
	if cfg.Auth.RefreshTTL != 48*time.Hour {
		t.Fatalf("unexpected refresh ttl: %s", cfg.Auth.RefreshTTL)
	}
	if len(cfg.CORS.AllowedOrigins) != 2 || cfg.CORS.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected allowed origins: %v", cfg.CORS.AllowedOrigins)
	}
}

func TestLoadFailsWithoutSigningKey(t *testing.T) {
	clearConfigEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected error when jwt secret is missing")
	}
	if !strings.Contains(err.Error(), "jwt_secret") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRejectsWeakConfigurations(t *testing.T) {
	base := Default()
	base.Auth.JWTSecret = "a-reasonably-long-signing-key-value"

	cases := map[string]func(*Config){
		"placeholder secret": func(c *Config) { c.Auth.JWTSecret = "change-me" },
		"short production secret": func(c *Config) {
			c.Env = EnvProduction
			c.Auth.JWTSecret = "too-short"
		},
		"production without postgres": func(c *Config) {
			c.Env = EnvProduction
			c.Auth.JWTSecret = strings.Repeat("k", 40)
			c.Postgres.DSN = ""
		},
		"production without mail provider": func(c *Config) {
			c.Env = EnvProduction
			c.Auth.JWTSecret = strings.Repeat("k", 40)
		},
		"mail key without sender": func(c *Config) {
			c.Mail.APIKey = "re_123"
			c.Mail.From = ""
		},
		"zero access ttl":     func(c *Config) { c.Auth.AccessTTL = 0 },
		"refresh not longer":  func(c *Config) { c.Auth.RefreshTTL = c.Auth.AccessTTL },
		"tiny refresh secret": func(c *Config) { c.Auth.RefreshSecretBytes = 8 },
		"no insert attempts":  func(c *Config) { c.Auth.MaxInsertAttempts = 0 },
		"zero session cap":    func(c *Config) { c.Pruning.MaxActivePerUser = 0 },
		"zero retention":      func(c *Config) { c.Pruning.Retention = 0 },
		"negative mail queue": func(c *Config) { c.Mail.QueueSize = -1 },
	}

	if err := base.Validate(); err != nil {
		t.Fatalf("base config should be valid: %v", err)
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base
			mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("JWT_SECRET", "env-signing-key")
	t.Setenv("ACCESS_TTL", "fifteen minutes")

	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for invalid ACCESS_TTL")
	}
}

func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"APP_ENV",
		"HTTP_ADDR",
		"HTTP_READ_TIMEOUT",
		"HTTP_WRITE_TIMEOUT",
		"HTTP_IDLE_TIMEOUT",
		"HTTP_TRUST_PROXY",
		"LOG_LEVEL",
		"POSTGRES_DSN",
		"POSTGRES_TX_TIMEOUT",
		"REDIS_ADDR",
		"REDIS_PASSWORD",
		"REDIS_DB",
		"ALLOWED_ORIGINS",
		"JWT_SECRET",
		"JWT_ISSUER",
		"ACCESS_TTL",
		"REFRESH_TTL",
		"REVOKE_CHAIN_ON_REUSE",
		"VERIFY_CODE_TTL",
		"VERIFY_LINK_TTL",
		"PUBLIC_BASE_URL",
		"PRUNE_ENABLED",
		"PRUNE_INTERVAL",
		"PRUNE_RETENTION",
		"PRUNE_MAX_ACTIVE",
		"RATE_LIMIT_ENABLED",
		"RATE_LIMIT_PER_MINUTE",
		"MAIL_API_KEY",
		"MAIL_FROM",
		"MAIL_QUEUE_SIZE",
		"MAIL_ENDPOINT",
		"ADMIN_TOKEN",
	} {
		t.Setenv(key, "")
	}
}
