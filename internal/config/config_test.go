package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
log_level = "debug"

[server]
port = 9090

[auth]
token_secret = "s3cret"
admin_credential_hash = "$2a$10$abcdefghijklmnopqrstuv"
token_ttl = "48h"

[game]
cleanup_delay = "30m"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port %d, want 9090", cfg.Server.Port)
	}
	// Untouched sections keep their defaults.
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("redis addr %q, want default", cfg.Redis.Addr)
	}
	if cfg.Auth.TokenTTL.Duration != 48*time.Hour {
		t.Errorf("token ttl %v, want 48h", cfg.Auth.TokenTTL.Duration)
	}
	if cfg.Game.CleanupDelay.Duration != 30*time.Minute {
		t.Errorf("cleanup delay %v, want 30m", cfg.Game.CleanupDelay.Duration)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
[auth]
token_secret = "from-file"
admin_credential_hash = "hash"
`)
	t.Setenv("GRIDMARKET_AUTH_TOKEN_SECRET", "from-env")
	t.Setenv("GRIDMARKET_SERVER_PORT", "7001")
	t.Setenv("GRIDMARKET_REDIS_ADDR", "redis.internal:6380")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.TokenSecret != "from-env" {
		t.Errorf("token secret %q, want env override", cfg.Auth.TokenSecret)
	}
	if cfg.Server.Port != 7001 {
		t.Errorf("port %d, want 7001", cfg.Server.Port)
	}
	if cfg.Redis.Addr != "redis.internal:6380" {
		t.Errorf("redis addr %q", cfg.Redis.Addr)
	}
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := Defaults()
	cfg.LogLevel = "loud"
	cfg.Server.Port = 0
	cfg.Redis.Addr = ""
	// Auth left unset.

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation failure")
	}
	for _, want := range []string{"log_level", "server: port", "redis: addr", "token_secret", "admin_credential_hash"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("validation error missing %q:\n%v", want, err)
		}
	}
}

func TestValidateOptionalSections(t *testing.T) {
	cfg := Defaults()
	cfg.Auth.TokenSecret = "s"
	cfg.Auth.AdminCredentialHash = "h"

	// Disabled postgres/s3 need no endpoints.
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate with optional sections off: %v", err)
	}

	cfg.S3.Enabled = true
	cfg.S3.Bucket = ""
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "s3: bucket") {
		t.Errorf("enabled s3 should require a bucket: %v", err)
	}
}

func TestPostgresDSNAssembly(t *testing.T) {
	p := PostgresConfig{Host: "db", Port: 5432, Database: "grid", User: "u", Password: "p", SSLMode: "disable"}
	want := "postgres://u:p@db:5432/grid?sslmode=disable"
	if got := p.PostgresDSN(); got != want {
		t.Errorf("dsn %q, want %q", got, want)
	}
	p.DSN = "postgres://explicit"
	if got := p.PostgresDSN(); got != "postgres://explicit" {
		t.Errorf("explicit dsn not honored: %q", got)
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Auth.TokenSecret = "super-secret"
	cfg.Redis.Password = "hunter2"

	red := RedactedConfig(&cfg)
	if red.Auth.TokenSecret != "***" || red.Redis.Password != "***" {
		t.Errorf("secrets not redacted: %+v", red.Auth)
	}
	// Original untouched.
	if cfg.Auth.TokenSecret != "super-secret" {
		t.Error("redaction mutated the source config")
	}
}
