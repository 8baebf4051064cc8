package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies GRIDMARKET_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
		// A missing file is fine: defaults plus env overrides carry
		// env-only deployments.
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known GRIDMARKET_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// Server
	setInt(&cfg.Server.Port, "GRIDMARKET_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "GRIDMARKET_SERVER_CORS_ORIGINS")

	// Redis
	setStr(&cfg.Redis.Addr, "GRIDMARKET_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "GRIDMARKET_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "GRIDMARKET_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "GRIDMARKET_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "GRIDMARKET_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "GRIDMARKET_REDIS_TLS_ENABLED")

	// Postgres
	setBool(&cfg.Postgres.Enabled, "GRIDMARKET_POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "GRIDMARKET_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "GRIDMARKET_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "GRIDMARKET_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "GRIDMARKET_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "GRIDMARKET_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "GRIDMARKET_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "GRIDMARKET_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "GRIDMARKET_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "GRIDMARKET_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "GRIDMARKET_POSTGRES_RUN_MIGRATIONS")

	// S3
	setBool(&cfg.S3.Enabled, "GRIDMARKET_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "GRIDMARKET_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "GRIDMARKET_S3_REGION")
	setStr(&cfg.S3.Bucket, "GRIDMARKET_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "GRIDMARKET_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "GRIDMARKET_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "GRIDMARKET_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "GRIDMARKET_S3_FORCE_PATH_STYLE")

	// Directory
	setStr(&cfg.Directory.URL, "GRIDMARKET_DIRECTORY_URL")
	setStr(&cfg.Directory.APIKey, "GRIDMARKET_DIRECTORY_API_KEY")

	// Auth
	setStr(&cfg.Auth.TokenSecret, "GRIDMARKET_AUTH_TOKEN_SECRET")
	setStr(&cfg.Auth.AdminCredentialHash, "GRIDMARKET_AUTH_ADMIN_CREDENTIAL_HASH")
	setDuration(&cfg.Auth.TokenTTL, "GRIDMARKET_AUTH_TOKEN_TTL")

	// Game
	setDuration(&cfg.Game.CleanupDelay, "GRIDMARKET_GAME_CLEANUP_DELAY")

	// Top-level
	setStr(&cfg.LogLevel, "GRIDMARKET_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}

// RedactedConfig returns a shallow copy of cfg with sensitive fields replaced
// by "***", for logging the active configuration at startup.
func RedactedConfig(cfg *Config) Config {
	out := *cfg
	redact(&out.Redis.Password)
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Directory.APIKey)
	redact(&out.Auth.TokenSecret)
	redact(&out.Auth.AdminCredentialHash)
	return out
}

func redact(s *string) {
	if *s != "" {
		*s = "***"
	}
}
