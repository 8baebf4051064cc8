package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/watthour/gridmarket/internal/actor"
	"github.com/watthour/gridmarket/internal/auth"
	"github.com/watthour/gridmarket/internal/config"
	"github.com/watthour/gridmarket/internal/directory"
	"github.com/watthour/gridmarket/internal/domain"
	"github.com/watthour/gridmarket/internal/export"
	"github.com/watthour/gridmarket/internal/store/postgres"
	"github.com/watthour/gridmarket/internal/store/redis"
)

// Dependencies bundles everything the server needs to run. It is constructed
// by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Store    domain.GameStore
	Archive  domain.PeriodArchive
	Dir      *directory.Client
	Export   *export.Service
	Verifier *auth.Verifier
	Manager  *actor.Manager
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- Redis: authoritative game storage ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })
	deps.Store = redis.NewGameStore(redisClient)

	// --- Postgres: optional cleared-period archive ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}
		deps.Archive = postgres.NewPeriodArchive(pgClient)
	}

	// --- S3: optional export archiver ---
	var archiver export.Archiver
	if cfg.S3.Enabled {
		s3arch, err := export.NewS3Archiver(ctx, export.S3Config{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		archiver = s3arch
	}
	deps.Export = export.NewService(archiver)

	// --- Directory sync (disabled when URL is empty) ---
	deps.Dir = directory.New(cfg.Directory.URL, cfg.Directory.APIKey)

	// --- Auth ---
	deps.Verifier = auth.New(cfg.Auth.TokenSecret, cfg.Auth.AdminCredentialHash).
		WithTTL(cfg.Auth.TokenTTL.Duration)

	// --- Market actors ---
	deps.Manager = actor.NewManager(ctx, actor.ManagerConfig{
		Store:        deps.Store,
		Archive:      deps.Archive,
		Dir:          deps.Dir,
		Logger:       logger,
		CleanupDelay: cfg.Game.CleanupDelay.Duration,
	})
	closers = append(closers, deps.Manager.Shutdown)

	return deps, cleanup, nil
}
