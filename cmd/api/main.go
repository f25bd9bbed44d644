// @title                      Auth Service API
// @version                    1.0
// @description                Credential authentication, refresh token rotation with reuse detection, and device session management.
// @BasePath                   /
// @securityDefinitions.apikey BearerAuth
// @in                         header
// @name                       Authorization
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	_ "github.com/99minutos/auth-service/docs"
	"github.com/99minutos/auth-service/internal/api"
	"github.com/99minutos/auth-service/internal/api/metrics"
	"github.com/99minutos/auth-service/internal/core/ports"
	"github.com/99minutos/auth-service/internal/core/service"
	"github.com/99minutos/auth-service/internal/infrastructure/db/memory"
	mongostore "github.com/99minutos/auth-service/internal/infrastructure/db/mongo"
	"github.com/99minutos/auth-service/internal/infrastructure/db/postgres"
	redisstore "github.com/99minutos/auth-service/internal/infrastructure/db/redis"
	"github.com/99minutos/auth-service/internal/infrastructure/http/handlers"
	"github.com/99minutos/auth-service/internal/infrastructure/queue"
	"github.com/99minutos/auth-service/internal/infrastructure/security"
	"github.com/99minutos/auth-service/internal/pkg/config"
	"github.com/99minutos/auth-service/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		bootLog := logger.Init(logger.Options{})
		bootLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.Init(logger.Options{
		Level:   cfg.LogLevel,
		Pretty:  cfg.IsDevelopment(),
		Service: "auth-service",
	})

	readiness := map[string]handlers.Pinger{}

	// --- Store ---
	uow, closeStore, err := openStore(ctx, cfg, readiness, log)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("Failed to open store")
	}
	defer closeStore()

	// --- Rate limiter ---
	var limiter ports.RateLimiter = memory.NewRateLimiter(cfg.RateLim.Requests, cfg.RateLim.Window)
	if cfg.Redis.Addr != "" {
		rdb, err := redisstore.Connect(ctx, redisstore.Config{
			Addr:     cfg.Redis.Addr,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS:      cfg.Redis.TLS,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Redis unavailable, rate limiting in process")
		} else {
			defer rdb.Close()
			limiter = redisstore.NewRateLimiter(rdb, cfg.RateLim.Requests, cfg.RateLim.Window)
			readiness["redis"] = handlers.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
			log.Info().Str("addr", cfg.Redis.Addr).Bool("tls", cfg.Redis.TLS).Msg("Redis rate limiter enabled")
		}
	}

	// --- Security ---
	hasher, err := security.NewPasswordHasher(cfg.Security.PasswordHasher, cfg.Security.BcryptCost)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create password hasher")
	}
	issuer, err := security.NewJWTIssuer(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.Audience, cfg.AccessTTL())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create token issuer")
	}

	// --- Audit fan-out ---
	dispatcher := queue.NewDispatcher(cfg.Audit.Workers, metrics.NewSecuritySink(log), log)
	dispatcher.OnDrop(metrics.CountDropped)
	dispatcher.Start(context.WithoutCancel(ctx))

	// --- Services ---
	correlation := service.TokenCorrelation(cfg.Security.TokenCorrelation)
	sessions := service.NewSessionRegistry(uow, correlation, dispatcher, log, time.Now)
	authService := service.NewAuthService(uow, hasher, issuer, sessions, service.AuthConfig{
		RefreshTTL:  cfg.RefreshTTL(),
		Lockout:     service.NewLockoutPolicy(cfg.Security.LockoutThreshold, cfg.Security.LockoutDuration),
		Correlation: correlation,
	}, dispatcher, log)

	if cfg.SeedDemo {
		n, err := service.SeedUsers(ctx, uow, hasher, service.DemoUsers)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to seed demo users")
		}
		log.Info().Int("created", n).Msg("Demo users seeded")
	}

	e := api.NewRouter(api.Deps{
		Auth:        authService,
		Sessions:    sessions,
		Verifier:    issuer,
		RateLimiter: limiter,
		Readiness:   readiness,
		CORSOrigins: cfg.CORSOrigins,
		Log:         log,
	})

	go func() {
		log.Info().Str("port", cfg.Port).Str("store", cfg.StoreDriver).Msg("Starting HTTP server")
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	dispatcher.Stop()

	log.Info().Msg("Server stopped")
}

// openStore connects the configured backend and registers its readiness probe.
func openStore(ctx context.Context, cfg *config.Config, readiness map[string]handlers.Pinger, log zerolog.Logger) (ports.UnitOfWork, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := postgres.Connect(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, err
		}
		store := postgres.NewStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		readiness["postgres"] = store
		log.Info().Msg("Postgres store ready")
		return store, pool.Close, nil

	case config.DriverMemory:
		log.Warn().Msg("Using in-memory store, data is lost on restart")
		readiness["store"] = handlers.PingFunc(func(context.Context) error { return nil })
		return memory.NewStore(), func() {}, nil

	default:
		client, db, err := mongostore.Connect(ctx, mongostore.Config{URI: cfg.Mongo.URI, Database: cfg.Mongo.Database})
		if err != nil {
			return nil, nil, err
		}
		store := mongostore.NewStore(client, db)
		if err := store.EnsureIndexes(ctx); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, nil, err
		}
		readiness["mongodb"] = store
		log.Info().Str("database", cfg.Mongo.Database).Msg("MongoDB store ready")
		return store, func() { _ = client.Disconnect(context.Background()) }, nil
	}
}
