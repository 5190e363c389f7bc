package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/skridofly/stump/pkg/api"
	"github.com/skridofly/stump/pkg/auth"
	"github.com/skridofly/stump/pkg/config"
	"github.com/skridofly/stump/pkg/janitor"
	"github.com/skridofly/stump/pkg/middleware"
	"github.com/skridofly/stump/pkg/observability"
	"github.com/skridofly/stump/pkg/session"
	"github.com/skridofly/stump/pkg/storage"
)

func main() {
	// Optional .env for local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		observability.NewLogger(observability.ParseLogLevel("ERROR"), os.Stderr).
			WithError(err).Error("Invalid configuration")
		os.Exit(1)
	}

	logger := observability.NewLogger(observability.ParseLogLevel(cfg.LogLevel), os.Stdout)

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("Server exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger) error {
	db, err := storage.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	if err := storage.Migrate(ctx, db, cfg.Database.Driver); err != nil {
		return err
	}
	store := storage.New(db)

	if err := bootstrapOwner(ctx, store, cfg, logger); err != nil {
		return err
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return err
	}

	metrics := observability.NewMetrics(prometheus.NewRegistry())

	secrets, err := loadSecrets(cfg)
	if err != nil {
		return err
	}

	sessions := session.New(redisClient, cfg.Auth.SessionTTL, cfg.Auth.MaxSessionsPerUser, logger, metrics)
	tokens := auth.NewTokenService(secrets, store, cfg.Auth.AccessTokenTTL, cfg.Auth.RefreshTokenTTL, logger, metrics)
	apiKeys := auth.NewAPIKeyAuthenticator(store, store, logger, metrics)

	negotiator := middleware.NewAuthNegotiator(store, sessions, tokens, apiKeys, middleware.NegotiatorConfig{
		SessionTTL:       cfg.Auth.SessionTTL,
		EnableSwagger:    cfg.Features.EnableSwagger,
		EnablePlayground: cfg.Features.EnablePlayground,
	}, logger, metrics)

	server := api.NewServer(
		negotiator,
		api.NewAuthHandlers(store, sessions, tokens, cfg.Auth.SessionTTL, logger),
		api.NewAPIKeyHandlers(store, logger),
		cfg.Features.EnableSwagger,
		logger,
		metrics,
	)

	cleaner := janitor.New(store, cfg.Janitor.Schedule, logger)
	if err := cleaner.Start(); err != nil {
		return err
	}
	defer cleaner.Stop()

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.Server.Addr()).Info("Server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.WithField("signal", sig.String()).Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// loadSecrets uses configured signing secrets when present and otherwise
// generates per-process ones, which invalidates all tokens on restart
func loadSecrets(cfg *config.Config) (auth.Secrets, error) {
	if cfg.Auth.AccessTokenSecret != "" && cfg.Auth.RefreshTokenSecret != "" {
		return auth.Secrets{
			Access:  []byte(cfg.Auth.AccessTokenSecret),
			Refresh: []byte(cfg.Auth.RefreshTokenSecret),
		}, nil
	}
	return auth.GenerateSecrets()
}

// bootstrapOwner creates the server owner account when the user table is
// empty and bootstrap credentials are configured
func bootstrapOwner(ctx context.Context, store *storage.Store, cfg *config.Config, logger *observability.Logger) error {
	count, err := store.CountUsers(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	if cfg.Auth.OwnerPassword == "" {
		logger.Warn("No users exist and no owner bootstrap password is configured")
		return nil
	}

	hash, err := auth.HashPassword(cfg.Auth.OwnerPassword, cfg.Auth.PasswordHashCost)
	if err != nil {
		return err
	}
	owner := &auth.User{
		ID:             uuid.NewString(),
		Username:       cfg.Auth.OwnerUsername,
		HashedPassword: hash,
		IsServerOwner:  true,
	}
	if err := store.CreateUser(ctx, owner); err != nil {
		return err
	}

	logger.WithField("username", owner.Username).Info("Bootstrapped server owner account")
	return nil
}
