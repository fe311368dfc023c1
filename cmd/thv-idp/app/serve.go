// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/toolhive-idp/pkg/idp/actor"
	"github.com/stacklok/toolhive-idp/pkg/idp/authn"
	"github.com/stacklok/toolhive-idp/pkg/idp/bootstrap"
	"github.com/stacklok/toolhive-idp/pkg/idp/config"
	"github.com/stacklok/toolhive-idp/pkg/idp/jwtverify"
	"github.com/stacklok/toolhive-idp/pkg/idp/keys"
	"github.com/stacklok/toolhive-idp/pkg/idp/oidc"
	"github.com/stacklok/toolhive-idp/pkg/idp/server"
	"github.com/stacklok/toolhive-idp/pkg/idp/storage"
	"github.com/stacklok/toolhive-idp/pkg/idp/storage/sqlite"
	"github.com/stacklok/toolhive-idp/pkg/idp/telemetry"
	"github.com/stacklok/toolhive-idp/pkg/idp/token"
	"github.com/stacklok/toolhive-idp/pkg/idp/user"
	"github.com/stacklok/toolhive-idp/pkg/logger"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the identity provider",
		Long: `Start the identity provider. On first start the signing keypair and the
one-time bootstrap secret are created in the data directory; a generated
secret is logged once so an operator can create the first administrator.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(viper.GetViper())
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	km, err := keys.NewRegistry(cfg.DataDir).LoadOrCreate(ctx)
	if err != nil {
		return fmt.Errorf("failed to load signing key: %w", err)
	}
	logger.Infow("loaded signing key", "kid", km.KeyID)

	bs := bootstrap.NewStore(cfg.DataDir)
	state, err := bs.LoadOrCreate(ctx, cfg.BootstrapSecret, func(secret string) {
		if cfg.BootstrapSecret != "" {
			return
		}
		logger.Warnw("generated one-time bootstrap secret, use it to create the first administrator",
			"secret", secret)
	})
	if err != nil {
		return fmt.Errorf("failed to initialize bootstrap secret: %w", err)
	}
	if state.Consumed {
		logger.Debugw("bootstrap secret already consumed")
	}

	store, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warnw("failed to close storage", "error", err)
		}
	}()

	mp, metricsHandler, err := telemetry.NewPrometheusProvider()
	if err != nil {
		return err
	}
	defer func() { _ = mp.Shutdown(context.Background()) }()
	metrics, err := telemetry.NewMetrics(mp)
	if err != nil {
		return err
	}

	tokens := token.NewIssuer(km, cfg.JWT.Issuer, cfg.JWT.Audience, cfg.JWT.TTL)
	actors := actor.NewDirectory(store)
	users := user.NewService(store, actors, bs, tokens,
		user.WithHashCost(cfg.PasswordHashCost), user.WithMetrics(metrics))
	provider := oidc.NewProvider(cfg, store, actors, tokens, km, oidc.WithMetrics(metrics))

	resolver, err := newResolver(cfg, km, metrics)
	if err != nil {
		return err
	}
	extractor := authn.NewExtractor(resolver, actors)

	go oidc.RunPurger(ctx, store, cfg.OIDC.PurgeInterval, time.Now)

	r := chi.NewRouter()
	r.Handle("/metrics", metricsHandler)
	r.Mount("/", server.New(cfg, provider, users, actors, extractor, store).Routes())

	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           r,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("identity provider listening", "address", cfg.ListenAddress, "issuer", cfg.JWT.Issuer)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Infow("shutting down identity provider")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}

// openStorage opens the configured durable backend and, when Redis is
// configured, moves authorization state into it.
func openStorage(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	var base storage.Storage
	switch cfg.Storage.Type {
	case config.StorageMemory:
		logger.Warnw("using in-memory storage, users and actors are lost on restart")
		base = storage.NewMemoryStorage()
	case config.StorageSQLite:
		s, err := sqlite.Open(ctx, cfg.Storage.SQLitePath)
		if err != nil {
			return nil, err
		}
		base = s
	default:
		return nil, fmt.Errorf("unsupported storage type %q", cfg.Storage.Type)
	}

	if cfg.Storage.Redis == nil {
		return base, nil
	}
	auth, err := storage.NewRedisAuthStore(ctx, storage.RedisOptions{
		Addr:      cfg.Storage.Redis.Addr,
		Password:  cfg.Storage.Redis.Password,
		DB:        cfg.Storage.Redis.DB,
		KeyPrefix: cfg.Storage.Redis.KeyPrefix,
	})
	if err != nil {
		_ = base.Close()
		return nil, err
	}
	return storage.WithAuthStore(base, auth), nil
}

// newResolver trusts the internal issuer and every configured external issuer.
func newResolver(cfg *config.Config, km *keys.KeyMaterial, metrics *telemetry.Metrics) (*jwtverify.Resolver, error) {
	internal := jwtverify.NewInternalStrategy(cfg.JWT.Issuer, cfg.JWT.Audience, km.KeyID, km.PublicKey)

	externals := make([]jwtverify.Strategy, 0, len(cfg.ExternalIssuers))
	for _, iss := range cfg.ExternalIssuers {
		src := jwtverify.NewJWKSKeySource(jwtverify.JWKSOptions{
			Issuer:        iss.Name,
			URL:           iss.JWKSURI,
			CacheSize:     cfg.JWKS.CacheSize,
			CacheDuration: cfg.CacheDurationFor(iss),
			FetchTimeout:  cfg.JWKS.FetchTimeout,
			Metrics:       metrics,
		})
		externals = append(externals, jwtverify.NewExternalStrategy(jwtverify.ExternalIssuer{
			Name:       iss.Name,
			Issuer:     iss.Issuer,
			Audiences:  iss.Audiences,
			Algorithms: iss.Algorithms,
		}, src))
	}
	return jwtverify.NewResolver(internal, externals, jwtverify.WithMetrics(metrics))
}
