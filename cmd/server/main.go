//go:generate swag init -g cmd/server/main.go -d ../../ -o ../../docs --parseInternal

// Command server runs the voicegen HTTP API.
//
// @title                      Voicegen Backend API
// @version                    1.0
// @description                Multi-tenant voice generation backend: credit ledger, generation tasks and manual credit orders.
// @BasePath                   /api/v1
// @securityDefinitions.apikey BearerAuth
// @in                         header
// @name                       Authorization
// @description                Type "Bearer" followed by a space and the access token.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	_ "github.com/tbourn/voicegen-backend/docs"
	"github.com/tbourn/voicegen-backend/internal/config"
	httpapi "github.com/tbourn/voicegen-backend/internal/http"
	"github.com/tbourn/voicegen-backend/internal/observability"
	"github.com/tbourn/voicegen-backend/internal/ratelimit"
	"github.com/tbourn/voicegen-backend/internal/repo"
	"github.com/tbourn/voicegen-backend/internal/sysutil"
	"github.com/tbourn/voicegen-backend/internal/vendor"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 20 * time.Second

func main() {
	loaded, err := sysutil.LoadEnvFiles(os.Getenv("ENV_FILE"), ".env")
	if err != nil {
		log.Fatal().Err(err).Msg("load env file")
	}

	cfg := config.MustLoad()
	logger := sysutil.SetupLogger(cfg.LogLevel, cfg.LogPretty, os.Stderr)
	if len(loaded) > 0 {
		logger.Debug().Strs("files", loaded).Msg("env files loaded")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server stopped")
	}
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			logger.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := repo.Open(cfg.DB)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	if err := repo.AutoMigrate(db); err != nil {
		return err
	}

	quota, closeQuota, err := newQuotaCounter(cfg.Quota, db)
	if err != nil {
		return err
	}
	defer closeQuota()

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	deps := httpapi.Deps{
		DB:     db,
		Vendor: vendor.New(cfg.Vendor.BaseURL, cfg.Vendor.APIKey, cfg.Vendor.Timeout),
		Quota:  quota,
	}
	if err := httpapi.RegisterRoutes(r, deps, cfg); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", srv.Addr).
			Str("db", cfg.DB.Driver).
			Str("quota", cfg.Quota.Backend).
			Str("version", version).
			Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}

// newQuotaCounter builds the sliding-window counter for the configured
// backend. The returned func releases backend resources.
func newQuotaCounter(cfg config.QuotaConfig, db *gorm.DB) (ratelimit.Counter, func(), error) {
	w := ratelimit.Window{Limit: cfg.Limit, Size: cfg.Window}
	switch cfg.Backend {
	case "redis":
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    []string{cfg.RedisAddr},
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(pctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		c, err := ratelimit.NewRedisCounter(client, w)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return c, func() { _ = client.Close() }, nil
	default:
		c, err := ratelimit.NewGormCounter(db, w)
		if err != nil {
			return nil, nil, err
		}
		return c, func() {}, nil
	}
}
