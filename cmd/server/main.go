// Command server runs the WeChat Official Account webhook gateway.
//
// It loads configuration from the environment (a .env file is honored in
// development), opens the SQLite-backed KV store, wires the HTTP transport,
// and serves until SIGINT/SIGTERM. On shutdown the HTTP server drains first,
// then detached link jobs get the configured grace period to finish.
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
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ruminer/go-wechat-backend/internal/config"
	httpapi "github.com/ruminer/go-wechat-backend/internal/http"
	"github.com/ruminer/go-wechat-backend/internal/observability"
	"github.com/ruminer/go-wechat-backend/internal/repo"
	"github.com/ruminer/go-wechat-backend/internal/sysutil"
)

func main() {
	// Missing .env is fine; production injects real env vars.
	_ = godotenv.Load()

	cfg := config.MustLoad()
	version := sysutil.FirstNonEmpty(os.Getenv("APP_VERSION"), "dev")

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	sysutil.SetLogLevel(cfg.LogLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	ctx := context.Background()
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("database open failed")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("database migration failed")
	}
	if cfg.OTEL.Enabled {
		if err := repo.EnableTracing(db); err != nil {
			log.Fatal().Err(err).Msg("database tracing setup failed")
		}
	}

	gin.SetMode(cfg.GinMode)
	engine := gin.New()
	runner, err := httpapi.RegisterRoutes(engine, db, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("route registration failed")
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", srv.Addr).
			Str("version", version).
			Bool("replay_protect", cfg.WeChat.ReplayProtect).
			Bool("encrypted_mode", cfg.WeChat.AESKey != "").
			Bool("notify_enabled", cfg.NotifyEnabled()).
			Msg("server starting")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-serveErr:
		log.Fatal().Err(err).Msg("server failed")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown error")
	}
	// Detached link jobs keep the remainder of the grace period.
	if err := runner.Wait(shutCtx); err != nil {
		log.Warn().Err(err).Msg("background jobs did not finish in time")
	}
	if err := shutdownOTel(shutCtx); err != nil {
		log.Warn().Err(err).Msg("otel shutdown error")
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	log.Info().Msg("server stopped")
}
