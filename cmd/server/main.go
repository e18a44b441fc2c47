package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"costbook/backend/internal/cache"
	"costbook/backend/internal/config"
	"costbook/backend/internal/httpapi"
	applog "costbook/backend/internal/log"
	"costbook/backend/internal/service"
	"costbook/backend/internal/store"
	"costbook/backend/internal/store/memory"
	pgstore "costbook/backend/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	if err := applog.SetLevel(cfg.LogLevel); err != nil {
		fatal("invalid log level", err)
	}
	if err := validateSecurityConfig(cfg); err != nil {
		fatal("invalid security configuration", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			fatal("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		if cfg.MigrateOnStart {
			if err := pg.Migrate(ctx); err != nil {
				fatal("database migration failed", err)
			}
		}
		repo = pg
		closers = append(closers, pg.Close)
		applog.Info(ctx, "repository ready", "backend", "postgres")
	} else {
		repo = memory.NewSeeded()
		applog.Info(ctx, "repository ready", "backend", "memory")
	}

	reports := cache.ReportCache(cache.NewMemoryReportCache())
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisReportCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			applog.Warn(ctx, "redis unavailable, using in-process report cache", "err", err)
		} else {
			reports = redisCache
			closers = append(closers, redisCache.Close)
			applog.Info(ctx, "report cache ready", "backend", "redis")
		}
	}

	svc := service.New(repo, reports, service.Options{
		SalesWindowDays: cfg.SalesWindowDays,
		ReportCacheTTL:  time.Duration(cfg.ReportCacheTTLSeconds) * time.Second,
	})
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		applog.Info(context.Background(), "costbook backend listening", "addr", cfg.Address())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal("server error", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		applog.Error(shutdownCtx, "shutdown error", "err", err)
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			applog.Error(shutdownCtx, "close error", "err", err)
		}
	}

	applog.Info(shutdownCtx, "server stopped")
}

func fatal(msg string, err error) {
	applog.Error(context.Background(), msg, "err", err)
	os.Exit(1)
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.AccessTokenTTLMinutes > 24*60 {
		return fmt.Errorf("ACCESS_TOKEN_TTL_MINUTES must be at most one day")
	}
	return nil
}
