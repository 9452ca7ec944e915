// Package main runs the Wayfinder syncer worker. It copies the active rule
// sets from PostgreSQL into Redis and announces every change so API instances
// drop their in-process copies.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rafaeljc/wayfinder/internal/cache"
	"github.com/rafaeljc/wayfinder/internal/config"
	"github.com/rafaeljc/wayfinder/internal/database"
	"github.com/rafaeljc/wayfinder/internal/logger"
	"github.com/rafaeljc/wayfinder/internal/observability"
	"github.com/rafaeljc/wayfinder/internal/store"
	"github.com/rafaeljc/wayfinder/internal/syncer"
)

const monitorInterval = 15 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := logger.New(&cfg.App)
	slog.SetDefault(log)
	cfg.LogConfig(log)

	if !cfg.Syncer.Enabled {
		log.Warn("syncer disabled by configuration, exiting")
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := database.NewPostgresPool(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer pool.Close()

	redisClient, err := cache.NewRedisClient(ctx, &cfg.Redis)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	redisCache := cache.NewRedisCache(redisClient)
	defer redisCache.Close()

	go database.RunPoolMonitor(ctx, pool, monitorInterval)
	go cache.RunPoolMonitor(ctx, redisClient, monitorInterval)

	obs := observability.NewServer(log, &cfg.Observability,
		database.NewHealthChecker(pool),
		cache.NewHealthChecker(redisClient),
	)
	if err := obs.Start(); err != nil {
		return fmt.Errorf("failed to start observability server: %w", err)
	}

	svc := syncer.New(logger.Component(log, "syncer"), cfg.Syncer, cfg.Engine.InvalidationChannel,
		store.NewPostgresStore(pool), redisCache)

	runErr := svc.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()
	if err := obs.Shutdown(shutdownCtx); err != nil {
		log.Error("observability server shutdown failed", slog.Any("error", err))
	}

	log.Info("worker exited")
	return runErr
}
