// Package main initializes and runs the Wayfinder routing API.
//
// It is the composition root of the HTTP service: it wires PostgreSQL, Redis,
// the in-process rule cache and the rule engine, then handles the server
// lifecycle.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rafaeljc/wayfinder/internal/api"
	"github.com/rafaeljc/wayfinder/internal/cache"
	"github.com/rafaeljc/wayfinder/internal/config"
	"github.com/rafaeljc/wayfinder/internal/database"
	"github.com/rafaeljc/wayfinder/internal/logger"
	"github.com/rafaeljc/wayfinder/internal/observability"
	"github.com/rafaeljc/wayfinder/internal/routing"
	"github.com/rafaeljc/wayfinder/internal/ruleengine"
	"github.com/rafaeljc/wayfinder/internal/store"
)

const monitorInterval = 15 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	// -------------------------------------------------------------------------
	// 1. Configuration & Logging
	// -------------------------------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := logger.New(&cfg.App)
	slog.SetDefault(log)
	cfg.LogConfig(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// -------------------------------------------------------------------------
	// 2. Infrastructure
	// -------------------------------------------------------------------------
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

	l1, err := cache.NewMemoryCache(cfg.Engine.L1Capacity, cfg.Engine.L1TTL)
	if err != nil {
		return fmt.Errorf("failed to build rule cache: %w", err)
	}
	defer l1.Close()

	go database.RunPoolMonitor(ctx, pool, monitorInterval)
	go cache.RunPoolMonitor(ctx, redisClient, monitorInterval)
	go l1.RunMetricsCollector(ctx, monitorInterval)

	// -------------------------------------------------------------------------
	// 3. Wiring
	// -------------------------------------------------------------------------
	repo := store.NewPostgresStore(pool)
	rules := routing.NewRuleSource(repo, l1, redisCache, cfg.Engine.RuleSetTTL, logger.Component(log, "rules"))

	invalidations, err := redisCache.SubscribeInvalidations(ctx, cfg.Engine.InvalidationChannel, log)
	if err != nil {
		return err
	}
	go rules.ListenInvalidations(ctx, invalidations)

	engine := ruleengine.New(rules, rules, logger.Component(log, "engine"))
	svc := routing.NewService(engine, rules, redisCache, repo, cfg.Engine.SessionTTL, logger.Component(log, "routing"))

	handler := api.NewAPIWithConfig(svc, repo, redisCache, api.Options{
		APIKeyHash:          cfg.Server.APIKeyHash,
		SkipAuth:            cfg.Server.APIKeyHash == "",
		MaxBodyBytes:        cfg.Server.MaxBodyBytes,
		InvalidationChannel: cfg.Engine.InvalidationChannel,
		Logger:              logger.Component(log, "api"),
	})
	if cfg.Server.APIKeyHash == "" {
		log.Warn("API authentication disabled, no API key hash configured")
	}

	// -------------------------------------------------------------------------
	// 4. Servers
	// -------------------------------------------------------------------------
	obs := observability.NewServer(log, &cfg.Observability,
		database.NewHealthChecker(pool),
		cache.NewHealthChecker(redisClient),
	)
	if err := obs.Start(); err != nil {
		return fmt.Errorf("failed to start observability server: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           handler.Router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
	}

	errChan := make(chan error, 1)
	go func() {
		log.Info("API server listening", slog.String("addr", srv.Addr), slog.Bool("tls", cfg.Server.TLSEnabled))

		var err error
		if cfg.Server.TLSEnabled {
			err = srv.ListenAndServeTLS(cfg.Server.TLSCert, cfg.Server.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// -------------------------------------------------------------------------
	// 5. Graceful Shutdown
	// -------------------------------------------------------------------------
	var serveErr error
	select {
	case serveErr = <-errChan:
		log.Error("API server failed", slog.Any("error", serveErr))
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("API server shutdown failed", slog.Any("error", err))
	}
	if err := obs.Shutdown(shutdownCtx); err != nil {
		log.Error("observability server shutdown failed", slog.Any("error", err))
	}

	log.Info("service exited")
	return serveErr
}
