// Package main applies the Wayfinder schema migrations.
//
//	wayfinder-migrate -command up
//	wayfinder-migrate -command steps -n -1
//	wayfinder-migrate -command force -n 1
//
// Without -database the connection comes from the WAYFINDER_DB_* variables.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/kelseyhightower/envconfig"

	"github.com/rafaeljc/wayfinder/internal/config"
	"github.com/rafaeljc/wayfinder/internal/database"
	"github.com/rafaeljc/wayfinder/internal/logger"
)

func main() {
	if err := run(); err != nil {
		slog.Error("migration failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	var (
		databaseURL string
		source      string
		command     string
		n           int
	)

	flag.StringVar(&databaseURL, "database", "", "Database URL (defaults to WAYFINDER_DB_*)")
	flag.StringVar(&source, "path", "", "Migrations source URL (defaults to WAYFINDER_DB_MIGRATIONS_SOURCE)")
	flag.StringVar(&command, "command", "up", "Migration command: up, down, version, steps, force")
	flag.IntVar(&n, "n", 0, "Step count for steps, version for force")
	flag.Parse()

	log := logger.New(&config.AppConfig{Name: "wayfinder-migrate", Version: "dev", LogLevel: "info", LogFormat: "text"})

	var dbCfg config.DatabaseConfig
	if err := envconfig.Process(config.EnvPrefix+"_DB", &dbCfg); err != nil {
		return fmt.Errorf("failed to process environment variables: %w", err)
	}
	if databaseURL == "" {
		if !dbCfg.IsConfigured() {
			return fmt.Errorf("database URL is required: use -database or the WAYFINDER_DB_* variables")
		}
		databaseURL = dbCfg.ConnectionString()
	}
	if source == "" {
		source = dbCfg.MigrationsSource
	}

	log.Info("connecting to database", slog.String("source", source), slog.String("command", command))

	m, err := database.NewMigrator(source, databaseURL, log)
	if err != nil {
		return err
	}
	defer m.Close()

	switch command {
	case "up":
		return m.Up()

	case "down":
		return m.Down()

	case "steps":
		if n == 0 {
			return fmt.Errorf("steps requires a non-zero -n")
		}
		return m.Steps(n)

	case "version":
		version, dirty, err := m.Version()
		if err != nil {
			return err
		}
		log.Info("current schema version", slog.Uint64("version", uint64(version)), slog.Bool("dirty", dirty))
		return nil

	case "force":
		if n < 1 {
			return fmt.Errorf("force requires a version: -n <version>")
		}
		return m.Force(n)

	default:
		return fmt.Errorf("unknown command %q (use: up, down, version, steps, force)", command)
	}
}
