// Command migrate applies or rolls back the PostgreSQL schema.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/mihaimyh/leadledger/internal/config"
	"github.com/mihaimyh/leadledger/internal/logging"
	"github.com/mihaimyh/leadledger/storage/postgres"
)

func main() {
	action := flag.String("action", "up", "Migration action: up, down, version")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)

	if cfg.Postgres.URL == "" {
		log.Fatal().Msg("DATABASE_URL is required")
	}
	if err := runMigrations(log, cfg.Postgres.URL, *action); err != nil {
		log.Fatal().Err(err).Str("action", *action).Msg("migration failed")
	}
}

func runMigrations(log zerolog.Logger, databaseURL, action string) error {
	switch action {
	case "up":
		log.Info().Msg("running migrations")
		if err := postgres.RunMigrations(databaseURL); err != nil {
			return err
		}
		log.Info().Msg("migrations completed")

	case "down":
		log.Info().Msg("rolling back last migration")
		if err := postgres.RollbackMigrations(databaseURL); err != nil {
			return err
		}
		log.Info().Msg("migration rolled back")

	case "version":
		version, dirty, err := postgres.MigrationVersion(databaseURL)
		if err != nil {
			return err
		}
		log.Info().Uint("version", version).Bool("dirty", dirty).Msg("current migration version")

	default:
		return fmt.Errorf("unknown action: %s", action)
	}
	return nil
}
