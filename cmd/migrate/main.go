package main

import (
	"context"
	"flag"
	"time"

	"github.com/baechuer/psychic-connect/services/session-service/internal/config"
	"github.com/baechuer/psychic-connect/services/session-service/internal/infrastructure/postgres"
	"github.com/baechuer/psychic-connect/services/session-service/internal/pkg/logger"
)

func main() {
	command := flag.String("command", "up", "migrate command (up|status|down)")
	timeout := flag.Duration("timeout", time.Minute, "command timeout")
	target := flag.Int64("target", 0, "target version for down command (optional)")
	dir := flag.String("dir", "", "migrations directory (defaults to MIGRATIONS_DIR)")
	flag.Parse()

	logger.Init()
	log := logger.Logger.With().Str("component", "migrate").Logger()

	db, err := config.LoadDatabase()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	if *dir != "" {
		db.MigrationsDir = *dir
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	m, err := postgres.NewMigrator(db.DSN, db.MigrationsDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to configure migration runner")
	}

	switch *command {
	case "up":
		err = m.Up(ctx)
	case "status":
		err = m.Status(ctx)
	case "down":
		err = m.Down(ctx, *target)
	default:
		log.Fatal().Str("command", *command).Msg("unsupported command")
	}
	if err != nil {
		log.Fatal().Err(err).Str("command", *command).Msg("migration command failed")
	}

	log.Info().Str("command", *command).Msg("migration command completed")
}
