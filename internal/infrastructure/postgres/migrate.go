package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/baechuer/psychic-connect/services/session-service/internal/pkg/logger"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// Migrator applies the goose SQL migrations in dir.
type Migrator struct {
	dsn string
	dir string
}

func NewMigrator(dsn, dir string) (Migrator, error) {
	if dsn == "" {
		return Migrator{}, errors.New("empty database dsn")
	}
	if dir == "" {
		return Migrator{}, errors.New("empty migrations directory")
	}
	if _, err := os.Stat(dir); err != nil {
		return Migrator{}, fmt.Errorf("locate migrations dir: %w", err)
	}
	return Migrator{dsn: dsn, dir: dir}, nil
}

// Up applies pending migrations.
func (m Migrator) Up(ctx context.Context) error {
	return m.withDB(func(db *sql.DB) error {
		runCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()

		logger.Logger.Info().Str("dir", m.dir).Msg("applying migrations")
		if err := goose.UpContext(runCtx, db, m.dir); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		logger.Logger.Info().Msg("migrations applied")
		return nil
	})
}

// Status prints applied and pending migrations.
func (m Migrator) Status(ctx context.Context) error {
	return m.withDB(func(db *sql.DB) error {
		if err := goose.StatusContext(ctx, db, m.dir); err != nil {
			return fmt.Errorf("migration status: %w", err)
		}
		return nil
	})
}

// Down rolls back the latest migration, or down to target when target > 0.
func (m Migrator) Down(ctx context.Context, target int64) error {
	return m.withDB(func(db *sql.DB) error {
		runCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()

		if target > 0 {
			logger.Logger.Info().Int64("target", target).Msg("rolling back migrations")
			if err := goose.DownToContext(runCtx, db, m.dir, target); err != nil {
				return fmt.Errorf("rollback to version %d: %w", target, err)
			}
			return nil
		}
		logger.Logger.Info().Msg("rolling back latest migration")
		if err := goose.DownContext(runCtx, db, m.dir); err != nil {
			return fmt.Errorf("rollback latest migration: %w", err)
		}
		return nil
	})
}

func (m Migrator) withDB(fn func(*sql.DB) error) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("configure goose: %w", err)
	}

	db, err := sql.Open("pgx", m.dsn)
	if err != nil {
		return fmt.Errorf("open sql connection: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("ping sql connection: %w", err)
	}
	return fn(db)
}
