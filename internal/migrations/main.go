package migrations

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"
)

// Migrations holds the run store schema. Each migration lives in a file
// named <version>_<comment>.go, which bun uses as the migration name.
var Migrations = migrate.NewMigrations()

func execAll(ctx context.Context, db *bun.DB, statements ...string) error {
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: %w", stmt, err)
		}
	}
	return nil
}

// RunMigrations runs all pending migrations.
func RunMigrations(ctx context.Context, db *bun.DB, logger zerolog.Logger) error {
	migrator := migrate.NewMigrator(db, Migrations)

	if err := migrator.Init(ctx); err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}

	group, err := migrator.Migrate(ctx)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	if group.IsZero() {
		logger.Info().Msg("no new migrations to run")
		return nil
	}

	logger.Info().Str("group", group.String()).Msg("migrated run store")
	return nil
}
