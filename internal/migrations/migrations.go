package migrations

import (
	"database/sql"
	"embed"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed *.sql
var MigrationFiles embed.FS

// RunMigrations brings the beads schema up to date from the embedded SQL
// files. With autoMigrate false it reports the current version and applies
// nothing, so operators can gate schema changes on managed databases.
func RunMigrations(db *sql.DB, autoMigrate bool) error {
	sourceDriver, err := iofs.New(MigrationFiles, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && err != migrate.ErrNilVersion {
		return fmt.Errorf("read migration version: %w", err)
	}

	if dirty {
		slog.Warn("[Migrations] Dirty schema state, prior migration was interrupted",
			"version", version,
			"action", "forcing version and retrying",
		)

		// The schema is a single create-beads-table migration, so forcing
		// back to the recorded version cannot strand partial DDL.
		if err := m.Force(int(version)); err != nil {
			return fmt.Errorf("recover dirty schema at version %d: %w", version, err)
		}
		slog.Info("[Migrations] Recovered dirty schema state", "version", version)
	}

	if !autoMigrate {
		slog.Info("[Migrations] Auto-migrate disabled, leaving schema as-is",
			"current_version", version,
			"dirty", dirty,
		)
		return nil
	}

	slog.Info("[Migrations] Applying pending migrations", "current_version", version)

	if err := m.Up(); err != nil {
		if err == migrate.ErrNoChange {
			slog.Info("[Migrations] Beads schema is up to date", "version", version)
			return nil
		}
		return fmt.Errorf("apply migrations: %w", err)
	}

	newVersion, _, err := m.Version()
	if err != nil {
		return fmt.Errorf("read updated migration version: %w", err)
	}

	slog.Info("[Migrations] Beads schema migrated",
		"from_version", version,
		"to_version", newVersion,
	)

	return nil
}
