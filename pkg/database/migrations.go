package database

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"go.uber.org/zap"
)

// RunMigrations applies pending SQL migrations from dir. Safe to run on
// every startup: an up-to-date schema is a no-op.
func RunMigrations(db *sql.DB, dir string, logger *zap.Logger) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer closeMigrator(m, logger)

	switch err := m.Up(); {
	case errors.Is(err, migrate.ErrNoChange):
		logger.Debug("Schema already current")
		return nil
	case err != nil:
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	version, _, err := m.Version()
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	logger.Info("Schema migrated", zap.Uint("version", version))
	return nil
}

func closeMigrator(m *migrate.Migrate, logger *zap.Logger) {
	srcErr, dbErr := m.Close()
	if srcErr != nil || dbErr != nil {
		logger.Warn("Failed to close migrator",
			zap.NamedError("source", srcErr),
			zap.NamedError("database", dbErr))
	}
}
