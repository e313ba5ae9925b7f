package vault

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// CurrentSchemaVersion is the highest migration shipped in migrations/.
const CurrentSchemaVersion = 1

const migrationsTable = "schema_migrations"

//go:embed migrations/*.sql
var migrationFS embed.FS

// migrateSchema brings the store at dsn up to CurrentSchemaVersion.
//
// The sqlite migrate driver closes the handle it is given, so migrations run
// on a dedicated connection rather than the vault's pool.
func migrateSchema(dsn string) (uint, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return 0, fmt.Errorf("vault: failed to open database for migration: %w", err)
	}

	driver, err := sqlite.WithInstance(db, &sqlite.Config{MigrationsTable: migrationsTable})
	if err != nil {
		db.Close()
		return 0, fmt.Errorf("vault: failed to create migration driver: %w", err)
	}

	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		driver.Close()
		return 0, fmt.Errorf("vault: failed to load migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		src.Close()
		driver.Close()
		return 0, fmt.Errorf("vault: failed to create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("vault: migration failed: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		return 0, fmt.Errorf("vault: failed to read schema version: %w", err)
	}
	if dirty {
		return version, fmt.Errorf("%w: schema version %d is dirty", ErrCorrupted, version)
	}
	return version, nil
}
