package store

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var postgresMigrations embed.FS

// MigratePostgres applies every pending migration in migrations/ to the
// database at connString via golang-migrate's pgx/v5 driver. This is the
// Postgres-only counterpart to PostgresStore.Initialize's inline schema
// exec: modernc.org/sqlite has no clean pure-Go golang-migrate driver
// (its sqlite3 driver needs cgo), so SQLiteStore applies its schema
// directly instead and this runner is never invoked for that backend.
func MigratePostgres(connString string) error {
	src, err := iofs.New(postgresMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("store: load migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, connString)
	if err != nil {
		return fmt.Errorf("store: init migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: apply migrations: %w", err)
	}
	return nil
}
