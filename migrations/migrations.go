// Package migrations embeds the landscape schema and applies it with
// golang-migrate over the pgx stdlib driver.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/elspeth-io/elspeth/common/logger"
)

//go:embed *.sql
var files embed.FS

// Up applies all pending migrations. Applying an already-migrated
// database is a no-op.
func Up(databaseURL string, log *logger.Logger) error {
	m, db, err := newMigrate(databaseURL)
	if err != nil {
		return err
	}
	defer closeMigrate(m, db, log)

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("read migration version: %w", err)
	}
	log.Info("landscape schema ready", "version", version, "dirty", dirty)

	return nil
}

// Down rolls back the most recent migration.
func Down(databaseURL string, log *logger.Logger) error {
	m, db, err := newMigrate(databaseURL)
	if err != nil {
		return err
	}
	defer closeMigrate(m, db, log)

	if err := m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("roll back migration: %w", err)
	}

	return nil
}

func newMigrate(databaseURL string) (*migrate.Migrate, *sql.DB, error) {
	src, err := iofs.New(files, ".")
	if err != nil {
		return nil, nil, fmt.Errorf("open embedded migrations: %w", err)
	}

	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "pgx", driver)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("create migrator: %w", err)
	}

	return m, db, nil
}

func closeMigrate(m *migrate.Migrate, db *sql.DB, log *logger.Logger) {
	srcErr, dbErr := m.Close()
	if srcErr != nil {
		log.Warn("closing migration source", "error", srcErr)
	}
	if dbErr != nil {
		log.Warn("closing migration database", "error", dbErr)
	}
	if err := db.Close(); err != nil {
		log.Warn("closing migration connection", "error", err)
	}
}
