// Package migrations applies the embedded store schema.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/aristath/nworlds/internal/log"
)

//go:embed sql
var migrationFiles embed.FS

// Supported dialects, named after their database/sql drivers.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// Migrator applies the migrations of one dialect.
type Migrator struct {
	db      *sql.DB
	dialect string
	logger  log.Logger
}

// NewMigrator creates a migrator for db.
func NewMigrator(db *sql.DB, dialect string, logger log.Logger) (*Migrator, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if dialect != DialectSQLite && dialect != DialectPostgres {
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
	if logger == nil {
		logger = log.Noop
	}
	return &Migrator{db: db, dialect: dialect, logger: logger}, nil
}

// Up runs all pending migrations.
func (m *Migrator) Up(ctx context.Context) error {
	inst, done, err := m.instance(ctx)
	defer done()
	if err != nil {
		return err
	}

	if err := inst.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", err)
	}
	m.logger.Debugf("Migrations applied")
	return nil
}

// Down reverts all migrations.
func (m *Migrator) Down(ctx context.Context) error {
	inst, done, err := m.instance(ctx)
	defer done()
	if err != nil {
		return err
	}

	if err := inst.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not revert migrations: %w", err)
	}
	m.logger.Debugf("Migrations reverted")
	return nil
}

// instance builds a migrate instance over the embedded files. The instance
// itself is never closed, that would close db.
func (m *Migrator) instance(ctx context.Context) (*migrate.Migrate, func(), error) {
	done := func() {}

	var (
		driver database.Driver
		err    error
	)
	switch m.dialect {
	case DialectSQLite:
		driver, err = sqlite.WithInstance(m.db, &sqlite.Config{})
	case DialectPostgres:
		driver, err = postgres.WithInstance(m.db, &postgres.Config{})
	}
	if err != nil {
		return nil, done, fmt.Errorf("could not create %s driver: %w", m.dialect, err)
	}

	src, err := iofs.New(migrationFiles, "sql/"+m.dialect)
	if err != nil {
		return nil, done, fmt.Errorf("could not open migrations: %w", err)
	}
	done = func() {
		if err := src.Close(); err != nil {
			m.logger.Errorf("could not close migrations: %s", err)
		}
	}

	inst, err := migrate.NewWithInstance("iofs", src, m.dialect, driver)
	if err != nil {
		return nil, done, fmt.Errorf("could not create migration instance: %w", err)
	}
	return inst, done, nil
}
