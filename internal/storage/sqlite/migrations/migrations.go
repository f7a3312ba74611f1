// Package migrations has the schema of the job journal, embedded in the binary.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/omrkit/omr/internal/log"
)

//go:embed sql/*.sql
var journalSchema embed.FS

// Migrator moves the journal database schema between versions.
type Migrator struct {
	db     *sql.DB
	logger log.Logger
}

// NewMigrator returns a migrator of the journal schema stored in db.
func NewMigrator(db *sql.DB, logger log.Logger) (*Migrator, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if logger == nil {
		logger = log.Noop
	}

	return &Migrator{
		db:     db,
		logger: logger.WithValues(log.Kv{"svc": "sqlite.Migrator"}),
	}, nil
}

// Up brings the journal schema to the latest version.
func (m *Migrator) Up(ctx context.Context) error {
	return m.run(ctx, func(inst *migrate.Migrate) error {
		if err := ignoreNoChange(inst.Up()); err != nil {
			return fmt.Errorf("could not run migrations: %w", err)
		}

		version, dirty, err := inst.Version()
		if err != nil {
			return fmt.Errorf("could not get schema version: %w", err)
		}
		m.logger.Debugf("Journal schema at version %d (dirty: %t)", version, dirty)
		return nil
	})
}

// Down removes the journal schema.
func (m *Migrator) Down(ctx context.Context) error {
	return m.run(ctx, func(inst *migrate.Migrate) error {
		if err := ignoreNoChange(inst.Down()); err != nil {
			return fmt.Errorf("could not revert migrations: %w", err)
		}
		m.logger.Debugf("Journal schema removed")
		return nil
	})
}

// Version returns the current schema version, zero when no migration has
// been applied.
func (m *Migrator) Version(ctx context.Context) (version uint, dirty bool, err error) {
	err = m.run(ctx, func(inst *migrate.Migrate) error {
		version, dirty, err = inst.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			version, dirty = 0, false
			return nil
		}
		return err
	})
	return version, dirty, err
}

func (m *Migrator) run(ctx context.Context, fn func(inst *migrate.Migrate) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	driver, err := sqlite3.WithInstance(m.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("could not create driver: %w", err)
	}

	src, err := iofs.New(journalSchema, "sql")
	if err != nil {
		return fmt.Errorf("could not load schema: %w", err)
	}
	defer func() {
		if err := src.Close(); err != nil {
			m.logger.Errorf("Could not close schema source: %s", err)
		}
	}()

	inst, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("could not create migration instance: %w", err)
	}

	return fn(inst)
}

func ignoreNoChange(err error) error {
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return err
}
