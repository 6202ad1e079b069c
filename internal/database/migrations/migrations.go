package migrations

import (
	"embed"
	"errors"
	"fmt"

	"ms-membership/internal/logger"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/uptrace/bun"
)

//go:embed sql/*.sql
var sqlFiles embed.FS

// Runner applies the schema shipped inside the binary to a PostgreSQL database.
type Runner struct {
	db       *bun.DB
	logger   *logger.Logger
	migrator *migrate.Migrate
}

func NewRunner(db *bun.DB, log *logger.Logger) *Runner {
	return &Runner{db: db, logger: log}
}

func (r *Runner) open() (*migrate.Migrate, error) {
	if r.migrator != nil {
		return r.migrator, nil
	}
	source, err := iofs.New(sqlFiles, "sql")
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	driver, err := postgres.WithInstance(r.db.DB, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("postgres migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	r.migrator = m
	return m, nil
}

// Version reports the applied schema version; zero means nothing is applied yet.
func (r *Runner) Version() (uint, bool, error) {
	m, err := r.open()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

// MigrateUp applies pending migrations. A dirty version left by a crashed run is
// forced clean first so the failed step is retried.
func (r *Runner) MigrateUp() error {
	m, err := r.open()
	if err != nil {
		return err
	}

	version, dirty, err := r.Version()
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if dirty {
		r.logger.Warn("MIGRATE", fmt.Sprintf("Schema version %d is dirty, forcing it before retrying", version))
		if err := m.Force(int(version)); err != nil {
			return fmt.Errorf("force version %d: %w", version, err)
		}
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	if version, _, err := r.Version(); err == nil {
		r.logger.Info("MIGRATE", fmt.Sprintf("Schema at version %d", version))
	}
	return nil
}

func (r *Runner) MigrateDown() error {
	m, err := r.open()
	if err != nil {
		return err
	}
	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate down: %w", err)
	}
	return nil
}

// Close releases the migrator. It leaves the underlying *bun.DB open.
func (r *Runner) Close() error {
	if r.migrator == nil {
		return nil
	}
	srcErr, dbErr := r.migrator.Close()
	return errors.Join(srcErr, dbErr)
}
