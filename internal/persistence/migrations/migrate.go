// Package migrations wires golang-migrate execution for the mirror's
// persistence layer.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for migrations

	dbmigrations "github.com/coachpo/kurumirror/db/migrations"
	"github.com/coachpo/kurumirror/internal/observability"
)

// Apply runs the embedded migrations against the Postgres instance
// reachable via dsn.
func Apply(ctx context.Context, dsn string) error {
	m, cleanup, err := instance(ctx, dsn)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			observability.Log().Info("database migrations up-to-date")
			return nil
		}
		return fmt.Errorf("apply migrations: %w", err)
	}
	observability.Log().Info("database migrations applied")
	return nil
}

// Rollback reverts the given number of migrations, most recent first.
func Rollback(ctx context.Context, dsn string, steps int) error {
	if steps <= 0 {
		steps = 1
	}
	m, cleanup, err := instance(ctx, dsn)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := m.Steps(-steps); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return fmt.Errorf("rollback migrations: %w", err)
	}
	observability.Log().Info("database migrations rolled back", observability.F("steps", steps))
	return nil
}

func instance(ctx context.Context, dsn string) (*migrate.Migrate, func(), error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open migrations connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ping migrations database: %w", err)
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("initialise pgx v5 driver: %w", err)
	}

	source, err := iofs.New(dbmigrations.Files, ".")
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("load embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("initialise migrate instance: %w", err)
	}

	cleanup := func() {
		sourceErr, dbErr := m.Close()
		if sourceErr != nil {
			observability.Log().Warn("migrations source close", observability.F("cause", sourceErr.Error()))
		}
		if dbErr != nil {
			observability.Log().Warn("migrations db close", observability.F("cause", dbErr.Error()))
		}
	}
	return m, cleanup, nil
}
