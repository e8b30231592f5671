package migration

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

// schemaTable keeps the ledger's migration bookkeeping apart from any
// legacy schema_migrations table in the shared database.
const schemaTable = "allocledger_schema_migrations"

var ErrDirtySchema = errors.New("dirty_schema")

// Result reports the schema version before and after an upgrade. A zero
// From means the schema was empty.
type Result struct {
	From uint
	To   uint
}

// RunMigrations applies the embedded postgres schema on db. It refuses to
// touch a schema left dirty by an interrupted run.
func RunMigrations(db *sql.DB, log *zap.Logger) (Result, error) {
	if db == nil {
		return Result{}, errors.New("migration database handle is required")
	}
	if log == nil {
		log = zap.NewNop()
	}

	migrator, err := newMigrator(db)
	if err != nil {
		return Result{}, err
	}
	// Closing the migrator would close the shared *sql.DB.

	var result Result
	from, dirty, err := migrator.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
	case err != nil:
		return result, fmt.Errorf("read schema version: %w", err)
	case dirty:
		return result, fmt.Errorf("%w: version %d", ErrDirtySchema, from)
	default:
		result.From = from
	}

	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return result, fmt.Errorf("apply migrations: %w", err)
	}

	to, _, err := migrator.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return result, fmt.Errorf("read schema version: %w", err)
	}
	result.To = to

	log.Info("schema migrated",
		zap.Uint("from_version", result.From),
		zap.Uint("to_version", result.To),
	)
	return result, nil
}

func newMigrator(db *sql.DB) (*migrate.Migrate, error) {
	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("open migrations: %w", err)
	}
	source, err := iofs.New(sub, ".")
	if err != nil {
		return nil, fmt.Errorf("create migration source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: schemaTable})
	if err != nil {
		return nil, fmt.Errorf("create migration driver: %w", err)
	}
	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return migrator, nil
}
