package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/plaenen/bizsuite/pkg/store/sqlite/migrate"
)

//go:embed migrations/eventstore/*.sql migrations/readside/*.sql
var migrationsFS embed.FS

const (
	eventStoreMigrationsTable = "schema_migrations"
	readSideMigrationsTable   = "readside_schema_migrations"
)

// MigrateEventStore applies pending migrations for the events and
// event_outbox tables and returns how many ran.
func MigrateEventStore(ctx context.Context, db *sql.DB) (int, error) {
	return runMigrations(ctx, db, "migrations/eventstore", eventStoreMigrationsTable)
}

// MigrateReadSide applies pending migrations for projection checkpoints,
// projection status and the integration inbox. The read side may live in the
// same database as the events or in a separate one.
func MigrateReadSide(ctx context.Context, db *sql.DB) (int, error) {
	return runMigrations(ctx, db, "migrations/readside", readSideMigrationsTable)
}

// MigrationVersions reports the applied version of both migration sets.
func MigrationVersions(ctx context.Context, db *sql.DB) (eventStore, readSide int, err error) {
	eventStore, err = migrate.New(db, eventStoreMigrationsTable).Version(ctx)
	if err != nil {
		return 0, 0, err
	}
	readSide, err = migrate.New(db, readSideMigrationsTable).Version(ctx)
	if err != nil {
		return 0, 0, err
	}
	return eventStore, readSide, nil
}

// MigrationHistory lists the applied migrations of both sets, keyed by set
// name ("eventstore" and "readside").
func MigrationHistory(ctx context.Context, db *sql.DB) (map[string][]migrate.Applied, error) {
	history := make(map[string][]migrate.Applied, 2)
	for set, table := range map[string]string{
		"eventstore": eventStoreMigrationsTable,
		"readside":   readSideMigrationsTable,
	} {
		applied, err := migrate.New(db, table).Applied(ctx)
		if err != nil {
			return nil, err
		}
		history[set] = applied
	}
	return history, nil
}

func runMigrations(ctx context.Context, db *sql.DB, dir, table string) (int, error) {
	m := migrate.New(db, table)

	if err := m.LoadFromFS(migrationsFS, dir); err != nil {
		return 0, fmt.Errorf("failed to load migrations: %w", err)
	}

	applied, err := m.Up(ctx)
	if err != nil {
		return applied, fmt.Errorf("failed to run migrations: %w", err)
	}

	return applied, nil
}
