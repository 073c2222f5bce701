// Package migrate applies numbered SQL migrations to a SQLite database and
// tracks them in a per-set version table.
//
// Files are named NNNN_name.up.sql and NNNN_name.down.sql. Each applied
// migration records a checksum of its up script, so an edited script that
// was already applied is reported instead of silently skipped.
package migrate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strconv"
	"strings"
	"time"
)

// ErrChecksumMismatch is returned by Up when an applied migration's up
// script no longer matches what was recorded.
var ErrChecksumMismatch = errors.New("migrate: applied migration was modified")

// Migration is one numbered schema change.
type Migration struct {
	Version int
	Name    string
	Up      string
	Down    string
}

// Checksum identifies the up script.
func (m Migration) Checksum() string {
	sum := sha256.Sum256([]byte(m.Up))
	return hex.EncodeToString(sum[:])
}

// Applied is a migration recorded in the version table.
type Applied struct {
	Version   int
	Name      string
	Checksum  string
	AppliedAt time.Time
}

// Migrator applies one set of migrations.
type Migrator struct {
	db         *sql.DB
	table      string
	migrations []Migration
	now        func() time.Time
}

// New creates a migrator that records its progress in table.
func New(db *sql.DB, table string) *Migrator {
	return &Migrator{
		db:    db,
		table: table,
		now:   time.Now,
	}
}

type scriptKind int

const (
	scriptUp scriptKind = iota
	scriptDown
)

// parseFileName splits "0003_add_index.up.sql" into its parts. Files that do
// not follow the pattern report ok=false and are skipped.
func parseFileName(file string) (version int, name string, kind scriptKind, ok bool) {
	prefix, rest, found := strings.Cut(file, "_")
	if !found {
		return 0, "", 0, false
	}
	version, err := strconv.Atoi(prefix)
	if err != nil || version <= 0 {
		return 0, "", 0, false
	}
	if name, found = strings.CutSuffix(rest, ".up.sql"); found {
		return version, name, scriptUp, true
	}
	if name, found = strings.CutSuffix(rest, ".down.sql"); found {
		return version, name, scriptDown, true
	}
	return 0, "", 0, false
}

// LoadFromFS reads every migration script in dir. Every version needs an up
// script; down scripts are optional.
func (m *Migrator) LoadFromFS(fsys fs.FS, dir string) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return fmt.Errorf("failed to read migration directory: %w", err)
	}

	byVersion := make(map[int]*Migration)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version, name, kind, ok := parseFileName(entry.Name())
		if !ok {
			continue
		}

		content, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", entry.Name(), err)
		}

		migration := byVersion[version]
		if migration == nil {
			migration = &Migration{Version: version}
			byVersion[version] = migration
		}
		if kind == scriptUp {
			migration.Name = name
			migration.Up = string(content)
		} else {
			migration.Down = string(content)
		}
	}

	loaded := make([]Migration, 0, len(byVersion))
	for version, migration := range byVersion {
		if migration.Up == "" {
			return fmt.Errorf("migration %d has no up script", version)
		}
		loaded = append(loaded, *migration)
	}
	slices.SortFunc(loaded, func(a, b Migration) int { return a.Version - b.Version })

	m.migrations = loaded
	return nil
}

// Migrations returns the loaded migrations in version order.
func (m *Migrator) Migrations() []Migration {
	return slices.Clone(m.migrations)
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			checksum TEXT NOT NULL DEFAULT '',
			applied_at INTEGER NOT NULL
		)`, m.table))
	if err != nil {
		return fmt.Errorf("failed to create table %s: %w", m.table, err)
	}
	return nil
}

// Applied lists the recorded migrations in version order.
func (m *Migrator) Applied(ctx context.Context) ([]Applied, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}

	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT version, name, checksum, applied_at FROM %s ORDER BY version`, m.table))
	if err != nil {
		return nil, fmt.Errorf("failed to list applied migrations: %w", err)
	}
	defer rows.Close()

	var applied []Applied
	for rows.Next() {
		var (
			a         Applied
			appliedAt int64
		)
		if err := rows.Scan(&a.Version, &a.Name, &a.Checksum, &appliedAt); err != nil {
			return nil, err
		}
		a.AppliedAt = time.Unix(0, appliedAt).UTC()
		applied = append(applied, a)
	}
	return applied, rows.Err()
}

// Pending returns the loaded migrations newer than the applied version.
func (m *Migrator) Pending(ctx context.Context) ([]Migration, error) {
	version, err := m.Version(ctx)
	if err != nil {
		return nil, err
	}
	var pending []Migration
	for _, migration := range m.migrations {
		if migration.Version > version {
			pending = append(pending, migration)
		}
	}
	return pending, nil
}

// Up verifies the applied migrations and runs every pending one, each in its
// own transaction. It returns how many were applied.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	applied, err := m.Applied(ctx)
	if err != nil {
		return 0, err
	}
	if err := m.verify(applied); err != nil {
		return 0, err
	}

	current := 0
	if len(applied) > 0 {
		current = applied[len(applied)-1].Version
	}

	count := 0
	for _, migration := range m.migrations {
		if migration.Version <= current {
			continue
		}
		if err := m.apply(ctx, migration); err != nil {
			return count, fmt.Errorf("failed to apply migration %d (%s): %w", migration.Version, migration.Name, err)
		}
		count++
	}
	return count, nil
}

// verify compares recorded checksums with the loaded scripts. Rows recorded
// without a checksum are accepted.
func (m *Migrator) verify(applied []Applied) error {
	for _, a := range applied {
		i := slices.IndexFunc(m.migrations, func(mig Migration) bool { return mig.Version == a.Version })
		if i < 0 || a.Checksum == "" {
			continue
		}
		if got := m.migrations[i].Checksum(); got != a.Checksum {
			return fmt.Errorf("%w: version %d (%s)", ErrChecksumMismatch, a.Version, a.Name)
		}
	}
	return nil
}

func (m *Migrator) apply(ctx context.Context, migration Migration) error {
	return m.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, migration.Up); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (version, name, checksum, applied_at) VALUES (?, ?, ?, ?)`, m.table),
			migration.Version, migration.Name, migration.Checksum(), m.now().UnixNano())
		if err != nil {
			return fmt.Errorf("failed to record migration: %w", err)
		}
		return nil
	})
}

// Down rolls back the most recently applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	current, err := m.Version(ctx)
	if err != nil {
		return err
	}
	if current == 0 {
		return errors.New("no migrations to roll back")
	}

	i := slices.IndexFunc(m.migrations, func(mig Migration) bool { return mig.Version == current })
	if i < 0 {
		return fmt.Errorf("migration %d is applied but not loaded", current)
	}
	migration := m.migrations[i]
	if migration.Down == "" {
		return fmt.Errorf("migration %d has no down script", current)
	}

	return m.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, migration.Down); err != nil {
			return fmt.Errorf("failed to roll back migration %d: %w", current, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE version = ?`, m.table), current); err != nil {
			return fmt.Errorf("failed to remove migration record: %w", err)
		}
		return nil
	})
}

// Version returns the highest applied version, or 0 when none is applied.
func (m *Migrator) Version(ctx context.Context) (int, error) {
	if err := m.ensureTable(ctx); err != nil {
		return 0, err
	}
	var version int
	err := m.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COALESCE(MAX(version), 0) FROM %s`, m.table)).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read migration version: %w", err)
	}
	return version, nil
}

func (m *Migrator) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
