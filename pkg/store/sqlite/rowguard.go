package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/plaenen/bizsuite/pkg/domain"
)

// RowGuard makes read-model updates idempotent. Every guarded table keys
// its rows by aggregate id and stores the version of the last applied
// event in a last_version column.
type RowGuard struct {
	Projection string
	Table      string
	KeyColumn  string
}

// Update runs "UPDATE <table> SET <set>, last_version = ? WHERE <key> = ?
// AND last_version = ?" for event, so a row only moves to version n from
// n-1. args bind the placeholders of set. When no row matches, an event the
// row already reflects is a redelivery; a missing row or a skipped version
// is a *domain.ProjectionOrderingError.
func (g RowGuard) Update(ctx context.Context, tx *sql.Tx, event *domain.Event, set string, args ...any) error {
	query := fmt.Sprintf(`UPDATE %s SET %s, last_version = ? WHERE %s = ? AND last_version = ?`,
		g.Table, set, g.KeyColumn)
	args = append(args, event.Version, event.AggregateID, event.Version-1)

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", g.Table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var lastVersion int64
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT last_version FROM %s WHERE %s = ?`, g.Table, g.KeyColumn),
		event.AggregateID).Scan(&lastVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NewProjectionOrderingError(g.Projection, event)
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", g.Table, err)
	}
	return g.check(event, lastVersion)
}

// Load reads columns of the event's row into dest before a
// read-modify-write update. It reports false when the row already reflects
// the event.
func (g RowGuard) Load(ctx context.Context, tx *sql.Tx, event *domain.Event, columns string, dest ...any) (bool, error) {
	var lastVersion int64
	query := fmt.Sprintf(`SELECT last_version, %s FROM %s WHERE %s = ?`, columns, g.Table, g.KeyColumn)

	err := tx.QueryRowContext(ctx, query, event.AggregateID).Scan(append([]any{&lastVersion}, dest...)...)
	if errors.Is(err, sql.ErrNoRows) {
		return false, domain.NewProjectionOrderingError(g.Projection, event)
	}
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", g.Table, err)
	}
	if lastVersion >= event.Version {
		return false, nil
	}
	if err := g.check(event, lastVersion); err != nil {
		return false, err
	}
	return true, nil
}

// check accepts a row at or past the event and rejects one that is more
// than one version behind it.
func (g RowGuard) check(event *domain.Event, lastVersion int64) error {
	if lastVersion < event.Version-1 {
		return domain.NewProjectionGapError(g.Projection, event, lastVersion)
	}
	return nil
}
