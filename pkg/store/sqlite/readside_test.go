package sqlite_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"testing/fstest"

	"github.com/plaenen/bizsuite/pkg/domain"
	"github.com/plaenen/bizsuite/pkg/store"
	"github.com/plaenen/bizsuite/pkg/store/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpointStore_NeverMovesBackwards(t *testing.T) {
	ctx := context.Background()
	es := newMemoryStore(t)

	checkpoints, err := sqlite.NewCheckpointStore(ctx, es.DB())
	require.NoError(t, err)

	cp, err := checkpoints.Load(ctx, "tickets")
	require.NoError(t, err)
	assert.Zero(t, cp.Position)
	assert.Equal(t, "tickets", cp.ProjectionName)

	require.NoError(t, checkpoints.Save(ctx, &store.ProjectionCheckpoint{ProjectionName: "tickets", Position: 7, LastEventID: "e7"}))
	require.NoError(t, checkpoints.Save(ctx, &store.ProjectionCheckpoint{ProjectionName: "tickets", Position: 3, LastEventID: "e3"}))

	cp, err = checkpoints.Load(ctx, "tickets")
	require.NoError(t, err)
	assert.Equal(t, int64(7), cp.Position)
	assert.Equal(t, "e7", cp.LastEventID)

	require.NoError(t, checkpoints.Delete(ctx, "tickets"))
	cp, err = checkpoints.Load(ctx, "tickets")
	require.NoError(t, err)
	assert.Zero(t, cp.Position)
}

func TestProjectionStatusStore(t *testing.T) {
	ctx := context.Background()
	es := newMemoryStore(t)

	statuses, err := sqlite.NewProjectionStatusStore(ctx, es.DB())
	require.NoError(t, err)

	state, err := statuses.Load(ctx, "tickets")
	require.NoError(t, err)
	assert.Nil(t, state)

	require.NoError(t, statuses.Save(ctx, &store.ProjectionState{
		ProjectionName:  "tickets",
		Status:          store.ProjectionStatusFailed,
		Message:         "boom",
		EventsProcessed: 12,
	}))

	state, err = statuses.Load(ctx, "tickets")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, store.ProjectionStatusFailed, state.Status)
	assert.Equal(t, "boom", state.Message)
	assert.Equal(t, int64(12), state.EventsProcessed)
}

func TestInboxStore_MarkProcessedOnce(t *testing.T) {
	ctx := context.Background()
	es := newMemoryStore(t)

	inbox, err := sqlite.NewInboxStore(ctx, es.DB())
	require.NoError(t, err)

	seen, err := inbox.Processed(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, seen)

	fresh, err := inbox.MarkProcessed(ctx, "evt-1", "inventory.goods_received")
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = inbox.MarkProcessed(ctx, "evt-1", "inventory.goods_received")
	require.NoError(t, err)
	assert.False(t, fresh)

	seen, err = inbox.Processed(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, seen)
}

var ticketMigrations = fstest.MapFS{
	"migrations/0001_tickets.up.sql": &fstest.MapFile{Data: []byte(`
		CREATE TABLE tickets (
			id TEXT PRIMARY KEY,
			comments INTEGER NOT NULL DEFAULT 0,
			last_version INTEGER NOT NULL
		);`)},
	"migrations/0001_tickets.down.sql": &fstest.MapFile{Data: []byte(`DROP TABLE tickets;`)},
}

func buildTicketProjection(t *testing.T, es *sqlite.EventStore) *sqlite.Projection {
	t.Helper()
	ctx := context.Background()

	projection, err := sqlite.NewProjectionBuilder("tickets", es.DB(), es).
		WithMigrations(ticketMigrations, "migrations").
		On("test.Opened", func(ctx context.Context, tx *sql.Tx, event *domain.Event) error {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO tickets (id, last_version) VALUES (?, ?) ON CONFLICT(id) DO NOTHING`,
				event.AggregateID, event.Version)
			return err
		}).
		On("test.Commented", func(ctx context.Context, tx *sql.Tx, event *domain.Event) error {
			res, err := tx.ExecContext(ctx,
				`UPDATE tickets SET comments = comments + 1, last_version = ? WHERE id = ? AND last_version < ?`,
				event.Version, event.AggregateID, event.Version)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				var exists bool
				if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM tickets WHERE id = ?)`, event.AggregateID).Scan(&exists); err != nil {
					return err
				}
				if !exists {
					return domain.NewProjectionOrderingError("tickets", event)
				}
			}
			return nil
		}).
		OnReset(func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `DELETE FROM tickets`)
			return err
		}).
		Build(ctx)
	require.NoError(t, err)
	return projection
}

func ticketComments(t *testing.T, db *sql.DB, id string) int {
	t.Helper()
	var comments int
	require.NoError(t, db.QueryRow(`SELECT comments FROM tickets WHERE id = ?`, id).Scan(&comments))
	return comments
}

func TestProjection_HandleIsIdempotent(t *testing.T) {
	ctx := context.Background()
	es := newMemoryStore(t)
	projection := buildTicketProjection(t, es)

	opened := newEvent("t1", "test.Opened")
	commented := newEvent("t1", "test.Commented")
	require.NoError(t, es.Append(ctx, "t1", 0, []*domain.Event{opened, commented}))

	require.NoError(t, projection.Handle(ctx, opened))
	require.NoError(t, projection.Handle(ctx, commented))
	require.NoError(t, projection.Handle(ctx, commented))

	assert.Equal(t, 1, ticketComments(t, es.DB(), "t1"))

	cp, err := projection.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, commented.Position, cp.Position)
	assert.True(t, projection.IsReady(ctx))
}

func TestProjection_OrderingErrorRollsBack(t *testing.T) {
	ctx := context.Background()
	es := newMemoryStore(t)
	projection := buildTicketProjection(t, es)

	opened := newEvent("t1", "test.Opened")
	commented := newEvent("t1", "test.Commented")
	require.NoError(t, es.Append(ctx, "t1", 0, []*domain.Event{opened, commented}))

	err := projection.Handle(ctx, commented)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrProjectionOrdering))

	var orderingErr *domain.ProjectionOrderingError
	require.True(t, errors.As(err, &orderingErr))
	assert.Equal(t, "t1", orderingErr.AggregateID)

	cp, err := projection.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Zero(t, cp.Position)
}

func TestProjection_Rebuild(t *testing.T) {
	ctx := context.Background()
	es := newMemoryStore(t)
	projection := buildTicketProjection(t, es)

	for _, id := range []string{"t1", "t2"} {
		require.NoError(t, es.Append(ctx, id, 0, []*domain.Event{
			newEvent(id, "test.Opened"),
			newEvent(id, "test.Commented"),
			newEvent(id, "test.Commented"),
		}))
	}

	require.NoError(t, projection.Rebuild(ctx))
	assert.Equal(t, 2, ticketComments(t, es.DB(), "t1"))
	assert.Equal(t, 2, ticketComments(t, es.DB(), "t2"))

	// Rebuilding again starts from an empty read model.
	require.NoError(t, projection.Rebuild(ctx))
	assert.Equal(t, 2, ticketComments(t, es.DB(), "t1"))

	state, err := projection.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.ProjectionStatusReady, state.Status)
	assert.Equal(t, int64(6), state.EventsProcessed)

	cp, err := projection.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), cp.Position)
}
