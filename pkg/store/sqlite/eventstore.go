package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/plaenen/bizsuite/pkg/domain"
	"github.com/plaenen/bizsuite/pkg/store"
)

var _ store.EventStore = (*EventStore)(nil)

// EventStore is a SQLite implementation of store.EventStore.
//
// Appends run in an immediate transaction: the expected-version check, the
// event rows and the matching event_outbox rows commit together or not at
// all. A lost race on the (aggregate_id, version) primary key is reported as
// domain.ErrConcurrencyConflict, like a failed version check.
type EventStore struct {
	db     *sql.DB
	outbox bool
	logger *slog.Logger
}

// NewEventStore opens the database described by opts and returns an event
// store on it.
//
// Example usage:
//
//	// Use defaults (bizsuite.db, WAL mode, auto-migrate, outbox)
//	es, err := sqlite.NewEventStore()
//
//	// In-memory database for testing
//	es, err := sqlite.NewEventStore(sqlite.WithMemoryDatabase())
func NewEventStore(opts ...Option) (*EventStore, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}

	es, err := newEventStore(db, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	return es, nil
}

// NewEventStoreWithDB returns an event store on an already opened database.
// Closing the store closes db.
func NewEventStoreWithDB(db *sql.DB, opts ...Option) (*EventStore, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return newEventStore(db, cfg)
}

func newEventStore(db *sql.DB, cfg config) (*EventStore, error) {
	if cfg.autoMigrate {
		if _, err := MigrateEventStore(context.Background(), db); err != nil {
			return nil, err
		}
	}
	return &EventStore{
		db:     db,
		outbox: cfg.outbox,
		logger: cfg.logger,
	}, nil
}

// DB returns the underlying database.
func (s *EventStore) DB() *sql.DB {
	return s.db
}

// Append appends events to an aggregate's stream atomically.
// Events are numbered expectedVersion+1, expectedVersion+2, ... and get
// their global Position once the transaction has committed.
func (s *EventStore) Append(ctx context.Context, aggregateID string, expectedVersion int64, events []*domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	if expectedVersion < 0 {
		return fmt.Errorf("%w: expected version %d", domain.ErrInvalidVersion, expectedVersion)
	}
	for _, event := range events {
		if event.AggregateID != "" && event.AggregateID != aggregateID {
			return fmt.Errorf("event %s belongs to aggregate %s, not %s", event.EventType, event.AggregateID, aggregateID)
		}
	}

	positions, err := s.append(ctx, aggregateID, expectedVersion, events)
	if err != nil {
		if isConstraintError(err) {
			return fmt.Errorf("%w: aggregate %s lost the race for version %d", domain.ErrConcurrencyConflict, aggregateID, expectedVersion+1)
		}
		if isBusyError(err) {
			return fmt.Errorf("event store busy: %w", err)
		}
		return err
	}

	for i, event := range events {
		event.Position = positions[i]
	}
	return nil
}

func (s *EventStore) append(ctx context.Context, aggregateID string, expectedVersion int64, events []*domain.Event) ([]int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var currentVersion int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = ?`,
		aggregateID,
	).Scan(&currentVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to check current version: %w", err)
	}
	if currentVersion != expectedVersion {
		return nil, fmt.Errorf("%w: aggregate %s is at version %d, expected %d",
			domain.ErrConcurrencyConflict, aggregateID, currentVersion, expectedVersion)
	}

	var position int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(position), 0) FROM events`).Scan(&position); err != nil {
		return nil, fmt.Errorf("failed to read head position: %w", err)
	}

	now := domain.Now()
	positions := make([]int64, len(events))

	for i, event := range events {
		position++
		positions[i] = position

		if event.ID == "" {
			event.ID = domain.NewEventID()
		}
		if event.OccurredAt.IsZero() {
			event.OccurredAt = now
		}
		event.AggregateID = aggregateID
		event.Version = expectedVersion + int64(i) + 1

		metadata, err := json.Marshal(event.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to encode metadata: %w", err)
		}
		data := event.Data
		if data == nil {
			data = []byte{}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO events (
				aggregate_id, version, position, event_id, aggregate_type,
				event_type, data, metadata, occurred_at, recorded_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			aggregateID, event.Version, position, event.ID, event.AggregateType,
			event.EventType, data, string(metadata), event.OccurredAt.UnixNano(), now.UnixNano(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to insert event: %w", err)
		}

		if s.outbox {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO event_outbox (
					position, aggregate_id, version, status, attempt_count,
					next_attempt_at, last_error, updated_at
				) VALUES (?, ?, ?, 'pending', 0, ?, '', ?)`,
				position, aggregateID, event.Version, now.UnixNano(), now.UnixNano(),
			)
			if err != nil {
				return nil, fmt.Errorf("failed to enqueue event: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.logger.Debug("events appended",
		slog.String("aggregate_id", aggregateID),
		slog.Int64("version", expectedVersion+int64(len(events))),
		slog.Int("count", len(events)),
	)
	return positions, nil
}

// ReadStream returns the aggregate's events in version order.
// Returns an empty slice for an unknown aggregate.
func (s *EventStore) ReadStream(ctx context.Context, aggregateID string) ([]*domain.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE aggregate_id = ? ORDER BY version ASC`,
		aggregateID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}
	return scanEvents(rows)
}

// ReadAll returns up to limit events with a position greater than
// afterPosition, in position order.
func (s *EventStore) ReadAll(ctx context.Context, afterPosition int64, limit int) ([]*domain.Event, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE position > ? ORDER BY position ASC LIMIT ?`,
		afterPosition, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	return scanEvents(rows)
}

// CurrentVersion returns the version of the aggregate's last event, 0 if it
// has none.
func (s *EventStore) CurrentVersion(ctx context.Context, aggregateID string) (int64, error) {
	var version int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = ?`,
		aggregateID,
	).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read version: %w", err)
	}
	return version, nil
}

// HeadPosition returns the position of the most recent event.
func (s *EventStore) HeadPosition(ctx context.Context) (int64, error) {
	var position int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(position), 0) FROM events`).Scan(&position); err != nil {
		return 0, fmt.Errorf("failed to read head position: %w", err)
	}
	return position, nil
}

// Close closes the database connection.
func (s *EventStore) Close() error {
	return s.db.Close()
}

const eventColumns = `aggregate_id, version, position, event_id, aggregate_type,
	event_type, data, metadata, occurred_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*domain.Event, error) {
	var (
		event      domain.Event
		metadata   string
		occurredAt int64
	)
	err := row.Scan(
		&event.AggregateID, &event.Version, &event.Position, &event.ID, &event.AggregateType,
		&event.EventType, &event.Data, &metadata, &occurredAt,
	)
	if err != nil {
		return nil, err
	}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &event.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata of event %s: %w", event.ID, err)
		}
	}
	event.OccurredAt = time.Unix(0, occurredAt).UTC()
	return &event, nil
}

func scanEvents(rows *sql.Rows) ([]*domain.Event, error) {
	defer rows.Close()

	events := make([]*domain.Event, 0)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return events, nil
}
