package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/plaenen/bizsuite/pkg/domain"
	"github.com/plaenen/bizsuite/pkg/store"
	"github.com/plaenen/bizsuite/pkg/store/sqlite/migrate"
)

// Handler updates a read model inside the transaction that also advances
// the projection checkpoint.
type Handler func(ctx context.Context, tx *sql.Tx, event *domain.Event) error

const rebuildBatchSize = 1000

// ProjectionBuilder provides a high-level builder for SQLite projections
// with automatic transaction handling, checkpoint management, and rebuild support.
type ProjectionBuilder struct {
	name           string
	db             *sql.DB
	eventStore     store.EventStore
	registry       *domain.Registry
	handlers       map[string]Handler
	resetFunc      func(context.Context, *sql.Tx) error
	migrationsFS   fs.FS
	migrationsPath string
	logger         *slog.Logger
}

// NewProjectionBuilder creates a builder for a projection whose read model
// lives in db. eventStore is only read during Rebuild and may be nil for
// projections that are never rebuilt.
//
// Example:
//
//	projection, err := sqlite.NewProjectionBuilder("lead_summary", readDB, eventStore).
//	    WithRegistry(registry).
//	    WithMigrations(migrationsFS, "migrations").
//	    On(crm.EventLeadCreated, func(ctx context.Context, tx *sql.Tx, event *domain.Event) error {
//	        created := event.Payload.(crm.LeadCreated)
//	        _, err := tx.ExecContext(ctx, "INSERT INTO lead_summary ...", created.Name)
//	        return err
//	    }).
//	    Build(ctx)
func NewProjectionBuilder(name string, db *sql.DB, eventStore store.EventStore) *ProjectionBuilder {
	return &ProjectionBuilder{
		name:       name,
		db:         db,
		eventStore: eventStore,
		handlers:   make(map[string]Handler),
		logger:     slog.Default(),
	}
}

// WithRegistry decodes events that arrive without a payload.
func (b *ProjectionBuilder) WithRegistry(registry *domain.Registry) *ProjectionBuilder {
	b.registry = registry
	return b
}

// WithMigrations registers a migrations directory for the read model schema.
// Migrations are tracked in projection_<name>_schema_migrations.
//
// Migration files follow the naming convention:
//   - 0001_initial_schema.up.sql
//   - 0001_initial_schema.down.sql
func (b *ProjectionBuilder) WithMigrations(migrationsFS fs.FS, path string) *ProjectionBuilder {
	b.migrationsFS = migrationsFS
	b.migrationsPath = path
	return b
}

// WithLogger sets the logger used during rebuilds.
func (b *ProjectionBuilder) WithLogger(logger *slog.Logger) *ProjectionBuilder {
	b.logger = logger
	return b
}

// On registers the handler for one event type. Event types without a
// handler are ignored.
func (b *ProjectionBuilder) On(eventType string, handler Handler) *ProjectionBuilder {
	b.handlers[eventType] = handler
	return b
}

// OnReset registers a function that clears the read model.
func (b *ProjectionBuilder) OnReset(resetFunc func(context.Context, *sql.Tx) error) *ProjectionBuilder {
	b.resetFunc = resetFunc
	return b
}

// Build applies the read side and projection migrations and returns the
// projection.
func (b *ProjectionBuilder) Build(ctx context.Context) (*Projection, error) {
	checkpoints, err := NewCheckpointStore(ctx, b.db)
	if err != nil {
		return nil, err
	}
	statusStore, err := NewProjectionStatusStore(ctx, b.db)
	if err != nil {
		return nil, err
	}

	if b.migrationsFS != nil {
		if err := runProjectionMigrations(ctx, b.db, b.migrationsFS, b.migrationsPath, b.name); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	projection := &Projection{
		name:        b.name,
		db:          b.db,
		checkpoints: checkpoints,
		statusStore: statusStore,
		eventStore:  b.eventStore,
		registry:    b.registry,
		handlers:    b.handlers,
		resetFunc:   b.resetFunc,
		logger:      b.logger,
	}

	state, err := statusStore.Load(ctx, b.name)
	if err != nil {
		return nil, err
	}
	if state == nil {
		err = statusStore.Save(ctx, &store.ProjectionState{
			ProjectionName: b.name,
			Status:         store.ProjectionStatusReady,
			UpdatedAt:      domain.Now(),
		})
		if err != nil {
			return nil, err
		}
	}

	return projection, nil
}

var _ store.Projection = (*Projection)(nil)

// Projection implements store.Projection on SQLite. Each event is handled in
// its own transaction together with the checkpoint update.
type Projection struct {
	name        string
	db          *sql.DB
	checkpoints *CheckpointStore
	statusStore *ProjectionStatusStore
	eventStore  store.EventStore
	registry    *domain.Registry
	handlers    map[string]Handler
	resetFunc   func(context.Context, *sql.Tx) error
	logger      *slog.Logger
}

// Name returns the projection name.
func (p *Projection) Name() string {
	return p.name
}

// EventTypes returns the event types this projection handles.
func (p *Projection) EventTypes() []string {
	types := make([]string, 0, len(p.handlers))
	for eventType := range p.handlers {
		types = append(types, eventType)
	}
	return types
}

// Handle runs the event's handler and saves the checkpoint in one transaction.
func (p *Projection) Handle(ctx context.Context, event *domain.Event) error {
	handler, exists := p.handlers[event.EventType]
	if !exists {
		return nil
	}

	if event.Payload == nil && p.registry != nil {
		if err := p.registry.Decode(event); err != nil {
			return err
		}
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := handler(ctx, tx, event); err != nil {
		return fmt.Errorf("projection %s: %w", p.name, err)
	}

	checkpoint := &store.ProjectionCheckpoint{
		ProjectionName: p.name,
		Position:       event.Position,
		LastEventID:    event.ID,
		UpdatedAt:      domain.Now(),
	}
	if err := p.checkpoints.SaveInTx(ctx, tx, checkpoint); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Reset clears the read model and the checkpoint.
func (p *Projection) Reset(ctx context.Context) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if p.resetFunc != nil {
		if err := p.resetFunc(ctx, tx); err != nil {
			return fmt.Errorf("reset failed: %w", err)
		}
	}

	if err := p.checkpoints.DeleteInTx(ctx, tx, p.name); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reset: %w", err)
	}
	return nil
}

// Rebuild resets the read model and replays every stored event in position
// order, tracking progress in the status store.
func (p *Projection) Rebuild(ctx context.Context) error {
	if p.eventStore == nil {
		return fmt.Errorf("projection %s has no event store to rebuild from", p.name)
	}

	if err := p.setStatus(ctx, store.ProjectionStatusRebuilding, "starting rebuild", 0); err != nil {
		return fmt.Errorf("failed to save rebuilding status: %w", err)
	}

	if err := p.Reset(ctx); err != nil {
		p.fail(ctx, fmt.Sprintf("reset failed: %v", err), 0)
		return fmt.Errorf("failed to reset projection: %w", err)
	}

	var (
		position  int64
		processed int64
	)
	for {
		events, err := p.eventStore.ReadAll(ctx, position, rebuildBatchSize)
		if err != nil {
			p.fail(ctx, fmt.Sprintf("failed to load events: %v", err), processed)
			return fmt.Errorf("failed to load events: %w", err)
		}
		if len(events) == 0 {
			break
		}

		for _, event := range events {
			if err := p.Handle(ctx, event); err != nil {
				p.fail(ctx, fmt.Sprintf("failed to handle event %s: %v", event.ID, err), processed)
				return fmt.Errorf("failed to handle event during rebuild: %w", err)
			}
			position = event.Position
			processed++
		}

		_ = p.setStatus(ctx, store.ProjectionStatusRebuilding, "replaying events", processed)

		if len(events) < rebuildBatchSize {
			break
		}
	}

	p.logger.InfoContext(ctx, "projection rebuilt",
		slog.String("projection", p.name),
		slog.Int64("events", processed),
	)
	return p.setStatus(ctx, store.ProjectionStatusReady,
		fmt.Sprintf("rebuild complete, processed %d events", processed), processed)
}

func (p *Projection) setStatus(ctx context.Context, status store.ProjectionStatus, message string, processed int64) error {
	return p.statusStore.Save(ctx, &store.ProjectionState{
		ProjectionName:  p.name,
		Status:          status,
		Message:         message,
		EventsProcessed: processed,
		UpdatedAt:       domain.Now(),
	})
}

func (p *Projection) fail(ctx context.Context, message string, processed int64) {
	if err := p.setStatus(ctx, store.ProjectionStatusFailed, message, processed); err != nil {
		p.logger.ErrorContext(ctx, "failed to save projection status",
			slog.String("projection", p.name),
			slog.String("error", err.Error()),
		)
	}
}

// Checkpoint returns the current checkpoint.
func (p *Projection) Checkpoint(ctx context.Context) (*store.ProjectionCheckpoint, error) {
	return p.checkpoints.Load(ctx, p.name)
}

// Status returns the current projection status.
func (p *Projection) Status(ctx context.Context) (*store.ProjectionState, error) {
	return p.statusStore.Load(ctx, p.name)
}

// IsReady returns true if the projection is ready to serve queries.
func (p *Projection) IsReady(ctx context.Context) bool {
	status, err := p.Status(ctx)
	if err != nil || status == nil {
		return false
	}
	return status.Status == store.ProjectionStatusReady
}

// runProjectionMigrations tracks each projection's migrations in
// projection_<name>_schema_migrations.
func runProjectionMigrations(ctx context.Context, db *sql.DB, migrationsFS fs.FS, path, projectionName string) error {
	tableName := fmt.Sprintf("projection_%s_schema_migrations", sanitizeTableName(projectionName))

	migrator := migrate.New(db, tableName)
	if err := migrator.LoadFromFS(migrationsFS, path); err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	if _, err := migrator.Up(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// sanitizeTableName replaces characters that are invalid in SQLite table names.
func sanitizeTableName(name string) string {
	return strings.NewReplacer("-", "_", ".", "_").Replace(name)
}
