package command

import (
	"context"
	"fmt"

	"github.com/plaenen/bizsuite/pkg/domain"
	"github.com/plaenen/bizsuite/pkg/store"
)

// commandAware is implemented by aggregates embedding domain.AggregateRoot.
type commandAware interface {
	SetCommandID(commandID string)
	SetCorrelation(correlationID, principalID string)
}

// Create runs fn on a new aggregate and saves it. The save fails with
// domain.ErrConcurrencyConflict if the stream already exists.
func Create[T domain.Aggregate](ctx context.Context, repo *store.Repository[T], cmd *Command, fn func(T) error) (Result, error) {
	aggregate := repo.New(cmd.AggregateID)
	return run(ctx, repo, cmd, aggregate, fn)
}

// Update loads the aggregate, checks the expected version and runs fn.
func Update[T domain.Aggregate](ctx context.Context, repo *store.Repository[T], cmd *Command, fn func(T) error) (Result, error) {
	aggregate, err := repo.Load(ctx, cmd.AggregateID)
	if err != nil {
		return Result{}, err
	}
	if cmd.ExpectedVersion > 0 && aggregate.Version() != cmd.ExpectedVersion {
		return Result{}, fmt.Errorf("%w: %s expected version %d, current version %d",
			domain.ErrConcurrencyConflict, cmd.AggregateID, cmd.ExpectedVersion, aggregate.Version())
	}
	return run(ctx, repo, cmd, aggregate, fn)
}

func run[T domain.Aggregate](ctx context.Context, repo *store.Repository[T], cmd *Command, aggregate T, fn func(T) error) (Result, error) {
	if ca, ok := any(aggregate).(commandAware); ok {
		ca.SetCommandID(cmd.ID)
		ca.SetCorrelation(cmd.CorrelationID, cmd.PrincipalID)
	}

	if err := fn(aggregate); err != nil {
		return Result{}, err
	}

	recorded := len(aggregate.UncommittedEvents())
	if err := repo.Save(ctx, aggregate); err != nil {
		return Result{}, err
	}

	return Result{
		AggregateID: aggregate.ID(),
		Version:     aggregate.Version(),
		Events:      recorded,
	}, nil
}

// Payload returns the command payload as T.
func Payload[T any](cmd *Command) (T, error) {
	payload, ok := cmd.Payload.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s: unexpected payload %T", ErrInvalidCommand, cmd.Type, cmd.Payload)
	}
	return payload, nil
}
