package command_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/plaenen/bizsuite/pkg/command"
	"github.com/plaenen/bizsuite/pkg/domain"
	"github.com/plaenen/bizsuite/pkg/store"
	"github.com/plaenen/bizsuite/pkg/store/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counterOpened struct{}

func (counterOpened) EventType() string { return "test.CounterOpened" }

type counterIncremented struct {
	By int `json:"by"`
}

func (counterIncremented) EventType() string { return "test.CounterIncremented" }

type counter struct {
	domain.AggregateRoot
	total int
}

func newCounter(id string) *counter {
	c := &counter{}
	c.AggregateRoot = domain.NewAggregateRoot(id, "test.Counter", c.apply)
	return c
}

func (c *counter) apply(event *domain.Event) error {
	switch p := event.Payload.(type) {
	case counterOpened:
	case counterIncremented:
		c.total += p.By
	default:
		return fmt.Errorf("unexpected payload %T", event.Payload)
	}
	return nil
}

type increment struct {
	By int
}

func (i increment) Validate() error {
	if i.By <= 0 {
		return errors.New("by must be positive")
	}
	return nil
}

func newRepository(t *testing.T) (*store.Repository[*counter], *sqlite.EventStore) {
	t.Helper()
	es, err := sqlite.NewEventStore(sqlite.WithMemoryDatabase())
	require.NoError(t, err)
	t.Cleanup(func() { es.Close() })

	registry := domain.NewRegistry(nil)
	domain.Register[counterOpened](registry)
	domain.Register[counterIncremented](registry)
	return store.NewRepository(es, registry, "test.Counter", newCounter), es
}

func newBus(repo *store.Repository[*counter]) *command.Bus {
	bus := command.NewBus()
	bus.Use(command.RecoveryMiddleware(nil), command.ValidationMiddleware())
	bus.Register("test.OpenCounter", command.HandlerFunc(func(ctx context.Context, cmd *command.Command) (command.Result, error) {
		return command.Create(ctx, repo, cmd, func(c *counter) error {
			return c.Record(counterOpened{})
		})
	}))
	bus.Register("test.Increment", command.HandlerFunc(func(ctx context.Context, cmd *command.Command) (command.Result, error) {
		payload, err := command.Payload[increment](cmd)
		if err != nil {
			return command.Result{}, err
		}
		return command.Update(ctx, repo, cmd, func(c *counter) error {
			return c.Record(counterIncremented{By: payload.By})
		})
	}))
	return bus
}

func TestBus_CreateAndUpdate(t *testing.T) {
	repo, _ := newRepository(t)
	bus := newBus(repo)
	ctx := context.Background()

	result, err := bus.Send(ctx, &command.Command{Type: "test.OpenCounter", AggregateID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, command.Result{AggregateID: "c1", Version: 1, Events: 1}, result)

	result, err = bus.Send(ctx, &command.Command{Type: "test.Increment", AggregateID: "c1", ExpectedVersion: 1, Payload: increment{By: 3}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.Version)

	loaded, err := repo.Load(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.total)
}

func TestBus_Conflicts(t *testing.T) {
	repo, _ := newRepository(t)
	bus := newBus(repo)
	ctx := context.Background()

	_, err := bus.Send(ctx, &command.Command{Type: "test.OpenCounter", AggregateID: "c1"})
	require.NoError(t, err)

	_, err = bus.Send(ctx, &command.Command{Type: "test.OpenCounter", AggregateID: "c1"})
	assert.ErrorIs(t, err, domain.ErrConcurrencyConflict, "creating twice conflicts")

	_, err = bus.Send(ctx, &command.Command{Type: "test.Increment", AggregateID: "c1", ExpectedVersion: 5, Payload: increment{By: 1}})
	assert.ErrorIs(t, err, domain.ErrConcurrencyConflict)

	_, err = bus.Send(ctx, &command.Command{Type: "test.Increment", AggregateID: "missing", Payload: increment{By: 1}})
	assert.ErrorIs(t, err, domain.ErrAggregateNotFound)
}

func TestBus_RejectsInvalidCommands(t *testing.T) {
	repo, _ := newRepository(t)
	bus := newBus(repo)
	ctx := context.Background()

	tests := map[string]*command.Command{
		"nil":               nil,
		"missing type":      {AggregateID: "c1"},
		"missing id":        {Type: "test.Increment"},
		"failed validation": {Type: "test.Increment", AggregateID: "c1", Payload: increment{By: 0}},
		"wrong payload":     {Type: "test.Increment", AggregateID: "c1", Payload: "3"},
	}
	for name, cmd := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := bus.Send(ctx, cmd)
			assert.ErrorIs(t, err, command.ErrInvalidCommand)
		})
	}

	_, err := bus.Send(ctx, &command.Command{Type: "test.Unknown", AggregateID: "c1"})
	assert.ErrorIs(t, err, command.ErrUnknownCommand)
}

func TestBus_DeterministicEventIDs(t *testing.T) {
	repo, es := newRepository(t)
	bus := newBus(repo)
	ctx := context.Background()

	_, err := bus.Send(ctx, &command.Command{ID: "cmd-1", Type: "test.OpenCounter", AggregateID: "c1"})
	require.NoError(t, err)

	events, err := es.ReadStream(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.GenerateDeterministicEventID("cmd-1", "c1", 1), events[0].ID)
	assert.Equal(t, "cmd-1", events[0].Metadata.CausationID)
}

func TestBus_MiddlewareOrder(t *testing.T) {
	bus := command.NewBus()
	var calls []string
	trace := func(name string) command.Middleware {
		return func(next command.Handler) command.Handler {
			return command.HandlerFunc(func(ctx context.Context, cmd *command.Command) (command.Result, error) {
				calls = append(calls, name)
				return next.Handle(ctx, cmd)
			})
		}
	}
	bus.Use(trace("outer"), trace("inner"))
	bus.Register("test.Noop", command.HandlerFunc(func(ctx context.Context, cmd *command.Command) (command.Result, error) {
		calls = append(calls, "handler")
		assert.NotEmpty(t, cmd.ID, "the bus assigns command ids")
		return command.Result{AggregateID: cmd.AggregateID}, nil
	}))

	_, err := bus.Send(context.Background(), &command.Command{Type: "test.Noop", AggregateID: "x"})
	require.NoError(t, err)
	assert.Equal(t, []string{"outer", "inner", "handler"}, calls)
	assert.Equal(t, []string{"test.Noop"}, bus.Types())

	assert.Panics(t, func() {
		bus.Register("test.Noop", command.HandlerFunc(func(ctx context.Context, cmd *command.Command) (command.Result, error) {
			return command.Result{}, nil
		}))
	})
}

func TestBus_RecoversPanics(t *testing.T) {
	bus := command.NewBus()
	bus.Use(command.RecoveryMiddleware(nil))
	bus.Register("test.Panic", command.HandlerFunc(func(ctx context.Context, cmd *command.Command) (command.Result, error) {
		panic("boom")
	}))

	_, err := bus.Send(context.Background(), &command.Command{Type: "test.Panic", AggregateID: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestBus_Timeout(t *testing.T) {
	bus := command.NewBus(command.WithTimeout(20 * time.Millisecond))
	bus.Register("test.Slow", command.HandlerFunc(func(ctx context.Context, cmd *command.Command) (command.Result, error) {
		<-ctx.Done()
		return command.Result{}, ctx.Err()
	}))

	_, err := bus.Send(context.Background(), &command.Command{Type: "test.Slow", AggregateID: "x"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
