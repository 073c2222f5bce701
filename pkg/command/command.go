// Package command is the write-side entry point: commands are sent through a
// Bus to the handler registered for their type, wrapped in middleware.
package command

import (
	"context"
	"errors"
)

var (
	// ErrInvalidCommand is returned when a command is malformed or its
	// payload fails validation.
	ErrInvalidCommand = errors.New("invalid command")

	// ErrUnknownCommand is returned when no handler is registered for a
	// command type.
	ErrUnknownCommand = errors.New("unknown command")
)

// Command is a request to change one aggregate.
type Command struct {
	// ID identifies the command. Events recorded while handling it derive
	// their ids from it, so a retried command yields the same event ids.
	// The bus assigns one when empty.
	ID string

	// Type selects the handler (e.g., "crm.CreateLead").
	Type string

	// AggregateID is the target aggregate.
	AggregateID string

	// ExpectedVersion, when positive, is the version the caller last saw.
	// Handling fails with domain.ErrConcurrencyConflict if the aggregate
	// has moved on.
	ExpectedVersion int64

	CorrelationID string
	PrincipalID   string

	// Payload carries the command specific fields. Payloads implementing
	// Validate() error are validated by the validation middleware.
	Payload any
}

// Result reports the outcome of a handled command.
type Result struct {
	AggregateID string
	// Version is the aggregate version after the command.
	Version int64
	// Events is the number of events the command recorded.
	Events int
}

// Handler handles one command type.
type Handler interface {
	Handle(ctx context.Context, cmd *Command) (Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, cmd *Command) (Result, error)

func (f HandlerFunc) Handle(ctx context.Context, cmd *Command) (Result, error) {
	return f(ctx, cmd)
}

// Middleware wraps a Handler.
type Middleware func(next Handler) Handler

// Validatable is implemented by payloads that check their own fields.
type Validatable interface {
	Validate() error
}
