package command

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultTimeout = 30 * time.Second

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithTimeout bounds the total time spent on one command, including
// retries of storage operations inside the handler. Zero disables it.
func WithTimeout(timeout time.Duration) BusOption {
	return func(b *Bus) {
		b.timeout = timeout
	}
}

// Bus routes commands to their handlers.
type Bus struct {
	mu         sync.RWMutex
	handlers   map[string]Handler
	middleware []Middleware
	timeout    time.Duration
}

// NewBus creates a bus with no handlers.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		handlers: make(map[string]Handler),
		timeout:  defaultTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register registers the handler for commandType. Registering a type twice
// panics.
func (b *Bus) Register(commandType string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.handlers[commandType]; exists {
		panic(fmt.Sprintf("handler already registered for command type: %s", commandType))
	}
	b.handlers[commandType] = handler
}

// Use adds middleware. The first added is the outermost.
func (b *Bus) Use(middleware ...Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, middleware...)
}

// Send handles cmd and returns the aggregate's new version.
func (b *Bus) Send(ctx context.Context, cmd *Command) (Result, error) {
	if cmd == nil {
		return Result{}, ErrInvalidCommand
	}
	if cmd.Type == "" {
		return Result{}, fmt.Errorf("%w: command type is required", ErrInvalidCommand)
	}
	if cmd.AggregateID == "" {
		return Result{}, fmt.Errorf("%w: %s: aggregate id is required", ErrInvalidCommand, cmd.Type)
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}

	b.mu.RLock()
	handler, exists := b.handlers[cmd.Type]
	middleware := b.middleware
	b.mu.RUnlock()

	if !exists {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.Type)
	}

	for i := len(middleware) - 1; i >= 0; i-- {
		handler = middleware[i](handler)
	}

	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	return handler.Handle(ctx, cmd)
}

// Types returns the registered command types, sorted.
func (b *Bus) Types() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	types := make([]string, 0, len(b.handlers))
	for t := range b.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
