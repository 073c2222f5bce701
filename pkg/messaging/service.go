package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/plaenen/bizsuite/pkg/runner"
)

// SubscriptionService runs a subscription under a runner.
type SubscriptionService struct {
	name       string
	subscriber Subscriber
	names      []string
	handler    Handler
	logger     *slog.Logger

	mu           sync.Mutex
	subscription Subscription
}

// ServiceOption configures a SubscriptionService.
type ServiceOption func(*SubscriptionService)

// WithServiceLogger sets the logger for the service.
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *SubscriptionService) {
		s.logger = logger
	}
}

// NewSubscriptionService subscribes handler to the given event names on Start.
func NewSubscriptionService(name string, subscriber Subscriber, names []string, handler Handler, opts ...ServiceOption) *SubscriptionService {
	s := &SubscriptionService{
		name:       name,
		subscriber: subscriber,
		names:      names,
		handler:    handler,
		logger:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements runner.Service.
func (s *SubscriptionService) Name() string {
	return s.name
}

// Start subscribes to the configured event names.
func (s *SubscriptionService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.subscription != nil {
		return errors.New("subscription already started")
	}

	sub, err := s.subscriber.Subscribe(ctx, s.names, s.handler)
	if err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", s.name, err)
	}
	s.subscription = sub

	s.logger.InfoContext(ctx, "subscription started", slog.String("service", s.name), slog.Any("events", s.names))
	return nil
}

// Stop unsubscribes. In-flight handlers finish before it returns.
func (s *SubscriptionService) Stop(ctx context.Context) error {
	s.mu.Lock()
	sub := s.subscription
	s.subscription = nil
	s.mu.Unlock()

	if sub == nil {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("failed to unsubscribe %s: %w", s.name, err)
	}

	s.logger.InfoContext(ctx, "subscription stopped", slog.String("service", s.name))
	return nil
}

// HealthCheck reports whether the subscription is active.
func (s *SubscriptionService) HealthCheck(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscription == nil {
		return fmt.Errorf("%s: not subscribed", s.name)
	}
	return nil
}

var _ runner.HealthChecker = (*SubscriptionService)(nil)
