// Package gocdk implements integration event publishing and subscription on
// Go CDK pubsub, so any provider it supports (GCP Pub/Sub, SNS/SQS, Azure
// Service Bus, Kafka, in-memory) can carry integration events.
//
// Provider drivers are opt-in; import them in application code:
//
//	_ "gocloud.dev/pubsub/mempubsub"
//	_ "gocloud.dev/pubsub/gcppubsub"
//	_ "gocloud.dev/pubsub/awssnssqs"
package gocdk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/plaenen/bizsuite/pkg/integration"
	"github.com/plaenen/bizsuite/pkg/messaging"
	"gocloud.dev/pubsub"
)

// NamePlaceholder is replaced by the integration event name in URL patterns.
const NamePlaceholder = "{name}"

const (
	metadataID   = "id"
	metadataName = "name"
)

// Config holds configuration for the Go CDK transport.
type Config struct {
	// TopicURL is the topic URL pattern, e.g. "mem://{name}" or
	// "gcppubsub://projects/acme/topics/{name}".
	TopicURL string

	// SubscriptionURL is the subscription URL pattern, e.g. "mem://{name}" or
	// "gcppubsub://projects/acme/subscriptions/valuation-{name}".
	SubscriptionURL string

	// Retry controls redelivery of failed events
	Retry integration.RetryPolicy
}

// DefaultConfig returns an in-memory configuration.
func DefaultConfig() Config {
	return Config{
		TopicURL:        "mem://" + NamePlaceholder,
		SubscriptionURL: "mem://" + NamePlaceholder,
		Retry:           integration.DefaultRetryPolicy(),
	}
}

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the logger for the transport.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

var (
	_ messaging.Publisher  = (*Transport)(nil)
	_ messaging.Subscriber = (*Transport)(nil)
)

// Transport publishes and subscribes to integration events through Go CDK.
type Transport struct {
	config Config
	logger *slog.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
	subs   map[*subscription]struct{}
}

// NewTransport creates a transport. Topics and subscriptions are opened lazily.
func NewTransport(config Config, opts ...Option) *Transport {
	t := &Transport{
		config: config,
		logger: slog.Default(),
		topics: make(map[string]*pubsub.Topic),
		subs:   make(map[*subscription]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func expand(pattern, name string) string {
	return strings.ReplaceAll(pattern, NamePlaceholder, name)
}

func (t *Transport) topic(ctx context.Context, name string) (*pubsub.Topic, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if topic, ok := t.topics[name]; ok {
		return topic, nil
	}
	topic, err := pubsub.OpenTopic(ctx, expand(t.config.TopicURL, name))
	if err != nil {
		return nil, fmt.Errorf("failed to open topic for %s: %w", name, err)
	}
	t.topics[name] = topic
	return topic, nil
}

// Publish sends event to the topic of its name.
func (t *Transport) Publish(ctx context.Context, event *messaging.IntegrationEvent) error {
	topic, err := t.topic(ctx, event.Name)
	if err != nil {
		return err
	}

	data, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("failed to serialize integration event %s: %w", event.ID, err)
	}

	err = topic.Send(ctx, &pubsub.Message{
		Body: data,
		Metadata: map[string]string{
			metadataID:   event.ID,
			metadataName: event.Name,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish integration event %s: %w", event.ID, err)
	}
	return nil
}

// Subscribe opens one subscription per event name and receives until
// Unsubscribe. The topic is opened first because some providers only
// deliver to subscriptions of existing topics.
func (t *Transport) Subscribe(ctx context.Context, names []string, handler messaging.Handler) (messaging.Subscription, error) {
	if len(names) == 0 {
		return nil, errors.New("subscribe requires at least one event name")
	}

	recvCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &subscription{
		transport: t,
		cancel:    cancel,
		attempts:  make(map[string]int),
	}

	for _, name := range names {
		if _, err := t.topic(ctx, name); err != nil {
			sub.Unsubscribe()
			return nil, err
		}
		pubsubSub, err := pubsub.OpenSubscription(ctx, expand(t.config.SubscriptionURL, name))
		if err != nil {
			sub.Unsubscribe()
			return nil, fmt.Errorf("failed to open subscription for %s: %w", name, err)
		}
		sub.subs = append(sub.subs, pubsubSub)

		sub.wg.Add(1)
		go func() {
			defer sub.wg.Done()
			sub.receive(recvCtx, pubsubSub, handler)
		}()
	}

	t.mu.Lock()
	t.subs[sub] = struct{}{}
	t.mu.Unlock()

	return sub, nil
}

// Close stops all subscriptions and shuts down the topics.
func (t *Transport) Close() error {
	t.mu.Lock()
	subs := make([]*subscription, 0, len(t.subs))
	for sub := range t.subs {
		subs = append(subs, sub)
	}
	topics := t.topics
	t.subs = make(map[*subscription]struct{})
	t.topics = make(map[string]*pubsub.Topic)
	t.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for name, topic := range topics {
		if err := topic.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shut down topic %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// subscription implements messaging.Subscription.
type subscription struct {
	transport *Transport
	subs      []*pubsub.Subscription
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	once      sync.Once

	mu       sync.Mutex
	attempts map[string]int
}

func (s *subscription) receive(ctx context.Context, sub *pubsub.Subscription, handler messaging.Handler) {
	logger := s.transport.logger
	for {
		msg, err := sub.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.ErrorContext(ctx, "pubsub receive failed", slog.String("error", err.Error()))
			}
			return
		}
		s.handle(ctx, msg, handler)
	}
}

func (s *subscription) handle(ctx context.Context, msg *pubsub.Message, handler messaging.Handler) {
	logger := s.transport.logger
	retry := s.transport.config.Retry

	event, err := messaging.Unmarshal(msg.Body)
	if err != nil {
		logger.ErrorContext(ctx, "dropping malformed integration event",
			slog.String("message_id", msg.LoggableID),
			slog.String("error", err.Error()),
		)
		msg.Ack()
		return
	}

	handleErr := handler(ctx, event)
	if handleErr == nil {
		s.forget(event.ID)
		msg.Ack()
		return
	}

	attempt := s.failed(event.ID)
	attrs := []any{
		slog.String("id", event.ID),
		slog.String("name", event.Name),
		slog.Int("attempt", attempt),
		slog.String("error", handleErr.Error()),
	}
	if !retry.ShouldRetry(attempt) {
		logger.ErrorContext(ctx, "giving up on integration event", attrs...)
		s.forget(event.ID)
		msg.Ack()
		return
	}

	delay := retry.Backoff(attempt)
	logger.WarnContext(ctx, "integration event handler failed, will retry",
		append(attrs, slog.Duration("delay", delay))...)

	select {
	case <-ctx.Done():
	case <-time.After(delay):
	}
	if msg.Nackable() {
		msg.Nack()
	}
	// Providers without nack redeliver once the ack deadline passes.
}

func (s *subscription) failed(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[id]++
	return s.attempts[id]
}

func (s *subscription) forget(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.attempts, id)
}

// Unsubscribe stops receiving and waits for in-flight handlers.
func (s *subscription) Unsubscribe() error {
	var errs []error
	s.once.Do(func() {
		s.transport.mu.Lock()
		delete(s.transport.subs, s)
		s.transport.mu.Unlock()

		s.cancel()
		s.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, sub := range s.subs {
			if err := sub.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}
