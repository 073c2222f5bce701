// Package nats implements integration event publishing and subscription on
// NATS JetStream.
//
// Events are published to "integration.<name>" with the event id as the
// JetStream message id, so republishing after a relay retry is deduplicated
// by the server within the duplicate window.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/plaenen/bizsuite/pkg/integration"
	"github.com/plaenen/bizsuite/pkg/messaging"
	"github.com/plaenen/bizsuite/pkg/security/credentials"
)

// SubjectPrefix prefixes every integration event subject.
const SubjectPrefix = "integration."

// Config holds configuration for the NATS transport.
type Config struct {
	// URL is the NATS server URL
	URL string

	// StreamName is the JetStream stream holding integration events
	StreamName string

	// StreamSubjects are the subjects captured by the stream
	StreamSubjects []string

	// MaxAge is how long to retain events in the stream
	MaxAge time.Duration

	// MaxBytes is the maximum bytes the stream can store
	MaxBytes int64

	// Storage selects file or memory storage for the stream
	Storage nats.StorageType

	// DuplicateWindow is how long the server remembers message ids
	DuplicateWindow time.Duration

	// Durable names the consumer group of this service. Every instance of a
	// service uses the same name so each event is handled once per service.
	Durable string

	// AckWait is how long the server waits for an ack before redelivering
	AckWait time.Duration

	// Retry controls redelivery of failed events
	Retry integration.RetryPolicy
}

// DefaultConfig returns sensible defaults for the NATS transport.
func DefaultConfig() Config {
	return Config{
		URL:             nats.DefaultURL,
		StreamName:      "INTEGRATION",
		StreamSubjects:  []string{SubjectPrefix + ">"},
		MaxAge:          7 * 24 * time.Hour, // 7 days
		MaxBytes:        1024 * 1024 * 1024, // 1 GB
		Storage:         nats.FileStorage,
		DuplicateWindow: 2 * time.Hour,
		Durable:         "bizsuite",
		AckWait:         30 * time.Second,
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

// WithConnection reuses an existing connection. The transport does not
// close it.
func WithConnection(nc *nats.Conn) Option {
	return func(t *Transport) {
		t.nc = nc
	}
}

var (
	_ messaging.Publisher  = (*Transport)(nil)
	_ messaging.Subscriber = (*Transport)(nil)
)

// Transport publishes and subscribes to integration events on JetStream.
type Transport struct {
	nc      *nats.Conn
	ownConn bool
	js      nats.JetStreamContext
	config  Config
	creds   *credentials.Credentials
	logger  *slog.Logger

	mu   sync.Mutex
	subs map[*subscription]struct{}
}

// NewTransport connects to NATS and ensures the integration stream exists.
func NewTransport(config Config, opts ...Option) (*Transport, error) {
	// The server rejects a duplicate window longer than the stream's max age.
	if config.MaxAge > 0 && (config.DuplicateWindow <= 0 || config.DuplicateWindow > config.MaxAge) {
		config.DuplicateWindow = config.MaxAge
	}

	t := &Transport{
		config: config,
		logger: slog.Default(),
		subs:   make(map[*subscription]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}

	if t.nc == nil {
		nc, err := nats.Connect(config.URL, connectOptions("bizsuite-"+config.Durable, t.creds)...)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		t.nc = nc
		t.ownConn = true
	}

	js, err := t.nc.JetStream()
	if err != nil {
		t.closeConn()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	t.js = js

	if err := t.ensureStream(); err != nil {
		t.closeConn()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	return t, nil
}

// ensureStream creates or updates the JetStream stream.
func (t *Transport) ensureStream() error {
	streamConfig := &nats.StreamConfig{
		Name:       t.config.StreamName,
		Subjects:   t.config.StreamSubjects,
		Retention:  nats.LimitsPolicy,
		MaxAge:     t.config.MaxAge,
		MaxBytes:   t.config.MaxBytes,
		Storage:    t.config.Storage,
		Duplicates: t.config.DuplicateWindow,
		Replicas:   1,
	}

	stream, err := t.js.StreamInfo(t.config.StreamName)
	if err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return fmt.Errorf("failed to look up stream: %w", err)
		}
		if _, err := t.js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		return nil
	}

	if stream.Config.MaxAge != t.config.MaxAge ||
		stream.Config.MaxBytes != t.config.MaxBytes ||
		stream.Config.Duplicates != t.config.DuplicateWindow {
		if _, err := t.js.UpdateStream(streamConfig); err != nil {
			return fmt.Errorf("failed to update stream: %w", err)
		}
	}
	return nil
}

// Subject returns the subject integration events named name are published on.
func Subject(name string) string {
	return SubjectPrefix + name
}

// Publish publishes event and waits for the stream to acknowledge it.
func (t *Transport) Publish(ctx context.Context, event *messaging.IntegrationEvent) error {
	data, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("failed to serialize integration event %s: %w", event.ID, err)
	}

	ack, err := t.js.Publish(Subject(event.Name), data, nats.MsgId(event.ID), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("failed to publish integration event %s: %w", event.ID, err)
	}
	if ack.Duplicate {
		t.logger.DebugContext(ctx, "integration event already in stream",
			slog.String("id", event.ID),
			slog.String("name", event.Name),
		)
	}
	return nil
}

// Subscribe binds a queue subscription to one durable consumer per event
// name. Consumers are shared by every transport configured with the same
// Durable, so each event is handled by one instance of a service.
func (t *Transport) Subscribe(ctx context.Context, names []string, handler messaging.Handler) (messaging.Subscription, error) {
	if len(names) == 0 {
		return nil, errors.New("subscribe requires at least one event name")
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &subscription{transport: t, cancel: cancel}

	for _, name := range names {
		queue := consumerName(t.config.Durable, name)
		if err := t.ensureConsumer(name, queue); err != nil {
			sub.unsubscribeAll()
			return nil, err
		}

		natsSub, err := t.js.QueueSubscribe(
			Subject(name),
			queue,
			func(msg *nats.Msg) {
				t.handleMessage(subCtx, msg, handler)
			},
			nats.Bind(t.config.StreamName, queue),
			nats.ManualAck(),
		)
		if err != nil {
			sub.unsubscribeAll()
			return nil, fmt.Errorf("failed to subscribe to %s: %w", name, err)
		}
		sub.subs = append(sub.subs, natsSub)
	}

	t.mu.Lock()
	t.subs[sub] = struct{}{}
	t.mu.Unlock()

	return sub, nil
}

// ensureConsumer creates the durable push consumer for one event name.
// Consumers are created here rather than by the client library so that
// unsubscribing leaves them, and their delivery position, on the server.
func (t *Transport) ensureConsumer(name, queue string) error {
	_, err := t.js.ConsumerInfo(t.config.StreamName, queue)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrConsumerNotFound) {
		return fmt.Errorf("failed to look up consumer %s: %w", queue, err)
	}

	_, err = t.js.AddConsumer(t.config.StreamName, &nats.ConsumerConfig{
		Durable:        queue,
		DeliverSubject: "deliver." + queue,
		DeliverGroup:   queue,
		DeliverPolicy:  nats.DeliverAllPolicy,
		FilterSubject:  Subject(name),
		AckPolicy:      nats.AckExplicitPolicy,
		AckWait:        t.config.AckWait,
		MaxDeliver:     t.config.Retry.MaxAttempts,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer %s: %w", queue, err)
	}
	return nil
}

func (t *Transport) handleMessage(ctx context.Context, msg *nats.Msg, handler messaging.Handler) {
	event, err := messaging.Unmarshal(msg.Data)
	if err != nil {
		t.logger.ErrorContext(ctx, "dropping malformed integration event",
			slog.String("subject", msg.Subject),
			slog.String("error", err.Error()),
		)
		_ = msg.Term()
		return
	}

	handleErr := handler(ctx, event)
	if handleErr == nil {
		if err := msg.Ack(); err != nil {
			t.logger.WarnContext(ctx, "failed to ack integration event",
				slog.String("id", event.ID),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	attempt := 1
	if meta, err := msg.Metadata(); err == nil {
		attempt = int(meta.NumDelivered)
	}

	attrs := []any{
		slog.String("id", event.ID),
		slog.String("name", event.Name),
		slog.Int("attempt", attempt),
		slog.String("error", handleErr.Error()),
	}
	if !t.config.Retry.ShouldRetry(attempt) {
		t.logger.ErrorContext(ctx, "giving up on integration event", attrs...)
		_ = msg.Term()
		return
	}

	delay := t.config.Retry.Backoff(attempt)
	t.logger.WarnContext(ctx, "integration event handler failed, will retry",
		append(attrs, slog.Duration("delay", delay))...)
	_ = msg.NakWithDelay(delay)
}

// Close unsubscribes everything and closes an owned connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	subs := make([]*subscription, 0, len(t.subs))
	for sub := range t.subs {
		subs = append(subs, sub)
	}
	t.subs = make(map[*subscription]struct{})
	t.mu.Unlock()

	for _, sub := range subs {
		sub.unsubscribeAll()
	}
	t.closeConn()
	return nil
}

func (t *Transport) closeConn() {
	if t.ownConn && t.nc != nil {
		t.nc.Close()
	}
}

// consumerName derives a valid consumer name; dots and spaces are not allowed.
func consumerName(durable, name string) string {
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(durable + "_" + name)
}

// subscription implements messaging.Subscription.
type subscription struct {
	transport *Transport
	subs      []*nats.Subscription
	cancel    context.CancelFunc
}

// Unsubscribe stops delivery. The durable consumers stay on the server so
// a restarted service resumes where it left off.
func (s *subscription) Unsubscribe() error {
	s.transport.mu.Lock()
	delete(s.transport.subs, s)
	s.transport.mu.Unlock()

	return s.unsubscribeAll()
}

func (s *subscription) unsubscribeAll() error {
	var errs []error
	for _, sub := range s.subs {
		if err := sub.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
			errs = append(errs, err)
		}
	}
	s.subs = nil
	s.cancel()
	return errors.Join(errs...)
}
