package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/plaenen/bizsuite/pkg/observability"
	"github.com/plaenen/bizsuite/pkg/runner"
	"github.com/plaenen/bizsuite/pkg/store"
	"golang.org/x/sync/errgroup"
)

const (
	defaultBatchSize    = 100
	defaultPollInterval = 500 * time.Millisecond
	defaultLease        = 2 * time.Minute
	defaultMaxAttempts  = 8
	defaultConcurrency  = 8
	maxBackoff          = 5 * time.Minute
)

// Backoff returns the delay before retry number attempt: one second,
// doubling per attempt, capped at five minutes.
func Backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	if attempt > 20 {
		return maxBackoff
	}
	backoff := time.Second << (attempt - 1)
	if backoff > maxBackoff {
		return maxBackoff
	}
	return backoff
}

type relayConfig struct {
	batchSize    int
	pollInterval time.Duration
	lease        time.Duration
	maxAttempts  int
	concurrency  int
	clock        func() time.Time
	logger       *slog.Logger
	metrics      *observability.Metrics
}

// withDefaults replaces non-positive settings with the defaults.
func (c *relayConfig) withDefaults() {
	if c.batchSize <= 0 {
		c.batchSize = defaultBatchSize
	}
	if c.pollInterval <= 0 {
		c.pollInterval = defaultPollInterval
	}
	if c.lease <= 0 {
		c.lease = defaultLease
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = defaultMaxAttempts
	}
	if c.concurrency <= 0 {
		c.concurrency = defaultConcurrency
	}
	if c.clock == nil {
		c.clock = func() time.Time { return time.Now().UTC() }
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
}

// RelayOption configures a Relay.
type RelayOption func(*relayConfig)

// WithBatchSize sets how many outbox rows one poll claims.
func WithBatchSize(n int) RelayOption {
	return func(c *relayConfig) {
		c.batchSize = n
	}
}

// WithPollInterval sets the delay between polls.
func WithPollInterval(d time.Duration) RelayOption {
	return func(c *relayConfig) {
		c.pollInterval = d
	}
}

// WithLease sets how long a claimed row stays reserved for this relay.
func WithLease(d time.Duration) RelayOption {
	return func(c *relayConfig) {
		c.lease = d
	}
}

// WithMaxAttempts sets the number of failed attempts after which a row is
// moved to dead.
func WithMaxAttempts(n int) RelayOption {
	return func(c *relayConfig) {
		c.maxAttempts = n
	}
}

// WithConcurrency bounds how many claimed rows are dispatched at once.
// Rows of one batch always belong to distinct aggregates.
func WithConcurrency(n int) RelayOption {
	return func(c *relayConfig) {
		c.concurrency = n
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) RelayOption {
	return func(c *relayConfig) {
		c.clock = clock
	}
}

// WithRelayLogger sets the logger for the relay.
func WithRelayLogger(logger *slog.Logger) RelayOption {
	return func(c *relayConfig) {
		c.logger = logger
	}
}

// WithRelayMetrics records outbox outcomes.
func WithRelayMetrics(metrics *observability.Metrics) RelayOption {
	return func(c *relayConfig) {
		c.metrics = metrics
	}
}

var _ runner.HealthChecker = (*Relay)(nil)

// Relay polls the outbox and hands each due event to a dispatcher.
// A dispatched row is removed; a failed one is retried with Backoff and
// moved to dead after the configured number of attempts.
type Relay struct {
	outbox     store.OutboxStore
	dispatcher store.Dispatcher
	config     relayConfig

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	lastErr error
}

// NewRelay creates a relay from outbox to dispatcher.
func NewRelay(outbox store.OutboxStore, dispatcher store.Dispatcher, opts ...RelayOption) *Relay {
	config := relayConfig{
		batchSize:    defaultBatchSize,
		pollInterval: defaultPollInterval,
		lease:        defaultLease,
		maxAttempts:  defaultMaxAttempts,
		concurrency:  defaultConcurrency,
		clock:        func() time.Time { return time.Now().UTC() },
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(&config)
	}
	config.withDefaults()

	return &Relay{
		outbox:     outbox,
		dispatcher: dispatcher,
		config:     config,
	}
}

// Name implements runner.Service.
func (r *Relay) Name() string {
	return "outbox-relay"
}

// Start launches the polling loop. The loop outlives ctx and runs until Stop.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		return errors.New("relay already started")
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.loop(loopCtx, r.done)
	return nil
}

// Stop cancels the polling loop and waits for the in-flight batch.
func (r *Relay) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	r.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HealthCheck reports the last polling error, if any.
func (r *Relay) HealthCheck(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastErr != nil {
		return fmt.Errorf("outbox relay: %w", r.lastErr)
	}
	return nil
}

func (r *Relay) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.config.pollInterval)
	defer ticker.Stop()

	for {
		_, err := r.ProcessBatch(ctx)
		if err != nil && ctx.Err() == nil {
			r.config.logger.ErrorContext(ctx, "outbox poll failed", slog.String("error", err.Error()))
		}
		r.mu.Lock()
		r.lastErr = err
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessBatch claims one batch of due rows and dispatches them. It returns
// the number of rows claimed.
func (r *Relay) ProcessBatch(ctx context.Context) (int, error) {
	now := r.config.clock()
	entries, err := r.outbox.ClaimDue(ctx, now, r.config.lease, r.config.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to claim outbox rows: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}
	if r.config.metrics != nil {
		r.config.metrics.RecordOutbox(ctx, "claimed", len(entries))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.config.concurrency)
	for _, entry := range entries {
		g.Go(func() error {
			return r.deliver(gctx, entry)
		})
	}
	return len(entries), g.Wait()
}

// Drain processes batches until nothing is due. Rows waiting for a later
// retry are left in place.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := r.ProcessBatch(ctx)
		total += n
		if err != nil || n == 0 {
			return total, err
		}
	}
}

func (r *Relay) deliver(ctx context.Context, entry *store.OutboxEntry) error {
	event := entry.Event
	dispatchErr := r.dispatcher.Dispatch(ctx, event)
	if dispatchErr == nil {
		if err := r.outbox.Complete(ctx, event.Position); err != nil {
			return err
		}
		if r.config.metrics != nil {
			r.config.metrics.RecordOutbox(ctx, "completed", 1)
		}
		return nil
	}

	attempt := entry.AttemptCount + 1
	dead := attempt >= r.config.maxAttempts
	nextAttemptAt := r.config.clock().Add(Backoff(attempt))

	if err := r.outbox.Retry(ctx, event.Position, attempt, nextAttemptAt, dispatchErr.Error(), dead); err != nil {
		return err
	}

	attrs := []any{
		slog.Int64("position", event.Position),
		slog.String("aggregate_id", event.AggregateID),
		slog.String("event_type", event.EventType),
		slog.Int64("version", event.Version),
		slog.Int("attempt", attempt),
		slog.String("error", dispatchErr.Error()),
	}
	if dead {
		r.config.logger.ErrorContext(ctx, "outbox event moved to dead", attrs...)
		if r.config.metrics != nil {
			r.config.metrics.RecordOutbox(ctx, "dead", 1)
		}
		return nil
	}

	r.config.logger.WarnContext(ctx, "outbox dispatch failed, will retry",
		append(attrs, slog.Time("next_attempt_at", nextAttemptAt))...)
	if r.config.metrics != nil {
		r.config.metrics.RecordOutbox(ctx, "retried", 1)
	}
	return nil
}
