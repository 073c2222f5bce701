// Package runner starts the long-running parts of a process (relay,
// subscriptions, embedded servers) in order and stops them in reverse when
// the process is asked to shut down.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	defaultStartTimeout = time.Minute
	defaultStopTimeout  = 30 * time.Second
)

// Runner owns the lifecycle of a fixed list of services.
type Runner struct {
	services       []Service
	logger         *slog.Logger
	startTimeout   time.Duration
	stopTimeout    time.Duration
	healthInterval time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger for lifecycle messages.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithStartTimeout bounds the Start call of each service.
func WithStartTimeout(d time.Duration) Option {
	return func(r *Runner) {
		r.startTimeout = d
	}
}

// WithShutdownTimeout bounds stopping all services together.
func WithShutdownTimeout(d time.Duration) Option {
	return func(r *Runner) {
		r.stopTimeout = d
	}
}

// WithHealthInterval logs unhealthy services every d while running.
// Zero disables the checks.
func WithHealthInterval(d time.Duration) Option {
	return func(r *Runner) {
		r.healthInterval = d
	}
}

// New creates a runner for services.
func New(services []Service, opts ...Option) *Runner {
	r := &Runner{
		services:     services,
		logger:       slog.New(slog.DiscardHandler),
		startTimeout: defaultStartTimeout,
		stopTimeout:  defaultStopTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts the services in order and blocks until ctx is done or the
// process receives SIGINT or SIGTERM. Services are then stopped in reverse
// order. When a service fails to start, the ones already started are stopped
// and the start error is returned.
func (r *Runner) Run(ctx context.Context) error {
	ctx, cancel := ShutdownContext(ctx)
	defer cancel()

	started, err := r.start(ctx)
	if err != nil {
		return errors.Join(err, r.stop(started))
	}
	r.logger.InfoContext(ctx, "services running", slog.Int("count", len(started)))

	watched := make(chan struct{})
	go func() {
		defer close(watched)
		r.watchHealth(ctx)
	}()

	<-ctx.Done()
	<-watched
	return r.stop(started)
}

func (r *Runner) start(ctx context.Context) ([]Service, error) {
	started := make([]Service, 0, len(r.services))
	for _, svc := range r.services {
		startCtx, cancel := context.WithTimeout(ctx, r.startTimeout)
		err := svc.Start(startCtx)
		cancel()
		if err != nil {
			r.logger.ErrorContext(ctx, "service failed to start",
				slog.String("service", svc.Name()),
				slog.String("error", err.Error()))
			return started, fmt.Errorf("start %s: %w", svc.Name(), err)
		}
		r.logger.InfoContext(ctx, "service started", slog.String("service", svc.Name()))
		started = append(started, svc)
	}
	return started, nil
}

// stop stops services in reverse order under one shared deadline. Services
// left when the deadline passes are reported without being called.
func (r *Runner) stop(services []Service) error {
	if len(services) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.stopTimeout)
	defer cancel()

	var errs []error
	for i := len(services) - 1; i >= 0; i-- {
		svc := services[i]
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", svc.Name(), err))
			continue
		}
		if err := svc.Stop(ctx); err != nil {
			r.logger.ErrorContext(ctx, "service failed to stop",
				slog.String("service", svc.Name()),
				slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("stop %s: %w", svc.Name(), err))
			continue
		}
		r.logger.InfoContext(ctx, "service stopped", slog.String("service", svc.Name()))
	}
	return errors.Join(errs...)
}

// HealthCheck checks every service implementing HealthChecker and joins
// the failures.
func (r *Runner) HealthCheck(ctx context.Context) error {
	var errs []error
	for _, svc := range r.services {
		hc, ok := svc.(HealthChecker)
		if !ok {
			continue
		}
		if err := hc.HealthCheck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s unhealthy: %w", svc.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (r *Runner) watchHealth(ctx context.Context) {
	if r.healthInterval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(r.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.HealthCheck(ctx); err != nil {
				r.logger.WarnContext(ctx, "health check failed", slog.String("error", err.Error()))
			}
		}
	}
}
