package runner

import "context"

// Service is a long-running component managed by a Runner.
type Service interface {
	// Name identifies the service in logs and errors.
	Name() string

	// Start returns once the service is ready. Work it launches must
	// outlive ctx, which only bounds startup.
	Start(ctx context.Context) error

	// Stop releases the service within ctx's deadline.
	Stop(ctx context.Context) error
}

// HealthChecker is implemented by services that can report their health.
type HealthChecker interface {
	Service
	HealthCheck(ctx context.Context) error
}
