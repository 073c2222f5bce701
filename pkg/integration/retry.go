package integration

import (
	"math"
	"time"
)

// RetryPolicy controls redelivery of integration events whose handler failed.
type RetryPolicy struct {
	// MaxAttempts is the number of deliveries before the event is given up.
	MaxAttempts int

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultRetryPolicy returns the policy used by the subscribers.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    8,
		InitialBackoff: time.Second,
		MaxBackoff:     5 * time.Minute,
		Multiplier:     2,
	}
}

// Backoff returns the delay before redelivering after the given failed attempt.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	delay := float64(p.InitialBackoff) * math.Pow(multiplier, float64(attempt-1))
	if p.MaxBackoff > 0 && delay > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	return time.Duration(delay)
}

// ShouldRetry reports whether another delivery follows the given failed attempt.
func (p RetryPolicy) ShouldRetry(attempt int) bool {
	return p.MaxAttempts <= 0 || attempt < p.MaxAttempts
}
