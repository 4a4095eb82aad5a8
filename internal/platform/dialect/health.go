package dialect

import (
	"context"
	"fmt"
	"time"

	"datacore/pkg/retry"
)

// WaitStrategy selects the delay growth between readiness probes.
type WaitStrategy int

const (
	// LinearWait adds InitialInterval after each attempt.
	LinearWait WaitStrategy = iota
	// ExponentialWait doubles the delay after each attempt.
	ExponentialWait
)

// HealthCheckOptions configures WaitReady.
type HealthCheckOptions struct {
	// MaxRetries limits attempts; 0 means until the context expires.
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Strategy        WaitStrategy
	PingTimeout     time.Duration
	// OnRetry observes failed attempts.
	OnRetry func(attempt int, err error, next time.Duration)
}

// DefaultHealthCheckOptions returns options suitable for a server that is still starting.
func DefaultHealthCheckOptions() HealthCheckOptions {
	return HealthCheckOptions{
		MaxRetries:      10,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Strategy:        ExponentialWait,
		PingTimeout:     5 * time.Second,
	}
}

// Pinger is satisfied by *sql.DB and *sql.Conn.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// WaitReady pings until the server answers, the attempt budget is spent or ctx expires.
// Used before activating networked data sources whose server may still be starting.
func WaitReady(ctx context.Context, p Pinger, opts HealthCheckOptions) error {
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = time.Second
	}
	if opts.MaxInterval < opts.InitialInterval {
		opts.MaxInterval = opts.InitialInterval
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 5 * time.Second
	}

	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = opts.MaxRetries
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = int(^uint(0) >> 1)
	}
	cfg.InitialDelay = opts.InitialInterval
	cfg.MaxDelay = opts.MaxInterval
	cfg.JitterStrategy = retry.JitterNone
	cfg.OnRetry = opts.OnRetry
	cfg.NextDelay = func(attempt int, _ error) (time.Duration, bool) {
		return nextInterval(attempt, opts), true
	}

	err := retry.DoWithRetryable(ctx, cfg, func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, opts.PingTimeout)
		defer cancel()
		return p.PingContext(pingCtx)
	}, func(error) bool { return true })
	if err != nil {
		return fmt.Errorf("database not available: %w", err)
	}
	return nil
}

// nextInterval returns the delay after the given attempt.
func nextInterval(attempt int, opts HealthCheckOptions) time.Duration {
	var next time.Duration
	switch opts.Strategy {
	case LinearWait:
		next = time.Duration(attempt) * opts.InitialInterval
	case ExponentialWait:
		next = opts.InitialInterval
		for i := 1; i < attempt && next < opts.MaxInterval; i++ {
			next *= 2
		}
	default:
		next = opts.InitialInterval
	}
	if next > opts.MaxInterval {
		return opts.MaxInterval
	}
	return next
}
