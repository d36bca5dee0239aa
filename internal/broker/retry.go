package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// BackoffConfig controls how [RetryDialer] spaces out connection attempts.
type BackoffConfig struct {
	// InitialDelay is the delay before the second attempt (default: 1s).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 30s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each failed attempt (default: 2.0).
	Multiplier float64

	// MaxRetries is the number of attempts before giving up (default: 5).
	// The limit keeps a recreation bounded so the watchdog that asked
	// for it can get back to polling.
	MaxRetries int

	// DialTimeout limits each individual attempt (default: 15s).
	DialTimeout time.Duration
}

// DefaultBackoffConfig returns 1s, 2s, 4s, 8s between five attempts.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   5,
		DialTimeout:  15 * time.Second,
	}
}

// withDefaults replaces zero-value fields with their defaults.
func (c BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Multiplier <= 0 {
		c.Multiplier = d.Multiplier
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	return c
}

// RetryDialer wraps a connection factory with bounded exponential
// backoff. Workers never retry on their own; the process wires this
// wrapper around the real factory.
type RetryDialer struct {
	name    string
	dialer  Dialer
	backoff BackoffConfig
	logger  *slog.Logger
}

// NewRetryDialer wraps d. Zero-value backoff fields take defaults.
func NewRetryDialer(name string, d Dialer, backoff BackoffConfig, logger *slog.Logger) *RetryDialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryDialer{
		name:    name,
		dialer:  d,
		backoff: backoff.withDefaults(),
		logger:  logger,
	}
}

// Dial tries the wrapped dialer until it succeeds, MaxRetries attempts
// fail, or ctx is cancelled.
func (r *RetryDialer) Dial(ctx context.Context) (Conn, error) {
	cfg := r.backoff
	delay := cfg.InitialDelay

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		conn, err := r.attempt(ctx)
		if err == nil {
			if attempt > 1 {
				r.logger.Info("broker connected",
					"dialer", r.name,
					"after_attempts", attempt,
				)
			}
			return conn, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt == cfg.MaxRetries {
			break
		}

		r.logger.Debug("broker dial failed, retrying",
			"dialer", r.name,
			"attempt", attempt,
			"max_retries", cfg.MaxRetries,
			"next_delay", delay.String(),
			"error", err,
		)

		if !sleepCtx(ctx, delay) {
			return nil, ctx.Err()
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return nil, fmt.Errorf("dial %s: giving up after %d attempts: %w", r.name, cfg.MaxRetries, lastErr)
}

// attempt calls the wrapped dialer with the per-attempt timeout.
func (r *RetryDialer) attempt(ctx context.Context) (Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, r.backoff.DialTimeout)
	defer cancel()
	return r.dialer.Dial(dialCtx)
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
