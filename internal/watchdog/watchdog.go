// Package watchdog supervises a long-lived worker through its checkin
// clock. It knows nothing about what the worker does: when the clock goes
// stale it calls a recreation function supplied by the worker's owner and
// keeps polling.
//
// Each Watchdog runs a single loop:
//  1. Sleep PollInterval.
//  2. Compute the time since the later of the last checkin and the last
//     successful recreation.
//  3. If that is at least StaleThreshold, call the recreation function
//     and wait for it to return.
//
// The checkin clock is never written by the watchdog. After a successful
// recreation it measures staleness from the moment recreation began
// instead, so a worker that never checks in is recreated once per
// StaleThreshold and no more often. A failed recreation leaves that
// baseline alone and the next poll retries.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Source reports the most recent checkin of the supervised worker.
type Source interface {
	Read() time.Time
}

// RecreateFunc discards the supervised worker and starts a replacement.
// It must have started the replacement's loop before returning.
type RecreateFunc func(ctx context.Context) error

// Config controls polling cadence.
type Config struct {
	// PollInterval is how often the checkin clock is inspected.
	PollInterval time.Duration

	// StaleThreshold is the silence after which the worker is recreated.
	// It must exceed PollInterval.
	StaleThreshold time.Duration
}

// Validate reports every problem with c at once.
func (c Config) Validate() error {
	var err error
	if c.PollInterval <= 0 {
		err = errors.Join(err, errors.New("watchdog PollInterval must be positive"))
	}
	if c.StaleThreshold <= 0 {
		err = errors.Join(err, errors.New("watchdog StaleThreshold must be positive"))
	}
	if c.PollInterval > 0 && c.StaleThreshold > 0 && c.StaleThreshold <= c.PollInterval {
		err = errors.Join(err, fmt.Errorf(
			"watchdog StaleThreshold (%s) must exceed PollInterval (%s)",
			c.StaleThreshold, c.PollInterval))
	}
	return err
}

// State values reported by [Watchdog.Status].
const (
	StateRunning    = "running"
	StateRecreating = "recreating"
	StateStopped    = "stopped"
)

// Status is a point-in-time view of a watchdog, suitable for JSON.
type Status struct {
	Name           string    `json:"name"`
	State          string    `json:"state"`
	LastCheckin    time.Time `json:"last_checkin"`
	Recreations    int64     `json:"recreations"`
	Failures       int64     `json:"failures"`
	LastRecreation time.Time `json:"last_recreation,omitzero"`
	LastError      string    `json:"last_error,omitempty"`
}

// Watchdog polls one checkin clock and drives recreation of its worker.
type Watchdog struct {
	name     string
	cfg      Config
	clock    Source
	recreate RecreateFunc
	logger   *slog.Logger

	mu          sync.Mutex
	state       string
	baseline    time.Time // start of the last successful recreation
	recreations int64
	failures    int64
	lastErr     error
}

// New validates cfg and returns a Watchdog. Call [Watchdog.Run] to start
// polling.
func New(name string, cfg Config, clock Source, recreate RecreateFunc, logger *slog.Logger) (*Watchdog, error) {
	if name == "" {
		return nil, errors.New("watchdog name must not be empty")
	}
	if clock == nil {
		return nil, errors.New("watchdog clock must not be nil")
	}
	if recreate == nil {
		return nil, errors.New("watchdog recreate func must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{
		name:     name,
		cfg:      cfg,
		clock:    clock,
		recreate: recreate,
		logger:   logger.With("watchdog", name),
		state:    StateStopped,
	}, nil
}

// Run polls until ctx is cancelled. It never calls the recreation
// function after cancellation has been observed.
func (w *Watchdog) Run(ctx context.Context) {
	w.setState(StateRunning)
	defer w.setState(StateStopped)

	w.logger.Info("watchdog started",
		"poll_interval", w.cfg.PollInterval.String(),
		"stale_threshold", w.cfg.StaleThreshold.String(),
	)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watchdog stopped")
			return
		case now := <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			w.check(ctx, now)
		}
	}
}

// check performs one poll cycle.
func (w *Watchdog) check(ctx context.Context, now time.Time) {
	last := w.clock.Read()
	elapsed := now.Sub(last)
	if elapsed < w.cfg.StaleThreshold {
		return
	}

	w.mu.Lock()
	baseline := w.baseline
	w.mu.Unlock()

	// Time since the last recreation is rounded to whole polls so tick
	// jitter cannot push a recreation one poll late.
	if !baseline.IsZero() && now.Sub(baseline).Round(w.cfg.PollInterval) < w.cfg.StaleThreshold {
		return
	}

	w.logger.Warn("worker stale, recreating",
		"last_checkin", last,
		"elapsed", elapsed.Truncate(time.Millisecond).String(),
		"threshold", w.cfg.StaleThreshold.String(),
	)

	w.setState(StateRecreating)
	err := w.safeRecreate(ctx)
	took := time.Since(now)

	w.mu.Lock()
	w.state = StateRunning
	if err != nil {
		w.failures++
		w.lastErr = err
	} else {
		w.recreations++
		w.lastErr = nil
		// Whole poll intervals spent recreating are credited to the new
		// worker; the remainder keeps the tick cadence aligned.
		w.baseline = now.Add(took.Truncate(w.cfg.PollInterval))
	}
	w.mu.Unlock()

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.logger.Error("worker recreation failed, will retry",
			"error", err,
		)
		return
	}
	w.logger.Info("worker recreated",
		"took", took.Truncate(time.Millisecond).String(),
	)
}

// safeRecreate converts a panicking recreation into an error so the
// watchdog keeps running.
func (w *Watchdog) safeRecreate(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recreate panicked: %v", r)
		}
	}()
	return w.recreate(ctx)
}

func (w *Watchdog) setState(s string) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Status returns the current watchdog status.
func (w *Watchdog) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Status{
		Name:           w.name,
		State:          w.state,
		LastCheckin:    w.clock.Read(),
		Recreations:    w.recreations,
		Failures:       w.failures,
		LastRecreation: w.baseline,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}
