// Package supervisor pairs one subscription worker with one liveness
// watchdog. The supervisor owns the listener registry and the checkin
// clock, both of which survive recreation, and hands the watchdog a
// recreation function that swaps in a fresh worker.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/spabridge/internal/broker"
	"github.com/nugget/spabridge/internal/checkin"
	"github.com/nugget/spabridge/internal/events"
	"github.com/nugget/spabridge/internal/watchdog"
	"github.com/nugget/spabridge/internal/worker"
)

// DefaultStopGrace bounds how long a recreation waits for the previous
// worker's loop to exit.
const DefaultStopGrace = 5 * time.Second

// ErrNoWorker is returned by Publish when no worker is live.
var ErrNoWorker = errors.New("no live worker")

// Config configures a Supervisor.
type Config struct {
	// Name identifies the worker and its watchdog.
	Name string

	// ReceiveTimeout is passed to every worker generation.
	ReceiveTimeout time.Duration

	// Watchdog controls liveness polling.
	Watchdog watchdog.Config

	// StopGrace bounds the wait for a discarded worker to exit. A worker
	// stuck in a listener past this is abandoned.
	StopGrace time.Duration
}

// Status is a point-in-time view of a supervised worker.
type Status struct {
	watchdog.Status
	Generation       int64 `json:"generation"`
	Live             bool  `json:"live"`
	Delivered        int64 `json:"delivered"`
	ListenerFailures int64 `json:"listener_failures"`
}

// generation is one worker and the handle needed to stop it.
type generation struct {
	n      int64
	w      *worker.Worker
	clock  *generationClock
	cancel context.CancelFunc
	done   chan struct{}
}

// generationClock is a generation's write access to the shared checkin
// clock. Only the current generation may touch it; stop revokes access
// before the worker is abandoned.
type generationClock struct {
	clock *checkin.Clock

	mu      sync.Mutex
	revoked bool
}

func (g *generationClock) Touch(now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.revoked {
		g.clock.Touch(now)
	}
}

func (g *generationClock) revoke() {
	g.mu.Lock()
	g.revoked = true
	g.mu.Unlock()
}

// Supervisor keeps one worker alive for as long as its context lives.
type Supervisor struct {
	cfg      Config
	dialer   broker.Dialer
	registry *worker.Registry
	clock    *checkin.Clock
	wd       *watchdog.Watchdog
	logger   *slog.Logger
	bus      *events.Bus

	gen atomic.Int64

	mu      sync.Mutex
	current *generation

	// Totals from discarded generations, so Status survives recreation.
	delivered atomic.Int64
	failures  atomic.Int64
}

// New creates a Supervisor. The registry may already hold listeners;
// every worker generation subscribes all of them. bus may be nil.
func New(cfg Config, dialer broker.Dialer, registry *worker.Registry, logger *slog.Logger, bus *events.Bus) (*Supervisor, error) {
	if dialer == nil {
		return nil, errors.New("supervisor dialer must not be nil")
	}
	if registry == nil {
		registry = worker.NewRegistry()
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Supervisor{
		cfg:      cfg,
		dialer:   dialer,
		registry: registry,
		clock:    checkin.New(time.Now()),
		logger:   logger,
		bus:      bus,
	}

	wd, err := watchdog.New(cfg.Name, cfg.Watchdog, s.clock, s.Recreate, logger)
	if err != nil {
		return nil, fmt.Errorf("supervisor %s: %w", cfg.Name, err)
	}
	s.wd = wd
	return s, nil
}

// Name returns the supervised worker's name.
func (s *Supervisor) Name() string { return s.cfg.Name }

// Registry returns the listener registry shared by all generations.
func (s *Supervisor) Registry() *worker.Registry { return s.registry }

// Subscribe registers l for topic. If a worker is live the subscription
// is issued immediately; otherwise the next generation picks it up.
func (s *Supervisor) Subscribe(ctx context.Context, topic string, l worker.Listener) error {
	s.mu.Lock()
	cur := s.current
	s.mu.Unlock()

	if cur == nil {
		s.registry.Set(topic, l)
		return nil
	}
	return cur.w.Subscribe(ctx, topic, l)
}

// Run starts the first worker and the watchdog, and blocks until ctx is
// cancelled. A failed first start is logged; the watchdog recreates the
// worker once the checkin goes stale.
func (s *Supervisor) Run(ctx context.Context) {
	if err := s.start(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("initial worker start failed, watchdog will retry",
			"worker", s.cfg.Name,
			"error", err,
		)
	}

	s.wd.Run(ctx)
	s.stop()
}

// Recreate discards the current worker and starts a replacement. The
// replacement's receive loop is running when Recreate returns nil.
func (s *Supervisor) Recreate(ctx context.Context) error {
	s.stop()

	if err := s.start(ctx); err != nil {
		s.bus.Emit(events.SourceWatchdog, events.KindRecreateFailed, map[string]any{
			"worker": s.cfg.Name,
			"error":  err.Error(),
		})
		return err
	}

	s.bus.Emit(events.SourceWatchdog, events.KindRecreated, map[string]any{
		"worker":     s.cfg.Name,
		"generation": s.gen.Load(),
	})
	return nil
}

// Publish sends payload through the live worker.
func (s *Supervisor) Publish(ctx context.Context, topic string, payload []byte) error {
	s.mu.Lock()
	cur := s.current
	s.mu.Unlock()

	if cur == nil {
		return fmt.Errorf("publish %s: %w", topic, ErrNoWorker)
	}
	return cur.w.Publish(ctx, topic, payload)
}

// Status reports the watchdog and current generation.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	cur := s.current
	s.mu.Unlock()

	st := Status{
		Status:           s.wd.Status(),
		Generation:       s.gen.Load(),
		Delivered:        s.delivered.Load(),
		ListenerFailures: s.failures.Load(),
	}
	if cur != nil {
		// A generation whose loop already exited is waiting on the
		// watchdog and is not live.
		select {
		case <-cur.done:
		default:
			st.Live = true
		}
		st.Delivered += cur.w.Delivered()
		st.ListenerFailures += cur.w.ListenerFailures()
	}
	return st
}

// start opens a new worker, subscribes every registered topic and
// launches its receive loop.
func (s *Supervisor) start(ctx context.Context) error {
	clock := &generationClock{clock: s.clock}
	w := worker.New(worker.Config{
		Name:           s.cfg.Name,
		ReceiveTimeout: s.cfg.ReceiveTimeout,
	}, s.dialer, s.registry, clock, s.logger, s.bus)

	if err := w.Open(ctx); err != nil {
		w.Cleanup()
		return fmt.Errorf("start worker %s: %w", s.cfg.Name, err)
	}

	wctx, cancel := context.WithCancel(ctx)
	g := &generation{
		n:      s.gen.Add(1),
		w:      w,
		clock:  clock,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	s.current = g
	s.mu.Unlock()

	go s.runWorker(wctx, g)

	s.logger.Info("worker started",
		"worker", s.cfg.Name,
		"generation", g.n,
		"topics", s.registry.Len(),
	)
	return nil
}

func (s *Supervisor) runWorker(ctx context.Context, g *generation) {
	defer close(g.done)

	err := g.w.Run(ctx)

	data := map[string]any{
		"worker":     s.cfg.Name,
		"generation": g.n,
	}
	if err != nil {
		data["error"] = err.Error()
		s.logger.Warn("worker loop exited, awaiting watchdog",
			"worker", s.cfg.Name,
			"generation", g.n,
			"error", err,
		)
	} else {
		s.logger.Debug("worker loop stopped",
			"worker", s.cfg.Name,
			"generation", g.n,
		)
	}
	s.bus.Emit(events.SourceWorker, events.KindWorkerExit, data)
}

// stop cancels and releases the current worker, waiting up to StopGrace
// for its loop to exit.
func (s *Supervisor) stop() {
	s.mu.Lock()
	g := s.current
	s.current = nil
	s.mu.Unlock()

	if g == nil {
		return
	}

	g.clock.revoke()
	g.cancel()
	g.w.Cleanup()
	s.delivered.Add(g.w.Delivered())
	s.failures.Add(g.w.ListenerFailures())

	timer := time.NewTimer(s.cfg.StopGrace)
	defer timer.Stop()

	select {
	case <-g.done:
	case <-timer.C:
		s.logger.Warn("previous worker did not exit in time, abandoning it",
			"worker", s.cfg.Name,
			"generation", g.n,
			"grace", s.cfg.StopGrace.String(),
		)
	}
}
