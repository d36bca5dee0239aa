// Package worker implements the subscription worker: one broker
// connection, a registry of per-topic listeners, and a bounded-wait
// receive loop that heals itself across quiet periods.
//
// A receive timeout is not a failure. It means the line was quiet, so the
// worker re-subscribes every active topic (in case the broker silently
// dropped interest) and checks in. Any other receive or subscribe error
// ends the loop; noticing the resulting silence is the watchdog's job.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/spabridge/internal/broker"
	"github.com/nugget/spabridge/internal/events"
)

// DefaultReceiveTimeout is used when Config.ReceiveTimeout is zero.
const DefaultReceiveTimeout = 5 * time.Second

// Checkin records forward progress. [checkin.Clock] satisfies it.
type Checkin interface {
	Touch(now time.Time)
}

// Config configures a Worker.
type Config struct {
	// Name identifies the worker in logs and events.
	Name string

	// ReceiveTimeout bounds each wait for an inbound message.
	ReceiveTimeout time.Duration
}

// Worker owns exactly one broker connection and dispatches inbound
// messages to the listeners in its registry.
type Worker struct {
	name     string
	timeout  time.Duration
	dialer   broker.Dialer
	registry *Registry
	checkin  Checkin
	logger   *slog.Logger
	bus      *events.Bus

	mu     sync.Mutex
	conn   broker.Conn
	closed bool

	delivered atomic.Int64
	failed    atomic.Int64
}

// New creates a Worker. The connection is opened lazily by the first
// call to Subscribe, Open, Publish or Run. bus may be nil.
func New(cfg Config, dialer broker.Dialer, registry *Registry, checkin Checkin, logger *slog.Logger, bus *events.Bus) *Worker {
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = DefaultReceiveTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		name:     cfg.Name,
		timeout:  cfg.ReceiveTimeout,
		dialer:   dialer,
		registry: registry,
		checkin:  checkin,
		logger:   logger.With("worker", cfg.Name),
		bus:      bus,
	}
}

// Name returns the worker's name.
func (w *Worker) Name() string { return w.name }

// Delivered returns the number of messages handed to listeners.
func (w *Worker) Delivered() int64 { return w.delivered.Load() }

// ListenerFailures returns the number of listener errors and panics.
func (w *Worker) ListenerFailures() int64 { return w.failed.Load() }

// connection returns the live connection, dialing it on first use. It
// fails with [broker.ErrClosed] once Cleanup has run.
func (w *Worker) connection(ctx context.Context) (broker.Conn, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil, broker.ErrClosed
	}
	if w.conn != nil {
		c := w.conn
		w.mu.Unlock()
		return c, nil
	}
	w.mu.Unlock()

	// Dial without holding the lock so Cleanup is never stuck behind a
	// slow connect.
	c, err := w.dialer.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	switch {
	case w.closed:
		c.Close()
		return nil, broker.ErrClosed
	case w.conn != nil:
		// Lost a race with another first use; keep the winner.
		c.Close()
		return w.conn, nil
	}
	w.conn = c
	w.logger.Debug("broker connection opened")
	return c, nil
}

// Subscribe registers l for topic and subscribes on the live connection.
// A later registration for the same topic replaces the earlier listener.
func (w *Worker) Subscribe(ctx context.Context, topic string, l Listener) error {
	w.registry.Set(topic, l)

	c, err := w.connection(ctx)
	if err != nil {
		return err
	}
	if err := c.Subscribe(ctx, topic); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	w.logger.Info("subscribed", "topic", topic)
	return nil
}

// Open dials the connection and subscribes every topic already in the
// registry. A recreated worker uses it to resume where its predecessor
// stopped, with no listener re-registration.
func (w *Worker) Open(ctx context.Context) error {
	c, err := w.connection(ctx)
	if err != nil {
		return err
	}
	return w.subscribeAll(ctx, c)
}

func (w *Worker) subscribeAll(ctx context.Context, c broker.Conn) error {
	for _, topic := range w.registry.Topics() {
		if err := c.Subscribe(ctx, topic); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	return nil
}

// Run is the receive loop. It returns nil when ctx is cancelled and the
// terminating error for any transport failure. The connection is released
// before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	defer w.Cleanup()

	c, err := w.connection(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	w.logger.Info("receive loop started",
		"topics", w.registry.Len(),
		"receive_timeout", w.timeout.String(),
	)

	for {
		msg, err := c.Receive(ctx, w.timeout)
		switch {
		case err == nil:
			w.dispatch(ctx, msg)
			if ctx.Err() != nil {
				// Discarded while the listener ran: a successor may own
				// the clock and the topic by now.
				return nil
			}
			w.checkin.Touch(time.Now())

		case errors.Is(err, broker.ErrTimeout):
			if err := w.subscribeAll(ctx, c); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("resubscribe after quiet period: %w", err)
			}
			w.checkin.Touch(time.Now())

		case ctx.Err() != nil:
			return nil

		default:
			return fmt.Errorf("receive: %w", err)
		}
	}
}

// dispatch hands msg to its listener. Listener errors and panics are
// logged and counted; they never stop the loop.
func (w *Worker) dispatch(ctx context.Context, msg broker.Message) {
	l, ok := w.registry.Lookup(msg.Topic)
	if !ok {
		w.logger.Debug("no listener for topic", "topic", msg.Topic)
		return
	}

	w.delivered.Add(1)
	w.bus.Emit(events.SourceWorker, events.KindMessageReceived, map[string]any{
		"worker":       w.name,
		"topic":        msg.Topic,
		"payload_size": len(msg.Payload),
	})

	if err := w.invoke(ctx, l, msg); err != nil {
		w.failed.Add(1)
		w.logger.Warn("listener failed",
			"topic", msg.Topic,
			"error", err,
		)
		w.bus.Emit(events.SourceWorker, events.KindListenerError, map[string]any{
			"worker": w.name,
			"topic":  msg.Topic,
			"error":  err.Error(),
		})
	}
}

func (w *Worker) invoke(ctx context.Context, l Listener, msg broker.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panicked: %v", r)
		}
	}()
	return l.ProcessMessage(ctx, msg.Topic, msg.Payload)
}

// Publish sends payload to topic on the worker's connection. Failures are
// logged and returned; they are not retried.
func (w *Worker) Publish(ctx context.Context, topic string, payload []byte) error {
	c, err := w.connection(ctx)
	if err == nil {
		err = c.Send(ctx, topic, payload)
	}
	if err != nil {
		w.logger.Warn("publish failed",
			"topic", topic,
			"error", err,
		)
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	w.logger.Debug("published", "topic", topic, "payload_size", len(payload))
	return nil
}

// Cleanup releases the connection. It is idempotent and safe to call
// concurrently with Run, which then exits with a transport error unless
// its context was cancelled first. A worker cannot be reopened after
// Cleanup.
func (w *Worker) Cleanup() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if w.conn == nil {
		return nil
	}
	err := w.conn.Close()
	w.conn = nil
	if err != nil {
		w.logger.Warn("broker connection close failed", "error", err)
		return fmt.Errorf("close: %w", err)
	}
	w.logger.Debug("broker connection closed")
	return nil
}
