// Package broker defines the minimal publish/subscribe surface the bridge
// needs from a transport: subscribe, bounded-wait receive, send and close.
// The MQTT implementation lives in the mqtt package; [Memory] is an
// in-process implementation for tests and loopback runs.
package broker

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTimeout is returned by [Conn.Receive] when the bounded wait
	// elapses without a message. It is an expected outcome, not a
	// transport failure.
	ErrTimeout = errors.New("broker: receive timed out")

	// ErrClosed is returned by operations on a closed connection.
	ErrClosed = errors.New("broker: connection closed")
)

// Message is one inbound publication.
type Message struct {
	Topic   string
	Payload []byte
}

// Conn is a single open broker connection. Implementations must be safe
// for concurrent use: a worker may subscribe or send from one goroutine
// while another is blocked in Receive.
type Conn interface {
	// Subscribe expresses interest in a topic filter. Re-subscribing to
	// an already active filter is allowed and must not replay retained
	// messages.
	Subscribe(ctx context.Context, topic string) error

	// Receive blocks for at most timeout. It returns ErrTimeout if no
	// message arrived, ctx.Err() if ctx was cancelled, and any other
	// error if the connection failed.
	Receive(ctx context.Context, timeout time.Duration) (Message, error)

	// Send publishes payload to topic.
	Send(ctx context.Context, topic string, payload []byte) error

	// Close releases the connection. Calling Close more than once is
	// allowed; later calls return nil.
	Close() error
}

// Dialer opens broker connections. It is the connection factory handed to
// workers; each call returns a fresh, exclusively owned Conn.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to the [Dialer] interface.
type DialerFunc func(ctx context.Context) (Conn, error)

// Dial calls f(ctx).
func (f DialerFunc) Dial(ctx context.Context) (Conn, error) {
	return f(ctx)
}
