package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/spabridge/internal/broker"
	"github.com/nugget/spabridge/internal/config"
)

// inboxSize bounds messages accepted from the broker but not yet taken
// by Receive. Paho delivers from its own goroutine; once the worker falls
// this far behind, further messages are dropped rather than stalling the
// protocol loop (which would also stall keepalives).
const inboxSize = 256

// errConnLost is reported when a connection dies without a cause.
var errConnLost = errors.New("mqtt connection lost")

// conn adapts a paho client to [broker.Conn].
type conn struct {
	client *paho.Client
	qos    byte
	logger *slog.Logger

	inbox   chan broker.Message
	limiter *messageRateLimiter

	dead     chan struct{}
	failOnce sync.Once
	failErr  error

	stop      context.CancelFunc
	closeOnce sync.Once
}

func newConn(cfg config.BrokerConfig, logger *slog.Logger) *conn {
	c := &conn{
		qos:    byte(cfg.QoS),
		logger: logger,
		inbox:  make(chan broker.Message, inboxSize),
		dead:   make(chan struct{}),
		stop:   func() {},
	}
	if cfg.RateLimitPerSec > 0 {
		c.limiter = newMessageRateLimiter(int64(cfg.RateLimitPerSec), time.Second, logger)
	}
	return c
}

// start launches background helpers once the handshake succeeded.
func (c *conn) start() {
	if c.limiter == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.stop = cancel
	go c.limiter.start(ctx)
}

// onPublish runs on paho's goroutine and must not block.
func (c *conn) onPublish(pr paho.PublishReceived) (bool, error) {
	p := pr.Packet
	if !c.limiter.allow() {
		return true, nil
	}
	msg := broker.Message{Topic: p.Topic, Payload: p.Payload}
	select {
	case c.inbox <- msg:
	default:
		c.logger.Warn("mqtt inbox full, dropping message",
			"topic", p.Topic,
			"payload_size", len(p.Payload),
		)
	}
	return true, nil
}

// fail records the first terminal error and wakes any Receive.
func (c *conn) fail(err error) {
	c.failOnce.Do(func() {
		c.failErr = err
		close(c.dead)
	})
}

func (c *conn) err() error {
	select {
	case <-c.dead:
		if c.failErr != nil {
			return c.failErr
		}
		return errConnLost
	default:
		return nil
	}
}

// retainOnNewSubscription asks the broker to send retained messages only
// when a subscription is first created (MQTT v5 Retain Handling 1). The
// worker re-subscribes after every quiet period, and the default (0)
// would replay each retained alert and status on every one of them.
const retainOnNewSubscription = 1

func subscribeOptions(topic string, qos byte) paho.SubscribeOptions {
	return paho.SubscribeOptions{
		Topic:          topic,
		QoS:            qos,
		RetainHandling: retainOnNewSubscription,
	}
}

func (c *conn) Subscribe(ctx context.Context, topic string) error {
	if err := c.err(); err != nil {
		return err
	}
	ack, err := c.client.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{subscribeOptions(topic, c.qos)},
	})
	if err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", topic, err)
	}
	if ack != nil {
		for _, code := range ack.Reasons {
			if code >= 0x80 {
				return fmt.Errorf("mqtt subscribe %s rejected (reason %d)", topic, code)
			}
		}
	}
	return nil
}

func (c *conn) Receive(ctx context.Context, timeout time.Duration) (broker.Message, error) {
	// Drain anything already delivered before reporting a dead link.
	select {
	case msg := <-c.inbox:
		return msg, nil
	default:
	}
	if err := c.err(); err != nil {
		return broker.Message{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-c.inbox:
		return msg, nil
	case <-c.dead:
		return broker.Message{}, c.err()
	case <-ctx.Done():
		return broker.Message{}, ctx.Err()
	case <-timer.C:
		return broker.Message{}, broker.ErrTimeout
	}
}

func (c *conn) Send(ctx context.Context, topic string, payload []byte) error {
	if err := c.err(); err != nil {
		return err
	}
	if _, err := c.client.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     c.qos,
		Payload: payload,
	}); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

// Close sends DISCONNECT once; later calls are no-ops. A disconnect
// error is only reported when the link was still healthy.
func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.stop()
		healthy := c.err() == nil
		c.fail(broker.ErrClosed)
		if derr := c.client.Disconnect(&paho.Disconnect{ReasonCode: 0}); derr != nil && healthy {
			err = fmt.Errorf("mqtt disconnect: %w", derr)
		}
	})
	return err
}
