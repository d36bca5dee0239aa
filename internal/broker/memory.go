package broker

import (
	"context"
	"sync"
	"time"
)

// memoryInboxSize bounds each connection's undelivered backlog. Messages
// beyond it are dropped, as a real broker would for a slow QoS 0 client.
const memoryInboxSize = 1024

// Memory is an in-process broker. Every connection dialed from it shares
// one topic space: a Send on any connection, or a call to
// [Memory.Publish], is delivered to every connection whose subscriptions
// match. It also exposes fault hooks for exercising recovery paths.
type Memory struct {
	mu        sync.Mutex
	conns     map[*memoryConn]struct{}
	dials     int
	failDials int
	dialErr   error
	failSends int
	sendErr   error
	dropped   int
}

// NewMemory returns an empty in-process broker.
func NewMemory() *Memory {
	return &Memory{conns: make(map[*memoryConn]struct{})}
}

// Dial opens a new connection, or fails if [Memory.FailDials] is armed.
func (m *Memory) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.dials++
	if m.failDials > 0 {
		m.failDials--
		return nil, m.dialErr
	}

	c := &memoryConn{
		broker: m,
		subs:   make(map[string]struct{}),
		inbox:  make(chan Message, memoryInboxSize),
		errc:   make(chan error, 1),
		closed: make(chan struct{}),
	}
	m.conns[c] = struct{}{}
	return c, nil
}

// Publish delivers payload to every live connection subscribed to a
// matching filter and returns how many connections received it.
func (m *Memory) Publish(topic string, payload []byte) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	delivered := 0
	for c := range m.conns {
		if !c.matches(topic) {
			continue
		}
		msg := Message{Topic: topic, Payload: append([]byte(nil), payload...)}
		select {
		case c.inbox <- msg:
			delivered++
		default:
			m.dropped++
		}
	}
	return delivered
}

// DropSubscriptions forgets every subscription on every live connection
// without telling the clients, the way a broker that silently lost
// session state would.
func (m *Memory) DropSubscriptions() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for c := range m.conns {
		clear(c.subs)
	}
}

// FailDials makes the next n calls to Dial return err.
func (m *Memory) FailDials(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failDials = n
	m.dialErr = err
}

// FailSends makes the next n calls to Send on any connection return err
// without delivering.
func (m *Memory) FailSends(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSends = n
	m.sendErr = err
}

// Sever injects err into every live connection. The next Receive on each
// returns it, simulating a transport failure.
func (m *Memory) Sever(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for c := range m.conns {
		select {
		case c.errc <- err:
		default:
		}
	}
}

// Dials returns the number of Dial calls so far, including failed ones.
func (m *Memory) Dials() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dials
}

// Live returns the number of connections that have not been closed.
func (m *Memory) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Subscribers returns how many live connections would receive a message
// published to topic.
func (m *Memory) Subscribers(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for c := range m.conns {
		if c.matches(topic) {
			n++
		}
	}
	return n
}

type memoryConn struct {
	broker *Memory
	subs   map[string]struct{} // guarded by broker.mu
	inbox  chan Message
	errc   chan error
	closed chan struct{}
	once   sync.Once
}

// matches must be called with broker.mu held.
func (c *memoryConn) matches(topic string) bool {
	for f := range c.subs {
		if MatchTopic(f, topic) {
			return true
		}
	}
	return false
}

func (c *memoryConn) Subscribe(ctx context.Context, topic string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	c.broker.mu.Lock()
	c.subs[topic] = struct{}{}
	c.broker.mu.Unlock()
	return nil
}

func (c *memoryConn) Receive(ctx context.Context, timeout time.Duration) (Message, error) {
	select {
	case <-c.closed:
		return Message{}, ErrClosed
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-c.inbox:
		return msg, nil
	case err := <-c.errc:
		return Message{}, err
	case <-c.closed:
		return Message{}, ErrClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-timer.C:
		return Message{}, ErrTimeout
	}
}

func (c *memoryConn) Send(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	m := c.broker
	m.mu.Lock()
	if m.failSends > 0 {
		m.failSends--
		err := m.sendErr
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	m.Publish(topic, payload)
	return nil
}

func (c *memoryConn) Close() error {
	c.once.Do(func() {
		c.broker.mu.Lock()
		delete(c.broker.conns, c)
		c.broker.mu.Unlock()
		close(c.closed)
	})
	return nil
}
