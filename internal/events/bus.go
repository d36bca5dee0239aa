// Package events broadcasts bridge activity (deliveries, listener
// failures, worker exits, recreations, alerts) to observers such as the
// API's live event stream. The bus is nil-safe: Publish and Emit on a nil
// *Bus are no-ops, so components never need guard checks.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceWorker identifies events from a subscription worker.
	SourceWorker = "worker"
	// SourceWatchdog identifies events from a liveness watchdog or the
	// supervisor acting on its behalf.
	SourceWatchdog = "watchdog"
	// SourceProcessor identifies events from the backend processor.
	SourceProcessor = "processor"
)

// Kind constants describe the type of event within a source.
const (
	// KindMessageReceived signals a delivered message.
	// Data: worker, topic, payload_size.
	KindMessageReceived = "message_received"
	// KindListenerError signals a listener returned an error or panicked.
	// Data: worker, topic, error.
	KindListenerError = "listener_error"
	// KindWorkerExit signals a receive loop terminated.
	// Data: worker, generation, error (absent on clean shutdown).
	KindWorkerExit = "worker_exit"

	// KindRecreated signals a replacement worker was started.
	// Data: worker, generation.
	KindRecreated = "recreated"
	// KindRecreateFailed signals a recreation attempt failed.
	// Data: worker, error.
	KindRecreateFailed = "recreate_failed"

	// KindState signals persisted device state.
	// Data: device_id, channel.
	KindState = "state"
	// KindAlert signals a persisted device alert.
	// Data: device_id, alert_id, notified.
	KindAlert = "alert"
)

// Event represents a single bridge event.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking the receive loops that publish them.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recv maps the receive-only view handed to subscribers back to the
	// channel stored in subs.
	recv    map[<-chan Event]chan Event
	dropped atomic.Int64
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs: make(map[chan Event]struct{}),
		recv: make(map[<-chan Event]chan Event),
	}
}

// Emit publishes an event stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{
		Timestamp: time.Now(),
		Source:    source,
		Kind:      kind,
		Data:      data,
	})
}

// Publish sends e to all subscribers without blocking. A subscriber whose
// buffer is full misses the event.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel that receives published events. The caller
// must eventually call Unsubscribe.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recv[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown or
// already removed channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	send, ok := b.recv[ch]
	if !ok {
		return
	}
	delete(b.subs, send)
	delete(b.recv, ch)
	close(send)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many per-subscriber deliveries were skipped because
// a buffer was full.
func (b *Bus) Dropped() int64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}
