package worker

import (
	"context"
	"sync"

	"github.com/nugget/spabridge/internal/broker"
)

// Listener consumes messages delivered on a subscribed topic filter.
// ProcessMessage runs on the worker's receive goroutine: a slow listener
// stalls that worker, and a listener that never returns will eventually
// get the worker recreated by its watchdog.
type Listener interface {
	ProcessMessage(ctx context.Context, topic string, payload []byte) error
}

// ListenerFunc adapts a function to the [Listener] interface.
type ListenerFunc func(ctx context.Context, topic string, payload []byte) error

// ProcessMessage calls f(ctx, topic, payload).
func (f ListenerFunc) ProcessMessage(ctx context.Context, topic string, payload []byte) error {
	return f(ctx, topic, payload)
}

// Registry maps topic filters to listeners. It outlives individual
// workers so that a recreated worker inherits every registration. All
// methods are safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	listeners map[string]Listener
	order     []string // filters in first-registration order
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{listeners: make(map[string]Listener)}
}

// Set registers l for filter. A later registration for the same filter
// replaces the earlier one.
func (r *Registry) Set(filter string, l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.listeners[filter]; !ok {
		r.order = append(r.order, filter)
	}
	r.listeners[filter] = l
}

// Topics returns every registered filter in registration order.
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Len returns the number of registered filters.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Lookup returns the listener for a concrete topic. An exact filter wins;
// otherwise the first wildcard filter, in registration order, that
// matches.
func (r *Registry) Lookup(topic string) (Listener, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if l, ok := r.listeners[topic]; ok {
		return l, true
	}
	for _, f := range r.order {
		if broker.IsWildcard(f) && broker.MatchTopic(f, topic) {
			return r.listeners[f], true
		}
	}
	return nil, false
}
