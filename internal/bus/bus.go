package bus

import (
	"strings"
	"sync"
)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
// Subscriptions are keyed by a stable handler id: re-subscribing under the
// same id replaces the previous subscription instead of stacking a duplicate,
// so components re-registering across reconnects never double-handle events.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]*subscription
}

type subscription struct {
	namespace string
	ch        chan Event
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[string]*subscription),
	}
}

// Publish sends an event to all subscribers whose namespace is a prefix of event.Kind.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if strings.HasPrefix(evt.Kind, sub.namespace) {
			select {
			case sub.ch <- evt:
			default:
				// Drop event if subscriber is full (non-blocking).
			}
		}
	}
}

// Subscribe registers a channel receiving events matching the given namespace
// prefix under the given handler id. A second Subscribe with the same id
// replaces the first; the old channel stops receiving events.
func (b *Bus) Subscribe(id, namespace string, bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	b.subs[id] = &subscription{namespace: namespace, ch: ch}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes the subscription registered under id. Unknown ids are a no-op.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}
