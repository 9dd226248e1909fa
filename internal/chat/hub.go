package chat

import (
	"sync"
)

// Subscriber receives the server messages broadcast by a Hub.
type Subscriber struct {
	// Handle is called for every server message while registered, in
	// arrival order, on the connection's read goroutine. It must not block.
	Handle func(data []byte)

	// Close is called once when the hub drops all subscribers, e.g. because
	// the connection went away. May be nil.
	Close func(err error)
}

// Hub manages the registered subscribers and handles broadcast.
type Hub struct {
	subscribers map[*Subscriber]bool
	mu          sync.RWMutex
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[*Subscriber]bool),
	}
}

// Register adds a subscriber to the hub.
func (h *Hub) Register(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers[sub] = true
}

// Unregister removes a subscriber from the hub. It reports whether the
// subscriber was registered.
func (h *Hub) Unregister(sub *Subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.subscribers[sub] {
		return false
	}
	delete(h.subscribers, sub)
	return true
}

// SubscriberCount returns number of registered subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Broadcast delivers data to every registered subscriber. Handlers run
// without the hub lock held so they may unregister themselves.
func (h *Hub) Broadcast(data []byte) {
	for _, sub := range h.snapshot() {
		if sub.Handle != nil {
			sub.Handle(data)
		}
	}
}

// CloseAll unregisters every subscriber and notifies each with err.
func (h *Hub) CloseAll(err error) {
	h.mu.Lock()
	subs := make([]*Subscriber, 0, len(h.subscribers))
	for sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.subscribers = make(map[*Subscriber]bool)
	h.mu.Unlock()

	for _, sub := range subs {
		if sub.Close != nil {
			sub.Close(err)
		}
	}
}

func (h *Hub) snapshot() []*Subscriber {
	h.mu.RLock()
	defer h.mu.RUnlock()
	subs := make([]*Subscriber, 0, len(h.subscribers))
	for sub := range h.subscribers {
		subs = append(subs, sub)
	}
	return subs
}
