package events

import (
	"sync"
)

// Hub fans events out to dynamically attached listeners such as websocket streams.
// Slow listeners miss events instead of blocking delivery.
type Hub struct {
	mu        sync.RWMutex
	listeners map[chan Event]struct{}
	buffer    int
}

// NewHub creates a hub whose listener channels hold buffer events
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{listeners: map[chan Event]struct{}{}, buffer: buffer}
}

// Listen attaches a listener. The returned function detaches it and closes the channel.
func (h *Hub) Listen() (<-chan Event, func()) {
	ch := make(chan Event, h.buffer)
	h.mu.Lock()
	h.listeners[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.listeners, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Deliver is a Subscriber forwarding events to every listener
func (h *Hub) Deliver(e Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.listeners {
		select {
		case ch <- e:
		default:
		}
	}
}
