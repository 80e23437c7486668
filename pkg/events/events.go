// Package events publishes gateway lifecycle events to asynchronous subscribers.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/d4l-data4life/go-mcp-gateway/pkg/metrics"
	"github.com/d4l-data4life/go-svc/pkg/logging"
)

// Type names an event
type Type string

const (
	ToolInvoked          Type = "tool.invoked"
	ResourceRead         Type = "resource.read"
	PromptRendered       Type = "prompt.rendered"
	PeerRegistered       Type = "federation.peer_registered"
	PeerDeregistered     Type = "federation.peer_deregistered"
	PeerStateChanged     Type = "federation.peer_state_changed"
	HooksReloaded        Type = "hooks.reloaded"
	LeadershipChanged    Type = "federation.leadership_changed"
	CatalogEntityChanged Type = "catalog.entity_changed"
)

// Event is a single occurrence published by a gateway component
type Event struct {
	ID   uuid.UUID              `json:"id"`
	Type Type                   `json:"type"`
	Time time.Time              `json:"time"`
	Data map[string]interface{} `json:"data,omitempty"`
}

// New creates an event with a fresh id and the current time
func New(t Type, data map[string]interface{}) Event {
	return Event{ID: uuid.New(), Type: t, Time: time.Now().UTC(), Data: data}
}

// Sink accepts events. Publish never blocks the caller.
type Sink interface {
	Publish(Event)
}

// NopSink discards every event
type NopSink struct{}

// Publish implements Sink
func (NopSink) Publish(Event) {}

// Subscriber receives events from an AsyncSink
type Subscriber func(Event)

// LogSubscriber writes every event to the debug log
func LogSubscriber(e Event) {
	logging.LogDebugf("event %s %s: %v", e.Type, e.ID, e.Data)
}

// AsyncSink buffers events and delivers them to subscribers on a single goroutine.
// Events published while the buffer is full are dropped.
type AsyncSink struct {
	events      chan Event
	mu          sync.RWMutex
	subscribers []Subscriber
	done        chan struct{}
}

// NewAsyncSink creates a sink with the given buffer size
func NewAsyncSink(bufferSize int, subscribers ...Subscriber) *AsyncSink {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &AsyncSink{
		events:      make(chan Event, bufferSize),
		subscribers: subscribers,
		done:        make(chan struct{}),
	}
}

// Subscribe adds a subscriber
func (s *AsyncSink) Subscribe(sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, sub)
}

// Publish implements Sink
func (s *AsyncSink) Publish(e Event) {
	select {
	case s.events <- e:
	default:
		metrics.EventsDropped.Inc()
		logging.LogDebugf("event buffer full, dropping %s", e.Type)
	}
}

// Run delivers events until the context is done, then drains the buffer
func (s *AsyncSink) Run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case e := <-s.events:
			s.deliver(e)
		case <-ctx.Done():
			for {
				select {
				case e := <-s.events:
					s.deliver(e)
				default:
					return
				}
			}
		}
	}
}

// Done is closed once Run has returned
func (s *AsyncSink) Done() <-chan struct{} {
	return s.done
}

func (s *AsyncSink) deliver(e Event) {
	s.mu.RLock()
	subs := s.subscribers
	s.mu.RUnlock()
	for _, sub := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.LogWarningf(nil, "event subscriber panicked on %s: %v", e.Type, r)
				}
			}()
			sub(e)
		}()
	}
}
