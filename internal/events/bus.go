// Package events provides a publish/subscribe event bus for operational
// observability. Lifecycle events flow from the station supervisor, the
// MQTT session and the publish loop to subscribers (metrics collector,
// WebSocket stream). The bus is nil-safe: calling Publish or Emit on a
// nil *Bus is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceStation identifies events from the Wi-Fi station supervisor.
	SourceStation = "station"
	// SourceSession identifies events from the MQTT broker session.
	SourceSession = "session"
	// SourcePublisher identifies events from the periodic publish loop.
	SourcePublisher = "publisher"
)

// Kind constants describe the type of event within a source.
const (
	// KindInterfaceStarted signals the interface driver came up.
	KindInterfaceStarted = "interface_started"
	// KindConnectAttempt signals a connect request to the driver.
	// Data: attempt, retries, delay_ms.
	KindConnectAttempt = "connect_attempt"
	// KindLinkDown signals a disconnection from the access point.
	// Data: retries, reason.
	KindLinkDown = "link_down"
	// KindAddressAcquired signals the interface obtained an address.
	// Data: addr.
	KindAddressAcquired = "address_acquired"
	// KindResolved signals the one-shot startup outcome.
	// Data: result.
	KindResolved = "resolved"

	// KindConnected signals the broker accepted the session.
	KindConnected = "connected"
	// KindDisconnected signals the broker connection was lost.
	// Data: reason.
	KindDisconnected = "disconnected"
	// KindPublishAcked signals the broker acknowledged a publish.
	// Data: msg_id, reason_code.
	KindPublishAcked = "publish_acked"
	// KindError signals a session or publish error.
	// Data: msg_id, error.
	KindError = "error"

	// KindPublishSubmitted signals the loop handed a message to the
	// session. Data: msg_id, count, topic.
	KindPublishSubmitted = "publish_submitted"
)

// Event represents a single operational event published by a component.
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
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's <-chan Event.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
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
		}
	}
}

// Emit stamps and publishes an event built from its parts.
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

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
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
