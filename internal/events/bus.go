// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from publishers (the transport session, and
// cmd/feedctl's consumer loop reporting dispatcher drops and feed-health
// transitions) to subscribers (a log sink, a future metrics collector). The bus is nil-safe: calling Publish on a nil
// *Bus is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceTransport identifies events from the session manager.
	SourceTransport = "transport"
	// SourceDecoder identifies events from the frame decoder.
	SourceDecoder = "decoder"
	// SourceDispatcher identifies events from the bounded dispatcher.
	SourceDispatcher = "dispatcher"
	// SourceHealth identifies events from the feed-health monitor.
	SourceHealth = "health"
)

// Kind constants describe the type of event within a source.
const (
	// KindConnected signals the transport reached StateConnected.
	// Data: generation, host.
	KindConnected = "connected"
	// KindDisconnected signals an unexpected disconnect was observed.
	// Data: generation, err.
	KindDisconnected = "disconnected"
	// KindReconnecting signals the guarded reconnect worker started.
	KindReconnecting = "reconnecting"
	// KindReconnectFailed signals one reconnect attempt failed.
	// Data: err, next_delay_seconds.
	KindReconnectFailed = "reconnect_failed"
	// KindSubscribed signals a new topic subscription took effect.
	// Data: topic.
	KindSubscribed = "subscribed"
	// KindUnsubscribed signals a topic subscription was removed.
	// Data: topic.
	KindUnsubscribed = "unsubscribed"
	// KindCredentialRefresh signals a token-rotation-triggered reconnect.
	KindCredentialRefresh = "credential_refresh"

	// KindParseError signals a frame failed to parse.
	// Data: topic, err.
	KindParseError = "parse_error"
	// KindCallbackError signals a subscriber callback failed or panicked.
	// Data: topic, err.
	KindCallbackError = "callback_error"

	// KindDropped signals the dispatcher dropped an event under backpressure.
	// Data: dropped_total, drop_rate.
	KindDropped = "dropped"

	// KindFeedDead signals the global liveness check tripped.
	// Carries no Data.
	KindFeedDead = "feed_dead"
	// KindFeedRecovered signals the feed resumed after being dead.
	KindFeedRecovered = "feed_recovered"
	// KindSymbolStale signals a single symbol exceeded its staleness bound.
	// Data: symbol, gap_ms.
	KindSymbolStale = "symbol_stale"
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
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
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
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
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
