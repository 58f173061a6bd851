// Package live implements the in-memory stores and live fanout (C5):
// a bounded ring buffer of recent items per kind, plus filter-matched
// subscriber delivery. The per-subscriber bounded queue and its
// drop-oldest backpressure policy are adapted directly from the
// teacher's websocket broadcaster, whose client.send channel +
// writePump goroutine solve the identical "don't let one slow reader
// stall the rest" problem -- here retargeted from "all clients" to
// "clients whose filter matches this item's origin."
package live

import (
	"sync"

	"github.com/roastery/ingest/internal/envelope"
)

// Filter narrows fanout/query to a subset of origins. An unset (empty
// string) field matches any value, per spec.md §4.5.
type Filter struct {
	OrgID     string
	SiteID    string
	MachineID string
}

// Matches reports whether origin satisfies f.
func (f Filter) Matches(o envelope.Origin) bool {
	if f.OrgID != "" && f.OrgID != o.OrgID {
		return false
	}
	if f.SiteID != "" && f.SiteID != o.SiteID {
		return false
	}
	if f.MachineID != "" && f.MachineID != o.MachineID {
		return false
	}
	return true
}

// Item is one published entry: its origin for filter matching, plus
// an arbitrary JSON-able payload (an envelope.TelemetrySample, an
// envelope.RoastEvent, or a full trust-annotated envelope, depending on
// which stream it belongs to).
type Item struct {
	Origin  envelope.Origin
	Payload interface{}
}

const defaultSubscriberQueue = 128

// subscriber holds one live consumer's bounded delivery queue. Queue
// capacity is fixed at construction; a full queue is drained of its
// oldest entry to make room for the newest one.
type subscriber struct {
	filter Filter
	ch     chan Item
	mu     sync.Mutex
	closed bool
}

func newSubscriber(filter Filter, queueSize int) *subscriber {
	if queueSize <= 0 {
		queueSize = defaultSubscriberQueue
	}
	return &subscriber{filter: filter, ch: make(chan Item, queueSize)}
}

func (s *subscriber) deliver(item Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- item:
			return
		default:
			select {
			case <-s.ch:
			default:
			}
		}
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Stream is one parallel substore: a bounded arrival-ordered sequence
// plus its subscriber set. Telemetry, events, and raw envelopes each
// get their own Stream instance.
type Stream struct {
	mu          sync.RWMutex
	items       []Item
	capacity    int
	subscribers map[*subscriber]bool
	queueSize   int
}

// NewStream builds a Stream retaining at most capacity recent items.
func NewStream(capacity, subscriberQueueSize int) *Stream {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Stream{
		capacity:    capacity,
		subscribers: make(map[*subscriber]bool),
		queueSize:   subscriberQueueSize,
	}
}

// Add appends item to the ring buffer and fans it out to every
// subscriber whose filter matches. Delivery never blocks on a slow
// subscriber.
func (s *Stream) Add(item Item) {
	s.mu.Lock()
	s.items = append(s.items, item)
	if len(s.items) > s.capacity {
		s.items = s.items[len(s.items)-s.capacity:]
	}
	var targets []*subscriber
	for sub := range s.subscribers {
		if sub.filter.Matches(item.Origin) {
			targets = append(targets, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range targets {
		sub.deliver(item)
	}
}

// Query returns items matching filter, newest-first, truncated to
// limit if limit > 0. A negative limit is the caller's error to
// reject with HTTP 400 before calling Query.
func (s *Stream) Query(filter Filter, limit int) []Item {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Item
	for i := len(s.items) - 1; i >= 0; i-- {
		if filter.Matches(s.items[i].Origin) {
			out = append(out, s.items[i])
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}

// Subscription is a live handle a consumer reads from and discards
// via Unsubscribe when done (on SSE client disconnect, typically).
type Subscription struct {
	stream *Stream
	sub    *subscriber
}

// C returns the channel to range over for delivered items.
func (sub *Subscription) C() <-chan Item {
	return sub.sub.ch
}

// Unsubscribe removes this subscription. Safe to call concurrently
// with in-flight delivery: once it returns, no further item reaches
// this subscription's channel.
func (sub *Subscription) Unsubscribe() {
	sub.stream.mu.Lock()
	delete(sub.stream.subscribers, sub.sub)
	sub.stream.mu.Unlock()
	sub.sub.close()
}

// Subscribe registers a new filtered live consumer.
func (s *Stream) Subscribe(filter Filter) *Subscription {
	sub := newSubscriber(filter, s.queueSize)
	s.mu.Lock()
	s.subscribers[sub] = true
	s.mu.Unlock()
	return &Subscription{stream: s, sub: sub}
}
