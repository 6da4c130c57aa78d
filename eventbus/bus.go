// Package eventbus is the in-process pub/sub that delivers typed events from
// producers to any number of subscribers with per-subscriber filtering and
// bounded queues. publish is always non-blocking: a slow subscriber never
// slows a publisher down, it only misses events.
package eventbus

import (
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/duskvale/streamd/core"
)

const subscriberQueueDepth = 256

// Filter restricts a subscription to a subset of events. An empty slice
// means "no restriction on this dimension".
type Filter struct {
	EventTypes []core.EventType
	StreamIDs  []core.StreamId
}

func (f Filter) matches(e core.Event) bool {
	if len(f.EventTypes) > 0 {
		ok := false
		for _, t := range f.EventTypes {
			if t == e.Type {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.StreamIDs) > 0 {
		ok := false
		for _, id := range f.StreamIDs {
			if id == e.StreamID {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Subscription is a live handle to a filtered event stream.
type Subscription struct {
	bus      *Bus
	filter   Filter
	ch       chan core.Event
	overflow atomic.Bool // one-shot SubscriberOverflow already emitted this episode
	closed   atomic.Bool
}

// C returns the channel events are delivered on.
func (s *Subscription) C() <-chan core.Event { return s.ch }

// Close unsubscribes. Safe to call once; idempotent.
func (s *Subscription) Close() {
	if s.closed.Swap(true) {
		return
	}
	s.bus.remove(s)
	close(s.ch)
}

// Bus is the process-wide Event Bus. Per stream_id, events are observed by a
// given subscriber in publication order: each subscriber's channel is a
// single ordered queue fed by a single publish-time fan-out loop, so
// publication order is preserved regardless of which goroutine calls
// Publish, as long as callers serialize their own per-stream publishes
// (the Supervisor satisfies this by construction, §5).
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}

	idSeq atomic.Uint64
}

// New returns an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a new filtered subscription.
func (b *Bus) Subscribe(filter Filter) *Subscription {
	sub := &Subscription{bus: b, filter: filter, ch: make(chan core.Event, subscriberQueueDepth)}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

// Publish delivers e to every matching subscriber without blocking. Publish
// stamps e.ID and e.Timestamp if the caller left them zero, so every
// producer gets a unique id and a publish-time timestamp for free instead
// of having to construct both at every call site. A subscriber whose queue
// is full has its oldest event dropped to make room (drop-oldest), and
// receives one SubscriberOverflow event the first time this happens in an
// overflow episode; the one-shot flag resets once the subscriber drains
// below capacity again.
func (b *Bus) Publish(e core.Event) {
	if e.ID == "" {
		e.ID = b.nextID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		if s.closed.Load() || !s.filter.matches(e) {
			continue
		}
		b.deliver(s, e)
	}
}

func (b *Bus) deliver(s *Subscription, e core.Event) {
	select {
	case s.ch <- e:
		if len(s.ch) < cap(s.ch) {
			s.overflow.Store(false)
		}
		return
	default:
	}

	// Queue full: drop oldest, then enqueue the new event.
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- e:
	default:
		// Lost the race against another publisher; give up on this one.
	}

	if !s.overflow.Swap(true) {
		// The queue is full again after the enqueue above: drop one more of
		// the oldest events so the notification itself has room.
		select {
		case <-s.ch:
		default:
		}
		overflowEvt := core.Event{
			ID:        b.nextID(),
			Timestamp: time.Now(),
			Type:      core.EventSubscriberOverflow,
			StreamID:  e.StreamID,
		}
		select {
		case s.ch <- overflowEvt:
		default:
			log.Printf("eventbus: subscriber overflow and overflow-notification both dropped for stream %q", e.StreamID)
		}
	}
}

func (b *Bus) nextID() string {
	return "evt-" + strconv.FormatUint(b.idSeq.Add(1), 10)
}
