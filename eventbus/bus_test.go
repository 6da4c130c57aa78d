package eventbus

import (
	"testing"
	"time"

	"github.com/duskvale/streamd/core"
)

func TestPublishDeliversToMatchingSubscriber(t *testing.T) {
	b := New()
	sub := b.Subscribe(Filter{StreamIDs: []core.StreamId{"cam1"}})
	defer sub.Close()

	b.Publish(core.Event{Type: core.EventStreamAdded, StreamID: "cam1"})
	b.Publish(core.Event{Type: core.EventStreamAdded, StreamID: "cam2"})

	select {
	case e := <-sub.C():
		if e.StreamID != "cam1" {
			t.Fatalf("expected cam1, got %q", e.StreamID)
		}
	default:
		t.Fatal("expected one event for cam1")
	}

	select {
	case e := <-sub.C():
		t.Fatalf("unexpected second event: %+v", e)
	default:
	}
}

func TestPublishStampsIDAndTimestamp(t *testing.T) {
	b := New()
	sub := b.Subscribe(Filter{})
	defer sub.Close()

	before := time.Now()
	b.Publish(core.Event{Type: core.EventStreamAdded, StreamID: "cam1"})

	e := <-sub.C()
	if e.ID == "" {
		t.Fatal("expected Publish to stamp a non-empty ID")
	}
	if e.Timestamp.Before(before) || e.Timestamp.After(time.Now()) {
		t.Fatalf("expected Timestamp stamped at publish time, got %v (before %v)", e.Timestamp, before)
	}
}

func TestPublishOrderPerStream(t *testing.T) {
	b := New()
	sub := b.Subscribe(Filter{})
	defer sub.Close()

	for i := 0; i < 5; i++ {
		b.Publish(core.Event{Type: core.EventStreamStateChanged, StreamID: "cam1", Payload: i})
	}

	for i := 0; i < 5; i++ {
		e := <-sub.C()
		if e.Payload != i {
			t.Fatalf("event %d: expected payload %d, got %v", i, i, e.Payload)
		}
	}
}

func TestOverflowEmitsOneShot(t *testing.T) {
	b := New()
	sub := b.Subscribe(Filter{})
	defer sub.Close()

	for i := 0; i < subscriberQueueDepth+10; i++ {
		b.Publish(core.Event{Type: core.EventStreamStateChanged, StreamID: "cam1"})
	}

	overflowCount := 0
	for i := 0; i < subscriberQueueDepth; i++ {
		select {
		case e := <-sub.C():
			if e.Type == core.EventSubscriberOverflow {
				overflowCount++
			}
		default:
		}
	}
	if overflowCount != 1 {
		t.Fatalf("expected exactly 1 overflow event, got %d", overflowCount)
	}
}

func TestCloseUnsubscribes(t *testing.T) {
	b := New()
	sub := b.Subscribe(Filter{})
	sub.Close()

	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()
	if n != 0 {
		t.Fatalf("expected 0 subscribers after Close, got %d", n)
	}
}
