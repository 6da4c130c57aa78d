package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/duskvale/streamd/branch"
	"github.com/duskvale/streamd/core"
	"github.com/duskvale/streamd/sourcedriver"
	"github.com/duskvale/streamd/supervisor"
)

type fakeConn struct{ frames chan branch.Frame }

func (c *fakeConn) Frames(ctx context.Context) (<-chan branch.Frame, error) { return c.frames, nil }
func (c *fakeConn) Close() error                                           { return nil }

type fakeDialer struct{}

func (fakeDialer) Dial(ctx context.Context, uri string, timeout time.Duration) (sourcedriver.Conn, error) {
	ch := make(chan branch.Frame, 1)
	ch <- branch.Frame{Keyframe: true}
	return &fakeConn{frames: ch}, nil
}

type fakeEvents struct {
	mu     sync.Mutex
	events []core.Event
}

func (f *fakeEvents) Publish(e core.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func (f *fakeEvents) count(t core.EventType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type fakeDefStore struct {
	mu    sync.Mutex
	saved map[core.StreamId]core.StreamDefinition
}

func newFakeDefStore() *fakeDefStore {
	return &fakeDefStore{saved: map[core.StreamId]core.StreamDefinition{}}
}

func (f *fakeDefStore) SaveDefinition(ctx context.Context, def core.StreamDefinition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved[def.ID] = def
	return nil
}

func (f *fakeDefStore) DeleteDefinition(ctx context.Context, id core.StreamId) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.saved, id)
	return nil
}

func testDeps(events *fakeEvents) Dependencies {
	return Dependencies{
		Dialer: fakeDialer{},
		Events: events,
		Opts:   supervisor.Options{HealthTickInterval: 5 * time.Millisecond},
	}
}

func testDef(id string) core.StreamDefinition {
	return core.StreamDefinition{
		ID:        core.StreamId(id),
		SourceURI: "ws://host/live",
		ReconnectPolicy: core.ReconnectPolicy{
			ConnTimeout:  time.Second,
			RestartDelay: time.Millisecond,
			RetryBudget:  time.Minute,
		},
	}
}

func TestAddStreamRejectsDuplicateID(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := &fakeEvents{}
	r := New(ctx, newFakeDefStore(), testDeps(events), 0)

	if _, err := r.AddStream(context.Background(), testDef("a")); err != nil {
		t.Fatalf("first AddStream: %v", err)
	}
	if _, err := r.AddStream(context.Background(), testDef("a")); err != core.ErrIDExists {
		t.Fatalf("expected ErrIDExists, got %v", err)
	}
}

func TestAddStreamEnforcesCapacity(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := &fakeEvents{}
	r := New(ctx, newFakeDefStore(), testDeps(events), 1)

	if _, err := r.AddStream(context.Background(), testDef("a")); err != nil {
		t.Fatalf("first AddStream: %v", err)
	}
	if _, err := r.AddStream(context.Background(), testDef("b")); err != core.ErrCapacityExceeded {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
}

func TestListAndGetStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := &fakeEvents{}
	r := New(ctx, newFakeDefStore(), testDeps(events), 0)

	if _, err := r.AddStream(context.Background(), testDef("a")); err != nil {
		t.Fatalf("AddStream: %v", err)
	}

	if n := r.Len(); n != 1 {
		t.Fatalf("expected Len=1, got %d", n)
	}
	if _, err := r.GetStream("a"); err != nil {
		t.Fatalf("GetStream: %v", err)
	}
	if _, err := r.GetStream("missing"); err != core.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	list := r.ListStreams()
	if len(list) != 1 || list[0].ID != "a" {
		t.Fatalf("unexpected list result: %+v", list)
	}
	if events.count(core.EventStreamAdded) != 1 {
		t.Error("expected one stream_added event")
	}
}

func TestRemoveStreamDropsEntryAfterTermination(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := &fakeEvents{}
	r := New(ctx, newFakeDefStore(), testDeps(events), 0)

	if _, err := r.AddStream(context.Background(), testDef("a")); err != nil {
		t.Fatalf("AddStream: %v", err)
	}

	handle, err := r.RemoveStream(context.Background(), "a")
	if err != nil {
		t.Fatalf("RemoveStream: %v", err)
	}
	select {
	case <-handle:
	case <-time.After(time.Second):
		t.Fatal("expected RemoveStream to complete")
	}

	if _, err := r.GetStream("a"); err != core.ErrNotFound {
		t.Fatalf("expected stream to be gone, got err=%v", err)
	}
	if r.Len() != 0 {
		t.Fatalf("expected Len=0 after removal, got %d", r.Len())
	}
}

func TestMutateStreamRequiresExistingID(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := &fakeEvents{}
	r := New(ctx, newFakeDefStore(), testDeps(events), 0)

	if err := r.MutateStream(context.Background(), testDef("missing")); err != core.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
