package supervisor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/duskvale/streamd/branch"
	"github.com/duskvale/streamd/core"
	"github.com/duskvale/streamd/eventbus"
	"github.com/duskvale/streamd/sourcedriver"
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

type deadDialer struct{}

func (deadDialer) Dial(ctx context.Context, uri string, timeout time.Duration) (sourcedriver.Conn, error) {
	return nil, fmt.Errorf("bad credentials: %w", core.ErrAuthenticationFailed)
}

type fakeEvents struct {
	mu     sync.Mutex
	events []core.Event
	bus    *eventbus.Bus
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{bus: eventbus.New()}
}

func (f *fakeEvents) Publish(e core.Event) {
	f.mu.Lock()
	f.events = append(f.events, e)
	f.mu.Unlock()
	f.bus.Publish(e)
}

func (f *fakeEvents) Subscribe(filter eventbus.Filter) *eventbus.Subscription {
	return f.bus.Subscribe(filter)
}

func (f *fakeEvents) has(t core.EventType) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e.Type == t {
			return true
		}
	}
	return false
}

type fakeCheckpointer struct {
	mu    sync.Mutex
	saved []core.SupervisorState
}

func (f *fakeCheckpointer) SaveCheckpoint(ctx context.Context, id core.StreamId, state core.SupervisorState, recordOnReady bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, state)
	return nil
}

func (f *fakeCheckpointer) last() core.SupervisorState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.saved) == 0 {
		return ""
	}
	return f.saved[len(f.saved)-1]
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

func TestSupervisorReachesRunningThenStops(t *testing.T) {
	events := newFakeEvents()
	checkpoints := &fakeCheckpointer{}
	opts := Options{HealthTickInterval: 5 * time.Millisecond}

	sup := New(testDef("s1"), fakeDialer{}, nil, nil, checkpoints, events, opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if sup.Status().State == core.StateRunning {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if sup.Status().State != core.StateRunning {
		t.Fatalf("expected Running, got %v", sup.Status().State)
	}
	if !events.has(core.EventStreamStateChanged) {
		t.Error("expected a stream_state_changed event")
	}

	done, err := sup.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Supervisor to terminate after Stop")
	}
	if checkpoints.last() != core.StateTerminated {
		t.Errorf("expected last checkpoint Terminated, got %v", checkpoints.last())
	}
}

func TestSupervisorFailsOnFatalDialError(t *testing.T) {
	events := newFakeEvents()
	checkpoints := &fakeCheckpointer{}
	opts := Options{HealthTickInterval: 5 * time.Millisecond}

	sup := New(testDef("s2"), deadDialer{}, nil, nil, checkpoints, events, opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if sup.Status().State == core.StateFailed {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if sup.Status().State != core.StateFailed {
		t.Fatalf("expected Failed, got %v", sup.Status().State)
	}

	done, err := sup.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Supervisor to terminate after Stop")
	}
}

func TestStartRecordingWithoutRecordingBranchFails(t *testing.T) {
	events := newFakeEvents()
	checkpoints := &fakeCheckpointer{}
	opts := Options{HealthTickInterval: 5 * time.Millisecond}

	sup := New(testDef("s3"), fakeDialer{}, nil, nil, checkpoints, events, opts)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)
	defer func() {
		done, _ := sup.Stop(context.Background())
		<-done
	}()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if sup.Status().State == core.StateRunning {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := sup.StartRecording(context.Background()); err == nil {
		t.Fatal("expected error starting recording with no recording branch configured")
	}
}
