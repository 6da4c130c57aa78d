package recording

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/duskvale/streamd/branch"
	"github.com/duskvale/streamd/core"
	"github.com/duskvale/streamd/eventbus"
)

type fakeFanout struct{ ch chan branch.Frame }

func (f *fakeFanout) Frames() <-chan branch.Frame { return f.ch }

type fakeVolumes struct {
	mu       sync.Mutex
	current  string
	next     string
	err      error
	written  map[string]int64
	free     int64
}

func newFakeVolumes(id string) *fakeVolumes {
	return &fakeVolumes{current: id, next: id, written: map[string]int64{}, free: 1 << 30}
}

func (v *fakeVolumes) SelectVolume(current string, reserve int64) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.err != nil {
		return "", v.err
	}
	return v.next, nil
}

func (v *fakeVolumes) ReportWrite(volumeID string, bytes int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.written[volumeID] += bytes
	return nil
}

func (v *fakeVolumes) ReportDelete(volumeID string, bytes int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.written[volumeID] -= bytes
	return nil
}

func (v *fakeVolumes) FreeSpace(volumeID string) (int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.free, nil
}

type fakeCatalog struct {
	mu       sync.Mutex
	finalized []core.Segment
	deleted   []string
	orphaned  []string
}

func (c *fakeCatalog) FinalizeSegment(ctx context.Context, streamID core.StreamId, sessionID, volumeID string, seg core.Segment) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finalized = append(c.finalized, seg)
	return nil
}

func (c *fakeCatalog) MarkOrphaned(ctx context.Context, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orphaned = append(c.orphaned, path)
	return nil
}

func (c *fakeCatalog) ListCatalogedSegments(ctx context.Context, streamID core.StreamId) ([]CatalogedSegment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]CatalogedSegment, 0, len(c.finalized))
	for _, s := range c.finalized {
		out = append(out, CatalogedSegment{Segment: s})
	}
	return out, nil
}

func (c *fakeCatalog) DeleteCatalogedSegment(ctx context.Context, streamID core.StreamId, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted = append(c.deleted, path)
	kept := c.finalized[:0]
	for _, s := range c.finalized {
		if s.Path != path {
			kept = append(kept, s)
		}
	}
	c.finalized = kept
	return nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []core.Event
}

func (p *fakePublisher) Publish(e core.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *fakePublisher) count(t core.EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type nopDeleter struct{ removed []string }

func (d *nopDeleter) Remove(path string) error {
	d.removed = append(d.removed, path)
	return nil
}

func waitForCond(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestStartWaitsForKeyframeBeforeCommittingBytes(t *testing.T) {
	vols := newFakeVolumes("v1")
	cat := &fakeCatalog{}
	pub := &fakePublisher{}
	c := NewWithDeleter("s1", Options{MaxSegmentDuration: time.Hour, MaxSegmentBytes: 1 << 30}, vols, cat, pub, &nopDeleter{})

	fan := &fakeFanout{ch: make(chan branch.Frame, 8)}
	if err := c.Attach(fan); err != nil {
		t.Fatalf("attach: %v", err)
	}

	id, err := c.Start(context.Background())
	if err != nil || id == "" {
		t.Fatalf("start: %v", err)
	}

	fan.ch <- branch.Frame{Keyframe: false, Bytes: 100}
	time.Sleep(20 * time.Millisecond)
	if c.State() == core.RecordingActive {
		t.Fatal("should not become Active before a keyframe arrives")
	}

	fan.ch <- branch.Frame{Keyframe: true, Bytes: 200}
	waitForCond(t, func() bool { return c.State() == core.RecordingActive })
}

func TestStartRecordingIsIdempotent(t *testing.T) {
	vols := newFakeVolumes("v1")
	cat := &fakeCatalog{}
	pub := &fakePublisher{}
	c := NewWithDeleter("s1", Options{}, vols, cat, pub, &nopDeleter{})
	fan := &fakeFanout{ch: make(chan branch.Frame, 8)}
	_ = c.Attach(fan)

	first, err := c.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	second, err := c.Start(context.Background())
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if first != second {
		t.Fatalf("expected idempotent session id, got %q then %q", first, second)
	}
}

func TestSegmentRotatesOnMaxBytes(t *testing.T) {
	vols := newFakeVolumes("v1")
	cat := &fakeCatalog{}
	pub := &fakePublisher{}
	c := NewWithDeleter("s1", Options{MaxSegmentBytes: 150}, vols, cat, pub, &nopDeleter{})
	fan := &fakeFanout{ch: make(chan branch.Frame, 8)}
	_ = c.Attach(fan)

	if _, err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	fan.ch <- branch.Frame{Keyframe: true, Bytes: 100}
	fan.ch <- branch.Frame{Keyframe: false, Bytes: 100} // crosses MaxSegmentBytes, rotates
	fan.ch <- branch.Frame{Keyframe: true, Bytes: 50}   // opens segment 2

	waitForCond(t, func() bool { return len(cat.finalized) >= 1 })
	seg := cat.finalized[0]
	if !seg.FirstKeyframePresent {
		t.Fatal("every segment must begin at a keyframe")
	}
}

func TestStopFinalizesCleanlyAndReturnsSummary(t *testing.T) {
	vols := newFakeVolumes("v1")
	cat := &fakeCatalog{}
	pub := &fakePublisher{}
	c := NewWithDeleter("s1", Options{MaxSegmentDuration: time.Hour}, vols, cat, pub, &nopDeleter{})
	fan := &fakeFanout{ch: make(chan branch.Frame, 8)}
	_ = c.Attach(fan)

	sessionID, err := c.Start(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	fan.ch <- branch.Frame{Keyframe: true, Bytes: 10}
	waitForCond(t, func() bool { return c.State() == core.RecordingActive })

	summary, err := c.Stop(context.Background())
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if summary.SessionID != sessionID {
		t.Fatalf("expected summary for %q, got %q", sessionID, summary.SessionID)
	}
	if len(summary.Segments) != 1 {
		t.Fatalf("expected one finalized segment, got %d", len(summary.Segments))
	}
	if c.State() != core.RecordingIdle {
		t.Fatalf("expected Idle after Stop, got %v", c.State())
	}
}

func TestStopOnIdleReturnsErrNotRecording(t *testing.T) {
	vols := newFakeVolumes("v1")
	cat := &fakeCatalog{}
	pub := &fakePublisher{}
	c := NewWithDeleter("s1", Options{}, vols, cat, pub, &nopDeleter{})

	if _, err := c.Stop(context.Background()); err != core.ErrNotRecording {
		t.Fatalf("expected ErrNotRecording, got %v", err)
	}
}

func TestPauseResumeOpensNewSegment(t *testing.T) {
	vols := newFakeVolumes("v1")
	cat := &fakeCatalog{}
	pub := &fakePublisher{}
	c := NewWithDeleter("s1", Options{MaxSegmentDuration: time.Hour}, vols, cat, pub, &nopDeleter{})
	fan := &fakeFanout{ch: make(chan branch.Frame, 8)}
	_ = c.Attach(fan)

	if _, err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	fan.ch <- branch.Frame{Keyframe: true, Bytes: 10}
	waitForCond(t, func() bool { return c.State() == core.RecordingActive })

	if err := c.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if c.State() != core.RecordingPaused {
		t.Fatalf("expected Paused, got %v", c.State())
	}

	if err := c.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	// Resume returns the session to Active at once and clears the active
	// segment; the write loop opens the new segment only at the next
	// keyframe (§4.3).
	fan.ch <- branch.Frame{Keyframe: false, Bytes: 5}
	time.Sleep(20 * time.Millisecond)
	c.mu.Lock()
	open := c.session.ActiveSegment != nil
	c.mu.Unlock()
	if open {
		t.Fatal("no segment should open before the post-resume keyframe")
	}
	fan.ch <- branch.Frame{Keyframe: true, Bytes: 5}
	waitForCond(t, func() bool { return c.State() == core.RecordingActive })
	waitForCond(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.session.ActiveSegment != nil
	})
}

func TestNoEligibleVolumeEntersStalled(t *testing.T) {
	vols := newFakeVolumes("v1")
	vols.err = core.ErrNoEligibleVolume
	cat := &fakeCatalog{}
	pub := &fakePublisher{}
	c := NewWithDeleter("s1", Options{}, vols, cat, pub, &nopDeleter{})
	fan := &fakeFanout{ch: make(chan branch.Frame, 8)}
	_ = c.Attach(fan)

	if _, err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if c.State() != core.RecordingStalledNoStorage {
		t.Fatalf("expected StalledNoStorage, got %v", c.State())
	}
	if pub.count(core.EventRecordingStalled) != 1 {
		t.Fatal("expected one RecordingStalled event")
	}
}

func TestRetentionDeletesOldestFirstUntilSatisfied(t *testing.T) {
	vols := newFakeVolumes("v1")
	cat := &fakeCatalog{}
	pub := &fakePublisher{}
	deleter := &nopDeleter{}
	opts := Options{
		MaxSegmentDuration: time.Hour,
		Retention:          core.RetentionPolicy{MaxBytesPerStream: 150},
	}
	c := NewWithDeleter("s1", opts, vols, cat, pub, deleter)

	now := time.Now()
	cat.finalized = []core.Segment{
		{Path: "seg-0", StartWallclock: now.Add(-3 * time.Hour), ByteSize: 100},
		{Path: "seg-1", StartWallclock: now.Add(-2 * time.Hour), ByteSize: 100},
	}

	c.enforceRetention(context.Background())

	if len(cat.finalized) != 1 || cat.finalized[0].Path != "seg-1" {
		t.Fatalf("expected only seg-1 to remain, got %+v", cat.finalized)
	}
	if len(cat.deleted) != 1 || cat.deleted[0] != "seg-0" {
		t.Fatalf("expected seg-0 journaled as deleted first, got %+v", cat.deleted)
	}
	if len(deleter.removed) != 1 || deleter.removed[0] != "seg-0" {
		t.Fatal("expected the filesystem unlink to follow the catalog journal")
	}
}

type busPublisher struct{ bus *eventbus.Bus }

func (b busPublisher) Publish(e core.Event)                                { b.bus.Publish(e) }
func (b busPublisher) Subscribe(f eventbus.Filter) *eventbus.Subscription { return b.bus.Subscribe(f) }

func TestHotSwapForcesImmediateRotationOnVolumeRetiring(t *testing.T) {
	vols := newFakeVolumes("v1")
	cat := &fakeCatalog{}
	bus := eventbus.New()
	be := busPublisher{bus: bus}

	c := NewWithDeleter("s1", Options{MaxSegmentDuration: time.Hour}, vols, cat, be, &nopDeleter{}).WithHotSwap(be)
	fan := &fakeFanout{ch: make(chan branch.Frame, 8)}
	_ = c.Attach(fan)

	if _, err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	fan.ch <- branch.Frame{Keyframe: true, Bytes: 10}
	waitForCond(t, func() bool { return c.State() == core.RecordingActive })

	bus.Publish(core.Event{Type: core.EventVolumeRetiring, Payload: "v1"})

	waitForCond(t, func() bool { return len(cat.finalized) >= 1 })

	vols.mu.Lock()
	vols.next = "v2"
	vols.mu.Unlock()

	fan.ch <- branch.Frame{Keyframe: true, Bytes: 10}
	waitForCond(t, func() bool { return c.State() == core.RecordingActive })
}
