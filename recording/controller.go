// Package recording implements the Recording Controller (§4.3): a branch
// that turns its fan-out feed into a sequence of complete, playable segment
// files with bounded per-file duration and predictable placement, exposing
// start/stop/pause/resume that never corrupts a file. It also implements
// branch.Branch so a recording can be attached through the same fan-out
// mechanism as any other branch kind.
package recording

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/duskvale/streamd/branch"
	"github.com/duskvale/streamd/core"
	"github.com/duskvale/streamd/eventbus"
)

// VolumeSelector is the Storage Manager's placement contract (§4.9).
type VolumeSelector interface {
	SelectVolume(current string, segmentReserve int64) (string, error)
	ReportWrite(volumeID string, bytes int64) error
	ReportDelete(volumeID string, bytes int64) error
	FreeSpace(volumeID string) (int64, error)
}

// CatalogedSegment is one segment as the State Store knows it, including
// the volume it landed on (needed for retention's min-free-per-volume
// predicate).
type CatalogedSegment struct {
	core.Segment
	VolumeID string
}

// Catalog is the State Store's recording-catalog write path (§4.8, "Segment
// finalization writes the catalog row in the same durable unit as the
// file-close fsync ordering"). Deletion is journaled before the filesystem
// unlink (§4.3 retention: "the reverse order would risk an un-cataloged but
// deleted file").
type Catalog interface {
	FinalizeSegment(ctx context.Context, streamID core.StreamId, sessionID, volumeID string, seg core.Segment) error
	MarkOrphaned(ctx context.Context, path string) error
	ListCatalogedSegments(ctx context.Context, streamID core.StreamId) ([]CatalogedSegment, error)
	DeleteCatalogedSegment(ctx context.Context, streamID core.StreamId, path string) error
}

// FileDeleter performs the actual filesystem unlink for a retired segment.
// Split out from Catalog so the journal-then-unlink ordering of §4.3 is
// explicit in the call sequence rather than hidden inside one method.
type FileDeleter interface {
	Remove(path string) error
}

// Publisher is the narrow Event Bus dependency.
type Publisher interface {
	Publish(core.Event)
}

// EventSource is the Event Bus's subscribe side. The controller uses it to
// learn about its own target volume retiring (§4.9, "ongoing sessions
// receive a VolumeRetiring event and initiate hot-swap") without the
// Storage Manager ever holding a direct reference to the controller (§9,
// "upward reporting is enqueued by id").
type EventSource interface {
	Subscribe(eventbus.Filter) *eventbus.Subscription
}

// Options bounds segment rotation and retention for one session.
type Options struct {
	MaxSegmentDuration time.Duration
	MaxSegmentBytes    int64
	SegmentReserve     int64
	SwapBufferCeiling  int
	Retention          core.RetentionPolicy
	SegmentPathFunc    func(streamID core.StreamId, sessionID string, index int, start time.Time) string
}

// SessionSummary is returned by stop_recording (§6).
type SessionSummary struct {
	SessionID string        `json:"session_id"`
	Segments  []core.Segment `json:"segments"`
	StartedAt time.Time     `json:"started_at"`
	StoppedAt time.Time     `json:"stopped_at"`
}

// Controller owns at most one RecordingSession for one stream at a time
// (§3, "A stream has at most one active RecordingSession at a time").
type Controller struct {
	streamID   core.StreamId
	opts       Options
	volumes    VolumeSelector
	catalog    Catalog
	events     Publisher
	subscriber EventSource
	deleter    FileDeleter

	mu          sync.Mutex
	session     *core.RecordingSession
	swapBuf     []branch.Frame
	swapDropped int
	segIndex    int
	fanout      branch.Fanout
	stopCh      chan struct{}
	doneCh      chan struct{}
}

// New returns a Controller with no active session, using os.Remove for
// retention deletions and no VolumeRetiring subscription (hot-swap then
// only happens at the next scheduled rotation).
func New(streamID core.StreamId, opts Options, volumes VolumeSelector, catalog Catalog, events Publisher) *Controller {
	return NewWithDeleter(streamID, opts, volumes, catalog, events, osDeleter{})
}

// NewWithDeleter is New with an injectable FileDeleter, for tests and for
// deployments where segment files live behind something other than the
// local filesystem.
func NewWithDeleter(streamID core.StreamId, opts Options, volumes VolumeSelector, catalog Catalog, events Publisher, deleter FileDeleter) *Controller {
	if opts.SegmentPathFunc == nil {
		opts.SegmentPathFunc = defaultSegmentPath
	}
	return &Controller{streamID: streamID, opts: opts, volumes: volumes, catalog: catalog, events: events, deleter: deleter}
}

// WithHotSwap subscribes the controller to VolumeRetiring events so an
// active session reacts immediately (§4.3 Hot-swap) instead of waiting for
// its next scheduled rotation.
func (c *Controller) WithHotSwap(source EventSource) *Controller {
	c.subscriber = source
	return c
}

type osDeleter struct{}

func (osDeleter) Remove(path string) error { return os.Remove(path) }

func defaultSegmentPath(streamID core.StreamId, sessionID string, index int, start time.Time) string {
	return fmt.Sprintf("%s/%s/%06d_%d.ts", streamID, sessionID, index, start.Unix())
}

// ---- branch.Branch ----

// Attach wires the controller's segment writer to the fan-out (§4.2
// contract). It does not itself start recording: start_recording is a
// separate operator action (§4.3).
func (c *Controller) Attach(fanout branch.Fanout) error {
	c.mu.Lock()
	c.fanout = fanout
	c.mu.Unlock()
	return nil
}

// Detach stops any active session cleanly, as if the Supervisor left
// Running (§4.5, "Active RecordingSession is moved to Closing").
func (c *Controller) Detach() error {
	_, _ = c.Stop(context.Background())
	return nil
}

// ReportHealth reflects whether a session is active and stalled.
func (c *Controller) ReportHealth() branch.Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := branch.Health{LastActivityAt: time.Now()}
	if c.session != nil && c.session.State == core.RecordingStalledNoStorage {
		h.ErrorCount = 1
	}
	return h
}

// ---- operator contract (§4.3, §6) ----

// Start begins a recording session, or returns the existing one if already
// recording (§6 idempotence: "start_recording on a recording stream returns
// the current session").
func (c *Controller) Start(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.session != nil && (c.session.State == core.RecordingActive || c.session.State == core.RecordingPaused || c.session.State == core.RecordingArming) {
		id := c.session.SessionID
		c.mu.Unlock()
		return id, nil
	}
	sessionID := uuid.NewString()
	c.session = &core.RecordingSession{
		SessionID: sessionID,
		StreamID:  c.streamID,
		State:     core.RecordingArming,
		StartedAt: time.Now(),
	}
	c.segIndex = 0
	fanout := c.fanout
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	c.mu.Unlock()

	if fanout == nil {
		return "", fmt.Errorf("recording: no fan-out attached")
	}

	volumeID, err := c.volumes.SelectVolume("", c.opts.SegmentReserve)
	if err != nil {
		c.enterStalled()
		return sessionID, nil
	}

	c.mu.Lock()
	c.session.TargetVolume = volumeID
	c.mu.Unlock()

	var retiring *eventbus.Subscription
	if c.subscriber != nil {
		retiring = c.subscriber.Subscribe(eventbus.Filter{EventTypes: []core.EventType{core.EventVolumeRetiring}})
	}

	go c.writeLoop(fanout, retiring)

	c.events.Publish(core.Event{Type: core.EventRecordingStarted, StreamID: c.streamID, Payload: sessionID})
	return sessionID, nil
}

// Stop closes the current session's final segment and finalizes the
// catalog entry (§4.3, "Recording|Paused → Closing on stop").
func (c *Controller) Stop(ctx context.Context) (*SessionSummary, error) {
	c.mu.Lock()
	if c.session == nil || c.session.State == core.RecordingIdle {
		c.mu.Unlock()
		return nil, core.ErrNotRecording
	}
	c.session.State = core.RecordingClosing
	stopCh := c.stopCh
	doneCh := c.doneCh
	c.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}
	if doneCh != nil {
		select {
		case <-doneCh:
		case <-time.After(5 * time.Second):
			log.Printf("recording: stream %s: write loop did not exit within grace period", c.streamID)
		}
	}

	c.mu.Lock()
	summary := &SessionSummary{
		SessionID: c.session.SessionID,
		Segments:  append([]core.Segment(nil), c.session.CompletedSegments...),
		StartedAt: c.session.StartedAt,
		StoppedAt: time.Now(),
	}
	c.session.State = core.RecordingIdle
	c.mu.Unlock()

	c.events.Publish(core.Event{Type: core.EventRecordingStopped, StreamID: c.streamID, Payload: summary.SessionID})
	return summary, nil
}

// Pause suspends writing without closing the session (§4.3 state machine).
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || c.session.State != core.RecordingActive {
		return core.ErrNotRecording
	}
	c.session.State = core.RecordingPaused
	return nil
}

// Resume opens a new keyframe-aligned segment and continues (§4.3,
// "Paused → Recording on resume (new segment; keyframe-aligned)").
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || c.session.State != core.RecordingPaused {
		return core.ErrNotRecording
	}
	c.session.State = core.RecordingActive
	c.session.ActiveSegment = nil // forces writeLoop to wait for next keyframe
	return nil
}

// State returns the current session state, or Idle if none.
func (c *Controller) State() core.RecordingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return core.RecordingIdle
	}
	return c.session.State
}

func (c *Controller) enterStalled() {
	c.mu.Lock()
	if c.session != nil {
		c.session.State = core.RecordingStalledNoStorage
	}
	c.mu.Unlock()
	c.events.Publish(core.Event{Type: core.EventRecordingStalled, StreamID: c.streamID})
}

// writeLoop consumes frames from the fan-out queue, opens/rotates/closes
// segments, and applies the volume hot-swap protocol. It runs until Stop
// closes stopCh or the fan-out channel closes (source stopped). retiring is
// non-nil only when the controller was built WithHotSwap; its events
// trigger an immediate forced rotation instead of waiting for the next
// scheduled one (§4.3 Hot-swap).
func (c *Controller) writeLoop(fanout branch.Fanout, retiring *eventbus.Subscription) {
	defer func() {
		if retiring != nil {
			retiring.Close()
		}
		c.mu.Lock()
		doneCh := c.doneCh
		c.mu.Unlock()
		if doneCh != nil {
			close(doneCh)
		}
	}()

	c.mu.Lock()
	c.session.State = core.RecordingArming
	stopCh := c.stopCh
	c.mu.Unlock()

	var segStart time.Time
	var segBytes int64
	waitingForKeyframe := true

	var retiringCh <-chan core.Event
	if retiring != nil {
		retiringCh = retiring.C()
	}

	doRotate := func() error {
		c.closeActiveSegment()
		waitingForKeyframe = true
		return c.rotateVolume()
	}

	for {
		select {
		case <-stopCh:
			c.closeActiveSegment()
			return

		case ev, ok := <-retiringCh:
			if !ok {
				retiringCh = nil
				continue
			}
			c.mu.Lock()
			current := c.session.TargetVolume
			hasActive := c.session.ActiveSegment != nil
			c.mu.Unlock()
			if hasActive && ev.Payload == current {
				if err := doRotate(); err != nil {
					c.enterStalled()
					return
				}
			}

		case fr, ok := <-fanout.Frames():
			if !ok {
				c.closeActiveSegment()
				return
			}

			c.mu.Lock()
			state := c.session.State
			segOpen := c.session.ActiveSegment != nil
			c.mu.Unlock()
			if state == core.RecordingPaused {
				continue
			}
			// Resume clears ActiveSegment: the next segment opens only at
			// the next keyframe.
			if !segOpen && !waitingForKeyframe {
				waitingForKeyframe = true
			}

			if waitingForKeyframe {
				if !fr.Keyframe {
					c.bufferSwapFrame(fr)
					continue
				}
				segStart = time.Now()
				segBytes = 0
				waitingForKeyframe = false
				c.mu.Lock()
				c.session.State = core.RecordingActive
				c.session.ActiveSegment = &core.Segment{StartWallclock: segStart, FirstKeyframePresent: true}
				c.mu.Unlock()
				if dropped := c.drainSwapBuffer(); dropped > 0 {
					c.events.Publish(core.Event{
						Type:     core.EventErrorOccurred,
						StreamID: c.streamID,
						Payload:  fmt.Sprintf("hot-swap: dropped %d frames beyond swap_buffer_ceiling", dropped),
					})
				}
			}

			segBytes += int64(fr.Bytes)
			c.mu.Lock()
			if c.session.ActiveSegment != nil {
				c.session.ActiveSegment.ByteSize = segBytes
				c.session.ActiveSegment.Duration = time.Since(segStart)
			}
			vol := c.session.TargetVolume
			c.mu.Unlock()

			if vol != "" {
				_ = c.volumes.ReportWrite(vol, int64(fr.Bytes))
			}

			rotate := (c.opts.MaxSegmentDuration > 0 && time.Since(segStart) >= c.opts.MaxSegmentDuration) ||
				(c.opts.MaxSegmentBytes > 0 && segBytes >= c.opts.MaxSegmentBytes)
			if rotate {
				if err := doRotate(); err != nil {
					c.enterStalled()
					return
				}
			}
		}
	}
}

// bufferSwapFrame holds a frame that arrived while no segment is open
// (between a close and the next keyframe, §4.3 Hot-swap). It cannot be
// written — a segment may only start at a keyframe — but it counts against
// swap_buffer_ceiling so a swap episode that runs long reports exactly how
// much was lost instead of silently dropping everything.
func (c *Controller) bufferSwapFrame(fr branch.Frame) {
	ceiling := c.opts.SwapBufferCeiling
	if ceiling <= 0 {
		c.mu.Lock()
		c.swapDropped++
		c.mu.Unlock()
		return
	}
	c.mu.Lock()
	c.swapBuf = append(c.swapBuf, fr)
	if len(c.swapBuf) > ceiling {
		c.swapBuf = c.swapBuf[1:]
		c.swapDropped++
	}
	c.mu.Unlock()
}

// drainSwapBuffer clears the swap buffer once a new segment has opened and
// returns how many frames were dropped beyond the ceiling during the gap.
func (c *Controller) drainSwapBuffer() int {
	c.mu.Lock()
	dropped := c.swapDropped
	c.swapBuf = nil
	c.swapDropped = 0
	c.mu.Unlock()
	return dropped
}

// rotateVolume re-runs volume selection at every rotation (§4.3) and
// advances the segment index. It does no buffering itself: frames that
// arrive before the next keyframe go through bufferSwapFrame in writeLoop.
// This implementation always re-selects; selection naturally prefers the
// current volume when it remains healthy.
func (c *Controller) rotateVolume() error {
	c.mu.Lock()
	current := c.session.TargetVolume
	c.mu.Unlock()

	next, err := c.volumes.SelectVolume(current, c.opts.SegmentReserve)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.session.TargetVolume = next
	c.segIndex++
	c.mu.Unlock()
	return nil
}

func (c *Controller) closeActiveSegment() {
	c.mu.Lock()
	seg := c.session.ActiveSegment
	if seg == nil {
		c.mu.Unlock()
		return
	}
	seg.Path = c.opts.SegmentPathFunc(c.streamID, c.session.SessionID, c.segIndex, seg.StartWallclock)
	sessionID := c.session.SessionID
	volumeID := c.session.TargetVolume
	c.session.CompletedSegments = append(c.session.CompletedSegments, *seg)
	c.session.ActiveSegment = nil
	c.mu.Unlock()

	if err := c.catalog.FinalizeSegment(context.Background(), c.streamID, sessionID, volumeID, *seg); err != nil {
		log.Printf("recording: finalize segment %s: %v", seg.Path, err)
		return
	}
	c.events.Publish(core.Event{Type: core.EventSegmentFinalized, StreamID: c.streamID, Payload: seg.Path})

	c.enforceRetention(context.Background())
}

// enforceRetention deletes oldest-first cataloged segments until max_age,
// max_bytes_per_stream, and min_free_per_volume all hold (§4.3 Retention).
// Deletion is journaled in the State Store before the filesystem unlink, so
// a crash mid-delete never leaves a cataloged-but-missing file.
func (c *Controller) enforceRetention(ctx context.Context) {
	policy := c.opts.Retention
	if policy.MaxAge <= 0 && policy.MaxBytesPerStream <= 0 && policy.MinFreePerVolume <= 0 {
		return
	}

	segs, err := c.catalog.ListCatalogedSegments(ctx, c.streamID)
	if err != nil {
		log.Printf("recording: %s: retention: list segments: %v", c.streamID, err)
		return
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].StartWallclock.Before(segs[j].StartWallclock) })

	var total int64
	for _, s := range segs {
		total += s.ByteSize
	}

	satisfied := func() bool {
		if policy.MaxBytesPerStream > 0 && total > policy.MaxBytesPerStream {
			return false
		}
		if policy.MaxAge > 0 && len(segs) > 0 && time.Since(segs[0].StartWallclock) > policy.MaxAge {
			return false
		}
		if policy.MinFreePerVolume > 0 {
			seen := map[string]bool{}
			for _, s := range segs {
				if s.VolumeID == "" || seen[s.VolumeID] {
					continue
				}
				seen[s.VolumeID] = true
				free, err := c.volumes.FreeSpace(s.VolumeID)
				if err == nil && free < policy.MinFreePerVolume {
					return false
				}
			}
		}
		return true
	}

	for len(segs) > 0 && !satisfied() {
		oldest := segs[0]
		if err := c.catalog.DeleteCatalogedSegment(ctx, c.streamID, oldest.Path); err != nil {
			log.Printf("recording: %s: retention: journal delete %s: %v", c.streamID, oldest.Path, err)
			return
		}
		if err := c.deleter.Remove(oldest.Path); err != nil && !os.IsNotExist(err) {
			log.Printf("recording: %s: retention: unlink %s: %v", c.streamID, oldest.Path, err)
		}
		if oldest.VolumeID != "" {
			_ = c.volumes.ReportDelete(oldest.VolumeID, oldest.ByteSize)
		}
		total -= oldest.ByteSize
		segs = segs[1:]
	}
}
