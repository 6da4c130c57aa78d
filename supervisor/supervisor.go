// Package supervisor implements the Stream Supervisor (§4.5): the
// authoritative per-stream state machine. Exactly one goroutine per
// Supervisor processes commands and events serially from two input
// channels; no other goroutine may mutate the Supervisor's owned Source
// Driver, Branch Set, or RecordingSession.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/duskvale/streamd/branch"
	"github.com/duskvale/streamd/core"
	"github.com/duskvale/streamd/eventbus"
	"github.com/duskvale/streamd/health"
	"github.com/duskvale/streamd/recording"
	"github.com/duskvale/streamd/sourcedriver"
)

// Publisher is the narrow Event Bus dependency (§4.2 "only approved
// channel through which any component signals any other").
type Publisher interface {
	Publish(core.Event)
}

// EventBus is the Event Bus dependency this package actually needs: publish
// for every transition/error it emits, and subscribe so the Recording
// Controller it builds can react to VolumeRetiring directly (§4.9).
type EventBus interface {
	Publisher
	Subscribe(eventbus.Filter) *eventbus.Subscription
}

// Checkpointer is the State Store's supervisor-checkpoint write path
// (§4.8, "Supervisor checkpoints: last-known state per stream").
type Checkpointer interface {
	SaveCheckpoint(ctx context.Context, streamID core.StreamId, state core.SupervisorState, recordOnReady bool) error
}

// Options bounds one Supervisor's health classification, branch queueing,
// and auto-removal policy.
type Options struct {
	HealthThresholds   health.Thresholds
	HealthTickInterval time.Duration
	RecordingOptions   recording.Options
	DefaultQueueFrames int
	// AutoRemoveAfter is how long the stream may stay Failed before the
	// Supervisor shuts itself down to Terminated. The Registry entry and the
	// persisted definition stay in place and no stream_removed event is
	// published.
	AutoRemoveAfter time.Duration // 0 disables auto-removal
}

func (o Options) withDefaults() Options {
	if o.HealthTickInterval <= 0 {
		o.HealthTickInterval = time.Second
	}
	if o.DefaultQueueFrames <= 0 {
		o.DefaultQueueFrames = 64
	}
	if (o.HealthThresholds == health.Thresholds{}) {
		o.HealthThresholds = health.DefaultThresholds()
	}
	return o
}

// Supervisor is the runtime object for one stream (§3). It owns exactly
// one Source Driver and one Branch Set.
type Supervisor struct {
	id     core.StreamId
	def    core.StreamDefinition
	dialer sourcedriver.Dialer
	volumes recording.VolumeSelector
	catalog recording.Catalog
	checkpoints Checkpointer
	events EventBus
	opts   Options

	cmdCh  chan command
	doneCh chan struct{}

	mu              sync.RWMutex
	state           core.SupervisorState
	healthState     core.HealthState
	recordingActive bool
	recordOnReady   bool
	failedSince     time.Time
	status          sourcedriver.Status

	driver   *sourcedriver.Driver
	branches *branch.Set
	recorder *recording.Controller
	monitor  *health.Monitor
}

// New constructs a Supervisor for one StreamDefinition. Call Run in its own
// goroutine; the Supervisor does not start itself.
func New(
	def core.StreamDefinition,
	dialer sourcedriver.Dialer,
	volumes recording.VolumeSelector,
	catalog recording.Catalog,
	checkpoints Checkpointer,
	events EventBus,
	opts Options,
) *Supervisor {
	opts = opts.withDefaults()
	return &Supervisor{
		id:          def.ID,
		def:         def,
		dialer:      dialer,
		volumes:     volumes,
		catalog:     catalog,
		checkpoints: checkpoints,
		events:      events,
		opts:        opts,
		cmdCh:       make(chan command, 16),
		doneCh:      make(chan struct{}),
		state:       core.StatePending,
		healthState: core.HealthHealthy,
		monitor:     health.New(opts.HealthThresholds),
	}
}

// RecordOnReady seeds the Supervisor with a checkpointed intent to resume
// recording as soon as it reaches Running (§4.8 restart recovery:
// "re-entered as Starting with record_on_ready = true").
func (s *Supervisor) RecordOnReady(v bool) {
	s.mu.Lock()
	s.recordOnReady = v
	s.mu.Unlock()
}

// Done is closed once the Supervisor reaches Terminated.
func (s *Supervisor) Done() <-chan struct{} { return s.doneCh }

// Status returns a snapshot for list_streams/get_stream (§6).
func (s *Supervisor) Status() core.StreamStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return core.StreamStatus{
		ID:               s.id,
		State:            s.state,
		Health:           s.healthState,
		RecordingActive:  s.recordingActive,
		RetryCount:       s.status.RetryCount,
		LastFrameAt:      s.status.LastFrameWallclock,
		LastRetryReason:  s.status.LastRetryReason,
		BufferingPercent: s.status.BufferingPercent,
	}
}

func (s *Supervisor) setState(new core.SupervisorState) {
	s.mu.Lock()
	old := s.state
	s.state = new
	s.mu.Unlock()
	if old == new {
		return
	}
	s.events.Publish(core.Event{Type: core.EventStreamStateChanged, StreamID: s.id, Payload: map[string]string{"from": string(old), "to": string(new)}})
}

// ---- operator commands (§6, §4.5) ----

type command interface{ isCommand() }

type cmdStop struct{ done chan struct{} }
type cmdStartRecording struct{ resultCh chan startRecordingResult }
type cmdStopRecording struct{ resultCh chan stopRecordingResult }
type cmdPause struct{ errCh chan error }
type cmdResume struct{ errCh chan error }

func (cmdStop) isCommand()           {}
func (cmdStartRecording) isCommand() {}
func (cmdStopRecording) isCommand()  {}
func (cmdPause) isCommand()          {}
func (cmdResume) isCommand()         {}

type startRecordingResult struct {
	sessionID string
	err       error
}
type stopRecordingResult struct {
	summary *recording.SessionSummary
	err     error
}

// Stop enqueues the stop command and returns a handle resolving when the
// Supervisor reaches Terminated (§4.6, "asynchronous-to-completion").
// Never cancelable past Stopping (§5): ctx here only bounds enqueue, not
// completion.
func (s *Supervisor) Stop(ctx context.Context) (<-chan struct{}, error) {
	cmd := cmdStop{done: make(chan struct{})}
	select {
	case s.cmdCh <- cmd:
		return s.doneCh, nil
	case <-ctx.Done():
		return nil, core.ErrTimeout
	}
}

// StartRecording implements start_recording (§6).
func (s *Supervisor) StartRecording(ctx context.Context) (string, error) {
	cmd := cmdStartRecording{resultCh: make(chan startRecordingResult, 1)}
	select {
	case s.cmdCh <- cmd:
	case <-ctx.Done():
		return "", core.ErrTimeout
	}
	select {
	case r := <-cmd.resultCh:
		return r.sessionID, r.err
	case <-ctx.Done():
		return "", core.ErrTimeout
	}
}

// StopRecording implements stop_recording (§6).
func (s *Supervisor) StopRecording(ctx context.Context) (*recording.SessionSummary, error) {
	cmd := cmdStopRecording{resultCh: make(chan stopRecordingResult, 1)}
	select {
	case s.cmdCh <- cmd:
	case <-ctx.Done():
		return nil, core.ErrTimeout
	}
	select {
	case r := <-cmd.resultCh:
		return r.summary, r.err
	case <-ctx.Done():
		return nil, core.ErrTimeout
	}
}

// Pause implements the recording pause transition (§4.3).
func (s *Supervisor) Pause(ctx context.Context) error {
	cmd := cmdPause{errCh: make(chan error, 1)}
	select {
	case s.cmdCh <- cmd:
	case <-ctx.Done():
		return core.ErrTimeout
	}
	select {
	case err := <-cmd.errCh:
		return err
	case <-ctx.Done():
		return core.ErrTimeout
	}
}

// Resume implements the recording resume transition (§4.3).
func (s *Supervisor) Resume(ctx context.Context) error {
	cmd := cmdResume{errCh: make(chan error, 1)}
	select {
	case s.cmdCh <- cmd:
	case <-ctx.Done():
		return core.ErrTimeout
	}
	select {
	case err := <-cmd.errCh:
		return err
	case <-ctx.Done():
		return core.ErrTimeout
	}
}

// ---- the single-writer loop ----

// Run is the Supervisor's serial goroutine. It drives Pending through
// Terminated, processing commands and driver/health events in arrival
// order. Callers spawn it with `go sup.Run(ctx)`; canceling ctx is
// equivalent to an operator Stop.
func (s *Supervisor) Run(ctx context.Context) {
	defer close(s.doneCh)

	s.setState(core.StateStarting)
	s.checkpoint(ctx)

	s.branches = branch.NewSet(ctx)
	s.driver = sourcedriver.New(s.def.SourceURI, s.def.ReconnectPolicy, s.dialer, s.branches)

	if err := s.attachBranches(ctx); err != nil {
		log.Printf("supervisor: %s: attach branches: %v", s.id, err)
		s.setState(core.StateFailed)
		s.checkpoint(ctx)
		s.events.Publish(core.Event{Type: core.EventErrorOccurred, StreamID: s.id, Payload: err.Error()})
		s.drainUntilStop(ctx)
		s.finalize(ctx)
		return
	}

	s.driver.Start(ctx)

	ticker := time.NewTicker(s.opts.HealthTickInterval)
	defer ticker.Stop()

	var autoRemoveTimer *time.Timer
	var autoRemoveCh <-chan time.Time
	resetAutoRemove := func(active bool) {
		if s.opts.AutoRemoveAfter <= 0 {
			return
		}
		if autoRemoveTimer != nil {
			autoRemoveTimer.Stop()
			autoRemoveCh = nil
		}
		if active {
			autoRemoveTimer = time.NewTimer(s.opts.AutoRemoveAfter)
			autoRemoveCh = autoRemoveTimer.C
		}
	}

	reachedLive := false
	prevRetryCount := 0

	for {
		select {
		case <-ctx.Done():
			s.shutdown(ctx)
			s.finalize(ctx)
			return

		case cmd := <-s.cmdCh:
			if s.handleCommand(ctx, cmd) {
				s.finalize(ctx)
				return
			}

		case rep, ok := <-s.driver.Failed():
			if !ok {
				continue
			}
			s.handleDriverFailure(ctx, rep)
			if s.currentState() == core.StateFailed {
				resetAutoRemove(true)
			}

		case <-ticker.C:
			st := s.driver.StatusSnapshot()
			s.mu.Lock()
			s.status = st
			s.mu.Unlock()

			if !reachedLive && !st.LastFrameWallclock.IsZero() {
				reachedLive = true
				s.setState(core.StateRunning)
				s.checkpoint(ctx)
				if s.consumeRecordOnReady() {
					if _, err := s.startRecordingLocked(ctx); err != nil {
						log.Printf("supervisor: %s: resume recording: %v", s.id, err)
					}
				}
			}

			rising := st.RetryCount > prevRetryCount
			prevRetryCount = st.RetryCount
			newHealth, changed := s.monitor.Tick(health.Input{
				LastFrameWallclock: st.LastFrameWallclock,
				RetryCountRising:   rising,
			})
			if changed {
				s.mu.Lock()
				s.healthState = newHealth
				s.mu.Unlock()
				s.events.Publish(core.Event{Type: core.EventStreamHealthChanged, StreamID: s.id, Payload: string(newHealth)})
				s.reactToHealth(ctx, newHealth)
				resetAutoRemove(newHealth == core.HealthFailed)
			}

		case <-autoRemoveCh:
			log.Printf("supervisor: %s: auto-removing after sustained Failed health", s.id)
			s.shutdown(ctx)
			s.finalize(ctx)
			return
		}
	}
}

func (s *Supervisor) currentState() core.SupervisorState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Supervisor) consumeRecordOnReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.recordOnReady
	s.recordOnReady = false
	return v
}

// reactToHealth implements the Running<->Retrying<->Failed transitions
// driven by the Health Monitor (§4.5).
func (s *Supervisor) reactToHealth(ctx context.Context, h core.HealthState) {
	switch s.currentState() {
	case core.StateRunning:
		if h == core.HealthUnhealthy {
			s.setState(core.StateRetrying)
			s.checkpoint(ctx)
		} else if h == core.HealthFailed {
			s.setState(core.StateFailed)
			s.checkpoint(ctx)
		}
	case core.StateRetrying:
		switch h {
		case core.HealthHealthy, core.HealthDegraded:
			s.setState(core.StateRunning)
			s.checkpoint(ctx)
		case core.HealthFailed:
			s.setState(core.StateFailed)
			s.checkpoint(ctx)
		}
	}
}

// handleCommand processes one operator command. It returns true when the
// Supervisor should terminate (a Stop command was handled).
func (s *Supervisor) handleCommand(ctx context.Context, cmd command) bool {
	switch c := cmd.(type) {
	case cmdStop:
		s.shutdown(ctx)
		close(c.done)
		return true

	case cmdStartRecording:
		id, err := s.startRecordingLocked(ctx)
		c.resultCh <- startRecordingResult{sessionID: id, err: err}

	case cmdStopRecording:
		if s.recorder == nil {
			c.resultCh <- stopRecordingResult{err: core.ErrNotRecording}
			return false
		}
		summary, err := s.recorder.Stop(ctx)
		if err == nil {
			s.mu.Lock()
			s.recordingActive = false
			s.recordOnReady = false
			s.mu.Unlock()
			s.checkpoint(ctx)
		}
		c.resultCh <- stopRecordingResult{summary: summary, err: err}

	case cmdPause:
		if s.recorder == nil {
			c.errCh <- core.ErrNotRecording
			return false
		}
		c.errCh <- s.recorder.Pause()

	case cmdResume:
		if s.recorder == nil {
			c.errCh <- core.ErrNotRecording
			return false
		}
		c.errCh <- s.recorder.Resume()
	}
	return false
}

func (s *Supervisor) startRecordingLocked(ctx context.Context) (string, error) {
	if s.recorder == nil {
		return "", fmt.Errorf("supervisor: %s: no recording branch configured", s.id)
	}
	id, err := s.recorder.Start(ctx)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.recordingActive = true
	s.recordOnReady = true
	s.mu.Unlock()
	// Persist the recording intent immediately (§4.8 recovery: "a stream
	// that was Running with recording active is re-entered as Starting
	// with record_on_ready = true"), not just on the next state change.
	s.checkpoint(ctx)
	return id, nil
}

func (s *Supervisor) handleDriverFailure(ctx context.Context, rep sourcedriver.FailureReport) {
	log.Printf("supervisor: %s: driver failure: %v (permanent=%v)", s.id, rep.Err, rep.Permanent)
	switch s.currentState() {
	case core.StateStarting:
		s.setState(core.StateFailed)
	case core.StateRunning, core.StateRetrying:
		s.setState(core.StateFailed)
	}
	s.checkpoint(ctx)
	s.events.Publish(core.Event{Type: core.EventErrorOccurred, StreamID: s.id, Payload: rep.Err.Error()})
}

// attachBranches builds the Branch Set from the StreamDefinition's
// template (§3 BranchSetTemplate). The Recording kind is special-cased
// because the Recording Controller is also this Supervisor's operator
// surface for start/stop/pause/resume; every other kind goes through the
// registered branch-attach factory (§6).
func (s *Supervisor) attachBranches(ctx context.Context) error {
	for _, tmpl := range s.def.BranchSetTemplate {
		cfg := branch.Config{
			Name:           tmpl.Name,
			Critical:       tmpl.Critical,
			MaxQueueFrames: s.opts.DefaultQueueFrames,
			Overflow:       branch.DropOldest,
		}
		if tmpl.Critical {
			cfg.Overflow = branch.Backpressure
		}

		if tmpl.Kind == "recording" || tmpl.Kind == "Recording" {
			s.recorder = recording.New(s.id, s.opts.RecordingOptions, s.volumes, s.catalog, s.events).WithHotSwap(s.events)
			if err := s.branches.Attach(tmpl.Name, cfg, s.recorder); err != nil {
				return fmt.Errorf("attach recording branch: %w", err)
			}
			continue
		}

		b, err := branch.Create(ctx, tmpl.Kind, cfg, tmpl.Config)
		if err != nil {
			return fmt.Errorf("create branch %q (%s): %w", tmpl.Name, tmpl.Kind, err)
		}
		if err := s.branches.Attach(tmpl.Name, cfg, b); err != nil {
			return fmt.Errorf("attach branch %q: %w", tmpl.Name, err)
		}
	}
	return nil
}

// shutdown moves the Supervisor to Stopping: the active RecordingSession
// is closed, every branch is detached, and the Source Driver is stopped
// (§4.5, "* -> Stopping").
func (s *Supervisor) shutdown(ctx context.Context) {
	if s.currentState() == core.StateStopping || s.currentState() == core.StateTerminated {
		return
	}
	s.setState(core.StateStopping)
	s.checkpoint(ctx)

	if s.recorder != nil {
		if _, err := s.recorder.Stop(ctx); err != nil && err != core.ErrNotRecording {
			log.Printf("supervisor: %s: stop recording during shutdown: %v", s.id, err)
		}
		s.mu.Lock()
		s.recordingActive = false
		s.mu.Unlock()
	}
	if s.branches != nil {
		s.branches.DetachAll()
	}
	if s.driver != nil {
		s.driver.Stop()
	}
}

// drainUntilStop keeps the command loop alive (replying ErrNotFound-style
// failures to callers) until an operator Stop arrives, for streams that
// failed before reaching Running.
func (s *Supervisor) drainUntilStop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-s.cmdCh:
			if stop, ok := cmd.(cmdStop); ok {
				close(stop.done)
				return
			}
			s.handleCommand(ctx, cmd)
		}
	}
}

func (s *Supervisor) finalize(ctx context.Context) {
	s.setState(core.StateTerminated)
	s.checkpoint(ctx)
}

func (s *Supervisor) checkpoint(ctx context.Context) {
	if s.checkpoints == nil {
		return
	}
	s.mu.RLock()
	state := s.state
	recOnReady := s.recordOnReady
	s.mu.RUnlock()
	if err := s.checkpoints.SaveCheckpoint(ctx, s.id, state, recOnReady); err != nil {
		log.Printf("supervisor: %s: checkpoint: %v", s.id, err)
	}
}
