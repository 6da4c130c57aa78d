// Package core holds the domain types and error taxonomy shared by every
// other package in streamd: stream identity, health states, events, and the
// sentinel errors that let callers use errors.Is across package boundaries.
package core

import (
	"errors"
	"time"
)

// StreamId is opaque, caller-supplied, and unique in the Registry. It is
// immutable for the stream's lifetime.
type StreamId string

// ReconnectPolicy bounds the Source Driver's reconnect loop.
type ReconnectPolicy struct {
	ConnTimeout    time.Duration `json:"conn_timeout" yaml:"conn_timeout"`
	RestartDelay   time.Duration `json:"restart_delay" yaml:"restart_delay"`
	RestartJitter  time.Duration `json:"restart_jitter" yaml:"restart_jitter"`
	RetryBudget    time.Duration `json:"retry_budget" yaml:"retry_budget"`
}

// BranchTemplate declares one branch to attach when a stream starts.
type BranchTemplate struct {
	Kind     string         `json:"kind"`
	Name     string         `json:"name"`
	Critical bool           `json:"critical"`
	Config   map[string]any `json:"config,omitempty"`
}

// StreamDefinition is the declared intent for one stream. Owned by the
// Registry and persisted; mutations are whole-record replacements.
type StreamDefinition struct {
	ID                StreamId          `json:"id"`
	SourceURI         string            `json:"source_uri"`
	ReconnectPolicy   ReconnectPolicy   `json:"reconnect_policy"`
	BranchSetTemplate []BranchTemplate  `json:"branch_set_template"`
	Labels            map[string]string `json:"labels,omitempty"`
}

// SupervisorState is the Stream Supervisor's lifecycle state (§4.5).
type SupervisorState string

const (
	StatePending    SupervisorState = "pending"
	StateStarting   SupervisorState = "starting"
	StateRunning    SupervisorState = "running"
	StateRetrying   SupervisorState = "retrying"
	StateFailed     SupervisorState = "failed"
	StateStopping   SupervisorState = "stopping"
	StateTerminated SupervisorState = "terminated"
)

// HealthState is the Health Monitor's coarse classification (§4.4).
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
	HealthFailed    HealthState = "failed"
)

// RecordingState is the RecordingSession's state machine (§4.3).
type RecordingState string

const (
	RecordingIdle            RecordingState = "idle"
	RecordingArming          RecordingState = "arming"
	RecordingActive          RecordingState = "recording"
	RecordingPaused          RecordingState = "paused"
	RecordingClosing         RecordingState = "closing"
	RecordingStalledNoStorage RecordingState = "stalled_no_storage"
)

// VolumeHealth is the Storage Manager's classification of a Volume.
type VolumeHealth string

const (
	VolumeHealthy     VolumeHealth = "healthy"
	VolumeDegraded    VolumeHealth = "degraded"
	VolumeUnavailable VolumeHealth = "unavailable"
)

// EventType is the closed set of event kinds delivered to subscribers (§6).
type EventType string

const (
	EventStreamAdded         EventType = "stream_added"
	EventStreamRemoved       EventType = "stream_removed"
	EventStreamStateChanged  EventType = "stream_state_changed"
	EventStreamHealthChanged EventType = "stream_health_changed"
	EventRecordingStarted    EventType = "recording_started"
	EventRecordingStopped    EventType = "recording_stopped"
	EventRecordingStalled    EventType = "recording_stalled"
	EventSegmentFinalized    EventType = "segment_finalized"
	EventVolumeRetiring      EventType = "volume_retiring"
	EventVolumeUnavailable   EventType = "volume_unavailable"
	EventSubscriberOverflow  EventType = "subscriber_overflow"
	EventErrorOccurred       EventType = "error_occurred"
)

// Event is immutable and append-only through the Event Bus.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"event_type"`
	StreamID  StreamId  `json:"stream_id,omitempty"`
	Payload   any       `json:"data,omitempty"`
}

// Segment is one completed output file (§3).
type Segment struct {
	Path                string        `json:"path"`
	StartWallclock      time.Time     `json:"start_wallclock"`
	Duration            time.Duration `json:"duration"`
	ByteSize            int64         `json:"byte_size"`
	FirstKeyframePresent bool         `json:"first_keyframe_present"`
}

// RecordingSession is an active recording on one branch (§3).
type RecordingSession struct {
	SessionID         string         `json:"session_id"`
	StreamID          StreamId       `json:"stream_id"`
	TargetVolume      string         `json:"target_volume"`
	SegmentTemplate   string         `json:"segment_template"`
	State             RecordingState `json:"state"`
	ActiveSegment     *Segment       `json:"active_segment,omitempty"`
	CompletedSegments []Segment      `json:"completed_segments,omitempty"`
	StartedAt         time.Time      `json:"started_at"`
}

// Volume is one storage destination (§3). The Storage Manager is the single
// writer of UsedBytes and Health.
type Volume struct {
	ID            string       `json:"id"`
	MountRoot     string       `json:"mount_root"`
	CapacityBytes int64        `json:"capacity_bytes"`
	UsedBytes     int64        `json:"used_bytes"`
	Priority      int          `json:"priority"`
	Health        VolumeHealth `json:"health"`
	Retiring      bool         `json:"retiring"`
}

// RetentionPolicy bounds what the Recording Controller keeps on disk.
type RetentionPolicy struct {
	MaxAge           time.Duration `json:"max_age" yaml:"max_age"`
	MaxBytesPerStream int64        `json:"max_bytes_per_stream" yaml:"max_bytes_per_stream"`
	MinFreePerVolume int64         `json:"min_free_per_volume" yaml:"min_free_per_volume"`
}

// StreamStatus is the snapshot returned by list_streams/get_stream.
type StreamStatus struct {
	ID               StreamId        `json:"id"`
	State            SupervisorState `json:"state"`
	Health           HealthState     `json:"health"`
	RecordingActive  bool            `json:"recording_active"`
	RetryCount       int             `json:"retry_count,omitempty"`
	LastFrameAt      time.Time       `json:"last_frame_wallclock,omitempty"`
	LastRetryReason  string          `json:"last_retry_reason,omitempty"`
	BufferingPercent float64         `json:"buffering_percent,omitempty"`
}

// ---- error taxonomy (§7) ----

var (
	// Input errors: surfaced directly, never retried.
	ErrInvalidURI       = errors.New("invalid source uri")
	ErrIDExists         = errors.New("stream id already exists")
	ErrNotFound         = errors.New("not found")
	ErrCapacityExceeded = errors.New("stream capacity exceeded")

	// Transient source errors: retried within budget.
	ErrSourceUnreachable = errors.New("source unreachable")
	ErrSourceTimeout     = errors.New("source connection timeout")

	// Fatal source errors: no retry.
	ErrSourceIncompatible   = errors.New("source incompatible")
	ErrAuthenticationFailed = errors.New("authentication failed")

	// Branch errors: never propagated to the source.
	ErrBranchCrashed             = errors.New("branch crashed")
	ErrBranchBackpressureExceeded = errors.New("branch backpressure exceeded")

	// Storage errors: recording stalls, stream stays operational.
	ErrVolumeUnavailable = errors.New("volume unavailable")
	ErrNoEligibleVolume  = errors.New("no eligible volume")
	ErrWriteFailed       = errors.New("write failed")

	// Control-plane errors.
	ErrAlreadyRecording = errors.New("already recording")
	ErrNotRecording     = errors.New("not recording")
	ErrNoStorage        = errors.New("no storage available")
	ErrTimeout          = errors.New("operation timed out")
	ErrInProgress       = errors.New("operation already in progress")

	// Internal errors: process exits after persisting a crash marker.
	ErrInvariant = errors.New("invariant violation")
)
