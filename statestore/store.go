// Package statestore defines the State Store (§4.8): the durable record of
// what the daemon must reconstruct on restart. It persists every
// StreamDefinition, the recording catalog (finalized Segments), Supervisor
// checkpoints, and Volume catalog snapshots, backed by a single durable
// embedded relational engine (statestore/sqlite is the default;
// statestore/postgres is an optional HA backend selected by DSN).
package statestore

import (
	"context"
	"time"

	"github.com/duskvale/streamd/core"
	"github.com/duskvale/streamd/recording"
)

// Checkpoint is a Supervisor's last-known state, sufficient to resume the
// intended lifecycle on restart (§4.8: "a stream that was Running with
// recording active is re-entered as Starting with record_on_ready = true").
type Checkpoint struct {
	StreamID      core.StreamId
	State         core.SupervisorState
	RecordOnReady bool
	UpdatedAt     time.Time
}

// SegmentStatus classifies a cataloged or filesystem-discovered segment
// during startup reconciliation (§4.8 Recovery).
type SegmentStatus string

const (
	SegmentCataloged SegmentStatus = "cataloged"
	SegmentOrphaned  SegmentStatus = "orphaned" // present on disk, never cataloged
	SegmentLost      SegmentStatus = "lost"     // cataloged, missing on disk
)

// CatalogRow is one persisted segment row, joined with its recording
// session and volume for reconciliation and retention.
type CatalogRow struct {
	StreamID  core.StreamId
	SessionID string
	VolumeID  string
	Segment   core.Segment
	Status    SegmentStatus
}

// RecordingFilter narrows list_recordings (§6).
type RecordingFilter struct {
	StreamID  core.StreamId
	Since     time.Time
	Until     time.Time
}

// Store is the full State Store persistence contract. Every method is
// context-aware; state changes are written before they become externally
// observable (§4.8 Write discipline).
type Store interface {
	// ---- stream definitions ----
	SaveDefinition(ctx context.Context, def core.StreamDefinition) error
	DeleteDefinition(ctx context.Context, id core.StreamId) error
	GetDefinition(ctx context.Context, id core.StreamId) (core.StreamDefinition, error)
	ListDefinitions(ctx context.Context) ([]core.StreamDefinition, error)

	// ---- supervisor checkpoints ----
	SaveCheckpoint(ctx context.Context, streamID core.StreamId, state core.SupervisorState, recordOnReady bool) error
	ListCheckpoints(ctx context.Context) ([]Checkpoint, error)

	// ---- recording catalog ----
	FinalizeSegment(ctx context.Context, streamID core.StreamId, sessionID, volumeID string, seg core.Segment) error
	MarkOrphaned(ctx context.Context, path string) error
	ListCatalogedSegments(ctx context.Context, streamID core.StreamId) ([]recording.CatalogedSegment, error)
	DeleteCatalogedSegment(ctx context.Context, streamID core.StreamId, path string) error
	ListRecordings(ctx context.Context, filter RecordingFilter) ([]CatalogRow, error)
	ReconcilePaths(ctx context.Context, onDisk map[string]struct{}) ([]CatalogRow, error)

	// ---- volume catalog ----
	SaveVolumeSnapshot(ctx context.Context, v core.Volume) error
	ListVolumeSnapshots(ctx context.Context) ([]core.Volume, error)

	// ---- bounded-retention event log ----
	AppendEvent(ctx context.Context, e core.Event) error
	RecentEvents(ctx context.Context, limit int) ([]core.Event, error)

	// ---- ambient config (§AMBIENT STACK) ----
	GetConfig(ctx context.Context) (map[string]any, error)
	SetConfig(ctx context.Context, data map[string]any) error

	Close() error
}
