// Package sqlite is the default State Store backend: an embedded
// relational engine via modernc.org/sqlite (pure Go, no CGO), matching the
// inherited codebase's choice for a fully static binary with no C compiler
// dependency.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/duskvale/streamd/core"
	"github.com/duskvale/streamd/recording"
	"github.com/duskvale/streamd/statestore"
)

// eventRetentionLimit bounds the events table per §6, "events (bounded
// retention)" in the catalog schema.
const eventRetentionLimit = 20000

// DB implements statestore.Store using SQLite via database/sql.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies
// migrations.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	// SQLite serializes writes; one connection avoids SQLITE_BUSY under
	// concurrent supervisor checkpoint writers.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &DB{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies the schema. New versions should only ADD statements here
// so existing databases keep working without a migration tool.
func (s *DB) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS streams (
			id               TEXT PRIMARY KEY,
			source_uri       TEXT NOT NULL,
			reconnect_policy TEXT NOT NULL DEFAULT '{}',
			branch_template  TEXT NOT NULL DEFAULT '[]',
			labels           TEXT NOT NULL DEFAULT '{}',
			created_at       TEXT NOT NULL,
			updated_at       TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS checkpoints (
			stream_id       TEXT PRIMARY KEY,
			state           TEXT NOT NULL,
			record_on_ready INTEGER NOT NULL DEFAULT 0,
			updated_at      TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS volumes (
			id             TEXT PRIMARY KEY,
			mount_root     TEXT NOT NULL,
			capacity_bytes INTEGER NOT NULL,
			used_bytes     INTEGER NOT NULL DEFAULT 0,
			priority       INTEGER NOT NULL DEFAULT 0,
			health         TEXT NOT NULL DEFAULT 'healthy',
			retiring       INTEGER NOT NULL DEFAULT 0,
			updated_at     TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS segments (
			id                     INTEGER PRIMARY KEY AUTOINCREMENT,
			stream_id              TEXT NOT NULL,
			session_id             TEXT NOT NULL,
			volume_id              TEXT NOT NULL DEFAULT '',
			path                   TEXT NOT NULL UNIQUE,
			start_wallclock        TEXT NOT NULL,
			duration_ns            INTEGER NOT NULL,
			byte_size              INTEGER NOT NULL,
			first_keyframe_present INTEGER NOT NULL DEFAULT 1,
			status                 TEXT NOT NULL DEFAULT 'cataloged',
			created_at             TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_segments_stream ON segments(stream_id, start_wallclock)`,

		`CREATE TABLE IF NOT EXISTS events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id   TEXT NOT NULL,
			ts         TEXT NOT NULL,
			event_type TEXT NOT NULL,
			stream_id  TEXT NOT NULL DEFAULT '',
			payload    TEXT NOT NULL DEFAULT 'null'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_id ON events(id)`,

		`CREATE TABLE IF NOT EXISTS config (
			id   INTEGER PRIMARY KEY CHECK (id = 1),
			data TEXT NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *DB) Close() error { return s.db.Close() }

func nowStr() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// ---- stream definitions ----

func (s *DB) SaveDefinition(ctx context.Context, def core.StreamDefinition) error {
	policy, err := json.Marshal(def.ReconnectPolicy)
	if err != nil {
		return err
	}
	branches, err := json.Marshal(def.BranchSetTemplate)
	if err != nil {
		return err
	}
	labels, err := json.Marshal(def.Labels)
	if err != nil {
		return err
	}
	now := nowStr()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO streams (id, source_uri, reconnect_policy, branch_template, labels, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source_uri       = excluded.source_uri,
			reconnect_policy = excluded.reconnect_policy,
			branch_template  = excluded.branch_template,
			labels           = excluded.labels,
			updated_at       = excluded.updated_at
	`, string(def.ID), def.SourceURI, string(policy), string(branches), string(labels), now, now)
	return err
}

func (s *DB) DeleteDefinition(ctx context.Context, id core.StreamId) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM streams WHERE id = ?`, string(id))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE stream_id = ?`, string(id))
	return err
}

func (s *DB) GetDefinition(ctx context.Context, id core.StreamId) (core.StreamDefinition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, source_uri, reconnect_policy, branch_template, labels FROM streams WHERE id = ?`, string(id))
	def, err := scanDefinition(row.Scan)
	if err == sql.ErrNoRows {
		return core.StreamDefinition{}, core.ErrNotFound
	}
	return def, err
}

func (s *DB) ListDefinitions(ctx context.Context) ([]core.StreamDefinition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_uri, reconnect_policy, branch_template, labels FROM streams ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.StreamDefinition
	for rows.Next() {
		def, err := scanDefinition(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

type scanFn func(dest ...any) error

func scanDefinition(scan scanFn) (core.StreamDefinition, error) {
	var def core.StreamDefinition
	var id, policy, branches, labels string
	if err := scan(&id, &def.SourceURI, &policy, &branches, &labels); err != nil {
		return core.StreamDefinition{}, err
	}
	def.ID = core.StreamId(id)
	_ = json.Unmarshal([]byte(policy), &def.ReconnectPolicy)
	_ = json.Unmarshal([]byte(branches), &def.BranchSetTemplate)
	_ = json.Unmarshal([]byte(labels), &def.Labels)
	return def, nil
}

// ---- supervisor checkpoints ----

func (s *DB) SaveCheckpoint(ctx context.Context, streamID core.StreamId, state core.SupervisorState, recordOnReady bool) error {
	ror := 0
	if recordOnReady {
		ror = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (stream_id, state, record_on_ready, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(stream_id) DO UPDATE SET
			state = excluded.state, record_on_ready = excluded.record_on_ready, updated_at = excluded.updated_at
	`, string(streamID), string(state), ror, nowStr())
	return err
}

func (s *DB) ListCheckpoints(ctx context.Context) ([]statestore.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT stream_id, state, record_on_ready, updated_at FROM checkpoints`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []statestore.Checkpoint
	for rows.Next() {
		var streamID, state, updatedAt string
		var ror int
		if err := rows.Scan(&streamID, &state, &ror, &updatedAt); err != nil {
			return nil, err
		}
		ts, _ := time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, statestore.Checkpoint{
			StreamID:      core.StreamId(streamID),
			State:         core.SupervisorState(state),
			RecordOnReady: ror != 0,
			UpdatedAt:     ts,
		})
	}
	return out, rows.Err()
}

// ---- recording catalog ----

func (s *DB) FinalizeSegment(ctx context.Context, streamID core.StreamId, sessionID, volumeID string, seg core.Segment) error {
	kf := 0
	if seg.FirstKeyframePresent {
		kf = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO segments (stream_id, session_id, volume_id, path, start_wallclock, duration_ns, byte_size, first_keyframe_present, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'cataloged', ?)
		ON CONFLICT(path) DO UPDATE SET
			duration_ns = excluded.duration_ns, byte_size = excluded.byte_size, status = 'cataloged'
	`, string(streamID), sessionID, volumeID, seg.Path, seg.StartWallclock.UTC().Format(time.RFC3339Nano),
		seg.Duration.Nanoseconds(), seg.ByteSize, kf, nowStr())
	return err
}

func (s *DB) MarkOrphaned(ctx context.Context, path string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO segments (stream_id, session_id, volume_id, path, start_wallclock, duration_ns, byte_size, first_keyframe_present, status, created_at)
		VALUES ('', '', '', ?, ?, 0, 0, 0, 'orphaned', ?)
		ON CONFLICT(path) DO UPDATE SET status = 'orphaned'
	`, path, nowStr(), nowStr())
	return err
}

func (s *DB) ListCatalogedSegments(ctx context.Context, streamID core.StreamId) ([]recording.CatalogedSegment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT volume_id, path, start_wallclock, duration_ns, byte_size, first_keyframe_present
		FROM segments WHERE stream_id = ? AND status = 'cataloged' ORDER BY start_wallclock
	`, string(streamID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []recording.CatalogedSegment
	for rows.Next() {
		var cs recording.CatalogedSegment
		var start string
		var durNs int64
		var kf int
		if err := rows.Scan(&cs.VolumeID, &cs.Path, &start, &durNs, &cs.ByteSize, &kf); err != nil {
			return nil, err
		}
		cs.StartWallclock, _ = time.Parse(time.RFC3339Nano, start)
		cs.Duration = time.Duration(durNs)
		cs.FirstKeyframePresent = kf != 0
		out = append(out, cs)
	}
	return out, rows.Err()
}

func (s *DB) DeleteCatalogedSegment(ctx context.Context, streamID core.StreamId, path string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM segments WHERE stream_id = ? AND path = ?`, string(streamID), path)
	return err
}

func (s *DB) ListRecordings(ctx context.Context, filter statestore.RecordingFilter) ([]statestore.CatalogRow, error) {
	q := `SELECT stream_id, session_id, volume_id, path, start_wallclock, duration_ns, byte_size, first_keyframe_present, status FROM segments WHERE 1=1`
	var args []any
	if filter.StreamID != "" {
		q += ` AND stream_id = ?`
		args = append(args, string(filter.StreamID))
	}
	if !filter.Since.IsZero() {
		q += ` AND start_wallclock >= ?`
		args = append(args, filter.Since.UTC().Format(time.RFC3339Nano))
	}
	if !filter.Until.IsZero() {
		q += ` AND start_wallclock <= ?`
		args = append(args, filter.Until.UTC().Format(time.RFC3339Nano))
	}
	q += ` ORDER BY start_wallclock DESC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []statestore.CatalogRow
	for rows.Next() {
		var r statestore.CatalogRow
		var streamID, start, status string
		var durNs int64
		var kf int
		if err := rows.Scan(&streamID, &r.SessionID, &r.VolumeID, &r.Segment.Path, &start, &durNs, &r.Segment.ByteSize, &kf, &status); err != nil {
			return nil, err
		}
		r.StreamID = core.StreamId(streamID)
		r.Segment.StartWallclock, _ = time.Parse(time.RFC3339Nano, start)
		r.Segment.Duration = time.Duration(durNs)
		r.Segment.FirstKeyframePresent = kf != 0
		r.Status = statestore.SegmentStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ReconcilePaths classifies every cataloged path against what is actually
// on disk (§4.8 Recovery): cataloged-but-missing becomes SegmentLost, and
// entries in onDisk with no catalog row are reported as SegmentOrphaned so
// the caller can journal them via MarkOrphaned.
func (s *DB) ReconcilePaths(ctx context.Context, onDisk map[string]struct{}) ([]statestore.CatalogRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stream_id, session_id, volume_id, path, start_wallclock, duration_ns, byte_size, first_keyframe_present, status
		FROM segments WHERE status = 'cataloged'
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []statestore.CatalogRow
	seen := map[string]bool{}
	for rows.Next() {
		var r statestore.CatalogRow
		var streamID, start, status string
		var durNs int64
		var kf int
		if err := rows.Scan(&streamID, &r.SessionID, &r.VolumeID, &r.Segment.Path, &start, &durNs, &r.Segment.ByteSize, &kf, &status); err != nil {
			return nil, err
		}
		seen[r.Segment.Path] = true
		r.StreamID = core.StreamId(streamID)
		r.Segment.StartWallclock, _ = time.Parse(time.RFC3339Nano, start)
		r.Segment.Duration = time.Duration(durNs)
		r.Segment.FirstKeyframePresent = kf != 0
		if _, present := onDisk[r.Segment.Path]; !present {
			r.Status = statestore.SegmentLost
		} else {
			r.Status = statestore.SegmentCataloged
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for path := range onDisk {
		if !seen[path] {
			out = append(out, statestore.CatalogRow{Segment: core.Segment{Path: path}, Status: statestore.SegmentOrphaned})
		}
	}
	return out, nil
}

// ---- volume catalog ----

func (s *DB) SaveVolumeSnapshot(ctx context.Context, v core.Volume) error {
	retiring := 0
	if v.Retiring {
		retiring = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO volumes (id, mount_root, capacity_bytes, used_bytes, priority, health, retiring, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			mount_root = excluded.mount_root, capacity_bytes = excluded.capacity_bytes,
			used_bytes = excluded.used_bytes, priority = excluded.priority,
			health = excluded.health, retiring = excluded.retiring, updated_at = excluded.updated_at
	`, v.ID, v.MountRoot, v.CapacityBytes, v.UsedBytes, v.Priority, string(v.Health), retiring, nowStr())
	return err
}

func (s *DB) ListVolumeSnapshots(ctx context.Context) ([]core.Volume, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, mount_root, capacity_bytes, used_bytes, priority, health, retiring FROM volumes ORDER BY priority DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Volume
	for rows.Next() {
		var v core.Volume
		var health string
		var retiring int
		if err := rows.Scan(&v.ID, &v.MountRoot, &v.CapacityBytes, &v.UsedBytes, &v.Priority, &health, &retiring); err != nil {
			return nil, err
		}
		v.Health = core.VolumeHealth(health)
		v.Retiring = retiring != 0
		out = append(out, v)
	}
	return out, rows.Err()
}

// ---- bounded-retention event log ----

func (s *DB) AppendEvent(ctx context.Context, e core.Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return err
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (event_id, ts, event_type, stream_id, payload) VALUES (?, ?, ?, ?, ?)
	`, e.ID, ts.UTC().Format(time.RFC3339Nano), string(e.Type), string(e.StreamID), string(payload))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		DELETE FROM events WHERE id NOT IN (SELECT id FROM events ORDER BY id DESC LIMIT ?)
	`, eventRetentionLimit)
	return err
}

func (s *DB) RecentEvents(ctx context.Context, limit int) ([]core.Event, error) {
	if limit <= 0 || limit > eventRetentionLimit {
		limit = eventRetentionLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, ts, event_type, stream_id, payload FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Event
	for rows.Next() {
		var ev core.Event
		var ts, payload string
		if err := rows.Scan(&ev.ID, &ts, &ev.Type, &ev.StreamID, &payload); err != nil {
			return nil, err
		}
		ev.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		_ = json.Unmarshal([]byte(payload), &ev.Payload)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ---- ambient config ----

func (s *DB) GetConfig(ctx context.Context) (map[string]any, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM config WHERE id = 1`).Scan(&raw)
	if err == sql.ErrNoRows {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *DB) SetConfig(ctx context.Context, data map[string]any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO config (id, data) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET data = excluded.data
	`, string(raw))
	return err
}
