// Package postgres is the optional HA State Store backend (§6): PostgreSQL
// via pgx/v5 (pure Go, no CGO) with embedded golang-migrate migrations,
// selected when the operator points the daemon at a postgres:// DSN instead
// of a local SQLite file.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/duskvale/streamd/core"
	"github.com/duskvale/streamd/recording"
	"github.com/duskvale/streamd/statestore"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const eventRetentionLimit = 20000

// DB implements statestore.Store using PostgreSQL via pgx/v5.
type DB struct {
	pool *pgxpool.Pool
}

// Open creates a connection pool, runs pending migrations, and returns a
// ready DB.
func Open(ctx context.Context, dsn string) (*DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	if err := runMigrations(dsn); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	return &DB{pool: pool}, nil
}

func runMigrations(dsn string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("iofs source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, toMigrateURL(dsn))
	if err != nil {
		return fmt.Errorf("migrate.New: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// toMigrateURL converts a postgres:// or postgresql:// DSN to the pgx5://
// scheme golang-migrate's pgx/v5 driver expects.
func toMigrateURL(dsn string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + dsn[len(prefix):]
		}
	}
	return "pgx5://" + dsn
}

func (d *DB) Close() error {
	d.pool.Close()
	return nil
}

// ---- stream definitions ----

func (d *DB) SaveDefinition(ctx context.Context, def core.StreamDefinition) error {
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
	_, err = d.pool.Exec(ctx, `
		INSERT INTO streams (id, source_uri, reconnect_policy, branch_template, labels, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (id) DO UPDATE SET
			source_uri       = excluded.source_uri,
			reconnect_policy = excluded.reconnect_policy,
			branch_template  = excluded.branch_template,
			labels           = excluded.labels,
			updated_at       = now()
	`, string(def.ID), def.SourceURI, policy, branches, labels)
	return err
}

func (d *DB) DeleteDefinition(ctx context.Context, id core.StreamId) error {
	_, err := d.pool.Exec(ctx, `DELETE FROM streams WHERE id = $1`, string(id))
	return err
}

func (d *DB) GetDefinition(ctx context.Context, id core.StreamId) (core.StreamDefinition, error) {
	row := d.pool.QueryRow(ctx,
		`SELECT id, source_uri, reconnect_policy, branch_template, labels FROM streams WHERE id = $1`, string(id))
	def, err := scanDefinition(row)
	if err == pgx.ErrNoRows {
		return core.StreamDefinition{}, core.ErrNotFound
	}
	return def, err
}

func (d *DB) ListDefinitions(ctx context.Context) ([]core.StreamDefinition, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT id, source_uri, reconnect_policy, branch_template, labels FROM streams ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.StreamDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row rowScanner) (core.StreamDefinition, error) {
	var def core.StreamDefinition
	var id string
	var policy, branches, labels []byte
	if err := row.Scan(&id, &def.SourceURI, &policy, &branches, &labels); err != nil {
		return core.StreamDefinition{}, err
	}
	def.ID = core.StreamId(id)
	_ = json.Unmarshal(policy, &def.ReconnectPolicy)
	_ = json.Unmarshal(branches, &def.BranchSetTemplate)
	_ = json.Unmarshal(labels, &def.Labels)
	return def, nil
}

// ---- supervisor checkpoints ----

func (d *DB) SaveCheckpoint(ctx context.Context, streamID core.StreamId, state core.SupervisorState, recordOnReady bool) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO checkpoints (stream_id, state, record_on_ready, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (stream_id) DO UPDATE SET
			state = excluded.state, record_on_ready = excluded.record_on_ready, updated_at = now()
	`, string(streamID), string(state), recordOnReady)
	return err
}

func (d *DB) ListCheckpoints(ctx context.Context) ([]statestore.Checkpoint, error) {
	rows, err := d.pool.Query(ctx, `SELECT stream_id, state, record_on_ready, updated_at FROM checkpoints`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []statestore.Checkpoint
	for rows.Next() {
		var streamID, state string
		var ror bool
		var updatedAt time.Time
		if err := rows.Scan(&streamID, &state, &ror, &updatedAt); err != nil {
			return nil, err
		}
		out = append(out, statestore.Checkpoint{
			StreamID:      core.StreamId(streamID),
			State:         core.SupervisorState(state),
			RecordOnReady: ror,
			UpdatedAt:     updatedAt,
		})
	}
	return out, rows.Err()
}

// ---- recording catalog ----

func (d *DB) FinalizeSegment(ctx context.Context, streamID core.StreamId, sessionID, volumeID string, seg core.Segment) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO segments (stream_id, session_id, volume_id, path, start_wallclock, duration_ns, byte_size, first_keyframe_present, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'cataloged')
		ON CONFLICT (path) DO UPDATE SET
			duration_ns = excluded.duration_ns, byte_size = excluded.byte_size, status = 'cataloged'
	`, string(streamID), sessionID, volumeID, seg.Path, seg.StartWallclock, seg.Duration.Nanoseconds(), seg.ByteSize, seg.FirstKeyframePresent)
	return err
}

func (d *DB) MarkOrphaned(ctx context.Context, path string) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO segments (stream_id, session_id, volume_id, path, start_wallclock, duration_ns, byte_size, first_keyframe_present, status)
		VALUES ('', '', '', $1, now(), 0, 0, false, 'orphaned')
		ON CONFLICT (path) DO UPDATE SET status = 'orphaned'
	`, path)
	return err
}

func (d *DB) ListCatalogedSegments(ctx context.Context, streamID core.StreamId) ([]recording.CatalogedSegment, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT volume_id, path, start_wallclock, duration_ns, byte_size, first_keyframe_present
		FROM segments WHERE stream_id = $1 AND status = 'cataloged' ORDER BY start_wallclock
	`, string(streamID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []recording.CatalogedSegment
	for rows.Next() {
		var cs recording.CatalogedSegment
		var durNs int64
		if err := rows.Scan(&cs.VolumeID, &cs.Path, &cs.StartWallclock, &durNs, &cs.ByteSize, &cs.FirstKeyframePresent); err != nil {
			return nil, err
		}
		cs.Duration = time.Duration(durNs)
		out = append(out, cs)
	}
	return out, rows.Err()
}

func (d *DB) DeleteCatalogedSegment(ctx context.Context, streamID core.StreamId, path string) error {
	_, err := d.pool.Exec(ctx, `DELETE FROM segments WHERE stream_id = $1 AND path = $2`, string(streamID), path)
	return err
}

func (d *DB) ListRecordings(ctx context.Context, filter statestore.RecordingFilter) ([]statestore.CatalogRow, error) {
	q := `SELECT stream_id, session_id, volume_id, path, start_wallclock, duration_ns, byte_size, first_keyframe_present, status FROM segments WHERE true`
	var args []any
	argN := 1
	if filter.StreamID != "" {
		argN++
		q += fmt.Sprintf(" AND stream_id = $%d", argN-1)
		args = append(args, string(filter.StreamID))
	}
	if !filter.Since.IsZero() {
		argN++
		q += fmt.Sprintf(" AND start_wallclock >= $%d", argN-1)
		args = append(args, filter.Since)
	}
	if !filter.Until.IsZero() {
		argN++
		q += fmt.Sprintf(" AND start_wallclock <= $%d", argN-1)
		args = append(args, filter.Until)
	}
	q += ` ORDER BY start_wallclock DESC`

	rows, err := d.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []statestore.CatalogRow
	for rows.Next() {
		var r statestore.CatalogRow
		var streamID, status string
		var durNs int64
		if err := rows.Scan(&streamID, &r.SessionID, &r.VolumeID, &r.Segment.Path, &r.Segment.StartWallclock, &durNs, &r.Segment.ByteSize, &r.Segment.FirstKeyframePresent, &status); err != nil {
			return nil, err
		}
		r.StreamID = core.StreamId(streamID)
		r.Segment.Duration = time.Duration(durNs)
		r.Status = statestore.SegmentStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (d *DB) ReconcilePaths(ctx context.Context, onDisk map[string]struct{}) ([]statestore.CatalogRow, error) {
	rows, err := d.pool.Query(ctx, `
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
		var streamID, status string
		var durNs int64
		if err := rows.Scan(&streamID, &r.SessionID, &r.VolumeID, &r.Segment.Path, &r.Segment.StartWallclock, &durNs, &r.Segment.ByteSize, &r.Segment.FirstKeyframePresent, &status); err != nil {
			return nil, err
		}
		seen[r.Segment.Path] = true
		r.StreamID = core.StreamId(streamID)
		r.Segment.Duration = time.Duration(durNs)
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

func (d *DB) SaveVolumeSnapshot(ctx context.Context, v core.Volume) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO volumes (id, mount_root, capacity_bytes, used_bytes, priority, health, retiring, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (id) DO UPDATE SET
			mount_root = excluded.mount_root, capacity_bytes = excluded.capacity_bytes,
			used_bytes = excluded.used_bytes, priority = excluded.priority,
			health = excluded.health, retiring = excluded.retiring, updated_at = now()
	`, v.ID, v.MountRoot, v.CapacityBytes, v.UsedBytes, v.Priority, string(v.Health), v.Retiring)
	return err
}

func (d *DB) ListVolumeSnapshots(ctx context.Context) ([]core.Volume, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT id, mount_root, capacity_bytes, used_bytes, priority, health, retiring FROM volumes ORDER BY priority DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Volume
	for rows.Next() {
		var v core.Volume
		var health string
		if err := rows.Scan(&v.ID, &v.MountRoot, &v.CapacityBytes, &v.UsedBytes, &v.Priority, &health, &v.Retiring); err != nil {
			return nil, err
		}
		v.Health = core.VolumeHealth(health)
		out = append(out, v)
	}
	return out, rows.Err()
}

// ---- bounded-retention event log ----

func (d *DB) AppendEvent(ctx context.Context, e core.Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return err
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err = d.pool.Exec(ctx, `
		INSERT INTO events (event_id, ts, event_type, stream_id, payload) VALUES ($1, $2, $3, $4, $5)
	`, e.ID, ts, string(e.Type), string(e.StreamID), payload)
	if err != nil {
		return err
	}
	_, err = d.pool.Exec(ctx, `
		DELETE FROM events WHERE id NOT IN (SELECT id FROM events ORDER BY id DESC LIMIT $1)
	`, eventRetentionLimit)
	return err
}

func (d *DB) RecentEvents(ctx context.Context, limit int) ([]core.Event, error) {
	if limit <= 0 || limit > eventRetentionLimit {
		limit = eventRetentionLimit
	}
	rows, err := d.pool.Query(ctx,
		`SELECT event_id, ts, event_type, stream_id, payload FROM events ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Event
	for rows.Next() {
		var ev core.Event
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.Type, &ev.StreamID, &payload); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(payload, &ev.Payload)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ---- ambient config ----

func (d *DB) GetConfig(ctx context.Context) (map[string]any, error) {
	var raw []byte
	err := d.pool.QueryRow(ctx, `SELECT data FROM config WHERE id = 1`).Scan(&raw)
	if err == pgx.ErrNoRows {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (d *DB) SetConfig(ctx context.Context, data map[string]any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = d.pool.Exec(ctx, `
		INSERT INTO config (id, data) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET data = excluded.data
	`, raw)
	return err
}
