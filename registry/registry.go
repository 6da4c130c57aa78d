// Package registry implements the Registry (§4.6): the single entry point
// for add_stream/remove_stream/mutate_stream/list_streams/get_stream, and
// the process-wide gate for all Supervisor membership changes. Reads use a
// lock-free copy-on-write snapshot of the id->Supervisor map so list_streams
// and get_stream never block a concurrent add_stream/remove_stream.
package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/duskvale/streamd/core"
	"github.com/duskvale/streamd/recording"
	"github.com/duskvale/streamd/sourcedriver"
	"github.com/duskvale/streamd/supervisor"
)

// DefinitionStore is the State Store's StreamDefinition persistence path
// (§4.8, "All StreamDefinitions").
type DefinitionStore interface {
	SaveDefinition(ctx context.Context, def core.StreamDefinition) error
	DeleteDefinition(ctx context.Context, id core.StreamId) error
}

// Dependencies bundles everything a new Supervisor needs, constant across
// every stream the Registry spawns.
type Dependencies struct {
	Dialer      sourcedriver.Dialer
	Volumes     recording.VolumeSelector
	Catalog     recording.Catalog
	Checkpoints supervisor.Checkpointer
	Events      supervisor.EventBus
	Opts        supervisor.Options
}

// entry pairs a live Supervisor with the context that cancels its Run loop,
// so remove_stream and process shutdown have a way to unwind it.
type entry struct {
	sup    *supervisor.Supervisor
	cancel context.CancelFunc
}

// Registry is the process-wide map of stream-id -> Supervisor.
type Registry struct {
	defStore DefinitionStore
	deps     Dependencies
	maxStreams int

	mu       sync.Mutex // serializes membership changes only
	snapshot atomic.Pointer[map[core.StreamId]*entry]

	runCtx context.Context
}

// New returns an empty Registry. runCtx is the parent context for every
// Supervisor's Run loop; canceling it stops every stream (process
// shutdown). maxStreams <= 0 means unbounded.
func New(runCtx context.Context, defStore DefinitionStore, deps Dependencies, maxStreams int) *Registry {
	r := &Registry{defStore: defStore, deps: deps, maxStreams: maxStreams, runCtx: runCtx}
	empty := map[core.StreamId]*entry{}
	r.snapshot.Store(&empty)
	return r
}

func (r *Registry) load() map[core.StreamId]*entry {
	return *r.snapshot.Load()
}

// replace installs a new snapshot built from mutate, which receives a copy
// of the current map to edit. Caller must hold r.mu.
func (r *Registry) replace(mutate func(map[core.StreamId]*entry)) {
	cur := r.load()
	next := make(map[core.StreamId]*entry, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	mutate(next)
	r.snapshot.Store(&next)
}

// AddStream implements add_stream (§6). It is rejected if def.ID already
// exists, and if capacity is exceeded. The definition is persisted before
// the Supervisor spawns. Spawning has no synchronous failure path: the
// Supervisor runs in its own goroutine, and a failure there (such as a
// branch that cannot attach) leaves the stream Failed with its persisted
// record kept; nothing is rolled back.
func (r *Registry) AddStream(ctx context.Context, def core.StreamDefinition) (core.StreamId, error) {
	if def.ID == "" {
		return "", core.ErrInvalidURI
	}
	if def.SourceURI == "" {
		return "", core.ErrInvalidURI
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.load()
	if _, exists := cur[def.ID]; exists {
		return "", core.ErrIDExists
	}
	if r.maxStreams > 0 && len(cur) >= r.maxStreams {
		return "", core.ErrCapacityExceeded
	}

	if err := r.defStore.SaveDefinition(ctx, def); err != nil {
		return "", fmt.Errorf("registry: persist definition: %w", err)
	}

	sup := supervisor.New(def, r.deps.Dialer, r.deps.Volumes, r.deps.Catalog, r.deps.Checkpoints, r.deps.Events, r.deps.Opts)
	supCtx, cancel := context.WithCancel(r.runCtx)

	r.replace(func(m map[core.StreamId]*entry) {
		m[def.ID] = &entry{sup: sup, cancel: cancel}
	})

	go sup.Run(supCtx)

	r.deps.Events.Publish(core.Event{Type: core.EventStreamAdded, StreamID: def.ID})
	return def.ID, nil
}

// RemoveStream implements remove_stream (§6): synchronous to the
// Supervisor accepting the stop command, asynchronous to Terminated. The
// returned handle resolves when the Supervisor has fully terminated, at
// which point the entry is dropped from the snapshot and the persisted
// definition is deleted.
func (r *Registry) RemoveStream(ctx context.Context, id core.StreamId) (<-chan struct{}, error) {
	cur := r.load()
	e, ok := cur[id]
	if !ok {
		return nil, core.ErrNotFound
	}

	done, err := e.sup.Stop(ctx)
	if err != nil {
		return nil, err
	}

	handle := make(chan struct{})
	go func() {
		<-done
		r.mu.Lock()
		r.replace(func(m map[core.StreamId]*entry) { delete(m, id) })
		r.mu.Unlock()
		if err := r.defStore.DeleteDefinition(context.Background(), id); err != nil {
			// Best-effort: the definition row is left behind. A later
			// add_stream with the same id overwrites it (SaveDefinition
			// upserts); until then, startup recovery re-spawns the stream
			// from it.
			_ = err
		}
		r.deps.Events.Publish(core.Event{Type: core.EventStreamRemoved, StreamID: id})
		close(handle)
	}()
	return handle, nil
}

// MutateStream replaces a stream's declared intent. Per §3, mutations are
// whole-record replacements under the Registry lock; the running
// Supervisor is left untouched (it continues under its prior definition
// until the operator removes and re-adds the stream; live-reconfiguration
// of a running Supervisor is not defined).
func (r *Registry) MutateStream(ctx context.Context, def core.StreamDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.load()
	if _, ok := cur[def.ID]; !ok {
		return core.ErrNotFound
	}
	return r.defStore.SaveDefinition(ctx, def)
}

// GetStream implements get_stream (§6).
func (r *Registry) GetStream(id core.StreamId) (core.StreamStatus, error) {
	cur := r.load()
	e, ok := cur[id]
	if !ok {
		return core.StreamStatus{}, core.ErrNotFound
	}
	return e.sup.Status(), nil
}

// ListStreams implements list_streams (§6): a point-in-time snapshot that
// never blocks a concurrent writer.
func (r *Registry) ListStreams() []core.StreamStatus {
	cur := r.load()
	out := make([]core.StreamStatus, 0, len(cur))
	for _, e := range cur {
		out = append(out, e.sup.Status())
	}
	return out
}

// Supervisor returns the live Supervisor for id, for callers (the Control
// API) that need start_recording/stop_recording/pause/resume access. The
// bool is false if no such stream exists.
func (r *Registry) Supervisor(id core.StreamId) (*supervisor.Supervisor, bool) {
	cur := r.load()
	e, ok := cur[id]
	if !ok {
		return nil, false
	}
	return e.sup, true
}

// Restore re-spawns a Supervisor for a StreamDefinition recovered from the
// State Store at startup (§4.8 Recovery), seeded with the checkpointed
// intent. Unlike AddStream it does not persist the definition (it is
// already durable), does not check for an existing id or the stream cap,
// and publishes no stream_added event.
func (r *Registry) Restore(def core.StreamDefinition, recordOnReady bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sup := supervisor.New(def, r.deps.Dialer, r.deps.Volumes, r.deps.Catalog, r.deps.Checkpoints, r.deps.Events, r.deps.Opts)
	sup.RecordOnReady(recordOnReady)
	supCtx, cancel := context.WithCancel(r.runCtx)

	r.replace(func(m map[core.StreamId]*entry) {
		m[def.ID] = &entry{sup: sup, cancel: cancel}
	})
	go sup.Run(supCtx)
}

// Len returns the current stream count, mainly for diagnostics and
// capacity checks from outside AddStream's own lock.
func (r *Registry) Len() int {
	return len(r.load())
}
