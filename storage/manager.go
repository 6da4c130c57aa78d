// Package storage implements the Storage Manager (§4.9): volume accounting
// and placement advice. It is the single writer of a Volume's UsedBytes and
// Health fields; every other component calls through this package's API
// rather than mutating a Volume directly. It deletes no segments: retention
// is enforced by the Recording Controller, which reads FreeSpace from here.
package storage

import (
	"context"
	"log"
	"sort"
	"sync"

	"github.com/duskvale/streamd/core"
)

// healthProbeConcurrency bounds how many volumes are health-checked at once
// during a health_tick, the same bounded-concurrency dispatch idiom used
// elsewhere in this codebase for mass operations against many targets.
const healthProbeConcurrency = 5

// Prober checks one volume's live health and free space. The concrete
// implementation (statfs, NFS ping, etc.) is supplied by the caller; this
// package only orchestrates it.
type Prober interface {
	Probe(ctx context.Context, mountRoot string) (free int64, health core.VolumeHealth, err error)
}

// Manager owns the Volume set.
type Manager struct {
	mu      sync.RWMutex
	volumes map[string]*core.Volume
	prober  Prober
	events  Publisher
}

// Publisher is the subset of eventbus.Bus the Storage Manager needs, kept
// as a narrow interface so this package does not import eventbus directly
// (avoids a dependency cycle with packages that configure both).
type Publisher interface {
	Publish(core.Event)
}

// New returns an empty Manager.
func New(prober Prober, events Publisher) *Manager {
	return &Manager{volumes: make(map[string]*core.Volume), prober: prober, events: events}
}

// AddVolume registers a volume the controller may place recordings on.
func (m *Manager) AddVolume(v core.Volume) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v.Health = core.VolumeHealthy
	m.volumes[v.ID] = &v
}

// SelectVolume implements the deterministic selection policy of §4.3:
// prefer the current volume if healthy and has room, else the
// highest-priority healthy volume with room (equal priorities go to the
// lowest volume ID), else NoEligibleVolume.
func (m *Manager) SelectVolume(current string, segmentReserve int64) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if current != "" {
		if v, ok := m.volumes[current]; ok && m.eligible(v, segmentReserve) {
			return v.ID, nil
		}
	}

	var candidates []*core.Volume
	for _, v := range m.volumes {
		if m.eligible(v, segmentReserve) {
			candidates = append(candidates, v)
		}
	}
	if len(candidates) == 0 {
		return "", core.ErrNoEligibleVolume
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0].ID, nil
}

func (m *Manager) eligible(v *core.Volume, segmentReserve int64) bool {
	if v.Health != core.VolumeHealthy || v.Retiring {
		return false
	}
	free := v.CapacityBytes - v.UsedBytes
	return free >= segmentReserve
}

// ReportWrite is the single path to increase a volume's UsedBytes.
func (m *Manager) ReportWrite(volumeID string, bytes int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.volumes[volumeID]
	if !ok {
		return core.ErrVolumeUnavailable
	}
	v.UsedBytes += bytes
	return nil
}

// ReportDelete is the single path to decrease a volume's UsedBytes.
func (m *Manager) ReportDelete(volumeID string, bytes int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.volumes[volumeID]
	if !ok {
		return core.ErrVolumeUnavailable
	}
	v.UsedBytes -= bytes
	if v.UsedBytes < 0 {
		v.UsedBytes = 0
	}
	return nil
}

// MarkRetiring flags a volume for imminent removal and emits VolumeRetiring
// so in-flight recording sessions can hot-swap away from it.
func (m *Manager) MarkRetiring(volumeID string) error {
	m.mu.Lock()
	v, ok := m.volumes[volumeID]
	if ok {
		v.Retiring = true
	}
	m.mu.Unlock()
	if !ok {
		return core.ErrVolumeUnavailable
	}
	m.events.Publish(core.Event{Type: core.EventVolumeRetiring, Payload: volumeID})
	return nil
}

// FreeSpace returns a volume's current free bytes, for the Recording
// Controller's retention enforcer to check `min_free_per_volume` (§4.3).
func (m *Manager) FreeSpace(volumeID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.volumes[volumeID]
	if !ok {
		return 0, core.ErrVolumeUnavailable
	}
	return v.CapacityBytes - v.UsedBytes, nil
}

// Volume returns a copy of one volume's current accounting.
func (m *Manager) Volume(id string) (core.Volume, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.volumes[id]
	if !ok {
		return core.Volume{}, false
	}
	return *v, true
}

// Volumes returns a snapshot of all volumes.
func (m *Manager) Volumes() []core.Volume {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.Volume, 0, len(m.volumes))
	for _, v := range m.volumes {
		out = append(out, *v)
	}
	return out
}

// HealthTick probes every volume concurrently, bounded by
// healthProbeConcurrency, and reclassifies each one. A volume that becomes
// Unavailable is excluded from future SelectVolume calls but stays in the
// catalog.
func (m *Manager) HealthTick(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.volumes))
	roots := make(map[string]string, len(m.volumes))
	for id, v := range m.volumes {
		ids = append(ids, id)
		roots[id] = v.MountRoot
	}
	m.mu.RUnlock()

	sem := make(chan struct{}, healthProbeConcurrency)
	var wg sync.WaitGroup
	for _, id := range ids {
		id := id
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			m.probeOne(ctx, id, roots[id])
		}()
	}
	wg.Wait()
}

func (m *Manager) probeOne(ctx context.Context, id, mountRoot string) {
	_, health, err := m.prober.Probe(ctx, mountRoot)
	if err != nil {
		log.Printf("storage: probe volume %s: %v", id, err)
		health = core.VolumeUnavailable
	}

	m.mu.Lock()
	v, ok := m.volumes[id]
	var wasHealthy bool
	if ok {
		wasHealthy = v.Health != core.VolumeUnavailable
		v.Health = health
	}
	m.mu.Unlock()

	if ok && wasHealthy && health == core.VolumeUnavailable {
		m.events.Publish(core.Event{Type: core.EventVolumeUnavailable, Payload: id})
	}
}
