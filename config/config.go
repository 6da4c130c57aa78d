// Package config manages the daemon's live tunables.
// Defaults are loaded from an embedded YAML file; the live config is stored
// in a single State Store row and read/written via the ConfigStore
// interface.
package config

import (
	"context"
	_ "embed"
	"encoding/json"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed config.default.yaml
var defaultYAML []byte

// Data holds the serialisable global configuration: the Source Driver's
// reconnect budget, the Health Monitor's thresholds and dwell counters, the
// Recording Controller's rotation/retention policy, and the Storage
// Manager's placement margin.
type Data struct {
	// Source Driver reconnect policy (§4.1).
	ConnTimeoutMS   int `json:"t_conn_ms"    yaml:"t_conn_ms"`
	RestartDelayMS  int `json:"t_restart_ms" yaml:"t_restart_ms"`
	RestartJitterMS int `json:"restart_jitter_ms" yaml:"restart_jitter_ms"`
	RetryBudgetMS   int `json:"t_budget_ms"  yaml:"t_budget_ms"`

	// Health Monitor thresholds (§4.4).
	FrameOKMS       int `json:"t_frame_ok_ms"       yaml:"t_frame_ok_ms"`
	FrameDegradedMS int `json:"t_frame_degraded_ms" yaml:"t_frame_degraded_ms"`
	FrameFailMS     int `json:"t_frame_fail_ms"     yaml:"t_frame_fail_ms"`
	DwellWorsen     int `json:"dwell_worsen"        yaml:"dwell_worsen"`
	DwellImprove    int `json:"dwell_improve"       yaml:"dwell_improve"`
	HealthTickMS    int `json:"health_tick_ms"      yaml:"health_tick_ms"`

	// Recording Controller rotation (§4.3).
	MaxSegmentDurationMS int64 `json:"max_duration_ms" yaml:"max_duration_ms"`
	MaxSegmentBytes      int64 `json:"max_bytes"       yaml:"max_bytes"`
	SegmentReserveBytes  int64 `json:"segment_reserve" yaml:"segment_reserve"`
	SwapBufferCeilingPct int   `json:"swap_buffer_ceiling" yaml:"swap_buffer_ceiling"`

	// Retention policy (§3 RetentionPolicy), applied per stream.
	RetentionMaxAgeMS        int64 `json:"retention_max_age_ms"        yaml:"retention_max_age_ms"`
	RetentionMaxBytesPerSet  int64 `json:"retention_max_bytes_per_set" yaml:"retention_max_bytes_per_set"`
	RetentionMinFreePerVol   int64 `json:"retention_min_free_per_vol"  yaml:"retention_min_free_per_vol"`

	// Registry capacity (§4.6).
	MaxStreams int `json:"max_streams" yaml:"max_streams"`

	// Auto-removal of sustained-Failed streams (§4.5), 0 disables it.
	AutoRemoveAfterMS int64 `json:"auto_remove_after_ms" yaml:"auto_remove_after_ms"`
}

// ConfigStore is the persistence interface for the live config row.
// Implemented by statestore/sqlite.DB and statestore/postgres.DB; defined
// here to avoid a circular import with statestore.
type ConfigStore interface {
	GetConfig(ctx context.Context) (map[string]any, error)
	SetConfig(ctx context.Context, data map[string]any) error
}

// Global is a thread-safe, State-Store-backed wrapper around Data.
type Global struct {
	mu   sync.RWMutex
	data Data
	st   ConfigStore
}

// Load initializes Global from the State Store.
// If the stored row is empty/missing, the embedded default YAML is seeded.
func Load(ctx context.Context, st ConfigStore) (*Global, error) {
	g := &Global{st: st, data: defaults()}

	raw, err := st.GetConfig(ctx)
	if err != nil {
		return nil, err
	}

	if len(raw) == 0 {
		if err := g.persistDefaults(ctx); err != nil {
			return nil, err
		}
		return g, nil
	}

	// Re-serialize the map -> JSON -> Data so we benefit from json tags.
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, &g.data); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Global) persistDefaults(ctx context.Context) error {
	b, err := json.Marshal(g.data)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	return g.st.SetConfig(ctx, m)
}

// defaults returns the built-in configuration by parsing the embedded YAML.
func defaults() Data {
	var d Data
	_ = yaml.Unmarshal(defaultYAML, &d)
	return d
}

// Get returns a thread-safe copy of the current configuration.
func (g *Global) Get() Data {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.data
}

// Set replaces the configuration and persists it to the State Store.
func (g *Global) Set(ctx context.Context, d Data) error {
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	if err := g.st.SetConfig(ctx, m); err != nil {
		return err
	}
	g.mu.Lock()
	g.data = d
	g.mu.Unlock()
	return nil
}
