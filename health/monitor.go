// Package health implements the Health Monitor (§4.4): a periodic
// classifier mapping per-stream telemetry to a coarse HealthState, with
// dwell-time hysteresis so a flapping source does not flap the classification.
package health

import (
	"time"

	"github.com/duskvale/streamd/core"
)

// Thresholds configures one stream's classifier.
type Thresholds struct {
	TFrameOK       time.Duration
	TFrameDegraded time.Duration
	TFrameFail     time.Duration
	DwellWorsen    int
	DwellImprove   int
}

// DefaultThresholds mirrors the values used in the worked end-to-end
// scenarios of §8.
func DefaultThresholds() Thresholds {
	return Thresholds{
		TFrameOK:       2 * time.Second,
		TFrameDegraded: 5 * time.Second,
		TFrameFail:     15 * time.Second,
		DwellWorsen:    3,
		DwellImprove:   3,
	}
}

// clock abstracts time for deterministic tests.
type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Input is one tick's worth of telemetry for a stream.
type Input struct {
	LastFrameWallclock   time.Time
	RetryCountRising     bool
	AnyNonCriticalBranchErrored bool
	SourceIncompatible   bool
	SourceBudgetExhausted bool
}

// Monitor classifies a single stream's health across ticks. It is not
// goroutine-safe on its own; the Supervisor owns the only writer (§4.5,
// "single-writer task"), matching how the rest of the core treats
// per-stream state.
type Monitor struct {
	thresholds Thresholds
	clock      clock

	state core.HealthState

	pendingState core.HealthState
	pendingDwell int
}

// New returns a Monitor that starts Healthy.
func New(t Thresholds) *Monitor {
	return &Monitor{thresholds: t, clock: realClock{}, state: core.HealthHealthy}
}

// withClock overrides the clock; used by tests to avoid sleeping real time.
func (m *Monitor) withClock(c clock) *Monitor {
	m.clock = c
	return m
}

// Current returns the last committed HealthState.
func (m *Monitor) Current() core.HealthState { return m.state }

func rank(h core.HealthState) int {
	switch h {
	case core.HealthHealthy:
		return 0
	case core.HealthDegraded:
		return 1
	case core.HealthUnhealthy:
		return 2
	case core.HealthFailed:
		return 3
	default:
		return 0
	}
}

// classify maps one tick's telemetry to a candidate HealthState, ignoring
// dwell time; this is the instantaneous classifier of §4.4.
func (m *Monitor) classify(in Input) core.HealthState {
	if in.SourceIncompatible || in.SourceBudgetExhausted {
		return core.HealthFailed
	}

	// A stream that has never delivered a frame yet is still connecting,
	// not failed: LastFrameWallclock is its zero value until the Source
	// Driver's relay loop sets it on the first frame. Treat that case on
	// its own terms instead of measuring age against the zero time, which
	// would read as an enormous outage from tick one.
	if in.LastFrameWallclock.IsZero() {
		if in.RetryCountRising || in.AnyNonCriticalBranchErrored {
			return core.HealthDegraded
		}
		return core.HealthHealthy
	}

	now := m.clock.Now()
	age := now.Sub(in.LastFrameWallclock)

	switch {
	case age > m.thresholds.TFrameFail:
		return core.HealthFailed
	case age > m.thresholds.TFrameDegraded:
		return core.HealthUnhealthy
	case age > m.thresholds.TFrameOK || in.RetryCountRising || in.AnyNonCriticalBranchErrored:
		return core.HealthDegraded
	default:
		return core.HealthHealthy
	}
}

// Tick evaluates one telemetry sample and returns (newState, transitioned).
// A transition to a worse state requires the candidate to persist for
// DwellWorsen consecutive ticks; a transition to a better state requires
// DwellImprove consecutive ticks. A tick whose candidate differs from the
// pending candidate restarts the count for the new candidate; a tick whose
// candidate equals the current state clears it.
func (m *Monitor) Tick(in Input) (core.HealthState, bool) {
	candidate := m.classify(in)

	if candidate == m.state {
		m.pendingState = ""
		m.pendingDwell = 0
		return m.state, false
	}

	if candidate != m.pendingState {
		m.pendingState = candidate
		m.pendingDwell = 0
	}
	m.pendingDwell++

	worsening := rank(candidate) > rank(m.state)
	required := m.thresholds.DwellImprove
	if worsening {
		required = m.thresholds.DwellWorsen
	}
	if required < 1 {
		required = 1
	}

	if m.pendingDwell < required {
		return m.state, false
	}

	m.state = candidate
	m.pendingState = ""
	m.pendingDwell = 0
	return m.state, true
}
