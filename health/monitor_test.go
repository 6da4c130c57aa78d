package health

import (
	"testing"
	"time"

	"github.com/duskvale/streamd/core"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time { return f.t }

func TestDwellPreventsFlapping(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	m := New(Thresholds{
		TFrameOK:       2 * time.Second,
		TFrameDegraded: 5 * time.Second,
		TFrameFail:     15 * time.Second,
		DwellWorsen:    3,
		DwellImprove:   3,
	}).withClock(clk)

	// First two ticks show degraded conditions: should not transition yet.
	for i := 0; i < 2; i++ {
		clk.t = clk.t.Add(time.Second)
		state, transitioned := m.Tick(Input{LastFrameWallclock: clk.t.Add(-3 * time.Second)})
		if transitioned {
			t.Fatalf("tick %d: unexpected transition to %v before dwell elapsed", i, state)
		}
		if state != core.HealthHealthy {
			t.Fatalf("tick %d: expected still Healthy, got %v", i, state)
		}
	}

	// Third consecutive degraded tick: dwell satisfied.
	clk.t = clk.t.Add(time.Second)
	state, transitioned := m.Tick(Input{LastFrameWallclock: clk.t.Add(-3 * time.Second)})
	if !transitioned || state != core.HealthDegraded {
		t.Fatalf("expected transition to Degraded on 3rd tick, got %v (transitioned=%v)", state, transitioned)
	}
}

func TestFlappingSourceStaysDegradedNotUnhealthy(t *testing.T) {
	// Flapping source: disconnects every 3s for 2s;
	// T_frame_degraded=5s so momentary gaps never cross into Unhealthy.
	clk := &fakeClock{t: time.Unix(2000, 0)}
	m := New(DefaultThresholds()).withClock(clk)

	for i := 0; i < 20; i++ {
		clk.t = clk.t.Add(500 * time.Millisecond)
		gap := time.Duration(i%6) * 500 * time.Millisecond // oscillates 0..2.5s
		state, _ := m.Tick(Input{LastFrameWallclock: clk.t.Add(-gap)})
		if state == core.HealthUnhealthy || state == core.HealthFailed {
			t.Fatalf("tick %d: expected never worse than Degraded under flapping, got %v", i, state)
		}
	}
}

func TestNeverConnectedStreamStaysHealthyNotFailed(t *testing.T) {
	// A brand-new stream has a zero LastFrameWallclock until its first frame
	// arrives (sourcedriver only sets it in relay). That must read as "still
	// connecting", not as an outage older than every threshold.
	clk := &fakeClock{t: time.Unix(4000, 0)}
	m := New(DefaultThresholds()).withClock(clk)

	for i := 0; i < 10; i++ {
		clk.t = clk.t.Add(time.Second)
		state, transitioned := m.Tick(Input{})
		if transitioned || state != core.HealthHealthy {
			t.Fatalf("tick %d: expected to stay Healthy before first frame, got %v (transitioned=%v)", i, state, transitioned)
		}
	}
}

func TestSourceIncompatibleIsImmediatelyFailed(t *testing.T) {
	clk := &fakeClock{t: time.Unix(3000, 0)}
	m := New(DefaultThresholds()).withClock(clk)
	m.thresholds.DwellWorsen = 1

	state, transitioned := m.Tick(Input{LastFrameWallclock: clk.t, SourceIncompatible: true})
	if !transitioned || state != core.HealthFailed {
		t.Fatalf("expected immediate Failed on SourceIncompatible, got %v (transitioned=%v)", state, transitioned)
	}
}
