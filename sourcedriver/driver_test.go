package sourcedriver

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/duskvale/streamd/branch"
	"github.com/duskvale/streamd/core"
)

type fakeConn struct {
	frames chan branch.Frame
}

func (c *fakeConn) Frames(ctx context.Context) (<-chan branch.Frame, error) { return c.frames, nil }
func (c *fakeConn) Close() error                                           { return nil }

type flakyDialer struct {
	failuresBeforeSuccess int
	attempts              atomic.Int32
}

func (d *flakyDialer) Dial(ctx context.Context, uri string, timeout time.Duration) (Conn, error) {
	n := d.attempts.Add(1)
	if int(n) <= d.failuresBeforeSuccess {
		return nil, fmt.Errorf("transient dial failure %d", n)
	}
	ch := make(chan branch.Frame, 1)
	ch <- branch.Frame{Keyframe: true}
	return &fakeConn{frames: ch}, nil
}

type fatalDialer struct{}

func (fatalDialer) Dial(ctx context.Context, uri string, timeout time.Duration) (Conn, error) {
	return nil, fmt.Errorf("bad credentials: %w", core.ErrAuthenticationFailed)
}

func TestDriverRetriesTransientFailuresThenSucceeds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	set := branch.NewSet(ctx)
	dialer := &flakyDialer{failuresBeforeSuccess: 2}
	d := New("rtsp://host/s", core.ReconnectPolicy{
		ConnTimeout:  time.Second,
		RestartDelay: time.Millisecond,
		RetryBudget:  time.Minute,
	}, dialer, set)

	d.Start(ctx)
	defer d.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if d.StatusSnapshot().InLiveMode {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("expected driver to reach live mode after retries, attempts=%d", dialer.attempts.Load())
}

func TestDriverReportsFatalFailureImmediately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	set := branch.NewSet(ctx)
	d := New("rtsp://host/s", core.ReconnectPolicy{
		ConnTimeout:  time.Second,
		RestartDelay: time.Millisecond,
		RetryBudget:  time.Minute,
	}, fatalDialer{}, set)

	d.Start(ctx)
	defer d.Stop()

	select {
	case report := <-d.Failed():
		if !report.Permanent {
			t.Fatalf("expected permanent failure, got %+v", report)
		}
	case <-time.After(time.Second):
		t.Fatal("expected immediate fatal failure report, got none")
	}
}
