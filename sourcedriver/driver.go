// Package sourcedriver implements the Source Driver (§4.1): a continuously
// available, decoded media flow from a possibly unreliable remote source,
// encapsulating reconnect strategy so the rest of the core sees one
// observable entity with a stable output surface. The reconnect loop is
// modeled directly on this codebase's own persistent WebSocket client
// (package overseer): dial, on-failure sleep-and-retry, until the caller
// cancels.
package sourcedriver

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/duskvale/streamd/branch"
	"github.com/duskvale/streamd/core"
)

// Conn is one live decoded-frame connection to a source. The media
// framework implements this; the driver only reconnects and relays.
type Conn interface {
	// Frames yields decoded frames until the connection fails or ctx is
	// canceled, at which point it closes.
	Frames(ctx context.Context) (<-chan branch.Frame, error)
	Close() error
}

// Dialer opens a new Conn to a source URI. AuthenticationFailed and
// SourceIncompatible must be returned wrapping core.ErrAuthenticationFailed
// / core.ErrSourceIncompatible so the driver can tell a fatal error apart
// from a transient one (§4.1 failure model).
type Dialer interface {
	Dial(ctx context.Context, sourceURI string, timeout time.Duration) (Conn, error)
}

// Status mirrors the observable fields of §4.1.
type Status struct {
	LastFrameWallclock time.Time
	RetryCount         int
	LastRetryReason    string
	BufferingPercent   float64
	InLiveMode         bool
}

// Driver owns one resilient source connection.
type Driver struct {
	uri    string
	policy core.ReconnectPolicy
	dialer Dialer
	set    *branch.Set

	mu          sync.RWMutex
	status      Status
	startedAt   time.Time
	running     bool

	failedCh chan FailureReport // capacity 1; Supervisor drains it
	cancel   context.CancelFunc
}

// FailureReport is delivered once the driver exhausts its retry budget or
// hits a fatal error, for the Supervisor to act on (§4.5 Starting→Failed,
// Retrying→Failed).
type FailureReport struct {
	Err       error
	Permanent bool // true for every report: fatal errors and an exhausted retry budget
}

// New returns a Driver that has not yet started.
func New(uri string, policy core.ReconnectPolicy, dialer Dialer, set *branch.Set) *Driver {
	return &Driver{
		uri:      uri,
		policy:   policy,
		dialer:   dialer,
		set:      set,
		failedCh: make(chan FailureReport, 1),
	}
}

// Failed is the channel the Supervisor selects on alongside its command
// queue (§5, "Supervisor commands and events suspend only on their own
// bounded input queues").
func (d *Driver) Failed() <-chan FailureReport { return d.failedCh }

// Start begins the reconnect loop in a background goroutine and returns
// once the loop has been launched (start() is idempotent per §4.1; calling
// Start twice on a running driver is a no-op).
func (d *Driver) Start(ctx context.Context) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	d.startedAt = time.Now()
	d.mu.Unlock()

	go d.reconnectLoop(loopCtx)
}

// Stop cancels the reconnect loop. Idempotent; cancellation is clean and
// leaks no file handles or queue memory (§5).
func (d *Driver) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// StatusSnapshot returns the driver's currently observable fields.
func (d *Driver) StatusSnapshot() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status
}

func (d *Driver) reconnectLoop(ctx context.Context) {
	budgetDeadline := time.Now().Add(d.policy.RetryBudget)

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := d.dialer.Dial(ctx, d.uri, d.policy.ConnTimeout)
		if err != nil {
			if d.isFatal(err) {
				d.reportFailure(err, true)
				return
			}
			d.recordRetry(err.Error())
			if time.Now().After(budgetDeadline) {
				d.reportFailure(core.ErrSourceTimeout, true)
				return
			}
			d.sleepWithJitter(ctx)
			continue
		}

		// Connected: reset the retry budget clock and relay frames without
		// requiring branches to detach (§4.1, "pre-existing branches MUST
		// remain attached").
		budgetDeadline = time.Now().Add(d.policy.RetryBudget)
		d.markLive()
		if err := d.relay(ctx, conn); err != nil {
			if d.isFatal(err) {
				conn.Close()
				d.reportFailure(err, true)
				return
			}
			d.recordRetry(err.Error())
		}
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		d.sleepWithJitter(ctx)
	}
}

func (d *Driver) relay(ctx context.Context, conn Conn) error {
	frames, err := conn.Frames(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case fr, ok := <-frames:
			if !ok {
				if lastErr, hasLastErr := conn.(interface{ LastError() error }); hasLastErr {
					if err := lastErr.LastError(); err != nil {
						return err
					}
				}
				return errors.New("source connection closed")
			}
			d.mu.Lock()
			d.status.LastFrameWallclock = time.Now()
			d.status.InLiveMode = true
			d.mu.Unlock()
			d.set.Feed(fr)
		}
	}
}

func (d *Driver) isFatal(err error) bool {
	return errors.Is(err, core.ErrSourceIncompatible) || errors.Is(err, core.ErrAuthenticationFailed)
}

func (d *Driver) recordRetry(reason string) {
	d.mu.Lock()
	d.status.RetryCount++
	d.status.LastRetryReason = reason
	d.status.InLiveMode = false
	d.mu.Unlock()
	log.Printf("sourcedriver: retry %d for %s: %s", d.status.RetryCount, d.uri, reason)
}

func (d *Driver) markLive() {
	d.mu.Lock()
	d.status.InLiveMode = true
	d.mu.Unlock()
}

func (d *Driver) reportFailure(err error, permanent bool) {
	log.Printf("sourcedriver: %s failed permanently: %v", d.uri, err)
	select {
	case d.failedCh <- FailureReport{Err: err, Permanent: permanent}:
	default:
	}
}

func (d *Driver) sleepWithJitter(ctx context.Context) {
	delay := d.policy.RestartDelay
	if d.policy.RestartJitter > 0 {
		delay += time.Duration(rand.Int63n(int64(d.policy.RestartJitter)))
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
