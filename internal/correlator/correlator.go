// Package correlator joins the two unordered CDP event streams that together
// describe a completed navigation: Network.responseReceived and
// Page.frameNavigated. A Correlator handles one navigation; a Registry routes
// a tab's shared event stream to the Correlator armed for each frame.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/dgnsrekt/swharness/internal/types"
)

// DefaultTimeout bounds how long a navigation may wait for both events.
const DefaultTimeout = 10 * time.Second

// ErrTimedOut is the cause carried by every navigation timeout.
var ErrTimedOut = errors.New("timed out")

type state int

const (
	stateIdle state = iota
	stateArmed
	stateResolved
	stateTimedOut
	stateAborted
)

// Result is the joined outcome of one navigation.
type Result struct {
	Network *network.EventResponseReceived
	Frame   *cdp.Frame
}

// Pending is a single-resolution future for a navigation Result.
type Pending struct {
	done   chan struct{}
	result Result
	err    error
}

func newPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

// Done is closed once the navigation resolves or times out.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Result returns the outcome. It must only be called after Done is closed.
func (p *Pending) Result() (Result, error) {
	return p.result, p.err
}

// Wait blocks until the navigation settles or ctx ends.
func (p *Pending) Wait(ctx context.Context) (Result, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return Result{}, context.Cause(ctx)
	}
}

// Correlator joins exactly one network response and one frame navigation for
// a single frame into a Result.
type Correlator struct {
	frameID  cdp.FrameID
	timeout  time.Duration
	onSettle func()

	mu         sync.Mutex
	state      state
	superseded bool
	pending    *Pending
	timer      *time.Timer
	network    *network.EventResponseReceived
	frame      *cdp.Frame
	startedAt  time.Time
}

// New creates an idle Correlator for frameID. A non-positive timeout selects
// DefaultTimeout.
func New(frameID cdp.FrameID, timeout time.Duration) *Correlator {
	return newCorrelator(frameID, timeout, nil)
}

func newCorrelator(frameID cdp.FrameID, timeout time.Duration, onSettle func()) *Correlator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Correlator{
		frameID:  frameID,
		timeout:  timeout,
		onSettle: onSettle,
	}
}

// FrameID returns the frame this correlator joins events for.
func (c *Correlator) FrameID() cdp.FrameID { return c.frameID }

// Start arms the timeout and returns the navigation future. Only the first
// call arms; later calls return the same future.
func (c *Correlator) Start() *Pending {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateIdle {
		return c.pending
	}
	c.state = stateArmed
	c.pending = newPending()
	c.startedAt = time.Now()
	c.timer = time.AfterFunc(c.timeout, c.expire)
	return c.pending
}

// OnNetworkResponse records the network half of the join. A later response
// replaces an earlier one until the join fires.
func (c *Correlator) OnNetworkResponse(ev *network.EventResponseReceived) {
	if ev == nil {
		return
	}
	c.mu.Lock()
	if !c.acceptingLocked() {
		c.mu.Unlock()
		return
	}
	c.network = ev
	resolved := c.tryResolveLocked()
	c.mu.Unlock()

	if resolved {
		c.settled()
	}
}

// OnNavigationComplete records the frame half of the join.
func (c *Correlator) OnNavigationComplete(ev *page.EventFrameNavigated) {
	if ev == nil || ev.Frame == nil {
		return
	}
	c.mu.Lock()
	if !c.acceptingLocked() {
		c.mu.Unlock()
		return
	}
	c.frame = ev.Frame
	resolved := c.tryResolveLocked()
	c.mu.Unlock()

	if resolved {
		c.settled()
	}
}

// supersede detaches the correlator from further events. Its future is left
// to its own timer.
func (c *Correlator) supersede() {
	c.mu.Lock()
	c.superseded = true
	c.mu.Unlock()
}

// abort settles p with err if p is still the armed future of c.
func (c *Correlator) abort(p *Pending, err error) bool {
	c.mu.Lock()
	if c.state != stateArmed || c.pending != p {
		c.mu.Unlock()
		return false
	}
	c.state = stateAborted
	c.timer.Stop()
	c.pending.err = err
	close(c.pending.done)
	c.mu.Unlock()

	slog.Debug("navigation aborted", "frame_id", c.frameID, "error", err)
	c.settled()
	return true
}

func (c *Correlator) acceptingLocked() bool {
	return c.state == stateArmed && !c.superseded
}

func (c *Correlator) tryResolveLocked() bool {
	if c.network == nil || c.frame == nil {
		return false
	}
	c.state = stateResolved
	c.timer.Stop()
	c.pending.result = Result{Network: c.network, Frame: c.frame}
	close(c.pending.done)

	slog.Debug("navigation joined",
		"frame_id", c.frameID,
		"request_id", c.network.RequestID,
		"duration_ms", time.Since(c.startedAt).Milliseconds(),
	)
	return true
}

func (c *Correlator) expire() {
	c.mu.Lock()
	if c.state != stateArmed {
		c.mu.Unlock()
		return
	}
	c.state = stateTimedOut
	msg := fmt.Sprintf("navigation of frame %s not joined within %s (network=%t frame=%t)",
		c.frameID, c.timeout, c.network != nil, c.frame != nil)
	c.pending.err = types.NewError(types.CodeNavigationTimeout, msg, ErrTimedOut)
	close(c.pending.done)
	c.mu.Unlock()

	slog.Warn("navigation timed out", "frame_id", c.frameID, "timeout", c.timeout)
	c.settled()
}

func (c *Correlator) settled() {
	if c.onSettle != nil {
		c.onSettle()
	}
}
