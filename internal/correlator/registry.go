package correlator

import (
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/dgnsrekt/swharness/internal/types"
)

// Subscriber consumes a tab's navigation-relevant CDP events. A tab has
// exactly one Subscriber for the lifetime of its debugging session.
type Subscriber interface {
	OnNetworkResponse(ev *network.EventResponseReceived) error
	OnNavigationComplete(ev *page.EventFrameNavigated)
}

var _ Subscriber = (*Registry)(nil)

type entry struct {
	gen        uint64
	correlator *Correlator
}

// Registry maps frame ids to the Correlator armed for their current
// navigation. Starting a frame again replaces its entry; the replaced
// Correlator is detached and can never be resolved.
type Registry struct {
	timeout time.Duration

	mu      sync.Mutex
	gen     uint64
	entries map[cdp.FrameID]entry
}

// NewRegistry creates a Registry whose correlators time out after timeout.
func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Registry{
		timeout: timeout,
		entries: make(map[cdp.FrameID]entry),
	}
}

// Timeout returns the per-navigation join window.
func (r *Registry) Timeout() time.Duration { return r.timeout }

// Start arms a new Correlator for frameID and returns its future.
func (r *Registry) Start(frameID cdp.FrameID) *Pending {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.gen++
	gen := r.gen
	c := newCorrelator(frameID, r.timeout, func() { r.release(frameID, gen) })

	if prev, ok := r.entries[frameID]; ok {
		prev.correlator.supersede()
		slog.Debug("navigation superseded", "frame_id", frameID, "generation", prev.gen)
	}
	r.entries[frameID] = entry{gen: gen, correlator: c}
	return c.Start()
}

// OnNetworkResponse routes a response to its frame's Correlator. Responses
// without a frame id break the frame-scoped event contract and are reported
// as a PROTOCOL_VIOLATION; responses for frames with no armed navigation are
// dropped.
func (r *Registry) OnNetworkResponse(ev *network.EventResponseReceived) error {
	if ev == nil || ev.FrameID == "" {
		var requestID network.RequestID
		if ev != nil {
			requestID = ev.RequestID
		}
		return types.NewError(types.CodeProtocolViolation,
			"network response without frame id (request "+string(requestID)+")", nil)
	}

	c := r.lookup(ev.FrameID)
	if c == nil {
		slog.Debug("unroutable network response", "frame_id", ev.FrameID, "request_id", ev.RequestID)
		return nil
	}
	c.OnNetworkResponse(ev)
	return nil
}

// OnNavigationComplete routes a frame navigation to its frame's Correlator.
func (r *Registry) OnNavigationComplete(ev *page.EventFrameNavigated) {
	if ev == nil || ev.Frame == nil {
		return
	}
	c := r.lookup(ev.Frame.ID)
	if c == nil {
		slog.Debug("unroutable frame navigation", "frame_id", ev.Frame.ID, "url", ev.Frame.URL)
		return
	}
	c.OnNavigationComplete(ev)
}

// Abort settles p with err and drops its entry, for navigations that failed
// before any event could arrive. It does nothing when p has already settled
// or a later Start replaced it.
func (r *Registry) Abort(frameID cdp.FrameID, p *Pending, err error) {
	if c := r.lookup(frameID); c != nil {
		c.abort(p, err)
	}
}

// Pending reports whether frameID has an unsettled navigation.
func (r *Registry) Pending(frameID cdp.FrameID) bool {
	return r.lookup(frameID) != nil
}

// Len returns the number of unsettled navigations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) lookup(frameID cdp.FrameID) *Correlator {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[frameID]
	if !ok {
		return nil
	}
	return e.correlator
}

// release drops the entry for frameID if it still belongs to generation gen.
func (r *Registry) release(frameID cdp.FrameID, gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[frameID]; ok && e.gen == gen {
		delete(r.entries, frameID)
	}
}
