// Package harness drives service worker scenarios against a remote browser:
// Env wraps one tab, App tracks the session's tabs, and Session owns the
// browser and test server lifecycle around a test function.
package harness

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/serviceworker"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/dgnsrekt/swharness/internal/correlator"
	"github.com/dgnsrekt/swharness/internal/types"
	"github.com/dgnsrekt/swharness/internal/workerstate"
)

// Recorder receives diagnostics for observed navigations and worker versions.
type Recorder interface {
	RecordNavigation(rec types.NavigationRecord)
	RecordVersion(rec types.VersionRecord)
}

// EnvOptions configures every Env an App builds.
type EnvOptions struct {
	NavTimeout time.Duration
	Recorder   Recorder
	// MaxBodyBytes caps the body preview handed to Recorder. Zero records
	// the whole body.
	MaxBodyBytes int
}

// NavigationResult is a joined navigation plus the document body.
type NavigationResult struct {
	Network *network.EventResponseReceived
	Frame   *cdp.Frame
	Body    []byte
}

// ServedByWorker reports whether the document came from a service worker.
func (r *NavigationResult) ServedByWorker() bool {
	return r != nil && r.Network != nil && r.Network.Response != nil && r.Network.Response.FromServiceWorker
}

// Contains reports whether the body contains marker.
func (r *NavigationResult) Contains(marker string) bool {
	return r != nil && bytes.Contains(r.Body, []byte(marker))
}

// Env is the per-tab facade: the correlator registry and version tracker fed
// by the tab's event stream, plus direct protocol access.
type Env struct {
	tabID   target.ID
	rootURL string
	proto   Protocol

	registry     *correlator.Registry
	tracker      *workerstate.Tracker
	recorder     Recorder
	maxBodyBytes int

	ctx  context.Context
	fail context.CancelCauseFunc

	mu      sync.Mutex
	lastURL string

	closeOnce sync.Once
	closeTab  context.CancelFunc
}

// BuildEnv attaches to the chromedp tab context, subscribes to its events and
// enables the domains the harness consumes.
func BuildEnv(ctx context.Context, tabCtx context.Context, tabID target.ID, rootURL string, opts EnvOptions) (*Env, error) {
	// The first Run attaches to the target and must use the tab context itself.
	if err := chromedp.Run(tabCtx); err != nil {
		return nil, types.NewError(types.CodeCDPUnavailable, "attach to tab "+string(tabID), err)
	}

	e := newEnv(tabCtx, tabID, rootURL, nil, opts)
	e.proto = newTabProtocol(e.ctx)
	chromedp.ListenTarget(tabCtx, e.handleEvent)

	if err := e.proto.Enable(ctx); err != nil {
		e.fail(err)
		return nil, fmt.Errorf("enable domains on tab %s: %w", tabID, err)
	}
	slog.Info("tab environment ready", "tab_id", tabID, "root_url", rootURL)
	return e, nil
}

func newEnv(parent context.Context, tabID target.ID, rootURL string, proto Protocol, opts EnvOptions) *Env {
	e := &Env{
		tabID:    tabID,
		rootURL:  rootURL,
		proto:    proto,
		registry: correlator.NewRegistry(opts.NavTimeout),
		tracker:  workerstate.NewTracker(),
		recorder: opts.Recorder,

		maxBodyBytes: opts.MaxBodyBytes,
	}
	e.ctx, e.fail = context.WithCancelCause(parent)
	if e.recorder != nil {
		e.tracker.OnRecord(e.recordVersion)
	}
	return e
}

// handleEvent is the tab's sole event subscriber.
func (e *Env) handleEvent(ev any) {
	switch ev := ev.(type) {
	case *network.EventResponseReceived:
		if err := e.registry.OnNetworkResponse(ev); err != nil {
			slog.Error("aborting tab on protocol violation", "tab_id", e.tabID, "error", err)
			e.fail(err)
		}
	case *page.EventFrameNavigated:
		e.registry.OnNavigationComplete(ev)
	case *serviceworker.EventWorkerVersionUpdated:
		e.tracker.OnVersionsUpdated(ev)
	case *serviceworker.EventWorkerErrorReported:
		e.tracker.OnErrorReported(ev)
	}
}

// TabID returns the target this Env is attached to.
func (e *Env) TabID() target.ID { return e.tabID }

// RootURL returns the configured default navigation target.
func (e *Env) RootURL() string { return e.rootURL }

// Versions returns the tab's worker version tracker.
func (e *Env) Versions() *workerstate.Tracker { return e.tracker }

// Registry returns the tab's navigation correlator registry.
func (e *Env) Registry() *correlator.Registry { return e.registry }

// Protocol returns the raw protocol handle for the tab.
func (e *Env) Protocol() Protocol { return e.proto }

// Err returns the cause that aborted the tab, if any.
func (e *Env) Err() error {
	if e.ctx.Err() == nil {
		return nil
	}
	return context.Cause(e.ctx)
}

// Navigate loads dest (or the root URL when dest is empty) in the top
// frame and returns once both the network response and the frame navigation
// have been observed. Failures are returned as-is; nothing is retried.
func (e *Env) Navigate(ctx context.Context, dest string) (*NavigationResult, error) {
	if dest == "" {
		dest = e.rootURL
	}
	if dest == "" {
		return nil, types.NewError(types.CodeValidation, "no navigation url and no root url configured", nil)
	}
	if err := e.Err(); err != nil {
		return nil, err
	}

	started := time.Now()
	frameID, err := e.proto.TopFrameID(ctx)
	if err != nil {
		return nil, fmt.Errorf("navigate %s: get frame tree: %w", dest, err)
	}

	// Arm before navigating; events for an unarmed frame are dropped.
	pending := e.registry.Start(frameID)

	if err := e.proto.Navigate(ctx, dest); err != nil {
		e.registry.Abort(frameID, pending, err)
		e.recordNavigation(frameID, dest, nil, nil, started, err)
		return nil, fmt.Errorf("navigate %s: %w", dest, err)
	}

	var joined correlator.Result
	select {
	case <-pending.Done():
		joined, err = pending.Result()
	case <-ctx.Done():
		err = context.Cause(ctx)
	case <-e.ctx.Done():
		err = context.Cause(e.ctx)
	}
	if err != nil {
		e.registry.Abort(frameID, pending, err)
		e.recordNavigation(frameID, dest, nil, nil, started, err)
		return nil, fmt.Errorf("navigate %s: %w", dest, err)
	}

	body, err := e.proto.ResponseBody(ctx, joined.Network.RequestID)
	if err != nil {
		e.recordNavigation(frameID, dest, joined.Network, nil, started, err)
		return nil, fmt.Errorf("navigate %s: get response body: %w", dest, err)
	}
	e.recordNavigation(frameID, dest, joined.Network, body, started, nil)

	e.mu.Lock()
	e.lastURL = dest
	e.mu.Unlock()

	slog.Info("navigation complete",
		"tab_id", e.tabID,
		"frame_id", frameID,
		"url", dest,
		"from_service_worker", joined.Network.Response != nil && joined.Network.Response.FromServiceWorker,
		"body_bytes", len(body),
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return &NavigationResult{Network: joined.Network, Frame: joined.Frame, Body: body}, nil
}

// LastURL returns the target of the last successful navigation.
func (e *Env) LastURL() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastURL
}

// Screenshot captures the tab's viewport as PNG.
func (e *Env) Screenshot(ctx context.Context) ([]byte, error) {
	data, err := e.proto.Screenshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("screenshot tab %s: %w", e.tabID, err)
	}
	return data, nil
}

// Evaluate runs expression in the page, awaiting a returned promise, and
// decodes the value into out when out is non-nil.
func (e *Env) Evaluate(ctx context.Context, expression string, out any) error {
	if err := e.proto.Evaluate(ctx, expression, out); err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	return nil
}

// RegisterWorker registers scriptURL as the page's service worker and
// returns the registration scope.
func (e *Env) RegisterWorker(ctx context.Context, scriptURL string) (string, error) {
	if scriptURL == "" {
		return "", types.NewError(types.CodeValidation, "worker script url is required", nil)
	}
	var scope string
	expr := fmt.Sprintf("navigator.serviceWorker.register(%q).then(r => r.scope)", scriptURL)
	if err := e.Evaluate(ctx, expr, &scope); err != nil {
		return "", fmt.Errorf("register worker %s: %w", scriptURL, err)
	}
	slog.Info("service worker registered", "tab_id", e.tabID, "script_url", scriptURL, "scope", scope)
	return scope, nil
}

// WaitForWorkerReady waits for navigator.serviceWorker.ready in the page and
// then for the tracker to observe an activated version.
func (e *Env) WaitForWorkerReady(ctx context.Context) (*serviceworker.Version, error) {
	const expr = "navigator.serviceWorker.ready.then(() => navigator.serviceWorker.getRegistration()).then(r => !!r)"
	var registered bool
	if err := e.Evaluate(ctx, expr, &registered); err != nil {
		return nil, fmt.Errorf("wait for worker ready: %w", err)
	}
	if !registered {
		return nil, types.NewError(types.CodeValidation, "page has no service worker registration", nil)
	}
	v, err := e.tracker.WaitActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("wait for active worker version: %w", err)
	}
	return v, nil
}

// Reload reloads the tab without waiting for the load to finish.
func (e *Env) Reload(ctx context.Context) error {
	if err := e.proto.Reload(ctx); err != nil {
		return fmt.Errorf("reload tab %s: %w", e.tabID, err)
	}
	return nil
}

// CacheNames lists CacheStorage caches for the root URL's origin.
func (e *Env) CacheNames(ctx context.Context) ([]string, error) {
	origin, err := e.origin()
	if err != nil {
		return nil, err
	}
	names, err := e.proto.CacheNames(ctx, origin)
	if err != nil {
		return nil, fmt.Errorf("request cache names for %s: %w", origin, err)
	}
	return names, nil
}

// DatabaseNames lists IndexedDB databases for the root URL's origin.
func (e *Env) DatabaseNames(ctx context.Context) ([]string, error) {
	origin, err := e.origin()
	if err != nil {
		return nil, err
	}
	names, err := e.proto.DatabaseNames(ctx, origin)
	if err != nil {
		return nil, fmt.Errorf("request database names for %s: %w", origin, err)
	}
	return names, nil
}

// Close detaches from the tab.
func (e *Env) Close() {
	e.closeOnce.Do(func() {
		e.fail(context.Canceled)
		if e.closeTab != nil {
			e.closeTab()
		}
		e.tracker.Reset()
	})
}

func (e *Env) origin() (string, error) {
	u, err := url.Parse(e.rootURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", types.NewError(types.CodeValidation, fmt.Sprintf("root url %q has no origin", e.rootURL), err)
	}
	return u.Scheme + "://" + u.Host, nil
}

func (e *Env) recordNavigation(frameID cdp.FrameID, dest string, ev *network.EventResponseReceived, body []byte, started time.Time, err error) {
	if e.recorder == nil {
		return
	}
	rec := types.NavigationRecord{
		Timestamp:  time.Now().UTC(),
		TabID:      string(e.tabID),
		FrameID:    string(frameID),
		URL:        dest,
		DurationMS: time.Since(started).Milliseconds(),
	}
	if body != nil {
		p := previewBody(body, e.maxBodyBytes)
		rec.Body = p.text
		rec.BodySize = p.size
		rec.BodyTruncated = p.truncated()
		rec.BodySHA256 = p.sha256
	}
	if ev != nil {
		rec.RequestID = string(ev.RequestID)
		if resp := ev.Response; resp != nil {
			rec.URL = resp.URL
			rec.Status = int(resp.Status)
			rec.FromServiceWorker = resp.FromServiceWorker
			rec.Headers = flattenHeaders(resp.Headers)
		}
	}
	if err != nil {
		rec.Error = err.Error()
	}
	e.recorder.RecordNavigation(rec)
}

func (e *Env) recordVersion(v *serviceworker.Version) {
	e.recorder.RecordVersion(types.VersionRecord{
		Timestamp:     time.Now().UTC(),
		TabID:         string(e.tabID),
		VersionID:     v.VersionID,
		ScriptURL:     v.ScriptURL,
		Status:        string(v.Status),
		RunningStatus: string(v.RunningStatus),
	})
}

func flattenHeaders(headers map[string]any) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
