// Package workerstate tracks service worker versions reported over CDP and
// exposes the currently active one.
package workerstate

import (
	"context"
	"log/slog"
	"strconv"
	"sync"

	"github.com/chromedp/cdproto/serviceworker"
)

// Tracker ingests ServiceWorker.workerVersionUpdated batches. Versions are
// keyed by their numeric id and never pruned; the active pointer follows the
// most recent snapshot whose status is activated.
type Tracker struct {
	mu       sync.RWMutex
	versions map[int64]*serviceworker.Version
	active   *serviceworker.Version
	activeCh chan struct{}
	errors   []*serviceworker.ErrorMessage

	onVersion func(*serviceworker.Version)
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		versions: make(map[int64]*serviceworker.Version),
		activeCh: make(chan struct{}),
	}
}

// OnRecord registers fn to observe every recorded snapshot. It must be set
// before events start flowing.
func (t *Tracker) OnRecord(fn func(*serviceworker.Version)) {
	t.onVersion = fn
}

// OnVersionsUpdated records every snapshot in a workerVersionUpdated batch.
func (t *Tracker) OnVersionsUpdated(ev *serviceworker.EventWorkerVersionUpdated) {
	if ev == nil {
		return
	}
	for _, v := range ev.Versions {
		t.RecordVersion(v)
	}
}

// OnErrorReported logs a worker runtime error. Version state is unchanged.
func (t *Tracker) OnErrorReported(ev *serviceworker.EventWorkerErrorReported) {
	if ev == nil || ev.ErrorMessage == nil {
		return
	}
	msg := ev.ErrorMessage
	slog.Error("service worker error",
		"error", msg.ErrorMessage,
		"version_id", msg.VersionID,
		"registration_id", msg.RegistrationID,
		"source_url", msg.SourceURL,
		"line", msg.LineNumber,
		"column", msg.ColumnNumber,
	)

	t.mu.Lock()
	t.errors = append(t.errors, msg)
	t.mu.Unlock()
}

// RecordVersion upserts v and moves the active pointer when v is activated.
func (t *Tracker) RecordVersion(v *serviceworker.Version) {
	if v == nil {
		return
	}
	id, err := strconv.ParseInt(v.VersionID, 10, 64)
	if err != nil {
		slog.Warn("ignoring worker version with non-numeric id", "version_id", v.VersionID, "error", err)
		return
	}

	t.mu.Lock()
	t.versions[id] = v
	if v.Status == serviceworker.VersionStatusActivated {
		if t.active == nil {
			close(t.activeCh)
		}
		t.active = v
	}
	t.mu.Unlock()

	slog.Debug("worker version recorded",
		"version_id", v.VersionID,
		"status", v.Status,
		"running_status", v.RunningStatus,
		"script_url", v.ScriptURL,
	)
	if t.onVersion != nil {
		t.onVersion(v)
	}
}

// ActiveVersion returns the last snapshot recorded as activated.
func (t *Tracker) ActiveVersion() (*serviceworker.Version, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.active, t.active != nil
}

// MustActiveVersion returns the active version and panics when none has been
// recorded. Callers wait for worker readiness first.
func (t *Tracker) MustActiveVersion() *serviceworker.Version {
	v, ok := t.ActiveVersion()
	if !ok {
		panic("workerstate: no active service worker version recorded")
	}
	return v
}

// WaitActive blocks until an activated version has been recorded.
func (t *Tracker) WaitActive(ctx context.Context) (*serviceworker.Version, error) {
	t.mu.RLock()
	ch := t.activeCh
	t.mu.RUnlock()

	select {
	case <-ch:
		return t.MustActiveVersion(), nil
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

// Version returns the latest snapshot for a version id.
func (t *Tracker) Version(versionID string) (*serviceworker.Version, bool) {
	id, err := strconv.ParseInt(versionID, 10, 64)
	if err != nil {
		return nil, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.versions[id]
	return v, ok
}

// Len returns the number of distinct version ids seen.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.versions)
}

// Errors returns the worker errors reported so far.
func (t *Tracker) Errors() []*serviceworker.ErrorMessage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*serviceworker.ErrorMessage, len(t.errors))
	copy(out, t.errors)
	return out
}

// Reset forgets all state. Used when the debugging session is torn down.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.versions = make(map[int64]*serviceworker.Version)
	t.active = nil
	t.activeCh = make(chan struct{})
	t.errors = nil
}
