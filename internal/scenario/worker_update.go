// Package scenario holds the end-to-end service worker scenarios run by the
// swharness CLI and the integration tests.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/chromedp/cdproto/serviceworker"
	"github.com/dgnsrekt/swharness/internal/harness"
	"github.com/dgnsrekt/swharness/internal/testserver"
	"github.com/dgnsrekt/swharness/internal/workerstate"
)

// VersionBumper changes the worker script served to new registrations.
type VersionBumper interface {
	IncrementVersion() int64
}

// Options tunes the worker update scenario.
type Options struct {
	ScriptURL    string
	StepTimeout  time.Duration
	PollInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.ScriptURL == "" {
		o.ScriptURL = testserver.WorkerScriptPath
	}
	if o.StepTimeout <= 0 {
		o.StepTimeout = 15 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 50 * time.Millisecond
	}
	return o
}

// WorkerUpdate returns a scenario that checks interception before and after
// registration, then bumps the worker version and checks that a fresh tab
// activates exactly the next version while the first tab's captured version
// survives a refresh.
func WorkerUpdate(server VersionBumper, opts Options) harness.TestFunc {
	opts = opts.withDefaults()
	return func(ctx context.Context, app *harness.App) error {
		first := app.ActiveClient()
		if first == nil {
			return errors.New("no active tab")
		}

		res, err := step(ctx, opts, func(ctx context.Context) (*harness.NavigationResult, error) {
			return first.Navigate(ctx, "")
		})
		if err != nil {
			return fmt.Errorf("initial navigation: %w", err)
		}
		if res.ServedByWorker() || res.Contains(testserver.InjectionMarker) {
			return errors.New("initial navigation was intercepted before any worker was registered")
		}

		firstVersion, err := registerAndWait(ctx, first, opts)
		if err != nil {
			return fmt.Errorf("first tab: %w", err)
		}
		captured := *firstVersion
		slog.Info("first tab worker active", "version_id", captured.VersionID, "status", captured.Status)

		res, err = step(ctx, opts, func(ctx context.Context) (*harness.NavigationResult, error) {
			return first.Navigate(ctx, "")
		})
		if err != nil {
			return fmt.Errorf("controlled navigation: %w", err)
		}
		if !res.ServedByWorker() {
			return errors.New("navigation after registration was not served by the worker")
		}
		if !res.Contains(testserver.InjectionMarker) {
			return errors.New("navigation after registration is missing the injection marker")
		}

		server.IncrementVersion()
		second, err := app.OpenAndActivateTab(ctx)
		if err != nil {
			return fmt.Errorf("open second tab: %w", err)
		}
		if _, err := step(ctx, opts, func(ctx context.Context) (*harness.NavigationResult, error) {
			return second.Navigate(ctx, "")
		}); err != nil {
			return fmt.Errorf("second tab navigation: %w", err)
		}
		if _, err := registerAndWait(ctx, second, opts); err != nil {
			return fmt.Errorf("second tab: %w", err)
		}

		want, err := nextVersionID(captured.VersionID)
		if err != nil {
			return err
		}
		waitCtx, cancel := context.WithTimeout(ctx, opts.StepTimeout)
		defer cancel()
		secondVersion, err := waitForActive(waitCtx, second.Versions(), want, opts.PollInterval)
		if err != nil {
			got := "none"
			if v, ok := second.Versions().ActiveVersion(); ok {
				got = v.VersionID
			}
			return fmt.Errorf("second tab active version = %s, want %s: %w", got, want, err)
		}
		slog.Info("second tab worker active", "version_id", secondVersion.VersionID)

		if _, err := step(ctx, opts, func(ctx context.Context) (*harness.NavigationResult, error) {
			return first.Navigate(ctx, "")
		}); err != nil {
			return fmt.Errorf("first tab refresh: %w", err)
		}
		return checkVersionKept(first.Versions(), captured)
	}
}

// checkVersionKept reports whether tracker still holds captured as recorded
// and still has an active version.
func checkVersionKept(tracker *workerstate.Tracker, captured serviceworker.Version) error {
	kept, ok := tracker.Version(captured.VersionID)
	if !ok {
		return fmt.Errorf("first tab lost version %s after refresh", captured.VersionID)
	}
	if kept.ScriptURL != captured.ScriptURL {
		return fmt.Errorf("first tab version %s script changed across refresh: %s -> %s", captured.VersionID, captured.ScriptURL, kept.ScriptURL)
	}
	if _, ok := tracker.ActiveVersion(); !ok {
		return errors.New("first tab has no active version after refresh")
	}
	return nil
}

func step(ctx context.Context, opts Options, fn func(context.Context) (*harness.NavigationResult, error)) (*harness.NavigationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, opts.StepTimeout)
	defer cancel()
	return fn(ctx)
}

func registerAndWait(ctx context.Context, env *harness.Env, opts Options) (*serviceworker.Version, error) {
	ctx, cancel := context.WithTimeout(ctx, opts.StepTimeout)
	defer cancel()
	if _, err := env.RegisterWorker(ctx, opts.ScriptURL); err != nil {
		return nil, err
	}
	return env.WaitForWorkerReady(ctx)
}

func nextVersionID(id string) (string, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return "", fmt.Errorf("version id %q is not numeric: %w", id, err)
	}
	return strconv.FormatInt(n+1, 10), nil
}

// waitForActive polls tracker until its active version has id want.
func waitForActive(ctx context.Context, tracker *workerstate.Tracker, want string, every time.Duration) (*serviceworker.Version, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if v, ok := tracker.ActiveVersion(); ok && v.VersionID == want {
			return v, nil
		}
		select {
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		case <-ticker.C:
		}
	}
}
