package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/dgnsrekt/swharness/internal/browser"
	"github.com/dgnsrekt/swharness/internal/config"
	"github.com/dgnsrekt/swharness/internal/devtools"
)

// TestServer is the served-content collaborator of a Session.
type TestServer interface {
	RootURL() string
	Reset(ctx context.Context) error
	Close(ctx context.Context) error
}

// FailureSink stores a screenshot of the active tab when a test fails.
type FailureSink interface {
	SaveFailure(tabID, pageURL string, png []byte, cause error) (string, error)
}

// TestFunc is a scenario run against a freshly attached App.
type TestFunc func(ctx context.Context, app *App) error

// Session owns one browser debugging session per Run.
type Session struct {
	cfg      *config.Config
	server   TestServer
	recorder Recorder
	failures FailureSink
}

// NewSession creates a Session that runs tests against server. recorder may
// be nil.
func NewSession(cfg *config.Config, server TestServer, recorder Recorder) *Session {
	return &Session{cfg: cfg, server: server, recorder: recorder}
}

// WithFailureSink makes Run capture the active tab when the test fails.
func (s *Session) WithFailureSink(sink FailureSink) *Session {
	s.failures = sink
	return s
}

// Run launches (or reuses) the browser, attaches to its first tab, runs test
// and tears everything down. The server is reset after every run. Test and
// reset failures are joined.
func (s *Session) Run(ctx context.Context, test TestFunc) error {
	testErr := s.runDebuggingSession(ctx, test)
	if testErr != nil {
		slog.Error("test run failed", "error", testErr)
	}
	resetErr := s.server.Reset(context.WithoutCancel(ctx))
	if resetErr != nil {
		resetErr = fmt.Errorf("reset test server: %w", resetErr)
	}
	return errors.Join(testErr, resetErr)
}

func (s *Session) runDebuggingSession(ctx context.Context, test TestFunc) error {
	launcher := browser.NewLauncher(browser.Config{
		CDPAddress:  s.cfg.CDPAddress,
		CDPPort:     s.cfg.CDPPort,
		BrowserPath: s.cfg.BrowserPath,
		Headless:    s.cfg.Headless,
		WindowSize:  s.cfg.WindowSize,
		ProfileDir:  s.cfg.ProfileDir,
	})
	if err := launcher.Launch(ctx); err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}
	defer launcher.Stop()

	allocCtx, cancelAlloc := chromedp.NewRemoteAllocator(ctx, s.cfg.CDPURL())
	defer cancelAlloc()

	tabs := devtools.NewClient(s.cfg.CDPURL())
	if err := tabs.Connect(ctx); err != nil {
		return fmt.Errorf("connect devtools: %w", err)
	}
	defer func() {
		if err := tabs.Close(); err != nil {
			slog.Debug("devtools close failed", "error", err)
		}
	}()

	app, err := BuildApp(ctx, allocCtx, tabs, s.server.RootURL(), EnvOptions{
		NavTimeout:   s.cfg.NavTimeout(),
		Recorder:     s.recorder,
		MaxBodyBytes: s.cfg.JournalMaxBodyBytes,
	})
	if err != nil {
		return fmt.Errorf("build app: %w", err)
	}
	defer app.Close()

	if err := test(ctx, app); err != nil {
		s.captureFailure(ctx, app, err)
		return err
	}
	return nil
}

func (s *Session) captureFailure(ctx context.Context, app *App, cause error) {
	if s.failures == nil {
		return
	}
	env := app.ActiveClient()
	if env == nil || env.Err() != nil {
		return
	}
	shotCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	png, err := env.Screenshot(shotCtx)
	if err != nil {
		slog.Warn("failure screenshot skipped", "tab_id", env.TabID(), "error", err)
		return
	}
	id, err := s.failures.SaveFailure(string(env.TabID()), env.LastURL(), png, cause)
	if err != nil {
		slog.Warn("failure screenshot not saved", "tab_id", env.TabID(), "error", err)
		return
	}
	slog.Info("failure screenshot saved", "tab_id", env.TabID(), "artifact_id", id)
}

// Close shuts the test server down.
func (s *Session) Close(ctx context.Context) error {
	return s.server.Close(ctx)
}
