package harness

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/dgnsrekt/swharness/internal/types"
)

// TabClient manages browser tabs over the DevTools HTTP and browser endpoints.
type TabClient interface {
	ListTabs(ctx context.Context) ([]types.TabInfo, error)
	NewTab(ctx context.Context, url string) (types.TabInfo, error)
	ActivateTab(ctx context.Context, id target.ID) error
}

type attachFunc func(ctx context.Context, tab types.TabInfo) (*Env, error)

// App tracks one Env per attached tab and which of them is active.
type App struct {
	tabs    TabClient
	rootURL string
	attach  attachFunc

	mu     sync.Mutex
	envs   map[target.ID]*Env
	active *Env
}

// BuildApp attaches to the browser's first tab and activates it.
func BuildApp(ctx context.Context, allocCtx context.Context, tabs TabClient, rootURL string, opts EnvOptions) (*App, error) {
	a := newApp(tabs, rootURL, func(ctx context.Context, tab types.TabInfo) (*Env, error) {
		tabCtx, cancel := chromedp.NewContext(allocCtx, chromedp.WithTargetID(tab.ID))
		env, err := BuildEnv(ctx, tabCtx, tab.ID, rootURL, opts)
		if err != nil {
			cancel()
			return nil, err
		}
		env.closeTab = cancel
		return env, nil
	})
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func newApp(tabs TabClient, rootURL string, attach attachFunc) *App {
	return &App{
		tabs:    tabs,
		rootURL: rootURL,
		attach:  attach,
		envs:    make(map[target.ID]*Env),
	}
}

func (a *App) init(ctx context.Context) error {
	list, err := a.tabs.ListTabs(ctx)
	if err != nil {
		return fmt.Errorf("list tabs: %w", err)
	}
	if len(list) == 0 {
		return types.NewError(types.CodeTabNotFound, "browser has no page tabs", nil)
	}
	initial := list[0]
	if _, err := a.buildEnv(ctx, initial); err != nil {
		return err
	}
	return a.activate(ctx, initial.ID)
}

func (a *App) buildEnv(ctx context.Context, tab types.TabInfo) (*Env, error) {
	env, err := a.attach(ctx, tab)
	if err != nil {
		return nil, fmt.Errorf("attach tab %s: %w", tab.ID, err)
	}
	a.mu.Lock()
	a.envs[tab.ID] = env
	a.mu.Unlock()
	return env, nil
}

func (a *App) activate(ctx context.Context, id target.ID) error {
	a.mu.Lock()
	env, ok := a.envs[id]
	a.mu.Unlock()
	if !ok {
		return types.NewError(types.CodeTabNotFound, "tab "+string(id)+" is not attached", nil)
	}
	if err := a.tabs.ActivateTab(ctx, id); err != nil {
		return fmt.Errorf("activate tab %s: %w", id, err)
	}
	a.mu.Lock()
	a.active = env
	a.mu.Unlock()
	slog.Debug("tab activated", "tab_id", id)
	return nil
}

// ActiveClient returns the Env of the active tab.
func (a *App) ActiveClient() *Env {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// RootURL returns the test server root every Env navigates to by default.
func (a *App) RootURL() string { return a.rootURL }

// Client returns the Env attached to tab id.
func (a *App) Client(id target.ID) (*Env, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	env, ok := a.envs[id]
	return env, ok
}

// NewTab opens a blank tab and attaches an Env to it without activating it.
func (a *App) NewTab(ctx context.Context) (*Env, error) {
	tab, err := a.tabs.NewTab(ctx, "about:blank")
	if err != nil {
		return nil, fmt.Errorf("new tab: %w", err)
	}
	return a.buildEnv(ctx, tab)
}

// OpenTabByID activates an attached tab.
func (a *App) OpenTabByID(ctx context.Context, id target.ID) error {
	return a.activate(ctx, id)
}

// OpenTabByIndex activates the tab at index counted in opening order, where
// 0 is the oldest tab. The DevTools tab list is newest first.
func (a *App) OpenTabByIndex(ctx context.Context, index int) error {
	list, err := a.tabs.ListTabs(ctx)
	if err != nil {
		return fmt.Errorf("list tabs: %w", err)
	}
	raw := len(list) - 1 - index
	if index < 0 || raw < 0 {
		return types.NewError(types.CodeTabNotFound, fmt.Sprintf("no tab at index %d (have %d)", index, len(list)), nil)
	}
	return a.activate(ctx, list[raw].ID)
}

// OpenLastTab activates the most recently opened tab.
func (a *App) OpenLastTab(ctx context.Context) error {
	list, err := a.tabs.ListTabs(ctx)
	if err != nil {
		return fmt.Errorf("list tabs: %w", err)
	}
	if len(list) == 0 {
		return types.NewError(types.CodeTabNotFound, "browser has no page tabs", nil)
	}
	return a.activate(ctx, list[0].ID)
}

// OpenAndActivateTab opens a new tab, activates it and returns its Env.
func (a *App) OpenAndActivateTab(ctx context.Context) (*Env, error) {
	env, err := a.NewTab(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.activate(ctx, env.TabID()); err != nil {
		return nil, err
	}
	return a.ActiveClient(), nil
}

// Close detaches every Env.
func (a *App) Close() {
	a.mu.Lock()
	envs := make([]*Env, 0, len(a.envs))
	for _, env := range a.envs {
		envs = append(envs, env)
	}
	a.envs = make(map[target.ID]*Env)
	a.active = nil
	a.mu.Unlock()

	for _, env := range envs {
		env.Close()
	}
}
