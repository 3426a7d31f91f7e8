package harness

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/chromedp/cdproto/cachestorage"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/indexeddb"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/serviceworker"
	"github.com/chromedp/chromedp"
	"github.com/dgnsrekt/swharness/internal/types"
	"golang.org/x/sync/errgroup"
)

// Protocol is the slice of the DevTools protocol an Env drives on one tab.
type Protocol interface {
	Enable(ctx context.Context) error
	TopFrameID(ctx context.Context) (cdp.FrameID, error)
	Navigate(ctx context.Context, url string) error
	ResponseBody(ctx context.Context, requestID network.RequestID) ([]byte, error)
	Evaluate(ctx context.Context, expression string, out any) error
	Reload(ctx context.Context) error
	CacheNames(ctx context.Context, securityOrigin string) ([]string, error)
	DatabaseNames(ctx context.Context, securityOrigin string) ([]string, error)
	Screenshot(ctx context.Context) ([]byte, error)
}

// tabProtocol issues commands on a chromedp tab context.
type tabProtocol struct {
	ctx context.Context
}

var _ Protocol = (*tabProtocol)(nil)

func newTabProtocol(tabCtx context.Context) *tabProtocol {
	return &tabProtocol{ctx: tabCtx}
}

// run executes fn against the tab while honouring the caller's ctx. Commands
// must run on a context derived from the tab, so caller cancellation is
// forwarded rather than inherited.
func (p *tabProtocol) run(ctx context.Context, fn chromedp.ActionFunc) error {
	runCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, fn)
	if err != nil && ctx.Err() != nil {
		return context.Cause(ctx)
	}
	if err != nil && p.ctx.Err() != nil {
		return context.Cause(p.ctx)
	}
	return err
}

// Enable turns on every domain the Env listens to, in parallel.
func (p *tabProtocol) Enable(ctx context.Context) error {
	actions := map[string]chromedp.ActionFunc{
		"Page":          func(ctx context.Context) error { return page.Enable().Do(ctx) },
		"ServiceWorker": func(ctx context.Context) error { return serviceworker.Enable().Do(ctx) },
		"IndexedDB":     func(ctx context.Context) error { return indexeddb.Enable().Do(ctx) },
		"Network":       func(ctx context.Context) error { return network.Enable().Do(ctx) },
	}

	g, gctx := errgroup.WithContext(ctx)
	for domain, action := range actions {
		domain, action := domain, action
		g.Go(func() error {
			if err := p.run(gctx, action); err != nil {
				return types.NewError(types.CodeCDPUnavailable, domain+".enable failed", err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (p *tabProtocol) TopFrameID(ctx context.Context) (cdp.FrameID, error) {
	var frameID cdp.FrameID
	err := p.run(ctx, func(ctx context.Context) error {
		tree, err := page.GetFrameTree().Do(ctx)
		if err != nil {
			return err
		}
		if tree == nil || tree.Frame == nil {
			return types.NewError(types.CodeProtocolViolation, "frame tree has no top-level frame", nil)
		}
		frameID = tree.Frame.ID
		return nil
	})
	return frameID, err
}

// Navigate issues Page.navigate. Completion of the command is not the join
// signal; only a non-empty errorText is reported.
func (p *tabProtocol) Navigate(ctx context.Context, url string) error {
	return p.run(ctx, func(ctx context.Context) error {
		var res page.NavigateReturns
		if err := cdp.Execute(ctx, page.CommandNavigate, page.Navigate(url), &res); err != nil {
			return err
		}
		if res.ErrorText != "" {
			return types.NewError(types.CodeNavigationFailed,
				fmt.Sprintf("failed to load %s: %s", url, res.ErrorText), nil)
		}
		return nil
	})
}

func (p *tabProtocol) ResponseBody(ctx context.Context, requestID network.RequestID) ([]byte, error) {
	var body []byte
	err := p.run(ctx, func(ctx context.Context) error {
		var err error
		body, err = network.GetResponseBody(requestID).Do(ctx)
		return err
	})
	return body, err
}

// Evaluate runs expression with awaitPromise and decodes the returned value
// into out when out is non-nil.
func (p *tabProtocol) Evaluate(ctx context.Context, expression string, out any) error {
	return p.run(ctx, func(ctx context.Context) error {
		obj, exp, err := runtime.Evaluate(expression).
			WithAwaitPromise(true).
			WithReturnByValue(true).
			Do(ctx)
		if err != nil {
			return err
		}
		if exp != nil {
			return types.NewError(types.CodeEvalFailure, exceptionText(exp), nil)
		}
		if out == nil || obj == nil || len(obj.Value) == 0 {
			return nil
		}
		if err := json.Unmarshal([]byte(obj.Value), out); err != nil {
			return fmt.Errorf("decode evaluate result: %w", err)
		}
		return nil
	})
}

func (p *tabProtocol) Reload(ctx context.Context) error {
	return p.run(ctx, func(ctx context.Context) error {
		return page.Reload().Do(ctx)
	})
}

func (p *tabProtocol) CacheNames(ctx context.Context, securityOrigin string) ([]string, error) {
	var names []string
	err := p.run(ctx, func(ctx context.Context) error {
		caches, err := cachestorage.RequestCacheNames().WithSecurityOrigin(securityOrigin).Do(ctx)
		if err != nil {
			return err
		}
		for _, c := range caches {
			names = append(names, c.CacheName)
		}
		return nil
	})
	return names, err
}

func (p *tabProtocol) DatabaseNames(ctx context.Context, securityOrigin string) ([]string, error) {
	var names []string
	err := p.run(ctx, func(ctx context.Context) error {
		var err error
		names, err = indexeddb.RequestDatabaseNames().WithSecurityOrigin(securityOrigin).Do(ctx)
		return err
	})
	return names, err
}

func (p *tabProtocol) Screenshot(ctx context.Context) ([]byte, error) {
	var data []byte
	err := p.run(ctx, func(ctx context.Context) error {
		var err error
		data, err = page.CaptureScreenshot().WithFormat(page.CaptureScreenshotFormatPng).Do(ctx)
		return err
	})
	return data, err
}

func exceptionText(exp *runtime.ExceptionDetails) string {
	if exp.Exception != nil && exp.Exception.Description != "" {
		return exp.Exception.Description
	}
	return exp.Text
}
