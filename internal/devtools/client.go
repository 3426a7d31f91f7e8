// Package devtools manages browser tabs through the DevTools HTTP endpoints
// and a browser-level WebSocket command channel.
package devtools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/dgnsrekt/swharness/internal/types"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Client issues Target.* commands on the browser endpoint. Tab sessions are
// not attached here; per-tab protocol traffic goes through chromedp.
type Client struct {
	httpBase string // e.g. "http://127.0.0.1:9222"
	http     *http.Client

	mu   sync.Mutex
	conn net.Conn
	seq  atomic.Int64

	pending   map[int64]chan json.RawMessage
	pendingMu sync.Mutex
}

// NewClient creates a Client for the DevTools endpoint at httpBase.
func NewClient(httpBase string) *Client {
	return &Client{
		httpBase: strings.TrimRight(httpBase, "/"),
		http:     &http.Client{Timeout: 10 * time.Second},
		pending:  make(map[int64]chan json.RawMessage),
	}
}

// Connect dials the browser-level WebSocket endpoint.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	version, err := c.Version(ctx)
	if err != nil {
		return types.NewError(types.CodeCDPUnavailable, "browser ws url", err)
	}
	if version.WebSocketDebuggerURL == "" {
		return types.NewError(types.CodeCDPUnavailable, "empty webSocketDebuggerUrl", nil)
	}

	slog.Debug("devtools connecting", "ws_url", version.WebSocketDebuggerURL)
	conn, _, _, err := ws.Dial(ctx, version.WebSocketDebuggerURL)
	if err != nil {
		return types.NewError(types.CodeCDPUnavailable, "dial browser endpoint", err)
	}

	c.conn = conn
	c.pending = make(map[int64]chan json.RawMessage)
	go c.readLoop(conn)
	slog.Info("devtools connected", "browser", version.Browser, "protocol", version.ProtocolVersion)
	return nil
}

// Close drops the browser connection. Pending commands fail.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// readLoop dispatches command responses to their waiters until conn fails.
func (c *Client) readLoop(conn net.Conn) {
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			slog.Debug("devtools read loop exit", "error", err)
			c.closeAllPending()
			return
		}

		var msg struct {
			ID     int64  `json:"id"`
			Method string `json:"method"`
		}
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		if msg.ID == 0 {
			continue
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[msg.ID]
		if ok {
			delete(c.pending, msg.ID)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- json.RawMessage(data)
		}
	}
}

func (c *Client) closeAllPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Client) deletePending(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// send issues a browser-level command and decodes its result into out.
func (c *Client) send(ctx context.Context, method string, params, out any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return types.NewError(types.CodeCDPUnavailable, "devtools: not connected", nil)
	}

	id := c.seq.Add(1)
	req := struct {
		ID     int64  `json:"id"`
		Method string `json:"method"`
		Params any    `json:"params,omitempty"`
	}{ID: id, Method: method, Params: params}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("devtools: marshal %s: %w", method, err)
	}

	ch := make(chan json.RawMessage, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	c.mu.Lock()
	err = wsutil.WriteClientText(conn, data)
	c.mu.Unlock()
	if err != nil {
		c.deletePending(id)
		return types.NewError(types.CodeCDPUnavailable, "devtools: send "+method, err)
	}

	var raw json.RawMessage
	select {
	case resp, ok := <-ch:
		if !ok {
			return types.NewError(types.CodeCDPUnavailable, "devtools: connection closed", nil)
		}
		raw = resp
	case <-ctx.Done():
		c.deletePending(id)
		return ctx.Err()
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("devtools: unmarshal %s: %w", method, err)
	}
	if envelope.Error != nil {
		return fmt.Errorf("devtools: %s: %s (code %d)", method, envelope.Error.Message, envelope.Error.Code)
	}
	if out == nil || len(envelope.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("devtools: unmarshal %s result: %w", method, err)
	}
	return nil
}

// NewTab opens a page target at url and returns it.
func (c *Client) NewTab(ctx context.Context, url string) (types.TabInfo, error) {
	if url == "" {
		url = "about:blank"
	}
	params := struct {
		URL string `json:"url"`
	}{URL: url}
	var res struct {
		TargetID target.ID `json:"targetId"`
	}
	if err := c.send(ctx, "Target.createTarget", params, &res); err != nil {
		return types.TabInfo{}, err
	}
	slog.Info("tab created", "tab_id", res.TargetID, "url", url)
	return types.TabInfo{ID: res.TargetID, Type: "page", URL: url}, nil
}

// ActivateTab brings a target to the foreground.
func (c *Client) ActivateTab(ctx context.Context, id target.ID) error {
	params := struct {
		TargetID target.ID `json:"targetId"`
	}{TargetID: id}
	return c.send(ctx, "Target.activateTarget", params, nil)
}

// CloseTab closes a target.
func (c *Client) CloseTab(ctx context.Context, id target.ID) error {
	params := struct {
		TargetID target.ID `json:"targetId"`
	}{TargetID: id}
	var res struct {
		Success bool `json:"success"`
	}
	if err := c.send(ctx, "Target.closeTarget", params, &res); err != nil {
		return err
	}
	slog.Info("tab closed", "tab_id", id)
	return nil
}

// ListTabs fetches page targets via /json/list, newest first.
func (c *Client) ListTabs(ctx context.Context) ([]types.TabInfo, error) {
	var entries []types.TabInfo
	if err := c.getJSON(ctx, "/json/list", &entries); err != nil {
		return nil, err
	}
	out := make([]types.TabInfo, 0, len(entries))
	for _, e := range entries {
		if e.Type != "page" {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Version fetches /json/version.
func (c *Client) Version(ctx context.Context) (types.BrowserVersion, error) {
	var v types.BrowserVersion
	err := c.getJSON(ctx, "/json/version", &v)
	return v, err
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.httpBase+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return types.NewError(types.CodeCDPUnavailable, "devtools: GET "+path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return types.NewError(types.CodeCDPUnavailable, fmt.Sprintf("devtools: %s: HTTP %d", path, resp.StatusCode), nil)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("devtools: decode %s: %w", path, err)
	}
	return nil
}
