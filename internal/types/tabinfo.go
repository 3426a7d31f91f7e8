package types

import "github.com/chromedp/cdproto/target"

// TabInfo describes a browser tab as reported by the DevTools HTTP endpoint.
type TabInfo struct {
	ID                   target.ID `json:"id"`
	Type                 string    `json:"type"`
	Title                string    `json:"title"`
	URL                  string    `json:"url"`
	WebSocketDebuggerURL string    `json:"webSocketDebuggerUrl,omitempty"`
}

// BrowserVersion is the /json/version payload.
type BrowserVersion struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	UserAgent            string `json:"User-Agent"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}
