package browser

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"sync/atomic"
	"testing"
	"time"
)

func TestLauncherArgs(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		want     []string
		notWant  []string
		lastWant string
	}{
		{
			name: "headless defaults",
			cfg:  Config{CDPAddress: "127.0.0.1", CDPPort: 9222, Headless: true},
			want: []string{
				"--remote-debugging-port=9222",
				"--remote-debugging-address=127.0.0.1",
				"--user-data-dir=/tmp/profile",
				"--window-size=640,320",
				"--headless", "--disable-gpu", "--hide-scrollbars", "--mute-audio",
			},
			lastWant: "about:blank",
		},
		{
			name:     "headed with start url",
			cfg:      Config{CDPAddress: "0.0.0.0", CDPPort: 9333, WindowSize: "1280,720", StartURL: "http://localhost:5000/"},
			want:     []string{"--remote-debugging-port=9333", "--window-size=1280,720"},
			notWant:  []string{"--headless", "--mute-audio"},
			lastWant: "http://localhost:5000/",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			args := NewLauncher(tc.cfg).args("/tmp/profile")
			for _, w := range tc.want {
				if !slices.Contains(args, w) {
					t.Errorf("args missing %q: %v", w, args)
				}
			}
			for _, nw := range tc.notWant {
				if slices.Contains(args, nw) {
					t.Errorf("args unexpectedly contain %q: %v", nw, args)
				}
			}
			if got := args[len(args)-1]; got != tc.lastWant {
				t.Errorf("last arg = %q, want %q", got, tc.lastWant)
			}
		})
	}
}

func TestLaunchSkipsWhenPortInUse(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	l := NewLauncher(Config{CDPAddress: host, CDPPort: port, BrowserPath: "/nonexistent/chrome"})
	if err := l.Launch(context.Background()); err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	if l.Running() {
		t.Fatal("Running() = true, want false when reusing an existing browser")
	}
}

func TestWaitForCDP(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		if r.URL.Path != "/json/version" || n < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"Browser":"HeadlessChrome/126.0"}`)
	}))
	defer srv.Close()

	host, portStr, _ := net.SplitHostPort(srv.Listener.Addr().String())
	port, _ := strconv.Atoi(portStr)
	l := NewLauncher(Config{CDPAddress: host, CDPPort: port})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.waitForCDP(ctx); err != nil {
		t.Fatalf("waitForCDP() error = %v", err)
	}
}

func TestStopWithoutProcessIsNoop(t *testing.T) {
	l := NewLauncher(Config{})
	l.Stop()
	if l.Running() {
		t.Fatal("Running() = true after Stop on unstarted launcher")
	}
}
