package testserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New("")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func do(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestWorkerScriptSubstitutesVersion(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	w := do(t, h, http.MethodGet, WorkerScriptPath)
	if w.Code != http.StatusOK {
		t.Fatalf("GET %s status = %d", WorkerScriptPath, w.Code)
	}
	body := w.Body.String()
	if strings.Contains(body, VersionToken) {
		t.Fatal("worker script still contains the version token")
	}
	if !strings.Contains(body, "const WORKER_VERSION = '0';") {
		t.Fatalf("worker script missing version 0:\n%s", body)
	}
	if !strings.Contains(body, InjectionMarker) {
		t.Fatal("worker script does not inject the marker")
	}

	s.IncrementVersion()
	s.IncrementVersion()
	body = do(t, h, http.MethodGet, WorkerScriptPath).Body.String()
	if !strings.Contains(body, "const WORKER_VERSION = '2';") {
		t.Fatalf("worker script missing version 2:\n%s", body)
	}
}

func TestWorkerScriptDisablesCaching(t *testing.T) {
	w := do(t, newTestServer(t).Handler(), http.MethodGet, WorkerScriptPath)

	tests := []struct {
		header string
		want   string
	}{
		{"Cache-Control", "no-cache, no-store, must-revalidate"},
		{"Pragma", "no-cache"},
		{"Expires", "0"},
	}
	for _, tc := range tests {
		t.Run(tc.header, func(t *testing.T) {
			if got := w.Header().Get(tc.header); got != tc.want {
				t.Fatalf("%s = %q, want %q", tc.header, got, tc.want)
			}
		})
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/javascript") {
		t.Fatalf("Content-Type = %q", ct)
	}
}

func TestIndexHasNoMarker(t *testing.T) {
	w := do(t, newTestServer(t).Handler(), http.MethodGet, "/")
	if w.Code != http.StatusOK {
		t.Fatalf("GET / status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "swharness test app") {
		t.Fatal("index page not served")
	}
	if strings.Contains(w.Body.String(), InjectionMarker) {
		t.Fatal("network-served index must not contain the marker")
	}
}

func TestControlAPI(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	version := func(w *httptest.ResponseRecorder) string {
		t.Helper()
		var out struct {
			Version string `json:"version"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode %q: %v", w.Body.String(), err)
		}
		return out.Version
	}

	if got := version(do(t, h, http.MethodGet, "/__harness/version")); got != "0" {
		t.Fatalf("initial version = %q, want 0", got)
	}
	if got := version(do(t, h, http.MethodPost, "/__harness/version/increment")); got != "1" {
		t.Fatalf("version after increment = %q, want 1", got)
	}
	if w := do(t, h, http.MethodPost, "/__harness/reset"); w.Code != http.StatusNoContent {
		t.Fatalf("reset status = %d, want 204", w.Code)
	}
	if got := s.WorkerVersion(); got != "0" {
		t.Fatalf("version after reset = %q, want 0", got)
	}
}

func TestStaticDirOverride(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"index.html": "<html><body>custom</body></html>",
		"sw.js":      "// v" + VersionToken,
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New(%s) error = %v", dir, err)
	}
	if body := do(t, s.Handler(), http.MethodGet, WorkerScriptPath).Body.String(); body != "// v0" {
		t.Fatalf("worker body = %q, want %q", body, "// v0")
	}

	if _, err := New(filepath.Join(dir, "missing")); err == nil {
		t.Fatal("New() with missing dir error = nil")
	}
}

func TestStartServesAndCloses(t *testing.T) {
	s := newTestServer(t)
	if err := s.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Start("127.0.0.1:0"); err == nil {
		t.Fatal("second Start() error = nil")
	}
	root := s.RootURL()
	if !strings.HasPrefix(root, "http://localhost:") {
		t.Fatalf("RootURL() = %q", root)
	}

	resp, err := http.Get(strings.Replace(root, "localhost", "127.0.0.1", 1) + WorkerScriptPath)
	if err != nil {
		t.Fatalf("GET worker: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "WORKER_VERSION") {
		t.Fatalf("GET worker status=%d body=%q", resp.StatusCode, body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}
