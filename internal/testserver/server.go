// Package testserver serves the application under test: a static page and a
// service worker script whose version token is substituted on every request,
// plus a small control API for bumping that version.
package testserver

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	// WorkerScriptPath is where the service worker script is served.
	WorkerScriptPath = "/sw.js"
	// VersionToken is replaced with the current version in the worker script.
	VersionToken = "__WORKER_VERSION__"
	// InjectionMarker is appended by the worker to every document it serves.
	InjectionMarker = "<!-- swharness:intercepted -->"
)

//go:embed static
var embedded embed.FS

// Server is the HTTP collaborator a Session resets after each test.
type Server struct {
	static  fs.FS
	version atomic.Int64
	handler http.Handler

	mu      sync.Mutex
	srv     *http.Server
	rootURL string
	done    chan struct{}
}

// New builds a Server. Static files come from staticDir when set, otherwise
// from the embedded test app.
func New(staticDir string) (*Server, error) {
	var static fs.FS
	if staticDir != "" {
		info, err := os.Stat(staticDir)
		if err != nil {
			return nil, fmt.Errorf("static dir: %w", err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("static dir %s is not a directory", staticDir)
		}
		static = os.DirFS(staticDir)
	} else {
		sub, err := fs.Sub(embedded, "static")
		if err != nil {
			return nil, fmt.Errorf("embedded static: %w", err)
		}
		static = sub
	}

	s := &Server{static: static}
	s.handler = s.routes()
	return s, nil
}

func (s *Server) routes() http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("swharness test server", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)
	registerControlHandlers(api, s)

	router.Get(WorkerScriptPath, s.serveWorker)
	router.Handle("/*", http.FileServer(http.FS(s.static)))
	return router
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) serveWorker(w http.ResponseWriter, r *http.Request) {
	src, err := fs.ReadFile(s.static, strings.TrimPrefix(WorkerScriptPath, "/"))
	if err != nil {
		http.Error(w, "worker script not found", http.StatusNotFound)
		return
	}
	body := strings.ReplaceAll(string(src), VersionToken, s.WorkerVersion())

	noStore(w)
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Header().Set("Service-Worker-Allowed", "/")
	if _, err := w.Write([]byte(body)); err != nil {
		slog.Debug("worker script write failed", "error", err)
	}
}

// WorkerVersion returns the version currently substituted into the script.
func (s *Server) WorkerVersion() string {
	return strconv.FormatInt(s.version.Load(), 10)
}

// IncrementVersion bumps the worker version and returns the new value.
func (s *Server) IncrementVersion() int64 {
	v := s.version.Add(1)
	slog.Info("worker version incremented", "version", v)
	return v
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	if err := s.Serve(ln); err != nil {
		ln.Close()
		return err
	}
	return nil
}

// Serve serves on ln in the background. The server takes ownership of ln.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return errors.New("test server already started")
	}

	_, port, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		return err
	}
	// Service workers require a secure context; localhost qualifies.
	s.rootURL = "http://localhost:" + port
	s.srv = &http.Server{Handler: s.handler}
	s.done = make(chan struct{})

	srv, done := s.srv, s.done
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("test server failed", "error", err)
		}
	}()
	slog.Info("test server listening", "addr", ln.Addr().String(), "root_url", s.rootURL)
	return nil
}

// RootURL returns the base URL of the running server.
func (s *Server) RootURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rootURL
}

// Reset restores the initial worker version.
func (s *Server) Reset(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.version.Store(0)
	slog.Debug("test server reset")
	return nil
}

// Close shuts the server down.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	srv, done := s.srv, s.done
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("test server shutdown: %w", err)
	}
	<-done
	return nil
}
