package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dgnsrekt/swharness/internal/artifacts"
	"github.com/dgnsrekt/swharness/internal/config"
	"github.com/dgnsrekt/swharness/internal/harness"
	"github.com/dgnsrekt/swharness/internal/journal"
	"github.com/dgnsrekt/swharness/internal/netutil"
	"github.com/dgnsrekt/swharness/internal/notify"
	"github.com/dgnsrekt/swharness/internal/scenario"
	"github.com/dgnsrekt/swharness/internal/testserver"
	"gopkg.in/natefinch/lumberjack.v2"
)

const scenarioName = "worker-update"

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return 1
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		_, _ = io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n")
		return 1
	}

	slog.Info("swharness config loaded",
		"cdp_url", cfg.CDPURL(),
		"headless", cfg.Headless,
		"server_addr", cfg.ServerAddr,
		"port_candidates", cfg.PortCandidates,
		"port_auto_fallback", cfg.PortAutoFallback,
		"nav_timeout_ms", cfg.NavTimeoutMS,
		"log_level", cfg.LogLevel,
		"journal_dir", cfg.JournalDir,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server, err := testserver.New(cfg.StaticDir)
	if err != nil {
		slog.Error("failed to create test server", "static_dir", cfg.StaticDir, "error", err)
		return 1
	}
	ln, err := netutil.Listen(cfg.ServerAddr, cfg.PortCandidates, cfg.PortAutoFallback)
	if err != nil {
		slog.Error("failed to select bind address", "preferred", cfg.ServerAddr, "error", err)
		return 1
	}
	if err := server.Serve(ln); err != nil {
		slog.Error("failed to start test server", "error", err)
		return 1
	}

	var recorder harness.Recorder
	if cfg.JournalDir != "" {
		j := journal.New(cfg.JournalDir, cfg.JournalBufferSize, cfg.JournalMaxMB)
		defer func() {
			if err := j.Close(); err != nil {
				slog.Error("journal close failed", "error", err)
			}
		}()
		recorder = j
	}

	session := harness.NewSession(cfg, server, recorder)
	if cfg.ArtifactDir != "" {
		store, err := artifacts.NewStore(cfg.ArtifactDir)
		if err != nil {
			slog.Error("failed to create artifact store", "dir", cfg.ArtifactDir, "error", err)
			return 1
		}
		session.WithFailureSink(store)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := session.Close(shutdownCtx); err != nil {
			slog.Error("test server shutdown failed", "error", err)
		}
	}()

	started := time.Now()
	runErr := session.Run(ctx, scenario.WorkerUpdate(server, scenario.Options{}))
	elapsed := time.Since(started)
	if cfg.NotifyURL != "" {
		notifyCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := notify.SendRunResult(notifyCtx, nil, cfg.NotifyURL, scenarioName, runErr, elapsed); err != nil {
			slog.Warn("run notification failed", "endpoint", cfg.NotifyURL, "error", err)
		}
		cancel()
	}
	if runErr != nil {
		slog.Error("scenario failed", "scenario", scenarioName, "error", runErr, "duration_ms", elapsed.Milliseconds())
		return 1
	}
	slog.Info("scenario passed", "scenario", scenarioName, "duration_ms", elapsed.Milliseconds())
	return 0
}

func setupLogger(level, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}
