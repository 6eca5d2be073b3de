// GansAuditor MCP server — wraps the codex analyzer into a synchronous,
// iterative code audit loop served over stdio.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gansauditor/gansauditor/pkg/api"
	"github.com/gansauditor/gansauditor/pkg/codex"
	"github.com/gansauditor/gansauditor/pkg/config"
	"github.com/gansauditor/gansauditor/pkg/masking"
	"github.com/gansauditor/gansauditor/pkg/mcp"
	"github.com/gansauditor/gansauditor/pkg/obs"
	"github.com/gansauditor/gansauditor/pkg/queue"
	"github.com/gansauditor/gansauditor/pkg/session"
	"github.com/gansauditor/gansauditor/pkg/version"
)

func main() {
	// Stdout belongs to the MCP protocol; all logging goes to stderr.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	stateDir := flag.String("state-dir", "", "Session snapshot directory (overrides GANSAUDITOR_STATE_DIR)")
	logDir := flag.String("log-dir", "", "Operation log directory (overrides GANSAUDITOR_LOG_DIR)")
	envFile := flag.String("env-file", "", "Optional .env file loaded before configuration")
	flag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			slog.Error("Failed to load env file", "path", *envFile, "error", err)
			os.Exit(1)
		}
		slog.Info("Loaded environment", "path", *envFile)
	}

	// 1. Configuration: defaults, environment, then explicit flags on top.
	cfg, err := config.Initialize()
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	if *stateDir != "" {
		cfg.Store.StateDir = *stateDir
	}
	if *logDir != "" {
		cfg.Obs.LogDir = *logDir
	}

	slog.Info("Starting GansAuditor",
		"version", version.Full(),
		"synchronous", cfg.Synchronous,
		"workers", cfg.Queue.MaxConcurrentAudits)

	ctx := context.Background()

	// 2. Redaction and observability.
	redactor := masking.NewService(cfg.SecretNames...)

	metrics := obs.NewMetrics(prometheus.NewRegistry())

	oplog, err := obs.NewOpLogger(obs.OpLoggerConfig{
		LogDir:        cfg.Obs.LogDir,
		MaxFileSizeMB: cfg.Obs.MaxFileSizeMB,
		MaxFiles:      cfg.Obs.MaxFiles,
		FlushInterval: cfg.Obs.FlushInterval,
		BufferSize:    cfg.Obs.BufferSize,
	}, redactor)
	if err != nil {
		slog.Error("Failed to initialize operation logger", "error", err)
		os.Exit(1)
	}
	oplog.Start(ctx)

	// 3. Session store and background reaper.
	store, err := session.NewStore(cfg.Store, metrics, oplog)
	if err != nil {
		slog.Error("Failed to initialize session store", "error", err)
		os.Exit(1)
	}
	reaper := session.NewReaper(store)
	reaper.Start(ctx)

	// 4. Judge driver with a startup availability probe. A missing analyzer
	// is not fatal: the server still answers, each audit reports the fault.
	driver := codex.NewDriver(cfg.Codex, redactor, metrics, oplog)
	analyzerVersion, probeErr := driver.CheckAvailable(ctx)
	if probeErr != nil {
		slog.Warn("Analyzer availability probe failed, audits will fail until it is installed",
			"executable", cfg.Codex.Executable, "error", probeErr)
	} else {
		slog.Info("Analyzer available", "executable", cfg.Codex.Executable, "version", analyzerVersion)
	}

	// 5. Orchestrator and worker pool.
	orchestrator := queue.NewOrchestrator(cfg, store, driver, metrics, oplog)
	orchestrator.Start(ctx)

	// 6. Optional ops endpoint.
	var opsServer *api.Server
	if cfg.OpsAddr != "" {
		opsServer = api.NewServer(cfg.OpsAddr, store, orchestrator, metrics, probeErr)
		if err := opsServer.Start(); err != nil {
			slog.Error("Failed to start ops endpoint", "error", err)
			os.Exit(1)
		}
	}

	// 7. MCP server over stdio. Run returns when the peer disconnects.
	mcpServer := mcp.NewServer(orchestrator)
	mcpCtx, mcpCancel := context.WithCancel(ctx)
	defer mcpCancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- mcpServer.Run(mcpCtx)
	}()

	// 8. Wait for a shutdown signal or peer disconnect.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		if err != nil {
			slog.Error("MCP server error triggered shutdown", "error", err)
		} else {
			slog.Info("MCP peer disconnected")
		}
	}

	// 9. Graceful shutdown: stop accepting, drain audits, then tear down the
	// analyzer children and background services.
	mcpCancel()

	if opsServer != nil {
		opsCtx, opsCancel := context.WithTimeout(ctx, 5*time.Second)
		if err := opsServer.Stop(opsCtx); err != nil {
			slog.Error("Ops endpoint shutdown error", "error", err)
		}
		opsCancel()
	}

	drainCtx, drainCancel := context.WithTimeout(ctx, cfg.Queue.GracefulShutdownTimeout)
	defer drainCancel()

	done := make(chan struct{})
	go func() {
		orchestrator.Stop()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Audit workers drained")
	case <-drainCtx.Done():
		slog.Warn("Shutdown timeout exceeded, in-flight audits abandoned")
	}

	driver.Shutdown(drainCtx)
	reaper.Stop()
	oplog.Close()

	slog.Info("Shutdown complete")
}
