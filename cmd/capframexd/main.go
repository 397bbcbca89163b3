// Package main — cmd/capframexd/main.go
//
// capframexd entrypoint.
//
// Startup sequence:
//  1. Load and validate daemon.conf (defaults apply if the file is absent).
//  2. Initialise structured logger (zap, JSON format).
//  3. Open the audit ledger (bbolt) and prune entries past retention.
//  4. Load the ignore list and build the process classifier.
//  5. Create the shared PID table (/dev/shm) for layer-side lookups.
//  6. Start the Prometheus metrics server (127.0.0.1:9091 by default).
//  7. Start the broker's Unix domain socket server.
//  8. Seed tracked-game state from a one-time /proc scan.
//  9. Start the netlink process-event monitor.
// 10. Start the liveness-sweep ticker (stale/gone transitions).
// 11. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Shutdown sequence (on SIGINT/SIGTERM):
//  1. Cancel the root context (propagates to every goroutine).
//  2. Stop the process monitor.
//  3. Shut down the broker (closes all client connections).
//  4. Unlink the shared PID table.
//  5. Close the audit ledger.
//  6. Flush the logger.
//  7. Exit 0.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/capframex/capframexd/internal/audit"
	"github.com/capframex/capframexd/internal/broker"
	"github.com/capframex/capframexd/internal/classify"
	"github.com/capframex/capframexd/internal/config"
	"github.com/capframex/capframexd/internal/errs"
	"github.com/capframex/capframexd/internal/ignorelist"
	"github.com/capframex/capframexd/internal/logging"
	"github.com/capframex/capframexd/internal/observability"
	"github.com/capframex/capframexd/internal/procmon"
	"github.com/capframex/capframexd/internal/sharedpids"
)

const version = "0.1.0"

func main() {
	// ── Flags ─────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "Path to daemon.conf (default: $XDG_CONFIG_HOME/capframex/daemon.conf)")
	debug := flag.Bool("d", false, "Force debug logging")
	flag.BoolVar(debug, "debug", false, "Force debug logging")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("capframexd %s\n", version)
		os.Exit(0)
	}

	if *configPath == "" {
		defaults := config.Defaults()
		*configPath = config.DefaultDaemonConfPath(&defaults)
	}

	// ── Load config ───────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Logger ────────────────────────────────────────────────────────────
	log, err := logging.New(logLevelName(cfg.LogLevel), "json", *debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("capframexd starting",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("config_dir", cfg.ConfigDir),
		zap.String("data_dir", cfg.DataDir),
	)

	// A second instance is not an initialization failure: it exits cleanly
	// before touching any state the running instance owns (ledger, ignore
	// list, shared PID table).
	socketPath := broker.ResolveSocketPath()
	if nc, err := net.Dial("unix", socketPath); err == nil {
		nc.Close()
		log.Info("another capframexd instance already owns the broker socket, exiting", zap.String("socket", socketPath))
		os.Exit(0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Audit ledger ──────────────────────────────────────────────────────
	if err := os.MkdirAll(filepath.Dir(cfg.AuditDBPath), 0o755); err != nil {
		log.Fatal("failed to create data directory", zap.Error(err), zap.String("path", cfg.DataDir))
	}
	ledger, err := audit.Open(cfg.AuditDBPath, cfg.AuditRetentionDays)
	if err != nil {
		log.Fatal("audit ledger open failed", zap.Error(err), zap.String("path", cfg.AuditDBPath))
	}
	defer ledger.Close() //nolint:errcheck

	if pruned, err := ledger.PruneOldEntries(); err != nil {
		log.Warn("audit ledger pruning failed", zap.Error(err))
	} else if pruned > 0 {
		log.Info("audit ledger pruned", zap.Int("deleted", pruned))
	}

	// ── Ignore list + classifier ──────────────────────────────────────────
	if err := os.MkdirAll(cfg.ConfigDir, 0o755); err != nil {
		log.Fatal("failed to create config directory", zap.Error(err), zap.String("path", cfg.ConfigDir))
	}
	ignore, err := ignorelist.New(cfg.ConfigDir)
	if err != nil {
		log.Fatal("ignore list init failed", zap.Error(err))
	}

	classifier := classify.New(os.Getenv("HOME"), procmon.AncestryLookup)

	// ── Shared PID table ──────────────────────────────────────────────────
	shared, err := sharedpids.Create(sharedpids.DefaultSegmentName)
	if err != nil {
		log.Warn("shared PID table unavailable — layers will fall back to per-process IPC only", zap.Error(err))
		shared = nil
	} else {
		defer shared.Close() //nolint:errcheck
	}

	// ── Metrics ───────────────────────────────────────────────────────────
	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.MetricsAddr))
	ignore.SetSizeGauge(metrics.DetectorIgnoreListSize)
	ledger.SetMetrics(metrics.AuditWriteLatency, metrics.AuditLedgerEntries)

	// ── Daemon state ──────────────────────────────────────────────────────
	d := newDaemon(log, cfg, classifier, ignore, ledger, metrics)

	// ── Broker ────────────────────────────────────────────────────────────
	brokerSrv := broker.New(log, ignore, shared, d, metrics)
	brokerSrv.SetFrameObserver(d.observeFrame)
	brokerSrv.SetAuditObserver(d.observeAuditEvent)

	go func() {
		if err := brokerSrv.ListenAndServe(ctx, socketPath); err != nil {
			if errs.KindOf(err) == errs.AlreadyRunning {
				log.Info("broker socket claimed by another instance mid-startup, exiting", zap.Error(err))
				os.Exit(0)
			}
			log.Error("broker server error", zap.Error(err))
		}
	}()
	log.Info("broker listening", zap.String("socket", socketPath))

	d.broker = brokerSrv
	d.shared = shared

	// ── Seed state from a one-time /proc scan ────────────────────────────
	var monitor *procmon.Monitor
	if cfg.AutoDetectGames {
		if err := procmon.ScanAll(d.handleProcessEvent); err != nil {
			log.Warn("initial /proc scan failed", zap.Error(err))
		}

		monitor = procmon.New(log)
		if err := monitor.Start(d.handleProcessEvent); err != nil {
			log.Fatal("process monitor failed to start", zap.Error(err))
		}
		log.Info("process monitor started")
	} else {
		log.Info("auto-detection disabled (auto_detect_games=false)")
	}

	// ── Liveness sweep ────────────────────────────────────────────────────
	go d.sweepLoop(ctx, time.Duration(cfg.ScanIntervalMs)*time.Millisecond)

	// ── Wait for shutdown signal ──────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()
	if monitor != nil {
		monitor.Stop()
	}
	brokerSrv.Shutdown()
	if shared != nil {
		_ = sharedpids.Unlink(sharedpids.DefaultSegmentName)
	}

	log.Info("capframexd shutdown complete")
}

// logLevelName maps the daemon.conf integer log level (0=error..3=debug)
// to the zap level name logging.New expects.
func logLevelName(level int) string {
	switch level {
	case 0:
		return "error"
	case 1:
		return "warn"
	case 3:
		return "debug"
	default:
		return "info"
	}
}
