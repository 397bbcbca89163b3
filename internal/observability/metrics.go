// Package observability — metrics.go
//
// Prometheus metrics for capframexd.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: capframexd_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - State labels use the string state name (4 values max).
//   - PID is NOT used as a label (unbounded cardinality) — per-PID pacing
//     figures live behind internal/pacing.Monitor, not exported per-PID.

package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for capframexd.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Broker (IPC fan-out to overlay/UI clients) ──────────────────────────

	// BrokerClientsConnected is the current number of connected broker
	// clients.
	BrokerClientsConnected prometheus.Gauge

	// BrokerMessagesSentTotal counts messages fanned out to broker clients.
	// Labels: message_type (the wire.MessageType name, e.g. FrametimeData,
	// GameStarted, GameUpdated, GameStopped, IgnoreUpdated, ConfigUpdate)
	BrokerMessagesSentTotal *prometheus.CounterVec

	// BrokerFanoutDroppedTotal counts fan-out messages whose send to a client
	// failed; the failing client's connection is then closed.
	BrokerFanoutDroppedTotal prometheus.Counter

	// BrokerFanoutLatency records the latency from a frame being recorded
	// in the timing ring to being written to client sockets.
	BrokerFanoutLatency prometheus.Histogram

	// ─── Layer client (per-process IPC to the injected Vulkan layer) ────────

	// LayerClientReconnectsTotal counts reconnect attempts across all
	// tracked processes' layer IPC sockets.
	LayerClientReconnectsTotal prometheus.Counter

	// LayerClientsConnected is the current number of processes with a live
	// layer IPC connection.
	LayerClientsConnected prometheus.Gauge

	// ─── Process detector / classifier ───────────────────────────────────────

	// DetectorClassificationsTotal counts process classification outcomes.
	// Labels: result (game, ignored, not_game)
	DetectorClassificationsTotal *prometheus.CounterVec

	// DetectorIgnoreListSize is the current number of entries in the
	// ignore list.
	DetectorIgnoreListSize prometheus.Gauge

	// ─── Game lifecycle tracking ──────────────────────────────────────────────

	// TrackedGames is the current number of tracked games, by lifecycle
	// state.
	// Labels: state (detected, active, stale, gone)
	TrackedGames *prometheus.GaugeVec

	// ─── Frame-pacing quality ──────────────────────────────────────────────────

	// PacingStutterEventsTotal counts frame presentations, by stutter
	// bucket classification.
	// Labels: bucket (smooth, minor, major)
	PacingStutterEventsTotal *prometheus.CounterVec

	// PacingScoreHistogram records the distribution of per-frame pacing
	// quality scores across all tracked games.
	PacingScoreHistogram prometheus.Histogram

	// ─── Audit ledger ──────────────────────────────────────────────────────────

	// AuditWriteLatency records bbolt write transaction latency.
	AuditWriteLatency prometheus.Histogram

	// AuditLedgerEntries is the current number of entries in the audit
	// ledger.
	AuditLedgerEntries prometheus.Gauge

	// ─── Daemon ────────────────────────────────────────────────────────────────

	// DaemonUptimeSeconds is the number of seconds since the daemon started.
	DaemonUptimeSeconds prometheus.Gauge

	// startTime records when the daemon started (for uptime calculation).
	startTime time.Time
}

// NewMetrics creates and registers all capframexd Prometheus metrics.
// Returns a *Metrics with all descriptors initialised.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		BrokerClientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "capframexd",
			Subsystem: "broker",
			Name:      "clients_connected",
			Help:      "Current number of connected broker clients.",
		}),

		BrokerMessagesSentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "capframexd",
			Subsystem: "broker",
			Name:      "messages_sent_total",
			Help:      "Total messages fanned out to broker clients, by message type.",
		}, []string{"message_type"}),

		BrokerFanoutDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "capframexd",
			Subsystem: "broker",
			Name:      "fanout_dropped_total",
			Help:      "Total fan-out messages dropped because the send to a client failed.",
		}),

		BrokerFanoutLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "capframexd",
			Subsystem: "broker",
			Name:      "fanout_latency_seconds",
			Help:      "Latency from frame recording to client fan-out, in seconds.",
			Buckets:   []float64{.0001, .0005, .001, .0025, .005, .01, .025, .05, .1},
		}),

		LayerClientReconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "capframexd",
			Subsystem: "layerclient",
			Name:      "reconnects_total",
			Help:      "Total reconnect attempts to per-process layer IPC sockets.",
		}),

		LayerClientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "capframexd",
			Subsystem: "layerclient",
			Name:      "connected",
			Help:      "Current number of processes with a live layer IPC connection.",
		}),

		DetectorClassificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "capframexd",
			Subsystem: "detector",
			Name:      "classifications_total",
			Help:      "Total process classification outcomes, by result.",
		}, []string{"result"}),

		DetectorIgnoreListSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "capframexd",
			Subsystem: "detector",
			Name:      "ignore_list_size",
			Help:      "Current number of entries in the ignore list.",
		}),

		TrackedGames: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "capframexd",
			Subsystem: "tracker",
			Name:      "games",
			Help:      "Current number of tracked games, by lifecycle state.",
		}, []string{"state"}),

		PacingStutterEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "capframexd",
			Subsystem: "pacing",
			Name:      "stutter_events_total",
			Help:      "Total frame presentations, by stutter bucket.",
		}, []string{"bucket"}),

		PacingScoreHistogram: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "capframexd",
			Subsystem: "pacing",
			Name:      "score",
			Help:      "Distribution of per-frame pacing quality scores (0=poor, 1=smooth).",
			Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 0.95, 0.99},
		}),

		AuditWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "capframexd",
			Subsystem: "audit",
			Name:      "write_latency_seconds",
			Help:      "bbolt write transaction latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		AuditLedgerEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "capframexd",
			Subsystem: "audit",
			Name:      "ledger_entries",
			Help:      "Current number of entries in the audit ledger.",
		}),

		DaemonUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "capframexd",
			Subsystem: "daemon",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the daemon started.",
		}),
	}

	reg.MustRegister(
		m.BrokerClientsConnected,
		m.BrokerMessagesSentTotal,
		m.BrokerFanoutDroppedTotal,
		m.BrokerFanoutLatency,
		m.LayerClientReconnectsTotal,
		m.LayerClientsConnected,
		m.DetectorClassificationsTotal,
		m.DetectorIgnoreListSize,
		m.TrackedGames,
		m.PacingStutterEventsTotal,
		m.PacingScoreHistogram,
		m.AuditWriteLatency,
		m.AuditLedgerEntries,
		m.DaemonUptimeSeconds,
		// Standard Go runtime metrics.
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given address.
// Blocks until ctx is cancelled or the server fails.
// The server binds to addr (e.g., "127.0.0.1:9091") and serves GET /metrics.
// Returns an error only if the server fails to start or encounters a fatal error.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start uptime updater goroutine.
	go m.updateUptime(ctx)

	// Shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

// updateUptime periodically updates the DaemonUptimeSeconds gauge.
func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.DaemonUptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
