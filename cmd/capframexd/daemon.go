package main

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/capframex/capframexd/internal/audit"
	"github.com/capframex/capframexd/internal/broker"
	"github.com/capframex/capframexd/internal/classify"
	"github.com/capframex/capframexd/internal/config"
	"github.com/capframex/capframexd/internal/ignorelist"
	"github.com/capframex/capframexd/internal/observability"
	"github.com/capframex/capframexd/internal/pacing"
	"github.com/capframex/capframexd/internal/procmon"
	"github.com/capframex/capframexd/internal/sharedpids"
	"github.com/capframex/capframexd/internal/tracker"
	"github.com/capframex/capframexd/internal/wire"
)

// gameRecord holds the GameInfo fields a tracker.GameState doesn't carry
// itself (exe path, ancestry chain), populated once at detection time.
type gameRecord struct {
	exePath  string
	launcher string
}

// daemon composes the tracking registry and pacing engine into the single
// broker.GamesProvider the broker needs for StatusRequest responses, and
// owns the glue between process-event detection, the audit ledger, and
// broker broadcasts.
type daemon struct {
	log        *zap.Logger
	cfg        *config.Config
	classifier *classify.Classifier
	ignore     *ignorelist.List
	ledger     *audit.DB
	metrics    *observability.Metrics

	games  *tracker.Registry
	pacing *pacing.Monitor

	broker *broker.Server
	shared *sharedpids.Table

	mu         sync.Mutex
	meta       map[uint32]gameRecord
	lastCounts map[uint32]pacing.EventCounts
}

func newDaemon(log *zap.Logger, cfg *config.Config, classifier *classify.Classifier, ignore *ignorelist.List, ledger *audit.DB, metrics *observability.Metrics) *daemon {
	return &daemon{
		log:        log,
		cfg:        cfg,
		classifier: classifier,
		ignore:     ignore,
		ledger:     ledger,
		metrics:    metrics,
		games:      tracker.NewRegistry(),
		pacing:     pacing.NewMonitor(cfg.PacingAlpha, cfg.PacingEntropyWeight),
		meta:       make(map[uint32]gameRecord),
		lastCounts: make(map[uint32]pacing.EventCounts),
	}
}

// TrackedGames implements broker.GamesProvider.
func (d *daemon) TrackedGames() []wire.GameInfo {
	states := d.games.All()
	infos := make([]wire.GameInfo, 0, len(states))

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, gs := range states {
		rec := d.meta[gs.PID()]
		infos = append(infos, wire.GameInfo{
			PID:      gs.PID(),
			GameName: gs.ProcessName(),
			ExePath:  rec.exePath,
			Launcher: rec.launcher,
		})
	}
	return infos
}

// PacingScore implements broker.GamesProvider.
func (d *daemon) PacingScore(pid uint32) float32 {
	return d.pacing.PacingScore(pid)
}

// handleProcessEvent is the procmon.Callback driving detection and
// lifecycle tracking (module C + module J wiring).
func (d *daemon) handleProcessEvent(ev procmon.Event) {
	if !ev.Started {
		d.forget(ev.Info.PID)
		return
	}

	info := ev.Info
	if d.ignore.Contains(info.ExeName) {
		d.metrics.DetectorClassificationsTotal.WithLabelValues("ignored").Inc()
		return
	}

	procInfo := classify.ProcessInfo{
		PID:       info.PID,
		ParentPID: info.ParentPID,
		ExePath:   info.ExePath,
		ExeName:   info.ExeName,
	}
	if !d.classifier.IsGameProcess(procInfo) {
		d.metrics.DetectorClassificationsTotal.WithLabelValues("not_game").Inc()
		return
	}
	d.metrics.DetectorClassificationsTotal.WithLabelValues("game").Inc()

	_, isNew := d.games.Observe(info.PID, info.ExeName)
	if !isNew {
		return
	}

	d.mu.Lock()
	d.meta[info.PID] = gameRecord{
		exePath:  info.ExePath,
		launcher: d.classifier.FormatAncestryChain(info.PID),
	}
	d.mu.Unlock()

	gameInfo := wire.GameInfo{
		PID:      info.PID,
		GameName: info.ExeName,
		ExePath:  info.ExePath,
		Launcher: d.classifier.FormatAncestryChain(info.PID),
	}

	if err := d.ledger.Append(audit.LedgerEntry{
		Timestamp:   time.Now(),
		PID:         info.PID,
		ProcessName: info.ExeName,
		Event:       audit.EventGameStarted,
	}); err != nil {
		d.log.Warn("audit append failed", zap.Error(err), zap.Uint32("pid", info.PID))
	}

	d.log.Info("game detected",
		zap.Uint32("pid", info.PID),
		zap.String("name", info.ExeName),
		zap.String("launcher", gameInfo.Launcher),
	)

	if d.broker != nil {
		d.broker.BroadcastGameStarted(gameInfo)
	}
	d.pushActivePIDs()
}

// forget removes pid from tracked state and records the stop event. Called
// both on a netlink exit event and on the sweep ticker's gone transitions.
func (d *daemon) forget(pid uint32) {
	if _, ok := d.games.Get(pid); !ok {
		return
	}

	gs, _ := d.games.Get(pid)
	processName := ""
	if gs != nil {
		processName = gs.ProcessName()
	}

	d.games.Remove(pid)
	d.pacing.Remove(pid)

	d.mu.Lock()
	delete(d.meta, pid)
	delete(d.lastCounts, pid)
	d.mu.Unlock()

	if err := d.ledger.Append(audit.LedgerEntry{
		Timestamp:   time.Now(),
		PID:         pid,
		ProcessName: processName,
		Event:       audit.EventGameStopped,
	}); err != nil {
		d.log.Warn("audit append failed", zap.Error(err), zap.Uint32("pid", pid))
	}

	d.log.Info("game stopped", zap.Uint32("pid", pid), zap.String("name", processName))

	if d.broker != nil {
		d.broker.BroadcastGameStopped(pid)
	}
	d.pushActivePIDs()
}

// observeFrame is wired to broker.Server.SetFrameObserver: every
// FrametimeData message that passes through the broker also feeds the
// pacing engine, independent of whether any app is subscribed to it.
func (d *daemon) observeFrame(f wire.FrameDatum) {
	pid := uint32(f.PID)
	d.pacing.Observe(pid, f.ActualFrametimeMs, f.MsUntilDisplayed)
	d.metrics.PacingScoreHistogram.Observe(float64(d.pacing.PacingScore(pid)))

	counts := d.pacing.Counts(pid)
	d.mu.Lock()
	prev := d.lastCounts[pid]
	d.lastCounts[pid] = counts
	d.mu.Unlock()

	for bucket, label := range pacingBucketLabels {
		if delta := counts[bucket] - prev[bucket]; delta > 0 {
			d.metrics.PacingStutterEventsTotal.WithLabelValues(label).Add(float64(delta))
		}
	}
}

// observeAuditEvent is wired to broker.Server.SetAuditObserver: ignore-list
// mutations and layer-supersession events the broker handles internally
// still land in the audit ledger, the same as game start/stop.
func (d *daemon) observeAuditEvent(ev broker.AuditEvent) {
	if err := d.ledger.Append(audit.LedgerEntry{
		Timestamp:   time.Now(),
		PID:         ev.PID,
		ProcessName: ev.ProcessName,
		Event:       audit.EventType(ev.Event),
		Detail:      ev.Detail,
	}); err != nil {
		d.log.Warn("audit append failed", zap.Error(err), zap.String("event", ev.Event))
	}
}

var pacingBucketLabels = map[pacing.StutterBucket]string{
	pacing.BucketSmooth:       "smooth",
	pacing.BucketMinorStutter: "minor",
	pacing.BucketMajorStutter: "major",
}

// sweepLoop periodically checks liveness of every tracked PID, retiring
// games whose processes have exited without a netlink exit event (missed
// events, e.g. from a monitor restart) and marking briefly-unobserved ones
// stale.
func (d *daemon) sweepLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			for _, gs := range d.games.All() {
				if procmon.IsRunning(gs.PID()) {
					gs.Touch(now)
				}
			}
			_, becameGone := d.games.Sweep(procmon.IsRunning, d.cfg.StaleAfter, d.cfg.GoneAfter)
			for _, pid := range becameGone {
				d.forget(pid)
			}
			d.updateTrackedGamesMetric()
		}
	}
}

func (d *daemon) updateTrackedGamesMetric() {
	counts := map[string]int{}
	for _, gs := range d.games.All() {
		counts[strings.ToLower(gs.Current().String())]++
	}
	for _, state := range []string{"detected", "active", "stale", "gone"} {
		d.metrics.TrackedGames.WithLabelValues(state).Set(float64(counts[state]))
	}
}

func (d *daemon) pushActivePIDs() {
	states := d.games.All()
	pids := make([]uint32, len(states))
	for i, gs := range states {
		pids[i] = gs.PID()
	}
	if d.broker != nil {
		d.broker.UpdateActivePIDs(pids)
	}
	if d.shared != nil {
		d.shared.Update(pids)
	}
	d.updateTrackedGamesMetric()
}
