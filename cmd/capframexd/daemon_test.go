package main

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/capframex/capframexd/internal/audit"
	"github.com/capframex/capframexd/internal/classify"
	"github.com/capframex/capframexd/internal/config"
	"github.com/capframex/capframexd/internal/ignorelist"
	"github.com/capframex/capframexd/internal/observability"
	"github.com/capframex/capframexd/internal/procmon"
	"github.com/capframex/capframexd/internal/wire"
)

func fakeFrameDatum(pid int32, frametimeMs float32) wire.FrameDatum {
	return wire.FrameDatum{
		PID:               pid,
		ActualFrametimeMs: frametimeMs,
		MsUntilDisplayed:  frametimeMs,
	}
}

func newTestDaemon(t *testing.T) *daemon {
	t.Helper()
	dir := t.TempDir()

	ignore, err := ignorelist.New(dir)
	if err != nil {
		t.Fatalf("ignorelist.New: %v", err)
	}

	classifier := classify.New("/home/tester", func(uint32) (classify.ProcessInfo, bool) { return classify.ProcessInfo{}, false })
	classifier.AddWhitelist("mygame.exe")

	ledger, err := audit.Open(filepath.Join(dir, "audit.db"), 30)
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	t.Cleanup(func() { ledger.Close() })

	cfg := config.Defaults()
	return newDaemon(zap.NewNop(), &cfg, classifier, ignore, ledger, observability.NewMetrics())
}

func TestHandleProcessEventTracksClassifiedGame(t *testing.T) {
	d := newTestDaemon(t)

	d.handleProcessEvent(procmon.Event{
		Info:    procmon.Info{PID: 4242, ExeName: "mygame.exe", ExePath: "/home/tester/games/mygame.exe"},
		Started: true,
	})

	games := d.TrackedGames()
	if len(games) != 1 {
		t.Fatalf("TrackedGames() = %d entries, want 1", len(games))
	}
	if games[0].PID != 4242 || games[0].GameName != "mygame.exe" {
		t.Fatalf("unexpected game entry: %+v", games[0])
	}

	entries, err := d.ledger.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(entries) != 1 || entries[0].Event != audit.EventGameStarted {
		t.Fatalf("expected one game_started ledger entry, got %+v", entries)
	}
}

func TestHandleProcessEventIgnoresNonGameProcess(t *testing.T) {
	d := newTestDaemon(t)

	d.handleProcessEvent(procmon.Event{
		Info:    procmon.Info{PID: 99, ExeName: "bash", ExePath: "/usr/bin/bash"},
		Started: true,
	})

	if games := d.TrackedGames(); len(games) != 0 {
		t.Fatalf("TrackedGames() = %d entries, want 0 for a blacklisted shell", len(games))
	}
}

func TestHandleProcessEventExitForgetsGame(t *testing.T) {
	d := newTestDaemon(t)
	d.handleProcessEvent(procmon.Event{
		Info:    procmon.Info{PID: 4242, ExeName: "mygame.exe", ExePath: "/home/tester/games/mygame.exe"},
		Started: true,
	})
	d.handleProcessEvent(procmon.Event{Info: procmon.Info{PID: 4242}, Started: false})

	if games := d.TrackedGames(); len(games) != 0 {
		t.Fatalf("TrackedGames() = %d entries, want 0 after exit", len(games))
	}

	entries, err := d.ledger.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(entries) != 2 || entries[1].Event != audit.EventGameStopped {
		t.Fatalf("expected game_started then game_stopped, got %+v", entries)
	}
}

func TestPacingScoreDefaultsToSmoothForUntrackedPID(t *testing.T) {
	d := newTestDaemon(t)
	if got := d.PacingScore(123); got != 1.0 {
		t.Fatalf("PacingScore(untracked) = %v, want 1.0", got)
	}
}

func TestObserveFrameKeepsPacingScoreInRange(t *testing.T) {
	d := newTestDaemon(t)
	d.handleProcessEvent(procmon.Event{
		Info:    procmon.Info{PID: 4242, ExeName: "mygame.exe", ExePath: "/home/tester/games/mygame.exe"},
		Started: true,
	})

	for i := 0; i < 5; i++ {
		d.observeFrame(fakeFrameDatum(4242, 6.94))
	}
	if score := d.PacingScore(4242); score <= 0 || score > 1 {
		t.Fatalf("PacingScore = %v, want in (0, 1]", score)
	}
}
