// Package main — cmd/cfxlayer-sim/main.go
//
// cfxlayer-sim synthesizes a layer's frame stream without a real Vulkan
// swapchain, for exercising the daemon end to end: it connects one socket
// as a layer (LayerHello + a run of FrametimeData), and a second as an app
// subscriber that polls StatusRequest and prints the daemon's reported
// pacing score per step.
//
// Frame model: a configurable baseline frametime with an injected stutter
// burst partway through the run (a multiple of the baseline, held for a
// run of frames) so the printed pacing score is expected to dip and then
// recover — useful for validating the pacing engine against a live daemon
// without launching a real game.
//
// Output: per-step CSV to stdout (step, frametime_ms, pacing_score).
// Summary: whether the pacing score dipped during the stutter window and
// recovered afterward, to stderr.
//
// Usage:
//   cfxlayer-sim [flags]
//   cfxlayer-sim -socket /run/user/1000/capframex.sock -frames 400 -stutter-at 200 -stutter-len 30 -stutter-mult 3
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"math/rand"
	"net"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/capframex/capframexd/internal/broker"
	"github.com/capframex/capframexd/internal/config"
	"github.com/capframex/capframexd/internal/layerclient"
	"github.com/capframex/capframexd/internal/observability"
	"github.com/capframex/capframexd/internal/timing"
	"github.com/capframex/capframexd/internal/wire"
)

func main() {
	socketPath := flag.String("socket", "", "Broker socket path (default: resolved the same way the daemon does)")
	pid := flag.Int("pid", os.Getpid(), "Synthetic PID to present as")
	name := flag.String("name", "cfxlayer-sim.exe", "Synthetic process name")
	frames := flag.Int("frames", 400, "Number of frames to present")
	baselineMs := flag.Float64("baseline-ms", 6.94, "Baseline frametime in ms (≈144fps)")
	stutterAt := flag.Int("stutter-at", 200, "Frame index where the stutter burst begins")
	stutterLen := flag.Int("stutter-len", 30, "Number of frames the stutter burst lasts")
	stutterMult := flag.Float64("stutter-mult", 3.0, "Stutter frametime multiplier over baseline")
	jitter := flag.Float64("jitter-ms", 0.3, "Uniform random jitter applied to every frame, +/- this many ms")
	pollEvery := flag.Int("poll-every", 20, "Send a StatusRequest every N frames")
	layerConfigPath := flag.String("layer-config", "", "Path to layer.yaml (default: "+config.DefaultLayerConfigPath()+")")
	flag.Parse()

	log, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	lcPath := *layerConfigPath
	if lcPath == "" {
		lcPath = config.DefaultLayerConfigPath()
	}
	layerCfg, err := config.LoadLayerConfig(lcPath)
	if err != nil {
		log.Warn("layer.yaml load failed, proceeding with defaults", zap.Error(err))
		layerCfg = &config.LayerConfig{}
	}
	if !layerCfg.VerboseDiagnostics && !config.VerboseDiagnosticsFromEnv() {
		if quiet, err := zap.NewProduction(); err == nil {
			log = quiet
		}
	}

	path := *socketPath
	switch {
	case path != "":
	case layerCfg.SocketPathOverride != "":
		path = layerCfg.SocketPathOverride
	default:
		path = broker.ResolveSocketPath()
	}

	layer := layerclient.New(path, uint32(*pid), *name, log)
	defer layer.Close()
	metrics := observability.NewMetrics()
	layer.SetMetrics(metrics.LayerClientReconnectsTotal, metrics.LayerClientsConnected)
	if layerCfg.GPUNameOverride != "" {
		layer.SetGPUName(layerCfg.GPUNameOverride)
	}
	ring := timing.New()

	statusConn, err := net.Dial("unix", path)
	if err != nil {
		log.Warn("status connection failed — pacing scores will read as 0", zap.Error(err))
		statusConn = nil
	} else {
		defer statusConn.Close()
	}

	w := csv.NewWriter(os.Stdout)
	_ = w.Write([]string{"step", "frametime_ms", "pacing_score"})

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var nowNS uint64
	var minDipScore float32 = 1.0
	var sawDip, recovered bool
	var score float32 // last pacing score the daemon reported

	for i := 0; i < *frames; i++ {
		frametimeMs := *baselineMs
		if i >= *stutterAt && i < *stutterAt+*stutterLen {
			frametimeMs *= *stutterMult
		}
		frametimeMs += (rng.Float64()*2 - 1) * *jitter
		if frametimeMs < 0 {
			frametimeMs = 0
		}

		prePresentNS := nowNS
		nowNS += uint64(frametimeMs * 1e6)
		postPresentNS := prePresentNS + uint64(0.2*1e6) // fixed 0.2ms present-call duration

		frame := ring.RecordFrame(uint64(i), prePresentNS, postPresentNS, nowNS, 0.5, float32(frametimeMs))
		layer.Present(frame, ring.CurrentFPS())

		polled := false
		if statusConn != nil && i%*pollEvery == 0 {
			if s, ok := queryPacingScore(statusConn, uint32(*pid)); ok {
				score = s
				polled = true
			}
		}
		if polled && i >= *stutterAt {
			if score < minDipScore {
				minDipScore = score
				sawDip = true
			}
			if i >= *stutterAt+*stutterLen+(*pollEvery*2) && score > 0.9 {
				recovered = true
			}
		}

		_ = w.Write([]string{
			strconv.Itoa(i),
			strconv.FormatFloat(frametimeMs, 'f', 3, 64),
			strconv.FormatFloat(float64(score), 'f', 4, 32),
		})

		time.Sleep(time.Millisecond) // pace the synthetic stream so the daemon can keep up
	}
	w.Flush()

	fmt.Fprintf(os.Stderr, "\n=== PACING RUN SUMMARY ===\n")
	fmt.Fprintf(os.Stderr, "frames presented:     %d\n", *frames)
	fmt.Fprintf(os.Stderr, "stutter window:       [%d, %d) x%.1f\n", *stutterAt, *stutterAt+*stutterLen, *stutterMult)
	fmt.Fprintf(os.Stderr, "minimum observed score during/after stutter: %.4f\n", minDipScore)
	fmt.Fprintf(os.Stderr, "dip observed:         %v\n", sawDip)
	fmt.Fprintf(os.Stderr, "recovered afterward:  %v\n", recovered)
}

// queryPacingScore sends StatusRequest over nc and returns the
// PacingScore entry matching pid, if the daemon reports one.
func queryPacingScore(nc net.Conn, pid uint32) (float32, bool) {
	_ = nc.SetDeadline(time.Now().Add(500 * time.Millisecond))
	if err := wire.WriteMessage(nc, wire.MsgStatusRequest, nil, time.Now()); err != nil {
		return 0, false
	}
	// Notifications the daemon pushed to this connection since the last poll
	// (GameStarted, GameUpdated, ...) may be queued ahead of the response.
	hdr, payload, err := wire.ReadMessage(nc)
	for err == nil && hdr.Type != wire.MsgStatusResponse {
		hdr, payload, err = wire.ReadMessage(nc)
	}
	if err != nil {
		return 0, false
	}
	resp, err := wire.DecodeStatusResponse(payload)
	if err != nil {
		return 0, false
	}
	for i, g := range resp.Games {
		if g.PID == pid {
			return resp.PacingScores[i], true
		}
	}
	return 0, false
}
