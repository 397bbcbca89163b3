// Package broker implements the daemon's Unix domain socket server (module
// F): per-connection role state machine, layer registry, app subscription
// fan-out, and the shared-PID-table push.
package broker

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/capframex/capframexd/internal/errs"
	"github.com/capframex/capframexd/internal/ignorelist"
	"github.com/capframex/capframexd/internal/observability"
	"github.com/capframex/capframexd/internal/sharedpids"
	"github.com/capframex/capframexd/internal/wire"
)

// Role is a connection's position in the one-way Unknown→{Layer,App} state
// machine.
type Role int

const (
	RoleUnknown Role = iota
	RoleLayer
	RoleApp
)

const (
	maxConns     = 64
	writeTimeout = 2 * time.Second
)

// GamesProvider supplies the daemon's currently tracked games for
// StatusRequest responses (module J owns the authoritative list).
type GamesProvider interface {
	TrackedGames() []wire.GameInfo
	PacingScore(pid uint32) float32
}

// conn is one accepted connection's mutable state, all guarded by Server.mu.
type conn struct {
	id   uint64
	nc   net.Conn
	wmu  sync.Mutex // serializes writes to nc independent of Server.mu
	role Role

	layerPID      uint32 // valid when role == RoleLayer
	processName   string
	gpuName       string
	presentTiming bool
	width, height uint32
	format        uint32
	imageCount    uint32

	subscribedPID uint32 // valid when role == RoleApp; 0 means unsubscribed
	stale         bool
}

func (c *conn) send(typ wire.MessageType, payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
	return wire.WriteMessage(c.nc, typ, payload, time.Now())
}

// LayerInfo is a read-only snapshot of a registered layer connection.
type LayerInfo struct {
	PID                    uint32
	ProcessName            string
	GPUName                string
	PresentTimingSupported bool
	Width, Height          uint32
	Format, ImageCount     uint32
}

// AuditEvent describes an ignore-list mutation or layer-supersession the
// broker observed, for the caller to persist however it sees fit (the
// broker itself has no ledger dependency).
type AuditEvent struct {
	Event       string
	PID         uint32
	ProcessName string
	Detail      string
}

// Server is the broker's Unix domain socket server.
type Server struct {
	log     *zap.Logger
	ignore  *ignorelist.List
	shared  *sharedpids.Table
	games   GamesProvider
	metrics *observability.Metrics

	mu     sync.Mutex
	conns  map[uint64]*conn
	layers map[uint32]*conn // layer pid -> owning connection
	nextID uint64

	frameObserver atomic.Pointer[func(wire.FrameDatum)]
	auditObserver atomic.Pointer[func(AuditEvent)]

	listener net.Listener
	wg       sync.WaitGroup
}

// SetFrameObserver registers a callback invoked with every decoded
// FrametimeData message the broker receives, in addition to its normal
// app fan-out (module J feeds this into the pacing engine). A nil observer
// disables the hook.
func (s *Server) SetFrameObserver(fn func(wire.FrameDatum)) {
	if fn == nil {
		s.frameObserver.Store(nil)
		return
	}
	s.frameObserver.Store(&fn)
}

// SetAuditObserver registers a callback invoked on ignore-list mutations
// and layer-supersession events, so the daemon can append them to its
// ledger without the broker importing the audit package. A nil observer
// disables the hook.
func (s *Server) SetAuditObserver(fn func(AuditEvent)) {
	if fn == nil {
		s.auditObserver.Store(nil)
		return
	}
	s.auditObserver.Store(&fn)
}

func (s *Server) reportAudit(ev AuditEvent) {
	if obsPtr := s.auditObserver.Load(); obsPtr != nil {
		(*obsPtr)(ev)
	}
}

// New creates a Server. shared may be nil if the shared-PID push is
// disabled (e.g. a test harness without /dev/shm access).
func New(log *zap.Logger, ignore *ignorelist.List, shared *sharedpids.Table, games GamesProvider, metrics *observability.Metrics) *Server {
	return &Server{
		log:     log,
		ignore:  ignore,
		shared:  shared,
		games:   games,
		metrics: metrics,
		conns:   make(map[uint64]*conn),
		layers:  make(map[uint32]*conn),
	}
}

// trackSend sends typ/payload over c, recording it as fanned-out on success
// or dropped (and closing the connection) on failure.
func (s *Server) trackSend(c *conn, typ wire.MessageType, payload []byte) {
	if err := c.send(typ, payload); err != nil {
		if s.metrics != nil {
			s.metrics.BrokerFanoutDroppedTotal.Inc()
		}
		c.nc.Close()
		return
	}
	if s.metrics != nil {
		s.metrics.BrokerMessagesSentTotal.WithLabelValues(typ.String()).Inc()
	}
}

// ResolveSocketPath mirrors create_socket()'s path resolution: prefer
// $XDG_RUNTIME_DIR/capframex.sock, falling back to /tmp/capframex.sock-$UID.
func ResolveSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "capframex.sock")
	}
	return fmt.Sprintf("/tmp/capframex.sock-%d", os.Getuid())
}

// ListenAndServe binds the socket, sets world-writable permissions so any
// local user's layer can connect, and accepts connections until ctx is
// cancelled. A socket file left over from an unclean shutdown is stale and
// removed; a socket file with a live listener on the other end means a
// second daemon instance is already running, reported as errs.AlreadyRunning
// rather than stolen out from under it.
func (s *Server) ListenAndServe(ctx context.Context, socketPath string) error {
	if nc, dialErr := net.Dial("unix", socketPath); dialErr == nil {
		nc.Close()
		return errs.New(errs.AlreadyRunning, "broker.listen_and_serve", fmt.Errorf("%q already has a listener", socketPath))
	}
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("broker: remove stale socket %q: %w", socketPath, err)
	}
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return fmt.Errorf("broker: mkdir %q: %w", filepath.Dir(socketPath), err)
	}

	lis, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("broker: listen %q: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0o666); err != nil {
		lis.Close()
		return fmt.Errorf("broker: chmod %q: %w", socketPath, err)
	}
	s.listener = lis
	s.log.Info("broker socket listening", zap.String("path", socketPath))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		nc, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
				s.log.Warn("broker: accept error", zap.Error(err))
				continue
			}
		}

		s.mu.Lock()
		if len(s.conns) >= maxConns {
			s.mu.Unlock()
			s.log.Warn("broker: max connections reached, rejecting")
			nc.Close()
			continue
		}
		s.nextID++
		id := s.nextID
		c := &conn{id: id, nc: nc}
		s.conns[id] = c
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.BrokerClientsConnected.Inc()
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(c)
		}()
	}
}

func (s *Server) handleConn(c *conn) {
	defer s.removeConn(c)
	for {
		hdr, payload, err := wire.ReadMessage(c.nc)
		if err != nil {
			if err != io.EOF {
				s.log.Debug("broker: connection read ended", zap.Error(err))
			}
			return
		}
		s.dispatch(c, hdr.Type, payload)
	}
}

func (s *Server) dispatch(c *conn, typ wire.MessageType, payload []byte) {
	switch typ {
	case wire.MsgPing:
		_ = c.send(wire.MsgPong, nil)
	case wire.MsgLayerHello:
		p, err := wire.DecodeLayerHello(payload)
		if err != nil {
			s.log.Warn("broker: malformed LayerHello", zap.Error(err))
			return
		}
		s.registerLayer(c, p)
	case wire.MsgSwapchainCreated:
		p, err := wire.DecodeSwapchainInfo(payload)
		if err != nil {
			s.log.Debug("broker: malformed SwapchainCreated, dropping", zap.Error(err))
			return
		}
		s.updateSwapchain(c, p, true)
	case wire.MsgSwapchainDestroyed:
		p, err := wire.DecodeSwapchainInfo(payload)
		if err != nil {
			s.log.Debug("broker: malformed SwapchainDestroyed, dropping", zap.Error(err))
			return
		}
		s.updateSwapchain(c, p, false)
	case wire.MsgFrametimeData:
		f, err := wire.DecodeFrameDatum(payload)
		if err != nil {
			s.log.Debug("broker: malformed FrametimeData, dropping", zap.Error(err))
			return
		}
		s.forwardFrametime(f, payload)
	case wire.MsgStartCapture:
		p, err := wire.DecodeStartCapture(payload)
		if err != nil {
			s.log.Debug("broker: malformed StartCapture, dropping", zap.Error(err))
			return
		}
		s.setRole(c, RoleApp)
		s.mu.Lock()
		c.subscribedPID = p.PID
		s.mu.Unlock()
	case wire.MsgStopCapture:
		s.setRole(c, RoleApp)
		s.mu.Lock()
		c.subscribedPID = 0
		s.mu.Unlock()
	case wire.MsgIgnoreAdd:
		s.setRole(c, RoleApp)
		p, err := wire.DecodeIgnoreName(payload)
		if err != nil {
			s.log.Debug("broker: malformed IgnoreAdd, dropping", zap.Error(err))
			return
		}
		if err := s.ignore.Add(p.Name); err == nil {
			s.reportAudit(AuditEvent{Event: "ignore_added", ProcessName: p.Name})
			s.broadcastIgnoreUpdated()
		}
	case wire.MsgIgnoreRemove:
		s.setRole(c, RoleApp)
		p, err := wire.DecodeIgnoreName(payload)
		if err != nil {
			s.log.Debug("broker: malformed IgnoreRemove, dropping", zap.Error(err))
			return
		}
		if err := s.ignore.Remove(p.Name); err == nil {
			s.reportAudit(AuditEvent{Event: "ignore_removed", ProcessName: p.Name})
			s.broadcastIgnoreUpdated()
		}
	case wire.MsgIgnoreGet:
		s.setRole(c, RoleApp)
		s.sendIgnoreList(c)
	case wire.MsgStatusRequest:
		s.setRole(c, RoleApp)
		s.sendStatus(c)
	case wire.MsgConfigUpdate:
		s.setRole(c, RoleApp)
		s.broadcastToLayers(payload)
	default:
		s.log.Debug("broker: unhandled message type", zap.Uint32("type", uint32(typ)))
	}
}

func (s *Server) setRole(c *conn, r Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.role == RoleUnknown {
		c.role = r
	}
}

// registerLayer promotes a connection to the layer role on its first
// LayerHello. A blacklisted (ignored) process name is dropped silently: no
// state, no broadcast.
func (s *Server) registerLayer(c *conn, hello wire.LayerHelloPayload) {
	if s.ignore.Contains(hello.ProcessName) {
		return
	}

	s.mu.Lock()
	if c.role == RoleApp {
		s.mu.Unlock()
		return
	}
	c.role = RoleLayer
	c.layerPID = hello.PID
	c.processName = hello.ProcessName
	c.gpuName = hello.GPUName
	c.presentTiming = hello.PresentTimingSupported
	superseded := false
	if prev, ok := s.layers[hello.PID]; ok && prev != c {
		prev.stale = true
		superseded = true
	}
	s.layers[hello.PID] = c
	s.mu.Unlock()

	if superseded {
		s.reportAudit(AuditEvent{Event: "layer_superseded", PID: hello.PID, ProcessName: hello.ProcessName})
	}

	info := wire.GameInfo{
		PID:                    hello.PID,
		GameName:               hello.ProcessName,
		GPUName:                hello.GPUName,
		PresentTimingSupported: hello.PresentTimingSupported,
	}
	s.broadcastToNonLayers(wire.MsgGameStarted, info.Encode())
}

func (s *Server) updateSwapchain(c *conn, p wire.SwapchainInfoPayload, created bool) {
	s.mu.Lock()
	if c.role != RoleLayer {
		s.mu.Unlock()
		return
	}
	if created {
		c.width, c.height, c.format, c.imageCount = p.Width, p.Height, p.Format, p.ImageCount
	} else {
		c.width, c.height, c.format, c.imageCount = 0, 0, 0, 0
	}
	info := wire.GameInfo{
		PID:              p.PID,
		GameName:         c.processName,
		GPUName:          c.gpuName,
		ResolutionWidth:  c.width,
		ResolutionHeight: c.height,
	}
	s.mu.Unlock()

	s.broadcastToNonLayers(wire.MsgGameUpdated, info.Encode())
}

// forwardFrametime forwards a frame datum verbatim to every app subscribed
// to the datum's PID. A send failure on one app unregisters it
// (handled by its own read loop observing the closed connection) and does
// not abort the fan-out to the rest.
func (s *Server) forwardFrametime(f wire.FrameDatum, raw []byte) {
	if obsPtr := s.frameObserver.Load(); obsPtr != nil {
		(*obsPtr)(f)
	}

	s.mu.Lock()
	var targets []*conn
	for _, c := range s.conns {
		if c.role == RoleApp && c.subscribedPID == uint32(f.PID) {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	for _, c := range targets {
		s.trackSend(c, wire.MsgFrametimeData, raw)
	}

	if s.metrics != nil && f.TimestampNS > 0 {
		recorded := time.Unix(0, int64(f.TimestampNS))
		s.metrics.BrokerFanoutLatency.Observe(time.Since(recorded).Seconds())
	}
}

// broadcastToNonLayers sends a notification (GameStarted, GameUpdated,
// GameStopped, IgnoreUpdated) to every connection that is not a layer, app
// or not yet promoted; layers never receive these.
func (s *Server) broadcastToNonLayers(typ wire.MessageType, payload []byte) {
	s.mu.Lock()
	var targets []*conn
	for _, c := range s.conns {
		if c.role != RoleLayer {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	for _, c := range targets {
		s.trackSend(c, typ, payload)
	}
}

// broadcastToLayers forwards an opaque ConfigUpdate payload from an app
// connection to every registered layer, verbatim.
func (s *Server) broadcastToLayers(payload []byte) {
	s.mu.Lock()
	var targets []*conn
	for _, c := range s.layers {
		if !c.stale {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	for _, c := range targets {
		s.trackSend(c, wire.MsgConfigUpdate, payload)
	}
}

func (s *Server) broadcastIgnoreUpdated() {
	s.broadcastToNonLayers(wire.MsgIgnoreUpdated, nil)
}

func (s *Server) sendIgnoreList(c *conn) {
	entries := s.ignore.All()
	wireEntries := make([]wire.IgnoreListEntryWire, len(entries))
	for i, e := range entries {
		wireEntries[i] = wire.IgnoreListEntryWire{Name: e.Name, AddedAt: e.AddedAt}
	}
	_ = c.send(wire.MsgIgnoreResponse, wire.EncodeIgnoreList(wireEntries))
}

func (s *Server) sendStatus(c *conn) {
	games := s.games.TrackedGames()
	scores := make([]float32, len(games))
	for i, g := range games {
		scores[i] = s.games.PacingScore(g.PID)
	}
	payload := wire.EncodeStatusResponse(wire.StatusResponsePayload{Games: games, PacingScores: scores})
	_ = c.send(wire.MsgStatusResponse, payload)

	for _, l := range s.LayersSnapshot() {
		info := wire.GameInfo{
			PID:                    l.PID,
			GameName:               l.ProcessName,
			GPUName:                l.GPUName,
			PresentTimingSupported: l.PresentTimingSupported,
			ResolutionWidth:        l.Width,
			ResolutionHeight:       l.Height,
		}
		_ = c.send(wire.MsgGameStarted, info.Encode())
	}
}

func (s *Server) removeConn(c *conn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	if c.role == RoleLayer {
		if cur, ok := s.layers[c.layerPID]; ok && cur == c {
			delete(s.layers, c.layerPID)
		}
	}
	s.mu.Unlock()
	c.nc.Close()
	if s.metrics != nil {
		s.metrics.BrokerClientsConnected.Dec()
	}
}

// HasClients reports whether any connection is currently registered
// (ipc_has_clients).
func (s *Server) HasClients() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns) > 0
}

func snapshotLayer(pid uint32, c *conn) LayerInfo {
	return LayerInfo{
		PID:                    pid,
		ProcessName:            c.processName,
		GPUName:                c.gpuName,
		PresentTimingSupported: c.presentTiming,
		Width:                  c.width,
		Height:                 c.height,
		Format:                 c.format,
		ImageCount:             c.imageCount,
	}
}

// LayersSnapshot returns a copy of the layer registry (ipc_get_layers_copy).
func (s *Server) LayersSnapshot() []LayerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LayerInfo, 0, len(s.layers))
	for pid, c := range s.layers {
		if c.stale {
			continue
		}
		out = append(out, snapshotLayer(pid, c))
	}
	return out
}

// LayerByPID returns the registered layer for pid, if any
// (ipc_get_layer_by_pid_copy).
func (s *Server) LayerByPID(pid uint32) (LayerInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.layers[pid]
	if !ok || c.stale {
		return LayerInfo{}, false
	}
	return snapshotLayer(pid, c), true
}

// BroadcastGameStarted notifies every app connection of a newly detected
// game (driven by module J on a process-monitor detection, independent of
// the layer-hello path in registerLayer).
func (s *Server) BroadcastGameStarted(info wire.GameInfo) {
	s.broadcastToNonLayers(wire.MsgGameStarted, info.Encode())
}

// BroadcastGameStopped notifies every app connection that a tracked game
// exited.
func (s *Server) BroadcastGameStopped(pid uint32) {
	s.broadcastToNonLayers(wire.MsgGameStopped, wire.GameInfo{PID: pid}.Encode())
}

// UpdateActivePIDs pushes the given PID set into the shared-memory table
// (module E), a no-op if the table is unavailable.
func (s *Server) UpdateActivePIDs(pids []uint32) {
	if s.shared == nil {
		return
	}
	s.shared.Update(pids)
}

// Shutdown closes the listener and every client connection, then waits for
// all connection goroutines to exit.
func (s *Server) Shutdown() {
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Lock()
	for _, c := range s.conns {
		c.nc.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}
