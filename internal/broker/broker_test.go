package broker

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/capframex/capframexd/internal/ignorelist"
	"github.com/capframex/capframexd/internal/wire"
)

type fakeGames struct {
	games []wire.GameInfo
}

func (f *fakeGames) TrackedGames() []wire.GameInfo  { return f.games }
func (f *fakeGames) PacingScore(pid uint32) float32 { return 0 }

func startTestBroker(t *testing.T) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "test.sock")

	ignore, err := ignorelist.New(dir)
	if err != nil {
		t.Fatalf("ignorelist.New: %v", err)
	}

	s := New(zap.NewNop(), ignore, nil, &fakeGames{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	go func() {
		go func() {
			for {
				if _, err := net.Dial("unix", sockPath); err == nil {
					close(ready)
					return
				}
				time.Sleep(5 * time.Millisecond)
			}
		}()
		_ = s.ListenAndServe(ctx, sockPath)
	}()

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatalf("broker socket never became dialable")
	}

	t.Cleanup(func() {
		cancel()
		s.Shutdown()
	})
	return s, sockPath
}

func dialAndSend(t *testing.T, sockPath string, typ wire.MessageType, payload []byte) net.Conn {
	t.Helper()
	nc, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := wire.WriteMessage(nc, typ, payload, time.Now()); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	return nc
}

func TestPingPong(t *testing.T) {
	_, sockPath := startTestBroker(t)
	nc := dialAndSend(t, sockPath, wire.MsgPing, nil)
	defer nc.Close()

	nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	hdr, _, err := wire.ReadMessage(nc)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if hdr.Type != wire.MsgPong {
		t.Fatalf("type = %v, want Pong", hdr.Type)
	}
}

func TestLayerHelloBroadcastsGameStartedToApp(t *testing.T) {
	_, sockPath := startTestBroker(t)

	app, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("dial app: %v", err)
	}
	defer app.Close()
	// Establish app role via a StatusRequest first so it is never
	// classified as a layer.
	if err := wire.WriteMessage(app, wire.MsgStatusRequest, nil, time.Now()); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	app.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := wire.ReadMessage(app); err != nil {
		t.Fatalf("drain status response: %v", err)
	}

	layer, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("dial layer: %v", err)
	}
	defer layer.Close()
	hello := wire.LayerHelloPayload{PID: 4242, ProcessName: "Game.exe", GPUName: "ACME X1"}
	if err := wire.WriteMessage(layer, wire.MsgLayerHello, hello.Encode(), time.Now()); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	app.SetReadDeadline(time.Now().Add(2 * time.Second))
	hdr, payload, err := wire.ReadMessage(app)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if hdr.Type != wire.MsgGameStarted {
		t.Fatalf("type = %v, want GameStarted", hdr.Type)
	}
	info, err := wire.DecodeGameInfo(payload)
	if err != nil {
		t.Fatalf("DecodeGameInfo: %v", err)
	}
	if info.PID != 4242 || info.GameName != "Game.exe" {
		t.Fatalf("unexpected game info: %+v", info)
	}
}

func TestIgnoredLayerHelloIsSilentlyDropped(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "test.sock")
	ignore, err := ignorelist.New(dir)
	if err != nil {
		t.Fatalf("ignorelist.New: %v", err)
	}
	if err := ignore.Add("Launcher.exe"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	s := New(zap.NewNop(), ignore, nil, &fakeGames{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() { cancel(); s.Shutdown() })
	go s.ListenAndServe(ctx, sockPath)

	var conn net.Conn
	for i := 0; i < 200; i++ {
		conn, err = net.Dial("unix", sockPath)
		if err == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if conn == nil {
		t.Fatalf("broker never became dialable: %v", err)
	}
	defer conn.Close()

	hello := wire.LayerHelloPayload{PID: 999, ProcessName: "Launcher.exe"}
	if err := wire.WriteMessage(conn, wire.MsgLayerHello, hello.Encode(), time.Now()); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	// Give the broker a moment to process, then verify no layer was
	// registered.
	time.Sleep(50 * time.Millisecond)
	if _, ok := s.LayerByPID(999); ok {
		t.Fatalf("expected ignored process to not be registered as a layer")
	}
}
