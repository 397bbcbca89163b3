// Package layerclient implements the layer-side IPC resilience core (module
// H): a Disconnected/Connected state machine with rate-limited reconnect,
// pending-hello replay, and a receiver goroutine that acks daemon pings.
package layerclient

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/capframex/capframexd/internal/timing"
	"github.com/capframex/capframexd/internal/wire"
)

// ReconnectInterval is the minimum time between reconnect attempts.
const ReconnectInterval = 100 * time.Millisecond

// Swapchain is the cached swapchain record a pending hello replays
// alongside LayerHello.
type Swapchain struct {
	Width, Height, Format, ImageCount uint32
}

// Client is one layer instance's connection to the daemon.
type Client struct {
	log         *zap.Logger
	socketPath  string
	pid         uint32
	processName string

	mu                 sync.Mutex
	conn               net.Conn
	connected          bool
	pendingSend        bool
	lastConnectAttempt time.Time
	gpuName            string
	swapchain          *Swapchain
	presentTiming      bool

	receiverDone chan struct{}

	reconnects prometheus.Counter
	connGauge  prometheus.Gauge
}

// SetMetrics wires reconnects and connGauge to be updated as the client
// connects, reconnects, and disconnects. Either may be nil.
func (c *Client) SetMetrics(reconnects prometheus.Counter, connGauge prometheus.Gauge) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnects = reconnects
	c.connGauge = connGauge
}

// New creates a disconnected Client. Call Present (or TryReconnect
// directly) to begin connecting.
func New(socketPath string, pid uint32, processName string, log *zap.Logger) *Client {
	return &Client{
		log:         log,
		socketPath:  socketPath,
		pid:         pid,
		processName: processName,
		pendingSend: true, // first present announces the layer
	}
}

// SetGPUName caches the GPU name reported at device creation.
func (c *Client) SetGPUName(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gpuName = name
}

// SetPresentTimingSupported caches whether the present-timing extension
// (VK_GOOGLE_display_timing, as checked by internal/hook) is available.
func (c *Client) SetPresentTimingSupported(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presentTiming = v
}

// SetSwapchain records the active swapchain and marks a hello/swapchain
// replay pending.
func (c *Client) SetSwapchain(width, height, format, imageCount uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.swapchain = &Swapchain{Width: width, Height: height, Format: format, ImageCount: imageCount}
	c.pendingSend = true
}

// ClearSwapchain drops the cached swapchain (on swapchain destruction) and
// notifies the daemon if currently connected.
func (c *Client) ClearSwapchain() {
	c.mu.Lock()
	c.swapchain = nil
	connected := c.connected
	pid := c.pid
	c.mu.Unlock()

	if connected {
		payload := wire.SwapchainInfoPayload{PID: pid}
		if err := c.send(wire.MsgSwapchainDestroyed, payload.Encode()); err != nil {
			c.markDisconnected()
		}
	}
}

// IsConnected reports the current connection state.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// TryReconnect attempts to connect if not already connected, rate-limited
// to ReconnectInterval between attempts.
func (c *Client) TryReconnect() bool {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return true
	}
	now := time.Now()
	if now.Sub(c.lastConnectAttempt) < ReconnectInterval {
		c.mu.Unlock()
		return false
	}
	c.lastConnectAttempt = now
	c.mu.Unlock()

	return c.connect()
}

func (c *Client) connect() bool {
	c.mu.Lock()
	reconnects := c.reconnects
	c.mu.Unlock()
	if reconnects != nil {
		reconnects.Inc()
	}

	nc, err := net.Dial("unix", c.socketPath)
	if err != nil {
		return false
	}

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = nc
	c.connected = true
	c.pendingSend = true
	done := make(chan struct{})
	c.receiverDone = done
	connGauge := c.connGauge
	c.mu.Unlock()

	if connGauge != nil {
		connGauge.Inc()
	}

	go c.receiveLoop(nc, done)
	c.log.Info("layer client connected to daemon")
	return true
}

func (c *Client) receiveLoop(nc net.Conn, done chan struct{}) {
	defer close(done)
	for {
		hdr, _, err := wire.ReadMessage(nc)
		if err != nil {
			if err != io.EOF {
				c.log.Debug("layer client: receive error", zap.Error(err))
			}
			c.markDisconnected()
			return
		}
		if hdr.Type == wire.MsgPing {
			_ = c.send(wire.MsgPong, nil)
		}
		// All other inbound message types are no-ops for the layer.
	}
}

func (c *Client) markDisconnected() {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	connGauge := c.connGauge
	c.mu.Unlock()

	if wasConnected && connGauge != nil {
		connGauge.Dec()
	}
}

func (c *Client) send(typ wire.MessageType, payload []byte) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()

	if !connected || conn == nil {
		return errNotConnected
	}
	if err := wire.WriteMessage(conn, typ, payload, time.Now()); err != nil {
		c.markDisconnected()
		return err
	}
	return nil
}

var errNotConnected = &notConnectedError{}

type notConnectedError struct{}

func (*notConnectedError) Error() string { return "layerclient: not connected" }

// Present runs the per-frame contract: reconnect if needed, replay a
// pending hello+swapchain once connected, then stream the frame datum.
func (c *Client) Present(frame timing.Frame, fps float32) {
	if !c.IsConnected() {
		c.mu.Lock()
		c.pendingSend = true
		c.mu.Unlock()
		c.TryReconnect()
		if !c.IsConnected() {
			return
		}
	}

	c.mu.Lock()
	pending := c.pendingSend
	sc := c.swapchain
	gpu := c.gpuName
	presentTiming := c.presentTiming
	c.mu.Unlock()

	if pending {
		hello := wire.LayerHelloPayload{
			PID:                    c.pid,
			ProcessName:            c.processName,
			GPUName:                gpu,
			PresentTimingSupported: presentTiming,
		}
		if err := c.send(wire.MsgLayerHello, hello.Encode()); err != nil {
			return
		}
		if sc != nil {
			swap := wire.SwapchainInfoPayload{PID: c.pid, Width: sc.Width, Height: sc.Height, Format: sc.Format, ImageCount: sc.ImageCount}
			if err := c.send(wire.MsgSwapchainCreated, swap.Encode()); err != nil {
				return
			}
		}
		c.mu.Lock()
		c.pendingSend = false
		c.mu.Unlock()
	}

	datum := wire.FrameDatum{
		FrameNumber:           frame.FrameNumber,
		TimestampNS:           frame.TimestampNS,
		CPUFrametimeMs:        frame.FrametimeMs,
		FPS:                   fps,
		PID:                   int32(c.pid),
		ActualPresentTimeNS:   frame.ActualPresentTimeNS,
		MsUntilRenderComplete: frame.MsUntilRenderComplete,
		MsUntilDisplayed:      frame.MsUntilDisplayed,
		ActualFrametimeMs:     frame.ActualFrametimeMs,
	}
	_ = c.send(wire.MsgFrametimeData, datum.Encode())
}

// Close tears down the connection and waits for the receiver goroutine to
// exit.
func (c *Client) Close() {
	c.mu.Lock()
	conn := c.conn
	done := c.receiverDone
	wasConnected := c.connected
	connGauge := c.connGauge
	c.connected = false
	c.conn = nil
	c.mu.Unlock()

	if wasConnected && connGauge != nil {
		connGauge.Dec()
	}
	if conn != nil {
		conn.Close()
	}
	if done != nil {
		<-done
	}
}
