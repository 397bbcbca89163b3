package wire

import "encoding/binary"

// GameInfo accompanies GameStarted, GameStopped, and GameUpdated. Launcher
// is an opaque, unformatted ancestry string per the open design question —
// the original never documents a formatting rule for it.
type GameInfo struct {
	PID                    uint32
	GameName               string
	ExePath                string
	Launcher               string
	GPUName                string
	ResolutionWidth        uint32
	ResolutionHeight       uint32
	PresentTimingSupported bool
}

const gameInfoSize = 4 + MaxGameNameLength + MaxPathLength + MaxGameNameLength + MaxGameNameLength + 4 + 4 + 1

func (g GameInfo) Encode() []byte {
	buf := make([]byte, gameInfoSize)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:off+4], g.PID)
	off += 4
	putString(buf[off:off+MaxGameNameLength], g.GameName, MaxGameNameLength)
	off += MaxGameNameLength
	putString(buf[off:off+MaxPathLength], g.ExePath, MaxPathLength)
	off += MaxPathLength
	putString(buf[off:off+MaxGameNameLength], g.Launcher, MaxGameNameLength)
	off += MaxGameNameLength
	putString(buf[off:off+MaxGameNameLength], g.GPUName, MaxGameNameLength)
	off += MaxGameNameLength
	binary.LittleEndian.PutUint32(buf[off:off+4], g.ResolutionWidth)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], g.ResolutionHeight)
	off += 4
	putBool(buf[off:off+1], g.PresentTimingSupported)
	return buf
}

func DecodeGameInfo(buf []byte) (GameInfo, error) {
	if len(buf) != gameInfoSize {
		return GameInfo{}, errShort("GameInfo", gameInfoSize, len(buf))
	}
	var g GameInfo
	off := 0
	g.PID = binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	g.GameName = getString(buf[off : off+MaxGameNameLength])
	off += MaxGameNameLength
	g.ExePath = getString(buf[off : off+MaxPathLength])
	off += MaxPathLength
	g.Launcher = getString(buf[off : off+MaxGameNameLength])
	off += MaxGameNameLength
	g.GPUName = getString(buf[off : off+MaxGameNameLength])
	off += MaxGameNameLength
	g.ResolutionWidth = binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	g.ResolutionHeight = binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	g.PresentTimingSupported = getBool(buf[off : off+1])
	return g, nil
}

// StartCapturePayload is the StartCapture(pid) message body.
type StartCapturePayload struct {
	PID uint32
}

const startCaptureSize = 4

func (p StartCapturePayload) Encode() []byte {
	buf := make([]byte, startCaptureSize)
	binary.LittleEndian.PutUint32(buf, p.PID)
	return buf
}

func DecodeStartCapture(buf []byte) (StartCapturePayload, error) {
	if len(buf) != startCaptureSize {
		return StartCapturePayload{}, errShort("StartCapture", startCaptureSize, len(buf))
	}
	return StartCapturePayload{PID: binary.LittleEndian.Uint32(buf)}, nil
}

// FrameDatum is the FrametimeData payload.
type FrameDatum struct {
	FrameNumber           uint64
	TimestampNS           uint64
	CPUFrametimeMs        float32
	FPS                   float32
	PID                   int32
	ActualPresentTimeNS   uint64
	MsUntilRenderComplete float32
	MsUntilDisplayed      float32
	ActualFrametimeMs     float32
}

const frameDatumSize = 8 + 8 + 4 + 4 + 4 + 8 + 4 + 4 + 4 + 4 // trailing 4 = alignment padding, matches FrameDataPoint

func (f FrameDatum) Encode() []byte {
	buf := make([]byte, frameDatumSize)
	off := 0
	binary.LittleEndian.PutUint64(buf[off:off+8], f.FrameNumber)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:off+8], f.TimestampNS)
	off += 8
	putFloat32(buf[off:off+4], f.CPUFrametimeMs)
	off += 4
	putFloat32(buf[off:off+4], f.FPS)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(f.PID))
	off += 4
	binary.LittleEndian.PutUint64(buf[off:off+8], f.ActualPresentTimeNS)
	off += 8
	putFloat32(buf[off:off+4], f.MsUntilRenderComplete)
	off += 4
	putFloat32(buf[off:off+4], f.MsUntilDisplayed)
	off += 4
	putFloat32(buf[off:off+4], f.ActualFrametimeMs)
	off += 4
	// remaining 4 bytes: padding, left zero
	return buf
}

func DecodeFrameDatum(buf []byte) (FrameDatum, error) {
	if len(buf) != frameDatumSize {
		return FrameDatum{}, errShort("FrameDatum", frameDatumSize, len(buf))
	}
	var f FrameDatum
	off := 0
	f.FrameNumber = binary.LittleEndian.Uint64(buf[off : off+8])
	off += 8
	f.TimestampNS = binary.LittleEndian.Uint64(buf[off : off+8])
	off += 8
	f.CPUFrametimeMs = getFloat32(buf[off : off+4])
	off += 4
	f.FPS = getFloat32(buf[off : off+4])
	off += 4
	f.PID = int32(binary.LittleEndian.Uint32(buf[off : off+4]))
	off += 4
	f.ActualPresentTimeNS = binary.LittleEndian.Uint64(buf[off : off+8])
	off += 8
	f.MsUntilRenderComplete = getFloat32(buf[off : off+4])
	off += 4
	f.MsUntilDisplayed = getFloat32(buf[off : off+4])
	off += 4
	f.ActualFrametimeMs = getFloat32(buf[off : off+4])
	return f, nil
}

// LayerHelloPayload announces a layer instance to the daemon.
type LayerHelloPayload struct {
	PID                    uint32
	ProcessName            string
	GPUName                string
	PresentTimingSupported bool
}

const layerHelloSize = 4 + MaxGameNameLength + MaxGameNameLength + 1

func (p LayerHelloPayload) Encode() []byte {
	buf := make([]byte, layerHelloSize)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:off+4], p.PID)
	off += 4
	putString(buf[off:off+MaxGameNameLength], p.ProcessName, MaxGameNameLength)
	off += MaxGameNameLength
	putString(buf[off:off+MaxGameNameLength], p.GPUName, MaxGameNameLength)
	off += MaxGameNameLength
	putBool(buf[off:off+1], p.PresentTimingSupported)
	return buf
}

func DecodeLayerHello(buf []byte) (LayerHelloPayload, error) {
	if len(buf) != layerHelloSize {
		return LayerHelloPayload{}, errShort("LayerHello", layerHelloSize, len(buf))
	}
	var p LayerHelloPayload
	off := 0
	p.PID = binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	p.ProcessName = getString(buf[off : off+MaxGameNameLength])
	off += MaxGameNameLength
	p.GPUName = getString(buf[off : off+MaxGameNameLength])
	off += MaxGameNameLength
	p.PresentTimingSupported = getBool(buf[off : off+1])
	return p, nil
}

// SwapchainInfoPayload carries swapchain creation/destruction details. A
// destruction notice zeroes every field but PID.
type SwapchainInfoPayload struct {
	PID         uint32
	Width       uint32
	Height      uint32
	Format      uint32
	ImageCount  uint32
}

const swapchainInfoSize = 4 * 5

func (p SwapchainInfoPayload) Encode() []byte {
	buf := make([]byte, swapchainInfoSize)
	binary.LittleEndian.PutUint32(buf[0:4], p.PID)
	binary.LittleEndian.PutUint32(buf[4:8], p.Width)
	binary.LittleEndian.PutUint32(buf[8:12], p.Height)
	binary.LittleEndian.PutUint32(buf[12:16], p.Format)
	binary.LittleEndian.PutUint32(buf[16:20], p.ImageCount)
	return buf
}

func DecodeSwapchainInfo(buf []byte) (SwapchainInfoPayload, error) {
	if len(buf) != swapchainInfoSize {
		return SwapchainInfoPayload{}, errShort("SwapchainInfo", swapchainInfoSize, len(buf))
	}
	return SwapchainInfoPayload{
		PID:        binary.LittleEndian.Uint32(buf[0:4]),
		Width:      binary.LittleEndian.Uint32(buf[4:8]),
		Height:     binary.LittleEndian.Uint32(buf[8:12]),
		Format:     binary.LittleEndian.Uint32(buf[12:16]),
		ImageCount: binary.LittleEndian.Uint32(buf[16:20]),
	}, nil
}

// IgnoreNamePayload is the IgnoreAdd/IgnoreRemove message body.
type IgnoreNamePayload struct {
	Name string
}

const ignoreNameSize = MaxGameNameLength

func (p IgnoreNamePayload) Encode() []byte {
	buf := make([]byte, ignoreNameSize)
	putString(buf, p.Name, MaxGameNameLength)
	return buf
}

func DecodeIgnoreName(buf []byte) (IgnoreNamePayload, error) {
	if len(buf) != ignoreNameSize {
		return IgnoreNamePayload{}, errShort("IgnoreName", ignoreNameSize, len(buf))
	}
	return IgnoreNamePayload{Name: getString(buf[:MaxGameNameLength])}, nil
}

// IgnoreListEntryWire is one entry of an IgnoreResponse list blob.
type IgnoreListEntryWire struct {
	Name    string
	AddedAt string
}

const ignoreListEntrySize = MaxGameNameLength + MaxTimestampLength

// EncodeIgnoreList encodes a variable-length IgnoreResponse payload:
// a uint32 count followed by that many fixed-size entries.
func EncodeIgnoreList(entries []IgnoreListEntryWire) []byte {
	buf := make([]byte, 4+len(entries)*ignoreListEntrySize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(entries)))
	off := 4
	for _, e := range entries {
		putString(buf[off:off+MaxGameNameLength], e.Name, MaxGameNameLength)
		off += MaxGameNameLength
		putString(buf[off:off+MaxTimestampLength], e.AddedAt, MaxTimestampLength)
		off += MaxTimestampLength
	}
	return buf
}

func DecodeIgnoreList(buf []byte) ([]IgnoreListEntryWire, error) {
	if len(buf) < 4 {
		return nil, errShort("IgnoreList", 4, len(buf))
	}
	count := binary.LittleEndian.Uint32(buf[0:4])
	want := 4 + int(count)*ignoreListEntrySize
	if len(buf) != want {
		return nil, errShort("IgnoreList", want, len(buf))
	}
	entries := make([]IgnoreListEntryWire, 0, count)
	off := 4
	for i := uint32(0); i < count; i++ {
		name := getString(buf[off : off+MaxGameNameLength])
		off += MaxGameNameLength
		addedAt := getString(buf[off : off+MaxTimestampLength])
		off += MaxTimestampLength
		entries = append(entries, IgnoreListEntryWire{Name: name, AddedAt: addedAt})
	}
	return entries, nil
}

// StatusResponsePayload is the composite StatusResp body: the set of
// currently tracked games plus an optional
// per-game pacing quality score (zero when unavailable).
type StatusResponsePayload struct {
	Games        []GameInfo
	PacingScores []float32 // parallel to Games, by index
}

func EncodeStatusResponse(p StatusResponsePayload) []byte {
	n := len(p.Games)
	buf := make([]byte, 4+n*(gameInfoSize+4))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(n))
	off := 4
	for i, g := range p.Games {
		copy(buf[off:off+gameInfoSize], g.Encode())
		off += gameInfoSize
		var score float32
		if i < len(p.PacingScores) {
			score = p.PacingScores[i]
		}
		putFloat32(buf[off:off+4], score)
		off += 4
	}
	return buf
}

func DecodeStatusResponse(buf []byte) (StatusResponsePayload, error) {
	if len(buf) < 4 {
		return StatusResponsePayload{}, errShort("StatusResponse", 4, len(buf))
	}
	n := binary.LittleEndian.Uint32(buf[0:4])
	off := 4
	var out StatusResponsePayload
	for i := uint32(0); i < n; i++ {
		if len(buf) < off+gameInfoSize+4 {
			return StatusResponsePayload{}, errShort("StatusResponse entry", gameInfoSize+4, len(buf)-off)
		}
		g, err := DecodeGameInfo(buf[off : off+gameInfoSize])
		if err != nil {
			return StatusResponsePayload{}, err
		}
		off += gameInfoSize
		score := getFloat32(buf[off : off+4])
		off += 4
		out.Games = append(out.Games, g)
		out.PacingScores = append(out.PacingScores, score)
	}
	if off != len(buf) {
		return StatusResponsePayload{}, errShort("StatusResponse", off, len(buf))
	}
	return out, nil
}
