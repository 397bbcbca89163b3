package wire

import (
	"bytes"
	"testing"
	"time"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := MessageHeader{Type: MsgLayerHello, PayloadSize: 42, Timestamp: 123456789}
	got, err := DecodeHeader(h.Encode())
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if got != h {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, h)
	}
}

func TestGameInfoRoundTrip(t *testing.T) {
	g := GameInfo{
		PID:                    4242,
		GameName:               "Game.exe",
		ExePath:                "/home/user/.steam/steam/steamapps/common/Game/Game.exe",
		Launcher:               "steam > proton > Game.exe",
		GPUName:                "ACME X1",
		ResolutionWidth:        1920,
		ResolutionHeight:       1080,
		PresentTimingSupported: true,
	}
	got, err := DecodeGameInfo(g.Encode())
	if err != nil {
		t.Fatalf("DecodeGameInfo: %v", err)
	}
	if got != g {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, g)
	}
}

func TestFrameDatumRoundTrip(t *testing.T) {
	f := FrameDatum{
		FrameNumber:    100,
		TimestampNS:    1_000_000_000,
		CPUFrametimeMs: 16.6,
		FPS:            60.0,
		PID:            4242,
	}
	got, err := DecodeFrameDatum(f.Encode())
	if err != nil {
		t.Fatalf("DecodeFrameDatum: %v", err)
	}
	if got != f {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, f)
	}
}

func TestIgnoreListRoundTrip(t *testing.T) {
	entries := []IgnoreListEntryWire{
		{Name: "Launcher.exe", AddedAt: "2026-01-01T00:00:00Z"},
		{Name: "Bench.exe", AddedAt: "2026-01-02T00:00:00Z"},
	}
	got, err := DecodeIgnoreList(EncodeIgnoreList(entries))
	if err != nil {
		t.Fatalf("DecodeIgnoreList: %v", err)
	}
	if len(got) != len(entries) {
		t.Fatalf("got %d entries, want %d", len(got), len(entries))
	}
	for i := range entries {
		if got[i] != entries[i] {
			t.Errorf("entry %d = %+v, want %+v", i, got[i], entries[i])
		}
	}
}

func TestWriteReadMessage(t *testing.T) {
	var buf bytes.Buffer
	payload := StartCapturePayload{PID: 9000}.Encode()
	if err := WriteMessage(&buf, MsgStartCapture, payload, time.Unix(0, 555)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	h, got, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if h.Type != MsgStartCapture {
		t.Errorf("type = %v, want StartCapture", h.Type)
	}
	if h.Timestamp != 555 {
		t.Errorf("timestamp = %d, want 555", h.Timestamp)
	}
	p, err := DecodeStartCapture(got)
	if err != nil {
		t.Fatalf("DecodeStartCapture: %v", err)
	}
	if p.PID != 9000 {
		t.Errorf("pid = %d, want 9000", p.PID)
	}
}

func TestReadMessageRejectsOversizePayload(t *testing.T) {
	var buf bytes.Buffer
	h := MessageHeader{Type: MsgPing, PayloadSize: MaxMessageSize + 1}
	buf.Write(h.Encode())
	if _, _, err := ReadMessage(&buf); err == nil {
		t.Fatalf("expected error for oversize payload_size")
	}
}

func TestDecodeStartCaptureRejectsOversizePayload(t *testing.T) {
	payload := append(StartCapturePayload{PID: 1}.Encode(), 0xff, 0xff, 0xff)
	if _, err := DecodeStartCapture(payload); err == nil {
		t.Fatalf("expected error for oversize StartCapture payload, got none")
	}
}

func TestDecodeIgnoreListRejectsOversizePayload(t *testing.T) {
	entries := []IgnoreListEntryWire{{Name: "Launcher.exe", AddedAt: "2026-01-01T00:00:00Z"}}
	payload := append(EncodeIgnoreList(entries), 0xde, 0xad, 0xbe, 0xef)
	if _, err := DecodeIgnoreList(payload); err == nil {
		t.Fatalf("expected error for oversize IgnoreList payload, got none")
	}
}

func TestDecodeStatusResponseRejectsOversizePayload(t *testing.T) {
	resp := StatusResponsePayload{
		Games:        []GameInfo{{PID: 1, GameName: "Game.exe"}},
		PacingScores: []float32{0.9},
	}
	payload := append(EncodeStatusResponse(resp), 0x01)
	if _, err := DecodeStatusResponse(payload); err == nil {
		t.Fatalf("expected error for oversize StatusResponse payload, got none")
	}
}
