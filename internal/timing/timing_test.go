package timing

import "testing"

func TestRecordFrameFirstHasZeroFrametime(t *testing.T) {
	r := New()
	f := r.RecordFrame(1, 1_000_000_000, 1_000_500_000, 0, 0, 0)
	if f.FrametimeMs != 0 {
		t.Fatalf("first frame frametime = %v, want 0", f.FrametimeMs)
	}
	if f.PresentTimeMs != 0.5 {
		t.Fatalf("present time = %v, want 0.5", f.PresentTimeMs)
	}
}

func TestRecordFrameComputesDelta(t *testing.T) {
	r := New()
	r.RecordFrame(1, 1_000_000_000, 1_000_100_000, 0, 0, 0)
	f := r.RecordFrame(2, 1_016_666_667, 1_016_766_667, 0, 0, 0)
	want := float32(16.666667)
	if diff := f.FrametimeMs - want; diff > 0.01 || diff < -0.01 {
		t.Fatalf("frametime = %v, want ~%v", f.FrametimeMs, want)
	}
}

func TestLatestEmptyRing(t *testing.T) {
	r := New()
	if _, ok := r.Latest(); ok {
		t.Fatalf("expected Latest to report false on an empty ring")
	}
}

func TestLatestReturnsMostRecent(t *testing.T) {
	r := New()
	r.RecordFrame(1, 1_000_000_000, 1_000_100_000, 0, 0, 0)
	r.RecordFrame(2, 1_016_000_000, 1_016_100_000, 0, 0, 0)
	latest, ok := r.Latest()
	if !ok || latest.FrameNumber != 2 {
		t.Fatalf("Latest = %+v, ok=%v, want frame 2", latest, ok)
	}
}

func TestFramesSinceFiltersAndOrders(t *testing.T) {
	r := New()
	for i := uint64(1); i <= 5; i++ {
		r.RecordFrame(i, i*16_000_000, i*16_000_000+100_000, 0, 0, 0)
	}
	got := r.FramesSince(2, 10)
	if len(got) != 3 {
		t.Fatalf("got %d frames, want 3", len(got))
	}
	for i, f := range got {
		want := uint64(3 + i)
		if f.FrameNumber != want {
			t.Fatalf("got[%d].FrameNumber = %d, want %d", i, f.FrameNumber, want)
		}
	}
}

func TestFramesSinceRespectsMaxFrames(t *testing.T) {
	r := New()
	for i := uint64(1); i <= 5; i++ {
		r.RecordFrame(i, i*16_000_000, i*16_000_000+100_000, 0, 0, 0)
	}
	got := r.FramesSince(0, 2)
	if len(got) != 2 {
		t.Fatalf("got %d frames, want 2", len(got))
	}
}

func TestAverageFrametimeSkipsZero(t *testing.T) {
	r := New()
	r.RecordFrame(1, 1_000_000_000, 1_000_100_000, 0, 0, 0) // frametime 0 (first)
	r.RecordFrame(2, 1_016_000_000, 1_016_100_000, 0, 0, 0) // frametime 16ms
	r.RecordFrame(3, 1_032_000_000, 1_032_100_000, 0, 0, 0) // frametime 16ms
	avg := r.AverageFrametime(3)
	if avg < 15.9 || avg > 16.1 {
		t.Fatalf("average = %v, want ~16", avg)
	}
}

func TestAverageFrametimeEmptyRing(t *testing.T) {
	r := New()
	if avg := r.AverageFrametime(10); avg != 0 {
		t.Fatalf("average = %v, want 0", avg)
	}
}

func TestCurrentFPSDerivesFromAverage(t *testing.T) {
	r := New()
	const stepNS = 16_666_667 // ~60fps
	ts := uint64(1_000_000_000)
	for i := uint64(1); i <= 70; i++ {
		r.RecordFrame(i, ts, ts+50_000, 0, 0, 0)
		ts += stepNS
	}
	fps := r.CurrentFPS()
	if fps < 58 || fps > 62 {
		t.Fatalf("fps = %v, want ~60", fps)
	}
}

func TestRingWrapsAtCapacity(t *testing.T) {
	r := New()
	for i := uint64(1); i <= Capacity+10; i++ {
		r.RecordFrame(i, i*1_000_000, i*1_000_000+1000, 0, 0, 0)
	}
	if r.Count() != Capacity {
		t.Fatalf("count = %d, want %d", r.Count(), Capacity)
	}
	latest, ok := r.Latest()
	if !ok || latest.FrameNumber != Capacity+10 {
		t.Fatalf("latest = %+v, want frame %d", latest, Capacity+10)
	}
}
