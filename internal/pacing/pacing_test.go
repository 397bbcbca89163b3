package pacing

import (
	"math"
	"testing"
)

func TestClassifyStutter(t *testing.T) {
	cases := []struct {
		frametime, avg float32
		want           StutterBucket
	}{
		{16.6, 0, BucketSmooth},
		{16.6, 16.6, BucketSmooth},
		{26, 16.6, BucketMinorStutter},
		{40, 16.6, BucketMajorStutter},
	}
	for _, c := range cases {
		if got := ClassifyStutter(c.frametime, c.avg); got != c.want {
			t.Errorf("ClassifyStutter(%v, %v) = %v, want %v", c.frametime, c.avg, got, c.want)
		}
	}
}

func TestShannonEntropyUniformDistribution(t *testing.T) {
	counts := EventCounts{10, 10, 10}
	want := math.Log2(3)
	if got := ShannonEntropy(counts); math.Abs(got-want) > 1e-9 {
		t.Fatalf("ShannonEntropy = %v, want %v", got, want)
	}
}

func TestShannonEntropyDegenerateDistribution(t *testing.T) {
	counts := EventCounts{30, 0, 0}
	if got := ShannonEntropy(counts); got != 0 {
		t.Fatalf("ShannonEntropy = %v, want 0", got)
	}
}

func TestShannonEntropyEmptyCounts(t *testing.T) {
	if got := ShannonEntropy(EventCounts{}); got != 0 {
		t.Fatalf("ShannonEntropy = %v, want 0", got)
	}
}

func TestAccumulatorUpdateAndReset(t *testing.T) {
	a := NewAccumulator(0.5)
	a.Update(1.0)
	a.Update(1.0)
	if v := a.Value(); math.Abs(v-0.75) > 1e-9 {
		t.Fatalf("Value = %v, want ~0.75", v)
	}
	a.Reset()
	if v := a.Value(); v != 0 {
		t.Fatalf("Value after Reset = %v, want 0", v)
	}
}

func TestEngineScoreNilBaseline(t *testing.T) {
	e := NewEngine(0.3)
	score, err := e.Score([]float64{1, 2}, nil, 0.5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if score != 0 {
		t.Fatalf("score = %v, want 0 for nil baseline", score)
	}
}

func TestEngineScoreDimensionMismatch(t *testing.T) {
	e := NewEngine(0.3)
	baseline := &Baseline{MeanVector: []float64{0, 0}}
	if _, err := e.Score([]float64{1}, baseline, 0); err == nil {
		t.Fatalf("expected a dimension-mismatch error")
	}
}

func TestEngineScoreIdentityCovarianceIsEuclidean(t *testing.T) {
	e := NewEngine(0)
	baseline := &Baseline{
		MeanVector:      []float64{0, 0},
		InvCovariance:   [][]float64{{1, 0}, {0, 1}},
		BaselineEntropy: 0,
	}
	score, err := e.Score([]float64{1, 0}, baseline, 0)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if math.Abs(score-1.0) > 1e-9 {
		t.Fatalf("score = %v, want 1.0", score)
	}
}

func TestInvertCovarianceIdentity(t *testing.T) {
	identity := [][]float64{{1, 0}, {0, 1}}
	inv := InvertCovariance(identity)
	if inv == nil {
		t.Fatalf("expected a non-nil inverse for the identity matrix")
	}
	for i := range inv {
		for j := range inv[i] {
			want := 0.0
			if i == j {
				want = 1.0
			}
			if math.Abs(inv[i][j]-want) > 1e-9 {
				t.Fatalf("inv[%d][%d] = %v, want %v", i, j, inv[i][j], want)
			}
		}
	}
}

func TestInvertCovarianceSingularReturnsNil(t *testing.T) {
	singular := [][]float64{{1, 1}, {1, 1}}
	if inv := InvertCovariance(singular); inv != nil {
		t.Fatalf("expected nil for a singular matrix, got %v", inv)
	}
}

func TestMonitorPacingScoreDefaultsToSmoothForUnknownPID(t *testing.T) {
	m := NewMonitor(0.8, 0.3)
	if got := m.PacingScore(999); got != 1.0 {
		t.Fatalf("PacingScore(unknown) = %v, want 1.0", got)
	}
}

func TestMonitorObserveStableFrametimesStaySmoothAndHighScoring(t *testing.T) {
	m := NewMonitor(0.8, 0.3)
	for i := 0; i < 200; i++ {
		m.Observe(42, 16.6, 0.2)
	}
	score := m.PacingScore(42)
	if score < 0.9 {
		t.Fatalf("PacingScore = %v, want a high (smooth) score after stable frametimes", score)
	}
	counts := m.Counts(42)
	if counts[BucketMajorStutter] != 0 {
		t.Fatalf("counts = %+v, want no major stutters from stable frametimes", counts)
	}
}

func TestMonitorObserveStuttersLowerPacingScore(t *testing.T) {
	m := NewMonitor(0.8, 0.3)
	for i := 0; i < 200; i++ {
		m.Observe(7, 16.6, 0.2)
	}
	stable := m.PacingScore(7)

	for i := 0; i < 50; i++ {
		m.Observe(7, 60.0, 0.2) // sustained major stutter
	}
	stuttering := m.PacingScore(7)

	if stuttering >= stable {
		t.Fatalf("PacingScore after stutters = %v, want lower than stable score %v", stuttering, stable)
	}
}

func TestMonitorRemove(t *testing.T) {
	m := NewMonitor(0.8, 0.3)
	m.Observe(1, 16.6, 0.2)
	m.Remove(1)
	if got := m.PacingScore(1); got != 1.0 {
		t.Fatalf("PacingScore after Remove = %v, want 1.0 (as if unobserved)", got)
	}
}
