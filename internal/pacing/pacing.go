// Package pacing implements the per-process frame-pacing quality signal
// an EWMA jitter-pressure accumulator combined with a
// Mahalanobis-distance stutter score computed against a continuously
// updated rolling baseline of frametime/present-time features.
package pacing

import (
	"fmt"
	"math"
	"sync"
)

// StutterBucket classifies one frame transition relative to a process's
// own rolling average frametime.
type StutterBucket int

const (
	BucketSmooth StutterBucket = iota
	BucketMinorStutter
	BucketMajorStutter
	numBuckets
)

// Ratio thresholds (frametime / rolling-average-frametime) that classify a
// frame as a minor or major stutter.
const (
	MinorStutterRatio = 1.5
	MajorStutterRatio = 2.0
)

// warmupSamples is how many frames a process must present before its
// rolling baseline is trusted for scoring (~2s at 60fps).
const warmupSamples = 120

// ClassifyStutter buckets one frametime sample against the rolling average.
// A non-positive average (no history yet) always classifies as smooth.
func ClassifyStutter(frametimeMs, avgFrametimeMs float32) StutterBucket {
	if avgFrametimeMs <= 0 {
		return BucketSmooth
	}
	ratio := frametimeMs / avgFrametimeMs
	switch {
	case ratio >= MajorStutterRatio:
		return BucketMajorStutter
	case ratio >= MinorStutterRatio:
		return BucketMinorStutter
	default:
		return BucketSmooth
	}
}

// EventCounts holds how many frames fell into each stutter bucket, counted
// cumulatively since the PID was first observed.
type EventCounts [numBuckets]uint64

// ShannonEntropy computes H = -Σ p(eᵢ) log₂(p(eᵢ)) over the bucket counts,
// in bits. Returns 0 for an empty or degenerate (single-bucket) window.
func ShannonEntropy(counts EventCounts) float64 {
	var total uint64
	for _, c := range counts {
		total += c
	}
	if total == 0 {
		return 0
	}
	fTotal := float64(total)
	var h float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / fTotal
		h -= p * math.Log2(p)
	}
	return h
}

// MaxEntropy returns log2(k), the maximum possible entropy for k non-zero
// bucket types.
func MaxEntropy(k int) float64 {
	if k <= 1 {
		return 0
	}
	return math.Log2(float64(k))
}

// Accumulator is an EWMA smoother: P_{t+1} = alpha*P_t + (1-alpha)*A_t.
type Accumulator struct {
	mu    sync.Mutex
	alpha float64
	value float64
}

// NewAccumulator creates an Accumulator with the given smoothing factor,
// which must be in [0, 1].
func NewAccumulator(alpha float64) *Accumulator {
	if alpha < 0 || alpha > 1 {
		panic("pacing: alpha must be in [0.0, 1.0]")
	}
	return &Accumulator{alpha: alpha}
}

// Update applies one EWMA step and returns the new value.
func (a *Accumulator) Update(x float64) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.value = a.alpha*a.value + (1.0-a.alpha)*x
	return a.value
}

// Value returns the current accumulated value without updating it.
func (a *Accumulator) Value() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.value
}

// Reset sets the accumulated value to zero.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.value = 0
}

// featureDim is the feature vector width: {frametimeMs, presentTimeMs}.
const featureDim = 2

// onlineStats tracks a running mean and covariance over 2D feature
// vectors using Welford's algorithm, updated on every sample rather than
// frozen after a training window.
type onlineStats struct {
	n    float64
	mean [featureDim]float64
	m2   [featureDim][featureDim]float64
}

func (s *onlineStats) update(x [featureDim]float64) {
	s.n++
	var delta [featureDim]float64
	for i := range x {
		delta[i] = x[i] - s.mean[i]
		s.mean[i] += delta[i] / s.n
	}
	var delta2 [featureDim]float64
	for i := range x {
		delta2[i] = x[i] - s.mean[i]
	}
	for i := 0; i < featureDim; i++ {
		for j := 0; j < featureDim; j++ {
			s.m2[i][j] += delta[i] * delta2[j]
		}
	}
}

func (s *onlineStats) covariance() [][]float64 {
	cov := make([][]float64, featureDim)
	for i := range cov {
		cov[i] = make([]float64, featureDim)
	}
	if s.n < 2 {
		return cov
	}
	for i := 0; i < featureDim; i++ {
		for j := 0; j < featureDim; j++ {
			cov[i][j] = s.m2[i][j] / (s.n - 1)
		}
	}
	return cov
}

// Baseline holds the statistical parameters scored against, mirroring the
// original anomaly engine's shape so the Mahalanobis math ports unchanged.
type Baseline struct {
	MeanVector       []float64
	CovarianceMatrix [][]float64
	InvCovariance    [][]float64 // nil if CovarianceMatrix is singular
	BaselineEntropy  float64
}

// Engine computes composite pacing-quality scores:
//
//	A = (x-mu)^T Sigma^-1 (x-mu) + entropyWeight * |H_current - H_baseline|
type Engine struct {
	entropyWeight float64
}

// NewEngine creates an Engine with the given entropy weight, which must be
// in [0, 1].
func NewEngine(entropyWeight float64) *Engine {
	if entropyWeight < 0 || entropyWeight > 1 {
		panic(fmt.Sprintf("pacing: entropyWeight %f out of range [0.0, 1.0]", entropyWeight))
	}
	return &Engine{entropyWeight: entropyWeight}
}

// Score computes the composite score for feature vector x against baseline.
// Returns 0 if baseline is nil (no data yet for this process).
func (e *Engine) Score(x []float64, baseline *Baseline, currentEntropy float64) (float64, error) {
	if baseline == nil {
		return 0, nil
	}
	n := len(baseline.MeanVector)
	if len(x) != n {
		return 0, fmt.Errorf("pacing: feature dimension mismatch: x has %d elements, baseline has %d", len(x), n)
	}

	diff := make([]float64, n)
	for i := range diff {
		diff[i] = x[i] - baseline.MeanVector[i]
	}

	var mahal float64
	if baseline.InvCovariance != nil {
		mahal = mahalanobisSquared(diff, baseline.InvCovariance)
	} else {
		mahal = euclideanSquared(diff)
	}

	deltaH := math.Abs(currentEntropy - baseline.BaselineEntropy)
	return mahal + e.entropyWeight*deltaH, nil
}

func mahalanobisSquared(v []float64, m [][]float64) float64 {
	n := len(v)
	mv := make([]float64, n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			mv[i] += m[i][j] * v[j]
		}
	}
	var result float64
	for i := 0; i < n; i++ {
		result += v[i] * mv[i]
	}
	return result
}

func euclideanSquared(v []float64) float64 {
	var sum float64
	for _, vi := range v {
		sum += vi * vi
	}
	return sum
}

// InvertCovariance computes the inverse of a symmetric positive-definite
// matrix via Cholesky decomposition. Returns nil if the matrix is singular
// or not positive-definite, in which case callers fall back to Euclidean
// distance.
func InvertCovariance(cov [][]float64) [][]float64 {
	n := len(cov)
	if n == 0 {
		return nil
	}
	l := choleskyDecompose(cov)
	if l == nil {
		return nil
	}
	linv := invertLowerTriangular(l)
	if linv == nil {
		return nil
	}
	inv := make([][]float64, n)
	for i := range inv {
		inv[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			for k := 0; k < n; k++ {
				inv[i][j] += linv[k][i] * linv[k][j]
			}
		}
	}
	return inv
}

func choleskyDecompose(a [][]float64) [][]float64 {
	n := len(a)
	l := make([][]float64, n)
	for i := range l {
		l[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			sum := a[i][j]
			for k := 0; k < j; k++ {
				sum -= l[i][k] * l[j][k]
			}
			if i == j {
				if sum <= 0 {
					return nil
				}
				l[i][j] = math.Sqrt(sum)
			} else {
				if l[j][j] == 0 {
					return nil
				}
				l[i][j] = sum / l[j][j]
			}
		}
	}
	return l
}

func invertLowerTriangular(l [][]float64) [][]float64 {
	n := len(l)
	inv := make([][]float64, n)
	for i := range inv {
		inv[i] = make([]float64, n)
	}
	for j := 0; j < n; j++ {
		if l[j][j] == 0 {
			return nil
		}
		inv[j][j] = 1.0 / l[j][j]
		for i := j + 1; i < n; i++ {
			var sum float64
			for k := j; k < i; k++ {
				sum -= l[i][k] * inv[k][j]
			}
			inv[i][j] = sum / l[i][i]
		}
	}
	return inv
}

// processState is the per-PID pacing bookkeeping held by Monitor.
type processState struct {
	mu              sync.Mutex
	stats           onlineStats
	counts          EventCounts
	pressure        *Accumulator
	samples         uint64
	warm            bool
	baselineEntropy float64
}

// Monitor tracks pacing quality per PID, composing Accumulator and Engine
// into a single Observe/PacingScore surface.
type Monitor struct {
	mu        sync.Mutex
	alpha     float64
	engine    *Engine
	processes map[uint32]*processState
}

// NewMonitor creates a Monitor with the given EWMA smoothing factor and
// entropy weight (both in [0, 1]).
func NewMonitor(alpha, entropyWeight float64) *Monitor {
	return &Monitor{
		alpha:     alpha,
		engine:    NewEngine(entropyWeight),
		processes: make(map[uint32]*processState),
	}
}

func (m *Monitor) stateFor(pid uint32) *processState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.processes[pid]
	if !ok {
		st = &processState{pressure: NewAccumulator(m.alpha)}
		m.processes[pid] = st
	}
	return st
}

// Observe records one frame's frametime/present-time for pid, updates its
// rolling baseline and stutter-bucket counts, scores the frame against the
// baseline (once warmed up), and folds the score into the EWMA pressure
// accumulator. Returns the updated pressure value.
func (m *Monitor) Observe(pid uint32, frametimeMs, presentTimeMs float32) float64 {
	st := m.stateFor(pid)
	st.mu.Lock()
	defer st.mu.Unlock()

	avgFrametime := float32(st.stats.mean[0])
	bucket := ClassifyStutter(frametimeMs, avgFrametime)
	st.counts[bucket]++
	st.samples++
	st.stats.update([featureDim]float64{float64(frametimeMs), float64(presentTimeMs)})

	currentEntropy := ShannonEntropy(st.counts)
	if !st.warm && st.samples >= warmupSamples {
		st.warm = true
		st.baselineEntropy = currentEntropy
	}

	var baseline *Baseline
	if st.warm {
		cov := st.stats.covariance()
		baseline = &Baseline{
			MeanVector:       append([]float64(nil), st.stats.mean[:]...),
			CovarianceMatrix: cov,
			InvCovariance:    InvertCovariance(cov),
			BaselineEntropy:  st.baselineEntropy,
		}
	}

	score, _ := m.engine.Score([]float64{float64(frametimeMs), float64(presentTimeMs)}, baseline, currentEntropy)
	return st.pressure.Update(score)
}

// PacingScore returns a normalized [0, 1] pacing-quality score for pid,
// where 1.0 is perfectly smooth and values fall as EWMA pressure rises.
// Returns 1.0 for an unobserved PID (no data yet, assume smooth).
func (m *Monitor) PacingScore(pid uint32) float32 {
	m.mu.Lock()
	st, ok := m.processes[pid]
	m.mu.Unlock()
	if !ok {
		return 1.0
	}
	pressure := st.pressure.Value()
	return float32(1.0 / (1.0 + pressure))
}

// Counts returns a copy of pid's current stutter-bucket counts, for
// Prometheus counter export.
func (m *Monitor) Counts(pid uint32) EventCounts {
	m.mu.Lock()
	st, ok := m.processes[pid]
	m.mu.Unlock()
	if !ok {
		return EventCounts{}
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.counts
}

// Remove drops a PID's pacing state, e.g. once tracker reports it GONE.
func (m *Monitor) Remove(pid uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.processes, pid)
}
