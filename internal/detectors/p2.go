package detectors

import "math"

// P2Estimator is Jain & Chlamtac's P² algorithm: an O(1)-update, O(1)-memory
// online estimator of an arbitrary percentile (and, via the variance
// helper below, of standard deviation) that never stores the underlying
// sample. It maintains five markers (min, two intermediate, the target
// percentile, max) and their heights, adjusting marker positions after
// every observation via piecewise-parabolic interpolation with a linear
// fallback when interpolation would overshoot.
//
// This is the shared percentile/variance primitive used by the
// Holt-Winters deviation normalizer and by the ensemble's adaptive
// threshold — per design, no detector needs to sort or retain history
// beyond its own bounded buffers.
type P2Estimator struct {
	p float64 // target quantile, e.g. 0.95

	n        [5]float64 // marker positions (counts)
	npos     [5]float64 // desired marker positions
	dn       [5]float64 // increments to desired positions
	heights  [5]float64 // marker heights (the estimates)
	count    int        // observations seen so far (caps at 5 for init)
	initBuf  [5]float64
}

// NewP2Estimator creates an estimator targeting quantile p ∈ (0,1).
func NewP2Estimator(p float64) *P2Estimator {
	if p <= 0 || p >= 1 {
		p = 0.5
	}
	e := &P2Estimator{p: p}
	e.npos = [5]float64{1, 1 + 2*p, 1 + 4*p, 3 + 2*p, 5}
	e.dn = [5]float64{0, p / 2, p, (1 + p) / 2, 1}
	return e
}

// Observe feeds a new sample into the estimator.
func (e *P2Estimator) Observe(x float64) {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return
	}

	if e.count < 5 {
		e.initBuf[e.count] = x
		e.count++
		if e.count == 5 {
			// Sort the first five observations to seed marker heights.
			buf := e.initBuf
			for i := 1; i < 5; i++ {
				v := buf[i]
				j := i - 1
				for j >= 0 && buf[j] > v {
					buf[j+1] = buf[j]
					j--
				}
				buf[j+1] = v
			}
			e.heights = buf
			for i := 0; i < 5; i++ {
				e.n[i] = float64(i + 1)
			}
		}
		return
	}

	// Find cell k such that heights[k] <= x < heights[k+1].
	var k int
	switch {
	case x < e.heights[0]:
		e.heights[0] = x
		k = 0
	case x >= e.heights[4]:
		e.heights[4] = x
		k = 3
	default:
		k = 3
		for i := 0; i < 4; i++ {
			if x < e.heights[i+1] {
				k = i
				break
			}
		}
	}

	for i := k + 1; i < 5; i++ {
		e.n[i]++
	}
	for i := 0; i < 5; i++ {
		e.npos[i] += e.dn[i]
	}

	for i := 1; i < 4; i++ {
		d := e.npos[i] - e.n[i]
		if (d >= 1 && e.n[i+1]-e.n[i] > 1) || (d <= -1 && e.n[i-1]-e.n[i] < -1) {
			sign := 1.0
			if d < 0 {
				sign = -1.0
			}
			qNew := e.parabolic(i, sign)
			if e.heights[i-1] < qNew && qNew < e.heights[i+1] {
				e.heights[i] = qNew
			} else {
				e.heights[i] = e.linear(i, sign)
			}
			e.n[i] += sign
		}
	}
}

func (e *P2Estimator) parabolic(i int, d float64) float64 {
	return e.heights[i] + d/(e.n[i+1]-e.n[i-1])*(
		(e.n[i]-e.n[i-1]+d)*(e.heights[i+1]-e.heights[i])/(e.n[i+1]-e.n[i])+
			(e.n[i+1]-e.n[i]-d)*(e.heights[i]-e.heights[i-1])/(e.n[i]-e.n[i-1]))
}

func (e *P2Estimator) linear(i int, d float64) float64 {
	idx := i
	if d > 0 {
		idx = i + 1
	} else {
		idx = i - 1
	}
	return e.heights[i] + d*(e.heights[idx]-e.heights[i])/(e.n[idx]-e.n[i])
}

// Quantile returns the current estimate of the target percentile. Before
// five observations have been seen it returns the arithmetic mean of the
// samples observed so far (or 0 with zero observations).
func (e *P2Estimator) Quantile() float64 {
	if e.count < 5 {
		if e.count == 0 {
			return 0
		}
		// Mean of the partial buffer as a fallback.
		buf := e.initBuf[:e.count]
		sum := 0.0
		for _, v := range buf {
			sum += v
		}
		return sum / float64(e.count)
	}
	return e.heights[2]
}

// StdDev returns an approximate standard deviation derived from the
// spread between markers 1 and 3, a cheap and bounded-memory
// proxy used by detectors that only need a normalizing scale rather
// than an exact percentile.
func (e *P2Estimator) StdDev() float64 {
	if e.count < 5 {
		return 0
	}
	// Approximate via the interquartile-like spread between markers 1 and 3,
	// scaled so a normal distribution's IQR-to-sigma ratio holds.
	spread := e.heights[3] - e.heights[1]
	return spread / 1.349
}

// Reset clears the estimator to its initial state.
func (e *P2Estimator) Reset() {
	p := e.p
	*e = *NewP2Estimator(p)
}

// P2Snapshot is the checkpoint-exported state of a P2Estimator; all
// fields are exported so encoding/gob can round-trip it exactly.
type P2Snapshot struct {
	P       float64
	N       [5]float64
	Npos    [5]float64
	Dn      [5]float64
	Heights [5]float64
	Count   int
	InitBuf [5]float64
}

// Snapshot exports the estimator's state for checkpointing.
func (e *P2Estimator) Snapshot() P2Snapshot {
	return P2Snapshot{
		P: e.p, N: e.n, Npos: e.npos, Dn: e.dn,
		Heights: e.heights, Count: e.count, InitBuf: e.initBuf,
	}
}

// Restore replaces the estimator's state with a previously exported snapshot.
func (e *P2Estimator) Restore(s P2Snapshot) {
	e.p = s.P
	e.n = s.N
	e.npos = s.Npos
	e.dn = s.Dn
	e.heights = s.Heights
	e.count = s.Count
	e.initBuf = s.InitBuf
}
