package detectors

import "math"

// MultiScale implements the Multi-Scale Temporal detector: three
// independent EWMAs approximating 1s/60s/3600s time constants, each
// paired with its own deviation estimate; the score is the max over
// scales of the per-scale z-score squashed through sigmoid(z/k).
type MultiScale struct {
	scales [3]struct {
		ewma *EWMA
		dev  *P2Estimator
	}
	squashK float64
}

// NewMultiScale creates a Multi-Scale Temporal detector with the three
// scale alphas (fast, medium, slow) and the z-score squash constant k.
func NewMultiScale(fastAlpha, mediumAlpha, slowAlpha, squashK float64) *MultiScale {
	m := &MultiScale{squashK: squashK}
	alphas := [3]float64{fastAlpha, mediumAlpha, slowAlpha}
	for i, a := range alphas {
		m.scales[i].ewma = NewEWMA(a)
		m.scales[i].dev = NewP2Estimator(0.5)
	}
	return m
}

// Update folds value into all three scales and returns the max
// squashed z-score.
func (m *MultiScale) Update(value float64, _ uint64) float64 {
	maxScore := 0.0
	for i := range m.scales {
		s := &m.scales[i]
		mean := s.ewma.Update(value)
		s.dev.Observe(value)
		sigma := s.dev.StdDev()
		if sigma < 1e-9 {
			sigma = 1e-9
		}
		z := (value - mean) / sigma
		score := sigmoid(math.Abs(z) / m.squashK)
		// sigmoid(0)=0.5, so rescale to treat z=0 as score 0.
		score = (score - 0.5) * 2
		if score > maxScore {
			maxScore = score
		}
	}
	return sanitize(maxScore)
}

// MultiScaleSnapshot is the checkpoint-exported state of a MultiScale detector.
type MultiScaleSnapshot struct {
	Scales [3]struct {
		EWMA EWMASnapshot
		Dev  P2Snapshot
	}
}

// Snapshot exports the detector's state for checkpointing.
func (m *MultiScale) Snapshot() MultiScaleSnapshot {
	var s MultiScaleSnapshot
	for i := range m.scales {
		s.Scales[i].EWMA = m.scales[i].ewma.Snapshot()
		s.Scales[i].Dev = m.scales[i].dev.Snapshot()
	}
	return s
}

// Restore replaces the detector's state with a previously exported snapshot.
func (m *MultiScale) Restore(s MultiScaleSnapshot) {
	for i := range m.scales {
		m.scales[i].ewma.Restore(s.Scales[i].EWMA)
		m.scales[i].dev.Restore(s.Scales[i].Dev)
	}
}
