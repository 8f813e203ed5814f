package detectors

import "math"

// FadingHistogram implements the Distribution detector: a fixed-bin
// histogram whose bin masses decay exponentially at a configurable
// half-life, scoring 1 minus the (decayed) relative mass of the bin the
// current value falls into.
type FadingHistogram struct {
	bins          []float64
	min, max      float64
	binWidth      float64
	halfLifeNS    float64
	lastDecayNS   uint64
	haveLastDecay bool
}

// NewFadingHistogram creates a histogram with the given bin count,
// value range, and decay half-life.
func NewFadingHistogram(bins int, min, max float64, halfLife float64) *FadingHistogram {
	if bins < 1 {
		bins = 1
	}
	width := (max - min) / float64(bins)
	if width <= 0 {
		width = 1
	}
	return &FadingHistogram{
		bins:       make([]float64, bins),
		min:        min,
		max:        max,
		binWidth:   width,
		halfLifeNS: halfLife,
	}
}

func (h *FadingHistogram) binIndex(value float64) int {
	if value <= h.min {
		return 0
	}
	if value >= h.max {
		return len(h.bins) - 1
	}
	idx := int((value - h.min) / h.binWidth)
	if idx >= len(h.bins) {
		idx = len(h.bins) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return idx
}

// Update folds value into the histogram at timestampNS and returns the
// Distribution score.
func (h *FadingHistogram) Update(value float64, timestampNS uint64) float64 {
	h.decay(timestampNS)

	idx := h.binIndex(value)
	h.bins[idx]++

	maxMass := 0.0
	total := 0.0
	for _, m := range h.bins {
		if m > maxMass {
			maxMass = m
		}
		total += m
	}
	if total <= 0 || maxMass <= 0 {
		return 0
	}

	currentMass := h.bins[idx]
	score := 1.0 - safeDiv(currentMass, maxMass)
	return sanitize(score)
}

// decay applies exponential decay to every bin proportional to elapsed
// time since the last decay, using the configured half-life.
func (h *FadingHistogram) decay(now uint64) {
	if !h.haveLastDecay {
		h.lastDecayNS = now
		h.haveLastDecay = true
		return
	}
	if h.halfLifeNS <= 0 {
		return
	}
	elapsed := float64(int64(now) - int64(h.lastDecayNS))
	if elapsed <= 0 {
		return
	}
	h.lastDecayNS = now
	factor := math.Exp(-math.Ln2 * elapsed / h.halfLifeNS)
	for i := range h.bins {
		h.bins[i] *= factor
	}
}

// FadingHistogramSnapshot is the checkpoint-exported state of a FadingHistogram.
type FadingHistogramSnapshot struct {
	Bins          []float64
	LastDecayNS   uint64
	HaveLastDecay bool
}

// Snapshot exports the histogram's state for checkpointing.
func (h *FadingHistogram) Snapshot() FadingHistogramSnapshot {
	bins := make([]float64, len(h.bins))
	copy(bins, h.bins)
	return FadingHistogramSnapshot{Bins: bins, LastDecayNS: h.lastDecayNS, HaveLastDecay: h.haveLastDecay}
}

// Restore replaces the histogram's state with a previously exported snapshot.
func (h *FadingHistogram) Restore(s FadingHistogramSnapshot) {
	copy(h.bins, s.Bins)
	h.lastDecayNS = s.LastDecayNS
	h.haveLastDecay = s.HaveLastDecay
}
