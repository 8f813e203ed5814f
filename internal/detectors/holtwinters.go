package detectors

import "math"

// HoltWinters implements the Volume detector: triple exponential
// smoothing (level, trend, seasonal) over the instantaneous rate
// 1/IAT, scoring the normalized absolute deviation of the observed rate
// from the one-step-ahead prediction against a P²-estimated standard
// deviation.
type HoltWinters struct {
	alpha, beta, gamma float64
	period             int

	level, trend float64
	seasonal     []float64
	seasonalIdx  int
	initialized  bool

	lastTS uint64
	haveTS bool

	dev *P2Estimator
}

// NewHoltWinters creates a Volume detector with the given smoothing
// constants and seasonal period (number of seasonal buckets tracked).
func NewHoltWinters(alpha, beta, gamma float64, period int) *HoltWinters {
	if period < 1 {
		period = 1
	}
	return &HoltWinters{
		alpha:    alpha,
		beta:     beta,
		gamma:    gamma,
		period:   period,
		seasonal: make([]float64, period),
		dev:      NewP2Estimator(0.5),
	}
}

// Update folds a new event at timestampNS into the model and returns the
// Volume score. The "value" passed to other detectors is the event
// payload; Volume scores purely off inter-arrival rate, so it derives
// its own signal from timestampNS deltas.
func (h *HoltWinters) Update(_ float64, timestampNS uint64) float64 {
	if !h.haveTS {
		h.lastTS = timestampNS
		h.haveTS = true
		return 0
	}

	deltaNS := int64(timestampNS) - int64(h.lastTS)
	h.lastTS = timestampNS
	if deltaNS <= 0 {
		deltaNS = 1
	}
	rate := 1e9 / float64(deltaNS) // events per second, instantaneous

	if !h.initialized {
		h.level = rate
		h.trend = 0
		for i := range h.seasonal {
			h.seasonal[i] = 1.0
		}
		h.initialized = true
		return 0
	}

	sIdx := h.seasonalIdx % h.period
	seasonalFactor := h.seasonal[sIdx]
	if seasonalFactor == 0 {
		seasonalFactor = 1
	}

	predicted := (h.level + h.trend) * seasonalFactor

	deseasonalized := safeDiv(rate, seasonalFactor)
	prevLevel := h.level
	h.level = h.alpha*deseasonalized + (1-h.alpha)*(h.level+h.trend)
	h.trend = h.beta*(h.level-prevLevel) + (1-h.beta)*h.trend
	h.seasonal[sIdx] = h.gamma*safeDiv(rate, h.level) + (1-h.gamma)*seasonalFactor
	h.seasonalIdx++

	absDev := math.Abs(rate - predicted)
	h.dev.Observe(absDev)
	sigma := h.dev.StdDev()
	if sigma < 1e-9 {
		sigma = 1e-9
	}

	score := sigmoid(absDev/sigma - 2.0) // centers the sigmoid around ~2 sigma
	return sanitize(score)
}

// HoltWintersSnapshot is the checkpoint-exported state of a HoltWinters detector.
type HoltWintersSnapshot struct {
	Level, Trend  float64
	Seasonal      []float64
	SeasonalIdx   int
	Initialized   bool
	LastTS        uint64
	HaveTS        bool
	Dev           P2Snapshot
}

// Snapshot exports the detector's state for checkpointing.
func (h *HoltWinters) Snapshot() HoltWintersSnapshot {
	seasonal := make([]float64, len(h.seasonal))
	copy(seasonal, h.seasonal)
	return HoltWintersSnapshot{
		Level: h.level, Trend: h.trend, Seasonal: seasonal,
		SeasonalIdx: h.seasonalIdx, Initialized: h.initialized,
		LastTS: h.lastTS, HaveTS: h.haveTS, Dev: h.dev.Snapshot(),
	}
}

// Restore replaces the detector's state with a previously exported snapshot.
func (h *HoltWinters) Restore(s HoltWintersSnapshot) {
	h.level = s.Level
	h.trend = s.Trend
	copy(h.seasonal, s.Seasonal)
	h.seasonalIdx = s.SeasonalIdx
	h.initialized = s.Initialized
	h.lastTS = s.LastTS
	h.haveTS = s.HaveTS
	h.dev.Restore(s.Dev)
}
