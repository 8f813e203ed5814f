package detectors

import "math"

// Burst implements the Burst detector: an EWMA baseline of inter-arrival
// time (IAT) feeding a one-sided CUSUM that fires when the instantaneous
// IAT collapses below baseline by k standard deviations.
type Burst struct {
	baseline *EWMA
	devEst   *P2Estimator
	kSigma   float64

	cusumSlack float64
	cusumH     float64
	cusum      float64

	lastTS uint64
	haveTS bool
}

// NewBurst creates a Burst detector with the given baseline smoothing
// factor, k-sigma trigger multiplier, and CUSUM slack/threshold.
func NewBurst(baselineAlpha, kSigma, cusumSlack, cusumH float64) *Burst {
	return &Burst{
		baseline:   NewEWMA(baselineAlpha),
		devEst:     NewP2Estimator(0.5),
		kSigma:     kSigma,
		cusumSlack: cusumSlack,
		cusumH:     cusumH,
	}
}

// Update folds a new arrival at timestampNS into the model and returns
// the Burst score.
func (b *Burst) Update(_ float64, timestampNS uint64) float64 {
	if !b.haveTS {
		b.lastTS = timestampNS
		b.haveTS = true
		return 0
	}

	iatNS := float64(int64(timestampNS) - int64(b.lastTS))
	b.lastTS = timestampNS
	if iatNS < 0 {
		iatNS = 0
	}

	baselineIAT := b.baseline.Update(iatNS)
	b.devEst.Observe(iatNS)
	sigma := b.devEst.StdDev()
	if sigma < 1e-9 {
		sigma = 1e-9
	}

	// Collapse below baseline - k*sigma triggers the burst signal; a
	// standard one-sided CUSUM accumulates the deficit net of slack.
	deficit := (baselineIAT - iatNS) - b.cusumSlack*sigma
	if deficit < 0 {
		deficit = 0
	}
	b.cusum += deficit
	b.cusum -= b.cusumSlack * sigma * 0.1 // slow bleed so transient dips don't latch forever
	if b.cusum < 0 {
		b.cusum = 0
	}

	zScore := (baselineIAT - iatNS) / sigma
	instant := sigmoid(zScore/b.kSigma - 1.0)
	cusumComponent := math.Min(1.0, b.cusum/b.cusumH)

	score := math.Max(instant, cusumComponent)
	return sanitize(score)
}

// BurstSnapshot is the checkpoint-exported state of a Burst detector.
type BurstSnapshot struct {
	Baseline EWMASnapshot
	DevEst   P2Snapshot
	Cusum    float64
	LastTS   uint64
	HaveTS   bool
}

// Snapshot exports the detector's state for checkpointing.
func (b *Burst) Snapshot() BurstSnapshot {
	return BurstSnapshot{
		Baseline: b.baseline.Snapshot(), DevEst: b.devEst.Snapshot(),
		Cusum: b.cusum, LastTS: b.lastTS, HaveTS: b.haveTS,
	}
}

// Restore replaces the detector's state with a previously exported snapshot.
func (b *Burst) Restore(s BurstSnapshot) {
	b.baseline.Restore(s.Baseline)
	b.devEst.Restore(s.DevEst)
	b.cusum = s.Cusum
	b.lastTS = s.LastTS
	b.haveTS = s.HaveTS
}
