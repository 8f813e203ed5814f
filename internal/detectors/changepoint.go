package detectors

import "math"

// ChangePoint implements the Change-Point detector: a two-sided CUSUM
// with slack K and alarm threshold H, optionally with Fast Initial
// Response (FIR) enabled — seeding the cumulative sums at a head-start
// value so early changepoints are detected without the usual CUSUM
// startup delay.
type ChangePoint struct {
	mean  *EWMA
	devEst *P2Estimator

	slack     float64
	threshold float64
	firHead   float64
	firEnabled bool

	sHigh, sLow float64
	initialized bool
}

// NewChangePoint creates a Change-Point detector with the given slack,
// alarm threshold, and FIR configuration.
func NewChangePoint(slack, threshold float64, firEnabled bool, firHead float64) *ChangePoint {
	return &ChangePoint{
		mean:       NewEWMA(0.1),
		devEst:     NewP2Estimator(0.5),
		slack:      slack,
		threshold:  threshold,
		firEnabled: firEnabled,
		firHead:    firHead,
	}
}

// Update folds value into the model and returns the normalized alarm
// magnitude.
func (c *ChangePoint) Update(value float64, _ uint64) float64 {
	baseline := c.mean.Update(value)
	c.devEst.Observe(value)
	sigma := c.devEst.StdDev()
	if sigma < 1e-9 {
		sigma = 1e-9
	}

	z := (value - baseline) / sigma

	if !c.initialized {
		c.initialized = true
		if c.firEnabled {
			c.sHigh = c.firHead * c.threshold
			c.sLow = -c.firHead * c.threshold
		}
	}

	c.sHigh = math.Max(0, c.sHigh+z-c.slack)
	c.sLow = math.Min(0, c.sLow+z+c.slack)

	alarm := math.Max(c.sHigh, -c.sLow)

	// An alarm crossing the threshold resets the corresponding
	// accumulator so subsequent change points are still detectable,
	// matching the standard CUSUM reset-on-alarm discipline.
	if c.sHigh >= c.threshold {
		c.sHigh = 0
	}
	if c.sLow <= -c.threshold {
		c.sLow = 0
	}

	score := safeDiv(alarm, c.threshold)
	return sanitize(score)
}

// ChangePointSnapshot is the checkpoint-exported state of a ChangePoint detector.
type ChangePointSnapshot struct {
	Mean        EWMASnapshot
	DevEst      P2Snapshot
	SHigh, SLow float64
	Initialized bool
}

// Snapshot exports the detector's state for checkpointing.
func (c *ChangePoint) Snapshot() ChangePointSnapshot {
	return ChangePointSnapshot{
		Mean: c.mean.Snapshot(), DevEst: c.devEst.Snapshot(),
		SHigh: c.sHigh, SLow: c.sLow, Initialized: c.initialized,
	}
}

// Restore replaces the detector's state with a previously exported snapshot.
func (c *ChangePoint) Restore(s ChangePointSnapshot) {
	c.mean.Restore(s.Mean)
	c.devEst.Restore(s.DevEst)
	c.sHigh = s.SHigh
	c.sLow = s.SLow
	c.initialized = s.Initialized
}
