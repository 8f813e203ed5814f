// Package profile holds the per-entity state owned by exactly one
// shard: the ten detector states and the ensemble's weight/bandit
// state, behind a single Update/ApplyFeedback surface.
package profile

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/nodewatch/gatekeeper/internal/config"
	"github.com/nodewatch/gatekeeper/internal/detectors"
	"github.com/nodewatch/gatekeeper/internal/ensemble"
)

// Profile is the fixed-layout, per-entity state bundle. A profile is
// mutated only by its owning shard worker; event_count is monotonically
// non-decreasing; it is destroyed wholesale on LRU eviction or explicit
// reset, never partially mutated by any other goroutine.
type Profile struct {
	EntityHash uint64

	LastSeenNS uint64
	EventCount uint64
	WarmupN    uint64

	// PriorityByte is a 0-255 tie-breaker consulted by the registry's
	// LRU eviction when otherwise-equal-recency profiles compete for a
	// capacity slot. Higher survives.
	PriorityByte byte

	holtWinters *detectors.HoltWinters
	histogram   *detectors.FadingHistogram
	cardinality *detectors.Cardinality
	burst       *detectors.Burst
	spectral    *detectors.Spectral
	changePoint *detectors.ChangePoint
	drift       *detectors.Drift
	multiScale  *detectors.MultiScale
	behavioral  *detectors.Behavioral
	rrcf        *detectors.RRCF

	Ensemble *ensemble.State
}

// New constructs a fresh Profile for entityHash, seeding every detector
// from cfg and the RRCF reservoir's PRNG from entityHash itself, per
// the determinism requirement in spec.md §9.
func New(entityHash uint64, cfg *config.DetectorsConfig, ensembleCfg *config.EnsembleConfig) *Profile {
	hw := cfg.HoltWinters
	hi := cfg.Histogram
	ca := cfg.Cardinality
	bu := cfg.Burst
	sp := cfg.Spectral
	cp := cfg.ChangePoint
	dr := cfg.Drift
	ms := cfg.MultiScale
	be := cfg.Behavioral
	rr := cfg.RRCF

	return &Profile{
		EntityHash: entityHash,
		WarmupN:    cfg.WarmupEvents,

		holtWinters: detectors.NewHoltWinters(hw.Alpha, hw.Beta, hw.Gamma, hw.SeasonalPeriod),
		histogram:   detectors.NewFadingHistogram(hi.Bins, hi.MinValue, hi.MaxValue, float64(hi.HalfLife)),
		cardinality: detectors.NewCardinality(ca.Precision, ca.EWMAAlpha),
		burst:       detectors.NewBurst(bu.BaselineAlpha, bu.KSigma, bu.CUSUMSlack, bu.CUSUMH),
		spectral:    detectors.NewSpectral(sp.WindowSize, sp.RefreshEvery),
		changePoint: detectors.NewChangePoint(cp.Slack, cp.Threshold, cp.FIREnable, cp.FIRHead),
		drift:       detectors.NewDrift(dr.ADWINDelta, dr.PageHinkleyDelta, dr.PageHinkleyLambda),
		multiScale:  detectors.NewMultiScale(ms.FastAlpha, ms.MediumAlpha, ms.SlowAlpha, ms.SquashK),
		behavioral:  detectors.NewBehavioral(be.CountMinDepth, be.CountMinWidth),
		rrcf:        detectors.NewRRCF(rr.NumTrees, rr.TreeCapacity, entityHash),

		Ensemble: ensemble.NewState(ensembleCfg.AdaptivePercentile),
	}
}

// Warmup reports whether the profile is still in its pre-signal phase:
// true until event_count >= warmup_n.
func (p *Profile) Warmup() bool {
	return p.EventCount < p.WarmupN
}

// Update folds one event into every detector and the profile's own
// bookkeeping, returning the fixed-size detector score vector and a
// bitmask of detectors that panicked on this event (recovered, scored
// as 0). State is always updated regardless of policy match, decision
// outcome, or warmup.
func (p *Profile) Update(value float64, timestampNS uint64) (detectors.Scores, uint16) {
	var scores detectors.Scores
	var panicked uint16

	call := func(id detectors.ID, fn func() float64) {
		defer func() {
			if r := recover(); r != nil {
				scores[id] = 0
				panicked |= 1 << uint(id)
			}
		}()
		scores[id] = fn()
	}

	call(detectors.IDHoltWinters, func() float64 { return p.holtWinters.Update(value, timestampNS) })
	call(detectors.IDHistogram, func() float64 { return p.histogram.Update(value, timestampNS) })
	call(detectors.IDCardinality, func() float64 { return p.cardinality.Update(value, timestampNS) })
	call(detectors.IDBurst, func() float64 { return p.burst.Update(value, timestampNS) })
	call(detectors.IDSpectral, func() float64 { return p.spectral.Update(value, timestampNS) })
	call(detectors.IDChangePoint, func() float64 { return p.changePoint.Update(value, timestampNS) })
	call(detectors.IDDrift, func() float64 { return p.drift.Update(value, timestampNS) })
	call(detectors.IDMultiScale, func() float64 { return p.multiScale.Update(value, timestampNS) })
	call(detectors.IDBehavioral, func() float64 { return p.behavioral.Update(value, timestampNS) })
	call(detectors.IDRRCF, func() float64 { return p.rrcf.Update(value, timestampNS) })

	p.EventCount++
	if timestampNS > p.LastSeenNS {
		p.LastSeenNS = timestampNS
	}

	return scores, panicked
}

// ApplyFeedback adjusts ensemble weights/bandit posteriors from a
// labeled feedback event. Detector states are left untouched except
// that a confirmed attack resets the behavioral fingerprint, so a
// known-bad entity's past behavior stops being treated as its new
// normal baseline.
func (p *Profile) ApplyFeedback(wasTruePositive bool, confidence float64, scoresAtEvent detectors.Scores, fireThreshold float64, labelClass string) {
	ensemble.ApplyFeedback(p.Ensemble, wasTruePositive, confidence, scoresAtEvent, fireThreshold)
	if labelClass == "attack_known" {
		p.behavioral.Reset()
	}
}

// snapshot is the gob-encodable, fully exported mirror of Profile used
// by MarshalBinary/UnmarshalBinary. Every detector's own exported
// Snapshot type is embedded by value, so gob only ever sees plain
// structs of exported fields — never the unexported internal layout.
type snapshot struct {
	EntityHash   uint64
	LastSeenNS   uint64
	EventCount   uint64
	WarmupN      uint64
	PriorityByte byte

	HoltWinters detectors.HoltWintersSnapshot
	Histogram   detectors.FadingHistogramSnapshot
	Cardinality detectors.CardinalitySnapshot
	Burst       detectors.BurstSnapshot
	Spectral    detectors.SpectralSnapshot
	ChangePoint detectors.ChangePointSnapshot
	Drift       detectors.DriftSnapshot
	MultiScale  detectors.MultiScaleSnapshot
	Behavioral  detectors.BehavioralSnapshot
	RRCF        detectors.RRCFSnapshot

	Ensemble ensemble.Snapshot
}

// MarshalBinary encodes the profile into a compact, versioned gob
// record for checkpointing. Field order and presence are fixed by the
// snapshot type; adding a field to a detector's Snapshot type remains
// backward-readable by gob's field-name matching.
func (p *Profile) MarshalBinary() ([]byte, error) {
	s := snapshot{
		EntityHash: p.EntityHash, LastSeenNS: p.LastSeenNS,
		EventCount: p.EventCount, WarmupN: p.WarmupN, PriorityByte: p.PriorityByte,

		HoltWinters: p.holtWinters.Snapshot(),
		Histogram:   p.histogram.Snapshot(),
		Cardinality: p.cardinality.Snapshot(),
		Burst:       p.burst.Snapshot(),
		Spectral:    p.spectral.Snapshot(),
		ChangePoint: p.changePoint.Snapshot(),
		Drift:       p.drift.Snapshot(),
		MultiScale:  p.multiScale.Snapshot(),
		Behavioral:  p.behavioral.Snapshot(),
		RRCF:        p.rrcf.Snapshot(),

		Ensemble: p.Ensemble.Snapshot(),
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&s); err != nil {
		return nil, fmt.Errorf("profile.MarshalBinary: %w", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary restores the profile's detector and ensemble state
// from a previously marshaled record. The profile's detector instances
// must already exist (constructed via New with matching configuration)
// before calling UnmarshalBinary; only their internal state is replaced.
func (p *Profile) UnmarshalBinary(data []byte) error {
	var s snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return fmt.Errorf("profile.UnmarshalBinary: %w", err)
	}

	p.EntityHash = s.EntityHash
	p.LastSeenNS = s.LastSeenNS
	p.EventCount = s.EventCount
	p.WarmupN = s.WarmupN
	p.PriorityByte = s.PriorityByte

	p.holtWinters.Restore(s.HoltWinters)
	p.histogram.Restore(s.Histogram)
	p.cardinality.Restore(s.Cardinality)
	p.burst.Restore(s.Burst)
	p.spectral.Restore(s.Spectral)
	p.changePoint.Restore(s.ChangePoint)
	p.drift.Restore(s.Drift)
	p.multiScale.Restore(s.MultiScale)
	p.behavioral.Restore(s.Behavioral)
	p.rrcf.Restore(s.RRCF)
	p.Ensemble.Restore(s.Ensemble)

	return nil
}
