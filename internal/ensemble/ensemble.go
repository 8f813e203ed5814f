// Package ensemble combines a profile's per-detector scores into a
// single (ensemble_score, confidence) decision, maintains the adaptive
// ensemble-score threshold, and learns per-detector weights online from
// feedback via Thompson Sampling over Beta(alpha, beta) posteriors.
package ensemble

import (
	"math"

	"github.com/nodewatch/gatekeeper/internal/detectors"
)

// WeightFloor is epsilon: no detector weight may fall below this after
// any number of feedback updates, so every detector remains observed.
const WeightFloor = 0.01

// Severity classifies an anomaly signal's ensemble_score.
type Severity uint8

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityNone:
		return "None"
	case SeverityLow:
		return "Low"
	case SeverityMedium:
		return "Medium"
	case SeverityHigh:
		return "High"
	case SeverityCritical:
		return "Critical"
	default:
		return "Unknown"
	}
}

// ClassifySeverity maps an ensemble score to a severity band per the
// fixed None<0.15/Low<0.35/Medium<0.6/High<0.85/Critical>=0.85 ladder.
func ClassifySeverity(score float64) Severity {
	switch {
	case score < 0.15:
		return SeverityNone
	case score < 0.35:
		return SeverityLow
	case score < 0.6:
		return SeverityMedium
	case score < 0.85:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// State is the ensemble's per-profile learned state: weight vector,
// bandit alpha/beta posteriors per detector arm, a running sample
// counter, and the adaptive ensemble-score threshold estimator. It is
// embedded in internal/profile.Profile and checkpointed alongside the
// detector states.
type State struct {
	Weights     [detectors.Count]float64
	Alpha       [detectors.Count]float64
	Beta        [detectors.Count]float64
	SampleCount uint64

	AdaptiveThreshold *detectors.P2Estimator
}

// NewState creates ensemble state with Beta(1,1) posteriors per arm and
// each weight initialized to that posterior's alpha/(alpha+beta) = 0.5.
func NewState(adaptivePercentile float64) *State {
	s := &State{AdaptiveThreshold: detectors.NewP2Estimator(adaptivePercentile)}
	for i := range s.Weights {
		s.Alpha[i] = 1.0
		s.Beta[i] = 1.0
		s.Weights[i] = s.Alpha[i] / (s.Alpha[i] + s.Beta[i])
	}
	return s
}

// Result is the outcome of combining one event's detector scores.
type Result struct {
	EnsembleScore       float64
	Confidence          float64
	AdaptiveThreshold   float64
	PrimaryDetector     detectors.ID
	SecondaryDetector   detectors.ID
	HasSecondary        bool
	DetectorsFired      uint16 // bitmask, bit i set iff scores[i] >= fireThreshold
}

// Combine computes the ensemble score and confidence for one event's
// detector scores against the current weight vector, updates the
// adaptive threshold estimator, and identifies the primary/secondary
// contributing detectors. It does not mutate Weights/Alpha/Beta —
// those change only via ApplyFeedback.
func Combine(scores detectors.Scores, st *State, fireThreshold float64, adversarialFloor float64) Result {
	var weightedSum, weightSum float64
	contributions := [detectors.Count]float64{}

	for i := 0; i < detectors.Count; i++ {
		w := st.Weights[i]
		c := w * scores[i]
		contributions[i] = c
		weightedSum += c
		weightSum += w
	}
	if weightSum < 1e-9 {
		weightSum = 1e-9
	}
	ensembleScore := clamp01(weightedSum / weightSum)

	confidence := computeConfidence(contributions, ensembleScore)

	st.AdaptiveThreshold.Observe(ensembleScore)
	adaptive := st.AdaptiveThreshold.Quantile()
	if adaptive < adversarialFloor {
		// P² can give biased/degenerate estimates on pathological
		// streams (long plateaus); fall back to the configured
		// sensitivity floor rather than let the threshold collapse to 0.
		adaptive = adversarialFloor
	}

	primary, secondary, hasSecondary := topTwo(contributions)

	var fired uint16
	for i := 0; i < detectors.Count; i++ {
		if scores[i] >= fireThreshold {
			fired |= 1 << uint(i)
		}
	}

	return Result{
		EnsembleScore:     ensembleScore,
		Confidence:        confidence,
		AdaptiveThreshold: adaptive,
		PrimaryDetector:   primary,
		SecondaryDetector: secondary,
		HasSecondary:      hasSecondary,
		DetectorsFired:    fired,
	}
}

// computeConfidence returns 1 minus the normalized Shannon entropy of
// the per-detector contribution shares w_i*s_i / ensemble_score, high
// when a few detectors dominate and low when many disagree weakly.
func computeConfidence(contributions [detectors.Count]float64, ensembleScore float64) float64 {
	if ensembleScore <= 1e-9 {
		return 0
	}
	var total float64
	for _, c := range contributions {
		if c > 0 {
			total += c
		}
	}
	if total <= 1e-9 {
		return 0
	}

	var entropy float64
	n := 0
	for _, c := range contributions {
		if c <= 0 {
			continue
		}
		p := c / total
		entropy -= p * math.Log(p)
		n++
	}
	if n <= 1 {
		return 1
	}
	maxEntropy := math.Log(float64(n))
	if maxEntropy <= 1e-9 {
		return 1
	}
	return clamp01(1 - entropy/maxEntropy)
}

// topTwo returns the indices of the two largest contributions.
func topTwo(contributions [detectors.Count]float64) (first, second detectors.ID, hasSecond bool) {
	bestIdx, secondIdx := -1, -1
	bestVal, secondVal := math.Inf(-1), math.Inf(-1)
	for i, c := range contributions {
		if c > bestVal {
			secondIdx, secondVal = bestIdx, bestVal
			bestIdx, bestVal = i, c
		} else if c > secondVal {
			secondIdx, secondVal = i, c
		}
	}
	if bestIdx < 0 {
		bestIdx = 0
	}
	first = detectors.ID(bestIdx)
	if secondIdx >= 0 {
		second = detectors.ID(secondIdx)
		hasSecond = true
	}
	return
}

// DecisionInputs bundles the fields Decide needs beyond the Result,
// mirroring the decision gate in spec.md §4.3.
type DecisionInputs struct {
	MinDetectorScore     float64
	MinEnsembleScore     float64
	ConfidenceThreshold  float64
	UseAdaptiveThreshold bool
	Warmup               bool
}

// Decide applies the five-condition decision gate: anomalous iff all of
// (a detector fired above MinDetectorScore, ensemble score above its
// floor, ensemble score above the adaptive threshold when enabled,
// confidence above its floor, warmup is false).
func Decide(scores detectors.Scores, res Result, in DecisionInputs) bool {
	if in.Warmup {
		return false
	}
	anyDetectorFired := false
	for _, s := range scores {
		if s >= in.MinDetectorScore {
			anyDetectorFired = true
			break
		}
	}
	if !anyDetectorFired {
		return false
	}
	if res.EnsembleScore < in.MinEnsembleScore {
		return false
	}
	if in.UseAdaptiveThreshold && res.EnsembleScore < res.AdaptiveThreshold {
		return false
	}
	if res.Confidence < in.ConfidenceThreshold {
		return false
	}
	return true
}

// ApplyFeedback updates the bandit posteriors and derived weights per
// spec.md §4.3: on a true positive, alpha_i increments by
// confidence*s_i for every detector whose score at the event exceeded
// its fire threshold; on a false positive, beta_i increments instead.
// Effective weight w_i = alpha_i/(alpha_i+beta_i), clipped to
// [WeightFloor, 1].
func ApplyFeedback(st *State, wasTruePositive bool, confidence float64, scoresAtEvent detectors.Scores, fireThreshold float64) {
	for i := 0; i < detectors.Count; i++ {
		if scoresAtEvent[i] < fireThreshold {
			continue
		}
		delta := confidence * scoresAtEvent[i]
		if delta < 0 {
			delta = 0
		}
		if wasTruePositive {
			st.Alpha[i] += delta
		} else {
			st.Beta[i] += delta
		}
		denom := st.Alpha[i] + st.Beta[i]
		if denom < 1e-9 {
			denom = 1e-9
		}
		w := st.Alpha[i] / denom
		st.Weights[i] = clampWeight(w)
	}
	st.SampleCount++
}

func clampWeight(w float64) float64 {
	if w < WeightFloor {
		return WeightFloor
	}
	if w > 1 {
		return 1
	}
	return w
}

func clamp01(x float64) float64 {
	if math.IsNaN(x) || x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// Snapshot is the checkpoint-exported form of State.
type Snapshot struct {
	Weights           [detectors.Count]float64
	Alpha             [detectors.Count]float64
	Beta              [detectors.Count]float64
	SampleCount       uint64
	AdaptiveThreshold detectors.P2Snapshot
}

// Snapshot exports the ensemble state for checkpointing.
func (s *State) Snapshot() Snapshot {
	return Snapshot{
		Weights: s.Weights, Alpha: s.Alpha, Beta: s.Beta,
		SampleCount: s.SampleCount, AdaptiveThreshold: s.AdaptiveThreshold.Snapshot(),
	}
}

// Restore replaces the ensemble state with a previously exported snapshot.
func (s *State) Restore(snap Snapshot) {
	s.Weights = snap.Weights
	s.Alpha = snap.Alpha
	s.Beta = snap.Beta
	s.SampleCount = snap.SampleCount
	if s.AdaptiveThreshold == nil {
		s.AdaptiveThreshold = detectors.NewP2Estimator(0.95)
	}
	s.AdaptiveThreshold.Restore(snap.AdaptiveThreshold)
}
